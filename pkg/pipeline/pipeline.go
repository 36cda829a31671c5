// Package pipeline drives one invocation: it decodes the records of a trigger
// batch, resolves their collectors, merges and delivers the payloads, and
// reports which trigger items must be redelivered.
package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/aggregator"
	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/collectors"
	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/envelope"
	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/forwarder"
	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/transport"
)

// ErrBatchFatal means no record of the batch can be trusted to have been
// handled; the whole batch must be redelivered.
var ErrBatchFatal = errors.New("batch failed")

var tracer = otel.Tracer("pkg/pipeline")

var errNotAttempted = errors.New("delivery not attempted before the deadline")

// Resolver finds the collectors for a record.
type Resolver interface {
	Resolve(ctx context.Context, route string) ([]*collectors.Collector, error)
	SplitRoute(headers map[string]string) (string, map[string]string)
	Invalidate()
}

// Deliverer sends a request to a collector.
type Deliverer interface {
	Deliver(ctx context.Context, c *collectors.Collector, req forwarder.Request) forwarder.Outcome
}

// State is the phase an invocation is in.
type State int

const (
	StateStart State = iota
	StateUnwrapping
	StateDecoding
	StateAggregating
	StateForwarding
	StateReporting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateUnwrapping:
		return "unwrapping"
	case StateDecoding:
		return "decoding"
	case StateAggregating:
		return "aggregating"
	case StateForwarding:
		return "forwarding"
	case StateReporting:
		return "reporting"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Pipeline is shared by all invocations of the process.
type Pipeline struct {
	cfg       Config
	aggCfg    aggregator.Config
	filter    *transport.Filter
	resolver  Resolver
	deliverer Deliverer
	logger    log.Logger
	metrics   *metrics
}

// New makes a Pipeline.
func New(cfg Config, aggCfg aggregator.Config, filter *transport.Filter, resolver Resolver, deliverer Deliverer, logger log.Logger, reg prometheus.Registerer) *Pipeline {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Pipeline{
		cfg:       cfg,
		aggCfg:    aggCfg,
		filter:    filter,
		resolver:  resolver,
		deliverer: deliverer,
		logger:    log.With(logger, "component", "pipeline"),
		metrics:   newMetrics(reg),
	}
}

// decoded is a payload ready to be merged.
type decoded struct {
	id      string
	payload *envelope.Payload
	targets []*collectors.Collector
}

// invocation holds the state of one run through the pipeline.
type invocation struct {
	p      *Pipeline
	logger log.Logger
	state  State
	phase  trace.Span
	batch  *transport.Batch

	failed   failures
	result   BatchResult
	payloads []decoded
	requests []*aggregator.Request
	outcomes []forwarder.Outcome
}

// transition ends the span of the current phase and starts one for next,
// returning its context.
func (inv *invocation) transition(ctx context.Context, next State) context.Context {
	level.Debug(inv.logger).Log("msg", "state change", "from", inv.state, "to", next)
	if inv.phase != nil {
		inv.phase.End()
		inv.phase = nil
	}
	inv.state = next
	if next == StateDone {
		return ctx
	}
	ctx, inv.phase = tracer.Start(ctx, "pipeline/"+next.String())
	return ctx
}

// Process runs an unwrapped batch through the pipeline. The error is non-nil
// only when the batch failed as a whole, in which case it wraps
// ErrBatchFatal and no BatchResult is produced.
func (p *Pipeline) Process(ctx context.Context, b *transport.Batch) (*BatchResult, error) {
	return p.run(ctx, b.Trigger, func() (*transport.Batch, error) { return b, nil })
}

func (p *Pipeline) run(ctx context.Context, trigger transport.Trigger, unwrap func() (*transport.Batch, error)) (*BatchResult, error) {
	start := time.Now()
	defer func() { p.metrics.invocationTiming.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := p.withDeadline(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "pipeline/process", trace.WithAttributes(attribute.String("trigger", string(trigger))))
	defer span.End()

	inv := &invocation{
		p:      p,
		logger: log.With(p.logger, "trigger", trigger),
		state:  StateStart,
		failed: failures{},
	}
	fatal := func(err error) (*BatchResult, error) {
		inv.phase.SetStatus(codes.Error, err.Error())
		span.SetStatus(codes.Error, "batch failed")
		inv.transition(ctx, StateDone)
		return nil, p.fatal(trigger, err)
	}

	inv.transition(ctx, StateUnwrapping)
	b, err := unwrap()
	if err != nil {
		return fatal(err)
	}
	inv.batch = b

	phaseCtx := inv.transition(ctx, StateDecoding)
	if err := inv.decode(phaseCtx); err != nil {
		return fatal(err)
	}

	inv.transition(ctx, StateAggregating)
	inv.aggregate()

	phaseCtx = inv.transition(ctx, StateForwarding)
	inv.forward(phaseCtx)

	inv.transition(ctx, StateReporting)
	res := inv.report()

	inv.transition(ctx, StateDone)
	span.SetAttributes(
		attribute.Int("items", res.Total),
		attribute.Int("failed", len(res.Failed)),
		attribute.Int("requests", res.Requests),
	)
	return res, nil
}

// withDeadline keeps DeadlineReserve of the invocation's time for reporting.
func (p *Pipeline) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok || p.cfg.DeadlineReserve <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline.Add(-p.cfg.DeadlineReserve))
}

func (p *Pipeline) fatal(trigger transport.Trigger, err error) error {
	p.metrics.invocations.WithLabelValues(string(trigger), "fatal").Inc()
	level.Error(p.logger).Log("msg", "batch failed", "reason", "batch_fatal", "trigger", trigger, "err", err)
	return errors.Wrapf(ErrBatchFatal, "%v", err)
}

func (inv *invocation) fail(reason string, id string, err error) {
	inv.failed.add(id)
	inv.p.metrics.records.WithLabelValues(reason).Inc()
	level.Warn(inv.logger).Log("msg", "record failed", "reason", reason, "id", id, "err", err)
}

// decode decodes every candidate line and resolves its collectors. Only an
// unreachable collector configuration is returned as an error.
func (inv *invocation) decode(ctx context.Context) error {
	for rec := range inv.batch.Records() {
		inv.result.Records++

		if rec.Err != nil {
			inv.result.UnwrapFailures++
			inv.fail("unwrap", rec.ID, rec.Err)
			continue
		}

		env, err := envelope.Parse(rec.Line)
		if errors.Is(err, envelope.ErrSkipped) {
			inv.result.Skipped++
			inv.p.metrics.records.WithLabelValues("skipped").Inc()
			continue
		}
		var payload *envelope.Payload
		if err == nil {
			payload, err = env.Decode()
		}
		if err != nil {
			inv.result.DecodeFailures++
			inv.fail("decode", rec.ID, err)
			continue
		}
		if !env.Base64 {
			level.Warn(inv.logger).Log("msg", "envelope payload is not base64 encoded", "id", rec.ID, "source", payload.Source)
		}

		route, headers := inv.p.resolver.SplitRoute(payload.Headers)
		payload.Headers = headers

		targets, err := inv.p.resolver.Resolve(ctx, route)
		if errors.Is(err, collectors.ErrUnavailable) {
			return err
		}
		if err != nil {
			inv.result.ResolveFailures++
			inv.fail("resolve", rec.ID, err)
			continue
		}

		inv.payloads = append(inv.payloads, decoded{id: rec.ID, payload: payload, targets: targets})
	}
	return nil
}

func (inv *invocation) aggregate() {
	agg := aggregator.New(inv.p.aggCfg)
	for _, d := range inv.payloads {
		for _, c := range d.targets {
			if err := agg.Add(c, d.id, d.payload); err != nil {
				inv.result.DecodeFailures++
				inv.fail("decode", d.id, err)
			}
		}
	}
	inv.payloads = nil
	inv.requests = agg.Flush()
	inv.result.Requests = len(inv.requests)
}

// forward delivers the merged requests with bounded concurrency. Requests
// not started before the deadline keep a failed outcome.
func (inv *invocation) forward(ctx context.Context) {
	inv.outcomes = make([]forwarder.Outcome, len(inv.requests))
	for i := range inv.outcomes {
		inv.outcomes[i] = forwarder.Outcome{Err: errNotAttempted, Retryable: true}
	}

	_ = concurrency.ForEachJob(ctx, len(inv.requests), inv.p.cfg.Concurrency, func(ctx context.Context, idx int) error {
		r := inv.requests[idx]
		inv.p.metrics.payloadsPerReq.Observe(float64(r.Payloads))

		body, err := r.Encode()
		if err != nil {
			inv.outcomes[idx] = forwarder.Outcome{Err: errors.Wrap(err, "encoding merged request")}
			return nil
		}
		inv.outcomes[idx] = inv.p.deliverer.Deliver(ctx, r.Collector, forwarder.Request{
			Signal:      r.Signal,
			Body:        body,
			ContentType: envelope.ContentTypeProtobuf,
			Headers:     r.Headers,
			Items:       r.Items,
		})
		// Jobs never fail so one destination cannot cancel the others.
		return nil
	})
}

func (inv *invocation) report() *BatchResult {
	invalidate := false
	for i, out := range inv.outcomes {
		r := inv.requests[i]
		if out.Delivered() {
			inv.result.Forwarded += r.Items
			inv.p.metrics.requests.WithLabelValues("delivered").Inc()
			continue
		}

		inv.result.DeliveryFailures++
		inv.failed.add(r.IDs...)
		inv.p.metrics.requests.WithLabelValues("failed").Inc()
		level.Warn(inv.logger).Log("msg", "request failed", "reason", "deliver", "collector", r.Collector.Name, "signal", r.Signal, "records", len(r.IDs), "attempts", out.Attempts, "retryable", out.Retryable, "err", out.Err)

		if out.StatusCode == http.StatusUnauthorized || out.StatusCode == http.StatusForbidden {
			invalidate = true
		}
	}
	if invalidate {
		// Credentials may have been rotated; read them again next time.
		inv.p.resolver.Invalidate()
	}

	res := newBatchResult(inv.batch.Trigger, inv.batch.IDs, inv.failed)
	res.Records = inv.result.Records
	res.Skipped = inv.result.Skipped
	res.UnwrapFailures = inv.result.UnwrapFailures
	res.DecodeFailures = inv.result.DecodeFailures
	res.ResolveFailures = inv.result.ResolveFailures
	res.Requests = inv.result.Requests
	res.DeliveryFailures = inv.result.DeliveryFailures
	res.Forwarded = inv.result.Forwarded

	outcome := "ok"
	if len(res.Failed) > 0 {
		outcome = "partial"
	}
	inv.p.metrics.invocations.WithLabelValues(string(res.Trigger), outcome).Inc()
	inv.p.metrics.failedItems.WithLabelValues(string(res.Trigger)).Add(float64(len(res.Failed)))

	level.Info(inv.logger).Log(
		"msg", "batch processed",
		"items", res.Total,
		"failed", len(res.Failed),
		"records", res.Records,
		"skipped", res.Skipped,
		"decode_failures", res.DecodeFailures,
		"resolve_failures", res.ResolveFailures,
		"requests", res.Requests,
		"delivery_failures", res.DeliveryFailures,
		"forwarded", res.Forwarded,
	)
	return res
}
