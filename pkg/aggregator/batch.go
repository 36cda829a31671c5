package aggregator

import (
	"net/textproto"
	"slices"

	"github.com/pkg/errors"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"

	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/envelope"
)

// batch accumulates the export requests of one signal bound for one
// collector. The OTLP export requests only have a repeated resource field, so
// the merged request is the concatenation of the inputs and its encoded size
// is the sum of theirs.
type batch struct {
	signal  envelope.Signal
	traces  ptrace.Traces
	logs    plog.Logs
	metrics pmetric.Metrics

	// first keeps the encoded body of a single-payload batch so it is sent
	// without re-encoding.
	first []byte

	headers  map[string]string
	ids      []string
	bytes    int
	items    int
	payloads int
}

func newBatch(signal envelope.Signal) *batch {
	b := &batch{signal: signal}
	switch signal {
	case envelope.SignalLogs:
		b.logs = plog.NewLogs()
	case envelope.SignalMetrics:
		b.metrics = pmetric.NewMetrics()
	default:
		b.traces = ptrace.NewTraces()
	}
	return b
}

// add merges p into the batch. id is the trigger item p came from.
func (b *batch) add(id string, p *envelope.Payload) error {
	if err := b.merge(p.Body); err != nil {
		return err
	}

	if b.payloads == 0 {
		b.first = p.Body
	} else {
		b.first = nil
	}
	b.bytes += len(p.Body)
	b.items += p.Items
	b.payloads++

	if !slices.Contains(b.ids, id) {
		b.ids = append(b.ids, id)
	}
	b.addHeaders(p.Headers)
	return nil
}

func (b *batch) merge(body []byte) error {
	switch b.signal {
	case envelope.SignalLogs:
		req := plogotlp.NewExportRequest()
		if err := req.UnmarshalProto(body); err != nil {
			return errors.Wrap(err, "unmarshalling logs request")
		}
		req.Logs().ResourceLogs().MoveAndAppendTo(b.logs.ResourceLogs())
	case envelope.SignalMetrics:
		req := pmetricotlp.NewExportRequest()
		if err := req.UnmarshalProto(body); err != nil {
			return errors.Wrap(err, "unmarshalling metrics request")
		}
		req.Metrics().ResourceMetrics().MoveAndAppendTo(b.metrics.ResourceMetrics())
	default:
		req := ptraceotlp.NewExportRequest()
		if err := req.UnmarshalProto(body); err != nil {
			return errors.Wrap(err, "unmarshalling traces request")
		}
		req.Traces().ResourceSpans().MoveAndAppendTo(b.traces.ResourceSpans())
	}
	return nil
}

// addHeaders keeps the first value seen for every header name. Names are
// compared case-insensitively.
func (b *batch) addHeaders(headers map[string]string) {
	if len(headers) == 0 {
		return
	}
	if b.headers == nil {
		b.headers = make(map[string]string, len(headers))
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		canonical := textproto.CanonicalMIMEHeaderKey(k)
		if _, ok := b.headers[canonical]; !ok {
			b.headers[canonical] = headers[k]
		}
	}
}

// sizeBytesAfter returns the size of the batch after p is added.
func (b *batch) sizeBytesAfter(p *envelope.Payload) int {
	return b.bytes + len(p.Body)
}

// itemsAfter returns the number of items in the batch after p is added.
func (b *batch) itemsAfter(p *envelope.Payload) int {
	return b.items + p.Items
}

// encode the batch as an OTLP protobuf export request.
func (b *batch) encode() ([]byte, error) {
	if b.first != nil {
		return b.first, nil
	}
	switch b.signal {
	case envelope.SignalLogs:
		return plogotlp.NewExportRequestFromLogs(b.logs).MarshalProto()
	case envelope.SignalMetrics:
		return pmetricotlp.NewExportRequestFromMetrics(b.metrics).MarshalProto()
	default:
		return ptraceotlp.NewExportRequestFromTraces(b.traces).MarshalProto()
	}
}
