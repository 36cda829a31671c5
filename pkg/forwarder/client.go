// Package forwarder delivers OTLP/HTTP requests to collectors.
package forwarder

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http/httpguts"

	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/collectors"
	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/envelope"
	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/util"
)

const (
	maxErrMsgLen = 1024

	// UserAgent is sent with every request.
	UserAgent = "serverless-otlp-forwarder"
)

var tracer = otel.Tracer("pkg/forwarder")

// Headers that describe the transfer rather than the payload. They are
// never copied from records.
var transferHeaders = map[string]struct{}{
	"Connection":        {},
	"Content-Encoding":  {},
	"Content-Length":    {},
	"Content-Type":      {},
	"Host":              {},
	"Transfer-Encoding": {},
}

// Request is one export request for a collector.
type Request struct {
	Signal envelope.Signal
	// Body is an uncompressed OTLP export request.
	Body        []byte
	ContentType string
	Headers     map[string]string
	// Items is only used for accounting.
	Items int
}

// Outcome is the result of delivering one request.
type Outcome struct {
	StatusCode int
	Attempts   int
	// Retryable is set when delivery was abandoned at the deadline while the
	// last failure was transient. Running out of attempts is final.
	Retryable bool
	Err       error
}

// Delivered reports whether the collector accepted the request.
func (o Outcome) Delivered() bool {
	return o.Err == nil
}

// Client sends requests to collectors. It is safe for concurrent use and
// keeps a connection pool for the life of the process.
type Client struct {
	cfg         Config
	client      *http.Client
	signer      *v4.Signer
	credentials aws.CredentialsProvider
	logger      log.Logger
	metrics     *metrics
}

// New makes a Client. credentials are only used for collectors that require
// signed requests and may be nil otherwise.
func New(cfg Config, credentials aws.CredentialsProvider, logger log.Logger, reg prometheus.Registerer) (*Client, error) {
	clientCfg, err := cfg.httpClientConfig()
	if err != nil {
		return nil, err
	}
	httpClient, err := config.NewClientFromConfig(clientCfg, "otlp-forwarder")
	if err != nil {
		return nil, errors.Wrap(err, "creating http client")
	}

	m := newMetrics()
	if err := m.register(reg); err != nil {
		return nil, err
	}

	return &Client{
		cfg:         cfg,
		client:      httpClient,
		signer:      v4.NewSigner(),
		credentials: credentials,
		logger:      log.With(logger, "component", "forwarder"),
		metrics:     m,
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

// Deliver posts req to c, retrying transient failures with backoff until the
// attempt ceiling or the deadline of ctx is reached.
func (c *Client) Deliver(ctx context.Context, collector *collectors.Collector, req Request) Outcome {
	url := collector.URL(req.Signal)
	logger := log.With(c.logger, "collector", collector.Name, "url", url)

	body, encoding, err := c.encode(req.Body)
	if err != nil {
		c.metrics.droppedRequests.WithLabelValues(collector.Name, "encode").Inc()
		return Outcome{Err: errors.Wrap(err, "compressing request")}
	}

	var (
		out       Outcome
		transient bool
		backoff   = backoff.New(ctx, c.cfg.BackoffConfig)
	)
	for backoff.Ongoing() {
		out.StatusCode, err = c.attempt(ctx, collector, url, req, body, encoding, out.Attempts+1)
		out.Attempts++

		if err == nil {
			c.metrics.sentBytes.WithLabelValues(collector.Name).Add(float64(len(body)))
			c.metrics.sentItems.WithLabelValues(collector.Name, string(req.Signal)).Add(float64(req.Items))
			return out
		}

		out.Err = err
		transient = retryable(out.StatusCode)
		if !transient {
			break
		}

		level.Warn(logger).Log("msg", "error sending request, will retry", "status", out.StatusCode, "attempt", out.Attempts, "err", err)
		c.metrics.retries.WithLabelValues(collector.Name).Inc()
		backoff.Wait()
	}

	reason := "non_retryable"
	switch {
	case out.Attempts == 0 || (transient && ctx.Err() != nil):
		// Never attempted, or abandoned to report before the deadline.
		reason = "deadline"
		out.Retryable = true
		if out.Err == nil {
			out.Err = backoff.Err()
		} else {
			out.Err = errors.Wrapf(out.Err, "giving up: %v", ctx.Err())
		}
	case transient:
		reason = "retries_exhausted"
		out.Err = errors.Wrapf(out.Err, "giving up after %d attempts", out.Attempts)
	}

	level.Error(logger).Log("msg", "final error sending request", "status", out.StatusCode, "attempts", out.Attempts, "reason", reason, "err", out.Err)
	c.metrics.droppedRequests.WithLabelValues(collector.Name, reason).Inc()
	return out
}

// attempt makes one request inside its own span.
func (c *Client) attempt(ctx context.Context, collector *collectors.Collector, url string, req Request, body []byte, encoding string, n int) (int, error) {
	ctx, span := tracer.Start(ctx, "forwarder/attempt", trace.WithAttributes(
		attribute.String("collector", collector.Name),
		attribute.String("signal", string(req.Signal)),
		attribute.Int("attempt", n),
		attribute.Int("bytes", len(body)),
	))
	defer span.End()

	start := time.Now()
	status, err := c.send(ctx, collector, url, req, body, encoding)
	c.metrics.requestDuration.WithLabelValues(strconv.Itoa(status), collector.Name).Observe(time.Since(start).Seconds())

	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return status, err
}

// encode compresses body unless compression is disabled or it already is.
func (c *Client) encode(body []byte) ([]byte, string, error) {
	if util.IsGzipped(body) {
		return body, envelope.EncodingGzip, nil
	}
	if c.cfg.Compression == CompressionNone {
		return body, "", nil
	}
	compressed, err := util.Gzip(body, c.cfg.GzipLevel)
	if err != nil {
		return nil, "", err
	}
	return compressed, envelope.EncodingGzip, nil
}

func (c *Client) send(ctx context.Context, collector *collectors.Collector, url string, r Request, body []byte, encoding string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	for k, v := range r.Headers {
		if _, ok := transferHeaders[http.CanonicalHeaderKey(k)]; ok {
			continue
		}
		if err := validHeader(k, v); err != nil {
			return 0, err
		}
		req.Header.Set(k, v)
	}
	if headers, ok := collector.Auth.(collectors.StaticHeaders); ok {
		for _, h := range headers {
			if err := validHeader(h.Key, h.Value); err != nil {
				return 0, errors.Wrapf(err, "collector %s", collector.Name)
			}
			req.Header.Set(h.Key, h.Value)
		}
	}

	contentType := r.ContentType
	if contentType == "" {
		contentType = envelope.ContentTypeProtobuf
	}
	req.Header.Set("Content-Type", contentType)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	req.Header.Set("User-Agent", UserAgent)

	if signed, ok := collector.Auth.(collectors.SignedRequest); ok {
		if err := c.sign(ctx, req, body, signed); err != nil {
			return 0, err
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return -1, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrMsgLen))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		scanner := bufio.NewScanner(io.LimitReader(resp.Body, maxErrMsgLen))
		line := ""
		if scanner.Scan() {
			line = scanner.Text()
		}
		err = fmt.Errorf("server returned HTTP status %s (%d): %s", resp.Status, resp.StatusCode, line)
	}
	return resp.StatusCode, err
}

// sign adds a Signature Version 4 signature over the exact bytes sent.
func (c *Client) sign(ctx context.Context, req *http.Request, body []byte, s collectors.SignedRequest) error {
	if c.credentials == nil {
		return errors.New("collector requires signed requests but no AWS credentials are configured")
	}
	creds, err := c.credentials.Retrieve(ctx)
	if err != nil {
		return errors.Wrap(err, "retrieving AWS credentials")
	}

	sum := sha256.Sum256(body)
	return c.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), s.Service, s.Region, time.Now())
}

// validHeader rejects headers the transport would refuse to send. Those
// requests can never succeed, so they must not look like connection errors.
func validHeader(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return errors.Errorf("invalid header field name %q", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return errors.Errorf("invalid header field value for %q", name)
	}
	return nil
}

// retryable reports whether an attempt that ended with status may succeed
// when repeated. Negative status means no response was received; zero means
// the request could not be built.
func retryable(status int) bool {
	return status < 0 || status == http.StatusTooManyRequests || status/100 == 5
}
