// Package aggregator merges decoded OTLP export requests bound for the same
// collector into fewer, larger requests.
package aggregator

import (
	"flag"

	"github.com/pkg/errors"

	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/collectors"
	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/envelope"
)

// Config bounds the size of merged requests. Zero disables a limit.
type Config struct {
	MaxRequestBytes int `yaml:"max_request_bytes"`
	MaxRequestItems int `yaml:"max_request_items"`
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.MaxRequestBytes, "aggregator.max-request-bytes", 4<<20, "Maximum uncompressed size of a merged request. A single larger payload is sent on its own. 0 to disable.")
	f.IntVar(&cfg.MaxRequestItems, "aggregator.max-request-items", 0, "Maximum number of spans, log records or data points in a merged request. 0 to disable.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.MaxRequestBytes < 0 || cfg.MaxRequestItems < 0 {
		return errors.New("aggregator limits must not be negative")
	}
	return nil
}

// Request is one merged export request ready to be delivered.
type Request struct {
	Collector *collectors.Collector
	Signal    envelope.Signal
	// Headers is the union of the headers of the merged payloads; the first
	// value seen for a name wins.
	Headers map[string]string
	// IDs lists the trigger items that contributed to the request, once each.
	IDs      []string
	Bytes    int
	Items    int
	Payloads int

	batch *batch
}

// Encode returns the merged request as OTLP protobuf.
func (r *Request) Encode() ([]byte, error) {
	return r.batch.encode()
}

type groupKey struct {
	collector string
	signal    envelope.Signal
}

type group struct {
	collector *collectors.Collector
	batch     *batch
}

// Aggregator groups payloads by collector and signal. It is not safe for
// concurrent use; each invocation makes its own.
type Aggregator struct {
	cfg Config

	groups map[groupKey]*group
	order  []groupKey
	done   []*Request
}

// New makes an Aggregator.
func New(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		groups: map[groupKey]*group{},
	}
}

// Add merges p, which came from trigger item id, into the request for c.
// When that would break a limit the pending request is completed first.
// An error only concerns p; the aggregator stays usable.
func (a *Aggregator) Add(c *collectors.Collector, id string, p *envelope.Payload) error {
	key := groupKey{collector: c.Name, signal: p.Signal}
	g, ok := a.groups[key]
	if !ok {
		g = &group{collector: c, batch: newBatch(p.Signal)}
		a.groups[key] = g
		a.order = append(a.order, key)
	}

	if g.batch.payloads > 0 && a.exceeds(g.batch, p) {
		a.complete(g)
	}
	return g.batch.add(id, p)
}

func (a *Aggregator) exceeds(b *batch, p *envelope.Payload) bool {
	if a.cfg.MaxRequestBytes > 0 && b.sizeBytesAfter(p) > a.cfg.MaxRequestBytes {
		return true
	}
	return a.cfg.MaxRequestItems > 0 && b.itemsAfter(p) > a.cfg.MaxRequestItems
}

func (a *Aggregator) complete(g *group) {
	b := g.batch
	a.done = append(a.done, &Request{
		Collector: g.collector,
		Signal:    b.signal,
		Headers:   b.headers,
		IDs:       b.ids,
		Bytes:     b.bytes,
		Items:     b.items,
		Payloads:  b.payloads,
		batch:     b,
	})
	g.batch = newBatch(b.signal)
}

// Flush completes every pending request and returns all requests in the
// order they were completed. The aggregator is empty afterwards.
func (a *Aggregator) Flush() []*Request {
	for _, key := range a.order {
		if g := a.groups[key]; g.batch.payloads > 0 {
			a.complete(g)
		}
	}

	done := a.done
	a.groups = map[groupKey]*group{}
	a.order = nil
	a.done = nil
	return done
}
