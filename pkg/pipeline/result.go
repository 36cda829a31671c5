package pipeline

import (
	"github.com/aws/aws-lambda-go/events"

	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/transport"
)

// BatchResult reports the outcome of one invocation. Every trigger item not in
// Failed is acknowledged.
type BatchResult struct {
	Trigger transport.Trigger
	// Failed lists the trigger items to redeliver, once each, in arrival
	// order.
	Failed []string

	// Total is the number of distinct trigger items.
	Total int
	// Records is the number of candidate lines seen.
	Records          int
	Skipped          int
	UnwrapFailures   int
	DecodeFailures   int
	ResolveFailures  int
	Requests         int
	DeliveryFailures int
	// Forwarded is the number of spans, log records and data points
	// collectors accepted.
	Forwarded int

	ids []string
}

// Acknowledged lists the trigger items that were fully handled, in arrival
// order.
func (r *BatchResult) Acknowledged() []string {
	failed := make(map[string]struct{}, len(r.Failed))
	for _, id := range r.Failed {
		failed[id] = struct{}{}
	}
	acked := make([]string, 0, len(r.ids)-len(r.Failed))
	for _, id := range r.ids {
		if _, ok := failed[id]; !ok {
			acked = append(acked, id)
		}
	}
	return acked
}

// KinesisResponse is the partial batch response telling Lambda which records
// to retry.
func (r *BatchResult) KinesisResponse() events.KinesisEventResponse {
	resp := events.KinesisEventResponse{
		BatchItemFailures: make([]events.KinesisBatchItemFailure, 0, len(r.Failed)),
	}
	for _, id := range r.Failed {
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.KinesisBatchItemFailure{ItemIdentifier: id})
	}
	return resp
}

// failures collects failed trigger items.
type failures map[string]struct{}

func (f failures) add(ids ...string) {
	for _, id := range ids {
		f[id] = struct{}{}
	}
}

// newBatchResult keeps the distinct ids of b in arrival order and marks those
// in failed.
func newBatchResult(trigger transport.Trigger, ids []string, failed failures) *BatchResult {
	r := &BatchResult{Trigger: trigger}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		r.ids = append(r.ids, id)
		if _, ok := failed[id]; ok {
			r.Failed = append(r.Failed, id)
		}
	}
	r.Total = len(r.ids)
	return r
}
