package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	invocations      *prometheus.CounterVec
	records          *prometheus.CounterVec
	failedItems      *prometheus.CounterVec
	requests         *prometheus.CounterVec
	payloadsPerReq   prometheus.Histogram
	invocationTiming prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		invocations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "otlp_forwarder",
			Name:      "invocations_total",
			Help:      "Invocations by trigger and result (ok, partial or fatal).",
		}, []string{"trigger", "result"}),
		records: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "otlp_forwarder",
			Name:      "records_total",
			Help:      "Candidate lines by what became of them.",
		}, []string{"result"}),
		failedItems: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "otlp_forwarder",
			Name:      "failed_items_total",
			Help:      "Trigger items reported for redelivery.",
		}, []string{"trigger"}),
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "otlp_forwarder",
			Name:      "merged_requests_total",
			Help:      "Merged requests by delivery result.",
		}, []string{"result"}),
		payloadsPerReq: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "otlp_forwarder",
			Name:      "payloads_per_request",
			Help:      "Number of envelopes merged into one request.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		invocationTiming: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "otlp_forwarder",
			Name:      "invocation_duration_seconds",
			Help:      "Time spent handling one invocation.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
