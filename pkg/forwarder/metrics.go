package forwarder

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requestDuration *prometheus.HistogramVec
	sentBytes       *prometheus.CounterVec
	sentItems       *prometheus.CounterVec
	retries         *prometheus.CounterVec
	droppedRequests *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "otlp_forwarder",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests to collectors.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status_code", "collector"}),
		sentBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otlp_forwarder",
			Name:      "sent_bytes_total",
			Help:      "Number of bytes sent to collectors, after compression.",
		}, []string{"collector"}),
		sentItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otlp_forwarder",
			Name:      "sent_items_total",
			Help:      "Number of spans, log records and data points delivered.",
		}, []string{"collector", "signal"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otlp_forwarder",
			Name:      "request_retries_total",
			Help:      "Number of retried requests.",
		}, []string{"collector"}),
		droppedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otlp_forwarder",
			Name:      "dropped_requests_total",
			Help:      "Number of requests that could not be delivered, by reason.",
		}, []string{"collector", "reason"}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	collectors := []prometheus.Collector{
		m.requestDuration,
		m.sentBytes,
		m.sentItems,
		m.retries,
		m.droppedRequests,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
