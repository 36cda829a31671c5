package collectors

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	collectors      prometheus.Gauge
	staleServed     prometheus.Counter
	lookups         *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		refreshes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "otlp_forwarder",
			Name:      "collector_refreshes_total",
			Help:      "Refreshes of the collector configuration from the secret store, by status.",
		}, []string{"status"}),
		refreshDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "otlp_forwarder",
			Name:      "collector_refresh_duration_seconds",
			Help:      "Time spent refreshing the collector configuration.",
			Buckets:   prometheus.DefBuckets,
		}),
		collectors: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "otlp_forwarder",
			Name:      "collectors",
			Help:      "Number of collectors in the current configuration.",
		}),
		staleServed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "otlp_forwarder",
			Name:      "collector_stale_lookups_total",
			Help:      "Lookups answered from expired configuration because a refresh failed.",
		}),
		lookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "otlp_forwarder",
			Name:      "collector_lookups_total",
			Help:      "Collector lookups, by result.",
		}, []string{"result"}),
	}
}
