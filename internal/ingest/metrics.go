package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the processor's Prometheus instruments.
type Metrics struct {
	objects       *prometheus.CounterVec
	messages      *prometheus.CounterVec
	poison        prometheus.Counter
	partialWrites prometheus.Counter
	duration      prometheus.Histogram
}

// NewMetrics registers the processor instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		objects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "file_metrics",
			Name:      "objects_total",
			Help:      "Notifications handled, by outcome.",
		}, []string{"status"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "file_metrics",
			Name:      "messages_total",
			Help:      "Queue messages handled, by acknowledgment decision.",
		}, []string{"result"}),
		poison: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "file_metrics",
			Name:      "poison_messages_total",
			Help:      "Failed messages at or past the redelivery alert threshold.",
		}),
		partialWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "file_metrics",
			Name:      "partial_writes_total",
			Help:      "Objects whose event point was written but whose type-count point was not.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "file_metrics",
			Name:      "object_duration_seconds",
			Help:      "Time to fetch metadata and write both points for one object.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
