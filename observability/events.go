package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	published *prometheus.CounterVec
	head      prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking the durable event log.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Count of lifecycle events appended to the log, by type.",
			}, []string{"type"}),
			head: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowd",
				Subsystem: "events",
				Name:      "log_head_sequence",
				Help:      "Sequence number of the most recently appended event.",
			}),
		}
		prometheus.MustRegister(eventRegistry.published, eventRegistry.head)
	})
	return eventRegistry
}

// RecordPublished increments the published counter for the supplied event type
// and advances the log head gauge to the given sequence.
func (m *eventMetrics) RecordPublished(eventType string, sequence uint64) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.published.WithLabelValues(normalized).Inc()
	m.head.Set(float64(sequence))
}
