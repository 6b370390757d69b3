package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

type streamMetrics struct {
	subscribers prometheus.Gauge
	delivered   prometheus.Counter
	dropped     prometheus.Counter
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	streamMetricsOnce sync.Once
	streamRegistry    *streamMetrics
)

// RPCMetrics returns the lazily-initialised registry used to record JSON-RPC
// activity on the escrow endpoint.
func RPCMetrics() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and HTTP status.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of mutations rejected by the per-source rate limit.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of a JSON-RPC call. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *rpcMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if method = strings.TrimSpace(method); method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards and alerts remain consistent.
func (m *rpcMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// StreamMetrics returns the registry tracking websocket event delivery.
func StreamMetrics() *streamMetrics {
	streamMetricsOnce.Do(func() {
		streamRegistry = &streamMetrics{
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowd",
				Subsystem: "stream",
				Name:      "subscribers",
				Help:      "Number of live event stream subscriptions.",
			}),
			delivered: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "stream",
				Name:      "events_delivered_total",
				Help:      "Count of events handed to stream subscribers.",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "stream",
				Name:      "events_dropped_total",
				Help:      "Count of events dropped because a subscriber channel was full.",
			}),
		}
		prometheus.MustRegister(
			streamRegistry.subscribers,
			streamRegistry.delivered,
			streamRegistry.dropped,
		)
	})
	return streamRegistry
}

// SubscriberOpened adjusts the live subscription gauge upward.
func (m *streamMetrics) SubscriberOpened() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

// SubscriberClosed adjusts the live subscription gauge downward.
func (m *streamMetrics) SubscriberClosed() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

// RecordDelivery counts an event pushed to a subscriber channel.
func (m *streamMetrics) RecordDelivery() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

// RecordDrop counts an event discarded because the subscriber was slow.
func (m *streamMetrics) RecordDrop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
