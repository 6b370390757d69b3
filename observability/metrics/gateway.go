package metrics

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics bundles the collectors exported by the REST gateway.
type GatewayMetrics struct {
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	idempotentHits  *prometheus.CounterVec
	webhookAttempts *prometheus.CounterVec
	webhookFailures *prometheus.CounterVec
	watcherSequence prometheus.Gauge
}

var (
	gatewayOnce     sync.Once
	gatewayRegistry *GatewayMetrics
)

func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Count of REST requests by route, method, and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Latency distribution for REST handlers by route.",
				Buckets: prometheus.DefBuckets,
			}, []string{"route"}),
			idempotentHits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_idempotency_hits_total",
				Help: "Count of requests served from the idempotency store.",
			}, []string{"route"}),
			webhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_webhook_attempts_total",
				Help: "Count of webhook delivery attempts by destination.",
			}, []string{"destination"}),
			webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_webhook_failures_total",
				Help: "Number of failed webhook delivery attempts by destination.",
			}, []string{"destination"}),
			watcherSequence: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gateway_watcher_sequence",
				Help: "Latest event sequence the lifecycle watcher has processed.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.idempotentHits,
			gatewayRegistry.webhookAttempts,
			gatewayRegistry.webhookFailures,
			gatewayRegistry.watcherSequence,
		)
	})
	return gatewayRegistry
}

// ObserveRequest records a completed REST request.
func (m *GatewayMetrics) ObserveRequest(route, method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(labelRoute(route), strings.ToUpper(method), fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(labelRoute(route)).Observe(seconds)
}

// ObserveIdempotentHit counts a request answered from the stored response.
func (m *GatewayMetrics) ObserveIdempotentHit(route string) {
	if m == nil {
		return
	}
	m.idempotentHits.WithLabelValues(labelRoute(route)).Inc()
}

// ObserveWebhookAttempt counts a delivery attempt to a destination.
func (m *GatewayMetrics) ObserveWebhookAttempt(destination string) {
	if m == nil {
		return
	}
	m.webhookAttempts.WithLabelValues(labelDestination(destination)).Inc()
}

// IncWebhookFailure counts a failed delivery attempt.
func (m *GatewayMetrics) IncWebhookFailure(destination string) {
	if m == nil {
		return
	}
	m.webhookFailures.WithLabelValues(labelDestination(destination)).Inc()
}

// SetWatcherSequence publishes the most recent processed event sequence.
func (m *GatewayMetrics) SetWatcherSequence(sequence uint64) {
	if m == nil {
		return
	}
	m.watcherSequence.Set(float64(sequence))
}

// InitWebhookDestination pre-registers a destination label.
func (m *GatewayMetrics) InitWebhookDestination(destination string) {
	if m == nil {
		return
	}
	m.webhookAttempts.WithLabelValues(labelDestination(destination)).Add(0)
	m.webhookFailures.WithLabelValues(labelDestination(destination)).Add(0)
}

func labelRoute(route string) string {
	trimmed := strings.TrimSpace(route)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func labelDestination(destination string) string {
	trimmed := strings.TrimSpace(destination)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
