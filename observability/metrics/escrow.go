package metrics

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics bundles the collectors fed by the escrow engine.
type EscrowMetrics struct {
	operations   *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	settledValue *prometheus.CounterVec
	idCollisions prometheus.Counter
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_operations_total",
				Help: "Count of committed escrow operations by kind.",
			}, []string{"operation"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_rejections_total",
				Help: "Count of rejected escrow operations by kind and reason.",
			}, []string{"operation", "reason"}),
			settledValue: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_settled_value",
				Help: "Cumulative settled value per asset, split by resolution.",
			}, []string{"asset", "resolution"}),
			idCollisions: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_id_collisions_total",
				Help: "Number of identifier collisions rejected at creation.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.rejections,
			escrowRegistry.settledValue,
			escrowRegistry.idCollisions,
		)
	})
	return escrowRegistry
}

// ObserveOperation counts a committed state transition.
func (m *EscrowMetrics) ObserveOperation(operation string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(labelOperation(operation)).Inc()
}

// ObserveRejection counts a precondition failure for an operation.
func (m *EscrowMetrics) ObserveRejection(operation, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unknown"
	}
	m.rejections.WithLabelValues(labelOperation(operation), reason).Inc()
}

// ObserveSettlement accumulates the released or refunded value for an asset.
// The resolution label is "released" for completions and "refunded" for
// refunds.
func (m *EscrowMetrics) ObserveSettlement(asset, resolution string, amount *big.Int) {
	if m == nil || amount == nil {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	if value < 0 {
		return
	}
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.settledValue.WithLabelValues(normalized, labelOperation(resolution)).Add(value)
}

// ObserveIDCollision counts a creation aborted by a duplicate identifier.
func (m *EscrowMetrics) ObserveIDCollision() {
	if m == nil {
		return
	}
	m.idCollisions.Inc()
}

// InitOperation pre-registers the label so dashboards show zero instead of a
// missing series.
func (m *EscrowMetrics) InitOperation(operation string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(labelOperation(operation)).Add(0)
}

func labelOperation(operation string) string {
	trimmed := strings.TrimSpace(strings.ToLower(operation))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
