// Package metrics defines the Prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts monitor cycles by result (completed, locked, failed).
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_cycles_total",
			Help: "Total number of signal monitor cycles",
		},
		[]string{"result"},
	)

	// CycleDuration observes full-cycle wall time.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_cycle_duration_seconds",
			Help:    "Signal monitor cycle duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Decisions counts decision-trace outcomes by type and reason code.
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_decisions_total",
			Help: "Decision trace outcomes by decision type and reason code",
		},
		[]string{"decision_type", "reason_code"},
	)

	// OrdersPlaced counts successfully placed orders by side and role.
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_orders_placed_total",
			Help: "Orders successfully placed on the exchange",
		},
		[]string{"side", "role"},
	)

	// ProtectionPairs counts OCO pair outcomes (placed, skipped, failed, rolled_back, inconsistent).
	ProtectionPairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_protection_pairs_total",
			Help: "SL/TP OCO pair creation outcomes",
		},
		[]string{"result"},
	)

	// NotifierSends counts outbound notifications by result (sent, failed, disabled).
	NotifierSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_notifier_sends_total",
			Help: "Outbound notifier sends by result",
		},
		[]string{"result"},
	)

	// ReconcilerPasses counts reconciler passes by pass name and result.
	ReconcilerPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_reconciler_passes_total",
			Help: "Reconciler passes by pass and result",
		},
		[]string{"pass", "result"},
	)
)

// RecordDecision counts one decision-trace outcome.
func RecordDecision(decisionType, reasonCode string) {
	Decisions.WithLabelValues(decisionType, reasonCode).Inc()
}

// RecordOrderPlaced counts one placed order.
func RecordOrderPlaced(side, role string) {
	OrdersPlaced.WithLabelValues(side, role).Inc()
}

// RecordNotifierSend counts one notifier send attempt.
func RecordNotifierSend(result string) {
	NotifierSends.WithLabelValues(result).Inc()
}
