package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type and outcome.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genforge",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "genforge",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// CreditsConsumedTotal counts credits debited by consumption.
	CreditsConsumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "genforge",
			Name:      "credits_consumed_total",
			Help:      "Credits consumed by generation requests.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		CreditsConsumedTotal,
	)
}

// observeOp starts timing an operation and returns a function that records
// its outcome.
func observeOp(typ Type) func(outcome string) {
	start := time.Now()
	return func(outcome string) {
		LedgerOpsTotal.WithLabelValues(string(typ), outcome).Inc()
		LedgerOpDuration.WithLabelValues(string(typ)).Observe(time.Since(start).Seconds())
	}
}
