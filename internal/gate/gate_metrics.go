package gate

import "github.com/prometheus/client_golang/prometheus"

// GateDecisionsTotal counts entitlement checks by feature and reason.
var GateDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "genforge",
		Name:      "gate_decisions_total",
		Help:      "Feature gate decisions by feature and reason.",
	},
	[]string{"feature", "reason"},
)

func init() {
	prometheus.MustRegister(GateDecisionsTotal)
}
