package billing

import "github.com/prometheus/client_golang/prometheus"

var (
	PurchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genforge",
			Name:      "credit_purchases_total",
			Help:      "Checkout sessions processed, by outcome.",
		},
		[]string{"outcome"},
	)

	WebhookRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "genforge",
			Name:      "billing_webhook_rejected_total",
			Help:      "Webhook deliveries that failed signature verification.",
		},
	)
)

func init() {
	prometheus.MustRegister(PurchasesTotal, WebhookRejectedTotal)
}
