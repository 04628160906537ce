package campaign

import "github.com/prometheus/client_golang/prometheus"

var (
	// CampaignsTotal counts campaigns entering each status.
	CampaignsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genforge",
			Name:      "campaigns_total",
			Help:      "Campaigns by status reached.",
		},
		[]string{"status"},
	)

	ScriptFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "genforge",
			Name:      "campaign_script_fallbacks_total",
			Help:      "Scripts built from the template after text generation failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(CampaignsTotal, ScriptFallbacksTotal)
}
