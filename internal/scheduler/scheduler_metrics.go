package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	// JobsTotal counts status transitions by module.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genforge",
			Name:      "jobs_total",
			Help:      "Job status transitions by module and target status.",
		},
		[]string{"module", "status"},
	)

	// JobDuration observes provider time per execution attempt.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "genforge",
			Name:      "job_execution_duration_seconds",
			Help:      "Time spent awaiting the provider per attempt.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"module"},
	)

	InflightJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "genforge",
			Name:      "jobs_inflight",
			Help:      "Jobs currently awaiting the provider.",
		},
	)

	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genforge",
			Name:      "job_refunds_total",
			Help:      "Credits refunds issued for jobs, by module.",
		},
		[]string{"module"},
	)

	// RefundFailuresTotal should stay at zero; any increment leaves a tenant
	// charged for a job that produced nothing.
	RefundFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "genforge",
			Name:      "job_refund_failures_total",
			Help:      "Refunds that could not be written.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobDuration,
		InflightJobs,
		RefundsTotal,
		RefundFailuresTotal,
	)
}
