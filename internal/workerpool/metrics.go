package workerpool

import "github.com/prometheus/client_golang/prometheus"

var (
	PoolTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genforge",
			Name:      "workerpool_tasks_total",
			Help:      "Worker pool tasks by outcome.",
		},
		[]string{"pool", "outcome"},
	)

	PoolActiveWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "genforge",
			Name:      "workerpool_active_workers",
			Help:      "Workers currently executing a task.",
		},
		[]string{"pool"},
	)

	PoolQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "genforge",
			Name:      "workerpool_queued_tasks",
			Help:      "Tasks waiting in the queue at last submit.",
		},
		[]string{"pool"},
	)

	PoolTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "genforge",
			Name:      "workerpool_task_duration_seconds",
			Help:      "Task execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		},
		[]string{"pool"},
	)
)

func init() {
	prometheus.MustRegister(PoolTasksTotal, PoolActiveWorkers, PoolQueued, PoolTaskDuration)
}
