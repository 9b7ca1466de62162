package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "scheduler",
		Name:      "tasks_dispatched_total",
		Help:      "Tasks assigned to agents, by phase.",
	}, []string{"phase"})

	timeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "scheduler",
		Name:      "task_timeouts_total",
		Help:      "In-progress tasks marked blocked by the timeout sweep.",
	})

	mismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "scheduler",
		Name:      "capability_mismatches_total",
		Help:      "Dispatch passes where no registered agent covered a task's capabilities.",
	})

	pendingDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Subsystem: "scheduler",
		Name:      "pending_tasks",
		Help:      "Pending tasks observed by the most recent dispatch pass.",
	})
)
