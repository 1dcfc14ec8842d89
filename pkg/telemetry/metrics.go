package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Discovery ───────────────────────────────────────────────────────────────

	DiscoveryBroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfarm",
		Subsystem: "discovery",
		Name:      "broadcasts_total",
		Help:      "Announcement datagrams by outcome (sent, failed).",
	}, []string{"result"})

	DiscoveryRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfarm",
		Subsystem: "discovery",
		Name:      "rejected_total",
		Help:      "Announcements ignored by a worker, labelled by reason.",
	}, []string{"reason"})

	// ─── Master ──────────────────────────────────────────────────────────────────

	MasterTasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfarm",
		Subsystem: "master",
		Name:      "tasks_dispatched_total",
		Help:      "Tasks sent to workers, including redeliveries.",
	}, []string{"project"})

	MasterTasksReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buildfarm",
		Subsystem: "master",
		Name:      "tasks_released_total",
		Help:      "Tasks returned to the queue because their session disconnected.",
	})

	MasterResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfarm",
		Subsystem: "master",
		Name:      "results_total",
		Help:      "Results received, labelled done, failed or stale.",
	}, []string{"outcome"})

	MasterIOWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfarm",
		Subsystem: "master",
		Name:      "io_warnings_total",
		Help:      "Best-effort file operations that failed.",
	}, []string{"kind"})

	MasterSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildfarm",
		Subsystem: "master",
		Name:      "sessions_active",
		Help:      "Connected worker sessions.",
	})

	MasterJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfarm",
		Subsystem: "master",
		Name:      "jobs_total",
		Help:      "Finished jobs by status (success, failed).",
	}, []string{"status"})

	MasterJobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "buildfarm",
		Subsystem: "master",
		Name:      "job_duration_seconds",
		Help:      "Wall time of a job from broadcast to completion.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buildfarm",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Status API requests rejected with 429.",
	})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfarm",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Tasks executed, labelled by terminal status.",
	}, []string{"status"})

	WorkerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildfarm",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	})

	WorkerTaskDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "buildfarm",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Process run time in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	})

	WorkerSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfarm",
		Subsystem: "worker",
		Name:      "sessions_total",
		Help:      "Sessions with a master, by how they ended.",
	}, []string{"end"})
)
