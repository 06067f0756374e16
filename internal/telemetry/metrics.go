package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all endpoints.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "conceptforge",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// TasksEnqueuedTotal counts tasks created by the Dispatcher, by type.
var TasksEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "conceptforge",
		Subsystem: "tasks",
		Name:      "enqueued_total",
		Help:      "Total number of tasks enqueued, by type.",
	},
	[]string{"type"},
)

// TasksRateLimitedTotal counts Dispatcher rejections due to rate limiting.
var TasksRateLimitedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "conceptforge",
		Subsystem: "tasks",
		Name:      "rate_limited_total",
		Help:      "Total number of enqueue requests rejected by the rate limiter, by category.",
	},
	[]string{"category"},
)

// TasksConflictTotal counts Dispatcher rejections due to an active task already existing.
var TasksConflictTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "conceptforge",
		Subsystem: "tasks",
		Name:      "conflict_total",
		Help:      "Total number of enqueue requests rejected due to an existing active task, by type.",
	},
	[]string{"type"},
)

// TasksCompletedTotal counts terminal task outcomes, by type and final status.
var TasksCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "conceptforge",
		Subsystem: "tasks",
		Name:      "completed_total",
		Help:      "Total number of tasks reaching a terminal state, by type and status.",
	},
	[]string{"type", "status"},
)

// WorkerWorkflowDuration tracks end-to-end workflow execution time, by type.
var WorkerWorkflowDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "conceptforge",
		Subsystem: "worker",
		Name:      "workflow_duration_seconds",
		Help:      "Worker workflow execution duration in seconds, by task type.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	},
	[]string{"type"},
)

// PaletteGenerationsTotal counts per-palette sub-generation attempts, by outcome.
var PaletteGenerationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "conceptforge",
		Subsystem: "worker",
		Name:      "palette_generations_total",
		Help:      "Total number of per-palette sub-generation attempts, by outcome.",
	},
	[]string{"outcome"},
)

// RateCounterChecksTotal counts RateCounter check_and_decrement calls, by category and allowed/denied/error.
var RateCounterChecksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "conceptforge",
		Subsystem: "ratecounter",
		Name:      "checks_total",
		Help:      "Total number of rate limit checks, by category and result.",
	},
	[]string{"category", "result"},
)

// ReaperSweepsTotal counts tasks transitioned to failed by the Reaper, by reason.
var ReaperSweepsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "conceptforge",
		Subsystem: "reaper",
		Name:      "tasks_failed_total",
		Help:      "Total number of tasks failed by the reaper, by reason.",
	},
	[]string{"reason"},
)

// All returns all conceptforge-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		TasksEnqueuedTotal,
		TasksRateLimitedTotal,
		TasksConflictTotal,
		TasksCompletedTotal,
		WorkerWorkflowDuration,
		PaletteGenerationsTotal,
		RateCounterChecksTotal,
		ReaperSweepsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
