package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksByStatus tracks the current number of tasks in each lifecycle
	// state. Updated by the storage event loop.
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_tasks",
			Help: "Number of tasks by status",
		},
		[]string{"status"},
	)

	// AgentsByStatus tracks registered agents per availability state.
	AgentsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_agents",
			Help: "Number of registered agents by status",
		},
		[]string{"status"},
	)

	// JobsActive is the number of non-terminal jobs in the registry.
	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_jobs_active",
			Help: "Number of jobs not yet in a terminal state",
		},
	)

	// DispatchTotal counts task dispatch attempts by outcome.
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_dispatch_total",
			Help: "Task dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// SchedulingLatency observes time from execution request to agent
	// selection.
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_scheduling_latency_seconds",
			Help:    "Time from execution request to agent selection",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DecompositionDuration observes end-to-end decomposition time.
	DecompositionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_decomposition_duration_seconds",
			Help:    "End-to-end feature decomposition duration",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// ResponsesTotal counts agent responses by reported status.
	ResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_agent_responses_total",
			Help: "Agent responses by reported status",
		},
		[]string{"status"},
	)

	// NotificationsDropped counts notifications dropped by session queues.
	NotificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_notifications_dropped_total",
			Help: "Notifications dropped due to full or closed session queues",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksByStatus,
		AgentsByStatus,
		JobsActive,
		DispatchTotal,
		SchedulingLatency,
		DecompositionDuration,
		ResponsesTotal,
		NotificationsDropped,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
