// Package metrics exposes the Prometheus series the session manager and
// scheduler update, mirroring cuemby-warren's pkg/metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "flame_sessions_total", Help: "Total number of sessions by state"},
		[]string{"state"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "flame_tasks_total", Help: "Total number of tasks by state"},
		[]string{"state"},
	)

	ExecutorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "flame_executors_total", Help: "Total number of executors by state"},
		[]string{"state"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "flame_nodes_total", Help: "Total number of nodes by state"},
		[]string{"state"},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "flame_tasks_completed_total", Help: "Total tasks completed by outcome"},
		[]string{"outcome"},
	)

	TasksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "flame_tasks_retried_total", Help: "Total tasks forced back to Pending by crash recovery"},
	)

	SchedulerTickLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "flame_scheduler_tick_seconds", Help: "Duration of one Dispatch/Allocate/Shuffle tick"},
	)

	SchedulerTickErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "flame_scheduler_tick_errors_total", Help: "Total scheduler ticks aborted by an error"},
	)

	ExecutorsBound = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "flame_executors_bound_total", Help: "Total successful executor binds"},
	)

	ExecutorsPreempted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "flame_executors_preempted_total", Help: "Total executors unbound by the Shuffle action"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsTotal, TasksTotal, ExecutorsTotal, NodesTotal,
		TasksCompleted, TasksRetried, SchedulerTickLatency, SchedulerTickErrors,
		ExecutorsBound, ExecutorsPreempted,
	)
}

// Timer measures a duration and reports it to a Histogram via ObserveDuration.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
