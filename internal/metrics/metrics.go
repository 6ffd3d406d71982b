package metrics

import (
	"context"
	"net/http"

	"github.com/CZERTAINLY/Conan/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conan"

// Metrics holds the collectors of a conan instance. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted prometheus.Counter
	TasksRejected  *prometheus.CounterVec
	TasksFinished  *prometheus.CounterVec
	TasksInFlight  prometheus.Gauge
	ProcessRuns    *prometheus.HistogramVec
	DaemonPolls    prometheus.Counter
	DaemonTasks    *prometheus.CounterVec
}

// New registers the collectors in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TasksSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the submission service",
		}),
		TasksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_rejected_total",
			Help:      "Tasks rejected by the submission service",
		}, []string{"reason"}),
		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Task executions which ended, by resulting state",
		}, []string{"state"}),
		TasksInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks pending or running in the submission service",
		}),
		ProcessRuns: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_run_seconds",
			Help:      "Duration of process runs",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"process", "result"}),
		DaemonPolls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daemon_polls_total",
			Help:      "Daemon poll cycles",
		}),
		DaemonTasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daemon_tasks_total",
			Help:      "Tasks created by the daemon",
		}, []string{"pipeline"}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Submitted() {
	if m == nil {
		return
	}
	m.TasksSubmitted.Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.TasksRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) InFlight(n int) {
	if m == nil {
		return
	}
	m.TasksInFlight.Set(float64(n))
}

func (m *Metrics) Polled() {
	if m == nil {
		return
	}
	m.DaemonPolls.Inc()
}

func (m *Metrics) DaemonCreated(pipeline string) {
	if m == nil {
		return
	}
	m.DaemonTasks.WithLabelValues(pipeline).Inc()
}

// StateChanged counts executions ending in a non running state.
func (m *Metrics) StateChanged(_ context.Context, t *task.Task, previous task.State) {
	if m == nil || previous != task.Running {
		return
	}
	m.TasksFinished.WithLabelValues(t.State().String()).Inc()
}

func (m *Metrics) ProcessStarted(context.Context, *task.Task, task.ProcessRun) {}

func (m *Metrics) ProcessEnded(_ context.Context, _ *task.Task, run task.ProcessRun) {
	if m == nil {
		return
	}
	result := "success"
	if run.ExitValue != 0 {
		result = "failure"
	}
	m.ProcessRuns.WithLabelValues(run.ProcessName, result).Observe(run.Ended.Sub(run.Started).Seconds())
}
