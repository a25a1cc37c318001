package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_workers_by_state",
			Help: "Number of workers currently in each lifecycle state",
		},
		[]string{"state"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_scheduler_tick_duration_seconds",
			Help:    "Duration of a full scheduler tick across all workers",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_worker_tick_duration_seconds",
			Help:    "Duration of a single worker's per-tick action",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	GateCompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_gate_completions_total",
			Help: "Quality gate completions by gate kind and outcome",
		},
		[]string{"gate", "outcome"},
	)

	ForgeCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_forge_call_duration_seconds",
			Help:    "Duration of forge client calls by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ForgeCallErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_forge_call_errors_total",
			Help: "Forge client call failures by operation",
		},
		[]string{"operation"},
	)

	EventSubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_event_subscribers_total",
			Help: "Current number of attached event stream subscribers",
		},
	)

	MergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_merges_total",
			Help: "Total number of PRs merged by the scheduler",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersByState,
		TickDuration,
		WorkerTickDuration,
		GateCompletionsTotal,
		ForgeCallDuration,
		ForgeCallErrorsTotal,
		EventSubscribersTotal,
		MergesTotal,
	)
}

// Handler returns the Prometheus HTTP handler for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for later observation into a
// histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
