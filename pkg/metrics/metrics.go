package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sequencer / phase metrics
	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulsarbench_phase_duration_seconds",
			Help:    "Time spent in each experiment phase",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"phase"},
	)

	PhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsarbench_phase_transitions_total",
			Help: "Total number of phase transitions by resulting phase",
		},
		[]string{"phase"},
	)

	// Readiness Prober metrics
	ProbeStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulsarbench_probe_stage_duration_seconds",
			Help:    "Time taken for a readiness prober stage to succeed or time out",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	ProbeAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsarbench_probe_attempts_total",
			Help: "Total number of probe attempts by stage, host, and outcome",
		},
		[]string{"stage", "host", "outcome"},
	)

	// Remote Executor metrics
	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulsarbench_executor_command_duration_seconds",
			Help:    "Time from command submission to terminal status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"terminal_status"},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsarbench_executor_commands_total",
			Help: "Total number of remote commands by terminal status",
		},
		[]string{"terminal_status"},
	)

	// Test-Matrix Runner metrics
	VariantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsarbench_matrix_variants_total",
			Help: "Total number of test-matrix variants by terminal status",
		},
		[]string{"status"},
	)

	VariantDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulsarbench_matrix_variant_duration_seconds",
			Help:    "Time taken to execute a single matrix variant",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"kind"},
	)

	// Resource Reclaimer metrics
	ReclaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulsarbench_reclaim_duration_seconds",
			Help:    "Time taken for a full reclaim pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ResourcesReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsarbench_resources_reclaimed_total",
			Help: "Total number of cloud resources destroyed by kind",
		},
		[]string{"kind"},
	)

	// Metrics Sampler metrics
	SamplerScrapesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsarbench_sampler_scrapes_total",
			Help: "Total number of sampler scrape attempts by host and outcome",
		},
		[]string{"host", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(PhaseDuration)
	prometheus.MustRegister(PhaseTransitionsTotal)
	prometheus.MustRegister(ProbeStageDuration)
	prometheus.MustRegister(ProbeAttemptsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(VariantsTotal)
	prometheus.MustRegister(VariantDuration)
	prometheus.MustRegister(ReclaimDuration)
	prometheus.MustRegister(ResourcesReclaimedTotal)
	prometheus.MustRegister(SamplerScrapesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
