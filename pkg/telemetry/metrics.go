package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for labdaq. A nil *Metrics is a valid
// no-op collector, so components never need to guard their calls.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec

	// Message metrics
	messagesProcessed *prometheus.CounterVec

	// Document metrics
	documentsPublished *prometheus.CounterVec

	// Checkpoint metrics
	checkpointsSaved prometheus.Counter

	// Script metrics
	scriptRuns          *prometheus.CounterVec
	scriptPlansExecuted prometheus.Counter
	scriptDuration      prometheus.Histogram

	// Module metrics
	moduleCommands *prometheus.CounterVec
	moduleErrors   *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of runs finished by exit status",
			},
			[]string{"exit_status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"exit_status"},
		),

		// Message metrics
		messagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_processed_total",
				Help:      "Total number of plan messages processed",
			},
			[]string{"kind"},
		),

		// Document metrics
		documentsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_published_total",
				Help:      "Total number of documents published to the broadcast",
			},
			[]string{"kind"},
		),

		// Checkpoint metrics
		checkpointsSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_saved_total",
				Help:      "Total number of checkpoints persisted",
			},
		),

		// Script metrics
		scriptRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_runs_total",
				Help:      "Total number of script executions by outcome",
			},
			[]string{"outcome"},
		),
		scriptPlansExecuted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_plans_executed_total",
				Help:      "Total number of plans dispatched by scripts",
			},
		),
		scriptDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "script_duration_seconds",
				Help:      "Duration of script execution in seconds",
				Buckets:   buckets,
			},
		),

		// Module metrics
		moduleCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_commands_total",
				Help:      "Total number of commands sent to modules",
			},
			[]string{"module", "command"},
		),
		moduleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_errors_total",
				Help:      "Total number of failed module commands",
			},
			[]string{"module", "command"},
		),

		// System metrics
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.runDuration,
		m.messagesProcessed,
		m.documentsPublished,
		m.checkpointsSaved,
		m.scriptRuns,
		m.scriptPlansExecuted,
		m.scriptDuration,
		m.moduleCommands,
		m.moduleErrors,
		m.activeRuns,
	)

	return m, nil
}

// Run Metrics

// RunStarted increments the counter for started runs.
func (m *Metrics) RunStarted() {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunFinished records a finished run with its exit status and duration.
func (m *Metrics) RunFinished(exitStatus string, duration time.Duration) {
	if m == nil || m.runsFinished == nil {
		return
	}
	m.runsFinished.WithLabelValues(exitStatus).Inc()
	m.runDuration.WithLabelValues(exitStatus).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Message Metrics

// MessageProcessed records a processed plan message.
func (m *Metrics) MessageProcessed(kind string) {
	if m == nil || m.messagesProcessed == nil {
		return
	}
	m.messagesProcessed.WithLabelValues(kind).Inc()
}

// Document Metrics

// DocumentPublished records a published document.
func (m *Metrics) DocumentPublished(kind string) {
	if m == nil || m.documentsPublished == nil {
		return
	}
	m.documentsPublished.WithLabelValues(kind).Inc()
}

// Checkpoint Metrics

// CheckpointSaved records a persisted checkpoint.
func (m *Metrics) CheckpointSaved() {
	if m == nil || m.checkpointsSaved == nil {
		return
	}
	m.checkpointsSaved.Inc()
}

// Script Metrics

// ScriptRunFinished records a completed script execution.
func (m *Metrics) ScriptRunFinished(outcome string, plans int, duration time.Duration) {
	if m == nil || m.scriptRuns == nil {
		return
	}
	m.scriptRuns.WithLabelValues(outcome).Inc()
	m.scriptPlansExecuted.Add(float64(plans))
	m.scriptDuration.Observe(duration.Seconds())
}

// Module Metrics

// ModuleCommand records a command sent to a module.
func (m *Metrics) ModuleCommand(module, command string) {
	if m == nil || m.moduleCommands == nil {
		return
	}
	m.moduleCommands.WithLabelValues(module, command).Inc()
}

// ModuleError records a failed module command.
func (m *Metrics) ModuleError(module, command string) {
	if m == nil || m.moduleErrors == nil {
		return
	}
	m.moduleErrors.WithLabelValues(module, command).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
