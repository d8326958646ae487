package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

// Metrics provides Prometheus metrics for pathrunner. It implements engine.Recorder.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	// Attempt metrics
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	skips           *prometheus.CounterVec

	// Circuit metrics
	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec

	// Escalation metrics
	escalations *prometheus.CounterVec
	sinkResults *prometheus.CounterVec

	// Adapter retry metrics
	adapterRetries *prometheus.CounterVec

	// Ledger persistence failures
	ledgerWriteErrors prometheus.Counter

	registry *prometheus.Registry
}

var _ engine.Recorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of executions by terminal status",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of path attempts by outcome",
			},
			[]string{"path", "status", "kind"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of path attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"path"},
		),
		skips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "path_skips_total",
				Help:      "Total number of paths skipped because their circuit was open",
			},
			[]string{"path"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Circuit state per path (0=closed, 1=half_open, 2=open)",
			},
			[]string{"path"},
		),
		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit state transitions",
			},
			[]string{"path", "to"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Total number of escalations by delivery result",
			},
			[]string{"delivered"},
		),
		sinkResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalation_sink_deliveries_total",
				Help:      "Escalation deliveries per sink",
			},
			[]string{"sink", "result"},
		),
		adapterRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_retries_total",
				Help:      "Retries performed inside adapters",
			},
			[]string{"path"},
		),
		ledgerWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_persist_errors_total",
				Help:      "Attempt records that could not be persisted",
			},
		),
	}

	registry.MustRegister(
		m.executions,
		m.executionDuration,
		m.attempts,
		m.attemptDuration,
		m.skips,
		m.circuitState,
		m.circuitTransitions,
		m.escalations,
		m.sinkResults,
		m.adapterRetries,
		m.ledgerWriteErrors,
	)

	return m, nil
}

// RecordExecution records the terminal status of an execution.
func (m *Metrics) RecordExecution(status engine.ExecutionStatus, duration time.Duration) {
	if m.executions == nil {
		return
	}
	m.executions.WithLabelValues(string(status)).Inc()
	m.executionDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// RecordAttempt records one attempt on a path.
func (m *Metrics) RecordAttempt(path string, outcome engine.Outcome, duration time.Duration) {
	if m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(path, string(outcome.Status), string(outcome.Kind)).Inc()
	m.attemptDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordSkip records a path skipped because its circuit was open.
func (m *Metrics) RecordSkip(path string) {
	if m.skips == nil {
		return
	}
	m.skips.WithLabelValues(path).Inc()
}

// RecordCircuitState records a breaker transition.
func (m *Metrics) RecordCircuitState(path string, from, to engine.CircuitState) {
	if m.circuitState == nil {
		return
	}
	m.circuitState.WithLabelValues(path).Set(to.Gauge())
	m.circuitTransitions.WithLabelValues(path, string(to)).Inc()
}

// RecordEscalation records an escalation and whether the sink acknowledged it.
func (m *Metrics) RecordEscalation(delivered bool) {
	if m.escalations == nil {
		return
	}
	label := "false"
	if delivered {
		label = "true"
	}
	m.escalations.WithLabelValues(label).Inc()
}

// RecordSinkDelivery records the result of one sink delivery.
func (m *Metrics) RecordSinkDelivery(sink string, err error) {
	if m.sinkResults == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sinkResults.WithLabelValues(sink, result).Inc()
}

// RecordAdapterRetry records a retry performed inside an adapter.
func (m *Metrics) RecordAdapterRetry(path string) {
	if m.adapterRetries == nil {
		return
	}
	m.adapterRetries.WithLabelValues(path).Inc()
}

// RecordLedgerPersistError records an attempt record that could not be persisted.
func (m *Metrics) RecordLedgerPersistError() {
	if m.ledgerWriteErrors == nil {
		return
	}
	m.ledgerWriteErrors.Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a standalone HTTP server exposing metrics until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
