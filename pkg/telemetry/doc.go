// Package telemetry provides observability instrumentation for pathrunner.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus).
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// The orchestrator receives the pieces it needs:
//
//	engine.NewOrchestrator(paths,
//	    engine.WithLogger(tel.Logger.NewComponentLogger("orchestrator").Zerolog()),
//	    engine.WithTracer(tel.Tracer.Tracer()),
//	    engine.WithRecorder(tel.Metrics),
//	    ...)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("escalation")
//	logger.WithCorrelationID(id).WithError(err).Error("Sink delivery failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Execute opens an "orchestrator.execute" span with one "orchestrator.attempt" child
// per path tried. Supported exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Metrics implements engine.Recorder and registers on a private registry:
//
//   - pathrunner_executions_total{status}
//   - pathrunner_attempts_total{path,status,kind}
//   - pathrunner_attempt_duration_seconds{path}
//   - pathrunner_path_skips_total{path}
//   - pathrunner_circuit_state{path}
//   - pathrunner_escalations_total{delivered}
//   - pathrunner_escalation_sink_deliveries_total{sink,result}
//
// The registry is served by Metrics.Handler, mounted on the API server or on a
// standalone listener (MetricsConfig.ListenAddress).
package telemetry
