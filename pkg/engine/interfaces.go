package engine

import (
	"context"
	"time"
)

// Adapter invokes one execution backend.
// Implementations must honor the context deadline and must report every internal
// fault as a failure Outcome instead of panicking or blocking past the deadline.
type Adapter interface {
	// Invoke performs the action on the backend.
	Invoke(ctx context.Context, action Action) Outcome
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, action Action) Outcome

// Invoke calls f.
func (f AdapterFunc) Invoke(ctx context.Context, action Action) Outcome {
	return f(ctx, action)
}

// Ledger stores attempt records.
type Ledger interface {
	// Append records one attempt. Records are never modified afterwards.
	Append(ctx context.Context, record AttemptRecord) error

	// Query returns every attempt for a correlation id, ordered by start time.
	Query(ctx context.Context, correlationID string) ([]AttemptRecord, error)
}

// EscalationSink receives actions that no path could complete.
type EscalationSink interface {
	// Escalate delivers the record. A non-nil error means the record was not acknowledged.
	Escalate(ctx context.Context, record EscalationRecord) error
}

// EscalationSinkFunc adapts a plain function to the EscalationSink interface.
type EscalationSinkFunc func(ctx context.Context, record EscalationRecord) error

// Escalate calls f.
func (f EscalationSinkFunc) Escalate(ctx context.Context, record EscalationRecord) error {
	return f(ctx, record)
}

// Admission decides whether an action may be executed at all.
type Admission interface {
	// Admit returns an error describing why the action is refused, or nil.
	Admit(ctx context.Context, action Action) error
}

// Recorder receives execution measurements.
type Recorder interface {
	// RecordAttempt records one attempt on a path.
	RecordAttempt(path string, outcome Outcome, duration time.Duration)

	// RecordExecution records the terminal status of one Execute call.
	RecordExecution(status ExecutionStatus, duration time.Duration)

	// RecordCircuitState records a breaker transition.
	RecordCircuitState(path string, from, to CircuitState)

	// RecordSkip records a path skipped because its circuit was open.
	RecordSkip(path string)

	// RecordEscalation records an escalation and whether it was delivered.
	RecordEscalation(delivered bool)
}

// noopRecorder discards measurements.
type noopRecorder struct{}

func (noopRecorder) RecordAttempt(string, Outcome, time.Duration)         {}
func (noopRecorder) RecordExecution(ExecutionStatus, time.Duration)       {}
func (noopRecorder) RecordCircuitState(string, CircuitState, CircuitState) {}
func (noopRecorder) RecordSkip(string)                                    {}
func (noopRecorder) RecordEscalation(bool)                                {}
