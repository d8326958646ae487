package engine

import (
	"errors"
	"time"
)

// Action is a named automation request submitted to the orchestrator.
// An Action is never modified after submission.
type Action struct {
	// Name identifies the automation to perform (e.g. "deploy.service").
	Name string `json:"name"`

	// Params are the action parameters handed unchanged to every path.
	Params map[string]interface{} `json:"params,omitempty"`

	// CorrelationID ties every attempt of one execution together.
	// It is generated when empty.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Validate checks the action before any path is tried.
func (a Action) Validate() error {
	if a.Name == "" {
		return errors.New("action name is required")
	}
	return nil
}

// PathDescriptor describes one execution backend.
type PathDescriptor struct {
	// Name is unique within a path set.
	Name string `json:"name"`

	// Priority orders the paths; lower values are tried first.
	// Equal priorities keep registration order.
	Priority int `json:"priority"`

	// Timeout bounds a single attempt on this path.
	Timeout time.Duration `json:"timeout"`

	// Kind is the adapter kind the path was built from (informational).
	Kind string `json:"kind,omitempty"`

	// Adapter performs the invocation.
	Adapter Adapter `json:"-"`
}

// Outcome is the typed result of one adapter invocation.
type Outcome struct {
	// Status is success or failure.
	Status OutcomeStatus `json:"status"`

	// Output is the structured result of a successful invocation.
	Output map[string]interface{} `json:"output,omitempty"`

	// Kind classifies a failure. Empty on success.
	Kind FailureKind `json:"kind,omitempty"`

	// Message is the failure detail. Empty on success.
	Message string `json:"message,omitempty"`

	// Retryable marks failures an adapter retry policy may repeat.
	Retryable bool `json:"-"`
}

// Succeeded builds a success outcome.
func Succeeded(output map[string]interface{}) Outcome {
	return Outcome{Status: OutcomeSuccess, Output: output}
}

// Failed builds a failure outcome.
func Failed(kind FailureKind, message string) Outcome {
	return Outcome{Status: OutcomeFailure, Kind: kind, Message: message}
}

// FailedWith converts an error into a failure outcome. Classified errors keep their
// kind; context errors map to timeout or cancelled; anything else is an adapter error.
func FailedWith(err error) Outcome {
	if err == nil {
		return Failed(FailureAdapter, "unknown failure")
	}
	var e *EngineError
	if errors.As(err, &e) {
		out := Failed(e.Kind, err.Error())
		out.Retryable = IsRetryable(err)
		return out
	}
	if ce := ClassifyContextError(err); ce != nil {
		return Failed(ce.Kind, err.Error())
	}
	return Failed(FailureAdapter, err.Error())
}

// IsSuccess reports whether the outcome is a success.
func (o Outcome) IsSuccess() bool {
	return o.Status == OutcomeSuccess
}

// Err returns the failure as an EngineError, or nil on success.
func (o Outcome) Err() error {
	if o.IsSuccess() {
		return nil
	}
	return &EngineError{Kind: o.Kind, Message: o.Message, Retryable: o.Retryable}
}

// AttemptRecord is one ledger entry: a single invocation of a single path.
type AttemptRecord struct {
	// CorrelationID identifies the Execute call that made the attempt.
	CorrelationID string `json:"correlation_id"`

	// PathName is the path that was invoked.
	PathName string `json:"path_name"`

	// ActionName is the name of the action that was invoked.
	ActionName string `json:"action_name"`

	// StartTime is when the invocation started.
	StartTime time.Time `json:"start_time"`

	// Duration is how long the invocation took.
	Duration time.Duration `json:"duration"`

	// Outcome is the typed result.
	Outcome Outcome `json:"outcome"`
}

// EndTime returns the time the attempt finished.
func (r AttemptRecord) EndTime() time.Time {
	return r.StartTime.Add(r.Duration)
}

// EscalationRecord is produced exactly once per action whose paths all failed.
type EscalationRecord struct {
	// ID uniquely identifies the record.
	ID string `json:"id"`

	// CorrelationID identifies the failed execution.
	CorrelationID string `json:"correlation_id"`

	// Action is the action that could not be completed.
	Action Action `json:"action"`

	// Attempts holds every attempt made for the action, in order.
	Attempts []AttemptRecord `json:"attempts"`

	// SkippedPaths lists paths excluded because their circuit was open.
	SkippedPaths []string `json:"skipped_paths,omitempty"`

	// CreatedAt is when the record was built.
	CreatedAt time.Time `json:"created_at"`
}

// HealthState is a point-in-time view of one path's breaker.
type HealthState struct {
	// Path is the path name.
	Path string `json:"path"`

	// State is the breaker state.
	State CircuitState `json:"state"`

	// ConsecutiveFailures counts failures since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// FailureRate is the failure ratio over the sliding window, in [0, 1].
	FailureRate float64 `json:"failure_rate"`

	// Samples is the number of outcomes currently held in the window.
	Samples int `json:"samples"`

	// OpenedAt is when the circuit last opened. Zero if it never opened.
	OpenedAt time.Time `json:"opened_at,omitempty"`

	// ProbeInFlight is true while a half-open probe is running.
	ProbeInFlight bool `json:"probe_in_flight"`
}

// Result is what Execute returns.
type Result struct {
	// CorrelationID identifies the execution.
	CorrelationID string `json:"correlation_id"`

	// Status is the terminal status.
	Status ExecutionStatus `json:"status"`

	// Output is the successful path's output.
	Output map[string]interface{} `json:"output,omitempty"`

	// PathUsed is the name of the successful path.
	PathUsed string `json:"path_used,omitempty"`

	// Attempts is every attempt made, in order.
	Attempts []AttemptRecord `json:"attempts"`

	// SkippedPaths lists paths excluded because their circuit was open.
	SkippedPaths []string `json:"skipped_paths,omitempty"`

	// Escalation is set when Status is escalated.
	Escalation *EscalationRecord `json:"escalation,omitempty"`

	// EscalationError is set when the sink did not acknowledge the record.
	EscalationError string `json:"escalation_error,omitempty"`

	// StartedAt is when Execute was called.
	StartedAt time.Time `json:"started_at"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration"`
}
