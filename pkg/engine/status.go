package engine

import (
	"encoding/json"
	"fmt"
)

// CircuitState is the breaker state of a single execution path.
type CircuitState string

const (
	// CircuitClosed indicates the path is healthy and eligible.
	CircuitClosed CircuitState = "closed"

	// CircuitOpen indicates the path is excluded until its cooldown elapses.
	CircuitOpen CircuitState = "open"

	// CircuitHalfOpen indicates the path admits exactly one probe attempt.
	CircuitHalfOpen CircuitState = "half_open"
)

// Validate checks if the circuit state is valid.
func (s CircuitState) Validate() error {
	switch s {
	case CircuitClosed, CircuitOpen, CircuitHalfOpen:
		return nil
	default:
		return fmt.Errorf("invalid circuit state: %s", s)
	}
}

// Gauge returns the numeric value exported for the state (0 closed, 1 half-open, 2 open).
func (s CircuitState) Gauge() float64 {
	switch s {
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	default:
		return 0
	}
}

// OutcomeStatus is the result of a single attempt.
type OutcomeStatus string

const (
	// OutcomeSuccess indicates the path produced a result.
	OutcomeSuccess OutcomeStatus = "success"

	// OutcomeFailure indicates the path failed; the outcome carries a FailureKind.
	OutcomeFailure OutcomeStatus = "failure"
)

// Validate checks if the outcome status is valid.
func (s OutcomeStatus) Validate() error {
	switch s {
	case OutcomeSuccess, OutcomeFailure:
		return nil
	default:
		return fmt.Errorf("invalid outcome status: %s", s)
	}
}

// ExecutionStatus is the terminal status of one Execute call.
type ExecutionStatus string

const (
	// ExecutionSucceeded indicates one path produced a result.
	ExecutionSucceeded ExecutionStatus = "succeeded"

	// ExecutionEscalated indicates every eligible path failed and an escalation record was produced.
	ExecutionEscalated ExecutionStatus = "escalated"

	// ExecutionCancelled indicates the caller cancelled before any path succeeded.
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal returns true for every defined status. Execute never returns a non-terminal status.
func (s ExecutionStatus) IsTerminal() bool {
	return s.Validate() == nil
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case ExecutionSucceeded, ExecutionEscalated, ExecutionCancelled:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s CircuitState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *CircuitState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := CircuitState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := ExecutionStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}
