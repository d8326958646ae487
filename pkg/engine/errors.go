package engine

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why an attempt, or a whole execution, did not succeed.
type FailureKind string

const (
	// FailureTimeout indicates the path did not answer within its configured timeout.
	FailureTimeout FailureKind = "timeout"

	// FailureAdapter indicates the backend reported an error. The message carries the detail.
	FailureAdapter FailureKind = "adapter_error"

	// FailureCancelled indicates the caller withdrew the request while the path was running.
	FailureCancelled FailureKind = "cancelled"

	// FailureAllPathsExhausted indicates no path produced a success.
	FailureAllPathsExhausted FailureKind = "all_paths_exhausted"

	// FailureEscalationDelivery indicates the escalation sink did not acknowledge a record.
	FailureEscalationDelivery FailureKind = "escalation_delivery_failed"

	// FailureConfig indicates an invalid path list or orchestrator configuration.
	FailureConfig FailureKind = "config_invalid"

	// FailureRejected indicates the action was refused before any path was tried.
	FailureRejected FailureKind = "rejected"
)

// Validate checks if the failure kind is known.
func (k FailureKind) Validate() error {
	switch k {
	case FailureTimeout, FailureAdapter, FailureCancelled, FailureAllPathsExhausted,
		FailureEscalationDelivery, FailureConfig, FailureRejected:
		return nil
	default:
		return fmt.Errorf("invalid failure kind: %s", k)
	}
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the failure classification.
	Kind FailureKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Path is the execution path that produced the error, if any.
	Path string `json:"path,omitempty"`

	// CorrelationID ties the error to one Execute call.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Retryable marks adapter failures that an adapter-level retry policy may repeat.
	Retryable bool `json:"retryable,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s (path=%s)", msg, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return &EngineError{Kind: FailureTimeout, Message: message, Err: err, Code: ErrCodeTimeout}
}

// NewAdapterError creates a new adapter error.
func NewAdapterError(message string, err error) *EngineError {
	return &EngineError{Kind: FailureAdapter, Message: message, Err: err, Code: ErrCodeAdapterFailed}
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return &EngineError{Kind: FailureCancelled, Message: message, Err: err, Code: ErrCodeCancelled}
}

// NewExhaustedError creates the error reported when every path failed or was skipped.
func NewExhaustedError(correlationID string, attempted, skipped int) *EngineError {
	return &EngineError{
		Kind:          FailureAllPathsExhausted,
		Message:       fmt.Sprintf("no path succeeded (attempted=%d, skipped=%d)", attempted, skipped),
		Code:          ErrCodeExhausted,
		CorrelationID: correlationID,
	}
}

// NewEscalationError creates a new escalation delivery error.
func NewEscalationError(message string, err error) *EngineError {
	return &EngineError{Kind: FailureEscalationDelivery, Message: message, Err: err, Code: ErrCodeEscalation}
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, err error) *EngineError {
	return &EngineError{Kind: FailureConfig, Message: message, Err: err, Code: ErrCodeValidation}
}

// NewRejectedError creates the error returned when admission refuses an action.
func NewRejectedError(message string, err error) *EngineError {
	return &EngineError{Kind: FailureRejected, Message: message, Err: err, Code: ErrCodePermissionDenied}
}

// WithPath adds path context to an error.
func (e *EngineError) WithPath(path string) *EngineError {
	e.Path = path
	return e
}

// WithCorrelationID adds the correlation id to an error.
func (e *EngineError) WithCorrelationID(id string) *EngineError {
	e.CorrelationID = id
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithRetryable marks the error as retryable by adapter retry policies.
func (e *EngineError) WithRetryable(retryable bool) *EngineError {
	e.Retryable = retryable
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the failure kind of err, or "" when err carries no classification.
func KindOf(err error) FailureKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTimeout returns true if the error is classified as a timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == FailureTimeout
}

// IsCancelled returns true if the error is classified as a cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == FailureCancelled
}

// IsExhausted returns true if the error reports that every path failed.
func IsExhausted(err error) bool {
	return KindOf(err) == FailureAllPathsExhausted
}

// IsEscalationFailure returns true if the error reports a failed escalation delivery.
func IsEscalationFailure(err error) bool {
	return KindOf(err) == FailureEscalationDelivery
}

// IsConfigError returns true if the error is classified as a configuration error.
func IsConfigError(err error) bool {
	return KindOf(err) == FailureConfig
}

// IsRejected returns true if admission refused the action.
func IsRejected(err error) bool {
	return KindOf(err) == FailureRejected
}

// IsRetryable returns true if an adapter retry policy may repeat the failed call.
// Timeouts are retryable; cancellations never are.
func IsRetryable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		if e.Kind == FailureCancelled {
			return false
		}
		return e.Retryable || e.Kind == FailureTimeout
	}
	return false
}

// ClassifyContextError maps a context error to a typed failure.
// A nil or unrelated error yields nil.
func ClassifyContextError(err error) *EngineError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError("deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return NewCancelledError("request cancelled", err)
	default:
		return nil
	}
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeAdapterFailed    = "ADAPTER_FAILED"
	ErrCodeAdapterPanic     = "ADAPTER_PANIC"
	ErrCodeExhausted        = "ALL_PATHS_EXHAUSTED"
	ErrCodeEscalation       = "ESCALATION_FAILED"
	ErrCodeDuplicatePath    = "DUPLICATE_PATH"
)
