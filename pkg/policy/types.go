package policy

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the action.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the action.
	SeverityError Severity = "error"

	// SeverityCritical blocks the action and is logged at error level.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether violations of this severity refuse the action.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Validate checks if the severity is known.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// Policy is a Rego module producing a deny set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is used for violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with pathrunner.
	Builtin bool `json:"builtin"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details holds any extra fields of the deny entry.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Decision is the result of evaluating every enabled policy against one
// action.
type Decision struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the policies that ran, in name order.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Action  ActionInput  `json:"action"`
	Context InputContext `json:"context"`
}

// ActionInput describes the submitted action.
type ActionInput struct {
	Name          string                 `json:"name"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Params        map[string]interface{} `json:"params"`
	// ParamsSize is the size of the JSON-encoded params in bytes.
	ParamsSize int `json:"params_size"`
}

// InputContext carries evaluation settings that policies may consult.
type InputContext struct {
	Timestamp time.Time `json:"timestamp"`
	// MaxParamsBytes is the configured params size limit.
	MaxParamsBytes int `json:"max_params_bytes"`
	// Environment is the deployment environment, when configured.
	Environment string `json:"environment,omitempty"`
}

// DeniedError is returned by Admit when an action is refused.
type DeniedError struct {
	Action     string
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return fmt.Sprintf("action %q denied: %s", e.Action, strings.Join(msgs, "; "))
}
