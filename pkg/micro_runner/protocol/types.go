// Package protocol defines the JSON-over-stdio communication protocol
// between pathrunner and the micro-runner.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the runner is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the controller
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates a progress event from the runner
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates an error occurred
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the runner is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeExec executes a shell command
	CommandTypeExec CommandType = "exec"
	// CommandTypeInvoke runs an action handler with the action params on stdin
	CommandTypeInvoke CommandType = "action.invoke"
)

// Error codes sent in ErrorMessage.Code.
const (
	ErrCodeInitFailed     = "INIT_FAILED"
	ErrCodeBadCommand     = "BAD_COMMAND"
	ErrCodeExecFailed     = "EXEC_FAILED"
	ErrCodeHandlerFailed  = "HANDLER_FAILED"
	ErrCodeCommandTimeout = "COMMAND_TIMEOUT"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID            string            `json:"id"`
	Type          CommandType       `json:"type"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timeout       int               `json:"timeout"` // seconds
	Params        json.RawMessage   `json:"params"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// EventMessage contains progress information during command execution.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // info, warn, debug
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string            `json:"command_id"`
	Result    json.RawMessage   `json:"result"`
	Duration  float64           `json:"duration"` // seconds
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	SelfDeleted   bool   `json:"self_deleted"`
	CommandsTotal int    `json:"commands_total"`
}

// Command parameter structures for each command type

// ExecParams contains parameters for shell command execution.
type ExecParams struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	WorkDir    string            `json:"work_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Shell      string            `json:"shell,omitempty"` // defaults to /bin/sh
	CaptureOut bool              `json:"capture_out"`
	CaptureErr bool              `json:"capture_err"`
}

// ExecResult contains the result of command execution.
type ExecResult struct {
	ExitCode int     `json:"exit_code"`
	Stdout   string  `json:"stdout,omitempty"`
	Stderr   string  `json:"stderr,omitempty"`
	Duration float64 `json:"duration"`
}

// InvokeParams describes an action for the runner to perform. Handler is run
// through the shell with the action params as a JSON object on stdin and the
// action name in PATHRUNNER_ACTION.
type InvokeParams struct {
	Action  string                 `json:"action"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Handler string                 `json:"handler"`
	WorkDir string                 `json:"work_dir,omitempty"`
	Env     map[string]string      `json:"env,omitempty"`
}

// InvokeResult contains the handler result. Output holds the handler's stdout
// when it is a JSON object, and {"stdout": "..."} otherwise.
type InvokeResult struct {
	ExitCode int                    `json:"exit_code"`
	Output   map[string]interface{} `json:"output,omitempty"`
	Stderr   string                 `json:"stderr,omitempty"`
	Duration float64                `json:"duration"`
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeExec, CommandTypeInvoke:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}
