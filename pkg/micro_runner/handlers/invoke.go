package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/openfroyo/pathrunner/pkg/micro_runner/protocol"
)

// ActionEnvVar carries the action name to invoke handlers.
const ActionEnvVar = "PATHRUNNER_ACTION"

// InvokeHandler runs an action handler command.
type InvokeHandler struct {
	// Shell runs the handler command. Defaults to /bin/sh.
	Shell string
}

// Handle runs params.Handler with the action params as JSON on stdin.
func (h *InvokeHandler) Handle(ctx context.Context, cmdID string, params *protocol.InvokeParams, eventCh chan<- *protocol.EventMessage) (*protocol.InvokeResult, error) {
	if params.Action == "" {
		return nil, fmt.Errorf("action is required")
	}
	if params.Handler == "" {
		return nil, fmt.Errorf("handler is required")
	}

	input, err := json.Marshal(params.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode action params: %w", err)
	}

	shell := h.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	env := map[string]string{ActionEnvVar: params.Action}
	for k, v := range params.Env {
		env[k] = v
	}

	cmd := exec.CommandContext(ctx, shell, "-c", params.Handler)
	cmd.Dir = params.WorkDir
	cmd.Env = mergeEnv(env)
	cmd.WaitDelay = waitDelay
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	sendEvent(eventCh, cmdID, "debug", "running handler for "+params.Action)

	start := time.Now()
	exitCode, err := run(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if stderr.Len() > 0 {
		sendEvent(eventCh, cmdID, "warn", strings.TrimSpace(stderr.String()))
	}

	return &protocol.InvokeResult{
		ExitCode: exitCode,
		Output:   parseOutput(stdout.Bytes()),
		Stderr:   stderr.String(),
		Duration: time.Since(start).Seconds(),
	}, nil
}

// parseOutput decodes stdout as a JSON object, falling back to the raw text.
func parseOutput(stdout []byte) map[string]interface{} {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil
	}

	var out map[string]interface{}
	if err := json.Unmarshal(trimmed, &out); err == nil {
		return out
	}
	return map[string]interface{}{"stdout": string(trimmed)}
}

// sendEvent delivers an event without blocking the handler.
func sendEvent(eventCh chan<- *protocol.EventMessage, cmdID, level, msg string) {
	if eventCh == nil || cmdID == "" {
		return
	}
	select {
	case eventCh <- &protocol.EventMessage{CommandID: cmdID, Level: level, Message: msg}:
	default:
	}
}
