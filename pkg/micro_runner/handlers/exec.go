// Package handlers implements command handlers for the micro-runner.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/openfroyo/pathrunner/pkg/micro_runner/protocol"
)

// waitDelay bounds how long a killed command's children may hold its output
// pipes open.
const waitDelay = time.Second

// ExecHandler handles shell command execution.
type ExecHandler struct{}

// Handle executes a shell command. A non-zero exit status is reported in the
// result, not as an error.
func (h *ExecHandler) Handle(ctx context.Context, params *protocol.ExecParams, eventCh chan<- *protocol.EventMessage) (*protocol.ExecResult, error) {
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	shell := params.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	if len(params.Args) > 0 {
		cmd = exec.CommandContext(ctx, params.Command, params.Args...)
	} else {
		// If no args, run command through shell
		cmd = exec.CommandContext(ctx, shell, "-c", params.Command)
	}
	cmd.Dir = params.WorkDir
	cmd.Env = mergeEnv(params.Env)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	if params.CaptureOut {
		cmd.Stdout = &stdout
	}
	if params.CaptureErr {
		cmd.Stderr = &stderr
	}

	start := time.Now()
	exitCode, err := run(ctx, cmd)
	if err != nil {
		return nil, err
	}

	return &protocol.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start).Seconds(),
	}, nil
}

// run starts cmd and returns its exit code. Only failures to start or an
// ended context are errors.
func run(ctx context.Context, cmd *exec.Cmd) (int, error) {
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, fmt.Errorf("command interrupted: %w", ctxErr)
	}
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("failed to execute command: %w", err)
}

// mergeEnv returns the runner environment with extra overriding it, or nil to
// inherit unchanged.
func mergeEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
