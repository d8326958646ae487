package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/pathrunner/pkg/engine"
	"github.com/openfroyo/pathrunner/pkg/micro_runner/client"
	"github.com/openfroyo/pathrunner/pkg/micro_runner/protocol"
	"github.com/openfroyo/pathrunner/pkg/transports/ssh"
)

// RunnerOptions starts the micro-runner for every invocation and sends it an
// action.invoke command. The runner runs locally unless Target is set, in
// which case it is uploaded over SFTP and started over SSH.
type RunnerOptions struct {
	// Binary is the local micro-runner executable.
	Binary string
	// RemoteDir is where the runner is placed. Default /tmp.
	RemoteDir string
	Target    *SSHTarget
	// Handler is the shell command the runner executes for the action.
	Handler string
	WorkDir string
	Env     map[string]string
	// StartupTimeout bounds the wait for READY. Default 10s.
	StartupTimeout time.Duration
}

type runnerAdapter struct {
	name   string
	opts   RunnerOptions
	ssh    *ssh.Client
	logger zerolog.Logger

	// transport builds the transport for one session.
	transport func() client.Transport
}

func (r *Registry) newRunner(_ context.Context, spec Spec) (engine.Adapter, error) {
	opts := spec.Runner
	if opts == nil || opts.Binary == "" || opts.Handler == "" {
		return nil, missingOptions(KindRunner)
	}
	if opts.RemoteDir == "" {
		opts.RemoteDir = "/tmp"
	}

	a := &runnerAdapter{
		name:   spec.Name,
		opts:   *opts,
		logger: r.logger.With().Str("path", spec.Name).Logger(),
	}

	args := []string{"-ttl", (spec.Timeout + time.Minute).String()}
	if opts.Target != nil {
		sshClient, err := ssh.NewClient(opts.Target.config())
		if err != nil {
			return nil, err
		}
		a.ssh = sshClient
		a.transport = func() client.Transport {
			return &ssh.RunnerTransport{Client: sshClient, Args: strings.Join(args, " ")}
		}
	} else {
		a.transport = func() client.Transport {
			return &client.LocalTransport{Args: args}
		}
	}
	return a, nil
}

func (a *runnerAdapter) Invoke(ctx context.Context, action engine.Action) engine.Outcome {
	sessionID := uuid.NewString()
	c, err := client.NewClient(client.Config{
		Transport:      a.transport(),
		RunnerPath:     a.opts.Binary,
		RemotePath:     path.Join(a.opts.RemoteDir, "pathrunner-"+sessionID),
		StartupTimeout: a.opts.StartupTimeout,
		OnEvent: func(event *protocol.EventMessage) {
			a.logger.Debug().
				Str("correlation_id", action.CorrelationID).
				Str("level", event.Level).
				Msg(event.Message)
		},
	})
	if err != nil {
		return engine.FailedWith(engine.NewConfigError("invalid runner configuration", err))
	}

	if err := c.Start(ctx); err != nil {
		return runnerFailure(ctx, "failed to start runner", err)
	}
	defer a.close(ctx, c)

	params, err := json.Marshal(protocol.InvokeParams{
		Action:  action.Name,
		Params:  action.Params,
		Handler: a.opts.Handler,
		WorkDir: a.opts.WorkDir,
		Env:     a.opts.Env,
	})
	if err != nil {
		return engine.FailedWith(engine.NewAdapterError("failed to encode invoke params", err))
	}

	done, err := c.Execute(ctx, &protocol.CommandMessage{
		ID:            sessionID,
		Type:          protocol.CommandTypeInvoke,
		CorrelationID: action.CorrelationID,
		Timeout:       commandTimeout(ctx, a.opts.StartupTimeout),
		Params:        params,
	})
	if err != nil {
		return runnerFailure(ctx, "runner command failed", err)
	}

	var result protocol.InvokeResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		return engine.FailedWith(engine.NewAdapterError("invalid runner result", err))
	}
	if result.ExitCode != 0 {
		msg := fmt.Sprintf("handler exited with status %d", result.ExitCode)
		if stderr := strings.TrimSpace(result.Stderr); stderr != "" {
			msg += ": " + stderr
		}
		return engine.Failed(engine.FailureAdapter, msg)
	}
	if result.Output == nil {
		result.Output = map[string]interface{}{}
	}
	return engine.Succeeded(result.Output)
}

// close ends the session even when ctx is already done.
func (a *runnerAdapter) close(ctx context.Context, c *client.Client) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	exit, err := c.Close(closeCtx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("runner cleanup failed")
		return
	}
	if exit != nil {
		a.logger.Debug().
			Str("reason", exit.Reason).
			Bool("self_deleted", exit.SelfDeleted).
			Msg("runner exited")
	}
}

// Close disconnects the SSH client of remote runners.
func (a *runnerAdapter) Close(context.Context) error {
	if a.ssh == nil {
		return nil
	}
	return a.ssh.Disconnect()
}

// commandTimeout converts the remaining deadline to whole seconds, at least
// one.
func commandTimeout(ctx context.Context, fallback time.Duration) int {
	remaining := fallback
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}
	if remaining <= 0 {
		remaining = 10 * time.Second
	}
	return max(1, int(math.Ceil(remaining.Seconds())))
}

func runnerFailure(ctx context.Context, msg string, err error) engine.Outcome {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return engine.FailedWith(ctxErr)
	}
	adapterErr := engine.NewAdapterError(msg, err)

	var runnerErr *client.RunnerError
	var transportErr *ssh.TransportError
	switch {
	case errors.As(err, &runnerErr):
		adapterErr = adapterErr.WithCode(runnerErr.Code).WithRetryable(runnerErr.Retryable)
	case errors.As(err, &transportErr):
		adapterErr = adapterErr.WithRetryable(transportErr.Temporary())
	}
	return engine.FailedWith(adapterErr)
}
