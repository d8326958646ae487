// Package runner implements the micro-runner command loop. It reads CMD
// messages from an input stream, runs them through the handlers and writes
// EVENT, DONE, ERROR and EXIT messages back.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/openfroyo/pathrunner/pkg/micro_runner/handlers"
	"github.com/openfroyo/pathrunner/pkg/micro_runner/protocol"
)

// CorrelationEnvVar carries the command's correlation id to invoke handlers.
const CorrelationEnvVar = "PATHRUNNER_CORRELATION_ID"

// Exit reasons reported in the EXIT message.
const (
	ReasonStdinClosed = "stdin_closed"
	ReasonTTLExpired  = "ttl_expired"
	ReasonCancelled   = "cancelled"
	ReasonError       = "error"
)

// Options configures a runner.
type Options struct {
	Version string
	// TTL bounds the runner lifetime. Zero means no limit.
	TTL time.Duration
	// Shell runs shell commands and invoke handlers. Defaults to /bin/sh.
	Shell string
	// SelfPath is removed before the EXIT message is sent when non-empty.
	SelfPath string
}

type decoded struct {
	msg *protocol.Message
	err error
}

// Runner serves one protocol session.
type Runner struct {
	opts     Options
	encoder  *protocol.Encoder
	decoder  *protocol.Decoder
	commands int
}

// New creates a runner reading commands from in and writing messages to out.
func New(in io.Reader, out io.Writer, opts Options) *Runner {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	return &Runner{
		opts:    opts,
		encoder: protocol.NewEncoder(out),
		decoder: protocol.NewDecoder(in),
	}
}

// Serve sends READY, processes commands until the input closes, the TTL
// expires or ctx ends, and finishes with an EXIT message.
func (r *Runner) Serve(ctx context.Context) *protocol.ExitMessage {
	if r.opts.TTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.TTL)
		defer cancel()
	}

	if err := r.sendReady(); err != nil {
		return r.exit(ReasonError, 1)
	}

	// Decoding blocks on the input, so it runs apart from the loop to keep the
	// TTL and cancellation responsive.
	msgs := make(chan decoded)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			msg, err := r.decoder.Decode()
			select {
			case msgs <- decoded{msg: msg, err: err}:
			case <-stop:
				return
			}
			if err != nil && !errors.Is(err, protocol.ErrMalformed) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return r.exit(ReasonTTLExpired, 0)
			}
			return r.exit(ReasonCancelled, 0)

		case d := <-msgs:
			switch {
			case d.err == nil:
				r.handleMessage(ctx, d.msg)
			case errors.Is(d.err, io.EOF):
				return r.exit(ReasonStdinClosed, 0)
			case errors.Is(d.err, protocol.ErrMalformed):
				r.sendError("", protocol.ErrCodeBadCommand, d.err.Error(), false)
			default:
				return r.exit(ReasonError, 1)
			}
		}
	}
}

func (r *Runner) sendReady() error {
	return r.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:  r.opts.Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps: map[string]bool{
			string(protocol.CommandTypeExec):   true,
			string(protocol.CommandTypeInvoke): true,
		},
		Metadata: map[string]string{
			"ttl": r.opts.TTL.String(),
		},
	})
}

func (r *Runner) handleMessage(ctx context.Context, msg *protocol.Message) {
	if msg.Type != protocol.MessageTypeCommand {
		r.sendError("", protocol.ErrCodeBadCommand, fmt.Sprintf("expected CMD message, got %s", msg.Type), false)
		return
	}

	var cmd protocol.CommandMessage
	if err := msg.Into(&cmd); err != nil {
		r.sendError("", protocol.ErrCodeBadCommand, err.Error(), false)
		return
	}
	if err := cmd.Validate(); err != nil {
		r.sendError(cmd.ID, protocol.ErrCodeBadCommand, err.Error(), false)
		return
	}

	r.commands++
	r.runCommand(ctx, &cmd)
}

func (r *Runner) runCommand(ctx context.Context, cmd *protocol.CommandMessage) {
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	eventCh := make(chan *protocol.EventMessage, 16)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for evt := range eventCh {
			_ = r.encoder.EncodeEvent(evt)
		}
	}()

	start := time.Now()
	result, code, err := r.dispatch(cmdCtx, cmd, eventCh)
	duration := time.Since(start).Seconds()

	// Events for a command always precede its DONE or ERROR.
	close(eventCh)
	<-drained

	if err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			r.sendError(cmd.ID, protocol.ErrCodeCommandTimeout, err.Error(), true)
			return
		}
		r.sendError(cmd.ID, code, err.Error(), false)
		return
	}

	_ = r.encoder.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  duration,
	})
}

func (r *Runner) dispatch(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (json.RawMessage, string, error) {
	switch cmd.Type {
	case protocol.CommandTypeExec:
		var params protocol.ExecParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, protocol.ErrCodeBadCommand, err
		}
		if params.Shell == "" {
			params.Shell = r.opts.Shell
		}
		result, err := (&handlers.ExecHandler{}).Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, protocol.ErrCodeExecFailed, err
		}
		raw, err := json.Marshal(result)
		return raw, protocol.ErrCodeExecFailed, err

	case protocol.CommandTypeInvoke:
		var params protocol.InvokeParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, protocol.ErrCodeBadCommand, err
		}
		if cmd.CorrelationID != "" {
			if params.Env == nil {
				params.Env = make(map[string]string, 1)
			}
			params.Env[CorrelationEnvVar] = cmd.CorrelationID
		}
		result, err := (&handlers.InvokeHandler{Shell: r.opts.Shell}).Handle(ctx, cmd.ID, &params, eventCh)
		if err != nil {
			return nil, protocol.ErrCodeHandlerFailed, err
		}
		raw, err := json.Marshal(result)
		return raw, protocol.ErrCodeHandlerFailed, err

	default:
		return nil, protocol.ErrCodeBadCommand, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

func (r *Runner) sendError(cmdID, code, message string, retryable bool) {
	_ = r.encoder.EncodeError(&protocol.ErrorMessage{
		CommandID: cmdID,
		Code:      code,
		Message:   message,
		Retryable: retryable,
	})
}

func (r *Runner) exit(reason string, exitCode int) *protocol.ExitMessage {
	msg := &protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: r.commands,
	}
	if r.opts.SelfPath != "" {
		if err := os.Remove(r.opts.SelfPath); err == nil {
			msg.SelfDeleted = true
		}
	}
	_ = r.encoder.EncodeExit(msg)
	return msg
}
