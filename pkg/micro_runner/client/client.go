// Package client provides a client library for communicating with the micro-runner.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openfroyo/pathrunner/pkg/micro_runner/protocol"
)

// Transport uploads, starts and removes the runner.
type Transport interface {
	// Upload places the runner binary at remotePath.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the runner process and returns its stdin and stdout.
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup stops the runner if needed and removes the binary.
	Cleanup(ctx context.Context, remotePath string) error
}

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client is closed")

// ErrRunnerExited is returned when the runner exits while a command is pending.
var ErrRunnerExited = errors.New("runner exited")

// RunnerError is an ERROR message reported by the runner for a command.
type RunnerError struct {
	CommandID string
	Code      string
	Message   string
	Retryable bool
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("command %s failed: %s - %s", e.CommandID, e.Code, e.Message)
}

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	RunnerPath     string // local runner binary
	RemotePath     string // where the transport places it
	StartupTimeout time.Duration
	// ExitTimeout bounds how long Close waits for the EXIT message.
	ExitTimeout time.Duration
	// OnEvent receives EVENT messages. It must not block.
	OnEvent func(*protocol.EventMessage)
}

// Client manages communication with a micro-runner instance. Commands are
// executed one at a time.
type Client struct {
	cfg     Config
	encoder *protocol.Encoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser

	msgs    chan *protocol.Message
	done    chan struct{}
	readErr error
	exitMsg *protocol.ExitMessage

	callMu sync.Mutex
	mu     sync.Mutex
	ready  *protocol.ReadyMessage
	closed bool
}

// NewClient creates a new micro-runner client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.RunnerPath == "" {
		return nil, fmt.Errorf("runner path is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = "/tmp/pathrunner-micro-runner"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = 5 * time.Second
	}
	return &Client{cfg: cfg}, nil
}

// Start uploads the runner, starts it and waits for READY.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.ready != nil {
		return nil
	}

	if err := c.cfg.Transport.Upload(ctx, c.cfg.RunnerPath, c.cfg.RemotePath); err != nil {
		return fmt.Errorf("failed to upload runner: %w", err)
	}

	stdin, stdout, err := c.cfg.Transport.Execute(ctx, c.cfg.RemotePath)
	if err != nil {
		_ = c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath)
		return fmt.Errorf("failed to start runner: %w", err)
	}

	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.msgs = make(chan *protocol.Message, 16)
	c.done = make(chan struct{})
	go c.readLoop(protocol.NewDecoder(stdout))

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	select {
	case <-readyCtx.Done():
		c.abort(ctx)
		return fmt.Errorf("timeout waiting for READY message: %w", readyCtx.Err())
	case msg, ok := <-c.msgs:
		if !ok {
			c.abort(ctx)
			return fmt.Errorf("failed to receive READY: %w", c.readErr)
		}
		if msg.Type != protocol.MessageTypeReady {
			c.abort(ctx)
			return fmt.Errorf("expected READY, got %s", msg.Type)
		}
		var ready protocol.ReadyMessage
		if err := msg.Into(&ready); err != nil {
			c.abort(ctx)
			return fmt.Errorf("failed to receive READY: %w", err)
		}
		c.ready = &ready
		return nil
	}
}

// readLoop forwards decoded messages until the stream ends. EXIT is recorded
// rather than forwarded.
func (c *Client) readLoop(dec *protocol.Decoder) {
	defer close(c.msgs)
	for {
		msg, err := dec.Decode()
		if errors.Is(err, protocol.ErrMalformed) {
			continue
		}
		if err != nil {
			c.readErr = err
			return
		}
		if msg.Type == protocol.MessageTypeExit {
			var exit protocol.ExitMessage
			if msg.Into(&exit) == nil {
				c.exitMsg = &exit
			}
			c.readErr = ErrRunnerExited
			return
		}
		select {
		case c.msgs <- msg:
		case <-c.done:
			c.readErr = ErrClosed
			return
		}
	}
}

// Execute sends a command and waits for its DONE or ERROR. When ctx ends
// first the command keeps running on the runner and its late reply is
// discarded by the next call.
func (c *Client) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	closed, started := c.closed, c.ready != nil
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !started {
		return nil, fmt.Errorf("runner not started")
	}

	if err := c.encoder.EncodeCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-c.msgs:
			if !ok {
				return nil, fmt.Errorf("failed to read response: %w", c.readErr)
			}
			done, matched, err := c.handleReply(cmd.ID, msg)
			if matched {
				return done, err
			}
		}
	}
}

func (c *Client) handleReply(cmdID string, msg *protocol.Message) (*protocol.DoneMessage, bool, error) {
	switch msg.Type {
	case protocol.MessageTypeEvent:
		var event protocol.EventMessage
		if msg.Into(&event) == nil && event.CommandID == cmdID && c.cfg.OnEvent != nil {
			c.cfg.OnEvent(&event)
		}
		return nil, false, nil

	case protocol.MessageTypeDone:
		var done protocol.DoneMessage
		if err := msg.Into(&done); err != nil {
			return nil, true, fmt.Errorf("failed to parse done: %w", err)
		}
		if done.CommandID != cmdID {
			return nil, false, nil
		}
		return &done, true, nil

	case protocol.MessageTypeError:
		var errMsg protocol.ErrorMessage
		if err := msg.Into(&errMsg); err != nil {
			return nil, true, fmt.Errorf("failed to parse error: %w", err)
		}
		if errMsg.CommandID != cmdID {
			return nil, false, nil
		}
		return nil, true, &RunnerError{
			CommandID: errMsg.CommandID,
			Code:      errMsg.Code,
			Message:   errMsg.Message,
			Retryable: errMsg.Retryable,
		}

	default:
		return nil, false, nil
	}
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close closes the runner input, waits briefly for EXIT and cleans up through
// the transport. It returns the EXIT message when one arrived.
func (c *Client) Close(ctx context.Context) (*protocol.ExitMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil
	}
	c.closed = true
	started := c.stdin != nil
	c.mu.Unlock()

	if !started {
		return nil, nil
	}

	var errs []error
	if err := c.stdin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
	}

	var exit *protocol.ExitMessage
	timer := time.NewTimer(c.cfg.ExitTimeout)
	defer timer.Stop()
wait:
	for {
		select {
		case _, ok := <-c.msgs:
			if !ok {
				exit = c.exitMsg
				break wait
			}
		case <-timer.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	close(c.done)
	if err := c.stdout.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
	}
	if err := c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath); err != nil {
		errs = append(errs, fmt.Errorf("failed to clean up runner: %w", err))
	}

	return exit, errors.Join(errs...)
}

// abort tears down a runner that failed to start. The client cannot be
// restarted afterwards.
func (c *Client) abort(ctx context.Context) {
	c.closed = true
	close(c.done)
	_ = c.stdin.Close()
	_ = c.stdout.Close()
	_ = c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath)
	c.stdin = nil
}
