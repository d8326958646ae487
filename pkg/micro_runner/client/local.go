package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"time"
)

const defaultKillAfter = 5 * time.Second

// LocalTransport runs the micro-runner as a child process on this host.
type LocalTransport struct {
	// Args are passed to the runner binary.
	Args []string
	// KillAfter bounds how long Cleanup waits for the process to exit.
	KillAfter time.Duration

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Upload copies the runner binary to remotePath and makes it executable.
func (t *LocalTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open runner binary: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(remotePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy runner binary: %w", err)
	}
	return dst.Close()
}

// Execute starts the runner. The process outlives ctx and is stopped by
// Cleanup.
func (t *LocalTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cmd := exec.Command(remotePath, t.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", remotePath, err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.mu.Unlock()
	return stdin, stdout, nil
}

// Cleanup stops the runner if it is still running and removes the binary
// unless the runner already deleted itself.
func (t *LocalTransport) Cleanup(ctx context.Context, remotePath string) error {
	t.mu.Lock()
	cmd := t.cmd
	t.cmd = nil
	t.mu.Unlock()

	if cmd != nil {
		waited := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(waited)
		}()
		killAfter := t.KillAfter
		if killAfter <= 0 {
			killAfter = defaultKillAfter
		}
		timer := time.NewTimer(killAfter)
		defer timer.Stop()

		select {
		case <-waited:
		case <-timer.C:
			_ = cmd.Process.Kill()
			<-waited
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-waited
		}
	}

	if err := os.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", remotePath, err)
	}
	return nil
}
