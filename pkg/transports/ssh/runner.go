package ssh

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// RunnerTransport places and starts the micro-runner on a remote host over an
// existing Client.
type RunnerTransport struct {
	Client *Client
	// Args are appended to the runner command line.
	Args string

	mu      sync.Mutex
	process *Process
}

// Upload copies the runner binary over SFTP.
func (t *RunnerTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := t.Client.Connect(ctx); err != nil {
		return err
	}
	return t.Client.Upload(ctx, localPath, remotePath, 0o755)
}

// Execute starts the uploaded runner.
func (t *RunnerTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	cmd := remotePath
	if t.Args != "" {
		cmd = fmt.Sprintf("%s %s", remotePath, t.Args)
	}

	process, err := t.Client.Start(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}

	t.mu.Lock()
	t.process = process
	t.mu.Unlock()
	return process.Stdin, io.NopCloser(process.Stdout), nil
}

// Cleanup ends the runner session and removes the binary if the runner did
// not delete itself.
func (t *RunnerTransport) Cleanup(ctx context.Context, remotePath string) error {
	t.mu.Lock()
	process := t.process
	t.process = nil
	t.mu.Unlock()

	if process != nil {
		_ = process.Close()
	}
	if !t.Client.IsConnected() {
		return nil
	}
	return t.Client.Remove(ctx, remotePath)
}
