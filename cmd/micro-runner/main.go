// Package main implements the pathrunner micro-runner binary.
// This is a minimal, self-contained, static binary that executes
// commands received via JSON-over-stdio and self-deletes on exit.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openfroyo/pathrunner/pkg/micro_runner/protocol"
	"github.com/openfroyo/pathrunner/pkg/micro_runner/runner"
)

var version = "1.0.0"

func main() {
	ttl := flag.Duration("ttl", 10*time.Minute, "maximum runner lifetime")
	keep := flag.Bool("keep", false, "do not delete the binary on exit")
	shell := flag.String("shell", "/bin/sh", "shell used for commands and handlers")
	flag.Parse()

	opts := runner.Options{
		Version: version,
		TTL:     *ttl,
		Shell:   *shell,
	}

	if !*keep {
		execPath, err := os.Executable()
		if err != nil {
			encoder := protocol.NewEncoder(os.Stdout)
			_ = encoder.EncodeError(&protocol.ErrorMessage{
				Code:    protocol.ErrCodeInitFailed,
				Message: "failed to get executable path: " + err.Error(),
			})
			os.Exit(1)
		}
		opts.SelfPath = execPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	exit := runner.New(os.Stdin, os.Stdout, opts).Serve(ctx)
	stop()
	os.Exit(exit.ExitCode)
}
