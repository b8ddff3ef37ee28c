package transport

import (
	"context"
	"io"
	"time"

	"github.com/moored/moor/pkg/metrics"
	"github.com/moored/moor/pkg/types"
)

// Result is the outcome of one executed command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Options controls how a single command is executed.
type Options struct {
	// Timeout bounds the command's execution time. Zero means
	// DefaultCommandTimeout.
	Timeout time.Duration

	// Input is streamed to the command's stdin when non-nil.
	Input io.Reader

	// BestEffort suppresses the CommandError on nonzero exit. The
	// Result still carries the real exit code. This replaces blanket
	// error suppression with a per-command, reviewable choice.
	BestEffort bool
}

// Runner executes commands against a target, local or remote.
type Runner interface {
	// Run executes command through the target's shell and returns its
	// exit status and captured output. A nonzero exit yields a
	// *types.CommandError unless opts.BestEffort is set. The context
	// is honored: an expired context aborts the command channel.
	Run(ctx context.Context, command string, opts Options) (Result, error)

	// Close releases the underlying channel, if any.
	Close() error
}

// DefaultCommandTimeout bounds commands whose Options carry no timeout.
// Remote steps must never hang a run indefinitely.
const DefaultCommandTimeout = 5 * time.Minute

// observeCommand counts an executed command for the transport metrics.
// A nonzero exit downgraded by BestEffort still counts as failed.
func observeCommand(err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	metrics.CommandsTotal.WithLabelValues(status).Inc()
}

// ProbeConfig bounds the connectivity probe retry loop.
type ProbeConfig struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultProbeConfig retries enough to ride out a transient network
// hiccup without stalling an unreachable target for long.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{Attempts: 3, Backoff: 2 * time.Second}
}

// Probe verifies the runner can reach its target by executing a no-op
// command, retrying with linear backoff. Transient connect failures are
// the only condition in the system that gets automatic retry at this
// layer.
func Probe(ctx context.Context, r Runner, target string, cfg ProbeConfig) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return &types.ConnectivityError{Target: target, Cause: ctx.Err()}
			case <-time.After(time.Duration(attempt-1) * cfg.Backoff):
			}
		}

		_, err := r.Run(ctx, "true", Options{Timeout: 15 * time.Second})
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return &types.ConnectivityError{Target: target, Cause: lastErr}
}
