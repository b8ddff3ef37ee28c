package health

import (
	"context"
	"fmt"
	"time"

	"github.com/moored/moor/pkg/transport"
)

// CommandChecker probes by running a command through a transport
// Runner. Used when the published port is not reachable from the
// operator's machine (firewalled targets): the probe then runs on the
// target itself, e.g. "curl -sf -o /dev/null http://localhost:8080".
type CommandChecker struct {
	// Runner executes the probe command on the target
	Runner transport.Runner

	// Command is the shell command whose zero exit means healthy
	Command string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration
}

// NewCommandChecker creates a command health checker.
func NewCommandChecker(runner transport.Runner, command string) *CommandChecker {
	return &CommandChecker{
		Runner:  runner,
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check performs the command health check
func (c *CommandChecker) Check(ctx context.Context) Result {
	start := time.Now()

	res, err := c.Runner.Run(ctx, c.Command, transport.Options{
		Timeout:    c.Timeout,
		BestEffort: true,
	})
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("probe command failed to run: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	if res.ExitCode != 0 {
		msg := fmt.Sprintf("probe command exited %d", res.ExitCode)
		if res.Stderr != "" {
			msg = fmt.Sprintf("%s: %s", msg, res.Stderr)
		}
		return Result{
			Healthy:   false,
			Message:   msg,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   "probe command succeeded",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (c *CommandChecker) Type() CheckType {
	return CheckTypeCommand
}

// WithTimeout sets the execution timeout
func (c *CommandChecker) WithTimeout(timeout time.Duration) *CommandChecker {
	c.Timeout = timeout
	return c
}
