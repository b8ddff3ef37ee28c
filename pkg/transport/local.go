package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/moored/moor/pkg/types"
)

// Local executes commands through the local shell. Used for the fetch
// stage and for targeting the machine moor itself runs on.
type Local struct {
	// Shell is the interpreter used to run commands (default: /bin/sh)
	Shell string
}

// NewLocal creates a local shell runner.
func NewLocal() *Local {
	return &Local{Shell: "/bin/sh"}
}

// Run executes command via the local shell.
func (l *Local) Run(ctx context.Context, command string, opts Options) (Result, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := l.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	// Kill the whole process group on expiry: killing only the shell
	// leaves children holding the output pipes, and Run would block on
	// them until they exit on their own
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second
	if opts.Input != nil {
		cmd.Stdin = opts.Input
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	observeCommand(err)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("command %q: %w", command, ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if opts.BestEffort {
				return res, nil
			}
			return res, &types.CommandError{
				Command:  command,
				ExitCode: res.ExitCode,
				Stderr:   res.Stderr,
			}
		}
		// Command never ran (context expired, interpreter missing)
		return res, err
	}

	return res, nil
}

// Close is a no-op for the local runner.
func (l *Local) Close() error { return nil }
