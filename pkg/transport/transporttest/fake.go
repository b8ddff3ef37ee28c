// Package transporttest provides a scripted in-memory Runner for
// component tests, so remote protocols can be exercised without a host.
package transporttest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/moored/moor/pkg/transport"
	"github.com/moored/moor/pkg/types"
)

// Call records one executed command.
type Call struct {
	Command string
	Input   string
}

type rule struct {
	match func(string) bool
	res   transport.Result
	err   error
}

// Fake is a Runner that answers commands from scripted rules, recording
// every call. Rules are matched in registration order; unmatched
// commands succeed with empty output, mirroring the quiet success of
// most shell plumbing.
type Fake struct {
	mu    sync.Mutex
	rules []rule

	// Calls holds every command in execution order.
	Calls []Call

	// Closed reports whether Close was called.
	Closed bool
}

// New creates an empty fake runner.
func New() *Fake {
	return &Fake{}
}

// On scripts a response for any command containing substr.
func (f *Fake) On(substr string, res transport.Result, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{
		match: func(cmd string) bool { return strings.Contains(cmd, substr) },
		res:   res,
		err:   err,
	})
	return f
}

// OnFunc scripts a response for any command the matcher accepts.
func (f *Fake) OnFunc(match func(string) bool, res transport.Result, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{match: match, res: res, err: err})
	return f
}

// Fail scripts a nonzero exit for any command containing substr. The
// resulting error follows the Runner contract: a *types.CommandError
// unless the caller passed BestEffort.
func (f *Fake) Fail(substr string, exitCode int, stderr string) *Fake {
	return f.On(substr, transport.Result{ExitCode: exitCode, Stderr: stderr}, nil)
}

// Run implements transport.Runner.
func (f *Fake) Run(ctx context.Context, command string, opts transport.Options) (transport.Result, error) {
	if err := ctx.Err(); err != nil {
		return transport.Result{}, err
	}

	call := Call{Command: command}
	if opts.Input != nil {
		data, _ := io.ReadAll(opts.Input)
		call.Input = string(data)
	}

	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	rules := f.rules
	f.mu.Unlock()

	for _, r := range rules {
		if !r.match(command) {
			continue
		}
		if r.err != nil {
			return r.res, r.err
		}
		if r.res.ExitCode != 0 && !opts.BestEffort {
			return r.res, &types.CommandError{
				Command:  command,
				ExitCode: r.res.ExitCode,
				Stderr:   r.res.Stderr,
			}
		}
		return r.res, nil
	}

	return transport.Result{}, nil
}

// Close implements transport.Runner.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Commands returns just the command strings, in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		cmds[i] = c.Command
	}
	return cmds
}

// Ran reports whether any executed command contains substr.
func (f *Fake) Ran(substr string) bool {
	for _, c := range f.Commands() {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}
