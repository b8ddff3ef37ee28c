package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/moored/moor/pkg/types"
)

// DefaultConnectTimeout bounds SSH channel establishment.
const DefaultConnectTimeout = 10 * time.Second

// SSH executes commands on a remote target over a single SSH
// connection, one session per command. Authentication is key-based
// only: there is no password or keyboard-interactive fallback, so an
// auth failure surfaces immediately instead of hanging on a prompt.
type SSH struct {
	target         types.Target
	connectTimeout time.Duration
	client         *ssh.Client
}

// NewSSH creates a remote runner for the target. The connection is
// established lazily on the first Run or by Probe.
func NewSSH(target types.Target) *SSH {
	return &SSH{
		target:         target,
		connectTimeout: DefaultConnectTimeout,
	}
}

// WithConnectTimeout overrides the connection establishment timeout.
func (s *SSH) WithConnectTimeout(d time.Duration) *SSH {
	s.connectTimeout = d
	return s
}

func (s *SSH) connect() error {
	if s.client != nil {
		return nil
	}

	keyData, err := os.ReadFile(s.target.AuthKeyPath)
	if err != nil {
		return &types.ConnectivityError{
			Target: s.target.String(),
			Cause:  fmt.Errorf("reading auth key: %w", err),
		}
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return &types.ConnectivityError{
			Target: s.target.String(),
			Cause:  fmt.Errorf("parsing auth key: %w", err),
		}
	}

	addr := s.target.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	cfg := &ssh.ClientConfig{
		User:    s.target.User,
		Auth:    []ssh.AuthMethod{ssh.PublicKeys(signer)},
		Timeout: s.connectTimeout,
		// Fresh cloud hosts have unknown host keys; pinning is the
		// operator's job via known_hosts once the fleet stabilizes.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return &types.ConnectivityError{Target: s.target.String(), Cause: err}
	}

	s.client = client
	return nil
}

// Run executes command on the remote target.
func (s *SSH) Run(ctx context.Context, command string, opts Options) (Result, error) {
	if err := s.connect(); err != nil {
		return Result{}, err
	}

	session, err := s.client.NewSession()
	if err != nil {
		// Connection went away between commands; reconnect once.
		s.client.Close()
		s.client = nil
		if err := s.connect(); err != nil {
			return Result{}, err
		}
		session, err = s.client.NewSession()
		if err != nil {
			return Result{}, &types.ConnectivityError{Target: s.target.String(), Cause: err}
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if opts.Input != nil {
		session.Stdin = opts.Input
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		// Closing the session tears down the channel; the remote
		// process may keep running, which is deliberate for operator
		// aborts but means timeouts should be generous.
		session.Close()
		<-done
		return Result{}, fmt.Errorf("command %q on %s: %w", command, s.target, ctx.Err())
	}

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	observeCommand(err)

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			if opts.BestEffort {
				return res, nil
			}
			return res, &types.CommandError{
				Command:  command,
				ExitCode: res.ExitCode,
				Stderr:   res.Stderr,
			}
		}
		return res, &types.ConnectivityError{Target: s.target.String(), Cause: err}
	}

	return res, nil
}

// Close tears down the SSH connection.
func (s *SSH) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
