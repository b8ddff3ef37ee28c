package types

import "fmt"

// ConnectivityError means the target could not be reached or refused
// authentication. Fatal; only the initial connect probe retries it,
// with bounded backoff.
type ConnectivityError struct {
	Target string
	Cause  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("target %s unreachable: %v", e.Target, e.Cause)
}

func (e *ConnectivityError) Unwrap() error { return e.Cause }

// SourceReason distinguishes why source was unavailable so callers can
// decide whether a retry makes sense.
type SourceReason string

const (
	// SourceReasonAuth covers bad credentials and unknown branches;
	// retrying without operator action cannot succeed.
	SourceReasonAuth SourceReason = "auth"

	// SourceReasonNetwork covers transient transport failures.
	SourceReasonNetwork SourceReason = "network"
)

// SourceUnavailableError means the application source could not be
// fetched. Fatal, never retried automatically.
type SourceUnavailableError struct {
	Repository string // redacted URL, safe for logs
	Reason     SourceReason
	Cause      error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable (%s): %v", e.Repository, e.Reason, e.Cause)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Cause }

// UnsupportedPlatformError means no known package manager was found on
// the target. Fatal, no retry.
type UnsupportedPlatformError struct {
	Target string
	Probed []string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("no supported package manager on %s (probed %v)", e.Target, e.Probed)
}

// CommandError means a remote or local command exited nonzero and the
// caller did not mark it best-effort.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %q exited %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("command %q exited %d", e.Command, e.ExitCode)
}

// ReleaseValidationError means the new container failed its liveness
// probe. Self-healing: the temporary container is removed and the old
// release, if any, keeps serving.
type ReleaseValidationError struct {
	Release string
	Cause   error
}

func (e *ReleaseValidationError) Error() string {
	return fmt.Sprintf("release %s failed liveness probe: %v", e.Release, e.Cause)
}

func (e *ReleaseValidationError) Unwrap() error { return e.Cause }

// ProxyConfigError means the proxy rejected the generated configuration.
// Self-healing: the previous fragment is restored and the proxy is not
// reloaded, so the prior route stays live.
type ProxyConfigError struct {
	App   string
	Cause error
}

func (e *ProxyConfigError) Error() string {
	return fmt.Sprintf("proxy config for %s rejected: %v", e.App, e.Cause)
}

func (e *ProxyConfigError) Unwrap() error { return e.Cause }

// ConcurrentDeploymentError means another run holds the deployment lock
// for the same (target, directory) pair. Fatal, immediate, no remote
// state was mutated.
type ConcurrentDeploymentError struct {
	Target string
	Dir    string
}

func (e *ConcurrentDeploymentError) Error() string {
	return fmt.Sprintf("deployment to %s:%s already in progress", e.Target, e.Dir)
}
