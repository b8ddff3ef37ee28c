// Package types defines the shared data model of a moor deployment run.
//
// The core objects mirror the lifecycle of a run: a DeploymentRequest is
// validated into an immutable description of what to deploy, a Target
// names the host, a WorkingTree is the local checkout, a
// ContainerRelease is the running instance on the target and a
// ProxyRoute is the external route pointing at it.
//
// The package also carries the deployment stage machine (Stage, Stages,
// ExitCodeFor) and the error taxonomy shared by every component:
//
//   - ConnectivityError: target unreachable or auth failed
//   - SourceUnavailableError: fetch failed (auth vs network reasons)
//   - UnsupportedPlatformError: no known package manager
//   - CommandError: command exited nonzero without best-effort opt-in
//   - ReleaseValidationError: new container failed its liveness probe
//   - ProxyConfigError: proxy rejected the generated configuration
//   - ConcurrentDeploymentError: deployment lock already held
//
// Errors are plain structs with Unwrap support so callers use errors.As
// to branch on cause.
package types
