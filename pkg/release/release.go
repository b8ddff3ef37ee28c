package release

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/moored/moor/pkg/health"
	"github.com/moored/moor/pkg/log"
	"github.com/moored/moor/pkg/transport"
	"github.com/moored/moor/pkg/types"
)

// Manager transitions a target from its current release to a new image
// without ever leaving the host serving nothing. The naive order (stop
// old, then build and start new) is replaced by candidate validation:
//
//  1. Start a candidate container from the new image on an ephemeral
//     port and probe it for liveness within a bounded window.
//  2. Only after the candidate proves healthy, park the old release
//     and start the new image under the canonical name on the real
//     port, probing again.
//  3. On any failure after the old release was parked, restore it.
//
// The old release keeps serving during candidate validation, so a bad
// image costs nothing but the probe window.
type Manager struct {
	runner transport.Runner
	logger zerolog.Logger

	// Probe bounds the liveness probe retry window
	Probe health.Config
}

// New creates a release manager for the target runner.
func New(runner transport.Runner) *Manager {
	return &Manager{
		runner: runner,
		logger: log.WithComponent("release"),
		Probe:  health.DefaultConfig(),
	}
}

const dockerTimeout = 2 * time.Minute

func candidateName(name string) string { return name + "-candidate" }
func parkedName(name string) string    { return name + "-previous" }

// Release swaps the target to image under the canonical name, published
// on port. The name must be unique per target; callers deploying
// multiple applications use distinct remote directories.
func (m *Manager) Release(ctx context.Context, image types.ImageRef, name string, port int) (*types.ContainerRelease, error) {
	// Remove leftovers from a previously aborted run
	m.remove(ctx, candidateName(name))
	m.remove(ctx, parkedName(name))

	hadPrevious, err := m.isRunning(ctx, name)
	if err != nil {
		return nil, err
	}

	if err := m.validateCandidate(ctx, image, name); err != nil {
		return nil, err
	}

	if hadPrevious {
		m.logger.Info().Str("release", name).Msg("parking previous release")
		if _, err := m.docker(ctx, fmt.Sprintf("stop %s", name)); err != nil {
			return nil, fmt.Errorf("stopping previous release: %w", err)
		}
		if _, err := m.docker(ctx, fmt.Sprintf("rename %s %s", name, parkedName(name))); err != nil {
			// The stopped release still holds the canonical name; bring
			// it back rather than leave the host serving nothing
			m.logger.Warn().Str("release", name).Msg("parking failed, restarting previous release")
			m.dockerBestEffort(ctx, fmt.Sprintf("start %s", name))
			return nil, &types.ReleaseValidationError{
				Release: name,
				Cause:   fmt.Errorf("parking previous release: %w", err),
			}
		}
	}

	startCmd := fmt.Sprintf("run -d --name %s --restart unless-stopped -p %d:80 %s", name, port, image)
	if _, err := m.docker(ctx, startCmd); err != nil {
		// A failed run can still leave a created container holding the
		// canonical name
		m.remove(ctx, name)
		m.rollback(ctx, name, hadPrevious)
		return nil, &types.ReleaseValidationError{Release: name, Cause: err}
	}

	if err := m.probe(ctx, port); err != nil {
		m.remove(ctx, name)
		m.rollback(ctx, name, hadPrevious)
		return nil, &types.ReleaseValidationError{Release: name, Cause: err}
	}

	if hadPrevious {
		m.remove(ctx, parkedName(name))
	}

	m.logger.Info().Str("release", name).Str("image", image.String()).Int("port", port).Msg("release live")
	return &types.ContainerRelease{
		Name:             name,
		Image:            image,
		Port:             port,
		StartedAt:        time.Now(),
		ReplacedPrevious: hadPrevious,
	}, nil
}

// validateCandidate starts the new image on an ephemeral port and
// probes it while the old release, if any, keeps serving. The candidate
// is always removed afterwards; it exists only to prove the image runs.
func (m *Manager) validateCandidate(ctx context.Context, image types.ImageRef, name string) error {
	cand := candidateName(name)

	m.logger.Info().Str("image", image.String()).Msg("validating candidate")
	runCmd := fmt.Sprintf("run -d --name %s -p 127.0.0.1::80 %s", cand, image)
	if _, err := m.docker(ctx, runCmd); err != nil {
		return &types.ReleaseValidationError{Release: name, Cause: err}
	}

	stagingPort, err := m.publishedPort(ctx, cand)
	if err != nil {
		m.remove(ctx, cand)
		return &types.ReleaseValidationError{Release: name, Cause: err}
	}

	probeErr := m.probe(ctx, stagingPort)
	m.remove(ctx, cand)
	if probeErr != nil {
		return &types.ReleaseValidationError{Release: name, Cause: probeErr}
	}
	return nil
}

// rollback restores the parked release after a failed swap. Best-effort
// throughout: the host is already degraded and partial restoration
// beats none.
func (m *Manager) rollback(ctx context.Context, name string, hadPrevious bool) {
	if !hadPrevious {
		return
	}
	m.logger.Warn().Str("release", name).Msg("swap failed, restoring previous release")
	m.dockerBestEffort(ctx, fmt.Sprintf("rename %s %s", parkedName(name), name))
	m.dockerBestEffort(ctx, fmt.Sprintf("start %s", name))
}

// probe waits for the container published on port to answer HTTP on
// the target's loopback. Probing from the target itself keeps the
// check independent of external firewalling.
func (m *Manager) probe(ctx context.Context, port int) error {
	checker := health.NewCommandChecker(m.runner,
		fmt.Sprintf("curl -sf -o /dev/null http://127.0.0.1:%d/", port))
	return health.Wait(ctx, checker, m.Probe)
}

// publishedPort resolves the host port docker assigned to the
// container's port 80.
func (m *Manager) publishedPort(ctx context.Context, container string) (int, error) {
	res, err := m.docker(ctx, fmt.Sprintf("port %s 80", container))
	if err != nil {
		return 0, err
	}

	// Output looks like "127.0.0.1:49153", possibly with an extra
	// line for the v6 binding
	line := strings.TrimSpace(res.Stdout)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	idx := strings.LastIndexByte(line, ':')
	if idx < 0 {
		return 0, fmt.Errorf("unexpected docker port output %q", res.Stdout)
	}

	var port int
	if _, err := fmt.Sscanf(line[idx+1:], "%d", &port); err != nil {
		return 0, fmt.Errorf("parsing published port from %q: %w", res.Stdout, err)
	}
	return port, nil
}

// isRunning reports whether a container with exactly this name is
// currently running.
func (m *Manager) isRunning(ctx context.Context, name string) (bool, error) {
	res, err := m.docker(ctx, fmt.Sprintf("ps -q --filter name=^%s$", name))
	if err != nil {
		return false, fmt.Errorf("inspecting current release: %w", err)
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

// remove force-removes a container, tolerating its absence.
func (m *Manager) remove(ctx context.Context, name string) {
	m.dockerBestEffort(ctx, fmt.Sprintf("rm -f %s", name))
}

func (m *Manager) docker(ctx context.Context, args string) (transport.Result, error) {
	return m.runner.Run(ctx, "sudo -n docker "+args, transport.Options{Timeout: dockerTimeout})
}

func (m *Manager) dockerBestEffort(ctx context.Context, args string) {
	_, err := m.runner.Run(ctx, "sudo -n docker "+args, transport.Options{
		Timeout:    dockerTimeout,
		BestEffort: true,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("args", args).Msg("best-effort docker command failed to run")
	}
}
