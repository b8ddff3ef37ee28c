package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/moored/moor/pkg/build"
	"github.com/moored/moor/pkg/config"
	"github.com/moored/moor/pkg/fetch"
	"github.com/moored/moor/pkg/health"
	"github.com/moored/moor/pkg/log"
	"github.com/moored/moor/pkg/metrics"
	"github.com/moored/moor/pkg/provision"
	"github.com/moored/moor/pkg/proxy"
	"github.com/moored/moor/pkg/release"
	"github.com/moored/moor/pkg/store"
	"github.com/moored/moor/pkg/transport"
	"github.com/moored/moor/pkg/types"
)

// lockDirName is the exclusive lock directory created inside the
// remote application directory. mkdir is atomic on the remote
// filesystem, which makes it the mutual-exclusion primitive.
const lockDirName = ".moor.lock"

const transferTimeout = 10 * time.Minute

// Report is the outcome of one orchestration run.
type Report struct {
	RunID string

	// Stage is the last successfully completed stage
	Stage types.Stage

	// FailedStage is the stage that was being attempted when the run
	// failed (empty on success)
	FailedStage types.Stage

	// Err is the terminal failure (nil on success)
	Err error

	// Endpoint is the external URL serving the app on success
	Endpoint string

	// PreviousLive reports whether a prior release is still serving
	// after a failure: the operator's blast radius
	PreviousLive bool

	// ExitCode is the process exit code for calling automation
	ExitCode int
}

// Orchestrator sequences a deployment run through its stages:
// Init, Validated, Fetched, Provisioned, Transferred, Built, Released,
// ProxyConfigured, Verified, with Failed reachable from any of them.
// Each transition is attempted once; only the connectivity probe and
// the release liveness probe retry, with bounded backoff.
type Orchestrator struct {
	cfg     config.Config
	fetcher *fetch.Fetcher
	history *store.Store
	logger  zerolog.Logger

	// NewRunner builds the transport for a target. Overridable in
	// tests to script the remote side.
	NewRunner func(types.Target) transport.Runner

	// ProbeConfig bounds the connectivity probe
	ProbeConfig transport.ProbeConfig

	// ReleaseProbe bounds the post-start liveness probe
	ReleaseProbe health.Config
}

// New creates an orchestrator. The history store may be nil, in which
// case runs are not recorded.
func New(cfg config.Config, history *store.Store) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		fetcher: fetch.New(cfg.CacheDir),
		history: history,
		logger:  log.WithComponent("orchestrator"),
		NewRunner: func(t types.Target) transport.Runner {
			return transport.NewSSH(t)
		},
		ProbeConfig:  transport.DefaultProbeConfig(),
		ReleaseProbe: health.DefaultConfig(),
	}
}

// Deploy executes the full run. It always returns a Report; Report.Err
// is nil only when the terminal stage Verified was reached.
func (o *Orchestrator) Deploy(ctx context.Context) *Report {
	req := o.cfg.Request
	target := types.Target{
		User:        req.TargetUser,
		Address:     req.TargetHost,
		AuthKeyPath: req.AuthKeyPath,
	}

	rep := &Report{
		RunID: uuid.NewString(),
		Stage: types.StageInit,
	}
	run := &store.Run{
		ID:        rep.RunID,
		Request:   req,
		StartedAt: time.Now(),
		Stage:     types.StageInit,
		Outcome:   store.OutcomeRunning,
	}
	o.saveRun(run)
	o.record(rep.RunID, types.StageInit, "run started")

	logger := o.logger.With().Str("run_id", rep.RunID).Str("target", target.String()).Logger()
	logger.Info().Str("repository", req.RepositoryURL).Str("branch", req.Branch).Msg("starting deployment")

	runner := o.NewRunner(target)
	defer runner.Close()

	// Validated: request shape plus a connectivity probe, before any
	// mutating step
	err := o.step(ctx, rep, run, types.StageValidated, func(ctx context.Context) error {
		if err := req.Validate(); err != nil {
			return err
		}
		return transport.Probe(ctx, runner, target.String(), o.ProbeConfig)
	})
	if err != nil {
		return o.finish(rep, run, err)
	}

	// The lock guards everything from fetch onward. A concurrent run
	// for the same (target, directory) pair fails here, before any
	// remote state is touched.
	locked, err := o.acquireLock(ctx, runner, req.RemoteDir)
	if err != nil {
		return o.finish(rep, run, err)
	}
	if !locked {
		return o.finish(rep, run, &types.ConcurrentDeploymentError{
			Target: target.String(),
			Dir:    req.RemoteDir,
		})
	}
	defer o.releaseLock(runner, req.RemoteDir)

	var tree *types.WorkingTree
	err = o.step(ctx, rep, run, types.StageFetched, func(ctx context.Context) error {
		var err error
		tree, err = o.fetcher.Fetch(ctx, req)
		return err
	})
	if err != nil {
		return o.finish(rep, run, err)
	}
	defer o.cleanupTree(tree)

	err = o.step(ctx, rep, run, types.StageProvisioned, func(ctx context.Context) error {
		report, err := provision.New(runner, target).Ensure(ctx)
		if err != nil {
			return err
		}
		if !report.GroupMembershipOK {
			logger.Warn().Msg("docker group membership not granted, relying on sudo fallback")
		}
		return nil
	})
	if err != nil {
		return o.finish(rep, run, err)
	}

	builder := build.New(runner)
	err = o.step(ctx, rep, run, types.StageTransferred, func(ctx context.Context) error {
		if _, err := builder.EnsureDefinition(tree); err != nil {
			return err
		}
		return o.transfer(ctx, runner, tree, req.RemoteDir)
	})
	if err != nil {
		return o.finish(rep, run, err)
	}

	image := build.ImageRef(req.AppName(), tree.Revision)
	err = o.step(ctx, rep, run, types.StageBuilt, func(ctx context.Context) error {
		_, err := builder.Build(ctx, req.RemoteDir, image)
		return err
	})
	if err != nil {
		return o.finish(rep, run, err)
	}

	releaser := release.New(runner)
	releaser.Probe = o.ReleaseProbe
	var rel *types.ContainerRelease
	err = o.step(ctx, rep, run, types.StageReleased, func(ctx context.Context) error {
		var err error
		rel, err = releaser.Release(ctx, image, req.AppName(), req.ContainerPort)
		return err
	})
	if err != nil {
		// A validation failure restored the previous release; report
		// whether one is actually serving so the operator knows the
		// blast radius
		rep.PreviousLive = o.previousLive(runner, req.AppName())
		return o.finish(rep, run, err)
	}
	logger.Info().Bool("replaced_previous", rel.ReplacedPrevious).Msg("release swapped in")

	err = o.step(ctx, rep, run, types.StageProxyConfigure, func(ctx context.Context) error {
		return proxy.New(runner).Configure(ctx, types.ProxyRoute{
			AppName:      req.AppName(),
			ServerName:   req.ServerName,
			UpstreamPort: req.ContainerPort,
		})
	})
	if err != nil {
		rep.PreviousLive = true // the new release is serving on its port
		return o.finish(rep, run, err)
	}

	err = o.step(ctx, rep, run, types.StageVerified, func(ctx context.Context) error {
		if err := o.verify(ctx, runner, req.ServerName); err != nil {
			return err
		}
		if o.cfg.VerifyExternal {
			return verifyExternal(ctx, fmt.Sprintf("http://%s/", req.ServerName), o.ReleaseProbe)
		}
		return nil
	})
	if err != nil {
		rep.PreviousLive = true
		return o.finish(rep, run, err)
	}

	rep.Endpoint = fmt.Sprintf("http://%s/", req.ServerName)
	return o.finish(rep, run, nil)
}

// step runs one stage transition: cancellation check, execution,
// metrics, history.
func (o *Orchestrator) step(ctx context.Context, rep *Report, run *store.Run, stage types.Stage, fn func(context.Context) error) error {
	// Cancellation is honored between stages, never mid-command
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	err := fn(ctx)
	metrics.ObserveStage(string(stage), time.Since(start))

	if err != nil {
		metrics.StageFailuresTotal.WithLabelValues(string(stage)).Inc()
		rep.FailedStage = stage
		o.record(run.ID, types.StageFailed, fmt.Sprintf("%s: %v", stage, err))
		return err
	}

	rep.Stage = stage
	run.Stage = stage
	o.saveRun(run)
	o.record(run.ID, stage, "")
	return nil
}

func (o *Orchestrator) finish(rep *Report, run *store.Run, err error) *Report {
	run.EndedAt = time.Now()
	run.PreviousLive = rep.PreviousLive

	if err == nil {
		run.Outcome = store.OutcomeSucceeded
		run.Endpoint = rep.Endpoint
		rep.ExitCode = types.ExitOK
		metrics.DeploysTotal.WithLabelValues(string(store.OutcomeSucceeded)).Inc()
		o.saveRun(run)
		o.logger.Info().Str("run_id", run.ID).Str("endpoint", rep.Endpoint).Msg("deployment verified")
		return rep
	}

	rep.Err = err
	rep.ExitCode = exitCode(rep.FailedStage, err)
	run.Outcome = store.OutcomeFailed
	run.Error = err.Error()
	metrics.DeploysTotal.WithLabelValues(string(store.OutcomeFailed)).Inc()
	o.saveRun(run)

	o.logger.Error().Err(err).
		Str("run_id", run.ID).
		Str("failed_stage", string(rep.FailedStage)).
		Str("last_stage", string(rep.Stage)).
		Bool("previous_live", rep.PreviousLive).
		Msg("deployment failed")
	return rep
}

// exitCode maps a failure onto the per-stage exit code contract. Error
// type wins over stage for the causes that have their own code.
func exitCode(failedStage types.Stage, err error) int {
	var (
		connErr   *types.ConnectivityError
		srcErr    *types.SourceUnavailableError
		platErr   *types.UnsupportedPlatformError
		relErr    *types.ReleaseValidationError
		proxyErr  *types.ProxyConfigError
		lockedErr *types.ConcurrentDeploymentError
	)
	switch {
	case errors.As(err, &lockedErr):
		return types.ExitLocked
	case errors.As(err, &connErr):
		return types.ExitConnectivity
	case errors.As(err, &srcErr):
		return types.ExitFetch
	case errors.As(err, &platErr):
		return types.ExitProvision
	case errors.As(err, &relErr):
		return types.ExitRelease
	case errors.As(err, &proxyErr):
		return types.ExitProxy
	default:
		return types.ExitCodeFor(failedStage)
	}
}

// acquireLock atomically creates the lock directory inside the remote
// application directory. Returns false when another run holds it.
func (o *Orchestrator) acquireLock(ctx context.Context, runner transport.Runner, remoteDir string) (bool, error) {
	cmd := fmt.Sprintf("mkdir -p %s && mkdir %s/%s", remoteDir, remoteDir, lockDirName)
	res, err := runner.Run(ctx, cmd, transport.Options{BestEffort: true, Timeout: time.Minute})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (o *Orchestrator) releaseLock(runner transport.Runner, remoteDir string) {
	// Release runs even after failure: the lock guards a run, not a
	// failed state. Background context since the run's context may
	// already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, err := runner.Run(ctx, fmt.Sprintf("rm -rf %s/%s", remoteDir, lockDirName), transport.Options{
		BestEffort: true,
		Timeout:    time.Minute,
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("releasing deployment lock failed")
	}
}

// transfer replaces the remote application directory's contents with
// the working tree, streamed as a gzipped tar over the command channel.
// Prior contents are removed first so stale files never leak into the
// new image; the lock directory survives the sweep.
func (o *Orchestrator) transfer(ctx context.Context, runner transport.Runner, tree *types.WorkingTree, remoteDir string) error {
	o.logger.Info().Str("tree", tree.Path).Str("remote_dir", remoteDir).Msg("transferring working tree")

	stream, errCh := tarTree(tree.Path)
	cmd := fmt.Sprintf(
		"find %s -mindepth 1 -maxdepth 1 ! -name %s -exec rm -rf {} + && tar -xzf - -C %s",
		remoteDir, lockDirName, remoteDir,
	)
	if _, err := runner.Run(ctx, cmd, transport.Options{Timeout: transferTimeout, Input: stream}); err != nil {
		// Unblock the archiving goroutine if the command died before
		// consuming the whole stream
		stream.CloseWithError(err)
		<-errCh
		return fmt.Errorf("transferring working tree: %w", err)
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("archiving working tree: %w", err)
	}
	return nil
}

// verify exercises the full path through the proxy from the target's
// loopback, with the Host header the proxy routes on.
func (o *Orchestrator) verify(ctx context.Context, runner transport.Runner, serverName string) error {
	cmd := fmt.Sprintf("curl -sf -o /dev/null -H 'Host: %s' http://127.0.0.1/", serverName)
	checker := health.NewCommandChecker(runner, cmd)
	return health.Wait(ctx, checker, health.Config{Interval: 2 * time.Second, Retries: 3})
}

// verifyExternal exercises the route from this machine, the way a
// client would reach it: a TCP connect to the proxy port first, so a
// firewalled host is reported as unreachable rather than as an HTTP
// client error, then an HTTP probe through the proxy.
func verifyExternal(ctx context.Context, endpoint string, cfg health.Config) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parsing endpoint %s: %w", endpoint, err)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "80")
	}
	if err := health.Wait(ctx, health.NewTCPChecker(addr), cfg); err != nil {
		return fmt.Errorf("endpoint %s: %w", addr, err)
	}
	if err := health.Wait(ctx, health.NewHTTPChecker(endpoint), cfg); err != nil {
		return fmt.Errorf("endpoint %s: %w", endpoint, err)
	}
	return nil
}

// previousLive checks whether a release is serving under the canonical
// name after a failed swap. Best-effort: on doubt, report false rather
// than promise a live release that is not there.
func (o *Orchestrator) previousLive(runner transport.Runner, name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := runner.Run(ctx, fmt.Sprintf("sudo -n docker ps -q --filter name=^%s$", name), transport.Options{
		BestEffort: true,
		Timeout:    time.Minute,
	})
	if err != nil {
		return false
	}
	return len(res.Stdout) > 0 && res.ExitCode == 0
}

func (o *Orchestrator) cleanupTree(tree *types.WorkingTree) {
	if o.cfg.KeepTree || tree == nil {
		return
	}
	if err := os.RemoveAll(tree.Path); err != nil {
		o.logger.Warn().Err(err).Str("path", tree.Path).Msg("removing working tree failed")
	}
}

func (o *Orchestrator) saveRun(run *store.Run) {
	if o.history == nil {
		return
	}
	if err := o.history.SaveRun(run); err != nil {
		o.logger.Warn().Err(err).Msg("recording run failed")
	}
}

func (o *Orchestrator) record(runID string, stage types.Stage, message string) {
	if o.history == nil {
		return
	}
	err := o.history.AppendTransition(&store.Transition{
		RunID:   runID,
		Stage:   stage,
		At:      time.Now(),
		Message: message,
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("recording stage transition failed")
	}
}
