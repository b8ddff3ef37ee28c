package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/moored/moor/pkg/log"
	"github.com/moored/moor/pkg/transport"
	"github.com/moored/moor/pkg/types"
)

// packageManagers is the fixed probe preference order.
var packageManagers = []types.PackageManager{
	types.PackageManagerApt,
	types.PackageManagerDnf,
	types.PackageManagerYum,
}

// installCommands maps a package manager to the install command for
// each required package set.
var installCommands = map[types.PackageManager]struct {
	runtime string
	compose string
	proxy   string
}{
	types.PackageManagerApt: {
		runtime: "sudo -n apt-get update -y && sudo -n apt-get install -y docker.io",
		compose: "sudo -n apt-get install -y docker-compose-v2",
		proxy:   "sudo -n apt-get install -y nginx",
	},
	types.PackageManagerDnf: {
		runtime: "sudo -n dnf install -y docker",
		compose: "sudo -n dnf install -y docker-compose-plugin",
		proxy:   "sudo -n dnf install -y nginx",
	},
	types.PackageManagerYum: {
		runtime: "sudo -n yum install -y docker",
		compose: "sudo -n yum install -y docker-compose-plugin",
		proxy:   "sudo -n yum install -y nginx",
	},
}

// installTimeout bounds each package installation. Package mirrors can
// be slow; this is deliberately generous.
const installTimeout = 10 * time.Minute

// Provisioner ensures the container runtime, compose tool, and proxy
// service exist and run on a target. Every step checks before it
// installs, so repeated runs are fast and a version pinned by the
// operator is never clobbered.
type Provisioner struct {
	runner transport.Runner
	target types.Target
	logger zerolog.Logger
}

// New creates a provisioner for the target.
func New(runner transport.Runner, target types.Target) *Provisioner {
	return &Provisioner{
		runner: runner,
		target: target,
		logger: log.WithComponent("provision"),
	}
}

// Ensure makes the target ready to build and serve containers.
func (p *Provisioner) Ensure(ctx context.Context) (*types.ProvisionReport, error) {
	pm, err := p.detectPackageManager(ctx)
	if err != nil {
		return nil, err
	}
	p.logger.Info().Str("package_manager", string(pm)).Msg("detected package manager")

	report := &types.ProvisionReport{PackageManager: pm, GroupMembershipOK: true}
	cmds := installCommands[pm]

	report.InstalledRuntime, err = p.ensureBinary(ctx, "docker", cmds.runtime)
	if err != nil {
		return nil, fmt.Errorf("ensuring container runtime: %w", err)
	}
	if err := p.enableService(ctx, "docker"); err != nil {
		return nil, err
	}

	report.InstalledCompose, err = p.ensureCompose(ctx, cmds.compose)
	if err != nil {
		return nil, fmt.Errorf("ensuring compose tool: %w", err)
	}

	report.InstalledProxy, err = p.ensureBinary(ctx, "nginx", cmds.proxy)
	if err != nil {
		return nil, fmt.Errorf("ensuring proxy service: %w", err)
	}
	if err := p.enableService(ctx, "nginx"); err != nil {
		return nil, err
	}

	report.GroupMembershipOK = p.ensureGroupMembership(ctx)

	return report, nil
}

// detectPackageManager probes for known package managers in preference
// order.
func (p *Provisioner) detectPackageManager(ctx context.Context) (types.PackageManager, error) {
	for _, pm := range packageManagers {
		res, err := p.runner.Run(ctx, fmt.Sprintf("command -v %s", pm), transport.Options{
			BestEffort: true,
			Timeout:    30 * time.Second,
		})
		if err != nil {
			return "", err
		}
		if res.ExitCode == 0 {
			return pm, nil
		}
	}

	probed := make([]string, len(packageManagers))
	for i, pm := range packageManagers {
		probed[i] = string(pm)
	}
	return "", &types.UnsupportedPlatformError{Target: p.target.String(), Probed: probed}
}

// ensureBinary installs via installCmd only when binary is absent.
// Returns whether an installation happened.
func (p *Provisioner) ensureBinary(ctx context.Context, binary, installCmd string) (bool, error) {
	res, err := p.runner.Run(ctx, fmt.Sprintf("command -v %s", binary), transport.Options{
		BestEffort: true,
		Timeout:    30 * time.Second,
	})
	if err != nil {
		return false, err
	}
	if res.ExitCode == 0 {
		p.logger.Debug().Str("binary", binary).Msg("already installed")
		return false, nil
	}

	p.logger.Info().Str("binary", binary).Msg("installing")
	if _, err := p.runner.Run(ctx, installCmd, transport.Options{Timeout: installTimeout}); err != nil {
		return false, err
	}
	return true, nil
}

// ensureCompose checks the compose plugin through the docker CLI since
// it does not ship a standalone binary.
func (p *Provisioner) ensureCompose(ctx context.Context, installCmd string) (bool, error) {
	res, err := p.runner.Run(ctx, "docker compose version", transport.Options{
		BestEffort: true,
		Timeout:    30 * time.Second,
	})
	if err != nil {
		return false, err
	}
	if res.ExitCode == 0 {
		return false, nil
	}

	p.logger.Info().Msg("installing compose plugin")
	if _, err := p.runner.Run(ctx, installCmd, transport.Options{Timeout: installTimeout}); err != nil {
		return false, err
	}
	return true, nil
}

// enableService enables and starts a systemd unit. The command is
// idempotent on an already-running unit.
func (p *Provisioner) enableService(ctx context.Context, unit string) error {
	_, err := p.runner.Run(ctx, fmt.Sprintf("sudo -n systemctl enable --now %s", unit), transport.Options{
		Timeout: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("enabling %s service: %w", unit, err)
	}
	return nil
}

// ensureGroupMembership adds the deployment user to the docker group if
// not already a member. Best-effort: a failure is logged and reported
// but not fatal, since the runtime commands fall back to sudo.
func (p *Provisioner) ensureGroupMembership(ctx context.Context) bool {
	res, err := p.runner.Run(ctx, "id -nG | grep -qw docker", transport.Options{
		BestEffort: true,
		Timeout:    30 * time.Second,
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("checking docker group membership failed")
		return false
	}
	if res.ExitCode == 0 {
		return true
	}

	res, err = p.runner.Run(ctx, fmt.Sprintf("sudo -n usermod -aG docker %s", p.target.User), transport.Options{
		BestEffort: true,
		Timeout:    30 * time.Second,
	})
	if err != nil || res.ExitCode != 0 {
		p.logger.Warn().Str("user", p.target.User).Msg("could not add user to docker group")
		return false
	}
	return true
}
