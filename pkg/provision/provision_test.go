package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moored/moor/pkg/transport"
	"github.com/moored/moor/pkg/transport/transporttest"
	"github.com/moored/moor/pkg/types"
)

var testTarget = types.Target{User: "deploy", Address: "203.0.113.10"}

func TestEnsure_FreshTarget(t *testing.T) {
	fake := transporttest.New().
		Fail("command -v docker", 1, "").
		Fail("docker compose version", 127, "").
		Fail("command -v nginx", 1, "").
		Fail("id -nG", 1, "")
	// apt-get probe and everything else succeeds by default

	p := New(fake, testTarget)
	report, err := p.Ensure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.PackageManagerApt, report.PackageManager)
	assert.True(t, report.InstalledRuntime)
	assert.True(t, report.InstalledCompose)
	assert.True(t, report.InstalledProxy)
	assert.True(t, report.GroupMembershipOK)

	assert.True(t, fake.Ran("apt-get install -y docker.io"))
	assert.True(t, fake.Ran("systemctl enable --now docker"))
	assert.True(t, fake.Ran("apt-get install -y nginx"))
	assert.True(t, fake.Ran("systemctl enable --now nginx"))
	assert.True(t, fake.Ran("usermod -aG docker deploy"))
}

func TestEnsure_AlreadyProvisioned(t *testing.T) {
	// Every probe succeeds: nothing gets installed
	fake := transporttest.New()

	p := New(fake, testTarget)
	report, err := p.Ensure(context.Background())
	require.NoError(t, err)

	assert.False(t, report.InstalledRuntime)
	assert.False(t, report.InstalledCompose)
	assert.False(t, report.InstalledProxy)
	assert.True(t, report.GroupMembershipOK)

	assert.False(t, fake.Ran("install -y"), "no install command should run when binaries exist")
}

func TestEnsure_PackageManagerPreferenceOrder(t *testing.T) {
	// apt-get missing, dnf present: dnf must win before yum is probed
	fake := transporttest.New().
		Fail("command -v apt-get", 1, "")

	p := New(fake, testTarget)
	report, err := p.Ensure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.PackageManagerDnf, report.PackageManager)
	assert.False(t, fake.Ran("command -v yum"))
}

func TestEnsure_UnsupportedPlatform(t *testing.T) {
	fake := transporttest.New().
		Fail("command -v apt-get", 1, "").
		Fail("command -v dnf", 1, "").
		Fail("command -v yum", 1, "")

	p := New(fake, testTarget)
	_, err := p.Ensure(context.Background())
	require.Error(t, err)

	var platErr *types.UnsupportedPlatformError
	require.True(t, errors.As(err, &platErr))
	assert.Equal(t, []string{"apt-get", "dnf", "yum"}, platErr.Probed)
	assert.Contains(t, platErr.Target, "deploy@")
}

func TestEnsure_InstallFailureIsFatal(t *testing.T) {
	fake := transporttest.New().
		Fail("command -v docker", 1, "").
		Fail("apt-get update", 100, "mirror unreachable")

	p := New(fake, testTarget)
	_, err := p.Ensure(context.Background())
	require.Error(t, err)

	var cmdErr *types.CommandError
	assert.True(t, errors.As(err, &cmdErr))
}

func TestEnsure_GroupMembershipFailureIsNonFatal(t *testing.T) {
	fake := transporttest.New().
		Fail("id -nG", 1, "").
		Fail("usermod", 1, "permission denied")

	p := New(fake, testTarget)
	report, err := p.Ensure(context.Background())
	require.NoError(t, err)

	assert.False(t, report.GroupMembershipOK)
}

func TestEnsure_ConnectivityLossPropagates(t *testing.T) {
	connErr := &types.ConnectivityError{Target: "deploy@203.0.113.10", Cause: errors.New("broken pipe")}
	fake := transporttest.New().
		On("systemctl enable --now docker", transport.Result{}, connErr)

	p := New(fake, testTarget)
	_, err := p.Ensure(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, connErr)
}
