package release

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moored/moor/pkg/health"
	"github.com/moored/moor/pkg/transport"
	"github.com/moored/moor/pkg/transport/transporttest"
	"github.com/moored/moor/pkg/types"
)

var testImage = types.ImageRef{Name: "app", Tag: "abc123"}

func newManager(fake *transporttest.Fake) *Manager {
	m := New(fake)
	m.Probe = health.Config{Interval: time.Millisecond, Retries: 2}
	return m
}

// fakeWithCandidatePort scripts the docker port lookup for the
// candidate container.
func fakeWithCandidatePort() *transporttest.Fake {
	return transporttest.New().
		On("port app-candidate 80", transport.Result{Stdout: "127.0.0.1:49153\n"}, nil)
}

func commandIndex(cmds []string, substr string) int {
	for i, c := range cmds {
		if strings.Contains(c, substr) {
			return i
		}
	}
	return -1
}

func TestRelease_FreshTarget(t *testing.T) {
	fake := fakeWithCandidatePort()

	rel, err := newManager(fake).Release(context.Background(), testImage, "app", 8080)
	require.NoError(t, err)

	assert.Equal(t, "app", rel.Name)
	assert.Equal(t, 8080, rel.Port)
	assert.False(t, rel.ReplacedPrevious)

	assert.True(t, fake.Ran("run -d --name app-candidate -p 127.0.0.1::80 app:abc123"))
	assert.True(t, fake.Ran("http://127.0.0.1:49153/"))
	assert.True(t, fake.Ran("rm -f app-candidate"))
	assert.True(t, fake.Ran("run -d --name app --restart unless-stopped -p 8080:80 app:abc123"))
	assert.True(t, fake.Ran("http://127.0.0.1:8080/"))
	assert.False(t, fake.Ran("stop app"), "no previous release to stop")
}

func TestRelease_ReplacesPrevious(t *testing.T) {
	fake := fakeWithCandidatePort().
		On("ps -q --filter name=^app$", transport.Result{Stdout: "d34db33f\n"}, nil)

	rel, err := newManager(fake).Release(context.Background(), testImage, "app", 8080)
	require.NoError(t, err)
	assert.True(t, rel.ReplacedPrevious)

	cmds := fake.Commands()

	// The old release must keep serving until the candidate proved
	// healthy: probe strictly precedes stop
	probeIdx := commandIndex(cmds, "http://127.0.0.1:49153/")
	stopIdx := commandIndex(cmds, "docker stop app")
	require.GreaterOrEqual(t, probeIdx, 0)
	require.GreaterOrEqual(t, stopIdx, 0)
	assert.Less(t, probeIdx, stopIdx)

	assert.True(t, fake.Ran("rename app app-previous"))
	assert.True(t, fake.Ran("rm -f app-previous"))
}

func TestRelease_CandidateProbeFailureLeavesPreviousUntouched(t *testing.T) {
	fake := transporttest.New().
		On("ps -q --filter name=^app$", transport.Result{Stdout: "d34db33f\n"}, nil).
		On("port app-candidate 80", transport.Result{Stdout: "127.0.0.1:49153\n"}, nil).
		Fail("http://127.0.0.1:49153/", 7, "connection refused")

	_, err := newManager(fake).Release(context.Background(), testImage, "app", 8080)
	require.Error(t, err)

	var relErr *types.ReleaseValidationError
	require.True(t, errors.As(err, &relErr))
	assert.Equal(t, "app", relErr.Release)

	assert.True(t, fake.Ran("rm -f app-candidate"), "failed candidate must be removed")
	assert.False(t, fake.Ran("docker stop app"), "previous release must not be stopped")
	assert.False(t, fake.Ran("rename app app-previous"))
	assert.False(t, fake.Ran("--restart unless-stopped"), "canonical container must not start")
}

func TestRelease_FailedSwapRestoresPrevious(t *testing.T) {
	fake := fakeWithCandidatePort().
		On("ps -q --filter name=^app$", transport.Result{Stdout: "d34db33f\n"}, nil).
		Fail("run -d --name app --restart", 125, "port is already allocated")

	_, err := newManager(fake).Release(context.Background(), testImage, "app", 8080)
	require.Error(t, err)

	var relErr *types.ReleaseValidationError
	require.True(t, errors.As(err, &relErr))

	assert.True(t, fake.Ran("rename app-previous app"))
	assert.True(t, fake.Ran("docker start app"))
}

func TestRelease_FailedParkRestartsPrevious(t *testing.T) {
	fake := fakeWithCandidatePort().
		On("ps -q --filter name=^app$", transport.Result{Stdout: "d34db33f\n"}, nil).
		Fail("rename app app-previous", 1, "container app is being removed")

	_, err := newManager(fake).Release(context.Background(), testImage, "app", 8080)
	require.Error(t, err)

	var relErr *types.ReleaseValidationError
	require.True(t, errors.As(err, &relErr))

	// The stopped release still holds the canonical name and must be
	// brought back; the host would otherwise serve nothing
	cmds := fake.Commands()
	stopIdx := commandIndex(cmds, "docker stop app")
	startIdx := commandIndex(cmds, "docker start app")
	require.GreaterOrEqual(t, stopIdx, 0)
	require.GreaterOrEqual(t, startIdx, 0)
	assert.Less(t, stopIdx, startIdx)
	assert.False(t, fake.Ran("--restart unless-stopped"), "canonical container must not start after a failed park")
}

func TestRelease_FinalProbeFailureRollsBack(t *testing.T) {
	fake := fakeWithCandidatePort().
		On("ps -q --filter name=^app$", transport.Result{Stdout: "d34db33f\n"}, nil).
		Fail("http://127.0.0.1:8080/", 7, "connection refused")

	_, err := newManager(fake).Release(context.Background(), testImage, "app", 8080)
	require.Error(t, err)

	var relErr *types.ReleaseValidationError
	require.True(t, errors.As(err, &relErr))

	// The broken canonical container is removed, then the previous
	// release is restored: never two instances, never zero
	assert.True(t, fake.Ran("rm -f app"))
	assert.True(t, fake.Ran("rename app-previous app"))
	assert.True(t, fake.Ran("docker start app"))
}

func TestRelease_CleansStaleArtifactsFirst(t *testing.T) {
	fake := fakeWithCandidatePort()

	_, err := newManager(fake).Release(context.Background(), testImage, "app", 8080)
	require.NoError(t, err)

	cmds := fake.Commands()
	assert.Equal(t, 0, commandIndex(cmds, "rm -f app-candidate"))
	assert.Equal(t, 1, commandIndex(cmds, "rm -f app-previous"))
}

func TestPublishedPort_ParsesDualStackOutput(t *testing.T) {
	fake := transporttest.New().
		On("port app-candidate 80", transport.Result{Stdout: "0.0.0.0:32768\n[::]:32768\n"}, nil)

	m := newManager(fake)
	port, err := m.publishedPort(context.Background(), "app-candidate")
	require.NoError(t, err)
	assert.Equal(t, 32768, port)
}
