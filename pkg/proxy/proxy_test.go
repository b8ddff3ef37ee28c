package proxy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moored/moor/pkg/transport/transporttest"
	"github.com/moored/moor/pkg/types"
)

var testRoute = types.ProxyRoute{
	AppName:      "app",
	ServerName:   "example.com",
	UpstreamPort: 8080,
}

func TestRender_SingleServerBlock(t *testing.T) {
	fragment, err := Render(testRoute)
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(fragment, "server {"), "exactly one server block per app")
	assert.Contains(t, fragment, "listen 80;")
	assert.Contains(t, fragment, "server_name example.com;")
	assert.Contains(t, fragment, "proxy_pass http://127.0.0.1:8080;")
}

func TestConfigure_WriteValidateReload(t *testing.T) {
	// Fresh app: no existing fragment
	fake := transporttest.New().
		Fail("test -f /etc/nginx/conf.d/app.conf", 1, "")

	c := New(fake)
	err := c.Configure(context.Background(), testRoute)
	require.NoError(t, err)

	cmds := fake.Commands()

	teeIdx, testIdx, reloadIdx := -1, -1, -1
	for i, cmd := range cmds {
		switch {
		case strings.Contains(cmd, "tee /etc/nginx/conf.d/app.conf"):
			teeIdx = i
		case strings.Contains(cmd, "nginx -t"):
			testIdx = i
		case strings.Contains(cmd, "systemctl reload nginx"):
			reloadIdx = i
		}
	}

	require.GreaterOrEqual(t, teeIdx, 0)
	require.GreaterOrEqual(t, testIdx, 0)
	require.GreaterOrEqual(t, reloadIdx, 0)
	assert.Less(t, teeIdx, testIdx, "fragment written before validation")
	assert.Less(t, testIdx, reloadIdx, "validation gates the reload")

	// The rendered fragment travels over stdin
	assert.Contains(t, fake.Calls[teeIdx].Input, "server_name example.com;")
}

func TestConfigure_ValidationFailureRestoresPrevious(t *testing.T) {
	// Existing fragment, new one rejected by nginx -t
	fake := transporttest.New().
		Fail("nginx -t", 1, `nginx: configuration file /etc/nginx/nginx.conf test failed`)

	c := New(fake)
	err := c.Configure(context.Background(), testRoute)
	require.Error(t, err)

	var proxyErr *types.ProxyConfigError
	require.True(t, errors.As(err, &proxyErr))
	assert.Equal(t, "app", proxyErr.App)

	assert.True(t, fake.Ran("cp /etc/nginx/conf.d/app.conf /etc/nginx/conf.d/app.conf.prev"))
	assert.True(t, fake.Ran("mv /etc/nginx/conf.d/app.conf.prev /etc/nginx/conf.d/app.conf"))
	assert.False(t, fake.Ran("systemctl reload nginx"), "reload must not happen on invalid config")
}

func TestConfigure_ValidationFailureWithoutPriorRouteRemovesFragment(t *testing.T) {
	fake := transporttest.New().
		Fail("test -f /etc/nginx/conf.d/app.conf", 1, "").
		Fail("nginx -t", 1, "test failed")

	c := New(fake)
	err := c.Configure(context.Background(), testRoute)
	require.Error(t, err)

	assert.True(t, fake.Ran("rm -f /etc/nginx/conf.d/app.conf"))
	assert.False(t, fake.Ran("systemctl reload nginx"))
}

func TestConfigure_WriteFailureRestoresPrevious(t *testing.T) {
	// Existing fragment, write of the new one fails mid-stream: the
	// truncated file must not be left behind for the next restart
	fake := transporttest.New().
		Fail("tee /etc/nginx/conf.d/app.conf", 1, "no space left on device")

	c := New(fake)
	err := c.Configure(context.Background(), testRoute)
	require.Error(t, err)

	assert.True(t, fake.Ran("mv /etc/nginx/conf.d/app.conf.prev /etc/nginx/conf.d/app.conf"))
	assert.False(t, fake.Ran("nginx -t"), "nothing to validate after a failed write")
	assert.False(t, fake.Ran("systemctl reload nginx"))
}

func TestConfigure_ReloadFailure(t *testing.T) {
	fake := transporttest.New().
		Fail("test -f", 1, "").
		Fail("systemctl reload nginx", 1, "job failed")

	c := New(fake)
	err := c.Configure(context.Background(), testRoute)
	require.Error(t, err)

	var proxyErr *types.ProxyConfigError
	assert.True(t, errors.As(err, &proxyErr))
}

func TestConfigure_RedeployOverwritesRoute(t *testing.T) {
	// Existing fragment present: it is backed up, overwritten, and the
	// backup discarded after a clean reload
	fake := transporttest.New()

	c := New(fake)
	err := c.Configure(context.Background(), testRoute)
	require.NoError(t, err)

	assert.True(t, fake.Ran("cp /etc/nginx/conf.d/app.conf /etc/nginx/conf.d/app.conf.prev"))
	assert.True(t, fake.Ran("rm -f /etc/nginx/conf.d/app.conf.prev"))
}
