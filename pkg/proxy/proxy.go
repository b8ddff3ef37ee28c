package proxy

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/moored/moor/pkg/log"
	"github.com/moored/moor/pkg/transport"
	"github.com/moored/moor/pkg/types"
)

// DefaultConfDir is nginx's include directory for per-app fragments.
const DefaultConfDir = "/etc/nginx/conf.d"

// fragmentTemplate renders one server block per application, routing
// the external server name to the release's published port.
var fragmentTemplate = template.Must(template.New("fragment").Parse(`# managed by moor, app {{.AppName}}
server {
    listen 80;
    server_name {{.ServerName}};

    location / {
        proxy_pass http://127.0.0.1:{{.UpstreamPort}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`))

// Configurator writes per-application reverse proxy fragments on the
// target and reloads nginx behind a validation gate: a fragment that
// fails nginx -t never replaces a working configuration and never
// triggers a reload, so the prior route stays live.
type Configurator struct {
	runner transport.Runner
	logger zerolog.Logger

	// ConfDir is the fragment include directory (default: /etc/nginx/conf.d)
	ConfDir string
}

// New creates a proxy configurator for the target runner.
func New(runner transport.Runner) *Configurator {
	return &Configurator{
		runner:  runner,
		logger:  log.WithComponent("proxy"),
		ConfDir: DefaultConfDir,
	}
}

const proxyTimeout = time.Minute

// Render produces the configuration fragment for a route.
func Render(route types.ProxyRoute) (string, error) {
	var buf bytes.Buffer
	if err := fragmentTemplate.Execute(&buf, route); err != nil {
		return "", fmt.Errorf("rendering proxy fragment: %w", err)
	}
	return buf.String(), nil
}

// Configure installs the route's fragment, one file per application so
// multiple applications coexist, overwriting any previous route for the
// same app. The sequence is write, validate, reload; validation failure
// restores the previous fragment.
func (c *Configurator) Configure(ctx context.Context, route types.ProxyRoute) error {
	fragment, err := Render(route)
	if err != nil {
		return &types.ProxyConfigError{App: route.AppName, Cause: err}
	}

	confPath := fmt.Sprintf("%s/%s.conf", c.ConfDir, route.AppName)
	backupPath := confPath + ".prev"

	existed, err := c.fileExists(ctx, confPath)
	if err != nil {
		return err
	}
	if existed {
		if _, err := c.runner.Run(ctx, fmt.Sprintf("sudo -n cp %s %s", confPath, backupPath),
			transport.Options{Timeout: proxyTimeout}); err != nil {
			return fmt.Errorf("backing up proxy fragment: %w", err)
		}
	}

	c.logger.Info().Str("app", route.AppName).Str("path", confPath).Msg("writing proxy fragment")
	_, err = c.runner.Run(ctx, fmt.Sprintf("sudo -n tee %s > /dev/null", confPath), transport.Options{
		Timeout: proxyTimeout,
		Input:   strings.NewReader(fragment),
	})
	if err != nil {
		// A failed write can leave a truncated fragment that would break
		// the next proxy restart; put the previous one back
		c.restore(ctx, confPath, backupPath, existed)
		return fmt.Errorf("writing proxy fragment: %w", err)
	}

	res, err := c.runner.Run(ctx, "sudo -n nginx -t", transport.Options{
		Timeout:    proxyTimeout,
		BestEffort: true,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		c.restore(ctx, confPath, backupPath, existed)
		return &types.ProxyConfigError{
			App:   route.AppName,
			Cause: fmt.Errorf("nginx -t: %s", strings.TrimSpace(res.Stderr)),
		}
	}

	if _, err := c.runner.Run(ctx, "sudo -n systemctl reload nginx", transport.Options{
		Timeout: proxyTimeout,
	}); err != nil {
		return &types.ProxyConfigError{App: route.AppName, Cause: err}
	}

	if existed {
		// Best-effort: a stale backup only wastes a few bytes
		_, _ = c.runner.Run(ctx, fmt.Sprintf("sudo -n rm -f %s", backupPath), transport.Options{
			Timeout:    proxyTimeout,
			BestEffort: true,
		})
	}

	c.logger.Info().Str("app", route.AppName).Str("server_name", route.ServerName).
		Int("upstream_port", route.UpstreamPort).Msg("route live")
	return nil
}

// restore puts the previous fragment back, or removes the rejected one
// when the app had no prior route.
func (c *Configurator) restore(ctx context.Context, confPath, backupPath string, existed bool) {
	var cmd string
	if existed {
		cmd = fmt.Sprintf("sudo -n mv %s %s", backupPath, confPath)
	} else {
		cmd = fmt.Sprintf("sudo -n rm -f %s", confPath)
	}
	if _, err := c.runner.Run(ctx, cmd, transport.Options{Timeout: proxyTimeout, BestEffort: true}); err != nil {
		c.logger.Warn().Err(err).Msg("restoring previous proxy fragment failed")
	}
}

func (c *Configurator) fileExists(ctx context.Context, path string) (bool, error) {
	res, err := c.runner.Run(ctx, fmt.Sprintf("test -f %s", path), transport.Options{
		Timeout:    proxyTimeout,
		BestEffort: true,
	})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}
