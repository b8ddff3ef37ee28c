package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/moored/moor/pkg/types"
)

// Config is the full configuration of a deployment run: the request
// itself plus local run options. Sources merge in precedence order:
// defaults, then the YAML file, then MOOR_* environment variables, then
// command line flags.
type Config struct {
	Request types.DeploymentRequest `yaml:",inline"`

	// DataDir holds the run history database (default: ~/.moor)
	DataDir string `yaml:"data_dir"`

	// CacheDir holds working trees between runs (default: DataDir/cache)
	CacheDir string `yaml:"cache_dir"`

	// KeepTree leaves the working tree on disk after the run so the
	// next run updates in place instead of re-cloning
	KeepTree bool `yaml:"keep_tree"`

	// MetricsAddr exposes Prometheus metrics while the run executes
	// (empty: disabled)
	MetricsAddr string `yaml:"metrics_addr"`

	// VerifyExternal additionally probes the deployed endpoint from
	// this machine after the on-target verification. Off by default:
	// the target's proxy port may be firewalled from the operator.
	VerifyExternal bool `yaml:"verify_external"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the baseline configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".moor")
	return Config{
		DataDir:  dataDir,
		CacheDir: filepath.Join(dataDir, "cache"),
		KeepTree: true,
		LogLevel: "info",
	}
}

// Load reads a YAML configuration file over the defaults. An empty
// path returns the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// envVars maps environment variable names onto config fields.
func (c *Config) envVars() map[string]func(string) error {
	set := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	return map[string]func(string) error{
		"MOOR_REPOSITORY":  set(&c.Request.RepositoryURL),
		"MOOR_CREDENTIAL":  set(&c.Request.Credential),
		"MOOR_BRANCH":      set(&c.Request.Branch),
		"MOOR_HOST":        set(&c.Request.TargetHost),
		"MOOR_USER":        set(&c.Request.TargetUser),
		"MOOR_KEY":         set(&c.Request.AuthKeyPath),
		"MOOR_SERVER_NAME": set(&c.Request.ServerName),
		"MOOR_REMOTE_DIR":  set(&c.Request.RemoteDir),
		"MOOR_PORT": func(v string) error {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid MOOR_PORT %q: %w", v, err)
			}
			c.Request.ContainerPort = port
			return nil
		},
	}
}

// ApplyEnv overlays MOOR_* environment variables. The credential in
// particular is expected to arrive this way in CI rather than sitting
// in a config file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for name, apply := range c.envVars() {
		if v, ok := lookup(name); ok && v != "" {
			if err := apply(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Finalize applies request defaults and validates the result. The
// config is ready for the orchestrator only after Finalize returns nil.
func (c *Config) Finalize() error {
	c.Request.ApplyDefaults()
	if err := c.Request.Validate(); err != nil {
		return err
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.DataDir, "cache")
	}
	return nil
}
