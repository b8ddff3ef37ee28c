package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
repository: https://example.com/app.git
host: 203.0.113.10
user: deploy
key: /home/op/.ssh/id_ed25519
port: 8080
log_level: debug
keep_tree: false
verify_external: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/app.git", cfg.Request.RepositoryURL)
	assert.Equal(t, "203.0.113.10", cfg.Request.TargetHost)
	assert.Equal(t, 8080, cfg.Request.ContainerPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.KeepTree)
	assert.True(t, cfg.VerifyExternal)
	assert.NotEmpty(t, cfg.DataDir, "defaults survive the overlay")
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.KeepTree)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, filepath.Join(cfg.DataDir, "cache"), cfg.CacheDir)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/deploy.yaml")
	assert.Error(t, err)
}

func TestApplyEnv_OverridesFile(t *testing.T) {
	cfg := Default()
	cfg.Request.Branch = "main"

	env := map[string]string{
		"MOOR_CREDENTIAL": "token-from-ci",
		"MOOR_BRANCH":     "release",
		"MOOR_PORT":       "9090",
	}
	err := cfg.ApplyEnv(func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	})
	require.NoError(t, err)

	assert.Equal(t, "token-from-ci", cfg.Request.Credential)
	assert.Equal(t, "release", cfg.Request.Branch)
	assert.Equal(t, 9090, cfg.Request.ContainerPort)
}

func TestApplyEnv_InvalidPort(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(name string) (string, bool) {
		if name == "MOOR_PORT" {
			return "not-a-port", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestFinalize_AppliesRequestDefaults(t *testing.T) {
	cfg := Default()
	cfg.Request.RepositoryURL = "https://example.com/app.git"
	cfg.Request.TargetHost = "203.0.113.10"
	cfg.Request.TargetUser = "deploy"
	cfg.Request.AuthKeyPath = "/home/op/.ssh/id_ed25519"
	cfg.Request.ContainerPort = 8080

	require.NoError(t, cfg.Finalize())

	assert.Equal(t, "main", cfg.Request.Branch)
	assert.Equal(t, "app", cfg.Request.RemoteDir)
	assert.Equal(t, "203.0.113.10", cfg.Request.ServerName)
}

func TestFinalize_RejectsInvalidRequest(t *testing.T) {
	cfg := Default()
	cfg.Request.RepositoryURL = "https://example.com/app.git"
	// Target host missing

	assert.Error(t, cfg.Finalize())
}
