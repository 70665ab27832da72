package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "justirc.local", cfg.Server.Name)
	assert.Equal(t, 6667, cfg.Server.Port)
	assert.Equal(t, 65536, cfg.Limits.MaxMessageSize)
	assert.Equal(t, 300, cfg.Limits.ConnectionTimeout)
	assert.Equal(t, 60, cfg.Limits.ReadTimeout)
	assert.Equal(t, 30, cfg.RateLimits.MessageRate)
	assert.Equal(t, 100, cfg.RateLimits.ImageChunkRate)
	assert.Equal(t, 5, cfg.RateLimits.ConnectionRate)
	assert.Equal(t, 10, cfg.RateLimits.BanThreshold)
	assert.Equal(t, 3600, cfg.Crypto.KeyRotationIntervalSeconds)
	assert.Equal(t, 10000, cfg.Crypto.MaxMessagesPerKey)
	assert.False(t, cfg.Auth.Enabled)
	assert.False(t, cfg.IPFilter.Whitelist)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  name: chat.example.org
  host: 127.0.0.1
  port: 7000

limits:
  max_users: 42

auth:
  enabled: true
  required: true

rate_limits:
  message_rate: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "chat.example.org", cfg.Server.Name)
	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddress())
	assert.Equal(t, 42, cfg.Limits.MaxUsers)
	assert.True(t, cfg.Auth.Enabled)
	assert.True(t, cfg.Auth.Required)
	assert.Equal(t, 10, cfg.RateLimits.MessageRate)
	// Untouched keys keep their defaults.
	assert.Equal(t, 100, cfg.RateLimits.ImageChunkRate)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
name = "toml.example.org"
port = 6697

[ip_filter]
whitelist = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "toml.example.org", cfg.Server.Name)
	assert.Equal(t, 6697, cfg.Server.Port)
	assert.True(t, cfg.IPFilter.Whitelist)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"server": {"name": "json.example.org", "port": 6668}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json.example.org", cfg.Server.Name)
	assert.Equal(t, 6668, cfg.Server.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JUSTIRC_PORT", "9999")
	t.Setenv("JUSTIRC_SERVER_NAME", "env.example.org")
	t.Setenv("JUSTIRC_AUTH_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "env.example.org", cfg.Server.Name)
	assert.True(t, cfg.Auth.Enabled)
}

func TestValidationRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  name: before\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "before", cfg.Server.Name)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  name: after\n"), 0o600))
	require.NoError(t, cfg.Reload(""))
	assert.Equal(t, "after", cfg.Server.Name)
}
