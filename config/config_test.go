package config

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name string, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Supervisor.ProbeAttempts)
	assert.Equal(t, time.Second, cfg.Supervisor.ProbeInterval.Duration)
	assert.Equal(t, 5, cfg.Supervisor.DefaultMaxRestarts)
	assert.Equal(t, "ssh", cfg.SSH.Binary)
	assert.Equal(t, filepath.Join(cfg.HomeDir, "tunnels.db"), cfg.DatabasePath)
	assert.Equal(t, filepath.Join(cfg.HomeDir, "keys"), cfg.KeysDir)
	assert.Equal(t, DEFAULT_CONTROL_ADDRESS, cfg.Control.Address)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
home_dir: /srv/tunnels
ssh:
  use_autossh: true
  bind_address: 0.0.0.0
supervisor:
  probe_attempts: 3
  probe_interval: 250ms
  heartbeat_interval: 1m
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/tunnels", cfg.HomeDir)
	assert.Equal(t, "/srv/tunnels/tunnels.db", cfg.DatabasePath)
	assert.True(t, cfg.SSH.UseAutossh)
	assert.Equal(t, "autossh", cfg.SSH.AutosshBinary)
	assert.Equal(t, "0.0.0.0", cfg.SSH.BindAddress)
	assert.Equal(t, 3, cfg.Supervisor.ProbeAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Supervisor.ProbeInterval.Duration)
	assert.Equal(t, time.Minute, cfg.Supervisor.HeartbeatInterval.Duration)
	// untouched values keep their defaults
	assert.Equal(t, time.Second, cfg.Supervisor.StopGrace.Duration)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
database = "/var/lib/tunnels/state.db"

[supervisor]
default_max_restarts = 2
stop_grace = "2s"

[keys]
default_name = "id_ops"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tunnels/state.db", cfg.DatabasePath)
	assert.Equal(t, 2, cfg.Supervisor.DefaultMaxRestarts)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.StopGrace.Duration)
	assert.Equal(t, "id_ops", cfg.Keys.DefaultName)
}

func TestLoad_UnknownKey(t *testing.T) {
	_, err := Load(writeFile(t, "config.yaml", "supervisor:\n  probe_attempt: 3\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "config.toml", "[supervisor]\nprobe_attempt = 3\n"))
	assert.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeFile(t, "config.yaml", "supervisor:\n  probe_interval: soon\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	cfg.Supervisor.ProbeAttempts = 0
	cfg.Supervisor.StopGrace = Duration{}
	cfg.SSH.Binary = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe_attempts")
	assert.Contains(t, err.Error(), "stop_grace")
	assert.Contains(t, err.Error(), "ssh.binary")
}

func TestEnsureDirs(t *testing.T) {
	cfg := Default()
	cfg.HomeDir = filepath.Join(t.TempDir(), "home")
	cfg.Resolve()
	require.NoError(t, cfg.EnsureDirs())

	info, err := os.Stat(cfg.KeysDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}
