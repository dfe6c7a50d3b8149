// Package config holds the settings shared by the tunnel supervisor, the CLI and the daemon.
// A Config is built once and handed to every component constructor.
package config

import (
	"errors"
	"fmt"
	"github.com/BurntSushi/toml"
	"github.com/openportio/openport-tunnels/utils"
	"gopkg.in/yaml.v2"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DEFAULT_CONTROL_ADDRESS = "127.0.0.1:8765"

// Duration is a time.Duration written as a string ("1s", "500ms") in config files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

type SSHConfig struct {
	Binary                string `yaml:"binary" toml:"binary"`
	AutosshBinary         string `yaml:"autossh_binary" toml:"autossh_binary"`
	UseAutossh            bool   `yaml:"use_autossh" toml:"use_autossh"`
	BindAddress           string `yaml:"bind_address" toml:"bind_address"`
	StrictHostKeyChecking string `yaml:"strict_host_key_checking" toml:"strict_host_key_checking"`
	KnownHostsFile        string `yaml:"known_hosts_file" toml:"known_hosts_file"`
	ServerAliveInterval   int    `yaml:"server_alive_interval" toml:"server_alive_interval"`
	ServerAliveCountMax   int    `yaml:"server_alive_count_max" toml:"server_alive_count_max"`
	ConnectTimeout        int    `yaml:"connect_timeout" toml:"connect_timeout"`
}

type SupervisorConfig struct {
	ProbeAttempts       int      `yaml:"probe_attempts" toml:"probe_attempts"`
	ProbeInterval       Duration `yaml:"probe_interval" toml:"probe_interval"`
	StopGrace           Duration `yaml:"stop_grace" toml:"stop_grace"`
	KillGrace           Duration `yaml:"kill_grace" toml:"kill_grace"`
	LaunchGrace         Duration `yaml:"launch_grace" toml:"launch_grace"`
	HeartbeatInterval   Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	DefaultMaxRestarts  int      `yaml:"default_max_restarts" toml:"default_max_restarts"`
	EvaluateConcurrency int      `yaml:"evaluate_concurrency" toml:"evaluate_concurrency"`
}

type KeysConfig struct {
	DefaultName string `yaml:"default_name" toml:"default_name"`
	DefaultType string `yaml:"default_type" toml:"default_type"`
	DefaultBits int    `yaml:"default_bits" toml:"default_bits"`
}

type ControlConfig struct {
	Address string `yaml:"address" toml:"address"`
}

type Config struct {
	HomeDir      string           `yaml:"home_dir" toml:"home_dir"`
	DatabasePath string           `yaml:"database" toml:"database"`
	KeysDir      string           `yaml:"keys_dir" toml:"keys_dir"`
	TunnelLogDir string           `yaml:"tunnel_log_dir" toml:"tunnel_log_dir"`
	LogFile      string           `yaml:"log_file" toml:"log_file"`
	SSH          SSHConfig        `yaml:"ssh" toml:"ssh"`
	Supervisor   SupervisorConfig `yaml:"supervisor" toml:"supervisor"`
	Keys         KeysConfig       `yaml:"keys" toml:"keys"`
	Control      ControlConfig    `yaml:"control" toml:"control"`
}

// Default returns the configuration used when no file is given. File locations are left
// empty and derived from HomeDir by Resolve.
func Default() Config {
	return Config{
		HomeDir: filepath.Join(utils.GetHomeDir(), ".openport-tunnels"),
		SSH: SSHConfig{
			Binary:                "ssh",
			AutosshBinary:         "autossh",
			StrictHostKeyChecking: "accept-new",
			ServerAliveInterval:   30,
			ServerAliveCountMax:   3,
			ConnectTimeout:        10,
		},
		Supervisor: SupervisorConfig{
			ProbeAttempts:       5,
			ProbeInterval:       Duration{time.Second},
			StopGrace:           Duration{time.Second},
			KillGrace:           Duration{time.Second},
			LaunchGrace:         Duration{500 * time.Millisecond},
			HeartbeatInterval:   Duration{30 * time.Second},
			DefaultMaxRestarts:  5,
			EvaluateConcurrency: 4,
		},
		Keys: KeysConfig{
			DefaultName: "id_tunnels",
			DefaultType: "ed25519",
		},
		Control: ControlConfig{
			Address: DEFAULT_CONTROL_ADDRESS,
		},
	}
}

// Load reads path on top of the defaults. An empty path returns the resolved defaults.
// Files ending in .toml are decoded as TOML, anything else as YAML. Unknown keys are errors.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			md, err := toml.Decode(string(buf), &cfg)
			if err != nil {
				return cfg, fmt.Errorf("parsing config %s: %w", path, err)
			}
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				return cfg, fmt.Errorf("parsing config %s: unknown keys %v", path, undecoded)
			}
		} else {
			if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Resolve fills the file locations that were left empty with paths under HomeDir.
func (c *Config) Resolve() {
	if c.HomeDir == "" {
		c.HomeDir = Default().HomeDir
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.HomeDir, "tunnels.db")
	}
	if c.KeysDir == "" {
		c.KeysDir = filepath.Join(c.HomeDir, "keys")
	}
	if c.TunnelLogDir == "" {
		c.TunnelLogDir = filepath.Join(c.HomeDir, "tunnels")
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.HomeDir, "openport-tunnels.log")
	}
	if c.SSH.KnownHostsFile == "" {
		c.SSH.KnownHostsFile = filepath.Join(c.HomeDir, "known_hosts")
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.SSH.Binary == "" {
		errs = append(errs, errors.New("ssh.binary must not be empty"))
	}
	if c.SSH.UseAutossh && c.SSH.AutosshBinary == "" {
		errs = append(errs, errors.New("ssh.autossh_binary must not be empty when use_autossh is set"))
	}
	s := c.Supervisor
	if s.ProbeAttempts <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.probe_attempts must be positive, got %d", s.ProbeAttempts))
	}
	for name, d := range map[string]Duration{
		"probe_interval":     s.ProbeInterval,
		"stop_grace":         s.StopGrace,
		"kill_grace":         s.KillGrace,
		"heartbeat_interval": s.HeartbeatInterval,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("supervisor.%s must be positive, got %s", name, d.Duration))
		}
	}
	if s.LaunchGrace.Duration < 0 {
		errs = append(errs, fmt.Errorf("supervisor.launch_grace must not be negative, got %s", s.LaunchGrace.Duration))
	}
	if s.DefaultMaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("supervisor.default_max_restarts must not be negative, got %d", s.DefaultMaxRestarts))
	}
	if s.EvaluateConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.evaluate_concurrency must be positive, got %d", s.EvaluateConcurrency))
	}
	if c.Keys.DefaultName == "" {
		errs = append(errs, errors.New("keys.default_name must not be empty"))
	}
	return errors.Join(errs...)
}

// EnsureDirs creates the home, key and tunnel log directories owner-only.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.HomeDir, c.KeysDir, c.TunnelLogDir, filepath.Dir(c.DatabasePath)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
