package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ostermost/warden/internal/logger"
)

// ErrCommandResolution marks a gateway binary that cannot be located.
// Retrying without fixing the installation is pointless, so the supervisor
// surfaces this as a terminal failure rather than feeding it to the crash
// policy.
var ErrCommandResolution = errors.New("gateway command not resolvable")

// Gateway describes the supervised service binary and its launch
// environment.
type Gateway struct {
	Command     string   `mapstructure:"command"`      // name looked up on PATH, or explicit path
	Args        []string `mapstructure:"args"`
	WorkDir     string   `mapstructure:"workdir"`
	Env         []string `mapstructure:"env"`          // extra K=V entries for the child
	ProjectRoot string   `mapstructure:"project_root"` // exported to the child as WARDEN_PROJECT_ROOT
	SearchPath  string   `mapstructure:"search_path"`  // prepended to the child's PATH
}

// RPC configures the health-check endpoint of the gateway.
type RPC struct {
	Port      int           `mapstructure:"port"`
	Method    string        `mapstructure:"method"`
	TokenFile string        `mapstructure:"token_file"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Supervisor tunes the restart machinery.
type Supervisor struct {
	LockPath       string        `mapstructure:"lock_path"`
	StateDir       string        `mapstructure:"state_dir"`
	MaxCrashes     int           `mapstructure:"max_crashes"`
	CrashWindow    time.Duration `mapstructure:"crash_window"`
	RestartBackoff time.Duration `mapstructure:"restart_backoff"`
	StopGrace      time.Duration `mapstructure:"stop_grace"`
	Mode           string        `mapstructure:"mode"` // local or remote
	Ports          []int         `mapstructure:"ports"`
	AllowCommands  []string      `mapstructure:"allow_commands"`
	TunnelCommand  string        `mapstructure:"tunnel_command"`
	OutputLimit    int           `mapstructure:"output_limit"`
}

// History configures the optional sqlite event sink.
type History struct {
	DSN string `mapstructure:"dsn"`
}

// Server configures the loopback status API.
type Server struct {
	Listen string `mapstructure:"listen"`
}

// Config is the top-level TOML structure.
type Config struct {
	Gateway    Gateway       `mapstructure:"gateway"`
	RPC        RPC           `mapstructure:"rpc"`
	Supervisor Supervisor    `mapstructure:"supervisor"`
	Log        logger.Config `mapstructure:"log"`
	History    History       `mapstructure:"history"`
	Server     Server        `mapstructure:"server"`
}

// Load reads a TOML config file and fills in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied and no gateway
// command set.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.RPC.Port == 0 {
		c.RPC.Port = 4817
	}
	if c.RPC.Method == "" {
		c.RPC.Method = "status"
	}
	if c.RPC.Timeout <= 0 {
		c.RPC.Timeout = 5 * time.Second
	}
	if c.Supervisor.StateDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			c.Supervisor.StateDir = filepath.Join(dir, "warden")
		} else {
			c.Supervisor.StateDir = filepath.Join(os.TempDir(), "warden-state")
		}
	}
	if c.Supervisor.LockPath == "" {
		c.Supervisor.LockPath = filepath.Join(os.TempDir(), "warden-gateway.lock")
	}
	if c.Supervisor.MaxCrashes <= 0 {
		c.Supervisor.MaxCrashes = 3
	}
	if c.Supervisor.CrashWindow <= 0 {
		c.Supervisor.CrashWindow = 120 * time.Second
	}
	if c.Supervisor.RestartBackoff <= 0 {
		c.Supervisor.RestartBackoff = 750 * time.Millisecond
	}
	if c.Supervisor.StopGrace <= 0 {
		c.Supervisor.StopGrace = time.Second
	}
	if c.Supervisor.Mode == "" {
		c.Supervisor.Mode = "local"
	}
	if len(c.Supervisor.Ports) == 0 {
		c.Supervisor.Ports = []int{c.RPC.Port}
	}
	if len(c.Supervisor.AllowCommands) == 0 && c.Gateway.Command != "" {
		c.Supervisor.AllowCommands = []string{filepath.Base(c.Gateway.Command)}
	}
	if c.Supervisor.TunnelCommand == "" {
		c.Supervisor.TunnelCommand = "ssh"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:7807"
	}
}

func (c *Config) Validate() error {
	switch c.Supervisor.Mode {
	case "local", "remote":
	default:
		return fmt.Errorf("invalid mode %q: must be local or remote", c.Supervisor.Mode)
	}
	for _, p := range c.Supervisor.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid guarded port %d", p)
		}
	}
	return nil
}

// ProbeURL returns the loopback health-check endpoint.
func (c *Config) ProbeURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/rpc", c.RPC.Port)
}

// ReadToken loads the optional RPC credential; missing file means no
// credential.
func (c *Config) ReadToken() string {
	if c.RPC.TokenFile == "" {
		return ""
	}
	b, err := os.ReadFile(c.RPC.TokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// RecordsPath is the JSON file holding portguard ownership records.
func (c *Config) RecordsPath() string {
	return filepath.Join(c.Supervisor.StateDir, "listeners.json")
}

// ResolveCommand locates the gateway binary. An explicit path must exist
// and be a regular file; a bare name is looked up on PATH. Failures are
// wrapped in ErrCommandResolution.
func (g Gateway) ResolveCommand() (string, error) {
	cmd := strings.TrimSpace(g.Command)
	if cmd == "" {
		return "", fmt.Errorf("%w: no command configured", ErrCommandResolution)
	}
	if strings.ContainsRune(cmd, os.PathSeparator) {
		info, err := os.Stat(cmd)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCommandResolution, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrCommandResolution, cmd)
		}
		return cmd, nil
	}
	path, err := exec.LookPath(cmd)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCommandResolution, err)
	}
	return path, nil
}
