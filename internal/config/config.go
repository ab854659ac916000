// Package config loads the apmgr configuration from a YAML file using
// koanf v2. Every field is optional: the file may be absent entirely, in
// which case compiled-in defaults apply, so the tool works out of the box
// on a fresh machine.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location of the configuration file.
const DefaultConfigPath = "/etc/apmgr/config.yaml"

// Config holds the apmgr configuration. Fields are tagged for both koanf
// (loading) and yaml (saving).
type Config struct {
	// Interface is the physical wireless interface hosting the AP.
	Interface string `koanf:"interface" yaml:"interface"`

	// VirtualInterface is the name of the virtual AP interface created
	// on top of Interface.
	VirtualInterface string `koanf:"virtual_interface" yaml:"virtual_interface"`

	// Gateway is the AP's address in CIDR notation (e.g. 192.168.4.1/24).
	Gateway string `koanf:"gateway" yaml:"gateway"`

	// SocketPath overrides the broker daemon's Unix socket path.
	SocketPath string `koanf:"socket_path" yaml:"socket_path"`

	// LockDir is the directory holding the cross-process lock files.
	// Empty means the system temporary directory.
	LockDir string `koanf:"lock_dir" yaml:"lock_dir"`

	// ProfileDB is the path of the hotspot profile database.
	ProfileDB string `koanf:"profile_db" yaml:"profile_db"`

	// DaemonUnit is the systemd unit name of the broker daemon, used
	// when the CLI has to start it.
	DaemonUnit string `koanf:"daemon_unit" yaml:"daemon_unit"`

	// ExecTimeoutSeconds bounds each command the daemon executes.
	ExecTimeoutSeconds int `koanf:"exec_timeout_seconds" yaml:"exec_timeout_seconds"`

	// PerCommandLimit caps concurrent children per allow-listed command.
	PerCommandLimit int `koanf:"per_command_limit" yaml:"per_command_limit"`

	// LogLevel controls verbosity: "debug", "info", "warn", "error".
	LogLevel string `koanf:"log_level" yaml:"log_level"`
}

// Validation errors returned by Load.
var (
	ErrInvalidGateway     = errors.New("gateway must be an address in CIDR notation")
	ErrInvalidExecTimeout = errors.New("exec_timeout_seconds must be positive")
	ErrInvalidLimit       = errors.New("per_command_limit must be positive")
)

// Default returns the compiled-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the configuration from path. A missing file is not an
// error: defaults are returned. An unreadable or invalid file is.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Interface == "" {
		c.Interface = "wlan0"
	}
	if c.VirtualInterface == "" {
		c.VirtualInterface = "xap0"
	}
	if c.Gateway == "" {
		c.Gateway = "192.168.4.1/24"
	}
	if c.ProfileDB == "" {
		c.ProfileDB = "/var/lib/apmgr/profiles.db"
	}
	if c.DaemonUnit == "" {
		c.DaemonUnit = "apmgr-daemon"
	}
	if c.ExecTimeoutSeconds == 0 {
		c.ExecTimeoutSeconds = 30
	}
	if c.PerCommandLimit == 0 {
		c.PerCommandLimit = 4
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if _, _, err := net.ParseCIDR(c.Gateway); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidGateway, c.Gateway)
	}
	if c.ExecTimeoutSeconds <= 0 {
		return ErrInvalidExecTimeout
	}
	if c.PerCommandLimit <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

// Save writes the configuration to path with owner-only permissions.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}
	return nil
}
