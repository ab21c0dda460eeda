// Package config provides configuration management for the collector agent.
// It uses koanf v2 to merge, from lowest to highest precedence:
//
//   - built-in defaults
//   - the YAML config file (/etc/collector/config.yaml by default)
//   - COLLECTOR_* environment variables (COLLECTOR_LOG_LEVEL=debug sets log_level)
//   - command-line flags (--port)
//
// Durations accept Go duration strings ("10s", "1m30s"). A zero timeout
// disables that timeout.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location for the agent configuration file.
// The file is optional at this path.
const DefaultConfigPath = "/etc/collector/config.yaml"

// EnvPrefix is the prefix of environment variables read as configuration.
const EnvPrefix = "COLLECTOR_"

// Config holds the agent configuration.
// Fields are tagged for both koanf (loading) and yaml (printing).
type Config struct {
	// Port is the TCP port to listen on. Required.
	Port int `koanf:"port" yaml:"port"`

	// ListenAddress is the interface address to bind. Default: "0.0.0.0".
	ListenAddress string `koanf:"listen_address" yaml:"listen_address"`

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error".
	// Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// LogFormat selects the log encoding: "json" or "text". Default: "json".
	LogFormat string `koanf:"log_format" yaml:"log_format"`

	// FamilyName is the generic netlink family of the kernel module.
	// Default: "collector".
	FamilyName string `koanf:"family_name" yaml:"family_name"`

	// UnloadCommand removes the kernel module during uninstall, split on whitespace.
	// Default: "rmmod collector".
	UnloadCommand string `koanf:"unload_command" yaml:"unload_command"`

	// KeepBinary disables deleting the agent executable during uninstall.
	KeepBinary bool `koanf:"keep_binary" yaml:"keep_binary"`

	// KernelTimeout bounds each kernel control request. Default: 10s.
	KernelTimeout time.Duration `koanf:"kernel_timeout" yaml:"kernel_timeout"`

	// ReadTimeout bounds how long a client may take to send its command. Default: 30s.
	ReadTimeout time.Duration `koanf:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout bounds writing a response. Default: 10s.
	WriteTimeout time.Duration `koanf:"write_timeout" yaml:"write_timeout"`

	// CleanupTimeout bounds the module unload command during uninstall. Default: 30s.
	CleanupTimeout time.Duration `koanf:"cleanup_timeout" yaml:"cleanup_timeout"`

	// ShutdownTimeout bounds graceful shutdown on SIGTERM. Default: 30s.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`

	// MaxConnections bounds concurrently handled connections. 0 means unbounded.
	MaxConnections int64 `koanf:"max_connections" yaml:"max_connections"`
}

// defaults are loaded before any other source.
var defaults = map[string]any{
	"listen_address":   "0.0.0.0",
	"log_level":        "info",
	"log_format":       "json",
	"family_name":      "collector",
	"unload_command":   "rmmod collector",
	"kernel_timeout":   "10s",
	"read_timeout":     "30s",
	"write_timeout":    "10s",
	"cleanup_timeout":  "30s",
	"shutdown_timeout": "30s",
}

// Validation errors returned by Load.
var (
	ErrPortRequired         = errors.New("port is required")
	ErrInvalidPort          = errors.New("port must be between 1 and 65535")
	ErrInvalidLogFormat     = errors.New("log_format must be json or text")
	ErrFamilyNameRequired   = errors.New("family_name is required")
	ErrUnloadCommandMissing = errors.New("unload_command is required")
	ErrNegativeTimeout      = errors.New("timeouts must not be negative")
	ErrNegativeConnections  = errors.New("max_connections must not be negative")
)

// Load merges all configuration sources.
// A missing file is an error only when required is true; the default path is optional.
// flags may be nil.
func Load(path string, required bool, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil || required {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks that required configuration fields are present and valid.
func (c *Config) validate() error {
	if c.Port == 0 {
		return ErrPortRequired
	}
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return ErrInvalidLogFormat
	}
	if c.FamilyName == "" {
		return ErrFamilyNameRequired
	}
	if len(c.UnloadArgv()) == 0 {
		return ErrUnloadCommandMissing
	}
	for _, d := range []time.Duration{c.KernelTimeout, c.ReadTimeout, c.WriteTimeout, c.CleanupTimeout, c.ShutdownTimeout} {
		if d < 0 {
			return ErrNegativeTimeout
		}
	}
	if c.MaxConnections < 0 {
		return ErrNegativeConnections
	}
	return nil
}

// Address returns the host:port the agent binds.
func (c *Config) Address() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.Port))
}

// UnloadArgv returns the unload command split into arguments.
func (c *Config) UnloadArgv() []string {
	return strings.Fields(c.UnloadCommand)
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	data, err := goyaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
