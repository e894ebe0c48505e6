// Package config handles configuration file loading and parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Default configuration values.
const (
	DefaultOutput  = "text"
	DefaultTimeout = 25 * time.Second
)

// Output formats accepted by the minibus CLI.
var OutputFormats = []string{"text", "json", "yaml"}

// Config represents the minibus CLI configuration.
type Config struct {
	Address string   `toml:"address"` // Empty = DBUS_SESSION_BUS_ADDRESS or the default socket
	Output  string   `toml:"output"`  // text, json, yaml
	Timeout Duration `toml:"timeout"` // Per-call timeout
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Output:  DefaultOutput,
		Timeout: Duration(DefaultTimeout),
	}
}

// ConfigHome returns XDG_CONFIG_HOME, falling back to ~/.config.
func ConfigHome() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return configHome
}

// DataHome returns XDG_DATA_HOME, falling back to ~/.local/share.
func DataHome() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return dataHome
}

// ConfigPath returns the path to the CLI config file.
func ConfigPath() string {
	return filepath.Join(ConfigHome(), "minibus", "minibus.toml")
}

// LoadConfig loads configuration from the specified path.
// If path is empty, uses the default config path.
// Returns default config if file doesn't exist.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the output format and timeout.
func (c *Config) Validate() error {
	valid := false
	for _, f := range OutputFormats {
		if c.Output == f {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid output %q, must be one of: %v", c.Output, OutputFormats)
	}
	if c.Timeout.Duration() <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout.Duration())
	}
	return nil
}

// Save writes the configuration to the specified path.
// Creates parent directories if needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = ConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
