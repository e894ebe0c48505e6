package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that can be unmarshaled from human-readable strings.
// Supports formats like "5s", "25s", "1m", "1h30m", or integer milliseconds.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML parsing.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)

	// Bare integers are milliseconds
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: must be like '5s', '1m', '1h30m' or milliseconds: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML output.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DaemonConfig is the configuration for minibusd.
// Loaded from ~/.config/minibus/minibusd.toml
type DaemonConfig struct {
	Bus      BusConfig      `toml:"bus"`
	Auth     AuthConfig     `toml:"auth"`
	Services ServicesConfig `toml:"services"`
	Limits   LimitsConfig   `toml:"limits"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// BusConfig contains the listening address and bus identity.
type BusConfig struct {
	Address    string `toml:"address"`     // "unix:path=..." or "unix:abstract=..."; empty = default socket
	Type       string `toml:"type"`        // "session" or "system"
	SocketMode string `toml:"socket_mode"` // Octal permission bits for the socket file
}

// AuthConfig contains SASL settings.
type AuthConfig struct {
	AllowAnonymous bool `toml:"allow_anonymous"`
}

// ServicesConfig contains service activation settings.
type ServicesConfig struct {
	Dirs              []string `toml:"dirs"`
	ActivationTimeout Duration `toml:"activation_timeout"`
	Watch             bool     `toml:"watch"` // Rescan dirs when .service files change
}

// LimitsConfig bounds per-connection and daemon-wide resources.
type LimitsConfig struct {
	MaxConnections        int      `toml:"max_connections"`
	MaxNamesPerConnection int      `toml:"max_names_per_connection"`
	MaxPendingReplies     int      `toml:"max_pending_replies"`
	OutboundQueue         int      `toml:"outbound_queue"`
	ReplyTimeout          Duration `toml:"reply_timeout"`
	WriteTimeout          Duration `toml:"write_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
	Format string `toml:"format"` // "text" or "json"
}

// MetricsConfig contains the optional Prometheus endpoint.
type MetricsConfig struct {
	Listen string `toml:"listen"` // e.g. "127.0.0.1:9464"; empty = disabled
}

// Bus types.
const (
	BusTypeSession = "session"
	BusTypeSystem  = "system"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// DefaultServiceDirs returns the session service directories under the XDG
// data directories.
func DefaultServiceDirs() []string {
	var dirs []string
	if dataHome := DataHome(); dataHome != "" {
		dirs = append(dirs, filepath.Join(dataHome, "dbus-1", "services"))
	}
	dataDirs := os.Getenv("XDG_DATA_DIRS")
	if dataDirs == "" {
		dataDirs = "/usr/local/share:/usr/share"
	}
	for _, dir := range strings.Split(dataDirs, ":") {
		if dir != "" {
			dirs = append(dirs, filepath.Join(dir, "dbus-1", "services"))
		}
	}
	return dirs
}

// DefaultDaemonConfig returns a new DaemonConfig with default values.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		Bus: BusConfig{
			Type:       BusTypeSession,
			SocketMode: "0600",
		},
		Services: ServicesConfig{
			Dirs:              DefaultServiceDirs(),
			ActivationTimeout: Duration(25 * time.Second),
			Watch:             true,
		},
		Limits: LimitsConfig{
			MaxConnections:        256,
			MaxNamesPerConnection: 512,
			MaxPendingReplies:     128,
			OutboundQueue:         1024,
			ReplyTimeout:          Duration(25 * time.Second),
			WriteTimeout:          Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatText,
		},
	}
}

// DaemonConfigPath returns the path to the daemon config file.
func DaemonConfigPath() string {
	return filepath.Join(ConfigHome(), "minibus", "minibusd.toml")
}

// LoadDaemonConfig loads the daemon configuration from path, or from
// DaemonConfigPath when path is empty.
// If the file doesn't exist, returns the default configuration.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	if path == "" {
		path = DaemonConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDaemonConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start with defaults, then overlay with file contents
	config := DefaultDaemonConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	for i, dir := range config.Services.Dirs {
		config.Services.Dirs[i] = expandPath(dir)
	}

	return config, nil
}

// SaveDaemonConfig writes the daemon configuration to path, or to
// DaemonConfigPath when path is empty.
func SaveDaemonConfig(config *DaemonConfig, path string) error {
	if path == "" {
		path = DaemonConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Validate checks if the configuration is valid.
func (c *DaemonConfig) Validate() error {
	if c.Bus.Type != BusTypeSession && c.Bus.Type != BusTypeSystem {
		return fmt.Errorf("invalid bus type %q, must be %q or %q", c.Bus.Type, BusTypeSession, BusTypeSystem)
	}
	if _, err := c.SocketMode(); err != nil {
		return err
	}

	if c.Services.ActivationTimeout.Duration() <= 0 {
		return fmt.Errorf("activation_timeout must be positive, got %s", c.Services.ActivationTimeout.Duration())
	}

	if c.Limits.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", c.Limits.MaxConnections)
	}
	if c.Limits.MaxNamesPerConnection < 1 {
		return fmt.Errorf("max_names_per_connection must be at least 1, got %d", c.Limits.MaxNamesPerConnection)
	}
	if c.Limits.MaxPendingReplies < 1 {
		return fmt.Errorf("max_pending_replies must be at least 1, got %d", c.Limits.MaxPendingReplies)
	}
	if c.Limits.OutboundQueue < 1 {
		return fmt.Errorf("outbound_queue must be at least 1, got %d", c.Limits.OutboundQueue)
	}
	if c.Limits.ReplyTimeout.Duration() <= 0 {
		return fmt.Errorf("reply_timeout must be positive, got %s", c.Limits.ReplyTimeout.Duration())
	}
	if c.Limits.WriteTimeout.Duration() <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %s", c.Limits.WriteTimeout.Duration())
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Log.Format != LogFormatText && c.Log.Format != LogFormatJSON {
		return fmt.Errorf("invalid log format %q, must be %q or %q", c.Log.Format, LogFormatText, LogFormatJSON)
	}

	return nil
}

// SocketMode parses Bus.SocketMode as octal permission bits.
func (c *DaemonConfig) SocketMode() (os.FileMode, error) {
	if c.Bus.SocketMode == "" {
		return 0600, nil
	}
	mode, err := strconv.ParseUint(c.Bus.SocketMode, 8, 32)
	if err != nil || mode > 0777 {
		return 0, fmt.Errorf("invalid socket_mode %q, must be octal like \"0600\"", c.Bus.SocketMode)
	}
	return os.FileMode(mode), nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
