package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "text", cfg.Output)
	assert.Equal(t, 25*time.Second, cfg.Timeout.Duration())
	assert.Empty(t, cfg.Address)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/minibus.toml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_ParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minibus.toml")

	content := `
address = "unix:path=/tmp/bus"
output = "yaml"
timeout = "3s"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "unix:path=/tmp/bus", cfg.Address)
	assert.Equal(t, "yaml", cfg.Output)
	assert.Equal(t, 3*time.Second, cfg.Timeout.Duration())
}

func TestLoadConfig_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minibus.toml")
	require.NoError(t, os.WriteFile(path, []byte(`output = "json"`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Output)
	assert.Equal(t, DefaultTimeout, cfg.Timeout.Duration())
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad toml", `output = [`},
		{"unknown output", `output = "xml"`},
		{"bad duration", `timeout = "soon"`},
		{"zero timeout", `timeout = "0s"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "minibus.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestConfig_Save(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "minibus.toml")

	cfg := DefaultConfig()
	cfg.Address = "unix:abstract=minibus-test"
	cfg.Timeout = Duration(1500 * time.Millisecond)

	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/minibus/minibus.toml", ConfigPath())
	assert.Equal(t, "/custom/config/minibus/minibusd.toml", DaemonConfigPath())
}

func TestDataHome(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	assert.Equal(t, "/custom/data", DataHome())
}
