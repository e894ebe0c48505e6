package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/minibus/internal/config"
)

func runInit(t *testing.T, daemon, force bool, path string) (string, error) {
	t.Helper()
	configInitOpts.daemon = daemon
	configInitOpts.force = force
	t.Cleanup(func() {
		configInitOpts.daemon = false
		configInitOpts.force = false
	})

	var out bytes.Buffer
	configInitCmd.SetOut(&out)
	defer configInitCmd.SetOut(nil)
	err := runConfigInit(configInitCmd, []string{path})
	return strings.TrimSpace(out.String()), err
}

func TestConfigInit_CLI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "minibus.toml")

	printed, err := runInit(t, false, false, path)
	require.NoError(t, err)
	assert.Equal(t, path, printed)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	_, err = runInit(t, false, false, path)
	assert.ErrorContains(t, err, "already exists")

	_, err = runInit(t, false, true, path)
	assert.NoError(t, err)
}

func TestConfigInit_Daemon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minibusd.toml")

	_, err := runInit(t, true, false, path)
	require.NoError(t, err)

	cfg, err := config.LoadDaemonConfig(path)
	require.NoError(t, err)
	want := config.DefaultDaemonConfig()
	assert.Equal(t, want.Limits, cfg.Limits)
	assert.Equal(t, want.Bus, cfg.Bus)
	assert.Equal(t, want.Services.ActivationTimeout, cfg.Services.ActivationTimeout)
}

func TestConfigInitPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	t.Cleanup(func() {
		configInitOpts.daemon = false
		globalOpts.configPath = ""
	})

	assert.Equal(t, "/x/explicit.toml", configInitPath([]string{"/x/explicit.toml"}))
	assert.Equal(t, config.ConfigPath(), configInitPath(nil))

	globalOpts.configPath = "/x/flag.toml"
	assert.Equal(t, "/x/flag.toml", configInitPath(nil))

	configInitOpts.daemon = true
	assert.Equal(t, config.DaemonConfigPath(), configInitPath(nil))
}
