package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/minibus/internal/config"
)

var configInitOpts struct {
	daemon bool
	force  bool
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage minibus and minibusd configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Write a configuration file with default values",
	Long: `Write the default minibus configuration, or with --daemon the default
minibusd configuration, so it can be edited.

PATH defaults to --config, then ~/.config/minibus/minibus.toml
(~/.config/minibus/minibusd.toml with --daemon). An existing file is
left alone unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().BoolVar(&configInitOpts.daemon, "daemon", false,
		"Write the minibusd configuration instead")
	configInitCmd.Flags().BoolVarP(&configInitOpts.force, "force", "f", false,
		"Overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configInitPath(args)

	if !configInitOpts.force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	var err error
	if configInitOpts.daemon {
		err = config.SaveDaemonConfig(config.DefaultDaemonConfig(), path)
	} else {
		err = config.DefaultConfig().Save(path)
	}
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func configInitPath(args []string) string {
	switch {
	case len(args) == 1:
		return args[0]
	case configInitOpts.daemon:
		return config.DaemonConfigPath()
	case globalOpts.configPath != "":
		return globalOpts.configPath
	}
	return config.ConfigPath()
}
