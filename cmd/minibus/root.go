// Package main provides the CLI entrypoint for minibus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/minibus/client"
	"github.com/jmylchreest/minibus/internal/config"
	"github.com/jmylchreest/minibus/internal/output"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// Global configuration and state
var (
	cfg        *config.Config
	globalOpts struct {
		verbose    bool
		configPath string
		address    string
		output     string
		template   string
		timeout    time.Duration
		anonymous  bool
	}
	logger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "minibus",
	Short: "Talk to a minibus or D-Bus message bus",
	Long: `minibus is a command line client for minibusd and other D-Bus
compatible buses.

It calls methods, emits signals, owns and queries names, lists and starts
activatable services, introspects objects and monitors bus traffic.

The bus address is taken from --address, the config file, or
DBUS_SESSION_BUS_ADDRESS, in that order.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()

		var err error
		cfg, err = config.LoadConfig(globalOpts.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cmd.Flags().Changed("output") {
			cfg.Output = globalOpts.output
		}
		if !slices.Contains(config.OutputFormats, cfg.Output) {
			return fmt.Errorf("invalid output format %q, must be one of %v", cfg.Output, config.OutputFormats)
		}
		if cmd.Flags().Changed("timeout") {
			cfg.Timeout = config.Duration(globalOpts.timeout)
		}
		if globalOpts.address != "" {
			cfg.Address = globalOpts.address
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "minibus:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&globalOpts.verbose, "verbose", "v", false,
		"Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&globalOpts.configPath, "config", "",
		"Path to config file (default: ~/.config/minibus/minibus.toml)")
	rootCmd.PersistentFlags().StringVarP(&globalOpts.address, "address", "a", "",
		"Bus address (default: config, then DBUS_SESSION_BUS_ADDRESS)")
	rootCmd.PersistentFlags().StringVarP(&globalOpts.output, "output", "o", config.DefaultOutput,
		"Output format (text, json, yaml)")
	rootCmd.PersistentFlags().StringVar(&globalOpts.template, "template", "",
		"Go template applied to the result in text output")
	rootCmd.PersistentFlags().DurationVarP(&globalOpts.timeout, "timeout", "t", config.DefaultTimeout,
		"Timeout for each bus call")
	rootCmd.PersistentFlags().BoolVar(&globalOpts.anonymous, "anonymous", false,
		"Fall back to ANONYMOUS authentication if EXTERNAL is rejected")
}

func main() {
	Execute()
}

// setupLogger configures the global slog logger.
func setupLogger() {
	level := slog.LevelWarn
	if globalOpts.verbose {
		level = slog.LevelDebug
	}

	// Log to stderr so stdout is clean for output
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// connect opens a bus connection using the resolved address and timeout.
func connect(ctx context.Context) (*client.Conn, error) {
	opts := []client.Option{
		client.WithTimeout(cfg.Timeout.Duration()),
		client.WithLogger(logger),
	}
	if globalOpts.anonymous {
		opts = append(opts, client.WithAnonymous())
	}
	conn, err := client.Connect(ctx, cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}
	logger.Debug("connected", "unique_name", conn.UniqueName(), "mechanism", conn.Mechanism(), "guid", conn.GUID())
	return conn, nil
}

// callContext bounds a single command's bus traffic by the configured
// timeout, plus the time needed to connect.
func callContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 2*cfg.Timeout.Duration())
}

// printResult writes v in the selected output format.
func printResult(cmd *cobra.Command, v any) error {
	f, err := output.NewFormatter(output.FormatType(cfg.Output), output.FormatterOptions{Template: globalOpts.template})
	if err != nil {
		return err
	}
	return f.Format(cmd.OutOrStdout(), v)
}
