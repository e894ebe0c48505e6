// Package main is the entry point for the minibusd message bus daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/minibus/internal/config"
	"github.com/jmylchreest/minibus/internal/daemon"
	"github.com/jmylchreest/minibus/internal/service"
	"github.com/jmylchreest/minibus/internal/transport"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

var opts struct {
	configPath   string
	address      string
	logLevel     string
	printAddress bool
	noWatch      bool
}

var rootCmd = &cobra.Command{
	Use:   "minibusd",
	Short: "Minimal local message bus daemon",
	Long: `minibusd is a small D-Bus compatible message bus for a single machine.

It listens on a unix socket, assigns unique names, routes method calls,
replies and signals between connections, tracks well-known name ownership
and starts services on demand from .service files.

Configuration is read from ~/.config/minibus/minibusd.toml and reloaded
when the file changes.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&opts.configPath, "config", "",
		"Path to config file (default: ~/.config/minibus/minibusd.toml)")
	rootCmd.Flags().StringVar(&opts.address, "address", "",
		"Bus address to listen on, e.g. unix:path=/run/user/1000/bus (overrides config)")
	rootCmd.Flags().StringVar(&opts.logLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides config)")
	rootCmd.Flags().BoolVar(&opts.printAddress, "print-address", false,
		"Print the bus address to stdout once listening")
	rootCmd.Flags().BoolVar(&opts.noWatch, "no-watch", false,
		"Do not watch service directories for changes")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "minibusd:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	configPath := opts.configPath
	if configPath == "" {
		configPath = config.DaemonConfigPath()
	}
	cfg, err := config.LoadDaemonConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.noWatch {
		cfg.Services.Watch = false
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting minibusd", "version", version, "config", configPath)

	addr, err := listenAddress(cfg)
	if err != nil {
		return err
	}
	mode, err := cfg.SocketMode()
	if err != nil {
		return err
	}
	listener, err := transport.Listen(addr, mode)
	if err != nil {
		return err
	}

	d := daemon.New(daemonConfig(cfg, addr), logger)
	d.AddNameOwnerListener(daemon.NameOwnerFunc(func(name, oldOwner, newOwner string) {
		logger.Debug("name owner changed", "name", name, "old", oldOwner, "new", newOwner)
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		d.SetMetrics(daemon.NewMetrics(reg))
		metricsServer = serveMetrics(cfg.Metrics.Listen, reg, logger)
	}

	services := &serviceWatch{daemon: d, logger: logger}
	if cfg.Services.Watch {
		services.restart(ctx, cfg.Services.Dirs)
	}

	configWatcher := daemon.NewConfigWatcher(configPath, logger)
	configWatcher.SetReloadCallback(func(newConfig *config.DaemonConfig) {
		d.ApplyConfig(newConfig)
		if newConfig.Services.Watch && !opts.noWatch {
			services.restart(ctx, newConfig.Services.Dirs)
		} else {
			services.stop()
		}
	})
	if err := configWatcher.Start(ctx, cfg); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("received SIGHUP, rescanning service directories")
				d.Reload()
			}
		}
	}()

	if opts.printAddress {
		fmt.Println(addr.String())
	}

	err = d.Serve(ctx, listener)

	configWatcher.Stop()
	services.stop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	if addr.Kind == transport.KindPath {
		_ = os.Remove(addr.Path)
	}

	logger.Info("minibusd stopped")
	return err
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == config.LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	return slog.New(handler), nil
}

// listenAddress resolves the socket to bind: flag, then config, then the
// default runtime path.
func listenAddress(cfg *config.DaemonConfig) (transport.Address, error) {
	raw := opts.address
	if raw == "" {
		raw = cfg.Bus.Address
	}
	if raw == "" {
		return transport.Address{Kind: transport.KindPath, Path: transport.DefaultSocketPath()}, nil
	}
	addr, err := transport.ParseAddress(raw)
	if err != nil {
		return transport.Address{}, fmt.Errorf("invalid bus address: %w", err)
	}
	return addr, nil
}

func daemonConfig(cfg *config.DaemonConfig, addr transport.Address) daemon.Config {
	dc := daemon.DefaultConfig()
	dc.Address = addr.String()
	dc.BusType = cfg.Bus.Type
	dc.AllowAnonymous = cfg.Auth.AllowAnonymous
	dc.ServiceDirs = cfg.Services.Dirs
	dc.ActivationTimeout = cfg.Services.ActivationTimeout.Duration()
	dc.ReplyTimeout = cfg.Limits.ReplyTimeout.Duration()
	dc.MaxConnections = cfg.Limits.MaxConnections
	dc.MaxNamesPerConnection = cfg.Limits.MaxNamesPerConnection
	dc.MaxPendingReplies = cfg.Limits.MaxPendingReplies
	dc.OutboundQueue = cfg.Limits.OutboundQueue
	dc.WriteTimeout = cfg.Limits.WriteTimeout.Duration()
	return dc
}

func serveMetrics(listen string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

// serviceWatch owns the fsnotify watcher over the service directories and
// replaces it when the configured directories change.
type serviceWatch struct {
	mu      sync.Mutex
	daemon  *daemon.Daemon
	logger  *slog.Logger
	watcher *service.Watcher
}

func (s *serviceWatch) restart(ctx context.Context, dirs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.watcher = service.NewWatcher(dirs, s.daemon.Reload, s.logger)
	if err := s.watcher.Start(ctx); err != nil {
		s.logger.Warn("failed to watch service directories", "error", err)
		s.watcher = nil
	}
}

func (s *serviceWatch) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
	}
}
