package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/minibus/internal/config"
	"github.com/jmylchreest/minibus/internal/daemon"
	"github.com/jmylchreest/minibus/internal/service"
	"github.com/jmylchreest/minibus/internal/wire"
)

var servicesOpts struct {
	dirs    []string
	offline bool
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List .service files and whether each service is running",
	Long: `Scan the service directories and list every valid .service file.

Directories come from --dir, or from the minibusd config file. Unless
--offline is given the bus is asked which services currently have an owner.`,
	Args: cobra.NoArgs,
	RunE: runServices,
}

var startCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Start an activatable service",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(startCmd)

	servicesCmd.Flags().StringSliceVar(&servicesOpts.dirs, "dir", nil,
		"Service directory to scan (repeatable)")
	servicesCmd.Flags().BoolVar(&servicesOpts.offline, "offline", false,
		"Do not contact the bus")
}

func serviceDirs() ([]string, error) {
	if len(servicesOpts.dirs) > 0 {
		return servicesOpts.dirs, nil
	}
	daemonCfg, err := config.LoadDaemonConfig("")
	if err != nil {
		return nil, fmt.Errorf("failed to load daemon config: %w", err)
	}
	if len(daemonCfg.Services.Dirs) > 0 {
		return daemonCfg.Services.Dirs, nil
	}
	return config.DefaultServiceDirs(), nil
}

func runServices(cmd *cobra.Command, args []string) error {
	dirs, err := serviceDirs()
	if err != nil {
		return err
	}
	mgr := service.NewManager(logger)
	mgr.Load(dirs)

	owners := map[string]string{}
	if !servicesOpts.offline {
		ctx, cancel := callContext(cmd)
		defer cancel()
		if conn, err := connect(ctx); err != nil {
			logger.Warn("bus unavailable, service state unknown", "error", err)
		} else {
			defer conn.Close()
			for _, name := range mgr.Names() {
				if owner, err := nameOwner(ctx, conn, name); err == nil {
					owners[name] = owner
				}
			}
		}
	}

	report := make(servicesReport, 0)
	for _, name := range mgr.Names() {
		f, ok := mgr.Lookup(name)
		if !ok {
			continue
		}
		row := serviceRow{
			Name:     f.Name,
			Exec:     f.Exec,
			User:     f.User,
			File:     f.Path,
			Size:     -1,
			Modified: f.ModTime,
			Owner:    owners[name],
		}
		if info, err := os.Stat(f.Path); err == nil {
			row.Size = info.Size()
		}
		report = append(report, row)
	}
	return printResult(cmd, report)
}

func runStart(cmd *cobra.Command, args []string) error {
	name := args[0]
	if !wire.ValidWellKnownName(name) {
		return fmt.Errorf("invalid service name %q", name)
	}

	ctx, cancel := callContext(cmd)
	defer cancel()
	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	reply, err := conn.Call(ctx, wire.BusName, wire.BusPath, wire.BusInterface, "StartServiceByName",
		wire.String(name), wire.Uint32(0))
	if err != nil {
		return err
	}
	if reply.Signature() != "u" {
		return fmt.Errorf("unexpected reply signature %q", reply.Signature())
	}
	result := "started"
	if uint32(reply.Body[0].(wire.Uint32)) == daemon.StartReplyAlreadyRunning {
		result = "already running"
	}
	return printResult(cmd, valueReport{Value: result})
}
