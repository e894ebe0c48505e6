package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/minibus/client"
	"github.com/jmylchreest/minibus/internal/wire"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor [MATCH_RULE...]",
	Short: "Print every message routed by the bus",
	Long: `Turn this connection into a monitor and print each message the bus
routes until interrupted. Match rules are checked for syntax by the bus.

Examples:
  minibus monitor
  minibus monitor "type='signal',interface='org.example.Calc'"
  minibus monitor -o json`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	connectCtx, cancel := callContext(cmd)
	defer cancel()
	conn, err := connect(connectCtx)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.ProcessMessages()

	_, err = conn.Call(connectCtx, wire.BusName, wire.BusPath, "org.freedesktop.DBus.Monitoring", "BecomeMonitor",
		wire.StringArray(args), wire.Uint32(0))
	if err != nil {
		return err
	}
	logger.Info("monitoring bus", "rules", len(args))

	for {
		for _, m := range conn.ProcessMessages() {
			if err := printResult(cmd, newMessageReport(m)); err != nil {
				return err
			}
		}
		if err := conn.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, client.ErrClosed) {
				return errors.New("bus closed the monitor connection")
			}
			return err
		}
	}
}
