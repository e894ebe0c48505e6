package main

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5/introspect"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/minibus/internal/wire"
)

var introspectCmd = &cobra.Command{
	Use:   "introspect DEST [PATH]",
	Short: "Show the interfaces an object implements",
	Long: `Call org.freedesktop.DBus.Introspectable.Introspect on an object and print
its interfaces, methods, signals, properties and child nodes. PATH defaults
to /.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runIntrospect,
}

var pingCmd = &cobra.Command{
	Use:   "ping [DEST]",
	Short: "Ping a connection and report the round trip time",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPing,
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the bus id",
	Args:  cobra.NoArgs,
	RunE:  runID,
}

func init() {
	rootCmd.AddCommand(introspectCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(idCmd)
}

func runIntrospect(cmd *cobra.Command, args []string) error {
	dest, path := args[0], "/"
	if len(args) > 1 {
		path = args[1]
	}
	if !wire.ValidObjectPath(path) {
		return fmt.Errorf("invalid object path %q", path)
	}

	ctx, cancel := callContext(cmd)
	defer cancel()
	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	reply, err := conn.Call(ctx, dest, wire.ObjectPath(path), "org.freedesktop.DBus.Introspectable", "Introspect")
	if err != nil {
		return err
	}
	if reply.Signature() != "s" {
		return fmt.Errorf("unexpected reply signature %q", reply.Signature())
	}

	var node introspect.Node
	if err := xml.Unmarshal([]byte(reply.Body[0].(wire.String)), &node); err != nil {
		return fmt.Errorf("failed to parse introspection data: %w", err)
	}
	return printResult(cmd, nodeReport{Destination: dest, Path: path, Node: &node})
}

func runPing(cmd *cobra.Command, args []string) error {
	dest := wire.BusName
	if len(args) > 0 {
		dest = args[0]
	}

	ctx, cancel := callContext(cmd)
	defer cancel()
	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	if _, err := conn.Call(ctx, dest, "/", "org.freedesktop.DBus.Peer", "Ping"); err != nil {
		return err
	}
	return printResult(cmd, pingReport{Destination: dest, RTT: time.Since(start)})
}

func runID(cmd *cobra.Command, args []string) error {
	ctx, cancel := callContext(cmd)
	defer cancel()
	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	reply, err := conn.Call(ctx, wire.BusName, wire.BusPath, wire.BusInterface, "GetId")
	if err != nil {
		return err
	}
	if reply.Signature() != "s" {
		return fmt.Errorf("unexpected reply signature %q", reply.Signature())
	}
	return printResult(cmd, valueReport{Value: string(reply.Body[0].(wire.String))})
}
