package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/minibus/internal/wire"
)

var callOpts struct {
	noReply     bool
	noAutoStart bool
	full        bool
}

var callCmd = &cobra.Command{
	Use:   "call DEST PATH INTERFACE.MEMBER [TYPE:VALUE...]",
	Short: "Call a method and print the reply",
	Long: `Call a method on a connection and print the reply.

Arguments are written TYPE:VALUE, using dbus-send type names or type codes.

Examples:
  # Ask the bus for its id
  minibus call org.freedesktop.DBus /org/freedesktop/DBus org.freedesktop.DBus.GetId

  # Call with arguments
  minibus call org.example.Calc /org/example/Calc org.example.Calc.Add int32:2 int32:40

  # Arrays and variants
  minibus call org.example.Svc / org.example.Svc.Set array:string:a,b variant:uint32:7`,
	Args: cobra.MinimumNArgs(3),
	RunE: runCall,
}

var emitOpts struct {
	dest string
}

var emitCmd = &cobra.Command{
	Use:   "emit PATH INTERFACE.MEMBER [TYPE:VALUE...]",
	Short: "Emit a signal",
	Long: `Emit a signal. Without --dest the signal is broadcast to every other
connection; with --dest it is delivered only to that name.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runEmit,
}

func init() {
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(emitCmd)

	callCmd.Flags().BoolVar(&callOpts.noReply, "no-reply", false,
		"Do not wait for a reply")
	callCmd.Flags().BoolVar(&callOpts.noAutoStart, "no-autostart", false,
		"Do not activate the destination if it is not running")
	callCmd.Flags().BoolVar(&callOpts.full, "full", false,
		"Print the whole reply message, not just its body")

	emitCmd.Flags().StringVarP(&emitOpts.dest, "dest", "d", "",
		"Deliver the signal to this name only")
}

func runCall(cmd *cobra.Command, args []string) error {
	dest, path := args[0], args[1]
	if !wire.ValidObjectPath(path) {
		return fmt.Errorf("invalid object path %q", path)
	}
	iface, member, err := splitMember(args[2])
	if err != nil {
		return err
	}
	body, err := parseArgs(args[3:])
	if err != nil {
		return err
	}

	ctx, cancel := callContext(cmd)
	defer cancel()
	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	m := wire.NewMethodCall(dest, wire.ObjectPath(path), iface, member, body...)
	if callOpts.noAutoStart {
		m.Flags |= wire.FlagNoAutoStart
	}
	if callOpts.noReply {
		m.Flags |= wire.FlagNoReplyExpected
		return conn.Send(m)
	}

	reply, err := conn.CallMessage(ctx, m)
	if err != nil {
		return err
	}
	report := newMessageReport(reply)
	if callOpts.full {
		return printResult(cmd, report)
	}
	return printResult(cmd, replyReport{report})
}

func runEmit(cmd *cobra.Command, args []string) error {
	path := args[0]
	if !wire.ValidObjectPath(path) {
		return fmt.Errorf("invalid object path %q", path)
	}
	iface, member, err := splitMember(args[1])
	if err != nil {
		return err
	}
	body, err := parseArgs(args[2:])
	if err != nil {
		return err
	}

	ctx, cancel := callContext(cmd)
	defer cancel()
	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if emitOpts.dest != "" {
		err = conn.EmitTo(emitOpts.dest, wire.ObjectPath(path), iface, member, body...)
	} else {
		err = conn.Emit(wire.ObjectPath(path), iface, member, body...)
	}
	if err != nil {
		return err
	}
	// Round-trip through the bus so the signal is routed before we hang up.
	_, err = conn.Call(ctx, wire.BusName, wire.BusPath, "org.freedesktop.DBus.Peer", "Ping")
	return err
}
