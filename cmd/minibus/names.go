package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/minibus/client"
	"github.com/jmylchreest/minibus/internal/daemon"
	"github.com/jmylchreest/minibus/internal/wire"
)

var namesOpts struct {
	activatable bool
	unique      bool
}

var namesCmd = &cobra.Command{
	Use:   "names",
	Short: "List names on the bus",
	Long: `List names currently on the bus with their owners.

Unique connection names are hidden unless --unique is given. With
--activatable, names that can be started on demand are included too.`,
	Args: cobra.NoArgs,
	RunE: runNames,
}

var ownerCmd = &cobra.Command{
	Use:   "owner NAME",
	Short: "Print the unique name that owns NAME",
	Args:  cobra.ExactArgs(1),
	RunE:  runOwner,
}

var ownCmd = &cobra.Command{
	Use:   "own NAME...",
	Short: "Own names until interrupted",
	Long: `Request one or more well-known names and hold them until interrupted.

Calls made to the names are answered with an UnknownMethod error, which makes
this useful for testing name ownership and NameOwnerChanged handling.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOwn,
}

func init() {
	rootCmd.AddCommand(namesCmd)
	rootCmd.AddCommand(ownerCmd)
	rootCmd.AddCommand(ownCmd)

	namesCmd.Flags().BoolVar(&namesOpts.activatable, "activatable", false,
		"Include activatable names that are not running")
	namesCmd.Flags().BoolVar(&namesOpts.unique, "unique", false,
		"Include unique connection names")
}

func busStrings(reply *wire.Message) ([]string, error) {
	if len(reply.Body) != 1 {
		return nil, fmt.Errorf("unexpected reply signature %q", reply.Signature())
	}
	names, ok := wire.Strings(reply.Body[0])
	if !ok {
		return nil, fmt.Errorf("unexpected reply signature %q", reply.Signature())
	}
	return names, nil
}

func runNames(cmd *cobra.Command, args []string) error {
	ctx, cancel := callContext(cmd)
	defer cancel()
	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	reply, err := conn.Call(ctx, wire.BusName, wire.BusPath, wire.BusInterface, "ListNames")
	if err != nil {
		return err
	}
	running, err := busStrings(reply)
	if err != nil {
		return err
	}

	rows := make(map[string]*nameRow)
	for _, name := range running {
		if !namesOpts.unique && wire.ValidUniqueName(name) {
			continue
		}
		row := &nameRow{Name: name}
		if owner, err := nameOwner(ctx, conn, name); err == nil {
			row.Owner = owner
		}
		rows[name] = row
	}

	if namesOpts.activatable {
		reply, err := conn.Call(ctx, wire.BusName, wire.BusPath, wire.BusInterface, "ListActivatableNames")
		if err != nil {
			return err
		}
		activatable, err := busStrings(reply)
		if err != nil {
			return err
		}
		for _, name := range activatable {
			row, ok := rows[name]
			if !ok {
				row = &nameRow{Name: name}
				rows[name] = row
			}
			row.Activatable = true
		}
	}

	report := make(namesReport, 0, len(rows))
	for _, row := range rows {
		report = append(report, *row)
	}
	sort.Slice(report, func(i, j int) bool { return report[i].Name < report[j].Name })
	return printResult(cmd, report)
}

func nameOwner(ctx context.Context, conn *client.Conn, name string) (string, error) {
	reply, err := conn.Call(ctx, wire.BusName, wire.BusPath, wire.BusInterface, "GetNameOwner", wire.String(name))
	if err != nil {
		return "", err
	}
	if reply.Signature() != "s" {
		return "", fmt.Errorf("unexpected reply signature %q", reply.Signature())
	}
	return string(reply.Body[0].(wire.String)), nil
}

func runOwner(cmd *cobra.Command, args []string) error {
	ctx, cancel := callContext(cmd)
	defer cancel()
	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	owner, err := nameOwner(ctx, conn, args[0])
	if err != nil {
		return err
	}
	return printResult(cmd, valueReport{Value: owner})
}

func requestNameResult(code uint32) string {
	switch code {
	case daemon.RequestNamePrimaryOwner:
		return "primary owner"
	case daemon.RequestNameInQueue:
		return "in queue"
	case daemon.RequestNameExists:
		return "exists"
	case daemon.RequestNameAlreadyOwner:
		return "already owner"
	}
	return fmt.Sprintf("unknown reply %d", code)
}

func runOwn(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	connectCtx, cancel := callContext(cmd)
	defer cancel()
	conn, err := connect(connectCtx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, name := range args {
		code, err := conn.AcquireName(connectCtx, name, 0)
		if err != nil {
			return fmt.Errorf("failed to request %s: %w", name, err)
		}
		if code != daemon.RequestNamePrimaryOwner && code != daemon.RequestNameAlreadyOwner {
			return fmt.Errorf("could not own %s: %s", name, requestNameResult(code))
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "owning %s as %s\n", name, conn.UniqueName())
	}

	for {
		for _, m := range conn.ProcessMessages() {
			if m.Type == wire.TypeMethodCall && m.ExpectsReply() {
				_ = conn.ReplyError(m, wire.ErrorUnknownMethod,
					fmt.Sprintf("%s does not implement %s.%s", conn.UniqueName(), m.Interface, m.Member))
			}
			if m.Type == wire.TypeSignal && m.Sender == wire.BusName && m.Member == "NameLost" {
				logger.Info("name lost", "name", wire.Native(m.Body[0]))
			}
		}
		if err := conn.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
