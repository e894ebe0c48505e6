package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/jmylchreest/minibus/internal/output"
	"github.com/jmylchreest/minibus/internal/wire"
)

// messageReport is the display form of a received message.
type messageReport struct {
	Time        time.Time `json:"time" yaml:"time"`
	Type        string    `json:"type" yaml:"type"`
	Serial      uint32    `json:"serial" yaml:"serial"`
	ReplySerial uint32    `json:"reply_serial,omitempty" yaml:"reply_serial,omitempty"`
	Sender      string    `json:"sender,omitempty" yaml:"sender,omitempty"`
	Destination string    `json:"destination,omitempty" yaml:"destination,omitempty"`
	Path        string    `json:"path,omitempty" yaml:"path,omitempty"`
	Interface   string    `json:"interface,omitempty" yaml:"interface,omitempty"`
	Member      string    `json:"member,omitempty" yaml:"member,omitempty"`
	ErrorName   string    `json:"error_name,omitempty" yaml:"error_name,omitempty"`
	Signature   string    `json:"signature,omitempty" yaml:"signature,omitempty"`
	Body        []any     `json:"body" yaml:"body"`

	msg *wire.Message
}

func newMessageReport(m *wire.Message) *messageReport {
	r := &messageReport{
		Time:        time.Now(),
		Type:        m.Type.String(),
		Serial:      m.Serial,
		ReplySerial: m.ReplySerial,
		Sender:      m.Sender,
		Destination: m.Destination,
		Path:        string(m.Path),
		Interface:   m.Interface,
		Member:      m.Member,
		ErrorName:   m.ErrorName,
		Signature:   string(m.Signature()),
		Body:        make([]any, 0, len(m.Body)),
		msg:         m,
	}
	for _, v := range m.Body {
		r.Body = append(r.Body, wire.Native(v))
	}
	return r
}

func (r *messageReport) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintln(w, r.msg.String()); err != nil {
		return err
	}
	for _, v := range r.msg.Body {
		if _, err := fmt.Fprintf(w, "   %s\n", wire.Format(v)); err != nil {
			return err
		}
	}
	return nil
}

// replyReport prints only the body of a method return, one value per line.
type replyReport struct {
	*messageReport
}

func (r replyReport) WriteText(w io.Writer) error {
	for _, v := range r.msg.Body {
		if _, err := fmt.Fprintln(w, wire.Format(v)); err != nil {
			return err
		}
	}
	return nil
}

type nameRow struct {
	Name        string `json:"name" yaml:"name"`
	Owner       string `json:"owner,omitempty" yaml:"owner,omitempty"`
	Activatable bool   `json:"activatable" yaml:"activatable"`
}

type namesReport []nameRow

func (r namesReport) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tOWNER\tACTIVATABLE")
	for _, row := range r {
		owner := row.Owner
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\n", row.Name, owner, row.Activatable)
	}
	return tw.Flush()
}

type serviceRow struct {
	Name     string    `json:"name" yaml:"name"`
	Exec     string    `json:"exec" yaml:"exec"`
	User     string    `json:"user,omitempty" yaml:"user,omitempty"`
	File     string    `json:"file" yaml:"file"`
	Size     int64     `json:"size" yaml:"size"`
	Modified time.Time `json:"modified" yaml:"modified"`
	Owner    string    `json:"owner,omitempty" yaml:"owner,omitempty"`
}

type servicesReport []serviceRow

func (r servicesReport) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tMODIFIED\tSIZE\tEXEC")
	for _, row := range r {
		state := "stopped"
		if row.Owner != "" {
			state = "running " + row.Owner
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", row.Name, state,
			output.RelativeTime(row.Modified), humanize.Bytes(uint64(max(row.Size, 0))),
			output.Truncate(row.Exec, 60))
	}
	return tw.Flush()
}

// nodeReport wraps a parsed introspection document.
type nodeReport struct {
	Destination string           `json:"destination" yaml:"destination"`
	Path        string           `json:"path" yaml:"path"`
	Node        *introspect.Node `json:"node" yaml:"node"`
}

func (r nodeReport) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "%s %s\n", r.Destination, r.Path)
	for _, iface := range r.Node.Interfaces {
		fmt.Fprintf(w, "  interface %s\n", iface.Name)
		for _, m := range iface.Methods {
			fmt.Fprintf(w, "    method %s(%s) -> (%s)\n", m.Name, argTypes(m.Args, "in"), argTypes(m.Args, "out"))
		}
		for _, s := range iface.Signals {
			fmt.Fprintf(w, "    signal %s(%s)\n", s.Name, argTypes(s.Args, ""))
		}
		for _, p := range iface.Properties {
			fmt.Fprintf(w, "    property %s %s %s\n", p.Name, p.Type, p.Access)
		}
	}
	for _, child := range r.Node.Children {
		if _, err := fmt.Fprintf(w, "  node %s\n", child.Name); err != nil {
			return err
		}
	}
	return nil
}

func argTypes(args []introspect.Arg, direction string) string {
	var types []string
	for _, a := range args {
		if direction != "" && a.Direction != direction && !(direction == "in" && a.Direction == "") {
			continue
		}
		types = append(types, a.Type)
	}
	return strings.Join(types, ", ")
}

// pingReport is the result of Peer.Ping.
type pingReport struct {
	Destination string        `json:"destination" yaml:"destination"`
	RTT         time.Duration `json:"rtt_ns" yaml:"rtt_ns"`
}

func (r pingReport) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "reply from %s: time=%s\n", r.Destination, r.RTT.Round(time.Microsecond))
	return err
}

// valueReport prints a single scalar result.
type valueReport struct {
	Value any `json:"value" yaml:"value"`
}

func (r valueReport) WriteText(w io.Writer) error {
	_, err := fmt.Fprintln(w, r.Value)
	return err
}
