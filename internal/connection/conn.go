// Package connection holds the per-client protocol state of the bus: the SASL
// handshake, the mandatory Hello call and frame decoding once active.
//
// A Conn performs no I/O. The daemon feeds it the bytes read from the socket
// and writes back whatever the returned Output asks for.
package connection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmylchreest/minibus/internal/transport"
	"github.com/jmylchreest/minibus/internal/wire"
)

// State is the lifecycle state of a connection.
type State int

const (
	WaitingForAuth State = iota
	WaitingForHello
	Active
	Closed
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case WaitingForAuth:
		return "waiting-for-auth"
	case WaitingForHello:
		return "waiting-for-hello"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// MaxAuthLine bounds a single SASL line, terminator excluded.
	MaxAuthLine = 16 * 1024

	// MaxAuthRejections is the number of REJECTED replies after which the
	// connection is dropped.
	MaxAuthRejections = 6
)

// ErrClosed is returned when feeding a connection that is already closed.
var ErrClosed = errors.New("connection closed")

// ProtocolError is a violation that closes the offending connection.
type ProtocolError struct {
	State  State
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error while %s: %s: %v", e.State, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error while %s: %s", e.State, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Namer hands out unique connection names. The daemon implements it.
type Namer interface {
	NextUniqueName() string
}

// NamerFunc adapts a function to the Namer interface.
type NamerFunc func() string

func (f NamerFunc) NextUniqueName() string { return f() }

// Options configures a new connection.
type Options struct {
	// GUID is the server GUID returned in the OK auth reply.
	GUID string
	// AllowAnonymous enables the ANONYMOUS mechanism.
	AllowAnonymous bool
	// Credentials are the peer's kernel credentials. Nil means they are
	// unavailable, in which case EXTERNAL trusts the claimed uid.
	Credentials *transport.Credentials
	// Namer assigns the unique name on Hello.
	Namer Namer
}

// Output is what the daemon must act on after a Feed.
type Output struct {
	// Lines are SASL replies to send, without the trailing CRLF.
	Lines []string
	// Hello is set when this feed completed the Hello handshake. The daemon
	// owes it a reply carrying the unique name.
	Hello *wire.Message
	// Messages are frames decoded while Active, in arrival order.
	Messages []*wire.Message
	// Skipped holds one error per malformed frame that was discarded.
	Skipped []error
}

// AuthReply renders Lines as they go on the wire.
func (o Output) AuthReply() []byte {
	if len(o.Lines) == 0 {
		return nil
	}
	return []byte(strings.Join(o.Lines, "\r\n") + "\r\n")
}

// Conn is the protocol state of one client connection.
type Conn struct {
	id    uint64
	opts  Options
	state State

	auth       authState
	mechanism  string
	rejections int
	started    bool

	buf        []byte
	uniqueName string
	monitor    bool
	anonymous  bool
	authUID    uint32
}

// New returns a connection in WaitingForAuth.
func New(id uint64, opts Options) *Conn {
	return &Conn{id: id, opts: opts}
}

// ID returns the daemon-local connection id.
func (c *Conn) ID() uint64 { return c.id }

// State returns the lifecycle state.
func (c *Conn) State() State { return c.state }

// UniqueName returns the ":1.N" name, or "" before Hello.
func (c *Conn) UniqueName() string { return c.uniqueName }

// IsMonitor reports whether the connection became a monitor.
func (c *Conn) IsMonitor() bool { return c.monitor }

// SetMonitor turns the connection into a monitor. Any later message from it
// is a protocol error.
func (c *Conn) SetMonitor() { c.monitor = true }

// Mechanism returns the SASL mechanism in use, or "" before AUTH.
func (c *Conn) Mechanism() string { return c.mechanism }

// Anonymous reports whether the client authenticated with ANONYMOUS.
func (c *Conn) Anonymous() bool { return c.anonymous }

// Credentials returns the peer credentials, if the transport supplied them.
func (c *Conn) Credentials() (transport.Credentials, bool) {
	if c.opts.Credentials == nil {
		return transport.Credentials{}, false
	}
	return *c.opts.Credentials, true
}

// UnixUser returns the uid the client authenticated as.
func (c *Conn) UnixUser() (uint32, bool) {
	if cred, ok := c.Credentials(); ok {
		return cred.UID, true
	}
	if c.state >= WaitingForHello && !c.anonymous {
		return c.authUID, true
	}
	return 0, false
}

// Close moves the connection to Closed and drops buffered input.
func (c *Conn) Close() {
	c.state = Closed
	c.buf = nil
}

// Buffered returns the number of bytes received but not yet consumed.
func (c *Conn) Buffered() int { return len(c.buf) }

// Feed appends data to the inbound buffer and advances the state machine as
// far as the buffered bytes allow. On error the connection is Closed; the
// returned Output still carries any replies produced before the failure.
func (c *Conn) Feed(data []byte) (Output, error) {
	var out Output
	if c.state == Closed {
		return out, ErrClosed
	}
	c.buf = append(c.buf, data...)

	if err := c.advance(&out); err != nil {
		c.Close()
		return out, err
	}
	return out, nil
}

func (c *Conn) advance(out *Output) error {
	if c.state == WaitingForAuth {
		if err := c.feedAuth(out); err != nil {
			return err
		}
	}
	if c.state == WaitingForHello {
		if err := c.feedHello(out); err != nil {
			return err
		}
	}
	if c.state == Active {
		return c.feedFrames(out)
	}
	return nil
}

func (c *Conn) fail(reason string, err error) *ProtocolError {
	return &ProtocolError{State: c.state, Reason: reason, Err: err}
}

func (c *Conn) feedHello(out *Output) error {
	m, n, err := wire.Decode(c.buf)
	if errors.Is(err, wire.ErrIncomplete) {
		return nil
	}
	if err != nil {
		return c.fail("malformed first message", err)
	}
	c.buf = c.buf[n:]

	if !isHello(m) {
		return c.fail(fmt.Sprintf("first message must be Hello, got %s", m), nil)
	}
	if c.opts.Namer == nil {
		return c.fail("no unique name available", nil)
	}
	c.uniqueName = c.opts.Namer.NextUniqueName()
	c.state = Active
	out.Hello = m
	return nil
}

func isHello(m *wire.Message) bool {
	return m.Type == wire.TypeMethodCall &&
		m.Destination == wire.BusName &&
		(m.Interface == "" || m.Interface == wire.BusInterface) &&
		m.Member == "Hello"
}

func (c *Conn) feedFrames(out *Output) error {
	batch, err := wire.DecodeAll(c.buf)
	c.buf = c.buf[batch.Consumed:]
	if len(c.buf) == 0 {
		c.buf = nil
	}
	out.Messages = append(out.Messages, batch.Messages...)
	out.Skipped = append(out.Skipped, batch.Skipped...)
	if err != nil {
		return c.fail("unreadable message header", err)
	}
	if c.monitor && (len(batch.Messages) > 0 || len(batch.Skipped) > 0) {
		out.Messages = nil
		return c.fail("monitor connections may not send messages", nil)
	}
	return nil
}
