// Package client is a small bus client: it connects and authenticates,
// registers with Hello, and sends calls and signals.
//
// A background goroutine reads the socket. Replies to Call are handed to
// the waiting caller; replies to CallAsync and every other incoming message
// are held until ProcessMessages runs.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jmylchreest/minibus/internal/transport"
	"github.com/jmylchreest/minibus/internal/wire"
)

// ErrClosed is returned for calls on a closed connection and delivered to
// every call still waiting when it closes.
var ErrClosed = errors.New("connection closed")

// ReplyFunc receives the reply to a CallAsync. err is the error reply as a
// *wire.Error, or ErrClosed.
type ReplyFunc func(reply *wire.Message, err error)

type ready struct {
	fn    ReplyFunc
	reply *wire.Message
	err   error
}

// Conn is a connection to the bus. It is safe for concurrent use.
type Conn struct {
	sock    *net.UnixConn
	reader  *bufio.Reader
	timeout time.Duration
	logger  *slog.Logger

	uid       int
	anonymous bool
	mechanism string
	guid      string
	name      string

	writeMu sync.Mutex

	mu      sync.Mutex
	serial  uint32
	waiters map[uint32]chan *wire.Message
	async   map[uint32]ReplyFunc
	ready   []ready
	inbox   []*wire.Message
	closed  bool
	readErr error

	notify chan struct{}
	done   chan struct{}
}

// Connect dials address, authenticates and sends Hello. An empty address
// means the session bus.
func Connect(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	if address == "" {
		address = transport.SessionAddress()
	}
	addr, err := transport.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	sock, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		sock:    sock,
		reader:  bufio.NewReaderSize(sock, 64*1024),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		uid:     os.Getuid(),
		waiters: make(map[uint32]chan *wire.Message),
		async:   make(map[uint32]ReplyFunc),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = sock.SetDeadline(deadline)
	}
	guid, err := c.authenticate(c.reader, sock)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	c.guid = guid
	if _, err := io.WriteString(sock, "BEGIN\r\n"); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("write BEGIN: %w", err)
	}
	_ = sock.SetDeadline(time.Time{})

	go c.readLoop()

	reply, err := c.Call(ctx, wire.BusName, wire.BusPath, wire.BusInterface, "Hello")
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	if reply.Signature() != "s" {
		c.Close()
		return nil, fmt.Errorf("hello: unexpected reply signature %q", reply.Signature())
	}
	c.name = string(reply.Body[0].(wire.String))
	return c, nil
}

// UniqueName is the name the bus assigned at Hello.
func (c *Conn) UniqueName() string { return c.name }

// GUID is the server GUID from the auth exchange.
func (c *Conn) GUID() string { return c.guid }

// Mechanism is the SASL mechanism that was accepted.
func (c *Conn) Mechanism() string { return c.mechanism }

func (c *Conn) nextSerial() uint32 {
	c.serial++
	if c.serial == 0 {
		c.serial = 1
	}
	return c.serial
}

// send assigns a serial, runs register with the lock held, and writes m.
func (c *Conn) send(m *wire.Message, register func(serial uint32)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	m.Serial = c.nextSerial()
	if register != nil {
		register(m.Serial)
	}
	c.mu.Unlock()

	frame, err := wire.Encode(m)
	if err != nil {
		c.forget(m.Serial)
		return err
	}

	c.writeMu.Lock()
	_, err = c.sock.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(m.Serial)
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Conn) forget(serial uint32) {
	c.mu.Lock()
	delete(c.waiters, serial)
	delete(c.async, serial)
	c.mu.Unlock()
}

// Send writes m as is, apart from assigning its serial.
func (c *Conn) Send(m *wire.Message) error {
	return c.send(m, nil)
}

// Call sends a method call and waits for its reply. The wait ends at the
// context deadline, or after the default timeout when there is none. An
// error reply is returned as a *wire.Error.
func (c *Conn) Call(ctx context.Context, dest string, path wire.ObjectPath, iface, member string, args ...wire.Value) (*wire.Message, error) {
	return c.CallMessage(ctx, wire.NewMethodCall(dest, path, iface, member, args...))
}

// CallMessage is Call for a prepared message.
func (c *Conn) CallMessage(ctx context.Context, m *wire.Message) (*wire.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ch := make(chan *wire.Message, 1)
	if err := c.send(m, func(serial uint32) { c.waiters[serial] = ch }); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if err := reply.Err(); err != nil {
			return reply, err
		}
		return reply, nil
	case <-ctx.Done():
		c.forget(m.Serial)
		return nil, fmt.Errorf("%s.%s: %w", m.Interface, m.Member, ctx.Err())
	}
}

// CallAsync sends a method call and returns at once. fn runs from a later
// ProcessMessages once the reply arrives, or from Close.
func (c *Conn) CallAsync(dest string, path wire.ObjectPath, iface, member string, fn ReplyFunc, args ...wire.Value) (uint32, error) {
	m := wire.NewMethodCall(dest, path, iface, member, args...)
	err := c.send(m, func(serial uint32) { c.async[serial] = fn })
	return m.Serial, err
}

// Emit broadcasts a signal.
func (c *Conn) Emit(path wire.ObjectPath, iface, member string, args ...wire.Value) error {
	return c.Send(wire.NewSignal(path, iface, member, args...))
}

// EmitTo sends a signal to a single destination.
func (c *Conn) EmitTo(dest string, path wire.ObjectPath, iface, member string, args ...wire.Value) error {
	m := wire.NewSignal(path, iface, member, args...)
	m.Destination = dest
	return c.Send(m)
}

func (c *Conn) busCallNoReply(member string, args ...wire.Value) error {
	m := wire.NewMethodCall(wire.BusName, wire.BusPath, wire.BusInterface, member, args...)
	m.Flags |= wire.FlagNoReplyExpected
	return c.Send(m)
}

// RequestName asks for a well-known name without waiting for the outcome.
// The bus reports success with a NameAcquired signal.
func (c *Conn) RequestName(name string, flags uint32) error {
	return c.busCallNoReply("RequestName", wire.String(name), wire.Uint32(flags))
}

// ReleaseName gives up a name without waiting for the outcome.
func (c *Conn) ReleaseName(name string) error {
	return c.busCallNoReply("ReleaseName", wire.String(name))
}

// AcquireName requests a name and returns the RequestName reply code.
func (c *Conn) AcquireName(ctx context.Context, name string, flags uint32) (uint32, error) {
	reply, err := c.Call(ctx, wire.BusName, wire.BusPath, wire.BusInterface, "RequestName",
		wire.String(name), wire.Uint32(flags))
	if err != nil {
		return 0, err
	}
	return replyUint32(reply)
}

// Release releases a name and returns the ReleaseName reply code.
func (c *Conn) Release(ctx context.Context, name string) (uint32, error) {
	reply, err := c.Call(ctx, wire.BusName, wire.BusPath, wire.BusInterface, "ReleaseName", wire.String(name))
	if err != nil {
		return 0, err
	}
	return replyUint32(reply)
}

func replyUint32(reply *wire.Message) (uint32, error) {
	if len(reply.Body) == 1 {
		if u, ok := reply.Body[0].(wire.Uint32); ok {
			return uint32(u), nil
		}
	}
	return 0, fmt.Errorf("unexpected reply signature %q", reply.Signature())
}

// Reply answers a method call received from the bus.
func (c *Conn) Reply(call *wire.Message, args ...wire.Value) error {
	if !call.ExpectsReply() {
		return nil
	}
	return c.Send(wire.NewMethodReturn(call, args...))
}

// ReplyError answers a method call with an error.
func (c *Conn) ReplyError(call *wire.Message, name, text string) error {
	if !call.ExpectsReply() {
		return nil
	}
	return c.Send(wire.NewError(call, name, text))
}

// ProcessMessages runs the continuations of completed CallAsync calls and
// returns the messages that answered nothing: signals, incoming calls and
// stray replies. It does not block.
func (c *Conn) ProcessMessages() []*wire.Message {
	c.mu.Lock()
	done := c.ready
	msgs := c.inbox
	c.ready, c.inbox = nil, nil
	c.mu.Unlock()

	for _, r := range done {
		err := r.err
		if err == nil {
			err = r.reply.Err()
		}
		r.fn(r.reply, err)
	}
	return msgs
}

// Wait blocks until ProcessMessages has something to return, the
// connection closes, or ctx ends.
func (c *Conn) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		pending := len(c.ready) > 0 || len(c.inbox) > 0
		closed := c.closed
		c.mu.Unlock()
		if pending {
			return nil
		}
		if closed {
			return ErrClosed
		}
		select {
		case <-c.notify:
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the read loop, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Close shuts the connection. Waiting calls return ErrClosed and pending
// CallAsync continuations run with ErrClosed before Close returns.
func (c *Conn) Close() error {
	fns := c.shutdown(nil)
	for _, fn := range fns {
		fn(nil, ErrClosed)
	}
	return nil
}

// shutdown marks the connection closed and returns the continuations that
// still need to be told.
func (c *Conn) shutdown(readErr error) []ReplyFunc {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.readErr = readErr
	for serial, ch := range c.waiters {
		close(ch)
		delete(c.waiters, serial)
	}
	fns := make([]ReplyFunc, 0, len(c.async))
	for serial, fn := range c.async {
		fns = append(fns, fn)
		delete(c.async, serial)
	}
	c.mu.Unlock()

	_ = c.sock.Close()
	close(c.done)
	return fns
}

func (c *Conn) readLoop() {
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 64*1024)
	for {
		n, err := c.reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			batch, derr := wire.DecodeAll(buf)
			for _, skipped := range batch.Skipped {
				c.logger.Warn("dropping malformed message from bus", "error", skipped)
			}
			for _, m := range batch.Messages {
				c.dispatch(m)
			}
			buf = append(buf[:0], buf[batch.Consumed:]...)
			if derr != nil {
				err = derr
			}
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				err = nil
			}
			c.deferClose(err)
			return
		}
	}
}

// deferClose closes after a read failure. Async continuations are queued so
// they still run on the ProcessMessages caller.
func (c *Conn) deferClose(err error) {
	fns := c.shutdown(err)
	if len(fns) == 0 {
		return
	}
	c.mu.Lock()
	for _, fn := range fns {
		c.ready = append(c.ready, ready{fn: fn, err: ErrClosed})
	}
	c.mu.Unlock()
	c.wake()
}

func (c *Conn) dispatch(m *wire.Message) {
	c.mu.Lock()
	if m.IsReply() {
		if ch, ok := c.waiters[m.ReplySerial]; ok {
			delete(c.waiters, m.ReplySerial)
			c.mu.Unlock()
			ch <- m
			return
		}
		if fn, ok := c.async[m.ReplySerial]; ok {
			delete(c.async, m.ReplySerial)
			c.ready = append(c.ready, ready{fn: fn, reply: m})
			c.mu.Unlock()
			c.wake()
			return
		}
	}
	c.inbox = append(c.inbox, m)
	c.mu.Unlock()
	c.wake()
}

func (c *Conn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
