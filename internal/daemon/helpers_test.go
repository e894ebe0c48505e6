package daemon_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/minibus/client"
	"github.com/jmylchreest/minibus/internal/bustest"
	"github.com/jmylchreest/minibus/internal/wire"
)

func connect(t *testing.T, bus *bustest.Bus, opts ...client.Option) *client.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Connect(ctx, bus.Address, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func busCall(t *testing.T, c *client.Conn, member string, args ...wire.Value) (*wire.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Call(ctx, wire.BusName, wire.BusPath, wire.BusInterface, member, args...)
}

func requireBusError(t *testing.T, err error, name string) {
	t.Helper()
	var busErr *wire.Error
	require.ErrorAs(t, err, &busErr)
	require.Equal(t, name, busErr.Name, busErr.Message)
}

// waitFor processes messages until one matches, discarding the rest.
func waitFor(t *testing.T, c *client.Conn, match func(*wire.Message) bool) *wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		for _, m := range c.ProcessMessages() {
			if match(m) {
				return m
			}
		}
		require.NoError(t, c.Wait(ctx), "no matching message")
	}
}

func isNameOwnerChanged(name, oldOwner, newOwner string) func(*wire.Message) bool {
	return func(m *wire.Message) bool {
		return bustest.IsBusSignal(m, "NameOwnerChanged") && len(m.Body) == 3 &&
			m.Body[0] == wire.String(name) && m.Body[1] == wire.String(oldOwner) && m.Body[2] == wire.String(newOwner)
	}
}

// service answers calls on c until the test ends: WhoAmI returns the
// caller's sender field, Silent never answers, anything else echoes its
// arguments.
type service struct {
	mu    sync.Mutex
	calls []*wire.Message
}

func serve(t *testing.T, c *client.Conn) *service {
	s := &service{}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for c.Wait(ctx) == nil {
			for _, m := range c.ProcessMessages() {
				if m.Type != wire.TypeMethodCall {
					continue
				}
				s.mu.Lock()
				s.calls = append(s.calls, m)
				s.mu.Unlock()
				switch m.Member {
				case "WhoAmI":
					_ = c.Reply(m, wire.String(m.Sender))
				case "Silent":
				default:
					_ = c.Reply(m, m.Body...)
				}
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return s
}

func (s *service) received() []*wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.Message(nil), s.calls...)
}

// rawConn speaks the protocol by hand for cases the client refuses to
// produce.
type rawConn struct {
	*net.UnixConn
	buf []byte
}

func dialRaw(t *testing.T, bus *bustest.Bus) *rawConn {
	t.Helper()
	sock, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: bus.Path, Net: "unix"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })
	return &rawConn{UnixConn: sock}
}

// auth authenticates with EXTERNAL and sends BEGIN followed by extra.
func (r *rawConn) auth(t *testing.T, extra ...*wire.Message) {
	t.Helper()
	uid := hex.EncodeToString([]byte(strconv.Itoa(os.Getuid())))
	out := []byte("\x00AUTH EXTERNAL " + uid + "\r\nBEGIN\r\n")
	for _, m := range extra {
		frame, err := wire.Encode(m)
		require.NoError(t, err)
		out = append(out, frame...)
	}
	_, err := r.Write(out)
	require.NoError(t, err)

	for !bytes.Contains(r.buf, []byte("\r\n")) {
		r.fill(t)
	}
	line, rest, _ := bytes.Cut(r.buf, []byte("\r\n"))
	require.True(t, bytes.HasPrefix(line, []byte("OK ")), "auth reply %q", line)
	r.buf = rest
}

// hello authenticates and registers, returning the unique name.
func (r *rawConn) hello(t *testing.T) string {
	t.Helper()
	hello := wire.NewMethodCall(wire.BusName, wire.BusPath, wire.BusInterface, "Hello")
	hello.Serial = 1
	r.auth(t, hello)
	for {
		m, err := r.next(t)
		require.NoError(t, err)
		if m.IsReply() && m.ReplySerial == 1 {
			return string(m.Body[0].(wire.String))
		}
	}
}

func (r *rawConn) fill(t *testing.T) {
	t.Helper()
	require.NoError(t, r.SetReadDeadline(time.Now().Add(5*time.Second)))
	chunk := make([]byte, 4096)
	n, err := r.Read(chunk)
	require.NoError(t, err)
	r.buf = append(r.buf, chunk[:n]...)
}

// next returns the next message, or the read error once the bus hangs up.
func (r *rawConn) next(t *testing.T) (*wire.Message, error) {
	t.Helper()
	for {
		m, n, err := wire.Decode(r.buf)
		if err == nil {
			r.buf = r.buf[n:]
			return m, nil
		}
		require.ErrorIs(t, err, wire.ErrIncomplete)

		require.NoError(t, r.SetReadDeadline(time.Now().Add(5*time.Second)))
		chunk := make([]byte, 4096)
		k, err := r.Read(chunk)
		if err != nil {
			return nil, err
		}
		r.buf = append(r.buf, chunk[:k]...)
	}
}

func (r *rawConn) send(t *testing.T, m *wire.Message) {
	t.Helper()
	frame, err := wire.Encode(m)
	require.NoError(t, err)
	_, err = r.Write(frame)
	require.NoError(t, err)
}

// writeService writes a .service file for name into dir.
func writeService(t *testing.T, dir, name, exec string) {
	t.Helper()
	content := "[D-BUS Service]\nName=" + name + "\nExec=" + exec + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".service"), []byte(content), 0644))
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}
