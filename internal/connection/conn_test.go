package connection

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/minibus/internal/transport"
	"github.com/jmylchreest/minibus/internal/wire"
)

const testGUID = "0123456789abcdef0123456789abcdef"

func newTestConn(cred *transport.Credentials, anonymous bool) *Conn {
	n := 0
	return New(1, Options{
		GUID:           testGUID,
		AllowAnonymous: anonymous,
		Credentials:    cred,
		Namer: NamerFunc(func() string {
			name := fmt.Sprintf(":1.%d", n)
			n++
			return name
		}),
	})
}

func hexUID(uid uint32) string {
	return hex.EncodeToString([]byte(strconv.FormatUint(uint64(uid), 10)))
}

func encode(t *testing.T, m *wire.Message, serial uint32) []byte {
	t.Helper()
	m.Serial = serial
	data, err := wire.Encode(m)
	require.NoError(t, err)
	return data
}

func helloFrame(t *testing.T) []byte {
	return encode(t, wire.NewMethodCall(wire.BusName, wire.BusPath, wire.BusInterface, "Hello"), 1)
}

func authenticate(t *testing.T, c *Conn) {
	t.Helper()
	out, err := c.Feed([]byte("\x00AUTH EXTERNAL " + hexUID(1000) + "\r\nBEGIN\r\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"OK " + testGUID}, out.Lines)
	require.Equal(t, WaitingForHello, c.State())
}

func activate(t *testing.T, c *Conn) {
	t.Helper()
	authenticate(t, c)
	out, err := c.Feed(helloFrame(t))
	require.NoError(t, err)
	require.NotNil(t, out.Hello)
	require.Equal(t, Active, c.State())
}

func TestHandshakeInSingleFeed(t *testing.T) {
	c := newTestConn(&transport.Credentials{UID: 1000, PID: 42}, false)

	out, err := c.Feed([]byte("\x00AUTH EXTERNAL " + hexUID(1000) + "\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"OK " + testGUID}, out.Lines)
	assert.Equal(t, WaitingForAuth, c.State())

	call := encode(t, wire.NewMethodCall("org.example.Foo", "/", "org.example.Foo", "Ping"), 2)
	data := append([]byte("BEGIN\r\n"), helloFrame(t)...)
	data = append(data, call...)

	out, err = c.Feed(data)
	require.NoError(t, err)
	require.NotNil(t, out.Hello)
	assert.Equal(t, "Hello", out.Hello.Member)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "Ping", out.Messages[0].Member)
	assert.Equal(t, Active, c.State())
	assert.Equal(t, ":1.0", c.UniqueName())
	assert.Equal(t, mechExternal, c.Mechanism())
	assert.Zero(t, c.Buffered())

	uid, ok := c.UnixUser()
	assert.True(t, ok)
	assert.Equal(t, uint32(1000), uid)
}

func TestHandshakeByteByByte(t *testing.T) {
	c := newTestConn(nil, false)
	data := []byte("\x00AUTH EXTERNAL " + hexUID(7) + "\r\nBEGIN\r\n")
	data = append(data, helloFrame(t)...)

	var lines []string
	var hello *wire.Message
	for i := range data {
		out, err := c.Feed(data[i : i+1])
		require.NoError(t, err, "byte %d", i)
		lines = append(lines, out.Lines...)
		if out.Hello != nil {
			hello = out.Hello
		}
	}
	assert.Equal(t, []string{"OK " + testGUID}, lines)
	require.NotNil(t, hello)
	assert.Equal(t, Active, c.State())
}

func TestAuthReplies(t *testing.T) {
	tests := []struct {
		name      string
		anonymous bool
		cred      *transport.Credentials
		input     string
		want      []string
		state     State
	}{
		{
			name:  "bare auth lists mechanisms",
			input: "AUTH\r\n",
			want:  []string{"REJECTED EXTERNAL"},
		},
		{
			name:      "bare auth lists anonymous when enabled",
			anonymous: true,
			input:     "AUTH\r\n",
			want:      []string{"REJECTED EXTERNAL ANONYMOUS"},
		},
		{
			name:  "wrong uid rejected",
			cred:  &transport.Credentials{UID: 1000},
			input: "AUTH EXTERNAL " + hexUID(0) + "\r\n",
			want:  []string{"REJECTED EXTERNAL"},
		},
		{
			name:  "garbage hex rejected",
			input: "AUTH EXTERNAL zz\r\n",
			want:  []string{"REJECTED EXTERNAL"},
		},
		{
			name:  "unknown mechanism rejected",
			input: "AUTH DBUS_COOKIE_SHA1 abc\r\n",
			want:  []string{"REJECTED EXTERNAL"},
		},
		{
			name:  "anonymous disabled",
			input: "AUTH ANONYMOUS\r\n",
			want:  []string{"REJECTED EXTERNAL"},
		},
		{
			name:      "anonymous enabled",
			anonymous: true,
			input:     "AUTH ANONYMOUS 7472616365\r\n",
			want:      []string{"OK " + testGUID},
		},
		{
			name:  "external data exchange",
			cred:  &transport.Credentials{UID: 1000},
			input: "AUTH EXTERNAL\r\nDATA " + hexUID(1000) + "\r\n",
			want:  []string{"DATA", "OK " + testGUID},
		},
		{
			name:  "external empty data uses socket credentials",
			cred:  &transport.Credentials{UID: 1000},
			input: "AUTH EXTERNAL\r\nDATA\r\n",
			want:  []string{"DATA", "OK " + testGUID},
		},
		{
			name:  "cancel returns to auth",
			input: "AUTH EXTERNAL\r\nCANCEL\r\n",
			want:  []string{"DATA", "REJECTED EXTERNAL"},
		},
		{
			name:  "negotiate unix fd refused",
			input: "AUTH EXTERNAL " + hexUID(5) + "\r\nNEGOTIATE_UNIX_FD\r\nBEGIN\r\n",
			want:  []string{"OK " + testGUID, "ERROR Unix fd passing is not supported"},
			state: WaitingForHello,
		},
		{
			name:  "bare line feed tolerated",
			input: "AUTH EXTERNAL " + hexUID(5) + "\nBEGIN\n",
			want:  []string{"OK " + testGUID},
			state: WaitingForHello,
		},
		{
			name:  "data outside exchange",
			input: "DATA 00\r\n",
			want:  []string{"ERROR"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConn(tt.cred, tt.anonymous)
			out, err := c.Feed([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Lines)
			assert.Equal(t, tt.state, c.State())
		})
	}
}

func TestAuthFailuresClose(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown command", "HELLO THERE\r\n"},
		{"begin before auth", "BEGIN\r\n"},
		{"non-ascii", "AUTH EXTERNAL \xff\r\n"},
		{"embedded control byte", "AUTH\x01\r\n"},
		{"line too long", strings.Repeat("A", MaxAuthLine+1)},
		{"too many rejections", strings.Repeat("AUTH\r\n", MaxAuthRejections)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConn(nil, false)
			_, err := c.Feed([]byte(tt.input))
			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.Equal(t, WaitingForAuth, protoErr.State)
			assert.Equal(t, Closed, c.State())

			_, err = c.Feed([]byte("AUTH\r\n"))
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestRejectionsRepliedBeforeClose(t *testing.T) {
	c := newTestConn(nil, false)
	out, err := c.Feed([]byte(strings.Repeat("AUTH\r\n", MaxAuthRejections+2)))
	require.Error(t, err)
	assert.Len(t, out.Lines, MaxAuthRejections)
	assert.Equal(t, "REJECTED EXTERNAL\r\n", string(out.AuthReply()[:len("REJECTED EXTERNAL\r\n")]))
}

func TestAuthRetryAfterRejection(t *testing.T) {
	c := newTestConn(&transport.Credentials{UID: 1000}, false)
	out, err := c.Feed([]byte("AUTH\r\nAUTH EXTERNAL " + hexUID(1000) + "\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"REJECTED EXTERNAL", "OK " + testGUID}, out.Lines)
}

func TestPreHelloTrafficCloses(t *testing.T) {
	c := newTestConn(nil, false)
	authenticate(t, c)

	call := encode(t, wire.NewMethodCall("org.example.Foo", "/", "org.example.Foo", "Ping"), 1)
	_, err := c.Feed(call)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, WaitingForHello, protoErr.State)
	assert.Equal(t, Closed, c.State())
	assert.Empty(t, c.UniqueName())
}

func TestHelloWithoutNamerFails(t *testing.T) {
	c := New(1, Options{GUID: testGUID})
	authenticate(t, c)
	_, err := c.Feed(helloFrame(t))
	assert.Error(t, err)
}

func TestActiveSkipsMalformedFrames(t *testing.T) {
	c := newTestConn(nil, false)
	activate(t, c)

	bad := encode(t, wire.NewMethodCall("org.example.Foo", "/", "org.example.Foo", "Flag", wire.Bool(true)), 2)
	bad[len(bad)-4] = 9
	good := encode(t, wire.NewSignal("/a", "org.example.Foo", "Changed"), 3)

	out, err := c.Feed(append(bad, good...))
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "Changed", out.Messages[0].Member)
	assert.Len(t, out.Skipped, 1)
	assert.Equal(t, Active, c.State())
}

func TestActiveCorruptStreamCloses(t *testing.T) {
	c := newTestConn(nil, false)
	activate(t, c)

	_, err := c.Feed([]byte(strings.Repeat("z", 32)))
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.ErrorIs(t, err, wire.ErrCorruptStream)
	assert.Equal(t, Closed, c.State())
}

func TestMonitorMayNotSend(t *testing.T) {
	c := newTestConn(nil, false)
	activate(t, c)
	c.SetMonitor()
	assert.True(t, c.IsMonitor())

	out, err := c.Feed(encode(t, wire.NewSignal("/a", "org.example.Foo", "Changed"), 5))
	require.Error(t, err)
	assert.Empty(t, out.Messages)
	assert.Equal(t, Closed, c.State())
}

func TestUnixUserAnonymous(t *testing.T) {
	c := newTestConn(nil, true)
	_, err := c.Feed([]byte("AUTH ANONYMOUS\r\nBEGIN\r\n"))
	require.NoError(t, err)
	assert.True(t, c.Anonymous())
	_, ok := c.UnixUser()
	assert.False(t, ok)
}
