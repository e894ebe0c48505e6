package daemon_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/minibus/client"
	"github.com/jmylchreest/minibus/internal/bustest"
	"github.com/jmylchreest/minibus/internal/daemon"
	"github.com/jmylchreest/minibus/internal/wire"
)

func TestHello_AssignsNameAndAnnounces(t *testing.T) {
	bus := bustest.Start(t)
	watcher := connect(t, bus)

	raw := dialRaw(t, bus)
	name := raw.hello(t)
	assert.True(t, strings.HasPrefix(name, ":1."), name)

	// NameAcquired for the unique name follows the Hello reply.
	m, err := raw.next(t)
	require.NoError(t, err)
	assert.True(t, bustest.IsBusSignal(m, "NameAcquired"))
	assert.Equal(t, []wire.Value{wire.String(name)}, m.Body)

	waitFor(t, watcher, isNameOwnerChanged(name, "", name))
}

func TestPreHelloTrafficClosesConnection(t *testing.T) {
	bus := bustest.Start(t)
	raw := dialRaw(t, bus)

	ping := wire.NewMethodCall(wire.BusName, wire.BusPath, wire.PeerInterface, "Ping")
	ping.Serial = 1
	raw.auth(t, ping)

	_, err := raw.next(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.EOF) || strings.Contains(err.Error(), "reset"), err)
}

func TestSenderIsRewritten(t *testing.T) {
	bus := bustest.Start(t)
	svc := connect(t, bus)
	_, err := svc.AcquireName(context.Background(), "org.example.Who", 0)
	require.NoError(t, err)
	serve(t, svc)

	caller := connect(t, bus)
	call := wire.NewMethodCall("org.example.Who", "/", "org.example.Who", "WhoAmI")
	call.Sender = ":1.999"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := caller.CallMessage(ctx, call)
	require.NoError(t, err)

	assert.Equal(t, []wire.Value{wire.String(caller.UniqueName())}, reply.Body)
	assert.Equal(t, svc.UniqueName(), reply.Sender)
	assert.Equal(t, caller.UniqueName(), reply.Destination)
}

func TestUnknownDestination(t *testing.T) {
	bus := bustest.Start(t)
	c := connect(t, bus)
	ctx := context.Background()

	_, err := c.Call(ctx, "org.example.Missing", "/", "org.example.Missing", "Hi")
	requireBusError(t, err, wire.ErrorServiceUnknown)

	_, err = c.Call(ctx, ":1.4242", "/", "org.example.Missing", "Hi")
	requireBusError(t, err, wire.ErrorServiceUnknown)

	_, err = c.Call(ctx, "", "/", "org.example.Missing", "Hi")
	requireBusError(t, err, wire.ErrorInvalidArgs)
}

func TestNameConflictsAndRelease(t *testing.T) {
	bus := bustest.Start(t)
	a := connect(t, bus)
	b := connect(t, bus)

	reply, err := busCall(t, a, "RequestName", wire.String("org.example.Name"), wire.Uint32(0))
	require.NoError(t, err)
	assert.Equal(t, []wire.Value{wire.Uint32(daemon.RequestNamePrimaryOwner)}, reply.Body)
	waitFor(t, a, func(m *wire.Message) bool {
		return bustest.IsBusSignal(m, "NameAcquired") && m.Body[0] == wire.String("org.example.Name")
	})

	reply, err = busCall(t, b, "RequestName", wire.String("org.example.Name"), wire.Uint32(0))
	require.NoError(t, err)
	assert.Equal(t, []wire.Value{wire.Uint32(daemon.RequestNameExists)}, reply.Body)

	reply, err = busCall(t, b, "ReleaseName", wire.String("org.example.Name"))
	require.NoError(t, err)
	assert.Equal(t, []wire.Value{wire.Uint32(daemon.ReleaseNameNotOwner)}, reply.Body)
	assert.Equal(t, a.UniqueName(), bus.WaitOwner(t, "org.example.Name"))

	reply, err = busCall(t, a, "ReleaseName", wire.String("org.example.Name"))
	require.NoError(t, err)
	assert.Equal(t, []wire.Value{wire.Uint32(daemon.ReleaseNameReleased)}, reply.Body)
	waitFor(t, a, func(m *wire.Message) bool { return bustest.IsBusSignal(m, "NameLost") })
	waitFor(t, b, isNameOwnerChanged("org.example.Name", a.UniqueName(), ""))

	reply, err = busCall(t, b, "RequestName", wire.String("org.example.Name"), wire.Uint32(0))
	require.NoError(t, err)
	assert.Equal(t, []wire.Value{wire.Uint32(daemon.RequestNamePrimaryOwner)}, reply.Body)
}

func TestRequestName_InvalidNames(t *testing.T) {
	bus := bustest.Start(t)
	c := connect(t, bus)

	for _, name := range []string{wire.BusName, ":1.77", "nodots", "org..example", ""} {
		t.Run(name, func(t *testing.T) {
			_, err := busCall(t, c, "RequestName", wire.String(name), wire.Uint32(0))
			requireBusError(t, err, wire.ErrorInvalidArgs)
		})
	}
}

func TestRequestName_Limit(t *testing.T) {
	bus := bustest.Start(t, func(cfg *daemon.Config) { cfg.MaxNamesPerConnection = 2 })
	c := connect(t, bus)

	for _, name := range []string{"org.example.One", "org.example.Two"} {
		_, err := busCall(t, c, "RequestName", wire.String(name), wire.Uint32(0))
		require.NoError(t, err)
	}
	_, err := busCall(t, c, "RequestName", wire.String("org.example.Three"), wire.Uint32(0))
	requireBusError(t, err, wire.ErrorLimitsExceeded)

	// Re-requesting an owned name is not a new name.
	reply, err := busCall(t, c, "RequestName", wire.String("org.example.One"), wire.Uint32(0))
	require.NoError(t, err)
	assert.Equal(t, []wire.Value{wire.Uint32(daemon.RequestNameAlreadyOwner)}, reply.Body)
}

type denyPolicy struct{ daemon.AllowAll }

func (denyPolicy) AllowOwn(_ daemon.Peer, name string) bool {
	return !strings.HasPrefix(name, "org.example.Forbidden")
}

func (denyPolicy) AllowSend(_ daemon.Peer, m *wire.Message) bool {
	return m.Member != "Blocked"
}

func TestPolicyHooks(t *testing.T) {
	bus := bustest.Start(t)
	bus.Daemon.SetPolicy(denyPolicy{})
	c := connect(t, bus)

	_, err := busCall(t, c, "RequestName", wire.String("org.example.Forbidden"), wire.Uint32(0))
	requireBusError(t, err, wire.ErrorAccessDenied)

	_, err = c.Call(context.Background(), wire.BusName, wire.BusPath, wire.BusInterface, "Blocked")
	requireBusError(t, err, wire.ErrorAccessDenied)
}

func TestReleaseOnDisconnect(t *testing.T) {
	bus := bustest.Start(t)
	watcher := connect(t, bus)

	var changes []string
	done := make(chan struct{})
	bus.Daemon.AddNameOwnerListener(daemon.NameOwnerFunc(func(name, oldOwner, newOwner string) {
		if newOwner == "" && strings.HasPrefix(name, "org.example.Gone") {
			changes = append(changes, name)
			if len(changes) == 2 {
				close(done)
			}
		}
	}))

	owner := connect(t, bus)
	for _, name := range []string{"org.example.GoneB", "org.example.GoneA"} {
		_, err := owner.AcquireName(context.Background(), name, 0)
		require.NoError(t, err)
	}
	unique := owner.UniqueName()
	require.NoError(t, owner.Close())

	waitFor(t, watcher, isNameOwnerChanged("org.example.GoneA", unique, ""))
	waitFor(t, watcher, isNameOwnerChanged("org.example.GoneB", unique, ""))
	waitFor(t, watcher, isNameOwnerChanged(unique, unique, ""))
	bus.WaitNoOwner(t, "org.example.GoneA")
	bus.WaitNoOwner(t, unique)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener not told about released names")
	}
	assert.Equal(t, []string{"org.example.GoneA", "org.example.GoneB"}, changes)
}

func TestNoReplyWhenCalleeDisconnects(t *testing.T) {
	bus := bustest.Start(t)
	svc := connect(t, bus)
	_, err := svc.AcquireName(context.Background(), "org.example.Flaky", 0)
	require.NoError(t, err)
	calls := serve(t, svc)

	caller := connect(t, bus)
	result := make(chan error, 1)
	go func() {
		_, err := caller.Call(context.Background(), "org.example.Flaky", "/", "org.example.Flaky", "Silent")
		result <- err
	}()

	require.Eventually(t, func() bool { return len(calls.received()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, svc.Close())

	select {
	case err := <-result:
		requireBusError(t, err, wire.ErrorNoReply)
	case <-time.After(5 * time.Second):
		t.Fatal("caller not released")
	}
}

func TestNoReplyAfterReplyTimeout(t *testing.T) {
	bus := bustest.Start(t, func(cfg *daemon.Config) { cfg.ReplyTimeout = 100 * time.Millisecond })
	svc := connect(t, bus)
	_, err := svc.AcquireName(context.Background(), "org.example.Slow", 0)
	require.NoError(t, err)
	serve(t, svc)

	caller := connect(t, bus)
	_, err = caller.Call(context.Background(), "org.example.Slow", "/", "org.example.Slow", "Silent")
	requireBusError(t, err, wire.ErrorNoReply)
}

func TestPendingReplyLimit(t *testing.T) {
	bus := bustest.Start(t, func(cfg *daemon.Config) { cfg.MaxPendingReplies = 1 })
	svc := connect(t, bus)
	_, err := svc.AcquireName(context.Background(), "org.example.Slow", 0)
	require.NoError(t, err)
	calls := serve(t, svc)

	caller := connect(t, bus)
	_, err = caller.CallAsync("org.example.Slow", "/", "org.example.Slow", "Silent", func(*wire.Message, error) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(calls.received()) == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = caller.Call(context.Background(), "org.example.Slow", "/", "org.example.Slow", "Silent")
	requireBusError(t, err, wire.ErrorLimitsExceeded)
}

func TestOnlyCalleeReplyIsForwarded(t *testing.T) {
	bus := bustest.Start(t)
	svc := connect(t, bus)
	_, err := svc.AcquireName(context.Background(), "org.example.Echo", 0)
	require.NoError(t, err)
	calls := serve(t, svc)

	caller := connect(t, bus)
	intruder := connect(t, bus)

	result := make(chan *wire.Message, 1)
	serial, err := caller.CallAsync("org.example.Echo", "/", "org.example.Echo", "Silent",
		func(reply *wire.Message, err error) { result <- reply })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(calls.received()) == 1 }, 5*time.Second, 10*time.Millisecond)

	forged := &wire.Message{
		Type:        wire.TypeMethodReturn,
		ReplySerial: serial,
		Destination: caller.UniqueName(),
		Body:        []wire.Value{wire.String("forged")},
	}
	require.NoError(t, intruder.Send(forged))

	// The real callee answers afterwards.
	require.NoError(t, svc.Reply(calls.received()[0], wire.String("genuine")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case reply := <-result:
			assert.Equal(t, []wire.Value{wire.String("genuine")}, reply.Body)
			assert.Equal(t, svc.UniqueName(), reply.Sender)
			return
		default:
		}
		require.NoError(t, caller.Wait(ctx))
		for _, m := range caller.ProcessMessages() {
			assert.NotEqual(t, wire.TypeMethodReturn, m.Type, "unexpected reply %s", m)
		}
	}
}

func TestSignals(t *testing.T) {
	bus := bustest.Start(t)
	sender := connect(t, bus)
	a := connect(t, bus)
	b := connect(t, bus)

	require.NoError(t, sender.Emit("/org/example", "org.example.Events", "Broadcast", wire.String("all")))
	for _, c := range []*client.Conn{a, b} {
		m := waitFor(t, c, func(m *wire.Message) bool { return m.Member == "Broadcast" })
		assert.Equal(t, sender.UniqueName(), m.Sender)
	}

	require.NoError(t, sender.EmitTo(b.UniqueName(), "/org/example", "org.example.Events", "Direct"))
	require.NoError(t, sender.Emit("/org/example", "org.example.Events", "Marker"))

	// a sees the marker broadcast but never the unicast signal.
	waitFor(t, a, func(m *wire.Message) bool {
		require.NotEqual(t, "Direct", m.Member)
		return m.Member == "Marker"
	})
	waitFor(t, b, func(m *wire.Message) bool { return m.Member == "Direct" })

	// The sender does not get its own broadcast back.
	_, err := busCall(t, sender, "GetId")
	require.NoError(t, err)
	for _, m := range sender.ProcessMessages() {
		assert.NotEqual(t, "Broadcast", m.Member)
	}
}

func TestMaxConnections(t *testing.T) {
	bus := bustest.Start(t, func(cfg *daemon.Config) { cfg.MaxConnections = 1 })
	connect(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Connect(ctx, bus.Address)
	assert.Error(t, err)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	bus := bustest.Start(t, func(cfg *daemon.Config) {
		cfg.OutboundQueue = 4
		cfg.WriteTimeout = 200 * time.Millisecond
	})

	// The raw peer registers and then stops reading.
	raw := dialRaw(t, bus)
	name := raw.hello(t)

	sender := connect(t, bus)
	payload := wire.String(strings.Repeat("x", 32*1024))
	for i := 0; i < 400; i++ {
		if err := sender.Emit("/flood", "org.example.Flood", "Data", payload); err != nil {
			break
		}
	}

	bus.WaitNoOwner(t, name)
}

// refuseEncoding fails to frame messages matching reject and encodes the
// rest normally.
func refuseEncoding(reject func(*wire.Message) bool) func(*wire.Message) ([]byte, error) {
	return func(m *wire.Message) ([]byte, error) {
		if reject(m) {
			return nil, wire.ErrInvalidValue
		}
		return wire.Encode(m)
	}
}

func TestUnencodableMessages(t *testing.T) {
	bus := bustest.Start(t, func(cfg *daemon.Config) { cfg.ReplyTimeout = time.Minute })
	svc := connect(t, bus)
	_, err := svc.AcquireName(context.Background(), "org.example.Frames", 0)
	require.NoError(t, err)
	served := serve(t, svc)
	caller := connect(t, bus)

	call := func(member string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := caller.Call(ctx, "org.example.Frames", "/", "org.example.Frames", member)
		return err
	}

	t.Run("call is answered with InvalidArgs", func(t *testing.T) {
		require.NoError(t, bus.Daemon.SetEncoder(context.Background(), refuseEncoding(func(m *wire.Message) bool {
			return m.Member == "Unframed"
		})))
		requireBusError(t, call("Unframed"), wire.ErrorInvalidArgs)
		for _, m := range served.received() {
			assert.NotEqual(t, "Unframed", m.Member)
		}
	})

	t.Run("reply settles the call with Failed", func(t *testing.T) {
		require.NoError(t, bus.Daemon.SetEncoder(context.Background(), refuseEncoding(func(m *wire.Message) bool {
			return m.Type == wire.TypeMethodReturn && m.Sender == svc.UniqueName()
		})))
		requireBusError(t, call("Echo"), wire.ErrorFailed)
	})

	t.Run("bus reply becomes Failed", func(t *testing.T) {
		require.NoError(t, bus.Daemon.SetEncoder(context.Background(), refuseEncoding(func(m *wire.Message) bool {
			return m.Type == wire.TypeMethodReturn && m.Sender == wire.BusName
		})))
		_, err := busCall(t, caller, "GetId")
		requireBusError(t, err, wire.ErrorFailed)
	})

	t.Run("encodable traffic still flows", func(t *testing.T) {
		require.NoError(t, bus.Daemon.SetEncoder(context.Background(), wire.Encode))
		require.NoError(t, call("Echo"))
	})
}
