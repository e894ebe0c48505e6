package daemon_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/minibus/internal/bustest"
	"github.com/jmylchreest/minibus/internal/daemon"
	"github.com/jmylchreest/minibus/internal/wire"
)

// activatable writes a service file that starts this test binary as a
// service claiming name.
func activatable(t *testing.T, dir, name string) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	writeService(t, dir, name, exe+" "+serviceFlag+name)
}

func startBusWithServices(t *testing.T, dir string, configure ...func(*daemon.Config)) *bustest.Bus {
	return bustest.Start(t, append([]func(*daemon.Config){func(cfg *daemon.Config) {
		cfg.ServiceDirs = []string{dir}
	}}, configure...)...)
}

func TestActivation_DeliversQueuedCalls(t *testing.T) {
	dir := t.TempDir()
	activatable(t, dir, "org.example.Activated")
	bus := startBusWithServices(t, dir)
	c := connect(t, bus)

	reply, err := busCall(t, c, "ListActivatableNames")
	require.NoError(t, err)
	names, _ := wire.Strings(reply.Body[0])
	assert.Contains(t, names, "org.example.Activated")

	var mu sync.Mutex
	var replies []string
	for i := 0; i < 2; i++ {
		_, err := c.CallAsync("org.example.Activated", "/", "org.example.Activated", "Early",
			func(reply *wire.Message, err error) {
				mu.Lock()
				defer mu.Unlock()
				if assert.NoError(t, err) {
					replies = append(replies, string(reply.Body[0].(wire.String)))
				}
			})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	reply, err = c.Call(ctx, "org.example.Activated", "/", "org.example.Activated", "Greet")
	require.NoError(t, err)
	assert.Equal(t, []wire.Value{wire.String("org.example.Activated:Greet")}, reply.Body)

	owner := bus.WaitOwner(t, "org.example.Activated")
	assert.Equal(t, owner, reply.Sender)

	c.ProcessMessages()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"org.example.Activated:Early", "org.example.Activated:Early"}, replies)
}

func TestStartServiceByName(t *testing.T) {
	dir := t.TempDir()
	activatable(t, dir, "org.example.Started")
	bus := startBusWithServices(t, dir)
	c := connect(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	reply, err := c.Call(ctx, wire.BusName, wire.BusPath, wire.BusInterface, "StartServiceByName",
		wire.String("org.example.Started"), wire.Uint32(0))
	require.NoError(t, err)
	assert.Equal(t, []wire.Value{wire.Uint32(daemon.StartReplySuccess)}, reply.Body)
	bus.WaitOwner(t, "org.example.Started")

	reply, err = busCall(t, c, "StartServiceByName", wire.String("org.example.Started"), wire.Uint32(0))
	require.NoError(t, err)
	assert.Equal(t, []wire.Value{wire.Uint32(daemon.StartReplyAlreadyRunning)}, reply.Body)

	_, err = busCall(t, c, "StartServiceByName", wire.String("org.example.Unknown"), wire.Uint32(0))
	requireBusError(t, err, wire.ErrorServiceUnknown)
}

func TestActivation_TimesOut(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "lazy", "exec sleep 3")
	writeService(t, dir, "org.example.Lazy", script)
	bus := startBusWithServices(t, dir, func(cfg *daemon.Config) {
		cfg.ActivationTimeout = 200 * time.Millisecond
	})
	c := connect(t, bus)

	start := time.Now()
	_, err := c.Call(context.Background(), "org.example.Lazy", "/", "org.example.Lazy", "Hi")
	requireBusError(t, err, wire.ErrorTimedOut)
	assert.Less(t, time.Since(start), 3*time.Second)

	// The expired marker is gone, so the next call starts a fresh attempt.
	_, err = c.Call(context.Background(), "org.example.Lazy", "/", "org.example.Lazy", "Hi")
	requireBusError(t, err, wire.ErrorTimedOut)
}

func TestActivation_ChildExits(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "broken", "exit 3")
	writeService(t, dir, "org.example.Broken", script)
	bus := startBusWithServices(t, dir)
	c := connect(t, bus)

	_, err := c.Call(context.Background(), "org.example.Broken", "/", "org.example.Broken", "Hi")
	requireBusError(t, err, wire.ErrorSpawnChildExited)
}

func TestActivation_BadExecutable(t *testing.T) {
	dir := t.TempDir()
	writeService(t, dir, "org.example.Missing", dir+"/does-not-exist")
	bus := startBusWithServices(t, dir)
	c := connect(t, bus)

	_, err := c.Call(context.Background(), "org.example.Missing", "/", "org.example.Missing", "Hi")
	requireBusError(t, err, wire.ErrorSpawnExecFailed)
}

func TestActivation_NoAutoStart(t *testing.T) {
	dir := t.TempDir()
	activatable(t, dir, "org.example.Manual")
	bus := startBusWithServices(t, dir)
	c := connect(t, bus)

	m := wire.NewMethodCall("org.example.Manual", "/", "org.example.Manual", "Hi")
	m.Flags |= wire.FlagNoAutoStart
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.CallMessage(ctx, m)
	requireBusError(t, err, wire.ErrorServiceUnknown)

	_, err = busCall(t, c, "NameHasOwner", wire.String("org.example.Manual"))
	require.NoError(t, err)
	assert.False(t, bus.Daemon.Services().Activating("org.example.Manual"))
}

func TestReloadConfig_PicksUpNewServices(t *testing.T) {
	dir := t.TempDir()
	bus := startBusWithServices(t, dir)
	c := connect(t, bus)

	reply, err := busCall(t, c, "ListActivatableNames")
	require.NoError(t, err)
	names, _ := wire.Strings(reply.Body[0])
	assert.Equal(t, []string{wire.BusName}, names)

	activatable(t, dir, "org.example.Late")
	_, err = busCall(t, c, "ReloadConfig")
	require.NoError(t, err)

	reply, err = busCall(t, c, "ListActivatableNames")
	require.NoError(t, err)
	names, _ = wire.Strings(reply.Body[0])
	assert.Equal(t, []string{wire.BusName, "org.example.Late"}, names)
}
