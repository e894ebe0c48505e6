// Package bustest starts throwaway buses for tests.
package bustest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/minibus/internal/daemon"
	"github.com/jmylchreest/minibus/internal/transport"
	"github.com/jmylchreest/minibus/internal/wire"
)

// Bus is a daemon serving on a socket in a temporary directory.
type Bus struct {
	Daemon  *daemon.Daemon
	Address string
	Path    string
}

// Start runs a daemon until the test ends. configure may adjust the
// configuration before the daemon is created.
func Start(t testing.TB, configure ...func(*daemon.Config)) *Bus {
	t.Helper()

	dir := t.TempDir()
	addr := transport.Address{Kind: transport.KindPath, Path: filepath.Join(dir, "bus")}
	l, err := transport.Listen(addr, 0600)
	require.NoError(t, err)

	cfg := daemon.DefaultConfig()
	cfg.Address = addr.String()
	cfg.SweepInterval = 20 * time.Millisecond
	for _, fn := range configure {
		fn(&cfg)
	}

	d := daemon.New(cfg, Logger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, l) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	return &Bus{Daemon: d, Address: addr.String(), Path: addr.Path}
}

// Logger discards everything below error level.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// WaitOwner polls until name has an owner, returning it.
func (b *Bus) WaitOwner(t testing.TB, name string) string {
	t.Helper()
	var owner string
	require.Eventually(t, func() bool {
		o, ok, err := b.Daemon.NameOwner(context.Background(), name)
		owner = o
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond, "no owner for %s", name)
	return owner
}

// WaitNoOwner polls until name has no owner.
func (b *Bus) WaitNoOwner(t testing.TB, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok, err := b.Daemon.NameOwner(context.Background(), name)
		return err == nil && !ok
	}, 5*time.Second, 10*time.Millisecond, "%s still owned", name)
}

// IsBusSignal reports whether m is a signal from the bus driver named
// member.
func IsBusSignal(m *wire.Message, member string) bool {
	return m.Type == wire.TypeSignal && m.Sender == wire.BusName && m.Member == member
}
