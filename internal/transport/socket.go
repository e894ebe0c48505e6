package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

var (
	// ErrListen wraps every failure to set up the listening socket. These
	// are fatal at daemon startup.
	ErrListen = errors.New("failed to listen")

	// ErrAddressInUse means another live process is accepting on the path.
	ErrAddressInUse = errors.New("bus address already in use")

	// ErrCredentialsUnsupported is returned where the platform cannot report
	// peer credentials for a unix socket.
	ErrCredentialsUnsupported = errors.New("peer credentials not supported on this platform")
)

// Credentials identifies the process on the other end of a socket.
type Credentials struct {
	UID uint32
	GID uint32
	PID int32
}

// Listen binds a unix socket at addr. For path sockets a stale socket file
// left behind by a dead daemon is removed first, the parent directory is
// created, and the socket is chmod'ed to mode.
func Listen(addr Address, mode os.FileMode) (*net.UnixListener, error) {
	if addr.Kind == KindPath {
		if err := prepareSocketPath(addr.Path); err != nil {
			return nil, fmt.Errorf("%w on %s: %w", ErrListen, addr, err)
		}
	}

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: addr.socketName(), Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("%w on %s: %w", ErrListen, addr, err)
	}

	if addr.Kind == KindPath {
		l.SetUnlinkOnClose(true)
		if mode != 0 {
			if err := os.Chmod(addr.Path, mode); err != nil {
				_ = l.Close()
				return nil, fmt.Errorf("%w: failed to set socket mode: %w", ErrListen, err)
			}
		}
	}
	return l, nil
}

func prepareSocketPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		_ = conn.Close()
		return ErrAddressInUse
	}
	if !errors.Is(err, syscall.ECONNREFUSED) && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to probe existing socket: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}

// Dial connects to the bus at addr.
func Dial(ctx context.Context, addr Address) (*net.UnixConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", addr.socketName())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn.(*net.UnixConn), nil
}
