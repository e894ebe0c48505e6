// Package transport provides the local domain socket plumbing shared by the
// bus daemon and its clients: address parsing, listening, dialing and peer
// credential lookup.
package transport

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedAddress is returned when no entry of an address string uses a
// transport this package can serve.
var ErrUnsupportedAddress = errors.New("unsupported bus address")

// Kind identifies the flavour of unix socket an Address refers to.
type Kind string

const (
	KindPath     Kind = "path"
	KindAbstract Kind = "abstract"
)

// Address is a parsed unix: bus address.
type Address struct {
	Kind Kind
	Path string
	GUID string
}

// ParseAddress parses a D-Bus address string such as
// "unix:path=/run/user/1000/bus" or "unix:abstract=/tmp/dbus-x,guid=...".
// Several addresses may be separated by ';'; the first unix entry wins.
func ParseAddress(s string) (Address, error) {
	if strings.TrimSpace(s) == "" {
		return Address{}, fmt.Errorf("%w: empty address", ErrUnsupportedAddress)
	}
	var lastErr error
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		addr, err := parseEntry(entry)
		if err == nil {
			return addr, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %q", ErrUnsupportedAddress, s)
	}
	return Address{}, lastErr
}

func parseEntry(entry string) (Address, error) {
	method, params, ok := strings.Cut(entry, ":")
	if !ok {
		return Address{}, fmt.Errorf("%w: missing transport in %q", ErrUnsupportedAddress, entry)
	}
	if method != "unix" {
		return Address{}, fmt.Errorf("%w: transport %q", ErrUnsupportedAddress, method)
	}

	var addr Address
	for _, kv := range strings.Split(params, ",") {
		if kv == "" {
			continue
		}
		key, raw, ok := strings.Cut(kv, "=")
		if !ok {
			return Address{}, fmt.Errorf("%w: malformed parameter %q", ErrUnsupportedAddress, kv)
		}
		value, err := url.PathUnescape(raw)
		if err != nil {
			return Address{}, fmt.Errorf("%w: bad escape in %q: %v", ErrUnsupportedAddress, kv, err)
		}
		switch key {
		case "path":
			addr.Kind, addr.Path = KindPath, value
		case "abstract":
			addr.Kind, addr.Path = KindAbstract, value
		case "guid":
			addr.GUID = value
		}
	}
	if addr.Kind == "" || addr.Path == "" {
		return Address{}, fmt.Errorf("%w: %q has no path or abstract key", ErrUnsupportedAddress, entry)
	}
	return addr, nil
}

// String renders the address in D-Bus address syntax.
func (a Address) String() string {
	s := "unix:" + string(a.Kind) + "=" + escape(a.Path)
	if a.GUID != "" {
		s += ",guid=" + a.GUID
	}
	return s
}

// socketName is the name handed to the kernel; abstract names carry a
// leading '@' in Go's net package.
func (a Address) socketName() string {
	if a.Kind == KindAbstract {
		return "@" + a.Path
	}
	return a.Path
}

// escape percent-encodes everything outside the D-Bus "optionally escaped"
// byte set.
func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			strings.IndexByte("-_/.\\*", c) >= 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String()
}

// DefaultSocketPath returns $XDG_RUNTIME_DIR/minibus/bus, falling back to the
// system temp directory when no runtime directory is set.
func DefaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join(os.TempDir(), fmt.Sprintf("minibus-%d", os.Getuid()))
	}
	return filepath.Join(runtimeDir, "minibus", "bus")
}

// SessionAddress returns the address clients should use when none is given:
// DBUS_SESSION_BUS_ADDRESS if set, otherwise the default socket path.
func SessionAddress() string {
	if addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); addr != "" {
		return addr
	}
	return Address{Kind: KindPath, Path: DefaultSocketPath()}.String()
}
