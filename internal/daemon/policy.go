package daemon

import "github.com/jmylchreest/minibus/internal/wire"

// Peer describes a connection to policy hooks and listeners.
type Peer struct {
	ID         uint64
	UniqueName string
	UID        uint32
	HasUID     bool
	PID        int32
}

// Policy decides what connections may send and own. The daemon consults it
// for every routed message and every RequestName.
type Policy interface {
	AllowSend(from Peer, msg *wire.Message) bool
	AllowOwn(conn Peer, name string) bool
}

// AllowAll is the default policy.
type AllowAll struct{}

func (AllowAll) AllowSend(Peer, *wire.Message) bool { return true }
func (AllowAll) AllowOwn(Peer, string) bool         { return true }

// NameOwnerListener is told about every ownership change, in the order the
// NameOwnerChanged signals are emitted. It runs on the daemon loop and must
// not block.
type NameOwnerListener interface {
	NameOwnerChanged(name, oldOwner, newOwner string)
}

// NameOwnerFunc adapts a function to NameOwnerListener.
type NameOwnerFunc func(name, oldOwner, newOwner string)

func (f NameOwnerFunc) NameOwnerChanged(name, oldOwner, newOwner string) {
	f(name, oldOwner, newOwner)
}
