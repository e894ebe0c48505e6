package daemon

import (
	"sort"
	"strings"
)

// RequestName reply codes.
const (
	RequestNamePrimaryOwner uint32 = 1
	RequestNameInQueue      uint32 = 2
	RequestNameExists       uint32 = 3
	RequestNameAlreadyOwner uint32 = 4
)

// ReleaseName reply codes.
const (
	ReleaseNameReleased    uint32 = 1
	ReleaseNameNonExistent uint32 = 2
	ReleaseNameNotOwner    uint32 = 3
)

// StartServiceByName reply codes.
const (
	StartReplySuccess        uint32 = 1
	StartReplyAlreadyRunning uint32 = 2
)

// NameTable maps bus names to the id of the owning connection and keeps the
// reverse index of names owned per connection. Ownership is first come,
// first served; a taken name is never queued or replaced.
//
// NameTable is not safe for concurrent use. The daemon loop owns it.
type NameTable struct {
	owners map[string]uint64
	owned  map[uint64]map[string]struct{}
}

// NewNameTable returns an empty table.
func NewNameTable() *NameTable {
	return &NameTable{
		owners: make(map[string]uint64),
		owned:  make(map[uint64]map[string]struct{}),
	}
}

func (t *NameTable) add(name string, id uint64) {
	t.owners[name] = id
	set, ok := t.owned[id]
	if !ok {
		set = make(map[string]struct{})
		t.owned[id] = set
	}
	set[name] = struct{}{}
}

func (t *NameTable) remove(name string, id uint64) {
	delete(t.owners, name)
	if set, ok := t.owned[id]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(t.owned, id)
		}
	}
}

// AssignUnique records the unique name given to connection id at Hello.
func (t *NameTable) AssignUnique(name string, id uint64) {
	t.add(name, id)
}

// Request claims a well-known name for connection id.
func (t *NameTable) Request(name string, id uint64) uint32 {
	if owner, ok := t.owners[name]; ok {
		if owner == id {
			return RequestNameAlreadyOwner
		}
		return RequestNameExists
	}
	t.add(name, id)
	return RequestNamePrimaryOwner
}

// Release gives up a name held by connection id.
func (t *NameTable) Release(name string, id uint64) uint32 {
	owner, ok := t.owners[name]
	if !ok {
		return ReleaseNameNonExistent
	}
	if owner != id {
		return ReleaseNameNotOwner
	}
	t.remove(name, id)
	return ReleaseNameReleased
}

// Owner returns the connection id owning name.
func (t *NameTable) Owner(name string) (uint64, bool) {
	id, ok := t.owners[name]
	return id, ok
}

// Names returns every owned name, sorted.
func (t *NameTable) Names() []string {
	names := make([]string, 0, len(t.owners))
	for name := range t.owners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Owned returns the names held by connection id, sorted, unique name
// included.
func (t *NameTable) Owned(id uint64) []string {
	set := t.owned[id]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WellKnownCount returns how many well-known names connection id holds.
func (t *NameTable) WellKnownCount(id uint64) int {
	n := 0
	for name := range t.owned[id] {
		if !strings.HasPrefix(name, ":") {
			n++
		}
	}
	return n
}

// RemoveConnection drops every name held by connection id and returns them
// with well-known names first (sorted) and the unique name last.
func (t *NameTable) RemoveConnection(id uint64) []string {
	var wellKnown, unique []string
	for _, name := range t.Owned(id) {
		if strings.HasPrefix(name, ":") {
			unique = append(unique, name)
		} else {
			wellKnown = append(wellKnown, name)
		}
		delete(t.owners, name)
	}
	delete(t.owned, id)
	return append(wellKnown, unique...)
}
