package daemon

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmylchreest/minibus/internal/wire"
)

type driverMethod struct {
	sig     wire.Signature
	handler func(d *Daemon, p *peer, m *wire.Message)
}

type driverTable map[string]map[string]driverMethod

// newDriverTable maps interface and member to the bus driver handlers.
// Lookups for calls without an interface walk the interfaces in
// driverOrder.
func newDriverTable() driverTable {
	return driverTable{
		wire.BusInterface: {
			"Hello":                      {"", (*Daemon).driverHello},
			"RequestName":                {"su", (*Daemon).driverRequestName},
			"ReleaseName":                {"s", (*Daemon).driverReleaseName},
			"StartServiceByName":         {"su", (*Daemon).driverStartServiceByName},
			"NameHasOwner":               {"s", (*Daemon).driverNameHasOwner},
			"ListNames":                  {"", (*Daemon).driverListNames},
			"ListActivatableNames":       {"", (*Daemon).driverListActivatableNames},
			"AddMatch":                   {"s", (*Daemon).driverMatch},
			"RemoveMatch":                {"s", (*Daemon).driverMatch},
			"GetNameOwner":               {"s", (*Daemon).driverGetNameOwner},
			"GetConnectionUnixUser":      {"s", (*Daemon).driverGetConnectionUnixUser},
			"GetConnectionUnixProcessID": {"s", (*Daemon).driverGetConnectionUnixProcessID},
			"GetConnectionCredentials":   {"s", (*Daemon).driverGetConnectionCredentials},
			"GetId":                      {"", (*Daemon).driverGetID},
			"ReloadConfig":               {"", (*Daemon).driverReloadConfig},
		},
		wire.MonitoringInterface: {
			"BecomeMonitor": {"asu", (*Daemon).driverBecomeMonitor},
		},
		wire.IntrospectableInterface: {
			"Introspect": {"", (*Daemon).driverIntrospect},
		},
		wire.PeerInterface: {
			"Ping":         {"", (*Daemon).driverPing},
			"GetMachineId": {"", (*Daemon).driverGetMachineID},
		},
		wire.PropertiesInterface: {
			"Get":    {"ss", (*Daemon).driverPropertiesGet},
			"GetAll": {"s", (*Daemon).driverPropertiesGetAll},
		},
	}
}

var driverOrder = []string{
	wire.BusInterface,
	wire.MonitoringInterface,
	wire.IntrospectableInterface,
	wire.PeerInterface,
	wire.PropertiesInterface,
}

// handleDriverCall answers a method call addressed to the bus itself.
func (d *Daemon) handleDriverCall(p *peer, m *wire.Message) {
	method, ok := d.driver.lookup(m.Interface, m.Member)
	if !ok {
		if _, known := d.driver[m.Interface]; m.Interface != "" && !known {
			d.replyError(p, m, wire.ErrorUnknownInterface,
				fmt.Sprintf("org.freedesktop.DBus does not understand interface %s", m.Interface))
			return
		}
		d.replyError(p, m, wire.ErrorUnknownMethod,
			fmt.Sprintf("org.freedesktop.DBus does not understand message %s", m.Member))
		return
	}
	if sig := m.Signature(); sig != method.sig {
		d.replyError(p, m, wire.ErrorInvalidArgs,
			fmt.Sprintf("Call to %s has wrong args (%s, expected %s)", m.Member, sig, method.sig))
		return
	}
	method.handler(d, p, m)
}

func (t driverTable) lookup(iface, member string) (driverMethod, bool) {
	if iface != "" {
		method, ok := t[iface][member]
		return method, ok
	}
	for _, name := range driverOrder {
		if method, ok := t[name][member]; ok {
			return method, true
		}
	}
	return driverMethod{}, false
}

func argString(m *wire.Message, i int) string {
	s, _ := m.Body[i].(wire.String)
	return string(s)
}

func argUint32(m *wire.Message, i int) uint32 {
	u, _ := m.Body[i].(wire.Uint32)
	return uint32(u)
}

// driverHello only sees repeated Hello calls; the first is consumed by the
// connection handshake.
func (d *Daemon) driverHello(p *peer, m *wire.Message) {
	d.replyError(p, m, wire.ErrorFailed, "Already handled an Hello message")
}

func (d *Daemon) driverRequestName(p *peer, m *wire.Message) {
	name := argString(m, 0)
	switch {
	case name == wire.BusName:
		d.replyError(p, m, wire.ErrorInvalidArgs,
			"Connection is not allowed to own the service \"org.freedesktop.DBus\" because it is reserved for D-Bus' use only")
		return
	case strings.HasPrefix(name, ":"):
		d.replyError(p, m, wire.ErrorInvalidArgs,
			fmt.Sprintf("Cannot acquire a service starting with ':' such as \"%s\"", name))
		return
	case !wire.ValidWellKnownName(name):
		d.replyError(p, m, wire.ErrorInvalidArgs,
			fmt.Sprintf("Requested bus name \"%s\" is not valid", name))
		return
	}
	if !d.policy.AllowOwn(d.peerInfo(p), name) {
		d.replyError(p, m, wire.ErrorAccessDenied,
			fmt.Sprintf("Connection \"%s\" is not allowed to own the service \"%s\"", p.conn.UniqueName(), name))
		return
	}

	id := p.conn.ID()
	if owner, owned := d.names.Owner(name); !owned || owner != id {
		if limit := d.cfg.MaxNamesPerConnection; limit > 0 && d.names.WellKnownCount(id) >= limit {
			d.replyError(p, m, wire.ErrorLimitsExceeded,
				fmt.Sprintf("Connection \"%s\" is not allowed to own more names", p.conn.UniqueName()))
			return
		}
	}

	code := d.names.Request(name, id)
	if code != RequestNamePrimaryOwner {
		d.reply(p, m, wire.Uint32(code))
		return
	}

	d.logger.Debug("name acquired", "name", name, "owner", p.conn.UniqueName())
	d.metrics.setOwnedNames(d.ownedWellKnown())
	d.nameOwnerChanged(name, "", p.conn.UniqueName())
	d.sendFromBus(p, d.busSignal(p.conn.UniqueName(), "NameAcquired", wire.String(name)))
	d.reply(p, m, wire.Uint32(code))

	if d.services.Completed(name) {
		d.logger.Info("activated service claimed its name", "name", name, "owner", p.conn.UniqueName())
	}
	d.flushQueued(name)
}

func (d *Daemon) driverReleaseName(p *peer, m *wire.Message) {
	name := argString(m, 0)
	if name == wire.BusName || strings.HasPrefix(name, ":") || !wire.ValidBusName(name) {
		d.replyError(p, m, wire.ErrorInvalidArgs,
			fmt.Sprintf("Cannot release the name \"%s\"", name))
		return
	}

	code := d.names.Release(name, p.conn.ID())
	if code == ReleaseNameReleased {
		d.logger.Debug("name released", "name", name, "owner", p.conn.UniqueName())
		d.metrics.setOwnedNames(d.ownedWellKnown())
		d.nameOwnerChanged(name, p.conn.UniqueName(), "")
		d.sendFromBus(p, d.busSignal(p.conn.UniqueName(), "NameLost", wire.String(name)))
	}
	d.reply(p, m, wire.Uint32(code))
}

func (d *Daemon) driverStartServiceByName(p *peer, m *wire.Message) {
	name := argString(m, 0)
	if !wire.ValidBusName(name) {
		d.replyError(p, m, wire.ErrorInvalidArgs,
			fmt.Sprintf("Requested bus name \"%s\" is not valid", name))
		return
	}
	if _, ok := d.ownerName(name); ok {
		d.reply(p, m, wire.Uint32(StartReplyAlreadyRunning))
		return
	}
	d.activate(p, m, true)
}

func (d *Daemon) driverNameHasOwner(p *peer, m *wire.Message) {
	_, ok := d.ownerName(argString(m, 0))
	d.reply(p, m, wire.Bool(ok))
}

func (d *Daemon) driverListNames(p *peer, m *wire.Message) {
	d.reply(p, m, wire.StringArray(d.listNames()))
}

func (d *Daemon) driverListActivatableNames(p *peer, m *wire.Message) {
	d.reply(p, m, wire.StringArray(append([]string{wire.BusName}, d.services.Names()...)))
}

// driverMatch accepts AddMatch and RemoveMatch. Rules are checked for
// syntax only; every connection already receives every broadcast.
func (d *Daemon) driverMatch(p *peer, m *wire.Message) {
	if err := validateMatchRule(argString(m, 0)); err != nil {
		d.replyError(p, m, wire.ErrorMatchRuleInvalid, err.Error())
		return
	}
	d.reply(p, m)
}

func (d *Daemon) driverGetNameOwner(p *peer, m *wire.Message) {
	name := argString(m, 0)
	owner, ok := d.ownerName(name)
	if !ok {
		d.replyError(p, m, wire.ErrorNameHasNoOwner,
			fmt.Sprintf("Could not get owner of name '%s': no such name", name))
		return
	}
	d.reply(p, m, wire.String(owner))
}

// connectionInfo resolves a name to the owner's policy view. The bus name
// resolves to the daemon process itself.
func (d *Daemon) connectionInfo(p *peer, m *wire.Message) (Peer, bool) {
	name := argString(m, 0)
	if name == wire.BusName {
		return Peer{UniqueName: wire.BusName, UID: uint32(os.Getuid()), HasUID: true, PID: int32(os.Getpid())}, true
	}
	owner, ok := d.ownerPeer(name)
	if !ok {
		d.replyError(p, m, wire.ErrorNameHasNoOwner,
			fmt.Sprintf("Could not get owner of name '%s': no such name", name))
		return Peer{}, false
	}
	return d.peerInfo(owner), true
}

func (d *Daemon) driverGetConnectionUnixUser(p *peer, m *wire.Message) {
	info, ok := d.connectionInfo(p, m)
	if !ok {
		return
	}
	if !info.HasUID {
		d.replyError(p, m, wire.ErrorFailed,
			fmt.Sprintf("Could not determine UID for '%s'", argString(m, 0)))
		return
	}
	d.reply(p, m, wire.Uint32(info.UID))
}

func (d *Daemon) driverGetConnectionUnixProcessID(p *peer, m *wire.Message) {
	info, ok := d.connectionInfo(p, m)
	if !ok {
		return
	}
	if info.PID <= 0 {
		d.replyError(p, m, wire.ErrorUnixProcessIDUnknown,
			fmt.Sprintf("Could not determine PID for '%s'", argString(m, 0)))
		return
	}
	d.reply(p, m, wire.Uint32(uint32(info.PID)))
}

func (d *Daemon) driverGetConnectionCredentials(p *peer, m *wire.Message) {
	info, ok := d.connectionInfo(p, m)
	if !ok {
		return
	}
	var entries []wire.DictEntry
	if info.PID > 0 {
		entries = append(entries, wire.DictEntry{Key: wire.String("ProcessID"), Value: wire.MakeVariant(wire.Uint32(uint32(info.PID)))})
	}
	if info.HasUID {
		entries = append(entries, wire.DictEntry{Key: wire.String("UnixUserID"), Value: wire.MakeVariant(wire.Uint32(info.UID))})
	}
	d.reply(p, m, wire.Dict("s", "v", entries...))
}

func (d *Daemon) driverGetID(p *peer, m *wire.Message) {
	d.reply(p, m, wire.String(d.guid))
}

func (d *Daemon) driverReloadConfig(p *peer, m *wire.Message) {
	d.reloadServices()
	d.reply(p, m)
}

// driverBecomeMonitor turns p into a read-only monitor. The reply goes out
// before the names are dropped so the client sees it as a normal return.
func (d *Daemon) driverBecomeMonitor(p *peer, m *wire.Message) {
	rules, _ := wire.Strings(m.Body[0])
	for _, rule := range rules {
		if err := validateMatchRule(rule); err != nil {
			d.replyError(p, m, wire.ErrorMatchRuleInvalid, err.Error())
			return
		}
	}
	if argUint32(m, 1) != 0 {
		d.replyError(p, m, wire.ErrorInvalidArgs, "BecomeMonitor flags must be 0")
		return
	}

	d.reply(p, m)

	id := p.conn.ID()
	unique := p.conn.UniqueName()
	for _, name := range d.names.RemoveConnection(id) {
		d.nameOwnerChanged(name, unique, "")
	}
	d.metrics.setOwnedNames(d.ownedWellKnown())
	p.conn.SetMonitor()
	d.monitors[id] = p
	d.dropPending(id)
	d.dropQueued(id)
	d.logger.Info("connection became a monitor", "conn", id, "name", unique)
}

func (d *Daemon) driverIntrospect(p *peer, m *wire.Message) {
	data, err := introspectXML(m.Path)
	if err != nil {
		d.replyError(p, m, wire.ErrorFailed, err.Error())
		return
	}
	d.reply(p, m, wire.String(data))
}

func (d *Daemon) driverPing(p *peer, m *wire.Message) {
	d.reply(p, m)
}

func (d *Daemon) driverGetMachineID(p *peer, m *wire.Message) {
	d.reply(p, m, wire.String(d.machineID))
}

// busProperties returns the read-only properties of the bus interface.
func busProperties() []wire.DictEntry {
	return []wire.DictEntry{
		{Key: wire.String("Features"), Value: wire.MakeVariant(wire.StringArray(nil))},
		{Key: wire.String("Interfaces"), Value: wire.MakeVariant(wire.StringArray([]string{wire.MonitoringInterface}))},
	}
}

func (d *Daemon) driverPropertiesGet(p *peer, m *wire.Message) {
	iface, prop := argString(m, 0), argString(m, 1)
	if iface != wire.BusInterface {
		d.replyError(p, m, wire.ErrorUnknownInterface,
			fmt.Sprintf("Interface \"%s\" has no properties", iface))
		return
	}
	for _, entry := range busProperties() {
		if entry.Key == wire.String(prop) {
			d.reply(p, m, entry.Value)
			return
		}
	}
	d.replyError(p, m, wire.ErrorUnknownProperty,
		fmt.Sprintf("Property \"%s\" is not defined on interface \"%s\"", prop, iface))
}

func (d *Daemon) driverPropertiesGetAll(p *peer, m *wire.Message) {
	iface := argString(m, 0)
	if iface != wire.BusInterface {
		d.replyError(p, m, wire.ErrorUnknownInterface,
			fmt.Sprintf("Interface \"%s\" has no properties", iface))
		return
	}
	d.reply(p, m, wire.Dict("s", "v", busProperties()...))
}
