package daemon

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmylchreest/minibus/internal/service"
	"github.com/jmylchreest/minibus/internal/wire"
)

// pendingKey identifies an outstanding call by caller connection and the
// caller's serial.
type pendingKey struct {
	caller uint64
	serial uint32
}

type pendingReply struct {
	call     *wire.Message
	callee   uint64
	deadline time.Time
}

// queuedCall is a call held while its destination is being activated. A
// StartServiceByName call is answered by the bus instead of forwarded.
type queuedCall struct {
	from  *peer
	msg   *wire.Message
	start bool
}

// route delivers a message received from p. The sender field is always
// replaced with p's unique name.
func (d *Daemon) route(p *peer, m *wire.Message) {
	m.Sender = p.conn.UniqueName()

	if !d.policy.AllowSend(d.peerInfo(p), m) {
		d.metrics.recordMessage(m.Type, "rejected")
		d.logger.Debug("policy rejected message", "conn", p.conn.ID(), "message", m)
		if m.ExpectsReply() {
			d.replyError(p, m, wire.ErrorAccessDenied, "Rejected send message by policy")
		}
		return
	}

	if m.Destination == wire.BusName {
		d.mirror(m)
		d.metrics.recordMessage(m.Type, "driver")
		if m.Type == wire.TypeMethodCall {
			d.handleDriverCall(p, m)
		}
		return
	}

	frame, err := d.encode(m)
	if err != nil {
		d.unencodable(p, m, err)
		return
	}

	if m.Destination == "" {
		switch m.Type {
		case wire.TypeSignal:
			d.broadcastFrame(p, m, frame)
		case wire.TypeMethodCall:
			d.metrics.recordMessage(m.Type, "rejected")
			if m.ExpectsReply() {
				d.replyError(p, m, wire.ErrorInvalidArgs, "Method call has no destination")
			}
		default:
			d.metrics.recordMessage(m.Type, "dropped")
		}
		return
	}

	target, ok := d.ownerPeer(m.Destination)
	switch m.Type {
	case wire.TypeMethodCall:
		if !ok {
			d.routeToUnowned(p, m)
			return
		}
		if m.ExpectsReply() && !d.trackCall(p, target, m) {
			return
		}
		d.mirrorFrame(frame)
		d.enqueue(target, frame)
		d.metrics.recordMessage(m.Type, "delivered")

	case wire.TypeMethodReturn, wire.TypeError:
		if _, ok := d.settle(p, target, ok, m); !ok {
			d.metrics.recordMessage(m.Type, "dropped")
			d.logger.Debug("dropping unexpected reply", "conn", p.conn.ID(), "message", m)
			return
		}
		d.mirrorFrame(frame)
		d.enqueue(target, frame)
		d.metrics.recordMessage(m.Type, "delivered")

	case wire.TypeSignal:
		if !ok {
			d.metrics.recordMessage(m.Type, "dropped")
			return
		}
		d.mirrorFrame(frame)
		d.enqueue(target, frame)
		d.metrics.recordMessage(m.Type, "delivered")
	}
}

// settle removes the outstanding call that reply m from p answers. It
// reports false when m answers nothing p was asked.
func (d *Daemon) settle(p, caller *peer, known bool, m *wire.Message) (*pendingReply, bool) {
	if !known {
		return nil, false
	}
	key := pendingKey{caller: caller.conn.ID(), serial: m.ReplySerial}
	pr, ok := d.pending[key]
	if !ok || pr.callee != p.conn.ID() {
		return nil, false
	}
	delete(d.pending, key)
	d.metrics.setPendingReplies(len(d.pending))
	return pr, true
}

// unencodable handles a message from p that decoded but cannot be framed
// for delivery. A call is answered with InvalidArgs; a reply settles its
// call with Failed so the caller is not left waiting for NoReply.
func (d *Daemon) unencodable(p *peer, m *wire.Message, err error) {
	d.metrics.recordMessage(m.Type, "rejected")
	d.logger.Warn("cannot encode message for delivery", "conn", p.conn.ID(), "message", m, "error", err)
	text := fmt.Sprintf("Message could not be encoded: %v", err)

	switch m.Type {
	case wire.TypeMethodCall:
		d.replyError(p, m, wire.ErrorInvalidArgs, text)
	case wire.TypeMethodReturn, wire.TypeError:
		caller, ok := d.ownerPeer(m.Destination)
		if pr, ok := d.settle(p, caller, ok, m); ok {
			d.replyError(caller, pr.call, wire.ErrorFailed, text)
		}
	}
}

// routeToUnowned handles a call whose destination has no owner: start the
// service if one is known, otherwise answer ServiceUnknown.
func (d *Daemon) routeToUnowned(p *peer, m *wire.Message) {
	if m.Flags&wire.FlagNoAutoStart == 0 && wire.ValidWellKnownName(m.Destination) && d.services.Has(m.Destination) {
		d.activate(p, m, false)
		return
	}
	d.metrics.recordMessage(m.Type, "rejected")
	if m.ExpectsReply() {
		d.replyError(p, m, wire.ErrorServiceUnknown,
			fmt.Sprintf("The name %s was not provided by any .service files", m.Destination))
	}
}

// trackCall records a call awaiting a reply. It reports false, after
// answering the caller, when the caller has too many outstanding calls.
func (d *Daemon) trackCall(caller, callee *peer, m *wire.Message) bool {
	if limit := d.cfg.MaxPendingReplies; limit > 0 && d.pendingFor(caller.conn.ID()) >= limit {
		d.metrics.recordMessage(m.Type, "rejected")
		d.replyError(caller, m, wire.ErrorLimitsExceeded,
			fmt.Sprintf("Connection %s has too many outstanding method calls", caller.conn.UniqueName()))
		return false
	}
	d.pending[pendingKey{caller: caller.conn.ID(), serial: m.Serial}] = &pendingReply{
		call:     m,
		callee:   callee.conn.ID(),
		deadline: time.Now().Add(d.cfg.ReplyTimeout),
	}
	d.metrics.setPendingReplies(len(d.pending))
	return true
}

func (d *Daemon) pendingFor(caller uint64) int {
	n := 0
	for k := range d.pending {
		if k.caller == caller {
			n++
		}
	}
	return n
}

// dropPending settles outstanding calls involving a departed connection.
// Callers waiting on it receive NoReply.
func (d *Daemon) dropPending(id uint64) {
	for _, k := range d.sortedPending() {
		pr := d.pending[k]
		switch {
		case k.caller == id:
			delete(d.pending, k)
		case pr.callee == id:
			delete(d.pending, k)
			if caller, ok := d.peers[k.caller]; ok {
				d.replyError(caller, pr.call, wire.ErrorNoReply,
					"Message recipient disconnected from message bus without replying")
			}
		}
	}
	d.metrics.setPendingReplies(len(d.pending))
}

func (d *Daemon) sortedPending() []pendingKey {
	keys := make([]pendingKey, 0, len(d.pending))
	for k := range d.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].caller != keys[j].caller {
			return keys[i].caller < keys[j].caller
		}
		return keys[i].serial < keys[j].serial
	})
	return keys
}

// sweep fails calls and activations whose time has run out.
func (d *Daemon) sweep(now time.Time) {
	for _, k := range d.sortedPending() {
		pr := d.pending[k]
		if now.Before(pr.deadline) {
			continue
		}
		delete(d.pending, k)
		if caller, ok := d.peers[k.caller]; ok {
			d.replyError(caller, pr.call, wire.ErrorNoReply,
				"Did not receive a reply; the reply timeout expired")
		}
	}
	d.metrics.setPendingReplies(len(d.pending))

	for _, act := range d.services.Expire(now) {
		d.logger.Warn("service activation timed out", "name", act.Name, "activation", act.ID)
		d.metrics.recordActivation("timeout")
		d.failQueued(act.Name, wire.ErrorTimedOut,
			fmt.Sprintf("Activation of %s timed out", act.Name))
	}
}

// activate starts the service for m's destination and parks m until the
// name is claimed.
func (d *Daemon) activate(p *peer, m *wire.Message, start bool) {
	name := m.Destination
	if start {
		name = d.startName(m)
	}

	res, err := d.services.Activate(name, d.cfg.Address, d.cfg.BusType)
	if err != nil {
		d.metrics.recordActivation("failed")
		d.logger.Warn("service activation failed", "name", name, "error", err)
		errName, text := activationErrorReply(name, err)
		d.replyError(p, m, errName, text)
		// Calls already parked for an earlier attempt share its fate.
		d.failQueued(name, errName, text)
		return
	}
	if res == service.Started {
		d.metrics.recordActivation("started")
	} else {
		d.metrics.recordActivation("pending")
	}
	d.queued[name] = append(d.queued[name], queuedCall{from: p, msg: m, start: start})
	d.metrics.recordMessage(m.Type, "queued")
}

func (d *Daemon) startName(m *wire.Message) string {
	if len(m.Body) > 0 {
		if s, ok := m.Body[0].(wire.String); ok {
			return string(s)
		}
	}
	return ""
}

func activationErrorReply(name string, err error) (string, string) {
	switch {
	case errors.Is(err, service.ErrServiceUnknown):
		return wire.ErrorServiceUnknown, fmt.Sprintf("The name %s was not provided by any .service files", name)
	case errors.Is(err, service.ErrInvalidExec):
		return wire.ErrorSpawnServiceInvalid, err.Error()
	case errors.Is(err, service.ErrNotExecutable):
		return wire.ErrorSpawnExecFailed, err.Error()
	}
	return wire.ErrorSpawnFailed, err.Error()
}

// activationExited runs when an activated process exits. A failed exit
// before the name was claimed fails the parked calls.
func (d *Daemon) activationExited(act service.Activation, err error) {
	if err == nil {
		return
	}
	if !d.services.Fail(act) {
		return
	}
	d.metrics.recordActivation("failed")
	d.logger.Warn("activated service exited before claiming its name",
		"name", act.Name, "activation", act.ID, "error", err)
	d.failQueued(act.Name, wire.ErrorSpawnChildExited,
		fmt.Sprintf("Process %s exited before acquiring its name: %v", act.Name, err))
}

// flushQueued delivers the calls parked for name to its new owner.
func (d *Daemon) flushQueued(name string) {
	calls := d.queued[name]
	delete(d.queued, name)
	if len(calls) > 0 {
		d.metrics.recordActivation("completed")
	}
	for _, qc := range calls {
		if qc.from.gone {
			continue
		}
		if qc.start {
			d.reply(qc.from, qc.msg, wire.Uint32(StartReplySuccess))
			continue
		}
		d.route(qc.from, qc.msg)
	}
}

func (d *Daemon) failQueued(name, errName, text string) {
	calls := d.queued[name]
	delete(d.queued, name)
	for _, qc := range calls {
		if qc.from.gone {
			continue
		}
		d.replyError(qc.from, qc.msg, errName, text)
	}
}

func (d *Daemon) dropQueued(id uint64) {
	for name, calls := range d.queued {
		kept := calls[:0]
		for _, qc := range calls {
			if qc.from.conn.ID() != id {
				kept = append(kept, qc)
			}
		}
		if len(kept) == 0 {
			delete(d.queued, name)
		} else {
			d.queued[name] = kept
		}
	}
}

// broadcast sends a bus signal to every active connection.
func (d *Daemon) broadcast(m *wire.Message) {
	frame, err := d.encode(m)
	if err != nil {
		d.metrics.recordMessage(m.Type, "rejected")
		d.logger.Error("failed to encode bus signal", "message", m, "error", err)
		return
	}
	d.broadcastFrame(nil, m, frame)
}

// broadcastFrame sends an encoded signal to every active connection except
// its sender.
func (d *Daemon) broadcastFrame(from *peer, m *wire.Message, frame []byte) {
	d.mirrorFrame(frame)

	recipients := 0
	for _, id := range d.sortedPeerIDs() {
		p := d.peers[id]
		if p == from || p.conn.IsMonitor() || p.conn.UniqueName() == "" {
			continue
		}
		d.enqueue(p, frame)
		recipients++
	}
	if from != nil {
		if recipients == 0 {
			d.metrics.recordMessage(m.Type, "dropped")
		} else {
			d.metrics.recordMessage(m.Type, "broadcast")
		}
	}
}

func (d *Daemon) sortedPeerIDs() []uint64 {
	ids := make([]uint64, 0, len(d.peers))
	for id := range d.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// mirror copies m to every monitor.
func (d *Daemon) mirror(m *wire.Message) {
	if len(d.monitors) == 0 {
		return
	}
	frame, err := d.encode(m)
	if err != nil {
		return
	}
	d.mirrorFrame(frame)
}

func (d *Daemon) mirrorFrame(frame []byte) {
	for _, p := range d.monitors {
		d.enqueue(p, frame)
	}
}

// sendFromBus sends a bus-originated message to p. A method return that
// cannot be encoded is replaced by a Failed error for the same call.
func (d *Daemon) sendFromBus(p *peer, m *wire.Message) {
	m.Sender = wire.BusName
	if m.Serial == 0 {
		m.Serial = d.nextSerial()
	}
	frame, err := d.encode(m)
	if err != nil {
		d.metrics.recordMessage(m.Type, "rejected")
		d.logger.Error("failed to encode bus message", "conn", p.conn.ID(), "message", m, "error", err)
		if m.Type != wire.TypeMethodReturn {
			return
		}
		fail := &wire.Message{
			Order:       wire.LittleEndian,
			Type:        wire.TypeError,
			ErrorName:   wire.ErrorFailed,
			ReplySerial: m.ReplySerial,
			Destination: m.Destination,
			Sender:      wire.BusName,
			Serial:      m.Serial,
			Body:        []wire.Value{wire.String(fmt.Sprintf("Reply could not be encoded: %v", err))},
		}
		if frame, err = d.encode(fail); err != nil {
			return
		}
	}
	d.mirrorFrame(frame)
	d.enqueue(p, frame)
}

// reply answers call unless the caller asked for no reply.
func (d *Daemon) reply(p *peer, call *wire.Message, body ...wire.Value) {
	if !call.ExpectsReply() {
		return
	}
	d.sendFromBus(p, wire.NewMethodReturn(call, body...))
}

// replyError answers call with an error unless the caller asked for no
// reply.
func (d *Daemon) replyError(p *peer, call *wire.Message, name, text string) {
	if !call.ExpectsReply() {
		return
	}
	d.sendFromBus(p, wire.NewError(call, name, text))
}

func (d *Daemon) busSignal(destination, member string, body ...wire.Value) *wire.Message {
	m := wire.NewSignal(wire.BusPath, wire.BusInterface, member, body...)
	m.Destination = destination
	return m
}

// nameOwnerChanged broadcasts the signal and informs in-process listeners.
func (d *Daemon) nameOwnerChanged(name, oldOwner, newOwner string) {
	sig := d.busSignal("", "NameOwnerChanged", wire.String(name), wire.String(oldOwner), wire.String(newOwner))
	sig.Sender = wire.BusName
	sig.Serial = d.nextSerial()
	d.broadcast(sig)
	for _, l := range d.listeners {
		l.NameOwnerChanged(name, oldOwner, newOwner)
	}
}

func (d *Daemon) ownerPeer(name string) (*peer, bool) {
	id, ok := d.names.Owner(name)
	if !ok {
		return nil, false
	}
	p, ok := d.peers[id]
	return p, ok
}

func (d *Daemon) ownerName(name string) (string, bool) {
	if name == wire.BusName {
		return wire.BusName, true
	}
	p, ok := d.ownerPeer(name)
	if !ok {
		return "", false
	}
	return p.conn.UniqueName(), true
}

func (d *Daemon) listNames() []string {
	return append([]string{wire.BusName}, d.names.Names()...)
}

func (d *Daemon) ownedWellKnown() int {
	n := 0
	for _, name := range d.names.Names() {
		if !strings.HasPrefix(name, ":") {
			n++
		}
	}
	return n
}
