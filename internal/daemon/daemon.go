package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/minibus/internal/connection"
	"github.com/jmylchreest/minibus/internal/service"
	"github.com/jmylchreest/minibus/internal/transport"
	"github.com/jmylchreest/minibus/internal/wire"
)

// ErrNotRunning is returned by queries made while the loop is not serving.
var ErrNotRunning = errors.New("daemon is not running")

// Config holds the daemon settings that matter at runtime.
type Config struct {
	// Address is the bus address handed to activated services.
	Address string
	// BusType is "session" or "system".
	BusType string
	// GUID is returned in the auth OK line and by GetId. Generated when empty.
	GUID string

	AllowAnonymous bool

	ServiceDirs       []string
	ActivationTimeout time.Duration

	// ReplyTimeout bounds how long a forwarded call may wait for its reply.
	ReplyTimeout time.Duration

	MaxConnections        int
	MaxNamesPerConnection int
	MaxPendingReplies     int
	// OutboundQueue is the number of frames buffered per connection before
	// the connection is dropped as a slow consumer.
	OutboundQueue int
	WriteTimeout  time.Duration

	// SweepInterval is how often reply and activation timeouts are checked.
	SweepInterval time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BusType:               service.BusTypeSession,
		ActivationTimeout:     service.DefaultActivationTimeout,
		ReplyTimeout:          25 * time.Second,
		MaxConnections:        256,
		MaxNamesPerConnection: 512,
		MaxPendingReplies:     128,
		OutboundQueue:         1024,
		WriteTimeout:          5 * time.Second,
		SweepInterval:         500 * time.Millisecond,
	}
}

// Daemon is the message bus. Create one with New and run it with Serve.
type Daemon struct {
	cfg       Config
	logger    *slog.Logger
	guid      string
	machineID string

	policy    Policy
	metrics   *Metrics
	driver    driverTable
	listeners []NameOwnerListener
	services  *service.Manager
	encode    func(*wire.Message) ([]byte, error)

	events chan func()
	done   chan struct{}

	mu      sync.Mutex
	running bool

	// Everything below is owned by the loop goroutine.
	peers      map[uint64]*peer
	monitors   map[uint64]*peer
	names      *NameTable
	pending    map[pendingKey]*pendingReply
	queued     map[string][]queuedCall
	doomed     []doomedPeer
	nextPeerID uint64
	nextUnique uint64
	serial     uint32
}

// New creates a daemon. The service directories are scanned immediately.
func New(cfg Config, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BusType == "" {
		cfg.BusType = def.BusType
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = def.ReplyTimeout
	}
	if cfg.ActivationTimeout <= 0 {
		cfg.ActivationTimeout = def.ActivationTimeout
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = def.OutboundQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	guid := cfg.GUID
	if guid == "" {
		guid = NewGUID()
	}

	services := service.NewManager(logger.With("component", "services"))
	services.SetActivationTimeout(cfg.ActivationTimeout)
	services.Load(cfg.ServiceDirs)

	return &Daemon{
		cfg:       cfg,
		logger:    logger,
		guid:      guid,
		machineID: readMachineID(guid),
		policy:    AllowAll{},
		driver:    newDriverTable(),
		services:  services,
		encode:    wire.Encode,
		events:    make(chan func(), 256),
		done:      make(chan struct{}),
		peers:     make(map[uint64]*peer),
		monitors:  make(map[uint64]*peer),
		names:     NewNameTable(),
		pending:   make(map[pendingKey]*pendingReply),
		queued:    make(map[string][]queuedCall),
	}
}

// NewGUID returns a random 32 hex digit server GUID.
func NewGUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func readMachineID(fallback string) string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); len(id) == 32 {
			return id
		}
	}
	return fallback
}

// GUID returns the server GUID.
func (d *Daemon) GUID() string { return d.guid }

// Services returns the service manager.
func (d *Daemon) Services() *service.Manager { return d.services }

// SetPolicy replaces the default allow-all policy. It takes effect for
// messages handled after the call, even while serving.
func (d *Daemon) SetPolicy(p Policy) {
	if p == nil {
		p = AllowAll{}
	}
	d.post(func() { d.policy = p })
}

// SetMetrics enables metrics collection.
func (d *Daemon) SetMetrics(m *Metrics) {
	d.post(func() {
		d.metrics = m
		m.setOwnedNames(d.ownedWellKnown())
		m.setPendingReplies(len(d.pending))
	})
}

// AddNameOwnerListener registers an in-process ownership listener.
func (d *Daemon) AddNameOwnerListener(l NameOwnerListener) {
	d.post(func() { d.listeners = append(d.listeners, l) })
}

// Serve accepts connections on l and runs the routing loop until ctx is
// cancelled. The listener is closed on return.
func (d *Daemon) Serve(ctx context.Context, l *net.UnixListener) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	d.services.SetExitHandler(func(act service.Activation, err error) {
		d.post(func() { d.activationExited(act, err) })
	})

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		d.acceptLoop(l)
	}()

	d.logger.Info("bus ready", "address", d.cfg.Address, "guid", d.guid, "type", d.cfg.BusType)

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = l.Close()
			d.shutdown()
			<-acceptDone
			return nil
		case fn := <-d.events:
			fn()
			d.dropDoomed()
		case now := <-ticker.C:
			d.sweep(now)
			d.dropDoomed()
		}
	}
}

func (d *Daemon) shutdown() {
	for _, p := range d.peers {
		d.disconnect(p, "shutdown", nil)
	}
	d.dropDoomed()
	close(d.done)

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.logger.Info("bus stopped")
}

// post queues fn to run on the loop. It reports false, dropping fn, if the
// loop has stopped.
func (d *Daemon) post(fn func()) bool {
	select {
	case d.events <- fn:
		return true
	case <-d.done:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (d *Daemon) do(ctx context.Context, fn func()) error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	finished := make(chan struct{})
	select {
	case d.events <- func() { fn(); close(finished) }:
	case <-d.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-d.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload rescans the service directories on the loop.
func (d *Daemon) Reload() {
	d.post(d.reloadServices)
}

// SetServiceDirs replaces the service directories and rescans them.
func (d *Daemon) SetServiceDirs(dirs []string) {
	dirs = append([]string(nil), dirs...)
	d.post(func() {
		d.cfg.ServiceDirs = dirs
		d.services.Load(dirs)
	})
}

func (d *Daemon) reloadServices() {
	d.services.Reload()
}

// ListNames returns every owned name plus the bus name, sorted.
func (d *Daemon) ListNames(ctx context.Context) ([]string, error) {
	var names []string
	err := d.do(ctx, func() { names = d.listNames() })
	return names, err
}

// NameOwner returns the unique name owning name.
func (d *Daemon) NameOwner(ctx context.Context, name string) (string, bool, error) {
	var owner string
	var ok bool
	err := d.do(ctx, func() { owner, ok = d.ownerName(name) })
	return owner, ok, err
}

func (d *Daemon) acceptLoop(l *net.UnixListener) {
	var backoff time.Duration
	for {
		sock, err := l.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			d.logger.Warn("accept failed", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		var credPtr *transport.Credentials
		if cred, err := transport.PeerCredentials(sock); err == nil {
			credPtr = &cred
		} else {
			d.logger.Debug("peer credentials unavailable", "error", err)
		}
		if !d.post(func() { d.addPeer(sock, credPtr) }) {
			_ = sock.Close()
			return
		}
	}
}

func (d *Daemon) addPeer(sock *net.UnixConn, cred *transport.Credentials) {
	if d.cfg.MaxConnections > 0 && len(d.peers) >= d.cfg.MaxConnections {
		d.logger.Warn("connection limit reached, refusing client", "limit", d.cfg.MaxConnections)
		d.metrics.recordAccept(false)
		_ = sock.Close()
		return
	}

	d.nextPeerID++
	id := d.nextPeerID
	conn := connection.New(id, connection.Options{
		GUID:           d.guid,
		AllowAnonymous: d.cfg.AllowAnonymous,
		Credentials:    cred,
		Namer:          connection.NamerFunc(d.nextUniqueName),
	})
	p := newPeer(conn, sock, d.cfg.OutboundQueue)
	d.peers[id] = p
	d.metrics.recordAccept(true)

	attrs := []any{"conn", id}
	if cred != nil {
		attrs = append(attrs, "uid", cred.UID, "pid", cred.PID)
	}
	d.logger.Debug("client connected", attrs...)

	go p.writeLoop(d.cfg.WriteTimeout, func(err error) {
		d.post(func() { d.disconnect(p, "io", err) })
	})
	go p.readLoop(func(data []byte) {
		d.post(func() { d.handleData(p, data) })
	}, func(err error) {
		d.post(func() { d.disconnect(p, "eof", err) })
	})
}

func (d *Daemon) nextUniqueName() string {
	name := fmt.Sprintf(":1.%d", d.nextUnique)
	d.nextUnique++
	return name
}

func (d *Daemon) nextSerial() uint32 {
	d.serial++
	if d.serial == 0 {
		d.serial = 1
	}
	return d.serial
}

// handleData feeds bytes read from p into its connection state.
func (d *Daemon) handleData(p *peer, data []byte) {
	if p.gone {
		return
	}
	out, err := p.conn.Feed(data)
	if reply := out.AuthReply(); reply != nil {
		d.enqueue(p, reply)
	}
	for _, skipped := range out.Skipped {
		d.logger.Warn("dropping malformed message", "conn", p.conn.ID(), "error", skipped)
	}
	if err != nil {
		d.logger.Info("closing connection", "conn", p.conn.ID(), "name", p.conn.UniqueName(), "error", err)
		d.disconnect(p, "protocol", err)
		return
	}

	if out.Hello != nil {
		d.completeHello(p, out.Hello)
	}
	for _, m := range out.Messages {
		if p.gone {
			return
		}
		d.route(p, m)
	}
}

func (d *Daemon) completeHello(p *peer, hello *wire.Message) {
	name := p.conn.UniqueName()
	d.names.AssignUnique(name, p.conn.ID())
	d.metrics.recordHello()
	d.logger.Debug("client registered", "conn", p.conn.ID(), "name", name)

	reply := wire.NewMethodReturn(hello, wire.String(name))
	reply.Destination = name
	d.sendFromBus(p, reply)
	d.sendFromBus(p, d.busSignal(name, "NameAcquired", wire.String(name)))
	d.nameOwnerChanged(name, "", name)
}

// peerInfo describes p to policy hooks.
func (d *Daemon) peerInfo(p *peer) Peer {
	info := Peer{ID: p.conn.ID(), UniqueName: p.conn.UniqueName()}
	if uid, ok := p.conn.UnixUser(); ok {
		info.UID, info.HasUID = uid, true
	}
	if cred, ok := p.conn.Credentials(); ok {
		info.PID = cred.PID
	}
	return info
}

// enqueue hands an encoded frame to p's writer. A full queue marks p for
// disconnection once the current event finishes.
func (d *Daemon) enqueue(p *peer, frame []byte) {
	if p.gone || p.overflowed {
		return
	}
	select {
	case p.out <- frame:
	default:
		p.overflowed = true
		d.doomed = append(d.doomed, doomedPeer{peer: p, reason: "overflow"})
		d.logger.Warn("outbound queue full, dropping slow client",
			"conn", p.conn.ID(), "name", p.conn.UniqueName(), "queue", cap(p.out))
	}
}

type doomedPeer struct {
	peer   *peer
	reason string
}

func (d *Daemon) dropDoomed() {
	for len(d.doomed) > 0 {
		next := d.doomed[0]
		d.doomed = d.doomed[1:]
		d.disconnect(next.peer, next.reason, nil)
	}
	d.doomed = nil
}

// disconnect tears p down: its names are released, calls it owed replies
// to fail with NoReply and its queued activations are dropped.
func (d *Daemon) disconnect(p *peer, reason string, err error) {
	if p.gone {
		return
	}
	p.gone = true
	id := p.conn.ID()
	wasActive := p.conn.State() == connection.Active
	unique := p.conn.UniqueName()

	p.conn.Close()
	delete(d.peers, id)
	delete(d.monitors, id)
	p.shutdown()
	d.metrics.recordDisconnect(reason, wasActive)

	attrs := []any{"conn", id, "name", unique, "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	d.logger.Debug("client disconnected", attrs...)

	if unique != "" {
		for _, name := range d.names.RemoveConnection(id) {
			d.nameOwnerChanged(name, unique, "")
		}
		d.metrics.setOwnedNames(d.ownedWellKnown())
	}
	d.dropPending(id)
	d.dropQueued(id)
}
