package daemon

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmylchreest/minibus/internal/wire"
)

// Metrics provides Prometheus metrics for the bus.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	// Connections counts accepted sockets by outcome.
	// Label values: "accepted", "rejected".
	Connections *prometheus.CounterVec

	// Disconnects counts closed connections by reason.
	// Label values: "eof", "protocol", "overflow", "io", "shutdown".
	Disconnects *prometheus.CounterVec

	// ActiveConnections tracks connections that completed Hello.
	ActiveConnections prometheus.Gauge

	// Messages counts messages received from clients by type and outcome.
	// Outcome values: "delivered", "broadcast", "driver", "queued", "dropped", "rejected".
	Messages *prometheus.CounterVec

	// OwnedNames tracks well-known names currently owned.
	OwnedNames prometheus.Gauge

	// PendingReplies tracks calls awaiting a reply.
	PendingReplies prometheus.Gauge

	// Activations counts service activations by result.
	// Label values: "started", "pending", "completed", "failed", "timeout".
	Activations *prometheus.CounterVec
}

// NewMetrics creates and registers bus metrics with reg. If reg is nil the
// metrics are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minibus",
			Name:      "connections_total",
			Help:      "Total number of accepted client sockets",
		}, []string{"outcome"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minibus",
			Name:      "disconnects_total",
			Help:      "Total number of closed client connections",
		}, []string{"reason"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "minibus",
			Name:      "active_connections",
			Help:      "Current number of connections past Hello",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minibus",
			Name:      "messages_total",
			Help:      "Total number of messages received from clients",
		}, []string{"type", "outcome"}),
		OwnedNames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "minibus",
			Name:      "owned_names",
			Help:      "Current number of owned well-known names",
		}),
		PendingReplies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "minibus",
			Name:      "pending_replies",
			Help:      "Current number of method calls awaiting a reply",
		}),
		Activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minibus",
			Name:      "activations_total",
			Help:      "Total number of service activation events",
		}, []string{"result"}),
	}

	if reg != nil {
		m.Connections = registerOrReuse(reg, m.Connections).(*prometheus.CounterVec)
		m.Disconnects = registerOrReuse(reg, m.Disconnects).(*prometheus.CounterVec)
		m.ActiveConnections = registerOrReuse(reg, m.ActiveConnections).(prometheus.Gauge)
		m.Messages = registerOrReuse(reg, m.Messages).(*prometheus.CounterVec)
		m.OwnedNames = registerOrReuse(reg, m.OwnedNames).(prometheus.Gauge)
		m.PendingReplies = registerOrReuse(reg, m.PendingReplies).(prometheus.Gauge)
		m.Activations = registerOrReuse(reg, m.Activations).(*prometheus.CounterVec)
	}

	return m
}

// registerOrReuse registers c, returning the existing collector when an
// identical one is already registered.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) recordAccept(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.Connections.WithLabelValues("accepted").Inc()
	} else {
		m.Connections.WithLabelValues("rejected").Inc()
	}
}

func (m *Metrics) recordDisconnect(reason string, wasActive bool) {
	if m == nil {
		return
	}
	m.Disconnects.WithLabelValues(reason).Inc()
	if wasActive {
		m.ActiveConnections.Dec()
	}
}

func (m *Metrics) recordHello() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) recordMessage(t wire.Type, outcome string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(t.String(), outcome).Inc()
}

func (m *Metrics) setOwnedNames(n int) {
	if m == nil {
		return
	}
	m.OwnedNames.Set(float64(n))
}

func (m *Metrics) setPendingReplies(n int) {
	if m == nil {
		return
	}
	m.PendingReplies.Set(float64(n))
}

func (m *Metrics) recordActivation(result string) {
	if m == nil {
		return
	}
	m.Activations.WithLabelValues(result).Inc()
}
