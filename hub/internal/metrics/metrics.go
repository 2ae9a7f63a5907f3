// Package metrics exposes the hub's Prometheus collectors. All methods are
// safe to call on a nil *Metrics, so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lumacast"

// Metrics holds the hub's collectors.
type Metrics struct {
	handshakes     *prometheus.CounterVec
	frames         *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	rooms          prometheus.Gauge
	members        *prometheus.GaugeVec
	kickouts       *prometheus.CounterVec
	gatewayCalls   *prometheus.CounterVec
	connections    prometheus.Gauge
	usageSeconds   prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "total",
			Help:      "Handshake steps by result.",
		}, []string{"step", "result"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Protected frames opened by result.",
		}, []string{"result"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "command_duration_seconds",
			Help:      "Command handling latency by type and result code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command", "code"}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "active",
			Help:      "Rooms currently registered.",
		}),
		members: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "members",
			Help:      "Members currently joined, by role.",
		}, []string{"role"}),
		kickouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "kickouts_total",
			Help:      "Forced removals by reason.",
		}, []string{"reason"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Authorization gateway calls by operation and result.",
		}, []string{"op", "result"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		usageSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "usage_seconds_total",
			Help:      "Connected seconds accrued by heartbeats.",
		}),
	}
	reg.MustRegister(
		m.handshakes,
		m.frames,
		m.commandLatency,
		m.rooms,
		m.members,
		m.kickouts,
		m.gatewayCalls,
		m.connections,
		m.usageSeconds,
	)
	return m
}

// RecordHandshake counts one handshake step ("challenge" or "negotiate").
func (m *Metrics) RecordHandshake(step, result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(step, result).Inc()
}

// RecordFrame counts one protected frame.
func (m *Metrics) RecordFrame(result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCommand(command, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.commandLatency.WithLabelValues(command, code).Observe(d.Seconds())
}

func (m *Metrics) RoomOpened() {
	if m == nil {
		return
	}
	m.rooms.Inc()
}

func (m *Metrics) RoomClosed() {
	if m == nil {
		return
	}
	m.rooms.Dec()
}

func (m *Metrics) MemberJoined(role string) {
	if m == nil {
		return
	}
	m.members.WithLabelValues(role).Inc()
}

func (m *Metrics) MemberLeft(role string) {
	if m == nil {
		return
	}
	m.members.WithLabelValues(role).Dec()
}

func (m *Metrics) RecordKickout(reason string) {
	if m == nil {
		return
	}
	m.kickouts.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordGatewayCall(op, result string) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) AddUsage(seconds int64) {
	if m == nil || seconds <= 0 {
		return
	}
	m.usageSeconds.Add(float64(seconds))
}
