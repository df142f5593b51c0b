// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "webrtc_meet"

// Relay event names, used as the `event` label.
const (
	EventJoin              = "join"
	EventLeave             = "leave"
	EventAdmissionRejected = "admission_rejected"
	EventRoutingMiss       = "routing_miss"
	EventQueueFull         = "queue_full"
	EventRateLimited       = "rate_limited"
	EventBadMessage        = "bad_message"
	EventRouted            = "routed"
	EventBroadcast         = "broadcast"
)

// Metrics owns a private registry so tests and multiple relays don't collide
// on the default one.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Relay events by kind.",
		}, []string{"event"}),
	}
	m.registry.MustRegister(m.events)
	return m
}

// Inc is safe on a nil receiver so components can run without metrics.
func (m *Metrics) Inc(event string) {
	m.Add(event, 1)
}

func (m *Metrics) Add(event string, delta uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Add(float64(delta))
}

// Get reads the current count for event.
func (m *Metrics) Get(event string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(event).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

// Gauge registers fn as webrtc_meet_relay_<name>, read at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) }))
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
