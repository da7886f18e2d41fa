package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Event names. Client-side counters describe a linkup.Manager, relay_* counters
// the rendezvous server.
const (
	OutboundEnqueued  = "outbound_enqueued"
	OutboundSent      = "outbound_sent"
	OutboundQueueFull = "outbound_queue_full"
	ListenSent        = "listen_sent"
	PongSent          = "pong_sent"

	InboundDelivered     = "inbound_delivered"
	InboundUnrouted      = "inbound_unrouted"
	InboundUnknownAction = "inbound_unknown_action"
	InboundMalformed     = "inbound_malformed"
	CallbackPanics       = "callback_panics"

	DialFailed      = "dial_failed"
	TransportOpened = "transport_opened"
	TransportClosed = "transport_closed"

	RelayConnections      = "relay_connections"
	RelayListens          = "relay_listens"
	RelayForwarded        = "relay_forwarded"
	RelayUnrouted         = "relay_unrouted"
	RelayPeerBackpressure = "relay_peer_backpressure"
	RelayRateLimited      = "relay_rate_limited"
	RelayMessageTooLarge  = "relay_message_too_large"
	RelayIdleTimeouts     = "relay_idle_timeouts"
	RelayMalformed        = "relay_malformed"
	RelayOriginRejected   = "relay_origin_rejected"
)

const eventsMetricName = "linkup_events_total"

// Metrics is a concurrency-safe counter registry exported as a single
// Prometheus counter vector with an `event` label.
//
// Each Metrics owns its registry so tests and multiple managers in one process
// never collide on registration.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

func New() *Metrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: eventsMetricName,
		Help: "Internal linkup event counters.",
	}, []string{"event"})

	registry := prometheus.NewRegistry()
	registry.MustRegister(events)

	return &Metrics{
		registry: registry,
		events:   events,
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.events.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) Get(name string) uint64 {
	return m.Snapshot()[name]
}

// Snapshot returns the current value of every counter that has been touched.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	families, err := m.registry.Gather()
	if err != nil {
		return out
	}
	for _, family := range families {
		if family.GetName() != eventsMetricName {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "event" {
					out[label.GetValue()] = uint64(metric.GetCounter().GetValue())
				}
			}
		}
	}
	return out
}

// Registry exposes the underlying registry so callers can register additional
// collectors next to the event counters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
