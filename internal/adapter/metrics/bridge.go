package metrics

import "github.com/prometheus/client_golang/prometheus"

// BridgeMetrics covers connections and per-class event throughput.
type BridgeMetrics struct {
	ActiveConnections *prometheus.GaugeVec
	EventsReceived    *prometheus.CounterVec
	EventsSent        *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	HandlerFailures   *prometheus.CounterVec
}

func NewBridgeMetrics(reg prometheus.Registerer) *BridgeMetrics {
	m := &BridgeMetrics{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "active_connections",
			Help:      "Open connections by connection class.",
		}, []string{"class"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "events_received_total",
			Help:      "Client events decoded and dispatched, by class.",
		}, []string{"class"}),
		EventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "events_sent_total",
			Help:      "Events handed to the transport, by class and source (local or relay).",
		}, []string{"class", "source"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "events_dropped_total",
			Help:      "Client frames dropped, by class and reason.",
		}, []string{"class", "reason"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "handler_failures_total",
			Help:      "Listen handlers that returned an error or panicked, by class and channel.",
		}, []string{"class", "channel"}),
	}

	reg.MustRegister(m.ActiveConnections, m.EventsReceived, m.EventsSent, m.EventsDropped, m.HandlerFailures)
	return m
}

func (m *BridgeMetrics) Opened(class string) {
	if m != nil {
		m.ActiveConnections.WithLabelValues(class).Inc()
	}
}

func (m *BridgeMetrics) Closed(class string) {
	if m != nil {
		m.ActiveConnections.WithLabelValues(class).Dec()
	}
}

func (m *BridgeMetrics) Received(class string) {
	if m != nil {
		m.EventsReceived.WithLabelValues(class).Inc()
	}
}

func (m *BridgeMetrics) Sent(class, source string) {
	if m != nil {
		m.EventsSent.WithLabelValues(class, source).Inc()
	}
}

func (m *BridgeMetrics) Dropped(class, reason string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(class, reason).Inc()
	}
}

func (m *BridgeMetrics) HandlerFailed(class, channel string) {
	if m != nil {
		m.HandlerFailures.WithLabelValues(class, channel).Inc()
	}
}
