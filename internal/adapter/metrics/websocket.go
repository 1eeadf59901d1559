package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WebSocketMetrics covers the socket transport.
type WebSocketMetrics struct {
	ActiveConnections   prometheus.Gauge
	Rejected            *prometheus.CounterVec
	SendDuration        prometheus.Histogram
	SlowClientEvictions prometheus.Counter
	PingFailures        prometheus.Counter
}

func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rejected_total",
			Help:      "Upgrade requests rejected, by reason.",
		}, []string{"reason"}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "send_duration_seconds",
			Help:      "Time to write one frame to a client.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		SlowClientEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "slow_client_evictions_total",
			Help:      "Clients disconnected because their send buffer was full.",
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "ping_failures_total",
			Help:      "Pings that could not be written.",
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.Rejected, m.SendDuration, m.SlowClientEvictions, m.PingFailures)
	return m
}

func (m *WebSocketMetrics) Connected() {
	if m != nil {
		m.ActiveConnections.Inc()
	}
}

func (m *WebSocketMetrics) Disconnected() {
	if m != nil {
		m.ActiveConnections.Dec()
	}
}

func (m *WebSocketMetrics) Reject(reason string) {
	if m != nil {
		m.Rejected.WithLabelValues(reason).Inc()
	}
}

func (m *WebSocketMetrics) Sent(d time.Duration) {
	if m != nil {
		m.SendDuration.Observe(d.Seconds())
	}
}

func (m *WebSocketMetrics) Evicted() {
	if m != nil {
		m.SlowClientEvictions.Inc()
	}
}

func (m *WebSocketMetrics) PingFailed() {
	if m != nil {
		m.PingFailures.Inc()
	}
}
