package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics covers the cross-process relay and its store.
type RelayMetrics struct {
	Published          *prometheus.CounterVec
	FramesReceived     prometheus.Counter
	FramesDropped      *prometheus.CounterVec
	PoolWait           prometheus.Histogram
	SubscriptionActive prometheus.Gauge

	StoreOpsTotal        *prometheus.CounterVec
	StoreOpDuration      *prometheus.HistogramVec
	StoreConnectionErrs  prometheus.Counter
	CircuitBreakerState  prometheus.Gauge
	CircuitBreakerChange *prometheus.CounterVec
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Relay publishes by status.",
		}, []string{"status"}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Frames read from the shared relay channel.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Relay frames dropped, by reason.",
		}, []string{"reason"}),
		PoolWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "pool_wait_seconds",
			Help:      "Time spent waiting for a relay pool slot.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2, 5},
		}),
		SubscriptionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscription_active",
			Help:      "1 while this process holds the shared relay subscription.",
		}),
		StoreOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Redis commands by operation and status.",
		}, []string{"operation", "status"}),
		StoreOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Redis command latency.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		StoreConnectionErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "connection_errors_total",
			Help:      "Failed Redis dials.",
		}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "circuit_breaker_state",
			Help:      "Relay store breaker state: 0 closed, 1 half-open, 2 open.",
		}),
		CircuitBreakerChange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Relay store breaker transitions by target state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.Published, m.FramesReceived, m.FramesDropped, m.PoolWait, m.SubscriptionActive,
		m.StoreOpsTotal, m.StoreOpDuration, m.StoreConnectionErrs,
		m.CircuitBreakerState, m.CircuitBreakerChange,
	)
	return m
}

func (m *RelayMetrics) PublishResult(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Published.WithLabelValues(status).Inc()
}

func (m *RelayMetrics) FrameReceived() {
	if m != nil {
		m.FramesReceived.Inc()
	}
}

func (m *RelayMetrics) FrameDropped(reason string) {
	if m != nil {
		m.FramesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *RelayMetrics) Waited(d time.Duration) {
	if m != nil {
		m.PoolWait.Observe(d.Seconds())
	}
}

func (m *RelayMetrics) Subscribed(active bool) {
	if m == nil {
		return
	}
	if active {
		m.SubscriptionActive.Set(1)
	} else {
		m.SubscriptionActive.Set(0)
	}
}

func (m *RelayMetrics) StoreOp(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreOpsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOpDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *RelayMetrics) DialFailed() {
	if m != nil {
		m.StoreConnectionErrs.Inc()
	}
}

func (m *RelayMetrics) BreakerChanged(state string, value float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerChange.WithLabelValues(state).Inc()
	m.CircuitBreakerState.Set(value)
}
