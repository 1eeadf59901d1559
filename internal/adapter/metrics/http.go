package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

type HTTPMetrics struct {
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	InFlightGauge   prometheus.Gauge
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status_code"}),
		InFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of HTTP requests currently being processed.",
		}),
	}

	reg.MustRegister(m.RequestDuration, m.RequestsTotal, m.InFlightGauge)
	return m
}

// unmatchedRoute labels requests no route matched, keeping label
// cardinality bounded against scanners.
const unmatchedRoute = "unmatched"

// Middleware records request metrics. Health checks, /metrics and the given
// socket routes are not recorded: health checks are noise and a socket request
// lasts as long as the connection.
func (m *HTTPMetrics) Middleware(socketRoutes ...string) echo.MiddlewareFunc {
	skip := map[string]bool{"/metrics": true}
	for _, route := range socketRoutes {
		skip[route] = true
	}
	skipped := func(route string) bool {
		return skip[route] || strings.HasPrefix(route, "/health/")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil || skipped(c.Path()) {
				return next(c)
			}

			m.InFlightGauge.Inc()
			start := time.Now()
			err := next(c)
			m.InFlightGauge.Dec()

			status := c.Response().Status
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				// The error handler writes the status after the middleware chain.
				status = httpErr.Code
			}

			route := c.Path()
			if route == "" || status == http.StatusNotFound {
				route = unmatchedRoute
			}

			labels := prometheus.Labels{
				"method":      c.Request().Method,
				"route":       route,
				"status_code": strconv.Itoa(status),
			}
			m.RequestDuration.With(labels).Observe(time.Since(start).Seconds())
			m.RequestsTotal.With(labels).Inc()
			return err
		}
	}
}
