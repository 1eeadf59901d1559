// Package websocket is the socket transport: it upgrades HTTP requests,
// feeds client frames to a bridge connection and writes events back.
package websocket

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/epanel3-site/django-clientsignal/internal/adapter/metrics"
	"github.com/epanel3-site/django-clientsignal/internal/bridge"
	"github.com/epanel3-site/django-clientsignal/internal/domain"
	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
)

type Options struct {
	CheckOrigin func(r *http.Request) bool
	Limits      *ConnectionLimits // nil disables limits
	Metrics     *metrics.WebSocketMetrics
	Clock       clockwork.Clock
}

// Handler serves one connection class on one route.
type Handler struct {
	bridge   *bridge.Bridge
	class    string
	upgrader websocket.Upgrader
	limits   *ConnectionLimits
	metrics  *metrics.WebSocketMetrics
	clock    clockwork.Clock
}

func NewHandler(b *bridge.Bridge, class string, opts Options) *Handler {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{
		bridge: b,
		class:  class,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      opts.CheckOrigin,
		},
		limits:  opts.Limits,
		metrics: opts.Metrics,
		clock:   clock,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if h.limits != nil {
		ok, reason := h.limits.Acquire(ip)
		if !ok {
			h.metrics.Reject(string(reason))
			slog.Warn("WebSocket connection rejected", "class", h.class, "remote_addr", ip, "reason", reason)
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		defer h.limits.Release(ip)
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the error response.
		h.metrics.Reject("upgrade_failed")
		slog.Debug("WebSocket upgrade failed", "class", h.class, "remote_addr", ip, "error", err)
		return
	}

	writer := newClientWriter(socket, h.clock, h.metrics)
	defer writer.stop()

	meta := domain.Metadata{
		Header:     r.Header,
		Query:      r.URL.Query(),
		RemoteAddr: ip,
		Path:       r.URL.Path,
	}

	ctx := r.Context()
	conn, err := h.bridge.Open(ctx, h.class, meta, &transport{writer: writer})
	if err != nil {
		openErr := cserrors.As(err, cserrors.KindTransport)
		slog.WarnContext(ctx, "Connection open failed", append(openErr.LogAttrs(), "class", h.class, "remote_addr", ip)...)
		writer.stopGraceful(websocket.CloseInternalServerErr, "open failed")
		return
	}
	defer conn.Close()

	h.metrics.Connected()
	defer h.metrics.Disconnected()

	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "WebSocket read failed", "class", h.class, "conn_id", conn.ID(), "error", err)
			}
			return
		}
		writer.updateReadDeadline()
		conn.HandleFrame(ctx, raw)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
