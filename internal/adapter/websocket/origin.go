package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may open a socket. Requests
// without an Origin header come from non-browser clients and always pass.
type OriginPolicy struct {
	allowed       map[string]bool
	allowLoopback bool
}

// NewOriginPolicy allows the origin of appURL plus every extra origin.
// allowLoopback additionally admits localhost origins on any port.
func NewOriginPolicy(appURL string, extra []string, allowLoopback bool) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]bool), allowLoopback: allowLoopback}
	for _, raw := range append([]string{appURL}, extra...) {
		if origin := normalizeOrigin(raw); origin != "" {
			p.allowed[origin] = true
		}
	}
	return p
}

// Check has the signature websocket.Upgrader.CheckOrigin expects.
func (p *OriginPolicy) Check(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}

	origin := normalizeOrigin(header)
	if p.allowed[origin] || (p.allowLoopback && isLoopback(origin)) {
		return true
	}

	slog.Warn("WebSocket origin rejected", "origin", header, "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	return false
}

// normalizeOrigin reduces a URL to scheme://host[:port], lowercased.
// Anything without a host yields "".
func normalizeOrigin(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func isLoopback(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
