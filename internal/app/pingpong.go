package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/epanel3-site/django-clientsignal/internal/bridge"
	"github.com/epanel3-site/django-clientsignal/internal/dispatch"
	"github.com/epanel3-site/django-clientsignal/internal/domain"
	"github.com/epanel3-site/django-clientsignal/internal/registry"
)

const (
	PingChannel = "ping"
	PongChannel = "pong"
	PongReply   = "Ponged"
)

// PingPong answers every ping with a pong sent on behalf of the pinger, so
// the pinger itself is skipped.
type PingPong struct {
	ping *dispatch.Signal
	pong *dispatch.Signal

	once       sync.Once
	disconnect func()
}

func NewPingPong(b *bridge.Bridge) *PingPong {
	p := &PingPong{
		ping: b.Signal(PingChannel),
		pong: b.Signal(PongChannel),
	}
	p.disconnect = p.ping.Connect(p.handlePing)
	return p
}

// Register exposes ping as Listen and pong as Broadcast on a class.
func (p *PingPong) Register(reg *registry.Registry) {
	reg.Listen(PingChannel, p.ping)
	reg.Broadcast(PongChannel, p.pong)
	slog.Info("Ping/pong registered", "class", reg.Class())
}

// Pong fires a pong from the server, which every client receives.
func (p *PingPong) Pong(ctx context.Context) {
	p.pong.Send(ctx, domain.Identity{}, map[string]any{"pong": PongReply})
}

func (p *PingPong) Close() {
	p.once.Do(p.disconnect)
}

func (p *PingPong) handlePing(ctx context.Context, sender domain.Identity, _ map[string]any) {
	slog.DebugContext(ctx, "Ping received", "sender", sender.Label())
	p.pong.Send(ctx, sender, map[string]any{"pong": PongReply})
}
