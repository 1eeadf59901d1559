package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/epanel3-site/django-clientsignal/internal/adapter/metrics"
	"github.com/epanel3-site/django-clientsignal/internal/codec"
	"github.com/epanel3-site/django-clientsignal/internal/dispatch"
	"github.com/epanel3-site/django-clientsignal/internal/domain"
	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
	"github.com/epanel3-site/django-clientsignal/internal/registry"
	"github.com/epanel3-site/django-clientsignal/internal/relay"
)

// Options configure a Bridge. A nil Codec means the plain JSON codec.
type Options struct {
	Codec    codec.Codec
	Identity domain.IdentityBuilder
	Relay    *relay.Relay // nil keeps every class local
	Metrics  *metrics.BridgeMetrics
}

// Bridge owns the connection classes, the named signals and the relay hookup
// for one process.
type Bridge struct {
	codec    codec.Codec
	identity domain.IdentityBuilder
	relay    *relay.Relay
	metrics  *metrics.BridgeMetrics

	mu      sync.RWMutex
	classes map[string]*Class
	order   []string
	signals map[string]*dispatch.Signal
}

// New builds a Bridge and, when a relay is given, routes its frames to local
// connections.
func New(opts Options) *Bridge {
	c := opts.Codec
	if c == nil {
		c = codec.NewPlain(codec.Options{})
	}
	b := &Bridge{
		codec:    c,
		identity: opts.Identity,
		relay:    opts.Relay,
		metrics:  opts.Metrics,
		classes:  make(map[string]*Class),
		signals:  make(map[string]*dispatch.Signal),
	}
	if b.relay != nil {
		b.relay.OnMessage(b.deliverRelay)
	}
	return b
}

// Signal returns the process-wide signal called name, creating it on first use.
func (b *Bridge) Signal(name string) *dispatch.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	sig, ok := b.signals[name]
	if !ok {
		sig = dispatch.New(name)
		b.signals[name] = sig
	}
	return sig
}

// AddClass builds a connection class of the given kind. Adding a name twice
// returns the existing class when the kind matches.
func (b *Bridge) AddClass(name, kind string) (*Class, error) {
	k, err := lookupKind(kind)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if existing, ok := b.classes[name]; ok {
		b.mu.Unlock()
		if existing.kind != kind {
			return nil, cserrors.Configuration(
				fmt.Sprintf("class %q already configured as kind %q", name, existing.kind), nil)
		}
		return existing, nil
	}
	class := &Class{
		name:     name,
		kind:     kind,
		relay:    k.Relay && b.relay != nil,
		registry: registry.New(name),
	}
	b.classes[name] = class
	b.order = append(b.order, name)
	b.mu.Unlock()

	if k.Setup != nil {
		k.Setup(b, class.registry)
	}
	if class.relay {
		class.registry.OnBroadcast(b.relay.Attach)
	}

	slog.Info("Connection class configured", "class", name, "kind", kind, "relay", class.relay)
	return class, nil
}

func (b *Bridge) Class(name string) (*Class, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	class, ok := b.classes[name]
	return class, ok
}

// Classes returns every class in the order they were added.
func (b *Bridge) Classes() []*Class {
	b.mu.RLock()
	defer b.mu.RUnlock()

	classes := make([]*Class, 0, len(b.order))
	for _, name := range b.order {
		classes = append(classes, b.classes[name])
	}
	return classes
}

// Open runs the Opening to Open transition for a new client connection.
func (b *Bridge) Open(ctx context.Context, className string, meta domain.Metadata, transport domain.Transport) (*Conn, error) {
	class, ok := b.Class(className)
	if !ok {
		return nil, cserrors.Configuration(fmt.Sprintf("connection class %q", className), domain.ErrUnknownClass)
	}

	conn := &Conn{
		id:        newConnID(),
		bridge:    b,
		class:     class,
		transport: transport,
		state:     StateOpening,
	}

	if b.identity != nil {
		identity, err := b.identity.Build(ctx, meta)
		if err != nil {
			conn.state = StateClosed
			return nil, cserrors.Transport("failed to build connection identity", err).
				WithContext("class", className).
				WithContext("remote_addr", meta.RemoteAddr)
		}
		conn.identity = identity
	}

	regs := class.registry.BroadcastChannels()
	disconnects := make([]func(), 0, len(regs))
	for _, reg := range regs {
		disconnects = append(disconnects, reg.Signal.Connect(conn.listener(reg.Name)))
	}

	conn.mu.Lock()
	conn.disconnects = disconnects
	conn.state = StateOpen
	conn.relayHeld = class.relay
	conn.mu.Unlock()

	class.add(conn)
	b.metrics.Opened(class.name)

	if class.relay {
		// A relay failure leaves the connection local-only.
		_ = b.relay.Acquire(ctx)
	}

	slog.DebugContext(ctx, "Connection opened", append(conn.logAttrs(), "identity", conn.identity.Label())...)
	return conn, nil
}

// deliverRelay fans a frame from another process out to local connections
// of every relay-enabled class that broadcasts its channel.
func (b *Bridge) deliverRelay(ctx context.Context, msg relay.Message) bool {
	sender := msg.Sender()
	matched := false

	for _, class := range b.Classes() {
		if !class.relay || !class.registry.HasBroadcast(msg.Channel) {
			continue
		}
		matched = true

		for _, conn := range class.Conns() {
			if sender.Equal(conn.identity) {
				continue
			}
			conn.send(ctx, msg.Event, maps.Clone(msg.Data), sourceRelay)
		}
	}
	return matched
}

// Stats returns per-class counters, keyed by class name.
func (b *Bridge) Stats() map[string]ClassStats {
	stats := make(map[string]ClassStats)
	for _, class := range b.Classes() {
		stats[class.name] = class.Stats()
	}
	return stats
}

// Relay returns the relay, or nil for a local-only bridge.
func (b *Bridge) Relay() *relay.Relay {
	return b.relay
}

// DisconnectAll closes the transport of every open connection.
func (b *Bridge) DisconnectAll() {
	for _, class := range b.Classes() {
		for _, conn := range class.Conns() {
			if err := conn.Disconnect(); err != nil {
				slog.Debug("Disconnect failed", append(conn.logAttrs(), "error", err)...)
			}
		}
	}
}
