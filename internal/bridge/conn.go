package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/epanel3-site/django-clientsignal/internal/domain"
	"github.com/epanel3-site/django-clientsignal/internal/platform/correlation"
	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
	"github.com/epanel3-site/django-clientsignal/internal/registry"
	"github.com/epanel3-site/django-clientsignal/internal/relay"
)

// State is a connection lifecycle stage. It only moves forward.
type State int

const (
	StateOpening State = iota // identity not yet built
	StateOpen                 // listeners attached, frames flow
	StateClosing              // listeners being detached
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	sourceLocal = "local"
	sourceRelay = "relay"
)

// Conn is one client connection on a class. The transport owns the socket;
// the Conn owns its listener subscriptions.
type Conn struct {
	id        string
	bridge    *Bridge
	class     *Class
	identity  domain.Identity
	transport domain.Transport

	mu          sync.RWMutex
	state       State
	disconnects []func()
	relayHeld   bool
}

// ID is unique within the process.
func (c *Conn) ID() string {
	return c.id
}

// Class is the class the connection was opened on.
func (c *Conn) Class() *Class {
	return c.class
}

// Identity is fixed once the connection is open.
func (c *Conn) Identity() domain.Identity {
	return c.identity
}

// State reports the current lifecycle stage.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Conn) logAttrs() []any {
	return []any{"class", c.class.name, "conn_id", c.id}
}

// listener is the per-channel closure subscribed to a Broadcast signal. It
// drops events this connection's own identity caused.
func (c *Conn) listener(name string) func(ctx context.Context, sender domain.Identity, kwargs map[string]any) {
	return func(ctx context.Context, sender domain.Identity, kwargs map[string]any) {
		if sender.Equal(c.identity) {
			return
		}
		kwargs[relay.SenderKey] = sender.Wire()
		c.send(ctx, name, kwargs, sourceLocal)
	}
}

// HandleFrame decodes one raw client frame and runs its Listen handler.
// Nothing a client sends can close the connection from here.
func (c *Conn) HandleFrame(ctx context.Context, raw []byte) {
	ctx = correlation.WithID(ctx, correlation.NewID())

	if c.State() != StateOpen {
		return
	}

	name, kwargs, err := c.bridge.codec.Decode(raw)
	if err != nil {
		c.drop(ctx, "malformed", cserrors.Transport("dropping undecodable frame", err).WithContext("size", len(raw)))
		return
	}

	handler, err := c.class.registry.Resolve(name)
	if err != nil {
		c.drop(ctx, "unknown_channel", cserrors.Transport("dropping frame for unknown channel", err).WithContext("channel", name))
		return
	}

	c.class.received.Add(1)
	c.bridge.metrics.Received(c.class.name)

	if err := c.invoke(ctx, handler, kwargs); err != nil {
		c.bridge.metrics.HandlerFailed(c.class.name, name)
		handlerErr := cserrors.Handler("listen handler failed", err).WithContext("channel", name)
		slog.WarnContext(ctx, "Listen handler failed", append(c.logAttrs(), handlerErr.LogAttrs()...)...)
	}
}

func (c *Conn) invoke(ctx context.Context, handler registry.Handler, kwargs map[string]any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return handler(ctx, c.identity, kwargs)
}

func (c *Conn) drop(ctx context.Context, reason string, err *cserrors.Error) {
	c.class.dropped.Add(1)
	c.bridge.metrics.Dropped(c.class.name, reason)
	slog.WarnContext(ctx, "Client frame dropped", append(c.logAttrs(), err.LogAttrs()...)...)
}

// Send encodes an event and hands it to the transport. It does nothing
// unless the connection is open.
func (c *Conn) Send(ctx context.Context, name string, kwargs map[string]any) {
	c.send(ctx, name, kwargs, sourceLocal)
}

func (c *Conn) send(ctx context.Context, name string, kwargs map[string]any, source string) {
	if c.State() != StateOpen {
		return
	}

	frame, err := c.bridge.codec.Encode(name, kwargs)
	if err != nil {
		encodeErr := cserrors.Transport("failed to encode event", err).WithContext("channel", name)
		slog.ErrorContext(ctx, "Event not sent", append(c.logAttrs(), encodeErr.LogAttrs()...)...)
		return
	}

	if err := c.transport.SendRaw(frame); err != nil {
		sendErr := cserrors.Transport("send failed", err).WithContext("channel", name)
		if errors.Is(err, domain.ErrConnectionClosed) {
			slog.DebugContext(ctx, "Event not sent", append(c.logAttrs(), sendErr.LogAttrs()...)...)
		} else {
			slog.WarnContext(ctx, "Event not sent", append(c.logAttrs(), sendErr.LogAttrs()...)...)
		}
		return
	}

	c.class.sent.Add(1)
	c.bridge.metrics.Sent(c.class.name, source)
}

// Close unsubscribes every listener and releases the relay reference. It
// is safe to call more than once and from any goroutine.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasOpen := c.state == StateOpen
	c.state = StateClosing
	disconnects := c.disconnects
	c.disconnects = nil
	relayHeld := c.relayHeld
	c.relayHeld = false
	c.mu.Unlock()

	for _, disconnect := range disconnects {
		disconnect()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	if wasOpen {
		c.class.remove(c)
		c.bridge.metrics.Closed(c.class.name)
	}
	if relayHeld {
		c.bridge.relay.Release()
	}

	slog.Debug("Connection closed", c.logAttrs()...)
}

// Disconnect closes the underlying transport. The transport reports the
// close back, which ends in Close.
func (c *Conn) Disconnect() error {
	return c.transport.Close()
}

func newConnID() string {
	return uuid.NewString()
}
