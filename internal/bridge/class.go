package bridge

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/epanel3-site/django-clientsignal/internal/domain"
	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
	"github.com/epanel3-site/django-clientsignal/internal/registry"
)

const (
	KindSimple = "simple"
	KindRelay  = "relay"
	KindStats  = "stats"

	// StatsChannel is the Broadcast channel stats snapshots go out on.
	StatsChannel = "stats"
)

// Kind describes how classes of one kind are built.
type Kind struct {
	Relay bool
	Setup func(b *Bridge, reg *registry.Registry)
}

// Kinds is the table of connection class kinds that configuration may name.
var Kinds = map[string]Kind{
	KindSimple: {},
	KindRelay:  {Relay: true},
	KindStats: {
		Relay: true,
		Setup: func(b *Bridge, reg *registry.Registry) {
			reg.Broadcast(StatsChannel, b.Signal(StatsChannel))
		},
	},
}

// KindNames lists Kinds, sorted.
func KindNames() []string {
	names := make([]string, 0, len(Kinds))
	for name := range Kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupKind(name string) (Kind, error) {
	kind, ok := Kinds[name]
	if !ok {
		return Kind{}, cserrors.Configuration(
			fmt.Sprintf("unknown connection class kind %q, want one of %v", name, KindNames()),
			domain.ErrUnknownClass,
		)
	}
	return kind, nil
}

// ClassStats are the counters of one class at a point in time.
type ClassStats struct {
	Connections    int   `json:"connections"`
	EventsReceived int64 `json:"events_received"`
	EventsSent     int64 `json:"events_sent"`
	EventsDropped  int64 `json:"events_dropped"`
}

// Add merges other into s.
func (s ClassStats) Add(other ClassStats) ClassStats {
	return ClassStats{
		Connections:    s.Connections + other.Connections,
		EventsReceived: s.EventsReceived + other.EventsReceived,
		EventsSent:     s.EventsSent + other.EventsSent,
		EventsDropped:  s.EventsDropped + other.EventsDropped,
	}
}

// Class is a connection class: a registry plus the connections opened on it.
type Class struct {
	name     string
	kind     string
	relay    bool
	registry *registry.Registry

	mu    sync.Mutex
	conns []*Conn

	received atomic.Int64
	sent     atomic.Int64
	dropped  atomic.Int64
}

func (c *Class) Name() string {
	return c.name
}

func (c *Class) Kind() string {
	return c.kind
}

// RelayEnabled reports whether Broadcast channels of this class cross processes.
func (c *Class) RelayEnabled() bool {
	return c.relay
}

func (c *Class) Registry() *registry.Registry {
	return c.registry
}

// Conns returns the open connections in open order.
func (c *Class) Conns() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Conn(nil), c.conns...)
}

func (c *Class) Stats() ClassStats {
	c.mu.Lock()
	n := len(c.conns)
	c.mu.Unlock()

	return ClassStats{
		Connections:    n,
		EventsReceived: c.received.Load(),
		EventsSent:     c.sent.Load(),
		EventsDropped:  c.dropped.Load(),
	}
}

func (c *Class) add(conn *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns = append(c.conns, conn)
}

func (c *Class) remove(conn *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.conns {
		if existing == conn {
			c.conns = append(c.conns[:i:i], c.conns[i+1:]...)
			return
		}
	}
}
