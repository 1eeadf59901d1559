// Package registry maps channel names to local signals for one connection
// class. Each class owns its own Registry, built at startup and passed to
// every connection of that class.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/epanel3-site/django-clientsignal/internal/dispatch"
	"github.com/epanel3-site/django-clientsignal/internal/domain"
)

// Handler runs for a client frame naming a Listen channel.
type Handler func(ctx context.Context, identity domain.Identity, kwargs map[string]any) error

// Registration is one channel name bound to a signal.
type Registration struct {
	Name      string
	Direction domain.Direction
	Signal    *dispatch.Signal
}

// Registry holds the Listen and Broadcast bindings of one class.
type Registry struct {
	class string

	mu        sync.RWMutex
	listen    map[string]*dispatch.Signal
	handlers  map[string]Handler
	broadcast map[string]*dispatch.Signal
	order     []string
	observers []func(Registration)
}

// New returns an empty registry for class.
func New(class string) *Registry {
	return &Registry{
		class:     class,
		listen:    make(map[string]*dispatch.Signal),
		handlers:  make(map[string]Handler),
		broadcast: make(map[string]*dispatch.Signal),
	}
}

func (r *Registry) Class() string {
	return r.class
}

// Register binds name to sig in the given direction(s). A (name, direction)
// pair that is already bound is left untouched.
func (r *Registry) Register(name string, sig *dispatch.Signal, dir domain.Direction) {
	var added *Registration

	r.mu.Lock()
	if dir.Has(domain.Listen) {
		if _, ok := r.listen[name]; !ok {
			r.listen[name] = sig
			if _, custom := r.handlers[name]; !custom {
				r.handlers[name] = fire(sig)
			}
		}
	}
	if dir.Has(domain.Broadcast) {
		if _, ok := r.broadcast[name]; !ok {
			r.broadcast[name] = sig
			r.order = append(r.order, name)
			added = &Registration{Name: name, Direction: domain.Broadcast, Signal: sig}
		}
	}
	observers := append([]func(Registration){}, r.observers...)
	r.mu.Unlock()

	if added != nil {
		for _, observe := range observers {
			observe(*added)
		}
	}
}

func (r *Registry) Listen(name string, sig *dispatch.Signal) {
	r.Register(name, sig, domain.Listen)
}

func (r *Registry) Broadcast(name string, sig *dispatch.Signal) {
	r.Register(name, sig, domain.Broadcast)
}

// Handle installs a custom Listen handler for name, replacing the default
// "fire the signal" handler.
func (r *Registry) Handle(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func fire(sig *dispatch.Signal) Handler {
	return func(ctx context.Context, identity domain.Identity, kwargs map[string]any) error {
		sig.Send(ctx, identity, kwargs)
		return nil
	}
}

// Resolve returns the Listen handler for name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q on class %q", domain.ErrUnknownChannel, name, r.class)
	}
	return h, nil
}

func (r *Registry) HasBroadcast(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.broadcast[name]
	return ok
}

// BroadcastChannels lists Broadcast registrations in registration order.
func (r *Registry) BroadcastChannels() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]Registration, 0, len(r.order))
	for _, name := range r.order {
		regs = append(regs, Registration{Name: name, Direction: domain.Broadcast, Signal: r.broadcast[name]})
	}
	return regs
}

// ListenChannels lists every name with a Listen handler.
func (r *Registry) ListenChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// OnBroadcast calls fn for every Broadcast registration, existing ones first
// and then each new one as it is added.
func (r *Registry) OnBroadcast(fn func(Registration)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	existing := make([]Registration, 0, len(r.order))
	for _, name := range r.order {
		existing = append(existing, Registration{Name: name, Direction: domain.Broadcast, Signal: r.broadcast[name]})
	}
	r.mu.Unlock()

	for _, reg := range existing {
		fn(reg)
	}
}
