// Package dispatch provides the in-process signal: a named, many-receiver,
// synchronous notification primitive. Receivers run on the sender's goroutine
// in connection order.
package dispatch

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/epanel3-site/django-clientsignal/internal/domain"
)

// Receiver handles one firing. kwargs is a private copy; receivers may
// modify it freely.
type Receiver func(ctx context.Context, sender domain.Identity, kwargs map[string]any)

type receiverEntry struct {
	id uint64
	fn Receiver
}

type Signal struct {
	name string

	mu        sync.RWMutex
	receivers []receiverEntry
	nextID    atomic.Uint64
}

func New(name string) *Signal {
	return &Signal{name: name}
}

func (s *Signal) Name() string {
	return s.name
}

// Connect registers fn and returns a func that removes it. The returned
// func is safe to call more than once.
func (s *Signal) Connect(fn Receiver) (disconnect func()) {
	id := s.nextID.Add(1)

	s.mu.Lock()
	s.receivers = append(s.receivers, receiverEntry{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.disconnect(id) })
	}
}

func (s *Signal) disconnect(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range s.receivers {
		if entry.id == id {
			s.receivers = append(s.receivers[:i:i], s.receivers[i+1:]...)
			return
		}
	}
}

// Send fires the signal. Receivers connected or disconnected during Send
// take effect from the next firing.
func (s *Signal) Send(ctx context.Context, sender domain.Identity, kwargs map[string]any) {
	s.mu.RLock()
	receivers := make([]receiverEntry, len(s.receivers))
	copy(receivers, s.receivers)
	s.mu.RUnlock()

	for _, entry := range receivers {
		args := maps.Clone(kwargs)
		if args == nil {
			args = make(map[string]any)
		}
		entry.fn(ctx, sender, args)
	}
}

func (s *Signal) NumReceivers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.receivers)
}
