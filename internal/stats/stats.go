// Package stats periodically broadcasts this process's connection counts on
// the stats channel. Each process reports for itself; consumers merge.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/epanel3-site/django-clientsignal/internal/bridge"
	"github.com/epanel3-site/django-clientsignal/internal/dispatch"
	"github.com/epanel3-site/django-clientsignal/internal/domain"
	"github.com/epanel3-site/django-clientsignal/internal/platform/correlation"
	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
)

// Snapshot is one sample of this process.
type Snapshot struct {
	Host    string                       `json:"host"`
	Time    string                       `json:"time"`
	Server  bridge.ClassStats            `json:"server"`
	Classes map[string]bridge.ClassStats `json:"classes"`
	Clients map[string][]string          `json:"clients"`
}

type Aggregator struct {
	bridge   *bridge.Bridge
	classes  []*bridge.Class
	host     string
	interval time.Duration
	clock    clockwork.Clock
	signal   *dispatch.Signal
}

// New checks that every included class exists on b. A missing one is a
// configuration fault.
func New(b *bridge.Bridge, classes []string, host string, interval time.Duration, clock clockwork.Clock) (*Aggregator, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	included := make([]*bridge.Class, 0, len(classes))
	for _, name := range classes {
		class, ok := b.Class(name)
		if !ok {
			return nil, cserrors.Configuration(
				fmt.Sprintf("stats class %q is not a configured connection class", name),
				domain.ErrUnknownClass,
			)
		}
		included = append(included, class)
	}

	return &Aggregator{
		bridge:   b,
		classes:  included,
		host:     host,
		interval: interval,
		clock:    clock,
		signal:   b.Signal(bridge.StatsChannel),
	}, nil
}

// Run pins the relay subscription so stats from other processes keep
// arriving, then emits a snapshot every interval until ctx is done. A zero
// interval disables emitting.
func (a *Aggregator) Run(ctx context.Context) {
	if r := a.bridge.Relay(); r != nil {
		if err := r.Pin(ctx); err != nil {
			slog.WarnContext(ctx, "Stats relay subscription unavailable", "error", err, "error_kind", string(cserrors.KindOf(err)))
		}
	}

	if a.interval <= 0 {
		slog.Info("Stats disabled")
		return
	}

	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	slog.Info("Stats aggregator started", "interval", a.interval, "classes", len(a.classes))
	for {
		select {
		case <-ticker.Chan():
			a.Emit(correlation.WithID(ctx, correlation.NewID()))
		case <-ctx.Done():
			return
		}
	}
}

// Sample collects the current counters of the included classes.
func (a *Aggregator) Sample() Snapshot {
	snap := Snapshot{
		Host:    a.host,
		Time:    a.clock.Now().UTC().Format(time.RFC3339),
		Classes: make(map[string]bridge.ClassStats, len(a.classes)),
		Clients: make(map[string][]string),
	}

	held := make(map[string]map[string]bool)
	for _, class := range a.classes {
		s := class.Stats()
		snap.Classes[class.Name()] = s
		snap.Server = snap.Server.Add(s)

		for _, conn := range class.Conns() {
			label := conn.Identity().Label()
			if held[label] == nil {
				held[label] = make(map[string]bool)
			}
			held[label][class.Name()] = true
		}
	}

	for label, names := range held {
		list := make([]string, 0, len(names))
		for name := range names {
			list = append(list, name)
		}
		sort.Strings(list)
		snap.Clients[label] = list
	}
	return snap
}

// Emit fires the stats signal with the server as sender.
func (a *Aggregator) Emit(ctx context.Context) {
	snap := a.Sample()
	a.signal.Send(ctx, domain.Identity{}, map[string]any{"stats": snap})
	slog.DebugContext(ctx, "Stats emitted", "connections", snap.Server.Connections)
}
