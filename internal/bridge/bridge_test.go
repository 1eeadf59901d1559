package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epanel3-site/django-clientsignal/internal/adapter/metrics"
	"github.com/epanel3-site/django-clientsignal/internal/codec"
	"github.com/epanel3-site/django-clientsignal/internal/dispatch"
	"github.com/epanel3-site/django-clientsignal/internal/domain"
	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
	"github.com/epanel3-site/django-clientsignal/internal/platform/retry"
	"github.com/epanel3-site/django-clientsignal/internal/relay"
)

const waitFor = 2 * time.Second

type fakeTransport struct {
	mu     sync.Mutex
	frames []string
	closed bool
	err    error
}

func (t *fakeTransport) SendRaw(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.frames = append(t.frames, string(frame))
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.frames...)
}

// queryIdentity takes ?user= or ?session= from the metadata.
var queryIdentity = domain.IdentityBuilderFunc(func(_ context.Context, meta domain.Metadata) (domain.Identity, error) {
	if user := meta.Query.Get("user"); user != "" {
		return domain.Authenticated(user), nil
	}
	if session := meta.Query.Get("session"); session != "" {
		return domain.Anonymous(session), nil
	}
	return domain.Identity{}, errors.New("no identity")
})

func userMeta(user string) domain.Metadata {
	return domain.Metadata{Query: map[string][]string{"user": {user}}, Path: "/signals"}
}

func newLocalBridge(t *testing.T, m *metrics.BridgeMetrics) *Bridge {
	t.Helper()
	return New(Options{
		Codec:    codec.NewPlain(codec.Options{Hook: codec.IdentityHook}),
		Identity: queryIdentity,
		Metrics:  m,
	})
}

func open(t *testing.T, b *Bridge, class, user string) (*Conn, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	conn, err := b.Open(context.Background(), class, userMeta(user), tr)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn, tr
}

func TestBroadcast_SuppressesOriginator(t *testing.T) {
	b := newLocalBridge(t, nil)
	class, err := b.AddClass("relay", KindRelay)
	require.NoError(t, err)
	pong := b.Signal("pong")
	class.Registry().Broadcast("pong", pong)

	_, alice := open(t, b, "relay", "alice")
	_, bob := open(t, b, "relay", "bob")

	pong.Send(context.Background(), domain.Authenticated("alice"), map[string]any{"pong": "Ponged"})

	assert.Empty(t, alice.sent())
	assert.Equal(t, []string{`{"event":"pong","data":{"pong":"Ponged","sender":{"user":"alice"}}}`}, bob.sent())
}

func TestBroadcast_ServerSenderReachesEveryone(t *testing.T) {
	b := newLocalBridge(t, nil)
	class, err := b.AddClass("simple", KindSimple)
	require.NoError(t, err)
	news := b.Signal("news")
	class.Registry().Broadcast("news", news)

	_, alice := open(t, b, "simple", "alice")
	_, bob := open(t, b, "simple", "bob")

	news.Send(context.Background(), domain.Identity{}, nil)

	want := []string{`{"event":"news","data":{"sender":null}}`}
	assert.Equal(t, want, alice.sent())
	assert.Equal(t, want, bob.sent())
	assert.Equal(t, int64(2), class.Stats().EventsSent)
}

func TestBroadcast_SameUserOnTwoConnections(t *testing.T) {
	b := newLocalBridge(t, nil)
	class, err := b.AddClass("simple", KindSimple)
	require.NoError(t, err)
	sig := b.Signal("x")
	class.Registry().Broadcast("x", sig)

	_, first := open(t, b, "simple", "alice")
	_, second := open(t, b, "simple", "alice")

	sig.Send(context.Background(), domain.Authenticated("alice"), nil)

	assert.Empty(t, first.sent())
	assert.Empty(t, second.sent())
}

func TestClose_UnsubscribesEveryListener(t *testing.T) {
	b := newLocalBridge(t, nil)
	class, err := b.AddClass("simple", KindSimple)
	require.NoError(t, err)
	a, bsig := b.Signal("a"), b.Signal("b")
	class.Registry().Broadcast("a", a)
	class.Registry().Register("b", bsig, domain.Both)

	conn, tr := open(t, b, "simple", "alice")
	assert.Equal(t, 1, a.NumReceivers())
	assert.Equal(t, 1, bsig.NumReceivers())
	assert.Equal(t, StateOpen, conn.State())
	assert.Len(t, class.Conns(), 1)

	conn.Close()
	conn.Close()

	assert.Equal(t, StateClosed, conn.State())
	assert.Zero(t, a.NumReceivers())
	assert.Zero(t, bsig.NumReceivers())
	assert.Empty(t, class.Conns())

	a.Send(context.Background(), domain.Authenticated("bob"), nil)
	bsig.Send(context.Background(), domain.Authenticated("bob"), nil)
	conn.Send(context.Background(), "a", nil)
	assert.Empty(t, tr.sent())
}

func TestHandleFrame_FiresListenSignalWithIdentity(t *testing.T) {
	b := newLocalBridge(t, nil)
	class, err := b.AddClass("simple", KindSimple)
	require.NoError(t, err)
	ping := b.Signal("ping")
	class.Registry().Listen("ping", ping)

	var gotSender domain.Identity
	var gotKwargs map[string]any
	ping.Connect(func(_ context.Context, sender domain.Identity, kwargs map[string]any) {
		gotSender, gotKwargs = sender, kwargs
	})

	conn, _ := open(t, b, "simple", "alice")
	conn.HandleFrame(context.Background(), []byte(`{"event":"ping","data":{"n":1}}`))

	assert.Equal(t, domain.Authenticated("alice"), gotSender)
	assert.Equal(t, map[string]any{"n": 1.0}, gotKwargs)
	assert.Equal(t, int64(1), class.Stats().EventsReceived)
}

func TestHandleFrame_BadInputKeepsConnectionOpen(t *testing.T) {
	m := metrics.NewBridgeMetrics(prometheus.NewRegistry())
	b := newLocalBridge(t, m)
	class, err := b.AddClass("simple", KindSimple)
	require.NoError(t, err)
	class.Registry().Handle("fails", func(context.Context, domain.Identity, map[string]any) error {
		return errors.New("unexpected argument")
	})
	class.Registry().Handle("panics", func(_ context.Context, _ domain.Identity, kwargs map[string]any) error {
		_ = kwargs["missing"].(string)
		return nil
	})

	conn, _ := open(t, b, "simple", "alice")
	ctx := context.Background()

	conn.HandleFrame(ctx, []byte(`not json`))
	conn.HandleFrame(ctx, []byte(`{"data":{}}`))
	conn.HandleFrame(ctx, []byte(`{"event":"nobody","data":{}}`))
	conn.HandleFrame(ctx, []byte(`{"event":"fails","data":{}}`))
	conn.HandleFrame(ctx, []byte(`{"event":"panics","data":{}}`))

	assert.Equal(t, StateOpen, conn.State())
	stats := class.Stats()
	assert.Equal(t, int64(3), stats.EventsDropped)
	assert.Equal(t, int64(2), stats.EventsReceived)

	assert.InDelta(t, 2, testutil.ToFloat64(m.EventsDropped.WithLabelValues("simple", "malformed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.EventsDropped.WithLabelValues("simple", "unknown_channel")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.HandlerFailures.WithLabelValues("simple", "fails")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.HandlerFailures.WithLabelValues("simple", "panics")), 0)
}

func TestSend_TransportErrorIsContained(t *testing.T) {
	b := newLocalBridge(t, nil)
	class, err := b.AddClass("simple", KindSimple)
	require.NoError(t, err)

	tr := &fakeTransport{err: domain.ErrConnectionClosed}
	conn, err := b.Open(context.Background(), "simple", userMeta("alice"), tr)
	require.NoError(t, err)
	defer conn.Close()

	conn.Send(context.Background(), "x", map[string]any{"a": 1})
	assert.Zero(t, class.Stats().EventsSent)
	assert.Equal(t, StateOpen, conn.State())
}

func TestOpen_IdentityFailure(t *testing.T) {
	b := newLocalBridge(t, nil)
	class, err := b.AddClass("simple", KindSimple)
	require.NoError(t, err)
	sig := b.Signal("x")
	class.Registry().Broadcast("x", sig)

	_, err = b.Open(context.Background(), "simple", domain.Metadata{}, &fakeTransport{})
	require.Error(t, err)
	assert.Equal(t, cserrors.KindTransport, cserrors.KindOf(err))
	assert.Empty(t, class.Conns())
	assert.Zero(t, sig.NumReceivers())
}

func TestOpen_UnknownClass(t *testing.T) {
	b := newLocalBridge(t, nil)

	_, err := b.Open(context.Background(), "missing", userMeta("alice"), &fakeTransport{})
	assert.ErrorIs(t, err, domain.ErrUnknownClass)
	assert.True(t, cserrors.IsFatal(err))
}

func TestAddClass(t *testing.T) {
	b := newLocalBridge(t, nil)

	_, err := b.AddClass("x", "nope")
	require.Error(t, err)
	assert.True(t, cserrors.IsFatal(err))
	assert.ErrorIs(t, err, domain.ErrUnknownClass)

	first, err := b.AddClass("x", KindSimple)
	require.NoError(t, err)
	again, err := b.AddClass("x", KindSimple)
	require.NoError(t, err)
	assert.Same(t, first, again)

	_, err = b.AddClass("x", KindRelay)
	assert.True(t, cserrors.IsFatal(err))

	stats, err := b.AddClass("ops", KindStats)
	require.NoError(t, err)
	assert.True(t, stats.Registry().HasBroadcast(StatsChannel))

	var names []string
	for _, c := range b.Classes() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"x", "ops"}, names)
	assert.Equal(t, []string{KindRelay, KindSimple, KindStats}, KindNames())
}

func TestClassStatsAdd(t *testing.T) {
	total := ClassStats{Connections: 1, EventsSent: 2}.Add(ClassStats{Connections: 2, EventsReceived: 1, EventsDropped: 3})
	assert.Equal(t, ClassStats{Connections: 3, EventsReceived: 1, EventsSent: 2, EventsDropped: 3}, total)
}

// process is one simulated server process sharing a relay backend.
type process struct {
	bridge *Bridge
	relay  *relay.Relay
	pong   func(ctx context.Context, sender domain.Identity, kwargs map[string]any)
}

func newProcess(t *testing.T, backend relay.Backend, nodeID string) *process {
	t.Helper()
	r := relay.New(backend, relay.Options{
		Prefix: "clientsignal",
		NodeID: nodeID,
		Hook:   codec.IdentityHook,
		Pool:   relay.NewPool(4, time.Second, nil),
		Retry:  retry.Policy{MaxAttempts: 1},
	})
	t.Cleanup(r.Close)

	b := New(Options{
		Codec:    codec.NewPlain(codec.Options{Hook: codec.IdentityHook}),
		Identity: queryIdentity,
		Relay:    r,
	})
	class, err := b.AddClass("relay", KindRelay)
	require.NoError(t, err)
	pong := b.Signal("pong")
	class.Registry().Broadcast("pong", pong)

	return &process{bridge: b, relay: r, pong: pong.Send}
}

func TestRelay_FanOutAcrossProcesses(t *testing.T) {
	backend := relay.NewMemoryBackend()
	defer backend.Close()

	p1 := newProcess(t, backend, "p1")
	p2 := newProcess(t, backend, "p2")

	_, c1 := open(t, p1.bridge, "relay", "alice")
	_, c3 := open(t, p1.bridge, "relay", "carol")
	_, c2 := open(t, p2.bridge, "relay", "bob")

	p1.pong(context.Background(), domain.Authenticated("alice"), map[string]any{"pong": "Ponged"})

	want := `{"event":"pong","data":{"pong":"Ponged","sender":{"user":"alice"}}}`
	require.Eventually(t, func() bool { return len(c2.sent()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, c2.sent()[0])
	assert.Equal(t, []string{want}, c3.sent())

	// Give any duplicate a chance to show up.
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, c1.sent())
	assert.Len(t, c2.sent(), 1)
	assert.Len(t, c3.sent(), 1)
}

func TestRelay_ServerEventReachesEveryProcessOnce(t *testing.T) {
	backend := relay.NewMemoryBackend()
	defer backend.Close()

	p1 := newProcess(t, backend, "p1")
	p2 := newProcess(t, backend, "p2")

	_, c1 := open(t, p1.bridge, "relay", "alice")
	_, c2 := open(t, p2.bridge, "relay", "bob")

	p1.pong(context.Background(), domain.Identity{}, nil)

	require.Eventually(t, func() bool { return len(c2.sent()) == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, c1.sent(), 1)
	assert.Len(t, c2.sent(), 1)
}

func TestRelay_SuppressesSenderOnOtherProcess(t *testing.T) {
	backend := relay.NewMemoryBackend()
	defer backend.Close()

	p1 := newProcess(t, backend, "p1")
	p2 := newProcess(t, backend, "p2")

	open(t, p1.bridge, "relay", "alice")
	_, aliceElsewhere := open(t, p2.bridge, "relay", "alice")
	_, bob := open(t, p2.bridge, "relay", "bob")

	p1.pong(context.Background(), domain.Authenticated("alice"), nil)

	require.Eventually(t, func() bool { return len(bob.sent()) == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, aliceElsewhere.sent())
}

func TestRelay_IgnoresChannelsLocalClassesDoNotBroadcast(t *testing.T) {
	backend := relay.NewMemoryBackend()
	defer backend.Close()

	p2 := newProcess(t, backend, "p2")
	local, err := p2.bridge.AddClass("local", KindSimple)
	require.NoError(t, err)
	local.Registry().Broadcast("pong", p2.bridge.Signal("pong"))

	_, relayed := open(t, p2.bridge, "relay", "bob")
	_, localOnly := open(t, p2.bridge, "local", "carol")

	ctx := context.Background()
	require.NoError(t, backend.Publish(ctx, p2.relay.Channel(), []byte(`other:{"event":"other","data":{}}`)))
	require.NoError(t, backend.Publish(ctx, p2.relay.Channel(), []byte(`broken`)))
	require.NoError(t, backend.Publish(ctx, p2.relay.Channel(), []byte(`pong:{"event":"pong","data":{"sender":null},"origin":"p1"}`)))

	require.Eventually(t, func() bool { return len(relayed.sent()) == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, localOnly.sent())
	assert.Len(t, relayed.sent(), 1)
}

func TestRelay_SubscriptionFollowsConnections(t *testing.T) {
	backend := relay.NewMemoryBackend()
	defer backend.Close()

	p := newProcess(t, backend, "p1")
	_, err := p.bridge.AddClass("local", KindSimple)
	require.NoError(t, err)

	local, _ := open(t, p.bridge, "local", "carol")
	assert.False(t, p.relay.Subscribed())

	first, _ := open(t, p.bridge, "relay", "alice")
	second, _ := open(t, p.bridge, "relay", "bob")
	assert.True(t, p.relay.Subscribed())
	assert.Equal(t, 2, p.relay.Refs())

	first.Close()
	assert.True(t, p.relay.Subscribed())
	second.Close()
	assert.False(t, p.relay.Subscribed())

	local.Close()
	assert.Zero(t, p.relay.Refs())
}

func TestRelay_SameNameOnDistinctSignals(t *testing.T) {
	backend := relay.NewMemoryBackend()
	defer backend.Close()

	p1 := newProcess(t, backend, "p1")
	p2 := newProcess(t, backend, "p2")

	one, err := p1.bridge.AddClass("one", KindRelay)
	require.NoError(t, err)
	two, err := p1.bridge.AddClass("two", KindRelay)
	require.NoError(t, err)
	first, second := dispatch.New("x"), dispatch.New("x")
	one.Registry().Broadcast("x", first)
	two.Registry().Broadcast("x", second)

	remote, err := p2.bridge.AddClass("remote", KindRelay)
	require.NoError(t, err)
	remote.Registry().Broadcast("x", p2.bridge.Signal("x"))
	_, bob := open(t, p2.bridge, "remote", "bob")

	ctx := context.Background()
	first.Send(ctx, domain.Identity{}, map[string]any{"from": "one"})
	second.Send(ctx, domain.Identity{}, map[string]any{"from": "two"})

	require.Eventually(t, func() bool { return len(bob.sent()) == 2 }, waitFor, 5*time.Millisecond)
	frames := strings.Join(bob.sent(), "\n")
	assert.Contains(t, frames, `"from":"one"`)
	assert.Contains(t, frames, `"from":"two"`)
}

func TestRelay_SharedSignalPublishedOnce(t *testing.T) {
	backend := relay.NewMemoryBackend()
	defer backend.Close()

	p1 := newProcess(t, backend, "p1")
	p2 := newProcess(t, backend, "p2")

	// A second relay class broadcasting the same signal under the same name.
	extra, err := p1.bridge.AddClass("extra", KindRelay)
	require.NoError(t, err)
	extra.Registry().Broadcast("pong", p1.bridge.Signal("pong"))

	_, bob := open(t, p2.bridge, "relay", "bob")
	p1.pong(context.Background(), domain.Identity{}, nil)

	require.Eventually(t, func() bool { return len(bob.sent()) == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, bob.sent(), 1)
}

// stuckBackend never confirms a subscription until its context ends.
type stuckBackend struct {
	*relay.MemoryBackend
}

func (stuckBackend) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestOpen_StuckRelayBoundedByDeadline(t *testing.T) {
	backend := stuckBackend{MemoryBackend: relay.NewMemoryBackend()}
	defer backend.Close()

	p := newProcess(t, backend, "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	conn, err := p.bridge.Open(ctx, "relay", userMeta("alice"), &fakeTransport{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateOpen, conn.State())
	assert.False(t, p.relay.Subscribed())

	// The connection still works locally.
	bobCtx, bobCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer bobCancel()
	bob := &fakeTransport{}
	bobConn, err := p.bridge.Open(bobCtx, "relay", userMeta("bob"), bob)
	require.NoError(t, err)
	defer bobConn.Close()
	p.pong(context.Background(), domain.Authenticated("alice"), nil)
	assert.Len(t, bob.sent(), 1)

	closed := make(chan struct{})
	go func() {
		conn.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close blocked behind the relay")
	}
}

func TestDisconnectAll(t *testing.T) {
	b := newLocalBridge(t, nil)
	_, err := b.AddClass("simple", KindSimple)
	require.NoError(t, err)

	_, tr1 := open(t, b, "simple", "alice")
	_, tr2 := open(t, b, "simple", "bob")

	b.DisconnectAll()
	assert.True(t, tr1.closed)
	assert.True(t, tr2.closed)
}
