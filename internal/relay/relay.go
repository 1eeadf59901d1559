package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/epanel3-site/django-clientsignal/internal/adapter/metrics"
	"github.com/epanel3-site/django-clientsignal/internal/codec"
	"github.com/epanel3-site/django-clientsignal/internal/dispatch"
	"github.com/epanel3-site/django-clientsignal/internal/domain"
	"github.com/epanel3-site/django-clientsignal/internal/platform/correlation"
	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
	"github.com/epanel3-site/django-clientsignal/internal/platform/retry"
	"github.com/epanel3-site/django-clientsignal/internal/registry"
)

const (
	channelSuffix         = "_default"
	defaultPublishTimeout = 2 * time.Second
)

// DeliverFunc hands a decoded relay message to local connections. It
// reports false when no local class knows the channel.
type DeliverFunc func(ctx context.Context, msg Message) bool

type Options struct {
	Prefix         string
	NodeID         string
	JSON           codec.JSON
	Hook           codec.ObjectHook
	Pool           *Pool // nil means unbounded
	PublishTimeout time.Duration
	Retry          retry.Policy
	Metrics        *metrics.RelayMetrics
}

// Relay publishes Broadcast signals to the shared store channel and runs
// the one subscriber loop this process needs.
type Relay struct {
	backend Backend
	opts    Options
	channel string

	mu       sync.Mutex
	attached map[attachKey]func()
	deliver  DeliverFunc
	refs     int
	live     bool
	pending  *startAttempt
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

type attachKey struct {
	name   string
	signal *dispatch.Signal
}

// startAttempt is a subscribe in flight outside the lock.
type startAttempt struct {
	cancel context.CancelFunc
}

func New(backend Backend, opts Options) *Relay {
	if opts.JSON == nil {
		opts.JSON = codec.Std
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = retry.Default
	}
	return &Relay{
		backend:  backend,
		opts:     opts,
		channel:  opts.Prefix + channelSuffix,
		attached: make(map[attachKey]func()),
	}
}

// Channel is the shared store channel, "<prefix>_default".
func (r *Relay) Channel() string {
	return r.channel
}

func (r *Relay) NodeID() string {
	return r.opts.NodeID
}

// OnMessage sets the delivery callback for frames from other processes.
func (r *Relay) OnMessage(fn DeliverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliver = fn
}

// Attach forwards every firing of reg's signal to the store. A (name,
// signal) pair is published once however many classes broadcast it.
func (r *Relay) Attach(reg registry.Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || reg.Signal == nil {
		return
	}
	key := attachKey{name: reg.Name, signal: reg.Signal}
	if _, ok := r.attached[key]; ok {
		return
	}
	name := reg.Name
	r.attached[key] = reg.Signal.Connect(func(ctx context.Context, sender domain.Identity, kwargs map[string]any) {
		_ = r.Publish(ctx, name, sender, kwargs)
	})
}

// Publish sends one event to the fleet. Failures are logged and returned;
// local delivery never depends on them.
func (r *Relay) Publish(ctx context.Context, name string, sender domain.Identity, kwargs map[string]any) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.PublishTimeout)
	defer cancel()

	err := r.publish(ctx, name, sender, kwargs)
	r.opts.Metrics.PublishResult(err)
	if err != nil {
		relayErr := cserrors.Relay("relay publish failed", err).
			WithContext("channel", name).
			WithContext("relay_channel", r.channel)
		slog.WarnContext(ctx, "Relay publish failed", relayErr.LogAttrs()...)
		return relayErr
	}
	return nil
}

func (r *Relay) publish(ctx context.Context, name string, sender domain.Identity, kwargs map[string]any) error {
	if r.opts.Pool != nil {
		release, err := r.opts.Pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer release()
	}

	frame, err := EncodeFrame(r.opts.JSON, Message{
		Channel: name,
		Event:   name,
		Data:    withSender(kwargs, sender),
		Origin:  r.opts.NodeID,
	})
	if err != nil {
		return err
	}
	return r.backend.Publish(ctx, r.channel, frame)
}

// Acquire takes a reference on the shared subscription, starting it if it
// is not running. The reference is held even when starting fails, so a
// later Acquire retries and Release must still be called.
//
// The subscribe runs outside the lock and is bounded by ctx until the store
// confirms it. Callers arriving while another one is subscribing return at
// once and stay local-only until the subscription is live.
func (r *Relay) Acquire(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return cserrors.Relay("relay closed", nil)
	}
	r.refs++
	if r.live || r.pending != nil {
		r.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(context.Background())
	attempt := &startAttempt{cancel: cancel}
	r.pending = attempt
	r.mu.Unlock()

	return r.start(ctx, subCtx, attempt)
}

// Pin is Acquire for process-wide consumers that never release.
func (r *Relay) Pin(ctx context.Context) error {
	return r.Acquire(ctx)
}

// Release drops one reference. The last one stops the subscriber loop
// without waiting for it, since Release may run on the loop itself when a
// delivery closes a connection.
func (r *Relay) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs > 0 {
		r.refs--
	}
	if r.refs > 0 {
		return
	}
	if r.pending != nil {
		r.pending.cancel()
		r.pending = nil
	}
	if !r.live {
		return
	}
	cancel, _ := r.stopLocked()
	cancel()
}

func (r *Relay) Subscribed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

func (r *Relay) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// Ping checks the store.
func (r *Relay) Ping(ctx context.Context) error {
	if err := r.backend.Ping(ctx); err != nil {
		return cserrors.Relay("relay store unreachable", err)
	}
	return nil
}

// Close detaches every signal and stops the subscriber loop. The backend
// is left open for its owner to close.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for key, disconnect := range r.attached {
		disconnect()
		delete(r.attached, key)
	}
	r.refs = 0
	if r.pending != nil {
		r.pending.cancel()
		r.pending = nil
	}

	if !r.live {
		r.mu.Unlock()
		return
	}
	cancel, done := r.stopLocked()
	r.mu.Unlock()

	cancel()
	<-done
}

func (r *Relay) start(ctx context.Context, subCtx context.Context, attempt *startAttempt) error {
	// The caller's deadline applies until the store confirms; after that the
	// subscription outlives the request that started it.
	stop := context.AfterFunc(ctx, attempt.cancel)

	policy := r.opts.Retry
	policy.OnRetry = func(n int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "Relay subscribe failed, retrying",
			"channel", r.channel,
			"attempt", n,
			"backoff", backoff,
			"error", err,
		)
	}

	frames, err := retry.Do(subCtx, policy, retry.Transient, func(context.Context) (<-chan []byte, error) {
		return r.backend.Subscribe(subCtx, r.channel)
	})
	if !stop() && err == nil {
		err = context.Cause(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.pending == attempt
	if current {
		r.pending = nil
	}
	if err == nil && (!current || r.closed || r.refs == 0) {
		// Released or closed while subscribing.
		attempt.cancel()
		return cserrors.Relay("relay subscribe abandoned", context.Canceled).WithContext("relay_channel", r.channel)
	}
	if err != nil {
		attempt.cancel()
		relayErr := cserrors.Relay("relay subscribe failed", err).WithContext("relay_channel", r.channel)
		slog.ErrorContext(ctx, "Relay subscription unavailable, local delivery only", relayErr.LogAttrs()...)
		return relayErr
	}

	done := make(chan struct{})
	r.live = true
	r.cancel = attempt.cancel
	r.done = done
	r.opts.Metrics.Subscribed(true)
	slog.InfoContext(ctx, "Relay subscribed", "channel", r.channel, "node_id", r.opts.NodeID)

	go r.loop(subCtx, frames, done)
	return nil
}

func (r *Relay) stopLocked() (context.CancelFunc, chan struct{}) {
	cancel, done := r.cancel, r.done
	r.live = false
	r.cancel = nil
	r.done = nil
	r.opts.Metrics.Subscribed(false)
	slog.Info("Relay unsubscribed", "channel", r.channel)
	return cancel, done
}

func (r *Relay) loop(ctx context.Context, frames <-chan []byte, done chan struct{}) {
	defer close(done)

	for frame := range frames {
		r.handleFrame(frame)
	}

	if ctx.Err() != nil {
		return
	}

	// The store dropped us. Mark the subscription dead so the next Acquire
	// starts a new one.
	r.mu.Lock()
	if r.done == done {
		r.live = false
		r.cancel = nil
		r.done = nil
		r.opts.Metrics.Subscribed(false)
	}
	r.mu.Unlock()
	slog.Error("Relay subscription ended unexpectedly", "channel", r.channel, "error_kind", string(cserrors.KindRelay))
}

func (r *Relay) handleFrame(frame []byte) {
	ctx := correlation.WithID(context.Background(), correlation.NewID())

	defer func() {
		if p := recover(); p != nil {
			r.opts.Metrics.FrameDropped("panic")
			slog.ErrorContext(ctx, "Relay delivery panicked",
				"panic", fmt.Sprint(p),
				"error_kind", string(cserrors.KindRelay),
			)
		}
	}()

	r.opts.Metrics.FrameReceived()

	name, body, ok := SplitFrame(frame)
	if !ok {
		r.opts.Metrics.FrameDropped("no_separator")
		slog.DebugContext(ctx, "Dropping relay frame without channel separator", "size", len(frame))
		return
	}

	if origin := gjson.GetBytes(body, "origin"); origin.Type == gjson.String && origin.Str == r.opts.NodeID {
		r.opts.Metrics.FrameDropped("own_origin")
		return
	}

	msg, err := DecodePayload(r.opts.JSON, r.opts.Hook, name, body)
	if err != nil {
		r.opts.Metrics.FrameDropped("malformed")
		slog.DebugContext(ctx, "Dropping malformed relay frame", "channel", name, "error", err)
		return
	}

	r.mu.Lock()
	deliver := r.deliver
	r.mu.Unlock()

	if deliver == nil || !deliver(ctx, msg) {
		r.opts.Metrics.FrameDropped("unknown_channel")
		slog.DebugContext(ctx, "Dropping relay frame for unknown channel", "channel", name)
	}
}
