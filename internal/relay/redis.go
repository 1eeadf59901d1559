package relay

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
)

const subscriptionBuffer = 256

// RedisBackend publishes and subscribes through Redis pub/sub.
type RedisBackend struct {
	rdb *goredis.Client
}

// NewRedisBackend builds a client for redisURL and pings it. go-redis
// connects lazily, so an unreachable store is logged and the backend is
// still returned; readiness reports the outage until the store comes back.
// Only a malformed URL is an error.
func NewRedisBackend(ctx context.Context, redisURL string, opts BackendOptions) (*RedisBackend, error) {
	redisOpts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, cserrors.Configuration("failed to parse redis URL", err)
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}
	if opts.PoolTimeout > 0 {
		redisOpts.PoolTimeout = opts.PoolTimeout
	}

	rdb := goredis.NewClient(redisOpts)
	rdb.AddHook(NewMetricsHook(opts.Metrics))
	rdb.AddHook(NewCircuitBreakerHook(opts.Metrics))

	if err := rdb.Ping(ctx).Err(); err != nil {
		relayErr := cserrors.Relay("failed to ping redis", err).WithContext("addr", redisOpts.Addr)
		slog.WarnContext(ctx, "Redis unreachable at startup, relay degraded", relayErr.LogAttrs()...)
	}

	return &RedisBackend{rdb: rdb}, nil
}

func (b *RedisBackend) Publish(ctx context.Context, channel string, frame []byte) error {
	if err := b.rdb.Publish(ctx, channel, frame).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBackend) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := b.rdb.Subscribe(ctx, channel)

	// Wait for the subscribe confirmation so nothing published after we
	// return is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscriptionBuffer)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

// Client exposes the go-redis client for the node registry.
func (b *RedisBackend) Client() *goredis.Client {
	return b.rdb
}
