package relay

import (
	"context"
	"time"

	"github.com/epanel3-site/django-clientsignal/internal/adapter/metrics"
)

// Backend is the store-side publish/subscribe primitive.
type Backend interface {
	Publish(ctx context.Context, channel string, frame []byte) error
	// Subscribe returns once the subscription is live. The returned channel
	// is closed when ctx is cancelled or the backend shuts down.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// BackendOptions tune the Redis connection pool. Ignored by the memory backend.
type BackendOptions struct {
	PoolSize    int
	PoolTimeout time.Duration
	Metrics     *metrics.RelayMetrics
}

// Open picks a backend by the DSN scheme.
func Open(ctx context.Context, rawDSN string, opts BackendOptions) (Backend, DSN, error) {
	dsn, err := ParseDSN(rawDSN)
	if err != nil {
		return nil, DSN{}, err
	}

	if dsn.Scheme == SchemeMemory {
		return NewMemoryBackend(), dsn, nil
	}

	backend, err := NewRedisBackend(ctx, rawDSN, opts)
	if err != nil {
		return nil, DSN{}, err
	}
	return backend, dsn, nil
}
