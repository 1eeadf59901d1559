package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/epanel3-site/django-clientsignal/internal/adapter/metrics"
	"github.com/epanel3-site/django-clientsignal/internal/domain"
)

// Pool bounds how many relay operations run at once. Acquire waits at most
// timeout for a slot.
type Pool struct {
	sem     *semaphore.Weighted
	size    int64
	timeout time.Duration
	inUse   atomic.Int64
	metrics *metrics.RelayMetrics
}

func NewPool(size int, timeout time.Duration, m *metrics.RelayMetrics) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    int64(size),
		timeout: timeout,
		metrics: m,
	}
}

// Acquire blocks until a slot is free. The returned func gives it back and
// is safe to call more than once.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()

	waitCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		p.metrics.Waited(time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("waited %s: %w", p.timeout, domain.ErrPoolTimeout)
		}
		return nil, err
	}
	p.metrics.Waited(time.Since(start))
	p.inUse.Add(1)

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			p.inUse.Add(-1)
			p.sem.Release(1)
		}
	}, nil
}

func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

func (p *Pool) Size() int {
	return int(p.size)
}
