package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/epanel3-site/django-clientsignal/internal/adapter/metrics"
)

func failing(err error) goredis.ProcessHook {
	return func(context.Context, goredis.Cmder) error { return err }
}

func TestCircuitBreakerHook_StaysClosedOnSuccess(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	ctx := context.Background()

	process := hook.ProcessHook(failing(nil))
	for _i := 0; _i < 10; _i++ {
		assert.NoError(t, process(ctx, goredis.NewIntCmd(ctx, "publish", "ch", "x")))
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_NilIsNotAFailure(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	ctx := context.Background()

	process := hook.ProcessHook(failing(goredis.Nil))
	for _i := 0; _i < 10; _i++ {
		assert.ErrorIs(t, process(ctx, goredis.NewStringCmd(ctx, "get", "k")), goredis.Nil)
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_OpensAndFailsFast(t *testing.T) {
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	hook := NewCircuitBreakerHook(m)
	ctx := context.Background()

	down := errors.New("connection refused")
	process := hook.ProcessHook(failing(down))
	for _i := 0; _i < breakerFailureThreshold; _i++ {
		assert.ErrorIs(t, process(ctx, goredis.NewIntCmd(ctx, "publish", "ch", "x")), down)
	}
	assert.Equal(t, circuitbreaker.OpenState, hook.State())

	called := false
	guarded := hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		called = true
		return nil
	})
	err := guarded(ctx, goredis.NewIntCmd(ctx, "publish", "ch", "x"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, called)

	assert.InDelta(t, 2, testutil.ToFloat64(m.CircuitBreakerState), 0)
}

func TestCircuitBreakerHook_PipelineFailuresCount(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	ctx := context.Background()

	down := errors.New("timeout")
	pipeline := hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error { return down })
	for _i := 0; _i < breakerFailureThreshold; _i++ {
		assert.Error(t, pipeline(ctx, nil))
	}

	assert.Equal(t, circuitbreaker.OpenState, hook.State())
}

func TestMetricsHook_RecordsOperations(t *testing.T) {
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	hook := NewMetricsHook(m)
	ctx := context.Background()

	_ = hook.ProcessHook(failing(nil))(ctx, goredis.NewIntCmd(ctx, "publish", "ch", "x"))
	_ = hook.ProcessHook(failing(goredis.Nil))(ctx, goredis.NewStringCmd(ctx, "get", "k"))
	_ = hook.ProcessHook(failing(errors.New("boom")))(ctx, goredis.NewIntCmd(ctx, "publish", "ch", "x"))

	assert.InDelta(t, 1, testutil.ToFloat64(m.StoreOpsTotal.WithLabelValues("publish", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.StoreOpsTotal.WithLabelValues("publish", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.StoreOpsTotal.WithLabelValues("get", "success")), 0)
}
