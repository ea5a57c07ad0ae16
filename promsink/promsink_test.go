package promsink

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/gcoord"
)

func TestOnEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := New(reg)
	require.NoError(t, err)

	s.OnEvent(gcoord.Event{Type: gcoord.EventAcquired, LockType: gcoord.LockReentrant, Backend: "redis",
		WaitDuration: 20 * time.Millisecond})
	s.OnEvent(gcoord.Event{Type: gcoord.EventAcquired, LockType: gcoord.LockReentrant, Backend: "redis"})
	s.OnEvent(gcoord.Event{Type: gcoord.EventReleased, LockType: gcoord.LockReentrant, Backend: "redis",
		HoldDuration: time.Second})
	s.OnEvent(gcoord.Event{Type: gcoord.EventFallback, LockType: gcoord.LockFair, Backend: "local"})
	s.OnEvent(gcoord.Event{Type: gcoord.EventRateLimitAllowed, Algorithm: gcoord.TokenBucket})
	s.OnEvent(gcoord.Event{Type: gcoord.EventRateLimitRejected, Algorithm: gcoord.TokenBucket})
	s.OnEvent(gcoord.Event{Type: gcoord.EventRateLimitRejected, Algorithm: gcoord.TokenBucket})

	assert.InDelta(t, 2, testutil.ToFloat64(s.LockEvents.WithLabelValues("ACQUIRED", "REENTRANT", "redis")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(s.LockEvents.WithLabelValues("RELEASED", "REENTRANT", "redis")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(s.Fallbacks), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(s.RateLimitEvents.WithLabelValues("TOKEN_BUCKET", "allowed")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(s.RateLimitEvents.WithLabelValues("TOKEN_BUCKET", "rejected")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(s.WaitSeconds))
	assert.Equal(t, 1, testutil.CollectAndCount(s.HoldSeconds))
}

func TestNewSharesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	require.NoError(t, err)
	second, err := New(reg)
	require.NoError(t, err)

	second.OnEvent(gcoord.Event{Type: gcoord.EventExpired, LockType: gcoord.LockWrite, Backend: "redis"})
	assert.InDelta(t, 1, testutil.ToFloat64(first.LockEvents.WithLabelValues("EXPIRED", "WRITE", "redis")), 0)
}

func TestSinkOnCoordinator(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := New(reg)
	require.NoError(t, err)

	ctx := context.Background()
	c := gcoord.NewCoordinator(gcoord.NewLocalBackend(), gcoord.WithEventSink(s))

	h, err := c.Lock(ctx, c.NewRequest("orders", "42"))
	require.NoError(t, err)
	require.NoError(t, c.Unlock(ctx, h))
	require.NoError(t, c.Close())

	assert.InDelta(t, 1, testutil.ToFloat64(s.LockEvents.WithLabelValues("ACQUIRED", "REENTRANT", "local")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(s.LockEvents.WithLabelValues("RELEASED", "REENTRANT", "local")), 0)
}
