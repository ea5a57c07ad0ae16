// Package backendtest holds the behavior every gcoord backend must show,
// written once and run against each implementation.
package backendtest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/gcoord"
)

func key(prefix string) string {
	return prefix + ":" + uuid.NewString()
}

// RunBackend verifies ownership-checked acquire, renew, release and TTL.
func RunBackend(t *testing.T, b gcoord.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("acquire is exclusive and reentrant", func(t *testing.T) {
		k := key("exclusive")
		ok, err := b.Acquire(ctx, k, "alice", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = b.Acquire(ctx, k, "bob", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.Acquire(ctx, k, "alice", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.Release(ctx, k, "alice")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("release checks the owner", func(t *testing.T) {
		k := key("release")
		ok, err := b.Acquire(ctx, k, "alice", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = b.Release(ctx, k, "bob")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.Release(ctx, k, "alice")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.Release(ctx, k, "alice")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.Acquire(ctx, k, "bob", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		_, _ = b.ForceRelease(ctx, k)
	})

	t.Run("renew only while held", func(t *testing.T) {
		k := key("renew")
		ok, err := b.Renew(ctx, k, "alice", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.Acquire(ctx, k, "alice", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = b.Renew(ctx, k, "bob", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.Renew(ctx, k, "alice", 2*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ttl, err := b.TTL(ctx, k)
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Minute)

		_, err = b.Release(ctx, k, "alice")
		require.NoError(t, err)
	})

	t.Run("ttl sentinels", func(t *testing.T) {
		k := key("ttl")
		ttl, err := b.TTL(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, gcoord.TTLAbsent, ttl)

		ok, err := b.Acquire(ctx, k, "alice", 0)
		require.NoError(t, err)
		require.True(t, ok)

		ttl, err = b.TTL(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, gcoord.TTLNoExpiry, ttl)

		ok, err = b.ForceRelease(ctx, k)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.ForceRelease(ctx, k)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// RunReadWrite verifies shared/exclusive compatibility.
func RunReadWrite(t *testing.T, b gcoord.ReadWriteBackend) {
	t.Helper()
	ctx := context.Background()
	k := key("rw")

	ok, err := b.AcquireShared(ctx, k, "r1", gcoord.ModeRead, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.AcquireShared(ctx, k, "r2", gcoord.ModeRead, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.AcquireShared(ctx, k, "w", gcoord.ModeWrite, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.RenewShared(ctx, k, "r1", gcoord.ModeRead, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.ReleaseShared(ctx, k, "r1", gcoord.ModeRead)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.AcquireShared(ctx, k, "w", gcoord.ModeWrite, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.ReleaseShared(ctx, k, "r2", gcoord.ModeRead)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.AcquireShared(ctx, k, "w", gcoord.ModeWrite, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.AcquireShared(ctx, k, "w2", gcoord.ModeWrite, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.AcquireShared(ctx, k, "r1", gcoord.ModeRead, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.ReleaseShared(ctx, k, "w2", gcoord.ModeWrite)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.ReleaseShared(ctx, k, "w", gcoord.ModeWrite)
	require.NoError(t, err)
	assert.True(t, ok)
}

// RunFair verifies that the lock goes to waiters in arrival order.
func RunFair(t *testing.T, b gcoord.Backend) {
	t.Helper()
	fb, ok := b.(gcoord.FairBackend)
	require.True(t, ok, "backend does not implement FairBackend")

	ctx := context.Background()
	k := key("fair")

	ok, err := fb.AcquireFair(ctx, k, "first", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	for _, owner := range []string{"second", "third"} {
		ok, err = fb.AcquireFair(ctx, k, owner, time.Minute)
		require.NoError(t, err)
		require.False(t, ok)
	}

	ok, err = b.Release(ctx, k, "first")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = fb.AcquireFair(ctx, k, "third", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "third overtook second")

	ok, err = fb.AcquireFair(ctx, k, "second", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, fb.CancelFair(ctx, k, "third"))
	ok, err = b.Release(ctx, k, "second")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fb.AcquireFair(ctx, k, "fourth", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	_, _ = b.ForceRelease(ctx, k)
}

// RunEvaluator verifies the basic algorithms at fixed instants.
func RunEvaluator(t *testing.T, e gcoord.Evaluator) {
	t.Helper()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	t.Run("token bucket", func(t *testing.T) {
		rule := gcoord.RateLimitRule{Name: "tb", Algorithm: gcoord.TokenBucket, MaxRequests: 10, RefillRate: 10, Enabled: true}
		k := key("tb")
		allowed := 0
		for i := 0; i < 15; i++ {
			res, err := e.Evaluate(ctx, rule, k, 1, now)
			require.NoError(t, err)
			if res.Allowed {
				allowed++
			} else {
				assert.Greater(t, res.RetryAfterMs, int64(0))
			}
		}
		assert.Equal(t, 10, allowed)

		res, err := e.Evaluate(ctx, rule, k, 1, now.Add(250*time.Millisecond))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.EqualValues(t, 1, res.Remaining)
	})

	t.Run("fixed window", func(t *testing.T) {
		rule := gcoord.RateLimitRule{Name: "fw", Algorithm: gcoord.FixedWindow, WindowSize: time.Second, MaxRequests: 5, Enabled: true}
		k := key("fw")
		for i := 0; i < 5; i++ {
			res, err := e.Evaluate(ctx, rule, k, 1, now.Add(time.Duration(i)*time.Millisecond))
			require.NoError(t, err)
			require.True(t, res.Allowed)
		}

		res, err := e.Evaluate(ctx, rule, k, 1, now.Add(10*time.Millisecond))
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.EqualValues(t, 990, res.RetryAfterMs)
		assert.EqualValues(t, 0, res.Remaining)

		res, err = e.Evaluate(ctx, rule, k, 1, now.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.EqualValues(t, 4, res.Remaining)
	})

	t.Run("sliding window", func(t *testing.T) {
		rule := gcoord.RateLimitRule{Name: "sw", Algorithm: gcoord.SlidingWindow, WindowSize: time.Second, MaxRequests: 2, Enabled: true}
		k := key("sw")
		res, err := e.Evaluate(ctx, rule, k, 1, now)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		res, err = e.Evaluate(ctx, rule, k, 1, now.Add(400*time.Millisecond))
		require.NoError(t, err)
		require.True(t, res.Allowed)

		res, err = e.Evaluate(ctx, rule, k, 1, now.Add(600*time.Millisecond))
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.EqualValues(t, 400, res.RetryAfterMs)

		res, err = e.Evaluate(ctx, rule, k, 1, now.Add(1001*time.Millisecond))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.EqualValues(t, 0, res.Remaining)
	})

	t.Run("distributed sliding window", func(t *testing.T) {
		rule := gcoord.RateLimitRule{
			Name: "dsw", Algorithm: gcoord.DistributedSlidingWindow, WindowSize: time.Second,
			MaxRequests: 4, InstanceLimit: 3, Instance: "a", Enabled: true,
		}
		k := key("dsw")
		for i := 0; i < 3; i++ {
			res, err := e.Evaluate(ctx, rule, k, 1, now)
			require.NoError(t, err)
			require.True(t, res.Allowed)
		}

		res, err := e.Evaluate(ctx, rule, k, 1, now)
		require.NoError(t, err)
		assert.False(t, res.Allowed, "instance quota")
		assert.EqualValues(t, 0, res.Remaining)
		assert.EqualValues(t, 1000, res.RetryAfterMs)

		other := rule
		other.Instance = "b"
		res, err = e.Evaluate(ctx, other, k, 1, now.Add(100*time.Millisecond))
		require.NoError(t, err)
		require.True(t, res.Allowed)
		assert.EqualValues(t, 0, res.Remaining)

		res, err = e.Evaluate(ctx, other, k, 1, now.Add(200*time.Millisecond))
		require.NoError(t, err)
		assert.False(t, res.Allowed, "shared quota")
		assert.EqualValues(t, 800, res.RetryAfterMs)
		assert.EqualValues(t, 4, res.RequestCount)

		res, err = e.Evaluate(ctx, rule, k, 1, now.Add(1001*time.Millisecond))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.EqualValues(t, 2, res.Remaining)
	})

	t.Run("leaky bucket", func(t *testing.T) {
		rule := gcoord.RateLimitRule{Name: "lb", Algorithm: gcoord.LeakyBucket, MaxRequests: 3, RefillRate: 2, Enabled: true}
		k := key("lb")
		for i := 0; i < 3; i++ {
			res, err := e.Evaluate(ctx, rule, k, 1, now)
			require.NoError(t, err)
			require.True(t, res.Allowed)
		}

		res, err := e.Evaluate(ctx, rule, k, 1, now)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.EqualValues(t, 500, res.RetryAfterMs)

		res, err = e.Evaluate(ctx, rule, k, 1, now.Add(500*time.Millisecond))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.EqualValues(t, 3, res.RequestCount)
	})

	t.Run("reset", func(t *testing.T) {
		r, ok := e.(gcoord.Resetter)
		if !ok {
			t.Skip("evaluator cannot reset")
		}

		rule := gcoord.RateLimitRule{Name: "rs", Algorithm: gcoord.FixedWindow, WindowSize: time.Hour, MaxRequests: 1, Enabled: true}
		k := key("rs")
		res, err := e.Evaluate(ctx, rule, k, 1, now)
		require.NoError(t, err)
		require.True(t, res.Allowed)

		n, err := r.Reset(ctx, k)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		res, err = e.Evaluate(ctx, rule, k, 1, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})
}
