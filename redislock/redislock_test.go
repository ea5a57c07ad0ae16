package redislock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/gcoord"
	"github.com/companyinfo/gcoord/backendtest"
)

func newTestLock(t *testing.T, opts ...gcoord.OptionFunc) (*RedisLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, opts...), mr
}

func TestRedisLockBackend(t *testing.T) {
	r, _ := newTestLock(t)
	backendtest.RunBackend(t, r)
}

func TestRedisLockReadWrite(t *testing.T) {
	r, _ := newTestLock(t)
	backendtest.RunReadWrite(t, r)
}

func TestRedisLockFair(t *testing.T) {
	r, _ := newTestLock(t)
	backendtest.RunFair(t, r)
}

func TestRedisLockEvaluator(t *testing.T) {
	r, _ := newTestLock(t)
	backendtest.RunEvaluator(t, r)
}

func TestRedisLockLeaseLapses(t *testing.T) {
	r, mr := newTestLock(t)
	ctx := context.Background()

	ok, err := r.Acquire(ctx, "orders:1", "alice", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", mustGet(t, mr, "orders:1"))

	mr.FastForward(2 * time.Second)

	ok, err = r.Renew(ctx, "orders:1", "alice", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "renew must not resurrect a lapsed lease")

	ok, err = r.Acquire(ctx, "orders:1", "bob", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockSharedExpiryNeverShrinks(t *testing.T) {
	r, mr := newTestLock(t)
	ctx := context.Background()

	ok, err := r.AcquireShared(ctx, "doc", "r1", gcoord.ModeRead, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.AcquireShared(ctx, "doc", "r2", gcoord.ModeRead, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Greater(t, mr.TTL("doc"+sharedSuffix), 30*time.Second)

	ttl, err := r.TTL(ctx, "doc")
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second)

	ok, err = r.ForceRelease(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("doc"+sharedSuffix))
}

func TestRedisLockStaleFairWaiter(t *testing.T) {
	clock := gcoord.NewManualClock(time.Unix(1_700_000_000, 0))
	r, _ := newTestLock(t, gcoord.WithClock(clock), gcoord.WithFairStaleAfter(time.Second))
	ctx := context.Background()

	ok, err := r.AcquireFair(ctx, "k", "holder", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.AcquireFair(ctx, "k", "gone", 0)
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(2 * time.Second)
	ok, err = r.Release(ctx, "k", "holder")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.AcquireFair(ctx, "k", "late", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockUnavailable(t *testing.T) {
	r, mr := newTestLock(t)
	mr.Close()
	ctx := context.Background()

	_, err := r.Acquire(ctx, "k", "alice", time.Second)
	assert.ErrorIs(t, err, gcoord.ErrBackendUnavailable)

	_, err = r.TTL(ctx, "k")
	assert.ErrorIs(t, err, gcoord.ErrBackendUnavailable)

	_, err = r.Evaluate(ctx, gcoord.RateLimitRule{
		Name: "api", Algorithm: gcoord.TokenBucket, MaxRequests: 1, RefillRate: 1, Enabled: true,
	}, "k", 1, time.Now())
	assert.ErrorIs(t, err, gcoord.ErrBackendUnavailable)
}

func TestRedisLockResetEscapesPattern(t *testing.T) {
	r, mr := newTestLock(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("rl:user1", "1"))
	require.NoError(t, mr.Set("rl:user1:100", "1"))
	require.NoError(t, mr.Set("rl:user10:100", "1"))
	require.NoError(t, mr.Set("rl:user*:100", "1"))

	n, err := r.Reset(ctx, "rl:user1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.True(t, mr.Exists("rl:user10:100"))
	assert.True(t, mr.Exists("rl:user*:100"))

	n, err = r.Reset(ctx, "rl:user*")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.True(t, mr.Exists("rl:user10:100"))
}

func TestCoordinatorOverRedis(t *testing.T) {
	r, mr := newTestLock(t)
	c := gcoord.NewCoordinator(r, gcoord.WithRetryInterval(2*time.Millisecond, 10*time.Millisecond))
	defer c.Close()
	ctx := context.Background()

	req := c.NewRequest("order", "42")
	req.Owner = "worker-1"
	req.AutoRenew = false

	h, err := c.Lock(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, gcoord.StatusAcquired, h.Status())
	assert.Equal(t, "worker-1", mustGet(t, mr, "order:42"))

	other := c.NewRequest("order", "42")
	other.Owner = "worker-2"
	other.WaitTime = 20 * time.Millisecond
	_, err = c.Lock(ctx, other)
	assert.ErrorIs(t, err, gcoord.ErrLockTimeout)

	require.NoError(t, c.Unlock(ctx, h))
	assert.False(t, mr.Exists("order:42"))
}

func TestCoordinatorFallsBackWhenRedisIsDown(t *testing.T) {
	r, mr := newTestLock(t)
	mr.Close()
	c := gcoord.NewCoordinator(r, gcoord.WithFallback(true))
	defer c.Close()
	ctx := context.Background()

	h, err := c.Lock(ctx, c.NewRequest("order", "42"))
	require.NoError(t, err)
	assert.True(t, h.Fallback())
	assert.Equal(t, gcoord.StatusFallback, h.Status())
	require.NoError(t, c.Unlock(ctx, h))
}

func TestLimiterOverRedis(t *testing.T) {
	r, _ := newTestLock(t)
	clock := gcoord.NewManualClock(time.UnixMilli(1_700_000_000_000))
	rule := gcoord.RateLimitRule{
		Name: "login", Algorithm: gcoord.FixedWindow, WindowSize: time.Second, MaxRequests: 2, Enabled: true,
	}
	l, err := gcoord.NewLimiter(r, gcoord.WithClock(clock), gcoord.WithRules(rule))
	require.NoError(t, err)
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, rule, "ip-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := l.Check(ctx, rule, "ip-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.EqualValues(t, 1000, res.RetryAfterMs)

	n, err := l.Reset(ctx, rule, "ip-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	res, err = l.Check(ctx, rule, "ip-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Options{})
	assert.ErrorIs(t, err, gcoord.ErrConfiguration)

	_, err = NewClient(Options{Mode: ModeSentinel, Addrs: []string{"localhost:26379"}})
	assert.ErrorIs(t, err, gcoord.ErrConfiguration)

	_, err = NewClient(Options{Mode: "ring", Addrs: []string{"localhost:6379"}})
	assert.ErrorIs(t, err, gcoord.ErrConfiguration)

	client, err := NewClient(DefaultOptions())
	require.NoError(t, err)
	assert.IsType(t, &redis.Client{}, client)
	_ = client.Close()

	client, err = NewClient(Options{Mode: ModeCluster, Addrs: []string{"localhost:7000", "localhost:7001"}})
	require.NoError(t, err)
	assert.IsType(t, &redis.ClusterClient{}, client)
	_ = client.Close()
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)

	return v
}
