package gcoord

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// epoch is aligned to a whole second so fixed windows start on it.
var epoch = time.UnixMilli(1_700_000_000_000)

func newTestLimiter(t *testing.T, opts ...OptionFunc) (*Limiter, *ManualClock) {
	t.Helper()

	clock := NewManualClock(epoch)
	l, err := NewLimiter(nil, append([]OptionFunc{WithClock(clock)}, opts...)...)
	require.NoError(t, err)

	return l, clock
}

func TestTokenBucketBurst(t *testing.T) {
	l, clock := newTestLimiter(t)
	rule := RateLimitRule{Name: "api", Algorithm: TokenBucket, MaxRequests: 10, RefillRate: 10, Enabled: true}

	ctx := context.Background()
	allowed, rejected := 0, 0
	for i := 0; i < 15; i++ {
		res, err := l.Check(ctx, rule, "user-1")
		require.NoError(t, err)
		if res.Allowed {
			allowed++
			continue
		}
		rejected++
		assert.Greater(t, res.RetryAfterMs, int64(0))
		assert.Equal(t, TokenBucket, res.Algorithm)
	}
	assert.Equal(t, 10, allowed)
	assert.Equal(t, 5, rejected)

	clock.Advance(100 * time.Millisecond)
	res, err := l.Check(ctx, rule, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, rule, "user-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.EqualValues(t, 100, res.RetryAfterMs)

	clock.Advance(time.Second)
	for i := 0; i < 10; i++ {
		res, err := l.Check(ctx, rule, "user-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
	}
}

func TestFixedWindowReset(t *testing.T) {
	l, clock := newTestLimiter(t)
	rule := RateLimitRule{Name: "login", Algorithm: FixedWindow, WindowSize: time.Second, MaxRequests: 5, Enabled: true}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, rule, "ip-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.EqualValues(t, 4-i, res.Remaining)
	}

	res, err := l.Check(ctx, rule, "ip-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.EqualValues(t, 1000, res.RetryAfterMs)
	assert.WithinDuration(t, epoch.Add(time.Second), res.ResetTime, 0)
	assert.Equal(t, "rate_limit:fixed_window:login:ip-1", res.Key)

	clock.Advance(time.Second)
	res, err = l.Check(ctx, rule, "ip-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindow(t *testing.T) {
	l, clock := newTestLimiter(t)
	rule := RateLimitRule{Name: "search", Algorithm: SlidingWindow, WindowSize: time.Second, MaxRequests: 3, Enabled: true}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, rule, "u")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := l.Check(ctx, rule, "u")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.EqualValues(t, 3, res.RequestCount)
	assert.WithinDuration(t, epoch.Add(time.Second), res.ResetTime, 0)

	clock.Advance(500 * time.Millisecond)
	res, err = l.Check(ctx, rule, "u")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.EqualValues(t, 500, res.RetryAfterMs)

	clock.Advance(500 * time.Millisecond)
	res, err = l.Check(ctx, rule, "u")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 2, res.Remaining)
}

func TestLeakyBucket(t *testing.T) {
	l, clock := newTestLimiter(t)
	rule := RateLimitRule{Name: "jobs", Algorithm: LeakyBucket, MaxRequests: 2, RefillRate: 1, Enabled: true}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, rule, "q")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := l.Check(ctx, rule, "q")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.EqualValues(t, 1000, res.RetryAfterMs)

	clock.Advance(time.Second)
	res, err = l.Check(ctx, rule, "q")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 0, res.Remaining)
}

func TestCheckNAndRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := RateLimitRule{Name: "bulk", Algorithm: FixedWindow, WindowSize: time.Minute, MaxRequests: 10, Enabled: true}

	ctx := context.Background()
	res, err := l.CheckN(ctx, rule, "k", 4)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	remaining, err := l.Remaining(ctx, rule, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 6, remaining)

	remaining, err = l.Remaining(ctx, rule, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 6, remaining)

	res, err = l.CheckN(ctx, rule, "k", 7)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	_, err = l.CheckN(ctx, rule, "k", 0)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestCompositeFirstRejectionWins(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := RateLimitRule{
		Name:      "checkout",
		Algorithm: Composite,
		Enabled:   true,
		Rules: []RateLimitRule{
			{Name: "burst", Algorithm: TokenBucket, MaxRequests: 5, RefillRate: 1, Priority: 2, Enabled: true},
			{Name: "minute", Algorithm: FixedWindow, WindowSize: time.Minute, MaxRequests: 2, Priority: 1, Enabled: true},
		},
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, rule, "u1")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := l.Check(ctx, rule, "u1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "minute", res.Rule)
	assert.Contains(t, res.Reason, "checkout")
}

func TestRuleBasedDimensions(t *testing.T) {
	l, _ := newTestLimiter(t, WithRules(
		RateLimitRule{Name: "per-user", Algorithm: FixedWindow, WindowSize: time.Minute, MaxRequests: 3, Dimension: "user", Enabled: true},
		RateLimitRule{Name: "per-ip", Algorithm: FixedWindow, WindowSize: time.Minute, MaxRequests: 1, Dimension: "ip", Enabled: true},
		RateLimitRule{Name: "per-ip-off", Algorithm: FixedWindow, WindowSize: time.Minute, MaxRequests: 1, Dimension: "ip", Priority: -1},
	))

	assert.Equal(t, []string{"ip", "user"}, l.Dimensions())
	require.Len(t, l.Rules("ip"), 2)
	assert.Equal(t, "per-ip-off", l.Rules("ip")[0].Name)

	ctx := context.Background()
	res, err := l.CheckDimension(ctx, "user", "alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 2, res.Remaining)

	res, err = l.CheckDimensions(ctx, map[string]string{"user": "alice", "ip": "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.CheckDimensions(ctx, map[string]string{"user": "alice", "ip": "10.0.0.1"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "per-ip", res.Rule)

	res, err = l.Check(ctx, RateLimitRule{Name: "dyn", Algorithm: RuleBased, Dimension: "unknown", Enabled: true}, "x")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestResetAndDisabledRule(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := RateLimitRule{Name: "once", Algorithm: FixedWindow, WindowSize: time.Hour, MaxRequests: 1, Enabled: true}

	ctx := context.Background()
	res, err := l.Check(ctx, rule, "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.Check(ctx, rule, "k")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	n, err := l.Reset(ctx, rule, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	res, err = l.Check(ctx, rule, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	rule.Enabled = false
	for i := 0; i < 3; i++ {
		res, err = l.Check(ctx, rule, "k")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestRuleValidation(t *testing.T) {
	cases := []RateLimitRule{
		{Algorithm: FixedWindow, WindowSize: time.Second, MaxRequests: 1},
		{Name: "w", Algorithm: FixedWindow, MaxRequests: 1},
		{Name: "b", Algorithm: TokenBucket, MaxRequests: 1},
		{Name: "m", Algorithm: SlidingWindow, WindowSize: time.Second},
		{Name: "c", Algorithm: Composite},
		{Name: "r", Algorithm: RuleBased},
		{Name: "x", Algorithm: "BOGUS"},
	}
	for _, rule := range cases {
		assert.ErrorIs(t, rule.Validate(), ErrConfiguration, rule.Name)
	}

	_, err := NewLimiter(nil, WithRules(RateLimitRule{Name: "bad", Algorithm: TokenBucket}))
	require.ErrorIs(t, err, ErrConfiguration)

	l, _ := newTestLimiter(t)
	_, err = l.Check(context.Background(), RateLimitRule{Name: "ok", Algorithm: FixedWindow, WindowSize: time.Second, MaxRequests: 1, Enabled: true}, " ")
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestGuards(t *testing.T) {
	l, _ := newTestLimiter(t)
	c := NewCoordinator(NewLocalBackend())
	defer c.Close()

	rule := RateLimitRule{Name: "g", Algorithm: FixedWindow, WindowSize: time.Minute, MaxRequests: 1, Enabled: true}
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) error {
		calls++
		return nil
	}

	require.NoError(t, Protect(ctx, l, rule, "user", c, c.NewRequest("order", "1"), fn))
	err := Protect(ctx, l, rule, "user", c, c.NewRequest("order", "1"), fn)
	require.ErrorIs(t, err, ErrRateLimited)

	var rerr *RateLimitError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "g", rerr.Result.Rule)
	assert.Equal(t, 1, calls)
}

func TestWarmQuota(t *testing.T) {
	rule := RateLimitRule{Name: "warm", Algorithm: SlidingWindow, WindowSize: time.Hour, MaxRequests: 30, WarmUp: 10 * time.Second, ColdFactor: 3}
	assert.EqualValues(t, 10, rule.WarmQuota(0))
	assert.EqualValues(t, 15, rule.WarmQuota(5*time.Second))
	assert.EqualValues(t, 30, rule.WarmQuota(10*time.Second))
	assert.EqualValues(t, 30, rule.WarmQuota(time.Hour))

	rule.ColdFactor = 0
	assert.EqualValues(t, 10, rule.WarmQuota(0))

	rule.WarmUp = 0
	assert.EqualValues(t, 30, rule.WarmQuota(0))

	rule.WarmUp = time.Second
	rule.ColdFactor = 0.5
	require.ErrorIs(t, rule.Validate(), ErrConfiguration)
}

func TestWarmUpRaisesQuota(t *testing.T) {
	l, clock := newTestLimiter(t)
	rule := RateLimitRule{Name: "warm", Algorithm: SlidingWindow, WindowSize: time.Hour, MaxRequests: 30, WarmUp: 10 * time.Second, ColdFactor: 3, Enabled: true}

	ctx := context.Background()
	admitted := func() int {
		n := 0
		for i := 0; i < 40; i++ {
			res, err := l.Check(ctx, rule, "svc")
			require.NoError(t, err)
			if !res.Allowed {
				break
			}
			n++
		}

		return n
	}

	assert.Equal(t, 10, admitted())

	st, err := l.Status(ctx, rule, "svc")
	require.NoError(t, err)
	assert.True(t, st.WarmingUp)
	assert.EqualValues(t, 10, st.Limit)
	assert.EqualValues(t, 10, st.Used)
	assert.EqualValues(t, 0, st.Remaining)
	assert.EqualValues(t, 10, st.Allowed)
	assert.EqualValues(t, 1, st.Rejected)
	assert.Equal(t, "rate_limit:sliding_window:warm:svc", st.Key)

	clock.Advance(5 * time.Second)
	assert.Equal(t, 5, admitted())

	clock.Advance(5 * time.Second)
	assert.Equal(t, 15, admitted())

	st, err = l.Status(ctx, rule, "svc")
	require.NoError(t, err)
	assert.False(t, st.WarmingUp)
	assert.EqualValues(t, 30, st.Limit)
	assert.EqualValues(t, 30, st.Allowed)
	assert.EqualValues(t, 3, st.Rejected)
	assert.Equal(t, clock.Now(), st.LastCheck)
}

func TestDistributedSlidingWindowPerInstance(t *testing.T) {
	clock := NewManualClock(epoch)
	shared := NewLocalBackend(WithClock(clock))
	limiter := func(instance string) *Limiter {
		l, err := NewLimiter(shared, WithClock(clock), WithInstanceID(instance))
		require.NoError(t, err)
		return l
	}
	rule := RateLimitRule{Name: "orders", Algorithm: DistributedSlidingWindow, WindowSize: time.Second, MaxRequests: 6, Enabled: true}
	assert.EqualValues(t, 2, rule.InstanceQuota())

	ctx := context.Background()
	a, b, c, d := limiter("a"), limiter("b"), limiter("c"), limiter("d")
	for _, l := range []*Limiter{a, b, c} {
		for i := 0; i < 2; i++ {
			res, err := l.Check(ctx, rule, "tenant")
			require.NoError(t, err)
			require.True(t, res.Allowed, "instance %s request %d", l.Instance(), i)
		}
	}

	res, err := a.Check(ctx, rule, "tenant")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.EqualValues(t, 0, res.Remaining)

	res, err = d.Check(ctx, rule, "tenant")
	require.NoError(t, err)
	assert.False(t, res.Allowed, "shared window is full")
	assert.EqualValues(t, 1000, res.RetryAfterMs)

	clock.Advance(time.Second)
	res, err = d.Check(ctx, rule, "tenant")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 1, res.Remaining)

	n, err := d.Reset(ctx, rule, "tenant")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(2), "shared and instance windows")

	for i := 0; i < 2; i++ {
		res, err = d.Check(ctx, rule, "tenant")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestLocalLimitStateIsSwept(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()
	rules := []RateLimitRule{
		{Name: "sw", Algorithm: SlidingWindow, WindowSize: time.Second, MaxRequests: 5, Enabled: true},
		{Name: "fw", Algorithm: FixedWindow, WindowSize: time.Second, MaxRequests: 5, Enabled: true},
		{Name: "tb", Algorithm: TokenBucket, MaxRequests: 5, RefillRate: 5, Enabled: true},
	}
	for i := 0; i < 100; i++ {
		for _, rule := range rules {
			_, err := b.Evaluate(ctx, rule, fmt.Sprintf("%s:ip-%d", rule.Name, i), 1, epoch)
			require.NoError(t, err)
		}
	}

	size := func() (int, int, int) {
		b.mu.Lock()
		defer b.mu.Unlock()

		return len(b.limits.logs), len(b.limits.counter), len(b.limits.buckets)
	}
	logs, counters, buckets := size()
	assert.Equal(t, 100, logs)
	assert.Equal(t, 100, counters)
	assert.Equal(t, 100, buckets)

	later := epoch.Add(limitSweepInterval + time.Second)
	res, err := b.Evaluate(ctx, rules[0], "sw:late", 1, later)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	logs, counters, buckets = size()
	assert.Equal(t, 1, logs)
	assert.Zero(t, counters)
	assert.Zero(t, buckets)

	res, err = b.Evaluate(ctx, rules[2], "tb:ip-1", 5, later)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a swept bucket starts full")
}
