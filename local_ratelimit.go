package gcoord

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// limitSweepInterval is how often idle rate-limit state is dropped.
const limitSweepInterval = 30 * time.Second

type localLimits struct {
	logs    map[string]localLog
	counter map[string]localCounter
	buckets map[string]localBucket
	swept   time.Time
}

// localLog is a sliding window. It is idle once its newest entry left the
// window, at expires.
type localLog struct {
	times   []time.Time
	expires time.Time
}

type localCounter struct {
	count   int64
	expires time.Time
}

// localBucket is idle at expires: a token bucket full again, a leaky bucket
// drained.
type localBucket struct {
	level   int64
	ts      time.Time
	expires time.Time
}

func newLocalLimits() localLimits {
	return localLimits{
		logs:    make(map[string]localLog),
		counter: make(map[string]localCounter),
		buckets: make(map[string]localBucket),
	}
}

// sweep drops state that would evaluate the same as no state at all.
func (ll *localLimits) sweep(now time.Time) {
	if now.Sub(ll.swept) < limitSweepInterval {
		return
	}
	ll.swept = now

	for k, v := range ll.logs {
		if !now.Before(v.expires) {
			delete(ll.logs, k)
		}
	}
	for k, v := range ll.counter {
		if !now.Before(v.expires) {
			delete(ll.counter, k)
		}
	}
	for k, v := range ll.buckets {
		if !now.Before(v.expires) {
			delete(ll.buckets, k)
		}
	}
}

// Evaluate runs one admission check of rule on key in memory. It follows the
// same arithmetic as the Redis scripts.
func (l *LocalBackend) Evaluate(_ context.Context, rule RateLimitRule, key string, permits int64, now time.Time) (RateLimitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limits.sweep(now)

	res := RateLimitResult{Key: key, Rule: rule.Name, Algorithm: rule.Algorithm}
	switch rule.Algorithm {
	case SlidingWindow:
		l.slidingWindow(&res, rule, key, permits, now)
	case DistributedSlidingWindow:
		l.distributedWindow(&res, rule, key, permits, now)
	case FixedWindow:
		l.fixedWindow(&res, rule, key, permits, now)
	case TokenBucket:
		l.tokenBucket(&res, rule, key, permits, now)
	case LeakyBucket:
		l.leakyBucket(&res, rule, key, permits, now)
	default:
		return res, fmt.Errorf("%w: algorithm %q is not evaluated by a backend", ErrConfiguration, rule.Algorithm)
	}

	return res, nil
}

// window returns the entries of key still inside window at now.
func (l *LocalBackend) window(key string, window time.Duration, now time.Time) []time.Time {
	log := l.limits.logs[key].times
	cutoff := now.Add(-window)
	i := sort.Search(len(log), func(i int) bool { return log[i].After(cutoff) })

	return log[i:]
}

func (l *LocalBackend) storeWindow(key string, log []time.Time, window time.Duration) {
	if len(log) == 0 {
		delete(l.limits.logs, key)
		return
	}

	l.limits.logs[key] = localLog{times: log, expires: log[len(log)-1].Add(window)}
}

func appendPermits(log []time.Time, permits int64, now time.Time) []time.Time {
	for range permits {
		log = append(log, now)
	}

	return log
}

func (l *LocalBackend) slidingWindow(res *RateLimitResult, rule RateLimitRule, key string, permits int64, now time.Time) {
	log := l.window(key, rule.WindowSize, now)

	count := int64(len(log))
	res.ResetTime = now.Add(rule.WindowSize)
	if len(log) > 0 {
		res.ResetTime = log[0].Add(rule.WindowSize)
	}
	if count+permits > rule.MaxRequests {
		res.RequestCount = count
		res.Remaining = max(0, rule.MaxRequests-count)
		res.RetryAfterMs = retryAfterMs(res.ResetTime.Sub(now))
		l.storeWindow(key, log, rule.WindowSize)

		return
	}

	log = appendPermits(log, permits, now)
	l.storeWindow(key, log, rule.WindowSize)
	res.Allowed = true
	res.RequestCount = count + permits
	res.Remaining = rule.MaxRequests - res.RequestCount
	if len(log) > 0 {
		res.ResetTime = log[0].Add(rule.WindowSize)
	}
}

// distributedWindow checks the shared window of key and the window of the
// rule's instance, nested under key so Reset clears both.
func (l *LocalBackend) distributedWindow(res *RateLimitResult, rule RateLimitRule, key string, permits int64, now time.Time) {
	instKey := key + ":" + rule.Instance
	shared := l.window(key, rule.WindowSize, now)
	mine := l.window(instKey, rule.WindowSize, now)
	quota := rule.InstanceQuota()

	count, own := int64(len(shared)), int64(len(mine))
	res.ResetTime = now.Add(rule.WindowSize)
	if len(shared) > 0 {
		res.ResetTime = shared[0].Add(rule.WindowSize)
	}

	if count+permits > rule.MaxRequests || own+permits > quota {
		if count+permits <= rule.MaxRequests && len(mine) > 0 {
			res.ResetTime = mine[0].Add(rule.WindowSize)
		}
		res.RequestCount = count
		res.Remaining = max(0, min(rule.MaxRequests-count, quota-own))
		res.RetryAfterMs = retryAfterMs(res.ResetTime.Sub(now))
		l.storeWindow(key, shared, rule.WindowSize)
		l.storeWindow(instKey, mine, rule.WindowSize)

		return
	}

	shared = appendPermits(shared, permits, now)
	mine = appendPermits(mine, permits, now)
	l.storeWindow(key, shared, rule.WindowSize)
	l.storeWindow(instKey, mine, rule.WindowSize)
	res.Allowed = true
	res.RequestCount = count + permits
	res.Remaining = min(rule.MaxRequests-count, quota-own) - permits
	if len(shared) > 0 {
		res.ResetTime = shared[0].Add(rule.WindowSize)
	}
}

func (l *LocalBackend) fixedWindow(res *RateLimitResult, rule RateLimitRule, key string, permits int64, now time.Time) {
	windowMs := rule.WindowSize.Milliseconds()
	start := now.UnixMilli() / windowMs * windowMs
	windowKey := key + ":" + strconv.FormatInt(start, 10)
	res.ResetTime = time.UnixMilli(start + windowMs)
	delete(l.limits.counter, key+":"+strconv.FormatInt(start-windowMs, 10))

	c, ok := l.limits.counter[windowKey]
	if ok && !now.Before(c.expires) {
		c = localCounter{}
	}
	if c.expires.IsZero() {
		c.expires = res.ResetTime
	}

	if c.count+permits > rule.MaxRequests {
		res.RequestCount = c.count
		res.Remaining = max(0, rule.MaxRequests-c.count)
		res.RetryAfterMs = retryAfterMs(res.ResetTime.Sub(now))

		return
	}

	c.count += permits
	l.limits.counter[windowKey] = c
	res.Allowed = true
	res.RequestCount = c.count
	res.Remaining = rule.MaxRequests - c.count
}

// tokenBucket keeps whole tokens; ts only advances by the time that produced
// them so fractional refill is never lost.
func (l *LocalBackend) tokenBucket(res *RateLimitResult, rule RateLimitRule, key string, permits int64, now time.Time) {
	b, ok := l.limits.buckets[key]
	if !ok {
		b = localBucket{level: rule.MaxRequests, ts: now}
	}

	if elapsed := now.Sub(b.ts).Milliseconds(); elapsed > 0 {
		added := elapsed * rule.RefillRate / 1000
		if b.level+added >= rule.MaxRequests {
			b.level = rule.MaxRequests
			b.ts = now
		} else if added > 0 {
			b.level += added
			b.ts = b.ts.Add(time.Duration(added*1000/rule.RefillRate) * time.Millisecond)
		}
	}
	if b.level >= rule.MaxRequests {
		b.ts = now
	}

	res.ResetTime = now.Add(refillTime(rule.MaxRequests-b.level, rule.RefillRate))
	if b.level < permits {
		res.RequestCount = rule.MaxRequests - b.level
		res.Remaining = b.level
		res.RetryAfterMs = retryAfterMs(refillTime(permits-b.level, rule.RefillRate) - now.Sub(b.ts))
		b.expires = b.ts.Add(refillTime(rule.MaxRequests-b.level, rule.RefillRate))
		l.limits.buckets[key] = b

		return
	}

	b.level -= permits
	b.expires = b.ts.Add(refillTime(rule.MaxRequests-b.level, rule.RefillRate))
	l.limits.buckets[key] = b
	res.Allowed = true
	res.RequestCount = rule.MaxRequests - b.level
	res.Remaining = b.level
	res.ResetTime = now.Add(refillTime(rule.MaxRequests-b.level, rule.RefillRate))
}

// leakyBucket tracks the queue level, draining RefillRate requests per second.
func (l *LocalBackend) leakyBucket(res *RateLimitResult, rule RateLimitRule, key string, permits int64, now time.Time) {
	b, ok := l.limits.buckets[key]
	if !ok {
		b = localBucket{ts: now}
	}

	if elapsed := now.Sub(b.ts).Milliseconds(); elapsed > 0 {
		leaked := elapsed * rule.RefillRate / 1000
		if leaked >= b.level {
			b.level = 0
			b.ts = now
		} else if leaked > 0 {
			b.level -= leaked
			b.ts = b.ts.Add(time.Duration(leaked*1000/rule.RefillRate) * time.Millisecond)
		}
	}
	if b.level == 0 {
		b.ts = now
	}

	if b.level+permits > rule.MaxRequests {
		overflow := b.level + permits - rule.MaxRequests
		res.RequestCount = b.level
		res.Remaining = max(0, rule.MaxRequests-b.level)
		res.RetryAfterMs = retryAfterMs(refillTime(overflow, rule.RefillRate) - now.Sub(b.ts))
		res.ResetTime = now.Add(refillTime(b.level, rule.RefillRate))
		b.expires = b.ts.Add(refillTime(b.level, rule.RefillRate))
		l.limits.buckets[key] = b

		return
	}

	b.level += permits
	b.expires = b.ts.Add(refillTime(b.level, rule.RefillRate))
	l.limits.buckets[key] = b
	res.Allowed = true
	res.RequestCount = b.level
	res.Remaining = rule.MaxRequests - b.level
	res.ResetTime = now.Add(refillTime(b.level, rule.RefillRate))
}

// refillTime is the time rate needs to produce n units, rounded up to a millisecond.
func refillTime(n, rate int64) time.Duration {
	if n <= 0 {
		return 0
	}

	return time.Duration((n*1000+rate-1)/rate) * time.Millisecond
}

func retryAfterMs(d time.Duration) int64 {
	ms := (d + time.Millisecond - 1).Milliseconds()
	if ms < 1 {
		return 1
	}

	return ms
}

// Reset drops the rate-limit state of key and of the windows nested under it.
func (l *LocalBackend) Reset(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	for k := range l.limits.logs {
		if matchesReset(k, key) {
			delete(l.limits.logs, k)
			n++
		}
	}
	for k := range l.limits.counter {
		if matchesReset(k, key) {
			delete(l.limits.counter, k)
			n++
		}
	}
	for k := range l.limits.buckets {
		if matchesReset(k, key) {
			delete(l.limits.buckets, k)
			n++
		}
	}

	return n, nil
}

func matchesReset(k, key string) bool {
	return k == key || strings.HasPrefix(k, key+":")
}
