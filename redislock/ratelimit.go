package redislock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/companyinfo/gcoord"
)

// Evaluate runs one admission check of rule on key as a single Lua script.
func (r *RedisLock) Evaluate(
	ctx context.Context,
	rule gcoord.RateLimitRule,
	key string,
	permits int64,
	now time.Time,
) (gcoord.RateLimitResult, error) {
	ctx, span := r.tel.RecordStart(ctx, gcoord.BackendRedis, gcoord.ActionEvaluate, key)
	defer span.End()

	res := gcoord.RateLimitResult{Key: key, Rule: rule.Name, Algorithm: rule.Algorithm}
	nowMs := now.UnixMilli()

	var (
		reply []int64
		err   error
	)
	switch rule.Algorithm {
	case gcoord.SlidingWindow:
		reply, err = r.eval(ctx, slidingWindowScript, []string{key},
			rule.WindowSize.Milliseconds(), rule.MaxRequests, nowMs, permits, uuid.NewString())
	case gcoord.DistributedSlidingWindow:
		reply, err = r.eval(ctx, distributedWindowScript, []string{key}, rule.WindowSize.Milliseconds(),
			rule.MaxRequests, rule.InstanceQuota(), nowMs, permits, rule.Instance, uuid.NewString())
	case gcoord.TokenBucket:
		reply, err = r.eval(ctx, tokenBucketScript, []string{key}, rule.MaxRequests, rule.RefillRate, nowMs, permits)
	case gcoord.LeakyBucket:
		reply, err = r.eval(ctx, leakyBucketScript, []string{key}, rule.MaxRequests, rule.RefillRate, nowMs, permits)
	case gcoord.FixedWindow:
		return r.fixedWindow(ctx, span, res, rule, key, permits, nowMs)
	default:
		return res, fmt.Errorf("%w: algorithm %q is not evaluated by a backend", gcoord.ErrConfiguration, rule.Algorithm)
	}
	if err != nil {
		return res, gcoord.Unavailable(r.tel.HandleError(ctx, span, err, gcoord.BackendRedis,
			gcoord.ActionEvaluate, "failed to evaluate rate limit", key))
	}
	if len(reply) != 5 {
		return res, gcoord.Unavailable(r.tel.HandleError(ctx, span, fmt.Errorf("unexpected reply %v", reply),
			gcoord.BackendRedis, gcoord.ActionEvaluate, "failed to evaluate rate limit", key))
	}

	res.Allowed = reply[0] == 1
	res.Remaining = reply[1]
	res.ResetTime = time.UnixMilli(reply[2])
	res.RetryAfterMs = reply[3]
	res.RequestCount = reply[4]

	return res, nil
}

// fixedWindow counts in a key per window so an old window never needs
// resetting; the counter expires with its window.
func (r *RedisLock) fixedWindow(
	ctx context.Context,
	span trace.Span,
	res gcoord.RateLimitResult,
	rule gcoord.RateLimitRule,
	key string,
	permits, nowMs int64,
) (gcoord.RateLimitResult, error) {
	windowMs := rule.WindowSize.Milliseconds()
	start := nowMs / windowMs * windowMs
	res.ResetTime = time.UnixMilli(start + windowMs)

	reply, err := r.eval(ctx, fixedWindowScript, []string{windowKey(key, start)}, rule.MaxRequests, permits, windowMs)
	if err == nil && len(reply) != 3 {
		err = fmt.Errorf("unexpected reply %v", reply)
	}
	if err != nil {
		return res, gcoord.Unavailable(r.tel.HandleError(ctx, span, err, gcoord.BackendRedis,
			gcoord.ActionEvaluate, "failed to evaluate rate limit", key))
	}

	res.Allowed = reply[0] == 1
	res.Remaining = reply[1]
	res.RequestCount = reply[2]
	if !res.Allowed {
		res.RetryAfterMs = max(1, start+windowMs-nowMs)
	}

	return res, nil
}

func (r *RedisLock) eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) ([]int64, error) {
	raw, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return nil, err
	}

	return toInts(raw)
}

func toInts(raw interface{}) ([]int64, error) {
	values, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script reply %T", raw)
	}

	out := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script reply element %T", v)
		}
		out[i] = n
	}

	return out, nil
}

// Reset deletes key and every window counter nested under it.
func (r *RedisLock) Reset(ctx context.Context, key string) (int64, error) {
	ctx, span := r.tel.RecordStart(ctx, gcoord.BackendRedis, gcoord.ActionForceRelease, key)
	defer span.End()

	removed, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return 0, gcoord.Unavailable(r.tel.HandleError(ctx, span, err, gcoord.BackendRedis,
			gcoord.ActionForceRelease, "failed to reset rate limit", key))
	}

	pattern := escapeGlob(key) + ":*"
	scan := func(ctx context.Context, c redis.UniversalClient) error {
		iter := c.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			n, err := c.Del(ctx, iter.Val()).Result()
			if err != nil {
				return err
			}
			removed += n
		}

		return iter.Err()
	}

	if cluster, ok := r.client.(*redis.ClusterClient); ok {
		var mu sync.Mutex
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			mu.Lock()
			defer mu.Unlock()

			return scan(ctx, node)
		})
	} else {
		err = scan(ctx, r.client)
	}
	if err != nil {
		return removed, gcoord.Unavailable(r.tel.HandleError(ctx, span, err, gcoord.BackendRedis,
			gcoord.ActionForceRelease, "failed to reset rate limit", key))
	}

	return removed, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}

	return b.String()
}

func windowKey(key string, start int64) string {
	return key + ":" + strconv.FormatInt(start, 10)
}
