// Package redislock implements gcoord backends on Redis: exclusive,
// read/write and fair locks plus the rate-limit scripts.
//
// Every operation is a single Lua script, so it is atomic on the node that owns
// the key. On a cluster, fair locks use companion keys next to the lock key;
// give the lock key a hash tag (for example "{order}:42") so they share a slot.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/companyinfo/gcoord"
)

const (
	sharedSuffix    = ":rw"
	fairQueueSuffix = ":fair:queue"
	fairSeqSuffix   = ":fair:seq"
	fairSeenSuffix  = ":fair:seen"
)

// RedisLock is an implementation of the gcoord backend contracts using Redis.
type RedisLock struct {
	client redis.UniversalClient
	cfg    *gcoord.Config
	tel    *gcoord.Telemetry
}

var (
	_ gcoord.Backend          = (*RedisLock)(nil)
	_ gcoord.ReadWriteBackend = (*RedisLock)(nil)
	_ gcoord.FairBackend      = (*RedisLock)(nil)
	_ gcoord.Evaluator        = (*RedisLock)(nil)
	_ gcoord.Resetter         = (*RedisLock)(nil)
)

// New creates a new RedisLock instance. client may be a single node, cluster
// or sentinel client; see NewClient.
func New(client redis.UniversalClient, opts ...gcoord.OptionFunc) *RedisLock {
	cfg := gcoord.NewConfig(opts...)

	return &RedisLock{
		client: client,
		cfg:    cfg,
		tel:    gcoord.NewTelemetry(cfg),
	}
}

// Name implements gcoord.Backend.
func (r *RedisLock) Name() string {
	return gcoord.BackendRedis
}

// Client returns the underlying Redis client.
func (r *RedisLock) Client() redis.UniversalClient {
	return r.client
}

func (r *RedisLock) run(
	ctx context.Context,
	script *redis.Script,
	action, msg, lockID string,
	keys []string,
	args ...interface{},
) (bool, error) {
	startTime := time.Now()
	ctx, span := r.tel.RecordStart(ctx, gcoord.BackendRedis, action, lockID)
	defer span.End()

	result, err := script.Run(ctx, r.client, keys, args...).Int64()
	if err != nil {
		return false, gcoord.Unavailable(r.tel.HandleError(ctx, span, err, gcoord.BackendRedis, action, msg, lockID))
	}

	if result == 0 {
		r.tel.RecordMiss(ctx, span, gcoord.BackendRedis, action, lockID)
		return false, nil
	}

	r.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendRedis, action, lockID)

	return true, nil
}

// Acquire takes key for owner if it is free or already owned by owner.
func (r *RedisLock) Acquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	return r.run(ctx, acquireScript, gcoord.ActionAcquire, "failed to acquire lock", key,
		[]string{key}, owner, lease.Milliseconds())
}

// Renew extends the lease of key while owner holds it.
func (r *RedisLock) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	return r.run(ctx, renewScript, gcoord.ActionRenew, "failed to renew lock", key,
		[]string{key}, owner, lease.Milliseconds())
}

// Release removes key if owner holds it.
func (r *RedisLock) Release(ctx context.Context, key, owner string) (bool, error) {
	return r.run(ctx, releaseScript, gcoord.ActionRelease, "failed to release lock", key,
		[]string{key}, owner)
}

// ForceRelease removes key and its read/write companion regardless of owner.
func (r *RedisLock) ForceRelease(ctx context.Context, key string) (bool, error) {
	startTime := time.Now()
	ctx, span := r.tel.RecordStart(ctx, gcoord.BackendRedis, gcoord.ActionForceRelease, key)
	defer span.End()

	// Separate DELs keep each command inside one cluster slot.
	var removed int64
	for _, k := range []string{key, key + sharedSuffix} {
		n, err := r.client.Del(ctx, k).Result()
		if err != nil {
			return false, gcoord.Unavailable(r.tel.HandleError(ctx, span, err, gcoord.BackendRedis,
				gcoord.ActionForceRelease, "failed to force release lock", key))
		}
		removed += n
	}

	if removed == 0 {
		r.tel.RecordMiss(ctx, span, gcoord.BackendRedis, gcoord.ActionForceRelease, key)
		return false, nil
	}

	r.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendRedis, gcoord.ActionForceRelease, key)

	return true, nil
}

// TTL reports the remaining lease of key, looking at the read/write companion
// when no exclusive lock exists.
func (r *RedisLock) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := r.tel.RecordStart(ctx, gcoord.BackendRedis, gcoord.ActionTTL, key)
	defer span.End()

	for _, k := range []string{key, key + sharedSuffix} {
		ttl, err := r.client.PTTL(ctx, k).Result()
		if err != nil {
			return 0, gcoord.Unavailable(r.tel.HandleError(ctx, span, err, gcoord.BackendRedis,
				gcoord.ActionTTL, "failed to read lock ttl", key))
		}
		if ttl != gcoord.TTLAbsent {
			return ttl, nil
		}
	}

	return gcoord.TTLAbsent, nil
}

// AcquireShared takes the read/write lock on key in mode.
func (r *RedisLock) AcquireShared(ctx context.Context, key, owner string, mode gcoord.LockMode, lease time.Duration) (bool, error) {
	return r.run(ctx, acquireSharedScript, gcoord.ActionAcquire, fmt.Sprintf("failed to acquire %s lock", mode), key,
		[]string{key + sharedSuffix}, owner, mode.String(), lease.Milliseconds())
}

// RenewShared extends the read/write lock on key while owner holds it in mode.
func (r *RedisLock) RenewShared(ctx context.Context, key, owner string, mode gcoord.LockMode, lease time.Duration) (bool, error) {
	return r.run(ctx, renewSharedScript, gcoord.ActionRenew, fmt.Sprintf("failed to renew %s lock", mode), key,
		[]string{key + sharedSuffix}, owner, mode.String(), lease.Milliseconds())
}

// ReleaseShared drops owner from the read/write lock on key.
func (r *RedisLock) ReleaseShared(ctx context.Context, key, owner string, mode gcoord.LockMode) (bool, error) {
	return r.run(ctx, releaseSharedScript, gcoord.ActionRelease, fmt.Sprintf("failed to release %s lock", mode), key,
		[]string{key + sharedSuffix}, owner, mode.String())
}

func fairKeys(key string) []string {
	return []string{key, key + fairQueueSuffix, key + fairSeqSuffix, key + fairSeenSuffix}
}

// AcquireFair queues owner and takes key once owner reaches the head.
func (r *RedisLock) AcquireFair(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	now := r.cfg.Clock.Now().UnixMilli()

	return r.run(ctx, acquireFairScript, gcoord.ActionAcquire, "failed to acquire fair lock", key,
		fairKeys(key), owner, lease.Milliseconds(), now, r.cfg.FairStaleAfter.Milliseconds())
}

// CancelFair removes owner from the wait queue of key.
func (r *RedisLock) CancelFair(ctx context.Context, key, owner string) error {
	_, err := r.run(ctx, cancelFairScript, gcoord.ActionRelease, "failed to leave fair queue", key,
		[]string{key + fairQueueSuffix, key + fairSeenSuffix}, owner)

	return err
}
