// Package redsynclock implements an exclusive gcoord backend over a quorum of
// independent Redis nodes, using the redsync implementation of RedLock.
package redsynclock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"github.com/companyinfo/gcoord"
)

// permanentLease backs a lease <= 0: redsync always sets an expiry, which is
// removed once the quorum holds the key.
const permanentLease = 24 * time.Hour

// RedsyncLock is a gcoord.Backend whose locks hold only while a majority of
// the nodes agree.
type RedsyncLock struct {
	rs      *redsync.Redsync
	clients []redis.UniversalClient
	drift   float64
	tel     *gcoord.Telemetry
}

var _ gcoord.Backend = (*RedsyncLock)(nil)

// New creates a new RedsyncLock over clients, one per independent node.
func New(clients []redis.UniversalClient, opts ...gcoord.OptionFunc) *RedsyncLock {
	cfg := gcoord.NewConfig(opts...)

	pools := make([]redsyncredis.Pool, 0, len(clients))
	for _, c := range clients {
		pools = append(pools, goredis.NewPool(c))
	}

	return &RedsyncLock{
		rs:      redsync.New(pools...),
		clients: clients,
		drift:   cfg.ClockDriftFactor,
		tel:     gcoord.NewTelemetry(cfg),
	}
}

// Name implements gcoord.Backend.
func (r *RedsyncLock) Name() string {
	return gcoord.BackendRedsync
}

func (r *RedsyncLock) mutex(key, owner string, lease time.Duration) *redsync.Mutex {
	if lease <= 0 {
		lease = permanentLease
	}

	return r.rs.NewMutex(key,
		redsync.WithExpiry(lease),
		redsync.WithTries(1),
		redsync.WithDriftFactor(r.drift),
		redsync.WithGenValueFunc(func() (string, error) { return owner, nil }),
	)
}

// unreachable reports whether err comes from nodes that could not be reached
// rather than from nodes held by someone else.
func unreachable(err error) bool {
	var taken *redsync.ErrTaken
	if errors.As(err, &taken) {
		return false
	}

	var rerr *redsync.RedisError

	return errors.As(err, &rerr)
}

// Acquire takes key on a majority of nodes. When owner already holds it the
// lease is extended instead.
func (r *RedsyncLock) Acquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := r.tel.RecordStart(ctx, gcoord.BackendRedsync, gcoord.ActionAcquire, key)
	defer span.End()

	// A failed redsync lock releases the key under our value on every node,
	// so a reentrant acquire must extend first.
	m := r.mutex(key, owner, lease)
	ok, err := m.ExtendContext(ctx)
	if !ok && (err == nil || !unreachable(err)) {
		err = m.TryLockContext(ctx)
	}
	if err != nil && !ok {
		if unreachable(err) {
			return false, gcoord.Unavailable(r.tel.HandleError(ctx, span, err, gcoord.BackendRedsync,
				gcoord.ActionAcquire, "failed to acquire lock", key))
		}
		r.tel.RecordMiss(ctx, span, gcoord.BackendRedsync, gcoord.ActionAcquire, key)

		return false, nil
	}

	if lease <= 0 {
		if err := r.persist(ctx, key); err != nil {
			return false, gcoord.Unavailable(r.tel.HandleError(ctx, span, err, gcoord.BackendRedsync,
				gcoord.ActionAcquire, "failed to remove lock expiry", key))
		}
	}

	r.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendRedsync, gcoord.ActionAcquire, key)

	return true, nil
}

func (r *RedsyncLock) persist(ctx context.Context, key string) error {
	var failed int
	var errs []error
	for _, c := range r.clients {
		if err := c.Persist(ctx, key).Err(); err != nil {
			failed++
			errs = append(errs, err)
		}
	}
	if failed > len(r.clients)/2 {
		return errors.Join(errs...)
	}

	return nil
}

// Renew extends the lease on a majority of nodes while owner holds key.
func (r *RedsyncLock) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := r.tel.RecordStart(ctx, gcoord.BackendRedsync, gcoord.ActionRenew, key)
	defer span.End()

	ok, err := r.mutex(key, owner, lease).ExtendContext(ctx)
	if err != nil && unreachable(err) {
		return false, gcoord.Unavailable(r.tel.HandleError(ctx, span, err, gcoord.BackendRedsync,
			gcoord.ActionRenew, "failed to renew lock", key))
	}
	if !ok {
		r.tel.RecordMiss(ctx, span, gcoord.BackendRedsync, gcoord.ActionRenew, key)
		return false, nil
	}

	if lease <= 0 {
		if err := r.persist(ctx, key); err != nil {
			return false, gcoord.Unavailable(r.tel.HandleError(ctx, span, err, gcoord.BackendRedsync,
				gcoord.ActionRenew, "failed to remove lock expiry", key))
		}
	}

	r.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendRedsync, gcoord.ActionRenew, key)

	return true, nil
}

// Release deletes key on every node where owner holds it.
func (r *RedsyncLock) Release(ctx context.Context, key, owner string) (bool, error) {
	startTime := time.Now()
	ctx, span := r.tel.RecordStart(ctx, gcoord.BackendRedsync, gcoord.ActionRelease, key)
	defer span.End()

	ok, err := r.mutex(key, owner, 0).UnlockContext(ctx)
	if err != nil && unreachable(err) {
		return false, gcoord.Unavailable(r.tel.HandleError(ctx, span, err, gcoord.BackendRedsync,
			gcoord.ActionRelease, "failed to release lock", key))
	}
	if !ok {
		r.tel.RecordMiss(ctx, span, gcoord.BackendRedsync, gcoord.ActionRelease, key)
		return false, nil
	}

	r.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendRedsync, gcoord.ActionRelease, key)

	return true, nil
}

// ForceRelease deletes key on every node.
func (r *RedsyncLock) ForceRelease(ctx context.Context, key string) (bool, error) {
	startTime := time.Now()
	ctx, span := r.tel.RecordStart(ctx, gcoord.BackendRedsync, gcoord.ActionForceRelease, key)
	defer span.End()

	var removed int64
	var errs []error
	for _, c := range r.clients {
		n, err := c.Del(ctx, key).Result()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		removed += n
	}
	if len(errs) > len(r.clients)/2 {
		return false, gcoord.Unavailable(r.tel.HandleError(ctx, span, errors.Join(errs...), gcoord.BackendRedsync,
			gcoord.ActionForceRelease, "failed to force release lock", key))
	}

	if removed == 0 {
		r.tel.RecordMiss(ctx, span, gcoord.BackendRedsync, gcoord.ActionForceRelease, key)
		return false, nil
	}

	r.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendRedsync, gcoord.ActionForceRelease, key)

	return true, nil
}

// TTL returns the longest remaining lease across the nodes that answer.
func (r *RedsyncLock) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := r.tel.RecordStart(ctx, gcoord.BackendRedsync, gcoord.ActionTTL, key)
	defer span.End()

	best := gcoord.TTLAbsent
	var errs []error
	for _, c := range r.clients {
		ttl, err := c.PTTL(ctx, key).Result()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch {
		case ttl == gcoord.TTLAbsent:
		case ttl == gcoord.TTLNoExpiry:
			best = gcoord.TTLNoExpiry
		case best != gcoord.TTLNoExpiry && ttl > best:
			best = ttl
		}
	}
	if len(errs) > len(r.clients)/2 {
		return 0, gcoord.Unavailable(r.tel.HandleError(ctx, span, errors.Join(errs...), gcoord.BackendRedsync,
			gcoord.ActionTTL, "failed to read lock ttl", key))
	}

	return best, nil
}
