package hazelcastlock

import (
	"context"
	"math"
	"time"

	"github.com/hazelcast/hazelcast-go-client"
	"github.com/hazelcast/hazelcast-go-client/types"

	"github.com/companyinfo/gcoord"
)

// IMap is the part of a Hazelcast map the lock uses.
type IMap interface {
	Get(ctx context.Context, key interface{}) (interface{}, error)
	PutIfAbsent(ctx context.Context, key interface{}, value interface{}) (interface{}, error)
	PutIfAbsentWithTTL(ctx context.Context, key interface{}, value interface{}, ttl time.Duration) (interface{}, error)
	SetTTL(ctx context.Context, key interface{}, ttl time.Duration) error
	RemoveIfSame(ctx context.Context, key interface{}, value interface{}) (bool, error)
	Remove(ctx context.Context, key interface{}) (interface{}, error)
	GetEntryView(ctx context.Context, key interface{}) (*types.SimpleEntryView, error)
	NewLockContext(ctx context.Context) context.Context
	LockWithLease(ctx context.Context, key interface{}, leaseTime time.Duration) error
	Unlock(ctx context.Context, key interface{}) error
}

// keyLockLease bounds a key lock left behind by a client that stops while
// renewing.
const keyLockLease = 10 * time.Second

var _ IMap = (*hazelcast.Map)(nil)

// HazelcastLock is an implementation of gcoord.Backend using a Hazelcast map.
// Each lock is an entry holding the owner; the entry TTL is the lease, so the
// cluster evicts lapsed locks.
//
// Renewal checks the owner and resets the TTL under the Hazelcast key lock, so
// no other member can replace the entry in between.
type HazelcastLock struct {
	lockMap func(ctx context.Context) (IMap, error)
	clock   gcoord.Clock
	tel     *gcoord.Telemetry
}

var _ gcoord.Backend = (*HazelcastLock)(nil)

// New creates a new HazelcastLock instance on the map named by gcoord.WithMapName.
func New(client *hazelcast.Client, opts ...gcoord.OptionFunc) *HazelcastLock {
	cfg := gcoord.NewConfig(opts...)

	return &HazelcastLock{
		lockMap: func(ctx context.Context) (IMap, error) {
			m, err := client.GetMap(ctx, cfg.Map)
			if err != nil {
				return nil, err
			}

			return m, nil
		},
		clock: cfg.Clock,
		tel:   gcoord.NewTelemetry(cfg),
	}
}

// NewWithMap creates a HazelcastLock on an already resolved map.
func NewWithMap(m IMap, opts ...gcoord.OptionFunc) *HazelcastLock {
	cfg := gcoord.NewConfig(opts...)

	return &HazelcastLock{
		lockMap: func(context.Context) (IMap, error) { return m, nil },
		clock:   cfg.Clock,
		tel:     gcoord.NewTelemetry(cfg),
	}
}

// Name implements gcoord.Backend.
func (h *HazelcastLock) Name() string {
	return gcoord.BackendHazelcast
}

func ownedBy(value interface{}, owner string) bool {
	s, ok := value.(string)
	return ok && s == owner
}

// ttl maps a lease onto a Hazelcast entry TTL, where 0 means no expiry.
func ttl(lease time.Duration) time.Duration {
	if lease <= 0 {
		return 0
	}

	return lease
}

// Acquire attempts to acquire key for owner, refreshing the entry TTL if owner
// already holds it.
func (h *HazelcastLock) Acquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := h.tel.RecordStart(ctx, gcoord.BackendHazelcast, gcoord.ActionAcquire, key)
	defer span.End()

	lockMap, err := h.lockMap(ctx)
	if err != nil {
		return false, gcoord.Unavailable(h.tel.HandleError(ctx, span, err, gcoord.BackendHazelcast,
			gcoord.ActionAcquire, "failed to get lock map", key))
	}

	var previous interface{}
	if lease > 0 {
		previous, err = lockMap.PutIfAbsentWithTTL(ctx, key, owner, lease)
	} else {
		previous, err = lockMap.PutIfAbsent(ctx, key, owner)
	}
	if err != nil {
		return false, gcoord.Unavailable(h.tel.HandleError(ctx, span, err, gcoord.BackendHazelcast,
			gcoord.ActionAcquire, "failed to acquire lock", key))
	}

	if previous != nil {
		if !ownedBy(previous, owner) {
			h.tel.RecordMiss(ctx, span, gcoord.BackendHazelcast, gcoord.ActionAcquire, key)
			return false, nil
		}

		ok, err := h.refresh(ctx, lockMap, key, owner, lease)
		if err != nil {
			return false, gcoord.Unavailable(h.tel.HandleError(ctx, span, err, gcoord.BackendHazelcast,
				gcoord.ActionAcquire, "failed to refresh lock", key))
		}
		if !ok {
			h.tel.RecordMiss(ctx, span, gcoord.BackendHazelcast, gcoord.ActionAcquire, key)
			return false, nil
		}
	}

	h.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendHazelcast, gcoord.ActionAcquiredSuccessfully, key)

	return true, nil
}

// Renew extends the lease of key while owner holds it.
func (h *HazelcastLock) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := h.tel.RecordStart(ctx, gcoord.BackendHazelcast, gcoord.ActionRenew, key)
	defer span.End()

	lockMap, err := h.lockMap(ctx)
	if err != nil {
		return false, gcoord.Unavailable(h.tel.HandleError(ctx, span, err, gcoord.BackendHazelcast,
			gcoord.ActionRenew, "failed to get lock map", key))
	}

	ok, err := h.refresh(ctx, lockMap, key, owner, lease)
	if err != nil {
		return false, gcoord.Unavailable(h.tel.HandleError(ctx, span, err, gcoord.BackendHazelcast,
			gcoord.ActionRenew, "failed to renew lock", key))
	}
	if !ok {
		h.tel.RecordMiss(ctx, span, gcoord.BackendHazelcast, gcoord.ActionRenew, key)
		return false, nil
	}

	h.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendHazelcast, gcoord.ActionRenewedSuccessfully, key)

	return true, nil
}

// refresh resets the TTL of key while owner holds it, under the key lock. The
// entry is read again after SetTTL, so one that lapsed in between is a miss.
func (h *HazelcastLock) refresh(ctx context.Context, lockMap IMap, key, owner string, lease time.Duration) (bool, error) {
	ctx = lockMap.NewLockContext(ctx)
	if err := lockMap.LockWithLease(ctx, key, keyLockLease); err != nil {
		return false, err
	}
	defer func() {
		if err := lockMap.Unlock(ctx, key); err != nil {
			h.tel.Logger().Error(err, "failed to unlock map key", "lockID", key)
		}
	}()

	current, err := lockMap.Get(ctx, key)
	if err != nil || !ownedBy(current, owner) {
		return false, err
	}
	if err = lockMap.SetTTL(ctx, key, ttl(lease)); err != nil {
		return false, err
	}

	current, err = lockMap.Get(ctx, key)
	if err != nil {
		return false, err
	}

	return ownedBy(current, owner), nil
}

// Release removes the entry of key if owner holds it.
func (h *HazelcastLock) Release(ctx context.Context, key, owner string) (bool, error) {
	startTime := time.Now()
	ctx, span := h.tel.RecordStart(ctx, gcoord.BackendHazelcast, gcoord.ActionRelease, key)
	defer span.End()

	lockMap, err := h.lockMap(ctx)
	if err != nil {
		return false, gcoord.Unavailable(h.tel.HandleError(ctx, span, err, gcoord.BackendHazelcast,
			gcoord.ActionRelease, "failed to get lock map", key))
	}

	removed, err := lockMap.RemoveIfSame(ctx, key, owner)
	if err != nil {
		return false, gcoord.Unavailable(h.tel.HandleError(ctx, span, err, gcoord.BackendHazelcast,
			gcoord.ActionRelease, "failed to release lock", key))
	}

	if !removed {
		h.tel.RecordMiss(ctx, span, gcoord.BackendHazelcast, gcoord.ActionRelease, key)
		return false, nil
	}

	h.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendHazelcast, gcoord.ActionReleasedSuccessfully, key)

	return true, nil
}

// ForceRelease removes the entry of key whoever holds it.
func (h *HazelcastLock) ForceRelease(ctx context.Context, key string) (bool, error) {
	startTime := time.Now()
	ctx, span := h.tel.RecordStart(ctx, gcoord.BackendHazelcast, gcoord.ActionForceRelease, key)
	defer span.End()

	lockMap, err := h.lockMap(ctx)
	if err != nil {
		return false, gcoord.Unavailable(h.tel.HandleError(ctx, span, err, gcoord.BackendHazelcast,
			gcoord.ActionForceRelease, "failed to get lock map", key))
	}

	previous, err := lockMap.Remove(ctx, key)
	if err != nil {
		return false, gcoord.Unavailable(h.tel.HandleError(ctx, span, err, gcoord.BackendHazelcast,
			gcoord.ActionForceRelease, "failed to force release lock", key))
	}

	if previous == nil {
		h.tel.RecordMiss(ctx, span, gcoord.BackendHazelcast, gcoord.ActionForceRelease, key)
		return false, nil
	}

	h.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendHazelcast, gcoord.ActionForceRelease, key)

	return true, nil
}

// TTL reports the lease left on key from its entry view.
func (h *HazelcastLock) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := h.tel.RecordStart(ctx, gcoord.BackendHazelcast, gcoord.ActionTTL, key)
	defer span.End()

	lockMap, err := h.lockMap(ctx)
	if err != nil {
		return 0, gcoord.Unavailable(h.tel.HandleError(ctx, span, err, gcoord.BackendHazelcast,
			gcoord.ActionTTL, "failed to get lock map", key))
	}

	view, err := lockMap.GetEntryView(ctx, key)
	if err != nil {
		return 0, gcoord.Unavailable(h.tel.HandleError(ctx, span, err, gcoord.BackendHazelcast,
			gcoord.ActionTTL, "failed to get entry view", key))
	}

	return remaining(view, h.clock.Now()), nil
}

// remaining reads the expiry of an entry view. Hazelcast reports entries
// without TTL with an expiration time of math.MaxInt64.
func remaining(view *types.SimpleEntryView, now time.Time) time.Duration {
	if view == nil {
		return gcoord.TTLAbsent
	}
	if view.TTL <= 0 || view.TTL == math.MaxInt64 || view.ExpirationTime == math.MaxInt64 {
		return gcoord.TTLNoExpiry
	}

	left := time.UnixMilli(view.ExpirationTime).Sub(now)
	if left <= 0 {
		return gcoord.TTLAbsent
	}

	return left
}
