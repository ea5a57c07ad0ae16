package gcoord

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// exclusion is one held (or wanted) lock as seen by the coordinator. The same
// lock type maps to a different exclusion per backend, which is how an attempt
// switches to the local fallback without the coordinator knowing the details.
type exclusion interface {
	backendName() string
	tryAcquire(ctx context.Context) (bool, error)
	renew(ctx context.Context, lease time.Duration) (bool, error)
	release(ctx context.Context) (bool, error)
	// abandon gives up a pending attempt, e.g. leaving a fair queue.
	abandon(ctx context.Context)
}

type holdKey struct {
	key      string
	owner    string
	lockType LockType
}

// hold is the state shared by every reentrant handle of one owner on one lock.
type hold struct {
	id       holdKey
	ex       exclusion
	lease    time.Duration
	business string
	fallback bool
	acquired time.Time

	mu     sync.Mutex
	count  int
	status LockStatus
	dog    *watchdog
}

func (hd *hold) state() LockStatus {
	hd.mu.Lock()
	defer hd.mu.Unlock()

	return hd.status
}

func (hd *hold) setState(s LockStatus) {
	hd.mu.Lock()
	if !hd.status.Terminal() {
		hd.status = s
	}
	hd.mu.Unlock()
}

func (hd *hold) reentrant() int {
	hd.mu.Lock()
	defer hd.mu.Unlock()

	return hd.count
}

// heldStatus is what a live hold reports when no renewal is in flight.
func (hd *hold) heldStatus() LockStatus {
	if hd.fallback {
		return StatusFallback
	}

	return StatusAcquired
}

type exclusive struct {
	b     Backend
	key   string
	owner string
	lease time.Duration
}

func (e *exclusive) backendName() string { return e.b.Name() }

func (e *exclusive) tryAcquire(ctx context.Context) (bool, error) {
	return e.b.Acquire(ctx, e.key, e.owner, e.lease)
}

func (e *exclusive) renew(ctx context.Context, lease time.Duration) (bool, error) {
	return e.b.Renew(ctx, e.key, e.owner, lease)
}

func (e *exclusive) release(ctx context.Context) (bool, error) {
	return e.b.Release(ctx, e.key, e.owner)
}

func (e *exclusive) abandon(context.Context) {}

type fair struct {
	exclusive
	fb FairBackend
}

func (f *fair) tryAcquire(ctx context.Context) (bool, error) {
	return f.fb.AcquireFair(ctx, f.key, f.owner, f.lease)
}

func (f *fair) abandon(ctx context.Context) {
	_ = f.fb.CancelFair(context.WithoutCancel(ctx), f.key, f.owner)
}

type shared struct {
	name  string
	rw    ReadWriteBackend
	key   string
	owner string
	mode  LockMode
	lease time.Duration
}

func (s *shared) backendName() string { return s.name }

func (s *shared) tryAcquire(ctx context.Context) (bool, error) {
	return s.rw.AcquireShared(ctx, s.key, s.owner, s.mode, s.lease)
}

func (s *shared) renew(ctx context.Context, lease time.Duration) (bool, error) {
	return s.rw.RenewShared(ctx, s.key, s.owner, s.mode, lease)
}

func (s *shared) release(ctx context.Context) (bool, error) {
	return s.rw.ReleaseShared(ctx, s.key, s.owner, s.mode)
}

func (s *shared) abandon(context.Context) {}

// newExclusion maps a lock type onto the capabilities of b. RED locks use
// the configured nodes unless b is the fallback.
func (c *Coordinator) newExclusion(b Backend, lockType LockType, keys []string, owner string, lease time.Duration, local bool) (exclusion, error) {
	switch lockType {
	case LockReentrant, LockSpin:
		return &exclusive{b: b, key: keys[0], owner: owner, lease: lease}, nil
	case LockFair:
		fb, ok := b.(FairBackend)
		if !ok {
			return nil, fmt.Errorf("%w: backend %s does not support fair locks", ErrConfiguration, b.Name())
		}

		return &fair{exclusive: exclusive{b: b, key: keys[0], owner: owner, lease: lease}, fb: fb}, nil
	case LockRead, LockWrite:
		rw, ok := b.(ReadWriteBackend)
		if !ok {
			return nil, fmt.Errorf("%w: backend %s does not support read/write locks", ErrConfiguration, b.Name())
		}
		mode := ModeRead
		if lockType == LockWrite {
			mode = ModeWrite
		}

		return &shared{name: b.Name(), rw: rw, key: keys[0], owner: owner, mode: mode, lease: lease}, nil
	case LockMulti:
		return &multi{b: b, keys: keys, owner: owner, lease: lease}, nil
	case LockRed:
		if local {
			return &exclusive{b: b, key: keys[0], owner: owner, lease: lease}, nil
		}
		if len(c.cfg.RedNodes) == 0 {
			return nil, fmt.Errorf("%w: red lock needs at least one node", ErrConfiguration)
		}

		return &redLock{
			nodes: c.cfg.RedNodes,
			key:   keys[0],
			owner: owner,
			lease: lease,
			drift: c.cfg.ClockDriftFactor,
		}, nil
	}

	return nil, fmt.Errorf("%w: unknown lock type %q", ErrConfiguration, lockType)
}
