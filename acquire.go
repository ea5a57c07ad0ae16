package gcoord

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Lock acquires the lock described by req, retrying until req.WaitTime runs
// out or ctx is done. It always returns a handle describing the attempt; on
// error the handle is FAILED and the error is a *LockError.
//
// A second Lock by the owner of a live lock of the same type and key does not
// touch the backend and only raises the reentrant count.
func (c *Coordinator) Lock(ctx context.Context, req LockRequest) (*LockHandle, error) {
	start := time.Now()
	lockType := req.lockType()
	owner := c.ownerFor(ctx, req)
	h := &LockHandle{
		lockType: lockType,
		owner:    owner,
		business: req.Business,
		traceID:  traceIDFrom(ctx),
		lease:    req.LeaseTime,
		backend:  c.backend.Name(),
	}

	keys, err := c.resolve(ctx, req, lockType)
	if err != nil {
		h.key = req.Scene + c.cfg.Separator + req.Key
		return h, c.failed(h, err, time.Since(start))
	}
	h.key, h.keys = joinKeys(keys), keys

	id := holdKey{key: h.key, owner: owner, lockType: lockType}
	if c.reenter(h, id, start) {
		return h, nil
	}

	if c.isClosed() {
		return h, c.failed(h, errors.New("coordinator closed"), time.Since(start))
	}

	deadline := start.Add(req.WaitTime)
	leave, err := c.enter(ctx, id, deadline, req.WaitTime >= 0)
	if err != nil {
		return h, c.failed(h, err, time.Since(start))
	}
	defer leave()

	// Another Lock of the same owner may have been granted while we queued.
	if c.reenter(h, id, start) {
		return h, nil
	}

	ex, err := c.newExclusion(c.backend, lockType, keys, owner, req.LeaseTime, false)
	if err != nil {
		return h, c.failed(h, err, time.Since(start))
	}

	ex, fallback, err := c.acquire(ctx, req, h, ex, keys, deadline)
	if err != nil {
		return h, c.failed(h, err, time.Since(start))
	}

	hd := c.register(id, ex, req, fallback)
	h.attach(hd, ex.backendName(), time.Now(), time.Since(start))

	log := c.tel.Logger()
	if fallback {
		c.tel.RecordFallback(ctx, lockType)
		log.Info("lock acquired by local fallback, no cross-process exclusion",
			"level", "warn", "lockID", h.key, "owner", owner)
		c.events.emit(c.lockEvent(EventFallback, h))
	} else {
		log.V(1).Info("lock acquired", "lockID", h.key, "owner", owner, "type", lockType, "wait", h.WaitDuration())
		c.events.emit(c.lockEvent(EventAcquired, h))
	}

	return h, nil
}

// TryLock is Lock with a single attempt.
func (c *Coordinator) TryLock(ctx context.Context, req LockRequest) (*LockHandle, error) {
	req.WaitTime = 0
	return c.Lock(ctx, req)
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// reenter joins a live hold of id. The lookup and the count change happen
// under c.mu, the same lock Unlock takes to drop the last count, so a hold
// is never joined after its release has begun.
func (c *Coordinator) reenter(h *LockHandle, id holdKey, start time.Time) bool {
	c.mu.Lock()
	hd, ok := c.holds[id]
	if ok {
		hd.mu.Lock()
		ok = hd.status.Held() && hd.count > 0
		if ok {
			hd.count++
		}
		hd.mu.Unlock()
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	h.attach(hd, hd.ex.backendName(), time.Now(), time.Since(start))
	c.tel.Logger().V(1).Info("lock reentered", "lockID", h.key, "owner", h.owner, "count", h.ReentrantCount())
	c.events.emit(c.lockEvent(EventAcquired, h))

	return true
}

// gate serializes the backend grant and the backend release of one hold key,
// so a release in flight cannot remove a grant that was just made for the
// same owner.
type gate struct {
	ch   chan struct{}
	refs int
}

// enter waits for the gate of id. When bounded it gives up at deadline with
// ErrLockTimeout. The returned func leaves the gate.
func (c *Coordinator) enter(ctx context.Context, id holdKey, deadline time.Time, bounded bool) (func(), error) {
	c.mu.Lock()
	g, ok := c.gates[id]
	if !ok {
		g = &gate{ch: make(chan struct{}, 1)}
		c.gates[id] = g
	}
	g.refs++
	c.mu.Unlock()

	unref := func() {
		c.mu.Lock()
		g.refs--
		if g.refs == 0 {
			delete(c.gates, id)
		}
		c.mu.Unlock()
	}
	leave := func() {
		<-g.ch
		unref()
	}

	select {
	case g.ch <- struct{}{}:
		return leave, nil
	default:
	}

	var expired <-chan time.Time
	if bounded {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		expired = t.C
	}

	select {
	case g.ch <- struct{}{}:
		return leave, nil
	case <-ctx.Done():
		unref()
		return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
	case <-expired:
		unref()
		return nil, ErrLockTimeout
	}
}

// register records a granted lock. A concurrent grant to the same owner
// joins the existing hold instead of starting a second watchdog.
func (c *Coordinator) register(id holdKey, ex exclusion, req LockRequest, fallback bool) *hold {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hd, ok := c.holds[id]; ok {
		hd.mu.Lock()
		live := !hd.status.Terminal()
		if live {
			hd.count++
		}
		hd.mu.Unlock()
		if live {
			return hd
		}
	}

	hd := &hold{
		id:       id,
		ex:       ex,
		lease:    req.LeaseTime,
		business: req.Business,
		fallback: fallback,
		acquired: time.Now(),
		count:    1,
	}
	hd.status = hd.heldStatus()
	c.holds[id] = hd

	if req.AutoRenew && req.LeaseTime > 0 && !c.closed {
		c.startWatchdog(hd, req)
	}

	return hd
}

// acquire runs the retry loop. It returns the exclusion that was granted,
// which is a local one when the attempt fell back.
func (c *Coordinator) acquire(ctx context.Context, req LockRequest, h *LockHandle, ex exclusion, keys []string, deadline time.Time) (exclusion, bool, error) {
	bounded := req.WaitTime >= 0
	fallback := false
	log := c.tel.Logger()

	var lastErr error
	for attempt := 1; ; attempt++ {
		ok, cut, err := c.attempt(ctx, req, ex, deadline)
		if err == nil && ok {
			return ex, fallback, nil
		}
		if cut {
			if ctx.Err() != nil {
				ex.abandon(ctx)
				return nil, false, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
			}

			log.V(1).Info("lock attempt cut at wait deadline", "lockID", h.key, "attempt", attempt)
			lastErr = nil
			break
		}

		lastErr = err
		if err != nil {
			if errors.Is(err, ErrConfiguration) {
				return nil, false, err
			}

			if !fallback && c.cfg.EnableFallback && errors.Is(err, ErrBackendUnavailable) {
				local, lerr := c.newExclusion(c.local, h.lockType, keys, h.owner, req.LeaseTime, true)
				if lerr == nil {
					log.Error(err, "backend unavailable, switching to local lock", "lockID", h.key)
					ex, fallback = local, true
					continue
				}
			}

			log.V(1).Info("lock attempt failed", "lockID", h.key, "attempt", attempt, "error", err.Error())
		} else {
			log.V(1).Info("lock is held, retrying", "lockID", h.key, "attempt", attempt)
		}

		if bounded && !time.Now().Before(deadline) {
			break
		}

		if err := c.pause(ctx, attempt, h.lockType, deadline, bounded); err != nil {
			ex.abandon(ctx)
			return nil, false, fmt.Errorf("%w: %w", ErrLockTimeout, err)
		}
	}

	ex.abandon(ctx)

	if c.cfg.EnableFallback && !fallback {
		local, err := c.newExclusion(c.local, h.lockType, keys, h.owner, req.LeaseTime, true)
		if err == nil {
			if ok, _ := local.tryAcquire(ctx); ok {
				return local, true, nil
			}
		}
	}

	if lastErr != nil {
		return nil, false, Unavailable(lastErr)
	}

	return nil, false, ErrLockTimeout
}

// attempt makes one acquisition. A positive wait bounds the store call by the
// wait deadline; cut reports that the call ran into it. The grant of a cut
// call may still have landed, so it is released.
func (c *Coordinator) attempt(ctx context.Context, req LockRequest, ex exclusion, deadline time.Time) (ok, cut bool, err error) {
	if req.WaitTime <= 0 {
		ok, err = ex.tryAcquire(ctx)
		return ok, err != nil && ctx.Err() != nil, err
	}

	actx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ok, err = ex.tryAcquire(actx)
	if err == nil || actx.Err() == nil {
		return ok, false, err
	}

	if _, rerr := ex.release(context.WithoutCancel(ctx)); rerr != nil {
		c.tel.Logger().V(1).Info("failed to clean up a timed out attempt", "error", rerr.Error())
	}

	return false, true, err
}

// pause waits before the next attempt: linear backoff capped by
// MaxRetryInterval and by the deadline. SPIN only yields.
func (c *Coordinator) pause(ctx context.Context, attempt int, lockType LockType, deadline time.Time, bounded bool) error {
	if lockType == LockSpin {
		runtime.Gosched()
		return ctx.Err()
	}

	d := c.cfg.RetryInterval * time.Duration(attempt)
	if c.cfg.MaxRetryInterval > 0 && d > c.cfg.MaxRetryInterval {
		d = c.cfg.MaxRetryInterval
	}
	if bounded {
		if rem := time.Until(deadline); rem < d {
			d = rem
		}
	}
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Coordinator) failed(h *LockHandle, err error, elapsed time.Duration) error {
	lerr := &LockError{Op: ActionAcquire, Key: h.key, Owner: h.owner, Elapsed: elapsed, Err: err}
	h.fail(lerr, elapsed)
	c.tel.Logger().Error(err, "failed to acquire lock", "lockID", h.key, "owner", h.owner, "elapsed", elapsed)
	c.events.emit(c.lockEvent(EventFailed, h))

	return lerr
}

// Unlock releases one acquisition. The backend lock is only released when
// the last reentrant acquisition is, after its watchdog has stopped.
//
// Unlocking a handle that is not live returns ErrLockIsNotHeld unless
// IdempotentRelease is set. ErrLeaseExpired means the lease lapsed while held
// and mutual exclusion may have been violated.
func (c *Coordinator) Unlock(ctx context.Context, h *LockHandle) error {
	if h == nil {
		return &LockError{Op: ActionRelease, Err: ErrLockIsNotHeld}
	}

	hd := h.live()
	if hd == nil {
		return c.notHeld(ActionRelease, h)
	}

	// An expired hold has nothing left to release in the backend, so it does
	// not wait behind a new grant of the same key.
	if hd.state() != StatusExpired {
		leave, err := c.enter(ctx, hd.id, time.Time{}, false)
		if err != nil {
			return &LockError{Op: ActionRelease, Key: h.key, Owner: h.owner, Err: err}
		}
		defer leave()
	}

	if _, ok := h.detach(StatusReleased, nil); !ok {
		return c.notHeld(ActionRelease, h)
	}

	c.mu.Lock()
	hd.mu.Lock()
	hd.count--
	last := hd.count <= 0
	expired := hd.status == StatusExpired
	if last && c.holds[hd.id] == hd {
		delete(c.holds, hd.id)
	}
	hd.mu.Unlock()
	c.mu.Unlock()

	if !last {
		c.events.emit(c.lockEvent(EventReleased, h))
		return nil
	}

	hd.stopWatchdog()
	if hd.state() == StatusExpired {
		expired = true
	}
	hd.setState(StatusReleased)

	if expired {
		return c.expiredOnRelease(ctx, h, hd, false)
	}

	ok, err := hd.ex.release(ctx)
	if err != nil {
		lerr := &LockError{Op: ActionRelease, Key: h.key, Owner: h.owner, Err: Unavailable(err)}
		h.setEnd(StatusReleased, lerr)
		c.tel.Logger().Error(err, "failed to release lock", "lockID", h.key, "owner", h.owner)

		return lerr
	}
	if !ok {
		return c.expiredOnRelease(ctx, h, hd, true)
	}

	c.tel.RecordHold(ctx, hd.ex.backendName(), h.lockType, time.Since(hd.acquired))
	c.tel.Logger().V(1).Info("lock released", "lockID", h.key, "owner", h.owner, "hold", h.HoldDuration())
	c.events.emit(c.lockEvent(EventReleased, h))

	return nil
}

// expiredOnRelease reports a lease found gone at release time. The watchdog
// already emitted EXPIRED when it noticed first.
func (c *Coordinator) expiredOnRelease(ctx context.Context, h *LockHandle, hd *hold, notify bool) error {
	lerr := &LockError{Op: ActionRelease, Key: h.key, Owner: h.owner, Err: ErrLeaseExpired}
	h.setEnd(StatusExpired, lerr)
	if notify {
		c.tel.RecordExpired(ctx, hd.ex.backendName())
		c.tel.Logger().Error(ErrLeaseExpired, "lock lease lapsed before release", "lockID", h.key, "owner", h.owner)
		c.events.emit(c.lockEvent(EventExpired, h))
	}

	return lerr
}

func (c *Coordinator) notHeld(op string, h *LockHandle) error {
	if op == ActionRelease && c.cfg.IdempotentRelease {
		return nil
	}

	return &LockError{Op: op, Key: h.key, Owner: h.owner, Err: ErrLockIsNotHeld}
}

// Renew extends the lease of a live handle by lease, or by the lease it was
// taken with when lease is not positive. It is the manual counterpart of the
// watchdog, which keeps renewing with the original lease.
//
// A handle that is not live gets ErrLockIsNotHeld. ErrLeaseExpired means the
// backend no longer holds the lock for this owner; the handle is then EXPIRED.
func (c *Coordinator) Renew(ctx context.Context, h *LockHandle, lease time.Duration) error {
	if h == nil {
		return &LockError{Op: ActionRenew, Err: ErrLockIsNotHeld}
	}

	hd := h.live()
	if hd == nil {
		return c.notHeld(ActionRenew, h)
	}
	if hd.state() == StatusExpired {
		return &LockError{Op: ActionRenew, Key: h.key, Owner: h.owner, Err: ErrLeaseExpired}
	}
	if lease <= 0 {
		lease = hd.lease
	}

	ok, err := hd.ex.renew(ctx, lease)
	if err != nil {
		c.tel.Logger().Error(err, "failed to renew lock", "lockID", h.key, "owner", h.owner)
		return &LockError{Op: ActionRenew, Key: h.key, Owner: h.owner, Err: Unavailable(err)}
	}
	if !ok {
		hd.stopWatchdog()
		c.expire(hd, h.business, ErrLeaseExpired)
		return &LockError{Op: ActionRenew, Key: h.key, Owner: h.owner, Err: ErrLeaseExpired}
	}

	c.tel.Logger().V(1).Info("lock lease renewed", "lockID", h.key, "owner", h.owner, "lease", lease)
	c.events.emit(c.lockEvent(EventRenewed, h))

	return nil
}
