package gcoord

import (
	"context"
	"sync"
	"time"
)

// watchdog renews one hold until stopped. stop cancels the renewal loop and
// waits for it, so no renewal can land after the caller moves on.
type watchdog struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (w *watchdog) stop() {
	w.once.Do(w.cancel)
	<-w.done
}

func (hd *hold) stopWatchdog() {
	hd.mu.Lock()
	dog := hd.dog
	hd.mu.Unlock()

	if dog != nil {
		dog.stop()
	}
}

// renewInterval is lease/3 unless configured.
func (c *Coordinator) renewInterval(lease time.Duration) time.Duration {
	if c.cfg.RenewInterval > 0 {
		return c.cfg.RenewInterval
	}

	interval := lease / 3
	if interval <= 0 {
		interval = lease
	}

	return interval
}

// startWatchdog must be called with c.mu held.
func (c *Coordinator) startWatchdog(hd *hold, req LockRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	dog := &watchdog{cancel: cancel, done: make(chan struct{})}
	hd.mu.Lock()
	hd.dog = dog
	hd.mu.Unlock()

	go func() {
		defer close(dog.done)
		c.watch(ctx, hd, req, c.renewInterval(req.LeaseTime))
	}()
}

func (c *Coordinator) watch(ctx context.Context, hd *hold, req LockRequest, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := c.tel.Logger().WithValues("lockID", hd.id.key, "owner", hd.id.owner)
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !hd.fallback {
			hd.setState(StatusRenewing)
		}

		start := time.Now()
		rctx, span := c.tel.RecordStart(ctx, hd.ex.backendName(), ActionRenew, hd.id.key)
		ok, err := hd.ex.renew(rctx, req.LeaseTime)
		if ctx.Err() != nil {
			span.End()
			hd.setState(hd.heldStatus())
			return
		}

		switch {
		case err != nil:
			_ = c.tel.HandleError(rctx, span, err, hd.ex.backendName(), ActionRenew, "failed to renew lock", hd.id.key)
			span.End()
			failures++
			if failures >= 2 {
				c.expire(hd, req.Business, err)
				return
			}
			hd.setState(hd.heldStatus())
		case !ok:
			c.tel.RecordMiss(rctx, span, hd.ex.backendName(), ActionRenew, hd.id.key)
			span.End()
			c.expire(hd, req.Business, ErrLeaseExpired)
			return
		default:
			c.tel.RecordSuccess(rctx, span, start, hd.ex.backendName(), ActionRenewedSuccessfully, hd.id.key)
			span.End()
			failures = 0
			hd.setState(hd.heldStatus())
			log.V(1).Info("lock lease renewed", "lease", req.LeaseTime)
			c.events.emit(Event{
				Type:           EventRenewed,
				Key:            hd.id.key,
				LockType:       hd.id.lockType,
				Owner:          hd.id.owner,
				Backend:        hd.ex.backendName(),
				Business:       req.Business,
				HoldDuration:   time.Since(hd.acquired),
				ReentrantCount: hd.reentrant(),
			})
		}
	}
}

func (c *Coordinator) expire(hd *hold, business string, cause error) {
	hd.setState(StatusExpired)
	c.tel.RecordExpired(context.Background(), hd.ex.backendName())
	c.tel.Logger().Error(cause, "lock lease expired while held", "lockID", hd.id.key, "owner", hd.id.owner)
	c.events.emit(Event{
		Type:         EventExpired,
		Key:          hd.id.key,
		LockType:     hd.id.lockType,
		Owner:        hd.id.owner,
		Backend:      hd.ex.backendName(),
		Business:     business,
		HoldDuration: time.Since(hd.acquired),
		Err:          cause,
	})
}
