package gcoord

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

type ownerKey struct{}

type traceIDKey struct{}

// ContextWithOwner returns a context whose lock requests default to owner.
// Locks taken with the same owner are reentrant.
func ContextWithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner set by ContextWithOwner.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// ContextWithTraceID sets the trace id recorded on handles and events.
func ContextWithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// traceIDFrom prefers an explicit trace id, then the active span, then a new uuid.
func traceIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok && id != "" {
		return id
	}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}

	return uuid.NewString()
}

// LockHandle is the runtime record of one acquisition attempt. It is owned by
// the caller that received it from Coordinator.Lock and must not be shared
// across attempts. All accessors are safe for concurrent use.
type LockHandle struct {
	key      string
	keys     []string
	lockType LockType
	owner    string
	business string
	traceID  string
	lease    time.Duration

	mu          sync.Mutex
	status      LockStatus
	backend     string
	acquireTime time.Time
	releaseTime time.Time
	wait        time.Duration
	err         error
	hold        *hold
}

// Key returns the physical key. MULTI handles join their keys with ",".
func (h *LockHandle) Key() string { return h.key }

// Keys returns the physical keys of a MULTI handle, or the single key.
func (h *LockHandle) Keys() []string { return append([]string(nil), h.keys...) }

func (h *LockHandle) Type() LockType       { return h.lockType }
func (h *LockHandle) Owner() string        { return h.owner }
func (h *LockHandle) Business() string     { return h.business }
func (h *LockHandle) TraceID() string      { return h.traceID }
func (h *LockHandle) Lease() time.Duration { return h.lease }

// Status returns the current state. While the lock is held it follows the
// shared hold, so watchdog transitions are visible on every handle.
func (h *LockHandle) Status() LockStatus {
	h.mu.Lock()
	status, hd := h.status, h.hold
	h.mu.Unlock()

	if hd != nil && !status.Terminal() {
		return hd.state()
	}

	return status
}

// Backend names the backend that granted the lock.
func (h *LockHandle) Backend() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.backend
}

// Fallback reports whether the lock is held by the local fallback only and
// therefore gives no cross-process exclusion.
func (h *LockHandle) Fallback() bool {
	h.mu.Lock()
	hd := h.hold
	h.mu.Unlock()

	return hd != nil && hd.fallback
}

// ReentrantCount returns the number of live acquisitions of the same lock by
// the same owner, or 0 once this handle is released.
func (h *LockHandle) ReentrantCount() int {
	h.mu.Lock()
	status, hd := h.status, h.hold
	h.mu.Unlock()

	if hd == nil || status.Terminal() {
		return 0
	}

	return hd.reentrant()
}

func (h *LockHandle) AcquireTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.acquireTime
}

func (h *LockHandle) ReleaseTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.releaseTime
}

// WaitDuration is the time spent acquiring.
func (h *LockHandle) WaitDuration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.wait
}

// HoldDuration is the time between acquisition and release, or until now
// while still held.
func (h *LockHandle) HoldDuration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.acquireTime.IsZero():
		return 0
	case h.releaseTime.IsZero():
		return time.Since(h.acquireTime)
	default:
		return h.releaseTime.Sub(h.acquireTime)
	}
}

// Err returns the error that ended the attempt, if any.
func (h *LockHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.err
}

func (h *LockHandle) attach(hd *hold, backend string, at time.Time, wait time.Duration) {
	h.mu.Lock()
	h.hold = hd
	h.backend = backend
	h.acquireTime = at
	h.wait = wait
	h.status = StatusAcquired
	h.mu.Unlock()
}

func (h *LockHandle) fail(err error, wait time.Duration) {
	h.mu.Lock()
	h.status = StatusFailed
	h.err = err
	h.wait = wait
	h.mu.Unlock()
}

// live returns the hold of a handle that has not ended.
func (h *LockHandle) live() *hold {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hold == nil || h.status.Terminal() {
		return nil
	}

	return h.hold
}

// detach ends the handle and returns its hold. ok is false when the handle
// was not live.
func (h *LockHandle) detach(status LockStatus, err error) (hd *hold, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hold == nil || h.status.Terminal() {
		return h.hold, false
	}

	h.status = status
	h.err = err
	h.releaseTime = time.Now()

	return h.hold, true
}

func (h *LockHandle) setEnd(status LockStatus, err error) {
	h.mu.Lock()
	h.status = status
	h.err = err
	h.mu.Unlock()
}
