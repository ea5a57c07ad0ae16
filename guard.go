package gcoord

import (
	"context"
	"errors"
)

// WithLock runs fn while holding the lock described by req. fn receives a
// context carrying the lock owner, so nested WithLock calls on the same key
// reenter instead of deadlocking. Errors of fn and of the release are joined.
func (c *Coordinator) WithLock(ctx context.Context, req LockRequest, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, c, req, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// Execute runs fn under the lock described by req and returns its result.
// The lock is released however fn returns, a panic included; the panic then
// carries on after the release.
func Execute[T any](ctx context.Context, c *Coordinator, req LockRequest, fn func(ctx context.Context) (T, error)) (v T, err error) {
	h, err := c.Lock(ctx, req)
	if err != nil {
		return v, err
	}

	defer func() {
		if unlockErr := c.Unlock(context.WithoutCancel(ctx), h); unlockErr != nil {
			err = errors.Join(err, unlockErr)
		}
	}()

	return fn(ContextWithOwner(ctx, h.Owner()))
}

// Guard runs fn if rule admits key. A rejection returns a *RateLimitError
// without calling fn.
func (l *Limiter) Guard(ctx context.Context, rule RateLimitRule, key string, fn func(ctx context.Context) error) error {
	res, err := l.Check(ctx, rule, key)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &RateLimitError{Result: res}
	}

	return fn(ctx)
}

// Protect applies admission control first and then runs fn under a lock,
// the way a request handler guards a critical operation.
func Protect(
	ctx context.Context,
	l *Limiter, rule RateLimitRule, limitKey string,
	c *Coordinator, req LockRequest,
	fn func(ctx context.Context) error) error {
	return l.Guard(ctx, rule, limitKey, func(ctx context.Context) error {
		return c.WithLock(ctx, req, fn)
	})
}
