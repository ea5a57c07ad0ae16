package gcoord

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockIsHeld lock is already held by another process.
	ErrLockIsHeld = errors.New("lock is already held by another process")
	// ErrLockIsNotHeld lock was not held by the caller or already released.
	ErrLockIsNotHeld = errors.New("lock was not held or already released")
	// ErrLockTimeout lock acquisition timed out.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrBackendUnavailable the coordination store could not be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrConfiguration key material, expression or rule is invalid. Never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrLeaseExpired the lease lapsed before it was renewed or released.
	ErrLeaseExpired = errors.New("lease expired")
	// ErrRateLimited request was rejected by a rate limit rule.
	ErrRateLimited = errors.New("rate limited")
)

// LockError carries the diagnostics of a failed lock operation. It unwraps to
// one of the sentinel errors above.
type LockError struct {
	Op      string
	Key     string
	Owner   string
	Elapsed time.Duration
	Err     error
}

func (e *LockError) Error() string {
	if e.Elapsed > 0 {
		return fmt.Sprintf("%s %s (owner %s, after %s): %v", e.Op, e.Key, e.Owner, e.Elapsed, e.Err)
	}

	return fmt.Sprintf("%s %s (owner %s): %v", e.Op, e.Key, e.Owner, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// Unavailable marks err as a store failure. Backends wrap every network or
// driver error with it so callers never mistake a failure for "not held".
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrBackendUnavailable) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

// RateLimitError is returned by guards when a request is rejected.
type RateLimitError struct {
	Result RateLimitResult
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by rule %s on %s, retry after %dms", e.Result.Rule, e.Result.Key, e.Result.RetryAfterMs)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
