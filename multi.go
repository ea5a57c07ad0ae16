package gcoord

import (
	"context"
	"errors"
	"time"
)

// multi holds every key or none. Keys are sorted so concurrent MULTI
// requests always contend in the same order.
type multi struct {
	b     Backend
	keys  []string
	owner string
	lease time.Duration
}

func (m *multi) backendName() string { return m.b.Name() }

func (m *multi) tryAcquire(ctx context.Context) (bool, error) {
	for i, key := range m.keys {
		ok, err := m.b.Acquire(ctx, key, m.owner, m.lease)
		if err != nil || !ok {
			m.rollback(ctx, m.keys[:i])
			return false, err
		}
	}

	return true, nil
}

// rollback releases the acquired prefix in reverse order. It ignores ctx
// cancellation so a cancelled attempt never leaves keys behind.
func (m *multi) rollback(ctx context.Context, acquired []string) {
	ctx = context.WithoutCancel(ctx)
	for i := len(acquired) - 1; i >= 0; i-- {
		_, _ = m.b.Release(ctx, acquired[i], m.owner)
	}
}

func (m *multi) renew(ctx context.Context, lease time.Duration) (bool, error) {
	held := true
	var errs []error
	for _, key := range m.keys {
		ok, err := m.b.Renew(ctx, key, m.owner, lease)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		held = held && ok
	}

	if !held {
		return false, nil
	}

	return true, errors.Join(errs...)
}

func (m *multi) release(ctx context.Context) (bool, error) {
	held := true
	var errs []error
	for i := len(m.keys) - 1; i >= 0; i-- {
		ok, err := m.b.Release(ctx, m.keys[i], m.owner)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		held = held && ok
	}

	return held, errors.Join(errs...)
}

func (m *multi) abandon(context.Context) {}
