package gcoord

import (
	"context"
	"errors"
	"sync"
	"time"
)

// redLock needs a strict majority of independent nodes. The lease is only
// valid if the majority was reached with time to spare after clock drift.
type redLock struct {
	nodes []Backend
	key   string
	owner string
	lease time.Duration
	drift float64
}

func (r *redLock) backendName() string { return "red" }

func (r *redLock) quorum() int {
	return len(r.nodes)/2 + 1
}

type nodeResult struct {
	ok  bool
	err error
}

func (r *redLock) fanOut(ctx context.Context, op func(context.Context, Backend) (bool, error)) (int, []error) {
	results := make([]nodeResult, len(r.nodes))
	var wg sync.WaitGroup
	for i, node := range r.nodes {
		wg.Add(1)
		go func(i int, node Backend) {
			defer wg.Done()
			ok, err := op(ctx, node)
			results[i] = nodeResult{ok: ok, err: err}
		}(i, node)
	}
	wg.Wait()

	granted := 0
	var errs []error
	for _, res := range results {
		switch {
		case res.err != nil:
			errs = append(errs, res.err)
		case res.ok:
			granted++
		}
	}

	return granted, errs
}

// outcome turns a fan-out into a result. The attempt is unavailable, not
// contended, when failed nodes alone keep the quorum out of reach.
func (r *redLock) outcome(granted int, errs []error) (bool, error) {
	if granted >= r.quorum() {
		return true, nil
	}
	if len(r.nodes)-len(errs) < r.quorum() {
		return false, Unavailable(errors.Join(errs...))
	}

	return false, nil
}

func (r *redLock) tryAcquire(ctx context.Context) (bool, error) {
	start := time.Now()
	granted, errs := r.fanOut(ctx, func(ctx context.Context, b Backend) (bool, error) {
		return b.Acquire(ctx, r.key, r.owner, r.lease)
	})

	ok, err := r.outcome(granted, errs)
	if ok && r.lease > 0 {
		drift := time.Duration(float64(r.lease)*r.drift) + 2*time.Millisecond
		if r.lease-time.Since(start)-drift <= 0 {
			ok = false
		}
	}

	if !ok {
		_, _ = r.release(context.WithoutCancel(ctx))
	}

	return ok, err
}

func (r *redLock) renew(ctx context.Context, lease time.Duration) (bool, error) {
	return r.outcome(r.fanOut(ctx, func(ctx context.Context, b Backend) (bool, error) {
		return b.Renew(ctx, r.key, r.owner, lease)
	}))
}

func (r *redLock) release(ctx context.Context) (bool, error) {
	return r.outcome(r.fanOut(ctx, func(ctx context.Context, b Backend) (bool, error) {
		return b.Release(ctx, r.key, r.owner)
	}))
}

func (r *redLock) abandon(context.Context) {}
