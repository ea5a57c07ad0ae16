package gcoord

import (
	"context"
	"sync"
	"time"
)

// LocalBackend is an in-process Backend. It is the fallback lock used when the
// shared store is unreachable and a deterministic backend for tests. It offers
// no exclusion across processes.
type LocalBackend struct {
	mu    sync.Mutex
	clock Clock
	stale time.Duration
	locks map[string]localEntry
	rw    map[string]*localShared
	fair  map[string][]fairWaiter

	limits localLimits
}

type localEntry struct {
	owner   string
	expires time.Time // zero: no expiry
}

type localShared struct {
	mode    LockMode
	owners  map[string]int
	expires time.Time
}

type fairWaiter struct {
	owner string
	seen  time.Time
}

// NewLocalBackend creates a new instance of LocalBackend.
func NewLocalBackend(opts ...OptionFunc) *LocalBackend {
	cfg := NewConfig(opts...)
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}

	return &LocalBackend{
		clock:  clock,
		stale:  cfg.FairStaleAfter,
		locks:  make(map[string]localEntry),
		rw:     make(map[string]*localShared),
		fair:   make(map[string][]fairWaiter),
		limits: newLocalLimits(),
	}
}

// Name returns BackendLocal.
func (l *LocalBackend) Name() string {
	return BackendLocal
}

func expiry(now time.Time, lease time.Duration) time.Time {
	if lease <= 0 {
		return time.Time{}
	}

	return now.Add(lease)
}

func live(now, expires time.Time) bool {
	return expires.IsZero() || now.Before(expires)
}

// entry returns the live holder of key, dropping it when expired. Callers hold l.mu.
func (l *LocalBackend) entry(now time.Time, key string) (localEntry, bool) {
	e, ok := l.locks[key]
	if ok && !live(now, e.expires) {
		delete(l.locks, key)
		return localEntry{}, false
	}

	return e, ok
}

// Acquire simulates acquiring a lock.
func (l *LocalBackend) Acquire(_ context.Context, key, owner string, lease time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if e, ok := l.entry(now, key); ok && e.owner != owner {
		return false, nil
	}

	l.locks[key] = localEntry{owner: owner, expires: expiry(now, lease)}

	return true, nil
}

// Renew extends the lease of key while owner holds it.
func (l *LocalBackend) Renew(_ context.Context, key, owner string, lease time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	e, ok := l.entry(now, key)
	if !ok || e.owner != owner {
		return false, nil
	}

	e.expires = expiry(now, lease)
	l.locks[key] = e

	return true, nil
}

// Release deletes key if owner holds it.
func (l *LocalBackend) Release(_ context.Context, key, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entry(l.clock.Now(), key)
	if !ok || e.owner != owner {
		return false, nil
	}

	delete(l.locks, key)

	return true, nil
}

// ForceRelease drops every lock stored under key.
func (l *LocalBackend) ForceRelease(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	_, held := l.entry(now, key)
	_, shared := l.shared(now, key)
	delete(l.locks, key)
	delete(l.rw, key)

	return held || shared, nil
}

// TTL returns the remaining lease of key.
func (l *LocalBackend) TTL(_ context.Context, key string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	expires := time.Time{}
	if e, ok := l.entry(now, key); ok {
		expires = e.expires
	} else if s, ok := l.shared(now, key); ok {
		expires = s.expires
	} else {
		return TTLAbsent, nil
	}

	if expires.IsZero() {
		return TTLNoExpiry, nil
	}

	return expires.Sub(now), nil
}

func (l *LocalBackend) shared(now time.Time, key string) (*localShared, bool) {
	s, ok := l.rw[key]
	if ok && (!live(now, s.expires) || len(s.owners) == 0) {
		delete(l.rw, key)
		return nil, false
	}

	return s, ok
}

// AcquireShared takes the read or write side of key. Readers share the lock;
// a writer needs the key free or already written by itself.
func (l *LocalBackend) AcquireShared(_ context.Context, key, owner string, mode LockMode, lease time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	s, ok := l.shared(now, key)
	if !ok {
		l.rw[key] = &localShared{mode: mode, owners: map[string]int{owner: 1}, expires: expiry(now, lease)}
		return true, nil
	}

	if mode != s.mode {
		return false, nil
	}

	if mode == ModeWrite {
		if _, mine := s.owners[owner]; !mine {
			return false, nil
		}
	}

	s.owners[owner]++
	if exp := expiry(now, lease); exp.IsZero() || (!s.expires.IsZero() && exp.After(s.expires)) {
		s.expires = exp
	}

	return true, nil
}

// RenewShared extends the shared lease while owner is one of its holders.
func (l *LocalBackend) RenewShared(_ context.Context, key, owner string, mode LockMode, lease time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	s, ok := l.shared(now, key)
	if !ok || s.mode != mode {
		return false, nil
	}
	if _, mine := s.owners[owner]; !mine {
		return false, nil
	}

	if exp := expiry(now, lease); exp.IsZero() || (!s.expires.IsZero() && exp.After(s.expires)) {
		s.expires = exp
	}

	return true, nil
}

// ReleaseShared drops owner from the holders of key.
func (l *LocalBackend) ReleaseShared(_ context.Context, key, owner string, mode LockMode) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.shared(l.clock.Now(), key)
	if !ok || s.mode != mode {
		return false, nil
	}
	if _, mine := s.owners[owner]; !mine {
		return false, nil
	}

	delete(s.owners, owner)
	if len(s.owners) == 0 {
		delete(l.rw, key)
	}

	return true, nil
}

// AcquireFair queues owner behind earlier waiters and hands key to the head
// of the queue once it is free.
func (l *LocalBackend) AcquireFair(_ context.Context, key, owner string, lease time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if e, ok := l.entry(now, key); ok && e.owner == owner {
		l.locks[key] = localEntry{owner: owner, expires: expiry(now, lease)}
		return true, nil
	}

	queue := l.fair[key][:0]
	found := false
	for _, w := range l.fair[key] {
		if w.owner == owner {
			w.seen = now
			found = true
		} else if l.stale > 0 && now.Sub(w.seen) > l.stale {
			continue
		}
		queue = append(queue, w)
	}
	if !found {
		queue = append(queue, fairWaiter{owner: owner, seen: now})
	}
	l.fair[key] = queue

	if _, held := l.entry(now, key); held || queue[0].owner != owner {
		return false, nil
	}

	l.locks[key] = localEntry{owner: owner, expires: expiry(now, lease)}
	if len(queue) == 1 {
		delete(l.fair, key)
	} else {
		l.fair[key] = queue[1:]
	}

	return true, nil
}

// CancelFair removes owner from the wait queue of key.
func (l *LocalBackend) CancelFair(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	queue := l.fair[key][:0]
	for _, w := range l.fair[key] {
		if w.owner != owner {
			queue = append(queue, w)
		}
	}
	if len(queue) == 0 {
		delete(l.fair, key)
	} else {
		l.fair[key] = queue
	}

	return nil
}
