package hazelcastlock

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hazelcast/hazelcast-go-client/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/gcoord"
	"github.com/companyinfo/gcoord/backendtest"
)

type entry struct {
	value   interface{}
	ttl     time.Duration
	updated time.Time
}

func (e entry) expires() time.Time {
	return e.updated.Add(e.ttl)
}

// memMap is an IMap that evicts entries against a manual clock the way a
// cluster evicts them by TTL.
type memMap struct {
	mu      sync.Mutex
	clock   *gcoord.ManualClock
	entries map[interface{}]entry
	locks   map[interface{}]int
	locked  int
	err     error
	// afterGet runs once, inside the next Get.
	afterGet func()
}

func newMemMap(clock *gcoord.ManualClock) *memMap {
	return &memMap{clock: clock, entries: map[interface{}]entry{}, locks: map[interface{}]int{}}
}

func (m *memMap) NewLockContext(ctx context.Context) context.Context {
	return ctx
}

func (m *memMap) LockWithLease(_ context.Context, key interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.locks[key]++
	m.locked++

	return nil
}

func (m *memMap) Unlock(_ context.Context, key interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.locks[key]--
	if m.locks[key] == 0 {
		delete(m.locks, key)
	}

	return nil
}

func (m *memMap) live(key interface{}) (entry, bool) {
	e, ok := m.entries[key]
	if ok && e.ttl > 0 && !m.clock.Now().Before(e.expires()) {
		delete(m.entries, key)
		return entry{}, false
	}

	return e, ok
}

func (m *memMap) Get(_ context.Context, key interface{}) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hook := m.afterGet; hook != nil {
		m.afterGet = nil
		defer hook()
	}
	e, _ := m.live(key)
	return e.value, m.err
}

func (m *memMap) PutIfAbsent(ctx context.Context, key, value interface{}) (interface{}, error) {
	return m.PutIfAbsentWithTTL(ctx, key, value, 0)
}

func (m *memMap) PutIfAbsentWithTTL(_ context.Context, key, value interface{}, ttl time.Duration) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	if e, ok := m.live(key); ok {
		return e.value, nil
	}
	m.entries[key] = entry{value: value, ttl: ttl, updated: m.clock.Now()}

	return nil, nil
}

func (m *memMap) SetTTL(_ context.Context, key interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.live(key); ok {
		e.ttl, e.updated = ttl, m.clock.Now()
		m.entries[key] = e
	}

	return m.err
}

func (m *memMap) RemoveIfSame(_ context.Context, key, value interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok || e.value != value {
		return false, m.err
	}
	delete(m.entries, key)

	return true, m.err
}

func (m *memMap) Remove(_ context.Context, key interface{}) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, _ := m.live(key)
	delete(m.entries, key)

	return e.value, m.err
}

func (m *memMap) GetEntryView(_ context.Context, key interface{}) (*types.SimpleEntryView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return nil, m.err
	}

	view := &types.SimpleEntryView{Key: key, Value: e.value, TTL: math.MaxInt64, ExpirationTime: math.MaxInt64}
	if e.ttl > 0 {
		view.TTL = e.ttl.Milliseconds()
		view.ExpirationTime = e.expires().UnixMilli()
	}

	return view, m.err
}

var epoch = time.UnixMilli(1_700_000_000_000)

func TestBackend(t *testing.T) {
	clock := gcoord.NewManualClock(epoch)
	backendtest.RunBackend(t, NewWithMap(newMemMap(clock), gcoord.WithClock(clock)))
}

func TestLeaseLapses(t *testing.T) {
	clock := gcoord.NewManualClock(epoch)
	h := NewWithMap(newMemMap(clock), gcoord.WithClock(clock))
	ctx := context.Background()

	ok, err := h.Acquire(ctx, "k", "alice", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(time.Second)

	ok, err = h.Renew(ctx, "k", "alice", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.Acquire(ctx, "k", "bob", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRenewHoldsKeyLock(t *testing.T) {
	clock := gcoord.NewManualClock(epoch)
	m := newMemMap(clock)
	h := NewWithMap(m, gcoord.WithClock(clock))
	ctx := context.Background()

	ok, err := h.Acquire(ctx, "k", "alice", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, m.locked, "a fresh acquire needs no key lock")

	ok, err = h.Renew(ctx, "k", "alice", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, m.locked)
	assert.Empty(t, m.locks, "key lock released")

	ttl, err := h.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	ok, err = h.Renew(ctx, "k", "bob", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, m.locks)
}

func TestRenewMissesEntryLapsingMidRenew(t *testing.T) {
	clock := gcoord.NewManualClock(epoch)
	m := newMemMap(clock)
	h := NewWithMap(m, gcoord.WithClock(clock))
	ctx := context.Background()

	ok, err := h.Acquire(ctx, "k", "alice", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The owner check passes, then the entry runs out before SetTTL.
	m.afterGet = func() { clock.Advance(time.Second) }

	ok, err = h.Renew(ctx, "k", "alice", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := h.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, gcoord.TTLAbsent, ttl)

	ok, err = h.Acquire(ctx, "k", "bob", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMapFailureIsUnavailable(t *testing.T) {
	clock := gcoord.NewManualClock(epoch)
	m := newMemMap(clock)
	m.err = errors.New("member left")
	h := NewWithMap(m, gcoord.WithClock(clock))

	_, err := h.Acquire(context.Background(), "k", "alice", time.Second)
	assert.ErrorIs(t, err, gcoord.ErrBackendUnavailable)

	_, err = h.Release(context.Background(), "k", "alice")
	assert.ErrorIs(t, err, gcoord.ErrBackendUnavailable)
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, gcoord.TTLAbsent, remaining(nil, epoch))
	assert.Equal(t, gcoord.TTLNoExpiry, remaining(&types.SimpleEntryView{TTL: math.MaxInt64, ExpirationTime: math.MaxInt64}, epoch))
	assert.Equal(t, 1500*time.Millisecond,
		remaining(&types.SimpleEntryView{TTL: 2000, ExpirationTime: epoch.UnixMilli() + 1500}, epoch))
	assert.Equal(t, gcoord.TTLAbsent,
		remaining(&types.SimpleEntryView{TTL: 2000, ExpirationTime: epoch.UnixMilli()}, epoch))
}
