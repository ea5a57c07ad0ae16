package consullock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/gcoord"
	"github.com/companyinfo/gcoord/backendtest"
)

// fakeConsul is an in-memory Consul KV store with sessions. Sessions run on
// the wall clock shifted by offset.
type fakeConsul struct {
	mu       sync.Mutex
	err      error
	index    uint64
	offset   time.Duration
	pairs    map[string]*api.KVPair
	sessions map[string]*fakeSession
}

type fakeSession struct {
	entry   api.SessionEntry
	expires time.Time
}

func newFakeConsul() *fakeConsul {
	return &fakeConsul{
		pairs:    make(map[string]*api.KVPair),
		sessions: make(map[string]*fakeSession),
	}
}

func (f *fakeConsul) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.offset += d
}

// begin locks the store and invalidates expired sessions.
func (f *fakeConsul) begin() error {
	f.mu.Lock()
	if f.err != nil {
		return f.err
	}

	now := time.Now().Add(f.offset)
	for id, s := range f.sessions {
		if !s.expires.IsZero() && !now.Before(s.expires) {
			f.invalidate(id)
		}
	}

	return nil
}

// invalidate drops a session and, with the delete behavior, the keys it holds.
func (f *fakeConsul) invalidate(id string) {
	delete(f.sessions, id)
	for k, p := range f.pairs {
		if p.Session == id {
			delete(f.pairs, k)
		}
	}
}

func (f *fakeConsul) Get(key string, _ *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error) {
	defer f.mu.Unlock()
	if err := f.begin(); err != nil {
		return nil, nil, err
	}

	p, ok := f.pairs[key]
	if !ok {
		return nil, &api.QueryMeta{}, nil
	}
	c := *p

	return &c, &api.QueryMeta{}, nil
}

func (f *fakeConsul) lock(key string, value []byte, session string) bool {
	if _, ok := f.sessions[session]; !ok {
		return false
	}
	p, ok := f.pairs[key]
	if ok && p.Session != "" && p.Session != session {
		return false
	}
	if !ok {
		p = &api.KVPair{Key: key, CreateIndex: f.index + 1}
		f.pairs[key] = p
	}
	f.index++
	if p.Session != session {
		p.LockIndex++
	}
	p.Value = value
	p.Session = session
	p.ModifyIndex = f.index

	return true
}

func (f *fakeConsul) Acquire(p *api.KVPair, _ *api.WriteOptions) (bool, *api.WriteMeta, error) {
	defer f.mu.Unlock()
	if err := f.begin(); err != nil {
		return false, nil, err
	}
	if _, ok := f.sessions[p.Session]; !ok {
		return false, nil, fmt.Errorf("invalid session %q", p.Session)
	}

	return f.lock(p.Key, p.Value, p.Session), &api.WriteMeta{}, nil
}

func (f *fakeConsul) DeleteCAS(p *api.KVPair, _ *api.WriteOptions) (bool, *api.WriteMeta, error) {
	defer f.mu.Unlock()
	if err := f.begin(); err != nil {
		return false, nil, err
	}

	cur, ok := f.pairs[p.Key]
	if !ok || cur.ModifyIndex != p.ModifyIndex {
		return false, &api.WriteMeta{}, nil
	}
	delete(f.pairs, p.Key)
	f.index++

	return true, &api.WriteMeta{}, nil
}

func (f *fakeConsul) Delete(key string, _ *api.WriteOptions) (*api.WriteMeta, error) {
	defer f.mu.Unlock()
	if err := f.begin(); err != nil {
		return nil, err
	}

	delete(f.pairs, key)
	f.index++

	return &api.WriteMeta{}, nil
}

// Txn applies ops to a copy of the store and keeps it only if all succeed.
func (f *fakeConsul) Txn(ops api.KVTxnOps, _ *api.QueryOptions) (bool, *api.KVTxnResponse, *api.QueryMeta, error) {
	defer f.mu.Unlock()
	if err := f.begin(); err != nil {
		return false, nil, nil, err
	}

	saved, index := make(map[string]api.KVPair, len(f.pairs)), f.index
	for k, p := range f.pairs {
		saved[k] = *p
	}
	rollback := func(i int, op *api.KVTxnOp) (bool, *api.KVTxnResponse, *api.QueryMeta, error) {
		f.pairs = make(map[string]*api.KVPair, len(saved))
		for k, p := range saved {
			c := p
			f.pairs[k] = &c
		}
		f.index = index

		return false, &api.KVTxnResponse{Errors: api.TxnErrors{{OpIndex: i, What: fmt.Sprintf("%s %q failed", op.Verb, op.Key)}}}, &api.QueryMeta{}, nil
	}

	for i, op := range ops {
		p, ok := f.pairs[op.Key]
		switch op.Verb {
		case api.KVCheckSession:
			if !ok || p.Session != op.Session {
				return rollback(i, op)
			}
		case api.KVUnlock:
			if !ok || p.Session != op.Session {
				return rollback(i, op)
			}
			f.index++
			p.Session = ""
			p.Value = op.Value
			p.ModifyIndex = f.index
		case api.KVLock:
			if !f.lock(op.Key, op.Value, op.Session) {
				return rollback(i, op)
			}
		default:
			return false, nil, nil, fmt.Errorf("verb %q is not supported", op.Verb)
		}
	}

	return true, &api.KVTxnResponse{}, &api.QueryMeta{}, nil
}

func (f *fakeConsul) Create(se *api.SessionEntry, _ *api.WriteOptions) (string, *api.WriteMeta, error) {
	defer f.mu.Unlock()
	if err := f.begin(); err != nil {
		return "", nil, err
	}

	f.index++
	s := &fakeSession{entry: *se}
	s.entry.ID = fmt.Sprintf("session-%d", f.index)
	s.entry.CreateIndex = f.index
	f.sessions[s.entry.ID] = s
	f.touch(s)

	return s.entry.ID, &api.WriteMeta{}, nil
}

func (f *fakeConsul) touch(s *fakeSession) {
	if s.entry.TTL == "" {
		return
	}
	ttl, _ := time.ParseDuration(s.entry.TTL)
	s.expires = time.Now().Add(f.offset + ttl)
}

func (f *fakeConsul) Renew(id string, _ *api.WriteOptions) (*api.SessionEntry, *api.WriteMeta, error) {
	defer f.mu.Unlock()
	if err := f.begin(); err != nil {
		return nil, nil, err
	}

	s, ok := f.sessions[id]
	if !ok {
		return nil, &api.WriteMeta{}, nil
	}
	f.touch(s)
	entry := s.entry

	return &entry, &api.WriteMeta{}, nil
}

func (f *fakeConsul) Destroy(id string, _ *api.WriteOptions) (*api.WriteMeta, error) {
	defer f.mu.Unlock()
	if err := f.begin(); err != nil {
		return nil, err
	}

	f.invalidate(id)

	return &api.WriteMeta{}, nil
}

func (f *fakeConsul) Info(id string, _ *api.QueryOptions) (*api.SessionEntry, *api.QueryMeta, error) {
	defer f.mu.Unlock()
	if err := f.begin(); err != nil {
		return nil, nil, err
	}

	s, ok := f.sessions[id]
	if !ok {
		return nil, &api.QueryMeta{}, nil
	}
	entry := s.entry

	return &entry, &api.QueryMeta{}, nil
}

func (f *fakeConsul) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.sessions)
}

func newTestLock(f *fakeConsul) *ConsulLock {
	return NewWithKV(f, f)
}

func TestConsulBackend(t *testing.T) {
	backendtest.RunBackend(t, newTestLock(newFakeConsul()))
}

func TestRenewWithNewLeaseMovesSession(t *testing.T) {
	f := newFakeConsul()
	c := newTestLock(f)
	ctx := context.Background()

	ok, err := c.Acquire(ctx, "order:42", "alice", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ttl, err := c.TTL(ctx, "order:42")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)

	ok, err = c.Renew(ctx, "order:42", "alice", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, f.sessionCount())

	ok, err = c.Renew(ctx, "order:42", "alice", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, f.sessionCount(), "the old session is destroyed")

	ttl, err = c.TTL(ctx, "order:42")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, ttl)

	ok, err = c.Acquire(ctx, "order:42", "bob", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMissDestroysSession(t *testing.T) {
	f := newFakeConsul()
	c := newTestLock(f)
	ctx := context.Background()

	ok, err := c.Acquire(ctx, "k", "alice", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Acquire(ctx, "k", "bob", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, f.sessionCount())

	ok, err = c.Release(ctx, "k", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, f.sessionCount())
}

func TestSessionExpiryFreesKey(t *testing.T) {
	f := newFakeConsul()
	c := newTestLock(f)
	ctx := context.Background()

	ok, err := c.Acquire(ctx, "k", "alice", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	f.advance(11 * time.Second)

	ttl, err := c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, gcoord.TTLAbsent, ttl)

	ok, err = c.Renew(ctx, "k", "alice", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Acquire(ctx, "k", "bob", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	f := newFakeConsul()
	f.err = errors.New("Unexpected response code: 500")
	c := newTestLock(f)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "k", "alice", time.Minute)
	assert.ErrorIs(t, err, gcoord.ErrBackendUnavailable)

	_, err = c.Renew(ctx, "k", "alice", time.Minute)
	assert.ErrorIs(t, err, gcoord.ErrBackendUnavailable)

	_, err = c.TTL(ctx, "k")
	assert.ErrorIs(t, err, gcoord.ErrBackendUnavailable)
}

func TestSessionTTL(t *testing.T) {
	assert.Equal(t, "", sessionTTL(0))
	assert.Equal(t, "10s", sessionTTL(time.Second))
	assert.Equal(t, "31s", sessionTTL(30*time.Second+time.Millisecond))
	assert.Equal(t, "86400s", sessionTTL(48*time.Hour))
}

func TestParseSessionTTL(t *testing.T) {
	d, err := parseSessionTTL("")
	require.NoError(t, err)
	assert.Equal(t, gcoord.TTLNoExpiry, d)

	d, err = parseSessionTTL("15s")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, d)

	_, err = parseSessionTTL("soon")
	assert.Error(t, err)
}

func TestOwnedBy(t *testing.T) {
	assert.False(t, ownedBy(nil, "alice"))
	assert.False(t, ownedBy(&api.KVPair{Value: []byte("alice")}, "alice"))
	assert.False(t, ownedBy(&api.KVPair{Value: []byte("bob"), Session: "s"}, "alice"))
	assert.True(t, ownedBy(&api.KVPair{Value: []byte("alice"), Session: "s"}, "alice"))
}
