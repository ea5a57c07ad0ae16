package redsynclock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/gcoord"
	"github.com/companyinfo/gcoord/backendtest"
	"github.com/companyinfo/gcoord/redislock"
)

func newNodes(t *testing.T, n int) ([]*miniredis.Miniredis, []redis.UniversalClient) {
	t.Helper()
	servers := make([]*miniredis.Miniredis, n)
	clients := make([]redis.UniversalClient, n)
	for i := range n {
		servers[i] = miniredis.RunT(t)
		c := redis.NewClient(&redis.Options{Addr: servers[i].Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
		t.Cleanup(func() { _ = c.Close() })
		clients[i] = c
	}

	return servers, clients
}

func TestRedsyncLockBackend(t *testing.T) {
	_, clients := newNodes(t, 3)
	backendtest.RunBackend(t, New(clients))
}

func TestRedsyncLockSurvivesMinorityLoss(t *testing.T) {
	servers, clients := newNodes(t, 3)
	r := New(clients)
	ctx := context.Background()

	servers[2].Close()

	ok, err := r.Acquire(ctx, "job", "alice", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", mustGet(t, servers[0], "job"))

	ok, err = r.Acquire(ctx, "job", "bob", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.Renew(ctx, "job", "alice", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Release(ctx, "job", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedsyncLockUnavailableWithoutQuorum(t *testing.T) {
	servers, clients := newNodes(t, 3)
	r := New(clients)
	servers[1].Close()
	servers[2].Close()

	_, err := r.Acquire(context.Background(), "job", "alice", time.Minute)
	assert.ErrorIs(t, err, gcoord.ErrBackendUnavailable)

	_, err = r.TTL(context.Background(), "job")
	assert.ErrorIs(t, err, gcoord.ErrBackendUnavailable)
}

func TestCoordinatorRedLockOverRedisNodes(t *testing.T) {
	servers, clients := newNodes(t, 3)
	nodes := make([]gcoord.Backend, len(clients))
	for i, c := range clients {
		nodes[i] = redislock.New(c)
	}
	c := gcoord.NewCoordinator(nodes[0], gcoord.WithRedNodes(nodes...))
	defer c.Close()
	ctx := context.Background()

	servers[0].Close()

	req := c.NewRequest("payment", "7")
	req.Type = gcoord.LockRed
	req.Owner = "worker-1"
	req.AutoRenew = false
	h, err := c.Lock(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, gcoord.StatusAcquired, h.Status())
	assert.Equal(t, "worker-1", mustGet(t, servers[1], "payment:7"))

	require.NoError(t, c.Unlock(ctx, h))
	assert.False(t, servers[2].Exists("payment:7"))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)

	return v
}
