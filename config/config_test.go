package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/companyinfo/gcoord"
	"github.com/companyinfo/gcoord/redislock"
)

const sample = `
redis:
  mode: cluster
  addrs: [redis-1:6379, redis-2:6379]
  pool_size: 16
lock:
  lease_time: 10s
  wait_time: 500ms
  fallback: true
  instance_id: worker-1
rate_limit:
  prefix: rl
  rules:
    - name: api
      algorithm: token-bucket
      max_requests: 10
      refill_rate: 5
    - name: login
      algorithm: sliding_window
      window: 1m
      max_requests: 3
      dimension: user
      enabled: false
    - name: both
      algorithm: composite
      rules:
        - name: burst
          algorithm: fixed_window
          window: 1s
          max_requests: 2
        - name: sustained
          algorithm: leaky_bucket
          max_requests: 20
          refill_rate: 1
`

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gcoord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, redislock.ModeCluster, cfg.Redis.Mode)
	assert.Equal(t, []string{"redis-1:6379", "redis-2:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, 16, cfg.Redis.PoolSize)
	assert.Equal(t, 3*time.Second, cfg.Redis.DialTimeout, "unset keys keep their defaults")
	assert.Equal(t, 10*time.Second, cfg.Lock.LeaseTime)
	assert.Equal(t, 500*time.Millisecond, cfg.Lock.WaitTime)
	assert.True(t, cfg.Lock.AutoRenew)
	assert.True(t, cfg.Lock.Fallback)

	rules, err := cfg.Rules()
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, gcoord.TokenBucket, rules[0].Algorithm)
	assert.True(t, rules[0].Enabled)
	assert.Equal(t, time.Minute, rules[1].WindowSize)
	assert.False(t, rules[1].Enabled)
	assert.Equal(t, gcoord.Composite, rules[2].Algorithm)
	require.Len(t, rules[2].Rules, 2)
	assert.Equal(t, gcoord.LeakyBucket, rules[2].Rules[1].Algorithm)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Lock, cfg.Lock)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Addrs)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("GCOORD_LOCK_LEASE_TIME", "45s")
	t.Setenv("GCOORD_REDIS_PASSWORD", "secret")

	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Lock.LeaseTime)
	assert.Equal(t, "secret", cfg.Redis.Password)
}

func TestLoadRejectsInvalidRules(t *testing.T) {
	_, err := Load(writeFile(t, `
rate_limit:
  rules:
    - name: api
      algorithm: token_bucket
      max_requests: 10
`))
	assert.ErrorIs(t, err, gcoord.ErrConfiguration)

	_, err = Load(writeFile(t, `
rate_limit:
  rules:
    - name: api
      algorithm: gcra
`))
	assert.ErrorIs(t, err, gcoord.ErrConfiguration)

	_, err = Load(writeFile(t, `
rate_limit:
  rules:
    - {name: api, algorithm: fixed_window, window: 1s, max_requests: 1}
    - {name: api, algorithm: fixed_window, window: 1s, max_requests: 2}
`))
	assert.ErrorIs(t, err, gcoord.ErrConfiguration)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestRule(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	r, err := cfg.Rule("api")
	require.NoError(t, err)
	assert.Equal(t, int64(5), r.RefillRate)

	_, err = cfg.Rule("nope")
	assert.ErrorIs(t, err, gcoord.ErrConfiguration)
}

func TestDumpRoundTrips(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.Dump(&buf))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, buf.String(), "lease_time: 10s")

	again, err := Load(writeFile(t, buf.String()))
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestBuildWithClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	rt, err := cfg.BuildWithClient(client, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	ctx := context.Background()
	h, err := rt.Coordinator.Lock(ctx, rt.Coordinator.NewRequest("orders", "42"))
	require.NoError(t, err)
	assert.Equal(t, "orders:42", h.Key())
	assert.Equal(t, 10*time.Second, h.Lease())
	assert.True(t, mr.Exists("orders:42"))
	require.NoError(t, rt.Coordinator.Unlock(ctx, h))

	api, err := cfg.Rule("api")
	require.NoError(t, err)
	res, err := rt.Limiter.Check(ctx, api, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "rl:token_bucket:api:user-1", res.Key)
}
