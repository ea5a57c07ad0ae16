package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/gcoord"
)

func executeRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()

	return stdout.String(), err
}

func testConfig(t *testing.T) (string, *miniredis.Miniredis) {
	t.Helper()
	t.Setenv("GCOORD_CONFIG", "")

	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "gcoord.yaml")
	content := fmt.Sprintf(`
redis:
  addrs: [%s]
  password: hunter2
lock:
  lease_time: 30s
  wait_time: 0s
rate_limit:
  prefix: rl
  rules:
    - name: api
      algorithm: fixed_window
      window: 1h
      max_requests: 2
`, mr.Addr())
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path, mr
}

func TestLockCommand(t *testing.T) {
	path, mr := testConfig(t)

	out, err := executeRootCommand(t, "--config", path, "lock", "orders", "42", "--owner", "cli")
	require.NoError(t, err)
	assert.Contains(t, out, "acquired orders:42 owner=cli backend=redis")
	assert.Contains(t, out, "released orders:42")
	assert.False(t, mr.Exists("orders:42"))
}

func TestLockCommandFailsWhenHeld(t *testing.T) {
	path, mr := testConfig(t)
	require.NoError(t, mr.Set("orders:42", "someone-else"))

	_, err := executeRootCommand(t, "--config", path, "lock", "orders", "42")
	assert.ErrorIs(t, err, gcoord.ErrLockTimeout)
}

func TestTTLAndForceUnlock(t *testing.T) {
	path, mr := testConfig(t)

	out, err := executeRootCommand(t, "--config", path, "ttl", "orders", "42")
	require.NoError(t, err)
	assert.Equal(t, "absent\n", out)

	require.NoError(t, mr.Set("orders:42", "someone-else"))
	mr.SetTTL("orders:42", 20*time.Second)

	out, err = executeRootCommand(t, "--config", path, "ttl", "orders", "42")
	require.NoError(t, err)
	assert.Equal(t, "20s\n", out)

	out, err = executeRootCommand(t, "--config", path, "force-unlock", "orders", "42")
	require.NoError(t, err)
	assert.Equal(t, "released orders:42\n", out)

	out, err = executeRootCommand(t, "--config", path, "force-unlock", "orders", "42")
	require.NoError(t, err)
	assert.Equal(t, "not held orders:42\n", out)
}

func TestLimitCommands(t *testing.T) {
	path, _ := testConfig(t)

	for range 2 {
		out, err := executeRootCommand(t, "--config", path, "limit", "check", "api", "user-1")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "allowed=true"))
	}

	out, err := executeRootCommand(t, "--config", path, "limit", "check", "api", "user-1")
	assert.ErrorIs(t, err, gcoord.ErrRateLimited)
	assert.True(t, strings.HasPrefix(out, "allowed=false remaining=0"))

	out, err = executeRootCommand(t, "--config", path, "limit", "reset", "api", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "deleted 1 keys\n", out)

	_, err = executeRootCommand(t, "--config", path, "limit", "check", "api", "user-1")
	require.NoError(t, err)

	_, err = executeRootCommand(t, "--config", path, "limit", "check", "nope", "user-1")
	assert.ErrorIs(t, err, gcoord.ErrConfiguration)
}

func TestConfigDumpMasksPassword(t *testing.T) {
	path, _ := testConfig(t)

	out, err := executeRootCommand(t, "--config", path, "--log-verbosity", "2", "config", "dump")
	require.NoError(t, err)
	assert.Contains(t, out, "******")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "log_verbosity: 2")
	assert.Contains(t, out, "lease_time: 30s")
}

func TestFormatTTL(t *testing.T) {
	assert.Equal(t, "absent", formatTTL(gcoord.TTLAbsent))
	assert.Equal(t, "no expiry", formatTTL(gcoord.TTLNoExpiry))
	assert.Equal(t, "1.5s", formatTTL(1500*time.Millisecond))
}
