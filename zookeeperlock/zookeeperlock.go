package zookeeperlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/companyinfo/gcoord"
)

// ZooKeeperLock is an implementation of gcoord.Backend using ZooKeeper. A
// lock is an ephemeral node at "/<key>" whose data is "<owner>\n<expiry ms>".
// Expiry 0 means the lock only ends with the session that created it.
type ZooKeeperLock struct {
	client Conn
	clock  gcoord.Clock
	tel    *gcoord.Telemetry
}

// Conn is the part of *zk.Conn the lock uses.
type Conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
}

var (
	_ gcoord.Backend = (*ZooKeeperLock)(nil)
	_ Conn           = (*zk.Conn)(nil)
)

// New creates a new ZooKeeperLock instance.
func New(client Conn, opts ...gcoord.OptionFunc) *ZooKeeperLock {
	cfg := gcoord.NewConfig(opts...)

	return &ZooKeeperLock{
		client: client,
		clock:  cfg.Clock,
		tel:    gcoord.NewTelemetry(cfg),
	}
}

// Name implements gcoord.Backend.
func (z *ZooKeeperLock) Name() string {
	return gcoord.BackendZooKeeper
}

type node struct {
	owner   string
	expires int64
}

func (n node) encode() []byte {
	return []byte(n.owner + "\n" + strconv.FormatInt(n.expires, 10))
}

func (n node) live(now time.Time) bool {
	return n.expires == 0 || now.UnixMilli() < n.expires
}

func decodeNode(data []byte) (node, error) {
	owner, exp, ok := strings.Cut(string(data), "\n")
	if !ok {
		return node{}, fmt.Errorf("invalid lock data %q", data)
	}

	expires, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return node{}, fmt.Errorf("invalid lock expiry: %w", err)
	}

	return node{owner: owner, expires: expires}, nil
}

func (z *ZooKeeperLock) newNode(owner string, lease time.Duration) node {
	n := node{owner: owner}
	if lease > 0 {
		n.expires = z.clock.Now().Add(lease).UnixMilli()
	}

	return n
}

// lockPath maps key onto a top-level node.
func lockPath(key string) (string, error) {
	path := key
	if !strings.HasPrefix(path, "/") {
		path = "/" + path // Ensure it starts with "/"
	}

	if err := validateZooKeeperPath(path); err != nil {
		return "", fmt.Errorf("%w: %w", gcoord.ErrConfiguration, err)
	}

	return path, nil
}

// Acquire attempts to acquire key for owner, taking over a node whose lease
// ran out or refreshing one owner already holds.
func (z *ZooKeeperLock) Acquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := z.tel.RecordStart(ctx, gcoord.BackendZooKeeper, gcoord.ActionAcquire, key)
	defer span.End()

	path, err := lockPath(key)
	if err != nil {
		return false, z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper, gcoord.ActionAcquire,
			"invalid lock path", key)
	}

	want := z.newNode(owner, lease)

	// Attempt to create the lock node (atomic if node doesn't exist)
	_, err = z.client.Create(path, want.encode(), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err == nil {
		z.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendZooKeeper, gcoord.ActionAcquiredSuccessfully, key)
		return true, nil
	}
	if !errors.Is(err, zk.ErrNodeExists) {
		return false, gcoord.Unavailable(z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper,
			gcoord.ActionAcquire, "failed to acquire lock", key))
	}

	data, stat, err := z.client.Get(path)
	if errors.Is(err, zk.ErrNoNode) {
		// Released in between; the next attempt creates it.
		z.tel.RecordMiss(ctx, span, gcoord.BackendZooKeeper, gcoord.ActionAcquire, key)
		return false, nil
	}
	if err != nil {
		return false, gcoord.Unavailable(z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper,
			gcoord.ActionAcquire, "failed to get existing lock", key))
	}

	current, err := decodeNode(data)
	if err == nil && current.owner != owner && current.live(z.clock.Now()) {
		z.tel.RecordMiss(ctx, span, gcoord.BackendZooKeeper, gcoord.ActionAcquire, key)
		return false, nil
	}

	// Expired, unreadable or ours: take it over at the version we read.
	if _, err = z.client.Set(path, want.encode(), stat.Version); err != nil {
		if errors.Is(err, zk.ErrBadVersion) || errors.Is(err, zk.ErrNoNode) {
			z.tel.RecordMiss(ctx, span, gcoord.BackendZooKeeper, gcoord.ActionAcquire, key)
			return false, nil
		}

		return false, gcoord.Unavailable(z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper,
			gcoord.ActionAcquire, "failed to acquire expired lock", key))
	}

	z.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendZooKeeper, gcoord.ActionAcquiredSuccessfully, key)

	return true, nil
}

// held reads the node of key and its version when owner holds a live lease.
func (z *ZooKeeperLock) held(path, owner string) (bool, int32, error) {
	data, stat, err := z.client.Get(path)
	if errors.Is(err, zk.ErrNoNode) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}

	current, err := decodeNode(data)
	if err != nil || current.owner != owner || !current.live(z.clock.Now()) {
		return false, 0, nil
	}

	return true, stat.Version, nil
}

// Renew extends the lease of key while owner holds it.
func (z *ZooKeeperLock) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := z.tel.RecordStart(ctx, gcoord.BackendZooKeeper, gcoord.ActionRenew, key)
	defer span.End()

	path, err := lockPath(key)
	if err != nil {
		return false, z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper, gcoord.ActionRenew,
			"invalid lock path", key)
	}

	ok, version, err := z.held(path, owner)
	if err != nil {
		return false, gcoord.Unavailable(z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper,
			gcoord.ActionRenew, "failed to get lock", key))
	}
	if !ok {
		z.tel.RecordMiss(ctx, span, gcoord.BackendZooKeeper, gcoord.ActionRenew, key)
		return false, nil
	}

	// Attempt to renew the lock atomically using version check
	if _, err = z.client.Set(path, z.newNode(owner, lease).encode(), version); err != nil {
		if errors.Is(err, zk.ErrBadVersion) || errors.Is(err, zk.ErrNoNode) {
			z.tel.RecordMiss(ctx, span, gcoord.BackendZooKeeper, gcoord.ActionRenew, key)
			return false, nil
		}

		return false, gcoord.Unavailable(z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper,
			gcoord.ActionRenew, "failed to renew lock", key))
	}

	z.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendZooKeeper, gcoord.ActionRenewedSuccessfully, key)

	return true, nil
}

// Release deletes the node of key if owner holds it.
func (z *ZooKeeperLock) Release(ctx context.Context, key, owner string) (bool, error) {
	startTime := time.Now()
	ctx, span := z.tel.RecordStart(ctx, gcoord.BackendZooKeeper, gcoord.ActionRelease, key)
	defer span.End()

	path, err := lockPath(key)
	if err != nil {
		return false, z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper, gcoord.ActionRelease,
			"invalid lock path", key)
	}

	ok, version, err := z.held(path, owner)
	if err != nil {
		return false, gcoord.Unavailable(z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper,
			gcoord.ActionRelease, "failed to get lock for release", key))
	}
	if !ok {
		z.tel.RecordMiss(ctx, span, gcoord.BackendZooKeeper, gcoord.ActionRelease, key)
		return false, nil
	}

	// Delete the lock node atomically using the version.
	if err = z.client.Delete(path, version); err != nil {
		if errors.Is(err, zk.ErrBadVersion) || errors.Is(err, zk.ErrNoNode) {
			z.tel.RecordMiss(ctx, span, gcoord.BackendZooKeeper, gcoord.ActionRelease, key)
			return false, nil
		}

		return false, gcoord.Unavailable(z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper,
			gcoord.ActionRelease, "failed to release lock", key))
	}

	z.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendZooKeeper, gcoord.ActionReleasedSuccessfully, key)

	return true, nil
}

// ForceRelease deletes the node of key at any version.
func (z *ZooKeeperLock) ForceRelease(ctx context.Context, key string) (bool, error) {
	startTime := time.Now()
	ctx, span := z.tel.RecordStart(ctx, gcoord.BackendZooKeeper, gcoord.ActionForceRelease, key)
	defer span.End()

	path, err := lockPath(key)
	if err != nil {
		return false, z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper, gcoord.ActionForceRelease,
			"invalid lock path", key)
	}

	if err = z.client.Delete(path, -1); err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			z.tel.RecordMiss(ctx, span, gcoord.BackendZooKeeper, gcoord.ActionForceRelease, key)
			return false, nil
		}

		return false, gcoord.Unavailable(z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper,
			gcoord.ActionForceRelease, "failed to force release lock", key))
	}

	z.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendZooKeeper, gcoord.ActionForceRelease, key)

	return true, nil
}

// TTL reports the lease left on the node of key.
func (z *ZooKeeperLock) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := z.tel.RecordStart(ctx, gcoord.BackendZooKeeper, gcoord.ActionTTL, key)
	defer span.End()

	path, err := lockPath(key)
	if err != nil {
		return 0, z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper, gcoord.ActionTTL,
			"invalid lock path", key)
	}

	data, _, err := z.client.Get(path)
	if errors.Is(err, zk.ErrNoNode) {
		return gcoord.TTLAbsent, nil
	}
	if err != nil {
		return 0, gcoord.Unavailable(z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper,
			gcoord.ActionTTL, "failed to get lock", key))
	}

	current, err := decodeNode(data)
	if err != nil {
		return 0, z.tel.HandleError(ctx, span, err, gcoord.BackendZooKeeper, gcoord.ActionTTL,
			"invalid lock data", key)
	}

	return current.remaining(z.clock.Now()), nil
}

func (n node) remaining(now time.Time) time.Duration {
	if n.expires == 0 {
		return gcoord.TTLNoExpiry
	}
	if !n.live(now) {
		return gcoord.TTLAbsent
	}

	return time.UnixMilli(n.expires).Sub(now)
}

// validateZooKeeperPath checks if the path is valid for a top-level ZooKeeper node.
func validateZooKeeperPath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return errors.New("ZooKeeper path must start with '/'")
	}

	if strings.Count(path, "/") > 1 {
		return errors.New("ZooKeeper lock path must not contain '/' after the root")
	}

	if strings.ContainsAny(path, " \t\n\r\000") { // No spaces or null characters allowed
		return errors.New("ZooKeeper path contains invalid characters")
	}

	return nil
}
