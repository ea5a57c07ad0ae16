package consullock

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/companyinfo/gcoord"
)

// Consul accepts session TTLs between 10s and 24h.
const (
	minSessionTTL = 10 * time.Second
	maxSessionTTL = 24 * time.Hour
)

// ConsulLock is an implementation of gcoord.Backend using Consul. Each lock
// is a KV pair holding the owner, acquired with a session whose TTL is the
// lease. The session is created with the delete behavior, so the key goes
// away when the session expires.
//
// Consul fixes a session TTL at creation. Renewing with the same lease resets
// the session timer; a different lease moves the key to a new session in one
// transaction.
type ConsulLock struct {
	kv       KV
	sessions Sessions
	tel      *gcoord.Telemetry
}

// KV is the part of *api.KV the lock uses.
type KV interface {
	Get(key string, q *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error)
	Acquire(p *api.KVPair, q *api.WriteOptions) (bool, *api.WriteMeta, error)
	DeleteCAS(p *api.KVPair, q *api.WriteOptions) (bool, *api.WriteMeta, error)
	Delete(key string, w *api.WriteOptions) (*api.WriteMeta, error)
	Txn(txn api.KVTxnOps, q *api.QueryOptions) (bool, *api.KVTxnResponse, *api.QueryMeta, error)
}

// Sessions is the part of *api.Session the lock uses.
type Sessions interface {
	Create(se *api.SessionEntry, q *api.WriteOptions) (string, *api.WriteMeta, error)
	Renew(id string, q *api.WriteOptions) (*api.SessionEntry, *api.WriteMeta, error)
	Destroy(id string, q *api.WriteOptions) (*api.WriteMeta, error)
	Info(id string, q *api.QueryOptions) (*api.SessionEntry, *api.QueryMeta, error)
}

var (
	_ gcoord.Backend = (*ConsulLock)(nil)
	_ KV             = (*api.KV)(nil)
	_ Sessions       = (*api.Session)(nil)
)

// New creates a new ConsulLock instance.
func New(client *api.Client, opts ...gcoord.OptionFunc) *ConsulLock {
	return NewWithKV(client.KV(), client.Session(), opts...)
}

// NewWithKV creates a ConsulLock on the given KV and session endpoints.
func NewWithKV(kv KV, sessions Sessions, opts ...gcoord.OptionFunc) *ConsulLock {
	return &ConsulLock{
		kv:       kv,
		sessions: sessions,
		tel:      gcoord.NewTelemetry(gcoord.NewConfig(opts...)),
	}
}

// Name implements gcoord.Backend.
func (c *ConsulLock) Name() string {
	return gcoord.BackendConsul
}

// sessionTTL clamps lease into the range Consul accepts. A lease <= 0 gives
// a session without TTL.
func sessionTTL(lease time.Duration) string {
	if lease <= 0 {
		return ""
	}
	lease = min(max(lease, minSessionTTL), maxSessionTTL)

	return fmt.Sprintf("%ds", int64((lease+time.Second-1)/time.Second))
}

func (c *ConsulLock) get(ctx context.Context, key string) (*api.KVPair, error) {
	kv, _, err := c.kv.Get(key, (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx))
	return kv, err
}

func ownedBy(kv *api.KVPair, owner string) bool {
	return kv != nil && kv.Session != "" && string(kv.Value) == owner
}

// Acquire attempts to acquire key for owner. When owner already holds it the
// session is renewed.
func (c *ConsulLock) Acquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := c.tel.RecordStart(ctx, gcoord.BackendConsul, gcoord.ActionAcquire, key)
	defer span.End()

	kv, err := c.get(ctx, key)
	if err != nil {
		return false, gcoord.Unavailable(c.tel.HandleError(ctx, span, err, gcoord.BackendConsul,
			gcoord.ActionAcquire, "failed to get lock", key))
	}
	if ownedBy(kv, owner) {
		ok, err := c.refresh(ctx, kv, owner, lease)
		if err != nil {
			return false, gcoord.Unavailable(c.tel.HandleError(ctx, span, err, gcoord.BackendConsul,
				gcoord.ActionAcquire, "failed to renew consul session", key))
		}
		if ok {
			c.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendConsul, gcoord.ActionAcquiredSuccessfully, key)
			return true, nil
		}
	} else if kv != nil && kv.Session != "" {
		c.tel.RecordMiss(ctx, span, gcoord.BackendConsul, gcoord.ActionAcquire, key)
		return false, nil
	}

	sessionID, err := c.createSession(ctx, owner, lease)
	if err != nil {
		return false, gcoord.Unavailable(c.tel.HandleError(ctx, span, err, gcoord.BackendConsul,
			gcoord.ActionAcquire, "failed to create consul session", key))
	}

	acquired, _, err := c.kv.Acquire(&api.KVPair{
		Key:     key,
		Value:   []byte(owner),
		Session: sessionID,
	}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil || !acquired {
		c.destroy(ctx, sessionID, key)
	}
	if err != nil {
		return false, gcoord.Unavailable(c.tel.HandleError(ctx, span, err, gcoord.BackendConsul,
			gcoord.ActionAcquire, "failed to acquire lock", key))
	}
	if !acquired {
		c.tel.RecordMiss(ctx, span, gcoord.BackendConsul, gcoord.ActionAcquire, key)
		return false, nil
	}

	c.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendConsul, gcoord.ActionAcquiredSuccessfully, key)

	return true, nil
}

func (c *ConsulLock) createSession(ctx context.Context, owner string, lease time.Duration) (string, error) {
	sessionEntry := &api.SessionEntry{
		Name:      owner,
		TTL:       sessionTTL(lease),
		LockDelay: 0,
		Behavior:  api.SessionBehaviorDelete, // Release locks when the session is invalidated.
	}
	sessionID, _, err := c.sessions.Create(sessionEntry, (&api.WriteOptions{}).WithContext(ctx))

	return sessionID, err
}

// refresh renews the session holding kv. A lease that needs another session
// TTL moves kv to a new session, checked against the old one so a lost lock
// is not taken back.
func (c *ConsulLock) refresh(ctx context.Context, kv *api.KVPair, owner string, lease time.Duration) (bool, error) {
	entry, _, err := c.sessions.Renew(kv.Session, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil || entry == nil {
		return false, err
	}
	if entry.TTL == sessionTTL(lease) {
		return true, nil
	}

	sessionID, err := c.createSession(ctx, owner, lease)
	if err != nil {
		return false, err
	}
	ok, _, _, err := c.kv.Txn(api.KVTxnOps{
		{Verb: api.KVCheckSession, Key: kv.Key, Session: kv.Session},
		{Verb: api.KVUnlock, Key: kv.Key, Value: []byte(owner), Session: kv.Session},
		{Verb: api.KVLock, Key: kv.Key, Value: []byte(owner), Session: sessionID},
	}, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil || !ok {
		c.destroy(ctx, sessionID, kv.Key)
		return false, err
	}
	c.destroy(ctx, kv.Session, kv.Key)

	return true, nil
}

func (c *ConsulLock) destroy(ctx context.Context, sessionID, key string) {
	if _, err := c.sessions.Destroy(sessionID, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		c.tel.Logger().Error(err, "failed to destroy session", "lockID", key)
	}
}

// Renew resets the session timer of key while owner holds it.
func (c *ConsulLock) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := c.tel.RecordStart(ctx, gcoord.BackendConsul, gcoord.ActionRenew, key)
	defer span.End()

	kv, err := c.get(ctx, key)
	if err != nil {
		return false, gcoord.Unavailable(c.tel.HandleError(ctx, span, err, gcoord.BackendConsul,
			gcoord.ActionRenew, "failed to get lock", key))
	}
	if !ownedBy(kv, owner) {
		c.tel.RecordMiss(ctx, span, gcoord.BackendConsul, gcoord.ActionRenew, key)
		return false, nil
	}

	ok, err := c.refresh(ctx, kv, owner, lease)
	if err != nil {
		return false, gcoord.Unavailable(c.tel.HandleError(ctx, span, err, gcoord.BackendConsul,
			gcoord.ActionRenew, "failed to renew consul session", key))
	}
	if !ok {
		c.tel.RecordMiss(ctx, span, gcoord.BackendConsul, gcoord.ActionRenew, key)
		return false, nil
	}

	c.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendConsul, gcoord.ActionRenewedSuccessfully, key)

	return true, nil
}

// Release deletes key if owner holds it and destroys its session.
func (c *ConsulLock) Release(ctx context.Context, key, owner string) (bool, error) {
	startTime := time.Now()
	ctx, span := c.tel.RecordStart(ctx, gcoord.BackendConsul, gcoord.ActionRelease, key)
	defer span.End()

	kv, err := c.get(ctx, key)
	if err != nil {
		return false, gcoord.Unavailable(c.tel.HandleError(ctx, span, err, gcoord.BackendConsul,
			gcoord.ActionRelease, "failed to get lock", key))
	}
	if !ownedBy(kv, owner) {
		c.tel.RecordMiss(ctx, span, gcoord.BackendConsul, gcoord.ActionRelease, key)
		return false, nil
	}

	deleted, _, err := c.kv.DeleteCAS(&api.KVPair{Key: key, ModifyIndex: kv.ModifyIndex},
		(&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, gcoord.Unavailable(c.tel.HandleError(ctx, span, err, gcoord.BackendConsul,
			gcoord.ActionRelease, "failed to delete lock key", key))
	}
	if !deleted {
		c.tel.RecordMiss(ctx, span, gcoord.BackendConsul, gcoord.ActionRelease, key)
		return false, nil
	}
	c.destroy(ctx, kv.Session, key)

	c.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendConsul, gcoord.ActionReleasedSuccessfully, key)

	return true, nil
}

// ForceRelease deletes key whoever holds it.
func (c *ConsulLock) ForceRelease(ctx context.Context, key string) (bool, error) {
	startTime := time.Now()
	ctx, span := c.tel.RecordStart(ctx, gcoord.BackendConsul, gcoord.ActionForceRelease, key)
	defer span.End()

	kv, err := c.get(ctx, key)
	if err != nil {
		return false, gcoord.Unavailable(c.tel.HandleError(ctx, span, err, gcoord.BackendConsul,
			gcoord.ActionForceRelease, "failed to get lock", key))
	}
	if kv == nil {
		c.tel.RecordMiss(ctx, span, gcoord.BackendConsul, gcoord.ActionForceRelease, key)
		return false, nil
	}

	if _, err = c.kv.Delete(key, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return false, gcoord.Unavailable(c.tel.HandleError(ctx, span, err, gcoord.BackendConsul,
			gcoord.ActionForceRelease, "failed to delete lock key", key))
	}
	if kv.Session != "" {
		c.destroy(ctx, kv.Session, key)
	}

	c.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendConsul, gcoord.ActionForceRelease, key)

	return true, nil
}

// TTL reports the session TTL of key. Consul does not expose the time left
// on a session, so this is an upper bound.
func (c *ConsulLock) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := c.tel.RecordStart(ctx, gcoord.BackendConsul, gcoord.ActionTTL, key)
	defer span.End()

	kv, err := c.get(ctx, key)
	if err != nil {
		return 0, gcoord.Unavailable(c.tel.HandleError(ctx, span, err, gcoord.BackendConsul,
			gcoord.ActionTTL, "failed to get lock", key))
	}
	if kv == nil {
		return gcoord.TTLAbsent, nil
	}
	if kv.Session == "" {
		return gcoord.TTLNoExpiry, nil
	}

	entry, _, err := c.sessions.Info(kv.Session, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return 0, gcoord.Unavailable(c.tel.HandleError(ctx, span, err, gcoord.BackendConsul,
			gcoord.ActionTTL, "failed to read consul session", key))
	}
	if entry == nil {
		return gcoord.TTLAbsent, nil
	}

	return parseSessionTTL(entry.TTL)
}

func parseSessionTTL(ttl string) (time.Duration, error) {
	if ttl == "" {
		return gcoord.TTLNoExpiry, nil
	}

	d, err := time.ParseDuration(ttl)
	if err != nil {
		return 0, fmt.Errorf("invalid session ttl %q: %w", ttl, err)
	}

	return d, nil
}
