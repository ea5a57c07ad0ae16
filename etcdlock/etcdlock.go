package etcdlock

import (
	"context"
	"errors"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"go.etcd.io/etcd/client/v3"

	"github.com/companyinfo/gcoord"
)

// EtcdLock is an implementation of gcoord.Backend using etcd. The key holds
// the owner and is attached to a lease, so etcd removes it when the lease runs
// out.
type EtcdLock struct {
	kv    clientv3.KV
	lease clientv3.Lease
	tel   *gcoord.Telemetry
}

var _ gcoord.Backend = (*EtcdLock)(nil)

// New creates a new EtcdLock instance.
func New(client *clientv3.Client, opts ...gcoord.OptionFunc) *EtcdLock {
	return NewWithKV(client.KV, client.Lease, opts...)
}

// NewWithKV creates an EtcdLock on a KV and Lease pair, such as the ones
// clientv3.NewKVFromKVClient and clientv3.NewLeaseFromLeaseClient build over a
// gRPC connection or a proxy.
func NewWithKV(kv clientv3.KV, lease clientv3.Lease, opts ...gcoord.OptionFunc) *EtcdLock {
	return &EtcdLock{
		kv:    kv,
		lease: lease,
		tel:   gcoord.NewTelemetry(gcoord.NewConfig(opts...)),
	}
}

// Name implements gcoord.Backend.
func (e *EtcdLock) Name() string {
	return gcoord.BackendEtcd
}

// leaseSeconds rounds d up to the whole seconds etcd leases are granted in.
func leaseSeconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}

	return s
}

// grant returns the put options for a lease of d, with no lease when d <= 0.
func (e *EtcdLock) grant(ctx context.Context, d time.Duration) (clientv3.LeaseID, []clientv3.OpOption, error) {
	if d <= 0 {
		return clientv3.NoLease, nil, nil
	}

	resp, err := e.lease.Grant(ctx, leaseSeconds(d))
	if err != nil {
		return clientv3.NoLease, nil, err
	}

	return resp.ID, []clientv3.OpOption{clientv3.WithLease(resp.ID)}, nil
}

// revoke drops a lease that no longer guards the key.
func (e *EtcdLock) revoke(ctx context.Context, id clientv3.LeaseID) {
	if id == clientv3.NoLease {
		return
	}
	if _, err := e.lease.Revoke(ctx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		e.tel.Logger().V(1).Info("failed to revoke lease", "lease", int64(id), "error", err.Error())
	}
}

// Acquire attempts to acquire key for owner, refreshing the lease if owner
// already holds it.
func (e *EtcdLock) Acquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := e.tel.RecordStart(ctx, gcoord.BackendEtcd, gcoord.ActionAcquire, key)
	defer span.End()

	id, putOpts, err := e.grant(ctx, lease)
	if err != nil {
		return false, gcoord.Unavailable(e.tel.HandleError(ctx, span, err, gcoord.BackendEtcd,
			gcoord.ActionAcquire, "failed to create a new lease", key))
	}

	// Free key, or a key owner already holds: both take the new lease.
	resp, err := e.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, owner, putOpts...)).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		e.revoke(ctx, id)
		return false, gcoord.Unavailable(e.tel.HandleError(ctx, span, err, gcoord.BackendEtcd,
			gcoord.ActionAcquire, "failed to acquire lock", key))
	}

	if !resp.Succeeded {
		ok, err := e.refresh(ctx, key, owner, resp.Responses[0].GetResponseRange().Kvs, putOpts)
		if err != nil {
			e.revoke(ctx, id)
			return false, gcoord.Unavailable(e.tel.HandleError(ctx, span, err, gcoord.BackendEtcd,
				gcoord.ActionAcquire, "failed to acquire lock", key))
		}
		if !ok {
			e.revoke(ctx, id)
			e.tel.RecordMiss(ctx, span, gcoord.BackendEtcd, gcoord.ActionAcquire, key)

			return false, nil
		}
	}

	e.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendEtcd, gcoord.ActionAcquiredSuccessfully, key)

	return true, nil
}

// refresh moves a key owner holds onto a new lease, guarded by the revision
// that was read so a concurrent change wins.
func (e *EtcdLock) refresh(ctx context.Context, key, owner string, kvs []*mvccpb.KeyValue, putOpts []clientv3.OpOption) (bool, error) {
	if len(kvs) == 0 || string(kvs[0].Value) != owner {
		return false, nil
	}
	kv := kvs[0]

	resp, err := e.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
		Then(clientv3.OpPut(key, owner, putOpts...)).
		Commit()
	if err != nil {
		return false, err
	}
	if resp.Succeeded {
		e.revoke(ctx, clientv3.LeaseID(kv.Lease))
	}

	return resp.Succeeded, nil
}

// Renew extends the lease of key while owner holds it.
func (e *EtcdLock) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := e.tel.RecordStart(ctx, gcoord.BackendEtcd, gcoord.ActionRenew, key)
	defer span.End()

	response, err := e.kv.Get(ctx, key)
	if err != nil {
		return false, gcoord.Unavailable(e.tel.HandleError(ctx, span, err, gcoord.BackendEtcd,
			gcoord.ActionRenew, "failed to check lock existence", key))
	}

	id, putOpts, err := e.grant(ctx, lease)
	if err != nil {
		return false, gcoord.Unavailable(e.tel.HandleError(ctx, span, err, gcoord.BackendEtcd,
			gcoord.ActionRenew, "failed to create new lease", key))
	}

	ok, err := e.refresh(ctx, key, owner, response.Kvs, putOpts)
	if err != nil {
		e.revoke(ctx, id)
		return false, gcoord.Unavailable(e.tel.HandleError(ctx, span, err, gcoord.BackendEtcd,
			gcoord.ActionRenew, "failed to renew lock", key))
	}
	if !ok {
		e.revoke(ctx, id)
		e.tel.RecordMiss(ctx, span, gcoord.BackendEtcd, gcoord.ActionRenew, key)

		return false, nil
	}

	e.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendEtcd, gcoord.ActionRenewedSuccessfully, key)

	return true, nil
}

// Release removes key if owner holds it.
func (e *EtcdLock) Release(ctx context.Context, key, owner string) (bool, error) {
	startTime := time.Now()
	ctx, span := e.tel.RecordStart(ctx, gcoord.BackendEtcd, gcoord.ActionRelease, key)
	defer span.End()

	resp, err := e.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", owner)).
		Then(clientv3.OpDelete(key, clientv3.WithPrevKV())).
		Commit()
	if err != nil {
		return false, gcoord.Unavailable(e.tel.HandleError(ctx, span, err, gcoord.BackendEtcd,
			gcoord.ActionRelease, "failed to release lock", key))
	}

	if !resp.Succeeded {
		e.tel.RecordMiss(ctx, span, gcoord.BackendEtcd, gcoord.ActionRelease, key)
		return false, nil
	}

	if prev := resp.Responses[0].GetResponseDeleteRange().PrevKvs; len(prev) > 0 {
		e.revoke(ctx, clientv3.LeaseID(prev[0].Lease))
	}

	e.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendEtcd, gcoord.ActionReleasedSuccessfully, key)

	return true, nil
}

// ForceRelease removes key whoever holds it.
func (e *EtcdLock) ForceRelease(ctx context.Context, key string) (bool, error) {
	startTime := time.Now()
	ctx, span := e.tel.RecordStart(ctx, gcoord.BackendEtcd, gcoord.ActionForceRelease, key)
	defer span.End()

	resp, err := e.kv.Delete(ctx, key, clientv3.WithPrevKV())
	if err != nil {
		return false, gcoord.Unavailable(e.tel.HandleError(ctx, span, err, gcoord.BackendEtcd,
			gcoord.ActionForceRelease, "failed to force release lock", key))
	}

	if resp.Deleted == 0 {
		e.tel.RecordMiss(ctx, span, gcoord.BackendEtcd, gcoord.ActionForceRelease, key)
		return false, nil
	}

	for _, kv := range resp.PrevKvs {
		e.revoke(ctx, clientv3.LeaseID(kv.Lease))
	}

	e.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendEtcd, gcoord.ActionForceRelease, key)

	return true, nil
}

// TTL reports the time left on the lease attached to key.
func (e *EtcdLock) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := e.tel.RecordStart(ctx, gcoord.BackendEtcd, gcoord.ActionTTL, key)
	defer span.End()

	resp, err := e.kv.Get(ctx, key)
	if err != nil {
		return 0, gcoord.Unavailable(e.tel.HandleError(ctx, span, err, gcoord.BackendEtcd,
			gcoord.ActionTTL, "failed to check lock existence", key))
	}
	if len(resp.Kvs) == 0 {
		return gcoord.TTLAbsent, nil
	}
	if resp.Kvs[0].Lease == 0 {
		return gcoord.TTLNoExpiry, nil
	}

	ttl, err := e.lease.TimeToLive(ctx, clientv3.LeaseID(resp.Kvs[0].Lease))
	if err != nil {
		return 0, gcoord.Unavailable(e.tel.HandleError(ctx, span, err, gcoord.BackendEtcd,
			gcoord.ActionTTL, "failed to read lease", key))
	}

	return leaseTTL(ttl.TTL), nil
}

// leaseTTL converts the seconds etcd reports, -1 for an expired lease.
func leaseTTL(seconds int64) time.Duration {
	if seconds < 0 {
		return gcoord.TTLAbsent
	}

	return time.Duration(seconds) * time.Second
}
