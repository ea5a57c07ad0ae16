// Package gcoord provides distributed concurrency control on top of a shared,
// strongly-consistent key-value store: a lock coordinator (mutual exclusion,
// reentrancy, lease renewal, degradation to a local lock) and a rate limiter
// (admission control under several algorithms).
//
// The store is reached through the Backend interface. Redis is the primary
// backend (see the redislock package); etcd, Consul, ZooKeeper, MongoDB,
// DynamoDB, PostgreSQL and Hazelcast implementations live in their own
// sub-packages.
package gcoord

import (
	"context"
	"time"
)

const (
	// ActionAcquire represents the action of attempting to acquire a lock.
	ActionAcquire = "acquire"
	// ActionRelease represents the action of releasing a previously acquired lock.
	ActionRelease = "release"
	// ActionRenew represents the action of extending the expiration time of a lock.
	ActionRenew = "renew"
	// ActionForceRelease represents an administrative release that skips the ownership check.
	ActionForceRelease = "force_release"
	// ActionTTL represents a lookup of the remaining lease of a lock.
	ActionTTL = "ttl"
	// ActionEvaluate represents a rate-limit admission check.
	ActionEvaluate = "evaluate"
	// ActionAcquiredSuccessfully indicates that a lock was successfully acquired.
	ActionAcquiredSuccessfully = "acquired"
	// ActionReleasedSuccessfully indicates that a lock was successfully released.
	ActionReleasedSuccessfully = "released"
	// ActionRenewedSuccessfully indicates that a lock was successfully renewed.
	ActionRenewedSuccessfully = "renewed"
)

const (
	// BackendConsul represents Consul as a distributed locking backend.
	BackendConsul = "consul"
	// BackendEtcd represents etcd as a distributed locking backend.
	BackendEtcd = "etcd"
	// BackendDynamoDB represents AWS DynamoDB as a distributed locking backend.
	BackendDynamoDB = "dynamodb"
	// BackendHazelcast represents Hazelcast as a distributed locking backend.
	BackendHazelcast = "hazelcast"
	// BackendMongoDB represents MongoDB as a distributed locking backend.
	BackendMongoDB = "mongodb"
	// BackendRedis represents Redis as a distributed locking backend.
	BackendRedis = "redis"
	// BackendRedsync represents a quorum of independent Redis nodes driven by redsync.
	BackendRedsync = "redsync"
	// BackendZooKeeper represents Apache ZooKeeper as a distributed locking backend.
	BackendZooKeeper = "zookeeper"
	// BackendPostgres represents PostgreSQL as a distributed locking backend.
	BackendPostgres = "postgres"
	// BackendLocal represents the in-process backend used for fallback and tests.
	BackendLocal = "local"
)

const (
	// TTLNoExpiry is returned by Backend.TTL when the key exists without an expiry.
	TTLNoExpiry time.Duration = -1
	// TTLAbsent is returned by Backend.TTL when the key does not exist.
	TTLAbsent time.Duration = -2
)

// Backend is the contract every coordination store implements. All operations
// must be atomic as perceived by every caller.
//
// A false result with a nil error means the key is held by somebody else (or
// not held by owner). Store failures are returned as errors wrapping
// ErrBackendUnavailable and never as a false result.
type Backend interface {
	// Name identifies the backend in logs, spans and metrics.
	Name() string

	// Acquire takes key for owner. It succeeds if the key is absent or already
	// held by owner, in which case the expiry is refreshed. A lease <= 0 means
	// the key is stored without expiry.
	Acquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error)

	// Renew extends the lease of a key that owner still holds. It reports
	// false once the key is gone or owned by someone else.
	Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error)

	// Release deletes key only if owner holds it.
	Release(ctx context.Context, key, owner string) (bool, error)

	// ForceRelease deletes key regardless of its owner.
	ForceRelease(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining lease, TTLNoExpiry or TTLAbsent.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// ReadWriteBackend is implemented by backends that support shared/exclusive
// lock pairs on the same key.
type ReadWriteBackend interface {
	AcquireShared(ctx context.Context, key, owner string, mode LockMode, lease time.Duration) (bool, error)
	RenewShared(ctx context.Context, key, owner string, mode LockMode, lease time.Duration) (bool, error)
	ReleaseShared(ctx context.Context, key, owner string, mode LockMode) (bool, error)
}

// FairBackend is implemented by backends that can serve waiters in arrival
// order. AcquireFair enqueues owner on its first call and grants the lock only
// when owner is at the head of the queue. Release, Renew and TTL of a fair lock
// go through the Backend methods.
type FairBackend interface {
	AcquireFair(ctx context.Context, key, owner string, lease time.Duration) (bool, error)
	CancelFair(ctx context.Context, key, owner string) error
}

// Evaluator runs a single atomic rate-limit admission check.
type Evaluator interface {
	Evaluate(ctx context.Context, rule RateLimitRule, key string, permits int64, now time.Time) (RateLimitResult, error)
}

// Resetter clears rate-limit state. Reset deletes key and every key nested
// under key + ":" (fixed windows), returning how many were removed.
type Resetter interface {
	Reset(ctx context.Context, key string) (int64, error)
}
