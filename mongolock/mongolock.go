package mongolock

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/companyinfo/gcoord"
)

// MongoLock is an implementation of gcoord.Backend using MongoDB. Each lock is
// a document keyed by the lock key that stores the owner and the expiry time;
// a null expiry never lapses.
type MongoLock struct {
	locks      Collection
	ttlField   string
	ownerField string
	clock      gcoord.Clock
	tel        *gcoord.Telemetry
}

// Collection is the part of *mongo.Collection the lock uses.
type Collection interface {
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongo.SingleResult
	Indexes() mongo.IndexView
}

var (
	_ gcoord.Backend = (*MongoLock)(nil)
	_ Collection     = (*mongo.Collection)(nil)
)

// New creates a new MongoLock instance on the configured database and
// collection of client.
func New(client *mongo.Client, opts ...gcoord.OptionFunc) *MongoLock {
	cfg := gcoord.NewConfig(opts...)

	return newLock(client.Database(cfg.Database).Collection(cfg.Collection), cfg)
}

// NewWithCollection creates a MongoLock storing its documents in locks.
func NewWithCollection(locks Collection, opts ...gcoord.OptionFunc) *MongoLock {
	return newLock(locks, gcoord.NewConfig(opts...))
}

func newLock(locks Collection, cfg *gcoord.Config) *MongoLock {
	return &MongoLock{
		locks:      locks,
		ttlField:   cfg.TTLField,
		ownerField: cfg.OwnerField,
		clock:      cfg.Clock,
		tel:        gcoord.NewTelemetry(cfg),
	}
}

// Name implements gcoord.Backend.
func (m *MongoLock) Name() string {
	return gcoord.BackendMongoDB
}

// EnsureIndexes creates the TTL index that lets MongoDB purge lapsed locks.
// Expiry is still checked on every operation; the index only cleans up.
func (m *MongoLock) EnsureIndexes(ctx context.Context) error {
	_, err := m.locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: m.ttlField, Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return gcoord.Unavailable(err)
	}

	return nil
}

func (m *MongoLock) expiry(lease time.Duration) any {
	if lease <= 0 {
		return nil
	}

	return m.clock.Now().Add(lease)
}

// liveFilter matches a lock of key held by owner whose lease has not run out.
func (m *MongoLock) liveFilter(key, owner string, now time.Time) bson.D {
	return bson.D{
		{Key: "_id", Value: key},
		{Key: m.ownerField, Value: owner},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: m.ttlField, Value: nil}},
			bson.D{{Key: m.ttlField, Value: bson.D{{Key: "$gt", Value: now}}}},
		}},
	}
}

// acquireFilter matches key when owner may take it: already owned by owner
// or lapsed. A missing document is upserted.
func (m *MongoLock) acquireFilter(key, owner string, now time.Time) bson.D {
	return bson.D{
		{Key: "_id", Value: key},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: m.ownerField, Value: owner}},
			bson.D{{Key: m.ttlField, Value: bson.D{{Key: "$lte", Value: now}}}},
		}},
	}
}

// Acquire attempts to acquire key for owner with a single upsert. When the
// document is held by someone else the filter misses and the insert collides
// on _id.
func (m *MongoLock) Acquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := m.tel.RecordStart(ctx, gcoord.BackendMongoDB, gcoord.ActionAcquire, key)
	defer span.End()

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: m.ownerField, Value: owner},
		{Key: m.ttlField, Value: m.expiry(lease)},
	}}}
	_, err := m.locks.UpdateOne(ctx, m.acquireFilter(key, owner, m.clock.Now()), update,
		options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		m.tel.RecordMiss(ctx, span, gcoord.BackendMongoDB, gcoord.ActionAcquire, key)
		return false, nil
	}
	if err != nil {
		return false, gcoord.Unavailable(m.tel.HandleError(ctx, span, err, gcoord.BackendMongoDB,
			gcoord.ActionAcquire, "failed to acquire lock", key))
	}

	m.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendMongoDB, gcoord.ActionAcquiredSuccessfully, key)

	return true, nil
}

// Renew extends the lease of key while owner holds it.
func (m *MongoLock) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := m.tel.RecordStart(ctx, gcoord.BackendMongoDB, gcoord.ActionRenew, key)
	defer span.End()

	update := bson.D{{Key: "$set", Value: bson.D{{Key: m.ttlField, Value: m.expiry(lease)}}}}
	res, err := m.locks.UpdateOne(ctx, m.liveFilter(key, owner, m.clock.Now()), update)
	if err != nil {
		return false, gcoord.Unavailable(m.tel.HandleError(ctx, span, err, gcoord.BackendMongoDB,
			gcoord.ActionRenew, "failed to renew lock", key))
	}

	if res.MatchedCount == 0 {
		m.tel.RecordMiss(ctx, span, gcoord.BackendMongoDB, gcoord.ActionRenew, key)
		return false, nil
	}

	m.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendMongoDB, gcoord.ActionRenewedSuccessfully, key)

	return true, nil
}

// Release deletes key if owner holds it.
func (m *MongoLock) Release(ctx context.Context, key, owner string) (bool, error) {
	startTime := time.Now()
	ctx, span := m.tel.RecordStart(ctx, gcoord.BackendMongoDB, gcoord.ActionRelease, key)
	defer span.End()

	res, err := m.locks.DeleteOne(ctx, m.liveFilter(key, owner, m.clock.Now()))
	if err != nil {
		return false, gcoord.Unavailable(m.tel.HandleError(ctx, span, err, gcoord.BackendMongoDB,
			gcoord.ActionRelease, "failed to release lock", key))
	}

	if res.DeletedCount == 0 {
		m.tel.RecordMiss(ctx, span, gcoord.BackendMongoDB, gcoord.ActionRelease, key)
		return false, nil
	}

	m.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendMongoDB, gcoord.ActionReleasedSuccessfully, key)

	return true, nil
}

// ForceRelease deletes key whoever holds it.
func (m *MongoLock) ForceRelease(ctx context.Context, key string) (bool, error) {
	startTime := time.Now()
	ctx, span := m.tel.RecordStart(ctx, gcoord.BackendMongoDB, gcoord.ActionForceRelease, key)
	defer span.End()

	res, err := m.locks.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}})
	if err != nil {
		return false, gcoord.Unavailable(m.tel.HandleError(ctx, span, err, gcoord.BackendMongoDB,
			gcoord.ActionForceRelease, "failed to force release lock", key))
	}

	if res.DeletedCount == 0 {
		m.tel.RecordMiss(ctx, span, gcoord.BackendMongoDB, gcoord.ActionForceRelease, key)
		return false, nil
	}

	m.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendMongoDB, gcoord.ActionForceRelease, key)

	return true, nil
}

// TTL reports the lease left on key.
func (m *MongoLock) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := m.tel.RecordStart(ctx, gcoord.BackendMongoDB, gcoord.ActionTTL, key)
	defer span.End()

	var doc bson.M
	err := m.locks.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return gcoord.TTLAbsent, nil
	}
	if err != nil {
		return 0, gcoord.Unavailable(m.tel.HandleError(ctx, span, err, gcoord.BackendMongoDB,
			gcoord.ActionTTL, "failed to get lock", key))
	}

	return remaining(doc[m.ttlField], m.clock.Now()), nil
}

// remaining converts a stored expiry, decoded by the driver as a
// primitive.DateTime or time.Time, into the time left.
func remaining(v any, now time.Time) time.Duration {
	var expires time.Time
	switch t := v.(type) {
	case nil:
		return gcoord.TTLNoExpiry
	case time.Time:
		expires = t
	case interface{ Time() time.Time }:
		expires = t.Time()
	default:
		return gcoord.TTLNoExpiry
	}

	if !expires.After(now) {
		return gcoord.TTLAbsent
	}

	return expires.Sub(now)
}
