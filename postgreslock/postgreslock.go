package postgreslock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/companyinfo/gcoord"
)

// DB is the part of *sql.DB the lock uses. *sql.Conn and *sql.Tx satisfy it too.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresLock is an implementation of gcoord.Backend using PostgreSQL. Each
// lock is a row keyed by the lock key holding the owner and the expiry; a NULL
// expiry never lapses. Expiry is compared against the server clock.
type PostgresLock struct {
	client  DB
	queries queries
	tel     *gcoord.Telemetry
}

var _ gcoord.Backend = (*PostgresLock)(nil)

type queries struct {
	create, acquire, renew, release, forceRelease, ttl string
}

// expiryExpr turns a lease in milliseconds into an expiry, NULL for <= 0.
const expiryExpr = `CASE WHEN $3::bigint > 0 THEN NOW() + $3::bigint * INTERVAL '1 millisecond' END`

func buildQueries(table, lockField, ownerField, ttlField string) queries {
	live := fmt.Sprintf(`%s = $1 AND %s = $2 AND (%s IS NULL OR %s > NOW())`,
		lockField, ownerField, ttlField, ttlField)

	return queries{
		create: fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        %s TEXT PRIMARY KEY,
        %s TEXT NOT NULL,
        %s TIMESTAMPTZ NULL
    )`, table, lockField, ownerField, ttlField), // #nosec G201
		acquire: fmt.Sprintf(`
    INSERT INTO %s (%s, %s, %s)
    VALUES ($1, $2, %s)
    ON CONFLICT (%s)
    DO UPDATE SET %s = EXCLUDED.%s, %s = EXCLUDED.%s
    WHERE %s.%s = $2 OR %s.%s <= NOW()`,
			table, lockField, ownerField, ttlField, expiryExpr, lockField,
			ownerField, ownerField, ttlField, ttlField,
			table, ownerField, table, ttlField), // #nosec G201
		renew: fmt.Sprintf(`UPDATE %s SET %s = %s WHERE %s`,
			table, ttlField, expiryExpr, live), // #nosec G201
		release: fmt.Sprintf(`DELETE FROM %s WHERE %s`, table, live), // #nosec G201
		forceRelease: fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`,
			table, lockField), // #nosec G201
		ttl: fmt.Sprintf(`
    SELECT %s IS NULL, COALESCE(FLOOR(EXTRACT(EPOCH FROM (%s - NOW())) * 1000)::bigint, 0)
    FROM %s WHERE %s = $1`,
			ttlField, ttlField, table, lockField), // #nosec G201
	}
}

// New creates a new PostgresLock instance. Table and column names come from
// gcoord.WithTable, gcoord.WithLockField, gcoord.WithOwnerField and
// gcoord.WithTTLField.
func New(client DB, opts ...gcoord.OptionFunc) *PostgresLock {
	cfg := gcoord.NewConfig(opts...)

	return &PostgresLock{
		client:  client,
		queries: buildQueries(cfg.Table, cfg.LockField, cfg.OwnerField, cfg.TTLField),
		tel:     gcoord.NewTelemetry(cfg),
	}
}

// Name implements gcoord.Backend.
func (p *PostgresLock) Name() string {
	return gcoord.BackendPostgres
}

// EnsureTable creates the lock table if it does not exist.
func (p *PostgresLock) EnsureTable(ctx context.Context) error {
	if _, err := p.client.ExecContext(ctx, p.queries.create); err != nil {
		return gcoord.Unavailable(err)
	}

	return nil
}

func leaseMillis(lease time.Duration) int64 {
	if lease <= 0 {
		return 0
	}

	return max(lease.Milliseconds(), 1)
}

// exec runs a single-row statement and reports whether it touched the row.
func (p *PostgresLock) exec(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := p.client.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

// Acquire attempts to acquire key for owner with a single upsert that only
// overwrites a row owner already holds or whose lease ran out.
func (p *PostgresLock) Acquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := p.tel.RecordStart(ctx, gcoord.BackendPostgres, gcoord.ActionAcquire, key)
	defer span.End()

	ok, err := p.exec(ctx, p.queries.acquire, key, owner, leaseMillis(lease))
	if err != nil {
		return false, gcoord.Unavailable(p.tel.HandleError(ctx, span, err, gcoord.BackendPostgres,
			gcoord.ActionAcquire, "failed to insert/update lock", key))
	}

	if !ok {
		p.tel.RecordMiss(ctx, span, gcoord.BackendPostgres, gcoord.ActionAcquire, key)
		return false, nil
	}

	p.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendPostgres, gcoord.ActionAcquiredSuccessfully, key)

	return true, nil
}

// Renew extends the lease of key while owner holds it.
func (p *PostgresLock) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := p.tel.RecordStart(ctx, gcoord.BackendPostgres, gcoord.ActionRenew, key)
	defer span.End()

	ok, err := p.exec(ctx, p.queries.renew, key, owner, leaseMillis(lease))
	if err != nil {
		return false, gcoord.Unavailable(p.tel.HandleError(ctx, span, err, gcoord.BackendPostgres,
			gcoord.ActionRenew, "failed to renew", key))
	}

	if !ok {
		p.tel.RecordMiss(ctx, span, gcoord.BackendPostgres, gcoord.ActionRenew, key)
		return false, nil
	}

	p.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendPostgres, gcoord.ActionRenewedSuccessfully, key)

	return true, nil
}

// Release deletes the row of key if owner holds it.
func (p *PostgresLock) Release(ctx context.Context, key, owner string) (bool, error) {
	startTime := time.Now()
	ctx, span := p.tel.RecordStart(ctx, gcoord.BackendPostgres, gcoord.ActionRelease, key)
	defer span.End()

	ok, err := p.exec(ctx, p.queries.release, key, owner)
	if err != nil {
		return false, gcoord.Unavailable(p.tel.HandleError(ctx, span, err, gcoord.BackendPostgres,
			gcoord.ActionRelease, "failed to delete lock", key))
	}

	if !ok {
		p.tel.RecordMiss(ctx, span, gcoord.BackendPostgres, gcoord.ActionRelease, key)
		return false, nil
	}

	p.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendPostgres, gcoord.ActionReleasedSuccessfully, key)

	return true, nil
}

// ForceRelease deletes the row of key whoever holds it.
func (p *PostgresLock) ForceRelease(ctx context.Context, key string) (bool, error) {
	startTime := time.Now()
	ctx, span := p.tel.RecordStart(ctx, gcoord.BackendPostgres, gcoord.ActionForceRelease, key)
	defer span.End()

	ok, err := p.exec(ctx, p.queries.forceRelease, key)
	if err != nil {
		return false, gcoord.Unavailable(p.tel.HandleError(ctx, span, err, gcoord.BackendPostgres,
			gcoord.ActionForceRelease, "failed to delete lock", key))
	}

	if !ok {
		p.tel.RecordMiss(ctx, span, gcoord.BackendPostgres, gcoord.ActionForceRelease, key)
		return false, nil
	}

	p.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendPostgres, gcoord.ActionForceRelease, key)

	return true, nil
}

// TTL reports the lease left on key.
func (p *PostgresLock) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := p.tel.RecordStart(ctx, gcoord.BackendPostgres, gcoord.ActionTTL, key)
	defer span.End()

	var (
		noExpiry bool
		left     int64
	)
	err := p.client.QueryRowContext(ctx, p.queries.ttl, key).Scan(&noExpiry, &left)
	if errors.Is(err, sql.ErrNoRows) {
		return gcoord.TTLAbsent, nil
	}
	if err != nil {
		return 0, gcoord.Unavailable(p.tel.HandleError(ctx, span, err, gcoord.BackendPostgres,
			gcoord.ActionTTL, "failed to query lock", key))
	}

	switch {
	case noExpiry:
		return gcoord.TTLNoExpiry, nil
	case left <= 0:
		return gcoord.TTLAbsent, nil
	default:
		return time.Duration(left) * time.Millisecond, nil
	}
}
