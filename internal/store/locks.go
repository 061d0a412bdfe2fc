package store

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

// AdvisoryLockManager serializes scan executions per tenant with Postgres
// session advisory locks. The lock lives on a dedicated pooled connection
// that is held until release, so a crashed holder's lock disappears with
// its session.
type AdvisoryLockManager struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLockManager(pool *pgxpool.Pool) (*AdvisoryLockManager, error) {
	if pool == nil {
		return nil, errors.New("lock pool is nil")
	}
	return &AdvisoryLockManager{pool: pool}, nil
}

// TryAcquire attempts the tenant's scan lock without blocking. ok is false
// when another session holds it.
func (m *AdvisoryLockManager) TryAcquire(ctx context.Context, tenantID uuid.UUID) (scan.Unlock, bool, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	key := tenantLockKey(tenantID)
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	unlock := func(ctx context.Context) error {
		var unlockErr error
		once.Do(func() {
			_, unlockErr = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
			conn.Release()
		})
		return unlockErr
	}
	return unlock, true, nil
}

// tenantLockKey hashes the tenant id into the 64-bit advisory lock space.
// The "scan" prefix keeps the keyspace disjoint from any other advisory
// use of the same database.
func tenantLockKey(tenantID uuid.UUID) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("scan"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(tenantID.String()))
	return int64(h.Sum64())
}
