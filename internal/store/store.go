// Package store manages the PostgreSQL database that is the single source of
// truth for every event the engine tracks across its managed calendars.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods. Records are never physically
// removed; deletion is soft (deleted_at set) so history stays available for
// dedup and audit.
package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed record repository.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database at databaseURL, applies pending schema
// migrations, and returns a ready Store.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// HealthCheck verifies that the database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithLock runs fn while holding the named advisory lock. The lock is
// session-scoped and blocking: a second caller with the same key waits until
// the first returns. It is always released, on success or failure.
//
// Locks live in the database, not in process memory, so mutual exclusion
// holds across concurrent engine instances.
func (s *Store) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for lock %q: %w", key, err)
	}
	defer conn.Release()

	id := lockID(key)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		return fmt.Errorf("acquiring advisory lock %q: %w", key, err)
	}
	defer func() {
		// Unlock on the same session; ignore the result — releasing the
		// connection would drop the lock anyway.
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, id)
	}()

	return fn(ctx)
}

// lockID folds a lock key string into the signed 64-bit integer PostgreSQL
// advisory locks require. FNV-1a is deterministic across processes, which is
// what makes the lock meaningful between independent engine instances.
func lockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
