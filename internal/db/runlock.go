package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// RunLock is a held database advisory lock. Advisory locks are session-scoped,
// so the lock pins one pooled connection until released.
type RunLock struct {
	conn   *pgxpool.Conn
	lockID int64
}

// TryAcquireRunLock attempts to take the process-wide advisory lock without
// blocking. Returns (nil, nil) when another holder exists. This is what
// guarantees at-most-one concurrent pipeline across replicas sharing the
// database.
func (db *DB) TryAcquireRunLock(ctx context.Context, lockID int64) (*RunLock, error) {
	if db.raw == nil {
		return nil, fmt.Errorf("run lock requires a real connection pool")
	}

	conn, err := db.raw.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for run lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to try advisory lock: %w", err)
	}

	if !acquired {
		conn.Release()
		return nil, nil
	}

	return &RunLock{conn: conn, lockID: lockID}, nil
}

// Release unlocks the advisory lock and returns the connection to the pool.
func (l *RunLock) Release(ctx context.Context) {
	if l == nil || l.conn == nil {
		return
	}

	var released bool
	if err := l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, l.lockID).Scan(&released); err != nil {
		log.Error().Err(err).Int64("lock_id", l.lockID).Msg("Failed to release advisory lock")
	} else if !released {
		log.Warn().Int64("lock_id", l.lockID).Msg("Advisory lock was not held at release")
	}

	l.conn.Release()
	l.conn = nil
}
