package controller

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// DefaultLockKey is the advisory lock id shared by every instance.
const DefaultLockKey int64 = 0x766f7563686572 // "voucher"

// Locker keeps a second instance from settling the same listings.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// PostgresLocker holds a session-level pg advisory lock on a dedicated
// connection for as long as the service is initialized.
type PostgresLocker struct {
	db  *sql.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPostgresLocker creates a locker over db.
func NewPostgresLocker(db *sql.DB, key int64) *PostgresLocker {
	return &PostgresLocker{db: db, key: key}
}

// TryAcquire takes the lock without waiting. Acquiring a lock this locker
// already holds succeeds.
func (l *PostgresLocker) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return true, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("lock connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *PostgresLocker) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	defer func() { _ = conn.Close() }()

	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&ok); err != nil {
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	return nil
}
