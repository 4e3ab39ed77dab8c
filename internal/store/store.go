// Package store is the Postgres persistence layer: contacts, events,
// the email queue, message audit rows, sender cooldown stats, bounce
// quarantine, custom flows, and the advisory locks that serialize the
// workers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// Advisory lock keys, one per singleton worker. Session-scoped: held on
// a dedicated connection for the lifetime of the worker.
const (
	LockDecisionEngine int64 = 427001
	LockQueueWorker    int64 = 427002
	LockReplyDetector  int64 = 427003
)

// Store wraps the database handle. All methods take a context; methods
// that participate in a larger transaction take the *sql.Tx explicitly.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for callers that need their own statements.
func (s *Store) DB() *sql.DB { return s.db }

// DBNow returns the database clock. The queue worker compares due times
// against this rather than the host clock to tolerate skew.
func (s *Store) DBNow(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.db.QueryRowContext(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("read db clock: %w", err)
	}
	return now, nil
}

// BeginTx opens a transaction with default isolation.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// WithTx runs fn in a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// TryAdvisoryXactLock takes the per-contact transaction-scoped lock.
// Released automatically at commit/rollback. A false return means some
// other worker holds the contact right now.
func (s *Store) TryAdvisoryXactLock(ctx context.Context, tx *sql.Tx, contactID int64) (bool, error) {
	var got bool
	err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, contactID).Scan(&got)
	if err != nil {
		return false, fmt.Errorf("advisory xact lock: %w", err)
	}
	return got, nil
}

// WorkerLock is a session-scoped advisory lock pinned to a dedicated
// connection. It guarantees at most one instance of a given worker runs
// cluster-wide.
type WorkerLock struct {
	conn *sql.Conn
	key  int64
}

// AcquireWorkerLock attempts the session lock for key. Returns nil lock
// (and nil error) when another process already holds it.
func (s *Store) AcquireWorkerLock(ctx context.Context, key int64) (*WorkerLock, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock %d: %w", key, err)
	}
	if !got {
		conn.Close()
		return nil, nil
	}
	return &WorkerLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the connection to the pool.
func (l *WorkerLock) Release(ctx context.Context) {
	if l == nil || l.conn == nil {
		return
	}
	if _, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
		log.Printf("[Store] failed to release advisory lock %d: %v", l.key, err)
	}
	l.conn.Close()
	l.conn = nil
}
