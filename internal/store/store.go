// Package store implements the gateway's persistent store: an embedded,
// single-writer SQLite database reached exclusively through database/sql.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the gateway's persistent store. It owns the single writer
// connection to the embedded database and exposes the small synchronous
// query/execute/transaction primitives every component builds on.
type Store struct {
	db *sql.DB
}

// Open creates (if necessary) and opens the database at path, running the
// idempotent schema migration before returning.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// The gateway is a single-writer process; one connection avoids SQLite
	// SQLITE_BUSY errors under concurrent background workers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS merchants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT,
			xpub TEXT NOT NULL,
			next_address_index INTEGER NOT NULL DEFAULT 0,
			api_key_plaintext TEXT,
			api_key_digest TEXT,
			webhook_url TEXT,
			webhook_secret TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_merchants_api_key_digest ON merchants(api_key_digest);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_merchants_email ON merchants(email) WHERE email IS NOT NULL AND email != '';`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			address TEXT NOT NULL,
			address_index INTEGER NOT NULL,
			amount_sompi TEXT NOT NULL,
			status TEXT NOT NULL,
			subscription_token TEXT NOT NULL,
			tx_id TEXT,
			initial_blue_score TEXT,
			confirmations INTEGER NOT NULL DEFAULT 0,
			order_id TEXT,
			metadata TEXT,
			redirect_url TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			paid_at TEXT,
			confirmed_at TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_address ON sessions(address) WHERE status IN ('pending','confirming');`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_merchant_status_created ON sessions(merchant_id, status, created_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_merchant_address_index ON sessions(merchant_id, address_index);`,
		`CREATE TABLE IF NOT EXISTS webhook_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			merchant_id TEXT NOT NULL,
			event TEXT NOT NULL,
			payload BLOB NOT NULL,
			delivery_id TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_response_code INTEGER,
			last_response_body TEXT,
			next_retry_at TEXT,
			created_at TEXT NOT NULL,
			delivered_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_logs_merchant ON webhook_logs(merchant_id, event);`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_logs_retry ON webhook_logs(next_retry_at) WHERE delivered_at IS NULL;`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting store methods
// run unchanged whether or not they are nested inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns the active querier: the ambient transaction if one is bound
// to ctx, else the store's db handle directly.
func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return s.db
}

type txKey struct{}

func txFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// WithTx runs fn inside a database transaction bound to the context passed
// to fn, committing on success and rolling back on error or panic. Nested
// calls reuse the ambient transaction rather than opening a new one, so
// store methods can be composed freely inside fn.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := txFromContext(ctx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err = fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
