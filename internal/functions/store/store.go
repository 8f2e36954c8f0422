package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists per-user entitlement, push and webhook bookkeeping records
// in SQLite. Every table is keyed by user ID; provider IDs are reachable
// through secondary indexes.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the store database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "functions.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_credits (
		user_id        TEXT PRIMARY KEY,
		report_credits INTEGER NOT NULL DEFAULT 0,
		updated_at     INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS purchase_history (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id      TEXT NOT NULL,
		dedup_key    TEXT NOT NULL UNIQUE,
		credits      INTEGER NOT NULL,
		payment_id   TEXT NOT NULL DEFAULT '',
		purchased_at TEXT NOT NULL,
		amount       REAL NOT NULL DEFAULT 0,
		currency     TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_purchase_history_user ON purchase_history(user_id, id);

	CREATE TABLE IF NOT EXISTS subscription_info (
		user_id                TEXT PRIMARY KEY,
		has_access             INTEGER NOT NULL DEFAULT 0,
		status                 TEXT NOT NULL DEFAULT '',
		subscription_type      TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		current_period_start   INTEGER,
		current_period_end     INTEGER,
		cancel_at_period_end   INTEGER NOT NULL DEFAULT 0,
		cancelled_at           INTEGER,
		last_payment_failed    INTEGER,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscription_info_subscription_id
		ON subscription_info(stripe_subscription_id) WHERE stripe_subscription_id <> '';
	CREATE INDEX IF NOT EXISTS idx_subscription_info_customer_id
		ON subscription_info(stripe_customer_id) WHERE stripe_customer_id <> '';

	CREATE TABLE IF NOT EXISTS subscription_trial (
		user_id      TEXT PRIMARY KEY,
		status       TEXT NOT NULL,
		started_at   INTEGER,
		converted_at INTEGER,
		converted_to TEXT NOT NULL DEFAULT '',
		updated_at   INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_meta (
		user_id      TEXT PRIMARY KEY,
		inbox_unread INTEGER NOT NULL DEFAULT 0,
		updated_at   INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS push_tokens (
		user_id    TEXT NOT NULL,
		token      TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, token)
	);

	CREATE TABLE IF NOT EXISTS inbox_messages (
		user_id    TEXT NOT NULL,
		id         TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		body       TEXT NOT NULL DEFAULT '',
		subtitle   TEXT NOT NULL DEFAULT '',
		type       TEXT NOT NULL DEFAULT '',
		schema_id  TEXT NOT NULL DEFAULT '',
		report_id  TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, id)
	);

	CREATE TABLE IF NOT EXISTS webhook_events (
		event_id   TEXT PRIMARY KEY,
		type       TEXT NOT NULL DEFAULT '',
		state      TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		handled_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_events_state_handled ON webhook_events(state, handled_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init store schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx runs fn inside a transaction. The store holds a single connection,
// so fn must only use tx.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func timeFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
