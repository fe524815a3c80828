// Package store owns all durable state: tenants, the bot-type catalog,
// subscriptions, the trial-lock ledger, scheduled tasks, and the webhook
// idempotency ledger. Every mutation goes through this package; other
// components read or request changes, never touch rows directly.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store provides CRUD operations over the panel database backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the panel database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "panel.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open panel db: %w", err)
	}
	// A single connection serializes writes; SQLite handles the rest.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id  TEXT NOT NULL,
		platform     TEXT NOT NULL DEFAULT 'discord',
		display_name TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		UNIQUE(external_id, platform)
	);
	CREATE TABLE IF NOT EXISTS bot_types (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		key          TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS subscriptions (
		id                       INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id                INTEGER NOT NULL REFERENCES tenants(id),
		bot_type_id              INTEGER NOT NULL REFERENCES bot_types(id),
		status                   TEXT NOT NULL DEFAULT 'trial',
		trial_until              INTEGER,
		current_period_end       INTEGER,
		cancel_at_period_end     INTEGER NOT NULL DEFAULT 0,
		external_subscription_id TEXT NOT NULL DEFAULT '',
		external_customer_id     TEXT NOT NULL DEFAULT '',
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL,
		UNIQUE(tenant_id, bot_type_id)
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_bot_type ON subscriptions(bot_type_id);
	CREATE TABLE IF NOT EXISTS trial_locks (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		end_user_id        TEXT NOT NULL,
		bot_type_key       TEXT NOT NULL,
		tenant_external_id TEXT NOT NULL,
		expires_at         INTEGER NOT NULL,
		created_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trial_locks_end_user ON trial_locks(end_user_id);
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id    INTEGER NOT NULL REFERENCES tenants(id),
		bot_type_key TEXT NOT NULL,
		task_type    TEXT NOT NULL,
		task_param   TEXT NOT NULL DEFAULT '',
		frequency    TEXT NOT NULL DEFAULT 'weekly',
		day_of_week  TEXT NOT NULL DEFAULT '',
		time_of_day  TEXT NOT NULL,
		channel_ref  TEXT NOT NULL,
		is_active    INTEGER NOT NULL DEFAULT 1,
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_bot_key ON scheduled_tasks(bot_type_key);
	CREATE TABLE IF NOT EXISTS webhook_events (
		id                TEXT PRIMARY KEY,
		provider_event_id TEXT NOT NULL UNIQUE,
		event_type        TEXT NOT NULL,
		processed_at      INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init panel schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
