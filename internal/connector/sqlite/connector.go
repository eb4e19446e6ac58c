package sqlite

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/markgate/markgate/internal/connector"
)

// SQLiteConnector implements connector.Connector for SQLite databases.
type SQLiteConnector struct{}

// New creates a new SQLiteConnector.
func New() connector.Connector {
	return &SQLiteConnector{}
}

// Connect opens the SQLite database named by the DSN. The DSN is a file path
// or ":memory:", optionally with query parameters like ?_journal_mode=WAL.
// SQLite serializes writers, so the pool is pinned to a single connection.
func (c *SQLiteConnector) Connect(cfg connector.ConnectionConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite connect: %w", err)
	}
	connector.ApplyPool(db, cfg)
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// Migrations returns the SQLite schema.
func (c *SQLiteConnector) Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			secret_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			owner_id TEXT REFERENCES users(id),
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			last_used_at DATETIME,
			expires_at DATETIME
		)`,

		`CREATE INDEX IF NOT EXISTS idx_credentials_active ON credentials(is_active)`,

		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			action TEXT NOT NULL,
			actor_id TEXT,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			occurred_at DATETIME NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred ON audit_events(occurred_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor_id)`,
	}
}

// IgnoreMigrationError treats "duplicate column" as a no-op so ALTER TABLE
// ADD COLUMN migrations can be re-run.
func (c *SQLiteConnector) IgnoreMigrationError(err error) bool {
	return strings.Contains(err.Error(), "duplicate column")
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY
// constraint failure.
func (c *SQLiteConnector) IsUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// Limit returns a LIMIT clause.
func (c *SQLiteConnector) Limit(n int) string {
	return fmt.Sprintf("LIMIT %d", n)
}
