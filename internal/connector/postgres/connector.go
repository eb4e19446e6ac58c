package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/markgate/markgate/internal/connector"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresConnector implements connector.Connector for PostgreSQL databases.
type PostgresConnector struct{}

// New creates a new PostgresConnector.
func New() connector.Connector {
	return &PostgresConnector{}
}

// Connect establishes a connection pool through pgx's database/sql driver.
func (c *PostgresConnector) Connect(cfg connector.ConnectionConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	connector.ApplyPool(db, cfg)
	return db, nil
}

// Migrations returns the PostgreSQL schema.
func (c *PostgresConnector) Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			secret_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			owner_id TEXT REFERENCES users(id),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ
		)`,

		`CREATE INDEX IF NOT EXISTS idx_credentials_active ON credentials(is_active)`,

		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			seq BIGINT NOT NULL,
			action TEXT NOT NULL,
			actor_id TEXT,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			occurred_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred ON audit_events(occurred_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor_id)`,
	}
}

// IgnoreMigrationError skips duplicate_column and duplicate_object errors.
func (c *PostgresConnector) IgnoreMigrationError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42701" || pgErr.Code == "42710"
	}
	return false
}

// IsUniqueViolation reports whether err carries SQLSTATE 23505.
func (c *PostgresConnector) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Limit returns a LIMIT clause.
func (c *PostgresConnector) Limit(n int) string {
	return fmt.Sprintf("LIMIT %d", n)
}
