// Package connector abstracts the SQL databases markgate can keep its
// credential, user and audit records in. Each driver subpackage supplies the
// connection setup, schema DDL and error classification for one engine; the
// config store speaks to all of them through the Connector interface.
package connector

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// ConnectionConfig holds database connection parameters.
type ConnectionConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Connector is the interface every storage driver implements.
type Connector interface {
	// Connect opens and verifies a connection pool for cfg.
	Connect(cfg ConnectionConfig) (*sqlx.DB, error)

	// Migrations returns idempotent DDL statements, in order, that create
	// the credentials, users and audit_events tables for this engine.
	Migrations() []string

	// IgnoreMigrationError reports whether a DDL failure means the object
	// already exists and can be skipped.
	IgnoreMigrationError(err error) bool

	// IsUniqueViolation reports whether err is a unique-constraint failure.
	IsUniqueViolation(err error) bool

	// Limit returns the clause that caps a result set at n rows. It is
	// appended after the ORDER BY clause.
	Limit(n int) string
}

// ApplyPool copies the non-zero pool settings in cfg onto db.
func ApplyPool(db *sqlx.DB, cfg ConnectionConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}
