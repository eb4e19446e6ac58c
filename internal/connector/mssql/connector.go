package mssql

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/markgate/markgate/internal/connector"
)

// SQL Server error numbers for unique index and unique constraint violations.
const (
	errUniqueIndex      = 2601
	errUniqueConstraint = 2627
)

// MSSQLConnector implements connector.Connector for SQL Server databases.
type MSSQLConnector struct{}

// New creates a new MSSQLConnector.
func New() connector.Connector {
	return &MSSQLConnector{}
}

// Connect establishes a connection to the SQL Server database.
func (c *MSSQLConnector) Connect(cfg connector.ConnectionConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql connect: %w", err)
	}
	connector.ApplyPool(db, cfg)
	return db, nil
}

// Migrations returns the SQL Server schema. T-SQL has no CREATE TABLE IF NOT
// EXISTS, so each table is guarded with OBJECT_ID.
func (c *MSSQLConnector) Migrations() []string {
	return []string{
		`IF OBJECT_ID(N'users', N'U') IS NULL
		CREATE TABLE users (
			id NVARCHAR(36) PRIMARY KEY,
			name NVARCHAR(255) NOT NULL,
			email NVARCHAR(255) NOT NULL CONSTRAINT uq_users_email UNIQUE,
			status NVARCHAR(16) NOT NULL DEFAULT 'active',
			created_at DATETIME2 NOT NULL
		)`,

		`IF OBJECT_ID(N'credentials', N'U') IS NULL
		CREATE TABLE credentials (
			id NVARCHAR(36) PRIMARY KEY,
			name NVARCHAR(255) NOT NULL CONSTRAINT uq_credentials_name UNIQUE,
			secret_hash NVARCHAR(255) NOT NULL,
			role NVARCHAR(16) NOT NULL DEFAULT 'user',
			owner_id NVARCHAR(36) NULL REFERENCES users(id),
			is_active BIT NOT NULL DEFAULT 1,
			created_at DATETIME2 NOT NULL,
			last_used_at DATETIME2 NULL,
			expires_at DATETIME2 NULL,
			INDEX idx_credentials_active (is_active)
		)`,

		`IF OBJECT_ID(N'audit_events', N'U') IS NULL
		CREATE TABLE audit_events (
			id NVARCHAR(36) PRIMARY KEY,
			seq BIGINT NOT NULL,
			action NVARCHAR(64) NOT NULL,
			actor_id NVARCHAR(36) NULL,
			outcome NVARCHAR(16) NOT NULL,
			detail NVARCHAR(MAX) NOT NULL,
			occurred_at DATETIME2 NOT NULL,
			INDEX idx_audit_events_occurred (occurred_at, seq),
			INDEX idx_audit_events_actor (actor_id)
		)`,
	}
}

// IgnoreMigrationError always returns false; every statement is guarded.
func (c *MSSQLConnector) IgnoreMigrationError(err error) bool {
	return false
}

// IsUniqueViolation reports whether err is error 2601 or 2627.
func (c *MSSQLConnector) IsUniqueViolation(err error) bool {
	var me mssqldb.Error
	if errors.As(err, &me) {
		return me.Number == errUniqueIndex || me.Number == errUniqueConstraint
	}
	return false
}

// Limit returns an OFFSET/FETCH clause. It requires a preceding ORDER BY.
func (c *MSSQLConnector) Limit(n int) string {
	return fmt.Sprintf("OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", n)
}
