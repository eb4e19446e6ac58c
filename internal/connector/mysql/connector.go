package mysql

import (
	"errors"
	"fmt"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/markgate/markgate/internal/connector"
)

// MySQL server error numbers.
const (
	errDupEntry   = 1062
	errDupKeyName = 1061
	errDupField   = 1060
)

// MySQLConnector implements connector.Connector for MySQL databases.
type MySQLConnector struct{}

// New creates a new MySQLConnector.
func New() connector.Connector {
	return &MySQLConnector{}
}

// Connect establishes a connection to the MySQL database. parseTime is forced
// on so DATETIME columns scan into time.Time, and the session runs in UTC.
func (c *MySQLConnector) Connect(cfg connector.ConnectionConfig) (*sqlx.DB, error) {
	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Connect("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	connector.ApplyPool(db, cfg)
	return db, nil
}

func normalizeDSN(dsn string) (string, error) {
	mc, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	mc.ParseTime = true
	if mc.Params == nil {
		mc.Params = map[string]string{}
	}
	if _, ok := mc.Params["time_zone"]; !ok {
		mc.Params["time_zone"] = "'+00:00'"
	}
	return mc.FormatDSN(), nil
}

// Migrations returns the MySQL schema. MySQL has no CREATE INDEX IF NOT
// EXISTS, so indexes are declared inline.
func (c *MySQLConnector) Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			email VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			created_at DATETIME(6) NOT NULL,
			UNIQUE KEY uq_users_email (email)
		)`,

		`CREATE TABLE IF NOT EXISTS credentials (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			secret_hash VARCHAR(255) NOT NULL,
			role VARCHAR(16) NOT NULL DEFAULT 'user',
			owner_id VARCHAR(36) NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at DATETIME(6) NOT NULL,
			last_used_at DATETIME(6) NULL,
			expires_at DATETIME(6) NULL,
			UNIQUE KEY uq_credentials_name (name),
			KEY idx_credentials_active (is_active),
			CONSTRAINT fk_credentials_owner FOREIGN KEY (owner_id) REFERENCES users(id)
		)`,

		`CREATE TABLE IF NOT EXISTS audit_events (
			id VARCHAR(36) PRIMARY KEY,
			seq BIGINT NOT NULL,
			action VARCHAR(64) NOT NULL,
			actor_id VARCHAR(36) NULL,
			outcome VARCHAR(16) NOT NULL,
			detail TEXT NOT NULL,
			occurred_at DATETIME(6) NOT NULL,
			KEY idx_audit_events_occurred (occurred_at, seq),
			KEY idx_audit_events_actor (actor_id)
		)`,
	}
}

// IgnoreMigrationError skips duplicate column and duplicate key name errors.
func (c *MySQLConnector) IgnoreMigrationError(err error) bool {
	var me *mysqldriver.MySQLError
	if errors.As(err, &me) {
		return me.Number == errDupField || me.Number == errDupKeyName
	}
	return false
}

// IsUniqueViolation reports whether err is ER_DUP_ENTRY.
func (c *MySQLConnector) IsUniqueViolation(err error) bool {
	var me *mysqldriver.MySQLError
	return errors.As(err, &me) && me.Number == errDupEntry
}

// Limit returns a LIMIT clause.
func (c *MySQLConnector) Limit(n int) string {
	return fmt.Sprintf("LIMIT %d", n)
}
