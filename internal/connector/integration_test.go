package connector_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/markgate/markgate/internal/connector"
	"github.com/markgate/markgate/internal/connector/mssql"
	"github.com/markgate/markgate/internal/connector/mysql"
	"github.com/markgate/markgate/internal/connector/postgres"
	"github.com/markgate/markgate/internal/connector/sqlite"
)

func TestMain(m *testing.M) {
	if os.Getenv("MARKGATE_INTEGRATION") == "" {
		fmt.Println("skipping integration tests: set MARKGATE_INTEGRATION=1 to run")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// Helper: run a common suite of sub-tests against any connector
// ---------------------------------------------------------------------------

func runConnectorSuite(t *testing.T, conn connector.Connector, cfg connector.ConnectionConfig) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := conn.Connect(cfg)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer db.Close()

	// Migrations must be re-runnable.
	for pass := 0; pass < 2; pass++ {
		for _, m := range conn.Migrations() {
			if _, err := db.ExecContext(ctx, m); err != nil && !conn.IgnoreMigrationError(err) {
				t.Fatalf("migration pass %d failed: %v\nSQL: %s", pass, err, m)
			}
		}
	}

	name := fmt.Sprintf("integration-%d", time.Now().UnixNano())
	id1 := fmt.Sprintf("it-%d-a", time.Now().UnixNano())
	id2 := fmt.Sprintf("it-%d-b", time.Now().UnixNano())
	insert := db.Rebind(`INSERT INTO credentials (id, name, secret_hash, role, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)

	t.Run("UniqueViolation", func(t *testing.T) {
		now := time.Now().UTC()
		if _, err := db.ExecContext(ctx, insert, id1, name, "h", "user", true, now); err != nil {
			t.Fatalf("first insert: %v", err)
		}
		_, err := db.ExecContext(ctx, insert, id2, name, "h", "user", true, now)
		if err == nil {
			t.Fatal("expected duplicate name to fail")
		}
		if !conn.IsUniqueViolation(err) {
			t.Errorf("IsUniqueViolation(%v) = false", err)
		}
	})

	t.Run("Limit", func(t *testing.T) {
		var ids []string
		q := "SELECT id FROM credentials ORDER BY created_at " + conn.Limit(1)
		if err := sqlx.SelectContext(ctx, db, &ids, q); err != nil {
			t.Fatalf("limited select: %v", err)
		}
		if len(ids) > 1 {
			t.Errorf("got %d rows, want at most 1", len(ids))
		}
	})

	db.ExecContext(ctx, db.Rebind("DELETE FROM credentials WHERE id = ?"), id1)
}

func dsnOrSkip(t *testing.T, env string) string {
	t.Helper()
	dsn := os.Getenv(env)
	if dsn == "" {
		t.Skipf("%s not set", env)
	}
	return dsn
}

func TestSQLiteIntegration(t *testing.T) {
	runConnectorSuite(t, sqlite.New(), connector.ConnectionConfig{Driver: "sqlite", DSN: ":memory:"})
}

func TestPostgresIntegration(t *testing.T) {
	dsn := dsnOrSkip(t, "MARKGATE_TEST_POSTGRES_DSN")
	runConnectorSuite(t, postgres.New(), connector.ConnectionConfig{Driver: "postgres", DSN: dsn})
}

func TestMySQLIntegration(t *testing.T) {
	dsn := dsnOrSkip(t, "MARKGATE_TEST_MYSQL_DSN")
	runConnectorSuite(t, mysql.New(), connector.ConnectionConfig{Driver: "mysql", DSN: dsn})
}

func TestMSSQLIntegration(t *testing.T) {
	dsn := dsnOrSkip(t, "MARKGATE_TEST_MSSQL_DSN")
	runConnectorSuite(t, mssql.New(), connector.ConnectionConfig{Driver: "sqlserver", DSN: dsn})
}
