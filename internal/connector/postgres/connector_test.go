package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	c := New()
	dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", Message: "duplicate key value"})
	if !c.IsUniqueViolation(dup) {
		t.Error("23505 should be a unique violation")
	}
	if c.IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation misclassified")
	}
	if c.IsUniqueViolation(errors.New("duplicate key")) {
		t.Error("plain error misclassified")
	}
}

func TestIgnoreMigrationError(t *testing.T) {
	c := New()
	if !c.IgnoreMigrationError(&pgconn.PgError{Code: "42701"}) {
		t.Error("duplicate_column should be ignored")
	}
	if c.IgnoreMigrationError(&pgconn.PgError{Code: "42601"}) {
		t.Error("syntax_error should not be ignored")
	}
}
