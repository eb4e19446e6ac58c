package mssql

import (
	"fmt"
	"testing"

	mssqldb "github.com/microsoft/go-mssqldb"
)

func TestIsUniqueViolation(t *testing.T) {
	c := New()
	for _, n := range []int32{2601, 2627} {
		err := fmt.Errorf("insert: %w", mssqldb.Error{Number: n})
		if !c.IsUniqueViolation(err) {
			t.Errorf("error %d should be a unique violation", n)
		}
	}
	if c.IsUniqueViolation(mssqldb.Error{Number: 547}) {
		t.Error("547 (FK) misclassified")
	}
}

func TestLimit(t *testing.T) {
	if got, want := New().Limit(10), "OFFSET 0 ROWS FETCH NEXT 10 ROWS ONLY"; got != want {
		t.Errorf("Limit(10) = %q, want %q", got, want)
	}
}
