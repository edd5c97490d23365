package testutil

import (
	"testing"

	"diagramsync/internal/database"
	"diagramsync/internal/dsync"
)

// NewTestDatabase creates a new in-memory SQLite store with all migrations applied.
// The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T, clock dsync.Clock) *database.SQLiteDatabase {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:", database.Options{Clock: clock})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}
