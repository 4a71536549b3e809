package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"webldap/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 4, 4, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if _, err := db.Migrate(context.Background(), sqdb, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(sqdb)
}
