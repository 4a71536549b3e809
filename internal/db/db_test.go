package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestMigrateIsIdempotent(t *testing.T) {
	sqdb, err := OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })

	ctx := context.Background()
	applied, err := Migrate(ctx, sqdb, DriverSQLite)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 1 || applied[0] != "001_init" {
		t.Fatalf("expected 001_init to be applied, got %v", applied)
	}
	applied, err = Migrate(ctx, sqdb, DriverSQLite)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing to apply twice, got %v", applied)
	}

	for _, col := range []string{"claim_id", "claimed_until", "expires_at"} {
		if !hasColumn(t, sqdb, "requests", col) {
			t.Fatalf("expected requests.%s to exist after migration", col)
		}
	}
	for _, col := range []string{"bind_secret", "is_admin", "admin_checked_at"} {
		if !hasColumn(t, sqdb, "sessions", col) {
			t.Fatalf("expected sessions.%s to exist after migration", col)
		}
	}
}

func TestEveryDriverHasMigrations(t *testing.T) {
	for driver := range versionTable {
		files, err := migrationsFS.ReadDir("migrations/" + driver)
		if err != nil || len(files) == 0 {
			t.Fatalf("expected embedded migrations for %s: %v", driver, err)
		}
	}
}

func TestRebind(t *testing.T) {
	q := `UPDATE requests SET claim_id=? WHERE token_hash=? AND expires_at>?`
	if got := Rebind(DriverPgx, q); got != `UPDATE requests SET claim_id=$1 WHERE token_hash=$2 AND expires_at>$3` {
		t.Fatalf("unexpected pgx rebind: %s", got)
	}
	if got := Rebind(DriverMySQL, q); got != q {
		t.Fatalf("mysql must keep ? placeholders, got %s", got)
	}
}

func TestWithParseTime(t *testing.T) {
	if got := withParseTime("u:p@tcp(db)/webldap"); got != "u:p@tcp(db)/webldap?parseTime=true" {
		t.Fatalf("unexpected dsn %s", got)
	}
	if got := withParseTime("u:p@tcp(db)/webldap?tls=true"); got != "u:p@tcp(db)/webldap?tls=true&parseTime=true" {
		t.Fatalf("unexpected dsn %s", got)
	}
}

func hasColumn(t *testing.T, sqdb *sql.DB, tableName, colName string) bool {
	t.Helper()
	rows, err := sqdb.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		t.Fatalf("table_info %s: %v", tableName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			t.Fatalf("scan table_info %s: %v", tableName, err)
		}
		if name == colName {
			return true
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate table_info %s: %v", tableName, err)
	}
	return false
}
