package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations
var migrationsFS embed.FS

var versionTable = map[string]string{
	DriverSQLite: `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at DATETIME NOT NULL)`,
	DriverPgx:    `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`,
	DriverMySQL:  `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(128) PRIMARY KEY, applied_at DATETIME(6) NOT NULL)`,
}

// Migrate applies the embedded migrations for driver that have not run yet
// and returns the versions it applied.
func Migrate(ctx context.Context, db *sql.DB, driver string) ([]string, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	ddl, ok := versionTable[driver]
	if !ok {
		return nil, fmt.Errorf("no migrations for driver %q", driver)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	files, err := fs.Glob(migrationsFS, path.Join("migrations", driver, "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var applied []string
	for _, f := range files {
		version := strings.TrimSuffix(path.Base(f), ".sql")
		var seen int
		err := db.QueryRowContext(ctx, Rebind(driver, `SELECT COUNT(1) FROM schema_migrations WHERE version=?`), version).Scan(&seen)
		if err != nil {
			return applied, fmt.Errorf("check migration %s: %w", version, err)
		}
		if seen > 0 {
			continue
		}
		body, err := migrationsFS.ReadFile(f)
		if err != nil {
			return applied, fmt.Errorf("read migration: %w", err)
		}
		if err := apply(ctx, db, driver, version, string(body)); err != nil {
			return applied, err
		}
		applied = append(applied, version)
	}
	return applied, nil
}

func apply(ctx context.Context, db *sql.DB, driver, version, body string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		Rebind(driver, `INSERT INTO schema_migrations(version,applied_at) VALUES(?,?)`),
		version, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	return tx.Commit()
}

// splitStatements breaks a migration on ';'. Migrations must not contain
// semicolons inside literals.
func splitStatements(body string) []string {
	var out []string
	for _, s := range strings.Split(body, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
