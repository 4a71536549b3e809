package store

import (
	"context"
	"database/sql"
	"errors"

	"webldap/internal/db"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict")

// Store keeps web sessions and pending requests in SQL.
type Store struct {
	db     *sql.DB
	driver string
}

func New(sqdb *sql.DB) *Store { return &Store{db: sqdb, driver: db.DriverSQLite} }

// WithDriver selects the placeholder style of the database behind s.
func (s *Store) WithDriver(driver string) *Store {
	if driver != "" {
		s.driver = driver
	}
	return s
}

func (s *Store) q(query string) string { return db.Rebind(s.driver, query) }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
