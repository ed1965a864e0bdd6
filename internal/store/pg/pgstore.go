// Package pg implements every persistence interface of the trust core
// on PostgreSQL via database/sql and the pgx stdlib driver.
package pg

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store owns the connection pool. Typed accessors expose slices of it
// to the services that need them.
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing pool, mainly for tests with sqlmock.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Permissions() *Permissions { return &Permissions{db: s.db} }
func (s *Store) Roles() *Roles             { return &Roles{db: s.db} }
func (s *Store) Users() *Users             { return &Users{db: s.db} }
func (s *Store) Settings() *Settings       { return &Settings{db: s.db} }
func (s *Store) History() *History         { return &History{db: s.db} }
func (s *Store) Events() *Events           { return &Events{db: s.db} }
func (s *Store) Alerts() *Alerts           { return &Alerts{db: s.db} }
func (s *Store) IPRules() *IPRules         { return &IPRules{db: s.db} }
func (s *Store) Stats() *Stats             { return &Stats{db: s.db} }

// --- helpers ---

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
