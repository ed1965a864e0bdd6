// Package migrate applies the SQL migration and seed files shipped in
// the repository. Bookkeeping lives in two tables so seeds can be
// re-run independently of schema changes.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "vantage_schema_migrations"
	defaultSeedsTable      = "vantage_seed_history"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
	sqlSuffix  = ".sql"
)

// Manager runs migrations and seeds against one database.
type Manager struct {
	db              *sql.DB
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

func NewManager(db *sql.DB, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending .up.sql file in lexical order.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyPending(ctx, m.migrationsTable, m.migrationsDir, upSuffix, "migration")
}

// Seed applies every pending seed file. Seeds run once; re-invoking
// Seed after adding new files applies only the new ones.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyPending(ctx, m.seedsTable, m.seedsDir, sqlSuffix, "seed")
}

func (m *Manager) applyPending(ctx context.Context, table, dir, suffix, kind string) error {
	if err := m.ensureTable(ctx, table); err != nil {
		return err
	}
	applied, err := m.appliedSet(ctx, table)
	if err != nil {
		return err
	}
	names, err := listSQLFiles(dir, suffix)
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			continue
		}
		if err := m.runFile(ctx, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, name, err)
		}
		if err := m.record(ctx, table, name); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the most recently applied migration using its paired
// .down.sql file.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx, m.migrationsTable); err != nil {
		return err
	}
	history, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("no migrations applied")
	}
	last := history[len(history)-1]
	down := filepath.Join(m.migrationsDir, strings.TrimSuffix(last, upSuffix)+downSuffix)
	if _, err := os.Stat(down); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if err := m.runFile(ctx, down); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	_, err = m.db.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
	return err
}

// Status lists applied migrations in application order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx, m.migrationsTable); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select name from %s order by applied_at, name`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		history = append(history, name)
	}
	return history, rows.Err()
}

func (m *Manager) ensureTable(ctx context.Context, table string) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table))
	return err
}

func (m *Manager) appliedSet(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (m *Manager) record(ctx context.Context, table, name string) error {
	_, err := m.db.ExecContext(ctx,
		fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, table),
		name, time.Now().UTC())
	return err
}

// runFile executes one SQL file in a single transaction so a failing
// statement leaves no half-applied migration behind.
func (m *Manager) runFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(string(raw)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// listSQLFiles returns matching file names in lexical order; the
// numeric prefix convention (0001_, 0002_, ...) makes that the
// application order. Nested directories are not searched.
func listSQLFiles(dir, suffix string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		// For migrations, skip the paired .down.sql files.
		if suffix == sqlSuffix && strings.HasSuffix(e.Name(), downSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements breaks a file into statements on semicolons outside
// single-quoted strings. Good enough for the DDL shipped here; files
// needing dollar-quoted bodies should hold a single statement.
func splitStatements(script string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	for _, r := range script {
		current.WriteRune(r)
		switch r {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	// Drop whitespace-only fragments.
	out := stmts[:0]
	for _, s := range stmts {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
