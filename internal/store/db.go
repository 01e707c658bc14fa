// Package store is the Store component: a single local SQLite database file
// holding sessions, their messages, and their durable history events. Every
// write runs inside an IMMEDIATE-mode transaction so concurrent writers
// serialize up front rather than upgrading mid-transaction.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the sessiond database file plus the process-wide mutex that
// serializes writes, per the concurrency model's "database I/O happens
// under a process-wide synchronous mutex on the connection" rule.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) the database file at dbPath, creating
// any missing parent directories with 0700 permissions, applies the PRAGMA
// set, and runs the schema/migration bootstrap.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", dbPath, err)
	}

	s := &Store{db: db}
	if err := s.bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens an in-memory database for tests. Since a bare
// ":memory:" DSN gives every connection its own isolated database, the pool
// is pinned to a single connection so every caller — migration, the
// IMMEDIATE-transaction writer, and plain reads alike — shares the same one.
func OpenInMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

const pragmas = `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
`

// expectedSessionColumns is the migration contract: for each entry, add the
// column with its declared definition if it is missing from the sessions
// table. Columns are never dropped or renamed.
var expectedSessionColumns = []struct {
	name       string
	definition string
}{
	{"last_activity_at", "INTEGER"},
	{"failure_reason", "TEXT"},
	{"worktree_path", "TEXT"},
	{"resume_count", "INTEGER NOT NULL DEFAULT 0"},
	{"active_run_id", "TEXT"},
	{"last_resume_at", "INTEGER"},
	{"restored", "INTEGER NOT NULL DEFAULT 0"},
	{"restored_at", "INTEGER"},
	{"recovery_hint", "INTEGER NOT NULL DEFAULT 0"},
}

func (s *Store) bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pragmas); err != nil {
		return fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		return err
	}
	for _, col := range expectedSessionColumns {
		if err := s.ensureSessionColumn(ctx, col.name, col.definition); err != nil {
			return err
		}
	}
	return nil
}

// runMigrations applies the embedded schema migrations, using the existing
// *sql.DB connection (and hence its PRAGMAs and connection-pool settings)
// rather than opening a second handle. Subsequent additive columns are
// applied by ensureSessionColumn, matching the original's own mixed
// strategy of a versioned base schema plus additive ALTER TABLEs.
func (s *Store) runMigrations() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	target, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to attach migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", target)
	if err != nil {
		return fmt.Errorf("failed to construct migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) ensureSessionColumn(ctx context.Context, name, definition string) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(sessions)")
	if err != nil {
		return fmt.Errorf("failed to inspect sessions schema: %w", err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			cid        int
			colName    string
			colType    string
			notNull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("failed to scan sessions schema: %w", err)
		}
		if colName == name {
			found = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if found {
		return nil
	}

	stmt := fmt.Sprintf("ALTER TABLE sessions ADD COLUMN %s %s", name, definition)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add sessions column %q: %w", name, err)
	}
	return nil
}

// withImmediateTx serializes write access behind the store's process-wide
// mutex and runs fn against a single reserved connection inside a literal
// BEGIN IMMEDIATE transaction, committing on success and rolling back on
// error. BEGIN IMMEDIATE is issued directly on a conn pinned from the pool
// (rather than through sql.Tx's own BEGIN) so the immediate write-lock is
// acquired up front instead of sqlite3's default deferred behavior.
func (s *Store) withImmediateTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}
