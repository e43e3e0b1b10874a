// Package store provides the embedded persistence layer: a single-file
// SQLite database in WAL mode with foreign-key enforcement, CHECK-constrained
// enums, versioned idempotent migrations, and a 5 second busy timeout on
// every connection.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

var (
	// ErrNotFound is returned when a row does not exist or belongs to
	// another user.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on unique-key conflicts.
	ErrAlreadyExists = errors.New("already exists")
)

// busyTimeout absorbs writer contention on both read and write paths.
const busyTimeout = 5000 * time.Millisecond

// Store wraps the database handle. Batch writes that touch multiple rows of
// the same logical entity run inside a single transaction on one connection;
// read-then-write across connections is not done anywhere in this package.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at path and applies
// pending migrations. Use ":memory:" only in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{
			fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()),
			"journal_mode(WAL)",
			"foreign_keys(1)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for read-only diagnostics; application code goes
// through the typed accessors.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn in a transaction on a single connection, rolling back on
// error. Any write that touches more than one row for the same logical
// entity must go through here.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Timestamps persist as ISO-8601 UTC text.

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return parseTime(s.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
