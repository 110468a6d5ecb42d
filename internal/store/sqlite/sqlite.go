// Package sqlite provides the default, file-backed implementation of
// [store.Store] on top of the pure-Go modernc.org/sqlite driver.
//
// The schema is managed by goose with migrations embedded in the binary. A
// single pooled *sql.DB is opened for the lifetime of the process and foreign
// keys are enforced on every connection.
//
// Timestamps are stored as Unix microseconds and assigned by the Store, not by
// SQLite, so that log entries of one Store never go back in time even when the
// wall clock does.
//
// Usage:
//
//	st, err := sqlite.Open(ctx, "echonote.db")
//	if err != nil { … }
//	defer st.Close()
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/MrWong99/echonote/internal/store"
	"github.com/MrWong99/echonote/internal/store/sqlite/migrations"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used to stamp rows. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store implements [store.Store] on SQLite. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu   sync.Mutex
	last int64 // highest created_at handed out, in Unix microseconds
}

// Open opens (creating if necessary) the SQLite database at path, applies all
// pending migrations and returns a ready Store. path ":memory:" opens a
// private in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite store: path must not be empty")
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}

	s := New(db, opts...)
	if err := s.loadLast(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already migrated database handle. The Store takes ownership of
// db and closes it in [Store.Close].
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate applies every embedded migration that has not run yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: sqlite: ping: %w", store.ErrStorageUnavailable, err)
	}
	return nil
}

// Close implements [store.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

// dsn builds a modernc.org/sqlite DSN with the pragmas every connection needs.
func dsn(path string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		return "file::memory:?" + pragmas
	}
	pragmas += "&_pragma=journal_mode(WAL)"
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + pragmas
	}
	return "file:" + path + "?" + pragmas
}

// loadLast seeds the monotonic clock from the newest stored entry.
func (s *Store) loadLast(ctx context.Context) error {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_at), 0) FROM logs`).Scan(&last)
	if err != nil {
		return classify("load clock", err)
	}
	s.mu.Lock()
	s.last = last
	s.mu.Unlock()
	return nil
}

// stamp returns the next created_at value. It never returns a value lower than
// a previously returned one.
func (s *Store) stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UnixMicro()
	if ts < s.last {
		ts = s.last
	}
	s.last = ts
	return ts
}

// classify maps a driver error to the sentinel errors of package store.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: sqlite: %s", store.ErrNotFound, op)
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: sqlite: %s: %w", store.ErrAlreadyExists, op, err)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%w: sqlite: %s: %w", store.ErrNotFound, op, err)
		}
	}
	return fmt.Errorf("%w: sqlite: %s: %w", store.ErrStorageUnavailable, op, err)
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
