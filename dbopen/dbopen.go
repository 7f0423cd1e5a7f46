// Package dbopen opens the ghostwork SQLite databases with the pragmas a
// server deployment needs, applied through plain EXEC so any database/sql
// driver works. Out of the box a handle gets WAL journaling, foreign keys
// on, synchronous NORMAL and a 10s busy timeout.
//
// Usage:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("ghostwork.db", dbopen.WithSchema(store.Schema))
//
// In tests:
//
//	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type settings struct {
	driver      string
	mkdirAll    bool
	ping        bool
	foreignKeys bool
	busyTimeout int
	cacheSize   int
	synchronous string
	schemas     []string
}

var base = settings{
	driver:      "sqlite",
	ping:        true,
	foreignKeys: true,
	busyTimeout: 10_000,
	synchronous: "NORMAL",
}

// Option adjusts how Open prepares the handle.
type Option func(*settings)

// WithDriver overrides the database/sql driver name (default "sqlite").
func WithDriver(name string) Option { return func(s *settings) { s.driver = name } }

// WithTrace is shorthand for WithDriver("sqlite-trace"). The caller must
// blank-import ghostwork's trace package to register that driver.
func WithTrace() Option { return WithDriver("sqlite-trace") }

// WithBusyTimeout overrides PRAGMA busy_timeout, in milliseconds.
func WithBusyTimeout(ms int) Option { return func(s *settings) { s.busyTimeout = ms } }

// WithCacheSize sets PRAGMA cache_size; negative means KiB per SQLite
// convention (-64000 = 64 MB). Zero leaves the engine default.
func WithCacheSize(pages int) Option { return func(s *settings) { s.cacheSize = pages } }

// WithSynchronous overrides PRAGMA synchronous (default "NORMAL").
func WithSynchronous(mode string) Option { return func(s *settings) { s.synchronous = mode } }

// WithMkdirAll creates the database's parent directories on open.
func WithMkdirAll() Option { return func(s *settings) { s.mkdirAll = true } }

// WithSchema queues DDL to run after the pragmas, before the health ping.
// Repeatable; schemas execute in option order and must be idempotent.
func WithSchema(sql string) Option {
	return func(s *settings) { s.schemas = append(s.schemas, sql) }
}

// WithoutPing skips the post-open health ping.
func WithoutPing() Option { return func(s *settings) { s.ping = false } }

// WithoutForeignKeys leaves PRAGMA foreign_keys off (rarely wanted).
func WithoutForeignKeys() Option { return func(s *settings) { s.foreignKeys = false } }

// Open opens an SQLite database at path with the pragmas above. The caller
// must blank-import the appropriate driver before calling Open:
//
//	import _ "modernc.org/sqlite"
func Open(path string, opts ...Option) (*sql.DB, error) {
	s := base
	for _, o := range opts {
		o(&s)
	}

	if s.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(s.driver, path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if err := s.prepare(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing, closed
// automatically via t.Cleanup. MaxOpenConns is pinned to 1 because every
// new connection to ":memory:" is a brand-new empty database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// prepare applies pragmas, runs queued schemas and verifies the handle.
func (s *settings) prepare(db *sql.DB) error {
	for _, p := range s.pragmas() {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}
	for _, schema := range s.schemas {
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}
	if s.ping {
		if err := db.Ping(); err != nil {
			return fmt.Errorf("dbopen: ping: %w", err)
		}
	}
	return nil
}

func (s *settings) pragmas() []string {
	fk := "ON"
	if !s.foreignKeys {
		fk = "OFF"
	}
	ps := []string{
		"PRAGMA foreign_keys = " + fk,
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.busyTimeout),
		"PRAGMA synchronous = " + s.synchronous,
	}
	if s.cacheSize != 0 {
		ps = append(ps, fmt.Sprintf("PRAGMA cache_size = %d", s.cacheSize))
	}
	return ps
}
