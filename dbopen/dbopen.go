// Package dbopen opens the SQLite databases behind the sqlite storage
// backend and the metrics store, with WAL journaling, a busy timeout and
// NORMAL sync applied to every connection's database.
//
//	db, err := dbopen.Open("data/adserve.db", dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
//
// In tests:
//
//	db := dbopen.OpenMemory(t, dbopen.WithSchema(schema))
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// BusyTimeoutMS is how long SQLite waits on a lock before reporting BUSY.
const BusyTimeoutMS = 10_000

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	fmt.Sprintf("PRAGMA busy_timeout = %d", BusyTimeoutMS),
	"PRAGMA synchronous = NORMAL",
}

type options struct {
	mkdirAll bool
	schemas  []string
}

// Option customises Open.
type Option func(*options)

// WithMkdirAll creates the database's parent directories first.
func WithMkdirAll() Option { return func(o *options) { o.mkdirAll = true } }

// WithSchema runs idempotent DDL once the pragmas are applied.
func WithSchema(ddl string) Option { return func(o *options) { o.schemas = append(o.schemas, ddl) } }

// Open opens (creating if needed) the SQLite database at path.
func Open(path string, opts ...Option) (*sql.DB, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if err := setup(db, o.schemas); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func setup(db *sql.DB, schemas []string) error {
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}
	for _, ddl := range schemas {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("dbopen: apply schema: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("dbopen: ping: %w", err)
	}
	return nil
}

// OpenMemory opens an in-memory database closed at test cleanup. It is
// pinned to one connection: each ":memory:" connection is its own database.
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
