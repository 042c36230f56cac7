package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/adserve/dbopen"
)

// Schema is the DDL applied by NewSQLiteStore.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
    name       TEXT PRIMARY KEY,
    body       TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS log_entries (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    log        TEXT NOT NULL,
    body       TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_entries_log ON log_entries(log, seq);
`

// SQLiteStore keeps documents and logs in one SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies Schema.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database and applies Schema.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, doc string, v any) (bool, error) {
	return getDoc(ctx, s.db, doc, v)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDoc(ctx context.Context, q queryRower, doc string, v any) (bool, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, doc).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: read %s: %w", doc, err)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, doc, err)
	}
	return true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, doc string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.putTx(ctx, tx, doc, v)
	})
}

func (s *SQLiteStore) Update(ctx context.Context, doc string, v any, mutate func(found bool) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		reset(v)
		found, err := getDoc(ctx, tx, doc, v)
		if errors.Is(err, ErrCorrupt) {
			s.logger.Warn("storage: corrupt document replaced by default", "doc", doc, "error", err)
			reset(v)
			found = false
		} else if err != nil {
			return err
		}
		if err := mutate(found); err != nil {
			return err
		}
		return s.putTx(ctx, tx, doc, v)
	})
}

func (s *SQLiteStore) putTx(ctx context.Context, tx *sql.Tx, doc string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", doc, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (name, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		doc, string(data), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("storage: write %s: %w", doc, err)
	}
	return nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, log string, rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal %s record: %w", log, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = dbopen.Exec(ctx, s.db,
		`INSERT INTO log_entries (log, body, created_at) VALUES (?, ?, ?)`,
		log, string(data), s.now().Unix())
	if err != nil {
		return fmt.Errorf("storage: append %s: %w", log, err)
	}
	return nil
}

func (s *SQLiteStore) ScanLog(ctx context.Context, log string, fn func(raw []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM log_entries WHERE log = ? ORDER BY seq`, log)
	if err != nil {
		return fmt.Errorf("storage: scan %s: %w", log, err)
	}
	defer rows.Close()

	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("storage: scan %s: %w", log, err)
		}
		if err := fn(body); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Version(ctx context.Context, doc string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM documents WHERE name = ?`, doc).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// DB exposes the underlying database (tests, maintenance).
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }
