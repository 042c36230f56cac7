package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// busyAttempts bounds retries of a statement or transaction that hit a lock
// the busy timeout could not wait out.
const busyAttempts = 3

// IsBusy reports whether err is SQLite BUSY or LOCKED, including extended
// codes such as BUSY_SNAPSHOT.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// RunTx runs fn in a transaction, retrying the whole transaction when SQLite
// reports BUSY. fn's own errors roll back and are returned unchanged.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retryBusy(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec runs one statement, retrying on BUSY.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryBusy(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// retryBusy waits 100ms, then 200ms between attempts.
func retryBusy(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		if err = op(); err == nil || !IsBusy(err) {
			return err
		}
		if attempt == busyAttempts {
			break
		}
		t := time.NewTimer(time.Duration(attempt) * 100 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: %w (last error: %v)", ctx.Err(), err)
		case <-t.C:
		}
	}
	return fmt.Errorf("dbopen: still busy after %d attempts: %w", busyAttempts, err)
}
