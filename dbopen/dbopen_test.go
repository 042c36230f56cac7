package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/adserve/dbopen"
)

func TestOpenMemory_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatal(err)
	}
	if busyTimeout != dbopen.BusyTimeoutMS {
		t.Fatalf("busy_timeout = %d, want %d", busyTimeout, dbopen.BusyTimeoutMS)
	}

	var sync int
	if err := db.QueryRow("PRAGMA synchronous").Scan(&sync); err != nil {
		t.Fatal(err)
	}
	if sync != 1 {
		t.Fatalf("synchronous = %d, want 1 (NORMAL)", sync)
	}
}

func TestOpen_MkdirAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	db, err := dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Exec(`INSERT INTO kv VALUES ('a', 'b')`); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestRunTx_RollbackOnError(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE kv (k TEXT PRIMARY KEY)`))
	ctx := context.Background()
	errBoom := errors.New("boom")

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv VALUES ('x')`); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want boom", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("rows = %d, want 0 after rollback", n)
	}
}

func TestIsBusy(t *testing.T) {
	if !dbopen.IsBusy(errors.New("database is locked")) {
		t.Fatal("expected busy")
	}
	if dbopen.IsBusy(errors.New("no such table")) || dbopen.IsBusy(nil) {
		t.Fatal("unexpected busy")
	}
}

func TestIsBusy_DriverError(t *testing.T) {
	db := dbopen.OpenMemory(t)
	_, err := db.Exec(`SELECT * FROM missing_table`)
	if err == nil {
		t.Fatal("expected an error")
	}
	if dbopen.IsBusy(err) {
		t.Fatalf("missing table reported as busy: %v", err)
	}
}

func TestExec_InsertsOnce(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`))
	ctx := context.Background()
	res, err := dbopen.Exec(ctx, db, `INSERT INTO kv VALUES (?, ?)`, "imp_1", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("rows affected = %d", n)
	}
	if _, err := dbopen.Exec(ctx, db, `INSERT INTO kv VALUES (?, ?)`, "imp_1", "a1"); err == nil {
		t.Fatal("duplicate key should fail without retrying forever")
	}
}
