// Package storage is the ad engine's persistence layer: JSON documents
// updated by serialized read-modify-write, and append-only record logs.
//
// Two backends implement Store. FileStore keeps one JSON file per document
// (replaced atomically via tmp file + rename) and one NDJSON file per log.
// SQLiteStore keeps both in SQLite tables. Either way every mutation in the
// process goes through a single mutex, so two concurrent updates of the same
// document never interleave their read and write phases. The guarantee is
// process-local: nothing coordinates separate processes sharing the storage.
//
// Each update rewrites the whole document. That is fine for the catalog and
// tunables but makes the stats and frequency documents O(size) per served
// impression; a per-key layout or batched flush is the next step if
// traffic grows.
package storage

import (
	"context"
	"errors"
	"reflect"
)

// Document and log names used by the engine.
const (
	DocCatalog = "catalog"
	DocConfig  = "config"
	DocStats   = "stats"
	DocFreqCap = "freqcap"

	LogImpressions = "impressions"
	LogClicks      = "clicks"
)

// ErrCorrupt is returned by Get when a document exists but cannot be decoded.
var ErrCorrupt = errors.New("storage: corrupt document")

// ErrStopScan may be returned from a ScanLog callback to end the scan early
// without error.
var ErrStopScan = errors.New("storage: stop scan")

// Store is the persistence interface the engine components depend on.
//
// Update reads doc into v (a pointer), calls mutate, then writes v back.
// found reports whether the document existed and decoded cleanly; a corrupt
// document is logged, v is reset to its zero value, and mutate sees
// found=false. If mutate returns an error nothing is written. mutate must not
// call back into the Store.
type Store interface {
	Get(ctx context.Context, doc string, v any) (found bool, err error)
	Put(ctx context.Context, doc string, v any) error
	Update(ctx context.Context, doc string, v any, mutate func(found bool) error) error
	AppendLog(ctx context.Context, log string, rec any) error
	// ScanLog calls fn for each record in append order. raw is only valid
	// for the duration of the call.
	ScanLog(ctx context.Context, log string, fn func(raw []byte) error) error
	// Version returns a token that changes whenever doc is rewritten.
	// A missing document reports 0.
	Version(ctx context.Context, doc string) (int64, error)
	Close() error
}

// reset zeroes the value v points to.
func reset(v any) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv.Elem().SetZero()
	}
}
