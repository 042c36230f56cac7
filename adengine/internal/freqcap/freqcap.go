// Package freqcap tracks how many times each ad was served to each anonymous
// user per UTC calendar day, in the "freqcap" document
// {date: {anon_id: {ad_id: count}}}.
package freqcap

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/hazyhaar/adserve/adengine/internal/storage"
)

// DateLayout keys day buckets.
const DateLayout = "2006-01-02"

// ErrCapReached is returned by TryIncrement when the pair already reached
// the cap today.
var ErrCapReached = errors.New("freqcap: daily cap reached")

// Document is the persisted shape.
type Document map[string]map[string]map[string]int

// Tracker reads and bumps daily counters.
type Tracker struct {
	store  storage.Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the clock used to pick today's bucket.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

// New creates a Tracker.
func New(store storage.Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Today returns the current UTC day key.
func (t *Tracker) Today() string {
	return t.now().UTC().Format(DateLayout)
}

func (t *Tracker) load(ctx context.Context) Document {
	var doc Document
	if _, err := t.store.Get(ctx, storage.DocFreqCap, &doc); err != nil {
		t.logger.Warn("freqcap: read failed, assuming zero counts", "error", err)
		return nil
	}
	return doc
}

// Counts returns today's per-ad counts for anonID from a single read.
func (t *Tracker) Counts(ctx context.Context, anonID string) map[string]int {
	doc := t.load(ctx)
	out := make(map[string]int, len(doc[t.Today()][anonID]))
	for ad, n := range doc[t.Today()][anonID] {
		out[ad] = n
	}
	return out
}

// Count returns today's count for (anonID, adID).
func (t *Tracker) Count(ctx context.Context, anonID, adID string) int {
	return t.load(ctx)[t.Today()][anonID][adID]
}

// Allowed reports whether another impression stays within limit. A limit of
// zero or less allows nothing.
func (t *Tracker) Allowed(ctx context.Context, anonID, adID string, limit int) bool {
	return t.Count(ctx, anonID, adID) < limit
}

// Increment bumps today's count unconditionally and returns the new value.
func (t *Tracker) Increment(ctx context.Context, anonID, adID string) (int, error) {
	return t.bump(ctx, anonID, adID, 1, nil)
}

// TryIncrement bumps today's count unless it already reached limit, in which
// case it returns ErrCapReached and writes nothing. The check and the write
// happen inside one serialized update.
func (t *Tracker) TryIncrement(ctx context.Context, anonID, adID string, limit int) (int, error) {
	return t.bump(ctx, anonID, adID, 1, func(n int) error {
		if n >= limit {
			return ErrCapReached
		}
		return nil
	})
}

// Release gives back one slot taken by TryIncrement when the impression it
// guarded was never recorded. The count never goes below zero.
func (t *Tracker) Release(ctx context.Context, anonID, adID string) (int, error) {
	return t.bump(ctx, anonID, adID, -1, nil)
}

func (t *Tracker) bump(ctx context.Context, anonID, adID string, delta int, check func(n int) error) (int, error) {
	day := t.Today()
	var doc Document
	var n int
	err := t.store.Update(ctx, storage.DocFreqCap, &doc, func(bool) error {
		if doc == nil {
			doc = make(Document)
		}
		byAnon := doc[day]
		if byAnon == nil {
			byAnon = make(map[string]map[string]int)
			doc[day] = byAnon
		}
		byAd := byAnon[anonID]
		if byAd == nil {
			byAd = make(map[string]int)
			byAnon[anonID] = byAd
		}
		n = byAd[adID]
		if check != nil {
			if err := check(n); err != nil {
				return err
			}
		}
		n = max(0, n+delta)
		byAd[adID] = n
		return nil
	})
	return n, err
}

// Prune drops day buckets older than keepDays days before today and returns
// the removed keys, oldest first. keepDays < 1 keeps only today.
func (t *Tracker) Prune(ctx context.Context, keepDays int) ([]string, error) {
	if keepDays < 1 {
		keepDays = 1
	}
	cutoff := t.now().UTC().AddDate(0, 0, -(keepDays - 1)).Format(DateLayout)
	var doc Document
	var removed []string
	err := t.store.Update(ctx, storage.DocFreqCap, &doc, func(found bool) error {
		if !found {
			return errNothing
		}
		for day := range doc {
			if day < cutoff {
				removed = append(removed, day)
				delete(doc, day)
			}
		}
		if len(removed) == 0 {
			return errNothing
		}
		return nil
	})
	if errors.Is(err, errNothing) {
		err = nil
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		t.logger.Info("freqcap: pruned day buckets", "removed", len(removed), "cutoff", cutoff)
	}
	return removed, err
}

// errNothing aborts an update that has nothing to write.
var errNothing = errors.New("freqcap: nothing to write")
