// Package ledger records impressions and clicks. Every impression is
// appended to the "impressions" log, counted in the statistics and
// frequency documents, and kept in a bounded in-memory cache so that clicks
// can be attributed without scanning the log.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/adserve/adengine/internal/freqcap"
	"github.com/hazyhaar/adserve/adengine/internal/model"
	"github.com/hazyhaar/adserve/adengine/internal/stats"
	"github.com/hazyhaar/adserve/adengine/internal/storage"
	"github.com/hazyhaar/adserve/idgen"
)

var (
	// ErrImpressionNotFound means a click referenced an unknown impression.
	ErrImpressionNotFound = errors.New("ledger: impression not found")
	// ErrCapReached means the selection would exceed the daily frequency cap.
	ErrCapReached = freqcap.ErrCapReached
)

// Selection is an ad chosen for a request, about to become an impression.
type Selection struct {
	AdID      string
	Topic     string
	AnonID    string
	Path      string
	Placement string
	Keywords  []string
}

// Ledger writes impression and click records.
type Ledger struct {
	store  storage.Store
	stats  *stats.Store
	freq   *freqcap.Tracker
	recent *recentCache
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Options configures a Ledger. Zero values pick defaults.
type Options struct {
	RecentSize int
	NewID      idgen.Generator
	Now        func() time.Time
	Logger     *slog.Logger
}

// New creates a Ledger over the shared store and the stats and freqcap
// views of it.
func New(store storage.Store, st *stats.Store, fc *freqcap.Tracker, opts Options) *Ledger {
	l := &Ledger{
		store:  store,
		stats:  st,
		freq:   fc,
		recent: newRecentCache(opts.RecentSize),
		newID:  opts.NewID,
		now:    opts.Now,
		logger: opts.Logger,
	}
	if l.newID == nil {
		l.newID = idgen.Prefixed("imp_", idgen.Default)
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// RecordImpression turns a selection into an impression. The frequency
// counter is bumped first, under the store's serialization, and rejects the
// selection with ErrCapReached when limit is already met. If the impression
// cannot be appended the slot is released again, so the counter only counts
// logged impressions. A failed statistics update is logged and does not undo
// the impression.
func (l *Ledger) RecordImpression(ctx context.Context, sel Selection, limit int) (model.Impression, error) {
	if _, err := l.freq.TryIncrement(ctx, sel.AnonID, sel.AdID, limit); err != nil {
		if errors.Is(err, freqcap.ErrCapReached) {
			return model.Impression{}, ErrCapReached
		}
		return model.Impression{}, fmt.Errorf("ledger: frequency: %w", err)
	}

	imp := model.Impression{
		ImpressionID: l.newID(),
		AdID:         sel.AdID,
		Topic:        sel.Topic,
		AnonID:       sel.AnonID,
		Path:         sel.Path,
		Timestamp:    l.now().UTC(),
		Placement:    sel.Placement,
		Keywords:     sel.Keywords,
	}
	if err := l.store.AppendLog(ctx, storage.LogImpressions, imp); err != nil {
		if _, rerr := l.freq.Release(context.WithoutCancel(ctx), sel.AnonID, sel.AdID); rerr != nil {
			l.logger.Error("ledger: frequency slot not released", "error", rerr, "anon_id", sel.AnonID, "ad_id", sel.AdID)
		}
		return model.Impression{}, fmt.Errorf("ledger: append impression: %w", err)
	}
	if _, err := l.stats.Record(ctx, imp.Topic, imp.AdID, false); err != nil {
		l.logger.Warn("ledger: impression not counted in stats", "error", err, "impression_id", imp.ImpressionID)
	}
	l.recent.add(imp)
	return imp, nil
}

// RecordClick attributes a click to a prior impression. The recent cache is
// consulted first, then the full impression log. Clicks are not
// deduplicated: every call on a known impression counts.
func (l *Ledger) RecordClick(ctx context.Context, impressionID string) (model.Click, error) {
	imp, ok := l.recent.get(impressionID)
	if !ok {
		var err error
		imp, ok, err = l.scan(ctx, impressionID)
		if err != nil {
			return model.Click{}, err
		}
		if !ok {
			return model.Click{}, ErrImpressionNotFound
		}
	}

	click := model.Click{
		ImpressionID: imp.ImpressionID,
		AdID:         imp.AdID,
		Topic:        imp.Topic,
		Timestamp:    l.now().UTC(),
	}
	if err := l.store.AppendLog(ctx, storage.LogClicks, click); err != nil {
		return model.Click{}, fmt.Errorf("ledger: append click: %w", err)
	}
	if _, err := l.stats.Record(ctx, click.Topic, click.AdID, true); err != nil {
		return model.Click{}, fmt.Errorf("ledger: stats: %w", err)
	}
	return click, nil
}

// scan reads the impression log looking for id. Malformed lines are skipped.
func (l *Ledger) scan(ctx context.Context, id string) (model.Impression, bool, error) {
	var found model.Impression
	ok := false
	lines, bad := 0, 0
	err := l.store.ScanLog(ctx, storage.LogImpressions, func(raw []byte) error {
		lines++
		var imp model.Impression
		if err := json.Unmarshal(raw, &imp); err != nil {
			bad++
			return nil
		}
		if imp.ImpressionID == id {
			found, ok = imp, true
			return storage.ErrStopScan
		}
		return nil
	})
	if bad > 0 {
		l.logger.Warn("ledger: malformed impression lines skipped", "count", bad)
	}
	l.logger.Debug("ledger: impression log scanned", "impression_id", id, "lines", lines, "found", ok)
	if err != nil {
		return model.Impression{}, false, fmt.Errorf("ledger: scan impressions: %w", err)
	}
	if ok {
		l.recent.add(found)
	}
	return found, ok, nil
}

// Cached reports how many impressions the recent cache holds.
func (l *Ledger) Cached() int { return l.recent.len() }
