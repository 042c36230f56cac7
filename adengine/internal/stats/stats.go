// Package stats keeps per-(topic, ad) click-through counters in the "stats"
// document. Reads tolerate a missing or corrupt document by returning priors;
// writes go through the store's serialized update.
package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/adserve/adengine/internal/model"
	"github.com/hazyhaar/adserve/adengine/internal/storage"
)

// Document is the persisted shape: {byTopic: {topic: {ad_id: AdStats}}}.
type Document struct {
	ByTopic map[string]map[string]model.AdStats `json:"byTopic"`
}

// Store reads and records AdStats.
type Store struct {
	store  storage.Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLogger sets the logger used for persistence anomalies.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New creates a Store over the given persistence layer.
func New(store storage.Store, opts ...Option) *Store {
	s := &Store{store: store, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) load(ctx context.Context) Document {
	var doc Document
	if _, err := s.store.Get(ctx, storage.DocStats, &doc); err != nil {
		s.logger.Warn("stats: read failed, using priors", "error", err)
		return Document{}
	}
	return doc
}

// GetOrCreate returns the counters for (topic, adID), or the prior when the
// pair has never been recorded. The prior is not persisted.
func (s *Store) GetOrCreate(ctx context.Context, topic, adID string) model.AdStats {
	doc := s.load(ctx)
	if st, ok := doc.ByTopic[topic][adID]; ok {
		return st
	}
	return model.Prior()
}

// Priors returns counters for each of adIDs under topic from a single read.
func (s *Store) Priors(ctx context.Context, topic string, adIDs []string) map[string]model.AdStats {
	doc := s.load(ctx)
	out := make(map[string]model.AdStats, len(adIDs))
	for _, id := range adIDs {
		if st, ok := doc.ByTopic[topic][id]; ok {
			out[id] = st
		} else {
			out[id] = model.Prior()
		}
	}
	return out
}

// Snapshot returns every recorded pair for topic. Unknown topics yield an
// empty map.
func (s *Store) Snapshot(ctx context.Context, topic string) map[string]model.AdStats {
	doc := s.load(ctx)
	out := make(map[string]model.AdStats, len(doc.ByTopic[topic]))
	for id, st := range doc.ByTopic[topic] {
		out[id] = st
	}
	return out
}

// Topics lists the topics that have at least one recorded pair.
func (s *Store) Topics(ctx context.Context) []string {
	doc := s.load(ctx)
	out := make([]string, 0, len(doc.ByTopic))
	for t := range doc.ByTopic {
		out = append(out, t)
	}
	return out
}

// Record counts one impression, or one click when isClick is set, and
// recomputes α and β. It returns the updated counters.
func (s *Store) Record(ctx context.Context, topic, adID string, isClick bool) (model.AdStats, error) {
	var doc Document
	var updated model.AdStats
	err := s.store.Update(ctx, storage.DocStats, &doc, func(bool) error {
		if doc.ByTopic == nil {
			doc.ByTopic = make(map[string]map[string]model.AdStats)
		}
		byAd := doc.ByTopic[topic]
		if byAd == nil {
			byAd = make(map[string]model.AdStats)
			doc.ByTopic[topic] = byAd
		}
		st := byAd[adID]
		if isClick {
			st.Clicks++
		} else {
			st.Impressions++
		}
		st.Recompute()
		st.LastUpdated = s.now().UTC()
		byAd[adID] = st
		updated = st
		return nil
	})
	return updated, err
}
