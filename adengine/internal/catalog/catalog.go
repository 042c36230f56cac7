// Package catalog serves the ad catalog and tunables as one immutable
// snapshot. The snapshot is loaded lazily on first use, dropped by
// Invalidate, and reloaded on the next access; callers take one snapshot per
// request so every step of a request sees the same data.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/adserve/adengine/internal/model"
	"github.com/hazyhaar/adserve/adengine/internal/storage"
	"github.com/hazyhaar/adserve/watch"
)

// Snapshot is an immutable view of the catalog and tunables.
type Snapshot struct {
	Ads      []model.Ad
	Tunables model.Tunables
	LoadedAt time.Time
	// Skipped counts catalog entries rejected by validation.
	Skipped int
}

// Ad looks up an ad by id.
func (s *Snapshot) Ad(id string) (model.Ad, bool) {
	for _, a := range s.Ads {
		if a.ID == id {
			return a, true
		}
	}
	return model.Ad{}, false
}

// Source loads snapshots from a storage.Store.
type Source struct {
	store  storage.Store
	logger *slog.Logger

	current atomic.Pointer[Snapshot]
	loadMu  sync.Mutex
	loads   atomic.Int64
}

// New creates a Source. Nothing is read until the first Snapshot call.
func New(store storage.Store, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{store: store, logger: logger}
}

// Snapshot returns the cached snapshot, loading it if needed. When storage
// cannot be read the caller gets a degraded snapshot (defaults, no ads) that
// is not cached, so the next call tries again.
func (s *Source) Snapshot(ctx context.Context) *Snapshot {
	if snap := s.current.Load(); snap != nil {
		return snap
	}
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if snap := s.current.Load(); snap != nil {
		return snap
	}
	snap, err := s.load(ctx)
	if err == nil {
		s.current.Store(snap)
	}
	return snap
}

// Invalidate drops the cached snapshot. The next Snapshot call reloads. It
// waits for a load in progress, so a snapshot read before the change cannot
// be stored after it.
func (s *Source) Invalidate() {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	s.current.Store(nil)
}

// Reload replaces the cached snapshot immediately. If storage cannot be read
// the previous snapshot stays in place and is returned with the error.
func (s *Source) Reload(ctx context.Context) (*Snapshot, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	snap, err := s.load(ctx)
	if err != nil {
		if prev := s.current.Load(); prev != nil {
			return prev, err
		}
		return snap, err
	}
	s.current.Store(snap)
	return snap, nil
}

// Loads reports how many times the snapshot was read from storage.
func (s *Source) Loads() int64 { return s.loads.Load() }

// load reads both documents. A corrupt document is replaced by its default
// and the snapshot is still good; any other read error (cancellation, busy
// database, I/O) makes the snapshot degraded and is returned.
func (s *Source) load(ctx context.Context) (*Snapshot, error) {
	s.loads.Add(1)
	tun, terr := s.loadTunables(ctx)
	ads, skipped, aerr := s.loadAds(ctx)
	snap := &Snapshot{Ads: ads, Tunables: tun, Skipped: skipped, LoadedAt: time.Now()}
	if err := errors.Join(terr, aerr); err != nil {
		return snap, fmt.Errorf("catalog: load: %w", err)
	}
	s.logger.Debug("catalog: snapshot loaded",
		"ads", len(snap.Ads),
		"skipped", snap.Skipped,
		"epsilon", snap.Tunables.Epsilon,
		"daily_frequency_cap", snap.Tunables.DailyFrequencyCap)
	return snap, nil
}

// loadTunables overlays the config document on the defaults, so omitted
// fields keep their default value.
func (s *Source) loadTunables(ctx context.Context) (model.Tunables, error) {
	t := model.DefaultTunables()
	if _, err := s.store.Get(ctx, storage.DocConfig, &t); err != nil {
		s.logger.Warn("catalog: config unreadable, using defaults", "error", err)
		if errors.Is(err, storage.ErrCorrupt) {
			return model.DefaultTunables(), nil
		}
		return model.DefaultTunables(), err
	}
	return t.Normalize(), nil
}

func (s *Source) loadAds(ctx context.Context) ([]model.Ad, int, error) {
	var raw []json.RawMessage
	if _, err := s.store.Get(ctx, storage.DocCatalog, &raw); err != nil {
		s.logger.Warn("catalog: catalog unreadable, serving no ads", "error", err)
		if errors.Is(err, storage.ErrCorrupt) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	ads := make([]model.Ad, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	skipped := 0
	for i, r := range raw {
		var ad model.Ad
		err := json.Unmarshal(r, &ad)
		if err == nil {
			err = ad.Validate()
		}
		if err == nil && seen[ad.ID] {
			err = fmt.Errorf("duplicate id %q", ad.ID)
		}
		if err != nil {
			skipped++
			s.logger.Warn("catalog: entry skipped", "index", i, "error", err)
			continue
		}
		seen[ad.ID] = true
		ads = append(ads, ad)
	}
	return ads, skipped, nil
}

// Detector returns a change detector over the catalog and config documents.
func (s *Source) Detector() watch.ChangeDetector {
	return watch.Combine(s.version(storage.DocCatalog), s.version(storage.DocConfig))
}

func (s *Source) version(doc string) watch.ChangeDetector {
	return func(ctx context.Context) (int64, error) {
		return s.store.Version(ctx, doc)
	}
}

// Watch starts a goroutine that polls the backing documents and invalidates
// the snapshot whenever one changes, until ctx is cancelled. It returns the
// watcher immediately.
func (s *Source) Watch(ctx context.Context, interval time.Duration) *watch.Watcher {
	w := watch.New(s.Detector(), watch.Options{
		Interval: interval,
		Debounce: interval / 4,
		Name:     "catalog",
		Logger:   s.logger,
	})
	go w.OnChange(ctx, func() error {
		s.Invalidate()
		return nil
	})
	return w
}

// SaveAds replaces the catalog document.
func SaveAds(ctx context.Context, store storage.Store, ads []model.Ad) error {
	for _, a := range ads {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return store.Put(ctx, storage.DocCatalog, ads)
}

// SaveTunables replaces the config document.
func SaveTunables(ctx context.Context, store storage.Store, t model.Tunables) error {
	if t.Epsilon < 0 || t.Epsilon > 1 {
		return errors.New("catalog: epsilon must be within [0, 1]")
	}
	return store.Put(ctx, storage.DocConfig, t)
}
