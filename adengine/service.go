// Package adengine is the ad decision engine. A Service answers two calls
// from the rest of the platform: Serve picks up to three ads for a page view
// and records the impressions, Click attributes a click to a recorded
// impression. Rank, Stats and Reload support operators.
//
// Selection runs in layers: the eligibility filter narrows the catalog, the
// remote optimizer (when configured) proposes ads, and the local bandit
// fills whatever the optimizer left open. The optimizer is never required:
// every failure falls back to the bandit.
package adengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/adserve/adengine/internal/bandit"
	"github.com/hazyhaar/adserve/adengine/internal/catalog"
	"github.com/hazyhaar/adserve/adengine/internal/creative"
	"github.com/hazyhaar/adserve/adengine/internal/eligibility"
	"github.com/hazyhaar/adserve/adengine/internal/freqcap"
	"github.com/hazyhaar/adserve/adengine/internal/ledger"
	"github.com/hazyhaar/adserve/adengine/internal/model"
	"github.com/hazyhaar/adserve/adengine/internal/optimizer"
	"github.com/hazyhaar/adserve/adengine/internal/stats"
	"github.com/hazyhaar/adserve/adengine/internal/storage"
	"github.com/hazyhaar/adserve/connectivity"
	"github.com/hazyhaar/adserve/dbopen"
	"github.com/hazyhaar/adserve/idgen"
	"github.com/hazyhaar/adserve/observability"
	"github.com/hazyhaar/adserve/shield"
	"github.com/hazyhaar/adserve/watch"
)

const serviceName = "adserve"

// Selection sources, used as metric labels.
const (
	sourceOptimizer = "optimizer"
	sourceBandit    = "bandit"
)

// Service is the ad decision engine. It owns every cache the engine uses:
// the catalog snapshot, the recent-impression cache and the selector's
// random source.
type Service struct {
	cfg       *Config
	store     storage.Store
	catalog   *catalog.Source
	stats     *stats.Store
	freq      *freqcap.Tracker
	ledger    *ledger.Ledger
	optimizer *optimizer.Client
	selector  *bandit.Selector

	metrics    observability.Recorder
	metricsMgr *observability.MetricsManager
	metricsDB  *sql.DB
	events     *observability.EventLogger
	limiter    *shield.RateLimiter

	newAnonID idgen.Generator
	newImpID  idgen.Generator
	now       func() time.Time
	logger    *slog.Logger
	optHTTP   *http.Client
	optSleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	cron    *cron.Cron
	watcher *watch.Watcher
	stop    context.CancelFunc
	closed  bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock replaces time.Now for stats, frequency days and impressions.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithAnonIDs replaces the generator for missing anonymous ids.
func WithAnonIDs(g idgen.Generator) Option { return func(s *Service) { s.newAnonID = g } }

// WithImpressionIDs replaces the impression id generator.
func WithImpressionIDs(g idgen.Generator) Option { return func(s *Service) { s.newImpID = g } }

// WithMetrics replaces the metrics recorder. Default: the SQLite manager
// when metrics_db is set, otherwise a no-op.
func WithMetrics(r observability.Recorder) Option { return func(s *Service) { s.metrics = r } }

// WithOptimizerHTTPClient replaces the HTTP client used for optimizer calls.
func WithOptimizerHTTPClient(hc *http.Client) Option { return func(s *Service) { s.optHTTP = hc } }

// WithRetrySleep replaces the wait between optimizer attempts.
func WithRetrySleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.optSleep = fn }
}

// Open opens the configured storage backend and metrics database and
// builds a Service over them. Close releases both.
func Open(cfg *Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("adengine: config: %w", err)
	}
	probe := &Service{logger: slog.Default()}
	for _, o := range opts {
		o(probe)
	}

	var store storage.Store
	var err error
	switch cfg.Storage {
	case StorageSQLite:
		store, err = storage.OpenSQLite(cfg.DBPath, probe.logger)
	default:
		store, err = storage.NewFileStore(cfg.DataDir, probe.logger)
	}
	if err != nil {
		return nil, fmt.Errorf("adengine: open %s storage: %w", cfg.Storage, err)
	}

	var mdb *sql.DB
	if cfg.MetricsDB != "" {
		mdb, err = dbopen.Open(cfg.MetricsDB,
			dbopen.WithMkdirAll(),
			dbopen.WithSchema(observability.Schema))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("adengine: open metrics db: %w", err)
		}
	}

	s, err := newService(store, mdb, cfg, opts...)
	if err != nil {
		store.Close()
		if mdb != nil {
			mdb.Close()
		}
		return nil, err
	}
	return s, nil
}

// newService wires the engine over an open store. mdb may be nil.
func newService(store storage.Store, mdb *sql.DB, cfg *Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:       cfg,
		store:     store,
		metricsDB: mdb,
		newAnonID: idgen.Prefixed("anon_", idgen.NanoID(16)),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.limiter = shield.NewRateLimiter(cfg.RateLimits)
	s.catalog = catalog.New(store, s.logger)
	s.stats = stats.New(store, stats.WithClock(s.now), stats.WithLogger(s.logger))
	s.freq = freqcap.New(store, freqcap.WithClock(s.now), freqcap.WithLogger(s.logger))
	s.ledger = ledger.New(store, s.stats, s.freq, ledger.Options{
		RecentSize: cfg.RecentCacheSize,
		NewID:      s.newImpID,
		Now:        s.now,
		Logger:     s.logger,
	})

	sampler, ok := bandit.SamplerByName(cfg.Sampler)
	if !ok {
		return nil, fmt.Errorf("%w: unknown sampler %q", ErrInvalidInput, cfg.Sampler)
	}
	selOpts := []bandit.SelectorOption{bandit.WithSampler(sampler)}
	if cfg.Seed != 0 {
		selOpts = append(selOpts, bandit.WithSeed(cfg.Seed))
	}
	s.selector = bandit.NewSelector(selOpts...)

	if cfg.Optimizer.URL != "" {
		oc := cfg.Optimizer
		client, err := optimizer.New(optimizer.Config{
			URL:     oc.URL,
			Timeout: oc.Timeout,
			Retry: connectivity.RetryPolicy{
				MaxAttempts: oc.MaxAttempts,
				BaseBackoff: oc.Backoff,
				Jitter:      oc.Jitter,
				Sleep:       s.optSleep,
				Logger:      s.logger,
			},
			RatePerSec:       oc.RatePerSec,
			Burst:            oc.Burst,
			BreakerThreshold: oc.BreakerThreshold,
			BreakerReset:     oc.BreakerReset,
			AllowPrivate:     oc.AllowPrivate,
		}, s.optimizerOptions()...)
		if err != nil {
			return nil, err
		}
		s.optimizer = client
	}

	if mdb != nil {
		s.events = observability.NewEventLogger(mdb, s.logger)
	}
	if s.metrics == nil {
		if mdb != nil {
			s.metricsMgr = observability.NewMetricsManager(mdb, 100, 5*time.Second, s.logger)
			s.metrics = s.metricsMgr
		} else {
			s.metrics = observability.Nop{}
		}
	}
	return s, nil
}

func (s *Service) optimizerOptions() []optimizer.Option {
	opts := []optimizer.Option{optimizer.WithLogger(s.logger)}
	if s.optHTTP != nil {
		opts = append(opts, optimizer.WithHTTPClient(s.optHTTP))
	}
	return opts
}

// Start launches the background work: the catalog watcher when hot_reload
// is on, the maintenance cron job, rate-limit bucket GC and, when metrics
// are persisted, runtime sampling. Close stops all of it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("adengine: already started")
	}
	ctx, cancel := context.WithCancel(ctx)

	if s.cfg.HotReload {
		s.watcher = s.catalog.Watch(ctx, s.cfg.WatchInterval)
		s.logger.Info("adengine: watching catalog", "interval", s.cfg.WatchInterval)
	}
	if s.cfg.MaintenanceCron != "" {
		c := cron.New()
		if _, err := c.AddFunc(s.cfg.MaintenanceCron, func() {
			if _, err := s.Maintain(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("adengine: maintenance failed", "error", err)
			}
		}); err != nil {
			cancel()
			return fmt.Errorf("adengine: schedule maintenance: %w", err)
		}
		c.Start()
		s.cron = c
	}
	if s.metricsMgr != nil {
		s.metricsMgr.SampleRuntime(ctx.Done(), 30*time.Second)
	}
	s.limiter.StartGC(ctx.Done(), time.Minute)
	s.stop = cancel
	return nil
}

// Close stops background work, flushes metrics and closes storage.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	var errs []error
	if s.metricsMgr != nil {
		errs = append(errs, s.metricsMgr.Close())
	}
	if s.metricsDB != nil {
		errs = append(errs, s.metricsDB.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

// Serve selects up to MaxAds ads for a page view and records an impression
// for each. An empty ad list is a normal answer, not an error.
func (s *Service) Serve(ctx context.Context, req *ServeRequest) (*ServeResponse, error) {
	if req != nil && req.DoNotTrack {
		return &ServeResponse{Ads: []ServedAd{}}, nil
	}
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", ErrInvalidInput)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	anonID := req.AnonID
	if anonID == "" {
		anonID = s.newAnonID()
	}
	page, user := *req.PageContext, *req.UserContext
	resp := &ServeResponse{Ads: []ServedAd{}, AnonID: anonID}

	snap := s.catalog.Snapshot(ctx)
	t := snap.Tunables
	elig := s.eligible(ctx, snap, page, user, anonID)
	if elig.Empty() {
		s.metrics.Count(observability.MetricNoInventory, nil)
		return resp, nil
	}

	topic := model.NormalizeTopic(page)
	priors := s.stats.Priors(ctx, topic, elig.IDs())
	byID := make(map[string]eligibility.Candidate, len(elig.Candidates))
	for _, c := range elig.Candidates {
		byID[c.Ad.ID] = c
	}

	picks := s.fromOptimizer(ctx, page, user, elig, priors, t, byID)
	if len(picks) < MaxAds {
		taken := make(map[string]bool, len(picks))
		for _, p := range picks {
			taken[p.ad.ID] = true
		}
		var arms []bandit.Arm
		for _, c := range elig.Candidates {
			if !taken[c.Ad.ID] {
				arms = append(arms, bandit.Arm{Ad: c.Ad, Overlap: c.Overlap, Stats: priors[c.Ad.ID]})
			}
		}
		filled := s.selector.Fill(arms, MaxAds-len(picks), t.Epsilon, t.AssumedCPCCents)
		if len(filled) > 0 {
			s.metrics.Count(observability.MetricAdsFallbackFilled, map[string]string{"pass": string(elig.Pass)})
		}
		for _, f := range filled {
			if f.FloorOverridden {
				s.metrics.Count(observability.MetricFloorOverrides, map[string]string{"ad_id": f.AdID})
			}
			ad := byID[f.AdID].Ad
			picks = append(picks, pick{ad: ad, headline: ad.Headline, body: ad.Body, source: sourceBandit})
		}
	}

	for _, p := range picks {
		imp, err := s.ledger.RecordImpression(ctx, ledger.Selection{
			AdID:      p.ad.ID,
			Topic:     topic,
			AnonID:    anonID,
			Path:      page.Path,
			Placement: p.ad.Placement,
			Keywords:  page.Keywords,
		}, t.DailyFrequencyCap)
		if errors.Is(err, ledger.ErrCapReached) {
			s.logger.DebugContext(ctx, "adengine: cap reached during serve", "ad_id", p.ad.ID, "anon_id", anonID)
			continue
		}
		if err != nil {
			s.logger.WarnContext(ctx, "adengine: record impression failed", "ad_id", p.ad.ID, "error", err)
			continue
		}

		html, err := creative.Render(creative.Creative{
			ImpressionID: imp.ImpressionID,
			AdID:         p.ad.ID,
			Placement:    p.ad.Placement,
			Headline:     p.headline,
			Body:         p.body,
			LandingURL:   p.ad.LandingURL,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "adengine: render creative", "ad_id", p.ad.ID, "error", err)
		}
		resp.Ads = append(resp.Ads, ServedAd{
			ImpressionID: imp.ImpressionID,
			AdID:         p.ad.ID,
			Headline:     p.headline,
			Body:         p.body,
			LandingURL:   p.ad.LandingURL,
			Placement:    p.ad.Placement,
			HTML:         html,
		})
		s.metrics.Count(observability.MetricAdsServed, map[string]string{
			"source": p.source,
			"pass":   string(elig.Pass),
			"topic":  topic,
		})
	}
	return resp, nil
}

type pick struct {
	ad       model.Ad
	headline string
	body     string
	source   string
}

func (s *Service) eligible(ctx context.Context, snap *catalog.Snapshot, page model.PageContext, user model.UserContext, anonID string) eligibility.Result {
	var served eligibility.CountFunc
	if anonID != "" {
		counts := s.freq.Counts(ctx, anonID)
		served = func(adID string) int { return counts[adID] }
	}
	return eligibility.Filter(snap.Ads, eligibility.Request{Page: page, User: user, Served: served}, snap.Tunables)
}

// fromOptimizer keeps the optimizer's choices that are eligible, in its
// order, without duplicates. Rewritten copy replaces the catalog copy after
// sanitizing.
func (s *Service) fromOptimizer(ctx context.Context, page model.PageContext, user model.UserContext,
	elig eligibility.Result, priors map[string]model.AdStats, t model.Tunables,
	byID map[string]eligibility.Candidate) []pick {
	if s.optimizer == nil {
		return nil
	}
	req := optimizer.Request{PageContext: page, UserContext: user, Config: t}
	for _, c := range elig.Candidates {
		req.EligibleAds = append(req.EligibleAds, c.Ad)
		req.PriorStats = append(req.PriorStats, optimizer.NewPriorStat(c.Ad.ID, priors[c.Ad.ID]))
	}
	ans, ok := s.optimizer.Choose(ctx, req)
	if !ok {
		s.metrics.Count(observability.MetricOptimizerFailures, map[string]string{"breaker": s.optimizer.BreakerState()})
		return nil
	}

	var picks []pick
	seen := make(map[string]bool)
	for _, ch := range ans.Chosen {
		if len(picks) == MaxAds {
			break
		}
		c, ok := byID[ch.AdID]
		if !ok || seen[ch.AdID] {
			s.logger.DebugContext(ctx, "adengine: optimizer choice dropped", "ad_id", ch.AdID)
			continue
		}
		seen[ch.AdID] = true
		p := pick{ad: c.Ad, headline: c.Ad.Headline, body: c.Ad.Body, source: sourceOptimizer}
		if h := creative.Sanitize(ch.Headline); h != "" {
			p.headline = h
		}
		if b := creative.Sanitize(ch.Body); b != "" {
			p.body = b
		}
		picks = append(picks, p)
	}
	return picks
}

// Click attributes a click to a recorded impression. Unknown ids return
// ErrImpressionNotFound and change nothing.
func (s *Service) Click(ctx context.Context, req *ClickRequest) (*ClickResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", ErrInvalidInput)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	click, err := s.ledger.RecordClick(ctx, req.ImpressionID)
	if errors.Is(err, ledger.ErrImpressionNotFound) {
		s.metrics.Count(observability.MetricClicksNotFound, nil)
		return nil, fmt.Errorf("%w: %s", ErrImpressionNotFound, req.ImpressionID)
	}
	if err != nil {
		return nil, fmt.Errorf("adengine: record click: %w", err)
	}
	s.metrics.Count(observability.MetricClicksRecorded, map[string]string{"topic": click.Topic})
	return &ClickResponse{OK: true}, nil
}

// Rank returns the deterministic decision over the ads eligible for a
// context. It records nothing.
func (s *Service) Rank(ctx context.Context, req *RankRequest) (*RankResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", ErrInvalidInput)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	page, user := *req.PageContext, *req.UserContext
	snap := s.catalog.Snapshot(ctx)
	elig := s.eligible(ctx, snap, page, user, req.AnonID)
	topic := model.NormalizeTopic(page)

	resp := &RankResponse{Topic: topic, Pass: elig.Pass, Ranked: []bandit.Ranked{}}
	if elig.Empty() {
		return resp, nil
	}
	priors := s.stats.Priors(ctx, topic, elig.IDs())
	arms := make([]bandit.Arm, len(elig.Candidates))
	for i, c := range elig.Candidates {
		arms[i] = bandit.Arm{Ad: c.Ad, Overlap: c.Overlap, Stats: priors[c.Ad.ID]}
	}
	d := bandit.Rank(arms, snap.Tunables.AssumedCPCCents)
	resp.Winner = d.Winner
	resp.Ranked = d.Ranked
	resp.TieBreaker = d.TieBreaker
	resp.FloorOverridden = d.FloorOverridden
	return resp, nil
}

// Stats reports the counters of one topic, or lists topics when topic is
// empty. Ads never shown in the topic are absent.
func (s *Service) Stats(ctx context.Context, topic string) (*StatsResponse, error) {
	if topic == "" {
		return &StatsResponse{Topics: s.stats.Topics(ctx)}, nil
	}
	snap := s.stats.Snapshot(ctx, topic)
	resp := &StatsResponse{Topic: topic, Ads: make(map[string]AdStatsView, len(snap))}
	for id, st := range snap {
		resp.Ads[id] = newStatsView(st)
	}
	return resp, nil
}

// Reload drops the cached catalog and tunables and loads them again.
func (s *Service) Reload(ctx context.Context) (*ReloadResponse, error) {
	snap, err := s.catalog.Reload(ctx)
	if err != nil {
		s.event(ctx, observability.BusinessEvent{
			EventType:  "catalog",
			EntityType: "catalog",
			Action:     "reload",
			Details:    err.Error(),
			Success:    false,
		})
		return nil, fmt.Errorf("adengine: reload: %w", err)
	}
	s.event(ctx, observability.BusinessEvent{
		EventType:  "catalog",
		EntityType: "catalog",
		Action:     "reload",
		Details:    fmt.Sprintf("ads=%d skipped=%d", len(snap.Ads), snap.Skipped),
		Success:    true,
	})
	s.logger.InfoContext(ctx, "adengine: catalog reloaded", "ads", len(snap.Ads), "skipped", snap.Skipped)
	return &ReloadResponse{Ads: len(snap.Ads), Skipped: snap.Skipped, Tunables: snap.Tunables}, nil
}

// MaintenanceReport summarises one maintenance run.
type MaintenanceReport struct {
	PrunedDays     []string `json:"pruned_days"`
	MetricsDeleted int64    `json:"metrics_deleted"`
	EventsDeleted  int64    `json:"events_deleted"`
}

// Maintain prunes frequency-cap days older than the retention window and,
// when metrics are persisted, old metrics and events. The cron job calls it
// daily.
func (s *Service) Maintain(ctx context.Context) (*MaintenanceReport, error) {
	rep := &MaintenanceReport{}
	var errs []error

	days, err := s.freq.Prune(ctx, s.cfg.FreqCapRetentionDays)
	if err != nil {
		errs = append(errs, fmt.Errorf("prune freqcap: %w", err))
	}
	rep.PrunedDays = days

	if s.metricsMgr != nil && s.cfg.MetricsRetentionDays > 0 {
		n, err := s.metricsMgr.Cleanup(ctx, s.cfg.MetricsRetentionDays)
		if err != nil {
			errs = append(errs, err)
		}
		rep.MetricsDeleted = n
	}
	if s.events != nil && s.cfg.MetricsRetentionDays > 0 {
		n, err := s.events.CleanupEvents(ctx, s.cfg.MetricsRetentionDays)
		if err != nil {
			errs = append(errs, err)
		}
		rep.EventsDeleted = n
	}

	err = errors.Join(errs...)
	s.event(ctx, observability.BusinessEvent{
		EventType:  "maintenance",
		EntityType: "freqcap",
		Action:     "prune",
		Details:    fmt.Sprintf("days=%d metrics=%d events=%d", len(rep.PrunedDays), rep.MetricsDeleted, rep.EventsDeleted),
		Success:    err == nil,
	})
	s.logger.InfoContext(ctx, "adengine: maintenance done",
		"pruned_days", len(rep.PrunedDays),
		"metrics_deleted", rep.MetricsDeleted,
		"events_deleted", rep.EventsDeleted)
	return rep, err
}

// Metrics totals recorded metrics since the given time. Empty when metrics
// are not persisted.
func (s *Service) Metrics(ctx context.Context, since time.Time) (map[string]float64, error) {
	if s.metricsMgr == nil {
		return map[string]float64{}, nil
	}
	s.metricsMgr.Flush()
	return s.metricsMgr.Totals(ctx, since)
}

// Watcher returns the catalog watcher, nil unless hot reload is running.
func (s *Service) Watcher() *watch.Watcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watcher
}

func (s *Service) event(ctx context.Context, ev observability.BusinessEvent) {
	if s.events == nil {
		return
	}
	ev.ServiceName = serviceName
	s.events.LogEvent(ctx, ev)
}
