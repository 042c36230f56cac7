// Package watch provides a generic "poll, detect change, debounce, act" loop.
// The ad engine uses it to invalidate the cached tunables and catalog when
// their backing documents change on disk or in SQLite.
//
// Typical usage:
//
//	w := watch.New(detector, watch.Options{Interval: time.Second, Debounce: 200*time.Millisecond})
//	go w.OnChange(ctx, func() error { cache.Invalidate(); return nil })
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token. Two calls that return different
// values mean "something changed".
type ChangeDetector func(ctx context.Context) (int64, error)

// Options tunes the watcher behaviour.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// Further changes during the window restart it. 0 fires immediately.
	Debounce time.Duration
	// Name labels log lines.
	Name   string
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a ChangeDetector and runs an action when the token moves.
// Safe for concurrent use.
type Watcher struct {
	detect ChangeDetector
	opts   Options

	version atomic.Int64

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Reloads         int64 `json:"reloads"`
}

// New creates a Watcher. Call OnChange to start the loop.
func New(detect ChangeDetector, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{detect: detect, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Reloads:         w.reloads.Load(),
	}
}

// Version returns the last version token for which the action succeeded.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange blocks until ctx is cancelled, polling at opts.Interval.
// If action returns an error the version is NOT advanced, so the action is
// retried on the next poll.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger.With("watch", w.opts.Name)

	if v, err := w.detect(ctx); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)
	hasPending := false

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.detect(ctx)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || (hasPending && cur == pending) {
				continue
			}
			w.changes.Add(1)
			pending, hasPending = cur, true

			if w.opts.Debounce <= 0 {
				w.fire(log, action, pending)
				hasPending = false
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.opts.Debounce)
			debounceCh = debounceTimer.C
			log.Debug("watch: change detected, debouncing", "pending_version", cur)

		case <-debounceCh:
			debounceCh = nil
			if hasPending {
				w.fire(log, action, pending)
				hasPending = false
			}
		}
	}
}

func (w *Watcher) fire(log *slog.Logger, action func() error, ver int64) {
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("watch: reload failed", "error", err, "version", ver)
		return
	}
	w.reloads.Add(1)
	w.version.Store(ver)
	log.Info("watch: reloaded", "version", ver)
}

// FileModTime returns a detector keyed on a file's modification time and
// size. A missing file reports version 0.
func FileModTime(path string) ChangeDetector {
	return func(context.Context) (int64, error) {
		fi, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return fi.ModTime().UnixNano() ^ fi.Size(), nil
	}
}

// Combine folds several detectors into one token. Any change in any input
// changes the output.
func Combine(detectors ...ChangeDetector) ChangeDetector {
	return func(ctx context.Context) (int64, error) {
		var acc int64 = 17
		for _, d := range detectors {
			v, err := d(ctx)
			if err != nil {
				return 0, err
			}
			acc = acc*1_000_003 + v
		}
		return acc, nil
	}
}
