// Package observability records the ad server's counters and business
// events in a SQLite database kept apart from the ad data, so metric writes
// never contend with serve-path writes.
//
// Persistence is asynchronous: Count and Record only append to an in-memory
// queue that a background goroutine writes in batches.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/adserve/dbopen"
)

// Ad server metric names.
const (
	MetricAdsServed         = "ads_served"
	MetricAdsFallbackFilled = "ads_fallback_filled"
	MetricOptimizerFailures = "optimizer_failures"
	MetricFloorOverrides    = "floor_overrides"
	MetricNoInventory       = "no_inventory"
	MetricClicksRecorded    = "clicks_recorded"
	MetricClicksNotFound    = "clicks_not_found"
	MetricGoroutines        = "goroutines_count"
	MetricMemoryAllocMB     = "memory_alloc_mb"
)

// Recorder is what the engine depends on. MetricsManager implements it;
// Nop discards everything.
type Recorder interface {
	Count(name string, labels map[string]string)
}

// Nop is a Recorder that records nothing.
type Nop struct{}

func (Nop) Count(string, map[string]string) {}

// Metric is one datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string
}

// MetricsManager buffers metrics and writes them to SQLite in batches from a
// background goroutine. Callers only take the buffer lock, never wait on the
// database. When the database falls behind, datapoints past a backlog of ten
// batches are dropped and counted.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	pending []*Metric
	dropped atomic.Int64

	writeMu  sync.Mutex // one batch in flight at a time
	reported int64      // dropped count last logged, guarded by writeMu
	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewMetricsManager starts a manager that writes every flushInterval or as
// soon as bufferSize datapoints are pending. Typical values: 100, 5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        logger,
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.loop()
	return mm
}

// Record queues a datapoint.
func (mm *MetricsManager) Record(m *Metric) {
	mm.mu.Lock()
	if len(mm.pending) >= 10*mm.bufferSize {
		mm.mu.Unlock()
		mm.dropped.Add(1)
		return
	}
	mm.pending = append(mm.pending, m)
	full := len(mm.pending) >= mm.bufferSize
	mm.mu.Unlock()
	if full {
		select {
		case mm.kick <- struct{}{}:
		default:
		}
	}
}

// Count records a value of 1 for name.
func (mm *MetricsManager) Count(name string, labels map[string]string) {
	mm.Record(&Metric{Name: name, Timestamp: time.Now(), Value: 1, Labels: labels, Unit: "count"})
}

// Dropped reports how many datapoints were discarded because the backlog
// was full.
func (mm *MetricsManager) Dropped() int64 { return mm.dropped.Load() }

// Flush writes everything queued so far and returns once it is stored,
// including a batch the background loop had already taken.
func (mm *MetricsManager) Flush() {
	mm.writeMu.Lock()
	defer mm.writeMu.Unlock()
	mm.write(mm.take())
}

// Query returns datapoints for name (all names when empty) at or after
// since (unbounded when zero), newest first.
func (mm *MetricsManager) Query(ctx context.Context, name string, since time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	var args []any
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if !since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, since.Unix())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var m Metric
		var ts int64
		var labels, unit sql.NullString
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		m.Unit = unit.String
		if labels.Valid {
			json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Totals sums every metric by name since the given time.
func (mm *MetricsManager) Totals(ctx context.Context, since time.Time) (map[string]float64, error) {
	rows, err := mm.db.QueryContext(ctx,
		`SELECT metric_name, SUM(value) FROM metrics_timeseries WHERE timestamp >= ? GROUP BY metric_name`,
		since.Unix())
	if err != nil {
		return nil, fmt.Errorf("metric totals: %w", err)
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var sum float64
		if err := rows.Scan(&name, &sum); err != nil {
			return nil, err
		}
		out[name] = sum
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than retentionDays.
func (mm *MetricsManager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// SampleRuntime records goroutine count and heap size every interval until
// done is closed.
func (mm *MetricsManager) SampleRuntime(done <-chan struct{}, interval time.Duration) {
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				var mem runtime.MemStats
				runtime.ReadMemStats(&mem)
				now := time.Now()
				mm.Record(&Metric{Name: MetricGoroutines, Timestamp: now, Value: float64(runtime.NumGoroutine()), Unit: "count"})
				mm.Record(&Metric{Name: MetricMemoryAllocMB, Timestamp: now, Value: float64(mem.Alloc) / 1024 / 1024, Unit: "megabytes"})
			}
		}
	}()
}

// Close flushes pending datapoints and stops the flush loop. Safe to call
// more than once.
func (mm *MetricsManager) Close() error {
	mm.once.Do(func() { close(mm.stop) })
	<-mm.done
	return nil
}

func (mm *MetricsManager) loop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		case <-mm.kick:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) take() []*Metric {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	batch := mm.pending
	mm.pending = nil
	return batch
}

func (mm *MetricsManager) write(batch []*Metric) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range batch {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labels, m.Unit); err != nil {
				return fmt.Errorf("insert %s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		mm.logger.Error("metrics: batch lost", "error", err, "size", len(batch))
	}
	if n := mm.dropped.Load(); n > mm.reported {
		mm.logger.Warn("metrics: backlog overflow", "dropped_total", n)
		mm.reported = n
	}
}
