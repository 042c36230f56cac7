package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/hazyhaar/adserve/dbopen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestInit_CreatesTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"metrics_timeseries", "business_event_logs"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	if err := Init(db); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestMetricsManager_CountAndTotals(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	defer mm.Close()
	ctx := context.Background()

	mm.Count(MetricAdsServed, map[string]string{"source": "optimizer"})
	mm.Count(MetricAdsServed, map[string]string{"source": "bandit"})
	mm.Count(MetricClicksRecorded, nil)
	mm.Flush()

	totals, err := mm.Totals(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if totals[MetricAdsServed] != 2 || totals[MetricClicksRecorded] != 1 {
		t.Fatalf("totals = %v", totals)
	}

	got, err := mm.Query(ctx, MetricAdsServed, time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Labels["source"] == "" || got[0].Unit != "count" {
		t.Fatalf("query = %+v", got)
	}
}

func TestMetricsManager_FlushOnFullBuffer(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour, nil)
	defer mm.Close()
	mm.Count("x", nil)
	mm.Count("x", nil)

	var n int
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
		if n == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("rows = %d, want a write once the buffer is full", n)
}

func TestMetricsManager_DropsPastBacklog(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 1, time.Hour, nil)
	defer mm.Close()
	// Hold the writer so nothing drains while the queue fills.
	mm.writeMu.Lock()
	for i := 0; i < 15; i++ {
		mm.Count("x", nil)
	}
	mm.writeMu.Unlock()
	if got := mm.Dropped(); got != 5 {
		t.Fatalf("dropped = %d, want 5", got)
	}
	mm.Flush()
	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 10 {
		t.Fatalf("rows = %d, want 10", n)
	}
}

func TestMetricsManager_CloseFlushesAndIsIdempotent(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	mm.Count("x", nil)
	mm.Close()
	mm.Close()
	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 1 {
		t.Fatalf("rows = %d", n)
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	defer mm.Close()
	mm.Record(&Metric{Name: "old", Timestamp: time.Now().AddDate(0, 0, -40), Value: 1})
	mm.Record(&Metric{Name: "new", Timestamp: time.Now(), Value: 1})
	mm.Flush()

	removed, err := mm.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d", removed)
	}
}

func TestEventLogger(t *testing.T) {
	db := setupObsDB(t)
	l := NewEventLogger(db, nil)
	ctx := context.Background()
	l.LogEvent(ctx, BusinessEvent{EventType: "catalog_reloaded", ServiceName: "adserve", Action: "reload", Success: true})
	l.LogEvent(ctx, BusinessEvent{EventType: "freqcap_pruned", ServiceName: "adserve", Action: "prune", Details: `{"removed":2}`, Success: true})

	evs, err := l.Recent(ctx, "freqcap_pruned", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Details != `{"removed":2}` || !evs[0].Success {
		t.Fatalf("events = %+v", evs)
	}
	all, err := l.Recent(ctx, "", 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("all = %v, %v", all, err)
	}
	if n, err := l.CleanupEvents(ctx, 1); err != nil || n != 0 {
		t.Fatalf("cleanup = %d, %v", n, err)
	}
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.Count("anything", nil)
}
