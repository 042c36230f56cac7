package freqcap

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/adserve/adengine/internal/storage"
)

type clock struct{ now atomic.Pointer[time.Time] }

func (c *clock) set(t time.Time) { c.now.Store(&t) }
func (c *clock) Now() time.Time  { return *c.now.Load() }

func newTracker(t *testing.T) (*Tracker, *clock) {
	t.Helper()
	fs, err := storage.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	c := &clock{}
	c.set(time.Date(2026, 5, 10, 23, 30, 0, 0, time.UTC))
	return New(fs, WithClock(c.Now)), c
}

func TestIncrementAndCount(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		n, err := tr.Increment(ctx, "anon_1", "a1")
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Fatalf("n = %d, want %d", n, i)
		}
	}
	if got := tr.Count(ctx, "anon_1", "a1"); got != 3 {
		t.Fatalf("count = %d", got)
	}
	if got := tr.Counts(ctx, "anon_1"); !reflect.DeepEqual(got, map[string]int{"a1": 3}) {
		t.Fatalf("counts = %v", got)
	}
	if tr.Count(ctx, "anon_2", "a1") != 0 {
		t.Fatal("other anon should be zero")
	}
}

func TestAllowed_ScenarioD(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := tr.Increment(ctx, "anon", "ad"); err != nil {
			t.Fatal(err)
		}
	}
	if tr.Allowed(ctx, "anon", "ad", 3) {
		t.Fatal("4th impression should not be allowed with cap 3")
	}
	if !tr.Allowed(ctx, "anon", "ad", 4) {
		t.Fatal("cap 4 should allow")
	}
	if tr.Allowed(ctx, "other", "ad", 0) {
		t.Fatal("cap 0 allows nothing, even a first impression")
	}
}

func TestNewDayStartsFresh(t *testing.T) {
	tr, c := newTracker(t)
	ctx := context.Background()
	if _, err := tr.Increment(ctx, "anon", "ad"); err != nil {
		t.Fatal(err)
	}
	c.set(time.Date(2026, 5, 11, 0, 0, 1, 0, time.UTC))
	if tr.Today() != "2026-05-11" {
		t.Fatalf("today = %s", tr.Today())
	}
	if tr.Count(ctx, "anon", "ad") != 0 {
		t.Fatal("count should reset at UTC midnight")
	}
}

func TestTryIncrement_CapHoldsUnderConcurrency(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	var ok, capped atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.TryIncrement(ctx, "anon", "ad", 5)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrCapReached):
				capped.Add(1)
			default:
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 5 || capped.Load() != 15 {
		t.Fatalf("ok=%d capped=%d", ok.Load(), capped.Load())
	}
	if tr.Count(ctx, "anon", "ad") != 5 {
		t.Fatalf("count = %d", tr.Count(ctx, "anon", "ad"))
	}
}

func TestPrune(t *testing.T) {
	tr, c := newTracker(t)
	ctx := context.Background()
	for _, d := range []int{1, 5, 8, 10} {
		c.set(time.Date(2026, 5, d, 12, 0, 0, 0, time.UTC))
		if _, err := tr.Increment(ctx, "anon", "ad"); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := tr.Prune(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(removed, []string{"2026-05-01", "2026-05-05"}) {
		t.Fatalf("removed = %v", removed)
	}
	if tr.Count(ctx, "anon", "ad") != 1 {
		t.Fatal("today's bucket must survive")
	}
	removed, err = tr.Prune(ctx, 3)
	if err != nil || len(removed) != 0 {
		t.Fatalf("second prune: %v %v", removed, err)
	}
}

func TestPrune_MissingDocument(t *testing.T) {
	tr, _ := newTracker(t)
	removed, err := tr.Prune(context.Background(), 7)
	if err != nil || len(removed) != 0 {
		t.Fatalf("removed=%v err=%v", removed, err)
	}
}

func TestTryIncrement_CapZeroAndRelease(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	if _, err := tr.TryIncrement(ctx, "anon", "ad", 0); !errors.Is(err, ErrCapReached) {
		t.Fatalf("cap 0: err = %v, want ErrCapReached", err)
	}
	if _, err := tr.TryIncrement(ctx, "anon", "ad", 1); err != nil {
		t.Fatal(err)
	}
	if n, err := tr.Release(ctx, "anon", "ad"); err != nil || n != 0 {
		t.Fatalf("release = %d, %v", n, err)
	}
	if n, _ := tr.Release(ctx, "anon", "ad"); n != 0 {
		t.Fatalf("release below zero: %d", n)
	}
}
