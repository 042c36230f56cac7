package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recordingSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
}

func TestRetryPolicy_Schedule(t *testing.T) {
	p := DefaultRetryPolicy()
	got := p.Schedule()
	want := []time.Duration{0, 500 * time.Millisecond, time.Second}
	if len(got) != len(want) {
		t.Fatalf("schedule: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("schedule[%d]: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRetryPolicy_SucceedsOnThirdAttempt(t *testing.T) {
	var waits []time.Duration
	p := DefaultRetryPolicy()
	p.Sleep = recordingSleep(&waits)

	calls := 0
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(waits) != 2 || waits[0] != 500*time.Millisecond || waits[1] != time.Second {
		t.Fatalf("waits = %v", waits)
	}
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	var waits []time.Duration
	p := DefaultRetryPolicy()
	p.Sleep = recordingSleep(&waits)
	errDown := errors.New("down")

	err := p.Do(context.Background(), func(context.Context, int) error { return errDown })
	var ex *ErrAttemptsExhausted
	if !errors.As(err, &ex) {
		t.Fatalf("err = %T, want *ErrAttemptsExhausted", err)
	}
	if ex.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", ex.Attempts)
	}
	if !errors.Is(err, errDown) {
		t.Fatal("exhausted error should unwrap to the last failure")
	}
}

func TestRetryPolicy_CircuitOpenNotRetried(t *testing.T) {
	var waits []time.Duration
	p := DefaultRetryPolicy()
	p.Sleep = recordingSleep(&waits)

	calls := 0
	_ = p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return &ErrCircuitOpen{Service: "optimizer"}
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicy_JitterBounded(t *testing.T) {
	var waits []time.Duration
	p := RetryPolicy{MaxAttempts: 2, BaseBackoff: 100 * time.Millisecond, Jitter: 50 * time.Millisecond}
	p.Sleep = recordingSleep(&waits)

	_ = p.Do(context.Background(), func(context.Context, int) error { return errors.New("x") })
	if len(waits) != 1 {
		t.Fatalf("waits = %v", waits)
	}
	if waits[0] < 100*time.Millisecond || waits[0] >= 150*time.Millisecond {
		t.Fatalf("jittered wait out of range: %v", waits[0])
	}
}

func TestRetryPolicy_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := DefaultRetryPolicy()
	p.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	calls := 0
	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		return errors.New("fail")
	})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}
