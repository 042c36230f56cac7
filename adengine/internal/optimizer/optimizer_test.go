package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/adserve/adengine/internal/model"
	"github.com/hazyhaar/adserve/connectivity"
)

func TestParseAnswer_Shapes(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		shape Shape
		ids   []string
	}{
		{"nested object", `{"result":{"Output":{"response":{"chosen":{"ad_id":"a1","headline":"H"}}}}}`, ShapeNested, []string{"a1"}},
		{"nested array", `{"result":{"Output":{"response":{"chosen":[{"ad_id":"a1"},{"id":"a2"}]}}}}`, ShapeNested, []string{"a1", "a2"}},
		{"top-level object", `{"chosen":{"id":"b"}}`, ShapeTopLevel, []string{"b"}},
		{"top-level array", `{"chosen":[{"ad_id":"x"},{"headline":"no id"},{"ad_id":"y"}]}`, ShapeTopLevel, []string{"x", "y"}},
		{"nested wins", `{"chosen":{"ad_id":"top"},"result":{"Output":{"response":{"chosen":{"ad_id":"deep"}}}}}`, ShapeNested, []string{"deep"}},
		{"null error ignored", `{"error":null,"chosen":{"ad_id":"ok"}}`, ShapeTopLevel, []string{"ok"}},
	}
	for _, c := range cases {
		ans, err := ParseAnswer([]byte(c.body))
		if err != nil {
			t.Errorf("%s: %v", c.name, err)
			continue
		}
		if ans.Shape != c.shape {
			t.Errorf("%s: shape = %s, want %s", c.name, ans.Shape, c.shape)
		}
		if len(ans.Chosen) != len(c.ids) {
			t.Errorf("%s: chosen = %+v", c.name, ans.Chosen)
			continue
		}
		for i, id := range c.ids {
			if ans.Chosen[i].AdID != id {
				t.Errorf("%s: chosen[%d] = %s, want %s", c.name, i, ans.Chosen[i].AdID, id)
			}
		}
	}
}

func TestParseAnswer_Failures(t *testing.T) {
	cases := map[string]error{
		`{"error":"quota exceeded","chosen":{"ad_id":"a"}}`:     ErrRemote,
		`{"result":{"Output":{}}}`:                              ErrBadShape,
		`{"chosen":[]}`:                                         ErrBadShape,
		`{"chosen":"a1"}`:                                       ErrBadShape,
		`{"chosen":[{"headline":"x"}]}`:                         ErrBadShape,
		`not json`:                                              ErrBadShape,
		`{"result":{"Output":{"response":{"chosen":null}}}}`:    ErrBadShape,
	}
	for body, want := range cases {
		if _, err := ParseAnswer([]byte(body)); !errors.Is(err, want) {
			t.Errorf("%s: err = %v, want %v", body, err, want)
		}
	}
}

func noSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
}

func newClient(t *testing.T, url string, mut func(*Config)) (*Client, *[]time.Duration) {
	t.Helper()
	var waits []time.Duration
	cfg := Config{URL: url, AllowPrivate: true, Retry: connectivity.DefaultRetryPolicy()}
	cfg.Retry.Sleep = noSleep(&waits)
	if mut != nil {
		mut(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c, &waits
}

func TestChoose_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
		case 2:
			io.WriteString(w, `{"unexpected":true}`)
		default:
			io.WriteString(w, `{"chosen":[{"ad_id":"a1","headline":"New"}]}`)
		}
	}))
	defer srv.Close()

	c, waits := newClient(t, srv.URL, nil)
	ans, ok := c.Choose(context.Background(), Request{})
	if !ok {
		t.Fatal("expected an answer")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
	if len(*waits) != 2 || (*waits)[0] != 500*time.Millisecond || (*waits)[1] != time.Second {
		t.Fatalf("waits = %v", *waits)
	}
	if ans.Chosen[0].Headline != "New" {
		t.Fatalf("answer = %+v", ans)
	}
}

func TestChoose_AllAttemptsFail(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL, nil)
	if _, ok := c.Choose(context.Background(), Request{}); ok {
		t.Fatal("expected no answer")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestChoose_PayloadStripsEmptyArrays(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		io.WriteString(w, `{"chosen":{"ad_id":"a1"}}`)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL, nil)
	req := Request{
		PageContext: model.PageContext{Path: "/"},
		EligibleAds: []model.Ad{{ID: "a1", Lang: "any"}},
		PriorStats:  []PriorStat{NewPriorStat("a1", model.Prior())},
		Config:      model.DefaultTunables(),
	}
	if _, ok := c.Choose(context.Background(), req); !ok {
		t.Fatal("expected answer")
	}
	if _, has := got["page_context"].(map[string]any)["keywords"]; has {
		t.Error("empty page keywords should be omitted")
	}
	ad := got["eligible_ads"].([]any)[0].(map[string]any)
	if _, has := ad["keywords"]; has {
		t.Error("empty ad keywords should be omitted")
	}
	if _, has := ad["blocked_paths"]; has {
		t.Error("empty blocked_paths should be omitted")
	}
	prior := got["prior_stats"].([]any)[0].(map[string]any)
	if mean := prior["ctr_mean"].(float64); mean < 0.0476 || mean > 0.0477 {
		t.Errorf("ctr_mean = %v", mean)
	}

	got = nil
	if _, ok := c.Choose(context.Background(), Request{}); !ok {
		t.Fatal("expected answer")
	}
	if _, has := got["eligible_ads"]; has {
		t.Error("empty eligible_ads should be omitted")
	}
	if _, has := got["prior_stats"]; has {
		t.Error("empty prior_stats should be omitted")
	}
}

func TestChoose_TimeoutPerAttempt(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := newClient(t, srv.URL, func(cfg *Config) {
		cfg.Timeout = 30 * time.Millisecond
		cfg.Retry.MaxAttempts = 2
	})
	start := time.Now()
	if _, ok := c.Choose(context.Background(), Request{}); ok {
		t.Fatal("expected no answer")
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("took %v", d)
	}
}

func TestChoose_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL, func(cfg *Config) {
		cfg.BreakerThreshold = 3
		cfg.BreakerReset = time.Hour
	})
	c.Choose(context.Background(), Request{})
	if c.BreakerState() != "open" {
		t.Fatalf("breaker = %s", c.BreakerState())
	}
	before := calls.Load()
	if _, ok := c.Choose(context.Background(), Request{}); ok {
		t.Fatal("open breaker should yield no answer")
	}
	if calls.Load() != before {
		t.Fatal("open breaker must not reach the server")
	}
}

func TestChoose_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, `{"chosen":{"ad_id":"a"}}`)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL, func(cfg *Config) {
		cfg.RatePerSec = 0.001
		cfg.Burst = 1
	})
	if _, ok := c.Choose(context.Background(), Request{}); !ok {
		t.Fatal("first call should pass")
	}
	if _, ok := c.Choose(context.Background(), Request{}); ok {
		t.Fatal("second call should be limited")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if _, ok := c.Choose(context.Background(), Request{}); ok {
		t.Fatal("nil client must not answer")
	}
	if c.BreakerState() != "disabled" {
		t.Fatal("nil client breaker state")
	}
}

func TestNew_RejectsUnsafeEndpoints(t *testing.T) {
	for _, u := range []string{"ftp://opt.example", "javascript:alert(1)", "http://127.0.0.1:9000/choose", "/relative"} {
		if _, err := New(Config{URL: u}); err == nil {
			t.Errorf("%s accepted", u)
		}
	}
	if _, err := New(Config{URL: "http://127.0.0.1:9000/choose", AllowPrivate: true}); err != nil {
		t.Fatalf("allow private: %v", err)
	}
	if _, err := New(Config{URL: "https://opt.example/choose"}); err != nil && !strings.Contains(err.Error(), "private") {
		t.Fatalf("public endpoint: %v", err)
	}
}
