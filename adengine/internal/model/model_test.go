package model

import (
	"math"
	"testing"
)

func TestAdStats_RecomputeScenarioC(t *testing.T) {
	s := AdStats{Impressions: 10, Clicks: 3}
	s.Recompute()
	if s.Alpha != 4 || s.Beta != 8 {
		t.Fatalf("alpha=%v beta=%v, want 4, 8", s.Alpha, s.Beta)
	}
	if math.Abs(s.Mean()-4.0/12.0) > 1e-9 {
		t.Fatalf("mean = %v, want 0.333", s.Mean())
	}
}

func TestPrior(t *testing.T) {
	p := Prior()
	if p.Alpha != 1 || p.Beta != 20 {
		t.Fatalf("prior = %+v", p)
	}
	if math.Abs(p.Mean()-1.0/21.0) > 1e-9 {
		t.Fatalf("prior mean = %v", p.Mean())
	}
}

func TestAdStats_MeanClamped(t *testing.T) {
	s := AdStats{Impressions: 1, Clicks: 4}
	s.Recompute()
	if m := s.Mean(); m < 0 || m > 1 {
		t.Fatalf("mean out of range: %v", m)
	}
}

func TestAd_Validate(t *testing.T) {
	if err := (Ad{ID: "a1", LandingURL: "https://example.com"}).Validate(); err != nil {
		t.Fatal(err)
	}
	if err := (Ad{LandingURL: "https://example.com"}).Validate(); err == nil {
		t.Fatal("missing id should fail")
	}
	if err := (Ad{ID: "x", LandingURL: "javascript:alert(1)"}).Validate(); err == nil {
		t.Fatal("javascript landing url should fail")
	}
	if err := (Ad{ID: "x", FloorECPM: -1}).Validate(); err == nil {
		t.Fatal("negative floor should fail")
	}
}

func TestNormalizeTopic(t *testing.T) {
	cases := []struct {
		page PageContext
		want string
	}{
		{PageContext{Topic: "  Wedding Venues "}, "wedding-venues"},
		{PageContext{Keywords: []string{"", "Rooftop"}}, "rooftop"},
		{PageContext{}, DefaultTopic},
	}
	for _, c := range cases {
		if got := NormalizeTopic(c.page); got != c.want {
			t.Errorf("NormalizeTopic(%+v) = %q, want %q", c.page, got, c.want)
		}
	}
}

func TestTunables_Normalize(t *testing.T) {
	got := Tunables{Epsilon: 2, DailyFrequencyCap: -1, AssumedCPCCents: -3, KeywordOverlapMin: -1}.Normalize()
	if got.Epsilon != 1 || got.DailyFrequencyCap != 5 || got.AssumedCPCCents != 50 || got.KeywordOverlapMin != 0 {
		t.Fatalf("normalize = %+v", got)
	}
	if got := (Tunables{DailyFrequencyCap: 0}).Normalize(); got.DailyFrequencyCap != 0 {
		t.Fatalf("cap 0 must stay 0, got %d", got.DailyFrequencyCap)
	}
}
