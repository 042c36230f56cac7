package model

// Tunables are the hot-reloadable selection parameters stored in the
// "config" document.
type Tunables struct {
	Epsilon           float64 `json:"epsilon"`
	DailyFrequencyCap int     `json:"daily_frequency_cap"`
	AssumedCPCCents   float64 `json:"assumed_cpc_cents"`
	KeywordOverlapMin int     `json:"keyword_overlap_min"`
}

// DefaultTunables apply when the config document is missing or corrupt, and
// fill fields the document omits.
func DefaultTunables() Tunables {
	return Tunables{
		Epsilon:           0.1,
		DailyFrequencyCap: 5,
		AssumedCPCCents:   50,
		KeywordOverlapMin: 1,
	}
}

// Normalize clamps out-of-range values back to usable ones.
func (t Tunables) Normalize() Tunables {
	d := DefaultTunables()
	if t.Epsilon < 0 {
		t.Epsilon = 0
	}
	if t.Epsilon > 1 {
		t.Epsilon = 1
	}
	if t.AssumedCPCCents < 0 {
		t.AssumedCPCCents = d.AssumedCPCCents
	}
	if t.DailyFrequencyCap < 0 {
		t.DailyFrequencyCap = d.DailyFrequencyCap
	}
	if t.KeywordOverlapMin < 0 {
		t.KeywordOverlapMin = 0
	}
	return t
}
