// Package bandit ranks eligible ads locally, either deterministically
// (relevance × prior CTR with fixed tie-breaks) or stochastically
// (epsilon-greedy over sampled CTRs). Both honour the floor price.
package bandit

import (
	"sort"

	"github.com/hazyhaar/adserve/adengine/internal/model"
)

// ECPM estimates revenue per thousand impressions from a click-through rate
// and an assumed cost per click in cents: 1000 × ctr × cpc / 100.
func ECPM(ctr, cpcCents float64) float64 {
	return 10 * ctr * cpcCents
}

// Arm is one eligible ad with its keyword overlap and current counters.
type Arm struct {
	Ad      model.Ad
	Overlap int
	Stats   model.AdStats
}

// TieBreaker names the rule that ordered the top two ranked ads.
type TieBreaker string

const (
	TieScore           TieBreaker = "score"
	TieHigherCTR       TieBreaker = "higher_ctr"
	TieHigherFloor     TieBreaker = "higher_floor"
	TieLexicographicID TieBreaker = "lexicographic_id"
	TieSingle          TieBreaker = "single"
)

// Ranked is one row of a deterministic ranking.
type Ranked struct {
	AdID        string  `json:"ad_id"`
	Score       float64 `json:"score"`
	CTR         float64 `json:"ctr_prior"`
	ECPM        float64 `json:"ecpm"`
	Floor       float64 `json:"floor_ecpm"`
	Overlap     int     `json:"overlap"`
	PassesFloor bool    `json:"passes_floor"`
}

// Decision is the outcome of Rank.
type Decision struct {
	Winner          string     `json:"winner,omitempty"`
	Ranked          []Ranked   `json:"ranked"`
	TieBreaker      TieBreaker `json:"tie_breaker,omitempty"`
	FloorOverridden bool       `json:"floor_overridden"`
}

// Rank scores each arm as overlap × α/(α+β) and sorts descending, breaking
// ties by higher CTR, then higher floor, then smaller id. The winner is the
// best-ranked ad whose eCPM clears its floor; when none does, the top ad
// wins with FloorOverridden set. Rank is a pure function of its input.
func Rank(arms []Arm, cpcCents float64) Decision {
	rows := make([]Ranked, len(arms))
	for i, a := range arms {
		ctr := a.Stats.Mean()
		ecpm := ECPM(ctr, cpcCents)
		rows[i] = Ranked{
			AdID:        a.Ad.ID,
			Score:       float64(a.Overlap) * ctr,
			CTR:         ctr,
			ECPM:        ecpm,
			Floor:       a.Ad.FloorECPM,
			Overlap:     a.Overlap,
			PassesFloor: ecpm >= a.Ad.FloorECPM,
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return compare(rows[i], rows[j]) < 0
	})

	d := Decision{Ranked: rows}
	switch len(rows) {
	case 0:
		return d
	case 1:
		d.TieBreaker = TieSingle
	default:
		d.TieBreaker = decidedBy(rows[0], rows[1])
	}
	for _, r := range rows {
		if r.PassesFloor {
			d.Winner = r.AdID
			return d
		}
	}
	d.Winner = rows[0].AdID
	d.FloorOverridden = true
	return d
}

// compare orders a before b (negative) when a ranks higher.
func compare(a, b Ranked) int {
	switch {
	case a.Score != b.Score:
		return desc(a.Score, b.Score)
	case a.CTR != b.CTR:
		return desc(a.CTR, b.CTR)
	case a.Floor != b.Floor:
		return desc(a.Floor, b.Floor)
	case a.AdID < b.AdID:
		return -1
	case a.AdID > b.AdID:
		return 1
	}
	return 0
}

func desc(a, b float64) int {
	if a > b {
		return -1
	}
	return 1
}

func decidedBy(a, b Ranked) TieBreaker {
	switch {
	case a.Score != b.Score:
		return TieScore
	case a.CTR != b.CTR:
		return TieHigherCTR
	case a.Floor != b.Floor:
		return TieHigherFloor
	}
	return TieLexicographicID
}
