package adengine

import (
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/adserve/adengine/internal/bandit"
	"github.com/hazyhaar/adserve/adengine/internal/eligibility"
	"github.com/hazyhaar/adserve/adengine/internal/model"
)

// Wire types shared with the internal packages.
type (
	PageContext = model.PageContext
	UserContext = model.UserContext
	Ad          = model.Ad
	Tunables    = model.Tunables
)

// MaxAds is the most ads a single serve returns.
const MaxAds = 3

// ServeRequest asks for ads for one page view.
type ServeRequest struct {
	PageContext *PageContext `json:"page_context"`
	UserContext *UserContext `json:"user_context"`
	AnonID      string       `json:"anon_id,omitempty"`
	// DoNotTrack short-circuits to an empty response. Set from the DNT header.
	DoNotTrack bool `json:"-"`
}

// Validate rejects requests missing a context or a page path.
func (r *ServeRequest) anonID() string { return r.AnonID }

func (r *ServeRequest) Validate() error {
	if r.PageContext == nil {
		return fmt.Errorf("%w: page_context is required", ErrInvalidInput)
	}
	if r.UserContext == nil {
		return fmt.Errorf("%w: user_context is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.PageContext.Path) == "" {
		return fmt.Errorf("%w: page_context.path is required", ErrInvalidInput)
	}
	if len(r.PageContext.Keywords) > 50 {
		return fmt.Errorf("%w: at most 50 keywords", ErrInvalidInput)
	}
	if len(r.AnonID) > 128 {
		return fmt.Errorf("%w: anon_id too long", ErrInvalidInput)
	}
	return nil
}

// ServedAd is one ad in a serve response.
type ServedAd struct {
	ImpressionID string `json:"impression_id"`
	AdID         string `json:"ad_id"`
	Headline     string `json:"headline"`
	Body         string `json:"body"`
	LandingURL   string `json:"landing_url"`
	Placement    string `json:"placement"`
	HTML         string `json:"html"`
}

// ServeResponse lists up to MaxAds ads. Ads is never nil.
type ServeResponse struct {
	Ads    []ServedAd `json:"ads"`
	AnonID string     `json:"anon_id,omitempty"`
}

// ClickRequest reports a click on a served ad.
type ClickRequest struct {
	ImpressionID string `json:"impression_id"`
}

// Validate rejects an empty impression id.
func (r *ClickRequest) Validate() error {
	if strings.TrimSpace(r.ImpressionID) == "" {
		return fmt.Errorf("%w: impression_id is required", ErrInvalidInput)
	}
	return nil
}

// ClickResponse acknowledges a recorded click.
type ClickResponse struct {
	OK bool `json:"ok"`
}

// RankRequest asks for the deterministic decision over the ads eligible for
// a context. It has no side effects.
type RankRequest struct {
	PageContext *PageContext `json:"page_context"`
	UserContext *UserContext `json:"user_context"`
	AnonID      string       `json:"anon_id,omitempty"`
}

// Validate applies the serve rules.
func (r *RankRequest) anonID() string { return r.AnonID }

func (r *RankRequest) Validate() error {
	sr := ServeRequest{PageContext: r.PageContext, UserContext: r.UserContext, AnonID: r.AnonID}
	return sr.Validate()
}

// RankResponse is the deterministic decision.
type RankResponse struct {
	Topic           string            `json:"topic"`
	Pass            eligibility.Pass  `json:"pass"`
	Winner          string            `json:"winner,omitempty"`
	Ranked          []bandit.Ranked   `json:"ranked"`
	TieBreaker      bandit.TieBreaker `json:"tie_breaker,omitempty"`
	FloorOverridden bool              `json:"floor_overridden"`
}

// AdStatsView is AdStats plus its CTR mean.
type AdStatsView struct {
	Impressions int64     `json:"impressions"`
	Clicks      int64     `json:"clicks"`
	Alpha       float64   `json:"alpha"`
	Beta        float64   `json:"beta"`
	CTRMean     float64   `json:"ctr_mean"`
	LastUpdated time.Time `json:"last_updated"`
}

func newStatsView(st model.AdStats) AdStatsView {
	return AdStatsView{
		Impressions: st.Impressions,
		Clicks:      st.Clicks,
		Alpha:       st.Alpha,
		Beta:        st.Beta,
		CTRMean:     st.Mean(),
		LastUpdated: st.LastUpdated,
	}
}

// StatsResponse reports one topic's counters, or the topic list when no
// topic was asked for.
type StatsResponse struct {
	Topic  string                 `json:"topic,omitempty"`
	Ads    map[string]AdStatsView `json:"ads,omitempty"`
	Topics []string               `json:"topics,omitempty"`
}

// ReloadResponse summarises a forced snapshot reload.
type ReloadResponse struct {
	Ads      int      `json:"ads"`
	Skipped  int      `json:"skipped"`
	Tunables Tunables `json:"tunables"`
}

// StatsRequest selects a topic for Stats. Empty lists topics.
type StatsRequest struct {
	Topic string `json:"topic,omitempty"`
}
