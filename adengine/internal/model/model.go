// Package model defines the ad engine's records: catalog ads, per-(topic, ad)
// click statistics, impressions, clicks, and the hot-reloadable tunables.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/adserve/horosafe"
)

// Beta prior applied to an (topic, ad) pair before its first impression:
// α=1, β=20, an assumed CTR of about 4.8%.
const (
	PriorAlpha = 1.0
	PriorBeta  = 20.0
)

// LangAny marks an ad usable for every user language.
const LangAny = "any"

// Ad is an immutable catalog entry.
type Ad struct {
	ID           string   `json:"id"`
	Placement    string   `json:"placement"`
	Keywords     []string `json:"keywords,omitempty"`
	LandingURL   string   `json:"landing_url"`
	Headline     string   `json:"headline"`
	Body         string   `json:"body"`
	FloorECPM    float64  `json:"floor_ecpm"`
	BlockedPaths []string `json:"blocked_paths,omitempty"`
	Lang         string   `json:"lang"`
}

// IsHouse reports whether the ad is a house ad (no floor price).
func (a Ad) IsHouse() bool { return a.FloorECPM == 0 }

// Validate checks the fields the engine relies on.
func (a Ad) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("ad: id is required")
	}
	if a.FloorECPM < 0 {
		return fmt.Errorf("ad %s: floor_ecpm must be >= 0", a.ID)
	}
	if a.LandingURL != "" {
		if _, err := horosafe.ValidateScheme(a.LandingURL); err != nil {
			return fmt.Errorf("ad %s: landing_url: %w", a.ID, err)
		}
	}
	return nil
}

// AdStats are the click-through counters for one (topic, ad) pair.
// Alpha = 1 + Clicks and Beta = 1 + Impressions - Clicks once the pair has
// been recorded at least once; before that the prior applies.
type AdStats struct {
	Impressions int64     `json:"impressions"`
	Clicks      int64     `json:"clicks"`
	Alpha       float64   `json:"alpha"`
	Beta        float64   `json:"beta"`
	LastUpdated time.Time `json:"last_updated"`
}

// Prior returns the counters of a never-served pair.
func Prior() AdStats {
	return AdStats{Alpha: PriorAlpha, Beta: PriorBeta}
}

// Recompute derives Alpha and Beta from the counters.
func (s *AdStats) Recompute() {
	s.Alpha = 1 + float64(s.Clicks)
	s.Beta = 1 + float64(s.Impressions) - float64(s.Clicks)
}

// Mean is the closed-form Beta mean α/(α+β), clamped to [0, 1]. Repeated
// clicks on one impression can push Beta to zero or below; the clamp keeps
// ranking sane in that case.
func (s AdStats) Mean() float64 {
	sum := s.Alpha + s.Beta
	if sum <= 0 {
		return 1
	}
	m := s.Alpha / sum
	switch {
	case m < 0:
		return 0
	case m > 1:
		return 1
	}
	return m
}

// PageContext describes the page an ad slot is rendered on.
type PageContext struct {
	Path     string   `json:"path"`
	Keywords []string `json:"keywords,omitempty"`
	Topic    string   `json:"topic,omitempty"`
}

// UserContext describes the visitor.
type UserContext struct {
	Language string `json:"language,omitempty"`
}

// DefaultTopic buckets statistics for pages with neither topic nor keywords.
const DefaultTopic = "general"

// NormalizeTopic returns the statistics bucket for a page: its topic, else
// its first keyword, lower-cased and trimmed, else DefaultTopic.
func NormalizeTopic(p PageContext) string {
	if t := normalizeLabel(p.Topic); t != "" {
		return t
	}
	for _, kw := range p.Keywords {
		if t := normalizeLabel(kw); t != "" {
			return t
		}
	}
	return DefaultTopic
}

func normalizeLabel(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "-")
}

// Impression is one served ad, written once to the impression log.
type Impression struct {
	ImpressionID string    `json:"impression_id"`
	AdID         string    `json:"ad_id"`
	Topic        string    `json:"topic"`
	AnonID       string    `json:"anon_id"`
	Path         string    `json:"path"`
	Timestamp    time.Time `json:"ts"`
	Placement    string    `json:"placement,omitempty"`
	Keywords     []string  `json:"keywords,omitempty"`
}

// Click attributes a click to a prior impression.
type Click struct {
	ImpressionID string    `json:"impression_id"`
	AdID         string    `json:"ad_id"`
	Topic        string    `json:"topic"`
	Timestamp    time.Time `json:"ts"`
}
