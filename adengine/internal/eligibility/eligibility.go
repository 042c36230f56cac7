// Package eligibility narrows the ad catalog to the ads usable for one
// serve request: language, blocked paths, keyword overlap and the daily
// frequency cap. When nothing survives, a second pass admits house ads only.
package eligibility

import (
	"strings"

	"github.com/hazyhaar/adserve/adengine/internal/model"
)

// MaxMatch caps the keyword-overlap contribution used for scoring.
const MaxMatch = 5

// Pass identifies which filtering pass produced a result.
type Pass string

const (
	PassPrimary       Pass = "primary"
	PassHouseFallback Pass = "house_fallback"
	PassNone          Pass = "none"
)

// CountFunc returns how many times adID was served to the request's
// anonymous user today.
type CountFunc func(adID string) int

// Request is the context the filter evaluates ads against.
type Request struct {
	Page model.PageContext
	User model.UserContext
	// Served looks up today's frequency count. Nil means nothing served yet.
	Served CountFunc
}

// Candidate is an eligible ad with its raw keyword overlap.
type Candidate struct {
	Ad      model.Ad
	Overlap int
}

// Match is the overlap clamped to MaxMatch.
func (c Candidate) Match() int {
	if c.Overlap > MaxMatch {
		return MaxMatch
	}
	return c.Overlap
}

// Result is the filtered set plus the pass that produced it.
type Result struct {
	Candidates []Candidate
	Pass       Pass
}

// Empty reports whether no ad survived either pass.
func (r Result) Empty() bool { return len(r.Candidates) == 0 }

// IDs lists candidate ad ids in result order.
func (r Result) IDs() []string {
	ids := make([]string, len(r.Candidates))
	for i, c := range r.Candidates {
		ids[i] = c.Ad.ID
	}
	return ids
}

// Filter applies every rule to the catalog and, if nothing passes, retries
// with house ads only. House ads skip the keyword rule in both passes; the
// relaxation pass also drops the language rule. Path blocks and the
// frequency cap always apply. Catalog order is preserved.
func Filter(catalog []model.Ad, req Request, t model.Tunables) Result {
	if out := filter(catalog, req, t, false); len(out) > 0 {
		return Result{Candidates: out, Pass: PassPrimary}
	}
	if out := filter(catalog, req, t, true); len(out) > 0 {
		return Result{Candidates: out, Pass: PassHouseFallback}
	}
	return Result{Pass: PassNone}
}

func filter(catalog []model.Ad, req Request, t model.Tunables, houseOnly bool) []Candidate {
	var out []Candidate
	for _, ad := range catalog {
		if houseOnly && !ad.IsHouse() {
			continue
		}
		if !houseOnly && !LanguageMatch(ad.Lang, req.User.Language) {
			continue
		}
		if PathBlocked(req.Page.Path, ad.BlockedPaths) {
			continue
		}
		overlap := KeywordOverlap(ad.Keywords, req.Page.Keywords)
		if !ad.IsHouse() && overlap < t.KeywordOverlapMin {
			continue
		}
		if capped(ad.ID, req.Served, t.DailyFrequencyCap) {
			continue
		}
		out = append(out, Candidate{Ad: ad, Overlap: overlap})
	}
	return out
}

// capped applies count < limit; a limit of zero excludes every ad.
func capped(adID string, served CountFunc, limit int) bool {
	n := 0
	if served != nil {
		n = served(adID)
	}
	return n >= limit
}

// LanguageMatch reports whether an ad tagged adLang may be shown to a user
// speaking userLang. "any" and the empty tag match everyone; otherwise the
// primary subtags ("en" of "en-GB") must agree, ignoring case.
func LanguageMatch(adLang, userLang string) bool {
	a := primarySubtag(adLang)
	if a == "" || a == model.LangAny {
		return true
	}
	return a == primarySubtag(userLang)
}

func primarySubtag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return tag
}

// PathBlocked reports whether any non-empty blocked substring occurs in path.
func PathBlocked(path string, blocked []string) bool {
	for _, b := range blocked {
		if b != "" && strings.Contains(path, b) {
			return true
		}
	}
	return false
}

// KeywordOverlap counts (ad keyword, page keyword) pairs where either
// string contains the other, case-insensitively. Empty keywords never match.
func KeywordOverlap(adKeywords, pageKeywords []string) int {
	n := 0
	for _, ak := range adKeywords {
		ak = strings.ToLower(strings.TrimSpace(ak))
		if ak == "" {
			continue
		}
		for _, pk := range pageKeywords {
			pk = strings.ToLower(strings.TrimSpace(pk))
			if pk == "" {
				continue
			}
			if strings.Contains(ak, pk) || strings.Contains(pk, ak) {
				n++
			}
		}
	}
	return n
}
