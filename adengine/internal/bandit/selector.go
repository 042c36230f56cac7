package bandit

import (
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/hazyhaar/adserve/adengine/internal/eligibility"
	"github.com/hazyhaar/adserve/adengine/internal/model"
)

// Sampler draws a click-through estimate for one ad.
type Sampler interface {
	Name() string
	Sample(rng *rand.Rand, st model.AdStats) float64
}

// JitterSampler returns the Beta mean plus uniform noise in ±Width, clamped
// to [0, 1].
type JitterSampler struct {
	Width float64
}

func (JitterSampler) Name() string { return "jitter" }

func (j JitterSampler) Sample(rng *rand.Rand, st model.AdStats) float64 {
	v := st.Mean() + (rng.Float64()*2-1)*j.Width
	return math.Min(1, math.Max(0, v))
}

// BetaSampler draws from Beta(α, β), as in Thompson sampling. Parameters
// below MinParam are raised to it.
type BetaSampler struct{}

// MinParam keeps Beta parameters strictly positive.
const MinParam = 1e-3

func (BetaSampler) Name() string { return "beta" }

func (BetaSampler) Sample(rng *rand.Rand, st model.AdStats) float64 {
	d := distuv.Beta{
		Alpha: math.Max(st.Alpha, MinParam),
		Beta:  math.Max(st.Beta, MinParam),
		Src:   rng,
	}
	return d.Rand()
}

// SamplerByName maps a config value to a Sampler. Unknown names return false.
func SamplerByName(name string) (Sampler, bool) {
	switch name {
	case "", "jitter":
		return JitterSampler{Width: 0.01}, true
	case "beta":
		return BetaSampler{}, true
	}
	return nil, false
}

// Pick is one ad chosen by Fill.
type Pick struct {
	AdID            string  `json:"ad_id"`
	Explored        bool    `json:"explored"`
	Sampled         float64 `json:"sampled_ctr"`
	Score           float64 `json:"score"`
	ECPM            float64 `json:"ecpm"`
	FloorOverridden bool    `json:"floor_overridden"`
}

// Selector runs the epsilon-greedy fill. Safe for concurrent use.
type Selector struct {
	mu      sync.Mutex
	rng     *rand.Rand
	sampler Sampler
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithSeed makes draws reproducible.
func WithSeed(seed uint64) SelectorOption {
	return func(s *Selector) { s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithSampler replaces the default jitter sampler.
func WithSampler(sm Sampler) SelectorOption {
	return func(s *Selector) { s.sampler = sm }
}

// NewSelector creates a Selector seeded from the runtime source.
func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		sampler: JitterSampler{Width: 0.01},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SamplerName reports the active sampler.
func (s *Selector) SamplerName() string { return s.sampler.Name() }

// Fill picks up to n distinct ads from arms. Each round explores with
// probability epsilon (uniform pick); otherwise every remaining ad gets
// score = min(overlap, 5) × sampled CTR and the best-scoring ad whose eCPM
// clears its floor wins, falling back to the best-scoring ad overall.
func (s *Selector) Fill(arms []Arm, n int, epsilon, cpcCents float64) []Pick {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := append([]Arm(nil), arms...)
	var picks []Pick
	for len(picks) < n && len(remaining) > 0 {
		var idx int
		var p Pick
		if epsilon > 0 && s.rng.Float64() < epsilon {
			idx = s.rng.IntN(len(remaining))
			a := remaining[idx]
			p = Pick{AdID: a.Ad.ID, Explored: true, Sampled: a.Stats.Mean()}
			p.ECPM = ECPM(p.Sampled, cpcCents)
			p.Score = match(a.Overlap) * p.Sampled
		} else {
			idx, p = s.exploit(remaining, cpcCents)
		}
		picks = append(picks, p)
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return picks
}

type scored struct {
	idx    int
	pick   Pick
	passes bool
}

func (s *Selector) exploit(arms []Arm, cpcCents float64) (int, Pick) {
	var best, bestPassing *scored
	for i, a := range arms {
		sampled := s.sampler.Sample(s.rng, a.Stats)
		c := &scored{idx: i, pick: Pick{
			AdID:    a.Ad.ID,
			Sampled: sampled,
			Score:   match(a.Overlap) * sampled,
			ECPM:    ECPM(sampled, cpcCents),
		}}
		c.passes = c.pick.ECPM >= a.Ad.FloorECPM
		if best == nil || better(c.pick, best.pick) {
			best = c
		}
		if c.passes && (bestPassing == nil || better(c.pick, bestPassing.pick)) {
			bestPassing = c
		}
	}
	if bestPassing != nil {
		return bestPassing.idx, bestPassing.pick
	}
	best.pick.FloorOverridden = true
	return best.idx, best.pick
}

func better(a, b Pick) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Sampled != b.Sampled {
		return a.Sampled > b.Sampled
	}
	return a.AdID < b.AdID
}

func match(overlap int) float64 {
	return float64(max(0, min(overlap, eligibility.MaxMatch)))
}
