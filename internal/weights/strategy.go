// Package weights turns finalized aggregate scores into the bounded integer
// weight vector that leaves the engine. Normalization, capping and scaling
// are pure functions over sorted inputs.
package weights

import (
	"fmt"
	"math"
	"sort"
)

// Strategy selects how scores map to weights.
type Strategy string

const (
	Linear         Strategy = "linear"
	Softmax        Strategy = "softmax"
	WinnerTakesAll Strategy = "winner_takes_all"
	Quadratic      Strategy = "quadratic"
	Ranked         Strategy = "ranked"
)

const (
	// DefaultCap is the maximum share of total weight a single identity may hold.
	DefaultCap = 0.5
	// DefaultScale is the integer sum of every weight vector.
	DefaultScale = 65535
	// DefaultBurnIdentity receives decayed and unplaceable weight.
	DefaultBurnIdentity = "0"
)

// Params configure the weight engine.
type Params struct {
	Strategy     Strategy `json:"strategy" yaml:"strategy"`
	Temperature  float64  `json:"temperature" yaml:"temperature"`
	TopN         int      `json:"top_n" yaml:"top_n"`
	Cap          float64  `json:"cap" yaml:"cap"`
	Scale        uint16   `json:"scale" yaml:"scale"`
	BurnIdentity string   `json:"burn_identity" yaml:"burn_identity"`
}

// DefaultParams returns linear normalization with the network cap and scale.
func DefaultParams() Params {
	return Params{
		Strategy:     Linear,
		Temperature:  1.0,
		TopN:         1,
		Cap:          DefaultCap,
		Scale:        DefaultScale,
		BurnIdentity: DefaultBurnIdentity,
	}
}

// Validate checks strategy-specific parameters.
func (p Params) Validate() error {
	switch p.Strategy {
	case Linear, Quadratic, Ranked:
	case Softmax:
		if p.Temperature <= 0 {
			return fmt.Errorf("softmax temperature must be positive, got %v", p.Temperature)
		}
	case WinnerTakesAll:
		if p.TopN < 1 {
			return fmt.Errorf("winner_takes_all top_n must be at least 1, got %d", p.TopN)
		}
	default:
		return fmt.Errorf("unknown weight strategy %q", p.Strategy)
	}
	if p.Cap <= 0 || p.Cap > 1 {
		return fmt.Errorf("cap must be in (0,1], got %v", p.Cap)
	}
	if p.Scale == 0 {
		return fmt.Errorf("scale must be positive")
	}
	if p.BurnIdentity == "" {
		return fmt.Errorf("burn identity is required")
	}
	return nil
}

// Candidate is one miner's finalized score.
type Candidate struct {
	Identity    string  `json:"identity"`
	Score       float64 `json:"score"`
	SubmittedAt int64   `json:"submitted_at"`
}

// Distribution maps identities to fractional weights summing to one.
type Distribution map[string]float64

// Total returns the sum of all shares.
func (d Distribution) Total() float64 {
	var sum float64
	for _, id := range d.Identities() {
		sum += d[id]
	}
	return sum
}

// Identities returns the keys in ascending order.
func (d Distribution) Identities() []string {
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// rankOrder sorts candidates by score descending, then earlier submission,
// then identity.
func rankOrder(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if c[i].SubmittedAt != c[j].SubmittedAt {
			return c[i].SubmittedAt < c[j].SubmittedAt
		}
		return c[i].Identity < c[j].Identity
	})
}

// Normalize applies the configured strategy. Candidates with a non-positive
// score earn nothing; when none remain the whole distribution goes to the
// burn identity.
func Normalize(cands []Candidate, p Params) Distribution {
	pos := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Score > 0 && !math.IsNaN(c.Score) {
			pos = append(pos, c)
		}
	}
	if len(pos) == 0 {
		return Distribution{p.BurnIdentity: 1}
	}
	rankOrder(pos)

	raw := make(Distribution, len(pos))
	switch p.Strategy {
	case Softmax:
		maxScore := pos[0].Score
		for _, c := range pos {
			raw[c.Identity] = math.Exp((c.Score - maxScore) / p.Temperature)
		}
	case WinnerTakesAll:
		n := p.TopN
		if n > len(pos) {
			n = len(pos)
		}
		for _, c := range pos[:n] {
			raw[c.Identity] = 1
		}
	case Quadratic:
		for _, c := range pos {
			raw[c.Identity] = c.Score * c.Score
		}
	case Ranked:
		n := len(pos)
		for rank, c := range pos {
			raw[c.Identity] = float64(n - rank)
		}
	default:
		for _, c := range pos {
			raw[c.Identity] = c.Score
		}
	}

	total := raw.Total()
	out := make(Distribution, len(raw))
	for _, id := range raw.Identities() {
		out[id] = raw[id] / total
	}
	return out
}
