// Package decay tracks the leading submission across epochs and computes
// how much weight to burn once the leader has gone stale.
package decay

import (
	"fmt"
	"sort"

	"github.com/ssd-technologies/termconsensus/internal/weights"
)

// Params configure the decay controller.
type Params struct {
	GracePeriod          uint64  `json:"grace_period" yaml:"grace_period"`
	Rate                 float64 `json:"rate" yaml:"rate"`
	MaxBurnPercent       float64 `json:"max_burn_percent" yaml:"max_burn_percent"`
	Curve                Curve   `json:"curve" yaml:"curve"`
	StepSize             float64 `json:"step_size" yaml:"step_size"`
	StepEpochs           uint64  `json:"step_epochs" yaml:"step_epochs"`
	ImprovementThreshold float64 `json:"improvement_threshold" yaml:"improvement_threshold"`
}

// DefaultParams returns the network decay settings.
func DefaultParams() Params {
	return Params{
		GracePeriod:          10,
		Rate:                 0.05,
		MaxBurnPercent:       80,
		Curve:                CurveLinear,
		StepSize:             10,
		StepEpochs:           5,
		ImprovementThreshold: 0.02,
	}
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	switch p.Curve {
	case CurveLinear, CurveExponential, CurveLogarithmic:
	case CurveStep:
		if p.StepEpochs == 0 {
			return fmt.Errorf("step curve requires step_epochs > 0")
		}
	default:
		return fmt.Errorf("unknown decay curve %q", p.Curve)
	}
	if p.Rate < 0 || p.Rate > 1 {
		return fmt.Errorf("decay rate must be in [0,1], got %v", p.Rate)
	}
	if p.MaxBurnPercent < 0 || p.MaxBurnPercent > 100 {
		return fmt.Errorf("max burn percent must be in [0,100], got %v", p.MaxBurnPercent)
	}
	if p.ImprovementThreshold < 0 {
		return fmt.Errorf("improvement threshold must be non-negative")
	}
	return nil
}

// State is the decay state carried from one epoch to the next.
type State struct {
	HasLeader            bool    `json:"has_leader"`
	TopIdentity          string  `json:"top_identity"`
	TopSubmission        string  `json:"top_submission"`
	TopScore             float64 `json:"top_score"`
	TopSubmittedAt       int64   `json:"top_submitted_at"`
	LastImprovementEpoch uint64  `json:"last_improvement_epoch"`
	BurnPercent          float64 `json:"burn_percent"`
}

// Candidate is a finalized submission competing for the lead.
type Candidate struct {
	Identity     string  `json:"identity"`
	SubmissionID string  `json:"submission_id"`
	Score        float64 `json:"score"`
	SubmittedAt  int64   `json:"submitted_at"`
}

// EventKind classifies decay transitions.
type EventKind string

const (
	EventImprovementDetected EventKind = "improvement_detected"
	EventReset               EventKind = "reset"
	EventStarted             EventKind = "started"
	EventIncreased           EventKind = "increased"
	EventMaxReached          EventKind = "max_reached"
)

// Event records one transition for logging and metrics.
type Event struct {
	Kind        EventKind `json:"kind"`
	Epoch       uint64    `json:"epoch"`
	Identity    string    `json:"identity"`
	BurnPercent float64   `json:"burn_percent"`
}

// Controller applies Params to decay state. It holds no mutable state.
type Controller struct {
	p Params
}

// NewController creates a Controller.
func NewController(p Params) *Controller {
	return &Controller{p: p}
}

// Params returns the controller's configuration.
func (c *Controller) Params() Params {
	return c.p
}

// Leader picks the epoch's leading candidate: the highest score, except that
// any candidate within the improvement threshold of the top that was
// submitted earlier takes precedence.
func (c *Controller) Leader(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].Identity < sorted[j].Identity
	})
	top := sorted[0]
	best := top
	for _, cand := range sorted[1:] {
		if !c.withinMargin(top.Score, cand.Score) {
			break
		}
		if cand.SubmittedAt < best.SubmittedAt {
			best = cand
		}
	}
	return best, true
}

func (c *Controller) withinMargin(top, s float64) bool {
	if top == 0 {
		return s == 0
	}
	return (top-s)/top < c.p.ImprovementThreshold
}

// Improves reports whether score clears the improvement threshold over the
// current leader.
func (c *Controller) Improves(s State, score float64) bool {
	if !s.HasLeader {
		return score > 0
	}
	if s.TopScore <= 0 {
		return score > 0
	}
	return (score-s.TopScore)/s.TopScore >= c.p.ImprovementThreshold
}

// StaleEpochs returns the epochs elapsed past the grace period (τ), counting
// the first epoch at the end of the grace period as one.
func (c *Controller) StaleEpochs(s State, epoch uint64) uint64 {
	if !s.HasLeader || epoch < s.LastImprovementEpoch {
		return 0
	}
	since := epoch - s.LastImprovementEpoch
	if since < c.p.GracePeriod {
		return 0
	}
	return since - c.p.GracePeriod + 1
}

// Advance computes the state at the end of epoch from the previous state and
// the epoch's finalized candidates. It does not modify prev.
func (c *Controller) Advance(prev State, epoch uint64, cands []Candidate) (State, []Event) {
	next := prev
	var events []Event

	if best, ok := c.Leader(cands); ok && c.Improves(prev, best.Score) {
		if prev.BurnPercent > 0 {
			events = append(events, Event{Kind: EventReset, Epoch: epoch, Identity: prev.TopIdentity})
		}
		next = State{
			HasLeader:            true,
			TopIdentity:          best.Identity,
			TopSubmission:        best.SubmissionID,
			TopScore:             best.Score,
			TopSubmittedAt:       best.SubmittedAt,
			LastImprovementEpoch: epoch,
		}
		events = append(events, Event{Kind: EventImprovementDetected, Epoch: epoch, Identity: best.Identity})
		return next, events
	}

	next.BurnPercent = BurnPercent(c.p, c.StaleEpochs(prev, epoch))
	switch {
	case prev.BurnPercent == 0 && next.BurnPercent > 0:
		events = append(events, Event{Kind: EventStarted, Epoch: epoch, Identity: next.TopIdentity, BurnPercent: next.BurnPercent})
	case next.BurnPercent > prev.BurnPercent:
		events = append(events, Event{Kind: EventIncreased, Epoch: epoch, Identity: next.TopIdentity, BurnPercent: next.BurnPercent})
	}
	if next.BurnPercent >= c.p.MaxBurnPercent && prev.BurnPercent < c.p.MaxBurnPercent && next.BurnPercent > 0 {
		events = append(events, Event{Kind: EventMaxReached, Epoch: epoch, Identity: next.TopIdentity, BurnPercent: next.BurnPercent})
	}
	return next, events
}

// Apply scales every non-burn share by (1 - burnPercent/100) and adds the
// removed share to the burn identity. The total is unchanged.
func Apply(d weights.Distribution, burnPercent float64, burn string) weights.Distribution {
	out := make(weights.Distribution, len(d)+1)
	if burnPercent <= 0 {
		for id, w := range d {
			out[id] = w
		}
		return out
	}
	f := burnPercent / 100
	var moved float64
	for _, id := range d.Identities() {
		if id == burn {
			continue
		}
		out[id] = d[id] * (1 - f)
		moved += d[id] * f
	}
	out[burn] = d[burn] + moved
	return out
}
