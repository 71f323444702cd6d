// Package aggregate combines independent validator evaluations of one
// submission into a single canonical score: robust outlier rejection by
// modified z-score, a stake-weighted mean, a variance-based confidence, and a
// count/stake quorum gate.
package aggregate

import (
	"math"
	"sort"
)

// Evaluation is one validator's score for one submission.
type Evaluation struct {
	Validator      string  `json:"validator"`
	ValidatorStake uint64  `json:"validator_stake"`
	SubmissionID   string  `json:"submission_id"`
	Miner          string  `json:"miner"`
	SubmittedAt    int64   `json:"submitted_at"`
	Score          float64 `json:"score"`
	TasksPassed    int     `json:"tasks_passed"`
	TasksTotal     int     `json:"tasks_total"`
}

// Params are the aggregation thresholds.
type Params struct {
	OutlierThreshold float64 `json:"outlier_threshold" yaml:"outlier_threshold"`
	VarianceCap      float64 `json:"variance_cap" yaml:"variance_cap"`
	MinEvaluations   int     `json:"min_evaluations" yaml:"min_evaluations"`
	MinStakeShare    float64 `json:"min_stake_share" yaml:"min_stake_share"`
}

// DefaultParams returns the network aggregation thresholds.
func DefaultParams() Params {
	return Params{
		OutlierThreshold: 3.5,
		VarianceCap:      0.25,
		MinEvaluations:   3,
		MinStakeShare:    0.30,
	}
}

// zScoreScale converts MAD into a standard-deviation estimate for normal data.
const zScoreScale = 0.6745

// Outcome says whether a submission produced a finalized score this epoch.
type Outcome string

const (
	Finalized Outcome = "finalized"
	Deferred  Outcome = "deferred"
)

// DeferReason explains a Deferred outcome.
type DeferReason string

const (
	DeferNone          DeferReason = ""
	DeferTooFew        DeferReason = "too_few_evaluations"
	DeferStakeTooSmall DeferReason = "insufficient_stake"
)

// Result is the aggregate for one submission.
type Result struct {
	SubmissionID   string      `json:"submission_id"`
	Miner          string      `json:"miner"`
	SubmittedAt    int64       `json:"submitted_at"`
	Outcome        Outcome     `json:"outcome"`
	DeferReason    DeferReason `json:"defer_reason,omitempty"`
	Score          float64     `json:"score"`
	Confidence     float64     `json:"confidence"`
	Median         float64     `json:"median"`
	MAD            float64     `json:"mad"`
	Survivors      int         `json:"survivors"`
	SurvivingStake uint64      `json:"surviving_stake"`
	Outliers       []string    `json:"outliers,omitempty"`
	Ignored        int         `json:"ignored"`
}

// Median returns the median of xs; zero for an empty slice. xs is not
// modified.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 0 {
		return (s[n/2-1] + s[n/2]) / 2
	}
	return s[n/2]
}

// MAD returns the median absolute deviation of xs around median.
func MAD(xs []float64, median float64) float64 {
	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(x - median)
	}
	return Median(dev)
}

// RejectOutliers partitions evals into survivors and the validators whose
// modified z-score exceeds threshold. With fewer than three evaluations, or a
// MAD of zero, nothing is rejected.
func RejectOutliers(evals []Evaluation, threshold float64) (survivors []Evaluation, outliers []string, median, mad float64) {
	scores := make([]float64, len(evals))
	for i, e := range evals {
		scores[i] = e.Score
	}
	median = Median(scores)
	mad = MAD(scores, median)
	if len(evals) < 3 || mad == 0 {
		return evals, nil, median, mad
	}
	for _, e := range evals {
		m := zScoreScale * (e.Score - median) / mad
		if math.Abs(m) > threshold {
			outliers = append(outliers, e.Validator)
			continue
		}
		survivors = append(survivors, e)
	}
	return survivors, outliers, median, mad
}

// Aggregate computes the canonical score for one submission's evaluations.
// When stakes is non-nil it is the authoritative epoch snapshot: stakes are
// read from it and evaluations by validators outside it are ignored. When
// totalActiveStake is zero the stake-share quorum check is skipped.
func Aggregate(evals []Evaluation, stakes map[string]uint64, totalActiveStake uint64, p Params) Result {
	res := Result{Outcome: Deferred}
	usable := prepare(evals, stakes, &res)
	if len(usable) > 0 {
		res.SubmissionID = usable[0].SubmissionID
		res.Miner = usable[0].Miner
		res.SubmittedAt = usable[0].SubmittedAt
	}

	survivors, outliers, median, mad := RejectOutliers(usable, p.OutlierThreshold)
	res.Outliers = outliers
	res.Median = median
	res.MAD = mad
	res.Survivors = len(survivors)
	for _, e := range survivors {
		res.SurvivingStake += e.ValidatorStake
	}

	if len(survivors) < p.MinEvaluations {
		res.DeferReason = DeferTooFew
		return res
	}
	if totalActiveStake > 0 && float64(res.SurvivingStake)/float64(totalActiveStake) < p.MinStakeShare {
		res.DeferReason = DeferStakeTooSmall
		return res
	}

	res.Score, res.Confidence = weightedMean(survivors, res.SurvivingStake, p.VarianceCap)
	res.Outcome = Finalized
	return res
}

// prepare drops invalid and duplicate evaluations, resolves stakes from the
// snapshot and sorts by validator so every step runs in a fixed order.
func prepare(evals []Evaluation, stakes map[string]uint64, res *Result) []Evaluation {
	seen := make(map[string]bool, len(evals))
	out := make([]Evaluation, 0, len(evals))
	for _, e := range evals {
		if seen[e.Validator] || math.IsNaN(e.Score) || e.Score < 0 || e.Score > 1 {
			res.Ignored++
			continue
		}
		if stakes != nil {
			stake, ok := stakes[e.Validator]
			if !ok {
				res.Ignored++
				continue
			}
			e.ValidatorStake = stake
		}
		seen[e.Validator] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Validator < out[j].Validator })
	return out
}

// weightedMean returns the stake-weighted mean and its confidence. With zero
// total stake every survivor counts equally.
func weightedMean(evals []Evaluation, totalStake uint64, varianceCap float64) (mean, confidence float64) {
	weight := func(e Evaluation) float64 {
		if totalStake == 0 {
			return 1 / float64(len(evals))
		}
		return float64(e.ValidatorStake) / float64(totalStake)
	}
	for _, e := range evals {
		mean += weight(e) * e.Score
	}
	var variance float64
	for _, e := range evals {
		d := e.Score - mean
		variance += weight(e) * d * d
	}
	confidence = 1 - math.Min(variance/varianceCap, 1)
	return mean, confidence
}
