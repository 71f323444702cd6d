// Package review defines reviewer verdicts and folds the code-review and
// structural-review results of one submission into a single gate decision.
package review

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ssd-technologies/termconsensus/internal/identity"
)

// Kind is the review discipline of a reviewer slot.
type Kind string

const (
	CodeReview       Kind = "code_review"
	StructuralReview Kind = "structural_review"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == CodeReview || k == StructuralReview
}

// Result is one reviewer's verdict. Code reviews carry Score; structural
// reviews carry Passed.
type Result struct {
	ID           string  `json:"id"`
	SubmissionID string  `json:"submission_id"`
	Reviewer     string  `json:"reviewer"`
	Kind         Kind    `json:"kind"`
	Score        float64 `json:"score"`
	Passed       bool    `json:"passed"`
	Rationale    string  `json:"rationale,omitempty"`
	Signature    string  `json:"signature,omitempty"`
}

// CanonicalBytes returns the message a reviewer signs.
func CanonicalBytes(r Result) []byte {
	var bits [8]byte
	binary.LittleEndian.PutUint64(bits[:], math.Float64bits(r.Score))
	var b strings.Builder
	b.WriteString("REVIEW:v1:")
	b.WriteString(r.SubmissionID)
	b.WriteByte(':')
	b.WriteString(string(r.Kind))
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(bits[:]))
	b.WriteByte(':')
	b.WriteString(strconv.FormatBool(r.Passed))
	b.WriteByte(':')
	b.WriteString(r.Reviewer)
	return []byte(b.String())
}

// Sign sets the reviewer identity and signature on r.
func Sign(r *Result, priv ed25519.PrivateKey) {
	r.Reviewer = identity.FromPublicKey(priv.Public().(ed25519.PublicKey))
	r.Signature = identity.Sign(priv, CanonicalBytes(*r))
}

// Verify checks r's signature against its reviewer identity.
func Verify(r Result) error {
	return identity.Verify(r.Reviewer, CanonicalBytes(r), r.Signature)
}

// Outcome is the gate decision for a submission.
type Outcome string

const (
	Approved       Outcome = "approved"
	ReviewRejected Outcome = "review_rejected"
	Deferred       Outcome = "deferred"
)

// Verdict summarises the filled review slots of one submission.
type Verdict struct {
	Outcome           Outcome `json:"outcome"`
	CodeScore         float64 `json:"code_score"`
	CodeReviews       int     `json:"code_reviews"`
	StructuralPasses  int     `json:"structural_passes"`
	StructuralReviews int     `json:"structural_reviews"`
	Reason            string  `json:"reason,omitempty"`
}

// SlotsPerKind is the number of reviewer slots of each kind.
const SlotsPerKind = 3

// Aggregate folds results into a Verdict. Only the first result per reviewer
// and kind counts, at most SlotsPerKind per kind in reviewer order. A kind
// with no filled slot defers the submission. The structural vote needs a
// strict majority of filled slots; a failed vote rejects the submission
// whatever the code score. A positive minCodeScore additionally rejects
// submissions whose mean code score falls below it.
func Aggregate(results []Result, minCodeScore float64) Verdict {
	code, structural := dedupe(results)

	v := Verdict{CodeReviews: len(code), StructuralReviews: len(structural)}
	for _, r := range code {
		v.CodeScore += r.Score
	}
	if len(code) > 0 {
		v.CodeScore /= float64(len(code))
	}
	for _, r := range structural {
		if r.Passed {
			v.StructuralPasses++
		}
	}

	switch {
	case len(structural) == 0:
		v.Outcome = Deferred
		v.Reason = "no structural review slot filled"
	case v.StructuralPasses*2 <= len(structural):
		v.Outcome = ReviewRejected
		v.Reason = "structural review majority failed"
	case len(code) == 0:
		v.Outcome = Deferred
		v.Reason = "no code review slot filled"
	case minCodeScore > 0 && v.CodeScore < minCodeScore:
		v.Outcome = ReviewRejected
		v.Reason = "code review score below minimum"
	default:
		v.Outcome = Approved
	}
	return v
}

func dedupe(results []Result) (code, structural []Result) {
	sorted := make([]Result, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Reviewer < sorted[j].Reviewer })

	seen := make(map[string]bool)
	for _, r := range sorted {
		key := string(r.Kind) + "|" + r.Reviewer
		if seen[key] {
			continue
		}
		switch r.Kind {
		case CodeReview:
			if len(code) < SlotsPerKind && r.Score >= 0 && r.Score <= 1 {
				code = append(code, r)
				seen[key] = true
			}
		case StructuralReview:
			if len(structural) < SlotsPerKind {
				structural = append(structural, r)
				seen[key] = true
			}
		}
	}
	return code, structural
}
