package assignment

import (
	"time"

	"github.com/ssd-technologies/termconsensus/internal/review"
)

const (
	// CodeSlots is the number of code-review slots per submission.
	CodeSlots = 3
	// StructuralSlots is the number of structural-review slots per submission.
	StructuralSlots = 3
	// TotalSlots is the number of reviewer slots per submission.
	TotalSlots = CodeSlots + StructuralSlots

	DefaultReviewTimeout        = 5 * time.Minute
	DefaultMaxReplacementRounds = 2
)

// SlotState is the lifecycle state of one reviewer slot.
type SlotState string

const (
	SlotPending   SlotState = "pending"
	SlotSubmitted SlotState = "submitted"
	SlotUnfilled  SlotState = "unfilled"
)

// Slot is one reviewer position. Round counts replacements already made.
type Slot struct {
	Index    int         `json:"index"`
	Kind     review.Kind `json:"kind"`
	Reviewer string      `json:"reviewer,omitempty"`
	Round    int         `json:"round"`
	Deadline time.Time   `json:"deadline"`
	State    SlotState   `json:"state"`
	Declined []string    `json:"declined,omitempty"`
}

// Assignment is the reviewer assignment of one submission.
type Assignment struct {
	SubmissionID        string    `json:"submission_id"`
	Seed                string    `json:"seed"`
	CodeReviewers       []string  `json:"code_reviewers"`
	StructuralReviewers []string  `json:"structural_reviewers"`
	Deadline            time.Time `json:"deadline"`
	Slots               []Slot    `json:"slots"`

	seed    Seed
	exclude map[string]bool
}

// kindForSlot returns the review kind of slot index i.
func kindForSlot(i int) review.Kind {
	if i < CodeSlots {
		return review.CodeReview
	}
	return review.StructuralReview
}

// Assign computes the initial assignment for submissionID. The first three
// drawn validators review code and the next three review structure; slots
// that cannot be drawn because the set is too small start Unfilled.
// Identities in exclude, typically the submitting miner, are never drawn.
func Assign(submissionID string, validators []Validator, exclude []string, now time.Time, timeout time.Duration) *Assignment {
	seed := SeedFor(submissionID)
	ex := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		ex[id] = true
	}
	picked := Select(seed, validators, TotalSlots, ex)

	a := &Assignment{
		SubmissionID: submissionID,
		Seed:         seed.String(),
		Deadline:     now.Add(timeout),
		Slots:        make([]Slot, TotalSlots),
		seed:         seed,
		exclude:      ex,
	}
	for i := range a.Slots {
		s := Slot{Index: i, Kind: kindForSlot(i), State: SlotUnfilled}
		if i < len(picked) {
			s.Reviewer = picked[i]
			s.State = SlotPending
			s.Deadline = a.Deadline
		}
		a.Slots[i] = s
	}
	a.refreshReviewers()
	return a
}

// refreshReviewers rebuilds the per-kind reviewer lists from the slots.
func (a *Assignment) refreshReviewers() {
	a.CodeReviewers = a.CodeReviewers[:0]
	a.StructuralReviewers = a.StructuralReviewers[:0]
	for _, s := range a.Slots {
		if s.State == SlotUnfilled {
			continue
		}
		if s.Kind == review.CodeReview {
			a.CodeReviewers = append(a.CodeReviewers, s.Reviewer)
		} else {
			a.StructuralReviewers = append(a.StructuralReviewers, s.Reviewer)
		}
	}
}

// everAssigned returns every identity that has held or declined any slot,
// plus the excluded identities.
func (a *Assignment) everAssigned() map[string]bool {
	out := make(map[string]bool, len(a.exclude)+TotalSlots)
	for id := range a.exclude {
		out[id] = true
	}
	for _, s := range a.Slots {
		if s.Reviewer != "" {
			out[s.Reviewer] = true
		}
		for _, d := range s.Declined {
			out[d] = true
		}
	}
	return out
}

// replace moves slot i to its next replacement round. The departing reviewer
// is recorded as declined. The slot becomes Unfilled once maxRounds is
// exhausted or no eligible validator remains.
func (a *Assignment) replace(i int, validators []Validator, maxRounds int, now time.Time, timeout time.Duration) {
	s := &a.Slots[i]
	if s.Reviewer != "" {
		s.Declined = append(s.Declined, s.Reviewer)
	}
	s.Round++
	if s.Round > maxRounds {
		s.Reviewer = ""
		s.State = SlotUnfilled
		a.refreshReviewers()
		return
	}

	seed := ReplacementSeed(a.seed, uint32(i), uint32(s.Round))
	picked := Select(seed, validators, 1, a.everAssigned())
	if len(picked) == 0 {
		s.Reviewer = ""
		s.State = SlotUnfilled
	} else {
		s.Reviewer = picked[0]
		s.State = SlotPending
		s.Deadline = now.Add(timeout)
	}
	a.refreshReviewers()
}

// Resolved reports whether no slot is still waiting on a reviewer.
func (a *Assignment) Resolved() bool {
	for _, s := range a.Slots {
		if s.State == SlotPending {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of a.
func (a *Assignment) Clone() *Assignment {
	c := *a
	c.CodeReviewers = append([]string(nil), a.CodeReviewers...)
	c.StructuralReviewers = append([]string(nil), a.StructuralReviewers...)
	c.Slots = make([]Slot, len(a.Slots))
	for i, s := range a.Slots {
		s.Declined = append([]string(nil), s.Declined...)
		c.Slots[i] = s
	}
	c.exclude = make(map[string]bool, len(a.exclude))
	for id := range a.exclude {
		c.exclude[id] = true
	}
	return &c
}
