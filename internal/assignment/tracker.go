package assignment

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ssd-technologies/termconsensus/internal/review"
)

var (
	// ErrUnknownSubmission is returned for submissions without an assignment.
	ErrUnknownSubmission = errors.New("no assignment for submission")
	// ErrNotAssigned is returned when the reviewer holds no pending slot of
	// the given kind.
	ErrNotAssigned = errors.New("reviewer holds no pending slot")
	// ErrDeadlinePassed is returned for results arriving after the slot's
	// deadline.
	ErrDeadlinePassed = errors.New("review deadline passed")
)

// ChangeKind classifies slot transitions reported by the tracker.
type ChangeKind string

const (
	ChangeTimedOut ChangeKind = "timed_out"
	ChangeDeclined ChangeKind = "declined"
	ChangeReplaced ChangeKind = "replaced"
	ChangeUnfilled ChangeKind = "unfilled"
)

// Change describes one slot transition.
type Change struct {
	Kind         ChangeKind `json:"kind"`
	SubmissionID string     `json:"submission_id"`
	Slot         int        `json:"slot"`
	Reviewer     string     `json:"reviewer,omitempty"`
	Round        int        `json:"round"`
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Timeout   time.Duration
	MaxRounds int
}

type tracked struct {
	assignment *Assignment
	validators []Validator
	results    map[int]review.Result
}

// Tracker owns the live assignments of one validator process: it accepts
// review results, handles explicit declines and converts missed deadlines into
// declines followed by bounded replacement.
type Tracker struct {
	mu      sync.Mutex
	clock   Clock
	cfg     TrackerConfig
	entries map[string]*tracked
}

// NewTracker creates a Tracker using clock for deadlines.
func NewTracker(clock Clock, cfg TrackerConfig) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultReviewTimeout
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxReplacementRounds
	}
	return &Tracker{clock: clock, cfg: cfg, entries: make(map[string]*tracked)}
}

// Open creates the assignment for submissionID, or returns the existing one.
func (t *Tracker) Open(submissionID, miner string, validators []Validator) *Assignment {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[submissionID]; ok {
		return e.assignment.Clone()
	}
	var exclude []string
	if miner != "" {
		exclude = []string{miner}
	}
	a := Assign(submissionID, validators, exclude, t.clock.Now(), t.cfg.Timeout)
	t.entries[submissionID] = &tracked{
		assignment: a,
		validators: append([]Validator(nil), validators...),
		results:    make(map[int]review.Result),
	}
	return a.Clone()
}

// Restore installs a previously persisted assignment with its replacement
// pool. Submitted slots are matched to results by reviewer and kind. An
// assignment already tracked is left as it is.
func (t *Tracker) Restore(a *Assignment, miner string, validators []Validator, results []review.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[a.SubmissionID]; ok {
		return
	}
	c := a.Clone()
	c.seed = SeedFor(c.SubmissionID)
	c.exclude = make(map[string]bool, 1)
	if miner != "" {
		c.exclude[miner] = true
	}
	e := &tracked{
		assignment: c,
		validators: append([]Validator(nil), validators...),
		results:    make(map[int]review.Result),
	}
	for i, s := range c.Slots {
		if s.State != SlotSubmitted {
			continue
		}
		for _, r := range results {
			if r.Reviewer == s.Reviewer && r.Kind == s.Kind {
				e.results[i] = r
				break
			}
		}
	}
	t.entries[c.SubmissionID] = e
}

// Pool returns the validators replacements for submissionID are drawn from.
func (t *Tracker) Pool(submissionID string) []Validator {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[submissionID]
	if !ok {
		return nil
	}
	return append([]Validator(nil), e.validators...)
}

// Get returns a copy of the assignment for submissionID.
func (t *Tracker) Get(submissionID string) (*Assignment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[submissionID]
	if !ok {
		return nil, false
	}
	return e.assignment.Clone(), true
}

// findSlot returns the index of the pending slot of kind held by reviewer.
func findSlot(a *Assignment, reviewer string, kind review.Kind) int {
	for i, s := range a.Slots {
		if s.State == SlotPending && s.Reviewer == reviewer && s.Kind == kind {
			return i
		}
	}
	return -1
}

// Submit records a review result from the reviewer currently holding the
// matching slot. Late results are rejected; the next Sweep replaces the slot.
func (t *Tracker) Submit(r review.Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[r.SubmissionID]
	if !ok {
		return ErrUnknownSubmission
	}
	i := findSlot(e.assignment, r.Reviewer, r.Kind)
	if i < 0 {
		return fmt.Errorf("%w: %s for %s", ErrNotAssigned, r.Kind, r.SubmissionID)
	}
	slot := &e.assignment.Slots[i]
	if t.clock.Now().After(slot.Deadline) {
		return ErrDeadlinePassed
	}
	slot.State = SlotSubmitted
	e.results[i] = r
	return nil
}

// Decline releases the reviewer's pending slot of kind and draws a
// replacement immediately.
func (t *Tracker) Decline(submissionID, reviewer string, kind review.Kind) ([]Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[submissionID]
	if !ok {
		return nil, ErrUnknownSubmission
	}
	i := findSlot(e.assignment, reviewer, kind)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s for %s", ErrNotAssigned, kind, submissionID)
	}
	changes := []Change{{Kind: ChangeDeclined, SubmissionID: submissionID, Slot: i, Reviewer: reviewer, Round: e.assignment.Slots[i].Round}}
	return append(changes, t.replaceLocked(e, i)...), nil
}

func (t *Tracker) replaceLocked(e *tracked, i int) []Change {
	a := e.assignment
	a.replace(i, e.validators, t.cfg.MaxRounds, t.clock.Now(), t.cfg.Timeout)
	s := a.Slots[i]
	if s.State == SlotUnfilled {
		return []Change{{Kind: ChangeUnfilled, SubmissionID: a.SubmissionID, Slot: i, Round: s.Round}}
	}
	return []Change{{Kind: ChangeReplaced, SubmissionID: a.SubmissionID, Slot: i, Reviewer: s.Reviewer, Round: s.Round}}
}

// Sweep treats every pending slot past its deadline as declined and replaces
// it. Submissions are visited in ID order so the change list is stable.
func (t *Tracker) Sweep() []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()

	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var changes []Change
	for _, id := range ids {
		e := t.entries[id]
		for i, s := range e.assignment.Slots {
			if s.State != SlotPending || !now.After(s.Deadline) {
				continue
			}
			changes = append(changes, Change{Kind: ChangeTimedOut, SubmissionID: id, Slot: i, Reviewer: s.Reviewer, Round: s.Round})
			changes = append(changes, t.replaceLocked(e, i)...)
		}
	}
	return changes
}

// Results returns the accepted review results for submissionID in slot
// order.
func (t *Tracker) Results(submissionID string) []review.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[submissionID]
	if !ok {
		return nil
	}
	out := make([]review.Result, 0, len(e.results))
	for i := 0; i < TotalSlots; i++ {
		if r, ok := e.results[i]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Pending returns the IDs of submissions with at least one pending slot.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, e := range t.entries {
		if !e.assignment.Resolved() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Forget drops the assignment for submissionID.
func (t *Tracker) Forget(submissionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, submissionID)
}
