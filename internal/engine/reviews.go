package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ssd-technologies/termconsensus/internal/assignment"
	"github.com/ssd-technologies/termconsensus/internal/review"
	"github.com/ssd-technologies/termconsensus/internal/storage"
)

// GetAssignment returns the reviewer assignment of a submission. Stored
// assignments are restored when the engine starts; a submission without one
// is assigned from the current stake snapshot.
func (e *Engine) GetAssignment(id string) (*assignment.Assignment, error) {
	if a, ok := e.tracker.Get(id); ok {
		return a, nil
	}
	rec, err := e.db.GetSubmission(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownSubmission
	}
	if err != nil {
		return nil, err
	}
	a := e.tracker.Open(id, rec.Submission.Miner, e.reviewerPool(e.State()))
	if err := e.saveAssignment(id, rec.Submission.Miner); err != nil {
		return nil, err
	}
	return a, nil
}

// saveAssignment persists the tracked assignment of a submission.
func (e *Engine) saveAssignment(id, miner string) error {
	a, ok := e.tracker.Get(id)
	if !ok {
		return nil
	}
	return e.db.PutAssignment(storage.AssignmentRecord{
		Miner:      miner,
		Validators: e.tracker.Pool(id),
		Assignment: a,
	})
}

// SubmitReview accepts a signed review result from the reviewer currently
// holding the matching slot.
func (e *Engine) SubmitReview(ctx context.Context, r review.Result) error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidReview, r.Kind)
	}
	if r.Kind == review.CodeReview && (math.IsNaN(r.Score) || r.Score < 0 || r.Score > 1) {
		return fmt.Errorf("%w: code score %v outside [0,1]", ErrInvalidReview, r.Score)
	}
	if err := review.Verify(r); err != nil {
		e.metrics.Reviews.WithLabelValues(string(r.Kind), "bad_signature").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if _, err := e.GetAssignment(r.SubmissionID); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = newID()
	}
	if err := e.tracker.Submit(r); err != nil {
		e.metrics.Reviews.WithLabelValues(string(r.Kind), "refused").Inc()
		return err
	}
	if err := e.db.PutReview(r); err != nil {
		return err
	}
	rec, err := e.db.GetSubmission(r.SubmissionID)
	if err != nil {
		return err
	}
	if err := e.saveAssignment(r.SubmissionID, rec.Submission.Miner); err != nil {
		return err
	}
	e.metrics.Reviews.WithLabelValues(string(r.Kind), "accepted").Inc()
	e.log.Debug("review accepted", "submission", r.SubmissionID, "reviewer", r.Reviewer, "kind", r.Kind)
	return e.refreshReviewStatus(r.SubmissionID)
}

// DeclineReview releases a reviewer's slot and draws a replacement.
func (e *Engine) DeclineReview(ctx context.Context, d review.Decline) ([]assignment.Change, error) {
	if err := review.VerifyDecline(d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if _, err := e.GetAssignment(d.SubmissionID); err != nil {
		return nil, err
	}
	changes, err := e.tracker.Decline(d.SubmissionID, d.Reviewer, d.Kind)
	if err != nil {
		return nil, err
	}
	e.handleChanges(ctx, changes)
	return changes, nil
}

// Sweep replaces reviewers whose deadline passed.
func (e *Engine) Sweep(ctx context.Context) []assignment.Change {
	changes := e.tracker.Sweep()
	e.handleChanges(ctx, changes)
	return changes
}

func (e *Engine) handleChanges(ctx context.Context, changes []assignment.Change) {
	touched := make(map[string]bool)
	for _, c := range changes {
		e.metrics.ReviewSlots.WithLabelValues(string(c.Kind)).Inc()
		e.log.Info("review slot changed", "submission", c.SubmissionID, "slot", c.Slot,
			"change", c.Kind, "reviewer", c.Reviewer, "round", c.Round)
		touched[c.SubmissionID] = true
	}
	for id := range touched {
		if rec, err := e.db.GetSubmission(id); err == nil {
			if err := e.saveAssignment(id, rec.Submission.Miner); err != nil {
				e.log.Warn("save assignment", "id", id, "err", err)
			}
		}
		if err := e.reviewLocally(ctx, id); err != nil {
			e.log.Warn("local structural review failed", "id", id, "err", err)
		}
		if err := e.refreshReviewStatus(id); err != nil {
			e.log.Warn("refresh review status", "id", id, "err", err)
		}
	}
}

// reviewLocally runs the structural checker for every pending structural
// slot held by this validator.
func (e *Engine) reviewLocally(ctx context.Context, id string) error {
	a, ok := e.tracker.Get(id)
	if !ok {
		return nil
	}
	var mine bool
	for _, s := range a.Slots {
		if s.State == assignment.SlotPending && s.Kind == review.StructuralReview && s.Reviewer == e.identity {
			mine = true
		}
	}
	if !mine {
		return nil
	}
	rec, err := e.db.GetSubmission(id)
	if err != nil {
		return err
	}
	r := e.checker.Review(id, rec.Submission.Payload)
	r.ID = newID()
	review.Sign(&r, e.priv)
	return e.SubmitReview(ctx, r)
}

// refreshReviewStatus moves a submission out of review once its slots
// resolve: a passing structural vote advances it to code review and a
// rejecting verdict marks it review_rejected.
func (e *Engine) refreshReviewStatus(id string) error {
	a, ok := e.tracker.Get(id)
	if !ok {
		return nil
	}
	rec, err := e.db.GetSubmission(id)
	if err != nil {
		return err
	}
	current := Status(rec.Status)
	if current == StatusReviewRejected {
		return nil
	}

	structuralDone := true
	for _, s := range a.Slots {
		if s.Kind == review.StructuralReview && s.State == assignment.SlotPending {
			structuralDone = false
		}
	}
	verdict := review.Aggregate(e.tracker.Results(id), e.params.MinCodeScore)

	switch {
	case structuralDone && verdict.StructuralReviews > 0 && verdict.StructuralPasses*2 <= verdict.StructuralReviews:
		e.log.Info("submission failed structural review", "id", id,
			"passes", verdict.StructuralPasses, "reviews", verdict.StructuralReviews)
		return e.setStatus(id, StatusReviewRejected, rec.Score)
	case a.Resolved() && verdict.Outcome == review.ReviewRejected:
		e.log.Info("submission rejected by review", "id", id, "reason", verdict.Reason)
		return e.setStatus(id, StatusReviewRejected, rec.Score)
	case structuralDone && current == StatusStructuralReview && verdict.StructuralReviews > 0:
		return e.setStatus(id, StatusCodeReview, rec.Score)
	}
	return nil
}
