package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ssd-technologies/termconsensus/internal/aggregate"
	"github.com/ssd-technologies/termconsensus/internal/storage"
)

// IngestEvaluation records another validator's signed evaluation for the
// current epoch. The validator must belong to the epoch's stake snapshot and
// its stake is taken from there. Miner and submission time come from the
// local submission record. A second attestation from the same validator
// replaces the first.
func (e *Engine) IngestEvaluation(ctx context.Context, a aggregate.Attestation) error {
	if err := aggregate.VerifyAttestation(a); err != nil {
		e.metrics.PeerEvaluations.WithLabelValues("bad_signature").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if math.IsNaN(a.Score) || a.Score < 0 || a.Score > 1 ||
		a.TasksPassed < 0 || a.TasksTotal < 0 || a.TasksPassed > a.TasksTotal {
		e.metrics.PeerEvaluations.WithLabelValues("refused").Inc()
		return fmt.Errorf("%w: score %v, %d of %d tasks", ErrInvalidEvaluation, a.Score, a.TasksPassed, a.TasksTotal)
	}

	st := e.State()
	switch {
	case a.Epoch < st.Epoch:
		return fmt.Errorf("%w: attestation for epoch %d", ErrEpochClosed, a.Epoch)
	case a.Epoch > st.Epoch:
		return fmt.Errorf("%w: attestation for epoch %d", ErrFutureEpoch, a.Epoch)
	}
	stake, ok := st.Stakes[a.Validator]
	if !ok || e.banned[a.Validator] {
		e.metrics.PeerEvaluations.WithLabelValues("refused").Inc()
		return fmt.Errorf("%w: %s", ErrNotValidator, a.Validator)
	}

	rec, err := e.db.GetSubmission(a.SubmissionID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownSubmission
	}
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	eval := aggregate.Evaluation{
		Validator:      a.Validator,
		ValidatorStake: stake,
		SubmissionID:   a.SubmissionID,
		Miner:          rec.Submission.Miner,
		SubmittedAt:    rec.Submission.SubmittedAt,
		Score:          a.Score,
		TasksPassed:    a.TasksPassed,
		TasksTotal:     a.TasksTotal,
	}
	if err := e.db.PutEvaluation(st.Epoch, eval); err != nil {
		return err
	}
	e.expectEvaluators(a.SubmissionID, st.Epoch)
	e.metrics.PeerEvaluations.WithLabelValues("accepted").Inc()
	e.log.Debug("evaluation ingested", "submission", a.SubmissionID, "validator", a.Validator, "score", a.Score)
	return nil
}

// expectEvaluators tells the log round of submissionID how many proposals
// to expect: one per evaluator, or the filled reviewer slots of the
// assignment while no evaluation has arrived.
func (e *Engine) expectEvaluators(submissionID string, epoch uint64) {
	n, err := e.db.CountEvaluations(submissionID)
	if err != nil {
		e.log.Warn("count evaluations", "submission", submissionID, "err", err)
		return
	}
	if n == 0 {
		if a, ok := e.tracker.Get(submissionID); ok {
			n = len(a.CodeReviewers)
		}
	}
	e.logs.Expect(submissionID, n, epoch)
}
