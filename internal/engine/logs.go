package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ssd-technologies/termconsensus/internal/logconsensus"
	"github.com/ssd-technologies/termconsensus/internal/storage"
)

// ProposeLog adds a signed evaluation-log proposal to its submission's
// round. Only validators of the epoch's stake snapshot that evaluated the
// submission may propose, and the round expects one proposal per evaluator.
// The validated log is persisted the first time a majority agrees; rounds
// that can no longer agree are recorded as unresolved.
func (e *Engine) ProposeLog(ctx context.Context, p logconsensus.Proposal) (logconsensus.Result, error) {
	if err := logconsensus.Verify(p); err != nil {
		e.metrics.LogProposals.WithLabelValues(string(logconsensus.Rejected)).Inc()
		return logconsensus.Result{Status: logconsensus.Rejected, Reason: "bad_signature"},
			fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := logconsensus.Check(p); err != nil {
		e.metrics.LogProposals.WithLabelValues(string(logconsensus.Rejected)).Inc()
		return logconsensus.Result{Status: logconsensus.Rejected, Reason: "malformed"}, err
	}
	rec, err := e.db.GetSubmission(p.SubmissionID)
	if errors.Is(err, storage.ErrNotFound) {
		return logconsensus.Result{Status: logconsensus.Rejected, Reason: "unknown_submission"}, ErrUnknownSubmission
	}
	if err != nil {
		return logconsensus.Result{}, err
	}

	st := e.State()
	if _, ok := st.Stakes[p.Proposer]; !ok || e.banned[p.Proposer] {
		e.metrics.LogProposals.WithLabelValues(string(logconsensus.Rejected)).Inc()
		return logconsensus.Result{Status: logconsensus.Rejected, Reason: "not_validator"},
			fmt.Errorf("%w: %s", ErrNotValidator, p.Proposer)
	}
	evaluated, err := e.db.HasEvaluation(p.SubmissionID, p.Proposer)
	if err != nil {
		return logconsensus.Result{}, err
	}
	if !evaluated {
		e.metrics.LogProposals.WithLabelValues(string(logconsensus.Rejected)).Inc()
		return logconsensus.Result{Status: logconsensus.Rejected, Reason: "not_evaluator"}, ErrNotEvaluator
	}

	epoch := st.Epoch
	e.expectEvaluators(p.SubmissionID, epoch)
	res, validated, err := e.logs.Propose(p, epoch)
	e.metrics.LogProposals.WithLabelValues(string(res.Status)).Inc()
	if err != nil {
		return res, err
	}

	switch {
	case validated != nil:
		if err := e.db.PutValidatedLog(*validated); err != nil {
			return res, err
		}
		key := storage.MakeKey(storage.CategoryAgentLogs, rec.Submission.Miner, epoch)
		if err := e.db.Set(key, validated.LogsData); err != nil {
			return res, err
		}
		e.log.Info("evaluation logs validated", "submission", p.SubmissionID,
			"logs_hash", validated.LogsHash, "votes", validated.Votes)
	case res.Status == logconsensus.Unresolved:
		if err := e.db.MarkLogUnresolved(p.SubmissionID, epoch); err != nil {
			return res, err
		}
		e.log.Warn("evaluation logs unresolved", "submission", p.SubmissionID,
			"received", res.Received, "expected", res.Expected)
	}
	return res, nil
}

// ProposeLocalLog signs logs as this validator's proposal and submits it.
func (e *Engine) ProposeLocalLog(ctx context.Context, submissionID string, logs []byte) (logconsensus.Result, error) {
	p := logconsensus.Proposal{SubmissionID: submissionID, LogsData: logs}
	logconsensus.Sign(&p, e.priv)
	return e.ProposeLog(ctx, p)
}

// ValidatedLog returns the agreed evaluation log of a submission. Pending
// and unresolved submissions have none.
func (e *Engine) ValidatedLog(submissionID string) (*logconsensus.ValidatedLog, error) {
	v, err := e.db.GetValidatedLog(submissionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownSubmission
	}
	return v, err
}
