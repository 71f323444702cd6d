package server

import (
	"net/http"

	"github.com/ssd-technologies/termconsensus/internal/aggregate"
	"github.com/ssd-technologies/termconsensus/internal/engine"
	"github.com/ssd-technologies/termconsensus/internal/logconsensus"
	"github.com/ssd-technologies/termconsensus/internal/review"
	"github.com/ssd-technologies/termconsensus/internal/submission"
)

// Request bodies carry the agent payload as base64 inside JSON, so the
// body bound is twice the payload limit plus room for task results.
func (s *Server) submissionBodyLimit() int64 {
	return int64(s.cfg.Admission.MaxPayloadBytes)*2 + 1<<20
}

const smallBodyLimit = 1 << 20

// submitResponse is returned by POST /api/submissions.
type submitResponse struct {
	ID      string             `json:"id"`
	Verdict submission.Verdict `json:"verdict"`
}

// verdictStatus maps a validation verdict to an HTTP status.
func verdictStatus(v submission.Verdict) int {
	switch {
	case v.Admitted():
		return http.StatusCreated
	case v.Reason == submission.ReasonRateLimited:
		return http.StatusTooManyRequests
	case v.Reason == submission.ReasonNameOwnedByOther:
		return http.StatusConflict
	case v.Reason == submission.ReasonPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusUnprocessableEntity
}

// handleSubmit handles POST /api/submissions.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub submission.Submission
	if !decodeJSON(w, r, s.submissionBodyLimit(), &sub) {
		return
	}
	v, err := s.engine.Validate(r.Context(), &sub)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, verdictStatus(v), submitResponse{ID: sub.ID(), Verdict: v})
}

// handleGetSubmission handles GET /api/submissions/{id}.
func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.GetSubmission(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleGetAssignment handles GET /api/submissions/{id}/assignment.
func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.GetAssignment(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleEvaluate handles POST /api/submissions/{id}/evaluate, the callback
// of the execution backend.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req engine.EvaluationRequest
	if !decodeJSON(w, r, smallBodyLimit*4, &req) {
		return
	}
	req.SubmissionID = r.PathValue("id")
	res, err := s.engine.Evaluate(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleIngestEvaluation handles POST /api/evaluations, a peer validator's
// signed evaluation of a submission.
func (s *Server) handleIngestEvaluation(w http.ResponseWriter, r *http.Request) {
	var a aggregate.Attestation
	if !decodeJSON(w, r, smallBodyLimit, &a) {
		return
	}
	if err := s.engine.IngestEvaluation(r.Context(), a); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleReview handles POST /api/reviews.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var res review.Result
	if !decodeJSON(w, r, smallBodyLimit, &res) {
		return
	}
	if err := s.engine.SubmitReview(r.Context(), res); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "submission_id": res.SubmissionID})
}

// handleDecline handles POST /api/reviews/decline.
func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var d review.Decline
	if !decodeJSON(w, r, smallBodyLimit, &d) {
		return
	}
	changes, err := s.engine.DeclineReview(r.Context(), d)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

// handleProposeLog handles POST /api/logs.
func (s *Server) handleProposeLog(w http.ResponseWriter, r *http.Request) {
	var p logconsensus.Proposal
	if !decodeJSON(w, r, logconsensus.MaxLogsBytes*2+smallBodyLimit, &p) {
		return
	}
	res, err := s.engine.ProposeLog(r.Context(), p)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetLog handles GET /api/logs/{id}.
func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.ValidatedLog(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
