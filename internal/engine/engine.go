// Package engine runs one validator's view of the evaluation pipeline:
// admission, reviewer assignment, local scoring, log consensus and the
// per-epoch finalization that turns evaluations into a weight vector.
package engine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ssd-technologies/termconsensus/internal/aggregate"
	"github.com/ssd-technologies/termconsensus/internal/assignment"
	"github.com/ssd-technologies/termconsensus/internal/config"
	"github.com/ssd-technologies/termconsensus/internal/decay"
	"github.com/ssd-technologies/termconsensus/internal/identity"
	"github.com/ssd-technologies/termconsensus/internal/logconsensus"
	"github.com/ssd-technologies/termconsensus/internal/metrics"
	"github.com/ssd-technologies/termconsensus/internal/ratelimit"
	"github.com/ssd-technologies/termconsensus/internal/review"
	"github.com/ssd-technologies/termconsensus/internal/scoring"
	"github.com/ssd-technologies/termconsensus/internal/storage"
	"github.com/ssd-technologies/termconsensus/internal/submission"
	"github.com/ssd-technologies/termconsensus/internal/weights"
)

// Status is the local pipeline status of a submission.
type Status string

const (
	StatusPending          Status = "pending"
	StatusStructuralReview Status = "structural_review"
	StatusCodeReview       Status = "code_review"
	StatusEvaluating       Status = "evaluating"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusReviewRejected   Status = "review_rejected"
)

var (
	ErrUnknownSubmission = errors.New("unknown submission")
	ErrNotAdmitted       = errors.New("submission not admitted")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidReview     = errors.New("invalid review")
	ErrEpochClosed       = errors.New("epoch already advanced")
	ErrFutureEpoch       = errors.New("epoch has not started")
	ErrNotFinalized      = errors.New("epoch not finalized")
	ErrInvalidEvaluation = errors.New("invalid evaluation")
	ErrNotValidator      = errors.New("identity not in the epoch stake snapshot")
	ErrNotEvaluator      = errors.New("proposer did not evaluate the submission")
)

// ValidatorSet supplies the current validators and their stakes.
type ValidatorSet interface {
	Active() []assignment.Validator
}

// EpochState is the state shared by every submission of the current epoch.
// Stakes is frozen when the epoch starts; Decay is the decay state carried
// into the epoch.
type EpochState struct {
	Epoch  uint64            `json:"epoch"`
	Stakes map[string]uint64 `json:"stakes"`
	Decay  decay.State       `json:"decay"`
}

// pool returns the snapshot as a validator list sorted by identity.
func (s EpochState) pool() []assignment.Validator {
	out := make([]assignment.Validator, 0, len(s.Stakes))
	for id, stake := range s.Stakes {
		out = append(out, assignment.Validator{Identity: id, Stake: stake})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (s EpochState) clone() EpochState {
	c := s
	c.Stakes = make(map[string]uint64, len(s.Stakes))
	for id, stake := range s.Stakes {
		c.Stakes[id] = stake
	}
	return c
}

// Options configures an Engine.
type Options struct {
	Config     *config.Config
	DB         *storage.DB
	Validators ValidatorSet
	PrivateKey ed25519.PrivateKey
	Clock      assignment.Clock
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	log     *slog.Logger
	db      *storage.DB
	metrics *metrics.Metrics
	clock   assignment.Clock
	set     ValidatorSet

	priv     ed25519.PrivateKey
	identity string

	catalog   scoring.Catalog
	params    Params
	banned    map[string]bool
	ledger    *ratelimit.Ledger
	names     *submission.Registry
	validator *submission.Validator
	tracker   *assignment.Tracker
	checker   *review.StructuralChecker
	logs      *logconsensus.Pool

	mu    sync.RWMutex
	state EpochState

	// finalizeMu serialises finalization and epoch advancement.
	finalizeMu sync.Mutex
	memo       map[string]*storage.FinalizedEpoch
}

// New creates an Engine, restoring epoch state, name ownership, reviewer
// assignments and validated logs from the database.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.DB == nil || opts.Validators == nil {
		return nil, errors.New("engine: config, db and validator set are required")
	}
	if len(opts.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("engine: private key is required")
	}
	cfg := opts.Config
	if opts.Clock == nil {
		opts.Clock = assignment.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}

	e := &Engine{
		log:      opts.Logger.With("component", "engine"),
		db:       opts.DB,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		set:      opts.Validators,
		priv:     opts.PrivateKey,
		identity: identity.FromPublicKey(opts.PrivateKey.Public().(ed25519.PublicKey)),
		catalog:  cfg.Catalog(),
		params: Params{
			Aggregate:    cfg.Aggregate,
			Weights:      cfg.Weights,
			Decay:        cfg.Decay,
			MinCodeScore: cfg.Review.MinCodeScore,
		},
		banned:  make(map[string]bool, len(cfg.Network.Banned)),
		ledger:  ratelimit.NewLedger(cfg.Admission.RateLimitWindow, opts.DB),
		names:   submission.NewRegistry(),
		checker: review.NewStructuralChecker(cfg.Review.Structural),
		tracker: assignment.NewTracker(opts.Clock, assignment.TrackerConfig{
			Timeout:   cfg.Review.Timeout,
			MaxRounds: cfg.Review.MaxReplacementRounds,
		}),
		logs: logconsensus.NewPool(logconsensus.Config{
			MaxEpochs:   cfg.LogConsensus.MaxEpochs,
			MinExpected: cfg.LogConsensus.MinExpected,
		}),
		memo: make(map[string]*storage.FinalizedEpoch),
	}
	for _, id := range cfg.Network.Banned {
		e.banned[id] = true
	}
	e.validator = submission.NewValidator(cfg.Limits(), e.ledger, e.names)

	records, err := opts.DB.ListNameRecords()
	if err != nil {
		return nil, fmt.Errorf("load names: %w", err)
	}
	e.names.Load(records)

	validated, err := opts.DB.ListValidatedLogs()
	if err != nil {
		return nil, fmt.Errorf("load validated logs: %w", err)
	}
	for _, v := range validated {
		e.logs.Restore(v)
	}

	st, err := opts.DB.GetEngineState()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		st = storage.EngineState{Stakes: e.snapshotStakes()}
		if err := opts.DB.PutEngineState(st); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	e.state = EpochState{Epoch: st.Epoch, Stakes: st.Stakes, Decay: st.Decay}

	assignments, err := opts.DB.ListAssignments()
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	for _, rec := range assignments {
		results, err := opts.DB.ListReviews(rec.Assignment.SubmissionID)
		if err != nil {
			return nil, err
		}
		e.tracker.Restore(rec.Assignment, rec.Miner, rec.Validators, results)
	}

	e.metrics.Epoch.Set(float64(st.Epoch))
	e.log.Info("engine started", "identity", e.identity, "epoch", st.Epoch,
		"validators", len(e.state.Stakes), "assignments", len(assignments))
	return e, nil
}

// Identity returns the local validator identity.
func (e *Engine) Identity() string { return e.identity }

// State returns a copy of the current epoch state.
func (e *Engine) State() EpochState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.clone()
}

// Epoch returns the current epoch.
func (e *Engine) Epoch() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Epoch
}

// snapshotStakes takes the stake snapshot for a new epoch from the live
// validator set, without banned identities.
func (e *Engine) snapshotStakes() map[string]uint64 {
	stakes := make(map[string]uint64)
	for _, v := range e.set.Active() {
		if !e.banned[v.Identity] {
			stakes[v.Identity] = v.Stake
		}
	}
	return stakes
}

// reviewerPool returns the validators of the epoch snapshot eligible for
// reviewer slots.
func (e *Engine) reviewerPool(st EpochState) []assignment.Validator {
	all := st.pool()
	out := all[:0]
	for _, v := range all {
		if !e.banned[v.Identity] {
			out = append(out, v)
		}
	}
	return out
}

func (e *Engine) setStatus(id string, status Status, score float64) error {
	if err := e.db.SetSubmissionStatus(id, string(status), score); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

// Validate admits or rejects s at the current epoch. An admitted submission
// is stored, claims its name, and gets its reviewer assignment drawn from the
// epoch's stake snapshot. The rate-limit slot is only taken once the
// submission is stored. Admitting the same submission again returns the same
// verdict without new effects.
func (e *Engine) Validate(ctx context.Context, s *submission.Submission) (submission.Verdict, error) {
	st := e.State()
	var verdict submission.Verdict
	var created bool
	_, err := e.ledger.Admit(s.Miner, st.Epoch, s.AgentHash, func() (bool, error) {
		v, err := e.validator.Validate(s, st.Epoch)
		verdict = v
		if err != nil || !v.Admitted() {
			return false, err
		}
		created, err = e.store(s, st.Epoch)
		return err == nil, err
	})
	if err != nil {
		return submission.Verdict{}, fmt.Errorf("validate submission: %w", err)
	}
	e.metrics.Submissions.WithLabelValues(string(verdict.Status), string(verdict.Reason)).Inc()
	if !verdict.Admitted() {
		e.log.Info("submission rejected", "miner", s.Miner, "agent_hash", s.AgentHash,
			"reason", verdict.Reason, "malformed", verdict.Reason.Malformed())
		return verdict, nil
	}
	if !created {
		return verdict, nil
	}

	id := s.ID()
	a := e.tracker.Open(id, s.Miner, e.reviewerPool(st))
	if err := e.saveAssignment(id, s.Miner); err != nil {
		return submission.Verdict{}, err
	}
	if err := e.setStatus(id, StatusStructuralReview, 0); err != nil {
		return submission.Verdict{}, err
	}
	e.log.Info("submission admitted", "id", id, "miner", s.Miner, "name", s.Name,
		"code_reviewers", len(a.CodeReviewers), "structural_reviewers", len(a.StructuralReviewers))

	if err := e.reviewLocally(ctx, id); err != nil {
		e.log.Warn("local structural review failed", "id", id, "err", err)
	}
	return verdict, nil
}

// store persists an admitted submission and claims its name. It reports
// false when the submission was stored before.
func (e *Engine) store(s *submission.Submission, epoch uint64) (bool, error) {
	id := s.ID()
	if _, err := e.db.GetSubmission(id); err == nil {
		return false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}

	if err := e.db.Set(storage.MakeKey(storage.CategoryAgentCode, s.Miner, epoch), s.Payload); err != nil {
		return false, err
	}
	if err := e.db.Set(storage.MakeKey(storage.CategoryAgentHash, s.Miner, epoch), []byte(s.AgentHash)); err != nil {
		return false, err
	}

	version := 0
	if s.Name != "" {
		rec, prev, err := e.names.Claim(s)
		if err != nil {
			return false, fmt.Errorf("claim name: %w", err)
		}
		if prev != nil {
			prev.Superseded = true
			if err := e.db.PutNameRecord(*prev); err != nil {
				return false, err
			}
		}
		if err := e.db.PutNameRecord(rec); err != nil {
			return false, err
		}
		version = rec.Version
	}

	stored := *s
	stored.TaskResults = submission.NormalizeResults(s.TaskResults)
	if err := e.db.PutSubmission(&storage.SubmissionRecord{
		Submission: stored,
		Status:     string(StatusPending),
		Version:    version,
		CreatedAt:  e.clock.Now().UnixMilli(),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// GetSubmission returns a stored submission.
func (e *Engine) GetSubmission(id string) (*storage.SubmissionRecord, error) {
	rec, err := e.db.GetSubmission(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownSubmission
	}
	return rec, err
}

// EvaluationRequest carries the execution backend's answer for one
// submission. A non-empty Error means the run failed as a whole.
type EvaluationRequest struct {
	SubmissionID string                  `json:"submission_id"`
	Results      []submission.TaskResult `json:"results"`
	Error        string                  `json:"error,omitempty"`
}

// EvaluationResult is the local evaluation of a submission.
type EvaluationResult struct {
	SubmissionID       string                `json:"submission_id"`
	Status             Status                `json:"status"`
	Score              float64               `json:"score"`
	Breakdown          scoring.Breakdown     `json:"breakdown"`
	WeightContribution uint16                `json:"weight_contribution"`
	Attestation        aggregate.Attestation `json:"attestation"`
}

// Evaluate scores the execution results of an admitted submission and
// records the result as this validator's evaluation for the current epoch.
// The returned Attestation is the signed form other validators ingest.
// WeightContribution is the weight the miner would receive if the epoch
// were finalized on this validator's evaluations alone, without decay.
func (e *Engine) Evaluate(ctx context.Context, req EvaluationRequest) (*EvaluationResult, error) {
	rec, err := e.db.GetSubmission(req.SubmissionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotAdmitted
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := rec.Submission
	if err := e.setStatus(s.ID(), StatusEvaluating, 0); err != nil {
		return nil, err
	}

	st := e.State()
	out := &EvaluationResult{SubmissionID: s.ID(), Status: StatusCompleted}
	if req.Error != "" {
		out.Status = StatusFailed
		out.Breakdown.TasksTotal = len(req.Results)
	} else {
		out.Breakdown = scoring.BenchmarkScore(e.catalog, submission.NormalizeResults(req.Results))
		out.Score = out.Breakdown.Score
	}

	eval := aggregate.Evaluation{
		Validator:      e.identity,
		ValidatorStake: st.Stakes[e.identity],
		SubmissionID:   s.ID(),
		Miner:          s.Miner,
		SubmittedAt:    s.SubmittedAt,
		Score:          out.Score,
		TasksPassed:    out.Breakdown.TasksPassed,
		TasksTotal:     out.Breakdown.TasksTotal,
	}
	if err := e.db.PutEvaluation(st.Epoch, eval); err != nil {
		return nil, err
	}
	status := out.Status
	if rec.Status == string(StatusReviewRejected) {
		status = StatusReviewRejected
	}
	if err := e.setStatus(s.ID(), status, out.Score); err != nil {
		return nil, err
	}
	e.expectEvaluators(s.ID(), st.Epoch)
	out.Attestation = aggregate.Attestation{
		SubmissionID: s.ID(),
		Epoch:        st.Epoch,
		Score:        out.Score,
		TasksPassed:  out.Breakdown.TasksPassed,
		TasksTotal:   out.Breakdown.TasksTotal,
	}
	aggregate.SignAttestation(&out.Attestation, e.priv)

	contribution, err := e.weightContribution(st.Epoch, s.Miner)
	if err != nil {
		return nil, err
	}
	out.WeightContribution = contribution

	e.metrics.Evaluations.Inc()
	e.metrics.Scores.Observe(out.Score)
	e.log.Info("submission evaluated", "id", s.ID(), "miner", s.Miner, "status", out.Status,
		"score", out.Score, "passed", out.Breakdown.TasksPassed, "total", out.Breakdown.TasksTotal)
	return out, nil
}

// weightContribution previews miner's weight from the local evaluations of
// epoch, taking each miner's latest submission.
func (e *Engine) weightContribution(epoch uint64, miner string) (uint16, error) {
	evals, err := e.db.ListEvaluations(epoch)
	if err != nil {
		return 0, err
	}
	latest := make(map[string]aggregate.Evaluation)
	for _, ev := range evals {
		if ev.Validator != e.identity || e.banned[ev.Miner] {
			continue
		}
		if cur, ok := latest[ev.Miner]; !ok || ev.SubmittedAt > cur.SubmittedAt {
			latest[ev.Miner] = ev
		}
	}
	miners := make([]string, 0, len(latest))
	for m := range latest {
		miners = append(miners, m)
	}
	sort.Strings(miners)
	cands := make([]weights.Candidate, 0, len(miners))
	for _, m := range miners {
		cands = append(cands, weights.Candidate{Identity: m, Score: latest[m].Score, SubmittedAt: latest[m].SubmittedAt})
	}
	return weights.Compute(cands, e.params.Weights).Get(miner), nil
}

// newID returns a fresh record identifier.
func newID() string {
	return uuid.NewString()
}
