package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ssd-technologies/termconsensus/internal/aggregate"
	"github.com/ssd-technologies/termconsensus/internal/decay"
	"github.com/ssd-technologies/termconsensus/internal/review"
	"github.com/ssd-technologies/termconsensus/internal/storage"
)

func memoKey(epoch uint64, digest string) string {
	return fmt.Sprintf("%d:%s", epoch, digest)
}

// FinalizeEpoch computes the weight vector of epoch from the evaluations and
// reviews recorded so far and the epoch's frozen stake snapshot. Re-running
// it with unchanged inputs returns the stored result without advancing
// decay again. Past epochs return their latest stored finalization.
func (e *Engine) FinalizeEpoch(ctx context.Context, epoch uint64) (*storage.FinalizedEpoch, error) {
	e.finalizeMu.Lock()
	defer e.finalizeMu.Unlock()

	st := e.State()
	switch {
	case epoch < st.Epoch:
		f, err := e.db.LatestFinalizedEpoch(epoch)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrEpochClosed
		}
		return f, err
	case epoch > st.Epoch:
		return nil, ErrFutureEpoch
	}

	in, err := e.gatherInput(st)
	if err != nil {
		return nil, err
	}
	return e.finalizeLocked(ctx, in, st.Decay)
}

// gatherInput reads the epoch's evaluations, local and ingested from peers,
// and the reviews of every evaluated submission, dropping banned identities.
func (e *Engine) gatherInput(st EpochState) (Input, error) {
	evals, err := e.db.ListEvaluations(st.Epoch)
	if err != nil {
		return Input{}, err
	}
	in := Input{Epoch: st.Epoch, Stakes: st.Stakes, Reviews: make(map[string][]review.Result)}
	for _, ev := range evals {
		if e.banned[ev.Miner] || e.banned[ev.Validator] {
			continue
		}
		in.Evaluations = append(in.Evaluations, ev)
		if _, ok := in.Reviews[ev.SubmissionID]; ok {
			continue
		}
		rs, err := e.db.ListReviews(ev.SubmissionID)
		if err != nil {
			return Input{}, err
		}
		in.Reviews[ev.SubmissionID] = rs
	}
	return in, nil
}

func (e *Engine) finalizeLocked(ctx context.Context, in Input, prev decay.State) (*storage.FinalizedEpoch, error) {
	digest := in.Digest(prev)
	key := memoKey(in.Epoch, digest)
	if f, ok := e.memo[key]; ok {
		return f, nil
	}
	f, err := e.db.GetFinalizedEpoch(in.Epoch, digest)
	if err == nil {
		e.memo[key] = f
		return f, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	start := time.Now()
	out, err := Finalize(ctx, in, prev, e.params)
	if err != nil {
		return nil, fmt.Errorf("finalize epoch %d: %w", in.Epoch, err)
	}
	f = &storage.FinalizedEpoch{
		ID:             newID(),
		Epoch:          in.Epoch,
		SnapshotDigest: digest,
		Vector:         out.Vector,
		VectorDigest:   out.Vector.Digest(),
		DecayBefore:    prev,
		DecayAfter:     out.DecayAfter,
		Events:         out.Events,
		Results:        out.Results,
		Reviews:        out.Reviews,
		CreatedAt:      e.clock.Now().UnixMilli(),
	}
	if err := e.db.PutFinalizedEpoch(f); err != nil {
		return nil, err
	}
	e.memo[key] = f

	for id, v := range out.Reviews {
		if v.Outcome != review.ReviewRejected {
			continue
		}
		if err := e.db.SetSubmissionStatus(id, string(StatusReviewRejected), 0); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	var finalized, deferred int
	for _, r := range out.Results {
		e.metrics.Aggregations.WithLabelValues(string(r.Outcome)).Inc()
		e.metrics.Outliers.Add(float64(len(r.Outliers)))
		if r.Outcome == aggregate.Finalized {
			finalized++
		} else {
			deferred++
			e.log.Info("submission deferred", "id", r.SubmissionID, "reason", r.DeferReason,
				"survivors", r.Survivors, "surviving_stake", r.SurvivingStake)
		}
	}
	for _, ev := range out.Events {
		e.log.Info("decay event", "kind", ev.Kind, "epoch", ev.Epoch, "leader", ev.Identity, "burn_percent", ev.BurnPercent)
	}
	e.metrics.BurnPercent.Set(out.DecayAfter.BurnPercent)
	e.metrics.FinalizeDuration.Observe(time.Since(start).Seconds())
	e.log.Info("epoch finalized", "epoch", in.Epoch, "finalized", finalized, "deferred", deferred,
		"included", len(out.Included), "vector_digest", f.VectorDigest, "burn_percent", out.DecayAfter.BurnPercent)
	return f, nil
}

// Weights returns the latest finalized weight vector of epoch.
func (e *Engine) Weights(epoch uint64) (*storage.FinalizedEpoch, error) {
	f, err := e.db.LatestFinalizedEpoch(epoch)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFinalized
	}
	return f, err
}

// AdvanceEpoch closes the current epoch. The decay state produced by its
// latest finalization carries into the next epoch, the stake snapshot is
// retaken and stale log rounds are marked unresolved.
func (e *Engine) AdvanceEpoch(ctx context.Context) (EpochState, error) {
	e.finalizeMu.Lock()
	defer e.finalizeMu.Unlock()

	st := e.State()
	carry := st.Decay
	f, err := e.db.LatestFinalizedEpoch(st.Epoch)
	switch {
	case err == nil:
		carry = f.DecayAfter
	case !errors.Is(err, storage.ErrNotFound):
		return EpochState{}, err
	}

	next := EpochState{Epoch: st.Epoch + 1, Stakes: e.snapshotStakes(), Decay: carry}
	for _, id := range e.logs.Tick(next.Epoch) {
		if err := e.db.MarkLogUnresolved(id, next.Epoch); err != nil {
			return EpochState{}, err
		}
		e.log.Warn("evaluation logs unresolved", "submission", id, "reason", "expired")
	}
	if err := e.db.PutEngineState(storage.EngineState{Epoch: next.Epoch, Stakes: next.Stakes, Decay: next.Decay}); err != nil {
		return EpochState{}, err
	}

	e.mu.Lock()
	e.state = next
	e.mu.Unlock()
	for k, f := range e.memo {
		if f.Epoch < st.Epoch {
			delete(e.memo, k)
		}
	}
	e.metrics.Epoch.Set(float64(next.Epoch))
	e.log.Info("epoch advanced", "epoch", next.Epoch, "validators", len(next.Stakes),
		"burn_percent", next.Decay.BurnPercent, "leader", next.Decay.TopIdentity)
	return next.clone(), nil
}
