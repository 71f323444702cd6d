package engine

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/termconsensus/internal/aggregate"
	"github.com/ssd-technologies/termconsensus/internal/review"
	"github.com/ssd-technologies/termconsensus/internal/storage"
)

func TestIngestEvaluationChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	miner := genKey(t)
	s := f.admitted(t, miner, cleanAgent)

	signed := func(k ed25519.PrivateKey, mutate func(*aggregate.Attestation)) aggregate.Attestation {
		a := aggregate.Attestation{SubmissionID: s.ID(), Epoch: 0, Score: 0.6, TasksPassed: 3, TasksTotal: 5}
		if mutate != nil {
			mutate(&a)
		}
		aggregate.SignAttestation(&a, k)
		return a
	}
	peer := f.remotes[0]

	tampered := signed(peer, nil)
	tampered.Score = 0.9
	assert.ErrorIs(t, f.eng.IngestEvaluation(ctx, tampered), ErrInvalidSignature)
	assert.ErrorIs(t, f.eng.IngestEvaluation(ctx, signed(genKey(t), nil)), ErrNotValidator)
	assert.ErrorIs(t, f.eng.IngestEvaluation(ctx, signed(peer, func(a *aggregate.Attestation) { a.Score = 1.5 })), ErrInvalidEvaluation)
	assert.ErrorIs(t, f.eng.IngestEvaluation(ctx, signed(peer, func(a *aggregate.Attestation) { a.TasksPassed = 6 })), ErrInvalidEvaluation)
	assert.ErrorIs(t, f.eng.IngestEvaluation(ctx, signed(peer, func(a *aggregate.Attestation) { a.Epoch = 1 })), ErrFutureEpoch)
	assert.ErrorIs(t, f.eng.IngestEvaluation(ctx, signed(peer, func(a *aggregate.Attestation) { a.SubmissionID = "missing" })), ErrUnknownSubmission)

	n, err := f.db.CountEvaluations(s.ID())
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, f.eng.IngestEvaluation(ctx, signed(peer, nil)))
	require.NoError(t, f.eng.IngestEvaluation(ctx, signed(peer, func(a *aggregate.Attestation) { a.Score = 0.7 })))
	evals, err := f.db.ListEvaluations(0)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, idOf(peer), evals[0].Validator)
	assert.Equal(t, idOf(miner), evals[0].Miner)
	assert.Equal(t, uint64(100), evals[0].ValidatorStake)
	assert.InDelta(t, 0.7, evals[0].Score, 1e-12)

	_, err = f.eng.AdvanceEpoch(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, f.eng.IngestEvaluation(ctx, signed(peer, nil)), ErrEpochClosed)
}

func TestEvaluateReturnsSignedAttestation(t *testing.T) {
	f := newFixture(t)
	s := f.admitted(t, genKey(t), cleanAgent)

	res, err := f.eng.Evaluate(context.Background(), evaluation(s.ID()))
	require.NoError(t, err)
	a := res.Attestation
	require.NoError(t, aggregate.VerifyAttestation(a))
	assert.Equal(t, f.eng.Identity(), a.Validator)
	assert.Equal(t, s.ID(), a.SubmissionID)
	assert.InDelta(t, res.Score, a.Score, 1e-12)
	assert.Equal(t, 1, a.TasksPassed)
	assert.Equal(t, 2, a.TasksTotal)
}

func resultFor(t *testing.T, fin *storage.FinalizedEpoch, id string) aggregate.Result {
	t.Helper()
	for _, r := range fin.Results {
		if r.SubmissionID == id {
			return r
		}
	}
	t.Fatalf("no aggregate result for %s", id)
	return aggregate.Result{}
}

func TestFinalizeAtNetworkDefaults(t *testing.T) {
	f := newNetworkFixture(t, []uint64{100, 100, 100, 100, 100, 100, 100})
	require.Equal(t, aggregate.DefaultParams(), f.cfg.Aggregate)
	ctx := context.Background()

	miner := genKey(t)
	s := f.admitted(t, miner, cleanAgent)
	f.reviewAll(t, s.ID(), review.StructuralReview, true, 1)
	f.reviewAll(t, s.ID(), review.CodeReview, true, 0.8)
	res, err := f.eng.Evaluate(ctx, evaluation(s.ID()))
	require.NoError(t, err)

	fin, err := f.eng.FinalizeEpoch(ctx, 0)
	require.NoError(t, err)
	lone := resultFor(t, fin, s.ID())
	assert.Equal(t, aggregate.Deferred, lone.Outcome)
	assert.Equal(t, aggregate.DeferTooFew, lone.DeferReason)
	assert.Zero(t, fin.Vector.Get(idOf(miner)))

	f.attest(t, f.remotes[0], s.ID(), res.Score)
	f.attest(t, f.remotes[1], s.ID(), res.Score)

	fin, err = f.eng.FinalizeEpoch(ctx, 0)
	require.NoError(t, err)
	r := resultFor(t, fin, s.ID())
	assert.Equal(t, aggregate.Finalized, r.Outcome)
	assert.Equal(t, 3, r.Survivors)
	assert.Equal(t, uint64(300), r.SurvivingStake)
	assert.InDelta(t, res.Score, r.Score, 1e-9)
	assert.Greater(t, fin.Vector.Get(idOf(miner)), uint16(0))
	assert.Equal(t, uint64(65535), fin.Vector.Sum())
}

func TestFinalizeDefersLowStakeEvaluators(t *testing.T) {
	// Three remote validators hold most of the stake: 3000 of 3500.
	f := newNetworkFixture(t, []uint64{1000, 1000, 1000, 100, 100, 100, 100})
	ctx := context.Background()

	miner := genKey(t)
	s := f.admitted(t, miner, cleanAgent)
	f.reviewAll(t, s.ID(), review.StructuralReview, true, 1)
	f.reviewAll(t, s.ID(), review.CodeReview, true, 0.8)
	res, err := f.eng.Evaluate(ctx, evaluation(s.ID()))
	require.NoError(t, err)
	f.attest(t, f.remotes[3], s.ID(), res.Score)
	f.attest(t, f.remotes[4], s.ID(), res.Score)

	fin, err := f.eng.FinalizeEpoch(ctx, 0)
	require.NoError(t, err)
	r := resultFor(t, fin, s.ID())
	assert.Equal(t, aggregate.Deferred, r.Outcome)
	assert.Equal(t, aggregate.DeferStakeTooSmall, r.DeferReason)
	assert.Equal(t, uint64(300), r.SurvivingStake)
	assert.Zero(t, fin.Vector.Get(idOf(miner)))

	f.attest(t, f.remotes[0], s.ID(), res.Score)
	fin, err = f.eng.FinalizeEpoch(ctx, 0)
	require.NoError(t, err)
	r = resultFor(t, fin, s.ID())
	assert.Equal(t, aggregate.Finalized, r.Outcome)
	assert.Equal(t, uint64(1300), r.SurvivingStake)
	assert.Greater(t, fin.Vector.Get(idOf(miner)), uint16(0))
}
