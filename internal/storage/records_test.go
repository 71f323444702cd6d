package storage

import (
	"errors"
	"testing"

	"github.com/ssd-technologies/termconsensus/internal/aggregate"
	"github.com/ssd-technologies/termconsensus/internal/review"
	"github.com/ssd-technologies/termconsensus/internal/submission"
)

// --- Test helpers ---

func seedSubmission(t *testing.T, db *DB, id, miner string, epoch uint64) *SubmissionRecord {
	t.Helper()
	rec := &SubmissionRecord{
		Submission: submission.Submission{
			AgentHash:        id,
			Miner:            miner,
			Signature:        "sig",
			Epoch:            epoch,
			Name:             "agent",
			SubmittedAt:      1700000000000,
			Payload:          []byte("code"),
			ExecutorEndpoint: "http://executor",
			ExecutorToken:    "secret",
			TaskResults:      []submission.TaskResult{{TaskID: "t1", Passed: true, Score: 1, ExecutionTimeMs: 10}},
		},
		Status:    "pending",
		Version:   1,
		CreatedAt: 1700000000,
	}
	if err := db.PutSubmission(rec); err != nil {
		t.Fatalf("seedSubmission: %v", err)
	}
	return rec
}

func TestPutAndGetSubmission(t *testing.T) {
	db := testDB(t)
	seedSubmission(t, db, "hash-1", "miner-a", 3)

	got, err := db.GetSubmission("hash-1")
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if got.Submission.Miner != "miner-a" || got.Submission.Epoch != 3 {
		t.Errorf("got miner=%q epoch=%d", got.Submission.Miner, got.Submission.Epoch)
	}
	if got.Submission.ExecutorToken != "" {
		t.Error("executor token must not be persisted")
	}
	if len(got.Submission.TaskResults) != 1 || got.Submission.TaskResults[0].TaskID != "t1" {
		t.Errorf("task results = %+v", got.Submission.TaskResults)
	}
	if got.Version != 1 || got.Status != "pending" {
		t.Errorf("version=%d status=%q", got.Version, got.Status)
	}
}

func TestGetSubmissionNotFound(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetSubmission("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetSubmissionStatus(t *testing.T) {
	db := testDB(t)
	seedSubmission(t, db, "hash-1", "miner-a", 3)

	if err := db.SetSubmissionStatus("hash-1", "completed", 0.75); err != nil {
		t.Fatalf("SetSubmissionStatus: %v", err)
	}
	got, _ := db.GetSubmission("hash-1")
	if got.Status != "completed" || got.Score != 0.75 {
		t.Errorf("status=%q score=%v", got.Status, got.Score)
	}
	if err := db.SetSubmissionStatus("nope", "completed", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing submission: err = %v", err)
	}
}

func TestListSubmissionsByEpoch(t *testing.T) {
	db := testDB(t)
	seedSubmission(t, db, "b", "m1", 5)
	seedSubmission(t, db, "a", "m2", 5)
	seedSubmission(t, db, "c", "m3", 6)

	recs, err := db.ListSubmissions(5)
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
	if recs[0].Submission.AgentHash != "a" || recs[1].Submission.AgentHash != "b" {
		t.Errorf("order = %s, %s", recs[0].Submission.AgentHash, recs[1].Submission.AgentHash)
	}
}

func TestPutEvaluationReplacesSameValidator(t *testing.T) {
	db := testDB(t)
	e := aggregate.Evaluation{Validator: "v1", ValidatorStake: 10, SubmissionID: "s", Miner: "m", Score: 0.4, TasksPassed: 2, TasksTotal: 5}
	if err := db.PutEvaluation(2, e); err != nil {
		t.Fatalf("PutEvaluation: %v", err)
	}
	e.Score = 0.6
	if err := db.PutEvaluation(2, e); err != nil {
		t.Fatalf("PutEvaluation again: %v", err)
	}
	if err := db.PutEvaluation(2, aggregate.Evaluation{Validator: "v0", SubmissionID: "s", Miner: "m", Score: 0.5}); err != nil {
		t.Fatalf("PutEvaluation v0: %v", err)
	}

	evals, err := db.ListEvaluations(2)
	if err != nil {
		t.Fatalf("ListEvaluations: %v", err)
	}
	if len(evals) != 2 {
		t.Fatalf("len = %d, want 2", len(evals))
	}
	if evals[0].Validator != "v0" || evals[1].Score != 0.6 {
		t.Errorf("evals = %+v", evals)
	}
	if evals[1].ValidatorStake != 10 {
		t.Errorf("stake = %d", evals[1].ValidatorStake)
	}
	if n, err := db.CountEvaluations("s"); err != nil || n != 2 {
		t.Errorf("CountEvaluations = %d, %v", n, err)
	}
	if ok, err := db.HasEvaluation("s", "v1"); err != nil || !ok {
		t.Errorf("HasEvaluation(v1) = %v, %v", ok, err)
	}
	if ok, err := db.HasEvaluation("s", "v9"); err != nil || ok {
		t.Errorf("HasEvaluation(v9) = %v, %v", ok, err)
	}
}

func TestPutReviewIgnoresDuplicates(t *testing.T) {
	db := testDB(t)
	first := review.Result{ID: "r1", SubmissionID: "s", Reviewer: "v1", Kind: review.CodeReview, Score: 0.8, Rationale: "clean"}
	if err := db.PutReview(first); err != nil {
		t.Fatalf("PutReview: %v", err)
	}
	dup := first
	dup.ID, dup.Score = "r2", 0.1
	if err := db.PutReview(dup); err != nil {
		t.Fatalf("PutReview dup: %v", err)
	}
	if err := db.PutReview(review.Result{ID: "r3", SubmissionID: "s", Reviewer: "v2", Kind: review.StructuralReview, Passed: true}); err != nil {
		t.Fatalf("PutReview structural: %v", err)
	}

	got, err := db.ListReviews("s")
	if err != nil {
		t.Fatalf("ListReviews: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Score != 0.8 || got[0].Rationale != "clean" {
		t.Errorf("first review = %+v", got[0])
	}
	if !got[1].Passed || got[1].Kind != review.StructuralReview {
		t.Errorf("structural review = %+v", got[1])
	}
}

func TestNameRecords(t *testing.T) {
	db := testDB(t)
	v1 := submission.NameRecord{Name: "solver", Owner: "m", Version: 1, AgentHash: "h1", Epoch: 1}
	if err := db.PutNameRecord(v1); err != nil {
		t.Fatalf("PutNameRecord: %v", err)
	}
	v1.Superseded = true
	if err := db.PutNameRecord(v1); err != nil {
		t.Fatalf("PutNameRecord superseded: %v", err)
	}
	if err := db.PutNameRecord(submission.NameRecord{Name: "solver", Owner: "m", Version: 2, AgentHash: "h2", Epoch: 4}); err != nil {
		t.Fatalf("PutNameRecord v2: %v", err)
	}

	recs, err := db.ListNameRecords()
	if err != nil {
		t.Fatalf("ListNameRecords: %v", err)
	}
	if len(recs) != 2 || !recs[0].Superseded || recs[1].Superseded {
		t.Fatalf("records = %+v", recs)
	}

	reg := submission.NewRegistry()
	reg.Load(recs)
	latest, ok := reg.Latest("solver")
	if !ok || latest.AgentHash != "h2" {
		t.Errorf("latest = %+v", latest)
	}
}
