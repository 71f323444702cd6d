package server

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/termconsensus/internal/aggregate"
	"github.com/ssd-technologies/termconsensus/internal/assignment"
	"github.com/ssd-technologies/termconsensus/internal/config"
	"github.com/ssd-technologies/termconsensus/internal/engine"
	"github.com/ssd-technologies/termconsensus/internal/identity"
	"github.com/ssd-technologies/termconsensus/internal/logconsensus"
	"github.com/ssd-technologies/termconsensus/internal/mesh"
	"github.com/ssd-technologies/termconsensus/internal/metrics"
	"github.com/ssd-technologies/termconsensus/internal/review"
	"github.com/ssd-technologies/termconsensus/internal/storage"
	"github.com/ssd-technologies/termconsensus/internal/submission"
	"github.com/ssd-technologies/termconsensus/internal/weights"
)

const testSecret = "test-secret"

type testEnv struct {
	srv   *Server
	eng   *engine.Engine
	reg   *mesh.Registry
	clock *assignment.VirtualClock
	keys  map[string]ed25519.PrivateKey
}

// setupTestDB creates a temporary SQLite database for testing.
func setupTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func keyID(priv ed25519.PrivateKey) string {
	return identity.FromPublicKey(priv.Public().(ed25519.PublicKey))
}

// setupTestServer creates a server over a fresh database with seven
// validators of equal stake, one of them local. Request rate limiting is off
// unless mutate turns it on.
func setupTestServer(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	db := setupTestDB(t)

	cfg := config.Default()
	cfg.Server.AdminSecret = testSecret
	cfg.Server.RateLimit = 0
	cfg.Network.AllowCustomConstants = true
	cfg.Aggregate.MinEvaluations = 1
	cfg.Aggregate.MinStakeShare = 0
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{
		clock: assignment.NewVirtualClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
		keys:  make(map[string]ed25519.PrivateKey),
	}
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	env.reg = mesh.NewRegistry(db, env.clock, m.Validators)

	local := newKey(t)
	env.keys[keyID(local)] = local
	for i := 0; i < 6; i++ {
		k := newKey(t)
		env.keys[keyID(k)] = k
	}
	for id := range env.keys {
		if err := env.reg.Register(id, "", 100); err != nil {
			t.Fatalf("register validator: %v", err)
		}
	}

	eng, err := engine.New(engine.Options{
		Config:     cfg,
		DB:         db,
		Validators: env.reg,
		PrivateKey: local,
		Clock:      env.clock,
		Metrics:    m,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	env.eng = eng
	env.srv = New(Options{
		Config:   cfg,
		Engine:   eng,
		Registry: env.reg,
		Metrics:  m,
		Gatherer: promReg,
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-Admin-Secret", testSecret)
	}
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v; body = %s", err, rec.Body.String())
	}
}

func signedSubmission(t *testing.T, miner ed25519.PrivateKey, payload string) *submission.Submission {
	t.Helper()
	sum := sha3.Sum256([]byte(payload + keyID(miner)))
	s := &submission.Submission{
		AgentHash:        hex.EncodeToString(sum[:]),
		SubmittedAt:      1_700_000_000_000,
		Payload:          []byte(payload),
		ExecutorEndpoint: "http://executor.local:9000",
		ExecutorToken:    "secret-token",
		TaskResults:      []submission.TaskResult{{TaskID: "hello-world", Passed: true, Score: 1, ExecutionTimeMs: 900}},
	}
	submission.Sign(s, miner)
	return s
}

const agentCode = "import json\n\ndef run(task):\n    return json.dumps(task)\n"

func (env *testEnv) submit(t *testing.T) string {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/submissions", signedSubmission(t, newKey(t), agentCode), false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: status = %d, want %d; body = %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var resp submitResponse
	decode(t, rec, &resp)
	return resp.ID
}

// reviewAll posts a signed result for every pending slot of kind.
func (env *testEnv) reviewAll(t *testing.T, id string, kind review.Kind, passed bool, score float64) {
	t.Helper()
	rec := env.do(t, http.MethodGet, "/api/submissions/"+id+"/assignment", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("get assignment: status = %d", rec.Code)
	}
	var a assignment.Assignment
	decode(t, rec, &a)
	for _, slot := range a.Slots {
		if slot.Kind != kind || slot.State != assignment.SlotPending {
			continue
		}
		r := review.Result{SubmissionID: id, Kind: kind, Passed: passed, Score: score}
		review.Sign(&r, env.keys[slot.Reviewer])
		if rec := env.do(t, http.MethodPost, "/api/reviews", r, false); rec.Code != http.StatusAccepted {
			t.Fatalf("post review: status = %d; body = %s", rec.Code, rec.Body.String())
		}
	}
}

func TestServer_HealthEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	rec := env.do(t, http.MethodGet, "/api/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "ok" || body["service"] != "termconsensus" {
		t.Fatalf("unexpected health body %v", body)
	}
	if body["identity"] != env.eng.Identity() {
		t.Fatalf("identity = %v, want %s", body["identity"], env.eng.Identity())
	}
}

func TestSubmitAndFetch(t *testing.T) {
	env := setupTestServer(t, nil)
	id := env.submit(t)

	rec := env.do(t, http.MethodGet, "/api/submissions/"+id, nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("get submission: status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret-token") {
		t.Fatal("executor token leaked in submission response")
	}
	var stored storage.SubmissionRecord
	decode(t, rec, &stored)
	if stored.Status != string(engine.StatusStructuralReview) {
		t.Errorf("status = %q, want %q", stored.Status, engine.StatusStructuralReview)
	}

	rec = env.do(t, http.MethodGet, "/api/submissions/"+id+"/assignment", nil, false)
	var a assignment.Assignment
	decode(t, rec, &a)
	if len(a.CodeReviewers) != 3 || len(a.StructuralReviewers) != 3 {
		t.Fatalf("reviewers = %d/%d, want 3/3", len(a.CodeReviewers), len(a.StructuralReviewers))
	}

	if rec := env.do(t, http.MethodGet, "/api/submissions/missing", nil, false); rec.Code != http.StatusNotFound {
		t.Errorf("missing submission: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestSubmitRejections(t *testing.T) {
	env := setupTestServer(t, nil)
	miner := newKey(t)

	tampered := signedSubmission(t, miner, agentCode)
	tampered.Payload = []byte("import os\n")
	rec := env.do(t, http.MethodPost, "/api/submissions", tampered, false)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("tampered: status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
	var resp submitResponse
	decode(t, rec, &resp)
	if resp.Verdict.Reason != submission.ReasonInvalidSignature {
		t.Errorf("reason = %q, want %q", resp.Verdict.Reason, submission.ReasonInvalidSignature)
	}

	if rec := env.do(t, http.MethodPost, "/api/submissions", signedSubmission(t, miner, agentCode), false); rec.Code != http.StatusCreated {
		t.Fatalf("first: status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/submissions", signedSubmission(t, miner, agentCode+"# v2\n"), false)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second in window: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/submissions", strings.NewReader("{not json"))
	bad := httptest.NewRecorder()
	env.srv.ServeHTTP(bad, req)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("bad JSON: status = %d, want %d", bad.Code, http.StatusBadRequest)
	}
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	env := setupTestServer(t, nil)
	if rec := env.do(t, http.MethodPost, "/api/epochs/advance", nil, false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("advance without secret: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	rec := env.do(t, http.MethodPost, "/api/epochs/advance", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("advance: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var st engine.EpochState
	decode(t, rec, &st)
	if st.Epoch != 1 {
		t.Errorf("epoch = %d, want 1", st.Epoch)
	}
}

func TestReviewEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	id := env.submit(t)

	outsider := newKey(t)
	r := review.Result{SubmissionID: id, Kind: review.CodeReview, Score: 0.5}
	review.Sign(&r, outsider)
	if rec := env.do(t, http.MethodPost, "/api/reviews", r, false); rec.Code != http.StatusForbidden {
		t.Fatalf("outsider review: status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	r.Score = 0.9
	if rec := env.do(t, http.MethodPost, "/api/reviews", r, false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	env.reviewAll(t, id, review.StructuralReview, true, 1)
	rec := env.do(t, http.MethodGet, "/api/submissions/"+id, nil, false)
	var stored storage.SubmissionRecord
	decode(t, rec, &stored)
	if stored.Status != string(engine.StatusCodeReview) {
		t.Errorf("status = %q, want %q", stored.Status, engine.StatusCodeReview)
	}
}

func TestDeclineEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	id := env.submit(t)
	a, err := env.eng.GetAssignment(id)
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}

	d := review.Decline{SubmissionID: id, Kind: review.CodeReview}
	review.SignDecline(&d, env.keys[a.CodeReviewers[1]])
	rec := env.do(t, http.MethodPost, "/api/reviews/decline", d, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("decline: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var changes []assignment.Change
	decode(t, rec, &changes)
	if len(changes) == 0 || changes[0].Kind != assignment.ChangeDeclined {
		t.Fatalf("unexpected changes %+v", changes)
	}
}

func TestEvaluateFinalizeAndWeights(t *testing.T) {
	env := setupTestServer(t, nil)
	id := env.submit(t)
	env.reviewAll(t, id, review.StructuralReview, true, 1)
	env.reviewAll(t, id, review.CodeReview, true, 0.75)

	evalReq := engine.EvaluationRequest{Results: []submission.TaskResult{
		{TaskID: "hello-world", Passed: true, Score: 1, ExecutionTimeMs: 900},
	}}
	if rec := env.do(t, http.MethodPost, "/api/submissions/"+id+"/evaluate", evalReq, false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("evaluate without secret: status = %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/submissions/"+id+"/evaluate", evalReq, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var res engine.EvaluationResult
	decode(t, rec, &res)
	if res.Status != engine.StatusCompleted || res.Score <= 0 {
		t.Fatalf("unexpected evaluation %+v", res)
	}

	if rec := env.do(t, http.MethodGet, "/api/epochs/0/weights", nil, false); rec.Code != http.StatusNotFound {
		t.Fatalf("weights before finalize: status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	rec = env.do(t, http.MethodPost, "/api/epochs/0/finalize", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var fin storage.FinalizedEpoch
	decode(t, rec, &fin)

	rec = env.do(t, http.MethodGet, "/api/epochs/0/weights", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("weights: status = %d", rec.Code)
	}
	var w struct {
		Epoch        uint64         `json:"epoch"`
		Vector       weights.Vector `json:"vector"`
		VectorDigest string         `json:"vector_digest"`
	}
	decode(t, rec, &w)
	if w.Vector.Sum() != 65535 {
		t.Errorf("vector sum = %d, want 65535", w.Vector.Sum())
	}
	if w.VectorDigest != fin.VectorDigest {
		t.Errorf("digest = %s, want %s", w.VectorDigest, fin.VectorDigest)
	}

	if rec := env.do(t, http.MethodPost, "/api/epochs/9/finalize", nil, true); rec.Code != http.StatusConflict {
		t.Errorf("future finalize: status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if rec := env.do(t, http.MethodGet, "/api/epochs/abc/weights", nil, false); rec.Code != http.StatusBadRequest {
		t.Errorf("bad epoch: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func attestation(id string, k ed25519.PrivateKey, score float64) aggregate.Attestation {
	a := aggregate.Attestation{SubmissionID: id, Score: score, TasksPassed: 1, TasksTotal: 1}
	aggregate.SignAttestation(&a, k)
	return a
}

func TestEvaluationEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	id := env.submit(t)
	var peer ed25519.PrivateKey
	for pid, k := range env.keys {
		if pid != env.eng.Identity() {
			peer = k
			break
		}
	}

	tampered := attestation(id, peer, 0.5)
	tampered.Score = 0.9
	outOfRange := attestation(id, peer, 0.5)
	outOfRange.Score = 2
	aggregate.SignAttestation(&outOfRange, peer)
	future := attestation(id, peer, 0.5)
	future.Epoch = 3
	aggregate.SignAttestation(&future, peer)

	cases := []struct {
		name string
		body aggregate.Attestation
		want int
	}{
		{"tampered", tampered, http.StatusUnauthorized},
		{"outsider", attestation(id, newKey(t), 0.5), http.StatusForbidden},
		{"score out of range", outOfRange, http.StatusBadRequest},
		{"future epoch", future, http.StatusConflict},
		{"unknown submission", attestation("missing", peer, 0.5), http.StatusNotFound},
		{"accepted", attestation(id, peer, 0.5), http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/evaluations", tc.body, false)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d; body = %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}

	// Only validators that evaluated the submission may propose its logs.
	var idle ed25519.PrivateKey
	for pid, k := range env.keys {
		if pid != keyID(peer) {
			idle = k
			break
		}
	}
	p := logconsensus.Proposal{SubmissionID: id, LogsData: []byte("run")}
	logconsensus.Sign(&p, idle)
	if rec := env.do(t, http.MethodPost, "/api/logs", p, false); rec.Code != http.StatusForbidden {
		t.Errorf("non-evaluator proposal: status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestLogEndpoints(t *testing.T) {
	env := setupTestServer(t, nil)
	id := env.submit(t)

	var proposers []ed25519.PrivateKey
	for _, k := range env.keys {
		proposers = append(proposers, k)
		if len(proposers) == 3 {
			break
		}
	}
	for i, k := range proposers {
		if rec := env.do(t, http.MethodPost, "/api/evaluations", attestation(id, k, 0.5), false); rec.Code != http.StatusAccepted {
			t.Fatalf("evaluation %d: status = %d; body = %s", i, rec.Code, rec.Body.String())
		}
	}
	logs := []byte("hello-world: passed\n")
	for i, want := range []logconsensus.Status{logconsensus.Pending, logconsensus.Validated} {
		p := logconsensus.Proposal{SubmissionID: id, LogsData: logs}
		logconsensus.Sign(&p, proposers[i])
		rec := env.do(t, http.MethodPost, "/api/logs", p, false)
		if rec.Code != http.StatusOK {
			t.Fatalf("propose %d: status = %d; body = %s", i, rec.Code, rec.Body.String())
		}
		var res logconsensus.Result
		decode(t, rec, &res)
		if res.Status != want {
			t.Fatalf("propose %d: status = %s, want %s", i, res.Status, want)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/logs/"+id, nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("get log: status = %d", rec.Code)
	}
	var v logconsensus.ValidatedLog
	decode(t, rec, &v)
	if !bytes.Equal(v.LogsData, logs) {
		t.Errorf("logs = %q, want %q", v.LogsData, logs)
	}

	bad := logconsensus.Proposal{SubmissionID: id, LogsData: logs}
	logconsensus.Sign(&bad, proposers[2])
	bad.LogsData = []byte("other")
	if rec := env.do(t, http.MethodPost, "/api/logs", bad, false); rec.Code != http.StatusBadRequest {
		t.Errorf("hash mismatch: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestValidatorEndpoints(t *testing.T) {
	env := setupTestServer(t, nil)
	id := keyID(newKey(t))

	body := validatorRequest{Identity: id, Address: "10.1.1.1:8080", Stake: 250}
	if rec := env.do(t, http.MethodPut, "/api/validators", body, false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("put without secret: status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, "/api/validators", body, true); rec.Code != http.StatusOK {
		t.Fatalf("put validator: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPut, "/api/validators", validatorRequest{Identity: "nope"}, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad identity: status = %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/validators", nil, false)
	var list struct {
		Validators []mesh.ValidatorInfo `json:"validators"`
		Stats      mesh.RegistryStats   `json:"stats"`
	}
	decode(t, rec, &list)
	if list.Stats.ValidatorsTotal != 8 || list.Stats.StakeTotal != 7*100+250 {
		t.Fatalf("unexpected stats %+v", list.Stats)
	}

	if rec := env.do(t, http.MethodDelete, "/api/validators/"+id, nil, true); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/validators/"+id, nil, true); rec.Code != http.StatusNotFound {
		t.Fatalf("delete again: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	env.do(t, http.MethodGet, "/api/health", nil, false)

	rec := env.do(t, http.MethodGet, "/metrics", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"termconsensus_http_requests_total", "termconsensus_mesh_validators_online 7"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	env := setupTestServer(t, func(c *config.Config) {
		c.Server.RateLimit = 1
		c.Server.RateBurst = 2
	})
	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodGet, "/api/health", nil, false); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	if rec := env.do(t, http.MethodGet, "/api/health", nil, false); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other client: status = %d, want %d", rec.Code, http.StatusOK)
	}
}
