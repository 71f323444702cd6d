package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ssd-technologies/termconsensus/internal/aggregate"
	"github.com/ssd-technologies/termconsensus/internal/review"
	"github.com/ssd-technologies/termconsensus/internal/submission"
)

// --- Submission CRUD ---

// PutSubmission inserts or replaces a submission record.
func (d *DB) PutSubmission(rec *SubmissionRecord) error {
	s := rec.Submission
	s.ExecutorToken = ""
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO submissions (id, miner, epoch, name, version, submitted_at, status, score, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, score = excluded.score,
		   version = excluded.version, body = excluded.body`,
		s.ID(), s.Miner, s.Epoch, s.Name, rec.Version, s.SubmittedAt, rec.Status, rec.Score, body, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put submission: %w", err)
	}
	return nil
}

func scanSubmission(row interface{ Scan(...any) error }) (*SubmissionRecord, error) {
	rec := &SubmissionRecord{}
	var body []byte
	if err := row.Scan(&rec.Status, &rec.Version, &rec.Score, &body, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &rec.Submission); err != nil {
		return nil, fmt.Errorf("unmarshal submission: %w", err)
	}
	return rec, nil
}

// GetSubmission retrieves a submission by ID.
func (d *DB) GetSubmission(id string) (*SubmissionRecord, error) {
	rec, err := scanSubmission(d.db.QueryRow(
		`SELECT status, version, score, body, created_at FROM submissions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return rec, nil
}

// ListSubmissions returns the submissions of epoch ordered by ID.
func (d *DB) ListSubmissions(epoch uint64) ([]SubmissionRecord, error) {
	rows, err := d.db.Query(
		`SELECT status, version, score, body, created_at FROM submissions WHERE epoch = ? ORDER BY id`, epoch,
	)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var recs []SubmissionRecord
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// SetSubmissionStatus updates the status and score of a submission.
func (d *DB) SetSubmissionStatus(id, status string, score float64) error {
	res, err := d.db.Exec(`UPDATE submissions SET status = ?, score = ? WHERE id = ?`, status, score, id)
	if err != nil {
		return fmt.Errorf("set submission status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set submission status rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set submission status: %w", ErrNotFound)
	}
	return nil
}

// --- Evaluation CRUD ---

// PutEvaluation stores a validator's evaluation, replacing an earlier one
// from the same validator for the same submission.
func (d *DB) PutEvaluation(epoch uint64, e aggregate.Evaluation) error {
	_, err := d.db.Exec(
		`INSERT INTO evaluations (submission_id, validator, validator_stake, epoch, miner, submitted_at, score, tasks_passed, tasks_total)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(submission_id, validator) DO UPDATE SET
		   validator_stake = excluded.validator_stake, score = excluded.score,
		   tasks_passed = excluded.tasks_passed, tasks_total = excluded.tasks_total`,
		e.SubmissionID, e.Validator, e.ValidatorStake, epoch, e.Miner, e.SubmittedAt, e.Score, e.TasksPassed, e.TasksTotal,
	)
	if err != nil {
		return fmt.Errorf("put evaluation: %w", err)
	}
	return nil
}

// ListEvaluations returns every evaluation recorded for epoch, ordered by
// submission and validator.
func (d *DB) ListEvaluations(epoch uint64) ([]aggregate.Evaluation, error) {
	rows, err := d.db.Query(
		`SELECT submission_id, validator, validator_stake, miner, submitted_at, score, tasks_passed, tasks_total
		 FROM evaluations WHERE epoch = ? ORDER BY submission_id, validator`, epoch,
	)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var evals []aggregate.Evaluation
	for rows.Next() {
		var e aggregate.Evaluation
		if err := rows.Scan(&e.SubmissionID, &e.Validator, &e.ValidatorStake, &e.Miner,
			&e.SubmittedAt, &e.Score, &e.TasksPassed, &e.TasksTotal); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		evals = append(evals, e)
	}
	return evals, rows.Err()
}

// CountEvaluations returns how many validators evaluated a submission.
func (d *DB) CountEvaluations(submissionID string) (int, error) {
	var n int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM evaluations WHERE submission_id = ?`, submissionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count evaluations: %w", err)
	}
	return n, nil
}

// HasEvaluation reports whether validator evaluated a submission.
func (d *DB) HasEvaluation(submissionID, validator string) (bool, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM evaluations WHERE submission_id = ? AND validator = ?`, submissionID, validator,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has evaluation: %w", err)
	}
	return n > 0, nil
}

// --- Review CRUD ---

// PutReview stores a review result. A reviewer's second result of the same
// kind for a submission is ignored.
func (d *DB) PutReview(r review.Result) error {
	_, err := d.db.Exec(
		`INSERT OR IGNORE INTO review_results (id, submission_id, reviewer, kind, score, passed, rationale, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SubmissionID, r.Reviewer, string(r.Kind), r.Score, boolToInt(r.Passed), r.Rationale, r.Signature,
	)
	if err != nil {
		return fmt.Errorf("put review: %w", err)
	}
	return nil
}

// ListReviews returns the review results of a submission.
func (d *DB) ListReviews(submissionID string) ([]review.Result, error) {
	rows, err := d.db.Query(
		`SELECT id, submission_id, reviewer, kind, score, passed, rationale, signature
		 FROM review_results WHERE submission_id = ? ORDER BY kind, reviewer`, submissionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []review.Result
	for rows.Next() {
		var r review.Result
		var kind string
		var passed int
		var rationale, signature sql.NullString
		if err := rows.Scan(&r.ID, &r.SubmissionID, &r.Reviewer, &kind, &r.Score, &passed, &rationale, &signature); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		r.Kind = review.Kind(kind)
		r.Passed = passed != 0
		r.Rationale = rationale.String
		r.Signature = signature.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Name registry ---

// PutNameRecord inserts or updates one version of a name.
func (d *DB) PutNameRecord(rec submission.NameRecord) error {
	_, err := d.db.Exec(
		`INSERT INTO names (name, version, owner, agent_hash, epoch, superseded)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name, version) DO UPDATE SET superseded = excluded.superseded`,
		rec.Name, rec.Version, rec.Owner, rec.AgentHash, rec.Epoch, boolToInt(rec.Superseded),
	)
	if err != nil {
		return fmt.Errorf("put name record: %w", err)
	}
	return nil
}

// ListNameRecords returns every name version ordered by name and version.
func (d *DB) ListNameRecords() ([]submission.NameRecord, error) {
	rows, err := d.db.Query(
		`SELECT name, version, owner, agent_hash, epoch, superseded FROM names ORDER BY name, version`,
	)
	if err != nil {
		return nil, fmt.Errorf("list name records: %w", err)
	}
	defer rows.Close()

	var out []submission.NameRecord
	for rows.Next() {
		var rec submission.NameRecord
		var superseded int
		if err := rows.Scan(&rec.Name, &rec.Version, &rec.Owner, &rec.AgentHash, &rec.Epoch, &superseded); err != nil {
			return nil, fmt.Errorf("scan name record: %w", err)
		}
		rec.Superseded = superseded != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}
