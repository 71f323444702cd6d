package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ssd-technologies/termconsensus/internal/logconsensus"
	"github.com/ssd-technologies/termconsensus/internal/ratelimit"
)

// --- Rate-limit ledger (ratelimit.Backend) ---

// GetLedgerEntry returns the last admitted submission of identity.
func (d *DB) GetLedgerEntry(identity string) (ratelimit.Entry, bool, error) {
	var e ratelimit.Entry
	err := d.db.QueryRow(
		`SELECT epoch, agent_hash FROM ledger WHERE identity = ?`, identity,
	).Scan(&e.Epoch, &e.AgentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.Entry{}, false, nil
	}
	if err != nil {
		return ratelimit.Entry{}, false, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, true, nil
}

// PutLedgerEntry records the last admitted submission of identity.
func (d *DB) PutLedgerEntry(identity string, e ratelimit.Entry) error {
	_, err := d.db.Exec(
		`INSERT INTO ledger (identity, epoch, agent_hash) VALUES (?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET epoch = excluded.epoch, agent_hash = excluded.agent_hash`,
		identity, e.Epoch, e.AgentHash,
	)
	if err != nil {
		return fmt.Errorf("put ledger entry: %w", err)
	}
	return nil
}

// --- Log consensus ---

// PutValidatedLog persists a validated log. A submission's log is written
// once; later calls leave the first record in place.
func (d *DB) PutValidatedLog(v logconsensus.ValidatedLog) error {
	if len(v.LogsData) > MaxAgentLogsBytes {
		return fmt.Errorf("put validated log: %w", ErrValueTooLarge)
	}
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO validated_logs (submission_id, logs_hash, logs_data, votes, epoch)
		 VALUES (?, ?, ?, ?, ?)`,
		v.SubmissionID, v.LogsHash, v.LogsData, v.Votes, v.Epoch,
	); err != nil {
		return fmt.Errorf("put validated log: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO log_rounds (submission_id, status, epoch) VALUES (?, ?, ?)
		 ON CONFLICT(submission_id) DO UPDATE SET status = excluded.status, epoch = excluded.epoch`,
		v.SubmissionID, string(logconsensus.Validated), v.Epoch,
	); err != nil {
		return fmt.Errorf("put log round: %w", err)
	}
	return tx.Commit()
}

// GetValidatedLog returns the validated log of a submission. Unresolved
// submissions have none.
func (d *DB) GetValidatedLog(submissionID string) (*logconsensus.ValidatedLog, error) {
	v := &logconsensus.ValidatedLog{}
	err := d.db.QueryRow(
		`SELECT submission_id, logs_hash, logs_data, votes, epoch FROM validated_logs WHERE submission_id = ?`,
		submissionID,
	).Scan(&v.SubmissionID, &v.LogsHash, &v.LogsData, &v.Votes, &v.Epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get validated log: %w", err)
	}
	return v, nil
}

// ListValidatedLogs returns every validated log ordered by submission.
func (d *DB) ListValidatedLogs() ([]logconsensus.ValidatedLog, error) {
	rows, err := d.db.Query(
		`SELECT submission_id, logs_hash, logs_data, votes, epoch FROM validated_logs ORDER BY submission_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list validated logs: %w", err)
	}
	defer rows.Close()

	var out []logconsensus.ValidatedLog
	for rows.Next() {
		var v logconsensus.ValidatedLog
		if err := rows.Scan(&v.SubmissionID, &v.LogsHash, &v.LogsData, &v.Votes, &v.Epoch); err != nil {
			return nil, fmt.Errorf("scan validated log: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// MarkLogUnresolved records that a submission's logs never reached a
// majority. Validated rounds are left untouched.
func (d *DB) MarkLogUnresolved(submissionID string, epoch uint64) error {
	_, err := d.db.Exec(
		`INSERT INTO log_rounds (submission_id, status, epoch) VALUES (?, ?, ?)
		 ON CONFLICT(submission_id) DO UPDATE SET status = excluded.status, epoch = excluded.epoch
		 WHERE log_rounds.status != ?`,
		submissionID, string(logconsensus.Unresolved), epoch, string(logconsensus.Validated),
	)
	if err != nil {
		return fmt.Errorf("mark log unresolved: %w", err)
	}
	return nil
}

// LogStatus returns the recorded log-consensus status of a submission.
func (d *DB) LogStatus(submissionID string) (logconsensus.Status, error) {
	var status string
	err := d.db.QueryRow(`SELECT status FROM log_rounds WHERE submission_id = ?`, submissionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return logconsensus.Pending, nil
	}
	if err != nil {
		return "", fmt.Errorf("get log status: %w", err)
	}
	return logconsensus.Status(status), nil
}

// --- Finalized epochs ---

// PutFinalizedEpoch persists a finalized epoch. A second record for the
// same (epoch, snapshot) pair is ignored.
func (d *DB) PutFinalizedEpoch(f *FinalizedEpoch) error {
	record, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal finalized epoch: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT OR IGNORE INTO finalized_epochs (id, epoch, snapshot_digest, vector_digest, record, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.Epoch, f.SnapshotDigest, f.VectorDigest, record, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put finalized epoch: %w", err)
	}
	return nil
}

func decodeFinalized(record []byte) (*FinalizedEpoch, error) {
	f := &FinalizedEpoch{}
	if err := json.Unmarshal(record, f); err != nil {
		return nil, fmt.Errorf("unmarshal finalized epoch: %w", err)
	}
	return f, nil
}

// GetFinalizedEpoch returns the finalized epoch for (epoch, snapshotDigest).
func (d *DB) GetFinalizedEpoch(epoch uint64, snapshotDigest string) (*FinalizedEpoch, error) {
	var record []byte
	err := d.db.QueryRow(
		`SELECT record FROM finalized_epochs WHERE epoch = ? AND snapshot_digest = ?`, epoch, snapshotDigest,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get finalized epoch: %w", err)
	}
	return decodeFinalized(record)
}

// LatestFinalizedEpoch returns the most recently stored finalization of epoch.
func (d *DB) LatestFinalizedEpoch(epoch uint64) (*FinalizedEpoch, error) {
	var record []byte
	err := d.db.QueryRow(
		`SELECT record FROM finalized_epochs WHERE epoch = ? ORDER BY created_at DESC, id DESC LIMIT 1`, epoch,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest finalized epoch: %w", err)
	}
	return decodeFinalized(record)
}

// --- Engine state ---

// PutEngineState saves the current epoch, its stake snapshot and the decay
// state carried into it.
func (d *DB) PutEngineState(st EngineState) error {
	stakes, err := json.Marshal(st.Stakes)
	if err != nil {
		return fmt.Errorf("marshal stakes: %w", err)
	}
	blob, err := json.Marshal(st.Decay)
	if err != nil {
		return fmt.Errorf("marshal decay state: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO engine_state (id, epoch, stakes, decay) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET epoch = excluded.epoch, stakes = excluded.stakes, decay = excluded.decay`,
		st.Epoch, stakes, blob,
	)
	if err != nil {
		return fmt.Errorf("put engine state: %w", err)
	}
	return nil
}

// GetEngineState loads the saved engine state.
func (d *DB) GetEngineState() (EngineState, error) {
	var st EngineState
	var stakes, blob []byte
	err := d.db.QueryRow(`SELECT epoch, stakes, decay FROM engine_state WHERE id = 1`).Scan(&st.Epoch, &stakes, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return EngineState{}, ErrNotFound
	}
	if err != nil {
		return EngineState{}, fmt.Errorf("get engine state: %w", err)
	}
	if err := json.Unmarshal(stakes, &st.Stakes); err != nil {
		return EngineState{}, fmt.Errorf("unmarshal stakes: %w", err)
	}
	if err := json.Unmarshal(blob, &st.Decay); err != nil {
		return EngineState{}, fmt.Errorf("unmarshal decay state: %w", err)
	}
	if st.Stakes == nil {
		st.Stakes = make(map[string]uint64)
	}
	return st, nil
}

// --- Reviewer assignments ---

// PutAssignment inserts or replaces the assignment of a submission.
func (d *DB) PutAssignment(rec AssignmentRecord) error {
	if rec.Assignment == nil || rec.Assignment.SubmissionID == "" {
		return errors.New("put assignment: missing submission id")
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO assignments (submission_id, record) VALUES (?, ?)
		 ON CONFLICT(submission_id) DO UPDATE SET record = excluded.record`,
		rec.Assignment.SubmissionID, blob,
	)
	if err != nil {
		return fmt.Errorf("put assignment: %w", err)
	}
	return nil
}

// ListAssignments returns every stored assignment ordered by submission.
func (d *DB) ListAssignments() ([]AssignmentRecord, error) {
	rows, err := d.db.Query(`SELECT record FROM assignments ORDER BY submission_id`)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []AssignmentRecord
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		var rec AssignmentRecord
		if err := json.Unmarshal(blob, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal assignment: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Validators ---

// PutValidator inserts or updates a validator.
func (d *DB) PutValidator(v *ValidatorRecord) error {
	_, err := d.db.Exec(
		`INSERT INTO validators (identity, stake, address, last_seen, online) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET stake = excluded.stake, address = excluded.address,
		   last_seen = excluded.last_seen, online = excluded.online`,
		v.Identity, v.Stake, v.Address, v.LastSeen, boolToInt(v.Online),
	)
	if err != nil {
		return fmt.Errorf("put validator: %w", err)
	}
	return nil
}

// ListValidators returns all validators ordered by identity.
func (d *DB) ListValidators() ([]ValidatorRecord, error) {
	rows, err := d.db.Query(`SELECT identity, stake, address, last_seen, online FROM validators ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("list validators: %w", err)
	}
	defer rows.Close()

	var out []ValidatorRecord
	for rows.Next() {
		var v ValidatorRecord
		var address sql.NullString
		var online int
		if err := rows.Scan(&v.Identity, &v.Stake, &address, &v.LastSeen, &online); err != nil {
			return nil, fmt.Errorf("scan validator: %w", err)
		}
		v.Address = address.String
		v.Online = online != 0
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteValidator removes a validator.
func (d *DB) DeleteValidator(identity string) error {
	res, err := d.db.Exec(`DELETE FROM validators WHERE identity = ?`, identity)
	if err != nil {
		return fmt.Errorf("delete validator: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete validator rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete validator: %w", ErrNotFound)
	}
	return nil
}
