package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a key or record does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS kv (
    key BLOB PRIMARY KEY,
    value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS submissions (
    id TEXT PRIMARY KEY,
    miner TEXT NOT NULL,
    epoch INTEGER NOT NULL,
    name TEXT,
    version INTEGER DEFAULT 0,
    submitted_at INTEGER NOT NULL,
    status TEXT NOT NULL,
    score REAL DEFAULT 0,
    body BLOB NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS evaluations (
    submission_id TEXT NOT NULL,
    validator TEXT NOT NULL,
    validator_stake INTEGER NOT NULL,
    epoch INTEGER NOT NULL,
    miner TEXT NOT NULL,
    submitted_at INTEGER NOT NULL,
    score REAL NOT NULL,
    tasks_passed INTEGER NOT NULL,
    tasks_total INTEGER NOT NULL,
    PRIMARY KEY (submission_id, validator)
);

CREATE TABLE IF NOT EXISTS review_results (
    id TEXT PRIMARY KEY,
    submission_id TEXT NOT NULL,
    reviewer TEXT NOT NULL,
    kind TEXT NOT NULL,
    score REAL DEFAULT 0,
    passed INTEGER DEFAULT 0,
    rationale TEXT,
    signature TEXT,
    UNIQUE(submission_id, reviewer, kind)
);

CREATE TABLE IF NOT EXISTS ledger (
    identity TEXT PRIMARY KEY,
    epoch INTEGER NOT NULL,
    agent_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS names (
    name TEXT NOT NULL,
    version INTEGER NOT NULL,
    owner TEXT NOT NULL,
    agent_hash TEXT NOT NULL,
    epoch INTEGER NOT NULL,
    superseded INTEGER DEFAULT 0,
    PRIMARY KEY (name, version)
);

CREATE TABLE IF NOT EXISTS validated_logs (
    submission_id TEXT PRIMARY KEY,
    logs_hash TEXT NOT NULL,
    logs_data BLOB NOT NULL,
    votes INTEGER NOT NULL,
    epoch INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS log_rounds (
    submission_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    epoch INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS finalized_epochs (
    id TEXT PRIMARY KEY,
    epoch INTEGER NOT NULL,
    snapshot_digest TEXT NOT NULL,
    vector_digest TEXT NOT NULL,
    record BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE(epoch, snapshot_digest)
);

CREATE TABLE IF NOT EXISTS engine_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    epoch INTEGER NOT NULL,
    stakes BLOB NOT NULL,
    decay BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS assignments (
    submission_id TEXT PRIMARY KEY,
    record BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS validators (
    identity TEXT PRIMARY KEY,
    stake INTEGER NOT NULL,
    address TEXT,
    last_seen INTEGER NOT NULL,
    online INTEGER DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_submissions_epoch ON submissions(epoch);
CREATE INDEX IF NOT EXISTS idx_submissions_miner ON submissions(miner);
CREATE INDEX IF NOT EXISTS idx_evaluations_epoch ON evaluations(epoch);
CREATE INDEX IF NOT EXISTS idx_reviews_submission ON review_results(submission_id);`
	_, err := d.db.Exec(schema)
	return err
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
