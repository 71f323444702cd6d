package storage

import (
	"github.com/ssd-technologies/termconsensus/internal/aggregate"
	"github.com/ssd-technologies/termconsensus/internal/assignment"
	"github.com/ssd-technologies/termconsensus/internal/decay"
	"github.com/ssd-technologies/termconsensus/internal/review"
	"github.com/ssd-technologies/termconsensus/internal/submission"
	"github.com/ssd-technologies/termconsensus/internal/weights"
)

// SubmissionRecord is a stored submission and its evaluation status. The
// executor token is never persisted.
type SubmissionRecord struct {
	Submission submission.Submission `json:"submission"`
	Status     string                `json:"status"`
	Version    int                   `json:"version"`
	Score      float64               `json:"score"`
	CreatedAt  int64                 `json:"created_at"`
}

// ValidatorRecord is a persisted validator-set member.
type ValidatorRecord struct {
	Identity string `json:"identity"`
	Stake    uint64 `json:"stake"`
	Address  string `json:"address,omitempty"`
	LastSeen int64  `json:"last_seen"`
	Online   bool   `json:"online"`
}

// FinalizedEpoch is the memoized outcome of finalizing one epoch against one
// stake snapshot.
type FinalizedEpoch struct {
	ID             string                    `json:"id"`
	Epoch          uint64                    `json:"epoch"`
	SnapshotDigest string                    `json:"snapshot_digest"`
	Vector         weights.Vector            `json:"vector"`
	VectorDigest   string                    `json:"vector_digest"`
	DecayBefore    decay.State               `json:"decay_before"`
	DecayAfter     decay.State               `json:"decay_after"`
	Events         []decay.Event             `json:"events,omitempty"`
	Results        []aggregate.Result        `json:"results"`
	Reviews        map[string]review.Verdict `json:"reviews"`
	CreatedAt      int64                     `json:"created_at"`
}

// EngineState is the epoch a validator is in, the stake snapshot frozen when
// the epoch started and the decay state carried into it.
type EngineState struct {
	Epoch  uint64            `json:"epoch"`
	Stakes map[string]uint64 `json:"stakes"`
	Decay  decay.State       `json:"decay"`
}

// AssignmentRecord is the persisted reviewer assignment of one submission
// together with the validator pool it draws replacements from.
type AssignmentRecord struct {
	Miner      string                 `json:"miner"`
	Validators []assignment.Validator `json:"validators"`
	Assignment *assignment.Assignment `json:"assignment"`
}
