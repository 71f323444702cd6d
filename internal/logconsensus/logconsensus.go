// Package logconsensus collapses the evaluation-log proposals of the
// validators that evaluated a submission into a single validated log once a
// strict majority agrees on its hash.
package logconsensus

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/termconsensus/internal/identity"
)

const (
	// MaxLogsBytes bounds the logs attached to one proposal.
	MaxLogsBytes = 256 << 10
	// DefaultMaxEpochs is how many epochs a round may stay open.
	DefaultMaxEpochs = 3
	// DefaultMinExpected is the assumed evaluator count when none was
	// registered for the submission.
	DefaultMinExpected = 3
)

var (
	ErrLogsTooLarge  = errors.New("logs exceed size limit")
	ErrHashMismatch  = errors.New("logs hash does not match logs data")
	ErrMissingFields = errors.New("proposal missing submission or proposer")
)

// Status is the state of a submission's log round, and the answer to a
// single proposal.
type Status string

const (
	Pending    Status = "pending"
	Validated  Status = "validated"
	Rejected   Status = "rejected"
	Unresolved Status = "unresolved"
)

// Proposal is one validator's claim about a submission's evaluation logs.
type Proposal struct {
	SubmissionID string `json:"submission_id"`
	Proposer     string `json:"proposer"`
	LogsHash     string `json:"logs_hash"`
	LogsData     []byte `json:"logs_data"`
	Signature    string `json:"signature,omitempty"`
}

// ValidatedLog is the agreed log of a submission.
type ValidatedLog struct {
	SubmissionID string `json:"submission_id"`
	LogsHash     string `json:"logs_hash"`
	LogsData     []byte `json:"logs_data"`
	Votes        int    `json:"votes"`
	Epoch        uint64 `json:"epoch"`
}

// Result reports the effect of one proposal.
type Result struct {
	Status   Status `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Votes    int    `json:"votes"`
	Received int    `json:"received"`
	Expected int    `json:"expected"`
}

// LogsHash returns the hex SHA3-256 of data.
func LogsHash(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalBytes returns the message a proposer signs.
func CanonicalBytes(p Proposal) []byte {
	return []byte("LOGS:v1:" + p.SubmissionID + ":" + p.LogsHash + ":" + p.Proposer)
}

// Sign fills in the proposer, hash and signature of p.
func Sign(p *Proposal, priv ed25519.PrivateKey) {
	p.Proposer = identity.FromPublicKey(priv.Public().(ed25519.PublicKey))
	p.LogsHash = LogsHash(p.LogsData)
	p.Signature = identity.Sign(priv, CanonicalBytes(*p))
}

// Verify checks the proposer's signature.
func Verify(p Proposal) error {
	return identity.Verify(p.Proposer, CanonicalBytes(p), p.Signature)
}

// Check validates the shape of p without consulting any round.
func Check(p Proposal) error {
	if p.SubmissionID == "" || p.Proposer == "" {
		return ErrMissingFields
	}
	if len(p.LogsData) > MaxLogsBytes {
		return fmt.Errorf("%w: %d bytes", ErrLogsTooLarge, len(p.LogsData))
	}
	if LogsHash(p.LogsData) != p.LogsHash {
		return ErrHashMismatch
	}
	return nil
}

type round struct {
	opened    uint64
	expected  int
	status    Status
	proposers map[string]string
	counts    map[string]int
	data      map[string][]byte
	validated *ValidatedLog
}

func (r *round) denominator() int {
	if len(r.proposers) > r.expected {
		return len(r.proposers)
	}
	return r.expected
}

// leader returns the hash with the most votes, ties to the smaller hash.
func (r *round) leader() (string, int) {
	var best string
	votes := -1
	for h, c := range r.counts {
		if c > votes || (c == votes && h < best) {
			best, votes = h, c
		}
	}
	if votes < 0 {
		votes = 0
	}
	return best, votes
}

// reachable reports whether any hash can still reach a strict majority once
// every outstanding expected proposal arrives.
func (r *round) reachable() bool {
	remaining := r.expected - len(r.proposers)
	if remaining < 0 {
		remaining = 0
	}
	_, votes := r.leader()
	return (votes+remaining)*2 > r.denominator()
}

func (r *round) result(s Status, reason string) Result {
	_, votes := r.leader()
	return Result{Status: s, Reason: reason, Votes: votes, Received: len(r.proposers), Expected: r.expected}
}

// Config tunes a Pool.
type Config struct {
	MaxEpochs   int
	MinExpected int
}

// Pool holds the log rounds of every submission this validator has seen.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	rounds map[string]*round
}

// NewPool creates an empty Pool.
func NewPool(cfg Config) *Pool {
	if cfg.MaxEpochs <= 0 {
		cfg.MaxEpochs = DefaultMaxEpochs
	}
	if cfg.MinExpected <= 0 {
		cfg.MinExpected = DefaultMinExpected
	}
	return &Pool{cfg: cfg, rounds: make(map[string]*round)}
}

func (p *Pool) roundFor(submissionID string, epoch uint64) *round {
	r, ok := p.rounds[submissionID]
	if !ok {
		r = &round{
			opened:    epoch,
			expected:  p.cfg.MinExpected,
			status:    Pending,
			proposers: make(map[string]string),
			counts:    make(map[string]int),
			data:      make(map[string][]byte),
		}
		p.rounds[submissionID] = r
	}
	return r
}

// Expect records how many validators evaluated the submission. The expected
// count never shrinks and never drops below the configured minimum.
func (p *Pool) Expect(submissionID string, evaluators int, epoch uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.roundFor(submissionID, epoch)
	if r.status != Pending {
		return
	}
	if evaluators > r.expected {
		r.expected = evaluators
	}
}

// Propose adds a proposal to its submission's round. Malformed proposals
// return an error and change nothing. The returned ValidatedLog is non-nil
// only for the proposal that completes the majority.
func (p *Pool) Propose(prop Proposal, epoch uint64) (Result, *ValidatedLog, error) {
	if err := Check(prop); err != nil {
		return Result{Status: Rejected, Reason: "malformed"}, nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.roundFor(prop.SubmissionID, epoch)

	switch r.status {
	case Validated:
		return r.result(Rejected, "already_validated"), nil, nil
	case Unresolved:
		return r.result(Rejected, "unresolved"), nil, nil
	}
	if _, dup := r.proposers[prop.Proposer]; dup {
		return r.result(Rejected, "duplicate_proposer"), nil, nil
	}

	r.proposers[prop.Proposer] = prop.LogsHash
	r.counts[prop.LogsHash]++
	if _, ok := r.data[prop.LogsHash]; !ok {
		r.data[prop.LogsHash] = append([]byte(nil), prop.LogsData...)
	}

	if votes := r.counts[prop.LogsHash]; votes*2 > r.denominator() {
		r.status = Validated
		r.validated = &ValidatedLog{
			SubmissionID: prop.SubmissionID,
			LogsHash:     prop.LogsHash,
			LogsData:     r.data[prop.LogsHash],
			Votes:        votes,
			Epoch:        epoch,
		}
		r.data = nil
		v := *r.validated
		return r.result(Validated, ""), &v, nil
	}
	if !r.reachable() {
		r.status = Unresolved
		r.data = nil
		return r.result(Unresolved, "no_majority"), nil, nil
	}
	return r.result(Pending, ""), nil, nil
}

// Tick marks every round still pending after the configured number of
// epochs as Unresolved and returns their submission IDs in order.
func (p *Pool) Tick(epoch uint64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []string
	for id, r := range p.rounds {
		if r.status == Pending && epoch >= r.opened+uint64(p.cfg.MaxEpochs) {
			r.status = Unresolved
			r.data = nil
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// Status returns the round state of submissionID, Pending if unknown.
func (p *Pool) Status(submissionID string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.rounds[submissionID]; ok {
		return r.status
	}
	return Pending
}

// Validated returns the agreed log of submissionID. Unresolved and pending
// rounds have none.
func (p *Pool) Validated(submissionID string) (ValidatedLog, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rounds[submissionID]
	if !ok || r.validated == nil {
		return ValidatedLog{}, false
	}
	return *r.validated, true
}

// Restore installs a previously persisted validated log, closing its round.
func (p *Pool) Restore(v ValidatedLog) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.roundFor(v.SubmissionID, v.Epoch)
	r.status = Validated
	r.data = nil
	r.validated = &v
}
