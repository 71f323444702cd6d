// Package submission defines miner submissions, their canonical signed
// encoding, and the admission checks every validator applies before a
// submission may be reviewed or scored.
package submission

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/termconsensus/internal/identity"
)

const (
	// MaxPayloadBytes bounds the agent package carried by a submission.
	MaxPayloadBytes = 1 << 20
	// MaxLogsBytes bounds the evaluation logs stored per submission.
	MaxLogsBytes = 256 << 10
	// MaxOutputPreview bounds each task's stored output preview.
	MaxOutputPreview = 4096
	// MaxTasks bounds the number of task results per submission.
	MaxTasks = 256
)

// TaskResult is the raw outcome of one benchmark task, as returned by the
// execution sandbox.
type TaskResult struct {
	TaskID          string  `json:"task_id"`
	Passed          bool    `json:"passed"`
	Score           float64 `json:"score"`
	ExecutionTimeMs uint64  `json:"execution_time_ms"`
	OutputPreview   string  `json:"output_preview,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Submission is a miner's signed agent submission. It is immutable once
// admitted; AgentHash doubles as the submission ID.
type Submission struct {
	AgentHash        string       `json:"agent_hash"`
	Miner            string       `json:"miner"`
	Signature        string       `json:"signature"`
	Epoch            uint64       `json:"epoch"`
	Name             string       `json:"name,omitempty"`
	SubmittedAt      int64        `json:"submitted_at"` // unix millis
	Payload          []byte       `json:"payload"`
	TaskResults      []TaskResult `json:"task_results"`
	ExecutorEndpoint string       `json:"executor_endpoint"`
	ExecutorToken    string       `json:"executor_token"`
}

// ID returns the submission identifier.
func (s *Submission) ID() string {
	return s.AgentHash
}

// CanonicalBytes returns the exact byte string a miner signs. The executor
// token is a secret and is not covered.
func CanonicalBytes(s *Submission) []byte {
	payloadDigest := sha3.Sum256(s.Payload)
	resultsDigest := ResultsDigest(s.TaskResults)

	var b strings.Builder
	b.WriteString("SUBMISSION:v1:")
	b.WriteString(s.AgentHash)
	b.WriteByte(':')
	b.WriteString(s.Miner)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(s.Epoch, 10))
	b.WriteByte(':')
	b.WriteString(s.Name)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(s.SubmittedAt, 10))
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(payloadDigest[:]))
	b.WriteByte(':')
	b.WriteString(s.ExecutorEndpoint)
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(resultsDigest[:]))
	return []byte(b.String())
}

// ResultsDigest hashes task results in the order given. Scores are encoded by
// their IEEE-754 bits so the digest never depends on float formatting.
func ResultsDigest(results []TaskResult) [32]byte {
	h := sha3.New256()
	var bits [8]byte
	for _, r := range results {
		h.Write([]byte(r.TaskID))
		h.Write([]byte{'|'})
		if r.Passed {
			h.Write([]byte{'1'})
		} else {
			h.Write([]byte{'0'})
		}
		h.Write([]byte{'|'})
		binary.LittleEndian.PutUint64(bits[:], math.Float64bits(r.Score))
		h.Write(bits[:])
		h.Write([]byte{'|'})
		binary.LittleEndian.PutUint64(bits[:], r.ExecutionTimeMs)
		h.Write(bits[:])
		h.Write([]byte{'\n'})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Sign fills in the miner identity and signature for s using priv.
func Sign(s *Submission, priv ed25519.PrivateKey) {
	s.Miner = identity.FromPublicKey(priv.Public().(ed25519.PublicKey))
	s.Signature = identity.Sign(priv, CanonicalBytes(s))
}

// TruncatePreview caps an output preview at max bytes without splitting a
// UTF-8 sequence.
func TruncatePreview(preview string, max int) string {
	if len(preview) <= max {
		return preview
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(preview[cut]) {
		cut--
	}
	return preview[:cut]
}

// NormalizeResults returns a copy of results with every output preview
// truncated to MaxOutputPreview.
func NormalizeResults(results []TaskResult) []TaskResult {
	out := make([]TaskResult, len(results))
	for i, r := range results {
		r.OutputPreview = TruncatePreview(r.OutputPreview, MaxOutputPreview)
		out[i] = r
	}
	return out
}
