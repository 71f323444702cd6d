package aggregate

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strconv"
	"strings"

	"github.com/ssd-technologies/termconsensus/internal/identity"
)

// Attestation is one validator's signed evaluation of a submission. Every
// validator broadcasts its own and ingests the others', so all of them
// finalize the epoch over the same evaluation set.
type Attestation struct {
	SubmissionID string  `json:"submission_id"`
	Epoch        uint64  `json:"epoch"`
	Validator    string  `json:"validator"`
	Score        float64 `json:"score"`
	TasksPassed  int     `json:"tasks_passed"`
	TasksTotal   int     `json:"tasks_total"`
	Signature    string  `json:"signature,omitempty"`
}

// AttestationBytes returns the message a validator signs.
func AttestationBytes(a Attestation) []byte {
	var bits [8]byte
	binary.LittleEndian.PutUint64(bits[:], math.Float64bits(a.Score))
	var b strings.Builder
	b.WriteString("EVALUATION:v1:")
	b.WriteString(a.SubmissionID)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(a.Epoch, 10))
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(bits[:]))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(a.TasksPassed))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(a.TasksTotal))
	b.WriteByte(':')
	b.WriteString(a.Validator)
	return []byte(b.String())
}

// SignAttestation sets the validator identity and signature on a.
func SignAttestation(a *Attestation, priv ed25519.PrivateKey) {
	a.Validator = identity.FromPublicKey(priv.Public().(ed25519.PublicKey))
	a.Signature = identity.Sign(priv, AttestationBytes(*a))
}

// VerifyAttestation checks a's signature against its validator identity.
func VerifyAttestation(a Attestation) error {
	return identity.Verify(a.Validator, AttestationBytes(a), a.Signature)
}
