package review

import (
	"crypto/ed25519"

	"github.com/ssd-technologies/termconsensus/internal/identity"
)

// Decline is a reviewer's signed refusal of an assigned slot.
type Decline struct {
	SubmissionID string `json:"submission_id"`
	Reviewer     string `json:"reviewer"`
	Kind         Kind   `json:"kind"`
	Signature    string `json:"signature"`
}

// DeclineBytes returns the message a declining reviewer signs.
func DeclineBytes(d Decline) []byte {
	return []byte("DECLINE:v1:" + d.SubmissionID + ":" + string(d.Kind) + ":" + d.Reviewer)
}

// SignDecline sets the reviewer identity and signature on d.
func SignDecline(d *Decline, priv ed25519.PrivateKey) {
	d.Reviewer = identity.FromPublicKey(priv.Public().(ed25519.PublicKey))
	d.Signature = identity.Sign(priv, DeclineBytes(*d))
}

// VerifyDecline checks d's signature against its reviewer identity.
func VerifyDecline(d Decline) error {
	return identity.Verify(d.Reviewer, DeclineBytes(d), d.Signature)
}
