// Package identity derives network identities (hotkeys) from Ed25519 keys and
// signs or verifies the canonical messages exchanged between miners and
// validators.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// FromPublicKey returns the identity string for a public key: the full 32-byte
// key encoded as 64-character lowercase hexadecimal. Unlike a short ID, the
// full key lets any validator verify signatures from the identity alone.
func FromPublicKey(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// PublicKey decodes an identity back into an Ed25519 public key.
func PublicKey(id string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Sign signs msg and returns the hex-encoded signature.
func Sign(priv ed25519.PrivateKey, msg []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, msg))
}

// Verify checks a hex-encoded signature over msg against the public key
// encoded in id.
func Verify(id string, msg []byte, sigHex string) error {
	pub, err := PublicKey(id)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("signature verification failed for %s", short(id))
	}
	return nil
}

// short trims an identity for log and error messages.
func short(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
