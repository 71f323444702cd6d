// Package assignment deterministically selects the reviewers of a
// submission and drives the deadline and replacement state machine for each
// reviewer slot. Selection depends only on the submission ID, the
// replacement round and the validator set, so every validator derives the
// same assignment without talking to the others.
package assignment

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Seed is the 256-bit value that drives reviewer selection.
type Seed [32]byte

// String returns the hex encoding of s.
func (s Seed) String() string {
	return hex.EncodeToString(s[:])
}

// SeedFor derives the assignment seed from a submission ID alone.
func SeedFor(submissionID string) Seed {
	return sha3.Sum256([]byte(submissionID))
}

// ReplacementSeed derives the seed used to replace the reviewer in slot
// during round: SHA3-256(seed ‖ u32le(slot) ‖ u32le(round)).
func ReplacementSeed(seed Seed, slot, round uint32) Seed {
	var buf [32 + 4 + 4]byte
	copy(buf[:32], seed[:])
	binary.LittleEndian.PutUint32(buf[32:36], slot)
	binary.LittleEndian.PutUint32(buf[36:40], round)
	return sha3.Sum256(buf[:])
}

// draw returns the k-th pseudo-random value of the counter-based sequence
// for s: the first 8 bytes, little endian, of SHA3-256(s ‖ "draw" ‖ u64le(k)).
func (s Seed) draw(k uint64) uint64 {
	var buf [32 + 4 + 8]byte
	copy(buf[:32], s[:])
	copy(buf[32:36], "draw")
	binary.LittleEndian.PutUint64(buf[36:], k)
	sum := sha3.Sum256(buf[:])
	return binary.LittleEndian.Uint64(sum[:8])
}
