// Package seed derives the deterministic per-round randomness used to drive
// cryptographic computation. A single root seed is loaded once per process
// from validator key material and kept private; every round of every
// session derives its own seed from it, so two independent runs given
// identical inputs produce byte-identical outputs.
package seed

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Size is the width in bytes of both the root seed and every derived seed.
const Size = 32

// Root is a validator's process-wide secret seed. It MUST never leave the
// process and must never be logged.
type Root [Size]byte

// Derive produces the seed for advancing sessionID at round, attempt.
// Restarting a session after an identifiable abort increments attempt,
// which deterministically re-derives fresh per-round randomness for the
// retry.
func (r Root) Derive(sessionID [32]byte, round uint32, attempt uint32) [Size]byte {
	h := blake3.New()
	h.Write([]byte("ika-mpc-engine/round-seed/v1"))
	h.Write(r[:])
	h.Write(sessionID[:])

	var counters [8]byte
	binary.BigEndian.PutUint32(counters[0:4], round)
	binary.BigEndian.PutUint32(counters[4:8], attempt)
	h.Write(counters[:])

	var out [Size]byte
	sum := h.Sum(nil)
	copy(out[:], sum)
	return out
}

// DigestSessionID hashes arbitrary event bytes down to a 32-byte session
// identifier, stable across all validators observing the same event.
func DigestSessionID(eventBytes []byte) [32]byte {
	var out [32]byte
	sum := blake3.Sum256(eventBytes)
	copy(out[:], sum[:])
	return out
}
