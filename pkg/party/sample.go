package party

import (
	"github.com/cronokirby/saferith"
	"golang.org/x/crypto/chacha20"
)

// seededStream produces a deterministic byte stream from a 32-byte seed, so
// that every validator sampling from the same seed draws the same values.
type seededStream struct {
	cipher  *chacha20.Cipher
	zero    [64]byte
	nonce   [chacha20.NonceSize]byte
	counter uint64
}

func newSeededStream(seed [32]byte) *seededStream {
	s := &seededStream{}
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], s.nonce[:])
	if err != nil {
		// chacha20.NewUnauthenticatedCipher only fails on bad key/nonce
		// lengths, both of which are fixed-size arrays here.
		panic(err)
	}
	s.cipher = c
	return s
}

// next64 returns the next 64 pseudo-random bytes of the stream.
func (s *seededStream) next64() [64]byte {
	var out [64]byte
	s.cipher.XORKeyStream(out[:], s.zero[:])
	return out
}

// uniform returns a value in [0, bound) by reducing a 256-bit draw modulo
// bound; for small bounds the resulting modulo bias is negligible.
func (s *seededStream) uniform(bound uint64) uint64 {
	if bound == 0 {
		return 0
	}
	buf := s.next64()
	n := new(saferith.Nat).SetBytes(buf[:32])
	m := new(saferith.Nat).SetUint64(bound)
	r := new(saferith.Nat).Mod(n, saferith.ModulusFromNat(m))
	return r.Big().Uint64()
}

// RandomSubsetWithTargetWeight deterministically samples a subset of parties
// from the access structure whose combined weight is at least targetWeight,
// seeded by seed. Parties are visited in a pseudo-random order derived from
// seed and greedily added until the target weight is reached, so every
// validator computing the subset for the same seed agrees on its members
// without any coordination.
//
// If targetWeight exceeds the access structure's total weight, every party
// is returned.
func (a *AccessStructure) RandomSubsetWithTargetWeight(targetWeight uint64, seed [32]byte) Set {
	ids := a.IDs()
	stream := newSeededStream(seed)

	// Fisher-Yates shuffle driven by the deterministic stream.
	order := make([]ID, len(ids))
	copy(order, ids)
	for i := len(order) - 1; i > 0; i-- {
		j := stream.uniform(uint64(i + 1))
		order[i], order[j] = order[j], order[i]
	}

	out := NewSet()
	var accumulated uint64
	for _, id := range order {
		if accumulated >= targetWeight {
			break
		}
		out.Add(id)
		accumulated += a.Weights[id]
	}
	return out
}

// SeedFromSessionID derives a 32-byte stream seed from a session identifier.
func SeedFromSessionID(sessionID [32]byte) [32]byte {
	return sessionID
}
