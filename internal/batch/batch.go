// Package batch implements sign/presign batch accumulation: sub-session
// outputs arrive in completion order, and each batch emits once, in its
// declared order, as a single deterministic envelope.
package batch

import (
	"github.com/pkg/errors"

	"github.com/dwallet-labs/ika-mpc-engine/pkg/wire"
)

// HashedMessage is the caller-supplied identifier for one message within a
// sign batch.
type HashedMessage string

// SignBatch accumulates (hashed_message -> signature) pairs for one batched
// sign session, preserving the caller's declared insertion order.
type SignBatch struct {
	order      []HashedMessage
	seen       map[HashedMessage]struct{}
	signatures map[HashedMessage][]byte
}

// NewSignBatch allocates an empty sign batch over the declared message
// list; repeated messages are dropped, keeping each one's first position.
func NewSignBatch(messages []HashedMessage) *SignBatch {
	b := &SignBatch{
		seen:       make(map[HashedMessage]struct{}, len(messages)),
		signatures: make(map[HashedMessage][]byte, len(messages)),
	}
	for _, m := range messages {
		if _, dup := b.seen[m]; dup {
			continue
		}
		b.seen[m] = struct{}{}
		b.order = append(b.order, m)
	}
	return b
}

// Insert records the signature for hashedMessage. A second insert for the
// same message is rejected.
func (b *SignBatch) Insert(hashedMessage HashedMessage, signature []byte) error {
	if _, ok := b.seen[hashedMessage]; !ok {
		return errors.Errorf("batch: hashed message %q is not part of this batch", hashedMessage)
	}
	if _, ok := b.signatures[hashedMessage]; ok {
		return errors.Errorf("batch: duplicate signature for hashed message %q", hashedMessage)
	}
	b.signatures[hashedMessage] = signature
	return nil
}

// Complete reports whether every hashed message in the batch's ordered list
// now has a signature.
func (b *SignBatch) Complete() bool {
	return len(b.signatures) == len(b.order)
}

// Emit returns the canonical, deterministically-serialized concatenation of
// signatures in the batch's declared order. It is an error to call this
// before Complete reports true.
func (b *SignBatch) Emit() ([]byte, error) {
	if !b.Complete() {
		return nil, errors.New("batch: sign batch is not complete")
	}
	ordered := make([][]byte, len(b.order))
	for i, m := range b.order {
		ordered[i] = b.signatures[m]
	}
	return wire.Marshal(ordered)
}

// PresignEntry is one completed presign sub-session's contribution: the
// session id of its first round and the resulting presign blob.
type PresignEntry struct {
	FirstRoundSessionID [32]byte `cbor:"1,keyasint"`
	Blob                []byte   `cbor:"2,keyasint"`
}

// PresignBatch accumulates verified presign blobs up to a declared count.
// A batched-presign initiation carries only the batch size, so entries are
// kept in arrival order; quorum decisions arrive in consensus order, which
// is the same on every validator.
type PresignBatch struct {
	size    int
	seen    map[[32]byte]struct{}
	entries []PresignEntry
}

// NewPresignBatch allocates a presign batch that completes once size
// entries have accumulated.
func NewPresignBatch(size int) *PresignBatch {
	return &PresignBatch{
		size: size,
		seen: make(map[[32]byte]struct{}, size),
	}
}

// Insert appends entry. A second entry for the same first-round session id
// is rejected.
func (b *PresignBatch) Insert(entry PresignEntry) error {
	if _, ok := b.seen[entry.FirstRoundSessionID]; ok {
		return errors.Errorf("batch: duplicate presign entry for session %x", entry.FirstRoundSessionID[:4])
	}
	b.seen[entry.FirstRoundSessionID] = struct{}{}
	b.entries = append(b.entries, entry)
	return nil
}

// Complete reports whether the count of inserted entries has reached the
// declared batch size.
func (b *PresignBatch) Complete() bool {
	return len(b.entries) >= b.size
}

// Emit returns the canonical, deterministically-serialized concatenation of
// (first_round_session_id, presign_blob) pairs in arrival order.
func (b *PresignBatch) Emit() ([]byte, error) {
	if !b.Complete() {
		return nil, errors.New("batch: presign batch is not complete")
	}
	return wire.Marshal(b.entries)
}
