package protocol

import (
	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
)

// PublicInput is the protocol-specific, already-resolved public parameter
// blob a session carries. Its internal shape is opaque to the engine: only
// the protocol library interprets it.
type PublicInput []byte

// PrivateInput is the optional private material a session carries, e.g. a
// local decryption-key share. Held only when the protocol requires it.
type PrivateInput []byte

// RequestInput bundles everything the protocol library needs to advance one
// round of one session.
type RequestInput struct {
	Protocol        Tag
	Round           uint32
	PublicInput     PublicInput
	PrivateInput    PrivateInput
	PartyID         party.ID
	AccessStructure *party.AccessStructure
	Seed            [32]byte
}

// PendingMessages is the set of peer messages accumulated for the round
// currently being advanced, keyed by sending party.
type PendingMessages map[party.ID][]byte

// ResultKind discriminates the tagged variants a protocol library Advance
// call can return.
type ResultKind uint8

const (
	ResultAdvance ResultKind = iota
	ResultFinalize
	ResultMaliciousParties
	ResultError
)

// Result is the outcome of advancing a session by one round. Exactly one of
// the fields relevant to Kind is populated.
type Result struct {
	Kind ResultKind

	// Populated when Kind == ResultAdvance.
	Message []byte

	// Populated when Kind == ResultFinalize.
	PublicOutput  []byte
	PrivateOutput []byte

	// Populated when Kind == ResultMaliciousParties or, optionally,
	// alongside Advance/Finalize to flag parties whose contribution this
	// round was detected as invalid without aborting the whole round.
	Flagged party.Set

	// Populated when Kind == ResultError.
	Err error
}

// Library is the black-box cryptographic protocol library the engine
// delegates all actual threshold-ECDSA / class-group computation to. The
// engine never inspects the cryptography behind Advance; it only routes
// PendingMessages in and Result out.
type Library interface {
	// Advance evaluates one round for one session, given every peer message
	// accumulated for that round. It must be safe to call concurrently for
	// distinct sessions, and must not retain pending afterward.
	Advance(req RequestInput, pending PendingMessages) Result
}
