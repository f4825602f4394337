// Package protocol defines the closed set of MPC protocol tags the engine
// drives, their per-tag metadata, and the black-box cryptographic "protocol
// library" interface the Session Manager delegates actual round advancement
// to. No cryptography is implemented in this package: the underlying
// ECDSA/class-group primitives live behind the opaque Advance operation,
// keeping the protocol set a flat tagged variant rather than an object
// hierarchy.
package protocol

import (
	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
)

// Tag identifies which MPC protocol a session is running.
type Tag uint8

const (
	DKG1 Tag = iota
	DKG2
	Presign1
	Presign2
	Sign
	NetworkDKG
	Reconfig
	EncryptedShareVerify
	PartialSignatureVerify
	MakePublic
	ImportedKeyVerify
)

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return "Unknown"
}

var tagNames = map[Tag]string{
	DKG1:                   "DKG1",
	DKG2:                   "DKG2",
	Presign1:               "Presign1",
	Presign2:               "Presign2",
	Sign:                   "Sign",
	NetworkDKG:             "NetworkDKG",
	Reconfig:               "Reconfig",
	EncryptedShareVerify:   "EncryptedShareVerify",
	PartialSignatureVerify: "PartialSignatureVerify",
	MakePublic:             "MakePublic",
	ImportedKeyVerify:      "ImportedKeyVerify",
}

// OutputScope distinguishes a session-local public artifact (DKG, Presign,
// Sign, verification protocols) from a network-global one (NetworkDKG,
// Reconfig).
type OutputScope uint8

const (
	OutputScopeSessionLocal OutputScope = iota
	OutputScopeNetworkGlobal
)

func (o OutputScope) String() string {
	if o == OutputScopeNetworkGlobal {
		return "network-global"
	}
	return "session-local"
}

// Metadata captures the fixed, per-tag properties of one protocol.
type Metadata struct {
	// Rounds is the fixed, known-in-advance number of rounds the protocol
	// takes to reach a terminal Finalize result.
	Rounds uint32
	// RequiresNetworkKey indicates the protocol needs network decryption-key
	// material / protocol public parameters as part of its public input.
	RequiresNetworkKey bool
	// RequiresNextCommittee indicates the protocol needs the next epoch's
	// committee as part of its public input (Reconfiguration only).
	RequiresNextCommittee bool
	Output                OutputScope
}

// Catalog is the closed metadata table for every protocol tag. Unknown
// tags are rejected at the event boundary; nothing downstream ever sees a
// tag outside this table.
var Catalog = map[Tag]Metadata{
	DKG1:                   {Rounds: 2, RequiresNetworkKey: false, Output: OutputScopeSessionLocal},
	DKG2:                   {Rounds: 1, RequiresNetworkKey: true, Output: OutputScopeSessionLocal},
	Presign1:               {Rounds: 2, RequiresNetworkKey: true, Output: OutputScopeSessionLocal},
	Presign2:               {Rounds: 1, RequiresNetworkKey: true, Output: OutputScopeSessionLocal},
	Sign:                   {Rounds: 1, RequiresNetworkKey: true, Output: OutputScopeSessionLocal},
	NetworkDKG:             {Rounds: 3, RequiresNetworkKey: false, Output: OutputScopeNetworkGlobal},
	Reconfig:               {Rounds: 3, RequiresNetworkKey: false, RequiresNextCommittee: true, Output: OutputScopeNetworkGlobal},
	EncryptedShareVerify:   {Rounds: 1, RequiresNetworkKey: false, Output: OutputScopeSessionLocal},
	PartialSignatureVerify: {Rounds: 1, RequiresNetworkKey: true, Output: OutputScopeSessionLocal},
	MakePublic:             {Rounds: 1, RequiresNetworkKey: false, Output: OutputScopeSessionLocal},
	ImportedKeyVerify:      {Rounds: 1, RequiresNetworkKey: false, Output: OutputScopeSessionLocal},
}

// NumRounds returns the number of rounds tag is known to require.
func NumRounds(tag Tag) uint32 {
	return Catalog[tag].Rounds
}

// ExpectedDecryptersSlack is the extra share of total committee weight
// added on top of the threshold when sampling the Sign protocol's
// optimization-hint decrypter subset.
const ExpectedDecryptersSlack = 0.10

// VoteBatch returns the session ids a Sign session fast-path votes for
// alongside its own output. Fastpath voting is disabled: every call returns
// an empty batch, and receivers treat an empty vote batch as "no extra
// votes".
func VoteBatch(tag Tag, sessionID [32]byte) [][32]byte {
	return nil
}

// ExpectedDecrypters deterministically computes the Sign protocol's
// expected-decrypters optimization hint: a subset of the committee, seeded
// by the session id, whose target weight is threshold + 10% of total
// weight. The subset is purely a hint. Falling short of it never blocks
// correctness; the protocol still completes with whichever quorum of
// responders later forms.
func ExpectedDecrypters(access *party.AccessStructure, sessionID [32]byte) party.Set {
	total := access.TotalWeight()
	slack := uint64(float64(total) * ExpectedDecryptersSlack)
	target := access.Threshold + slack
	return access.RandomSubsetWithTargetWeight(target, party.SeedFromSessionID(sessionID))
}
