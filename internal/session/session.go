// Package session implements the per-session state held by one validator
// for one MPC protocol instance: status, round-indexed pending messages,
// and the duplicate/out-of-order message invariants.
package session

import (
	"bytes"
	"fmt"

	"github.com/dwallet-labs/ika-mpc-engine/internal/mpcerr"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/protocol"
)

// ID is a 32-byte session identifier, stable across all validators.
type ID [32]byte

func (id ID) String() string {
	return fmt.Sprintf("%x", id[:4])
}

// Status is the session's lifecycle state.
type Status uint8

const (
	Pending Status = iota
	FirstExecution
	Active
	Finished
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case FirstExecution:
		return "FirstExecution"
	case Active:
		return "Active"
	case Finished:
		return "Finished"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Session is one execution of a protocol instance owned exclusively by the
// Session Manager's single-writer event loop.
type Session struct {
	ID       ID
	Protocol protocol.Tag
	Status   Status

	PublicInput  protocol.PublicInput
	PrivateInput protocol.PrivateInput

	// PendingMessages is indexed by round number: PendingMessages[r] is the
	// Party -> message map accumulated for round r. Index 0 always exists
	// (round 0, the seed round before any advance) so that
	// PendingMessages[roundNumber] addresses the round currently open for
	// contributions.
	PendingMessages []protocol.PendingMessages

	RoundNumber    uint32
	SequenceNumber uint64

	RequiresNextCommittee bool
	BootAttempt           uint32

	// AccessStructure is the access structure currently in force for this
	// session; it narrows on restart to exclude identifiably-malicious
	// parties.
	AccessStructure *party.AccessStructure

	// PublicOutput / PrivateOutput are populated once Status == Finished.
	PublicOutput  []byte
	PrivateOutput []byte

	// Batch links this session to a Batch Manager record, if it was
	// created as one sub-session of a BatchedSign or BatchedPresign group.
	// Nil for a standalone session.
	Batch *BatchMembership
}

// BatchMembership is the link from a Sign or Presign2 sub-session to the
// batch it was created as part of.
type BatchMembership struct {
	BatchID [32]byte

	// HashedMessage identifies this sub-session's signature within a sign
	// batch's ordered message list. Meaningful only when Protocol == Sign.
	HashedMessage string

	// FirstRoundSessionID is the originating Presign1 session's id this
	// sub-session's completed presign blob is filed under within a presign
	// batch. Meaningful only when Protocol == Presign2.
	FirstRoundSessionID ID
}

// New allocates a session in status FirstExecution.
func New(id ID, tag protocol.Tag, seq uint64, pub protocol.PublicInput, priv protocol.PrivateInput, access *party.AccessStructure, requiresNextCommittee bool) *Session {
	return &Session{
		ID:                    id,
		Protocol:              tag,
		Status:                FirstExecution,
		PublicInput:           pub,
		PrivateInput:          priv,
		PendingMessages:       []protocol.PendingMessages{make(protocol.PendingMessages)},
		RoundNumber:           0,
		SequenceNumber:        seq,
		RequiresNextCommittee: requiresNextCommittee,
		AccessStructure:       access,
	}
}

// Terminal reports whether the session will never advance again.
func (s *Session) Terminal() bool {
	return s.Status == Finished || s.Status == Failed
}

// CurrentRoundMessages returns the Party -> message map accumulated so far
// for the round currently open for contribution (s.RoundNumber). A round
// number past the end of the message history cannot happen if advancement
// has been applied correctly; if it does, the session fails rather than
// index out of range.
func (s *Session) CurrentRoundMessages() protocol.PendingMessages {
	if int(s.RoundNumber) >= len(s.PendingMessages) {
		if err := mpcerr.BrokenInvariant("session round number exceeds message history"); err != nil {
			s.Fail()
		}
		return make(protocol.PendingMessages)
	}
	return s.PendingMessages[s.RoundNumber]
}

// StoreMessage records a peer's contribution for a round, enforcing two
// invariants:
//   - a party may not contribute two distinct messages for the same round
//     (an identical re-send is a no-op, a conflicting one is malicious);
//   - a party may run at most one round ahead of this validator's local
//     advancement; messages beyond that are protocol violations.
func (s *Session) StoreMessage(from party.ID, round uint32, msg []byte) error {
	if round > s.RoundNumber+1 {
		return mpcerr.New(mpcerr.Malicious, fmt.Sprintf("party %d sent a message for session %s round %d while the session is at round %d", from, s.ID, round, s.RoundNumber))
	}
	numRounds := uint32(len(s.PendingMessages))
	switch {
	case round < numRounds:
		m := s.PendingMessages[round]
		if prev, dup := m[from]; dup {
			// The consensus transport may re-deliver on retry; an identical
			// re-send is a no-op, only a conflicting second message is an
			// equivocation.
			if bytes.Equal(prev, msg) {
				return nil
			}
			return mpcerr.New(mpcerr.Malicious, fmt.Sprintf("party %d sent a conflicting duplicate message for session %s round %d", from, s.ID, round))
		}
		m[from] = msg
		return nil
	default:
		// round == numRounds: the party is one round ahead of our local
		// advancement; this is allowed and buffered for when we reach it.
		m := make(protocol.PendingMessages, 1)
		m[from] = msg
		s.PendingMessages = append(s.PendingMessages, m)
		return nil
	}
}

// PartiesAtRound returns the set of parties that have contributed a message
// for round r.
func (s *Session) PartiesAtRound(r uint32) party.Set {
	set := party.NewSet()
	if int(r) >= len(s.PendingMessages) {
		return set
	}
	for id := range s.PendingMessages[r] {
		set.Add(id)
	}
	return set
}

// ReadyToAdvance reports whether the parties that have contributed at the
// current round carry at least quorum weight.
func (s *Session) ReadyToAdvance() bool {
	return s.AccessStructure.HasQuorum(s.PartiesAtRound(s.RoundNumber))
}

// ApplyAdvance rotates the session to the next round after an Advance
// result, extending PendingMessages with an empty map for the new round if
// one isn't already buffered from an ahead-of-time peer message.
func (s *Session) ApplyAdvance(flagged party.Set) {
	s.Status = Active
	s.RoundNumber++
	if int(s.RoundNumber) >= len(s.PendingMessages) {
		s.PendingMessages = append(s.PendingMessages, make(protocol.PendingMessages))
	}
	if len(flagged) > 0 {
		s.AccessStructure = s.AccessStructure.Exclude(flagged)
	}
}

// ApplyFinalize marks the session Finished with its public/private output.
func (s *Session) ApplyFinalize(public, private []byte, flagged party.Set) {
	s.Status = Finished
	s.PublicOutput = public
	s.PrivateOutput = private
	if len(flagged) > 0 {
		s.AccessStructure = s.AccessStructure.Exclude(flagged)
	}
}

// ExcludeReported narrows the session's access structure to drop any party
// in excluded that it still carries weight for. This is the session-local
// effect of the cross-validator Malicious-Actor Reporter's accusation
// quorum, distinct from (but using the same mechanism as) the
// protocol-library-attributed exclusions applied by ApplyAdvance,
// ApplyFinalize, and Restart. A no-op once every named party is already
// excluded, so repeated calls across ticks don't keep rebuilding the
// access structure.
func (s *Session) ExcludeReported(excluded party.Set) {
	if len(excluded) == 0 {
		return
	}
	stillPresent := false
	for id := range excluded {
		if _, ok := s.AccessStructure.Weights[id]; ok {
			stillPresent = true
			break
		}
	}
	if !stillPresent {
		return
	}
	s.AccessStructure = s.AccessStructure.Exclude(excluded)
}

// Restart resets the session to FirstExecution with a fresh attempt number
// and cleared pending messages, excluding the identifiably-malicious
// parties from the session's access structure.
func (s *Session) Restart(excluded party.Set) {
	s.Status = FirstExecution
	s.RoundNumber = 0
	s.BootAttempt++
	s.PendingMessages = []protocol.PendingMessages{make(protocol.PendingMessages)}
	if len(excluded) > 0 {
		s.AccessStructure = s.AccessStructure.Exclude(excluded)
	}
}

// Fail marks the session permanently failed; no output will ever appear.
func (s *Session) Fail() {
	s.Status = Failed
}
