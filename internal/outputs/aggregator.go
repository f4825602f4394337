// Package outputs implements the per-session output quorum tally: which
// parties voted for which candidate output, and when one candidate's voter
// weight reaches the committee threshold.
package outputs

import (
	"encoding/hex"
	"sync"

	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
)

// candidateKey identifies one distinct (output_bytes, metadata) candidate a
// session's validators may vote for.
type candidateKey string

func keyFor(output, metadata []byte) candidateKey {
	return candidateKey(hex.EncodeToString(output) + "|" + hex.EncodeToString(metadata))
}

// Decision is the result of a session reaching output quorum: the winning
// output plus every party flagged malicious for voting otherwise.
type Decision struct {
	Output   []byte
	Metadata []byte
	Voters   party.Set
	Flagged  party.Set
}

// sessionTally is the per-session vote bookkeeping: voters per candidate
// output, plus which parties have voted at all.
type sessionTally struct {
	votersPerOutput map[candidateKey]party.Set
	candidateBytes  map[candidateKey][2][]byte // [output, metadata]
	votedFor        map[party.ID]candidateKey
	decision        *Decision
}

func newSessionTally() *sessionTally {
	return &sessionTally{
		votersPerOutput: make(map[candidateKey]party.Set),
		candidateBytes:  make(map[candidateKey][2][]byte),
		votedFor:        make(map[party.ID]candidateKey),
	}
}

// Aggregator tallies signed outputs across validators, one tally per
// session.
type Aggregator struct {
	mu       sync.Mutex
	access   *party.AccessStructure
	sessions map[[32]byte]*sessionTally
}

// New builds an Aggregator against the given access structure. The engine
// builds a new Aggregator for each epoch incarnation.
func New(access *party.AccessStructure) *Aggregator {
	return &Aggregator{access: access, sessions: make(map[[32]byte]*sessionTally)}
}

// SetAccessStructure installs a new access structure, used when a session's
// exclusions change or an epoch boundary occurs.
func (a *Aggregator) SetAccessStructure(access *party.AccessStructure) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.access = access
}

// Submit records party's vote for (output, metadata) on sessionID. A
// re-vote matching the party's already-tallied candidate is a no-op; a
// conflicting re-vote is dropped and duplicate is reported true so the
// caller can flag party malicious. Once the combined
// weight of voters for any single candidate reaches quorum, the session is
// decided: every party that voted for a different candidate is flagged
// malicious, and the winning Decision is returned with decided true.
// decided reports only the deciding transition: votes landing after the
// decision return the cached Decision with decided false, so the caller
// certifies the output exactly once.
func (a *Aggregator) Submit(sessionID [32]byte, voter party.ID, output, metadata []byte) (decision *Decision, decided bool, duplicate bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.sessions[sessionID]
	if !ok {
		st = newSessionTally()
		a.sessions[sessionID] = st
	}
	if st.decision != nil {
		// Votes landing after the decision change nothing; decided reports
		// only the deciding transition so the caller certifies exactly once.
		return st.decision, false, false
	}

	key := keyFor(output, metadata)
	if prev, ok := st.votedFor[voter]; ok {
		if prev == key {
			// The transport may re-deliver the same vote on retry; a
			// matching re-vote is a no-op.
			return nil, false, false
		}
		// A conflicting second vote is an equivocation: drop it and report
		// it so the caller can flag the party malicious.
		return nil, false, true
	}
	st.votedFor[voter] = key
	voters, ok := st.votersPerOutput[key]
	if !ok {
		voters = party.NewSet()
		st.votersPerOutput[key] = voters
		st.candidateBytes[key] = [2][]byte{output, metadata}
	}
	voters.Add(voter)

	if a.access == nil || !a.access.HasQuorum(voters) {
		return nil, false, false
	}

	flagged := party.NewSet()
	for otherKey, otherVoters := range st.votersPerOutput {
		if otherKey == key {
			continue
		}
		for id := range otherVoters {
			flagged.Add(id)
		}
	}

	decidedCandidate := st.candidateBytes[key]
	d := &Decision{
		Output:   decidedCandidate[0],
		Metadata: decidedCandidate[1],
		Voters:   voters,
		Flagged:  flagged,
	}
	st.decision = d
	return d, true, false
}

// Decision returns the previously-decided output for sessionID, if any.
func (a *Aggregator) Decision(sessionID [32]byte) (*Decision, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.sessions[sessionID]
	if !ok || st.decision == nil {
		return nil, false
	}
	return st.decision, true
}

// Discard drops all tally state for sessionID without deciding it, used
// when a session's output never reaches quorum before the epoch ends.
// Undecided sign/presign outputs do not carry across epochs.
func (a *Aggregator) Discard(sessionID [32]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}
