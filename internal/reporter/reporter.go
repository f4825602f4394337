// Package reporter accumulates malicious-actor abort reports into
// per-session exclusion sets: a party is excluded from a session once a
// quorum of distinct reporters has accused it.
package reporter

import (
	"sync"

	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
)

// Report is one validator's accusation against a set of parties for a
// session, optionally naming the other parties the alleged abort involved.
type Report struct {
	Reporter party.ID
	Accused  party.Set
	Involved party.Set
}

// sessionState tracks, per session, the reports filed so far and the
// parties a quorum of reporters has already agreed are malicious.
type sessionState struct {
	reports []Report
	// votesFor counts, per accused party, the weight of distinct reporters
	// that have named it, to decide committee-lock style thresholds.
	votesFor map[party.ID]party.Set
	excluded party.Set
}

// Reporter owns no session state beyond accusation bookkeeping, and
// exposes an exclusion set the Session Manager consults on every tick.
type Reporter struct {
	mu       sync.Mutex
	sessions map[[32]byte]*sessionState
}

// New builds an empty Reporter.
func New() *Reporter {
	return &Reporter{sessions: make(map[[32]byte]*sessionState)}
}

func (r *Reporter) state(sessionID [32]byte) *sessionState {
	st, ok := r.sessions[sessionID]
	if !ok {
		st = &sessionState{votesFor: make(map[party.ID]party.Set), excluded: party.NewSet()}
		r.sessions[sessionID] = st
	}
	return st
}

// Record files rep against sessionID, immediately adding every accused
// party with quorum-backing reporters (per access) to the session's
// exclusion set. access may be nil, in which case any single accusation is
// recorded but does not (yet) exclude anyone; the caller is expected to
// call Record again once an access structure is known.
func (r *Reporter) Record(sessionID [32]byte, rep Report, access *party.AccessStructure) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(sessionID)
	st.reports = append(st.reports, rep)

	for accused := range rep.Accused {
		voters, ok := st.votesFor[accused]
		if !ok {
			voters = party.NewSet()
			st.votesFor[accused] = voters
		}
		voters.Add(rep.Reporter)

		if access != nil && access.HasQuorum(voters) {
			st.excluded.Add(accused)
		}
	}
}

// ExclusionSet returns the parties a quorum of distinct reporters has
// accused for sessionID so far.
func (r *Reporter) ExclusionSet(sessionID [32]byte) party.Set {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		return party.NewSet()
	}
	out := party.NewSet()
	for id := range st.excluded {
		out.Add(id)
	}
	return out
}

// Reports returns a copy of every report filed so far for sessionID, for
// diagnostics and tests.
func (r *Reporter) Reports(sessionID [32]byte) []Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Report, len(st.reports))
	copy(out, st.reports)
	return out
}

// Forget discards all accusation state for sessionID, used when a session
// is cleared at an epoch boundary.
func (r *Reporter) Forget(sessionID [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}
