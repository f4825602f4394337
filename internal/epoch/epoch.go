// Package epoch implements epoch-boundary and amnesia-recovery semantics:
// boot counter bookkeeping, the atomic-swap commit-monitor handoff between
// consecutive epoch incarnations, and clearing non-NetworkDKG session
// state when a new epoch starts.
package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/dwallet-labs/ika-mpc-engine/internal/external"
	"github.com/dwallet-labs/ika-mpc-engine/internal/session"
	"github.com/dwallet-labs/ika-mpc-engine/internal/storage"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/protocol"
)

// NetworkKeyHandle is the opaque network decryption-key material an epoch
// installs at start, immutable until the next epoch boundary. Its internal
// shape belongs to the protocol library; the engine only ever passes it
// through.
type NetworkKeyHandle []byte

// Epoch owns the session table, the current access structure, the current
// network key handles, and the boot counter for one epoch incarnation.
type Epoch struct {
	store storage.Store

	mu                    sync.RWMutex
	number                uint64
	access                *party.AccessStructure
	networkKeys           map[string]NetworkKeyHandle
	sessions              map[session.ID]*session.Session
	bootCounter           uint64
	voteLockNextCommittee party.Set

	// priorCommitMonitor is the atomic-swap slot through which the new
	// epoch incarnation reads the prior incarnation's progress counter.
	priorCommitMonitor atomic.Pointer[external.CommitMonitor]
}

// New builds an Epoch for epochNumber with the given initial access
// structure, backed by store for boot-counter and session persistence.
func New(epochNumber uint64, access *party.AccessStructure, store storage.Store) *Epoch {
	return &Epoch{
		store:                 store,
		number:                epochNumber,
		access:                access,
		networkKeys:           make(map[string]NetworkKeyHandle),
		sessions:              make(map[session.ID]*session.Session),
		voteLockNextCommittee: party.NewSet(),
	}
}

// Number returns this epoch's number.
func (e *Epoch) Number() uint64 {
	return e.number
}

// AccessStructure returns the epoch's current committee access structure.
func (e *Epoch) AccessStructure() *party.AccessStructure {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.access
}

// InstallNetworkKey records a network key handle under name (e.g. the
// network DKG's public output identifier).
func (e *Epoch) InstallNetworkKey(name string, handle NetworkKeyHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.networkKeys[name] = handle
}

// NetworkKey retrieves a previously installed network key handle.
func (e *Epoch) NetworkKey(name string) (NetworkKeyHandle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.networkKeys[name]
	return h, ok
}

// PutSession installs s into the session table, keyed by its id. Duplicate
// ids are ignored, returning false.
func (e *Epoch) PutSession(s *session.Session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.sessions[s.ID]; exists {
		return false
	}
	e.sessions[s.ID] = s
	return true
}

// Session returns the session registered under id, if any.
func (e *Epoch) Session(id session.ID) (*session.Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	return s, ok
}

// Sessions returns every session currently in the table, for iteration by
// the Session Manager's Tick handler.
func (e *Epoch) Sessions() []*session.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// VoteLockNextCommittee records reporter's vote to lock in the next
// committee, and reports whether a quorum of the current access structure
// has now voted to do so.
func (e *Epoch) VoteLockNextCommittee(reporter party.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.voteLockNextCommittee.Add(reporter)
	return e.access.HasQuorum(e.voteLockNextCommittee)
}

// ShouldIncrementBootCounter reports whether starting a new epoch should
// bump the boot counter: only when the previous epoch actually processed
// at least one consensus commit, detected via the previous commit
// monitor's HighestHandledCommit. A nil prior monitor (first-ever epoch)
// never increments, preserving amnesia-recovery semantics.
func ShouldIncrementBootCounter(prior external.CommitMonitor) bool {
	if prior == nil {
		return false
	}
	return prior.HighestHandledCommit() > 0
}

// StartNewEpoch installs the next epoch's committee/access structure,
// clears all non-NetworkDKG sessions, increments the boot counter per
// ShouldIncrementBootCounter, persists it, and swaps in a fresh
// priorCommitMonitor slot for the incarnation this epoch supersedes. The
// returned Epoch owns its own, separate session table.
func (e *Epoch) StartNewEpoch(newAccess *party.AccessStructure, priorMonitor external.CommitMonitor) (*Epoch, error) {
	next := New(e.number+1, newAccess, e.store)

	e.mu.RLock()
	for id, s := range e.sessions {
		if s.Protocol == protocol.NetworkDKG {
			next.sessions[id] = s
		}
	}
	e.mu.RUnlock()

	boot, err := e.store.GetBootCounter()
	if err != nil {
		return nil, errors.Wrap(err, "epoch: failed to load boot counter")
	}
	if ShouldIncrementBootCounter(priorMonitor) {
		boot++
	}
	if err := e.store.PutBootCounter(boot); err != nil {
		return nil, errors.Wrap(err, "epoch: failed to persist boot counter")
	}
	next.bootCounter = boot

	if priorMonitor != nil {
		next.priorCommitMonitor.Store(&priorMonitor)
	}
	return next, nil
}

// PersistSessionRecord writes s's last known status, round position, and
// public output to the epoch's store, so a restarted validator can tell
// which sessions had already reached a terminal state.
func (e *Epoch) PersistSessionRecord(s *session.Session) error {
	return e.store.PutSession(storage.SessionRecord{
		SessionID:    [32]byte(s.ID),
		Status:       uint8(s.Status),
		RoundNumber:  s.RoundNumber,
		PublicOutput: s.PublicOutput,
	})
}

// RecoverSessionRecord returns the persisted record for id, if one exists.
// Used when a replayed initiation event names a session that already ran to
// a terminal state in a prior incarnation of this validator.
func (e *Epoch) RecoverSessionRecord(id session.ID) (storage.SessionRecord, bool) {
	rec, ok, err := e.store.GetSession([32]byte(id))
	if err != nil || !ok {
		return storage.SessionRecord{}, false
	}
	return rec, true
}

// RecoverVoterTally returns the persisted voter tally for id, if one
// exists. A present tally means the session's output was already decided
// and certified in a prior run.
func (e *Epoch) RecoverVoterTally(id session.ID) (storage.AggregatorRecord, bool) {
	rec, ok, err := e.store.GetAggregator([32]byte(id))
	if err != nil || !ok {
		return storage.AggregatorRecord{}, false
	}
	return rec, true
}

// PersistAggregatorRecord writes a session's decided output per voter to
// the epoch's store.
func (e *Epoch) PersistAggregatorRecord(sessionID [32]byte, votes map[string][]byte) error {
	return e.store.PutAggregator(storage.AggregatorRecord{
		SessionID:  sessionID,
		OutputVote: votes,
	})
}

// BootCounter returns the epoch's current boot counter value.
func (e *Epoch) BootCounter() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bootCounter
}

// PriorCommitMonitor returns the commit monitor of the epoch incarnation
// this one superseded, if any.
func (e *Epoch) PriorCommitMonitor() external.CommitMonitor {
	p := e.priorCommitMonitor.Load()
	if p == nil {
		return nil
	}
	return *p
}
