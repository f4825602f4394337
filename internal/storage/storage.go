// Package storage defines the persisted-state contract for one epoch
// directory (sessions/<id>, aggregator/<id>, boot_counter). The in-memory
// implementation in memstore serves tests and the demo CLI.
package storage

import "github.com/dwallet-labs/ika-mpc-engine/pkg/wire"

// SessionRecord is the persisted form of one session: its last known
// status, the public output it finished with (if any), and the
// round-message log needed to replay it after a restart.
type SessionRecord struct {
	SessionID    [32]byte
	Status       uint8
	RoundNumber  uint32
	PublicOutput []byte
	RoundLog     [][]wire.RoundMessageEnvelope
}

// AggregatorRecord is the persisted voter tally for one session.
type AggregatorRecord struct {
	SessionID  [32]byte
	OutputVote map[string][]byte // party id (string-encoded) -> output bytes voted for
}

// Store is the persistence contract the Epoch component uses to survive
// validator restarts.
type Store interface {
	PutSession(rec SessionRecord) error
	GetSession(sessionID [32]byte) (SessionRecord, bool, error)
	DeleteSession(sessionID [32]byte) error

	PutAggregator(rec AggregatorRecord) error
	GetAggregator(sessionID [32]byte) (AggregatorRecord, bool, error)

	PutBootCounter(n uint64) error
	GetBootCounter() (uint64, error)
}
