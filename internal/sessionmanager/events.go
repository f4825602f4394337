package sessionmanager

import (
	"github.com/dwallet-labs/ika-mpc-engine/internal/batch"
	"github.com/dwallet-labs/ika-mpc-engine/internal/orchestrator"
	"github.com/dwallet-labs/ika-mpc-engine/internal/session"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/protocol"
)

// Event is the closed set of tagged inputs the Session Manager's single
// event loop consumes, in arrival order within a consensus commit.
type Event interface {
	isEvent()
}

// NewSessionEvent carries a decoded anchoring-ledger event requesting a new
// session.
type NewSessionEvent struct {
	SessionID             session.ID
	Protocol              protocol.Tag
	SequenceNum           uint64
	PublicInput           protocol.PublicInput
	PrivateInput          protocol.PrivateInput
	RequiresNextCommittee bool

	// Batch links this session to an already-started sign/presign batch;
	// nil for a standalone session.
	Batch *session.BatchMembership
}

func (NewSessionEvent) isEvent() {}

// StartSignBatchEvent allocates a sign batch under BatchID, ahead of the
// individual Sign sub-session NewSessionEvents that will complete into it.
type StartSignBatchEvent struct {
	BatchID        [32]byte
	HashedMessages []batch.HashedMessage
}

func (StartSignBatchEvent) isEvent() {}

// StartPresignBatchEvent allocates a presign batch of BatchSize entries
// under BatchID, ahead of the individual Presign2 sub-session
// NewSessionEvents that will complete into it. The initiation event carries
// only a count; entries accumulate in arrival order.
type StartPresignBatchEvent struct {
	BatchID   [32]byte
	BatchSize int
}

func (StartPresignBatchEvent) isEvent() {}

// PeerMessageEvent carries a round message from another validator,
// delivered via the consensus transport.
type PeerMessageEvent struct {
	SessionID session.ID
	Sender    party.ID
	Round     uint32
	Bytes     []byte
}

func (PeerMessageEvent) isEvent() {}

// PeerOutputEvent carries another validator's signed output for a session.
type PeerOutputEvent struct {
	SessionID session.ID
	Sender    party.ID
	Output    []byte
	Metadata  []byte
}

func (PeerOutputEvent) isEvent() {}

// ComputationCompleteEvent wraps an orchestrator.Completion.
type ComputationCompleteEvent struct {
	Completion orchestrator.Completion
}

func (ComputationCompleteEvent) isEvent() {}

// MaliciousReportEvent carries one validator's accusation.
type MaliciousReportEvent struct {
	Reporter  party.ID
	SessionID session.ID
	Accused   party.Set
	Involved  party.Set
}

func (MaliciousReportEvent) isEvent() {}

// TickEvent drives periodic re-advancement of sessions that newly
// accumulated threshold weight.
type TickEvent struct{}

func (TickEvent) isEvent() {}
