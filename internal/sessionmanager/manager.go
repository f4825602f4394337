// Package sessionmanager implements the Session Manager: a single-writer
// event loop owning the session table, routing peer and computation events,
// and driving each session through its rounds.
package sessionmanager

import (
	"context"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap"

	"github.com/dwallet-labs/ika-mpc-engine/internal/batch"
	"github.com/dwallet-labs/ika-mpc-engine/internal/epoch"
	"github.com/dwallet-labs/ika-mpc-engine/internal/external"
	"github.com/dwallet-labs/ika-mpc-engine/internal/mpcerr"
	"github.com/dwallet-labs/ika-mpc-engine/internal/orchestrator"
	"github.com/dwallet-labs/ika-mpc-engine/internal/outputs"
	"github.com/dwallet-labs/ika-mpc-engine/internal/reporter"
	"github.com/dwallet-labs/ika-mpc-engine/internal/session"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/protocol"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/seed"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/wire"
)

// WaitingBufferCap bounds how many out-of-order peer messages the manager
// buffers per sender for a session id it hasn't seen yet; excess is dropped.
const WaitingBufferCap = 8

// Manager is the single-writer Session Manager event loop.
type Manager struct {
	logger *zap.Logger

	epoch        *epoch.Epoch
	orchestrator *orchestrator.Orchestrator
	outputs      *outputs.Aggregator
	reporter     *reporter.Reporter
	batches      *batch.Manager
	transport    external.ConsensusTransport
	ledger       external.AnchoringLedgerClient

	authorityID party.ID
	signingKey  *secp256k1.PrivateKey
	rootSeed    seed.Root

	inbox chan Event

	// waiting buffers peer messages for sessions not yet in the table,
	// keyed by session id then by sender, capped at WaitingBufferCap
	// entries per sender.
	waiting map[session.ID]map[party.ID][]PeerMessageEvent
}

// Config bundles the collaborators a Manager is built from.
type Config struct {
	Logger       *zap.Logger
	Epoch        *epoch.Epoch
	Orchestrator *orchestrator.Orchestrator
	Outputs      *outputs.Aggregator
	Reporter     *reporter.Reporter
	Batches      *batch.Manager
	Transport    external.ConsensusTransport
	Ledger       external.AnchoringLedgerClient
	AuthorityID  party.ID
	SigningKey   *secp256k1.PrivateKey
	RootSeed     seed.Root
	InboxBuffer  int
}

// New builds a Manager from cfg.
func New(cfg Config) *Manager {
	buf := cfg.InboxBuffer
	if buf <= 0 {
		buf = 1024
	}
	return &Manager{
		logger:       cfg.Logger,
		epoch:        cfg.Epoch,
		orchestrator: cfg.Orchestrator,
		outputs:      cfg.Outputs,
		reporter:     cfg.Reporter,
		batches:      cfg.Batches,
		transport:    cfg.Transport,
		ledger:       cfg.Ledger,
		authorityID:  cfg.AuthorityID,
		signingKey:   cfg.SigningKey,
		rootSeed:     cfg.RootSeed,
		inbox:        make(chan Event, buf),
		waiting:      make(map[session.ID]map[party.ID][]PeerMessageEvent),
	}
}

// Submit enqueues an event for processing by the loop. Safe to call from
// any goroutine.
func (m *Manager) Submit(e Event) {
	m.inbox <- e
}

// Run drains the inbox and the orchestrator's completion channel until ctx
// is cancelled. It is the single writer to the session table: no other
// goroutine may call epoch.PutSession or mutate a *session.Session
// directly. The loop awaits the inbound event channel, the completion
// channel, and (via an externally-submitted TickEvent) the tick timer, and
// never blocks on cryptography itself.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.inbox:
			m.handle(ctx, e)
		case c := <-m.orchestrator.Completions():
			m.onComputationComplete(ctx, ComputationCompleteEvent{Completion: c})
		}
	}
}

func (m *Manager) handle(ctx context.Context, e Event) {
	switch ev := e.(type) {
	case NewSessionEvent:
		m.onNewSession(ev)
	case PeerMessageEvent:
		m.onPeerMessage(ev)
	case PeerOutputEvent:
		m.onPeerOutput(ctx, ev)
	case ComputationCompleteEvent:
		m.onComputationComplete(ctx, ev)
	case MaliciousReportEvent:
		m.onMaliciousReport(ev)
	case StartSignBatchEvent:
		m.batches.StartSignBatch(ev.BatchID, ev.HashedMessages)
	case StartPresignBatchEvent:
		m.batches.StartPresignBatch(ev.BatchID, ev.BatchSize)
	case TickEvent:
		m.onTick(ctx)
	default:
		m.logger.Warn("sessionmanager: unknown event type")
	}
}

// onNewSession allocates a Session with status FirstExecution, inserted
// keyed by session id; a duplicate id is ignored. An initiation event
// replayed after a validator restart, for a session the prior run already
// drove to a terminal state, resumes that state from the persisted record
// instead of recomputing. Any previously-buffered out-of-order peer
// messages for the id are replayed.
func (m *Manager) onNewSession(ev NewSessionEvent) {
	s := session.New(ev.SessionID, ev.Protocol, ev.SequenceNum, ev.PublicInput, ev.PrivateInput, m.epoch.AccessStructure(), ev.RequiresNextCommittee)
	s.Batch = ev.Batch
	if !m.epoch.PutSession(s) {
		m.logger.Debug("sessionmanager: duplicate session id ignored", zap.Stringer("session", ev.SessionID))
		return
	}

	if rec, ok := m.epoch.RecoverSessionRecord(s.ID); ok {
		switch session.Status(rec.Status) {
		case session.Finished:
			s.Status = session.Finished
			s.RoundNumber = rec.RoundNumber
			s.PublicOutput = rec.PublicOutput
			m.logger.Debug("sessionmanager: resumed finished session from persisted record", zap.Stringer("session", s.ID))
			return
		case session.Failed:
			s.Status = session.Failed
			s.RoundNumber = rec.RoundNumber
			m.logger.Debug("sessionmanager: resumed failed session from persisted record", zap.Stringer("session", s.ID))
			return
		}
	}

	if buffered, ok := m.waiting[ev.SessionID]; ok {
		for _, msgs := range buffered {
			for _, pm := range msgs {
				m.storeMessage(s, pm)
			}
		}
		delete(m.waiting, ev.SessionID)
	}

	m.tryAdvance(s)
}

// onPeerMessage stores one round message from another validator. A sender
// outside the epoch committee is dropped and flagged malicious. If the
// session doesn't exist yet, the message is buffered until it does.
func (m *Manager) onPeerMessage(ev PeerMessageEvent) {
	if m.epoch.AccessStructure().WeightOf(ev.Sender) == 0 {
		m.reporter.Record([32]byte(ev.SessionID), reporter.Report{Reporter: m.authorityID, Accused: party.NewSet(ev.Sender)}, m.epoch.AccessStructure())
		m.logger.Debug("sessionmanager: message from unknown sender dropped", zap.Uint16("sender", uint16(ev.Sender)))
		return
	}
	s, ok := m.epoch.Session(ev.SessionID)
	if !ok {
		m.bufferWaiting(ev)
		return
	}
	m.storeMessage(s, ev)
	m.tryAdvance(s)
}

func (m *Manager) bufferWaiting(ev PeerMessageEvent) {
	bySender, ok := m.waiting[ev.SessionID]
	if !ok {
		bySender = make(map[party.ID][]PeerMessageEvent)
		m.waiting[ev.SessionID] = bySender
	}
	if len(bySender[ev.Sender]) >= WaitingBufferCap {
		m.logger.Debug("sessionmanager: dropping excess buffered message", zap.Uint16("sender", uint16(ev.Sender)))
		return
	}
	bySender[ev.Sender] = append(bySender[ev.Sender], ev)
}

func (m *Manager) storeMessage(s *session.Session, ev PeerMessageEvent) {
	if err := s.StoreMessage(ev.Sender, ev.Round, ev.Bytes); err != nil {
		if mpcerr.Is(err, mpcerr.Malicious) {
			m.reporter.Record([32]byte(s.ID), reporter.Report{Reporter: m.authorityID, Accused: party.NewSet(ev.Sender)}, s.AccessStructure)
			m.logger.Debug("sessionmanager: malicious peer message", zap.Error(err))
			return
		}
		m.logger.Warn("sessionmanager: failed to store peer message", zap.Error(err))
	}
}

// onPeerOutput forwards another validator's signed output to the Output
// Aggregator. A second, conflicting vote from a party that already voted
// for this session is flagged malicious; a re-delivered matching vote is a
// no-op. Once the session's output reaches
// cross-validator quorum, so is every party whose vote differs from the
// winning output. The decided output is certified to the ledger and, if
// the session is a member of a sign/presign batch, routed into the Batch
// Manager.
func (m *Manager) onPeerOutput(ctx context.Context, ev PeerOutputEvent) {
	decision, decided, duplicate := m.outputs.Submit([32]byte(ev.SessionID), ev.Sender, ev.Output, ev.Metadata)
	if duplicate {
		s, _ := m.epoch.Session(ev.SessionID)
		var access *party.AccessStructure
		if s != nil {
			access = s.AccessStructure
		}
		m.reporter.Record([32]byte(ev.SessionID), reporter.Report{Reporter: m.authorityID, Accused: party.NewSet(ev.Sender)}, access)
		m.logger.Debug("sessionmanager: malicious duplicate output vote", zap.Uint16("voter", uint16(ev.Sender)))
		return
	}
	if !decided {
		return
	}
	if len(decision.Flagged) > 0 {
		var access *party.AccessStructure
		if s, ok := m.epoch.Session(ev.SessionID); ok {
			access = s.AccessStructure
		}
		m.reporter.Record([32]byte(ev.SessionID), reporter.Report{Reporter: m.authorityID, Accused: decision.Flagged}, access)
	}
	if _, replayed := m.epoch.RecoverVoterTally(ev.SessionID); replayed {
		// A persisted tally means a prior run already certified this
		// output; replayed votes must not notify the ledger twice.
		m.logger.Debug("sessionmanager: output already certified in a prior run", zap.Stringer("session", ev.SessionID))
	} else {
		if err := m.ledger.NotifyCertifiedOutput(ctx, nil, decision.Voters.Bitmap(), decision.Output); err != nil {
			m.logger.Warn("sessionmanager: failed to notify certified output", zap.Error(err))
		}
		votes := make(map[string][]byte, len(decision.Voters))
		for _, id := range decision.Voters.Sorted() {
			votes[strconv.Itoa(int(id))] = decision.Output
		}
		if err := m.epoch.PersistAggregatorRecord([32]byte(ev.SessionID), votes); err != nil {
			m.logger.Warn("sessionmanager: failed to persist voter tally", zap.Error(err))
		}
	}
	m.routeBatchOutput(ctx, ev.SessionID, decision.Output)
}

// routeBatchOutput inserts a batched Sign or Presign2 sub-session's
// quorum-decided output into its Batch Manager record, and, once the batch
// is complete, certifies the batch's deterministic concatenated emission to
// the ledger. A no-op for standalone sessions or when no Batch Manager is
// configured.
func (m *Manager) routeBatchOutput(ctx context.Context, sid session.ID, output []byte) {
	if m.batches == nil {
		return
	}
	s, ok := m.epoch.Session(sid)
	if !ok || s.Batch == nil {
		return
	}

	var (
		out      []byte
		complete bool
		err      error
	)
	switch s.Protocol {
	case protocol.Sign:
		out, complete, err = m.batches.CompleteSignBatch(s.Batch.BatchID, batch.HashedMessage(s.Batch.HashedMessage), output)
	case protocol.Presign2:
		out, complete, err = m.batches.CompletePresignBatch(s.Batch.BatchID, batch.PresignEntry{
			FirstRoundSessionID: [32]byte(s.Batch.FirstRoundSessionID),
			Blob:                output,
		})
	default:
		m.logger.Warn("sessionmanager: session claims batch membership for a non-batchable protocol", zap.Stringer("protocol", s.Protocol))
		return
	}
	if err != nil {
		m.logger.Warn("sessionmanager: failed to insert batch sub-session output", zap.Error(err))
		return
	}
	if !complete {
		return
	}
	if err := m.ledger.NotifyCertifiedOutput(ctx, nil, nil, out); err != nil {
		m.logger.Warn("sessionmanager: failed to notify certified batch output", zap.Error(err))
	}
}

// onMaliciousReport forwards one validator's accusation to the Reporter,
// then immediately narrows the accused session's access structure by
// whatever quorum of cross-validator reports has now accumulated against
// it, and retries advancement in case the narrowed committee newly reaches
// quorum.
func (m *Manager) onMaliciousReport(ev MaliciousReportEvent) {
	s, ok := m.epoch.Session(ev.SessionID)
	var access *party.AccessStructure
	if ok {
		access = s.AccessStructure
	}
	m.reporter.Record([32]byte(ev.SessionID), reporter.Report{Reporter: ev.Reporter, Accused: ev.Accused, Involved: ev.Involved}, access)

	if !ok {
		return
	}
	s.ExcludeReported(m.reporter.ExclusionSet([32]byte(ev.SessionID)))
	m.tryAdvance(s)
}

// onComputationComplete applies one finished Advance call's result to its
// session. Results whose task key no longer matches the session's current
// round and attempt are stale (the session restarted or finished by quorum
// while the computation ran) and are discarded.
func (m *Manager) onComputationComplete(ctx context.Context, ev ComputationCompleteEvent) {
	sid := session.ID(ev.Completion.Key.SessionID)
	s, ok := m.epoch.Session(sid)
	if !ok || s.Terminal() {
		return
	}
	if ev.Completion.Key.Round != s.RoundNumber || ev.Completion.Key.Attempt != s.BootAttempt {
		m.logger.Debug("sessionmanager: discarding stale computation result", zap.String("key", ev.Completion.Key.String()))
		return
	}

	result := ev.Completion.Result
	switch result.Kind {
	case protocol.ResultAdvance:
		env := wire.RoundMessageEnvelope{
			AuthorityID:  m.authorityID,
			SessionID:    [32]byte(s.ID),
			RoundNumber:  s.RoundNumber,
			MessageBytes: result.Message,
		}
		if err := m.broadcast(ctx, env); err != nil {
			m.logger.Warn("sessionmanager: failed to broadcast round message", zap.Error(err))
		}
		s.ApplyAdvance(result.Flagged)
		m.tryAdvance(s)

	case protocol.ResultFinalize:
		s.ApplyFinalize(result.PublicOutput, result.PrivateOutput, result.Flagged)
		if err := m.epoch.PersistSessionRecord(s); err != nil {
			m.logger.Warn("sessionmanager: failed to persist finished session", zap.Error(err))
		}
		env := wire.OutputMessageEnvelope{
			AuthorityID: m.authorityID,
			SessionID:   [32]byte(s.ID),
			OutputBytes: result.PublicOutput,
		}
		if err := m.broadcast(ctx, env); err != nil {
			m.logger.Warn("sessionmanager: failed to broadcast output", zap.Error(err))
		}
		m.onPeerOutput(ctx, PeerOutputEvent{SessionID: s.ID, Sender: m.authorityID, Output: result.PublicOutput})

	case protocol.ResultMaliciousParties:
		m.reporter.Record([32]byte(s.ID), reporter.Report{Reporter: m.authorityID, Accused: result.Flagged}, s.AccessStructure)
		s.Restart(result.Flagged)

	default:
		s.Fail()
		if err := m.epoch.PersistSessionRecord(s); err != nil {
			m.logger.Warn("sessionmanager: failed to persist failed session", zap.Error(err))
		}
	}
}

func (m *Manager) broadcast(ctx context.Context, envelope interface{}) error {
	signed, err := wire.Sign(envelope, m.signingKey)
	if err != nil {
		return err
	}
	raw, err := wire.Marshal(signed)
	if err != nil {
		return err
	}
	return m.transport.Submit(ctx, raw)
}

// onTick drains ready orchestrator completions, then for every non-terminal
// session checks whether its current round has quorum weight and, if so and
// no task is already running, requests the Orchestrator to spawn the
// advance. One round of work per session per tick keeps a flooded session
// from starving the rest.
func (m *Manager) onTick(ctx context.Context) {
	m.drainCompletions(ctx)

	for _, s := range m.epoch.Sessions() {
		if s.Terminal() {
			continue
		}
		m.tryAdvance(s)
	}
}

// drainCompletions opportunistically processes every completion currently
// ready without blocking, so completed work frees capacity before new work
// is spawned.
func (m *Manager) drainCompletions(ctx context.Context) {
	for {
		select {
		case c := <-m.orchestrator.Completions():
			m.onComputationComplete(ctx, ComputationCompleteEvent{Completion: c})
		default:
			return
		}
	}
}

// tryAdvance first narrows s's access structure by any quorum-backed
// cross-validator exclusion the Reporter has accumulated for it, then
// requests the Orchestrator to spawn the round's advance if the remaining
// committee has reached quorum weight for the current round.
func (m *Manager) tryAdvance(s *session.Session) {
	if s.Terminal() {
		return
	}
	s.ExcludeReported(m.reporter.ExclusionSet([32]byte(s.ID)))
	if !s.ReadyToAdvance() {
		return
	}

	key := orchestrator.TaskKey{SessionID: [32]byte(s.ID), Round: s.RoundNumber, Attempt: s.BootAttempt}
	if m.orchestrator.Running(key) {
		return
	}

	roundSeed := m.rootSeed.Derive([32]byte(s.ID), s.RoundNumber, s.BootAttempt)
	req := protocol.RequestInput{
		Protocol:        s.Protocol,
		Round:           s.RoundNumber,
		PublicInput:     s.PublicInput,
		PrivateInput:    s.PrivateInput,
		PartyID:         m.authorityID,
		AccessStructure: s.AccessStructure,
		Seed:            roundSeed,
	}

	// The worker goroutine reads the message map off-loop; hand it a copy
	// so later arrivals for the same round don't race the computation.
	current := s.CurrentRoundMessages()
	pending := make(protocol.PendingMessages, len(current))
	for id, msg := range current {
		pending[id] = msg
	}
	m.orchestrator.TrySpawn(key, req, pending)
}
