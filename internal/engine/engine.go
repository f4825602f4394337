// Package engine wires the Session Manager, Orchestrator, Output
// Aggregator, Batch Manager, Reporter, and Epoch together into the
// top-level dWallet MPC engine, drives the anchoring ledger's event stream
// into the Session Manager's inbox, and routes consensus-transport
// deliveries back in as peer messages and outputs.
package engine

import (
	"context"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dwallet-labs/ika-mpc-engine/internal/batch"
	"github.com/dwallet-labs/ika-mpc-engine/internal/epoch"
	"github.com/dwallet-labs/ika-mpc-engine/internal/external"
	"github.com/dwallet-labs/ika-mpc-engine/internal/inputbuilder"
	"github.com/dwallet-labs/ika-mpc-engine/internal/orchestrator"
	"github.com/dwallet-labs/ika-mpc-engine/internal/outputs"
	"github.com/dwallet-labs/ika-mpc-engine/internal/reporter"
	"github.com/dwallet-labs/ika-mpc-engine/internal/session"
	"github.com/dwallet-labs/ika-mpc-engine/internal/sessionmanager"
	"github.com/dwallet-labs/ika-mpc-engine/internal/storage"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/protocol"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/seed"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/wire"
)

// Event types the anchoring ledger uses for batch initiation, alongside the
// per-protocol tags of tagByEventType.
const (
	eventTypeBatchedSign    = "batched_sign"
	eventTypeBatchedPresign = "batched_presign"
)

// Engine is one validator's dWallet MPC engine for the current epoch.
type Engine struct {
	logger *zap.Logger
	cfg    Config

	Epoch        *epoch.Epoch
	Manager      *sessionmanager.Manager
	Orchestrator *orchestrator.Orchestrator
	Outputs      *outputs.Aggregator
	Batches      *batch.Manager
	Reporter     *reporter.Reporter

	transport external.ConsensusTransport
	ledger    external.AnchoringLedgerClient
	inputs    *inputbuilder.Builder
}

// Config bundles the collaborators and parameters needed to start an Engine.
type Config struct {
	Logger      *zap.Logger
	Access      *party.AccessStructure
	Store       storage.Store
	Transport   external.ConsensusTransport
	Ledger      external.AnchoringLedgerClient
	Library     protocol.Library
	AuthorityID party.ID
	SigningKey  *secp256k1.PrivateKey
	RootSeed    seed.Root
	Parallelism int
	EpochNumber uint64
}

// New constructs an Engine for one epoch incarnation.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ep := epoch.New(cfg.EpochNumber, cfg.Access, cfg.Store)
	return newWithEpoch(cfg, ep)
}

func newWithEpoch(cfg Config, ep *epoch.Epoch) (*Engine, error) {
	orch, err := orchestrator.New(cfg.Logger, cfg.Library, cfg.Parallelism)
	if err != nil {
		return nil, errors.Wrap(err, "engine: failed to build orchestrator")
	}

	agg := outputs.New(cfg.Access)
	rep := reporter.New()
	bm := batch.New()

	mgr := sessionmanager.New(sessionmanager.Config{
		Logger:       cfg.Logger,
		Epoch:        ep,
		Orchestrator: orch,
		Outputs:      agg,
		Reporter:     rep,
		Batches:      bm,
		Transport:    cfg.Transport,
		Ledger:       cfg.Ledger,
		AuthorityID:  cfg.AuthorityID,
		SigningKey:   cfg.SigningKey,
		RootSeed:     cfg.RootSeed,
	})

	return &Engine{
		logger:       cfg.Logger,
		cfg:          cfg,
		Epoch:        ep,
		Manager:      mgr,
		Orchestrator: orch,
		Outputs:      agg,
		Batches:      bm,
		Reporter:     rep,
		transport:    cfg.Transport,
		ledger:       cfg.Ledger,
		inputs:       inputbuilder.New(ep),
	}, nil
}

// RotateEpoch ends this Engine's epoch incarnation and builds the next one:
// the new committee access structure is installed, NetworkDKG sessions are
// carried forward while all other session state is cleared, and the boot
// counter is incremented only if priorMonitor shows the prior incarnation
// handled at least one consensus commit. The returned Engine shares this
// one's store and external collaborators; the caller starts it with Run,
// which restarts the consensus transport under the new boot counter.
func (e *Engine) RotateEpoch(newAccess *party.AccessStructure, priorMonitor external.CommitMonitor) (*Engine, error) {
	nextEpoch, err := e.Epoch.StartNewEpoch(newAccess, priorMonitor)
	if err != nil {
		return nil, errors.Wrap(err, "engine: epoch rotation failed")
	}
	cfg := e.cfg
	cfg.Access = newAccess
	cfg.EpochNumber = nextEpoch.Number()
	return newWithEpoch(cfg, nextEpoch)
}

// Run starts the consensus transport (registering the inbound message
// callback) and the Session Manager's event loop, waits for locally
// persisted commits to replay, then runs the ledger event pump until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ids := e.Epoch.AccessStructure().IDs()
	committee := make([]uint16, len(ids))
	for i, id := range ids {
		committee[i] = uint16(id)
	}
	handle, err := e.transport.Start(ctx, committee, nil, e.Epoch.BootCounter(), e.handleTransportMessage)
	if err != nil {
		return errors.Wrap(err, "engine: failed to start consensus transport")
	}
	defer handle.Stop()

	events, err := e.ledger.Events(ctx)
	if err != nil {
		return errors.Wrap(err, "engine: failed to subscribe to ledger events")
	}

	go e.Manager.Run(ctx)

	// Locally persisted commits replay through the message callback before
	// the engine starts consuming fresh ledger events.
	if err := handle.ReplayComplete(ctx); err != nil {
		return errors.Wrap(err, "engine: commit replay failed")
	}
	e.logger.Info("engine: replay complete, ready", zap.Uint64("epoch", e.Epoch.Number()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.submitLedgerEvent(ev)
		}
	}
}

// handleTransportMessage decodes one consensus-transport delivery and
// routes it into the Session Manager. Undecodable deliveries are logged
// and dropped.
func (e *Engine) handleTransportMessage(raw []byte) {
	var signed wire.Signed
	if err := wire.Unmarshal(raw, &signed); err != nil {
		e.logger.Warn("engine: undecodable transport delivery dropped", zap.Error(err))
		return
	}
	switch signed.Kind {
	case wire.KindRoundMessage:
		var env wire.RoundMessageEnvelope
		if err := wire.Unmarshal(signed.Envelope, &env); err != nil {
			e.logger.Warn("engine: malformed round message dropped", zap.Error(err))
			return
		}
		e.HandlePeerMessage(env)
	case wire.KindOutputMessage:
		var env wire.OutputMessageEnvelope
		if err := wire.Unmarshal(signed.Envelope, &env); err != nil {
			e.logger.Warn("engine: malformed output message dropped", zap.Error(err))
			return
		}
		e.HandlePeerOutput(env)
	default:
		e.logger.Warn("engine: transport delivery with unknown kind dropped", zap.Uint8("kind", uint8(signed.Kind)))
	}
}

// HandlePeerMessage routes another validator's round message into the
// Session Manager.
func (e *Engine) HandlePeerMessage(env wire.RoundMessageEnvelope) {
	e.Manager.Submit(sessionmanager.PeerMessageEvent{
		SessionID: session.ID(env.SessionID),
		Sender:    env.AuthorityID,
		Round:     env.RoundNumber,
		Bytes:     env.MessageBytes,
	})
}

// HandlePeerOutput routes another validator's signed output into the
// Session Manager.
func (e *Engine) HandlePeerOutput(env wire.OutputMessageEnvelope) {
	e.Manager.Submit(sessionmanager.PeerOutputEvent{
		SessionID: session.ID(env.SessionID),
		Sender:    env.AuthorityID,
		Output:    env.OutputBytes,
		Metadata:  env.Metadata,
	})
}

// submitLedgerEvent decodes an external.Event into the matching Session
// Manager event. Batched sign/presign initiation events allocate a batch
// record keyed by the event's session identifier; everything else resolves
// through the Input Builder into a NewSessionEvent, carrying the
// sub-session's batch membership when the event names one. Deserialization
// or configuration failures (e.g. an unknown network key) are logged and
// skipped, leaving manager state unchanged.
func (e *Engine) submitLedgerEvent(ev external.Event) {
	switch ev.Type {
	case eventTypeBatchedSign:
		msgs, err := e.inputs.BuildSignBatch(ev)
		if err != nil {
			e.logger.Error("engine: failed to decode sign-batch event", zap.Error(err))
			return
		}
		e.Manager.Submit(sessionmanager.StartSignBatchEvent{
			BatchID:        ev.SessionIdentifier,
			HashedMessages: msgs,
		})
		return
	case eventTypeBatchedPresign:
		size, err := e.inputs.BuildPresignBatch(ev)
		if err != nil {
			e.logger.Error("engine: failed to decode presign-batch event", zap.Error(err))
			return
		}
		e.Manager.Submit(sessionmanager.StartPresignBatchEvent{
			BatchID:   ev.SessionIdentifier,
			BatchSize: size,
		})
		return
	}

	tag, ok := decodeProtocolTag(ev.Type)
	if !ok {
		e.logger.Error("engine: unknown protocol tag in ledger event", zap.String("type", ev.Type))
		return
	}
	meta := protocol.Catalog[tag]

	publicInput, privateInput, membership, err := e.inputs.Build(tag, ev)
	if err != nil {
		e.logger.Error("engine: failed to resolve public input for event",
			zap.String("type", ev.Type), zap.Error(err))
		return
	}

	e.Manager.Submit(sessionmanager.NewSessionEvent{
		SessionID:             session.ID(ev.SessionIdentifier),
		Protocol:              tag,
		SequenceNum:           ev.SequenceNumber,
		PublicInput:           publicInput,
		PrivateInput:          privateInput,
		RequiresNextCommittee: meta.RequiresNextCommittee,
		Batch:                 membership,
	})
}

func decodeProtocolTag(eventType string) (protocol.Tag, bool) {
	for tag, name := range tagByEventType {
		if name == eventType {
			return tag, true
		}
	}
	return 0, false
}

var tagByEventType = map[protocol.Tag]string{
	protocol.DKG1:                   "dkg_first_round",
	protocol.DKG2:                   "dkg_second_round",
	protocol.Presign1:               "presign_first_round",
	protocol.Presign2:               "presign_second_round",
	protocol.Sign:                   "sign",
	protocol.NetworkDKG:             "network_dkg",
	protocol.Reconfig:               "reconfiguration",
	protocol.EncryptedShareVerify:   "encrypted_share_verification",
	protocol.PartialSignatureVerify: "partial_signature_verification",
	protocol.MakePublic:             "make_dwallet_user_secret_key_share_public",
	protocol.ImportedKeyVerify:      "imported_key_verification",
}
