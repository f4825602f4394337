// Package inputbuilder deserializes an anchoring-ledger event's opaque
// contents bytes and resolves a per-session protocol.PublicInput by
// combining the event's own payload with the epoch's network
// decryption-key material and the current committee access structure.
package inputbuilder

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/dwallet-labs/ika-mpc-engine/internal/batch"
	"github.com/dwallet-labs/ika-mpc-engine/internal/epoch"
	"github.com/dwallet-labs/ika-mpc-engine/internal/external"
	"github.com/dwallet-labs/ika-mpc-engine/internal/mpcerr"
	"github.com/dwallet-labs/ika-mpc-engine/internal/session"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/protocol"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/wire"
)

var decMode cbor.DecMode

func init() {
	m, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("inputbuilder: failed to build cbor decode mode: %v", err))
	}
	decMode = m
}

// BatchPayload links a sub-session initiation event to the batch it was
// requested as part of. A sign sub-session names its hashed message; a
// presign sub-session names the first-round session its blob is filed
// under.
type BatchPayload struct {
	BatchSessionID      [32]byte `cbor:"1,keyasint"`
	HashedMessage       string   `cbor:"2,keyasint,omitempty"`
	FirstRoundSessionID [32]byte `cbor:"3,keyasint,omitempty"`
}

// EventPayload is the canonical CBOR shape of external.Event.ContentsBytes:
// the protocol-specific raw parameters the anchoring ledger attaches to an
// initiation event, plus the name under which this session's required
// network key (if any) was installed, plus any private material held only
// by the local validator (e.g. a reference to its own decryption-key
// share), plus the sub-session's batch membership when the session was
// requested as part of a batched sign/presign. The engine interprets only
// the network key name (to look up the key) and the batch membership;
// everything else is threaded through to the black-box protocol library.
type EventPayload struct {
	RawPublicInput []byte        `cbor:"1,keyasint"`
	NetworkKeyName string        `cbor:"2,keyasint,omitempty"`
	PrivateInput   []byte        `cbor:"3,keyasint,omitempty"`
	Batch          *BatchPayload `cbor:"4,keyasint,omitempty"`
}

// SignBatchPayload is the canonical CBOR shape of a batched-sign initiation
// event's contents: the ordered hashed messages the batch covers.
type SignBatchPayload struct {
	HashedMessages []string `cbor:"1,keyasint"`
}

// PresignBatchPayload is the canonical CBOR shape of a batched-presign
// initiation event's contents: a bare batch size.
type PresignBatchPayload struct {
	BatchSize uint64 `cbor:"1,keyasint"`
}

// ResolvedPublicInput is the CBOR-canonical shape actually handed to the
// protocol library as protocol.PublicInput: the event's raw parameters,
// the resolved network key handle (empty when the protocol doesn't need
// one), and a snapshot of the committee weights and threshold the
// cryptography must agree with every other validator on.
type ResolvedPublicInput struct {
	RawPublicInput []byte              `cbor:"1,keyasint"`
	NetworkKey     []byte              `cbor:"2,keyasint,omitempty"`
	PartyWeights   map[party.ID]uint64 `cbor:"3,keyasint"`
	Threshold      uint64              `cbor:"4,keyasint"`

	// ExpectedDecrypters is the Sign protocol's deterministic responder
	// hint, sampled from the committee by the session id. Empty for every
	// other protocol.
	ExpectedDecrypters []party.ID `cbor:"5,keyasint,omitempty"`
}

// Builder resolves anchoring-ledger events into per-session public/private
// input values for a single epoch incarnation.
type Builder struct {
	epoch *epoch.Epoch
}

// New constructs a Builder bound to ep. The engine builds a fresh Builder
// for each epoch incarnation, since network keys and the access structure
// are only immutable within one epoch.
func New(ep *epoch.Epoch) *Builder {
	return &Builder{epoch: ep}
}

// Build decodes ev's contents and resolves it into a PublicInput,
// PrivateInput, and (for batched sub-sessions) batch membership for the
// given protocol tag. It returns a Configuration error if the event cannot
// be decoded, or if the protocol requires a network key that has not been
// installed for this epoch.
func (b *Builder) Build(tag protocol.Tag, ev external.Event) (protocol.PublicInput, protocol.PrivateInput, *session.BatchMembership, error) {
	var payload EventPayload
	if err := decMode.Unmarshal(ev.ContentsBytes, &payload); err != nil {
		return nil, nil, nil, mpcerr.Wrap(mpcerr.Configuration, err, "inputbuilder: failed to decode event contents")
	}

	meta, ok := protocol.Catalog[tag]
	if !ok {
		return nil, nil, nil, mpcerr.New(mpcerr.Configuration, fmt.Sprintf("inputbuilder: unknown protocol tag %d", tag))
	}

	var networkKey []byte
	if meta.RequiresNetworkKey {
		if payload.NetworkKeyName == "" {
			return nil, nil, nil, mpcerr.New(mpcerr.Configuration, "inputbuilder: protocol requires a network key but event named none")
		}
		handle, ok := b.epoch.NetworkKey(payload.NetworkKeyName)
		if !ok {
			return nil, nil, nil, mpcerr.New(mpcerr.Configuration, fmt.Sprintf("inputbuilder: unknown network key %q", payload.NetworkKeyName))
		}
		networkKey = []byte(handle)
	}

	access := b.epoch.AccessStructure()
	resolved := ResolvedPublicInput{
		RawPublicInput: payload.RawPublicInput,
		NetworkKey:     networkKey,
		PartyWeights:   access.Weights,
		Threshold:      access.Threshold,
	}
	if tag == protocol.Sign {
		resolved.ExpectedDecrypters = protocol.ExpectedDecrypters(access, ev.SessionIdentifier).Sorted()
	}
	encoded, err := wire.Marshal(resolved)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "inputbuilder: failed to encode resolved public input")
	}

	var membership *session.BatchMembership
	if payload.Batch != nil {
		membership = &session.BatchMembership{
			BatchID:             payload.Batch.BatchSessionID,
			HashedMessage:       payload.Batch.HashedMessage,
			FirstRoundSessionID: session.ID(payload.Batch.FirstRoundSessionID),
		}
	}

	return protocol.PublicInput(encoded), protocol.PrivateInput(payload.PrivateInput), membership, nil
}

// BuildSignBatch decodes a batched-sign initiation event's contents into
// the batch's ordered hashed-message list.
func (b *Builder) BuildSignBatch(ev external.Event) ([]batch.HashedMessage, error) {
	var payload SignBatchPayload
	if err := decMode.Unmarshal(ev.ContentsBytes, &payload); err != nil {
		return nil, mpcerr.Wrap(mpcerr.Configuration, err, "inputbuilder: failed to decode sign-batch contents")
	}
	if len(payload.HashedMessages) == 0 {
		return nil, mpcerr.New(mpcerr.Configuration, "inputbuilder: sign batch names no hashed messages")
	}
	msgs := make([]batch.HashedMessage, len(payload.HashedMessages))
	for i, m := range payload.HashedMessages {
		msgs[i] = batch.HashedMessage(m)
	}
	return msgs, nil
}

// BuildPresignBatch decodes a batched-presign initiation event's contents
// into the declared batch size.
func (b *Builder) BuildPresignBatch(ev external.Event) (int, error) {
	var payload PresignBatchPayload
	if err := decMode.Unmarshal(ev.ContentsBytes, &payload); err != nil {
		return 0, mpcerr.Wrap(mpcerr.Configuration, err, "inputbuilder: failed to decode presign-batch contents")
	}
	if payload.BatchSize == 0 {
		return 0, mpcerr.New(mpcerr.Configuration, "inputbuilder: presign batch declares size 0")
	}
	return int(payload.BatchSize), nil
}
