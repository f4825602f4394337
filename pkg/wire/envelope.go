// Package wire defines the canonical, deterministically-serialized message
// envelopes the engine exchanges with peers via the consensus transport and
// certifies to the anchoring ledger.
package wire

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dsaecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
)

var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to build canonical cbor mode: %v", err))
	}
	encMode = m
}

// RoundMessageEnvelope is the wire form of a single round message
// broadcast by one authority for one session: {authority_id,
// session_id(32B), round_number(u32), message_bytes}.
type RoundMessageEnvelope struct {
	AuthorityID  party.ID `cbor:"1,keyasint"`
	SessionID    [32]byte `cbor:"2,keyasint"`
	RoundNumber  uint32   `cbor:"3,keyasint"`
	MessageBytes []byte   `cbor:"4,keyasint"`
}

// OutputMessageEnvelope is the wire form of a single authority's signed
// output vote for a session: {authority_id, session_id(32B), metadata,
// output_bytes}.
type OutputMessageEnvelope struct {
	AuthorityID party.ID `cbor:"1,keyasint"`
	SessionID   [32]byte `cbor:"2,keyasint"`
	Metadata    []byte   `cbor:"3,keyasint"`
	OutputBytes []byte   `cbor:"4,keyasint"`
}

// MessageKind discriminates which envelope a Signed wrapper carries, so a
// receiver can decode transport bytes without trial deserialization.
type MessageKind uint8

const (
	KindRoundMessage MessageKind = iota + 1
	KindOutputMessage
)

// Signed wraps a round or output envelope with the authority's ECDSA
// signature over its canonical encoding. This is the engine's own authority
// signature scheme and is unrelated to the threshold-ECDSA signature being
// computed by the MPC protocol under session.
type Signed struct {
	Kind      MessageKind `cbor:"1,keyasint"`
	Envelope  []byte      `cbor:"2,keyasint"`
	Signature []byte      `cbor:"3,keyasint"`
}

// CertifiedOutput is the aggregate threshold-signature-plus-bitmap artifact
// delivered to the anchoring ledger client for certification.
type CertifiedOutput struct {
	SessionID    [32]byte `cbor:"1,keyasint"`
	SignerBitmap []byte   `cbor:"2,keyasint"`
	Signature    []byte   `cbor:"3,keyasint"`
	MessageBytes []byte   `cbor:"4,keyasint"`
}

// Marshal canonically encodes v. Canonical CBOR encoding guarantees that
// independent validators computing the same envelope produce byte-identical
// output.
func Marshal(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "wire: canonical marshal failed")
	}
	return b, nil
}

// Unmarshal decodes canonically-encoded bytes into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "wire: unmarshal failed")
	}
	return nil
}

// Sign canonically encodes envelope and signs the digest with key,
// returning a Signed wrapper ready to hand to the consensus transport.
func Sign(envelope interface{}, key *secp256k1.PrivateKey) (*Signed, error) {
	var kind MessageKind
	switch envelope.(type) {
	case RoundMessageEnvelope, *RoundMessageEnvelope:
		kind = KindRoundMessage
	case OutputMessageEnvelope, *OutputMessageEnvelope:
		kind = KindOutputMessage
	default:
		return nil, errors.Errorf("wire: cannot sign envelope of type %T", envelope)
	}
	raw, err := Marshal(envelope)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(raw)
	sig := dsaecdsa.Sign(key, digest[:])
	return &Signed{Kind: kind, Envelope: raw, Signature: sig.Serialize()}, nil
}

// Verify checks that s carries a valid signature by pub over its envelope,
// and decodes the envelope into out.
func Verify(s *Signed, pub *secp256k1.PublicKey, out interface{}) error {
	digest := sha256.Sum256(s.Envelope)
	sig, err := dsaecdsa.ParseDERSignature(s.Signature)
	if err != nil {
		return errors.Wrap(err, "wire: malformed signature")
	}
	if !sig.Verify(digest[:], pub) {
		return errors.New("wire: signature verification failed")
	}
	return Unmarshal(s.Envelope, out)
}
