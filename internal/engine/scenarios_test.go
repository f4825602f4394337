package engine_test

import (
	"context"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/dwallet-labs/ika-mpc-engine/internal/batch"
	"github.com/dwallet-labs/ika-mpc-engine/internal/engine"
	"github.com/dwallet-labs/ika-mpc-engine/internal/external"
	"github.com/dwallet-labs/ika-mpc-engine/internal/external/fake"
	"github.com/dwallet-labs/ika-mpc-engine/internal/inputbuilder"
	"github.com/dwallet-labs/ika-mpc-engine/internal/session"
	"github.com/dwallet-labs/ika-mpc-engine/internal/sessionmanager"
	"github.com/dwallet-labs/ika-mpc-engine/internal/storage/memstore"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/protocol"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/wire"
)

// scriptedLibrary replays a fixed sequence of protocol.Result values per
// distinct public input, one per Advance call, standing in for the real
// cryptography.
type scriptedLibrary struct {
	mu     sync.Mutex
	script map[string][]protocol.Result
	calls  map[string]int
}

func newScriptedLibrary(script map[string][]protocol.Result) *scriptedLibrary {
	return &scriptedLibrary{script: script, calls: make(map[string]int)}
}

func (s *scriptedLibrary) Advance(req protocol.RequestInput, pending protocol.PendingMessages) protocol.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(req.PublicInput)
	seq := s.script[key]
	idx := s.calls[key]
	s.calls[key]++
	if idx >= len(seq) {
		return protocol.Result{Kind: protocol.ResultError, Err: nil}
	}
	return seq[idx]
}

// resolvingLibrary finalizes every session on its first advance, deriving
// the output from the raw parameters the Input Builder resolved out of the
// ledger event, so ledger-driven scenarios can predict per-session outputs.
type resolvingLibrary struct{}

func (resolvingLibrary) Advance(req protocol.RequestInput, pending protocol.PendingMessages) protocol.Result {
	var resolved inputbuilder.ResolvedPublicInput
	if err := cbor.Unmarshal(req.PublicInput, &resolved); err != nil {
		return protocol.Result{Kind: protocol.ResultError, Err: err}
	}
	return protocol.Result{Kind: protocol.ResultFinalize, PublicOutput: append([]byte("sig-"), resolved.RawPublicInput...)}
}

var _ = Describe("dWallet MPC engine", func() {
	var (
		access *party.AccessStructure
		key    *secp256k1.PrivateKey
	)

	BeforeEach(func() {
		var err error
		access, err = party.NewAccessStructure(map[party.ID]uint64{1: 1, 2: 1, 3: 1, 4: 1}, 3)
		Expect(err).NotTo(HaveOccurred())
		key, err = secp256k1.GeneratePrivateKey()
		Expect(err).NotTo(HaveOccurred())
	})

	It("drives a DKG session through two rounds to a quorum-backed finalize", func() {
		lib := newScriptedLibrary(map[string][]protocol.Result{
			"dkg-1": {
				{Kind: protocol.ResultAdvance, Message: []byte("round-1-msg")},
				{Kind: protocol.ResultFinalize, PublicOutput: []byte("P")},
			},
		})

		ledger := fake.NewLedgerClient(16)
		transport := fake.NewTransport()
		e, err := engine.New(engine.Config{
			Logger:      zap.NewNop(),
			Access:      access,
			Store:       memstore.New(),
			Transport:   transport,
			Ledger:      ledger,
			Library:     lib,
			AuthorityID: 1,
			SigningKey:  key,
			Parallelism: 2,
			EpochNumber: 1,
		})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		var sid session.ID
		sid[0] = 1
		e.Manager.Submit(sessionmanager.NewSessionEvent{
			SessionID:   sid,
			Protocol:    protocol.DKG1,
			SequenceNum: 1,
			PublicInput: protocol.PublicInput("dkg-1"),
		})

		for _, p := range []party.ID{1, 2, 3} {
			e.Manager.Submit(sessionmanager.PeerMessageEvent{SessionID: sid, Sender: p, Round: 0, Bytes: []byte("m")})
		}

		Eventually(func() uint32 {
			s, ok := e.Epoch.Session(sid)
			if !ok {
				return 0
			}
			return s.RoundNumber
		}, time.Second, 5*time.Millisecond).Should(Equal(uint32(1)))

		for _, p := range []party.ID{1, 2, 3} {
			e.Manager.Submit(sessionmanager.PeerMessageEvent{SessionID: sid, Sender: p, Round: 1, Bytes: []byte("m2")})
		}

		Eventually(func() session.Status {
			s, ok := e.Epoch.Session(sid)
			if !ok {
				return session.Pending
			}
			return s.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(session.Finished))

		s, _ := e.Epoch.Session(sid)
		Expect(s.PublicOutput).To(Equal([]byte("P")))

		// Party 4's later submission for a round the session has already
		// passed is simply ignored by a finished session.
		e.Manager.Submit(sessionmanager.PeerMessageEvent{SessionID: sid, Sender: 4, Round: 1, Bytes: []byte("late")})
		Consistently(func() session.Status {
			s, _ := e.Epoch.Session(sid)
			return s.Status
		}, 100*time.Millisecond, 10*time.Millisecond).Should(Equal(session.Finished))
	})

	It("restarts a session on an identifiable abort, excluding the accused party", func() {
		lib := newScriptedLibrary(map[string][]protocol.Result{
			"presign-1": {
				{Kind: protocol.ResultMaliciousParties, Flagged: party.NewSet(2)},
				{Kind: protocol.ResultFinalize, PublicOutput: []byte("presign-out")},
			},
		})

		e, err := engine.New(engine.Config{
			Logger:      zap.NewNop(),
			Access:      access,
			Store:       memstore.New(),
			Transport:   fake.NewTransport(),
			Ledger:      fake.NewLedgerClient(16),
			Library:     lib,
			AuthorityID: 1,
			SigningKey:  key,
			Parallelism: 2,
			EpochNumber: 1,
		})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		var sid session.ID
		sid[0] = 2
		e.Manager.Submit(sessionmanager.NewSessionEvent{
			SessionID:   sid,
			Protocol:    protocol.Presign1,
			SequenceNum: 1,
			PublicInput: protocol.PublicInput("presign-1"),
		})
		for _, p := range []party.ID{1, 2, 3} {
			e.Manager.Submit(sessionmanager.PeerMessageEvent{SessionID: sid, Sender: p, Round: 0, Bytes: []byte("m")})
		}

		Eventually(func() uint32 {
			s, ok := e.Epoch.Session(sid)
			if !ok {
				return 0
			}
			return s.BootAttempt
		}, time.Second, 5*time.Millisecond).Should(Equal(uint32(1)))

		s, _ := e.Epoch.Session(sid)
		Expect(s.AccessStructure.WeightOf(2)).To(Equal(uint64(0)))

		for _, p := range []party.ID{1, 3, 4} {
			e.Manager.Submit(sessionmanager.PeerMessageEvent{SessionID: sid, Sender: p, Round: 0, Bytes: []byte("m-retry")})
		}

		Eventually(func() session.Status {
			s, ok := e.Epoch.Session(sid)
			if !ok {
				return session.Pending
			}
			return s.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(session.Finished))
	})

	It("ingests a batched sign request from the ledger and emits in declared order", func() {
		ledger := fake.NewLedgerClient(64)
		e, err := engine.New(engine.Config{
			Logger:      zap.NewNop(),
			Access:      access,
			Store:       memstore.New(),
			Transport:   fake.NewTransport(),
			Ledger:      ledger,
			Library:     resolvingLibrary{},
			AuthorityID: 1,
			SigningKey:  key,
			Parallelism: 2,
			EpochNumber: 1,
		})
		Expect(err).NotTo(HaveOccurred())
		e.Epoch.InstallNetworkKey("nk", []byte("decryption-shares"))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		var batchID [32]byte
		batchID[0] = 0xba
		batchContents, err := cbor.Marshal(inputbuilder.SignBatchPayload{
			// h2 is declared twice; the batch dedups preserving order.
			HashedMessages: []string{"h1", "h2", "h2", "h3"},
		})
		Expect(err).NotTo(HaveOccurred())
		ledger.Push(external.Event{Type: "batched_sign", ContentsBytes: batchContents, SessionIdentifier: batchID, Epoch: 1, SequenceNumber: 1})

		Eventually(func() bool {
			_, ok := e.Batches.SignBatch(batchID)
			return ok
		}, time.Second, 5*time.Millisecond).Should(BeTrue())

		sessionFor := map[string][32]byte{}
		for i, hm := range []string{"h1", "h2", "h3"} {
			var sid [32]byte
			sid[0] = byte(0x60 + i)
			sessionFor[hm] = sid
		}

		// Sub-session requests arrive and complete out of declared order.
		for seq, hm := range []string{"h3", "h1", "h2"} {
			sid := sessionFor[hm]
			contents, err := cbor.Marshal(inputbuilder.EventPayload{
				RawPublicInput: []byte(hm),
				NetworkKeyName: "nk",
				Batch:          &inputbuilder.BatchPayload{BatchSessionID: batchID, HashedMessage: hm},
			})
			Expect(err).NotTo(HaveOccurred())
			ledger.Push(external.Event{Type: "sign", ContentsBytes: contents, SessionIdentifier: sid, Epoch: 1, SequenceNumber: uint64(2 + seq)})

			for _, p := range []party.ID{1, 2, 3} {
				e.HandlePeerMessage(wire.RoundMessageEnvelope{AuthorityID: p, SessionID: sid, RoundNumber: 0, MessageBytes: []byte("m")})
			}
			Eventually(func() session.Status {
				s, ok := e.Epoch.Session(session.ID(sid))
				if !ok {
					return session.Pending
				}
				return s.Status
			}, time.Second, 5*time.Millisecond).Should(Equal(session.Finished))

			sig := []byte("sig-" + hm)
			for _, p := range []party.ID{2, 3} {
				e.HandlePeerOutput(wire.OutputMessageEnvelope{AuthorityID: p, SessionID: sid, OutputBytes: sig})
			}
		}

		Eventually(func() bool {
			_, ok := e.Batches.SignBatch(batchID)
			return !ok
		}, time.Second, 5*time.Millisecond).Should(BeTrue())

		// The final certified emission is the batch envelope, in declared
		// order regardless of completion order.
		Eventually(func() int {
			return len(ledger.Certified())
		}, time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 4))
		last := ledger.Certified()[len(ledger.Certified())-1]
		var ordered [][]byte
		Expect(wire.Unmarshal(last.MessageBytes, &ordered)).To(Succeed())
		Expect(ordered).To(Equal([][]byte{[]byte("sig-h1"), []byte("sig-h2"), []byte("sig-h3")}))
	})

	It("rotates epochs, carrying NetworkDKG sessions and resuming persisted terminal sessions", func() {
		store := memstore.New()
		lib := newScriptedLibrary(map[string][]protocol.Result{
			"dkg-1": {{Kind: protocol.ResultFinalize, PublicOutput: []byte("P")}},
		})
		e1, err := engine.New(engine.Config{
			Logger:      zap.NewNop(),
			Access:      access,
			Store:       store,
			Transport:   fake.NewTransport(),
			Ledger:      fake.NewLedgerClient(16),
			Library:     lib,
			AuthorityID: 1,
			SigningKey:  key,
			Parallelism: 2,
			EpochNumber: 1,
		})
		Expect(err).NotTo(HaveOccurred())

		ctx1, cancel1 := context.WithCancel(context.Background())
		defer cancel1()
		go e1.Manager.Run(ctx1)

		var networkSID, dkgSID session.ID
		networkSID[0], dkgSID[0] = 0x70, 0x71
		e1.Manager.Submit(sessionmanager.NewSessionEvent{SessionID: networkSID, Protocol: protocol.NetworkDKG, SequenceNum: 1})
		e1.Manager.Submit(sessionmanager.NewSessionEvent{
			SessionID:   dkgSID,
			Protocol:    protocol.DKG1,
			SequenceNum: 2,
			PublicInput: protocol.PublicInput("dkg-1"),
		})
		for _, p := range []party.ID{1, 2, 3} {
			e1.Manager.Submit(sessionmanager.PeerMessageEvent{SessionID: dkgSID, Sender: p, Round: 0, Bytes: []byte("m")})
		}
		Eventually(func() session.Status {
			s, ok := e1.Epoch.Session(dkgSID)
			if !ok {
				return session.Pending
			}
			return s.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(session.Finished))
		cancel1()

		e2, err := e1.RotateEpoch(access, fake.NewCommitMonitor(3))
		Expect(err).NotTo(HaveOccurred())
		Expect(e2.Epoch.Number()).To(Equal(uint64(2)))
		Expect(e2.Epoch.BootCounter()).To(Equal(uint64(1)))

		// NetworkDKG sessions carry across the boundary; everything else is
		// cleared.
		_, ok := e2.Epoch.Session(networkSID)
		Expect(ok).To(BeTrue())
		_, ok = e2.Epoch.Session(dkgSID)
		Expect(ok).To(BeFalse())

		ctx2, cancel2 := context.WithCancel(context.Background())
		defer cancel2()
		go e2.Manager.Run(ctx2)

		// A replayed initiation event for the finished session resumes its
		// terminal state from the persisted record, with no recomputation.
		e2.Manager.Submit(sessionmanager.NewSessionEvent{
			SessionID:   dkgSID,
			Protocol:    protocol.DKG1,
			SequenceNum: 2,
			PublicInput: protocol.PublicInput("dkg-1"),
		})
		Eventually(func() session.Status {
			s, ok := e2.Epoch.Session(dkgSID)
			if !ok {
				return session.Pending
			}
			return s.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(session.Finished))
		s, _ := e2.Epoch.Session(dkgSID)
		Expect(s.PublicOutput).To(Equal([]byte("P")))
	})

	It("leaves a split vote undecided until a tie-breaking voter arrives", func() {
		fiveParty, err := party.NewAccessStructure(map[party.ID]uint64{1: 1, 2: 1, 3: 1, 4: 1, 5: 1}, 3)
		Expect(err).NotTo(HaveOccurred())

		ledger := fake.NewLedgerClient(16)
		e, err := engine.New(engine.Config{
			Logger:      zap.NewNop(),
			Access:      fiveParty,
			Store:       memstore.New(),
			Transport:   fake.NewTransport(),
			Ledger:      ledger,
			Library:     newScriptedLibrary(nil),
			AuthorityID: 1,
			SigningKey:  key,
			Parallelism: 2,
			EpochNumber: 1,
		})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		var sid session.ID
		sid[0] = 5
		e.Manager.Submit(sessionmanager.PeerOutputEvent{SessionID: sid, Sender: 1, Output: []byte("A")})
		e.Manager.Submit(sessionmanager.PeerOutputEvent{SessionID: sid, Sender: 2, Output: []byte("A")})
		e.Manager.Submit(sessionmanager.PeerOutputEvent{SessionID: sid, Sender: 3, Output: []byte("B")})
		e.Manager.Submit(sessionmanager.PeerOutputEvent{SessionID: sid, Sender: 4, Output: []byte("B")})

		// 2 votes for A and 2 for B against threshold 3: no decision yet.
		Consistently(func() int {
			return len(ledger.Certified())
		}, 100*time.Millisecond, 10*time.Millisecond).Should(BeZero())

		e.Manager.Submit(sessionmanager.PeerOutputEvent{SessionID: sid, Sender: 5, Output: []byte("A")})

		Eventually(func() int {
			return len(ledger.Certified())
		}, time.Second, 5*time.Millisecond).Should(Equal(1))
		Expect(ledger.Certified()[0].MessageBytes).To(Equal([]byte("A")))

		d, ok := e.Outputs.Decision([32]byte(sid))
		Expect(ok).To(BeTrue())
		Expect(d.Flagged.Contains(3)).To(BeTrue())
		Expect(d.Flagged.Contains(4)).To(BeTrue())
	})

	It("completes a sign batch out of order, emitting in declared order", func() {
		lib := newScriptedLibrary(map[string][]protocol.Result{
			"sign-h1": {{Kind: protocol.ResultFinalize, PublicOutput: []byte("sig-h1")}},
			"sign-h2": {{Kind: protocol.ResultFinalize, PublicOutput: []byte("sig-h2")}},
			"sign-h3": {{Kind: protocol.ResultFinalize, PublicOutput: []byte("sig-h3")}},
		})

		ledger := fake.NewLedgerClient(16)
		e, err := engine.New(engine.Config{
			Logger:      zap.NewNop(),
			Access:      access,
			Store:       memstore.New(),
			Transport:   fake.NewTransport(),
			Ledger:      ledger,
			Library:     lib,
			AuthorityID: 1,
			SigningKey:  key,
			Parallelism: 2,
			EpochNumber: 1,
		})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		var batchID [32]byte
		batchID[0] = 0xb1
		e.Manager.Submit(sessionmanager.StartSignBatchEvent{
			BatchID:        batchID,
			HashedMessages: []batch.HashedMessage{"h1", "h2", "h3"},
		})

		sessionFor := map[batch.HashedMessage]session.ID{}
		publicInputFor := map[batch.HashedMessage]string{"h1": "sign-h1", "h2": "sign-h2", "h3": "sign-h3"}
		for i, hm := range []batch.HashedMessage{"h1", "h2", "h3"} {
			var sid session.ID
			sid[0] = byte(0x30 + i)
			sessionFor[hm] = sid
			e.Manager.Submit(sessionmanager.NewSessionEvent{
				SessionID:   sid,
				Protocol:    protocol.Sign,
				PublicInput: protocol.PublicInput(publicInputFor[hm]),
				Batch:       &session.BatchMembership{BatchID: batchID, HashedMessage: string(hm)},
			})
		}

		Eventually(func() bool {
			_, ok := e.Batches.SignBatch(batchID)
			return ok
		}, time.Second, 5*time.Millisecond).Should(BeTrue())

		// Drive round-0 messages, and once each sub-session finalizes
		// locally simulate the other committee members' votes to reach
		// cross-validator output quorum, completing sub-sessions out of
		// declared order: h3, h1, h2.
		for _, hm := range []batch.HashedMessage{"h3", "h1", "h2"} {
			sid := sessionFor[hm]
			for _, p := range []party.ID{1, 2, 3} {
				e.Manager.Submit(sessionmanager.PeerMessageEvent{SessionID: sid, Sender: p, Round: 0, Bytes: []byte("m")})
			}
			Eventually(func() session.Status {
				s, ok := e.Epoch.Session(sid)
				if !ok {
					return session.Pending
				}
				return s.Status
			}, time.Second, 5*time.Millisecond).Should(Equal(session.Finished))

			sig := []byte("sig-" + string(hm))
			for _, p := range []party.ID{2, 3} {
				e.Manager.Submit(sessionmanager.PeerOutputEvent{SessionID: sid, Sender: p, Output: sig})
			}
		}

		Eventually(func() bool {
			_, ok := e.Batches.SignBatch(batchID)
			return !ok
		}, time.Second, 5*time.Millisecond).Should(BeTrue())

		Eventually(func() int {
			return len(ledger.Certified())
		}, time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 1))

		last := ledger.Certified()[len(ledger.Certified())-1]
		Expect(string(last.MessageBytes)).To(ContainSubstring("sig-h1"))
		Expect(string(last.MessageBytes)).To(ContainSubstring("sig-h2"))
		Expect(string(last.MessageBytes)).To(ContainSubstring("sig-h3"))

		var ordered [][]byte
		Expect(wire.Unmarshal(last.MessageBytes, &ordered)).To(Succeed())
		Expect(ordered).To(Equal([][]byte{[]byte("sig-h1"), []byte("sig-h2"), []byte("sig-h3")}))
	})
})
