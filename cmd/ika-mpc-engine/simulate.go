package main

import (
	"context"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dwallet-labs/ika-mpc-engine/internal/batch"
	"github.com/dwallet-labs/ika-mpc-engine/internal/engine"
	"github.com/dwallet-labs/ika-mpc-engine/internal/external/fake"
	"github.com/dwallet-labs/ika-mpc-engine/internal/session"
	"github.com/dwallet-labs/ika-mpc-engine/internal/sessionmanager"
	"github.com/dwallet-labs/ika-mpc-engine/internal/storage/memstore"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
	"github.com/dwallet-labs/ika-mpc-engine/pkg/protocol"
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted one-authority simulation of the engine",
	}
	cmd.AddCommand(newSimulateDKGCmd())
	cmd.AddCommand(newSimulateSignBatchCmd())
	cmd.AddCommand(newSimulateEpochRotationCmd())
	return cmd
}

// simulationLibrary replays a fixed Advance/Finalize sequence for every
// session, sufficient to demonstrate the engine's round-advancement and
// quorum-decision machinery without any real cryptography.
type simulationLibrary struct{}

// Advance ignores message content entirely: the demo library finalizes
// every protocol after its declared round count (pkg/protocol.NumRounds).
func (simulationLibrary) Advance(req protocol.RequestInput, pending protocol.PendingMessages) protocol.Result {
	if req.Round+1 < protocol.NumRounds(req.Protocol) {
		return protocol.Result{Kind: protocol.ResultAdvance, Message: []byte("round-msg")}
	}
	return protocol.Result{Kind: protocol.ResultFinalize, PublicOutput: []byte("simulated-output")}
}

func newDemoCommittee(parties, threshold int) (*party.AccessStructure, party.ID, *secp256k1.PrivateKey, error) {
	weights := make(map[party.ID]uint64, parties)
	for i := 1; i <= parties; i++ {
		weights[party.ID(i)] = 1
	}
	access, err := party.NewAccessStructure(weights, uint64(threshold))
	if err != nil {
		return nil, 0, nil, err
	}
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, 0, nil, err
	}
	return access, 1, key, nil
}

// quorumSenders returns the first n party ids, the subset the simulation
// uses to reach threshold weight.
func quorumSenders(n int) []party.ID {
	out := make([]party.ID, n)
	for i := range out {
		out[i] = party.ID(i + 1)
	}
	return out
}

func newDemoEngine(access *party.AccessStructure, authorityID party.ID, key *secp256k1.PrivateKey) (*engine.Engine, error) {
	return engine.New(engine.Config{
		Logger:      zap.NewNop(),
		Access:      access,
		Store:       memstore.New(),
		Transport:   fake.NewTransport(),
		Ledger:      fake.NewLedgerClient(16),
		Library:     simulationLibrary{},
		AuthorityID: authorityID,
		SigningKey:  key,
		Parallelism: 2,
		EpochNumber: 1,
	})
}

func newSimulateDKGCmd() *cobra.Command {
	var parties, threshold int
	cmd := &cobra.Command{
		Use:   "dkg",
		Short: "Simulate a DKG session reaching Finalize across two rounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			access, authorityID, key, err := newDemoCommittee(parties, threshold)
			if err != nil {
				return err
			}
			e, err := newDemoEngine(access, authorityID, key)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			go e.Manager.Run(ctx)

			var sid session.ID
			sid[0] = 1
			e.Manager.Submit(sessionmanager.NewSessionEvent{SessionID: sid, Protocol: protocol.DKG1, SequenceNum: 1})
			for _, p := range quorumSenders(threshold) {
				e.Manager.Submit(sessionmanager.PeerMessageEvent{SessionID: sid, Sender: p, Round: 0, Bytes: []byte("m")})
			}

			out := cmd.OutOrStdout()
			round1Sent := false
			for ctx.Err() == nil {
				s, ok := e.Epoch.Session(sid)
				if ok && s.Status == session.Finished {
					fmt.Fprintf(out, "session %x finished at round %d with output %q\n", sid[:4], s.RoundNumber, s.PublicOutput)
					return nil
				}
				if ok && s.RoundNumber == 1 && !round1Sent {
					round1Sent = true
					for _, p := range quorumSenders(threshold) {
						e.Manager.Submit(sessionmanager.PeerMessageEvent{SessionID: sid, Sender: p, Round: 1, Bytes: []byte("m2")})
					}
				}
				time.Sleep(5 * time.Millisecond)
			}
			return fmt.Errorf("simulate dkg: timed out before the session reached Finalize")
		},
	}
	cmd.Flags().IntVar(&parties, "parties", 4, "committee size")
	cmd.Flags().IntVar(&threshold, "threshold", 3, "quorum weight threshold")
	return cmd
}

func newSimulateSignBatchCmd() *cobra.Command {
	var parties, threshold, messages int
	cmd := &cobra.Command{
		Use:   "sign-batch",
		Short: "Simulate a sign batch completing out of order",
		RunE: func(cmd *cobra.Command, args []string) error {
			access, authorityID, key, err := newDemoCommittee(parties, threshold)
			if err != nil {
				return err
			}
			if messages < 1 {
				return fmt.Errorf("simulate sign-batch: --messages must be at least 1")
			}
			e, err := newDemoEngine(access, authorityID, key)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			go e.Manager.Run(ctx)

			hashed := make([]batch.HashedMessage, messages)
			for i := range hashed {
				hashed[i] = batch.HashedMessage(fmt.Sprintf("h%d", i+1))
			}
			// Declare the first message twice; the batch dedups it while
			// preserving declaration order.
			declared := append([]batch.HashedMessage{hashed[0]}, hashed...)

			var batchID [32]byte
			batchID[0] = 0xb0
			e.Manager.Submit(sessionmanager.StartSignBatchEvent{BatchID: batchID, HashedMessages: declared})

			sessionFor := make(map[batch.HashedMessage]session.ID, messages)
			for i, hm := range hashed {
				var sid session.ID
				sid[0] = byte(0x51 + i)
				sessionFor[hm] = sid
			}

			// Complete sub-sessions in reverse of declared order; the
			// batch's final emission must preserve the declared order
			// regardless.
			out := cmd.OutOrStdout()
			for i := len(hashed) - 1; i >= 0; i-- {
				hm := hashed[i]
				sid := sessionFor[hm]
				e.Manager.Submit(sessionmanager.NewSessionEvent{
					SessionID: sid,
					Protocol:  protocol.Sign,
					Batch:     &session.BatchMembership{BatchID: batchID, HashedMessage: string(hm)},
				})
				for _, p := range quorumSenders(threshold) {
					e.Manager.Submit(sessionmanager.PeerMessageEvent{SessionID: sid, Sender: p, Round: 0, Bytes: []byte("m")})
				}
				if err := waitForStatus(ctx, e, sid, session.Finished); err != nil {
					return fmt.Errorf("simulate sign-batch: sub-session %s: %w", hm, err)
				}
				// The authority's own vote was cast automatically on
				// Finalize; simulate the remaining committee members
				// agreeing, reaching the output quorum.
				for _, p := range quorumSenders(threshold) {
					if p == authorityID {
						continue
					}
					e.Manager.Submit(sessionmanager.PeerOutputEvent{SessionID: sid, Sender: p, Output: []byte("simulated-output")})
				}
			}

			for ctx.Err() == nil {
				if _, ok := e.Batches.SignBatch(batchID); !ok {
					break // the Batch Manager drops a record once it completes
				}
				time.Sleep(5 * time.Millisecond)
			}
			if ctx.Err() != nil {
				return fmt.Errorf("simulate sign-batch: timed out before the batch completed")
			}
			fmt.Fprintf(out, "batch %x completed with %d signatures in declared order\n", batchID[:4], len(hashed))
			return nil
		},
	}
	cmd.Flags().IntVar(&parties, "parties", 4, "committee size")
	cmd.Flags().IntVar(&threshold, "threshold", 3, "quorum weight threshold")
	cmd.Flags().IntVar(&messages, "messages", 3, "distinct hashed messages in the batch")
	return cmd
}

func newSimulateEpochRotationCmd() *cobra.Command {
	var parties, threshold int
	cmd := &cobra.Command{
		Use:   "epoch-rotation",
		Short: "Simulate an epoch boundary carrying NetworkDKG sessions forward",
		RunE: func(cmd *cobra.Command, args []string) error {
			access, authorityID, key, err := newDemoCommittee(parties, threshold)
			if err != nil {
				return err
			}
			e, err := newDemoEngine(access, authorityID, key)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			go e.Manager.Run(ctx)

			var networkSID, signSID session.ID
			networkSID[0], signSID[0] = 0xa0, 0xa1
			e.Manager.Submit(sessionmanager.NewSessionEvent{SessionID: networkSID, Protocol: protocol.NetworkDKG, SequenceNum: 1})
			e.Manager.Submit(sessionmanager.NewSessionEvent{SessionID: signSID, Protocol: protocol.Sign, SequenceNum: 2})
			for _, p := range quorumSenders(threshold) {
				e.Manager.Submit(sessionmanager.PeerMessageEvent{SessionID: signSID, Sender: p, Round: 0, Bytes: []byte("m")})
			}
			if err := waitForStatus(ctx, e, signSID, session.Finished); err != nil {
				return fmt.Errorf("simulate epoch-rotation: %w", err)
			}

			// The prior incarnation handled commits, so the next epoch bumps
			// the boot counter.
			next, err := e.RotateEpoch(access, fake.NewCommitMonitor(1))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, carried := next.Epoch.Session(networkSID)
			_, cleared := next.Epoch.Session(signSID)
			fmt.Fprintf(out, "epoch %d -> %d, boot counter %d\n", e.Epoch.Number(), next.Epoch.Number(), next.Epoch.BootCounter())
			fmt.Fprintf(out, "network DKG session carried: %t, sign session cleared: %t\n", carried, !cleared)
			return nil
		},
	}
	cmd.Flags().IntVar(&parties, "parties", 4, "committee size")
	cmd.Flags().IntVar(&threshold, "threshold", 3, "quorum weight threshold")
	return cmd
}

// waitForStatus blocks until sid reaches want or ctx is done.
func waitForStatus(ctx context.Context, e *engine.Engine, sid session.ID, want session.Status) error {
	for ctx.Err() == nil {
		if s, ok := e.Epoch.Session(sid); ok && s.Status == want {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for status %s", want)
}
