// Package fake provides in-memory implementations of internal/external's
// interfaces, used by the engine's integration suite and the demo CLI to
// simulate a committee without any real network or ledger.
package fake

import (
	"context"
	"sync"

	"github.com/dwallet-labs/ika-mpc-engine/internal/external"
)

// Transport is an in-process ConsensusTransport that loops submitted bytes
// back to every registered onMessage callback, simulating a single-node
// view of a committee's broadcast channel.
type Transport struct {
	mu        sync.Mutex
	callbacks []func([]byte)
	stopped   bool
}

// NewTransport builds an empty fake Transport.
func NewTransport() *Transport {
	return &Transport{}
}

type transportHandle struct {
	t *Transport
}

func (h *transportHandle) Stop() error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	h.t.stopped = true
	return nil
}

func (h *transportHandle) ReplayComplete(ctx context.Context) error {
	return nil
}

// Start registers onMessage as a recipient of every future Submit call.
func (t *Transport) Start(ctx context.Context, committeeIDs []uint16, parameters []byte, bootCounter uint64, onMessage func([]byte)) (external.Handle, error) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, onMessage)
	t.mu.Unlock()
	return &transportHandle{t: t}, nil
}

// Submit delivers bytes to every registered callback synchronously.
func (t *Transport) Submit(ctx context.Context, bytes []byte) error {
	t.mu.Lock()
	callbacks := append([]func([]byte){}, t.callbacks...)
	t.mu.Unlock()
	for _, cb := range callbacks {
		cb(bytes)
	}
	return nil
}

// CommitMonitor is a fake external.CommitMonitor with a settable counter.
type CommitMonitor struct {
	mu      sync.Mutex
	highest uint64
}

// NewCommitMonitor builds a fake CommitMonitor starting at the given value.
func NewCommitMonitor(highest uint64) *CommitMonitor {
	return &CommitMonitor{highest: highest}
}

func (m *CommitMonitor) HighestHandledCommit() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highest
}

// SetHighestHandledCommit updates the counter, for tests driving a
// simulated sequence of consensus commits.
func (m *CommitMonitor) SetHighestHandledCommit(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.highest = n
}

// LedgerClient is an in-memory AnchoringLedgerClient: Events are fed in by
// the test driver via Push, and certified outputs are recorded for
// assertion.
type LedgerClient struct {
	mu        sync.Mutex
	ch        chan external.Event
	certified []CertifiedOutput
}

// CertifiedOutput records one call to NotifyCertifiedOutput.
type CertifiedOutput struct {
	Signature    []byte
	SignerBitmap []byte
	MessageBytes []byte
}

// NewLedgerClient builds a LedgerClient with the given event channel buffer.
func NewLedgerClient(bufferSize int) *LedgerClient {
	return &LedgerClient{ch: make(chan external.Event, bufferSize)}
}

func (l *LedgerClient) Events(ctx context.Context) (<-chan external.Event, error) {
	return l.ch, nil
}

// Push enqueues an event for delivery to the engine.
func (l *LedgerClient) Push(e external.Event) {
	l.ch <- e
}

func (l *LedgerClient) NotifyCertifiedOutput(ctx context.Context, signature, signerBitmap, messageBytes []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.certified = append(l.certified, CertifiedOutput{Signature: signature, SignerBitmap: signerBitmap, MessageBytes: messageBytes})
	return nil
}

// Certified returns every certified output recorded so far, for assertions.
func (l *LedgerClient) Certified() []CertifiedOutput {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CertifiedOutput, len(l.certified))
	copy(out, l.certified)
	return out
}
