package batch

import (
	"sync"

	"github.com/pkg/errors"
)

// Manager owns every in-flight sign and presign batch, keyed by the
// batch's session id.
type Manager struct {
	mu      sync.Mutex
	sign    map[[32]byte]*SignBatch
	presign map[[32]byte]*PresignBatch
}

// New builds an empty batch Manager.
func New() *Manager {
	return &Manager{
		sign:    make(map[[32]byte]*SignBatch),
		presign: make(map[[32]byte]*PresignBatch),
	}
}

// StartSignBatch allocates a sign batch under batchID.
func (m *Manager) StartSignBatch(batchID [32]byte, messages []HashedMessage) *SignBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := NewSignBatch(messages)
	m.sign[batchID] = b
	return b
}

// StartPresignBatch allocates a presign batch of the given size under
// batchID.
func (m *Manager) StartPresignBatch(batchID [32]byte, size int) *PresignBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := NewPresignBatch(size)
	m.presign[batchID] = b
	return b
}

// SignBatch returns the sign batch registered under batchID, if any.
func (m *Manager) SignBatch(batchID [32]byte) (*SignBatch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.sign[batchID]
	return b, ok
}

// PresignBatch returns the presign batch registered under batchID, if any.
func (m *Manager) PresignBatch(batchID [32]byte) (*PresignBatch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.presign[batchID]
	return b, ok
}

// CompleteSignBatch inserts signature for hashedMessage into batchID's sign
// batch and, if the batch is now complete, removes it from the manager and
// returns its canonical emission.
func (m *Manager) CompleteSignBatch(batchID [32]byte, hashedMessage HashedMessage, signature []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.sign[batchID]
	if !ok {
		return nil, false, errors.Errorf("batch: no sign batch registered for %x", batchID[:4])
	}
	if err := b.Insert(hashedMessage, signature); err != nil {
		return nil, false, err
	}
	if !b.Complete() {
		return nil, false, nil
	}
	out, err := b.Emit()
	if err != nil {
		return nil, false, err
	}
	delete(m.sign, batchID)
	return out, true, nil
}

// CompletePresignBatch inserts entry into batchID's presign batch and, if
// the batch is now complete, removes it from the manager and returns its
// canonical emission.
func (m *Manager) CompletePresignBatch(batchID [32]byte, entry PresignEntry) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.presign[batchID]
	if !ok {
		return nil, false, errors.Errorf("batch: no presign batch registered for %x", batchID[:4])
	}
	if err := b.Insert(entry); err != nil {
		return nil, false, err
	}
	if !b.Complete() {
		return nil, false, nil
	}
	out, err := b.Emit()
	if err != nil {
		return nil, false, err
	}
	delete(m.presign, batchID)
	return out, true, nil
}
