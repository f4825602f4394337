// Package memstore is an in-memory storage.Store implementation used by
// tests and the demo CLI simulator in place of a real on-disk epoch
// directory.
package memstore

import (
	"sync"

	"github.com/dwallet-labs/ika-mpc-engine/internal/storage"
)

// Store is a goroutine-safe, in-memory storage.Store.
type Store struct {
	mu          sync.Mutex
	sessions    map[[32]byte]storage.SessionRecord
	aggregators map[[32]byte]storage.AggregatorRecord
	bootCounter uint64
}

// New builds an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:    make(map[[32]byte]storage.SessionRecord),
		aggregators: make(map[[32]byte]storage.AggregatorRecord),
	}
}

func (s *Store) PutSession(rec storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.SessionID] = rec
	return nil
}

func (s *Store) GetSession(sessionID [32]byte) (storage.SessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	return rec, ok, nil
}

func (s *Store) DeleteSession(sessionID [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *Store) PutAggregator(rec storage.AggregatorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregators[rec.SessionID] = rec
	return nil
}

func (s *Store) GetAggregator(sessionID [32]byte) (storage.AggregatorRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.aggregators[sessionID]
	return rec, ok, nil
}

func (s *Store) PutBootCounter(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootCounter = n
	return nil
}

func (s *Store) GetBootCounter() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootCounter, nil
}
