package store

import (
	"sync"

	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

// MemoryStore is a volatile store for tests and dry runs.
type MemoryStore struct {
	mu    sync.Mutex
	state *preference.AppliedState
	saves int

	// LoadErr and SaveErr, when set, are returned by the next calls.
	LoadErr error
	SaveErr error
}

// NewMemory creates an empty memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (*preference.AppliedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	return s.state.Clone(), nil
}

func (s *MemoryStore) Save(state *preference.AppliedState) error {
	if err := validate(state); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.state = state.Clone()
	s.saves++
	return nil
}

// Reset forgets the stored state.
func (s *MemoryStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
	return nil
}

// Saves returns how many successful saves happened.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) Close() error { return nil }
