package checkpoint

import "context"

// MemoryStore implements Store in memory.
// It's primarily intended for testing purposes.
type MemoryStore struct {
	state State
	saves int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the last saved state.
func (s *MemoryStore) Load(ctx context.Context) (State, error) {
	return s.state, nil
}

// Save records state.
func (s *MemoryStore) Save(ctx context.Context, state State) error {
	s.state = state
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int {
	return s.saves
}
