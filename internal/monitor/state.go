package monitor

import (
	"sort"
	"sync"

	"github.com/rewired-gh/circuitwatch/internal/models"
)

// StateStore holds the last-known circuit state per instrument token.
// Entries are created on first observation and never removed; expired
// instruments simply stop being updated.
type StateStore struct {
	mu     sync.RWMutex
	states map[uint32]models.CircuitState
}

// NewStateStore creates an empty store.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[uint32]models.CircuitState)}
}

// Get returns the known state of an instrument.
func (s *StateStore) Get(token uint32) (models.CircuitState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[token]
	return st, ok
}

// Upsert replaces the state of an instrument.
func (s *StateStore) Upsert(state models.CircuitState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.InstrumentToken] = state
}

// Load seeds the store from persisted state. Existing entries win, since
// they are newer than anything on disk.
func (s *StateStore) Load(states map[uint32]models.CircuitState) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, st := range states {
		if _, exists := s.states[token]; exists {
			continue
		}
		st.InstrumentToken = token
		s.states[token] = st
		n++
	}
	return n
}

// Snapshot returns a copy of every state ordered by token.
func (s *StateStore) Snapshot() []models.CircuitState {
	s.mu.RLock()
	out := make([]models.CircuitState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentToken < out[j].InstrumentToken })
	return out
}

// Len returns the number of tracked instruments.
func (s *StateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
