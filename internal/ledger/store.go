package ledger

import (
	"context"
	"sync"
	"time"

	"tradeguard/internal/core"
)

// State is the persisted ledger snapshot
type State struct {
	Orders    []core.Order    `json:"orders"`
	Positions []core.Position `json:"positions"`
	Trades    []core.Trade    `json:"trades"`
	SavedAt   time.Time       `json:"saved_at"`
}

// Store persists ledger snapshots
type Store interface {
	Save(ctx context.Context, state *State) error
	Load(ctx context.Context) (*State, error)
	Close() error
}

// MemoryStore implements Store in memory
type MemoryStore struct {
	state *State
	mu    sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
