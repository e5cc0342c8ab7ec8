package positions

import (
	"context"
	"fmt"
	"sync"

	"signal_router/internal/core"
	apperrors "signal_router/pkg/errors"
)

// MemoryStore is the in-process position store used by tests and the mock venue mode
type MemoryStore struct {
	mu     sync.RWMutex
	index  []string
	trades map[string]core.TrackedTrade
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string]core.TrackedTrade)}
}

func (s *MemoryStore) Create(ctx context.Context, trade *core.TrackedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[trade.SignalID]; ok {
		return fmt.Errorf("%w: %s", apperrors.ErrAlreadyExists, trade.SignalID)
	}
	s.trades[trade.SignalID] = *trade
	s.index = append(s.index, trade.SignalID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, signalID string) (*core.TrackedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[signalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, signalID)
	}
	return &t, nil
}

func (s *MemoryStore) Put(ctx context.Context, trade *core.TrackedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[trade.SignalID]; !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, trade.SignalID)
	}
	s.trades[trade.SignalID] = *trade
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, signalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trades, signalID)
	for i, id := range s.index {
		if id == signalID {
			s.index = append(s.index[:i], s.index[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.index))
	copy(out, s.index)
	return out, nil
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = nil
	s.trades = make(map[string]core.TrackedTrade)
	return nil
}
