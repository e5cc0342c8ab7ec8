package mock

import (
	"context"
	"errors"
	"sync"

	"signal_router/internal/core"

	"github.com/shopspring/decimal"
)

// ErrInjected is returned by the flaky wrappers in place of the real call
var ErrInjected = errors.New("injected failure")

// Faults fails named operations a configured number of times
type Faults struct {
	mu        sync.Mutex
	remaining map[string]int
}

// FailNext makes the next n calls of op return ErrInjected
func (f *Faults) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining == nil {
		f.remaining = make(map[string]int)
	}
	f.remaining[op] += n
}

func (f *Faults) take(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining[op] > 0 {
		f.remaining[op]--
		return ErrInjected
	}
	return nil
}

// FlakyLedger wraps a ledger. Fail "reserve", "release", "occupy" or "vacate"; the
// failing call does not reach the wrapped ledger.
type FlakyLedger struct {
	core.IRiskLedger
	Faults
}

func NewFlakyLedger(inner core.IRiskLedger) *FlakyLedger {
	return &FlakyLedger{IRiskLedger: inner}
}

func (l *FlakyLedger) Reserve(ctx context.Context, accountID int, signalID string, amount decimal.Decimal) error {
	if err := l.take("reserve"); err != nil {
		return err
	}
	return l.IRiskLedger.Reserve(ctx, accountID, signalID, amount)
}

func (l *FlakyLedger) Release(ctx context.Context, accountID int, signalID string) error {
	if err := l.take("release"); err != nil {
		return err
	}
	return l.IRiskLedger.Release(ctx, accountID, signalID)
}

func (l *FlakyLedger) Occupy(ctx context.Context, slot core.Slot) error {
	if err := l.take("occupy"); err != nil {
		return err
	}
	return l.IRiskLedger.Occupy(ctx, slot)
}

func (l *FlakyLedger) Vacate(ctx context.Context, slot core.Slot) error {
	if err := l.take("vacate"); err != nil {
		return err
	}
	return l.IRiskLedger.Vacate(ctx, slot)
}

// FlakyStore wraps a position store. Fail "create", "put" or "delete".
type FlakyStore struct {
	core.IPositionStore
	Faults
}

func NewFlakyStore(inner core.IPositionStore) *FlakyStore {
	return &FlakyStore{IPositionStore: inner}
}

func (s *FlakyStore) Create(ctx context.Context, trade *core.TrackedTrade) error {
	if err := s.take("create"); err != nil {
		return err
	}
	return s.IPositionStore.Create(ctx, trade)
}

func (s *FlakyStore) Put(ctx context.Context, trade *core.TrackedTrade) error {
	if err := s.take("put"); err != nil {
		return err
	}
	return s.IPositionStore.Put(ctx, trade)
}

func (s *FlakyStore) Delete(ctx context.Context, signalID string) error {
	if err := s.take("delete"); err != nil {
		return err
	}
	return s.IPositionStore.Delete(ctx, signalID)
}
