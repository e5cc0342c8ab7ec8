package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"signal_router/internal/core"
	apperrors "signal_router/pkg/errors"

	"github.com/shopspring/decimal"
)

// MemoryLedger is a mutex-guarded in-process ledger
type MemoryLedger struct {
	mu       sync.Mutex
	pending  map[int]decimal.Decimal
	reserved map[reservationKey]decimal.Decimal
	slots    map[core.Slot]struct{}
	config   *core.RiskConfig
	defaults core.RiskConfig
	logger   core.ILogger
}

type reservationKey struct {
	accountID int
	signalID  string
}

func NewMemoryLedger(defaults core.RiskConfig, logger core.ILogger) *MemoryLedger {
	return &MemoryLedger{
		pending:  make(map[int]decimal.Decimal),
		reserved: make(map[reservationKey]decimal.Decimal),
		slots:    make(map[core.Slot]struct{}),
		defaults: defaults,
		logger:   logger.WithField("component", "ledger"),
	}
}

func (l *MemoryLedger) Reserve(ctx context.Context, accountID int, signalID string, amount decimal.Decimal) error {
	if err := validateReservation(signalID, amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := reservationKey{accountID, signalID}
	if _, ok := l.reserved[key]; ok {
		return nil
	}
	l.reserved[key] = amount
	next := l.pending[accountID].Add(amount)
	l.pending[accountID] = next
	publishPending(accountID, next)
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, accountID int, signalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := reservationKey{accountID, signalID}
	amount, ok := l.reserved[key]
	if !ok {
		logUnreserved(l.logger, accountID, signalID)
		return nil
	}
	delete(l.reserved, key)
	next := clampRelease(ctx, l.logger, accountID, l.pending[accountID], amount)
	l.pending[accountID] = next
	publishPending(accountID, next)
	return nil
}

func (l *MemoryLedger) PendingRisk(ctx context.Context, accountID int) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending[accountID], nil
}

func (l *MemoryLedger) Occupy(ctx context.Context, slot core.Slot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.slots[slot]; ok {
		return fmt.Errorf("%w: %s", apperrors.ErrSlotOccupied, slot)
	}
	l.slots[slot] = struct{}{}
	return nil
}

func (l *MemoryLedger) Vacate(ctx context.Context, slot core.Slot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.slots, slot)
	return nil
}

func (l *MemoryLedger) IsOccupied(ctx context.Context, slot core.Slot) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.slots[slot]
	return ok, nil
}

func (l *MemoryLedger) Slots(ctx context.Context, accountID int) ([]core.Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.Slot
	for s := range l.slots {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (l *MemoryLedger) RiskConfig(ctx context.Context) (core.RiskConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.config == nil {
		return l.defaults, nil
	}
	return *l.config, nil
}

func (l *MemoryLedger) SetRiskConfig(ctx context.Context, cfg core.RiskConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config = &cfg
	return nil
}

func (l *MemoryLedger) SeedRiskConfig(ctx context.Context, defaults core.RiskConfig) error {
	if err := defaults.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.config == nil {
		l.config = &defaults
	}
	return nil
}

func (l *MemoryLedger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.pending {
		publishPending(id, decimal.Zero)
	}
	l.pending = make(map[int]decimal.Decimal)
	l.reserved = make(map[reservationKey]decimal.Decimal)
	l.slots = make(map[core.Slot]struct{})
	cfg := l.defaults
	l.config = &cfg
	return nil
}
