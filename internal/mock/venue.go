// Package mock provides an in-memory venue for tests and the mock venue mode
package mock

import (
	"context"
	"fmt"
	"sync"

	"signal_router/internal/core"
	apperrors "signal_router/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type leverageKey struct {
	symbol string
	dir    core.Direction
}

// Venue implements core.IVenue in memory. Setters configure responses; the recorded
// calls are exposed for assertions.
type Venue struct {
	mu sync.Mutex

	equity      decimal.Decimal
	equityErr   error
	rules       map[string]*core.InstrumentRules
	rulesErr    error
	leverage    map[leverageKey]decimal.Decimal
	leverageErr error

	rejectReason string
	placeErr     error
	orderSeq     int

	cancelOutcome core.CancelOutcome
	cancelErr     error
	protectionErr error

	positions    []core.VenuePosition
	positionsErr error

	// Recorded calls
	Placed      []core.OrderSpec
	Cancelled   []string
	Protections []core.ProtectionSpec
	Transfers   []core.TransferRequest
	RulesCalls  int
}

// NewVenue returns a venue with 10000 equity, 10x leverage on every symbol and
// BTCUSDT/ETHUSDT rules
func NewVenue() *Venue {
	return &Venue{
		equity: decimal.NewFromInt(10000),
		rules: map[string]*core.InstrumentRules{
			"BTCUSDT": {QuantityStep: decimal.RequireFromString("0.001"), MinQuantity: decimal.RequireFromString("0.001"), PriceStep: decimal.RequireFromString("0.1")},
			"ETHUSDT": {QuantityStep: decimal.RequireFromString("0.01"), MinQuantity: decimal.RequireFromString("0.01"), PriceStep: decimal.RequireFromString("0.01")},
		},
		leverage: make(map[leverageKey]decimal.Decimal),
	}
}

func (v *Venue) GetName() string {
	return "mock"
}

func (v *Venue) SetEquity(equity decimal.Decimal, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.equity, v.equityErr = equity, err
}

func (v *Venue) SetRules(symbol string, rules *core.InstrumentRules) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules[symbol] = rules
}

func (v *Venue) SetRulesError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rulesErr = err
}

// SetLeverage overrides the leverage for one symbol and direction; a zero value means "missing"
func (v *Venue) SetLeverage(symbol string, dir core.Direction, lev decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leverage[leverageKey{symbol, dir}] = lev
}

func (v *Venue) SetLeverageError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leverageErr = err
}

// RejectOrders makes every placement come back rejected with the reason ("" to accept again)
func (v *Venue) RejectOrders(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectReason = reason
}

func (v *Venue) SetPlaceError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeErr = err
}

func (v *Venue) SetCancelResult(outcome core.CancelOutcome, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelOutcome, v.cancelErr = outcome, err
}

func (v *Venue) SetProtectionError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.protectionErr = err
}

func (v *Venue) SetPositions(positions []core.VenuePosition, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions, v.positionsErr = positions, err
}

func (v *Venue) PlacedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.Placed)
}

func (v *Venue) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.equity, v.equityErr
}

func (v *Venue) GetBalance(ctx context.Context) (*core.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.equityErr != nil {
		return nil, v.equityErr
	}
	return &core.Balance{Equity: v.equity, Available: v.equity}, nil
}

func (v *Venue) ListOpenPositions(ctx context.Context) ([]core.VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.positionsErr != nil {
		return nil, v.positionsErr
	}
	out := make([]core.VenuePosition, len(v.positions))
	copy(out, v.positions)
	return out, nil
}

func (v *Venue) Transfer(ctx context.Context, req core.TransferRequest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Transfers = append(v.Transfers, req)
	return uuid.New().String(), nil
}

func (v *Venue) GetInstrumentRules(ctx context.Context, symbol string) (*core.InstrumentRules, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.RulesCalls++
	if v.rulesErr != nil {
		return nil, v.rulesErr
	}
	r, ok := v.rules[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	cp := *r
	return &cp, nil
}

func (v *Venue) GetLeverage(ctx context.Context, symbol string, dir core.Direction) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.leverageErr != nil {
		return decimal.Zero, v.leverageErr
	}
	lev, ok := v.leverage[leverageKey{symbol, dir}]
	if !ok {
		return decimal.NewFromInt(10), nil
	}
	if !lev.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: leverage for %s %s", apperrors.ErrNotFound, symbol, dir)
	}
	return lev, nil
}

func (v *Venue) PlaceConditionalOrder(ctx context.Context, spec core.OrderSpec) (*core.PlaceResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.placeErr != nil {
		return nil, v.placeErr
	}
	if v.rejectReason != "" {
		return &core.PlaceResult{Rejected: true, Code: 110007, Reason: v.rejectReason}, nil
	}
	v.orderSeq++
	v.Placed = append(v.Placed, spec)
	return &core.PlaceResult{OrderRef: fmt.Sprintf("mock-order-%d", v.orderSeq)}, nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderRef string) (core.CancelOutcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancelErr != nil {
		return core.CancelOutcomeCancelled, v.cancelErr
	}
	v.Cancelled = append(v.Cancelled, orderRef)
	return v.cancelOutcome, nil
}

func (v *Venue) SetProtection(ctx context.Context, spec core.ProtectionSpec) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.protectionErr != nil {
		return v.protectionErr
	}
	v.Protections = append(v.Protections, spec)
	return nil
}
