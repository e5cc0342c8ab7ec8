// Package allocator assigns a new signal to the first account that can take it
package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signal_router/internal/core"
	"signal_router/internal/queue"
	apperrors "signal_router/pkg/errors"
	"signal_router/pkg/telemetry"
	"signal_router/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Kind is the business outcome of one allocation. None of them is an error.
type Kind string

const (
	KindPlaced               Kind = "placed"
	KindDuplicate            Kind = "duplicate"
	KindNoCapacity           Kind = "no_capacity"
	KindInvalidStopDistance  Kind = "invalid_stop_distance"
	KindQuantityBelowMinimum Kind = "quantity_below_minimum"
)

type Outcome struct {
	Kind   Kind
	Trade  *core.TrackedTrade // set when placed
	Reason string
}

// sizing is account-independent: it depends only on the risk config and the instrument
type sizing struct {
	trigger    decimal.Decimal
	stopLoss   decimal.Decimal
	takeProfit decimal.Decimal
	quantity   decimal.Decimal
}

// Allocator scans accounts in ascending id order and commits the first one that passes every check.
// It relies on being driven by a single worker; the read-check-then-reserve sequence is not locked.
type Allocator struct {
	accounts    core.IAccounts
	ledger      core.IRiskLedger
	store       core.IPositionStore
	instruments core.IInstrumentCache
	notifier    core.INotifier
	publisher   core.IEventPublisher
	logger      core.ILogger
	now         func() time.Time
}

func New(
	accounts core.IAccounts,
	ledger core.IRiskLedger,
	store core.IPositionStore,
	instruments core.IInstrumentCache,
	notifier core.INotifier,
	publisher core.IEventPublisher,
	logger core.ILogger,
) *Allocator {
	return &Allocator{
		accounts:    accounts,
		ledger:      ledger,
		store:       store,
		instruments: instruments,
		notifier:    notifier,
		publisher:   publisher,
		logger:      logger.WithField("component", "allocator"),
		now:         time.Now,
	}
}

// Allocate processes one NewSignal. A returned error means the signal should be retried. If the
// record was already persisted, the retry lands on the tracked-signal branch, which finishes the
// slot and risk steps instead of placing a second order.
func (a *Allocator) Allocate(ctx context.Context, sig queue.NewSignal) (*Outcome, error) {
	log := a.logger.WithFields(map[string]interface{}{
		"signal_id":  sig.SignalID,
		"instrument": sig.Instrument,
		"direction":  string(sig.Direction),
	})

	if tracked, err := a.store.Get(ctx, sig.SignalID); err == nil {
		log.Warn("Signal already tracked, ignoring redelivery")
		if err := a.resume(ctx, log, tracked); err != nil {
			return nil, err
		}
		return &Outcome{Kind: KindDuplicate}, nil
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to check signal %s: %w", sig.SignalID, err)
	}

	riskCfg, err := a.ledger.RiskConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read risk config: %w", err)
	}
	fixedRisk := riskCfg.FixedRiskUSD

	rules, err := a.instruments.Rules(ctx, sig.Instrument)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve instrument rules for %s: %w", sig.Instrument, err)
	}

	size, outcome := a.size(ctx, sig, fixedRisk, rules)
	if outcome != nil {
		return outcome, nil
	}

	for _, accountID := range a.accounts.IDs() {
		client, ok := a.accounts.Get(accountID)
		if !ok {
			continue
		}
		alog := log.WithField("account_id", accountID)
		slot := core.Slot{AccountID: accountID, Instrument: sig.Instrument, Direction: sig.Direction}

		occupied, err := a.ledger.IsOccupied(ctx, slot)
		if err != nil {
			return nil, fmt.Errorf("failed to read slot %s: %w", slot, err)
		}
		if occupied {
			alog.Debug("Slot occupied, trying next account", "slot", slot.Key())
			continue
		}

		equity, err := client.GetEquity(ctx)
		if err != nil {
			alog.Warn("Failed to fetch equity, trying next account", "error", err)
			continue
		}
		if equity.LessThan(fixedRisk) {
			alog.Debug("Equity below fixed risk, trying next account", "equity", equity.String())
			continue
		}

		pending, err := a.ledger.PendingRisk(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to read pending risk for account %d: %w", accountID, err)
		}
		maxAllowed := riskCfg.MaxAllowedRisk(equity)
		if pending.Add(fixedRisk).GreaterThan(maxAllowed) {
			alog.Info("Risk buffer exceeded, trying next account",
				"pending", pending.StringFixed(2),
				"required", fixedRisk.StringFixed(2),
				"max_allowed", maxAllowed.StringFixed(2))
			continue
		}

		leverage, err := client.GetLeverage(ctx, sig.Instrument, sig.Direction)
		if err != nil {
			alog.Warn("No leverage information, trying next account", "error", err)
			continue
		}

		result, err := client.PlaceConditionalOrder(ctx, core.OrderSpec{
			Instrument:    sig.Instrument,
			Direction:     sig.Direction,
			Quantity:      size.quantity,
			TriggerPrice:  size.trigger,
			ClientOrderID: sig.SignalID,
		})
		if err != nil || result.Rejected {
			var reason string
			var code int
			if err != nil {
				reason = err.Error()
			} else {
				reason, code = result.Reason, result.Code
			}
			alog.Warn("Order rejected, trying next account", "code", code, "reason", reason)
			telemetry.GetGlobalMetrics().RecordOrderRejected(ctx, accountID)
			a.notifier.Notify(ctx, core.Notification{
				Severity: core.SeverityWarning,
				Title:    fmt.Sprintf("[Sub-%d] Order rejected", accountID),
				Message:  fmt.Sprintf("*Pair:* `%s`\n*Venue error (%d):* `%s`\n*Trade ID:* `%s`", sig.Instrument, code, reason, sig.SignalID),
			})
			continue
		}

		trade := &core.TrackedTrade{
			SignalID:    sig.SignalID,
			OrderRef:    result.OrderRef,
			Instrument:  sig.Instrument,
			Direction:   sig.Direction,
			EntryPrice:  size.trigger,
			StopLoss:    size.stopLoss,
			TakeProfit:  size.takeProfit,
			Quantity:    size.quantity,
			AccountID:   accountID,
			Status:      core.StatusPending,
			RiskBudget:  fixedRisk,
			PatternName: sig.PatternName,
			Leverage:    leverage,
			CreatedAt:   a.now().UTC(),
			UpdatedAt:   a.now().UTC(),
		}
		return a.commit(ctx, alog, trade)
	}

	log.Warn("No account could take the signal")
	telemetry.GetGlobalMetrics().RecordNoCapacity(ctx)
	a.notifier.Notify(ctx, core.Notification{
		Severity: core.SeverityWarning,
		Title:    "All accounts busy or underfunded",
		Message:  fmt.Sprintf("*Pair:* `%s`\nNo suitable account was found for the new trade.\n*Trade ID:* `%s`", sig.Instrument, sig.SignalID),
	})
	return &Outcome{Kind: KindNoCapacity}, nil
}

// size derives stop, stop distance and quantity. A non-nil outcome ends the signal.
func (a *Allocator) size(ctx context.Context, sig queue.NewSignal, fixedRisk decimal.Decimal, rules *core.InstrumentRules) (*sizing, *Outcome) {
	long := sig.Direction == core.DirectionLong

	stop := sig.StopLoss
	if !stop.IsPositive() {
		stop = tradingutils.DeriveStopLoss(sig.EntryPrice, sig.TakeProfit, long)
	}

	slPercent := tradingutils.StopDistancePercent(sig.EntryPrice, stop)
	if slPercent.IsZero() {
		reason := "stop loss equals entry price"
		a.reject(ctx, sig, KindInvalidStopDistance, reason)
		return nil, &Outcome{Kind: KindInvalidStopDistance, Reason: reason}
	}

	qty := tradingutils.RoundToStep(tradingutils.PositionSize(fixedRisk, sig.EntryPrice, slPercent), rules.QuantityStep)
	if !qty.IsPositive() || qty.LessThan(rules.MinQuantity) {
		reason := fmt.Sprintf("calculated quantity (%s) is below the minimum allowed (%s)", qty, rules.MinQuantity)
		a.reject(ctx, sig, KindQuantityBelowMinimum, reason)
		return nil, &Outcome{Kind: KindQuantityBelowMinimum, Reason: reason}
	}

	return &sizing{
		trigger:    tradingutils.RoundToStep(sig.EntryPrice, rules.PriceStep),
		stopLoss:   tradingutils.RoundToStep(stop, rules.PriceStep),
		takeProfit: tradingutils.RoundToStep(sig.TakeProfit, rules.PriceStep),
		quantity:   qty,
	}, nil
}

func (a *Allocator) reject(ctx context.Context, sig queue.NewSignal, kind Kind, reason string) {
	a.logger.Warn("Signal rejected", "signal_id", sig.SignalID, "instrument", sig.Instrument, "kind", string(kind), "reason", reason)
	a.notifier.Notify(ctx, core.Notification{
		Severity: core.SeverityWarning,
		Title:    fmt.Sprintf("Trade rejected [%s]", sig.Instrument),
		Message:  fmt.Sprintf("*Reason:* %s\n*Trade ID:* `%s`", reason, sig.SignalID),
	})
}

// commit persists the record, then occupies the slot, then reserves the risk
func (a *Allocator) commit(ctx context.Context, log core.ILogger, trade *core.TrackedTrade) (*Outcome, error) {
	if err := a.store.Create(ctx, trade); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyExists) {
			log.Warn("Signal tracked concurrently, treating as duplicate", "order_ref", trade.OrderRef)
			return &Outcome{Kind: KindDuplicate}, nil
		}
		a.commitFailed(ctx, trade, "persist trade", err)
		return nil, fmt.Errorf("failed to persist trade %s: %w", trade.SignalID, err)
	}
	if err := a.ledger.Occupy(ctx, trade.Slot()); err != nil {
		a.commitFailed(ctx, trade, "occupy slot", err)
		return nil, fmt.Errorf("failed to occupy slot for %s: %w", trade.SignalID, err)
	}
	if err := a.ledger.Reserve(ctx, trade.AccountID, trade.SignalID, trade.RiskBudget); err != nil {
		a.commitFailed(ctx, trade, "reserve risk", err)
		return nil, fmt.Errorf("failed to reserve risk for %s: %w", trade.SignalID, err)
	}

	log.Info("Conditional order placed",
		"order_ref", trade.OrderRef,
		"quantity", trade.Quantity.String(),
		"trigger", trade.EntryPrice.String(),
		"stop_loss", trade.StopLoss.String(),
		"take_profit", trade.TakeProfit.String())
	telemetry.GetGlobalMetrics().RecordOrderPlaced(ctx, trade.AccountID)

	positionValue := trade.Quantity.Mul(trade.EntryPrice)
	a.notifier.Notify(ctx, core.Notification{
		Severity: core.SeverityInfo,
		Title:    fmt.Sprintf("[Sub-%d] Conditional order placed", trade.AccountID),
		Message: fmt.Sprintf("*Pair:* `%s`\n*Direction:* %s\n*Risk:* `%s USD`\n\n*Entry:* `%s`\n*Stop Loss:* `%s`\n*Take Profit:* `%s`\n\n*Size:* `%s` (~%s USD)\n*Leverage:* `%sx`\n*Trade ID:* `%s`",
			trade.Instrument, trade.Direction.Upper(), trade.RiskBudget.StringFixed(2),
			trade.EntryPrice, trade.StopLoss, trade.TakeProfit,
			trade.Quantity, positionValue.StringFixed(2), trade.Leverage, trade.SignalID),
	})
	if a.publisher != nil {
		a.publisher.Publish("trade_placed", trade)
	}
	return &Outcome{Kind: KindPlaced, Trade: trade}, nil
}

// resume completes a commit that stopped after the record was persisted. Both steps are
// no-ops when the earlier attempt already made them.
func (a *Allocator) resume(ctx context.Context, log core.ILogger, trade *core.TrackedTrade) error {
	err := a.ledger.Occupy(ctx, trade.Slot())
	switch {
	case err == nil:
		log.Warn("Restored slot for tracked signal", "slot", trade.Slot().Key())
	case !errors.Is(err, apperrors.ErrSlotOccupied):
		return fmt.Errorf("failed to occupy slot for %s: %w", trade.SignalID, err)
	}
	if trade.Status != core.StatusPending {
		return nil
	}
	if err := a.ledger.Reserve(ctx, trade.AccountID, trade.SignalID, trade.RiskBudget); err != nil {
		return fmt.Errorf("failed to reserve risk for %s: %w", trade.SignalID, err)
	}
	return nil
}

func (a *Allocator) commitFailed(ctx context.Context, trade *core.TrackedTrade, step string, err error) {
	a.logger.Error("Order placed but commit failed", "signal_id", trade.SignalID, "account_id", trade.AccountID, "step", step, "error", err)
	a.notifier.Notify(ctx, core.Notification{
		Severity: core.SeverityCritical,
		Title:    fmt.Sprintf("[Sub-%d] Order placed but not fully recorded", trade.AccountID),
		Message:  fmt.Sprintf("*Pair:* `%s`\n*Step:* %s\n*Error:* `%v`\n*Order:* `%s`\n*Trade ID:* `%s`\n\n*MANUAL INTERVENTION REQUIRED*", trade.Instrument, step, err, trade.OrderRef, trade.SignalID),
	})
}
