// Package lifecycle drives a tracked trade from PENDING through ACTIVE to removal
package lifecycle

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

// Outcome of a lifecycle event. Only storage and journal failures are returned as errors.
type Outcome string

const (
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeCancelFailed     Outcome = "cancel_failed"
	OutcomeActivated        Outcome = "activated"
	OutcomeProtectionFailed Outcome = "protection_failed"
	OutcomeClosed           Outcome = "closed"
	OutcomeUnknownSignal    Outcome = "unknown_signal"
	OutcomeIgnored          Outcome = "ignored"
)

type Controller struct {
	accounts  core.IAccounts
	ledger    core.IRiskLedger
	store     core.IPositionStore
	journal   core.IJournal
	notifier  core.INotifier
	publisher core.IEventPublisher
	logger    core.ILogger
	now       func() time.Time
}

func NewController(
	accounts core.IAccounts,
	ledger core.IRiskLedger,
	store core.IPositionStore,
	journal core.IJournal,
	notifier core.INotifier,
	publisher core.IEventPublisher,
	logger core.ILogger,
) *Controller {
	return &Controller{
		accounts:  accounts,
		ledger:    ledger,
		store:     store,
		journal:   journal,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger.WithField("component", "lifecycle"),
		now:       time.Now,
	}
}

// load returns the tracked trade and its account client. A nil trade means the signal is unknown.
func (c *Controller) load(ctx context.Context, signalID string) (*core.TrackedTrade, core.IVenue, error) {
	trade, err := c.store.Get(ctx, signalID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load trade %s: %w", signalID, err)
	}
	client, ok := c.accounts.Get(trade.AccountID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: account %d for trade %s", apperrors.ErrUnknownAccount, trade.AccountID, signalID)
	}
	return trade, client, nil
}

func (c *Controller) unknown(kind queue.Kind, signalID string) Outcome {
	c.logger.Warn("Unknown signal for event", "signal_id", signalID, "event", string(kind))
	return OutcomeUnknownSignal
}

func (c *Controller) ignored(kind queue.Kind, trade *core.TrackedTrade) Outcome {
	c.logger.Warn("Unknown signal for event",
		"signal_id", trade.SignalID,
		"event", string(kind),
		"status", string(trade.Status))
	return OutcomeIgnored
}

// releaseBudget frees whatever the trade reserved. A retry after a later step failed finds
// nothing held and releases nothing.
func (c *Controller) releaseBudget(ctx context.Context, trade *core.TrackedTrade) error {
	if err := c.ledger.Release(ctx, trade.AccountID, trade.SignalID); err != nil {
		return fmt.Errorf("failed to release risk for %s: %w", trade.SignalID, err)
	}
	return nil
}

// teardown vacates the slot and drops the record, in that order
func (c *Controller) teardown(ctx context.Context, trade *core.TrackedTrade) error {
	if err := c.ledger.Vacate(ctx, trade.Slot()); err != nil {
		return fmt.Errorf("failed to vacate slot for %s: %w", trade.SignalID, err)
	}
	if err := c.store.Delete(ctx, trade.SignalID); err != nil {
		return fmt.Errorf("failed to delete trade %s: %w", trade.SignalID, err)
	}
	return nil
}

func (c *Controller) publish(msgType string, data interface{}) {
	if c.publisher != nil {
		c.publisher.Publish(msgType, data)
	}
}

// Invalidate cancels the resting conditional order of a PENDING trade
func (c *Controller) Invalidate(ctx context.Context, ev queue.Invalidate) (Outcome, error) {
	trade, client, err := c.load(ctx, ev.SignalID)
	if err != nil {
		return "", err
	}
	if trade == nil {
		return c.unknown(ev.Kind(), ev.SignalID), nil
	}
	if trade.Status != core.StatusPending {
		return c.ignored(ev.Kind(), trade), nil
	}
	log := c.logger.WithFields(map[string]interface{}{"signal_id": trade.SignalID, "account_id": trade.AccountID})

	outcome, err := client.CancelOrder(ctx, trade.Instrument, trade.OrderRef)
	if err != nil {
		log.Warn("Failed to cancel conditional order", "order_ref", trade.OrderRef, "error", err)
		c.notifier.Notify(ctx, core.Notification{
			Severity: core.SeverityWarning,
			Title:    fmt.Sprintf("[Sub-%d] Error cancelling order", trade.AccountID),
			Message:  fmt.Sprintf("*Pair:* `%s`\n*Venue response:* `%v`\n*Trade ID:* `%s`", trade.Instrument, err, trade.SignalID),
		})
		return OutcomeCancelFailed, nil
	}

	if err := c.releaseBudget(ctx, trade); err != nil {
		return "", err
	}
	if err := c.teardown(ctx, trade); err != nil {
		return "", err
	}

	log.Info("Conditional order cancelled", "order_ref", trade.OrderRef, "result", outcome.String())
	c.notifier.Notify(ctx, core.Notification{
		Severity: core.SeverityInfo,
		Title:    fmt.Sprintf("[Sub-%d] Conditional order cancelled", trade.AccountID),
		Message:  fmt.Sprintf("*Pair:* `%s`\n*Trade ID:* `%s`", trade.Instrument, trade.SignalID),
	})
	c.publish("trade_cancelled", trade)
	return OutcomeCancelled, nil
}

// Entered attaches stop-loss and take-profit to the filled position and promotes the trade to ACTIVE
func (c *Controller) Entered(ctx context.Context, ev queue.EnteredPosition) (Outcome, error) {
	trade, client, err := c.load(ctx, ev.SignalID)
	if err != nil {
		return "", err
	}
	if trade == nil {
		return c.unknown(ev.Kind(), ev.SignalID), nil
	}
	if trade.Status != core.StatusPending {
		return c.ignored(ev.Kind(), trade), nil
	}
	log := c.logger.WithFields(map[string]interface{}{"signal_id": trade.SignalID, "account_id": trade.AccountID})

	stop, target := ev.StopLoss, ev.TakeProfit
	if !stop.IsPositive() {
		stop = trade.StopLoss
	}
	if !target.IsPositive() {
		target = trade.TakeProfit
	}

	err = client.SetProtection(ctx, core.ProtectionSpec{
		Instrument: trade.Instrument,
		Direction:  trade.Direction,
		StopLoss:   stop,
		TakeProfit: target,
	})
	if err != nil {
		log.Error("Failed to set protection on open position", "stop_loss", stop.String(), "take_profit", target.String(), "error", err)
		c.notifier.Notify(ctx, core.Notification{
			Severity: core.SeverityCritical,
			Title:    fmt.Sprintf("[Sub-%d] CRITICAL: position unprotected", trade.AccountID),
			Message:  fmt.Sprintf("*Pair:* `%s`\n*Problem:* failed to set SL/TP\n*Venue response:* `%v`\n*Trade ID:* `%s`\n\n*MANUAL INTERVENTION REQUIRED*", trade.Instrument, err, trade.SignalID),
		})
		return OutcomeProtectionFailed, nil
	}

	if err := c.releaseBudget(ctx, trade); err != nil {
		return "", err
	}
	trade.Status = core.StatusActive
	trade.StopLoss, trade.TakeProfit = stop, target
	trade.UpdatedAt = c.now().UTC()
	if err := c.store.Put(ctx, trade); err != nil {
		return "", fmt.Errorf("failed to activate trade %s: %w", trade.SignalID, err)
	}

	log.Info("Position opened and protected", "stop_loss", stop.String(), "take_profit", target.String())
	c.notifier.Notify(ctx, core.Notification{
		Severity: core.SeverityInfo,
		Title:    fmt.Sprintf("[Sub-%d] Position opened and protected", trade.AccountID),
		Message:  fmt.Sprintf("*Pair:* `%s`\n*Trade ID:* `%s`", trade.Instrument, trade.SignalID),
	})
	c.publish("trade_activated", trade)
	return OutcomeActivated, nil
}

// Closed journals the realized result of an ACTIVE trade and removes it
func (c *Controller) Closed(ctx context.Context, ev queue.Closed) (Outcome, error) {
	trade, _, err := c.load(ctx, ev.SignalID)
	if err != nil {
		return "", err
	}
	if trade == nil {
		return c.unknown(ev.Kind(), ev.SignalID), nil
	}
	if trade.Status != core.StatusActive {
		return c.ignored(ev.Kind(), trade), nil
	}

	pnl := tradingutils.RealizedPnL(trade.EntryPrice, ev.ClosePrice, trade.Quantity, trade.Direction == core.DirectionLong)
	entry := core.JournalEntry{
		Timestamp:   c.now().UTC(),
		Instrument:  trade.Instrument,
		Direction:   trade.Direction,
		PatternName: trade.PatternName,
		Outcome:     ev.Outcome,
		EntryPrice:  trade.EntryPrice,
		ClosePrice:  ev.ClosePrice,
		RealizedPnL: pnl,
		SignalID:    trade.SignalID,
	}
	if err := c.journal.Append(ctx, entry); err != nil {
		return "", fmt.Errorf("failed to journal trade %s: %w", trade.SignalID, err)
	}
	if err := c.teardown(ctx, trade); err != nil {
		return "", err
	}

	pnlFloat, _ := pnl.Float64()
	telemetry.GetGlobalMetrics().RecordRealizedPnL(ctx, pnlFloat)
	c.logger.Info("Trade closed",
		"signal_id", trade.SignalID,
		"account_id", trade.AccountID,
		"outcome", ev.Outcome,
		"pnl", pnl.StringFixed(2))
	c.notifier.Notify(ctx, core.Notification{
		Severity: core.SeverityInfo,
		Title:    fmt.Sprintf("[Sub-%d] Trade recorded in journal", trade.AccountID),
		Message:  fmt.Sprintf("*Pair:* `%s`\n*Outcome:* `%s`\n*P/L:* `$%s`\n*Trade ID:* `%s`", trade.Instrument, ev.Outcome, pnl.StringFixed(2), trade.SignalID),
	})
	c.publish("trade_closed", entry)
	return OutcomeClosed, nil
}

// ManualKind selects the state a manually registered trade starts in
type ManualKind string

const (
	ManualActive  ManualKind = "active"
	ManualPending ManualKind = "pending"
)

// ManualTrade is an operator registration of a position opened outside the engine
type ManualTrade struct {
	Kind        ManualKind      `json:"kind"`
	SignalID    string          `json:"signal_id"`
	AccountID   int             `json:"account_id"`
	Instrument  string          `json:"instrument"`
	Direction   core.Direction  `json:"direction"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	TakeProfit  decimal.Decimal `json:"take_profit"`
	Quantity    decimal.Decimal `json:"quantity"`
	PatternName string          `json:"pattern_name"`
}

func (m ManualTrade) validate() error {
	switch {
	case m.Kind != ManualActive && m.Kind != ManualPending:
		return fmt.Errorf("%w: kind must be active or pending, got %q", apperrors.ErrInvalidEvent, m.Kind)
	case m.SignalID == "":
		return fmt.Errorf("%w: signal id is required", apperrors.ErrInvalidEvent)
	case m.Instrument == "":
		return fmt.Errorf("%w: instrument is required", apperrors.ErrInvalidEvent)
	case m.Direction != core.DirectionLong && m.Direction != core.DirectionShort:
		return fmt.Errorf("%w: unknown direction %q", apperrors.ErrInvalidEvent, m.Direction)
	case !m.EntryPrice.IsPositive():
		return fmt.Errorf("%w: entry price must be positive", apperrors.ErrInvalidEvent)
	case m.Kind == ManualActive && !m.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive for an active trade", apperrors.ErrInvalidEvent)
	}
	return nil
}

// rollbackManual undoes a partial registration. Failures are logged and left for reconciliation.
func (c *Controller) rollbackManual(ctx context.Context, trade *core.TrackedTrade, vacate bool) {
	log := c.logger.WithFields(map[string]interface{}{"signal_id": trade.SignalID, "account_id": trade.AccountID})
	if vacate {
		if err := c.ledger.Vacate(ctx, trade.Slot()); err != nil {
			log.Error("Failed to vacate slot after aborted registration", "slot", trade.Slot().Key(), "error", err)
		}
	}
	if err := c.store.Delete(ctx, trade.SignalID); err != nil {
		log.Error("Failed to drop record after aborted registration", "error", err)
	}
}

// RegisterManual records a position opened outside the engine. The slot is occupied and, for
// pending registrations, the current fixed risk is reserved.
func (c *Controller) RegisterManual(ctx context.Context, m ManualTrade) (*core.TrackedTrade, error) {
	m.Instrument = queue.NormalizeInstrument(m.Instrument)
	if err := m.validate(); err != nil {
		return nil, err
	}
	if _, ok := c.accounts.Get(m.AccountID); !ok {
		return nil, fmt.Errorf("%w: %d", apperrors.ErrUnknownAccount, m.AccountID)
	}
	if m.PatternName == "" {
		m.PatternName = "Manual"
	}

	now := c.now().UTC()
	trade := &core.TrackedTrade{
		SignalID:    m.SignalID,
		OrderRef:    "manual-" + m.SignalID,
		Instrument:  m.Instrument,
		Direction:   m.Direction,
		EntryPrice:  m.EntryPrice,
		StopLoss:    m.StopLoss,
		TakeProfit:  m.TakeProfit,
		Quantity:    m.Quantity,
		AccountID:   m.AccountID,
		Status:      core.StatusActive,
		PatternName: m.PatternName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if m.Kind == ManualPending {
		cfg, err := c.ledger.RiskConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read risk config: %w", err)
		}
		trade.OrderRef = "manual-pending-" + m.SignalID
		trade.Status = core.StatusPending
		trade.Quantity = decimal.Zero
		trade.RiskBudget = cfg.FixedRiskUSD
	}

	occupied, err := c.ledger.IsOccupied(ctx, trade.Slot())
	if err != nil {
		return nil, fmt.Errorf("failed to read slot %s: %w", trade.Slot(), err)
	}
	if occupied {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSlotOccupied, trade.Slot())
	}

	if err := c.store.Create(ctx, trade); err != nil {
		return nil, err
	}
	if err := c.ledger.Occupy(ctx, trade.Slot()); err != nil {
		c.rollbackManual(ctx, trade, false)
		return nil, err
	}
	if trade.Status == core.StatusPending {
		if err := c.ledger.Reserve(ctx, trade.AccountID, trade.SignalID, trade.RiskBudget); err != nil {
			c.rollbackManual(ctx, trade, true)
			return nil, fmt.Errorf("failed to reserve risk for %s: %w", trade.SignalID, err)
		}
	}

	c.logger.Info("Manual trade registered",
		"signal_id", trade.SignalID,
		"account_id", trade.AccountID,
		"status", string(trade.Status),
		"slot", trade.Slot().Key())
	c.notifier.Notify(ctx, core.Notification{
		Severity: core.SeverityInfo,
		Title:    fmt.Sprintf("[Sub-%d] Manual trade registered", trade.AccountID),
		Message:  fmt.Sprintf("*Pair:* `%s`\n*Direction:* %s\n*Status:* `%s`\n*Trade ID:* `%s`", trade.Instrument, trade.Direction.Upper(), trade.Status, trade.SignalID),
	})
	c.publish("trade_registered", trade)
	return trade, nil
}
