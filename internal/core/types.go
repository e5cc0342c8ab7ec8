package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a tracked trade
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// ParseDirection accepts "long"/"short" in any case
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionLong:
		return DirectionLong, nil
	case DirectionShort:
		return DirectionShort, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// PositionIdx is the venue's hedge-mode position index (1 long, 2 short)
func (d Direction) PositionIdx() int {
	if d == DirectionShort {
		return 2
	}
	return 1
}

// Side returns the venue order side that opens a position in this direction
func (d Direction) Side() string {
	if d == DirectionShort {
		return "Sell"
	}
	return "Buy"
}

// Sign is +1 for long and -1 for short
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (d Direction) Upper() string {
	return strings.ToUpper(string(d))
}

// TradeStatus is the lifecycle status of a tracked trade. Terminal transitions delete the record.
type TradeStatus string

const (
	StatusPending TradeStatus = "PENDING"
	StatusActive  TradeStatus = "ACTIVE"
)

// Slot is the occupancy lock for (account, instrument, direction)
type Slot struct {
	AccountID  int
	Instrument string
	Direction  Direction
}

// Key is the per-account storage key of the slot: <instrument>_<positionIdx>
func (s Slot) Key() string {
	return fmt.Sprintf("%s_%d", s.Instrument, s.Direction.PositionIdx())
}

func (s Slot) String() string {
	return fmt.Sprintf("%d:%s", s.AccountID, s.Key())
}

// ParseSlotKey reverses Slot.Key for the given account
func ParseSlotKey(accountID int, key string) (Slot, error) {
	i := strings.LastIndex(key, "_")
	if i <= 0 || i == len(key)-1 {
		return Slot{}, fmt.Errorf("malformed slot key %q", key)
	}
	idx, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return Slot{}, fmt.Errorf("malformed slot key %q: %w", key, err)
	}
	dir := DirectionLong
	switch idx {
	case 1:
	case 2:
		dir = DirectionShort
	default:
		return Slot{}, fmt.Errorf("malformed slot key %q: position index %d", key, idx)
	}
	return Slot{AccountID: accountID, Instrument: key[:i], Direction: dir}, nil
}

// TrackedTrade is the engine's record of one signal's lifecycle
type TrackedTrade struct {
	SignalID    string          `json:"signal_id"`
	OrderRef    string          `json:"order_ref"`
	Instrument  string          `json:"instrument"`
	Direction   Direction       `json:"direction"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	TakeProfit  decimal.Decimal `json:"take_profit"`
	Quantity    decimal.Decimal `json:"quantity"`
	AccountID   int             `json:"account_id"`
	Status      TradeStatus     `json:"status"`
	RiskBudget  decimal.Decimal `json:"risk_budget"`
	PatternName string          `json:"pattern_name"`
	Leverage    decimal.Decimal `json:"leverage"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Slot returns the occupancy slot owned by the trade
func (t *TrackedTrade) Slot() Slot {
	return Slot{AccountID: t.AccountID, Instrument: t.Instrument, Direction: t.Direction}
}

// RiskConfig is the process-wide risk configuration read at the start of every allocation
type RiskConfig struct {
	FixedRiskUSD     decimal.Decimal `json:"fixed_risk_usd"`
	BufferPercentage decimal.Decimal `json:"buffer_percentage"`
}

// MaxAllowedRisk is equity * (1 - buffer)
func (c RiskConfig) MaxAllowedRisk(equity decimal.Decimal) decimal.Decimal {
	return equity.Mul(decimal.NewFromInt(1).Sub(c.BufferPercentage))
}

func (c RiskConfig) Validate() error {
	if !c.FixedRiskUSD.IsPositive() {
		return fmt.Errorf("fixed risk must be positive, got %s", c.FixedRiskUSD)
	}
	if c.BufferPercentage.IsNegative() || c.BufferPercentage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("buffer percentage must be in [0, 1), got %s", c.BufferPercentage)
	}
	return nil
}

// InstrumentRules are the venue's sizing rules for a symbol
type InstrumentRules struct {
	QuantityStep decimal.Decimal `json:"quantity_step"`
	MinQuantity  decimal.Decimal `json:"min_quantity"`
	PriceStep    decimal.Decimal `json:"price_step"`
}

// OrderSpec describes a conditional order that fires once TriggerPrice is crossed
type OrderSpec struct {
	Instrument    string
	Direction     Direction
	Quantity      decimal.Decimal
	TriggerPrice  decimal.Decimal
	ClientOrderID string
}

// PlaceResult is the venue answer to a placement. Rejected results carry the venue reason.
type PlaceResult struct {
	OrderRef string
	Rejected bool
	Code     int
	Reason   string
}

// CancelOutcome distinguishes a real cancel from an order the venue no longer knows
type CancelOutcome int

const (
	CancelOutcomeCancelled CancelOutcome = iota
	CancelOutcomeAlreadyGone
)

func (o CancelOutcome) String() string {
	if o == CancelOutcomeAlreadyGone {
		return "already_gone"
	}
	return "cancelled"
}

// ProtectionSpec sets stop-loss and take-profit on an open position
type ProtectionSpec struct {
	Instrument string
	Direction  Direction
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// VenuePosition is a live open position reported by the venue
type VenuePosition struct {
	AccountID     int             `json:"account_id"`
	Instrument    string          `json:"instrument"`
	Direction     Direction       `json:"direction"`
	Size          decimal.Decimal `json:"size"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealisedPnL decimal.Decimal `json:"unrealised_pnl"`
	Leverage      decimal.Decimal `json:"leverage"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
}

func (p VenuePosition) HasStopLoss() bool   { return p.StopLoss.IsPositive() }
func (p VenuePosition) HasTakeProfit() bool { return p.TakeProfit.IsPositive() }

// Balance is an account's wallet summary
type Balance struct {
	AccountID     int             `json:"account_id"`
	Equity        decimal.Decimal `json:"equity"`
	Available     decimal.Decimal `json:"available"`
	UnrealisedPnL decimal.Decimal `json:"unrealised_pnl"`
}

// TransferRequest moves funds between two member accounts of the same master
type TransferRequest struct {
	FromMemberID int64
	ToMemberID   int64
	Coin         string
	Amount       decimal.Decimal
}

// Severity of a notification
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Notification is a human-readable event for the operator channel
type Notification struct {
	Severity Severity
	Title    string
	Message  string
	Fields   map[string]string
}

// JournalEntry is one closed trade as written to the post-trade journal
type JournalEntry struct {
	Timestamp   time.Time
	Instrument  string
	Direction   Direction
	PatternName string
	Outcome     string
	EntryPrice  decimal.Decimal
	ClosePrice  decimal.Decimal
	RealizedPnL decimal.Decimal
	SignalID    string
}

// Discrepancy types reported by reconciliation
const (
	IssuePrematureActive = "PENDING_BUT_ACTIVE"
	IssueGhost           = "GHOST"
	IssueUnprotected     = "UNPROTECTED"
)

// SyncIssue is a tracked trade that disagrees with the venue
type SyncIssue struct {
	Type       string    `json:"type"`
	AccountID  int       `json:"account_id"`
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction,omitempty"`
	SignalID   string    `json:"signal_id,omitempty"`
	Detail     string    `json:"detail"`
}

// UnmanagedPosition is a venue position with no tracked trade behind it
type UnmanagedPosition struct {
	AccountID  int             `json:"account_id"`
	Instrument string          `json:"instrument"`
	Direction  Direction       `json:"direction"`
	Size       decimal.Decimal `json:"size"`
}

// OrphanedEntry is an index entry whose record could not be read
type OrphanedEntry struct {
	SignalID string `json:"signal_id"`
	Issue    string `json:"issue"`
}

// SyncReport is the advisory output of one reconciliation run. Never persisted.
type SyncReport struct {
	ID              string              `json:"id"`
	GeneratedAt     time.Time           `json:"generated_at"`
	TotalManaged    int                 `json:"total_managed"`
	ActiveManaged   int                 `json:"active_managed"`
	PendingManaged  int                 `json:"pending_managed"`
	Unmanaged       []UnmanagedPosition `json:"unmanaged"`
	PrematureActive []SyncIssue         `json:"premature_active"`
	Ghost           []SyncIssue         `json:"ghost"`
	Orphaned        []OrphanedEntry     `json:"orphaned"`
	Unprotected     []SyncIssue         `json:"unprotected"`
	AccountErrors   map[int]string      `json:"account_errors,omitempty"`
}

// DiscrepancyCount counts every entry that needs operator attention
func (r *SyncReport) DiscrepancyCount() int {
	return len(r.Unmanaged) + len(r.PrematureActive) + len(r.Ghost) + len(r.Orphaned) + len(r.Unprotected)
}

// ReconcileStatus describes the last reconciliation run
type ReconcileStatus struct {
	LastRunID     string        `json:"last_run_id"`
	Status        string        `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Discrepancies int           `json:"discrepancies"`
	Error         string        `json:"error,omitempty"`
}
