// Package core defines the shared types and interfaces of the signal router
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IVenue is a venue client bound to a single account's credentials
type IVenue interface {
	GetName() string

	// Account
	GetEquity(ctx context.Context) (decimal.Decimal, error)
	GetBalance(ctx context.Context) (*Balance, error)
	ListOpenPositions(ctx context.Context) ([]VenuePosition, error)
	Transfer(ctx context.Context, req TransferRequest) (string, error)

	// Market data
	GetInstrumentRules(ctx context.Context, symbol string) (*InstrumentRules, error)
	GetLeverage(ctx context.Context, symbol string, dir Direction) (decimal.Decimal, error)

	// Orders
	PlaceConditionalOrder(ctx context.Context, spec OrderSpec) (*PlaceResult, error)
	CancelOrder(ctx context.Context, symbol, orderRef string) (CancelOutcome, error)
	SetProtection(ctx context.Context, spec ProtectionSpec) error
}

// IAccounts is the ordered registry of configured accounts and their venue clients
type IAccounts interface {
	IDs() []int
	Get(accountID int) (IVenue, bool)
	Primary() (int, IVenue, bool)
}

// IRiskLedger holds per-account pending risk, slot occupancy and the risk configuration.
// Every method is individually atomic. Reserve and Release are keyed by signal id: a second
// Reserve for the same signal is a no-op, and Release frees exactly what that signal reserved.
type IRiskLedger interface {
	Reserve(ctx context.Context, accountID int, signalID string, amount decimal.Decimal) error
	Release(ctx context.Context, accountID int, signalID string) error
	PendingRisk(ctx context.Context, accountID int) (decimal.Decimal, error)

	Occupy(ctx context.Context, slot Slot) error
	Vacate(ctx context.Context, slot Slot) error
	IsOccupied(ctx context.Context, slot Slot) (bool, error)
	Slots(ctx context.Context, accountID int) ([]Slot, error)

	RiskConfig(ctx context.Context) (RiskConfig, error)
	SetRiskConfig(ctx context.Context, cfg RiskConfig) error
	SeedRiskConfig(ctx context.Context, defaults RiskConfig) error

	Reset(ctx context.Context) error
}

// IPositionStore holds one record per tracked signal plus the index of tracked ids.
// Mutations replace whole records.
type IPositionStore interface {
	Create(ctx context.Context, trade *TrackedTrade) error
	Get(ctx context.Context, signalID string) (*TrackedTrade, error)
	Put(ctx context.Context, trade *TrackedTrade) error
	Delete(ctx context.Context, signalID string) error
	ListAll(ctx context.Context) ([]string, error)
	Reset(ctx context.Context) error
}

// IInstrumentCache resolves instrument rules, caching them for the process lifetime
type IInstrumentCache interface {
	Rules(ctx context.Context, symbol string) (*InstrumentRules, error)
}

// INotifier delivers operator notifications. Delivery is best effort.
type INotifier interface {
	Notify(ctx context.Context, n Notification)
}

// IJournal records closed trades
type IJournal interface {
	Append(ctx context.Context, entry JournalEntry) error
}

// IEventPublisher pushes engine events to live subscribers
type IEventPublisher interface {
	Publish(msgType string, data interface{})
}

// IReconciler compares tracked trades with live venue positions
type IReconciler interface {
	Start(ctx context.Context) error
	Stop() error
	Reconcile(ctx context.Context) (*SyncReport, error)
	GetStatus() ReconcileStatus
	TriggerManual(ctx context.Context) (*SyncReport, error)
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
