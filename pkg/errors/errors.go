package apperrors

import "errors"

// Store errors
var (
	ErrAlreadyExists  = errors.New("already exists")
	ErrNotFound       = errors.New("not found")
	ErrCorruptRecord  = errors.New("corrupt record")
	ErrSlotOccupied   = errors.New("slot occupied")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrUnknownAccount = errors.New("unknown account")
)

// Signal errors
var (
	ErrInvalidEvent         = errors.New("invalid event")
	ErrInvalidStopDistance  = errors.New("invalid stop distance")
	ErrQuantityBelowMinimum = errors.New("quantity below minimum")
)

// Queue errors
var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
)

// Standardized venue errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)
