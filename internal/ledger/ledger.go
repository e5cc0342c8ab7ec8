// Package ledger tracks per-account pending risk, slot occupancy and the risk configuration.
// Pending risk is the sum of reservations, each held under the signal that made it, so
// reserving or releasing the same signal twice changes nothing.
package ledger

import (
	"context"
	"fmt"

	"signal_router/internal/core"
	apperrors "signal_router/pkg/errors"
	"signal_router/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// clampRelease returns the balance after releasing amount from current. An underflow is
// clamped to zero and logged as a ledger anomaly.
func clampRelease(ctx context.Context, logger core.ILogger, accountID int, current, amount decimal.Decimal) decimal.Decimal {
	next := current.Sub(amount)
	if next.IsNegative() {
		logger.Error("Ledger anomaly: release exceeds pending risk, clamping to zero",
			"account_id", accountID,
			"attempted", amount.String(),
			"current", current.String())
		telemetry.GetGlobalMetrics().RecordLedgerAnomaly(ctx, accountID)
		return decimal.Zero
	}
	return next
}

func validateReservation(signalID string, amount decimal.Decimal) error {
	if signalID == "" {
		return fmt.Errorf("%w: reservation needs a signal id", apperrors.ErrInvalidConfig)
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative amount %s", apperrors.ErrInvalidConfig, amount)
	}
	return nil
}

// logUnreserved reports a release with nothing held under the signal. A retried terminal
// transition lands here after its first attempt already released the budget.
func logUnreserved(logger core.ILogger, accountID int, signalID string) {
	logger.Debug("No reservation held for signal, release skipped",
		"account_id", accountID,
		"signal_id", signalID)
}

func publishPending(accountID int, value decimal.Decimal) {
	telemetry.GetGlobalMetrics().SetPendingRisk(accountID, value.InexactFloat64())
}
