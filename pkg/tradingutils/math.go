package tradingutils

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// StepDecimals returns the number of decimal places a step is expressed with ("0.001" -> 3, "1" -> 0)
func StepDecimals(step decimal.Decimal) int {
	s := step.String()
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return len(strings.TrimRight(s[i+1:], "0"))
}

// RoundToStep rounds value to the nearest multiple of step, truncated to the step's precision.
// A non-positive step leaves the value unchanged.
func RoundToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Round(0).Mul(step).Truncate(int32(StepDecimals(step)))
}

// FormatByStep renders value rounded to step with exactly the step's decimal count
func FormatByStep(value, step decimal.Decimal) string {
	return RoundToStep(value, step).StringFixed(int32(StepDecimals(step)))
}

// DeriveStopLoss places the stop at half the target distance on the loss side of entry
func DeriveStopLoss(entry, target decimal.Decimal, long bool) decimal.Decimal {
	riskDistance := target.Sub(entry).Abs().Div(two)
	if long {
		return entry.Sub(riskDistance)
	}
	return entry.Add(riskDistance)
}

// StopDistancePercent is |entry - stop| / entry. Zero when entry is zero.
func StopDistancePercent(entry, stop decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	return entry.Sub(stop).Abs().Div(entry)
}

// PositionSize is the quantity that loses exactly risk when the stop is hit
func PositionSize(risk, entry, slPercent decimal.Decimal) decimal.Decimal {
	denom := entry.Mul(slPercent)
	if denom.IsZero() {
		return decimal.Zero
	}
	return risk.Div(denom)
}

// RealizedPnL is (close - entry) * qty, sign-flipped for shorts
func RealizedPnL(entry, closePrice, qty decimal.Decimal, long bool) decimal.Decimal {
	pnl := closePrice.Sub(entry).Mul(qty)
	if long {
		return pnl
	}
	return pnl.Mul(one.Neg())
}
