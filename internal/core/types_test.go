package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotKeyRoundTrip(t *testing.T) {
	slot := Slot{AccountID: 3, Instrument: "BTCUSDT", Direction: DirectionShort}
	assert.Equal(t, "BTCUSDT_2", slot.Key())

	parsed, err := ParseSlotKey(3, slot.Key())
	require.NoError(t, err)
	assert.Equal(t, slot, parsed)
}

func TestParseSlotKey_Invalid(t *testing.T) {
	for _, key := range []string{"", "BTCUSDT", "BTCUSDT_", "_1", "BTCUSDT_3", "BTCUSDT_x"} {
		_, err := ParseSlotKey(1, key)
		assert.Error(t, err, key)
	}
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("LONG")
	require.NoError(t, err)
	assert.Equal(t, DirectionLong, d)
	assert.Equal(t, 1, d.PositionIdx())
	assert.Equal(t, "Buy", d.Side())

	d, err = ParseDirection(" short ")
	require.NoError(t, err)
	assert.Equal(t, 2, d.PositionIdx())
	assert.Equal(t, "Sell", d.Side())

	_, err = ParseDirection("flat")
	assert.Error(t, err)
}

func TestRiskConfig_MaxAllowedRisk(t *testing.T) {
	cfg := RiskConfig{FixedRiskUSD: decimal.NewFromInt(30), BufferPercentage: decimal.RequireFromString("0.25")}
	maxRisk := cfg.MaxAllowedRisk(decimal.NewFromInt(100))
	assert.True(t, decimal.NewFromInt(75).Equal(maxRisk))

	// 50 pending + 30 new exceeds 75
	assert.True(t, decimal.NewFromInt(50).Add(cfg.FixedRiskUSD).GreaterThan(maxRisk))
}

func TestRiskConfig_Validate(t *testing.T) {
	assert.NoError(t, RiskConfig{FixedRiskUSD: decimal.NewFromInt(1), BufferPercentage: decimal.Zero}.Validate())
	assert.Error(t, RiskConfig{FixedRiskUSD: decimal.Zero, BufferPercentage: decimal.Zero}.Validate())
	assert.Error(t, RiskConfig{FixedRiskUSD: decimal.NewFromInt(1), BufferPercentage: decimal.NewFromInt(1)}.Validate())
	assert.Error(t, RiskConfig{FixedRiskUSD: decimal.NewFromInt(1), BufferPercentage: decimal.NewFromInt(-1)}.Validate())
}

func TestSyncReport_DiscrepancyCount(t *testing.T) {
	r := &SyncReport{
		Unmanaged: []UnmanagedPosition{{AccountID: 1}},
		Ghost:     []SyncIssue{{Type: IssueGhost}, {Type: IssueGhost}},
		Orphaned:  []OrphanedEntry{{SignalID: "x"}},
	}
	assert.Equal(t, 4, r.DiscrepancyCount())
}
