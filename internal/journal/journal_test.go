package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"signal_router/internal/core"
	"signal_router/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

func newTestJournal(t *testing.T) *GormJournal {
	t.Helper()
	j, err := Open(sqlite.Open(filepath.Join(t.TempDir(), "journal.db")), logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func entry(id string, pnl string, at time.Time) core.JournalEntry {
	return core.JournalEntry{
		Timestamp:   at,
		Instrument:  "SOLUSDT",
		Direction:   core.DirectionLong,
		PatternName: "Flag",
		Outcome:     "TP",
		EntryPrice:  decimal.RequireFromString("100"),
		ClosePrice:  decimal.RequireFromString("110"),
		RealizedPnL: decimal.RequireFromString(pnl),
		SignalID:    id,
	}
}

func TestGormJournal_AppendRoundsPnL(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	require.NoError(t, j.Append(ctx, entry("S1", "59.996", time.Now())))

	rows, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "S1", rows[0].SignalID)
	assert.Equal(t, "LONG", rows[0].Direction)
	assert.Equal(t, "Flag", rows[0].PatternName)
	assert.Equal(t, "60.00", rows[0].RealizedPnL.StringFixed(2))
}

func TestGormJournal_RetriedCloseIsRecordedOnce(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	require.NoError(t, j.Append(ctx, entry("S1", "10", time.Now())))
	require.NoError(t, j.Append(ctx, entry("S1", "10", time.Now())))

	rows, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestGormJournal_RecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, j.Append(ctx, entry("old", "1", base)))
	require.NoError(t, j.Append(ctx, entry("new", "2", base.Add(time.Hour))))
	require.NoError(t, j.Append(ctx, entry("mid", "3", base.Add(time.Minute))))

	rows, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "new", rows[0].SignalID)
	assert.Equal(t, "mid", rows[1].SignalID)
}

func TestGormJournal_ClosedDatabaseFails(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.Close())

	err := j.Append(context.Background(), entry("S1", "1", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S1")
}

func TestLogJournal_Append(t *testing.T) {
	j := NewLogJournal(logging.NewNopLogger())
	assert.NoError(t, j.Append(context.Background(), entry("S1", "1", time.Now())))
}
