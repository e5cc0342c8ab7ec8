package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"signal_router/internal/core"
	"signal_router/internal/storage"
	apperrors "signal_router/pkg/errors"
	"signal_router/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDefaults = core.RiskConfig{
	FixedRiskUSD:     decimal.NewFromInt(30),
	BufferPercentage: decimal.NewFromFloat(0.25),
}

func ledgers(t *testing.T) map[string]core.IRiskLedger {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]core.IRiskLedger{
		"memory": NewMemoryLedger(testDefaults, logging.NewNopLogger()),
		"sqlite": NewSQLiteLedger(db, testDefaults, logging.NewNopLogger()),
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLedger_ReserveRelease(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Reserve(ctx, 1, "S1", d("30")))
			require.NoError(t, l.Reserve(ctx, 1, "S2", d("30")))
			require.NoError(t, l.Reserve(ctx, 2, "S3", d("10")))

			p, err := l.PendingRisk(ctx, 1)
			require.NoError(t, err)
			assert.True(t, p.Equal(d("60")), p.String())

			require.NoError(t, l.Release(ctx, 1, "S1"))
			p, _ = l.PendingRisk(ctx, 1)
			assert.True(t, p.Equal(d("30")), p.String())

			p, _ = l.PendingRisk(ctx, 3)
			assert.True(t, p.IsZero())
		})
	}
}

func TestLedger_ReservationsAreKeyedBySignal(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Reserve(ctx, 1, "S1", d("30")))
			require.NoError(t, l.Reserve(ctx, 1, "S1", d("30")), "second reserve is a no-op")
			require.NoError(t, l.Reserve(ctx, 1, "S2", d("12.5")))

			p, _ := l.PendingRisk(ctx, 1)
			assert.True(t, p.Equal(d("42.5")), p.String())

			require.NoError(t, l.Release(ctx, 1, "S1"))
			require.NoError(t, l.Release(ctx, 1, "S1"), "second release is a no-op")
			p, _ = l.PendingRisk(ctx, 1)
			assert.True(t, p.Equal(d("12.5")), p.String())

			// Unknown signal, or the right signal on the wrong account
			require.NoError(t, l.Release(ctx, 1, "never-reserved"))
			require.NoError(t, l.Release(ctx, 2, "S2"))
			p, _ = l.PendingRisk(ctx, 1)
			assert.True(t, p.Equal(d("12.5")), p.String())
			p, _ = l.PendingRisk(ctx, 2)
			assert.True(t, p.IsZero())
		})
	}
}

func TestLedger_RejectsInvalidReservations(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, l.Reserve(ctx, 1, "S1", d("-1")), apperrors.ErrInvalidConfig)
			assert.ErrorIs(t, l.Reserve(ctx, 1, "", d("30")), apperrors.ErrInvalidConfig)

			p, _ := l.PendingRisk(ctx, 1)
			assert.True(t, p.IsZero())
		})
	}
}

func TestLedger_ConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	const workers = 8
	const perWorker = 10

	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			contested := core.Slot{AccountID: 1, Instrument: "BTCUSDT", Direction: core.DirectionLong}
			var wins atomic.Int32
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					if err := l.Occupy(ctx, contested); err == nil {
						wins.Add(1)
					} else {
						assert.ErrorIs(t, err, apperrors.ErrSlotOccupied)
					}
					for i := 0; i < perWorker; i++ {
						id := fmt.Sprintf("S%d-%d", w, i)
						assert.NoError(t, l.Reserve(ctx, 1, id, d("1.5")))
						// Every signal reserves twice; only the first counts.
						assert.NoError(t, l.Reserve(ctx, 1, id, d("1.5")))
						if i%2 == 0 {
							assert.NoError(t, l.Release(ctx, 1, id))
							assert.NoError(t, l.Release(ctx, 1, id))
						}
					}
				}(w)
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load(), "exactly one caller holds the slot")
			p, err := l.PendingRisk(ctx, 1)
			require.NoError(t, err)
			want := d("1.5").Mul(decimal.NewFromInt(workers * perWorker / 2))
			assert.True(t, p.Equal(want), "got %s want %s", p, want)
		})
	}
}

func TestLedger_Slots(t *testing.T) {
	ctx := context.Background()
	long := core.Slot{AccountID: 1, Instrument: "BTCUSDT", Direction: core.DirectionLong}
	short := core.Slot{AccountID: 1, Instrument: "BTCUSDT", Direction: core.DirectionShort}
	other := core.Slot{AccountID: 2, Instrument: "BTCUSDT", Direction: core.DirectionLong}

	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Occupy(ctx, long))
			require.NoError(t, l.Occupy(ctx, short), "directions are independent slots")
			require.NoError(t, l.Occupy(ctx, other), "accounts are independent")

			assert.ErrorIs(t, l.Occupy(ctx, long), apperrors.ErrSlotOccupied)

			ok, err := l.IsOccupied(ctx, long)
			require.NoError(t, err)
			assert.True(t, ok)

			slots, err := l.Slots(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, []core.Slot{long, short}, slots)

			require.NoError(t, l.Vacate(ctx, long))
			require.NoError(t, l.Vacate(ctx, long), "vacate is idempotent")
			ok, _ = l.IsOccupied(ctx, long)
			assert.False(t, ok)
		})
	}
}

func TestLedger_RiskConfig(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			cfg, err := l.RiskConfig(ctx)
			require.NoError(t, err)
			assert.True(t, cfg.FixedRiskUSD.Equal(d("30")))

			stored := core.RiskConfig{FixedRiskUSD: d("50"), BufferPercentage: d("0.1")}
			require.NoError(t, l.SetRiskConfig(ctx, stored))

			// Seeding never overwrites a stored value.
			require.NoError(t, l.SeedRiskConfig(ctx, testDefaults))
			cfg, err = l.RiskConfig(ctx)
			require.NoError(t, err)
			assert.True(t, cfg.FixedRiskUSD.Equal(d("50")))
			assert.True(t, cfg.BufferPercentage.Equal(d("0.1")))

			err = l.SetRiskConfig(ctx, core.RiskConfig{FixedRiskUSD: d("0"), BufferPercentage: d("0.1")})
			assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
			err = l.SetRiskConfig(ctx, core.RiskConfig{FixedRiskUSD: d("10"), BufferPercentage: d("1")})
			assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
		})
	}
}

func TestLedger_Reset(t *testing.T) {
	ctx := context.Background()
	slot := core.Slot{AccountID: 1, Instrument: "ETHUSDT", Direction: core.DirectionLong}

	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Reserve(ctx, 1, "S1", d("30")))
			require.NoError(t, l.Occupy(ctx, slot))
			require.NoError(t, l.SetRiskConfig(ctx, core.RiskConfig{FixedRiskUSD: d("99"), BufferPercentage: d("0")}))

			require.NoError(t, l.Reset(ctx))

			p, _ := l.PendingRisk(ctx, 1)
			assert.True(t, p.IsZero())
			// The dropped reservation cannot be released again
			require.NoError(t, l.Release(ctx, 1, "S1"))
			require.NoError(t, l.Reserve(ctx, 1, "S1", d("30")))
			p, _ = l.PendingRisk(ctx, 1)
			assert.True(t, p.Equal(d("30")), p.String())
			ok, _ := l.IsOccupied(ctx, slot)
			assert.False(t, ok)
			cfg, err := l.RiskConfig(ctx)
			require.NoError(t, err)
			assert.True(t, cfg.FixedRiskUSD.Equal(d("30")))
		})
	}
}

func TestSQLiteLedger_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := storage.OpenSQLite(ctx, path)
	require.NoError(t, err)
	l := NewSQLiteLedger(db, testDefaults, logging.NewNopLogger())
	require.NoError(t, l.Reserve(ctx, 4, "S9", d("12.5")))
	require.NoError(t, l.Occupy(ctx, core.Slot{AccountID: 4, Instrument: "SOLUSDT", Direction: core.DirectionShort}))
	require.NoError(t, db.Close())

	db, err = storage.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	l = NewSQLiteLedger(db, testDefaults, logging.NewNopLogger())

	p, err := l.PendingRisk(ctx, 4)
	require.NoError(t, err)
	assert.True(t, p.Equal(d("12.5")))

	slots, err := l.Slots(ctx, 4)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, core.DirectionShort, slots[0].Direction)

	// The reservation survives the reopen, so a retried reserve is still a no-op
	require.NoError(t, l.Reserve(ctx, 4, "S9", d("12.5")))
	require.NoError(t, l.Release(ctx, 4, "S9"))
	p, _ = l.PendingRisk(ctx, 4)
	assert.True(t, p.IsZero(), p.String())
}

func TestSQLiteLedger_ReleaseClampsCorruptBalance(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer db.Close()
	l := NewSQLiteLedger(db, testDefaults, logging.NewNopLogger())

	require.NoError(t, l.Reserve(ctx, 1, "S1", d("30")))
	_, err = db.ExecContext(ctx, `UPDATE pending_risk SET amount = '10' WHERE account_id = 1`)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, 1, "S1"), "underflow is not an error")
	p, err := l.PendingRisk(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.IsZero(), p.String())
}
