package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"signal_router/internal/core"
	"signal_router/internal/storage"
	apperrors "signal_router/pkg/errors"

	"github.com/shopspring/decimal"
)

// SQLiteLedger persists ledger state. Every operation is one serializable transaction.
type SQLiteLedger struct {
	db       *sql.DB
	defaults core.RiskConfig
	logger   core.ILogger
}

func NewSQLiteLedger(db *sql.DB, defaults core.RiskConfig, logger core.ILogger) *SQLiteLedger {
	return &SQLiteLedger{
		db:       db,
		defaults: defaults,
		logger:   logger.WithField("component", "ledger"),
	}
}

func readPending(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, accountID int) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT amount FROM pending_risk WHERE account_id = ?`, accountID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read pending risk: %w", err)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse pending risk %q: %w", raw, err)
	}
	return v, nil
}

func writePending(ctx context.Context, tx *sql.Tx, accountID int, amount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO pending_risk (account_id, amount) VALUES (?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET amount = excluded.amount`,
		accountID, amount.String())
	if err != nil {
		return fmt.Errorf("failed to write pending risk: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Reserve(ctx context.Context, accountID int, signalID string, amount decimal.Decimal) error {
	if err := validateReservation(signalID, amount); err != nil {
		return err
	}
	var next decimal.Decimal
	changed := false
	err := storage.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO risk_reservations (account_id, signal_id, amount, reserved_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(account_id, signal_id) DO NOTHING`,
			accountID, signalID, amount.String(), time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to record reservation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		current, err := readPending(ctx, tx, accountID)
		if err != nil {
			return err
		}
		next, changed = current.Add(amount), true
		return writePending(ctx, tx, accountID, next)
	})
	if err != nil {
		return err
	}
	if changed {
		publishPending(accountID, next)
	}
	return nil
}

func (l *SQLiteLedger) Release(ctx context.Context, accountID int, signalID string) error {
	var next decimal.Decimal
	changed := false
	err := storage.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT amount FROM risk_reservations WHERE account_id = ? AND signal_id = ?`,
			accountID, signalID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			logUnreserved(l.logger, accountID, signalID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read reservation: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("failed to parse reservation %q: %w", raw, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM risk_reservations WHERE account_id = ? AND signal_id = ?`, accountID, signalID); err != nil {
			return fmt.Errorf("failed to drop reservation: %w", err)
		}

		current, err := readPending(ctx, tx, accountID)
		if err != nil {
			return err
		}
		next, changed = clampRelease(ctx, l.logger, accountID, current, amount), true
		return writePending(ctx, tx, accountID, next)
	})
	if err != nil {
		return err
	}
	if changed {
		publishPending(accountID, next)
	}
	return nil
}

func (l *SQLiteLedger) PendingRisk(ctx context.Context, accountID int) (decimal.Decimal, error) {
	return readPending(ctx, l.db, accountID)
}

func (l *SQLiteLedger) Occupy(ctx context.Context, slot core.Slot) error {
	return storage.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO slots (account_id, slot_key, occupied_at) VALUES (?, ?, ?)
			 ON CONFLICT(account_id, slot_key) DO NOTHING`,
			slot.AccountID, slot.Key(), time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to occupy slot: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", apperrors.ErrSlotOccupied, slot)
		}
		return nil
	})
}

func (l *SQLiteLedger) Vacate(ctx context.Context, slot core.Slot) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM slots WHERE account_id = ? AND slot_key = ?`, slot.AccountID, slot.Key())
	if err != nil {
		return fmt.Errorf("failed to vacate slot: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) IsOccupied(ctx context.Context, slot core.Slot) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM slots WHERE account_id = ? AND slot_key = ?`,
		slot.AccountID, slot.Key()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to read slot: %w", err)
	}
	return n > 0, nil
}

func (l *SQLiteLedger) Slots(ctx context.Context, accountID int) ([]core.Slot, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT slot_key FROM slots WHERE account_id = ? ORDER BY slot_key`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	var out []core.Slot
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		slot, err := core.ParseSlotKey(accountID, key)
		if err != nil {
			l.logger.Warn("Skipping malformed slot key", "account_id", accountID, "key", key, "error", err)
			continue
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) RiskConfig(ctx context.Context) (core.RiskConfig, error) {
	var fixed, buffer string
	err := l.db.QueryRowContext(ctx, `SELECT fixed_risk_usd, buffer_percentage FROM risk_config WHERE id = 1`).Scan(&fixed, &buffer)
	if errors.Is(err, sql.ErrNoRows) {
		return l.defaults, nil
	}
	if err != nil {
		return core.RiskConfig{}, fmt.Errorf("failed to read risk config: %w", err)
	}

	cfg := core.RiskConfig{}
	if cfg.FixedRiskUSD, err = decimal.NewFromString(fixed); err != nil {
		return core.RiskConfig{}, fmt.Errorf("failed to parse fixed risk %q: %w", fixed, err)
	}
	if cfg.BufferPercentage, err = decimal.NewFromString(buffer); err != nil {
		return core.RiskConfig{}, fmt.Errorf("failed to parse buffer %q: %w", buffer, err)
	}
	return cfg, nil
}

func (l *SQLiteLedger) writeConfig(ctx context.Context, cfg core.RiskConfig, overwrite bool) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	query := `INSERT INTO risk_config (id, fixed_risk_usd, buffer_percentage, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	if overwrite {
		query = `INSERT INTO risk_config (id, fixed_risk_usd, buffer_percentage, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET fixed_risk_usd = excluded.fixed_risk_usd,
			buffer_percentage = excluded.buffer_percentage, updated_at = excluded.updated_at`
	}
	if _, err := l.db.ExecContext(ctx, query, cfg.FixedRiskUSD.String(), cfg.BufferPercentage.String(), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write risk config: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) SetRiskConfig(ctx context.Context, cfg core.RiskConfig) error {
	return l.writeConfig(ctx, cfg, true)
}

func (l *SQLiteLedger) SeedRiskConfig(ctx context.Context, defaults core.RiskConfig) error {
	return l.writeConfig(ctx, defaults, false)
}

// Reset wipes pending risk, reservations, slots and the stored config, then re-seeds the defaults
func (l *SQLiteLedger) Reset(ctx context.Context) error {
	var accounts []int
	err := storage.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT account_id FROM pending_risk`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id int
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			accounts = append(accounts, id)
		}
		rows.Close()

		for _, stmt := range []string{`DELETE FROM pending_risk`, `DELETE FROM risk_reservations`, `DELETE FROM slots`, `DELETE FROM risk_config`} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to reset ledger: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range accounts {
		publishPending(id, decimal.Zero)
	}
	return l.SeedRiskConfig(ctx, l.defaults)
}
