// Package positions stores one record per tracked signal plus the index of tracked ids
package positions

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"signal_router/internal/core"
	"signal_router/internal/storage"
	apperrors "signal_router/pkg/errors"
)

// SQLiteStore keeps the index and the records in separate tables so a partial write
// (index entry without a readable record) stays observable to reconciliation.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func encode(trade *core.TrackedTrade) (string, []byte, error) {
	data, err := json.Marshal(trade)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal trade: %w", err)
	}
	sum := sha256.Sum256(data)
	return string(data), sum[:], nil
}

func (s *SQLiteStore) Create(ctx context.Context, trade *core.TrackedTrade) error {
	payload, checksum, err := encode(trade)
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()

	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tracked_index (signal_id, added_at) VALUES (?, ?) ON CONFLICT(signal_id) DO NOTHING`,
			trade.SignalID, now)
		if err != nil {
			return fmt.Errorf("failed to write index: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", apperrors.ErrAlreadyExists, trade.SignalID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO trades (signal_id, payload, checksum, updated_at) VALUES (?, ?, ?, ?)`,
			trade.SignalID, payload, checksum, now)
		if err != nil {
			return fmt.Errorf("failed to write trade: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, signalID string) (*core.TrackedTrade, error) {
	var (
		payload  string
		checksum []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT payload, checksum FROM trades WHERE signal_id = ?`, signalID).Scan(&payload, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, signalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trade: %w", err)
	}

	computed := sha256.Sum256([]byte(payload))
	if !bytes.Equal(computed[:], checksum) {
		return nil, fmt.Errorf("%w: checksum verification failed for %s", apperrors.ErrCorruptRecord, signalID)
	}

	var trade core.TrackedTrade
	if err := json.Unmarshal([]byte(payload), &trade); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrCorruptRecord, signalID, err)
	}
	return &trade, nil
}

func (s *SQLiteStore) Put(ctx context.Context, trade *core.TrackedTrade) error {
	payload, checksum, err := encode(trade)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE trades SET payload = ?, checksum = ?, updated_at = ? WHERE signal_id = ?`,
		payload, checksum, time.Now().UnixNano(), trade.SignalID)
	if err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, trade.SignalID)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, signalID string) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE signal_id = ?`, signalID); err != nil {
			return fmt.Errorf("failed to delete trade: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tracked_index WHERE signal_id = ?`, signalID); err != nil {
			return fmt.Errorf("failed to delete index entry: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT signal_id FROM tracked_index ORDER BY added_at, signal_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list index: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, stmt := range []string{`DELETE FROM trades`, `DELETE FROM tracked_index`} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to reset positions: %w", err)
			}
		}
		return nil
	})
}
