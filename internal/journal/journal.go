// Package journal records closed trades for post-trade analysis
package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"signal_router/internal/core"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Entry is the journal_entries row
type Entry struct {
	ID          uint            `gorm:"primaryKey"`
	SignalID    string          `gorm:"uniqueIndex;size:128;not null"`
	ClosedAt    time.Time       `gorm:"index;not null"`
	Instrument  string          `gorm:"size:32;not null"`
	Direction   string          `gorm:"size:8;not null"`
	PatternName string          `gorm:"size:128"`
	Outcome     string          `gorm:"size:64"`
	EntryPrice  decimal.Decimal `gorm:"type:numeric(30,10)"`
	ClosePrice  decimal.Decimal `gorm:"type:numeric(30,10)"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:numeric(20,2)"`
	CreatedAt   time.Time
}

func (Entry) TableName() string {
	return "journal_entries"
}

func toRow(e core.JournalEntry) Entry {
	return Entry{
		SignalID:    e.SignalID,
		ClosedAt:    e.Timestamp.UTC(),
		Instrument:  e.Instrument,
		Direction:   strings.ToUpper(string(e.Direction)),
		PatternName: e.PatternName,
		Outcome:     e.Outcome,
		EntryPrice:  e.EntryPrice,
		ClosePrice:  e.ClosePrice,
		RealizedPnL: e.RealizedPnL.Round(2),
	}
}

// GormJournal writes entries through gorm. Appending the same signal twice keeps the first row,
// so a retried close event cannot double count.
type GormJournal struct {
	db     *gorm.DB
	logger core.ILogger
}

// NewPostgresJournal connects to dsn and migrates journal_entries
func NewPostgresJournal(dsn string, logger core.ILogger) (*GormJournal, error) {
	return Open(postgres.Open(dsn), logger)
}

// Open builds a journal on any gorm dialector
func Open(dialector gorm.Dialector, logger core.ILogger) (*GormJournal, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return &GormJournal{db: db, logger: logger.WithField("component", "journal")}, nil
}

func (j *GormJournal) Append(ctx context.Context, entry core.JournalEntry) error {
	row := toRow(entry)
	res := j.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "signal_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return fmt.Errorf("failed to append journal entry %s: %w", entry.SignalID, res.Error)
	}
	if res.RowsAffected == 0 {
		j.logger.Warn("Journal entry already recorded", "signal_id", entry.SignalID)
		return nil
	}
	j.logger.Info("Journal entry recorded", "signal_id", entry.SignalID, "pnl", row.RealizedPnL.StringFixed(2))
	return nil
}

// Recent returns the latest entries, newest first
func (j *GormJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var rows []Entry
	if err := j.db.WithContext(ctx).Order("closed_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (j *GormJournal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LogJournal is the fallback when no database is configured
type LogJournal struct {
	logger core.ILogger
}

func NewLogJournal(logger core.ILogger) *LogJournal {
	return &LogJournal{logger: logger.WithField("component", "journal")}
}

func (j *LogJournal) Append(ctx context.Context, entry core.JournalEntry) error {
	j.logger.Info("Trade closed",
		"signal_id", entry.SignalID,
		"instrument", entry.Instrument,
		"direction", entry.Direction,
		"pattern", entry.PatternName,
		"outcome", entry.Outcome,
		"entry", entry.EntryPrice.String(),
		"close", entry.ClosePrice.String(),
		"pnl", entry.RealizedPnL.StringFixed(2),
		"closed_at", entry.Timestamp.UTC().Format(time.RFC3339),
	)
	return nil
}
