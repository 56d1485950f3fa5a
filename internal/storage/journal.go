package storage

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Journal is the append-only paper trade log.
type Journal struct {
	db *gorm.DB
}

func NewJournal(db *gorm.DB) *Journal {
	return &Journal{db: db}
}

func (j *Journal) RecordTrade(ctx context.Context, trade *Trade) error {
	return j.db.WithContext(ctx).Create(trade).Error
}

func (j *Journal) GetRecentTrades(ctx context.Context, userID string, limit int) ([]Trade, error) {
	var trades []Trade
	q := j.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	err := q.Find(&trades).Error
	return trades, err
}

// GetTodayPnL sums realized PnL since UTC midnight.
func (j *Journal) GetTodayPnL(ctx context.Context, userID string) (float64, error) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	return j.sumPnL(ctx, userID, today)
}

func (j *Journal) GetTotalPnL(ctx context.Context, userID string) (float64, error) {
	return j.sumPnL(ctx, userID, time.Time{})
}

func (j *Journal) sumPnL(ctx context.Context, userID string, since time.Time) (float64, error) {
	var total float64
	q := j.db.WithContext(ctx).Model(&Trade{}).
		Where("action IN ?", []string{"PARTIAL_SELL", "SELL"}).
		Where("created_at >= ?", since)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	err := q.Select("COALESCE(SUM(pnl), 0)").Scan(&total).Error
	return total, err
}
