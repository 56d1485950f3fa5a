package storage

import "time"

// StateBlob is one Port entry in sqlite.
type StateBlob struct {
	Key       string    `gorm:"column:state_key;primaryKey;size:255" json:"key"`
	Blob      []byte    `gorm:"not null" json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Trade is one paper trade event: an entry, a partial exit or a full exit.
type Trade struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	EventID    string  `gorm:"uniqueIndex;size:36;not null" json:"event_id"`
	UserID     string  `gorm:"index;not null" json:"user_id"`
	Mint       string  `gorm:"index;not null" json:"mint"`
	Symbol     string  `json:"symbol"`
	SignalType string  `json:"signal_type"`
	Action     string  `gorm:"not null" json:"action"` // BUY, PARTIAL_SELL or SELL
	Price      float64 `gorm:"not null" json:"price"`
	AmountUSD  float64 `gorm:"column:amount_usd" json:"amount_usd"`
	Tokens     float64 `json:"tokens"`
	Percentage float64 `json:"percentage"`
	PnL        float64 `gorm:"column:pnl" json:"pnl"`
	PnLPercent float64 `gorm:"column:pnl_percent" json:"pnl_percent"`
	Reason     string  `json:"reason"`
	Reentry    bool    `json:"reentry"`
}
