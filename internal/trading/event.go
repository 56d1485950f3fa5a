package trading

import (
	"time"

	"github.com/camuig/signal-tracker/internal/signal"
	"github.com/camuig/signal-tracker/internal/storage"
)

type Action string

const (
	ActionBuy         Action = "BUY"
	ActionPartialSell Action = "PARTIAL_SELL"
	ActionSell        Action = "SELL"
	ActionMilestone   Action = "MILESTONE"
)

// Event is a structured trade event for the notifier. The engine never
// formats messages itself.
type Event struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Action     Action      `json:"action"`
	Time       time.Time   `json:"time"`
	Mint       string      `json:"mint"`
	SignalType signal.Kind `json:"signal_type"`
	Symbol     string      `json:"symbol"`
	Price      float64     `json:"price"`
	EntryPrice float64     `json:"entry_price"`
	AmountUSD  float64     `json:"amount_usd"`
	Tokens     float64     `json:"tokens"`

	// Percentage is the share of the initial position sold. Remaining is
	// what is left after the sale.
	Percentage float64 `json:"percentage"`
	Remaining  float64 `json:"remaining_percentage"`

	PnLUSD          float64       `json:"pnl_usd"`
	PnLPct          float64       `json:"pnl_pct"`
	RealizedUSD     float64       `json:"realized_usd"`
	Reason          string        `json:"reason"`
	Milestone       int           `json:"milestone,omitempty"`
	HoldTime        time.Duration `json:"hold_time,omitempty"`
	CapitalUSD      float64       `json:"capital_usd"`
	Reentry         bool          `json:"reentry"`
	Blacklisted     bool          `json:"blacklisted,omitempty"`
	WatchForReentry bool          `json:"watch_for_reentry,omitempty"`
}

// trade is the journal row for a buy or sell. RealizedUSD excludes profit
// already locked by earlier partial exits, so rows sum to realized PnL.
func (ev Event) trade() *storage.Trade {
	return &storage.Trade{
		EventID:    ev.ID,
		UserID:     ev.UserID,
		Mint:       ev.Mint,
		Symbol:     ev.Symbol,
		SignalType: string(ev.SignalType),
		Action:     string(ev.Action),
		Price:      ev.Price,
		AmountUSD:  ev.AmountUSD,
		Tokens:     ev.Tokens,
		Percentage: ev.Percentage,
		PnL:        ev.RealizedUSD,
		PnLPercent: ev.PnLPct,
		Reason:     ev.Reason,
		Reentry:    ev.Reentry,
	}
}
