package trading

import (
	"sort"
	"time"

	"github.com/camuig/signal-tracker/internal/signal"
)

const maxTradeHistory = 500

// Portfolio is one user's paper account.
type Portfolio struct {
	UserID     string                       `json:"user_id"`
	CapitalUSD float64                      `json:"capital_usd"`
	Positions  map[string]*Position         `json:"positions"`
	Watchlist  map[string]*WatchItem        `json:"watchlist"`
	Reentry    map[string]*ReentryCandidate `json:"reentry_candidates"`
	Blacklist  map[string]BlacklistEntry    `json:"blacklist"`
	History    []ClosedTrade                `json:"trade_history"`
	Stats      Stats                        `json:"stats"`
}

func newPortfolio(userID string, capitalUSD float64) *Portfolio {
	p := &Portfolio{UserID: userID, CapitalUSD: capitalUSD}
	p.ensureMaps()
	return p
}

func (p *Portfolio) ensureMaps() {
	if p.Positions == nil {
		p.Positions = make(map[string]*Position)
	}
	if p.Watchlist == nil {
		p.Watchlist = make(map[string]*WatchItem)
	}
	if p.Reentry == nil {
		p.Reentry = make(map[string]*ReentryCandidate)
	}
	if p.Blacklist == nil {
		p.Blacklist = make(map[string]BlacklistEntry)
	}
}

func (p *Portfolio) blacklisted(mint string) bool {
	_, ok := p.Blacklist[mint]
	return ok
}

func (p *Portfolio) appendHistory(t ClosedTrade) {
	p.History = append(p.History, t)
	if n := len(p.History); n > maxTradeHistory {
		p.History = p.History[n-maxTradeHistory:]
	}
}

// PartialExit is one sale of part (or the rest) of a position.
type PartialExit struct {
	Time       time.Time `json:"time"`
	Price      float64   `json:"price"`
	Percentage float64   `json:"percentage"`
	Tokens     float64   `json:"tokens"`
	ValueUSD   float64   `json:"value_usd"`
	PnLUSD     float64   `json:"pnl_usd"`
	Reason     string    `json:"reason"`
}

// Position is an open paper position. Percentages refer to the initial
// token amount: the exits plus RemainingPercentage always add up to 100.
type Position struct {
	Key                 string        `json:"key"`
	Mint                string        `json:"mint"`
	SignalType          signal.Kind   `json:"signal_type"`
	Symbol              string        `json:"symbol"`
	Name                string        `json:"name"`
	SignalPrice         float64       `json:"signal_price"`
	EntryPrice          float64       `json:"entry_price"`
	AvgBuyPrice         float64       `json:"avg_buy_price"`
	EntryLiquidity      float64       `json:"entry_liquidity"`
	EntryTime           time.Time     `json:"entry_time"`
	EntryReason         string        `json:"entry_reason"`
	InvestmentUSD       float64       `json:"investment_usd"`
	InitialTokenAmount  float64       `json:"initial_token_amount"`
	TokenAmount         float64       `json:"token_amount"`
	PeakPrice           float64       `json:"peak_price"`
	RemainingPercentage float64       `json:"remaining_percentage"`
	LockedProfitUSD     float64       `json:"locked_profit_usd"`
	PartialExits        []PartialExit `json:"partial_exits"`
	LastMilestone       int           `json:"last_milestone"`
	IsLowBalanceTrade   bool          `json:"is_low_balance_trade"`
	IsReentry           bool          `json:"is_reentry"`
}

// ROI is the unrealized percentage change at price.
func (p *Position) ROI(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// PeakROI is the best ROI seen while the position was open.
func (p *Position) PeakROI() float64 {
	return p.ROI(p.PeakPrice)
}

// LiquidityDrop is the percentage of entry liquidity that has left the pool.
func (p *Position) LiquidityDrop(liquidity float64) float64 {
	if p.EntryLiquidity <= 0 {
		return 0
	}
	return (p.EntryLiquidity - liquidity) / p.EntryLiquidity * 100
}

func (p *Position) costBasis() float64 {
	return p.InvestmentUSD * p.RemainingPercentage / 100
}

// WatchItem is a promoted signal waiting for an entry trigger.
type WatchItem struct {
	Key             string      `json:"key"`
	Mint            string      `json:"mint"`
	SignalType      signal.Kind `json:"signal_type"`
	Symbol          string      `json:"symbol"`
	Name            string      `json:"name"`
	SignalPrice     float64     `json:"signal_price"`
	SignalLiquidity float64     `json:"signal_liquidity"`
	SignalTime      time.Time   `json:"signal_time"`
	Epoch           int         `json:"epoch"`
	PassRate        float64     `json:"pass_rate"`
	HighestPrice    float64     `json:"highest_price"`
	LowestPrice     float64     `json:"lowest_price"`
	History         []float64   `json:"price_history"`
	Expires         time.Time   `json:"expires_at"`
}

// Observe records a price sample, keeping at most size samples.
func (w *WatchItem) Observe(price float64, size int) {
	w.HighestPrice = max(w.HighestPrice, price)
	if w.LowestPrice == 0 || price < w.LowestPrice {
		w.LowestPrice = price
	}
	w.History = append(w.History, price)
	if size > 0 && len(w.History) > size {
		w.History = w.History[len(w.History)-size:]
	}
}

// Momentum is the percentage move across the last three samples.
func (w *WatchItem) Momentum() (float64, bool) {
	n := len(w.History)
	if n < momentumSamples {
		return 0, false
	}
	first := w.History[n-momentumSamples]
	if first <= 0 {
		return 0, false
	}
	return (w.History[n-1] - first) / first * 100, true
}

// SawDeepDip reports whether price has been at or below the deep-dip ceiling.
func (w *WatchItem) SawDeepDip() bool {
	return w.LowestPrice > 0 && w.LowestPrice <= w.SignalPrice*deepDipMax
}

// ReentryCandidate watches a profitably closed token for a second entry.
// The LastExit fields and Expires follow the most recent exit; the peak and
// best result are kept across re-entries.
type ReentryCandidate struct {
	Key            string      `json:"key"`
	Mint           string      `json:"mint"`
	SignalType     signal.Kind `json:"signal_type"`
	Symbol         string      `json:"symbol"`
	Name           string      `json:"name"`
	SignalPrice    float64     `json:"signal_price"`
	LastExitPrice  float64     `json:"last_exit_price"`
	LastExitTime   time.Time   `json:"last_exit_time"`
	LastExitReason string      `json:"last_exit_reason"`
	PeakPriceSeen  float64     `json:"peak_price_seen"`
	BestPnLPct     float64     `json:"best_pnl_pct"`
	Attempts       int         `json:"reentry_attempts"`
	Expires        time.Time   `json:"expires_at"`
}

type BlacklistEntry struct {
	Reason        string    `json:"reason"`
	BlacklistedAt time.Time `json:"blacklisted_at"`
	ExitPrice     float64   `json:"exit_price"`
	LossPct       float64   `json:"loss_pct"`
}

// ClosedTrade is the record of a fully exited position.
type ClosedTrade struct {
	ID            string      `json:"id"`
	Mint          string      `json:"mint"`
	SignalType    signal.Kind `json:"signal_type"`
	Symbol        string      `json:"symbol"`
	EntryPrice    float64     `json:"entry_price"`
	ExitPrice     float64     `json:"exit_price"`
	PeakPrice     float64     `json:"peak_price"`
	EntryTime     time.Time   `json:"entry_time"`
	ExitTime      time.Time   `json:"exit_time"`
	HoldMinutes   int         `json:"hold_duration_minutes"`
	InvestmentUSD float64     `json:"investment_usd"`
	PnLUSD        float64     `json:"total_pnl_usd"`
	PnLPct        float64     `json:"total_pnl_percent"`
	PeakProfitPct float64     `json:"peak_profit_pct"`
	EntryReason   string      `json:"entry_reason"`
	ExitReason    string      `json:"exit_reason"`
	PartialExits  int         `json:"partial_exits"`
	Reentry       bool        `json:"reentry"`
}

type Stats struct {
	TotalTrades   int     `json:"total_trades"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	TotalPnL      float64 `json:"total_pnl"`
	BestTrade     float64 `json:"best_trade"`
	WorstTrade    float64 `json:"worst_trade"`
	ReentryTrades int     `json:"reentry_trades"`
	ReentryWins   int     `json:"reentry_wins"`
}

func (s *Stats) record(t ClosedTrade) {
	if s.TotalTrades == 0 {
		s.BestTrade, s.WorstTrade = t.PnLPct, t.PnLPct
	}
	s.TotalTrades++
	s.TotalPnL += t.PnLUSD
	if t.PnLUSD > 0 {
		s.Wins++
		if t.Reentry {
			s.ReentryWins++
		}
	} else {
		s.Losses++
	}
	s.BestTrade = max(s.BestTrade, t.PnLPct)
	s.WorstTrade = min(s.WorstTrade, t.PnLPct)
}

// WinRate is the percentage of closed trades with positive PnL.
func (s Stats) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.TotalTrades) * 100
}

// PositionView is an open position valued at the latest known price.
type PositionView struct {
	Position
	CurrentPrice     float64 `json:"current_price"`
	CurrentValueUSD  float64 `json:"current_value"`
	CostBasisUSD     float64 `json:"cost_basis"`
	UnrealizedPnLUSD float64 `json:"unrealized_pnl_usd"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct"`
}

// PortfolioView is a read-only copy of a portfolio for the API.
type PortfolioView struct {
	UserID           string                    `json:"user_id"`
	CapitalUSD       float64                   `json:"capital_usd"`
	Positions        []PositionView            `json:"positions"`
	Watchlist        []WatchItem               `json:"watchlist"`
	Reentry          []ReentryCandidate        `json:"reentry_candidates"`
	Blacklist        map[string]BlacklistEntry `json:"blacklist"`
	RecentTrades     []ClosedTrade             `json:"recent_trades"`
	Stats            Stats                     `json:"stats"`
	WinRate          float64                   `json:"win_rate"`
	CurrentValueUSD  float64                   `json:"total_current_value"`
	CostBasisUSD     float64                   `json:"total_cost_basis"`
	UnrealizedPnLUSD float64                   `json:"total_unrealized_usd"`
	UnrealizedPnLPct float64                   `json:"total_unrealized_pct"`
}

const recentTrades = 20

// view values open positions at prices, falling back to the entry price.
func (p *Portfolio) view(prices map[string]float64) PortfolioView {
	v := PortfolioView{
		UserID:     p.UserID,
		CapitalUSD: p.CapitalUSD,
		Blacklist:  make(map[string]BlacklistEntry, len(p.Blacklist)),
		Stats:      p.Stats,
		WinRate:    p.Stats.WinRate(),
	}
	for _, pos := range p.Positions {
		price, ok := prices[pos.Mint]
		if !ok || price <= 0 {
			price = pos.EntryPrice
		}
		pv := PositionView{Position: *pos, CurrentPrice: price}
		pv.PartialExits = append([]PartialExit(nil), pos.PartialExits...)
		pv.CurrentValueUSD = pos.TokenAmount * price
		pv.CostBasisUSD = pos.costBasis()
		pv.UnrealizedPnLUSD = pv.CurrentValueUSD - pv.CostBasisUSD
		if pv.CostBasisUSD > 0 {
			pv.UnrealizedPnLPct = pv.UnrealizedPnLUSD / pv.CostBasisUSD * 100
		}
		v.CurrentValueUSD += pv.CurrentValueUSD
		v.CostBasisUSD += pv.CostBasisUSD
		v.Positions = append(v.Positions, pv)
	}
	v.UnrealizedPnLUSD = v.CurrentValueUSD - v.CostBasisUSD
	if v.CostBasisUSD > 0 {
		v.UnrealizedPnLPct = v.UnrealizedPnLUSD / v.CostBasisUSD * 100
	}
	sort.Slice(v.Positions, func(i, j int) bool {
		return v.Positions[i].UnrealizedPnLPct > v.Positions[j].UnrealizedPnLPct
	})

	for _, w := range p.Watchlist {
		c := *w
		c.History = append([]float64(nil), w.History...)
		v.Watchlist = append(v.Watchlist, c)
	}
	sort.Slice(v.Watchlist, func(i, j int) bool { return v.Watchlist[i].SignalTime.Before(v.Watchlist[j].SignalTime) })

	for _, c := range p.Reentry {
		v.Reentry = append(v.Reentry, *c)
	}
	sort.Slice(v.Reentry, func(i, j int) bool { return v.Reentry[i].LastExitTime.Before(v.Reentry[j].LastExitTime) })

	for mint, b := range p.Blacklist {
		v.Blacklist[mint] = b
	}

	start := max(0, len(p.History)-recentTrades)
	v.RecentTrades = append([]ClosedTrade(nil), p.History[start:]...)
	return v
}
