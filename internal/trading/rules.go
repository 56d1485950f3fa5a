package trading

import (
	"fmt"
	"math"
	"time"

	"github.com/camuig/signal-tracker/internal/pricing"
)

// Entry tiers as fractions of the signal price.
const (
	deepDipMin        = 0.65
	deepDipMax        = 0.75
	strongDipMax      = 0.85
	moderateDipMax    = 0.92
	recoveryMin       = 0.88
	momentumMin       = 1.05
	momentumMax       = 1.20
	deepDipRatio      = 1.3
	moderateDipBuys   = 200
	recoveryBuys      = 150
	momentumBuys      = 180
	momentumRatio     = 1.3
	momentumSamples   = 3
	breakoutBuys      = 300
	breakoutLiquidity = 1.2
)

// Exit thresholds in percent.
const (
	rugPullDrop        = 40.0
	drainDrop          = 35.0
	drainLoss          = -5.0
	catastrophicLoss   = -35.0
	lowBalanceTarget   = 50.0
	trailingActivation = 15.0
	timeExitAfter      = 2 * time.Hour
	timeExitBuys       = 100
	timeExitDrain      = 20.0
	maxHold            = 4 * time.Hour
)

// Re-entry triggers relative to the first exit price.
const (
	reentryBreakout          = 1.15
	reentryBreakoutBuys      = 150
	reentryBreakoutLiquidity = 35000
	reentryDipMin            = 0.70
	reentryDipMax            = 0.85
	reentryDipBuys           = 180
	reentryDipRatio          = 1.4
	reentryDipLiquidity      = 30000
	reentryNewHigh           = 1.10
	reentryNewHighLiquidity  = 50000
	reentryMaxAttempts       = 2
	reentryWatch             = 6 * time.Hour
	blacklistLoss            = -25.0
)

// ladderStep sells Sell percent of the initial position once ROI reaches
// ROI while exactly Remaining percent is still held.
type ladderStep struct {
	ROI       float64
	Remaining float64
	Sell      float64
}

var profitLadder = []ladderStep{
	{ROI: 30, Remaining: 100, Sell: 40},
	{ROI: 50, Remaining: 60, Sell: 30},
	{ROI: 100, Remaining: 30, Sell: 20},
}

var milestones = []int{25, 50, 100, 200, 500}

type EntryTier string

const (
	TierDeepDip        EntryTier = "deep_dip"
	TierStrongDip      EntryTier = "strong_dip"
	TierModerateDip    EntryTier = "moderate_dip"
	TierRecovery       EntryTier = "recovery"
	TierMomentum       EntryTier = "momentum_breakout"
	TierStrongBreakout EntryTier = "strong_breakout"
)

type Entry struct {
	Tier   EntryTier
	Reason string
}

// EvaluateEntry classifies the latest quote of a watched signal. The caller
// records the sample with Observe first so momentum includes it.
func EvaluateEntry(w *WatchItem, q *pricing.Quote) (Entry, bool) {
	if q == nil || q.Price <= 0 || w.SignalPrice <= 0 {
		return Entry{}, false
	}
	r := q.Price / w.SignalPrice
	pct := (r - 1) * 100
	ratio := q.BuySellRatio1h()

	switch {
	case r >= deepDipMin && r < deepDipMax:
		if ratio >= deepDipRatio {
			return Entry{TierDeepDip, fmt.Sprintf("Deep Dip Entry (%.0f%%, ratio %.2f)", pct, ratio)}, true
		}
	case r >= deepDipMax && r < strongDipMax:
		return Entry{TierStrongDip, fmt.Sprintf("Strong Dip Entry (%.0f%%)", pct)}, true
	}

	if r >= recoveryMin && w.SawDeepDip() && q.Buys5m >= recoveryBuys {
		return Entry{TierRecovery, fmt.Sprintf("Recovery Entry (bounced to %.0f%%)", pct)}, true
	}

	switch {
	case r >= strongDipMax && r <= moderateDipMax:
		if q.Buys5m >= moderateDipBuys {
			return Entry{TierModerateDip, fmt.Sprintf("Moderate Dip Entry (%.0f%%, %d buys)", pct, q.Buys5m)}, true
		}
	case r >= momentumMin && r <= momentumMax:
		m, ok := w.Momentum()
		if ok && m > 0 && q.Buys5m >= momentumBuys && ratio >= momentumRatio {
			return Entry{TierMomentum, fmt.Sprintf("Momentum Breakout (+%.0f%%, momentum +%.1f%%)", pct, m)}, true
		}
	case r > momentumMax:
		if w.SignalLiquidity > 0 && q.Buys5m >= breakoutBuys && q.Liquidity >= w.SignalLiquidity*breakoutLiquidity {
			return Entry{TierStrongBreakout, fmt.Sprintf("Strong Breakout (+%.0f%%, %d buys)", pct, q.Buys5m)}, true
		}
	}
	return Entry{}, false
}

type ExitKind string

const (
	ExitRugPull        ExitKind = "rug_pull"
	ExitLiquidityDrain ExitKind = "liquidity_drain"
	ExitCatastrophic   ExitKind = "catastrophic"
	ExitTakeProfit     ExitKind = "take_profit"
	ExitLowBalance     ExitKind = "low_balance_target"
	ExitTrailingStop   ExitKind = "trailing_stop"
	ExitTime           ExitKind = "time_exit"
	ExitMaxHold        ExitKind = "max_hold"
	ExitManual         ExitKind = "manual"
)

// Exit is a sell decision. Percentage is a share of the initial position;
// Full sells everything still held.
type Exit struct {
	Kind       ExitKind
	Percentage float64
	Full       bool
	Reason     string
}

// EvaluateExit applies the exit policy in priority order. PeakPrice must
// already include q.Price.
func EvaluateExit(p *Position, q *pricing.Quote, now time.Time, trailing bool) (Exit, bool) {
	if q == nil || q.Price <= 0 {
		return Exit{}, false
	}
	roi := p.ROI(q.Price)
	drop := p.LiquidityDrop(q.Liquidity)

	if drop >= rugPullDrop {
		return fullExit(ExitRugPull, "Rug Pull (Liquidity -%.0f%%)", drop), true
	}
	if drop >= drainDrop && roi < drainLoss {
		return fullExit(ExitLiquidityDrain, "Liquidity Drain (Liq -%.0f%%, Price %.1f%%)", drop, roi), true
	}
	if roi < catastrophicLoss {
		return fullExit(ExitCatastrophic, "Catastrophic Loss (%.1f%%)", roi), true
	}

	if !p.IsLowBalanceTrade {
		for i, step := range profitLadder {
			if roi >= step.ROI && sameRemaining(p.RemainingPercentage, step.Remaining) {
				return Exit{
					Kind:       ExitTakeProfit,
					Percentage: step.Sell,
					Full:       sameRemaining(step.Remaining, step.Sell),
					Reason:     fmt.Sprintf("Take-Profit Level %d (+%.0f%%)", i+1, step.ROI),
				}, true
			}
		}
	} else if roi >= lowBalanceTarget {
		return fullExit(ExitLowBalance, "Take-Profit Low Balance (+%.1f%%)", roi), true
	}

	if trailing && roi >= trailingActivation {
		if stop := p.PeakPrice * (1 - trailPct(p.PeakROI())/100); q.Price < stop {
			drawdown := (p.PeakPrice - q.Price) / p.PeakPrice * 100
			return fullExit(ExitTrailingStop, "Trailing Stop (Peak -%.1f%%, Profit +%.1f%%)", drawdown, roi), true
		}
	}

	held := now.Sub(p.EntryTime)
	if held >= timeExitAfter && (q.Buys5m < timeExitBuys || drop >= timeExitDrain) {
		return fullExit(ExitTime, "Time Exit (2h+, low activity, %+.1f%%)", roi), true
	}
	if held >= maxHold {
		return fullExit(ExitMaxHold, "Max Hold Time (4h, %+.1f%%)", roi), true
	}
	return Exit{}, false
}

func fullExit(kind ExitKind, format string, args ...any) Exit {
	return Exit{Kind: kind, Full: true, Reason: fmt.Sprintf(format, args...)}
}

// trailPct widens the trail as profit grows.
func trailPct(peakROI float64) float64 {
	switch {
	case peakROI < 30:
		return 20
	case peakROI < 60:
		return 22
	default:
		return 25
	}
}

func sameRemaining(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// blacklistFor reports whether a closed trade bars the mint for good.
func blacklistFor(kind ExitKind, pnlPct float64) bool {
	switch kind {
	case ExitRugPull, ExitLiquidityDrain, ExitCatastrophic:
		return true
	}
	return pnlPct < blacklistLoss
}

// reentryFor reports whether a closed trade is worth watching for a second
// entry: profit-taking exits and favourable time exits.
func reentryFor(kind ExitKind, t ClosedTrade) bool {
	switch kind {
	case ExitTakeProfit, ExitLowBalance:
		return true
	case ExitTime:
		return t.PnLPct > 10
	case ExitMaxHold:
		return t.PnLPct > 0
	case ExitTrailingStop:
		return t.PeakProfitPct >= 40
	}
	return false
}

// EvaluateReentry checks a candidate against the latest quote.
func EvaluateReentry(c *ReentryCandidate, q *pricing.Quote) (string, bool) {
	if q == nil || q.Price <= 0 || c.LastExitPrice <= 0 {
		return "", false
	}
	price, exit := q.Price, c.LastExitPrice

	if price >= exit*reentryBreakout && q.Buys5m >= reentryBreakoutBuys && q.Liquidity >= reentryBreakoutLiquidity {
		return fmt.Sprintf("Re-entry: Breakout (+%.1f%% from exit)", (price/exit-1)*100), true
	}
	if price >= exit*reentryDipMin && price <= exit*reentryDipMax &&
		q.Buys5m >= reentryDipBuys && q.BuySellRatio1h() >= reentryDipRatio && q.Liquidity >= reentryDipLiquidity {
		return fmt.Sprintf("Re-entry: Dip Buy (%.0f%% below exit)", (1-price/exit)*100), true
	}
	if c.PeakPriceSeen > 0 && price > c.PeakPriceSeen*reentryNewHigh && q.Liquidity >= reentryNewHighLiquidity {
		return "Re-entry: New ATH + Strong Liquidity", true
	}
	return "", false
}
