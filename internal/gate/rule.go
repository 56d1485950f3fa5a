package gate

import (
	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/pricing"
)

// Rule is the market-quality bar a pending signal must clear on each check.
type Rule struct {
	cfg config.RuleConfig
}

func NewRule(cfg config.RuleConfig) Rule {
	return Rule{cfg: cfg}
}

// Evaluate reports whether every condition holds for q.
func (r Rule) Evaluate(q *pricing.Quote) bool {
	return q != nil && len(r.Failures(q)) == 0
}

// Failures names the conditions q misses.
func (r Rule) Failures(q *pricing.Quote) []string {
	if q == nil {
		return []string{"no data"}
	}
	var failed []string
	if q.Liquidity < r.cfg.MinLiquidity {
		failed = append(failed, "liquidity")
	}
	if q.Buys5m < r.cfg.MinBuys5m {
		failed = append(failed, "buys_5m")
	}
	if q.BuySellRatio1h() < r.cfg.MinBuySellRatio1h {
		failed = append(failed, "buy_sell_ratio_1h")
	}
	if q.MarketCap < r.cfg.MinMarketCap && q.FDV < r.cfg.MinFDV {
		failed = append(failed, "market_cap")
	}
	if q.Volume1h < r.cfg.MinVolume1h {
		failed = append(failed, "volume_1h")
	}
	return failed
}
