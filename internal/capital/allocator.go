package capital

import (
	"errors"
	"fmt"

	"github.com/camuig/signal-tracker/internal/config"
)

var ErrInsufficientCapital = errors.New("insufficient capital")

// Tier applies Pct of available capital once total capital reaches MinCapital.
type Tier struct {
	MinCapital float64
	Pct        float64
}

// DefaultTiers are checked in order; the first match wins.
var DefaultTiers = []Tier{
	{MinCapital: 5000, Pct: 0.08},
	{MinCapital: 2000, Pct: 0.10},
	{MinCapital: 0, Pct: 0.12},
}

type Allocation struct {
	AmountUSD  float64
	LowBalance bool
}

// Allocator sizes new positions.
type Allocator struct {
	cfg   config.CapitalConfig
	tiers []Tier
}

func NewAllocator(cfg config.CapitalConfig) *Allocator {
	return &Allocator{cfg: cfg, tiers: DefaultTiers}
}

// Size returns the investment for a new position given the user's capital.
// The amount never exceeds capital minus the reserve.
func (a *Allocator) Size(capitalUSD float64) (Allocation, error) {
	available := capitalUSD - a.cfg.ReserveBalance
	if available < a.cfg.MinTradeSize {
		return Allocation{}, fmt.Errorf("%w: available $%.2f below minimum $%.2f",
			ErrInsufficientCapital, available, a.cfg.MinTradeSize)
	}

	if capitalUSD < a.cfg.LowBalanceThreshold {
		amount := min(capitalUSD*a.cfg.LowBalancePct, available)
		return Allocation{AmountUSD: amount, LowBalance: true}, nil
	}

	pct := a.tiers[len(a.tiers)-1].Pct
	for _, t := range a.tiers {
		if capitalUSD >= t.MinCapital {
			pct = t.Pct
			break
		}
	}
	amount := available * pct
	amount = min(amount, a.cfg.MaxTradeSize)
	amount = max(amount, a.cfg.MinTradeSize)
	return Allocation{AmountUSD: min(amount, available)}, nil
}
