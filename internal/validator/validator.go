// Package validator decides whether a freshly fetched price can be trusted.
//
// A fast-source price is cross-checked against the signal's entry snapshot:
// if the market cap it implies is more than MaxMcapLiquidityRatio times the
// entry liquidity, the token looks pumped and the rich source must confirm
// both a sane ratio and real trading volume before the price is accepted.
package validator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/logger"
	"github.com/camuig/signal-tracker/internal/metrics"
	"github.com/camuig/signal-tracker/internal/pricing"
)

var (
	// ErrRejected marks a suspected pump the rich source did not confirm.
	ErrRejected = errors.New("price rejected: unverified pump")
	// ErrFatal means the token has no tradable price at all.
	ErrFatal = errors.New("no tradable price")
	// ErrUnavailable is a transient failure: no price this cycle.
	ErrUnavailable = errors.New("price unavailable")
)

// Reference is the entry snapshot prices are compared against.
type Reference struct {
	EntryPrice     float64
	EntryMarketCap float64
	EntryLiquidity float64
}

func (r *Reference) usable() bool {
	return r != nil && r.EntryPrice > 0 && r.EntryMarketCap > 0 && r.EntryLiquidity > 0
}

// Result is an accepted price.
type Result struct {
	Price    float64
	Source   string
	Verified bool
	// Quote is set when the rich source supplied the price.
	Quote *pricing.Quote
}

type Validator struct {
	fast     pricing.Source
	rich     pricing.Source
	maxRatio float64
	minVol5m float64
	logger   *logger.Logger
}

func New(fast, rich pricing.Source, cfg config.ValidationConfig, log *logger.Logger) *Validator {
	return &Validator{
		fast:     fast,
		rich:     rich,
		maxRatio: cfg.MaxMcapLiquidityRatio,
		minVol5m: cfg.MinVolume5m,
		logger:   log,
	}
}

// Resolve fetches mint from the fast source and validates the result.
func (v *Validator) Resolve(ctx context.Context, mint string, ref *Reference) (Result, error) {
	prices, err := v.fast.FetchBatch(ctx, []string{mint})
	if err != nil {
		v.logger.Debug("fast source failed", "mint", mint, "error", err)
	}
	return v.Validate(ctx, mint, prices[mint], ref)
}

// Validate applies the anomaly check to a fast price obtained by the caller.
// A fastPrice of zero means the fast source had nothing; the rich source is
// then used unconditionally.
func (v *Validator) Validate(ctx context.Context, mint string, fastPrice float64, ref *Reference) (Result, error) {
	if fastPrice <= 0 {
		return v.fallback(ctx, mint)
	}

	if !ref.usable() {
		metrics.PriceOutcomes.WithLabelValues(v.fast.Name(), "accepted").Inc()
		return Result{Price: fastPrice, Source: v.fast.Name()}, nil
	}

	ratio := ImpliedRatio(ref, fastPrice)
	if ratio <= v.maxRatio {
		metrics.PriceOutcomes.WithLabelValues(v.fast.Name(), "accepted").Inc()
		return Result{Price: fastPrice, Source: v.fast.Name()}, nil
	}

	v.logger.Info("suspected pump, verifying", "mint", mint, "fast_price", fastPrice, "ratio", ratio)

	q, err := v.rich.FetchOne(ctx, mint)
	if err != nil {
		metrics.PriceOutcomes.WithLabelValues(v.rich.Name(), "rejected").Inc()
		return Result{}, fmt.Errorf("%w: verification failed: %v", ErrRejected, err)
	}

	verified := verifiedRatio(q)
	if q.Price <= 0 || verified > v.maxRatio || q.Volume5m < v.minVol5m {
		metrics.PriceOutcomes.WithLabelValues(v.rich.Name(), "rejected").Inc()
		return Result{}, fmt.Errorf("%w: ratio %.1f, volume_5m %.0f", ErrRejected, verified, q.Volume5m)
	}

	metrics.PriceOutcomes.WithLabelValues(v.rich.Name(), "verified").Inc()
	return Result{Price: q.Price, Source: v.rich.Name(), Verified: true, Quote: q}, nil
}

func (v *Validator) fallback(ctx context.Context, mint string) (Result, error) {
	q, err := v.rich.FetchOne(ctx, mint)
	switch {
	case errors.Is(err, pricing.ErrNotFound):
		metrics.PriceOutcomes.WithLabelValues(v.rich.Name(), "fatal").Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrFatal, err)
	case err != nil:
		metrics.PriceOutcomes.WithLabelValues(v.rich.Name(), "failed").Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	case q.Price <= 0:
		metrics.PriceOutcomes.WithLabelValues(v.rich.Name(), "fatal").Inc()
		return Result{}, fmt.Errorf("%w: zero price", ErrFatal)
	}
	metrics.PriceOutcomes.WithLabelValues(v.rich.Name(), "accepted").Inc()
	return Result{Price: q.Price, Source: v.rich.Name(), Quote: q}, nil
}

// ImpliedRatio is entryMarketCap scaled by the price move, over entry liquidity.
func ImpliedRatio(ref *Reference, price float64) float64 {
	implied := ref.EntryMarketCap * (price / ref.EntryPrice)
	return implied / ref.EntryLiquidity
}

func verifiedRatio(q *pricing.Quote) float64 {
	if q.Liquidity <= 0 {
		return math.Inf(1)
	}
	return q.MarketCapOrFDV() / q.Liquidity
}
