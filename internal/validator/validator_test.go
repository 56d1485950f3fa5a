package validator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/logger"
	"github.com/camuig/signal-tracker/internal/pricing"
)

const mint = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

type fakeSource struct {
	name   string
	prices map[string]float64
	quote  *pricing.Quote
	err    error
	calls  int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchBatch(_ context.Context, ids []string) (map[string]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]float64{}
	for _, id := range ids {
		if p, ok := f.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (f *fakeSource) FetchOne(_ context.Context, id string) (*pricing.Quote, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.quote == nil {
		return nil, pricing.ErrNotFound
	}
	return f.quote, nil
}

func newValidator(fast, rich *fakeSource) *Validator {
	return New(fast, rich, config.ValidationConfig{MaxMcapLiquidityRatio: 10, MinVolume5m: 500}, logger.Nop())
}

func TestAcceptsSaneFastPrice(t *testing.T) {
	// entry $1.00, liquidity $50k, market cap $40k: ratio 0.8
	fast := &fakeSource{name: "fast", prices: map[string]float64{mint: 1.10}}
	rich := &fakeSource{name: "rich"}
	ref := &Reference{EntryPrice: 1, EntryMarketCap: 40000, EntryLiquidity: 50000}

	res, err := newValidator(fast, rich).Resolve(context.Background(), mint, ref)
	require.NoError(t, err)
	assert.Equal(t, 1.10, res.Price)
	assert.Equal(t, "fast", res.Source)
	assert.False(t, res.Verified)
	assert.Zero(t, rich.calls)
}

func TestRejectsUnconfirmedPump(t *testing.T) {
	// $50 implies 40000*50/50000 = 40x liquidity; rich source shows thin pool and no volume
	fast := &fakeSource{name: "fast", prices: map[string]float64{mint: 50}}
	rich := &fakeSource{name: "rich", quote: &pricing.Quote{Price: 50, MarketCap: 2_000_000, Liquidity: 500, Volume5m: 100}}
	ref := &Reference{EntryPrice: 1, EntryMarketCap: 40000, EntryLiquidity: 50000}

	assert.InDelta(t, 40, ImpliedRatio(ref, 50), 1e-9)

	_, err := newValidator(fast, rich).Resolve(context.Background(), mint, ref)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, rich.calls)
}

func TestPumpConfirmedByRichSource(t *testing.T) {
	fast := &fakeSource{name: "fast", prices: map[string]float64{mint: 20}}
	rich := &fakeSource{name: "rich", quote: &pricing.Quote{Price: 19.5, MarketCap: 800_000, Liquidity: 100_000, Volume5m: 2500}}
	ref := &Reference{EntryPrice: 1, EntryMarketCap: 40000, EntryLiquidity: 50000}

	res, err := newValidator(fast, rich).Resolve(context.Background(), mint, ref)
	require.NoError(t, err)
	assert.Equal(t, 19.5, res.Price)
	assert.True(t, res.Verified)
	assert.Equal(t, "rich", res.Source)
}

func TestPumpRejectedOnLowVolumeEvenWithSaneRatio(t *testing.T) {
	fast := &fakeSource{name: "fast", prices: map[string]float64{mint: 20}}
	rich := &fakeSource{name: "rich", quote: &pricing.Quote{Price: 20, MarketCap: 500_000, Liquidity: 100_000, Volume5m: 499}}
	ref := &Reference{EntryPrice: 1, EntryMarketCap: 40000, EntryLiquidity: 50000}

	_, err := newValidator(fast, rich).Resolve(context.Background(), mint, ref)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestPumpRejectedWhenVerificationFails(t *testing.T) {
	fast := &fakeSource{name: "fast", prices: map[string]float64{mint: 20}}
	rich := &fakeSource{name: "rich", err: pricing.ErrRateLimited}
	ref := &Reference{EntryPrice: 1, EntryMarketCap: 40000, EntryLiquidity: 50000}

	_, err := newValidator(fast, rich).Resolve(context.Background(), mint, ref)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestFallbackToRichSource(t *testing.T) {
	ref := &Reference{EntryPrice: 1, EntryMarketCap: 40000, EntryLiquidity: 50000}

	t.Run("fast source errors", func(t *testing.T) {
		fast := &fakeSource{name: "fast", err: errors.New("timeout")}
		rich := &fakeSource{name: "rich", quote: &pricing.Quote{Price: 0.9, Liquidity: 1}}
		res, err := newValidator(fast, rich).Resolve(context.Background(), mint, ref)
		require.NoError(t, err)
		assert.Equal(t, 0.9, res.Price)
		assert.Equal(t, "rich", res.Source)
	})

	t.Run("no pairs is fatal", func(t *testing.T) {
		fast := &fakeSource{name: "fast", prices: map[string]float64{}}
		rich := &fakeSource{name: "rich"}
		_, err := newValidator(fast, rich).Resolve(context.Background(), mint, ref)
		assert.ErrorIs(t, err, ErrFatal)
	})

	t.Run("zero price is fatal", func(t *testing.T) {
		fast := &fakeSource{name: "fast"}
		rich := &fakeSource{name: "rich", quote: &pricing.Quote{Price: 0}}
		_, err := newValidator(fast, rich).Resolve(context.Background(), mint, ref)
		assert.ErrorIs(t, err, ErrFatal)
	})

	t.Run("rich source rate limited is transient", func(t *testing.T) {
		fast := &fakeSource{name: "fast"}
		rich := &fakeSource{name: "rich", err: pricing.ErrRateLimited}
		_, err := newValidator(fast, rich).Resolve(context.Background(), mint, ref)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.NotErrorIs(t, err, ErrFatal)
	})
}

func TestNoReferenceSkipsCheck(t *testing.T) {
	fast := &fakeSource{name: "fast", prices: map[string]float64{mint: 500}}
	rich := &fakeSource{name: "rich"}

	res, err := newValidator(fast, rich).Resolve(context.Background(), mint, &Reference{EntryPrice: 1})
	require.NoError(t, err)
	assert.Equal(t, 500.0, res.Price)
	assert.Zero(t, rich.calls)
}
