package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/logger"
	"github.com/camuig/signal-tracker/internal/pricing"
	"github.com/camuig/signal-tracker/internal/signal"
)

const bonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

type fakeSource struct {
	mu    sync.Mutex
	quote *pricing.Quote
	calls int
}

func (f *fakeSource) FetchOne(_ context.Context, id string) (*pricing.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.quote == nil {
		return nil, pricing.ErrNotFound
	}
	q := *f.quote
	q.Mint = id
	return &q, nil
}

func (f *fakeSource) set(q *pricing.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quote = q
}

func goodQuote() *pricing.Quote {
	return &pricing.Quote{
		Price: 1.1, MarketCap: 60000, FDV: 60000, Liquidity: 40000,
		Volume1h: 15000, Buys5m: 200, Buys1h: 600, Sells1h: 400,
	}
}

func newTestGate(t *testing.T, src QuoteSource, maxEpochs int) (*Gate, *time.Time) {
	t.Helper()
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	cfg.Gate.MaxEpochs = maxEpochs
	g := New(src, cfg, logger.Nop())
	clock := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return clock }
	return g, &clock
}

func pendingSignal(grade string) signal.Normalized {
	liq := 38000.0
	return signal.Normalized{Mint: bonk, Kind: signal.Discovery, Grade: grade, Price: 1, Liquidity: &liq}
}

func TestRule(t *testing.T) {
	r := NewRule(config.RuleConfig{MinLiquidity: 35000, MinBuys5m: 150, MinBuySellRatio1h: 1.2,
		MinMarketCap: 50000, MinFDV: 100000, MinVolume1h: 12000})

	assert.True(t, r.Evaluate(goodQuote()))
	assert.False(t, r.Evaluate(nil))

	tests := []struct {
		name   string
		mutate func(q *pricing.Quote)
		want   []string
	}{
		{"thin pool", func(q *pricing.Quote) { q.Liquidity = 34999 }, []string{"liquidity"}},
		{"few buys", func(q *pricing.Quote) { q.Buys5m = 149 }, []string{"buys_5m"}},
		{"sell pressure", func(q *pricing.Quote) { q.Sells1h = 600 }, []string{"buy_sell_ratio_1h"}},
		{"small cap", func(q *pricing.Quote) { q.MarketCap, q.FDV = 40000, 90000 }, []string{"market_cap"}},
		{"fdv rescues cap", func(q *pricing.Quote) { q.MarketCap, q.FDV = 40000, 100000 }, nil},
		{"quiet hour", func(q *pricing.Quote) { q.Volume1h = 1000 }, []string{"volume_1h"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := goodQuote()
			tt.mutate(q)
			assert.Equal(t, tt.want, r.Failures(q))
		})
	}
}

func TestSubmitFilters(t *testing.T) {
	g, _ := newTestGate(t, &fakeSource{}, 30)

	assert.False(t, g.Submit(pendingSignal("")), "no grade")
	assert.False(t, g.Submit(pendingSignal("SPAM")))
	assert.True(t, g.Submit(pendingSignal("HIGH")))
	assert.False(t, g.Submit(pendingSignal("HIGH")), "duplicate")

	g.cfg.MaxPending = 1
	other := pendingSignal("LOW")
	other.Kind = signal.Alpha
	assert.False(t, g.Submit(other), "capacity")
}

func TestDroppedAfterFailingEveryEpoch(t *testing.T) {
	bad := goodQuote()
	bad.Buys5m = 20
	src := &fakeSource{quote: bad}
	g, clock := newTestGate(t, src, 5)
	require.True(t, g.Submit(pendingSignal("HIGH")))

	ctx := context.Background()
	for elapsed := time.Duration(0); elapsed < 5*time.Minute; elapsed += 5 * time.Second {
		promoted, err := g.Check(ctx)
		require.NoError(t, err)
		require.Empty(t, promoted)
		*clock = clock.Add(5 * time.Second)
	}

	pending := g.Pending()
	require.Len(t, pending, 1)
	assert.Len(t, pending[0].Epochs, 4)
	for _, e := range pending[0].Epochs {
		assert.Zero(t, e.PassRate)
	}
	assert.Equal(t, 5, pending[0].Current.Number)

	promoted, err := g.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, promoted)
	assert.Empty(t, g.Pending(), "slot freed after epoch 5")

	assert.False(t, g.Submit(pendingSignal("HIGH")), "dropped signals are not resubmitted")
}

func TestPromotedWhenEpochPassRateClears(t *testing.T) {
	src := &fakeSource{}
	g, clock := newTestGate(t, src, 30)
	require.True(t, g.Submit(pendingSignal("CRITICAL")))
	ctx := context.Background()

	// epoch 1: 13 checks, only 4 pass
	for i := 0; i < 12; i++ {
		if i < 4 {
			src.set(goodQuote())
		} else {
			src.set(nil)
		}
		promoted, err := g.Check(ctx)
		require.NoError(t, err)
		require.Empty(t, promoted)
		*clock = clock.Add(5 * time.Second)
	}
	promoted, err := g.Check(ctx)
	require.NoError(t, err)
	require.Empty(t, promoted)
	*clock = clock.Add(5 * time.Second)

	// epoch 2: every check passes
	src.set(goodQuote())
	var got []Promotion
	for i := 0; i < 13 && len(got) == 0; i++ {
		got, err = g.Check(ctx)
		require.NoError(t, err)
		*clock = clock.Add(5 * time.Second)
	}
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Epoch)
	assert.Equal(t, 1.0, got[0].PassRate)
	assert.Equal(t, 1.0, got[0].SignalPrice)
	assert.Equal(t, 38000.0, got[0].SignalLiquidity)
	assert.Equal(t, bonk+":discovery", got[0].Key())
	assert.Empty(t, g.Pending())
}

func TestCheckRespectsInterval(t *testing.T) {
	src := &fakeSource{quote: goodQuote()}
	g, clock := newTestGate(t, src, 30)
	require.True(t, g.Submit(pendingSignal("HIGH")))

	_, err := g.Check(context.Background())
	require.NoError(t, err)
	*clock = clock.Add(2 * time.Second)
	_, err = g.Check(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 1, g.Pending()[0].Current.Checks)
}

func TestSignalPriceFromFirstQuote(t *testing.T) {
	src := &fakeSource{quote: goodQuote()}
	g, _ := newTestGate(t, src, 30)
	n := signal.Normalized{Mint: bonk, Kind: signal.Alpha, Grade: "HIGH"}
	require.True(t, g.Submit(n))

	_, err := g.Check(context.Background())
	require.NoError(t, err)
	p := g.Pending()[0]
	assert.Equal(t, 1.1, p.SignalPrice)
	assert.Equal(t, 40000.0, p.SignalLiquidity)
}

func TestEpochsAnchoredToSubmitTime(t *testing.T) {
	bad := goodQuote()
	bad.Liquidity = 1000
	src := &fakeSource{quote: bad}
	g, clock := newTestGate(t, src, 30)
	start := *clock
	require.True(t, g.Submit(pendingSignal("HIGH")))

	// checks drift to 5.2s apart; only the last epoch has a healthy market
	var got []Promotion
	for i := 0; i < 400 && len(got) == 0; i++ {
		if clock.Sub(start) >= 29*time.Minute {
			src.set(goodQuote())
		}
		var err error
		got, err = g.Check(context.Background())
		require.NoError(t, err)
		if len(got) == 0 {
			require.Len(t, g.Pending(), 1, "dropped at %s", clock.Sub(start))
		}
		*clock = clock.Add(5200 * time.Millisecond)
	}

	require.Len(t, got, 1)
	assert.Equal(t, 30, got[0].Epoch)
	assert.Equal(t, 1.0, got[0].PassRate)
	assert.Empty(t, g.Pending())
}

func TestDeadlineJudgesOpenEpoch(t *testing.T) {
	bad := goodQuote()
	bad.Buys5m = 20
	src := &fakeSource{quote: bad}
	g, clock := newTestGate(t, src, 2)
	start := *clock
	require.True(t, g.Submit(pendingSignal("HIGH")))
	ctx := context.Background()

	check := func() []Promotion {
		promoted, err := g.Check(ctx)
		require.NoError(t, err)
		return promoted
	}

	require.Empty(t, check())
	*clock = start.Add(2500 * time.Millisecond)
	for clock.Sub(start) < 2*time.Minute {
		if clock.Sub(start) >= time.Minute {
			src.set(goodQuote())
		}
		require.Empty(t, check())
		*clock = clock.Add(5 * time.Second)
	}

	// the deadline falls between checks: epoch 2 is judged without a fresh quote
	*clock = start.Add(2 * time.Minute)
	calls := src.calls
	got := check()
	assert.Equal(t, calls, src.calls)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Epoch)
	assert.Equal(t, 1.0, got[0].PassRate)
	assert.Empty(t, g.Pending())
}
