package trading

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/gate"
	"github.com/camuig/signal-tracker/internal/logger"
	"github.com/camuig/signal-tracker/internal/pricing"
	"github.com/camuig/signal-tracker/internal/signal"
	"github.com/camuig/signal-tracker/internal/storage"
)

const (
	bonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	user = "u1"
)

type fakeQuotes struct {
	mu     sync.Mutex
	quotes map[string]*pricing.Quote
	calls  int
}

func (f *fakeQuotes) FetchOne(_ context.Context, id string) (*pricing.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.get(id)
}

func (f *fakeQuotes) get(id string) (*pricing.Quote, error) {
	q, ok := f.quotes[id]
	if !ok {
		return nil, pricing.ErrNotFound
	}
	c := *q
	c.Mint = id
	return &c, nil
}

func (f *fakeQuotes) set(mint string, price, liquidity float64, buys5m int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quotes == nil {
		f.quotes = make(map[string]*pricing.Quote)
	}
	f.quotes[mint] = &pricing.Quote{Price: price, Liquidity: liquidity, Buys5m: buys5m, Buys1h: 600, Sells1h: 400}
}

type batchQuotes struct {
	*fakeQuotes
	batches int
}

func (b *batchQuotes) FetchQuotes(_ context.Context, ids []string) (map[string]*pricing.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches++
	out := make(map[string]*pricing.Quote)
	for _, id := range ids {
		if q, err := b.get(id); err == nil {
			out[id] = q
		}
	}
	return out, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	trades []*storage.Trade
}

func (r *recorder) SendTradeEvent(_ context.Context, _ string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) RecordTrade(_ context.Context, trade *storage.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, trade)
	return nil
}

func (r *recorder) actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Action
	for _, ev := range r.events {
		out = append(out, ev.Action)
	}
	return out
}

type harness struct {
	engine *Engine
	src    *fakeQuotes
	rec    *recorder
	store  *storage.MemoryStore
	clock  time.Time
}

func newHarness(t *testing.T, capitalUSD float64) *harness {
	t.Helper()
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	cfg.Trading.Users = []config.UserConfig{{ID: user, Capital: capitalUSD}}

	h := &harness{
		src:   &fakeQuotes{},
		rec:   &recorder{},
		store: storage.NewMemoryStore(),
		clock: time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC),
	}
	h.engine = New(h.src, h.store, h.rec, h.rec, cfg, logger.Nop())
	h.engine.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) promote() int {
	return h.engine.Promote(gate.Promotion{
		Mint: bonk, Kind: signal.Discovery, Symbol: "BONK", Name: "Bonk",
		SignalPrice: 1.0, SignalLiquidity: 50000, Epoch: 2, PassRate: 0.8, PromotedAt: h.clock,
	})
}

// tick advances the clock by one minute, then ticks at price.
func (h *harness) tick(t *testing.T, price, liquidity float64, buys5m int) PortfolioView {
	t.Helper()
	h.clock = h.clock.Add(time.Minute)
	h.src.set(bonk, price, liquidity, buys5m)
	require.NoError(t, h.engine.Tick(context.Background()))
	v, ok := h.engine.Snapshot(user)
	require.True(t, ok)
	return v
}

func assertLadderInvariant(t *testing.T, v PortfolioView) {
	t.Helper()
	for _, p := range v.Positions {
		sum := p.RemainingPercentage
		for _, x := range p.PartialExits {
			sum += x.Percentage
		}
		assert.InDelta(t, 100, sum, 1e-9, "position %s", p.Key)
		assert.GreaterOrEqual(t, p.RemainingPercentage, 0.0)
	}
	assert.GreaterOrEqual(t, v.CapitalUSD, 0.0)
}

func TestLowBalancePositionClosesInOneStep(t *testing.T) {
	h := newHarness(t, 150)
	require.Equal(t, 1, h.promote())

	v := h.tick(t, 0.8, 50000, 200)
	require.Len(t, v.Positions, 1)
	pos := v.Positions[0]
	assert.True(t, pos.IsLowBalanceTrade)
	assert.InDelta(t, 45, pos.InvestmentUSD, 1e-9)
	assert.InDelta(t, 105, v.CapitalUSD, 1e-9)
	assert.Empty(t, v.Watchlist)

	v = h.tick(t, 1.21, 50000, 200)
	assert.Empty(t, v.Positions)
	assert.Equal(t, []Action{ActionBuy, ActionSell}, h.rec.actions())
	assert.InDelta(t, 105+45/0.8*1.21, v.CapitalUSD, 1e-9)

	require.Len(t, v.RecentTrades, 1)
	trade := v.RecentTrades[0]
	assert.Equal(t, 0, trade.PartialExits)
	assert.InDelta(t, 51.25, trade.PnLPct, 1e-9)
	assert.Equal(t, 1, v.Stats.Wins)
	require.Len(t, v.Reentry, 1, "profit-taking exit is watched for re-entry")
}

func TestProfitLadder(t *testing.T) {
	h := newHarness(t, 1000)
	h.promote()

	v := h.tick(t, 0.8, 50000, 200)
	require.Len(t, v.Positions, 1)
	assert.InDelta(t, 120, v.Positions[0].InvestmentUSD, 1e-9)
	assert.False(t, v.Positions[0].IsLowBalanceTrade)

	for _, step := range []struct {
		price     float64
		remaining float64
	}{
		{1.05, 60},
		{1.25, 30},
		{1.70, 10},
	} {
		v = h.tick(t, step.price, 50000, 200)
		require.Len(t, v.Positions, 1)
		assert.InDelta(t, step.remaining, v.Positions[0].RemainingPercentage, 1e-9)
		assertLadderInvariant(t, v)
	}
	assert.InDelta(t, 15+20.25+27, v.Positions[0].LockedProfitUSD, 1e-9)

	h.clock = h.clock.Add(4 * time.Hour)
	v = h.tick(t, 1.70, 50000, 200)
	assert.Empty(t, v.Positions)
	assert.InDelta(t, 1075.75, v.CapitalUSD, 1e-9)

	require.Len(t, v.RecentTrades, 1)
	assert.InDelta(t, 75.75, v.RecentTrades[0].PnLUSD, 1e-9)
	assert.Equal(t, 3, v.RecentTrades[0].PartialExits)

	assert.Equal(t, []Action{
		ActionBuy,
		ActionMilestone, ActionPartialSell,
		ActionMilestone, ActionPartialSell,
		ActionMilestone, ActionPartialSell,
		ActionSell,
	}, h.rec.actions())

	var realized float64
	for _, tr := range h.rec.trades {
		realized += tr.PnL
	}
	assert.Len(t, h.rec.trades, 5, "milestones are not journaled")
	assert.InDelta(t, 75.75, realized, 1e-9)
}

func TestRugPullBlacklists(t *testing.T) {
	h := newHarness(t, 1000)
	h.promote()
	h.tick(t, 0.8, 50000, 200)

	v := h.tick(t, 0.96, 29000, 200)
	assert.Empty(t, v.Positions)
	require.Contains(t, v.Blacklist, bonk)
	assert.Empty(t, v.Reentry)

	last := h.rec.events[len(h.rec.events)-1]
	assert.Equal(t, ActionSell, last.Action)
	assert.True(t, last.Blacklisted)
	assert.Greater(t, last.PnLUSD, 0.0, "closed in profit, still a rug")

	assert.Equal(t, 0, h.promote(), "blacklisted mint is never watched again")
}

func TestReentryAfterProfitTaking(t *testing.T) {
	h := newHarness(t, 150)
	h.promote()
	h.tick(t, 0.8, 50000, 200)
	v := h.tick(t, 1.21, 50000, 200)
	require.Len(t, v.Reentry, 1)
	capitalBefore := v.CapitalUSD

	v = h.tick(t, 1.5, 50000, 200)
	require.Len(t, v.Positions, 1)
	pos := v.Positions[0]
	assert.True(t, pos.IsReentry)
	assert.Contains(t, pos.EntryReason, "Breakout")
	assert.InDelta(t, capitalBefore*0.30, pos.InvestmentUSD, 1e-9)
	assert.Equal(t, 1, v.Stats.ReentryTrades)

	require.Len(t, v.Reentry, 1)
	assert.Equal(t, 1, v.Reentry[0].Attempts)
}

func TestReentryCandidateFollowsLatestExit(t *testing.T) {
	h := newHarness(t, 150)
	h.promote()
	h.tick(t, 0.8, 50000, 200)
	v := h.tick(t, 1.21, 50000, 200)
	require.Len(t, v.Reentry, 1)
	first := v.Reentry[0]

	v = h.tick(t, 1.5, 50000, 200)
	require.Len(t, v.Positions, 1)
	v = h.tick(t, 2.26, 50000, 200)
	require.Empty(t, v.Positions)

	require.Len(t, v.Reentry, 1)
	c := v.Reentry[0]
	assert.Equal(t, 2.26, c.LastExitPrice)
	assert.Equal(t, h.clock, c.LastExitTime)
	assert.Equal(t, h.clock.Add(6*time.Hour), c.Expires)
	assert.Equal(t, 1, c.Attempts)
	assert.Greater(t, first.BestPnLPct, 51.0)
	assert.InDelta(t, first.BestPnLPct, c.BestPnLPct, 1e-9, "second exit at +50.7% keeps the better result")
	assert.GreaterOrEqual(t, c.PeakPriceSeen, 2.26)
}

func TestMilestoneReportsHighestCrossed(t *testing.T) {
	h := newHarness(t, 1000)
	h.promote()
	h.tick(t, 0.8, 50000, 200)

	v := h.tick(t, 1.70, 50000, 200)
	require.Len(t, v.Positions, 1)
	assert.Equal(t, 100, v.Positions[0].LastMilestone)
	h.tick(t, 1.20, 50000, 200)

	var got []int
	for _, ev := range h.rec.events {
		if ev.Action == ActionMilestone {
			got = append(got, ev.Milestone)
		}
	}
	assert.Equal(t, []int{100}, got)
}

func TestReentryWatchExpires(t *testing.T) {
	h := newHarness(t, 150)
	h.promote()
	h.tick(t, 0.8, 50000, 200)
	v := h.tick(t, 1.21, 50000, 200)
	require.Len(t, v.Reentry, 1)

	h.clock = h.clock.Add(6 * time.Hour)
	v = h.tick(t, 1.21, 50000, 200)
	assert.Empty(t, v.Reentry)
	assert.Empty(t, v.Positions)
}

func TestWatchlistExpiresUnfilled(t *testing.T) {
	h := newHarness(t, 1000)
	h.promote()

	v := h.tick(t, 0.97, 50000, 50)
	require.Len(t, v.Watchlist, 1)
	assert.Len(t, v.Watchlist[0].History, 1)

	h.clock = h.clock.Add(30 * time.Minute)
	v = h.tick(t, 0.8, 50000, 50)
	assert.Empty(t, v.Watchlist)
	assert.Empty(t, v.Positions)
}

func TestEntryRefusedWithoutCapital(t *testing.T) {
	h := newHarness(t, 5)
	h.promote()

	v := h.tick(t, 0.8, 50000, 200)
	assert.Empty(t, v.Positions)
	assert.Empty(t, v.Watchlist)
	assert.InDelta(t, 5, v.CapitalUSD, 1e-9)
	assert.Empty(t, h.rec.events)
}

func TestCapitalNeverNegative(t *testing.T) {
	h := newHarness(t, 60)
	mints := []string{
		bonk,
		"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		"So11111111111111111111111111111111111111112",
	}
	for _, m := range mints {
		h.engine.Promote(gate.Promotion{Mint: m, Kind: signal.Alpha, SignalPrice: 1, SignalLiquidity: 50000, PromotedAt: h.clock})
		h.src.set(m, 0.8, 50000, 200)
	}
	h.clock = h.clock.Add(time.Minute)
	require.NoError(t, h.engine.Tick(context.Background()))

	v, _ := h.engine.Snapshot(user)
	assert.GreaterOrEqual(t, v.CapitalUSD, 0.0)
	assert.Len(t, v.Positions, 3)
	var invested float64
	for _, p := range v.Positions {
		invested += p.InvestmentUSD
	}
	assert.InDelta(t, 60, v.CapitalUSD+invested, 1e-9)
}

func TestCloseAll(t *testing.T) {
	h := newHarness(t, 1000)
	h.promote()
	h.tick(t, 0.8, 50000, 200)

	h.src.set(bonk, 1.0, 50000, 200)
	n := h.engine.CloseAll(context.Background(), "Manual Close")
	assert.Equal(t, 1, n)

	v, _ := h.engine.Snapshot(user)
	assert.Empty(t, v.Positions)
	require.Len(t, v.RecentTrades, 1)
	assert.Equal(t, "Manual Close", v.RecentTrades[0].ExitReason)
	assert.InDelta(t, 25, v.RecentTrades[0].PnLPct, 1e-9)
	assert.Len(t, h.rec.trades, 2)
}

func TestSaveAndLoad(t *testing.T) {
	h := newHarness(t, 1000)
	h.promote()
	h.tick(t, 0.8, 50000, 200)
	require.NoError(t, h.engine.Save(context.Background()))

	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	cfg.Trading.Users = []config.UserConfig{{ID: user, Capital: 1000}, {ID: "u2", Capital: 500}}
	restored := New(h.src, h.store, nil, nil, cfg, logger.Nop())
	require.NoError(t, restored.Load(context.Background()))

	v, ok := restored.Snapshot(user)
	require.True(t, ok)
	assert.InDelta(t, 880, v.CapitalUSD, 1e-9)
	require.Len(t, v.Positions, 1)
	assert.Equal(t, bonk, v.Positions[0].Mint)

	fresh, ok := restored.Snapshot("u2")
	require.True(t, ok)
	assert.InDelta(t, 500, fresh.CapitalUSD, 1e-9)
	assert.Equal(t, []string{user, "u2"}, restored.Users())
}

func TestLoadWithoutState(t *testing.T) {
	h := newHarness(t, 1000)
	require.NoError(t, h.engine.Load(context.Background()))
	v, ok := h.engine.Snapshot(user)
	require.True(t, ok)
	assert.InDelta(t, 1000, v.CapitalUSD, 1e-9)
}

func TestBatchQuoterUsed(t *testing.T) {
	h := newHarness(t, 1000)
	src := &batchQuotes{fakeQuotes: h.src}
	h.engine.source = src
	h.promote()

	h.tick(t, 0.8, 50000, 200)
	assert.Equal(t, 1, src.batches)
	assert.Zero(t, h.src.calls)
}

func TestUnrealizedPnL(t *testing.T) {
	h := newHarness(t, 1000)
	h.promote()
	h.tick(t, 0.8, 50000, 200)
	v := h.tick(t, 0.88, 50000, 200)

	require.Len(t, v.Positions, 1)
	p := v.Positions[0]
	assert.InDelta(t, 0.88, p.CurrentPrice, 1e-9)
	assert.InDelta(t, 132, p.CurrentValueUSD, 1e-9)
	assert.InDelta(t, 12, p.UnrealizedPnLUSD, 1e-9)
	assert.InDelta(t, 10, v.UnrealizedPnLPct, 1e-9)
}
