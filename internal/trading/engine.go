// Package trading runs per-user paper portfolios on promoted signals.
//
// A promoted signal waits on the watchlist for an entry trigger. Open
// positions are managed every tick by the exit policy, and closed ones are
// either blacklisted or watched for a second entry.
package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/camuig/signal-tracker/internal/capital"
	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/gate"
	"github.com/camuig/signal-tracker/internal/logger"
	"github.com/camuig/signal-tracker/internal/metrics"
	"github.com/camuig/signal-tracker/internal/pricing"
	"github.com/camuig/signal-tracker/internal/signal"
	"github.com/camuig/signal-tracker/internal/storage"
)

const (
	portfoliosKey = "paper_trade/portfolios"
	// DefaultUser owns the only portfolio when no users are configured.
	DefaultUser = "paper"
)

type QuoteSource interface {
	FetchOne(ctx context.Context, id string) (*pricing.Quote, error)
}

// batchQuoter is implemented by sources that return many pairs per request.
type batchQuoter interface {
	FetchQuotes(ctx context.Context, ids []string) (map[string]*pricing.Quote, error)
}

type Notifier interface {
	SendTradeEvent(ctx context.Context, userID string, ev Event) error
}

type Journal interface {
	RecordTrade(ctx context.Context, trade *storage.Trade) error
}

type Engine struct {
	mu         sync.Mutex
	portfolios map[string]*Portfolio
	prices     map[string]float64

	source      QuoteSource
	allocator   *capital.Allocator
	store       storage.Port
	journal     Journal
	notifier    Notifier
	cfg         config.TradingConfig
	concurrency int
	now         func() time.Time
	logger      *logger.Logger
}

// New creates one portfolio per configured user. journal and notifier may
// be nil.
func New(source QuoteSource, store storage.Port, journal Journal, notifier Notifier, cfg *config.Config, log *logger.Logger) *Engine {
	e := &Engine{
		portfolios:  make(map[string]*Portfolio),
		prices:      make(map[string]float64),
		source:      source,
		allocator:   capital.NewAllocator(cfg.Trading.Capital),
		store:       store,
		journal:     journal,
		notifier:    notifier,
		cfg:         cfg.Trading,
		concurrency: max(1, cfg.Pricing.Concurrency),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log,
	}
	users := cfg.Trading.Users
	if len(users) == 0 {
		users = []config.UserConfig{{ID: DefaultUser, Capital: cfg.Trading.DefaultCapital}}
	}
	for _, u := range users {
		e.portfolios[u.ID] = newPortfolio(u.ID, u.Capital)
	}
	return e
}

// Promote puts a promoted signal on every portfolio's watchlist that does
// not already hold, watch or blacklist it.
func (e *Engine) Promote(p gate.Promotion) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	key := p.Key()
	added := 0
	for _, id := range e.userIDs() {
		pf := e.portfolios[id]
		if pf.blacklisted(p.Mint) {
			continue
		}
		if _, ok := pf.Positions[key]; ok {
			continue
		}
		if _, ok := pf.Watchlist[key]; ok {
			continue
		}
		pf.Watchlist[key] = &WatchItem{
			Key:             key,
			Mint:            p.Mint,
			SignalType:      p.Kind,
			Symbol:          p.Symbol,
			Name:            p.Name,
			SignalPrice:     p.SignalPrice,
			SignalLiquidity: p.SignalLiquidity,
			SignalTime:      p.PromotedAt,
			Epoch:           p.Epoch,
			PassRate:        p.PassRate,
			HighestPrice:    p.SignalPrice,
			LowestPrice:     p.SignalPrice,
			Expires:         now.Add(e.cfg.EntryWait),
		}
		added++
	}
	if added > 0 {
		e.logger.Info("signal added to watchlist", "mint", p.Mint, "symbol", p.Symbol, "signal_type", p.Kind,
			"signal_price", p.SignalPrice, "portfolios", added)
	}
	return added
}

// Tick fetches quotes for everything watched or held, then runs re-entry
// checks, entries and exits for each portfolio. Events are delivered after
// the state lock is released.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	mints := e.watchedMints()
	e.mu.Unlock()
	if len(mints) == 0 {
		return nil
	}

	quotes := e.fetch(ctx, mints)

	e.mu.Lock()
	now := e.now()
	for mint, q := range quotes {
		e.prices[mint] = q.Price
	}
	var events []Event
	for _, id := range e.userIDs() {
		events = append(events, e.process(e.portfolios[id], quotes, now)...)
	}
	e.mu.Unlock()

	e.dispatch(ctx, events)
	return ctx.Err()
}

func (e *Engine) process(pf *Portfolio, quotes map[string]*pricing.Quote, now time.Time) []Event {
	var events []Event

	for _, key := range sortedKeys(pf.Reentry) {
		c := pf.Reentry[key]
		switch {
		case !now.Before(c.Expires):
			delete(pf.Reentry, key)
			e.logger.Info("re-entry watch expired", "user", pf.UserID, "mint", c.Mint, "symbol", c.Symbol)
			continue
		case c.Attempts >= reentryMaxAttempts:
			delete(pf.Reentry, key)
			e.logger.Info("re-entry attempts exhausted", "user", pf.UserID, "mint", c.Mint, "symbol", c.Symbol)
			continue
		case pf.blacklisted(c.Mint):
			delete(pf.Reentry, key)
			continue
		}
		if _, open := pf.Positions[key]; open {
			continue
		}
		q, ok := quotes[c.Mint]
		if !ok {
			continue
		}
		reason, trigger := EvaluateReentry(c, q)
		c.PeakPriceSeen = max(c.PeakPriceSeen, q.Price)
		if !trigger {
			continue
		}
		c.Attempts++
		ev, err := e.open(pf, entrySpec{
			key: key, mint: c.Mint, kind: c.SignalType, symbol: c.Symbol, name: c.Name,
			signalPrice: c.SignalPrice, reason: reason, reentry: true,
		}, q, now)
		if err != nil {
			e.logger.Info("re-entry skipped", "user", pf.UserID, "mint", c.Mint, "error", err)
			continue
		}
		delete(pf.Watchlist, key)
		pf.Stats.ReentryTrades++
		events = append(events, ev)
	}

	for _, key := range sortedKeys(pf.Watchlist) {
		w := pf.Watchlist[key]
		if _, open := pf.Positions[key]; open || pf.blacklisted(w.Mint) {
			delete(pf.Watchlist, key)
			continue
		}
		if !now.Before(w.Expires) {
			delete(pf.Watchlist, key)
			e.logger.Info("entry window expired", "user", pf.UserID, "mint", w.Mint, "symbol", w.Symbol,
				"lowest", w.LowestPrice, "highest", w.HighestPrice)
			continue
		}
		q, ok := quotes[w.Mint]
		if !ok {
			continue
		}
		w.Observe(q.Price, e.cfg.HistorySize)
		entry, trigger := EvaluateEntry(w, q)
		if !trigger {
			continue
		}
		delete(pf.Watchlist, key)
		ev, err := e.open(pf, entrySpec{
			key: key, mint: w.Mint, kind: w.SignalType, symbol: w.Symbol, name: w.Name,
			signalPrice: w.SignalPrice, reason: entry.Reason,
		}, q, now)
		if err != nil {
			e.logger.Info("entry skipped", "user", pf.UserID, "mint", w.Mint, "tier", entry.Tier, "error", err)
			continue
		}
		events = append(events, ev)
	}

	for _, key := range sortedKeys(pf.Positions) {
		pos := pf.Positions[key]
		if !pos.EntryTime.Before(now) {
			continue
		}
		q, ok := quotes[pos.Mint]
		if !ok {
			continue
		}
		if ev, ok := e.trackPeak(pf, pos, q.Price, now); ok {
			events = append(events, ev)
		}
		exit, ok := EvaluateExit(pos, q, now, e.cfg.TrailingStop)
		if !ok {
			continue
		}
		if exit.Full {
			events = append(events, e.closePosition(pf, pos, q.Price, exit.Kind, exit.Reason, now))
		} else {
			events = append(events, e.sellPartial(pf, pos, q.Price, exit, now))
		}
	}
	return events
}

type entrySpec struct {
	key         string
	mint        string
	kind        signal.Kind
	symbol      string
	name        string
	signalPrice float64
	reason      string
	reentry     bool
}

func (e *Engine) open(pf *Portfolio, s entrySpec, q *pricing.Quote, now time.Time) (Event, error) {
	alloc, err := e.allocator.Size(pf.CapitalUSD)
	if err != nil {
		return Event{}, fmt.Errorf("size position: %w", err)
	}
	tokens := alloc.AmountUSD / q.Price
	pf.CapitalUSD = max(0, pf.CapitalUSD-alloc.AmountUSD)

	pos := &Position{
		Key:                 s.key,
		Mint:                s.mint,
		SignalType:          s.kind,
		Symbol:              s.symbol,
		Name:                s.name,
		SignalPrice:         s.signalPrice,
		EntryPrice:          q.Price,
		AvgBuyPrice:         q.Price,
		EntryLiquidity:      q.Liquidity,
		EntryTime:           now,
		EntryReason:         s.reason,
		InvestmentUSD:       alloc.AmountUSD,
		InitialTokenAmount:  tokens,
		TokenAmount:         tokens,
		PeakPrice:           q.Price,
		RemainingPercentage: 100,
		IsLowBalanceTrade:   alloc.LowBalance,
		IsReentry:           s.reentry,
	}
	pf.Positions[s.key] = pos

	e.logger.Info("paper buy", "user", pf.UserID, "mint", pos.Mint, "symbol", pos.Symbol, "price", pos.EntryPrice,
		"amount_usd", pos.InvestmentUSD, "low_balance", pos.IsLowBalanceTrade, "reason", s.reason)

	return Event{
		ID:         uuid.NewString(),
		UserID:     pf.UserID,
		Action:     ActionBuy,
		Time:       now,
		Mint:       pos.Mint,
		SignalType: pos.SignalType,
		Symbol:     pos.Symbol,
		Price:      pos.EntryPrice,
		EntryPrice: pos.EntryPrice,
		AmountUSD:  pos.InvestmentUSD,
		Tokens:     tokens,
		Percentage: 100,
		Remaining:  100,
		Reason:     s.reason,
		CapitalUSD: pf.CapitalUSD,
		Reentry:    s.reentry,
	}, nil
}

// trackPeak raises the peak price and reports the highest milestone newly
// crossed. Lower milestones jumped over in the same move are not reported.
func (e *Engine) trackPeak(pf *Portfolio, pos *Position, price float64, now time.Time) (Event, bool) {
	if price <= pos.PeakPrice {
		return Event{}, false
	}
	pos.PeakPrice = price
	if pos.IsLowBalanceTrade {
		return Event{}, false
	}
	roi := pos.ROI(price)
	reached := 0
	for _, m := range milestones {
		if roi >= float64(m) && m > pos.LastMilestone {
			reached = m
		}
	}
	if reached == 0 {
		return Event{}, false
	}
	pos.LastMilestone = reached
	value := pos.TokenAmount * price
	return Event{
		ID:         uuid.NewString(),
		UserID:     pf.UserID,
		Action:     ActionMilestone,
		Time:       now,
		Mint:       pos.Mint,
		SignalType: pos.SignalType,
		Symbol:     pos.Symbol,
		Price:      price,
		EntryPrice: pos.EntryPrice,
		AmountUSD:  value,
		Tokens:     pos.TokenAmount,
		Remaining:  pos.RemainingPercentage,
		PnLUSD:     value - pos.costBasis() + pos.LockedProfitUSD,
		PnLPct:     roi,
		Milestone:  reached,
		HoldTime:   now.Sub(pos.EntryTime),
		CapitalUSD: pf.CapitalUSD,
		Reentry:    pos.IsReentry,
	}, true
}

func (e *Engine) sellPartial(pf *Portfolio, pos *Position, price float64, exit Exit, now time.Time) Event {
	tokens := min(pos.InitialTokenAmount*exit.Percentage/100, pos.TokenAmount)
	value := tokens * price
	cost := pos.InvestmentUSD * exit.Percentage / 100
	pnl := value - cost

	pf.CapitalUSD += value
	pos.TokenAmount -= tokens
	pos.RemainingPercentage -= exit.Percentage
	pos.LockedProfitUSD += pnl
	pos.PartialExits = append(pos.PartialExits, PartialExit{
		Time: now, Price: price, Percentage: exit.Percentage, Tokens: tokens,
		ValueUSD: value, PnLUSD: pnl, Reason: exit.Reason,
	})

	var pct float64
	if cost > 0 {
		pct = pnl / cost * 100
	}
	e.logger.Info("paper partial sell", "user", pf.UserID, "mint", pos.Mint, "symbol", pos.Symbol,
		"percentage", exit.Percentage, "price", price, "pnl", pnl, "remaining", pos.RemainingPercentage)

	return Event{
		ID:          uuid.NewString(),
		UserID:      pf.UserID,
		Action:      ActionPartialSell,
		Time:        now,
		Mint:        pos.Mint,
		SignalType:  pos.SignalType,
		Symbol:      pos.Symbol,
		Price:       price,
		EntryPrice:  pos.EntryPrice,
		AmountUSD:   value,
		Tokens:      tokens,
		Percentage:  exit.Percentage,
		Remaining:   pos.RemainingPercentage,
		PnLUSD:      pnl,
		PnLPct:      pct,
		RealizedUSD: pnl,
		Reason:      exit.Reason,
		HoldTime:    now.Sub(pos.EntryTime),
		CapitalUSD:  pf.CapitalUSD,
		Reentry:     pos.IsReentry,
	}
}

// closePosition sells everything still held, records the trade and
// classifies the mint for blacklisting or re-entry.
func (e *Engine) closePosition(pf *Portfolio, pos *Position, price float64, kind ExitKind, reason string, now time.Time) Event {
	value := pos.TokenAmount * price
	final := value - pos.costBasis()
	total := pos.LockedProfitUSD + final
	var pct float64
	if pos.InvestmentUSD > 0 {
		pct = total / pos.InvestmentUSD * 100
	}

	sold, tokens := pos.RemainingPercentage, pos.TokenAmount
	pf.CapitalUSD += value
	pos.PartialExits = append(pos.PartialExits, PartialExit{
		Time: now, Price: price, Percentage: sold, Tokens: tokens,
		ValueUSD: value, PnLUSD: final, Reason: reason,
	})
	pos.TokenAmount = 0
	pos.RemainingPercentage = 0
	delete(pf.Positions, pos.Key)

	trade := ClosedTrade{
		ID:            uuid.NewString(),
		Mint:          pos.Mint,
		SignalType:    pos.SignalType,
		Symbol:        pos.Symbol,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     price,
		PeakPrice:     pos.PeakPrice,
		EntryTime:     pos.EntryTime,
		ExitTime:      now,
		HoldMinutes:   int(now.Sub(pos.EntryTime).Minutes()),
		InvestmentUSD: pos.InvestmentUSD,
		PnLUSD:        total,
		PnLPct:        pct,
		PeakProfitPct: pos.PeakROI(),
		EntryReason:   pos.EntryReason,
		ExitReason:    reason,
		PartialExits:  len(pos.PartialExits) - 1,
		Reentry:       pos.IsReentry,
	}
	pf.Stats.record(trade)
	pf.appendHistory(trade)

	ev := Event{
		ID:          uuid.NewString(),
		UserID:      pf.UserID,
		Action:      ActionSell,
		Time:        now,
		Mint:        pos.Mint,
		SignalType:  pos.SignalType,
		Symbol:      pos.Symbol,
		Price:       price,
		EntryPrice:  pos.EntryPrice,
		AmountUSD:   value,
		Tokens:      tokens,
		Percentage:  sold,
		PnLUSD:      total,
		PnLPct:      pct,
		RealizedUSD: final,
		Reason:      reason,
		HoldTime:    now.Sub(pos.EntryTime),
		CapitalUSD:  pf.CapitalUSD,
		Reentry:     pos.IsReentry,
	}

	switch {
	case blacklistFor(kind, pct):
		pf.Blacklist[pos.Mint] = BlacklistEntry{Reason: reason, BlacklistedAt: now, ExitPrice: price, LossPct: pct}
		delete(pf.Reentry, pos.Key)
		ev.Blacklisted = true
	case reentryFor(kind, trade):
		c := &ReentryCandidate{
			Key:            pos.Key,
			Mint:           pos.Mint,
			SignalType:     pos.SignalType,
			Symbol:         pos.Symbol,
			Name:           pos.Name,
			SignalPrice:    pos.SignalPrice,
			LastExitPrice:  price,
			LastExitTime:   now,
			LastExitReason: reason,
			PeakPriceSeen:  pos.PeakPrice,
			BestPnLPct:     pct,
			Expires:        now.Add(reentryWatch),
		}
		if prev, ok := pf.Reentry[pos.Key]; ok {
			c.Attempts = prev.Attempts
			c.PeakPriceSeen = max(c.PeakPriceSeen, prev.PeakPriceSeen)
			c.BestPnLPct = max(c.BestPnLPct, prev.BestPnLPct)
		}
		pf.Reentry[pos.Key] = c
		ev.WatchForReentry = true
	default:
		delete(pf.Reentry, pos.Key)
	}

	e.logger.Info("paper sell", "user", pf.UserID, "mint", pos.Mint, "symbol", pos.Symbol, "price", price,
		"pnl", total, "pnl_pct", pct, "reason", reason, "blacklisted", ev.Blacklisted, "reentry_watch", ev.WatchForReentry)
	return ev
}

// CloseAll exits every open position at the current price. Positions with
// no price at all are left open.
func (e *Engine) CloseAll(ctx context.Context, reason string) int {
	e.mu.Lock()
	seen := make(map[string]bool)
	var mints []string
	for _, pf := range e.portfolios {
		for _, pos := range pf.Positions {
			if !seen[pos.Mint] {
				seen[pos.Mint] = true
				mints = append(mints, pos.Mint)
			}
		}
	}
	e.mu.Unlock()
	if len(mints) == 0 {
		return 0
	}
	sort.Strings(mints)

	quotes := e.fetch(ctx, mints)

	e.mu.Lock()
	now := e.now()
	var events []Event
	for _, id := range e.userIDs() {
		pf := e.portfolios[id]
		for _, key := range sortedKeys(pf.Positions) {
			pos := pf.Positions[key]
			price := e.prices[pos.Mint]
			if q, ok := quotes[pos.Mint]; ok {
				price = q.Price
			}
			if price <= 0 {
				e.logger.Warn("no price, position left open", "user", id, "mint", pos.Mint, "symbol", pos.Symbol)
				continue
			}
			events = append(events, e.closePosition(pf, pos, price, ExitManual, reason, now))
		}
	}
	e.mu.Unlock()

	e.dispatch(ctx, events)
	return len(events)
}

func (e *Engine) fetch(ctx context.Context, mints []string) map[string]*pricing.Quote {
	quotes := make(map[string]*pricing.Quote, len(mints))

	if b, ok := e.source.(batchQuoter); ok {
		got, err := b.FetchQuotes(ctx, mints)
		if err != nil {
			e.logger.Warn("quote batch fetch failed", "mints", len(mints), "got", len(got), "error", err)
		}
		for mint, q := range got {
			if q != nil && q.Price > 0 {
				quotes[mint] = q
			}
		}
		return quotes
	}

	results := make([]*pricing.Quote, len(mints))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, mint := range mints {
		g.Go(func() error {
			q, err := e.source.FetchOne(gctx, mint)
			if err != nil {
				e.logger.Debug("quote fetch failed", "mint", mint, "error", err)
				return nil
			}
			results[i] = q
			return nil
		})
	}
	_ = g.Wait()

	for i, q := range results {
		if q != nil && q.Price > 0 {
			quotes[mints[i]] = q
		}
	}
	return quotes
}

func (e *Engine) dispatch(ctx context.Context, events []Event) {
	for _, ev := range events {
		metrics.TradeEvents.WithLabelValues(string(ev.Action)).Inc()
		if e.journal != nil && ev.Action != ActionMilestone {
			if err := e.journal.RecordTrade(ctx, ev.trade()); err != nil {
				metrics.PersistenceErrors.WithLabelValues("journal").Inc()
				e.logger.Warn("record trade failed", "event_id", ev.ID, "error", err)
			}
		}
		if e.notifier != nil {
			if err := e.notifier.SendTradeEvent(ctx, ev.UserID, ev); err != nil {
				e.logger.Warn("send trade event failed", "user", ev.UserID, "action", ev.Action, "error", err)
			}
		}
	}
}

// watchedMints must be called with the lock held.
func (e *Engine) watchedMints() []string {
	seen := make(map[string]bool)
	for _, pf := range e.portfolios {
		for _, w := range pf.Watchlist {
			seen[w.Mint] = true
		}
		for _, pos := range pf.Positions {
			seen[pos.Mint] = true
		}
		for _, c := range pf.Reentry {
			seen[c.Mint] = true
		}
	}
	mints := make([]string, 0, len(seen))
	for m := range seen {
		mints = append(mints, m)
	}
	sort.Strings(mints)
	return mints
}

func (e *Engine) userIDs() []string {
	return sortedKeys(e.portfolios)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Users lists portfolio owners.
func (e *Engine) Users() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userIDs()
}

// Snapshot values a user's portfolio at the latest prices seen by Tick.
func (e *Engine) Snapshot(userID string) (PortfolioView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pf, ok := e.portfolios[userID]
	if !ok {
		return PortfolioView{}, false
	}
	return pf.view(e.prices), true
}

type portfolioState struct {
	SavedAt    time.Time             `json:"saved_at"`
	Portfolios map[string]*Portfolio `json:"portfolios"`
}

// Load replaces configured portfolios with persisted ones. Users present
// only in the config keep their fresh portfolio.
func (e *Engine) Load(ctx context.Context) error {
	blob, err := e.store.Load(ctx, portfoliosKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load portfolios: %w", err)
	}

	var state portfolioState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("decode portfolios: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, pf := range state.Portfolios {
		if pf == nil {
			continue
		}
		pf.UserID = id
		pf.ensureMaps()
		e.portfolios[id] = pf
	}
	e.logger.Info("portfolios restored", "users", len(state.Portfolios), "saved_at", state.SavedAt)
	return nil
}

func (e *Engine) Save(ctx context.Context) error {
	e.mu.Lock()
	blob, err := json.Marshal(portfolioState{SavedAt: e.now(), Portfolios: e.portfolios})
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode portfolios: %w", err)
	}
	if err := e.store.Save(ctx, portfoliosKey, blob); err != nil {
		metrics.PersistenceErrors.WithLabelValues("portfolios").Inc()
		return fmt.Errorf("save portfolios: %w", err)
	}
	return nil
}
