// Package tracker labels every signal as a win or a loss.
//
// Each tracked signal is polled on an age-dependent cadence until its
// tracking window ends. Prices go through the validator, so a suspected pump
// counts as a failed poll rather than a data point.
package tracker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/logger"
	"github.com/camuig/signal-tracker/internal/metrics"
	"github.com/camuig/signal-tracker/internal/pricing"
	"github.com/camuig/signal-tracker/internal/signal"
	"github.com/camuig/signal-tracker/internal/validator"
)

// PriceValidator is the part of validator.Validator the tracker uses.
type PriceValidator interface {
	Validate(ctx context.Context, mint string, fastPrice float64, ref *validator.Reference) (validator.Result, error)
}

type Tracker struct {
	repo        *Repository
	validator   PriceValidator
	fast        pricing.Source
	rich        pricing.Source
	cfg         config.TrackingConfig
	statsSince  time.Time
	concurrency int
	now         func() time.Time
	logger      *logger.Logger
}

func New(repo *Repository, v PriceValidator, fast, rich pricing.Source, cfg *config.Config, log *logger.Logger) *Tracker {
	since, _ := cfg.StatsSince()
	return &Tracker{
		repo:        repo,
		validator:   v,
		fast:        fast,
		rich:        rich,
		cfg:         cfg.Tracking,
		statsSince:  since,
		concurrency: max(1, cfg.Pricing.Concurrency),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log,
	}
}

func (t *Tracker) Repository() *Repository { return t.repo }

// Ingest starts tracking every signal not seen before. Signals missing
// market data or a pair creation time are enriched from the rich source.
func (t *Tracker) Ingest(ctx context.Context, signals []signal.Normalized) int {
	var fresh []signal.Normalized
	for _, n := range signals {
		if !t.repo.Known(n.Key()) {
			fresh = append(fresh, n)
		}
	}
	if len(fresh) == 0 {
		return 0
	}

	quotes := make([]*pricing.Quote, len(fresh))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i, n := range fresh {
		if n.PairCreatedAt != nil && n.MarketCap != nil && n.Liquidity != nil {
			continue
		}
		g.Go(func() error {
			q, err := t.rich.FetchOne(gctx, n.Mint)
			if err != nil {
				t.logger.Debug("enrich signal failed", "mint", n.Mint, "error", err)
				return nil
			}
			quotes[i] = q
			return nil
		})
	}
	_ = g.Wait()

	now := t.now()
	added := 0
	for i, n := range fresh {
		s := t.newTrackedSignal(n, quotes[i], now)
		if s == nil {
			continue
		}
		if t.repo.Insert(s) {
			added++
			t.logger.Info("tracking started", "mint", s.Mint, "signal_type", s.SignalType, "symbol", s.Symbol,
				"entry_price", s.EntryPrice, "poll_interval", s.PollInterval().String(),
				"window_hours", s.TrackingDurationHours)
		}
	}
	return added
}

func (t *Tracker) newTrackedSignal(n signal.Normalized, q *pricing.Quote, now time.Time) *TrackedSignal {
	s := &TrackedSignal{
		Mint:         n.Mint,
		SignalType:   n.Kind,
		Symbol:       n.Symbol,
		Name:         n.Name,
		Grade:        n.Grade,
		EntryPrice:   n.Price,
		EntryTime:    n.ObservedAt,
		CurrentPrice: n.Price,
		ATHPrice:     n.Price,
		ATHTime:      n.ObservedAt,
		Status:       StatusActive,
	}
	if n.MarketCap != nil {
		s.EntryMarketCap = *n.MarketCap
	} else if q != nil {
		s.EntryMarketCap = q.MarketCapOrFDV()
	}
	if n.Liquidity != nil {
		s.EntryLiquidity = *n.Liquidity
	} else if q != nil {
		s.EntryLiquidity = q.Liquidity
	}
	if q != nil {
		if s.Symbol == "" {
			s.Symbol = q.Symbol
		}
		if s.Name == "" {
			s.Name = q.Name
		}
	}

	var created time.Time
	if n.PairCreatedAt != nil {
		created = *n.PairCreatedAt
	} else if q != nil {
		created = q.PairCreatedAt
	}

	young := false
	if !created.IsZero() {
		age := max(0, n.ObservedAt.Sub(created).Hours())
		s.TokenAgeHours = &age
		young = age <= t.cfg.YoungTokenHours
	}

	interval, window := t.cfg.MaturePollInterval, t.cfg.MatureWindow
	if young {
		interval, window = t.cfg.YoungPollInterval, t.cfg.YoungWindow
	}
	s.PollIntervalSeconds = int(interval / time.Second)
	s.TrackingDurationHours = window.Hours()
	s.TrackingEndTime = s.EntryTime.Add(window)

	if !now.Before(s.TrackingEndTime) {
		t.logger.Debug("signal older than its tracking window", "mint", n.Mint, "observed_at", n.ObservedAt)
		return nil
	}
	return s
}

type pollResult struct {
	key    string
	result validator.Result
	err    error
}

// Poll runs one cycle: finalize expired signals, fetch and validate prices
// for due signals concurrently, then apply the results in key order.
func (t *Tracker) Poll(ctx context.Context) error {
	now := t.now()

	for _, s := range t.repo.Sweep(now, t.cfg.RetryWindow) {
		t.logger.Info("tracking finalized", "mint", s.Mint, "signal_type", s.SignalType, "status", s.Status,
			"ath_roi", s.ATHROI, "final_roi", s.FinalROI, "failures", s.ConsecutiveFailures)
	}

	due := t.repo.Due(now, t.cfg.RetryInterval)
	if len(due) > 0 {
		results := t.fetch(ctx, due)
		for _, r := range results {
			t.apply(r, now)
		}
	}

	for kind, n := range t.repo.Counts() {
		metrics.TrackedSignals.WithLabelValues(string(kind)).Set(float64(n))
	}

	if t.repo.Pending() > 0 {
		if _, err := t.repo.FlushArchives(ctx); err != nil {
			t.logger.Warn("archive flush failed, will retry", "error", err)
		}
	}
	return ctx.Err()
}

func (t *Tracker) fetch(ctx context.Context, due []TrackedSignal) []pollResult {
	mints := make([]string, 0, len(due))
	seen := make(map[string]bool, len(due))
	for _, s := range due {
		if !seen[s.Mint] {
			seen[s.Mint] = true
			mints = append(mints, s.Mint)
		}
	}

	fast, err := t.fast.FetchBatch(ctx, mints)
	if err != nil {
		t.logger.Warn("fast batch fetch failed", "mints", len(mints), "got", len(fast), "error", err)
	}

	results := make([]pollResult, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i, s := range due {
		ref := &validator.Reference{
			EntryPrice:     s.EntryPrice,
			EntryMarketCap: s.EntryMarketCap,
			EntryLiquidity: s.EntryLiquidity,
		}
		g.Go(func() error {
			res, err := t.validator.Validate(gctx, s.Mint, fast[s.Mint], ref)
			results[i] = pollResult{key: s.Key(), result: res, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (t *Tracker) apply(r pollResult, now time.Time) {
	s, ok := t.repo.Update(r.key, func(s *TrackedSignal) bool {
		switch {
		case r.err == nil:
			if s.ApplyPrice(r.result.Price, r.result.Source, now, t.cfg.WinThresholdPct) {
				t.logger.Info("win threshold reached", "mint", s.Mint, "signal_type", s.SignalType,
					"roi", s.CurrentROI, "minutes", *s.TimeToThresholdMinutes)
			}
			return false
		case errors.Is(r.err, validator.ErrFatal):
			s.Finalize(now)
			return true
		default:
			s.RecordFailure(now)
			return false
		}
	})
	if !ok {
		return
	}
	switch {
	case errors.Is(r.err, validator.ErrFatal):
		t.logger.Info("tracking finalized on fatal price", "mint", s.Mint, "signal_type", s.SignalType, "status", s.Status, "error", r.err)
	case r.err != nil:
		t.logger.Debug("price update failed", "mint", s.Mint, "failures", s.ConsecutiveFailures, "error", r.err)
	}
}

// Archive loads one finalized daily archive.
func (t *Tracker) Archive(ctx context.Context, kind signal.Kind, date string) (*DailyArchive, error) {
	return t.repo.Archive(ctx, kind, date)
}

// Active returns copies of all live tracked signals.
func (t *Tracker) Active() []TrackedSignal {
	return t.repo.Snapshot()
}

// Checkpoint persists live state. Failures are logged by the caller and do
// not roll back memory.
func (t *Tracker) Checkpoint(ctx context.Context) error {
	return t.repo.Checkpoint(ctx)
}
