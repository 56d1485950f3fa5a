// Package gate holds new signals until the market around them looks real.
//
// A pending signal is checked every few seconds against Rule. Checks are
// grouped into fixed-length epochs; the first epoch whose pass rate clears
// the threshold promotes the signal. Epoch boundaries are anchored to the
// submit time, so the last epoch ends exactly at the signal's one deadline;
// whatever epoch is open then is judged before the signal is dropped.
package gate

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/logger"
	"github.com/camuig/signal-tracker/internal/metrics"
	"github.com/camuig/signal-tracker/internal/pricing"
	"github.com/camuig/signal-tracker/internal/signal"
)

const seenTTL = 24 * time.Hour

// QuoteSource supplies full pair data for one token.
type QuoteSource interface {
	FetchOne(ctx context.Context, id string) (*pricing.Quote, error)
}

type Epoch struct {
	Number   int       `json:"epoch_number"`
	Start    time.Time `json:"start"`
	Checks   int       `json:"checks"`
	Passes   int       `json:"passes"`
	PassRate float64   `json:"pass_rate"`
}

// Pending is a signal under evaluation.
type Pending struct {
	Mint            string      `json:"mint"`
	Kind            signal.Kind `json:"signal_type"`
	Symbol          string      `json:"symbol,omitempty"`
	Name            string      `json:"name,omitempty"`
	Grade           string      `json:"grade,omitempty"`
	SignalPrice     float64     `json:"signal_price"`
	SignalLiquidity float64     `json:"signal_liquidity"`
	SignalTime      time.Time   `json:"signal_time"`
	Deadline        time.Time   `json:"deadline"`
	Epochs          []Epoch     `json:"epochs"`
	Current         Epoch       `json:"current"`
	LastCheck       time.Time   `json:"last_check,omitzero"`
}

func (p *Pending) Key() string { return signal.Key(p.Mint, p.Kind) }

// Promotion is a signal that passed the gate.
type Promotion struct {
	Mint            string
	Kind            signal.Kind
	Symbol          string
	Name            string
	Grade           string
	SignalPrice     float64
	SignalLiquidity float64
	Epoch           int
	PassRate        float64
	PromotedAt      time.Time
}

func (p Promotion) Key() string { return signal.Key(p.Mint, p.Kind) }

type verdict int

const (
	verdictWait verdict = iota
	verdictPromote
	verdictDrop
)

type Gate struct {
	source      QuoteSource
	rule        Rule
	cfg         config.GateConfig
	grades      map[string]bool
	concurrency int
	now         func() time.Time
	logger      *logger.Logger

	mu      sync.Mutex
	pending map[string]*Pending
	seen    map[string]time.Time
}

func New(source QuoteSource, cfg *config.Config, log *logger.Logger) *Gate {
	grades := make(map[string]bool, len(cfg.Feeds.ValidGrades))
	for _, g := range cfg.Feeds.ValidGrades {
		grades[strings.ToUpper(g)] = true
	}
	return &Gate{
		source:      source,
		rule:        NewRule(cfg.Gate.Rule),
		cfg:         cfg.Gate,
		grades:      grades,
		concurrency: max(1, cfg.Pricing.Concurrency),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log,
		pending:     make(map[string]*Pending),
		seen:        make(map[string]time.Time),
	}
}

// Submit queues a signal for evaluation. It refuses signals with an
// unaccepted grade, signals already seen, and anything past capacity.
func (g *Gate) Submit(n signal.Normalized) bool {
	if !g.grades[n.Grade] {
		return false
	}
	key := n.Key()
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[key]; ok {
		return false
	}
	if len(g.pending) >= g.cfg.MaxPending {
		g.logger.Debug("gate full, signal deferred", "mint", n.Mint, "pending", len(g.pending))
		return false
	}

	p := &Pending{
		Mint:        n.Mint,
		Kind:        n.Kind,
		Symbol:      n.Symbol,
		Name:        n.Name,
		Grade:       n.Grade,
		SignalPrice: n.Price,
		SignalTime:  now,
		Deadline:    now.Add(g.cfg.Deadline()),
		Current:     Epoch{Number: 1, Start: now},
	}
	if n.Liquidity != nil {
		p.SignalLiquidity = *n.Liquidity
	}
	g.pending[key] = p
	g.seen[key] = now
	g.logger.Info("signal pending", "mint", n.Mint, "signal_type", n.Kind, "grade", n.Grade, "deadline", p.Deadline)
	return true
}

// Check runs one evaluation round over every pending signal whose check
// interval elapsed, then settles signals past their deadline.
func (g *Gate) Check(ctx context.Context) ([]Promotion, error) {
	now := g.now()

	g.mu.Lock()
	var due []*Pending
	for _, p := range g.pending {
		if p.LastCheck.IsZero() || now.Sub(p.LastCheck) >= g.cfg.CheckInterval {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Key() < due[j].Key() })
	mints := make([]string, len(due))
	for i, p := range due {
		mints[i] = p.Mint
	}
	g.mu.Unlock()

	quotes := make([]*pricing.Quote, len(mints))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for i, mint := range mints {
		eg.Go(func() error {
			q, err := g.source.FetchOne(ectx, mint)
			if err != nil {
				g.logger.Debug("gate quote failed", "mint", mint, "error", err)
				return nil
			}
			quotes[i] = q
			return nil
		})
	}
	_ = eg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()

	var promoted []Promotion
	for i, p := range due {
		if _, ok := g.pending[p.Key()]; !ok {
			continue
		}
		q := quotes[i]
		if q != nil {
			if p.SignalPrice <= 0 {
				p.SignalPrice = q.Price
			}
			if p.SignalLiquidity <= 0 {
				p.SignalLiquidity = q.Liquidity
			}
			if p.Symbol == "" {
				p.Symbol = q.Symbol
			}
		}
		switch g.observe(p, g.rule.Evaluate(q), now) {
		case verdictPromote:
			promoted = append(promoted, g.promoteLocked(p, now))
		case verdictDrop:
			g.dropLocked(p, "epoch budget exhausted")
		}
	}

	// Signals not checked this round still get their open epoch judged.
	var expired []*Pending
	for _, p := range g.pending {
		if !now.Before(p.Deadline) {
			expired = append(expired, p)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Key() < expired[j].Key() })
	for _, p := range expired {
		if p.Current.Checks > 0 && g.closeEpoch(p, now) == verdictPromote {
			promoted = append(promoted, g.promoteLocked(p, now))
			continue
		}
		g.dropLocked(p, "deadline reached")
	}
	for k, at := range g.seen {
		if now.Sub(at) > seenTTL {
			delete(g.seen, k)
		}
	}
	return promoted, ctx.Err()
}

// observe records one check. Epoch n spans
// [SignalTime+(n-1)*EpochLength, SignalTime+n*EpochLength) and closes on the
// first check at or after its end; that check counts toward it.
func (g *Gate) observe(p *Pending, pass bool, now time.Time) verdict {
	p.LastCheck = now
	p.Current.Checks++
	if pass {
		p.Current.Passes++
	}
	if now.Before(g.epochStart(p, p.Current.Number+1)) {
		return verdictWait
	}
	return g.closeEpoch(p, now)
}

// closeEpoch judges the open epoch and moves on to the epoch containing now.
func (g *Gate) closeEpoch(p *Pending, now time.Time) verdict {
	done := p.Current
	if done.Checks > 0 {
		done.PassRate = float64(done.Passes) / float64(done.Checks)
	}
	p.Epochs = append(p.Epochs, done)
	if done.Checks > 0 && done.PassRate >= g.cfg.PromotePassRate {
		return verdictPromote
	}
	next := max(done.Number+1, int(now.Sub(p.SignalTime)/g.cfg.EpochLength)+1)
	if next > g.cfg.MaxEpochs {
		return verdictDrop
	}
	p.Current = Epoch{Number: next, Start: g.epochStart(p, next)}
	return verdictWait
}

func (g *Gate) epochStart(p *Pending, n int) time.Time {
	return p.SignalTime.Add(time.Duration(n-1) * g.cfg.EpochLength)
}

func (g *Gate) promoteLocked(p *Pending, now time.Time) Promotion {
	last := p.Epochs[len(p.Epochs)-1]
	delete(g.pending, p.Key())
	metrics.GateDecisions.WithLabelValues("promoted").Inc()
	g.logger.Info("signal promoted", "mint", p.Mint, "signal_type", p.Kind, "epoch", last.Number, "pass_rate", last.PassRate)
	return Promotion{
		Mint: p.Mint, Kind: p.Kind, Symbol: p.Symbol, Name: p.Name, Grade: p.Grade,
		SignalPrice: p.SignalPrice, SignalLiquidity: p.SignalLiquidity,
		Epoch: last.Number, PassRate: last.PassRate, PromotedAt: now,
	}
}

func (g *Gate) dropLocked(p *Pending, reason string) {
	delete(g.pending, p.Key())
	metrics.GateDecisions.WithLabelValues("dropped").Inc()
	g.logger.Info("signal dropped", "mint", p.Mint, "signal_type", p.Kind, "reason", reason, "epochs", len(p.Epochs))
}

// Pending returns copies of the signals under evaluation.
func (g *Gate) Pending() []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Pending, 0, len(g.pending))
	for _, p := range g.pending {
		cp := *p
		cp.Epochs = slices.Clone(p.Epochs)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
