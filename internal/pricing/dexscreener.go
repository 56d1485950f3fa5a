package pricing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/logger"
)

const dexscreenerBatchSize = 30

// DexScreener is the rich pair-data source. Single-token lookups retry on
// HTTP 429 with exponential backoff; any other failure returns at once.
type DexScreener struct {
	client      *httpClient
	baseURL     string
	attempts    int
	retryBase   time.Duration
	concurrency int
	logger      *logger.Logger
}

func NewDexScreener(cfg config.PricingConfig, log *logger.Logger) *DexScreener {
	return &DexScreener{
		client:      newHTTPClient("dexscreener", cfg.RichTimeout, cfg.RequestsPerMinute, log),
		baseURL:     strings.TrimSuffix(cfg.DexScreenerURL, "/"),
		attempts:    cfg.RetryAttempts,
		retryBase:   cfg.RetryBase,
		concurrency: cfg.Concurrency,
		logger:      log,
	}
}

func (d *DexScreener) Name() string { return "dexscreener" }

type dexResponse struct {
	Pairs []dexPair `json:"pairs"`
}

type dexPair struct {
	ChainID   string   `json:"chainId"`
	BaseToken dexToken `json:"baseToken"`
	PriceUsd  string   `json:"priceUsd"`
	MarketCap float64  `json:"marketCap"`
	FDV       float64  `json:"fdv"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	Volume struct {
		M5  float64 `json:"m5"`
		H1  float64 `json:"h1"`
		H24 float64 `json:"h24"`
	} `json:"volume"`
	Txns struct {
		M5 dexTxn `json:"m5"`
		H1 dexTxn `json:"h1"`
	} `json:"txns"`
	PairCreatedAt int64 `json:"pairCreatedAt"`
}

type dexToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

type dexTxn struct {
	Buys  int `json:"buys"`
	Sells int `json:"sells"`
}

func (p *dexPair) quote(mint string) *Quote {
	price, _ := strconv.ParseFloat(p.PriceUsd, 64)
	q := &Quote{
		Mint:      mint,
		Symbol:    p.BaseToken.Symbol,
		Name:      p.BaseToken.Name,
		Price:     price,
		MarketCap: p.MarketCap,
		FDV:       p.FDV,
		Liquidity: p.Liquidity.USD,
		Volume5m:  p.Volume.M5,
		Volume1h:  p.Volume.H1,
		Volume24h: p.Volume.H24,
		Buys5m:    p.Txns.M5.Buys,
		Sells5m:   p.Txns.M5.Sells,
		Buys1h:    p.Txns.H1.Buys,
		Sells1h:   p.Txns.H1.Sells,
	}
	if p.PairCreatedAt > 0 {
		q.PairCreatedAt = time.UnixMilli(p.PairCreatedAt).UTC()
	}
	return q
}

// bestPairs keeps the deepest pool per base token.
func bestPairs(pairs []dexPair) map[string]*dexPair {
	best := make(map[string]*dexPair)
	for i := range pairs {
		p := &pairs[i]
		addr := p.BaseToken.Address
		if cur, ok := best[addr]; !ok || p.Liquidity.USD > cur.Liquidity.USD {
			best[addr] = p
		}
	}
	return best
}

func (d *DexScreener) fetchPairs(ctx context.Context, ids []string) ([]dexPair, error) {
	var resp dexResponse
	if err := d.client.getJSON(ctx, d.baseURL+"/"+strings.Join(ids, ","), &resp); err != nil {
		return nil, err
	}
	return resp.Pairs, nil
}

func (d *DexScreener) fetchOnce(ctx context.Context, id string) (*Quote, error) {
	pairs, err := d.fetchPairs(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	p, ok := bestPairs(pairs)[id]
	if !ok {
		return nil, fmt.Errorf("dexscreener %s: %w", id, ErrNotFound)
	}
	q := p.quote(id)
	if q.Price <= 0 {
		return nil, fmt.Errorf("dexscreener %s zero price: %w", id, ErrNotFound)
	}
	return q, nil
}

// FetchOne makes up to d.attempts calls, sleeping retryBase, 2*retryBase, ...
// between them, and only when the previous call was rate limited.
func (d *DexScreener) FetchOne(ctx context.Context, id string) (*Quote, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() (*Quote, error) {
		attempt++
		q, err := d.fetchOnce(ctx, id)
		if errors.Is(err, ErrRateLimited) {
			d.logger.Debug("dexscreener rate limited", "mint", id, "attempt", attempt)
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return q, nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(0, d.attempts-1))), ctx)
	q, err := backoff.RetryWithData(op, policy)
	if err != nil {
		return nil, fmt.Errorf("fetch dexscreener quote: %w", err)
	}
	return q, nil
}

// FetchBatch queries up to 30 tokens per request. Rate-limited chunks are not
// retried here; their tokens are simply missing from the result.
func (d *DexScreener) FetchBatch(ctx context.Context, ids []string) (map[string]float64, error) {
	quotes, err := d.FetchQuotes(ctx, ids)
	prices := make(map[string]float64, len(quotes))
	for id, q := range quotes {
		prices[id] = q.Price
	}
	return prices, err
}

// FetchQuotes is FetchBatch with full pair data.
func (d *DexScreener) FetchQuotes(ctx context.Context, ids []string) (map[string]*Quote, error) {
	result := make(map[string]*Quote, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, d.concurrency))

	for start := 0; start < len(ids); start += dexscreenerBatchSize {
		chunk := ids[start:min(start+dexscreenerBatchSize, len(ids))]
		g.Go(func() error {
			pairs, err := d.fetchPairs(gctx, chunk)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			best := bestPairs(pairs)
			for _, id := range chunk {
				if p, ok := best[id]; ok {
					if q := p.quote(id); q.Price > 0 {
						result[id] = q
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if firstErr != nil {
		return result, fmt.Errorf("fetch dexscreener batch: %w", firstErr)
	}
	return result, nil
}
