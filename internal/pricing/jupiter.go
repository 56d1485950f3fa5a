package pricing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/logger"
)

const jupiterBatchSize = 50

// Jupiter is the fast quote source. It only knows prices.
type Jupiter struct {
	client      *httpClient
	baseURL     string
	concurrency int
}

func NewJupiter(cfg config.PricingConfig, log *logger.Logger) *Jupiter {
	return &Jupiter{
		client:      newHTTPClient("jupiter", cfg.FastTimeout, cfg.RequestsPerMinute, log),
		baseURL:     cfg.JupiterURL,
		concurrency: cfg.Concurrency,
	}
}

func (j *Jupiter) Name() string { return "jupiter" }

type jupiterPrice struct {
	USDPrice float64 `json:"usdPrice"`
}

// FetchBatch splits ids into request-sized chunks and queries them in parallel.
func (j *Jupiter) FetchBatch(ctx context.Context, ids []string) (map[string]float64, error) {
	result := make(map[string]float64, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, j.concurrency))

	for start := 0; start < len(ids); start += jupiterBatchSize {
		chunk := ids[start:min(start+jupiterBatchSize, len(ids))]
		g.Go(func() error {
			prices, err := j.fetchChunk(ctx, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			for id, p := range prices {
				result[id] = p
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

func (j *Jupiter) fetchChunk(ctx context.Context, ids []string) (map[string]float64, error) {
	u := j.baseURL + "?ids=" + url.QueryEscape(strings.Join(ids, ","))

	var resp map[string]*jupiterPrice
	if err := j.client.getJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("fetch jupiter prices: %w", err)
	}

	prices := make(map[string]float64, len(resp))
	for id, p := range resp {
		if p == nil || p.USDPrice <= 0 {
			continue
		}
		prices[id] = p.USDPrice
	}
	return prices, nil
}

func (j *Jupiter) FetchOne(ctx context.Context, id string) (*Quote, error) {
	prices, err := j.fetchChunk(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	p, ok := prices[id]
	if !ok {
		return nil, fmt.Errorf("jupiter %s: %w", id, ErrNotFound)
	}
	return &Quote{Mint: id, Price: p}, nil
}
