package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is returned on HTTP 429. It is the only error the rich
	// source retries.
	ErrRateLimited = errors.New("pricing: rate limited")
	// ErrNotFound means the token has no tradable pair or a zero price.
	ErrNotFound = errors.New("pricing: no tradable pair")
)

// StatusError is an unexpected non-2xx response.
type StatusError struct {
	Source string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Source, e.Code)
}

// Source is a price oracle. FetchBatch returns prices for the ids it knows
// and omits the rest. FetchOne returns ErrNotFound when the token has no pair.
type Source interface {
	Name() string
	FetchBatch(ctx context.Context, ids []string) (map[string]float64, error)
	FetchOne(ctx context.Context, id string) (*Quote, error)
}

// Quote is the normalized pair snapshot of one token.
type Quote struct {
	Mint          string    `json:"mint"`
	Symbol        string    `json:"symbol,omitempty"`
	Name          string    `json:"name,omitempty"`
	Price         float64   `json:"price"`
	MarketCap     float64   `json:"market_cap"`
	FDV           float64   `json:"fdv"`
	Liquidity     float64   `json:"liquidity"`
	Volume5m      float64   `json:"volume_5m"`
	Volume1h      float64   `json:"volume_1h"`
	Volume24h     float64   `json:"volume_24h"`
	Buys5m        int       `json:"buys_5m"`
	Sells5m       int       `json:"sells_5m"`
	Buys1h        int       `json:"buys_1h"`
	Sells1h       int       `json:"sells_1h"`
	PairCreatedAt time.Time `json:"pair_created_at,omitzero"`
}

// MarketCapOrFDV falls back to FDV when the pair reports no market cap.
func (q *Quote) MarketCapOrFDV() float64 {
	if q.MarketCap > 0 {
		return q.MarketCap
	}
	return q.FDV
}

// BuySellRatio1h is buys over sells; with no sells it is the buy count itself.
func (q *Quote) BuySellRatio1h() float64 {
	if q.Sells1h == 0 {
		return float64(q.Buys1h)
	}
	return float64(q.Buys1h) / float64(q.Sells1h)
}

// IsTransient reports whether err is worth retrying on a later cycle.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	return true
}
