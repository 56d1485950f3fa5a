package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/logger"
)

const (
	mintA = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	mintB = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

func testConfig(srv *httptest.Server) config.PricingConfig {
	return config.PricingConfig{
		JupiterURL:     srv.URL + "/price/v3",
		DexScreenerURL: srv.URL + "/latest/dex/tokens",
		FastTimeout:    time.Second,
		RichTimeout:    time.Second,
		RetryAttempts:  3,
		RetryBase:      time.Millisecond,
		Concurrency:    4,
	}
}

func dexBody(mint string, price string, liq float64) string {
	return fmt.Sprintf(`{"pairs":[
	  {"baseToken":{"address":%q,"symbol":"BONK","name":"Bonk"},"priceUsd":"0.5","liquidity":{"usd":100},"marketCap":10},
	  {"baseToken":{"address":%q,"symbol":"BONK","name":"Bonk"},"priceUsd":%q,"marketCap":0,"fdv":90000,
	   "liquidity":{"usd":%f},"volume":{"m5":700,"h1":15000,"h24":90000},
	   "txns":{"m5":{"buys":160,"sells":40},"h1":{"buys":600,"sells":400}},"pairCreatedAt":1700000000000}
	]}`, mint, mint, price, liq)
}

func TestJupiterFetchBatch(t *testing.T) {
	var mu sync.Mutex
	var requests [][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/price/v3", r.URL.Path)
		mu.Lock()
		requests = append(requests, strings.Split(r.URL.Query().Get("ids"), ","))
		mu.Unlock()
		fmt.Fprintf(w, `{%q:{"usdPrice":1.25},%q:null}`, mintA, mintB)
	}))
	defer srv.Close()

	j := NewJupiter(testConfig(srv), logger.Nop())
	prices, err := j.FetchBatch(context.Background(), []string{mintA, mintB})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{mintA: 1.25}, prices)

	_, err = j.FetchOne(context.Background(), mintB)
	assert.ErrorIs(t, err, ErrNotFound)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 2)
	assert.ElementsMatch(t, []string{mintA, mintB}, requests[0])
	assert.Equal(t, []string{mintB}, requests[1])
}

func TestJupiterStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewJupiter(testConfig(srv), logger.Nop()).FetchBatch(context.Background(), []string{mintA})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.True(t, IsTransient(err))
}

func TestDexScreenerFetchOnePicksDeepestPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest/dex/tokens/"+mintA, r.URL.Path)
		fmt.Fprint(w, dexBody(mintA, "0.75", 50000))
	}))
	defer srv.Close()

	q, err := NewDexScreener(testConfig(srv), logger.Nop()).FetchOne(context.Background(), mintA)
	require.NoError(t, err)
	assert.Equal(t, 0.75, q.Price)
	assert.Equal(t, 50000.0, q.Liquidity)
	assert.Equal(t, 90000.0, q.MarketCapOrFDV())
	assert.Equal(t, 700.0, q.Volume5m)
	assert.Equal(t, 160, q.Buys5m)
	assert.InDelta(t, 1.5, q.BuySellRatio1h(), 1e-9)
	assert.Equal(t, int64(1700000000000), q.PairCreatedAt.UnixMilli())
	assert.Equal(t, "BONK", q.Symbol)
}

func TestDexScreenerNoPairsIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"pairs":null}`)
	}))
	defer srv.Close()

	_, err := NewDexScreener(testConfig(srv), logger.Nop()).FetchOne(context.Background(), mintA)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTransient(err))
}

func TestDexScreenerZeroPriceIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, dexBody(mintA, "0", 50000))
	}))
	defer srv.Close()

	_, err := NewDexScreener(testConfig(srv), logger.Nop()).FetchOne(context.Background(), mintA)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDexScreenerRetriesOnlyOnRateLimit(t *testing.T) {
	t.Run("recovers after two 429s", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 2 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			fmt.Fprint(w, dexBody(mintA, "2", 40000))
		}))
		defer srv.Close()

		q, err := NewDexScreener(testConfig(srv), logger.Nop()).FetchOne(context.Background(), mintA)
		require.NoError(t, err)
		assert.Equal(t, 2.0, q.Price)
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("gives up after three attempts", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		_, err := NewDexScreener(testConfig(srv), logger.Nop()).FetchOne(context.Background(), mintA)
		assert.ErrorIs(t, err, ErrRateLimited)
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("server error is not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := NewDexScreener(testConfig(srv), logger.Nop()).FetchOne(context.Background(), mintA)
		var se *StatusError
		assert.True(t, errors.As(err, &se))
		assert.EqualValues(t, 1, calls.Load())
	})
}

func TestDexScreenerFetchQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest/dex/tokens/"+mintA+","+mintB, r.URL.Path)
		fmt.Fprint(w, dexBody(mintA, "3", 60000))
	}))
	defer srv.Close()

	d := NewDexScreener(testConfig(srv), logger.Nop())
	quotes, err := d.FetchQuotes(context.Background(), []string{mintA, mintB})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, 3.0, quotes[mintA].Price)

	prices, err := d.FetchBatch(context.Background(), []string{mintA, mintB})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{mintA: 3}, prices)
}
