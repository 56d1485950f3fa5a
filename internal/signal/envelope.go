// Package signal turns raw feed entries into normalized signals.
//
// The feed carries two entry shapes, one per signal type. Each shape has its
// own Envelope implementation; downstream code only ever sees Normalized.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// ErrMalformed marks a feed entry that cannot be used. It is skipped, never fatal to the batch.
var ErrMalformed = errors.New("malformed feed entry")

type Kind string

const (
	Discovery Kind = "discovery"
	Alpha     Kind = "alpha"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case Discovery:
		return Discovery, nil
	case Alpha:
		return Alpha, nil
	}
	return "", fmt.Errorf("unknown signal type %q", s)
}

// Normalized is a signal in shape-independent form. Optional market data is
// nil when the feed did not carry a usable value.
type Normalized struct {
	Mint          string
	Kind          Kind
	Symbol        string
	Name          string
	Grade         string
	ObservedAt    time.Time
	Price         float64
	MarketCap     *float64
	Liquidity     *float64
	PairCreatedAt *time.Time
}

// Key identifies a signal across the tracker, gate and portfolios.
func (n Normalized) Key() string {
	return Key(n.Mint, n.Kind)
}

func Key(mint string, kind Kind) string {
	return mint + ":" + string(kind)
}

// Envelope is the tagged variant over feed entry shapes.
type Envelope interface {
	Kind() Kind
	Extract() (Normalized, error)
}

// Decode parses one raw feed entry of the given kind.
func Decode(kind Kind, mint string, raw json.RawMessage) (Envelope, error) {
	switch kind {
	case Discovery:
		e := &DiscoveryEntry{mint: mint}
		if err := json.Unmarshal(raw, e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, mint, err)
		}
		return e, nil
	case Alpha:
		e := &AlphaEntry{mint: mint}
		if err := json.Unmarshal(raw, e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, mint, err)
		}
		return e, nil
	}
	return nil, fmt.Errorf("decode entry: unknown kind %q", kind)
}

// ValidMint reports whether s is a base58 encoded 32-byte public key.
func ValidMint(s string) bool {
	b, err := base58.Decode(s)
	return err == nil && len(b) == 32
}

// stamps are the timestamp fields every entry may carry, in priority order.
type stamps struct {
	TS        *stamp `json:"ts"`
	Timestamp *stamp `json:"timestamp"`
	CheckedAt *stamp `json:"checked_at"`
	CreatedAt *stamp `json:"created_at"`
	UpdatedAt *stamp `json:"updated_at"`
}

type resultStamps struct {
	DiscoveredAt *stamp `json:"discovered_at"`
	CheckedAt    *stamp `json:"checked_at"`
	Timestamp    *stamp `json:"timestamp"`
}

func observedAt(top stamps, res resultStamps) (time.Time, bool) {
	return firstTime(top.TS, top.Timestamp, top.CheckedAt, top.CreatedAt, top.UpdatedAt,
		res.DiscoveredAt, res.CheckedAt, res.Timestamp)
}

func malformed(mint, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, mint, reason)
}

// DiscoveryEntry is the flat discovery shape.
type DiscoveryEntry struct {
	mint string
	stamps
	Result struct {
		resultStamps
		Grade       string `json:"grade"`
		Dexscreener struct {
			CurrentPriceUSD *number `json:"current_price_usd"`
			MarketCapUSD    *number `json:"market_cap_usd"`
			PairCreatedAt   *stamp  `json:"pair_created_at"`
		} `json:"dexscreener"`
		Rugcheck struct {
			TotalLiquidityUSD *number `json:"total_liquidity_usd"`
		} `json:"rugcheck"`
		TokenMetadata *tokenMeta `json:"token_metadata"`
	} `json:"result"`
	TokenMetadata *tokenMeta `json:"token_metadata"`
	Token         *tokenMeta `json:"token"`
}

func (e *DiscoveryEntry) Kind() Kind { return Discovery }

func (e *DiscoveryEntry) Extract() (Normalized, error) {
	if !ValidMint(e.mint) {
		return Normalized{}, malformed(e.mint, "invalid mint address")
	}
	at, ok := observedAt(e.stamps, e.Result.resultStamps)
	if !ok {
		return Normalized{}, malformed(e.mint, "missing timestamp")
	}
	dex := e.Result.Dexscreener
	price, ok := positive(dex.CurrentPriceUSD)
	if !ok {
		return Normalized{}, malformed(e.mint, "missing price")
	}

	n := Normalized{
		Mint:       e.mint,
		Kind:       Discovery,
		Grade:      strings.ToUpper(e.Result.Grade),
		ObservedAt: at,
		Price:      price,
		MarketCap:  optional(positive(dex.MarketCapUSD)),
		Liquidity:  optional(positive(e.Result.Rugcheck.TotalLiquidityUSD)),
	}
	if t, ok := firstTime(dex.PairCreatedAt); ok {
		n.PairCreatedAt = &t
	}
	n.Symbol, n.Name = firstMeta(e.Result.TokenMetadata, e.TokenMetadata, e.Token)
	return n, nil
}

// AlphaEntry is the nested alpha shape, where market data sits under
// result.security and the rugcheck raw payload is a last resort.
type AlphaEntry struct {
	mint string
	stamps
	Result struct {
		resultStamps
		Grade    string `json:"grade"`
		Security struct {
			Dexscreener struct {
				CurrentPriceUSD *number `json:"current_price_usd"`
				Raw             struct {
					MarketCap *number `json:"marketCap"`
					FDV       *number `json:"fdv"`
					Liquidity struct {
						USD *number `json:"usd"`
					} `json:"liquidity"`
					PairCreatedAt *stamp `json:"pairCreatedAt"`
				} `json:"raw"`
			} `json:"dexscreener"`
			Rugcheck struct {
				TotalLiquidityUSD *number `json:"total_liquidity_usd"`
			} `json:"rugcheck"`
			RugcheckRaw struct {
				Raw struct {
					Price      *number    `json:"price"`
					DetectedAt *stamp     `json:"detectedAt"`
					TokenMeta  *tokenMeta `json:"tokenMeta"`
				} `json:"raw"`
			} `json:"rugcheck_raw"`
		} `json:"security"`
		TokenMetadata *tokenMeta `json:"token_metadata"`
	} `json:"result"`
	TokenMetadata *tokenMeta `json:"token_metadata"`
	Token         *tokenMeta `json:"token"`
}

func (e *AlphaEntry) Kind() Kind { return Alpha }

func (e *AlphaEntry) Extract() (Normalized, error) {
	if !ValidMint(e.mint) {
		return Normalized{}, malformed(e.mint, "invalid mint address")
	}
	at, ok := observedAt(e.stamps, e.Result.resultStamps)
	if !ok {
		return Normalized{}, malformed(e.mint, "missing timestamp")
	}
	sec := e.Result.Security
	raw := sec.RugcheckRaw.Raw
	price, ok := firstPositive(sec.Dexscreener.CurrentPriceUSD, raw.Price)
	if !ok {
		return Normalized{}, malformed(e.mint, "missing price")
	}

	n := Normalized{
		Mint:       e.mint,
		Kind:       Alpha,
		Grade:      strings.ToUpper(e.Result.Grade),
		ObservedAt: at,
		Price:      price,
		MarketCap:  optional(firstPositive(sec.Dexscreener.Raw.MarketCap, sec.Dexscreener.Raw.FDV)),
		Liquidity:  optional(firstPositive(sec.Dexscreener.Raw.Liquidity.USD, sec.Rugcheck.TotalLiquidityUSD)),
	}
	if t, ok := firstTime(sec.Dexscreener.Raw.PairCreatedAt, raw.DetectedAt); ok {
		n.PairCreatedAt = &t
	}
	n.Symbol, n.Name = firstMeta(e.Result.TokenMetadata, e.TokenMetadata, e.Token, raw.TokenMeta)
	return n, nil
}
