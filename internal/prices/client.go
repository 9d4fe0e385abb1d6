package prices

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"seipulse/internal/logger"
)

const (
	DefaultCoinGeckoURL   = "https://api.coingecko.com/api/v3"
	DefaultDexScreenerURL = "https://api.dexscreener.com/latest/dex"

	seiCoinID   = "sei-network"
	seiChainID  = "sei"
	seiSymbol   = "SEI"
	maxDexPairs = 20
)

var ErrUnknownSymbol = errors.New("no price for symbol")

type TokenPrice struct {
	Symbol         string          `json:"symbol"`
	Price          decimal.Decimal `json:"price"`
	PriceChange24h decimal.Decimal `json:"priceChange24h"`
	Volume24h      decimal.Decimal `json:"volume24h"`
	Liquidity      decimal.Decimal `json:"liquidity"`
	LastUpdated    time.Time       `json:"lastUpdated"`
}

type Config struct {
	CoinGeckoURL   string
	DexScreenerURL string
	TTL            time.Duration
	Timeout        time.Duration
}

// Client fetches SEI ecosystem prices from CoinGecko and DexScreener and
// caches the merged result for TTL.
type Client struct {
	http      *resty.Client
	coingecko string
	dex       string
	ttl       time.Duration
	log       *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	cached    map[string]TokenPrice
	fetchedAt time.Time
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.CoinGeckoURL == "" {
		cfg.CoinGeckoURL = DefaultCoinGeckoURL
	}
	if cfg.DexScreenerURL == "" {
		cfg.DexScreenerURL = DefaultDexScreenerURL
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	log = logger.OrNop(log)
	return &Client{
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
		coingecko: strings.TrimRight(cfg.CoinGeckoURL, "/"),
		dex:       strings.TrimRight(cfg.DexScreenerURL, "/"),
		ttl:       cfg.TTL,
		log:       log,
		now:       time.Now,
	}
}

// Get returns the cached price for symbol, refreshing the cache when stale.
func (c *Client) Get(ctx context.Context, symbol string) (TokenPrice, error) {
	all, err := c.All(ctx)
	if err != nil {
		return TokenPrice{}, err
	}
	p, ok := all[strings.ToUpper(symbol)]
	if !ok {
		return TokenPrice{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return p, nil
}

// All returns every known price keyed by upper-case symbol.
func (c *Client) All(ctx context.Context) (map[string]TokenPrice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return copyPrices(c.cached), nil
	}

	fresh, err := c.fetch(ctx)
	if err != nil {
		if c.cached != nil {
			c.log.Warn("price refresh failed, serving stale prices", zap.Error(err))
			return copyPrices(c.cached), nil
		}
		return nil, err
	}
	c.cached = fresh
	c.fetchedAt = c.now()
	return copyPrices(fresh), nil
}

func (c *Client) fetch(ctx context.Context) (map[string]TokenPrice, error) {
	out := make(map[string]TokenPrice)

	sei, seiErr := c.seiPrice(ctx)
	if seiErr != nil {
		c.log.Warn("coingecko price", zap.Error(seiErr))
	} else {
		out[sei.Symbol] = sei
	}

	pairs, dexErr := c.dexPrices(ctx)
	if dexErr != nil {
		c.log.Warn("dexscreener prices", zap.Error(dexErr))
	}
	for _, p := range pairs {
		out[p.Symbol] = p
	}

	if seiErr != nil && dexErr != nil {
		return nil, fmt.Errorf("all price sources failed: %w", errors.Join(seiErr, dexErr))
	}
	return out, nil
}

type coinGeckoQuote struct {
	USD       decimal.Decimal `json:"usd"`
	Change24h decimal.Decimal `json:"usd_24h_change"`
	Volume24h decimal.Decimal `json:"usd_24h_vol"`
}

func (c *Client) seiPrice(ctx context.Context) (TokenPrice, error) {
	var out map[string]coinGeckoQuote
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":                 seiCoinID,
			"vs_currencies":       "usd",
			"include_24hr_change": "true",
			"include_24hr_vol":    "true",
		}).
		SetResult(&out).
		Get(c.coingecko + "/simple/price")
	if err != nil {
		return TokenPrice{}, err
	}
	if resp.IsError() {
		return TokenPrice{}, fmt.Errorf("coingecko status %d", resp.StatusCode())
	}
	q, ok := out[seiCoinID]
	if !ok {
		return TokenPrice{}, fmt.Errorf("coingecko response has no %s quote", seiCoinID)
	}
	return TokenPrice{
		Symbol:         seiSymbol,
		Price:          q.USD,
		PriceChange24h: q.Change24h,
		Volume24h:      q.Volume24h,
		LastUpdated:    c.now().UTC(),
	}, nil
}

type dexSearchResponse struct {
	Pairs []struct {
		ChainID   string `json:"chainId"`
		BaseToken struct {
			Symbol string `json:"symbol"`
		} `json:"baseToken"`
		PriceUSD    decimal.Decimal `json:"priceUsd"`
		PriceChange struct {
			H24 decimal.Decimal `json:"h24"`
		} `json:"priceChange"`
		Volume struct {
			H24 decimal.Decimal `json:"h24"`
		} `json:"volume"`
		Liquidity struct {
			USD decimal.Decimal `json:"usd"`
		} `json:"liquidity"`
	} `json:"pairs"`
}

func (c *Client) dexPrices(ctx context.Context) ([]TokenPrice, error) {
	var out dexSearchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(c.dex + "/search/?q=" + url.QueryEscape(seiChainID))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("dexscreener status %d", resp.StatusCode())
	}

	now := c.now().UTC()
	prices := make([]TokenPrice, 0, maxDexPairs)
	for _, pair := range out.Pairs {
		if pair.ChainID != seiChainID {
			continue
		}
		if len(prices) == maxDexPairs {
			break
		}
		prices = append(prices, TokenPrice{
			Symbol:         strings.ToUpper(pair.BaseToken.Symbol),
			Price:          pair.PriceUSD,
			PriceChange24h: pair.PriceChange.H24,
			Volume24h:      pair.Volume.H24,
			Liquidity:      pair.Liquidity.USD,
			LastUpdated:    now,
		})
	}
	return prices, nil
}

func copyPrices(in map[string]TokenPrice) map[string]TokenPrice {
	out := make(map[string]TokenPrice, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
