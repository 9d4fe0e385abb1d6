package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultTokenDecimals = 6

// RESTClient reads balances from a Cosmos LCD endpoint.
type RESTClient struct {
	http     *resty.Client
	baseURL  string
	denom    string
	symbol   string
	decimals int32
	tokens   map[string]string
	nfts     map[string]string
}

type RESTClientConfig struct {
	BaseURL  string
	Denom    string
	Symbol   string
	Decimals int32
	// Tokens maps a CW20 symbol to its contract address.
	Tokens map[string]string
	// NFTCollections maps a CW721 collection name to its contract address.
	NFTCollections map[string]string
	Timeout        time.Duration
}

type Balance struct {
	Denom     string `json:"denom"`
	Amount    string `json:"amount"`
	Symbol    string `json:"symbol"`
	Decimals  int32  `json:"decimals"`
	Formatted string `json:"formatted"`
}

type Balances struct {
	Native Balance   `json:"native"`
	Tokens []Balance `json:"tokens"`
}

func NewRESTClient(cfg RESTClientConfig) *RESTClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	http := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetHeader("Accept", "application/json")

	return &RESTClient{
		http:     http,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		denom:    cfg.Denom,
		symbol:   cfg.Symbol,
		decimals: cfg.Decimals,
		tokens:   cfg.Tokens,
		nfts:     cfg.NFTCollections,
	}
}

type bankBalanceResponse struct {
	Balance struct {
		Denom  string `json:"denom"`
		Amount string `json:"amount"`
	} `json:"balance"`
}

// NativeBalance returns the balance of the chain's native denom.
func (c *RESTClient) NativeBalance(ctx context.Context, address string) (Balance, error) {
	var out bankBalanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("denom", c.denom).
		SetResult(&out).
		Get(c.baseURL + "/cosmos/bank/v1beta1/balances/" + url.PathEscape(address) + "/by_denom")
	if err != nil {
		return Balance{}, fmt.Errorf("fetch native balance: %w", err)
	}
	if resp.IsError() {
		return Balance{}, fmt.Errorf("fetch native balance: lcd status %d", resp.StatusCode())
	}

	amount := out.Balance.Amount
	if amount == "" {
		amount = "0"
	}
	return Balance{
		Denom:     c.denom,
		Amount:    amount,
		Symbol:    c.symbol,
		Decimals:  c.decimals,
		Formatted: FormatAmount(amount, c.decimals),
	}, nil
}

// TokenBalance queries a CW20 contract for the holder's balance and the token decimals.
func (c *RESTClient) TokenBalance(ctx context.Context, contract, symbol, address string) (Balance, error) {
	var bal struct {
		Balance string `json:"balance"`
	}
	if err := c.smartQuery(ctx, contract, map[string]any{"balance": map[string]string{"address": address}}, &bal); err != nil {
		return Balance{}, fmt.Errorf("fetch %s balance: %w", symbol, err)
	}

	var info struct {
		Decimals int32 `json:"decimals"`
	}
	if err := c.smartQuery(ctx, contract, map[string]any{"token_info": map[string]any{}}, &info); err != nil {
		return Balance{}, fmt.Errorf("fetch %s token info: %w", symbol, err)
	}
	decimals := info.Decimals
	if decimals == 0 {
		decimals = defaultTokenDecimals
	}

	amount := bal.Balance
	if amount == "" {
		amount = "0"
	}
	return Balance{
		Denom:     contract,
		Amount:    amount,
		Symbol:    symbol,
		Decimals:  decimals,
		Formatted: FormatAmount(amount, decimals),
	}, nil
}

// Balances returns the native balance plus every configured CW20 token.
// Tokens whose lookup fails are left out.
func (c *RESTClient) Balances(ctx context.Context, address string) (Balances, error) {
	native, err := c.NativeBalance(ctx, address)
	if err != nil {
		return Balances{}, err
	}

	symbols := make([]string, 0, len(c.tokens))
	for symbol := range c.tokens {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	out := Balances{Native: native, Tokens: []Balance{}}
	for _, symbol := range symbols {
		tb, err := c.TokenBalance(ctx, c.tokens[symbol], symbol, address)
		if err != nil {
			continue
		}
		out.Tokens = append(out.Tokens, tb)
	}
	return out, nil
}

func (c *RESTClient) smartQuery(ctx context.Context, contract string, query any, target any) error {
	raw, err := json.Marshal(query)
	if err != nil {
		return err
	}
	var out struct {
		Data json.RawMessage `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(c.baseURL + "/cosmwasm/wasm/v1/contract/" + url.PathEscape(contract) + "/smart/" + base64.URLEncoding.EncodeToString(raw))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("lcd status %d", resp.StatusCode())
	}
	return json.Unmarshal(out.Data, target)
}

// Ping fetches the latest block header.
func (c *RESTClient) Ping(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(c.baseURL + "/cosmos/base/tendermint/v1beta1/blocks/latest")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("lcd status %d", resp.StatusCode())
	}
	return nil
}
