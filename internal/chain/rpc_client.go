package chain

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultRecentTxLimit = 10

// TendermintClient queries the Tendermint JSON-RPC endpoint over HTTP GET.
type TendermintClient struct {
	http    *resty.Client
	baseURL string
}

func NewTendermintClient(baseURL string, timeout time.Duration) *TendermintClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TendermintClient{
		http: resty.New().
			SetTimeout(timeout).
			SetRetryCount(1).
			SetHeader("Accept", "application/json"),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// TxSummary is one indexed transaction touching an address.
type TxSummary struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height"`
	Type   string `json:"type"`
	Status string `json:"status"` // success or failed
}

type txSearchResponse struct {
	Result struct {
		Txs []struct {
			Hash     string `json:"hash"`
			Height   string `json:"height"`
			TxResult struct {
				Code int `json:"code"`
			} `json:"tx_result"`
		} `json:"txs"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    string `json:"data"`
	} `json:"error"`
}

// TxSearch runs a tx_search query, newest first.
func (c *TendermintClient) TxSearch(ctx context.Context, query string, perPage int) ([]TxSummary, error) {
	if perPage <= 0 {
		perPage = DefaultRecentTxLimit
	}
	var out txSearchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query":    strconv.Quote(query),
			"prove":    "false",
			"page":     "1",
			"per_page": strconv.Itoa(perPage),
			"order_by": strconv.Quote("desc"),
		}).
		SetResult(&out).
		SetError(&out).
		Get(c.baseURL + "/tx_search")
	if err != nil {
		return nil, fmt.Errorf("tx_search: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("tx_search: rpc error %d: %s %s", out.Error.Code, out.Error.Message, out.Error.Data)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tx_search: rpc status %d", resp.StatusCode())
	}

	txs := make([]TxSummary, 0, len(out.Result.Txs))
	for _, tx := range out.Result.Txs {
		height, _ := strconv.ParseInt(tx.Height, 10, 64)
		status := "success"
		if tx.TxResult.Code != 0 {
			status = "failed"
		}
		txs = append(txs, TxSummary{
			Hash:   strings.ToUpper(tx.Hash),
			Height: height,
			Type:   "transfer",
			Status: status,
		})
	}
	return txs, nil
}

// RecentTransactions returns the newest transfers sent or received by
// address. The two directions are queried separately because the indexer
// does not support OR.
func (c *TendermintClient) RecentTransactions(ctx context.Context, address string, limit int) ([]TxSummary, error) {
	if limit <= 0 {
		limit = DefaultRecentTxLimit
	}
	seen := make(map[string]struct{})
	var merged []TxSummary
	for _, attr := range []string{"transfer.recipient", "transfer.sender"} {
		txs, err := c.TxSearch(ctx, fmt.Sprintf("%s='%s'", attr, address), limit)
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			if _, dup := seen[tx.Hash]; dup {
				continue
			}
			seen[tx.Hash] = struct{}{}
			merged = append(merged, tx)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Height > merged[j].Height })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (c *TendermintClient) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get(c.baseURL + "/status")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("rpc status %d", resp.StatusCode())
	}
	return nil
}
