package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newLCD(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/cosmos/bank/v1beta1/balances/sei1holder/by_denom"):
			require.Equal(t, "usei", r.URL.Query().Get("denom"))
			_, _ = w.Write([]byte(`{"balance":{"denom":"usei","amount":"2500000"}}`))
		case strings.HasPrefix(r.URL.Path, "/cosmwasm/wasm/v1/contract/sei1usdc/smart/"):
			encoded := strings.TrimPrefix(r.URL.Path, "/cosmwasm/wasm/v1/contract/sei1usdc/smart/")
			raw, err := base64.URLEncoding.DecodeString(encoded)
			require.NoError(t, err)
			var q map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(raw, &q))
			if _, ok := q["balance"]; ok {
				_, _ = w.Write([]byte(`{"data":{"balance":"1234"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"data":{"name":"USD Coin","symbol":"USDC","decimals":2}}`))
		case strings.HasPrefix(r.URL.Path, "/cosmwasm/wasm/v1/contract/sei1broken/"):
			w.WriteHeader(http.StatusInternalServerError)
		case r.URL.Path == "/cosmos/base/tendermint/v1beta1/blocks/latest":
			_, _ = w.Write([]byte(`{"block":{}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestRESTClientBalances(t *testing.T) {
	srv := newLCD(t)
	defer srv.Close()

	c := NewRESTClient(RESTClientConfig{
		BaseURL:  srv.URL + "/",
		Denom:    "usei",
		Symbol:   "SEI",
		Decimals: 6,
		Tokens:   map[string]string{"USDC": "sei1usdc", "BAD": "sei1broken"},
	})

	got, err := c.Balances(context.Background(), "sei1holder")
	require.NoError(t, err)
	require.Equal(t, "2500000", got.Native.Amount)
	require.Equal(t, "2.500000", got.Native.Formatted)
	require.Len(t, got.Tokens, 1)
	require.Equal(t, "USDC", got.Tokens[0].Symbol)
	require.Equal(t, int32(2), got.Tokens[0].Decimals)
	require.Equal(t, "12.34", got.Tokens[0].Formatted)

	require.NoError(t, c.Ping(context.Background()))
}

func TestRESTClientNativeBalanceError(t *testing.T) {
	srv := newLCD(t)
	defer srv.Close()

	c := NewRESTClient(RESTClientConfig{BaseURL: srv.URL, Denom: "usei", Symbol: "SEI", Decimals: 6})
	_, err := c.NativeBalance(context.Background(), "sei1unknown")
	require.Error(t, err)
}
