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

func newNFTNode(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/meta/2.json" {
			// gateways often serve metadata as plain text
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(`{"name":"Punk Two","image":"ipfs://two.png"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		const prefix = "/cosmwasm/wasm/v1/contract/sei1punks/smart/"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(r.URL.Path, prefix))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var q struct {
			Tokens *struct {
				Owner string `json:"owner"`
				Limit int    `json:"limit"`
			} `json:"tokens"`
			NFTInfo *struct {
				TokenID string `json:"token_id"`
			} `json:"nft_info"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch {
		case q.Tokens != nil && q.Tokens.Owner == "sei1holder" && q.Tokens.Limit == 100:
			_, _ = w.Write([]byte(`{"data":{"tokens":["1","2","3"]}}`))
		case q.NFTInfo != nil && q.NFTInfo.TokenID == "1":
			_, _ = w.Write([]byte(`{"data":{"token_uri":null,"extension":{"name":"Punk One","description":"first","attributes":[{"trait_type":"hat","value":"cap"}]}}}`))
		case q.NFTInfo != nil && q.NFTInfo.TokenID == "2":
			_, _ = w.Write([]byte(`{"data":{"token_uri":"http://` + r.Host + `/meta/2.json","extension":null}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
}

func TestNFTsReadsOwnedTokensAndMetadata(t *testing.T) {
	srv := newNFTNode(t)
	defer srv.Close()

	c := NewRESTClient(RESTClientConfig{
		BaseURL:        srv.URL,
		NFTCollections: map[string]string{"Sei Punks": "sei1punks", "Broken": "sei1broken"},
	})
	got, err := c.NFTs(context.Background(), "sei1holder")
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.Equal(t, "Punk One", got[0].Name)
	require.Equal(t, "first", got[0].Description)
	require.Equal(t, []NFTAttribute{{TraitType: "hat", Value: "cap"}}, got[0].Attributes)
	require.Equal(t, "sei1punks", got[0].ContractAddress)

	require.Equal(t, "Punk Two", got[1].Name)
	require.Equal(t, "ipfs://two.png", got[1].Image)

	// metadata lookup failed, the token is still listed
	require.Equal(t, "Sei Punks #3", got[2].Name)
	require.Equal(t, "Sei Punks", got[2].Collection)
}

func TestNFTsWithoutCollections(t *testing.T) {
	c := NewRESTClient(RESTClientConfig{BaseURL: "http://127.0.0.1:1"})
	got, err := c.NFTs(context.Background(), "sei1holder")
	require.NoError(t, err)
	require.Empty(t, got)
}
