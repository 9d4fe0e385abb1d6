package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const nftPageLimit = 100

type NFTAttribute struct {
	TraitType string `json:"trait_type"`
	Value     any    `json:"value"`
}

type NFT struct {
	TokenID         string         `json:"tokenId"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Image           string         `json:"image,omitempty"`
	Attributes      []NFTAttribute `json:"attributes,omitempty"`
	Collection      string         `json:"collection"`
	ContractAddress string         `json:"contractAddress"`
}

type nftMetadata struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Image       string         `json:"image"`
	Attributes  []NFTAttribute `json:"attributes"`
}

// NFTs lists the tokens owner holds in every configured collection.
// Collections that cannot be queried are skipped.
func (c *RESTClient) NFTs(ctx context.Context, owner string) ([]NFT, error) {
	names := make([]string, 0, len(c.nfts))
	for name := range c.nfts {
		names = append(names, name)
	}
	sort.Strings(names)

	out := []NFT{}
	for _, name := range names {
		items, err := c.CollectionNFTs(ctx, c.nfts[name], name, owner)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		out = append(out, items...)
	}
	return out, nil
}

// CollectionNFTs reads the owner's token ids from a CW721 contract and then
// the metadata of each. A token whose metadata cannot be read is still
// listed under a generated name.
func (c *RESTClient) CollectionNFTs(ctx context.Context, contract, collection, owner string) ([]NFT, error) {
	var owned struct {
		Tokens []string `json:"tokens"`
	}
	query := map[string]any{"tokens": map[string]any{"owner": owner, "limit": nftPageLimit}}
	if err := c.smartQuery(ctx, contract, query, &owned); err != nil {
		return nil, fmt.Errorf("fetch %s tokens: %w", collection, err)
	}

	out := make([]NFT, 0, len(owned.Tokens))
	for _, id := range owned.Tokens {
		nft := NFT{
			TokenID:         id,
			Name:            fmt.Sprintf("%s #%s", collection, id),
			Collection:      collection,
			ContractAddress: contract,
		}
		if meta, err := c.nftMetadata(ctx, contract, id); err == nil {
			if meta.Name != "" {
				nft.Name = meta.Name
			}
			nft.Description = meta.Description
			nft.Image = meta.Image
			nft.Attributes = meta.Attributes
		}
		out = append(out, nft)
	}
	return out, nil
}

func (c *RESTClient) nftMetadata(ctx context.Context, contract, tokenID string) (nftMetadata, error) {
	var info struct {
		TokenURI  string          `json:"token_uri"`
		Extension json.RawMessage `json:"extension"`
	}
	query := map[string]any{"nft_info": map[string]string{"token_id": tokenID}}
	if err := c.smartQuery(ctx, contract, query, &info); err != nil {
		return nftMetadata{}, err
	}

	var meta nftMetadata
	var uri string
	if len(info.Extension) > 0 && info.Extension[0] == '{' {
		if err := json.Unmarshal(info.Extension, &meta); err != nil {
			return nftMetadata{}, err
		}
	} else if len(info.Extension) > 0 && info.Extension[0] == '"' {
		_ = json.Unmarshal(info.Extension, &uri)
	}
	if uri == "" && meta.Name == "" {
		uri = info.TokenURI
	}
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		resp, err := c.http.R().SetContext(ctx).ForceContentType("application/json").SetResult(&meta).Get(uri)
		if err != nil {
			return nftMetadata{}, err
		}
		if resp.IsError() {
			return nftMetadata{}, fmt.Errorf("metadata status %d", resp.StatusCode())
		}
	}
	return meta, nil
}
