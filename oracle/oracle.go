// Copyright 2025 The go-crossvault Authors
// This file is part of the go-crossvault library.
//
// The go-crossvault library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-crossvault library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-crossvault library. If not, see <http://www.gnu.org/licenses/>.

// Package oracle values token amounts in USD. The Alchemy implementation
// resolves per-asset symbols and decimals through the chain table and keeps
// prices in a short-lived cache.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"

	"github.com/crossvault/go-crossvault/config"
	"github.com/crossvault/go-crossvault/types"
)

// PriceOracle values a raw token amount (base units) in USD.
type PriceOracle interface {
	Value(ctx context.Context, chainID uint64, token string, amount decimal.Decimal) (decimal.Decimal, error)
}

var (
	// ErrUnknownAsset means the token is absent from the chain table.
	ErrUnknownAsset = fmt.Errorf("oracle: unknown asset")
	// ErrNoPrice means the upstream returned no USD price for the symbol.
	// A missing price is an error, never a zero value.
	ErrNoPrice = fmt.Errorf("oracle: no price")
)

const (
	defaultBaseURL = "https://api.g.alchemy.com/prices/v1"
	priceTTL       = 30 * time.Second
	cacheSize      = 256
	requestTimeout = 10 * time.Second
)

// Alchemy is the PriceOracle backed by the Alchemy token prices API.
type Alchemy struct {
	apiKey  string
	baseURL string
	chains  *config.ChainSet
	httpc   *http.Client
	cache   *expirable.LRU[string, decimal.Decimal]
	log     log.Logger
}

// NewAlchemy builds the oracle. The chain table supplies symbol and
// decimals per asset address.
func NewAlchemy(apiKey string, chains *config.ChainSet) *Alchemy {
	return &Alchemy{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		chains:  chains,
		httpc:   &http.Client{Timeout: requestTimeout},
		cache:   expirable.NewLRU[string, decimal.Decimal](cacheSize, nil, priceTTL),
		log:     log.New("module", "oracle"),
	}
}

// WithBaseURL points the oracle at a different endpoint. Used by tests.
func (o *Alchemy) WithBaseURL(u string) *Alchemy {
	o.baseURL = u
	return o
}

// Value converts amount base units of token on chainID into USD at the
// current price, rounded to the canonical scale.
func (o *Alchemy) Value(ctx context.Context, chainID uint64, token string, amount decimal.Decimal) (decimal.Decimal, error) {
	asset, ok := o.chains.Asset(chainID, token)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s on chain %d", ErrUnknownAsset, token, chainID)
	}
	price, err := o.price(ctx, asset.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	units := amount.Shift(-asset.Decimals)
	return types.USD(units.Mul(price)), nil
}

// priceResponse is the by-symbol response shape of the prices API.
type priceResponse struct {
	Data []struct {
		Symbol string `json:"symbol"`
		Prices []struct {
			Currency string `json:"currency"`
			Value    string `json:"value"`
		} `json:"prices"`
		Error string `json:"error"`
	} `json:"data"`
}

func (o *Alchemy) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p, ok := o.cache.Get(symbol); ok {
		return p, nil
	}

	endpoint := fmt.Sprintf("%s/%s/tokens/by-symbol?symbols=%s",
		o.baseURL, o.apiKey, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpc.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price request %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price request %s: status %d", symbol, resp.StatusCode)
	}

	var parsed priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return decimal.Zero, fmt.Errorf("price response %s: %w", symbol, err)
	}
	for _, entry := range parsed.Data {
		if entry.Symbol != symbol {
			continue
		}
		if entry.Error != "" {
			return decimal.Zero, fmt.Errorf("%w: %s: %s", ErrNoPrice, symbol, entry.Error)
		}
		for _, p := range entry.Prices {
			if p.Currency != "usd" {
				continue
			}
			price, err := decimal.NewFromString(p.Value)
			if err != nil {
				return decimal.Zero, fmt.Errorf("price response %s: %w", symbol, err)
			}
			o.cache.Add(symbol, price)
			return price, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
}
