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

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Asset is one entry of a chain's asset table. LTVPercent zero means no
// LTV is configured for the asset; it then contributes value but no
// borrowing capacity.
type Asset struct {
	Symbol     string `json:"symbol"`
	Address    string `json:"address"`
	Decimals   int32  `json:"decimals"`
	LTVPercent int    `json:"ltvPercent"`
}

// LTVRatio returns LTVPercent as a fraction.
func (a *Asset) LTVRatio() decimal.Decimal {
	return decimal.New(int64(a.LTVPercent), -2)
}

// Chain is the static description of one configured chain: contract
// addresses the consumer writes to and the assets it values.
type Chain struct {
	ChainID         uint64            `json:"chainId"`
	Name            string            `json:"name"`
	RPCURL          string            `json:"rpcUrl"`
	WSURL           string            `json:"wsUrl,omitempty"`
	RelayerContract string            `json:"relayerContract"`
	VaultContract   string            `json:"vaultContract"`
	WithdrawHandler string            `json:"withdrawHandler"`
	NFTContract     string            `json:"nftContract"`            // collection tracked by the ownership tree
	LendingPools    map[string]string `json:"lendingPools,omitempty"` // protocol name -> pool contract
	Assets          []Asset           `json:"assets"`
}

// TracksNFT reports whether address belongs to the chain's tracked
// collection. With no collection configured every contract is accepted.
func (c *Chain) TracksNFT(address string) bool {
	return c.NFTContract == "" || strings.EqualFold(c.NFTContract, address)
}

// ChainSet indexes the chain table by id and by (chainId, asset address).
type ChainSet struct {
	chains map[uint64]*Chain
	assets map[uint64]map[string]*Asset
}

// NewChainSet builds the lookup indexes. Asset addresses are matched
// case-insensitively.
func NewChainSet(chains []*Chain) *ChainSet {
	s := &ChainSet{
		chains: make(map[uint64]*Chain, len(chains)),
		assets: make(map[uint64]map[string]*Asset, len(chains)),
	}
	for _, c := range chains {
		s.chains[c.ChainID] = c
		byAddr := make(map[string]*Asset, len(c.Assets))
		for i := range c.Assets {
			byAddr[strings.ToLower(c.Assets[i].Address)] = &c.Assets[i]
		}
		s.assets[c.ChainID] = byAddr
	}
	return s
}

// LoadChains reads the JSON chain table from path.
func LoadChains(path string) (*ChainSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain table: %w", err)
	}
	var chains []*Chain
	if err := json.Unmarshal(raw, &chains); err != nil {
		return nil, fmt.Errorf("parse chain table %s: %w", path, err)
	}
	return NewChainSet(chains), nil
}

// Chain returns the configuration of one chain.
func (s *ChainSet) Chain(chainID uint64) (*Chain, bool) {
	c, ok := s.chains[chainID]
	return c, ok
}

// Asset resolves an asset by contract address on one chain.
func (s *ChainSet) Asset(chainID uint64, address string) (*Asset, bool) {
	byAddr, ok := s.assets[chainID]
	if !ok {
		return nil, false
	}
	a, ok := byAddr[strings.ToLower(address)]
	return a, ok
}

// ChainIDs returns the configured chain ids in ascending order.
func (s *ChainSet) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(s.chains))
	for id := range s.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
