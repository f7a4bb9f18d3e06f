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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("CHAIN_ID", "")
	t.Setenv("BLOCK_CONFIRMATIONS", "")
	t.Setenv("REDIS_HOST", "")
	t.Setenv("CHAINS_FILE", filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cfg.BlockConfirmations)
	assert.Equal(t, 10, cfg.IndexingBatchSize)
	assert.Equal(t, 2*time.Second, cfg.LatestBlockUpdateInterval)
	assert.Equal(t, time.Second, cfg.ContinuousIndexingInterval)
	assert.Equal(t, time.Minute, cfg.HealthCheckInterval)
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Nil(t, cfg.Chains)
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	t.Setenv("CHAIN_ID", "not-a-number")
	_, err := Load("")
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	db := DBConfig{Host: "db", Port: 5432, Username: "u", Password: "p", Name: "crossvault"}
	assert.Equal(t, "postgres://u:p@db:5432/crossvault?sslmode=disable", db.DSN())
	db.SSL = true
	assert.Equal(t, "postgres://u:p@db:5432/crossvault?sslmode=require", db.DSN())
}

func TestLoadChains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{
			"chainId": 80094,
			"name": "berachain",
			"relayerContract": "0x1111111111111111111111111111111111111111",
			"vaultContract": "0x2222222222222222222222222222222222222222",
			"withdrawHandler": "0x3333333333333333333333333333333333333333",
			"nftContract": "0x5555555555555555555555555555555555555abc",
			"lendingPools": {"dolomite": "0x4444444444444444444444444444444444444444"},
			"assets": [
				{"symbol": "WBERA", "address": "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "decimals": 18, "ltvPercent": 0},
				{"symbol": "USDC", "address": "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", "decimals": 6, "ltvPercent": 80}
			]
		}
	]`), 0o600))

	set, err := LoadChains(path)
	require.NoError(t, err)

	c, ok := set.Chain(80094)
	require.True(t, ok)
	assert.Equal(t, "berachain", c.Name)
	assert.Equal(t, []uint64{80094}, set.ChainIDs())

	assert.True(t, c.TracksNFT("0x5555555555555555555555555555555555555abc"))
	assert.True(t, c.TracksNFT("0x5555555555555555555555555555555555555ABC"), "comparison ignores case")
	assert.False(t, c.TracksNFT("0x6666666666666666666666666666666666666666"))

	unscoped := &Chain{ChainID: 1}
	assert.True(t, unscoped.TracksNFT("0x6666666666666666666666666666666666666666"), "no configured collection accepts any contract")

	// Address lookup ignores case.
	usdc, ok := set.Asset(80094, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.True(t, ok)
	assert.Equal(t, "USDC", usdc.Symbol)
	assert.Equal(t, "0.8", usdc.LTVRatio().String())

	wbera, ok := set.Asset(80094, "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.True(t, ok)
	assert.True(t, wbera.LTVRatio().IsZero())

	_, ok = set.Asset(80094, "0xcccccccccccccccccccccccccccccccccccccccc")
	assert.False(t, ok)
}
