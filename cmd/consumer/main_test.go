// Copyright 2025 The go-crossvault Authors
// This file is part of go-crossvault.
//
// go-crossvault is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-crossvault is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-crossvault. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossvault/go-crossvault/config"
	"github.com/crossvault/go-crossvault/merkle"
	"github.com/crossvault/go-crossvault/store"
	"github.com/crossvault/go-crossvault/types"
)

type noopSubmitter struct{}

func (noopSubmitter) UpdateNFTOwnershipRoot(ctx context.Context, chainID uint64, root common.Hash) error {
	return nil
}

const (
	trackedNFT = "0x1111111111111111111111111111111111111111"
	otherNFT   = "0x2222222222222222222222222222222222222222"
)

func transferLog(contract, tokenID string, index uint) types.Log {
	return types.Log{
		Address: contract,
		Topics: []string{
			types.TopicERC721Transfer.Hex(),
			common.HexToHash("0xaa").Hex(), // from
			common.HexToHash("0xbb").Hex(), // to
			common.HexToHash(tokenID).Hex(),
		},
		Index: index,
	}
}

// Ownership leaves key on tokenId alone, so a transfer of a foreign
// collection sharing the id must never reach the tree.
func TestHandleTransfersScopedToConfiguredCollection(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	engine := merkle.NewEngine(st, noopSubmitter{}, nil, nil)
	require.NoError(t, engine.Load(ctx))

	chains := config.NewChainSet([]*config.Chain{
		{ChainID: 1, Name: "testchain", NFTContract: trackedNFT},
	})

	msg := &types.Message{
		Transaction: types.FilteredTransaction{
			ChainID:     1,
			BlockNumber: 10,
			Hash:        "0xt1",
			Logs: []types.Log{
				transferLog(otherNFT, "0x07", 0), // same tokenId, foreign collection
				transferLog(trackedNFT, "0x07", 1),
			},
		},
		Metadata: types.Metadata{ChainID: 1, TxHash: "0xt1", BlockNumber: 10},
	}
	require.NoError(t, handleTransfers(ctx, engine, chains, msg))

	transfers, err := st.Transfers(ctx)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, trackedNFT, transfers[0].TokenAddress)
	assert.Equal(t, "7", transfers[0].TokenID)
}

func TestHandleTransfersDropsUnknownChain(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	engine := merkle.NewEngine(st, noopSubmitter{}, nil, nil)
	require.NoError(t, engine.Load(ctx))

	chains := config.NewChainSet([]*config.Chain{
		{ChainID: 1, Name: "testchain", NFTContract: trackedNFT},
	})

	msg := &types.Message{
		Transaction: types.FilteredTransaction{
			ChainID:     99,
			BlockNumber: 10,
			Hash:        "0xt2",
			Logs:        []types.Log{transferLog(trackedNFT, "0x08", 0)},
		},
		Metadata: types.Metadata{ChainID: 99, TxHash: "0xt2", BlockNumber: 10},
	}
	require.NoError(t, handleTransfers(ctx, engine, chains, msg))

	transfers, err := st.Transfers(ctx)
	require.NoError(t, err)
	assert.Empty(t, transfers)
}
