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

package merkle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossvault/go-crossvault/store"
	"github.com/crossvault/go-crossvault/types"
)

const (
	ownerA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	ownerB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	zero   = "0x0000000000000000000000000000000000000000"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	roots   map[uint64][]common.Hash
	failFor map[uint64]error
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{roots: make(map[uint64][]common.Hash), failFor: make(map[uint64]error)}
}

func (s *fakeSubmitter) UpdateNFTOwnershipRoot(ctx context.Context, chainID uint64, root common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[chainID]; err != nil {
		return err
	}
	s.roots[chainID] = append(s.roots[chainID], root)
	return nil
}

func transfer(txHash string, block uint64, logIndex uint, tokenID, from, to string) *types.NftTransfer {
	return &types.NftTransfer{
		ChainID: 1, TxHash: txHash, BlockNumber: block, LogIndex: logIndex,
		TokenAddress: "0xnft", TokenID: tokenID, From: from, To: to, Timestamp: 1700000000,
	}
}

func TestSnapshotFold(t *testing.T) {
	transfers := []*types.NftTransfer{
		transfer("0x1", 100, 0, "1", zero, ownerA),
		transfer("0x2", 101, 0, "2", zero, ownerA),
		transfer("0x3", 102, 0, "1", ownerA, ownerB), // later block wins
		transfer("0x4", 102, 1, "2", ownerA, ownerB), // same block, later log index wins
		transfer("0x5", 102, 0, "2", ownerA, ownerA),
	}
	snap := Snapshot(transfers)
	assert.Equal(t, ownerB, snap["1"])
	assert.Equal(t, ownerB, snap["2"])
}

func TestMintThenProof(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sub := newFakeSubmitter()
	engine := NewEngine(mem, sub, []uint64{1, 137}, nil)
	require.NoError(t, engine.Load(ctx))

	require.NoError(t, engine.HandleTransfer(ctx, transfer("0xmint", 100, 0, "1", zero, ownerA)))

	root, ok := engine.LatestRoot()
	require.True(t, ok)

	// Root was fanned out to every configured chain.
	require.Len(t, sub.roots[1], 1)
	require.Len(t, sub.roots[137], 1)
	assert.Equal(t, root, sub.roots[1][0])

	proof, err := engine.GetProof(ctx, ownerA, "1")
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.True(t, proof.Verified)
	assert.Equal(t, root, proof.Root)

	// The wrong owner gets no proof.
	none, err := engine.GetProof(ctx, ownerB, "1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestTransferStampsPendingRows(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	engine := NewEngine(mem, newFakeSubmitter(), []uint64{1}, nil)
	require.NoError(t, engine.Load(ctx))

	require.NoError(t, engine.HandleTransfer(ctx, transfer("0x1", 100, 0, "1", zero, ownerA)))
	all, err := mem.Transfers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IncludedInMerkle)
	first := all[0].MerkleRoot
	assert.NotEmpty(t, first)

	// A second transfer produces a new root but never rewrites the first
	// transfer's stamp.
	require.NoError(t, engine.HandleTransfer(ctx, transfer("0x2", 101, 0, "2", zero, ownerB)))
	all, err = mem.Transfers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].MerkleRoot)
	assert.NotEqual(t, first, all[1].MerkleRoot)
}

func TestReplayedTransferIsDropped(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sub := newFakeSubmitter()
	engine := NewEngine(mem, sub, []uint64{1}, nil)
	require.NoError(t, engine.Load(ctx))

	mint := transfer("0xmint", 100, 0, "1", zero, ownerA)
	require.NoError(t, engine.HandleTransfer(ctx, mint))
	require.NoError(t, engine.HandleTransfer(ctx, mint))

	all, err := mem.Transfers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "replay must not create a second row")
	assert.Len(t, sub.roots[1], 1, "replay must not resubmit a root")
}

func TestSubmitFailureDoesNotBlockOtherChains(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sub := newFakeSubmitter()
	sub.failFor[1] = errors.New("nonce too low")
	engine := NewEngine(mem, sub, []uint64{1, 137}, nil)
	require.NoError(t, engine.Load(ctx))

	require.NoError(t, engine.HandleTransfer(ctx, transfer("0x1", 100, 0, "1", zero, ownerA)))
	assert.Empty(t, sub.roots[1])
	assert.Len(t, sub.roots[137], 1)

	_, ok := engine.LatestRoot()
	assert.True(t, ok, "a failed submission must not clobber the computed root")
}

func TestVerifyOwnership(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	engine := NewEngine(mem, newFakeSubmitter(), []uint64{1}, nil)
	require.NoError(t, engine.Load(ctx))

	ok, err := engine.VerifyOwnership(ctx, ownerA, "1", false)
	require.NoError(t, err)
	assert.False(t, ok, "no root, no fallback")

	require.NoError(t, engine.HandleTransfer(ctx, transfer("0x1", 100, 0, "1", zero, ownerA)))

	ok, err = engine.VerifyOwnership(ctx, ownerA, "1", false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = engine.VerifyOwnership(ctx, ownerB, "1", false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyOwnershipDepositFallback(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.InsertDeposit(ctx, &types.Deposit{Wallet: ownerA, TokenID: "7"}))
	engine := NewEngine(mem, newFakeSubmitter(), []uint64{1}, mem)
	require.NoError(t, engine.Load(ctx))

	// No root yet: only the explicit fallback accepts the deposit.
	ok, err := engine.VerifyOwnership(ctx, ownerA, "7", true)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = engine.VerifyOwnership(ctx, ownerA, "7", false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngineLoadResumesFromStore(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	engine := NewEngine(mem, newFakeSubmitter(), []uint64{1}, nil)
	require.NoError(t, engine.Load(ctx))
	for i := 0; i < 5; i++ {
		tokenID := fmt.Sprintf("%d", i+1)
		require.NoError(t, engine.HandleTransfer(ctx, transfer(fmt.Sprintf("0x%d", i), uint64(100+i), 0, tokenID, zero, ownerA)))
	}
	root, ok := engine.LatestRoot()
	require.True(t, ok)

	// A fresh engine over the same store reconstructs the same root.
	fresh := NewEngine(mem, newFakeSubmitter(), []uint64{1}, nil)
	require.NoError(t, fresh.Load(ctx))
	resumed, ok := fresh.LatestRoot()
	require.True(t, ok)
	assert.Equal(t, root, resumed)

	proof, err := fresh.GetProof(ctx, ownerA, "3")
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.True(t, proof.Verified)
}
