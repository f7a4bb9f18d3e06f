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

package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossvault/go-crossvault/types"
)

func blockRef(chainID, number uint64, hash string) *types.BlockRef {
	return &types.BlockRef{ChainID: chainID, Number: number, Hash: hash, ParentHash: "0xparent"}
}

func TestAddUnprocessedReorgUpsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.AddUnprocessed(ctx, blockRef(1, 205, "0xh1"))
	require.NoError(t, err)
	assert.Equal(t, types.BlockPending, first.Status)

	// Same hash returns the existing row.
	again, err := m.AddUnprocessed(ctx, blockRef(1, 205, "0xh1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// Different hash reorgs the old row and inserts a fresh PENDING one.
	fork, err := m.AddUnprocessed(ctx, blockRef(1, 205, "0xh2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fork.ID)
	assert.Equal(t, types.BlockPending, fork.Status)

	stats, err := m.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reorged)
	assert.Equal(t, 1, stats.Pending, "at most one live row per height")
}

func TestLatestProcessedIsMonotone(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.LatestProcessed(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	for n := uint64(100); n <= 110; n++ {
		require.NoError(t, m.AddProcessed(ctx, blockRef(1, n, fmt.Sprintf("0x%x", n))))
		latest, err := m.LatestProcessed(ctx, 1)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, latest.Number, n)
	}

	// Replaying an old block does not move the cursor back.
	require.NoError(t, m.AddProcessed(ctx, blockRef(1, 100, "0x64")))
	latest, err := m.LatestProcessed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), latest.Number)
}

func TestBlocksToProcessRespectsRetryBudget(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	row, err := m.AddUnprocessed(ctx, blockRef(1, 7, "0xh"))
	require.NoError(t, err)
	for i := 0; i < MaxRetries; i++ {
		require.NoError(t, m.MarkFailed(ctx, row.ID, "rpc timeout"))
	}

	out, err := m.BlocksToProcess(ctx, 1, MaxRetries, 10)
	require.NoError(t, err)
	assert.Empty(t, out, "exhausted blocks are not handed out")

	wider, err := m.BlocksToProcess(ctx, 1, MaxRetries+1, 10)
	require.NoError(t, err)
	assert.Len(t, wider, 1, "a wider budget hands the block out again")
}

func TestMarkReorgedTouchesBothTables(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	row, err := m.AddUnprocessed(ctx, blockRef(1, 205, "0xh1"))
	require.NoError(t, err)
	require.NoError(t, m.MarkCompleted(ctx, row.ID))
	require.NoError(t, m.AddProcessed(ctx, blockRef(1, 205, "0xh1")))

	require.NoError(t, m.MarkReorged(ctx, 1, []uint64{205}))

	ok, err := m.IsProcessed(ctx, 1, 205)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = m.LatestProcessed(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertTransferDedup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	transfer := &types.NftTransfer{ChainID: 1, TxHash: "0xT1", BlockNumber: 100, TokenID: "1", From: "0xA", To: "0xB"}
	first, err := m.InsertTransfer(ctx, transfer)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := m.InsertTransfer(ctx, &types.NftTransfer{TxHash: "0xt1", BlockNumber: 100, TokenID: "1"})
	require.NoError(t, err)
	assert.False(t, second, "case-insensitive tx hash replay is dropped")

	all, err := m.Transfers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMarkIncludedRootIsImmutable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.InsertTransfer(ctx, &types.NftTransfer{TxHash: "0x1", BlockNumber: 10, TokenID: "1"})
	require.NoError(t, err)
	all, err := m.Transfers(ctx)
	require.NoError(t, err)
	id := all[0].ID

	require.NoError(t, m.MarkIncluded(ctx, []int64{id}, "0xroot1"))
	require.NoError(t, m.MarkIncluded(ctx, []int64{id}, "0xroot2"))

	all, err = m.Transfers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0xroot1", all[0].MerkleRoot)
	assert.True(t, all[0].IncludedInMerkle)
}

func TestMarkPublishedSuppressesDuplicates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	seen, err := m.IsPublished(ctx, 1, "0xAB")
	require.NoError(t, err)
	assert.False(t, seen)

	first, err := m.MarkPublished(ctx, 1, "0xAB")
	require.NoError(t, err)
	assert.True(t, first)

	seen, err = m.IsPublished(ctx, 1, "0xab")
	require.NoError(t, err)
	assert.True(t, seen, "lookup is case-insensitive")

	replay, err := m.MarkPublished(ctx, 1, "0xab")
	require.NoError(t, err)
	assert.False(t, replay)

	otherChain, err := m.MarkPublished(ctx, 2, "0xab")
	require.NoError(t, err)
	assert.True(t, otherChain, "uniqueness is per chain")
}

func TestPendingWithdrawalLookupIsPrimaryOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	w := &types.Withdrawal{Wallet: "0xA", RequestID: "0xreq", Status: types.WithdrawalPending}
	require.NoError(t, m.InsertWithdrawal(ctx, w))

	got, err := m.PendingWithdrawalByRequestID(ctx, "0xreq")
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)

	require.NoError(t, m.UpdateWithdrawalStatus(ctx, w.ID, types.WithdrawalCompleted))
	_, err = m.PendingWithdrawalByRequestID(ctx, "0xreq")
	assert.ErrorIs(t, err, ErrNotFound)
}
