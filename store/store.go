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

// Package store defines the persistence interfaces of the pipeline and
// provides a postgres implementation plus an in-memory one for tests and
// dev runs. Ownership is split by writer: the indexer writes block rows,
// the merkle engine writes transfer inclusion fields, the collateral
// ledger writes user/deposit/withdrawal/borrow rows.
package store

import (
	"context"
	"errors"

	"github.com/crossvault/go-crossvault/types"
)

// MaxRetries is the default retry budget of a failed block; above it the
// block is not handed out by BlocksToProcess until externally reset.
const MaxRetries = 5

var (
	// ErrNotFound is returned for lookups with no matching row.
	ErrNotFound = errors.New("store: not found")
	// ErrImmutable is returned when a write would change a field that has
	// become immutable, such as the merkle root of an included transfer.
	ErrImmutable = errors.New("store: immutable field")
)

// BlockLedger is the durable per-chain block bookkeeping used by the
// indexer: the unprocessed work queue with reorg states and the processed
// progress markers.
type BlockLedger interface {
	// AddUnprocessed upserts a work-queue row for the block. If a live row
	// exists for the same (chain, number) with a different hash it is
	// marked REORGED and a fresh PENDING row is inserted; with the same
	// hash the existing row is returned.
	AddUnprocessed(ctx context.Context, b *types.BlockRef) (*types.UnprocessedBlock, error)
	MarkProcessing(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64) error
	// MarkFailed records the error and increments the retry counter.
	MarkFailed(ctx context.Context, id int64, msg string) error
	// MarkReorged marks every live row at the given heights REORGED, in
	// both the work queue and the processed markers.
	MarkReorged(ctx context.Context, chainID uint64, numbers []uint64) error

	AddProcessed(ctx context.Context, b *types.BlockRef) error
	// LatestProcessed returns the highest non-reorged processed block, or
	// ErrNotFound for a fresh chain.
	LatestProcessed(ctx context.Context, chainID uint64) (*types.ProcessedBlock, error)
	ProcessedByNumber(ctx context.Context, chainID, number uint64) (*types.ProcessedBlock, error)
	IsProcessed(ctx context.Context, chainID, number uint64) (bool, error)
	// BlocksToProcess returns PENDING and FAILED rows under the given
	// retry budget, oldest block first.
	BlocksToProcess(ctx context.Context, chainID uint64, maxRetries, limit int) ([]*types.UnprocessedBlock, error)
	Stats(ctx context.Context, chainID uint64) (*types.BlockStats, error)
}

// ProcessedTxStore suppresses duplicate publication downstream of the
// indexer via (chainID, txHash) uniqueness. The indexer records a hash
// only after the message went out, so delivery is at-least-once.
type ProcessedTxStore interface {
	// IsPublished reports whether the hash was recorded before.
	IsPublished(ctx context.Context, chainID uint64, txHash string) (bool, error)
	// MarkPublished records the hash; it reports true the first time and
	// false on replays.
	MarkPublished(ctx context.Context, chainID uint64, txHash string) (bool, error)
}

// TransferStore is the durable sequence of observed NFT transfers.
type TransferStore interface {
	// InsertTransfer appends a transfer; replays of the same txHash are
	// dropped and reported false.
	InsertTransfer(ctx context.Context, t *types.NftTransfer) (bool, error)
	// Transfers returns all transfers ordered by block number, then log
	// index, then insertion.
	Transfers(ctx context.Context) ([]*types.NftTransfer, error)
	// TransfersUpTo is Transfers bounded by block number inclusive.
	TransfersUpTo(ctx context.Context, blockNumber uint64) ([]*types.NftTransfer, error)
	// PendingInclusion returns transfers not yet folded into a root.
	PendingInclusion(ctx context.Context) ([]*types.NftTransfer, error)
	// MarkIncluded stamps the given transfers with the root. Stamped rows
	// are immutable afterwards.
	MarkIncluded(ctx context.Context, ids []int64, root string) error
	// LatestRooted returns the most recent transfer carrying a root, or
	// ErrNotFound before the first root.
	LatestRooted(ctx context.Context) (*types.NftTransfer, error)
}

// LedgerStore persists the collateral ledger entities.
type LedgerStore interface {
	// UpsertUser returns the user row for the wallet, creating a zeroed
	// one if absent. Wallets are stored lowercase.
	UpsertUser(ctx context.Context, wallet string) (*types.User, error)
	GetUser(ctx context.Context, wallet string) (*types.User, error)
	UpdateUserBalances(ctx context.Context, u *types.User) error

	// InsertVaultEvent and InsertRelayerEvent persist decoded events,
	// reporting false when the dedup key was already seen.
	InsertVaultEvent(ctx context.Context, e *types.VaultEvent) (bool, error)
	InsertRelayerEvent(ctx context.Context, e *types.RelayerEvent) (bool, error)
	GetRelayerEvent(ctx context.Context, requestID string, chainID uint64, typ types.RelayerEventType) (*types.RelayerEvent, error)
	UpdateRelayerEvent(ctx context.Context, e *types.RelayerEvent) error
	PendingRelayerEvents(ctx context.Context) ([]*types.RelayerEvent, error)

	InsertDeposit(ctx context.Context, d *types.Deposit) error
	DepositsByWallet(ctx context.Context, wallet string) ([]*types.Deposit, error)
	DepositsByToken(ctx context.Context, tokenID string) ([]*types.Deposit, error)
	HasDeposit(ctx context.Context, wallet, tokenID string) (bool, error)

	InsertWithdrawal(ctx context.Context, w *types.Withdrawal) error
	WithdrawalsByWallet(ctx context.Context, wallet string) ([]*types.Withdrawal, error)
	PendingWithdrawalByRequestID(ctx context.Context, requestID string) (*types.Withdrawal, error)
	UpdateWithdrawalStatus(ctx context.Context, id int64, status types.WithdrawalStatus) error

	InsertBorrow(ctx context.Context, b *types.Borrow) error
	BorrowsByWallet(ctx context.Context, wallet string) ([]*types.Borrow, error)
	ActiveBorrowsByToken(ctx context.Context, tokenID string) ([]*types.Borrow, error)
	UpdateBorrow(ctx context.Context, b *types.Borrow) error
}

// Store is the full persistence surface.
type Store interface {
	BlockLedger
	ProcessedTxStore
	TransferStore
	LedgerStore

	// Init creates tables and unique keys; failure at startup is fatal.
	Init(ctx context.Context) error
	Close() error
}
