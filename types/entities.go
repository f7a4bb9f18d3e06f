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

// Package types holds the canonical data model shared by the indexer and the
// consumer: filtered transactions, channel messages, block bookkeeping rows
// and the collateral ledger entities.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// USDScale is the fixed number of fractional digits used for every USD
// amount in the system. Values are rounded to this scale at each boundary
// so that repeated additions cannot drift.
const USDScale = 8

// USD rounds d to the canonical USD scale.
func USD(d decimal.Decimal) decimal.Decimal {
	return d.Round(USDScale)
}

// BlockStatus is the lifecycle state of an unprocessed block row.
type BlockStatus string

const (
	BlockPending    BlockStatus = "PENDING"
	BlockProcessing BlockStatus = "PROCESSING"
	BlockCompleted  BlockStatus = "COMPLETED"
	BlockFailed     BlockStatus = "FAILED"
	BlockReorged    BlockStatus = "REORGED"
)

// BlockRef carries the identifying fields of an observed block. It is what
// the indexer hands to the block ledger; the raw header is kept as opaque
// JSON for operator inspection.
type BlockRef struct {
	ChainID    uint64
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  uint64
	Raw        []byte
}

// UnprocessedBlock is a work-queue row. For any (chainID, number) at most
// one row is in a state other than REORGED.
type UnprocessedBlock struct {
	ID         int64
	ChainID    uint64
	Number     uint64
	Hash       string
	ParentHash string
	Status     BlockStatus
	RetryCount int
	ErrorMsg   string
	Raw        []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProcessedBlock is the progress marker used to resume indexing. The latest
// processed block of a chain is max(Number) over rows with IsReorged false.
type ProcessedBlock struct {
	ID         int64
	ChainID    uint64
	Number     uint64
	Hash       string
	ParentHash string
	Raw        []byte
	IsReorged  bool
	CreatedAt  time.Time
}

// BlockStats summarizes the block ledger for one chain.
type BlockStats struct {
	ChainID    uint64
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Reorged    int
	Processed  int
	Latest     uint64
}

// NftTransfer is one observed ERC721 Transfer. TxHash is unique; once
// IncludedInMerkle is set the MerkleRoot field is immutable.
type NftTransfer struct {
	ID               int64
	ChainID          uint64
	TxHash           string
	BlockNumber      uint64
	BlockHash        string
	LogIndex         uint
	TokenAddress     string
	TokenID          string
	From             string
	To               string
	Timestamp        uint64
	IncludedInMerkle bool
	MerkleRoot       string
}

// User is a collateral ledger account. Invariant (checked in tests):
// FloatingUSD = TotalUSD - BorrowedUSD - sum of pending withdrawals.
type User struct {
	ID          int64
	Wallet      string // always lowercase
	TotalUSD    decimal.Decimal
	FloatingUSD decimal.Decimal
	BorrowedUSD decimal.Decimal
}

// WithdrawalStatus tracks a withdrawal request through completion.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "PENDING"
	WithdrawalCompleted WithdrawalStatus = "COMPLETED"
	WithdrawalRejected  WithdrawalStatus = "REJECTED"
)

// BorrowStatus tracks an open loan.
type BorrowStatus string

const (
	BorrowActive BorrowStatus = "ACTIVE"
	BorrowRepaid BorrowStatus = "REPAID"
)

// Deposit records one vault deposit, valued at observation time.
type Deposit struct {
	ID       int64
	Wallet   string
	ChainID  uint64
	TxHash   string
	Asset    string
	Vault    string
	Amount   decimal.Decimal
	TokenID  string
	USDValue decimal.Decimal
	At       time.Time
}

// Withdrawal records one withdrawal request and its outcome.
type Withdrawal struct {
	ID        int64
	Wallet    string
	ChainID   uint64
	RequestID string
	Asset     string
	Amount    decimal.Decimal
	TokenID   string
	USDValue  decimal.Decimal
	Status    WithdrawalStatus
	At        time.Time
}

// Borrow records one active or repaid loan against an NFT position.
type Borrow struct {
	ID          int64
	Wallet      string
	ChainID     uint64
	RequestID   string
	TokenID     string
	Protocol    string
	Asset       string
	Amount      decimal.Decimal
	USDValue    decimal.Decimal
	Status      BorrowStatus
	LoanStart   time.Time
	LoanEndDate *time.Time
}

// VaultEventType discriminates decoded vault events.
type VaultEventType string

const (
	VaultDeposit         VaultEventType = "DEPOSIT"
	VaultWithdrawRequest VaultEventType = "WITHDRAW_REQUEST"
	VaultWithdraw        VaultEventType = "WITHDRAW"
)

// VaultEvent is a decoded vault log, persisted for idempotence.
type VaultEvent struct {
	ID        int64
	Type      VaultEventType
	ChainID   uint64
	TxHash    string
	LogIndex  uint
	Sender    string
	Asset     string
	Vault     string
	Amount    decimal.Decimal
	TokenID   string
	RequestID string
	USDValue  decimal.Decimal
	Timestamp uint64
}

// DedupKey is the natural key used to drop replayed vault events.
func (e *VaultEvent) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", e.TxHash, e.Type, e.TokenID, strings.ToLower(e.Asset))
}

// RelayerEventType discriminates decoded relayer events.
type RelayerEventType string

const (
	CollateralRequest RelayerEventType = "COLLATERAL_REQUEST"
	CollateralProcess RelayerEventType = "COLLATERAL_PROCESS"
	Repay             RelayerEventType = "REPAY"
)

// RequestStatus is the relayer-side outcome of a collateral request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
)

// RelayerEvent is a decoded relayer log, persisted for idempotence and for
// correlating COLLATERAL_PROCESS with its COLLATERAL_REQUEST.
type RelayerEvent struct {
	ID            int64
	Type          RelayerEventType
	RequestID     string
	ChainID       uint64
	TokenID       string
	Protocol      string
	Asset         string
	Sender        string
	Amount        decimal.Decimal
	USDValue      decimal.Decimal
	Deadline      uint64
	Data          []byte
	Signature     []byte
	Status        RequestStatus
	ErrorData     []byte
	ProcessTxHash string
	Timestamp     uint64
}

// DedupKey is the natural key used to drop replayed relayer events.
func (e *RelayerEvent) DedupKey() string {
	return fmt.Sprintf("%s|%d|%s", e.RequestID, e.ChainID, e.Type)
}
