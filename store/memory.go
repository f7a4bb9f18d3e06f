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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossvault/go-crossvault/types"
)

// Memory is an in-memory Store. It backs the test suites and the dev run
// mode; semantics mirror the postgres implementation.
type Memory struct {
	mu sync.Mutex

	nextID      int64
	unprocessed []*types.UnprocessedBlock
	processed   []*types.ProcessedBlock
	published   map[string]struct{} // chainID|txHash

	transfers []*types.NftTransfer

	users       map[string]*types.User
	vaultKeys   map[string]struct{}
	relayerEvts []*types.RelayerEvent
	deposits    []*types.Deposit
	withdrawals []*types.Withdrawal
	borrows     []*types.Borrow
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		published: make(map[string]struct{}),
		users:     make(map[string]*types.User),
		vaultKeys: make(map[string]struct{}),
	}
}

func (m *Memory) Init(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// --- BlockLedger ---

func (m *Memory) AddUnprocessed(ctx context.Context, b *types.BlockRef) (*types.UnprocessedBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.unprocessed {
		if row.ChainID != b.ChainID || row.Number != b.Number || row.Status == types.BlockReorged {
			continue
		}
		if row.Hash == b.Hash {
			cp := *row
			return &cp, nil
		}
		row.Status = types.BlockReorged
		row.UpdatedAt = time.Now()
	}
	row := &types.UnprocessedBlock{
		ID:         m.id(),
		ChainID:    b.ChainID,
		Number:     b.Number,
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Status:     types.BlockPending,
		Raw:        b.Raw,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	m.unprocessed = append(m.unprocessed, row)
	cp := *row
	return &cp, nil
}

func (m *Memory) setStatus(id int64, status types.BlockStatus, msg string, bumpRetry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.unprocessed {
		if row.ID == id {
			row.Status = status
			row.ErrorMsg = msg
			if bumpRetry {
				row.RetryCount++
			}
			row.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) MarkProcessing(ctx context.Context, id int64) error {
	return m.setStatus(id, types.BlockProcessing, "", false)
}

func (m *Memory) MarkCompleted(ctx context.Context, id int64) error {
	return m.setStatus(id, types.BlockCompleted, "", false)
}

func (m *Memory) MarkFailed(ctx context.Context, id int64, msg string) error {
	return m.setStatus(id, types.BlockFailed, msg, true)
}

func (m *Memory) MarkReorged(ctx context.Context, chainID uint64, numbers []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[uint64]struct{}, len(numbers))
	for _, n := range numbers {
		set[n] = struct{}{}
	}
	for _, row := range m.unprocessed {
		if row.ChainID != chainID {
			continue
		}
		if _, hit := set[row.Number]; hit && row.Status != types.BlockReorged {
			row.Status = types.BlockReorged
			row.UpdatedAt = time.Now()
		}
	}
	for _, row := range m.processed {
		if row.ChainID != chainID {
			continue
		}
		if _, hit := set[row.Number]; hit {
			row.IsReorged = true
		}
	}
	return nil
}

func (m *Memory) AddProcessed(ctx context.Context, b *types.BlockRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.processed {
		if row.ChainID == b.ChainID && row.Number == b.Number && !row.IsReorged {
			if row.Hash == b.Hash {
				return nil
			}
			row.IsReorged = true
		}
	}
	m.processed = append(m.processed, &types.ProcessedBlock{
		ID:         m.id(),
		ChainID:    b.ChainID,
		Number:     b.Number,
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Raw:        b.Raw,
		CreatedAt:  time.Now(),
	})
	return nil
}

func (m *Memory) LatestProcessed(ctx context.Context, chainID uint64) (*types.ProcessedBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *types.ProcessedBlock
	for _, row := range m.processed {
		if row.ChainID != chainID || row.IsReorged {
			continue
		}
		if best == nil || row.Number > best.Number {
			best = row
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) ProcessedByNumber(ctx context.Context, chainID, number uint64) (*types.ProcessedBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.processed {
		if row.ChainID == chainID && row.Number == number && !row.IsReorged {
			cp := *row
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) IsProcessed(ctx context.Context, chainID, number uint64) (bool, error) {
	_, err := m.ProcessedByNumber(ctx, chainID, number)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (m *Memory) BlocksToProcess(ctx context.Context, chainID uint64, maxRetries, limit int) ([]*types.UnprocessedBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	var out []*types.UnprocessedBlock
	for _, row := range m.unprocessed {
		if row.ChainID != chainID {
			continue
		}
		eligible := row.Status == types.BlockPending ||
			(row.Status == types.BlockFailed && row.RetryCount < maxRetries)
		if eligible {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Stats(ctx context.Context, chainID uint64) (*types.BlockStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &types.BlockStats{ChainID: chainID}
	for _, row := range m.unprocessed {
		if row.ChainID != chainID {
			continue
		}
		switch row.Status {
		case types.BlockPending:
			stats.Pending++
		case types.BlockProcessing:
			stats.Processing++
		case types.BlockCompleted:
			stats.Completed++
		case types.BlockFailed:
			stats.Failed++
		case types.BlockReorged:
			stats.Reorged++
		}
	}
	for _, row := range m.processed {
		if row.ChainID != chainID || row.IsReorged {
			continue
		}
		stats.Processed++
		if row.Number > stats.Latest {
			stats.Latest = row.Number
		}
	}
	return stats, nil
}

// --- ProcessedTxStore ---

func (m *Memory) IsPublished(ctx context.Context, chainID uint64, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, seen := m.published[fmt.Sprintf("%d|%s", chainID, strings.ToLower(txHash))]
	return seen, nil
}

func (m *Memory) MarkPublished(ctx context.Context, chainID uint64, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d|%s", chainID, strings.ToLower(txHash))
	if _, seen := m.published[key]; seen {
		return false, nil
	}
	m.published[key] = struct{}{}
	return true, nil
}

// --- TransferStore ---

func (m *Memory) InsertTransfer(ctx context.Context, t *types.NftTransfer) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.transfers {
		if strings.EqualFold(existing.TxHash, t.TxHash) {
			return false, nil
		}
	}
	cp := *t
	cp.ID = m.id()
	cp.From = strings.ToLower(cp.From)
	cp.To = strings.ToLower(cp.To)
	m.transfers = append(m.transfers, &cp)
	return true, nil
}

func (m *Memory) transfersLocked(maxBlock uint64) []*types.NftTransfer {
	var out []*types.NftTransfer
	for _, t := range m.transfers {
		if maxBlock > 0 && t.BlockNumber > maxBlock {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		if out[i].LogIndex != out[j].LogIndex {
			return out[i].LogIndex < out[j].LogIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) Transfers(ctx context.Context) ([]*types.NftTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfersLocked(0), nil
}

func (m *Memory) TransfersUpTo(ctx context.Context, blockNumber uint64) ([]*types.NftTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfersLocked(blockNumber), nil
}

func (m *Memory) PendingInclusion(ctx context.Context) ([]*types.NftTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.NftTransfer
	for _, t := range m.transfersLocked(0) {
		if !t.IncludedInMerkle {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) MarkIncluded(ctx context.Context, ids []int64, root string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for _, t := range m.transfers {
		if _, hit := set[t.ID]; !hit {
			continue
		}
		if t.IncludedInMerkle {
			// Root is immutable once set.
			continue
		}
		t.IncludedInMerkle = true
		t.MerkleRoot = root
	}
	return nil
}

func (m *Memory) LatestRooted(ctx context.Context) (*types.NftTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ordered := m.transfersLocked(0)
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].MerkleRoot != "" {
			return ordered[i], nil
		}
	}
	return nil, ErrNotFound
}

// --- LedgerStore ---

func (m *Memory) UpsertUser(ctx context.Context, wallet string) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet = strings.ToLower(wallet)
	u, ok := m.users[wallet]
	if !ok {
		u = &types.User{
			ID:          m.id(),
			Wallet:      wallet,
			TotalUSD:    decimal.Zero,
			FloatingUSD: decimal.Zero,
			BorrowedUSD: decimal.Zero,
		}
		m.users[wallet] = u
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUser(ctx context.Context, wallet string) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[strings.ToLower(wallet)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) UpdateUserBalances(ctx context.Context, u *types.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[strings.ToLower(u.Wallet)]
	if !ok {
		return ErrNotFound
	}
	existing.TotalUSD = types.USD(u.TotalUSD)
	existing.FloatingUSD = types.USD(u.FloatingUSD)
	existing.BorrowedUSD = types.USD(u.BorrowedUSD)
	return nil
}

func (m *Memory) InsertVaultEvent(ctx context.Context, e *types.VaultEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := e.DedupKey()
	if _, seen := m.vaultKeys[key]; seen {
		return false, nil
	}
	m.vaultKeys[key] = struct{}{}
	return true, nil
}

func (m *Memory) InsertRelayerEvent(ctx context.Context, e *types.RelayerEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.relayerEvts {
		if existing.DedupKey() == e.DedupKey() {
			return false, nil
		}
	}
	cp := *e
	cp.ID = m.id()
	m.relayerEvts = append(m.relayerEvts, &cp)
	e.ID = cp.ID
	return true, nil
}

func (m *Memory) GetRelayerEvent(ctx context.Context, requestID string, chainID uint64, typ types.RelayerEventType) (*types.RelayerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.relayerEvts {
		if e.RequestID == requestID && e.ChainID == chainID && e.Type == typ {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateRelayerEvent(ctx context.Context, e *types.RelayerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.relayerEvts {
		if existing.ID == e.ID {
			cp := *e
			m.relayerEvts[i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) PendingRelayerEvents(ctx context.Context) ([]*types.RelayerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.RelayerEvent
	for _, e := range m.relayerEvts {
		if e.Status == types.RequestPending && e.Type == types.CollateralRequest {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) InsertDeposit(ctx context.Context, d *types.Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	cp.ID = m.id()
	cp.Wallet = strings.ToLower(cp.Wallet)
	m.deposits = append(m.deposits, &cp)
	return nil
}

func (m *Memory) DepositsByWallet(ctx context.Context, wallet string) ([]*types.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet = strings.ToLower(wallet)
	var out []*types.Deposit
	for _, d := range m.deposits {
		if d.Wallet == wallet {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) DepositsByToken(ctx context.Context, tokenID string) ([]*types.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Deposit
	for _, d := range m.deposits {
		if d.TokenID == tokenID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) HasDeposit(ctx context.Context, wallet, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet = strings.ToLower(wallet)
	for _, d := range m.deposits {
		if d.Wallet == wallet && d.TokenID == tokenID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) InsertWithdrawal(ctx context.Context, w *types.Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	cp.ID = m.id()
	cp.Wallet = strings.ToLower(cp.Wallet)
	m.withdrawals = append(m.withdrawals, &cp)
	w.ID = cp.ID
	return nil
}

func (m *Memory) WithdrawalsByWallet(ctx context.Context, wallet string) ([]*types.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet = strings.ToLower(wallet)
	var out []*types.Withdrawal
	for _, w := range m.withdrawals {
		if w.Wallet == wallet {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) PendingWithdrawalByRequestID(ctx context.Context, requestID string) (*types.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.withdrawals {
		if w.RequestID == requestID && w.Status == types.WithdrawalPending {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateWithdrawalStatus(ctx context.Context, id int64, status types.WithdrawalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.withdrawals {
		if w.ID == id {
			w.Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) InsertBorrow(ctx context.Context, b *types.Borrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	cp.ID = m.id()
	cp.Wallet = strings.ToLower(cp.Wallet)
	m.borrows = append(m.borrows, &cp)
	b.ID = cp.ID
	return nil
}

func (m *Memory) BorrowsByWallet(ctx context.Context, wallet string) ([]*types.Borrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet = strings.ToLower(wallet)
	var out []*types.Borrow
	for _, b := range m.borrows {
		if b.Wallet == wallet {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LoanStart.Before(out[j].LoanStart) })
	return out, nil
}

func (m *Memory) ActiveBorrowsByToken(ctx context.Context, tokenID string) ([]*types.Borrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Borrow
	for _, b := range m.borrows {
		if b.TokenID == tokenID && b.Status == types.BorrowActive {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) UpdateBorrow(ctx context.Context, b *types.Borrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.borrows {
		if existing.ID == b.ID {
			cp := *b
			m.borrows[i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

var _ Store = (*Memory)(nil)
