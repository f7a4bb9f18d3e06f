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
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/crossvault/go-crossvault/store"
	"github.com/crossvault/go-crossvault/types"
)

// RootSubmitter pushes a new ownership root to one chain's relayer.
type RootSubmitter interface {
	UpdateNFTOwnershipRoot(ctx context.Context, chainID uint64, root common.Hash) error
}

// DepositChecker is the escape hatch consulted by VerifyOwnership before
// the first root exists.
type DepositChecker interface {
	HasDeposit(ctx context.Context, wallet, tokenID string) (bool, error)
}

// ownerEntry is the current holder of one token, with the ordering fields
// used to decide whether a newly observed transfer supersedes it.
type ownerEntry struct {
	owner    string
	block    uint64
	logIndex uint
	seq      int64 // insertion order, breaks full ties
}

func (e ownerEntry) before(block uint64, logIndex uint, seq int64) bool {
	if e.block != block {
		return e.block < block
	}
	if e.logIndex != logIndex {
		return e.logIndex < logIndex
	}
	return e.seq <= seq
}

// Proof is the result of a successful ownership proof query.
type Proof struct {
	Proof    []common.Hash
	Root     common.Hash
	Verified bool
}

// Engine derives the ownership snapshot from the transfer store, maintains
// the commitment tree and submits roots. The snapshot is folded forward
// incrementally; only the tree is rebuilt per update.
type Engine struct {
	transfers store.TransferStore
	submitter RootSubmitter
	chains    []uint64
	deposits  DepositChecker
	log       log.Logger

	mu      sync.Mutex
	owners  map[string]ownerEntry
	seq     int64
	root    common.Hash
	hasRoot bool
}

// NewEngine wires the engine. chains lists the chain IDs whose relayers
// receive root updates; deposits may be nil to disable the fallback.
func NewEngine(transfers store.TransferStore, submitter RootSubmitter, chains []uint64, deposits DepositChecker) *Engine {
	return &Engine{
		transfers: transfers,
		submitter: submitter,
		chains:    chains,
		deposits:  deposits,
		owners:    make(map[string]ownerEntry),
		log:       log.New("module", "merkle"),
	}
}

// Load primes the in-memory snapshot from the store. Called once at
// startup before any HandleTransfer.
func (e *Engine) Load(ctx context.Context) error {
	transfers, err := e.transfers.Transfers(ctx)
	if err != nil {
		return fmt.Errorf("load transfers: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.owners = make(map[string]ownerEntry)
	e.seq = 0
	for _, t := range transfers {
		e.foldLocked(t)
	}
	if latest, err := e.transfers.LatestRooted(ctx); err == nil {
		e.root = common.HexToHash(latest.MerkleRoot)
		e.hasRoot = true
	} else if err != store.ErrNotFound {
		return err
	}
	e.log.Info("Ownership snapshot loaded", "transfers", len(transfers), "tokens", len(e.owners))
	return nil
}

// foldLocked applies one transfer to the snapshot. Caller holds the lock.
func (e *Engine) foldLocked(t *types.NftTransfer) {
	e.seq++
	current, exists := e.owners[t.TokenID]
	if exists && !current.before(t.BlockNumber, t.LogIndex, e.seq) {
		return
	}
	e.owners[t.TokenID] = ownerEntry{
		owner:    strings.ToLower(t.To),
		block:    t.BlockNumber,
		logIndex: t.LogIndex,
		seq:      e.seq,
	}
}

// HandleTransfer records a transfer, rebuilds the tree and submits the new
// root to every configured relayer. Replays are dropped. A per-chain
// submission failure is logged and does not block the others.
func (e *Engine) HandleTransfer(ctx context.Context, t *types.NftTransfer) error {
	inserted, err := e.transfers.InsertTransfer(ctx, t)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	if !inserted {
		e.log.Debug("Duplicate transfer dropped", "txHash", t.TxHash)
		return nil
	}

	e.mu.Lock()
	e.foldLocked(t)
	leaves, err := leavesOf(e.owners)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if len(leaves) == 0 {
		// Every token burned; keep the prior root.
		e.log.Warn("No live tokens, skipping tree rebuild")
		return nil
	}

	tree, err := NewTree(leaves)
	if err != nil {
		return err
	}
	root := tree.Root()

	pending, err := e.transfers.PendingInclusion(ctx)
	if err != nil {
		return fmt.Errorf("pending transfers: %w", err)
	}
	ids := make([]int64, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	if err := e.transfers.MarkIncluded(ctx, ids, root.Hex()); err != nil {
		return fmt.Errorf("mark included: %w", err)
	}

	e.mu.Lock()
	e.root = root
	e.hasRoot = true
	e.mu.Unlock()
	e.log.Info("Ownership root updated", "root", root, "leaves", len(leaves), "included", len(ids))

	for _, chainID := range e.chains {
		if err := e.submitter.UpdateNFTOwnershipRoot(ctx, chainID, root); err != nil {
			e.log.Error("Root submission failed", "chain", chainID, "root", root, "err", err)
		}
	}
	return nil
}

// LatestRoot returns the current root, if one has been computed.
func (e *Engine) LatestRoot() (common.Hash, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.root, e.hasRoot
}

// GetProof reconstructs the tree at the height of the latest rooted
// transfer and proves (owner, tokenID) against it. It returns nil when no
// root exists or the owner does not hold the token at that height. The
// proof is self-verified before being returned.
func (e *Engine) GetProof(ctx context.Context, owner string, tokenID string) (*Proof, error) {
	latest, err := e.transfers.LatestRooted(ctx)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	transfers, err := e.transfers.TransfersUpTo(ctx, latest.BlockNumber)
	if err != nil {
		return nil, err
	}
	snapshot := Snapshot(transfers)
	if snapshot[tokenID] != strings.ToLower(owner) {
		return nil, nil
	}

	owners := make(map[string]ownerEntry, len(snapshot))
	for token, holder := range snapshot {
		owners[token] = ownerEntry{owner: holder}
	}
	leaves, err := leavesOf(owners)
	if err != nil {
		return nil, err
	}
	tree, err := NewTree(leaves)
	if err != nil {
		return nil, err
	}

	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id %q", tokenID)
	}
	leaf := LeafHash(common.HexToAddress(owner), id)
	proof, err := tree.Prove(leaf)
	if err != nil {
		return nil, err
	}
	root := tree.Root()
	if !VerifyProof(root, leaf, proof) {
		return nil, fmt.Errorf("proof self-verification failed for token %s", tokenID)
	}
	return &Proof{Proof: proof, Root: root, Verified: true}, nil
}

// VerifyOwnership reports whether owner holds tokenID under the current
// commitment. When no root exists yet and allowDepositFallback is set, a
// prior deposit of the token by the owner is accepted instead.
func (e *Engine) VerifyOwnership(ctx context.Context, owner, tokenID string, allowDepositFallback bool) (bool, error) {
	if _, ok := e.LatestRoot(); !ok {
		if allowDepositFallback && e.deposits != nil {
			return e.deposits.HasDeposit(ctx, strings.ToLower(owner), tokenID)
		}
		return false, nil
	}
	proof, err := e.GetProof(ctx, owner, tokenID)
	if err != nil {
		return false, err
	}
	return proof != nil && proof.Verified, nil
}

// Snapshot is the pure fold defining current ownership: for each token,
// the recipient of the transfer with the greatest block number, breaking
// ties by log index and then input order.
func Snapshot(transfers []*types.NftTransfer) map[string]string {
	entries := make(map[string]ownerEntry, len(transfers))
	for seq, t := range transfers {
		current, exists := entries[t.TokenID]
		if exists && !current.before(t.BlockNumber, t.LogIndex, int64(seq)) {
			continue
		}
		entries[t.TokenID] = ownerEntry{
			owner:    strings.ToLower(t.To),
			block:    t.BlockNumber,
			logIndex: t.LogIndex,
			seq:      int64(seq),
		}
	}
	out := make(map[string]string, len(entries))
	for token, e := range entries {
		out[token] = e.owner
	}
	return out
}

// leavesOf builds the leaf set from an ownership map, one leaf per live
// token, in deterministic token order.
func leavesOf(owners map[string]ownerEntry) ([]common.Hash, error) {
	tokens := make([]string, 0, len(owners))
	for token, entry := range owners {
		if entry.owner == "" || common.HexToAddress(entry.owner) == (common.Address{}) {
			continue // burned
		}
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		a, aok := new(big.Int).SetString(tokens[i], 10)
		b, bok := new(big.Int).SetString(tokens[j], 10)
		if aok && bok {
			return a.Cmp(b) < 0
		}
		return tokens[i] < tokens[j]
	})
	leaves := make([]common.Hash, 0, len(tokens))
	for _, token := range tokens {
		id, ok := new(big.Int).SetString(token, 10)
		if !ok {
			return nil, fmt.Errorf("invalid token id %q", token)
		}
		leaves = append(leaves, LeafHash(common.HexToAddress(owners[token].owner), id))
	}
	return leaves, nil
}
