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

package filter

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/crossvault/go-crossvault/chain"
	cvtypes "github.com/crossvault/go-crossvault/types"
)

// Backend is the receipt source the processor needs; satisfied by
// chain.Client.
type Backend interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Config tunes the block processor. Zero values select the defaults.
type Config struct {
	ChainID   uint64
	ChainName string

	ConcurrentLimit    int // initial parallel receipt fetches
	MinConcurrentLimit int
	MaxConcurrentLimit int
	AdjustmentInterval time.Duration
	WindowSize         int // samples considered per adjustment
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConcurrentLimit <= 0 {
		out.ConcurrentLimit = 10
	}
	if out.MinConcurrentLimit <= 0 {
		out.MinConcurrentLimit = 2
	}
	if out.MaxConcurrentLimit <= 0 {
		out.MaxConcurrentLimit = 50
	}
	if out.AdjustmentInterval <= 0 {
		out.AdjustmentInterval = time.Minute
	}
	if out.WindowSize <= 0 {
		out.WindowSize = 20
	}
	return out
}

// sampleSize is how many transactions the calldata heuristic inspects.
const sampleSize = 5

// blockSample is one processed block's contribution to the adaptive window.
type blockSample struct {
	duration  time.Duration
	matchRate float64 // filtered / total transactions
}

// BlockProcessor extracts the transactions of a block whose receipts carry
// logs matching the active topic set. Receipt fetches run in parallel under
// an adaptive limit; a cancelled context aborts cleanly without writing
// partial cache entries.
type BlockProcessor struct {
	backend Backend
	cache   *chain.TxCache
	matcher *Matcher
	cfg     Config
	signer  types.Signer
	log     log.Logger

	mu         sync.Mutex
	limit      int
	window     []blockSample
	lastAdjust time.Time
}

// NewBlockProcessor wires a processor over the given receipt backend,
// transaction cache and matcher.
func NewBlockProcessor(backend Backend, cache *chain.TxCache, matcher *Matcher, cfg Config) *BlockProcessor {
	cfg = (&cfg).withDefaults()
	return &BlockProcessor{
		backend:    backend,
		cache:      cache,
		matcher:    matcher,
		cfg:        cfg,
		signer:     types.LatestSignerForChainID(new(big.Int).SetUint64(cfg.ChainID)),
		log:        log.New("module", "processor", "chain", cfg.ChainID),
		limit:      cfg.ConcurrentLimit,
		lastAdjust: time.Now(),
	}
}

// Limit returns the current concurrent fetch limit.
func (p *BlockProcessor) Limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// Process returns the filtered transactions of block, in block order, with
// only the matched logs attached. A single failed transaction fetch is
// logged and omitted; context cancellation fails the whole block.
func (p *BlockProcessor) Process(ctx context.Context, block *types.Block) ([]*cvtypes.FilteredTransaction, error) {
	txs := block.Transactions()
	if p.matcher.Len() == 0 || len(txs) == 0 {
		return nil, nil
	}
	start := time.Now()

	candidates := p.preFilter(txs)
	entries, err := p.fetchReceipts(ctx, candidates)
	if err != nil {
		return nil, err
	}

	var out []*cvtypes.FilteredTransaction
	for i, tx := range candidates {
		entry := entries[i]
		if entry == nil || entry.Receipt == nil {
			continue
		}
		matchedLogs, matchedTopics := p.matchLogs(entry.Receipt.Logs)
		if len(matchedLogs) == 0 {
			continue
		}
		out = append(out, p.filteredTx(block, tx, entry.Receipt, matchedLogs, matchedTopics))
	}

	p.recordSample(blockSample{
		duration:  time.Since(start),
		matchRate: float64(len(out)) / float64(len(txs)),
	})
	return out, nil
}

// preFilter narrows the candidate set before any receipt is fetched. With
// contract-constrained filters installed, a transaction survives if it
// targets a constrained contract or carries calldata (the emitting contract
// may differ from the target). Without constraints, a small sample decides
// whether a plain has-calldata cut is worth applying.
func (p *BlockProcessor) preFilter(txs types.Transactions) []*types.Transaction {
	contracts := p.matcher.Contracts()
	if len(contracts) > 0 {
		var kept []*types.Transaction
		for _, tx := range txs {
			if to := tx.To(); to != nil {
				if _, ok := contracts[*to]; ok {
					kept = append(kept, tx)
					continue
				}
			}
			if len(tx.Data()) > 0 {
				kept = append(kept, tx)
			}
		}
		return kept
	}

	n := sampleSize
	if len(txs) < n {
		n = len(txs)
	}
	calls := 0
	for _, tx := range txs[:n] {
		if len(tx.Data()) > 0 {
			calls++
		}
	}
	if n > 0 && float64(calls)/float64(n) < 0.2 {
		var kept []*types.Transaction
		for _, tx := range txs {
			if len(tx.Data()) > 0 {
				kept = append(kept, tx)
			}
		}
		return kept
	}
	return txs
}

// fetchReceipts resolves receipts for the candidates, cache first, under
// the adaptive concurrency limit. Results are positional; a nil slot means
// the fetch failed and the transaction is omitted from the block's output.
func (p *BlockProcessor) fetchReceipts(ctx context.Context, txs []*types.Transaction) ([]*chain.TxEntry, error) {
	entries := make([]*chain.TxEntry, len(txs))
	sem := semaphore.NewWeighted(int64(p.Limit()))
	var wg sync.WaitGroup

	for i, tx := range txs {
		if entry, ok := p.cache.Get(tx.Hash()); ok {
			entries[i] = entry
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(i int, tx *types.Transaction) {
			defer wg.Done()
			defer sem.Release(1)
			entries[i] = p.fetchOne(ctx, tx)
		}(i, tx)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// fetchOne retrieves a single receipt. The cache is only written once the
// outcome is final: a real receipt, or a definitive not-found.
func (p *BlockProcessor) fetchOne(ctx context.Context, tx *types.Transaction) *chain.TxEntry {
	receipt, err := p.backend.TransactionReceipt(ctx, tx.Hash())
	switch {
	case err == nil:
		entry := &chain.TxEntry{Tx: tx, Receipt: receipt}
		p.cache.Put(tx.Hash(), entry)
		return entry
	case errors.Is(err, ethereum.NotFound):
		entry := &chain.TxEntry{Tx: tx, NoReceipt: true}
		p.cache.Put(tx.Hash(), entry)
		return entry
	case ctx.Err() != nil:
		// Cancelled: no cache write, the next attempt re-fetches.
		return nil
	default:
		p.log.Warn("Receipt fetch failed, omitting transaction", "hash", tx.Hash(), "err", err)
		return nil
	}
}

// matchLogs filters the receipt logs through the bloom then the exact set,
// preserving log-index order.
func (p *BlockProcessor) matchLogs(logs []*types.Log) ([]cvtypes.Log, []string) {
	var (
		matched []cvtypes.Log
		topics  []string
		seen    = make(map[common.Hash]struct{})
	)
	for _, lg := range logs {
		if len(lg.Topics) == 0 || !p.matcher.MayMatch(lg.Topics[0]) {
			continue
		}
		topic0, ok := p.matcher.Match(lg)
		if !ok {
			continue
		}
		matched = append(matched, convertLog(lg))
		if _, dup := seen[topic0]; !dup {
			seen[topic0] = struct{}{}
			topics = append(topics, topic0.Hex())
		}
	}
	return matched, topics
}

func (p *BlockProcessor) filteredTx(block *types.Block, tx *types.Transaction, receipt *types.Receipt, logs []cvtypes.Log, topics []string) *cvtypes.FilteredTransaction {
	from, err := types.Sender(p.signer, tx)
	if err != nil {
		p.log.Debug("Sender recovery failed", "hash", tx.Hash(), "err", err)
	}
	out := &cvtypes.FilteredTransaction{
		ChainID:       p.cfg.ChainID,
		ChainName:     p.cfg.ChainName,
		BlockHash:     block.Hash().Hex(),
		BlockNumber:   block.NumberU64(),
		Hash:          tx.Hash().Hex(),
		From:          lowerHex(from.Hex()),
		Value:         tx.Value(),
		Status:        receipt.Status,
		GasUsed:       new(big.Int).SetUint64(receipt.GasUsed),
		GasPrice:      tx.GasPrice(),
		Timestamp:     block.Time(),
		MatchedTopics: topics,
		Logs:          logs,
	}
	if to := tx.To(); to != nil {
		out.To = lowerHex(to.Hex())
	}
	if len(tx.Data()) > 0 {
		out.Data = hexutil.Encode(tx.Data())
	}
	return out
}

// recordSample pushes one block's stats into the window and adjusts the
// limit when the adjustment interval has elapsed.
func (p *BlockProcessor) recordSample(s blockSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.window = append(p.window, s)
	if len(p.window) > p.cfg.WindowSize {
		p.window = p.window[len(p.window)-p.cfg.WindowSize:]
	}
	now := time.Now()
	if now.Sub(p.lastAdjust) < p.cfg.AdjustmentInterval || len(p.window) < p.cfg.WindowSize {
		return
	}
	p.lastAdjust = now

	var durSum time.Duration
	var rateSum float64
	for _, w := range p.window {
		durSum += w.duration
		rateSum += w.matchRate
	}
	meanDur := durSum / time.Duration(len(p.window))
	meanRate := rateSum / float64(len(p.window))

	old := p.limit
	switch {
	case meanDur < time.Second && meanRate < 0.1:
		p.limit += 5
		if p.limit > p.cfg.MaxConcurrentLimit {
			p.limit = p.cfg.MaxConcurrentLimit
		}
	case meanDur > 5*time.Second:
		p.limit -= 3
		if p.limit < p.cfg.MinConcurrentLimit {
			p.limit = p.cfg.MinConcurrentLimit
		}
	case meanDur > 2*time.Second:
		p.limit--
		if p.limit < p.cfg.MinConcurrentLimit {
			p.limit = p.cfg.MinConcurrentLimit
		}
	}
	if p.limit != old {
		p.log.Info("Adjusted receipt concurrency", "old", old, "new", p.limit,
			"meanDuration", meanDur, "meanMatchRate", meanRate)
	}
}

func lowerHex(s string) string {
	return strings.ToLower(s)
}

func convertLog(lg *types.Log) cvtypes.Log {
	topics := make([]string, len(lg.Topics))
	for i, t := range lg.Topics {
		topics[i] = t.Hex()
	}
	return cvtypes.Log{
		Address:     lowerHex(lg.Address.Hex()),
		Topics:      topics,
		Data:        hexutil.Encode(lg.Data),
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
		Index:       lg.Index,
	}
}
