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

// Package indexer drives the finalized-block pipeline of one chain: it
// follows the head, walks blocks in order once they have enough
// confirmations, extracts matching transactions and publishes them on the
// bus. Block progress is durable, so a restart resumes where the previous
// run stopped, and short reorgs are rolled back by parent-hash comparison.
package indexer

import (
	"context"
	"errors"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/crossvault/go-crossvault/bus"
	"github.com/crossvault/go-crossvault/chain"
	"github.com/crossvault/go-crossvault/filter"
	"github.com/crossvault/go-crossvault/metrics"
	"github.com/crossvault/go-crossvault/store"
	"github.com/crossvault/go-crossvault/types"
)

// ReorgDepth is how far back the indexer re-scans when a parent hash
// mismatch is detected. A divergence deeper than this halts indexing for
// operator intervention.
const ReorgDepth = 10

// ErrDeepReorg is returned when the fork point lies beyond ReorgDepth.
var ErrDeepReorg = errors.New("indexer: reorg deeper than rescan window")

// errReorged stops the current batch after a rollback; the cursor has
// already been rewound to the fork point.
var errReorged = errors.New("indexer: cursor rewound")

// errRetryWait stops the current batch on a failed block whose retry delay
// has not elapsed yet. The cursor stays on the block.
var errRetryWait = errors.New("indexer: block awaiting retry")

// Store is the persistence the indexer needs: the block work queue plus
// the published-transaction dedup set.
type Store interface {
	store.BlockLedger
	store.ProcessedTxStore
}

// Config tunes one indexer instance. Zero values select the defaults.
type Config struct {
	ChainID       uint64
	ChainName     string
	Confirmations uint64 // blocks behind head considered final

	BatchSize           int           // blocks advanced per index tick
	MaxRetries          int           // pipeline attempts before a block is skipped
	RetryDelay          time.Duration // minimum wait between attempts on one block
	HeadRefreshInterval time.Duration // BlockNumber poll backing up the subscription
	IndexInterval       time.Duration // continuous indexing cadence
	HealthInterval      time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Confirmations == 0 {
		out.Confirmations = 2
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 10
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = store.MaxRetries
	}
	if out.HeadRefreshInterval <= 0 {
		out.HeadRefreshInterval = 2 * time.Second
	}
	if out.IndexInterval <= 0 {
		out.IndexInterval = time.Second
	}
	if out.HealthInterval <= 0 {
		out.HealthInterval = time.Minute
	}
	return out
}

// Indexer walks one chain. It is not safe for concurrent Run calls.
type Indexer struct {
	client chain.Client
	proc   *filter.BlockProcessor
	pub    bus.Publisher
	st     Store
	cfg    Config
	log    log.Logger

	cursor     uint64 // next block number to process
	latestSeen uint64 // highest head observed
	halted     bool   // set on a reorg deeper than the rescan window
}

// New wires an indexer. Run establishes the starting cursor.
func New(client chain.Client, proc *filter.BlockProcessor, pub bus.Publisher, st Store, cfg Config) *Indexer {
	cfg = (&cfg).withDefaults()
	return &Indexer{
		client: client,
		proc:   proc,
		pub:    pub,
		st:     st,
		cfg:    cfg,
		log:    log.New("module", "indexer", "chain", cfg.ChainID),
	}
}

// Run blocks until ctx is cancelled or indexing halts on a deep reorg.
func (i *Indexer) Run(ctx context.Context) error {
	if err := i.restoreCursor(ctx); err != nil {
		return err
	}
	i.log.Info("Indexer starting", "cursor", i.cursor, "confirmations", i.cfg.Confirmations)

	heads := make(chan *ethtypes.Header, 16)
	sub, err := i.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return err
	}
	defer func() {
		if sub != nil {
			sub.Unsubscribe()
		}
	}()

	headTicker := time.NewTicker(i.cfg.HeadRefreshInterval)
	defer headTicker.Stop()
	indexTicker := time.NewTicker(i.cfg.IndexInterval)
	defer indexTicker.Stop()
	healthTicker := time.NewTicker(i.cfg.HealthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case head := <-heads:
			if n := head.Number.Uint64(); n > i.latestSeen {
				i.latestSeen = n
			}

		case err := <-sub.Err():
			if err != nil {
				i.log.Warn("Head subscription dropped, resubscribing", "err", err)
			}
			sub.Unsubscribe()
			sub, err = i.client.SubscribeNewHead(ctx, heads)
			if err != nil {
				return err
			}

		case <-headTicker.C:
			n, err := i.client.BlockNumber(ctx)
			if err != nil {
				i.log.Warn("Head refresh failed", "err", err)
				continue
			}
			if n > i.latestSeen {
				i.latestSeen = n
			}

		case <-indexTicker.C:
			if i.halted {
				continue
			}
			if err := i.indexOnce(ctx); err != nil {
				if errors.Is(err, ErrDeepReorg) {
					i.halted = true
					i.log.Error("Indexing halted, operator intervention required", "err", err)
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				i.log.Error("Index pass failed", "err", err)
			}

		case <-healthTicker.C:
			if i.halted || i.healthy(ctx) {
				continue
			}
			// Drop the head subscription and rebuild the instance state;
			// processed markers make the re-walk cheap.
			i.log.Warn("Restarting unhealthy indexer")
			sub.Unsubscribe()
			sub, err = i.client.SubscribeNewHead(ctx, heads)
			if err != nil {
				return err
			}
			if err := i.restoreCursor(ctx); err != nil {
				return err
			}
			i.log.Info("Indexer restarted", "cursor", i.cursor)
		}
	}
}

// restoreCursor resumes after the latest processed block, or starts at the
// current finalized height on a fresh chain.
func (i *Indexer) restoreCursor(ctx context.Context) error {
	latest, err := i.st.LatestProcessed(ctx, i.cfg.ChainID)
	switch {
	case err == nil:
		i.cursor = latest.Number + 1
		return nil
	case errors.Is(err, store.ErrNotFound):
		head, err := i.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		i.latestSeen = head
		if head > i.cfg.Confirmations {
			i.cursor = head - i.cfg.Confirmations
		}
		return nil
	default:
		return err
	}
}

// indexOnce retries failed blocks, then advances the cursor through at most
// BatchSize finalized blocks. Blocks are processed strictly in order; the
// first failure stops the pass so the cursor never skips a block.
func (i *Indexer) indexOnce(ctx context.Context) error {
	if err := i.retryFailed(ctx); err != nil {
		return err
	}
	if i.latestSeen < i.cfg.Confirmations {
		return nil
	}
	target := i.latestSeen - i.cfg.Confirmations
	for n := 0; n < i.cfg.BatchSize && i.cursor <= target; n++ {
		if err := i.processNumber(ctx, i.cursor); err != nil {
			if errors.Is(err, errReorged) || errors.Is(err, errRetryWait) {
				return nil // next tick restarts from the current cursor
			}
			return err
		}
		i.cursor++
	}
	return nil
}

// retryFailed re-runs queue rows the cursor has already passed: blocks
// left FAILED by an earlier run and rows stranded PENDING by an
// interrupted pipeline. Rows at or above the cursor are handled by the
// ordered batch walk.
func (i *Indexer) retryFailed(ctx context.Context) error {
	rows, err := i.st.BlocksToProcess(ctx, i.cfg.ChainID, i.cfg.MaxRetries, i.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Number >= i.cursor {
			continue
		}
		if row.Status == types.BlockFailed && time.Since(row.UpdatedAt) < i.cfg.RetryDelay {
			continue
		}
		block, err := i.client.BlockByNumber(ctx, row.Number)
		if err != nil {
			return err
		}
		i.log.Info("Retrying failed block", "number", row.Number, "attempt", row.RetryCount+1)
		if err := i.runPipeline(ctx, row.ID, block); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// processNumber fetches one block, checks its ancestry against the
// processed markers and runs the pipeline on it.
func (i *Indexer) processNumber(ctx context.Context, number uint64) error {
	block, err := i.client.BlockByNumber(ctx, number)
	if err != nil {
		return err
	}
	if number > 0 {
		prev, err := i.st.ProcessedByNumber(ctx, i.cfg.ChainID, number-1)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if prev != nil && prev.Hash != block.ParentHash().Hex() {
			if err := i.handleReorg(ctx, number); err != nil {
				return err
			}
			return errReorged
		}
	}

	row, err := i.st.AddUnprocessed(ctx, blockRef(i.cfg.ChainID, block))
	if err != nil {
		return err
	}
	switch {
	case row.Status == types.BlockCompleted:
		return nil // replay of an already finished block
	case row.Status == types.BlockFailed && row.RetryCount >= i.cfg.MaxRetries:
		i.log.Error("Retry budget exhausted, skipping block", "number", number, "attempts", row.RetryCount)
		return nil
	case row.Status == types.BlockFailed:
		if time.Since(row.UpdatedAt) < i.cfg.RetryDelay {
			return errRetryWait
		}
		i.log.Info("Retrying failed block", "number", number, "attempt", row.RetryCount+1)
	}
	if err := i.runPipeline(ctx, row.ID, block); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The cursor stays here; the next tick re-runs the block until the
		// retry budget is spent.
		return err
	}
	return nil
}

// runPipeline takes a queued block through filter, publish and completion.
// Pipeline errors mark the row FAILED, bumping its retry counter, and are
// returned to the caller.
func (i *Indexer) runPipeline(ctx context.Context, rowID int64, block *ethtypes.Block) error {
	start := time.Now()
	number := block.NumberU64()
	if err := i.st.MarkProcessing(ctx, rowID); err != nil {
		return err
	}

	blockCtx, cancel := context.WithCancel(ctx)
	filtered, err := i.proc.Process(blockCtx, block)
	cancel()
	if err != nil {
		return i.fail(ctx, rowID, number, err)
	}
	if err := i.publish(ctx, filtered); err != nil {
		return i.fail(ctx, rowID, number, err)
	}

	if err := i.st.MarkCompleted(ctx, rowID); err != nil {
		return err
	}
	// A failed progress marker is not fatal: the block is COMPLETED and its
	// transactions deduped, so a restart re-walks it without republishing.
	if err := i.st.AddProcessed(ctx, blockRef(i.cfg.ChainID, block)); err != nil {
		i.log.Error("Progress marker write failed", "number", number, "err", err)
	}

	metrics.BlocksProcessed.WithLabelValues(i.cfg.ChainName, "completed").Inc()
	metrics.BlockProcessDuration.WithLabelValues(i.cfg.ChainName).Observe(time.Since(start).Seconds())
	i.log.Debug("Block processed", "number", number, "txs", len(filtered), "elapsed", time.Since(start))
	return nil
}

func (i *Indexer) fail(ctx context.Context, rowID int64, number uint64, cause error) error {
	metrics.BlocksProcessed.WithLabelValues(i.cfg.ChainName, "failed").Inc()
	i.log.Warn("Block pipeline failed", "number", number, "err", cause)
	if err := i.st.MarkFailed(ctx, rowID, cause.Error()); err != nil {
		return err
	}
	return cause
}

// publish wraps the filtered transactions as messages, skips the ones a
// prior run already delivered and sends the rest. The dedup rows are
// written only after the batch went out: a send failure leaves them
// unmarked for the retry, and a crash between send and write replays the
// batch, which the consumer's event dedup keys absorb.
func (i *Indexer) publish(ctx context.Context, filtered []*types.FilteredTransaction) error {
	if len(filtered) == 0 {
		return nil
	}
	msgs := make([]*types.Message, 0, len(filtered))
	for _, tx := range filtered {
		sent, err := i.st.IsPublished(ctx, i.cfg.ChainID, tx.Hash)
		if err != nil {
			return err
		}
		if sent {
			i.log.Debug("Skipping already published transaction", "tx", tx.Hash)
			continue
		}
		msgs = append(msgs, types.NewMessage(tx))
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := i.pub.PublishBatch(ctx, msgs); err != nil {
		return err
	}
	for _, msg := range msgs {
		if _, err := i.st.MarkPublished(ctx, i.cfg.ChainID, msg.Metadata.TxHash); err != nil {
			return err
		}
	}
	metrics.MessagesPublished.WithLabelValues(i.cfg.ChainName).Add(float64(len(msgs)))
	return nil
}

// handleReorg walks back from number-1 comparing chain headers against the
// processed markers until they agree, marks the divergent heights REORGED
// and rewinds the cursor past the fork point.
func (i *Indexer) handleReorg(ctx context.Context, number uint64) error {
	metrics.ReorgsDetected.WithLabelValues(i.cfg.ChainName).Inc()
	i.log.Warn("Reorg detected", "number", number)

	var divergent []uint64
	forkFound := false
	var forkPoint uint64

	low := uint64(0)
	if number > ReorgDepth {
		low = number - ReorgDepth
	}
	for n := number - 1; n >= low; n-- {
		row, err := i.st.ProcessedByNumber(ctx, i.cfg.ChainID, n)
		if errors.Is(err, store.ErrNotFound) {
			// Nothing of ours below this point; restart from here.
			forkFound = true
			forkPoint = n
			break
		}
		if err != nil {
			return err
		}
		header, err := i.client.HeaderByNumber(ctx, n)
		if err != nil {
			return err
		}
		if row.Hash == header.Hash().Hex() {
			forkFound = true
			forkPoint = n
			break
		}
		divergent = append(divergent, n)
		if n == 0 {
			break
		}
	}
	if !forkFound {
		return ErrDeepReorg
	}

	if len(divergent) > 0 {
		if err := i.st.MarkReorged(ctx, i.cfg.ChainID, divergent); err != nil {
			return err
		}
	}
	i.cursor = forkPoint + 1
	i.log.Info("Reorg resolved", "fork", forkPoint, "rolledBack", len(divergent))
	return nil
}

// healthy checks the chain endpoint and the bus connection, logging every
// failing dependency.
func (i *Indexer) healthy(ctx context.Context) bool {
	ok := true
	if err := i.client.Healthy(ctx); err != nil {
		i.log.Error("Chain endpoint unhealthy", "err", err)
		ok = false
	}
	if !i.pub.Connected(ctx) {
		i.log.Error("Bus connection unhealthy")
		ok = false
	}
	return ok
}

func blockRef(chainID uint64, block *ethtypes.Block) *types.BlockRef {
	return &types.BlockRef{
		ChainID:    chainID,
		Number:     block.NumberU64(),
		Hash:       block.Hash().Hex(),
		ParentHash: block.ParentHash().Hex(),
		Timestamp:  block.Time(),
	}
}
