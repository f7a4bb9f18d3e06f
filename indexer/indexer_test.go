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

package indexer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossvault/go-crossvault/chain"
	"github.com/crossvault/go-crossvault/filter"
	"github.com/crossvault/go-crossvault/store"
	"github.com/crossvault/go-crossvault/types"
)

const testChainID = 1337

// fakeChain is an in-memory chain.Client. Blocks are appended with
// addBlock; adding a competing block at the same height simulates a reorg.
type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	blocks    map[uint64]*ethtypes.Block
	receipts  map[common.Hash]*ethtypes.Receipt
	failing   map[common.Hash]struct{}
	unhealthy error
	subs      int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:   make(map[uint64]*ethtypes.Block),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
		failing:  make(map[common.Hash]struct{}),
	}
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) HeaderByNumber(ctx context.Context, number uint64) (*ethtypes.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blocks[number]
	if !ok {
		return nil, ethereum.NotFound
	}
	return b.Header(), nil
}

func (c *fakeChain) BlockByNumber(ctx context.Context, number uint64) (*ethtypes.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blocks[number]
	if !ok {
		return nil, ethereum.NotFound
	}
	return b, nil
}

func (c *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, bad := c.failing[hash]; bad {
		return nil, errors.New("rpc timeout")
	}
	r, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(testChainID), nil
}

func (c *fakeChain) Healthy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unhealthy
}

func (c *fakeChain) SubscribeNewHead(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error) {
	c.mu.Lock()
	c.subs++
	c.mu.Unlock()
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	}), nil
}

func (c *fakeChain) subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs
}

func (c *fakeChain) Close() {}

// fakePublisher records every published message in order. Setting
// failRemaining makes the next sends error without recording anything,
// like a bus outage.
type fakePublisher struct {
	mu            sync.Mutex
	msgs          []*types.Message
	failRemaining int
}

func (p *fakePublisher) Publish(ctx context.Context, msg *types.Message) error {
	return p.PublishBatch(ctx, []*types.Message{msg})
}

func (p *fakePublisher) PublishBatch(ctx context.Context, msgs []*types.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRemaining > 0 {
		p.failRemaining--
		return errors.New("bus timeout")
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *fakePublisher) Connected(ctx context.Context) bool { return true }
func (p *fakePublisher) Close() error                       { return nil }

func (p *fakePublisher) hashes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.Metadata.TxHash
	}
	return out
}

type fixture struct {
	chain  *fakeChain
	st     *store.Memory
	pub    *fakePublisher
	ix     *Indexer
	key    *ecdsa.PrivateKey
	signer ethtypes.Signer
	nonce  uint64
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, Config{
		ChainID:       testChainID,
		ChainName:     "testchain",
		Confirmations: 2,
		BatchSize:     10,
	})
}

func newFixtureWith(t *testing.T, cfg Config) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	fc := newFakeChain()
	matcher := filter.NewMatcher()
	matcher.Add(filter.TopicFilter{Topic0: types.TopicVaultDeposit})
	proc := filter.NewBlockProcessor(fc, chain.NewTxCache(64), matcher, filter.Config{
		ChainID:   testChainID,
		ChainName: "testchain",
	})
	st := store.NewMemory()
	pub := &fakePublisher{}
	ix := New(fc, proc, pub, st, cfg)
	return &fixture{
		chain:  fc,
		st:     st,
		pub:    pub,
		ix:     ix,
		key:    key,
		signer: ethtypes.LatestSignerForChainID(big.NewInt(testChainID)),
	}
}

func (f *fixture) signedTx(t *testing.T) *ethtypes.Transaction {
	t.Helper()
	to := common.HexToAddress("0xaa")
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    f.nonce,
		To:       &to,
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(1),
		Data:     []byte{0x01},
	})
	f.nonce++
	signed, err := ethtypes.SignTx(tx, f.signer, f.key)
	require.NoError(t, err)
	return signed
}

// addBlock appends a block at the given height linked to the block below
// it, carrying txs that each emit one matching log.
func (f *fixture) addBlock(t *testing.T, number uint64, salt uint64, txs ...*ethtypes.Transaction) *ethtypes.Block {
	t.Helper()
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()

	header := &ethtypes.Header{
		Number:     new(big.Int).SetUint64(number),
		Time:       1700000000 + number,
		Extra:      new(big.Int).SetUint64(salt).Bytes(),
		Difficulty: big.NewInt(1),
	}
	if parent, ok := f.chain.blocks[number-1]; ok {
		header.ParentHash = parent.Hash()
	}
	block := ethtypes.NewBlockWithHeader(header).WithBody(ethtypes.Body{Transactions: txs})
	f.chain.blocks[number] = block
	if number > f.chain.head {
		f.chain.head = number
	}
	for i, tx := range txs {
		f.chain.receipts[tx.Hash()] = &ethtypes.Receipt{
			Status:  ethtypes.ReceiptStatusSuccessful,
			GasUsed: 30000,
			Logs: []*ethtypes.Log{{
				Address: common.HexToAddress("0xaa"),
				Topics:  []common.Hash{types.TopicVaultDeposit, common.HexToHash("0x01")},
				TxHash:  tx.Hash(),
				Index:   uint(i),
			}},
		}
	}
	return block
}

func TestIndexAdvancesInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var want []string
	f.addBlock(t, 1, 0)
	for n := uint64(2); n <= 5; n++ {
		tx := f.signedTx(t)
		f.addBlock(t, n, 0, tx)
		want = append(want, tx.Hash().Hex())
	}
	f.addBlock(t, 6, 0)
	f.addBlock(t, 7, 0) // head 7, confirmations 2 -> target 5

	f.ix.cursor = 1
	f.ix.latestSeen = 7
	require.NoError(t, f.ix.indexOnce(ctx))

	assert.Equal(t, uint64(6), f.ix.cursor)
	assert.Equal(t, want, f.pub.hashes(), "messages follow block order")

	latest, err := f.st.LatestProcessed(ctx, testChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), latest.Number)

	stats, err := f.st.Stats(ctx, testChainID)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestReplayDoesNotRepublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addBlock(t, 1, 0, f.signedTx(t))
	f.addBlock(t, 2, 0)
	f.addBlock(t, 3, 0)

	f.ix.cursor = 1
	f.ix.latestSeen = 3
	require.NoError(t, f.ix.indexOnce(ctx))
	require.Len(t, f.pub.hashes(), 1)

	// A restart walks the same range again.
	f.ix.cursor = 1
	require.NoError(t, f.ix.indexOnce(ctx))

	assert.Len(t, f.pub.hashes(), 1, "replayed block publishes nothing")
	stats, err := f.st.Stats(ctx, testChainID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Completed, "no duplicate queue rows")
}

func TestReorgRollsBackToForkPoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addBlock(t, 1, 0)
	f.addBlock(t, 2, 0)
	f.addBlock(t, 3, 0)
	oldTx := f.signedTx(t)
	f.addBlock(t, 4, 0, oldTx)
	f.addBlock(t, 5, 0)
	f.addBlock(t, 6, 0)

	f.ix.cursor = 1
	f.ix.latestSeen = 6 // target 4
	require.NoError(t, f.ix.indexOnce(ctx))
	require.Len(t, f.pub.hashes(), 1)

	// The chain replaces block 4 with a competitor and builds on it.
	newTx := f.signedTx(t)
	forked := f.addBlock(t, 4, 99, newTx)
	f.addBlock(t, 5, 99)
	f.addBlock(t, 6, 99)
	f.addBlock(t, 7, 99)

	// Next pass hits the parent-hash mismatch at 5 and rewinds.
	f.ix.latestSeen = 7 // target 5
	require.NoError(t, f.ix.indexOnce(ctx))
	assert.Equal(t, uint64(4), f.ix.cursor, "cursor rewound past the fork point")

	require.NoError(t, f.ix.indexOnce(ctx))
	assert.Equal(t, []string{oldTx.Hash().Hex(), newTx.Hash().Hex()}, f.pub.hashes())

	marker, err := f.st.ProcessedByNumber(ctx, testChainID, 4)
	require.NoError(t, err)
	assert.Equal(t, forked.Hash().Hex(), marker.Hash, "live marker follows the new branch")

	stats, err := f.st.Stats(ctx, testChainID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reorged)
}

func TestTransientReceiptFailureOmitsTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.signedTx(t)
	f.addBlock(t, 1, 0, tx)
	f.addBlock(t, 2, 0)
	f.addBlock(t, 3, 0)

	f.chain.failing[tx.Hash()] = struct{}{}

	f.ix.cursor = 1
	f.ix.latestSeen = 3
	require.NoError(t, f.ix.indexOnce(ctx))

	// The failed fetch dropped the transaction; the block still completed
	// and the cursor moved on.
	assert.Empty(t, f.pub.hashes())
	assert.Equal(t, uint64(2), f.ix.cursor)
}

func TestRetryFailedRerunsQueuedRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.signedTx(t)
	block := f.addBlock(t, 1, 0, tx)

	// A failed row the cursor has already moved past.
	row, err := f.st.AddUnprocessed(ctx, &types.BlockRef{
		ChainID:    testChainID,
		Number:     1,
		Hash:       block.Hash().Hex(),
		ParentHash: block.ParentHash().Hex(),
		Timestamp:  block.Time(),
	})
	require.NoError(t, err)
	require.NoError(t, f.st.MarkFailed(ctx, row.ID, "rpc timeout"))
	f.ix.cursor = 2

	require.NoError(t, f.ix.retryFailed(ctx))

	assert.Equal(t, []string{tx.Hash().Hex()}, f.pub.hashes())
	stats, err := f.st.Stats(ctx, testChainID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestPublishFailureKeepsMessagesForRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx1 := f.signedTx(t)
	f.addBlock(t, 1, 0, tx1)
	tx2 := f.signedTx(t)
	f.addBlock(t, 2, 0, tx2)
	f.addBlock(t, 3, 0)
	f.addBlock(t, 4, 0) // head 4, confirmations 2 -> target 2

	f.pub.failRemaining = 1
	f.ix.cursor = 1
	f.ix.latestSeen = 4

	// The outage stops the pass on block 1: nothing later may go out
	// before it.
	require.Error(t, f.ix.indexOnce(ctx))
	assert.Empty(t, f.pub.hashes(), "no message recorded during the outage")
	assert.Equal(t, uint64(1), f.ix.cursor, "cursor stays on the failed block")

	// The bus is back; the retry re-sends the lost batch, then the pass
	// continues in order.
	require.NoError(t, f.ix.indexOnce(ctx))
	assert.Equal(t, []string{tx1.Hash().Hex(), tx2.Hash().Hex()}, f.pub.hashes())
	assert.Equal(t, uint64(3), f.ix.cursor)

	stats, err := f.st.Stats(ctx, testChainID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestExhaustedRetryBudgetSkipsBlock(t *testing.T) {
	f := newFixtureWith(t, Config{
		ChainID:       testChainID,
		ChainName:     "testchain",
		Confirmations: 2,
		BatchSize:     10,
		MaxRetries:    2,
	})
	ctx := context.Background()

	tx1 := f.signedTx(t)
	f.addBlock(t, 1, 0, tx1)
	tx2 := f.signedTx(t)
	f.addBlock(t, 2, 0, tx2)
	f.addBlock(t, 3, 0)
	f.addBlock(t, 4, 0)

	f.pub.failRemaining = 2
	f.ix.cursor = 1
	f.ix.latestSeen = 4

	require.Error(t, f.ix.indexOnce(ctx))
	require.Error(t, f.ix.indexOnce(ctx))
	assert.Equal(t, uint64(1), f.ix.cursor, "cursor held while attempts remain")

	// Budget spent: the block is skipped and indexing moves on.
	require.NoError(t, f.ix.indexOnce(ctx))
	assert.Equal(t, []string{tx2.Hash().Hex()}, f.pub.hashes())
	assert.Equal(t, uint64(3), f.ix.cursor)

	stats, err := f.st.Stats(ctx, testChainID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Completed)
}

func TestRetryDelayDefersReattempt(t *testing.T) {
	f := newFixtureWith(t, Config{
		ChainID:       testChainID,
		ChainName:     "testchain",
		Confirmations: 2,
		BatchSize:     10,
		RetryDelay:    time.Hour,
	})
	ctx := context.Background()

	tx := f.signedTx(t)
	f.addBlock(t, 1, 0, tx)
	f.addBlock(t, 2, 0)
	f.addBlock(t, 3, 0)

	f.pub.failRemaining = 1
	f.ix.cursor = 1
	f.ix.latestSeen = 3

	require.Error(t, f.ix.indexOnce(ctx))

	// Within the delay the pass parks on the block without a new attempt.
	require.NoError(t, f.ix.indexOnce(ctx))
	assert.Empty(t, f.pub.hashes())
	assert.Equal(t, uint64(1), f.ix.cursor)
}

func TestUnhealthyEndpointRestartsIndexer(t *testing.T) {
	f := newFixtureWith(t, Config{
		ChainID:             testChainID,
		ChainName:           "testchain",
		Confirmations:       2,
		HeadRefreshInterval: time.Hour,
		IndexInterval:       time.Hour,
		HealthInterval:      5 * time.Millisecond,
	})
	f.chain.unhealthy = errors.New("rpc down")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ix.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.chain.subscriptions() >= 2
	}, 2*time.Second, time.Millisecond, "health tick re-subscribes the head feed")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRestoreCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Fresh chain: start at head minus confirmations.
	f.chain.head = 50
	require.NoError(t, f.ix.restoreCursor(ctx))
	assert.Equal(t, uint64(48), f.ix.cursor)

	// With progress markers: resume right after the latest one.
	require.NoError(t, f.st.AddProcessed(ctx, &types.BlockRef{
		ChainID: testChainID, Number: 42, Hash: "0xbeef", ParentHash: "0xdead",
	}))
	require.NoError(t, f.ix.restoreCursor(ctx))
	assert.Equal(t, uint64(43), f.ix.cursor)
}
