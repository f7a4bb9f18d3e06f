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

package chain

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxEntry is a cached transaction with its receipt. NoReceipt marks a
// transaction known to have no retrievable receipt (a plain value transfer
// seen before contract filtering), so it is not re-fetched.
type TxEntry struct {
	Tx        *types.Transaction
	Receipt   *types.Receipt
	NoReceipt bool
}

// TxCache is a bounded hash-keyed cache of transactions and receipts.
// When the cap is exceeded, the oldest quarter of entries (by insertion) is
// dropped in one sweep, keeping the most recently inserted 75%.
//
// Entries must only be written once fully resolved; the block processor
// never stores partial results for a cancelled fetch.
type TxCache struct {
	mu    sync.Mutex
	cap   int
	items map[common.Hash]*TxEntry
	order []common.Hash // insertion order, oldest first
}

// NewTxCache creates a cache holding at most capacity entries.
func NewTxCache(capacity int) *TxCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &TxCache{
		cap:   capacity,
		items: make(map[common.Hash]*TxEntry, capacity),
	}
}

// Get returns the cached entry for hash, if any.
func (c *TxCache) Get(hash common.Hash) (*TxEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[hash]
	return e, ok
}

// Put stores a fully resolved entry, pruning if the cap is exceeded.
func (c *TxCache) Put(hash common.Hash, entry *TxEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[hash]; !exists {
		c.order = append(c.order, hash)
	}
	c.items[hash] = entry
	if len(c.items) > c.cap {
		c.prune()
	}
}

// prune drops the oldest 25% of entries. Caller holds the lock.
func (c *TxCache) prune() {
	keep := c.cap * 3 / 4
	drop := len(c.order) - keep
	if drop <= 0 {
		return
	}
	for _, h := range c.order[:drop] {
		delete(c.items, h)
	}
	c.order = append(c.order[:0], c.order[drop:]...)
}

// Len returns the number of cached entries.
func (c *TxCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
