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

// Package filter implements topic-based log filtering for the indexer: a
// bloom-gated topic matcher and the per-block transaction processor with
// adaptive receipt-fetch concurrency.
package filter

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TopicFilter selects logs whose first topic equals Topic0. When Contract
// is non-nil only logs emitted by that address match.
type TopicFilter struct {
	Topic0      common.Hash
	Contract    *common.Address
	Description string
}

// Matcher holds the active topic filters together with a bloom pre-filter
// over the topic0 set. The bloom is the standard 2048-bit three-hash log
// bloom, so a block-level bloom miss is definitive.
type Matcher struct {
	mu         sync.RWMutex
	filters    []TopicFilter
	bloom      types.Bloom
	exact      map[common.Hash][]TopicFilter
	byContract map[common.Address][]TopicFilter
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	m := &Matcher{}
	m.rebuild(nil)
	return m
}

// Add installs a filter. Duplicate (topic0, contract) pairs are collapsed.
func (m *Matcher) Add(f TopicFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.filters {
		if existing.Topic0 == f.Topic0 && addrEq(existing.Contract, f.Contract) {
			return
		}
	}
	m.rebuild(append(m.filters, f))
}

// Remove uninstalls every filter with the given topic0.
func (m *Matcher) Remove(topic0 common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.filters[:0]
	for _, f := range m.filters {
		if f.Topic0 != topic0 {
			kept = append(kept, f)
		}
	}
	m.rebuild(kept)
}

// rebuild recomputes the bloom and the derived indexes. Caller holds the
// write lock.
func (m *Matcher) rebuild(filters []TopicFilter) {
	m.filters = filters
	m.bloom = types.Bloom{}
	m.exact = make(map[common.Hash][]TopicFilter, len(filters))
	m.byContract = make(map[common.Address][]TopicFilter)
	for _, f := range filters {
		m.bloom.Add(f.Topic0.Bytes())
		m.exact[f.Topic0] = append(m.exact[f.Topic0], f)
		if f.Contract != nil {
			m.byContract[*f.Contract] = append(m.byContract[*f.Contract], f)
		}
	}
}

// Len returns the number of installed filters.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filters)
}

// Filters returns a snapshot of the installed filters.
func (m *Matcher) Filters() []TopicFilter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TopicFilter, len(m.filters))
	copy(out, m.filters)
	return out
}

// Contracts returns the set of addresses any filter is constrained to.
func (m *Matcher) Contracts() map[common.Address]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[common.Address]struct{}, len(m.byContract))
	for addr := range m.byContract {
		out[addr] = struct{}{}
	}
	return out
}

// MayMatch is the bloom pre-test for a log's first topic. False means no
// installed filter can match; true requires an exact Match check.
func (m *Matcher) MayMatch(topic0 common.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.filters) == 0 {
		return false
	}
	return types.BloomLookup(m.bloom, topic0)
}

// Match tests a log against the exact filter set. It returns the matched
// topic0 if the log's first topic is installed and the filter either has no
// contract constraint or the log was emitted by the constrained address.
func (m *Matcher) Match(lg *types.Log) (common.Hash, bool) {
	if len(lg.Topics) == 0 {
		return common.Hash{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.exact[lg.Topics[0]] {
		if f.Contract == nil || *f.Contract == lg.Address {
			return f.Topic0, true
		}
	}
	return common.Hash{}, false
}

func addrEq(a, b *common.Address) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	default:
		return *a == *b
	}
}
