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
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cvtypes "github.com/crossvault/go-crossvault/types"
)

func TestMatcherExactAndBloom(t *testing.T) {
	m := NewMatcher()
	m.Add(TopicFilter{Topic0: cvtypes.TopicERC721Transfer, Description: "erc721 transfer"})

	assert.True(t, m.MayMatch(cvtypes.TopicERC721Transfer))

	lg := &types.Log{
		Address: common.HexToAddress("0x1"),
		Topics:  []common.Hash{cvtypes.TopicERC721Transfer},
	}
	topic, ok := m.Match(lg)
	require.True(t, ok)
	assert.Equal(t, cvtypes.TopicERC721Transfer, topic)

	other := &types.Log{Topics: []common.Hash{cvtypes.TopicRepay}}
	_, ok = m.Match(other)
	assert.False(t, ok)
}

func TestMatcherContractScope(t *testing.T) {
	vault := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	m := NewMatcher()
	m.Add(TopicFilter{Topic0: cvtypes.TopicVaultDeposit, Contract: &vault})

	fromVault := &types.Log{Address: vault, Topics: []common.Hash{cvtypes.TopicVaultDeposit}}
	_, ok := m.Match(fromVault)
	assert.True(t, ok)

	elsewhere := &types.Log{
		Address: common.HexToAddress("0xbb"),
		Topics:  []common.Hash{cvtypes.TopicVaultDeposit},
	}
	_, ok = m.Match(elsewhere)
	assert.False(t, ok, "contract-scoped filter must not match other emitters")

	contracts := m.Contracts()
	_, ok = contracts[vault]
	assert.True(t, ok)
}

func TestMatcherRemoveRebuildsBloom(t *testing.T) {
	m := NewMatcher()
	m.Add(TopicFilter{Topic0: cvtypes.TopicVaultDeposit})
	m.Add(TopicFilter{Topic0: cvtypes.TopicWithdraw})
	require.Equal(t, 2, m.Len())

	m.Remove(cvtypes.TopicVaultDeposit)
	assert.Equal(t, 1, m.Len())
	assert.True(t, m.MayMatch(cvtypes.TopicWithdraw))

	lg := &types.Log{Topics: []common.Hash{cvtypes.TopicVaultDeposit}}
	_, ok := m.Match(lg)
	assert.False(t, ok)
}

func TestMatcherEmptyNeverMatches(t *testing.T) {
	m := NewMatcher()
	assert.False(t, m.MayMatch(cvtypes.TopicERC721Transfer))
	_, ok := m.Match(&types.Log{Topics: []common.Hash{cvtypes.TopicERC721Transfer}})
	assert.False(t, ok)
}

func TestMatcherDuplicateAddCollapses(t *testing.T) {
	m := NewMatcher()
	m.Add(TopicFilter{Topic0: cvtypes.TopicRepay})
	m.Add(TopicFilter{Topic0: cvtypes.TopicRepay})
	assert.Equal(t, 1, m.Len())
}
