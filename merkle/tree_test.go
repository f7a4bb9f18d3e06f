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
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafSet(n int) []common.Hash {
	leaves := make([]common.Hash, n)
	for i := range leaves {
		addr := common.HexToAddress(fmt.Sprintf("0x%040x", i+1))
		leaves[i] = LeafHash(addr, big.NewInt(int64(i+1)))
	}
	return leaves
}

func TestTreeEmptyRejected(t *testing.T) {
	_, err := NewTree(nil)
	assert.ErrorIs(t, err, ErrEmptyTree)
}

func TestTreeSingleLeafRootIsLeaf(t *testing.T) {
	leaves := leafSet(1)
	tree, err := NewTree(leaves)
	require.NoError(t, err)
	assert.Equal(t, leaves[0], tree.Root())

	proof, err := tree.Prove(leaves[0])
	require.NoError(t, err)
	assert.Empty(t, proof)
	assert.True(t, VerifyProof(tree.Root(), leaves[0], proof))
}

func TestTreeAllProofsVerify(t *testing.T) {
	for _, n := range []int{2, 3, 5, 8, 13} {
		leaves := leafSet(n)
		tree, err := NewTree(leaves)
		require.NoError(t, err)
		root := tree.Root()
		for _, leaf := range leaves {
			proof, err := tree.Prove(leaf)
			require.NoError(t, err, "n=%d", n)
			assert.True(t, VerifyProof(root, leaf, proof), "n=%d leaf=%s", n, leaf)
		}
	}
}

func TestTreeSortedPairsAreOrderInsensitive(t *testing.T) {
	a := LeafHash(common.HexToAddress("0x1"), big.NewInt(1))
	b := LeafHash(common.HexToAddress("0x2"), big.NewInt(2))
	forward, err := NewTree([]common.Hash{a, b})
	require.NoError(t, err)
	reverse, err := NewTree([]common.Hash{b, a})
	require.NoError(t, err)
	assert.Equal(t, forward.Root(), reverse.Root())
}

func TestTreeProofFailsForForeignLeaf(t *testing.T) {
	tree, err := NewTree(leafSet(4))
	require.NoError(t, err)
	outsider := LeafHash(common.HexToAddress("0xdead"), big.NewInt(99))
	_, err = tree.Prove(outsider)
	assert.ErrorIs(t, err, ErrLeafNotFound)
	assert.False(t, VerifyProof(tree.Root(), outsider, nil))
}

func TestVerifyProofRejectsTamperedPath(t *testing.T) {
	leaves := leafSet(4)
	tree, err := NewTree(leaves)
	require.NoError(t, err)
	proof, err := tree.Prove(leaves[0])
	require.NoError(t, err)
	require.NotEmpty(t, proof)

	proof[0] = common.HexToHash("0x1234")
	assert.False(t, VerifyProof(tree.Root(), leaves[0], proof))
}
