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

// Package merkle maintains the NFT ownership commitment: a sorted-pair
// keccak256 tree over (owner, tokenId) leaves, derived from the transfer
// history and pushed to the on-chain relayers.
package merkle

import (
	"bytes"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrEmptyTree is returned when a tree is requested over zero leaves.
var ErrEmptyTree = errors.New("merkle: no leaves")

// ErrLeafNotFound is returned by Prove for a leaf outside the tree.
var ErrLeafNotFound = errors.New("merkle: leaf not in tree")

// LeafHash is keccak256(abi.encodePacked(address owner, uint256 tokenId)),
// matching the on-chain verifier.
func LeafHash(owner common.Address, tokenID *big.Int) common.Hash {
	packed := make([]byte, 0, 52)
	packed = append(packed, owner.Bytes()...)
	packed = append(packed, common.LeftPadBytes(tokenID.Bytes(), 32)...)
	return crypto.Keccak256Hash(packed)
}

// hashPair combines two nodes with the inputs sorted ascending, making the
// tree order-insensitive at each level.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Tree is a binary sorted-pair merkle tree. Odd node counts carry the last
// node up unhashed.
type Tree struct {
	layers [][]common.Hash // layers[0] is the leaf layer
}

// NewTree builds the tree over the given leaves.
func NewTree(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	layer := make([]common.Hash, len(leaves))
	copy(layer, leaves)
	layers := [][]common.Hash{layer}
	for len(layer) > 1 {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			next = append(next, hashPair(layer[i], layer[i+1]))
		}
		layers = append(layers, next)
		layer = next
	}
	return &Tree{layers: layers}, nil
}

// Root returns the tree root.
func (t *Tree) Root() common.Hash {
	top := t.layers[len(t.layers)-1]
	return top[0]
}

// Prove returns the sibling path of the first occurrence of leaf.
func (t *Tree) Prove(leaf common.Hash) ([]common.Hash, error) {
	index := -1
	for i, l := range t.layers[0] {
		if l == leaf {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, ErrLeafNotFound
	}
	proof := []common.Hash{}
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := index ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// VerifyProof checks a sibling path against a root.
func VerifyProof(root, leaf common.Hash, proof []common.Hash) bool {
	node := leaf
	for _, sibling := range proof {
		node = hashPair(node, sibling)
	}
	return node == root
}
