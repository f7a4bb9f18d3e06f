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

package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crossvault/go-crossvault/types"
)

func msgAt(hash string, ts uint64) *types.Message {
	return &types.Message{
		Timestamp: ts,
		Metadata:  types.Metadata{TxHash: hash, Timestamp: ts},
	}
}

func TestSortByTimestampAscending(t *testing.T) {
	in := []*types.Message{msgAt("0xc", 300), msgAt("0xa", 100), msgAt("0xb", 200)}
	out := SortByTimestamp(in)

	assert.Equal(t, "0xa", out[0].Metadata.TxHash)
	assert.Equal(t, "0xb", out[1].Metadata.TxHash)
	assert.Equal(t, "0xc", out[2].Metadata.TxHash)

	// Input order untouched.
	assert.Equal(t, "0xc", in[0].Metadata.TxHash)
}

func TestSortByTimestampStableForEqualStamps(t *testing.T) {
	// Same block, same timestamp: block (publication) order must survive.
	in := []*types.Message{msgAt("0x1", 100), msgAt("0x2", 100), msgAt("0x3", 100)}
	out := SortByTimestamp(in)
	assert.Equal(t, "0x1", out[0].Metadata.TxHash)
	assert.Equal(t, "0x2", out[1].Metadata.TxHash)
	assert.Equal(t, "0x3", out[2].Metadata.TxHash)
}
