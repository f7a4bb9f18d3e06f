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

package types

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilteredTransactionWideIntsAsStrings(t *testing.T) {
	value, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)

	tx := &FilteredTransaction{
		ChainID:     80094,
		ChainName:   "berachain",
		Hash:        "0xabc",
		BlockNumber: 205,
		From:        "0x1111111111111111111111111111111111111111",
		Value:       value,
		GasUsed:     big.NewInt(21000),
		GasPrice:    big.NewInt(1_000_000_007),
	}
	data, err := json.Marshal(tx)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "123456789012345678901234567890", raw["value"])
	assert.Equal(t, "21000", raw["gasUsed"])
	assert.Equal(t, "1000000007", raw["gasPrice"])

	var back FilteredTransaction
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Zero(t, back.Value.Cmp(value))
	assert.Equal(t, tx.Hash, back.Hash)
	assert.Equal(t, tx.ChainID, back.ChainID)
}

func TestFilteredTransactionOmitsEmptyTo(t *testing.T) {
	tx := &FilteredTransaction{Hash: "0xabc", Value: big.NewInt(0)}
	data, err := json.Marshal(tx)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	_, present := raw["to"]
	assert.False(t, present, "contract creation must not carry a to field")
}

func TestDecodeMessageEnhanced(t *testing.T) {
	payload := []byte(`{
		"transaction": {"hash": "0xdead", "blockNumber": 100, "chainId": 1,
		                "chainName": "mainnet", "from": "0xaa", "value": "42",
		                "timestamp": 1700000000, "topics": ["0x01"]},
		"events": [],
		"timestamp": 1700000000,
		"metadata": {"chainId": 1, "chainName": "mainnet", "blockNumber": 100,
		             "transactionHash": "0xdead", "timestamp": 1700000000}
	}`)
	msg, err := DecodeMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, "0xdead", msg.Transaction.Hash)
	assert.Equal(t, uint64(100), msg.Metadata.BlockNumber)
	assert.Equal(t, "42", msg.Transaction.Value.String())
}

func TestDecodeMessageLegacy(t *testing.T) {
	payload := []byte(`{
		"transaction": {"hash": "0xbeef", "blockNumber": 7, "chainId": 1,
		                "chainName": "mainnet", "from": "0xaa", "value": "1",
		                "data": "0x"},
		"timestamp": 1699999999,
		"topics": ["0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"]
	}`)
	msg, err := DecodeMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, "0xbeef", msg.Transaction.Hash)
	assert.Equal(t, uint64(1699999999), msg.Timestamp)
	// Topics beside the legacy transaction become the matched set.
	require.Len(t, msg.Transaction.MatchedTopics, 1)
	assert.Equal(t, "0xbeef", msg.Metadata.TxHash)
	assert.Equal(t, uint64(7), msg.Metadata.BlockNumber)
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeMessage(nil)
	assert.Error(t, err)
	_, err = DecodeMessage([]byte(`{"timestamp": 1}`))
	assert.Error(t, err)
	_, err = DecodeMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestVaultEventDedupKey(t *testing.T) {
	a := &VaultEvent{TxHash: "0x1", Type: VaultDeposit, TokenID: "5", Asset: "0xAB"}
	b := &VaultEvent{TxHash: "0x1", Type: VaultDeposit, TokenID: "5", Asset: "0xab"}
	assert.Equal(t, a.DedupKey(), b.DedupKey(), "asset case must not split the key")

	c := &VaultEvent{TxHash: "0x1", Type: VaultWithdraw, TokenID: "5", Asset: "0xab"}
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}
