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
	"errors"
	"fmt"
	"math/big"
)

// Log is one matched event log inside a FilteredTransaction. Only logs that
// matched an active topic filter are carried on the wire.
type Log struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber uint64   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	Index       uint     `json:"logIndex"`
}

// FilteredTransaction is a transaction that carried at least one matched
// log, as produced by the block processor and serialized onto the channel.
type FilteredTransaction struct {
	ChainID       uint64
	ChainName     string
	BlockHash     string
	BlockNumber   uint64
	Hash          string
	From          string
	To            string // empty for contract creations
	Value         *big.Int
	Data          string
	Status        uint64
	GasUsed       *big.Int
	GasPrice      *big.Int
	Timestamp     uint64 // block timestamp, seconds
	MatchedTopics []string
	Logs          []Log
}

// MarshalJSON emits the wire shape. Integer fields that can exceed 53 bits
// (value, gasUsed, gasPrice) go out as decimal strings so that JavaScript
// consumers cannot silently lose precision.
func (t *FilteredTransaction) MarshalJSON() ([]byte, error) {
	fields := map[string]interface{}{
		"hash":        t.Hash,
		"blockNumber": t.BlockNumber,
		"blockHash":   t.BlockHash,
		"chainId":     t.ChainID,
		"chainName":   t.ChainName,
		"from":        t.From,
		"value":       bigString(t.Value),
		"status":      t.Status,
		"timestamp":   t.Timestamp,
		"topics":      t.MatchedTopics,
		"logs":        t.Logs,
	}
	if t.To != "" {
		fields["to"] = t.To
	}
	if t.Data != "" {
		fields["data"] = t.Data
	}
	if t.GasUsed != nil {
		fields["gasUsed"] = t.GasUsed.String()
	}
	if t.GasPrice != nil {
		fields["gasPrice"] = t.GasPrice.String()
	}
	return json.Marshal(fields)
}

// UnmarshalJSON accepts the wire shape, tolerating both string and numeric
// encodings of the wide integer fields.
func (t *FilteredTransaction) UnmarshalJSON(data []byte) error {
	var raw struct {
		Hash        string      `json:"hash"`
		BlockNumber uint64      `json:"blockNumber"`
		BlockHash   string      `json:"blockHash"`
		ChainID     uint64      `json:"chainId"`
		ChainName   string      `json:"chainName"`
		From        string      `json:"from"`
		To          string      `json:"to"`
		Value       json.Number `json:"value"`
		Data        string      `json:"data"`
		Status      uint64      `json:"status"`
		GasUsed     json.Number `json:"gasUsed"`
		GasPrice    json.Number `json:"gasPrice"`
		Timestamp   uint64      `json:"timestamp"`
		Topics      []string    `json:"topics"`
		Logs        []Log       `json:"logs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Hash = raw.Hash
	t.BlockNumber = raw.BlockNumber
	t.BlockHash = raw.BlockHash
	t.ChainID = raw.ChainID
	t.ChainName = raw.ChainName
	t.From = raw.From
	t.To = raw.To
	t.Data = raw.Data
	t.Status = raw.Status
	t.Timestamp = raw.Timestamp
	t.MatchedTopics = raw.Topics
	t.Logs = raw.Logs
	var err error
	if t.Value, err = bigFromNumber(raw.Value); err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}
	if t.GasUsed, err = bigFromNumber(raw.GasUsed); err != nil {
		return fmt.Errorf("invalid gasUsed: %w", err)
	}
	if t.GasPrice, err = bigFromNumber(raw.GasPrice); err != nil {
		return fmt.Errorf("invalid gasPrice: %w", err)
	}
	return nil
}

// Event is a decoded event rider attached to a message.
type Event struct {
	Name     string                 `json:"name"`
	Contract string                 `json:"contract"`
	Args     map[string]interface{} `json:"args"`
	Address  string                 `json:"address"`
}

// Metadata identifies the origin of a message without decoding the payload.
type Metadata struct {
	ChainID     uint64 `json:"chainId"`
	ChainName   string `json:"chainName"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
	Timestamp   uint64 `json:"timestamp"`
}

// Message is the canonical channel message: one filtered transaction plus
// routing metadata. This is the internal shape; the subscriber normalizes
// both supported wire encodings into it via DecodeMessage.
type Message struct {
	Transaction FilteredTransaction `json:"transaction"`
	Events      []Event             `json:"events"`
	Timestamp   uint64              `json:"timestamp"`
	Metadata    Metadata            `json:"metadata"`
}

// NewMessage builds the canonical message for one filtered transaction.
func NewMessage(tx *FilteredTransaction) *Message {
	return &Message{
		Transaction: *tx,
		Events:      []Event{},
		Timestamp:   tx.Timestamp,
		Metadata: Metadata{
			ChainID:     tx.ChainID,
			ChainName:   tx.ChainName,
			BlockNumber: tx.BlockNumber,
			TxHash:      tx.Hash,
			Timestamp:   tx.Timestamp,
		},
	}
}

var errEmptyMessage = errors.New("empty message payload")

// legacyMessage is the flat shape emitted by older producers. It lacks the
// metadata envelope and carries the matched topics beside the transaction.
type legacyMessage struct {
	Transaction FilteredTransaction `json:"transaction"`
	Timestamp   uint64              `json:"timestamp"`
	Topics      []string            `json:"topics"`
}

// DecodeMessage normalizes a raw channel payload into a Message. Both the
// enhanced shape (with a metadata envelope) and the legacy flat shape are
// accepted; anything else is an error.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, errEmptyMessage
	}
	var peek struct {
		Metadata *json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("undecodable message: %w", err)
	}
	if peek.Metadata != nil {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("undecodable enhanced message: %w", err)
		}
		if msg.Transaction.Hash == "" {
			return nil, errEmptyMessage
		}
		return &msg, nil
	}
	var legacy legacyMessage
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("undecodable legacy message: %w", err)
	}
	if legacy.Transaction.Hash == "" {
		return nil, errEmptyMessage
	}
	tx := legacy.Transaction
	if len(tx.MatchedTopics) == 0 {
		tx.MatchedTopics = legacy.Topics
	}
	if tx.Timestamp == 0 {
		tx.Timestamp = legacy.Timestamp
	}
	msg := NewMessage(&tx)
	msg.Timestamp = legacy.Timestamp
	msg.Metadata.Timestamp = legacy.Timestamp
	return msg, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigFromNumber(n json.Number) (*big.Int, error) {
	s := n.String()
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal integer: %q", s)
	}
	return v, nil
}
