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

package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/crossvault/go-crossvault/types"
)

// errMalformedLog marks a log whose shape does not match its topic0. Such
// logs are skipped, never fatal.
var errMalformedLog = fmt.Errorf("ledger: malformed log")

var (
	typUint256 = mustType("uint256")
	typUint8   = mustType("uint8")
	typAddress = mustType("address")
	typBytes32 = mustType("bytes32")
	typBytes   = mustType("bytes")
	typString  = mustType("string")
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// Non-indexed data layouts of the watched events. The sender (or, for
// CollateralProcess, the request id) is the single indexed parameter.
var (
	depositData = abi.Arguments{
		{Name: "asset", Type: typAddress},
		{Name: "vault", Type: typAddress},
		{Name: "amount", Type: typUint256},
		{Name: "tokenId", Type: typUint256},
	}
	withdrawRequestData = abi.Arguments{
		{Name: "asset", Type: typAddress},
		{Name: "amount", Type: typUint256},
		{Name: "tokenId", Type: typUint256},
		{Name: "requestId", Type: typBytes32},
	}
	withdrawData = abi.Arguments{
		{Name: "requestId", Type: typBytes32},
		{Name: "asset", Type: typAddress},
		{Name: "amount", Type: typUint256},
	}
	collateralRequestData = abi.Arguments{
		{Name: "requestId", Type: typBytes32},
		{Name: "tokenId", Type: typUint256},
		{Name: "protocol", Type: typString},
		{Name: "asset", Type: typAddress},
		{Name: "amount", Type: typUint256},
		{Name: "deadline", Type: typUint256},
		{Name: "data", Type: typBytes},
		{Name: "signature", Type: typBytes},
	}
	collateralProcessData = abi.Arguments{
		{Name: "status", Type: typUint8},
		{Name: "errorData", Type: typBytes},
	}
	repayData = abi.Arguments{
		{Name: "amount", Type: typUint256},
	}
)

// DecodeVaultEvent decodes a vault log (Deposit, WithdrawRequest or
// Withdraw) into a VaultEvent carrying the message's origin fields. The
// USD value is filled in later by the ledger.
func DecodeVaultEvent(msg *types.Message, lg *types.Log) (*types.VaultEvent, error) {
	topic0, sender, data, err := splitLog(lg)
	if err != nil {
		return nil, err
	}
	ev := &types.VaultEvent{
		ChainID:   msg.Metadata.ChainID,
		TxHash:    msg.Metadata.TxHash,
		LogIndex:  lg.Index,
		Sender:    sender,
		Timestamp: msg.Timestamp,
	}
	switch topic0 {
	case types.TopicVaultDeposit:
		vals, err := depositData.Unpack(data)
		if err != nil {
			return nil, fmt.Errorf("%w: deposit: %v", errMalformedLog, err)
		}
		ev.Type = types.VaultDeposit
		ev.Asset = lowerAddr(vals[0])
		ev.Vault = lowerAddr(vals[1])
		ev.Amount = bigDecimal(vals[2])
		ev.TokenID = bigString(vals[3])
	case types.TopicWithdrawRequest:
		vals, err := withdrawRequestData.Unpack(data)
		if err != nil {
			return nil, fmt.Errorf("%w: withdraw request: %v", errMalformedLog, err)
		}
		ev.Type = types.VaultWithdrawRequest
		ev.Asset = lowerAddr(vals[0])
		ev.Amount = bigDecimal(vals[1])
		ev.TokenID = bigString(vals[2])
		ev.RequestID = hashHex(vals[3])
	case types.TopicWithdraw:
		vals, err := withdrawData.Unpack(data)
		if err != nil {
			return nil, fmt.Errorf("%w: withdraw: %v", errMalformedLog, err)
		}
		ev.Type = types.VaultWithdraw
		ev.RequestID = hashHex(vals[0])
		ev.Asset = lowerAddr(vals[1])
		ev.Amount = bigDecimal(vals[2])
	default:
		return nil, fmt.Errorf("%w: unexpected topic %s", errMalformedLog, topic0)
	}
	return ev, nil
}

// DecodeRelayerEvent decodes a relayer log (CollateralRequest,
// CollateralProcess or Repay) into a RelayerEvent. For Repay, which has no
// request id on-chain, the transaction hash stands in as the dedup key and
// the repaid asset is resolved from the co-emitted ERC20 Transfer log of
// the same transaction.
func DecodeRelayerEvent(msg *types.Message, lg *types.Log) (*types.RelayerEvent, error) {
	topic0, indexed, data, err := splitLog(lg)
	if err != nil {
		return nil, err
	}
	ev := &types.RelayerEvent{
		ChainID:   msg.Metadata.ChainID,
		Timestamp: msg.Timestamp,
	}
	switch topic0 {
	case types.TopicCollateralRequest:
		vals, err := collateralRequestData.Unpack(data)
		if err != nil {
			return nil, fmt.Errorf("%w: collateral request: %v", errMalformedLog, err)
		}
		ev.Type = types.CollateralRequest
		ev.Sender = indexed
		ev.RequestID = hashHex(vals[0])
		ev.TokenID = bigString(vals[1])
		ev.Protocol = vals[2].(string)
		ev.Asset = lowerAddr(vals[3])
		ev.Amount = bigDecimal(vals[4])
		ev.Deadline = vals[5].(*big.Int).Uint64()
		ev.Data = vals[6].([]byte)
		ev.Signature = vals[7].([]byte)
		ev.Status = types.RequestPending
	case types.TopicCollateralProcess:
		vals, err := collateralProcessData.Unpack(data)
		if err != nil {
			return nil, fmt.Errorf("%w: collateral process: %v", errMalformedLog, err)
		}
		ev.Type = types.CollateralProcess
		ev.RequestID = indexed // topic1 is the request id here
		ev.Status = processStatus(vals[0].(uint8))
		ev.ErrorData = vals[1].([]byte)
		ev.ProcessTxHash = msg.Metadata.TxHash
	case types.TopicRepay:
		vals, err := repayData.Unpack(data)
		if err != nil {
			return nil, fmt.Errorf("%w: repay: %v", errMalformedLog, err)
		}
		ev.Type = types.Repay
		ev.Sender = indexed
		ev.RequestID = strings.ToLower(msg.Metadata.TxHash)
		ev.Amount = bigDecimal(vals[0])
		ev.Asset = repaidAsset(msg, lg)
	default:
		return nil, fmt.Errorf("%w: unexpected topic %s", errMalformedLog, topic0)
	}
	return ev, nil
}

// repaidAsset finds the ERC20 Transfer log co-emitted with a Repay in the
// same transaction; its emitting contract is the repaid asset. Empty when
// no such log exists.
func repaidAsset(msg *types.Message, repayLog *types.Log) string {
	for i := range msg.Transaction.Logs {
		lg := &msg.Transaction.Logs[i]
		if lg.Index == repayLog.Index || len(lg.Topics) != 3 {
			continue
		}
		if common.HexToHash(lg.Topics[0]) == types.TopicERC20Transfer {
			return strings.ToLower(lg.Address)
		}
	}
	return ""
}

// splitLog validates the common shape: topic0 plus one indexed parameter,
// returned as a lowercase address-or-hash string, and the decoded data.
func splitLog(lg *types.Log) (common.Hash, string, []byte, error) {
	if len(lg.Topics) < 2 {
		return common.Hash{}, "", nil, fmt.Errorf("%w: %d topics", errMalformedLog, len(lg.Topics))
	}
	data, err := hexutil.Decode(lg.Data)
	if err != nil {
		return common.Hash{}, "", nil, fmt.Errorf("%w: data: %v", errMalformedLog, err)
	}
	topic0 := common.HexToHash(lg.Topics[0])
	indexed := common.HexToHash(lg.Topics[1])
	if topic0 == types.TopicCollateralProcess {
		return topic0, indexed.Hex(), data, nil
	}
	// The indexed parameter is an address, right-aligned in the topic.
	return topic0, strings.ToLower(common.BytesToAddress(indexed.Bytes()).Hex()), data, nil
}

func processStatus(status uint8) types.RequestStatus {
	if status == 1 {
		return types.RequestApproved
	}
	return types.RequestRejected
}

func lowerAddr(v interface{}) string {
	return strings.ToLower(v.(common.Address).Hex())
}

func bigDecimal(v interface{}) decimal.Decimal {
	return decimal.NewFromBigInt(v.(*big.Int), 0)
}

func bigString(v interface{}) string {
	return v.(*big.Int).String()
}

func hashHex(v interface{}) string {
	h := v.([32]byte)
	return common.Hash(h).Hex()
}
