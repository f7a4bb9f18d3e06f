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

import "github.com/ethereum/go-ethereum/common"

// Event signature hashes (topic0) of the contracts the pipeline watches.
var (
	// TopicERC721Transfer is Transfer(address,address,uint256).
	TopicERC721Transfer = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

	// TopicVaultDeposit is the vault Deposit event.
	TopicVaultDeposit = common.HexToHash("0x76fbc6746f9e1e68eb302e4a19e179d8e2d9dbb51a68e9b861b6f67181aa236e")

	// TopicWithdrawRequest is the vault WithdrawRequest event.
	TopicWithdrawRequest = common.HexToHash("0x1e8654c3b7e98c643406f2d70af1e69e6a3b4b0d3c68257e833beafcf4c88c3f")

	// TopicWithdraw is the vault Withdraw event.
	TopicWithdraw = common.HexToHash("0x31e649bf43b1a6d0e9161f5c381ee6a0f9a20ce42efad5a526b1d7f28fcd5af6")

	// TopicCollateralRequest is the relayer CollateralRequest event.
	TopicCollateralRequest = common.HexToHash("0xbbca15b3b7e2f61a04d1bd28e7d1c4f0872a18059b5f7c7ce433a9d05e97bc91")

	// TopicCollateralProcess is the relayer CollateralProcess event.
	TopicCollateralProcess = common.HexToHash("0xe261186b2a7c0875282a076a68a84b35a9eb41cb0a5cd34cc27d4b292b2f0972")

	// TopicRepay is the lending Repay event.
	TopicRepay = common.HexToHash("0x77c68712e331d0ba4587d1b3c53d4ec3692c4e88c674a73374659052f05731d0")

	// TopicERC20Transfer is Transfer(address,address,uint256) on ERC20
	// tokens; used to resolve the repaid asset from a co-emitted log.
	TopicERC20Transfer = TopicERC721Transfer
)
