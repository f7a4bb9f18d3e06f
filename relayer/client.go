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

// Package relayer submits signed writes to the on-chain relayer and vault
// contracts and reads lending pool utilization. One signer key serves every
// chain; transactions on the same chain are serialized to keep nonces
// ordered.
package relayer

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/crossvault/go-crossvault/metrics"
)

const relayerABIJSON = `[
	{"type":"function","name":"updateNFTOwnershipRoot","stateMutability":"nonpayable","inputs":[{"name":"root","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"processRequest","stateMutability":"nonpayable","inputs":[{"name":"requestId","type":"bytes32"},{"name":"approved","type":"bool"}],"outputs":[{"name":"status","type":"uint8"},{"name":"errorData","type":"bytes"}]}
]`

const vaultABIJSON = `[
	{"type":"function","name":"completeWithdraw","stateMutability":"nonpayable","inputs":[{"name":"handler","type":"address"},{"name":"requestId","type":"bytes32"},{"name":"proof","type":"bytes32[]"},{"name":"additionalData","type":"bytes"}],"outputs":[]}
]`

const poolABIJSON = `[
	{"type":"function","name":"utilization","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	relayerABI = mustABI(relayerABIJSON)
	vaultABI   = mustABI(vaultABIJSON)
	poolABI    = mustABI(poolABIJSON)
)

func mustABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

// utilizationScale is the fixed-point scale lending pools report in.
const utilizationScale = 6

// ErrUnknownChain is returned for a chain with no configured endpoint.
var ErrUnknownChain = fmt.Errorf("relayer: unknown chain")

// Backend is the chain access a binding needs: contract calls, signed
// sends and receipt waits. Satisfied by ethclient.Client.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Endpoint describes one chain's contracts.
type Endpoint struct {
	ChainID         uint64
	Backend         Backend
	RelayerContract common.Address
	VaultContract   common.Address
	LendingPools    map[string]common.Address // protocol name -> pool
}

type chainBinding struct {
	mu      sync.Mutex // serializes sends, keeping nonces ordered
	auth    *bind.TransactOpts
	backend Backend
	relayer *bind.BoundContract
	vault   *bind.BoundContract
	pools   map[string]*bind.BoundContract
}

// Client holds one signed binding per configured chain.
type Client struct {
	bindings map[uint64]*chainBinding
	log      log.Logger
}

// New derives the signer from privateKeyHex and binds every endpoint.
func New(privateKeyHex string, endpoints []Endpoint) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("relayer signer: %w", err)
	}
	c := &Client{
		bindings: make(map[uint64]*chainBinding, len(endpoints)),
		log:      log.New("module", "relayer"),
	}
	for _, ep := range endpoints {
		auth, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(ep.ChainID))
		if err != nil {
			return nil, fmt.Errorf("transactor for chain %d: %w", ep.ChainID, err)
		}
		b := &chainBinding{
			auth:    auth,
			backend: ep.Backend,
			relayer: bind.NewBoundContract(ep.RelayerContract, relayerABI, ep.Backend, ep.Backend, ep.Backend),
			vault:   bind.NewBoundContract(ep.VaultContract, vaultABI, ep.Backend, ep.Backend, ep.Backend),
			pools:   make(map[string]*bind.BoundContract, len(ep.LendingPools)),
		}
		for protocol, addr := range ep.LendingPools {
			b.pools[protocol] = bind.NewBoundContract(addr, poolABI, ep.Backend, ep.Backend, ep.Backend)
		}
		c.bindings[ep.ChainID] = b
	}
	return c, nil
}

func (c *Client) binding(chainID uint64) (*chainBinding, error) {
	b, ok := c.bindings[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return b, nil
}

// UpdateNFTOwnershipRoot pushes a new ownership root to the chain's relayer
// contract and waits for inclusion.
func (c *Client) UpdateNFTOwnershipRoot(ctx context.Context, chainID uint64, root common.Hash) error {
	b, err := c.binding(chainID)
	if err != nil {
		return err
	}
	tx, err := c.transact(ctx, b, b.relayer, "updateNFTOwnershipRoot", [32]byte(root))
	if err != nil {
		return c.reject(chainID, "updateNFTOwnershipRoot", err)
	}
	return c.wait(ctx, b, chainID, "updateNFTOwnershipRoot", tx)
}

// ProcessRequest acknowledges a collateral request on-chain. The contract
// emits the resulting status as a CollateralProcess event; this call only
// submits the decision.
func (c *Client) ProcessRequest(ctx context.Context, chainID uint64, requestID common.Hash, approved bool) error {
	b, err := c.binding(chainID)
	if err != nil {
		return err
	}
	tx, err := c.transact(ctx, b, b.relayer, "processRequest", [32]byte(requestID), approved)
	if err != nil {
		return c.reject(chainID, "processRequest", err)
	}
	return c.wait(ctx, b, chainID, "processRequest", tx)
}

// CompleteWithdraw settles a validated withdrawal through the vault entry
// point. additionalData is the ABI encoding of the asset address.
func (c *Client) CompleteWithdraw(ctx context.Context, chainID uint64, handler common.Address, requestID common.Hash, proof []common.Hash, asset common.Address) error {
	b, err := c.binding(chainID)
	if err != nil {
		return err
	}
	path := make([][32]byte, len(proof))
	for i, h := range proof {
		path[i] = h
	}
	additionalData := common.LeftPadBytes(asset.Bytes(), 32)
	tx, err := c.transact(ctx, b, b.vault, "completeWithdraw", handler, [32]byte(requestID), path, additionalData)
	if err != nil {
		return c.reject(chainID, "completeWithdraw", err)
	}
	return c.wait(ctx, b, chainID, "completeWithdraw", tx)
}

// Utilization reads the outstanding debt a protocol's pool reports against
// a token position, as a USD decimal.
func (c *Client) Utilization(ctx context.Context, chainID uint64, protocol, tokenID string) (decimal.Decimal, error) {
	b, err := c.binding(chainID)
	if err != nil {
		return decimal.Zero, err
	}
	pool, ok := b.pools[protocol]
	if !ok {
		return decimal.Zero, fmt.Errorf("relayer: no pool for protocol %q on chain %d", protocol, chainID)
	}
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("relayer: invalid token id %q", tokenID)
	}
	var out []interface{}
	if err := pool.Call(&bind.CallOpts{Context: ctx}, &out, "utilization", id); err != nil {
		return decimal.Zero, fmt.Errorf("utilization %s/%s: %w", protocol, tokenID, err)
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("utilization %s/%s: unexpected return type %T", protocol, tokenID, out[0])
	}
	return decimal.NewFromBigInt(raw, -utilizationScale), nil
}

// transact sends one signed call under the chain's send lock.
func (c *Client) transact(ctx context.Context, b *chainBinding, contract *bind.BoundContract, method string, args ...interface{}) (*types.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	opts := *b.auth
	opts.Context = ctx
	return contract.Transact(&opts, method, args...)
}

// wait blocks until the transaction is mined; cancellation aborts the wait
// but not the transaction.
func (c *Client) wait(ctx context.Context, b *chainBinding, chainID uint64, method string, tx *types.Transaction) error {
	receipt, err := bind.WaitMined(ctx, b.backend, tx)
	if err != nil {
		return c.reject(chainID, method, fmt.Errorf("wait %s: %w", tx.Hash(), err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return c.reject(chainID, method, fmt.Errorf("transaction %s reverted", tx.Hash()))
	}
	metrics.RelayerSubmissions.WithLabelValues(chainName(chainID), method, "ok").Inc()
	c.log.Info("Relayer transaction mined", "chain", chainID, "method", method, "tx", tx.Hash())
	return nil
}

func (c *Client) reject(chainID uint64, method string, err error) error {
	metrics.RelayerSubmissions.WithLabelValues(chainName(chainID), method, "error").Inc()
	return err
}

func chainName(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}
