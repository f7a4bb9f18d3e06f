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

// Package chain abstracts EVM RPC access for the indexer: block and receipt
// reads, head subscriptions with a polling fallback, and a bounded
// transaction cache.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// DefaultRPCTimeout bounds individual RPC calls made by the indexer.
const DefaultRPCTimeout = 10 * time.Second

// pollInterval is the head polling cadence when no push endpoint is
// configured.
const pollInterval = time.Second

// Client is the read capability the indexer needs from a chain.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	// Healthy reports whether the endpoint answers an identity call and,
	// when push is configured, whether the push connection is alive.
	Healthy(ctx context.Context) error
	// SubscribeNewHead delivers new chain heads on ch. When no push
	// endpoint is configured the subscription polls at one second.
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// rpcClient is the ethclient-backed Client. A websocket endpoint is
// optional; when absent, head subscriptions fall back to polling.
type rpcClient struct {
	http *ethclient.Client
	ws   *ethclient.Client // nil without WS_URL
	log  log.Logger
}

// Dial connects to rpcURL and, when wsURL is non-empty, to the push
// endpoint as well.
func Dial(ctx context.Context, rpcURL, wsURL string) (Client, error) {
	httpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c := &rpcClient{http: httpc, log: log.New("module", "chain")}
	if wsURL != "" {
		wsc, err := ethclient.DialContext(ctx, wsURL)
		if err != nil {
			httpc.Close()
			return nil, fmt.Errorf("dial ws: %w", err)
		}
		c.ws = wsc
	}
	return c, nil
}

func (c *rpcClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.http.BlockNumber(ctx)
}

func (c *rpcClient) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	return c.http.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
}

func (c *rpcClient) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	return c.http.BlockByNumber(ctx, new(big.Int).SetUint64(number))
}

func (c *rpcClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return c.http.TransactionByHash(ctx, hash)
}

func (c *rpcClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.http.TransactionReceipt(ctx, hash)
}

func (c *rpcClient) ChainID(ctx context.Context) (*big.Int, error) {
	return c.http.ChainID(ctx)
}

func (c *rpcClient) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)
	defer cancel()
	if _, err := c.http.ChainID(ctx); err != nil {
		return fmt.Errorf("rpc identity: %w", err)
	}
	if c.ws != nil {
		if _, err := c.ws.ChainID(ctx); err != nil {
			return fmt.Errorf("ws identity: %w", err)
		}
	}
	return nil
}

func (c *rpcClient) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	if c.ws != nil {
		return c.ws.SubscribeNewHead(ctx, ch)
	}
	c.log.Debug("No push endpoint, polling for heads", "interval", pollInterval)
	return c.pollHeads(ch), nil
}

// pollHeads emulates a head subscription over plain HTTP. Only heads with a
// number above the previously delivered one are forwarded.
func (c *rpcClient) pollHeads(ch chan<- *types.Header) ethereum.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		var last uint64
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), DefaultRPCTimeout)
				head, err := c.http.HeaderByNumber(ctx, nil)
				cancel()
				if err != nil {
					c.log.Warn("Head poll failed", "err", err)
					continue
				}
				if n := head.Number.Uint64(); n > last {
					last = n
					select {
					case ch <- head:
					case <-quit:
						return nil
					}
				}
			case <-quit:
				return nil
			}
		}
	})
}

func (c *rpcClient) Close() {
	c.http.Close()
	if c.ws != nil {
		c.ws.Close()
	}
}
