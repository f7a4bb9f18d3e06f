// Copyright 2025 The go-crossvault Authors
// This file is part of go-crossvault.
//
// go-crossvault is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-crossvault is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-crossvault. If not, see <http://www.gnu.org/licenses/>.

// The consumer subscribes to the bus, maintains the NFT ownership tree
// with its on-chain roots and applies vault and relayer events to the
// collateral ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/crossvault/go-crossvault/bus"
	"github.com/crossvault/go-crossvault/config"
	"github.com/crossvault/go-crossvault/ledger"
	"github.com/crossvault/go-crossvault/merkle"
	"github.com/crossvault/go-crossvault/oracle"
	"github.com/crossvault/go-crossvault/relayer"
	"github.com/crossvault/go-crossvault/store"
	"github.com/crossvault/go-crossvault/types"
)

func main() {
	app := &cli.App{
		Name:  "crossvault-consumer",
		Usage: "apply published events to the ownership tree and collateral ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "environment file to load",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "use the in-memory store instead of postgres",
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "listen address of the metrics endpoint, empty disables it",
				EnvVars: []string{"METRICS_ADDR"},
			},
			&cli.IntFlag{
				Name:    "verbosity",
				Usage:   "log verbosity (0=crit, 3=info, 5=trace)",
				EnvVars: []string{"VERBOSITY"},
				Value:   3,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(
		os.Stderr, log.FromLegacyLevel(cliCtx.Int("verbosity")), false)))
	logger := log.New("module", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cliCtx.String("env"))
	if err != nil {
		return err
	}
	if cfg.Chains == nil {
		return fmt.Errorf("chain table %s is required", cfg.ChainsFile)
	}
	if cfg.PrivateKey == "" {
		return errors.New("PRIVATE_KEY is required")
	}

	st, err := openStore(ctx, cliCtx.Bool("dev"), cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return err
	}

	endpoints, closeEndpoints, err := dialEndpoints(ctx, cfg.Chains)
	if err != nil {
		return err
	}
	defer closeEndpoints()

	rel, err := relayer.New(cfg.PrivateKey, endpoints)
	if err != nil {
		return err
	}

	engine := merkle.NewEngine(st, rel, cfg.Chains.ChainIDs(), st)
	if err := engine.Load(ctx); err != nil {
		return err
	}

	orc := oracle.NewAlchemy(cfg.AlchemyAPIKey, cfg.Chains)
	led := ledger.New(st, orc, rel, rel, engine, ledger.Config{
		Chains:               cfg.Chains,
		AllowDepositFallback: true,
	})

	// Requests left undecided by a previous run are re-evaluated before new
	// messages arrive.
	if err := led.ProcessPendingRequests(ctx); err != nil {
		return err
	}

	if addr := cliCtx.String("metrics-addr"); addr != "" {
		go serveMetrics(logger, addr)
	}

	sub, err := bus.NewSubscriber(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer sub.Close()

	handler := func(ctx context.Context, msg *types.Message) error {
		if err := handleTransfers(ctx, engine, cfg.Chains, msg); err != nil {
			return err
		}
		return led.Apply(ctx, msg)
	}
	if err := sub.Subscribe(ctx, handler); err != nil {
		return err
	}
	logger.Info("Consumer running", "channel", cfg.Redis.Channel, "chains", len(cfg.Chains.ChainIDs()))

	<-ctx.Done()
	logger.Info("Consumer shut down")
	return nil
}

// handleTransfers feeds the ERC721 Transfer logs of the chain's tracked
// collection into the ownership engine. ERC20 Transfer shares the
// signature but carries the amount in data rather than a third indexed
// topic, so the topic count separates the two. Leaves key on tokenId
// alone, so transfers of other collections must not reach the tree.
func handleTransfers(ctx context.Context, engine *merkle.Engine, chains *config.ChainSet, msg *types.Message) error {
	chain, known := chains.Chain(msg.Metadata.ChainID)
	for i := range msg.Transaction.Logs {
		lg := &msg.Transaction.Logs[i]
		if len(lg.Topics) != 4 || common.HexToHash(lg.Topics[0]) != types.TopicERC721Transfer {
			continue
		}
		if !known || !chain.TracksNFT(lg.Address) {
			log.Warn("Dropping transfer of untracked collection", "chain", msg.Metadata.ChainID, "contract", lg.Address)
			continue
		}
		transfer := &types.NftTransfer{
			ChainID:      msg.Metadata.ChainID,
			TxHash:       msg.Metadata.TxHash,
			BlockNumber:  msg.Metadata.BlockNumber,
			BlockHash:    msg.Transaction.BlockHash,
			LogIndex:     lg.Index,
			TokenAddress: strings.ToLower(lg.Address),
			TokenID:      common.HexToHash(lg.Topics[3]).Big().String(),
			From:         topicAddr(lg.Topics[1]),
			To:           topicAddr(lg.Topics[2]),
			Timestamp:    msg.Timestamp,
		}
		if err := engine.HandleTransfer(ctx, transfer); err != nil {
			return err
		}
	}
	return nil
}

func topicAddr(topic string) string {
	return strings.ToLower(common.BytesToAddress(common.HexToHash(topic).Bytes()).Hex())
}

// dialEndpoints connects one backend per configured chain and binds its
// contracts for the relayer client.
func dialEndpoints(ctx context.Context, chains *config.ChainSet) ([]relayer.Endpoint, func(), error) {
	var (
		endpoints []relayer.Endpoint
		clients   []*ethclient.Client
	)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for _, id := range chains.ChainIDs() {
		c, _ := chains.Chain(id)
		backend, err := ethclient.DialContext(ctx, c.RPCURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("dial chain %d: %w", id, err)
		}
		clients = append(clients, backend)
		pools := make(map[string]common.Address, len(c.LendingPools))
		for protocol, addr := range c.LendingPools {
			pools[protocol] = common.HexToAddress(addr)
		}
		endpoints = append(endpoints, relayer.Endpoint{
			ChainID:         id,
			Backend:         backend,
			RelayerContract: common.HexToAddress(c.RelayerContract),
			VaultContract:   common.HexToAddress(c.VaultContract),
			LendingPools:    pools,
		})
	}
	return endpoints, closeAll, nil
}

func openStore(ctx context.Context, dev bool, cfg *config.Config) (store.Store, error) {
	if dev {
		return store.NewMemory(), nil
	}
	return store.OpenPostgres(ctx, cfg.DB.DSN())
}

func serveMetrics(logger log.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("Metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server stopped", "err", err)
	}
}
