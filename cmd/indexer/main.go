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

// The indexer follows one chain, filters finalized blocks for watched
// events and publishes the matching transactions on the bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/crossvault/go-crossvault/bus"
	"github.com/crossvault/go-crossvault/chain"
	"github.com/crossvault/go-crossvault/config"
	"github.com/crossvault/go-crossvault/filter"
	"github.com/crossvault/go-crossvault/indexer"
	"github.com/crossvault/go-crossvault/store"
	"github.com/crossvault/go-crossvault/types"
)

func main() {
	app := &cli.App{
		Name:  "crossvault-indexer",
		Usage: "index finalized blocks and publish watched transactions",
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
	if cfg.RPCURL == "" {
		return errors.New("RPC_URL is required")
	}

	client, err := chain.Dial(ctx, cfg.RPCURL, cfg.WSURL)
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := openStore(ctx, cliCtx.Bool("dev"), cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return err
	}

	pub, err := bus.NewPublisher(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer pub.Close()

	matcher := filter.NewMatcher()
	installFilters(matcher, cfg)

	proc := filter.NewBlockProcessor(client, chain.NewTxCache(4096), matcher, filter.Config{
		ChainID:         cfg.ChainID,
		ChainName:       cfg.ChainName,
		ConcurrentLimit: cfg.ConcurrentTxLimit,
	})

	if addr := cliCtx.String("metrics-addr"); addr != "" {
		go serveMetrics(logger, addr)
	}

	ix := indexer.New(client, proc, pub, st, indexer.Config{
		ChainID:             cfg.ChainID,
		ChainName:           cfg.ChainName,
		Confirmations:       cfg.BlockConfirmations,
		BatchSize:           cfg.IndexingBatchSize,
		MaxRetries:          cfg.MaxRetries,
		RetryDelay:          cfg.RetryDelay,
		HeadRefreshInterval: cfg.LatestBlockUpdateInterval,
		IndexInterval:       cfg.ContinuousIndexingInterval,
		HealthInterval:      cfg.HealthCheckInterval,
	})

	logger.Info("Indexer configured", "chain", cfg.ChainID, "name", cfg.ChainName,
		"confirmations", cfg.BlockConfirmations, "channel", cfg.Redis.Channel)

	if err := ix.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Indexer shut down")
	return nil
}

// installFilters watches the six pipeline events plus ERC721 transfers,
// pinning each topic to its contract when the chain table knows it,
// including the tracked NFT collection for transfers.
func installFilters(m *filter.Matcher, cfg *config.Config) {
	var nft, vault, relayer *common.Address
	if cfg.Chains != nil {
		if c, ok := cfg.Chains.Chain(cfg.ChainID); ok {
			nft = addrOrNil(c.NFTContract)
			vault = addrOrNil(c.VaultContract)
			relayer = addrOrNil(c.RelayerContract)
		}
	}
	m.Add(filter.TopicFilter{Topic0: types.TopicERC721Transfer, Contract: nft, Description: "ERC721 Transfer"})
	m.Add(filter.TopicFilter{Topic0: types.TopicVaultDeposit, Contract: vault, Description: "Vault Deposit"})
	m.Add(filter.TopicFilter{Topic0: types.TopicWithdrawRequest, Contract: vault, Description: "Vault WithdrawRequest"})
	m.Add(filter.TopicFilter{Topic0: types.TopicWithdraw, Contract: vault, Description: "Vault Withdraw"})
	m.Add(filter.TopicFilter{Topic0: types.TopicCollateralRequest, Contract: relayer, Description: "CollateralRequest"})
	m.Add(filter.TopicFilter{Topic0: types.TopicCollateralProcess, Contract: relayer, Description: "CollateralProcess"})
	m.Add(filter.TopicFilter{Topic0: types.TopicRepay, Contract: relayer, Description: "Repay"})
}

func addrOrNil(hex string) *common.Address {
	if hex == "" {
		return nil
	}
	addr := common.HexToAddress(hex)
	return &addr
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
