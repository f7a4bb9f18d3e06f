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

// Package config loads the flat environment configuration of both binaries
// and the per-chain asset table driving valuation and LTV checks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/crossvault/go-crossvault/bus"
)

// Config is the resolved process configuration.
type Config struct {
	RPCURL string
	WSURL  string // optional push endpoint

	ChainID   uint64
	ChainName string

	BlockConfirmations         uint64
	IndexingBatchSize          int
	ConcurrentTxLimit          int
	LatestBlockUpdateInterval  time.Duration
	ContinuousIndexingInterval time.Duration
	RetryDelay                 time.Duration
	MaxRetries                 int
	HealthCheckInterval        time.Duration

	Redis bus.Options
	DB    DBConfig

	PrivateKey    string // hex, no 0x prefix required
	AlchemyAPIKey string

	// ChainsFile points at the JSON chain/asset table; see LoadChains.
	ChainsFile string
	Chains     *ChainSet
}

// DBConfig is the relational store connection.
type DBConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Name     string
	SSL      bool
}

// DSN renders the pgx connection string.
func (d DBConfig) DSN() string {
	sslmode := "disable"
	if d.SSL {
		sslmode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.Name, sslmode)
}

// Load reads envFile when present (a missing file is not an error, the
// environment may be provided by the runtime) and resolves the
// configuration. The chain table is loaded when ChainsFile exists.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		RPCURL:     os.Getenv("RPC_URL"),
		WSURL:      os.Getenv("WS_URL"),
		ChainName:  envStr("CHAIN_NAME", ""),
		PrivateKey: os.Getenv("PRIVATE_KEY"),

		AlchemyAPIKey: os.Getenv("ALCHEMY_API_KEY"),
		ChainsFile:    envStr("CHAINS_FILE", "chains.json"),
	}

	var err error
	if cfg.ChainID, err = envUint("CHAIN_ID", 1); err != nil {
		return nil, err
	}
	if cfg.BlockConfirmations, err = envUint("BLOCK_CONFIRMATIONS", 2); err != nil {
		return nil, err
	}
	if cfg.IndexingBatchSize, err = envInt("INDEXING_BATCH_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.ConcurrentTxLimit, err = envInt("CONCURRENT_TRANSACTION_LIMIT", 10); err != nil {
		return nil, err
	}
	if cfg.LatestBlockUpdateInterval, err = envMillis("LATEST_BLOCK_UPDATE_INTERVAL_MS", 2000); err != nil {
		return nil, err
	}
	if cfg.ContinuousIndexingInterval, err = envMillis("CONTINUOUS_INDEXING_INTERVAL_MS", 1000); err != nil {
		return nil, err
	}
	if cfg.RetryDelay, err = envMillis("RETRY_DELAY_MS", 5000); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = envInt("MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.HealthCheckInterval, err = envMillis("HEALTH_CHECK_INTERVAL_MS", 60000); err != nil {
		return nil, err
	}

	if cfg.Redis, err = loadRedis(); err != nil {
		return nil, err
	}
	if cfg.DB, err = loadDB(); err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(cfg.ChainsFile); statErr == nil {
		if cfg.Chains, err = LoadChains(cfg.ChainsFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func loadRedis() (bus.Options, error) {
	opts := bus.Options{
		Host:     envStr("REDIS_HOST", "localhost"),
		Username: os.Getenv("REDIS_USERNAME"),
		Password: os.Getenv("REDIS_PASSWORD"),
		Channel:  envStr("REDIS_CHANNEL", "blockchain-events"),
	}
	var err error
	if opts.Port, err = envInt("REDIS_PORT", 6379); err != nil {
		return opts, err
	}
	if opts.Database, err = envInt("REDIS_DATABASE", 0); err != nil {
		return opts, err
	}
	if opts.TLS, err = envBool("REDIS_TLS", false); err != nil {
		return opts, err
	}
	return opts, nil
}

func loadDB() (DBConfig, error) {
	db := DBConfig{
		Host:     envStr("DB_HOST", "localhost"),
		Username: envStr("DB_USERNAME", "postgres"),
		Password: os.Getenv("DB_PASSWORD"),
		Name:     envStr("DB_NAME", "crossvault"),
	}
	var err error
	if db.Port, err = envInt("DB_PORT", 5432); err != nil {
		return db, err
	}
	if db.SSL, err = envBool("DB_SSL", false); err != nil {
		return db, err
	}
	return db, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envUint(key string, def uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envMillis(key string, def int) (time.Duration, error) {
	ms, err := envInt(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
