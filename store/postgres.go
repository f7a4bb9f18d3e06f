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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/crossvault/go-crossvault/types"
)

// schema is applied by Init. Unique keys implement the dedup contracts:
// processed_transactions (chain_id, tx_hash), nft_transfers (tx_hash),
// vault_events (tx_hash, type, token_id, asset), relayer_events
// (request_id, chain_id, type), users (wallet).
const schema = `
CREATE TABLE IF NOT EXISTS unprocessed_blocks (
	id BIGSERIAL PRIMARY KEY,
	chain_id BIGINT NOT NULL,
	number BIGINT NOT NULL,
	hash TEXT NOT NULL,
	parent_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	block_data BYTEA,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_unprocessed_chain_number ON unprocessed_blocks (chain_id, number);
CREATE UNIQUE INDEX IF NOT EXISTS uq_unprocessed_live
	ON unprocessed_blocks (chain_id, number) WHERE status <> 'REORGED';

CREATE TABLE IF NOT EXISTS processed_blocks (
	id BIGSERIAL PRIMARY KEY,
	chain_id BIGINT NOT NULL,
	number BIGINT NOT NULL,
	hash TEXT NOT NULL,
	parent_hash TEXT NOT NULL,
	block_data BYTEA,
	is_reorged BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_processed_live
	ON processed_blocks (chain_id, number) WHERE NOT is_reorged;

CREATE TABLE IF NOT EXISTS processed_transactions (
	id BIGSERIAL PRIMARY KEY,
	chain_id BIGINT NOT NULL,
	tx_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (chain_id, tx_hash)
);

CREATE TABLE IF NOT EXISTS nft_transfers (
	id BIGSERIAL PRIMARY KEY,
	chain_id BIGINT NOT NULL,
	tx_hash TEXT NOT NULL UNIQUE,
	block_number BIGINT NOT NULL,
	block_hash TEXT NOT NULL,
	log_index INT NOT NULL DEFAULT 0,
	token_address TEXT NOT NULL,
	token_id TEXT NOT NULL,
	from_address TEXT NOT NULL,
	to_address TEXT NOT NULL,
	ts BIGINT NOT NULL,
	included_in_merkle BOOLEAN NOT NULL DEFAULT FALSE,
	merkle_root TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_transfers_block ON nft_transfers (block_number, log_index, id);

CREATE TABLE IF NOT EXISTS vault_events (
	id BIGSERIAL PRIMARY KEY,
	type TEXT NOT NULL,
	chain_id BIGINT NOT NULL,
	tx_hash TEXT NOT NULL,
	log_index INT NOT NULL,
	sender TEXT NOT NULL,
	asset TEXT NOT NULL,
	vault TEXT NOT NULL,
	amount NUMERIC(78, 0) NOT NULL,
	token_id TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	usd_value NUMERIC(30, 8) NOT NULL,
	ts BIGINT NOT NULL,
	UNIQUE (tx_hash, type, token_id, asset)
);

CREATE TABLE IF NOT EXISTS relayer_events (
	id BIGSERIAL PRIMARY KEY,
	type TEXT NOT NULL,
	request_id TEXT NOT NULL,
	chain_id BIGINT NOT NULL,
	token_id TEXT NOT NULL,
	protocol TEXT NOT NULL,
	asset TEXT NOT NULL,
	sender TEXT NOT NULL,
	amount NUMERIC(78, 0) NOT NULL,
	usd_value NUMERIC(30, 8) NOT NULL DEFAULT 0,
	deadline BIGINT NOT NULL,
	data BYTEA,
	signature BYTEA,
	status TEXT NOT NULL,
	error_data BYTEA,
	process_tx_hash TEXT NOT NULL DEFAULT '',
	ts BIGINT NOT NULL,
	UNIQUE (request_id, chain_id, type)
);

CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	wallet TEXT NOT NULL UNIQUE,
	total_usd NUMERIC(30, 8) NOT NULL DEFAULT 0,
	floating_usd NUMERIC(30, 8) NOT NULL DEFAULT 0,
	borrowed_usd NUMERIC(30, 8) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS deposits (
	id BIGSERIAL PRIMARY KEY,
	wallet TEXT NOT NULL,
	chain_id BIGINT NOT NULL,
	tx_hash TEXT NOT NULL,
	asset TEXT NOT NULL,
	vault TEXT NOT NULL,
	amount NUMERIC(78, 0) NOT NULL,
	token_id TEXT NOT NULL,
	usd_value NUMERIC(30, 8) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_deposits_wallet ON deposits (wallet);
CREATE INDEX IF NOT EXISTS idx_deposits_token ON deposits (token_id);

CREATE TABLE IF NOT EXISTS withdrawals (
	id BIGSERIAL PRIMARY KEY,
	wallet TEXT NOT NULL,
	chain_id BIGINT NOT NULL,
	request_id TEXT NOT NULL,
	asset TEXT NOT NULL,
	amount NUMERIC(78, 0) NOT NULL,
	token_id TEXT NOT NULL,
	usd_value NUMERIC(30, 8) NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_withdrawals_wallet ON withdrawals (wallet);
CREATE INDEX IF NOT EXISTS idx_withdrawals_request ON withdrawals (request_id);

CREATE TABLE IF NOT EXISTS borrows (
	id BIGSERIAL PRIMARY KEY,
	wallet TEXT NOT NULL,
	chain_id BIGINT NOT NULL,
	request_id TEXT NOT NULL,
	token_id TEXT NOT NULL,
	protocol TEXT NOT NULL,
	asset TEXT NOT NULL,
	amount NUMERIC(78, 0) NOT NULL,
	usd_value NUMERIC(30, 8) NOT NULL,
	status TEXT NOT NULL,
	loan_start TIMESTAMPTZ NOT NULL DEFAULT now(),
	loan_end_date TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_borrows_wallet ON borrows (wallet);
CREATE INDEX IF NOT EXISTS idx_borrows_token ON borrows (token_id);
`

// Postgres is the production Store over a postgres database.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with the given DSN and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Init(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// --- BlockLedger ---

func (p *Postgres) AddUnprocessed(ctx context.Context, b *types.BlockRef) (*types.UnprocessedBlock, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, hash, parent_hash, status, retry_count, error_message
		   FROM unprocessed_blocks
		  WHERE chain_id = $1 AND number = $2 AND status <> 'REORGED'
		  FOR UPDATE`,
		b.ChainID, b.Number)

	var existing types.UnprocessedBlock
	err = row.Scan(&existing.ID, &existing.Hash, &existing.ParentHash,
		&existing.Status, &existing.RetryCount, &existing.ErrorMsg)
	switch {
	case err == nil && existing.Hash == b.Hash:
		existing.ChainID = b.ChainID
		existing.Number = b.Number
		return &existing, tx.Commit()
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE unprocessed_blocks SET status = 'REORGED', updated_at = now() WHERE id = $1`,
			existing.ID); err != nil {
			return nil, err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	inserted := &types.UnprocessedBlock{
		ChainID:    b.ChainID,
		Number:     b.Number,
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Status:     types.BlockPending,
		Raw:        b.Raw,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO unprocessed_blocks (chain_id, number, hash, parent_hash, status, block_data)
		 VALUES ($1, $2, $3, $4, 'PENDING', $5) RETURNING id`,
		b.ChainID, b.Number, b.Hash, b.ParentHash, b.Raw).Scan(&inserted.ID)
	if err != nil {
		return nil, err
	}
	return inserted, tx.Commit()
}

func (p *Postgres) setBlockStatus(ctx context.Context, id int64, status types.BlockStatus, msg string, bumpRetry bool) error {
	retry := ""
	if bumpRetry {
		retry = ", retry_count = retry_count + 1"
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE unprocessed_blocks SET status = $1, error_message = $2, updated_at = now()`+retry+` WHERE id = $3`,
		status, msg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkProcessing(ctx context.Context, id int64) error {
	return p.setBlockStatus(ctx, id, types.BlockProcessing, "", false)
}

func (p *Postgres) MarkCompleted(ctx context.Context, id int64) error {
	return p.setBlockStatus(ctx, id, types.BlockCompleted, "", false)
}

func (p *Postgres) MarkFailed(ctx context.Context, id int64, msg string) error {
	return p.setBlockStatus(ctx, id, types.BlockFailed, msg, true)
}

func (p *Postgres) MarkReorged(ctx context.Context, chainID uint64, numbers []uint64) error {
	if len(numbers) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(numbers)+1)
	args = append(args, chainID)
	placeholders := make([]string, len(numbers))
	for i, n := range numbers {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, n)
	}
	in := strings.Join(placeholders, ", ")
	if _, err := p.db.ExecContext(ctx,
		`UPDATE unprocessed_blocks SET status = 'REORGED', updated_at = now()
		  WHERE chain_id = $1 AND status <> 'REORGED' AND number IN (`+in+`)`, args...); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE processed_blocks SET is_reorged = TRUE
		  WHERE chain_id = $1 AND NOT is_reorged AND number IN (`+in+`)`, args...)
	return err
}

func (p *Postgres) AddProcessed(ctx context.Context, b *types.BlockRef) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO processed_blocks (chain_id, number, hash, parent_hash, block_data)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chain_id, number) WHERE NOT is_reorged DO NOTHING`,
		b.ChainID, b.Number, b.Hash, b.ParentHash, b.Raw)
	return err
}

func (p *Postgres) scanProcessed(row *sql.Row) (*types.ProcessedBlock, error) {
	var b types.ProcessedBlock
	err := row.Scan(&b.ID, &b.ChainID, &b.Number, &b.Hash, &b.ParentHash, &b.IsReorged)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *Postgres) LatestProcessed(ctx context.Context, chainID uint64) (*types.ProcessedBlock, error) {
	return p.scanProcessed(p.db.QueryRowContext(ctx,
		`SELECT id, chain_id, number, hash, parent_hash, is_reorged
		   FROM processed_blocks WHERE chain_id = $1 AND NOT is_reorged
		  ORDER BY number DESC LIMIT 1`, chainID))
}

func (p *Postgres) ProcessedByNumber(ctx context.Context, chainID, number uint64) (*types.ProcessedBlock, error) {
	return p.scanProcessed(p.db.QueryRowContext(ctx,
		`SELECT id, chain_id, number, hash, parent_hash, is_reorged
		   FROM processed_blocks WHERE chain_id = $1 AND number = $2 AND NOT is_reorged`,
		chainID, number))
}

func (p *Postgres) IsProcessed(ctx context.Context, chainID, number uint64) (bool, error) {
	_, err := p.ProcessedByNumber(ctx, chainID, number)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (p *Postgres) BlocksToProcess(ctx context.Context, chainID uint64, maxRetries, limit int) ([]*types.UnprocessedBlock, error) {
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, chain_id, number, hash, parent_hash, status, retry_count, error_message, updated_at
		   FROM unprocessed_blocks
		  WHERE chain_id = $1
		    AND (status = 'PENDING' OR (status = 'FAILED' AND retry_count < $2))
		  ORDER BY number ASC LIMIT $3`,
		chainID, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.UnprocessedBlock
	for rows.Next() {
		var b types.UnprocessedBlock
		if err := rows.Scan(&b.ID, &b.ChainID, &b.Number, &b.Hash, &b.ParentHash,
			&b.Status, &b.RetryCount, &b.ErrorMsg, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (p *Postgres) Stats(ctx context.Context, chainID uint64) (*types.BlockStats, error) {
	stats := &types.BlockStats{ChainID: chainID}
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, count(*) FROM unprocessed_blocks WHERE chain_id = $1 GROUP BY status`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status types.BlockStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case types.BlockPending:
			stats.Pending = count
		case types.BlockProcessing:
			stats.Processing = count
		case types.BlockCompleted:
			stats.Completed = count
		case types.BlockFailed:
			stats.Failed = count
		case types.BlockReorged:
			stats.Reorged = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	err = p.db.QueryRowContext(ctx,
		`SELECT count(*), COALESCE(max(number), 0) FROM processed_blocks
		  WHERE chain_id = $1 AND NOT is_reorged`, chainID).
		Scan(&stats.Processed, &stats.Latest)
	return stats, err
}

// --- ProcessedTxStore ---

func (p *Postgres) IsPublished(ctx context.Context, chainID uint64, txHash string) (bool, error) {
	var seen bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_transactions
		  WHERE chain_id = $1 AND tx_hash = lower($2))`,
		chainID, txHash).Scan(&seen)
	return seen, err
}

func (p *Postgres) MarkPublished(ctx context.Context, chainID uint64, txHash string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO processed_transactions (chain_id, tx_hash) VALUES ($1, lower($2))
		 ON CONFLICT (chain_id, tx_hash) DO NOTHING`,
		chainID, txHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- TransferStore ---

func (p *Postgres) InsertTransfer(ctx context.Context, t *types.NftTransfer) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO nft_transfers (chain_id, tx_hash, block_number, block_hash, log_index,
		                            token_address, token_id, from_address, to_address, ts)
		 VALUES ($1, lower($2), $3, $4, $5, lower($6), $7, lower($8), lower($9), $10)
		 ON CONFLICT (tx_hash) DO NOTHING`,
		t.ChainID, t.TxHash, t.BlockNumber, t.BlockHash, t.LogIndex,
		t.TokenAddress, t.TokenID, t.From, t.To, t.Timestamp)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const transferColumns = `id, chain_id, tx_hash, block_number, block_hash, log_index,
	token_address, token_id, from_address, to_address, ts, included_in_merkle, merkle_root`

func (p *Postgres) queryTransfers(ctx context.Context, where string, args ...interface{}) ([]*types.NftTransfer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+transferColumns+` FROM nft_transfers `+where+` ORDER BY block_number, log_index, id`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.NftTransfer
	for rows.Next() {
		var t types.NftTransfer
		if err := rows.Scan(&t.ID, &t.ChainID, &t.TxHash, &t.BlockNumber, &t.BlockHash, &t.LogIndex,
			&t.TokenAddress, &t.TokenID, &t.From, &t.To, &t.Timestamp,
			&t.IncludedInMerkle, &t.MerkleRoot); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *Postgres) Transfers(ctx context.Context) ([]*types.NftTransfer, error) {
	return p.queryTransfers(ctx, "")
}

func (p *Postgres) TransfersUpTo(ctx context.Context, blockNumber uint64) ([]*types.NftTransfer, error) {
	return p.queryTransfers(ctx, "WHERE block_number <= $1", blockNumber)
}

func (p *Postgres) PendingInclusion(ctx context.Context) ([]*types.NftTransfer, error) {
	return p.queryTransfers(ctx, "WHERE NOT included_in_merkle")
}

func (p *Postgres) MarkIncluded(ctx context.Context, ids []int64, root string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, root)
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	// Already-included rows are left untouched: the root is immutable.
	_, err := p.db.ExecContext(ctx,
		`UPDATE nft_transfers SET included_in_merkle = TRUE, merkle_root = $1
		  WHERE NOT included_in_merkle AND id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	return err
}

func (p *Postgres) LatestRooted(ctx context.Context) (*types.NftTransfer, error) {
	rows, err := p.queryTransfersDesc(ctx)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, ErrNotFound
	}
	return rows, nil
}

func (p *Postgres) queryTransfersDesc(ctx context.Context) (*types.NftTransfer, error) {
	var t types.NftTransfer
	err := p.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM nft_transfers WHERE merkle_root <> ''
		  ORDER BY block_number DESC, log_index DESC, id DESC LIMIT 1`).
		Scan(&t.ID, &t.ChainID, &t.TxHash, &t.BlockNumber, &t.BlockHash, &t.LogIndex,
			&t.TokenAddress, &t.TokenID, &t.From, &t.To, &t.Timestamp,
			&t.IncludedInMerkle, &t.MerkleRoot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- LedgerStore ---

func (p *Postgres) UpsertUser(ctx context.Context, wallet string) (*types.User, error) {
	wallet = strings.ToLower(wallet)
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO users (wallet) VALUES ($1) ON CONFLICT (wallet) DO NOTHING`, wallet); err != nil {
		return nil, err
	}
	return p.GetUser(ctx, wallet)
}

func (p *Postgres) GetUser(ctx context.Context, wallet string) (*types.User, error) {
	var u types.User
	err := p.db.QueryRowContext(ctx,
		`SELECT id, wallet, total_usd, floating_usd, borrowed_usd FROM users WHERE wallet = lower($1)`,
		wallet).Scan(&u.ID, &u.Wallet, &u.TotalUSD, &u.FloatingUSD, &u.BorrowedUSD)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) UpdateUserBalances(ctx context.Context, u *types.User) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET total_usd = $1, floating_usd = $2, borrowed_usd = $3 WHERE wallet = lower($4)`,
		types.USD(u.TotalUSD), types.USD(u.FloatingUSD), types.USD(u.BorrowedUSD), u.Wallet)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) InsertVaultEvent(ctx context.Context, e *types.VaultEvent) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO vault_events (type, chain_id, tx_hash, log_index, sender, asset, vault,
		                           amount, token_id, request_id, usd_value, ts)
		 VALUES ($1, $2, lower($3), $4, lower($5), lower($6), lower($7), $8, $9, $10, $11, $12)
		 ON CONFLICT (tx_hash, type, token_id, asset) DO NOTHING`,
		e.Type, e.ChainID, e.TxHash, e.LogIndex, e.Sender, e.Asset, e.Vault,
		e.Amount, e.TokenID, e.RequestID, types.USD(e.USDValue), e.Timestamp)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *Postgres) InsertRelayerEvent(ctx context.Context, e *types.RelayerEvent) (bool, error) {
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO relayer_events (type, request_id, chain_id, token_id, protocol, asset, sender,
		                             amount, usd_value, deadline, data, signature, status, error_data,
		                             process_tx_hash, ts)
		 VALUES ($1, $2, $3, $4, lower($5), lower($6), lower($7), $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (request_id, chain_id, type) DO NOTHING
		 RETURNING id`,
		e.Type, e.RequestID, e.ChainID, e.TokenID, e.Protocol, e.Asset, e.Sender,
		e.Amount, types.USD(e.USDValue), e.Deadline, e.Data, e.Signature, e.Status, e.ErrorData,
		e.ProcessTxHash, e.Timestamp).Scan(&e.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) GetRelayerEvent(ctx context.Context, requestID string, chainID uint64, typ types.RelayerEventType) (*types.RelayerEvent, error) {
	var e types.RelayerEvent
	var usd decimal.Decimal
	err := p.db.QueryRowContext(ctx,
		`SELECT id, type, request_id, chain_id, token_id, protocol, asset, sender, amount,
		        usd_value, deadline, data, signature, status, error_data, process_tx_hash, ts
		   FROM relayer_events WHERE request_id = $1 AND chain_id = $2 AND type = $3`,
		requestID, chainID, typ).
		Scan(&e.ID, &e.Type, &e.RequestID, &e.ChainID, &e.TokenID, &e.Protocol, &e.Asset, &e.Sender,
			&e.Amount, &usd, &e.Deadline, &e.Data, &e.Signature, &e.Status, &e.ErrorData,
			&e.ProcessTxHash, &e.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.USDValue = usd
	return &e, nil
}

func (p *Postgres) UpdateRelayerEvent(ctx context.Context, e *types.RelayerEvent) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE relayer_events SET status = $1, error_data = $2, process_tx_hash = $3, usd_value = $4
		  WHERE id = $5`,
		e.Status, e.ErrorData, e.ProcessTxHash, types.USD(e.USDValue), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) PendingRelayerEvents(ctx context.Context) ([]*types.RelayerEvent, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, type, request_id, chain_id, token_id, protocol, asset, sender, amount,
		        usd_value, deadline, data, signature, status, error_data, process_tx_hash, ts
		   FROM relayer_events WHERE status = 'PENDING' AND type = 'COLLATERAL_REQUEST'
		  ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.RelayerEvent
	for rows.Next() {
		var e types.RelayerEvent
		if err := rows.Scan(&e.ID, &e.Type, &e.RequestID, &e.ChainID, &e.TokenID, &e.Protocol,
			&e.Asset, &e.Sender, &e.Amount, &e.USDValue, &e.Deadline, &e.Data, &e.Signature,
			&e.Status, &e.ErrorData, &e.ProcessTxHash, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertDeposit(ctx context.Context, d *types.Deposit) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO deposits (wallet, chain_id, tx_hash, asset, vault, amount, token_id, usd_value)
		 VALUES (lower($1), $2, lower($3), lower($4), lower($5), $6, $7, $8) RETURNING id`,
		d.Wallet, d.ChainID, d.TxHash, d.Asset, d.Vault, d.Amount, d.TokenID, types.USD(d.USDValue)).
		Scan(&d.ID)
}

func (p *Postgres) queryDeposits(ctx context.Context, where string, arg interface{}) ([]*types.Deposit, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, wallet, chain_id, tx_hash, asset, vault, amount, token_id, usd_value, created_at
		   FROM deposits `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Deposit
	for rows.Next() {
		var d types.Deposit
		if err := rows.Scan(&d.ID, &d.Wallet, &d.ChainID, &d.TxHash, &d.Asset, &d.Vault,
			&d.Amount, &d.TokenID, &d.USDValue, &d.At); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (p *Postgres) DepositsByWallet(ctx context.Context, wallet string) ([]*types.Deposit, error) {
	return p.queryDeposits(ctx, "WHERE wallet = lower($1)", wallet)
}

func (p *Postgres) DepositsByToken(ctx context.Context, tokenID string) ([]*types.Deposit, error) {
	return p.queryDeposits(ctx, "WHERE token_id = $1", tokenID)
}

func (p *Postgres) HasDeposit(ctx context.Context, wallet, tokenID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM deposits WHERE wallet = lower($1) AND token_id = $2 LIMIT 1`,
		wallet, tokenID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (p *Postgres) InsertWithdrawal(ctx context.Context, w *types.Withdrawal) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO withdrawals (wallet, chain_id, request_id, asset, amount, token_id, usd_value, status)
		 VALUES (lower($1), $2, $3, lower($4), $5, $6, $7, $8) RETURNING id`,
		w.Wallet, w.ChainID, w.RequestID, w.Asset, w.Amount, w.TokenID, types.USD(w.USDValue), w.Status).
		Scan(&w.ID)
}

func (p *Postgres) WithdrawalsByWallet(ctx context.Context, wallet string) ([]*types.Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, wallet, chain_id, request_id, asset, amount, token_id, usd_value, status, created_at
		   FROM withdrawals WHERE wallet = lower($1) ORDER BY id`, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Withdrawal
	for rows.Next() {
		var w types.Withdrawal
		if err := rows.Scan(&w.ID, &w.Wallet, &w.ChainID, &w.RequestID, &w.Asset,
			&w.Amount, &w.TokenID, &w.USDValue, &w.Status, &w.At); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (p *Postgres) PendingWithdrawalByRequestID(ctx context.Context, requestID string) (*types.Withdrawal, error) {
	var w types.Withdrawal
	err := p.db.QueryRowContext(ctx,
		`SELECT id, wallet, chain_id, request_id, asset, amount, token_id, usd_value, status, created_at
		   FROM withdrawals WHERE request_id = $1 AND status = 'PENDING' LIMIT 1`, requestID).
		Scan(&w.ID, &w.Wallet, &w.ChainID, &w.RequestID, &w.Asset,
			&w.Amount, &w.TokenID, &w.USDValue, &w.Status, &w.At)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *Postgres) UpdateWithdrawalStatus(ctx context.Context, id int64, status types.WithdrawalStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE withdrawals SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) InsertBorrow(ctx context.Context, b *types.Borrow) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO borrows (wallet, chain_id, request_id, token_id, protocol, asset, amount,
		                      usd_value, status, loan_start)
		 VALUES (lower($1), $2, $3, $4, lower($5), lower($6), $7, $8, $9, $10) RETURNING id`,
		b.Wallet, b.ChainID, b.RequestID, b.TokenID, b.Protocol, b.Asset, b.Amount,
		types.USD(b.USDValue), b.Status, b.LoanStart).Scan(&b.ID)
}

func (p *Postgres) queryBorrows(ctx context.Context, where string, arg interface{}) ([]*types.Borrow, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, wallet, chain_id, request_id, token_id, protocol, asset, amount, usd_value,
		        status, loan_start, loan_end_date
		   FROM borrows `+where+` ORDER BY loan_start, id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Borrow
	for rows.Next() {
		var b types.Borrow
		var end sql.NullTime
		if err := rows.Scan(&b.ID, &b.Wallet, &b.ChainID, &b.RequestID, &b.TokenID, &b.Protocol,
			&b.Asset, &b.Amount, &b.USDValue, &b.Status, &b.LoanStart, &end); err != nil {
			return nil, err
		}
		if end.Valid {
			t := end.Time
			b.LoanEndDate = &t
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (p *Postgres) BorrowsByWallet(ctx context.Context, wallet string) ([]*types.Borrow, error) {
	return p.queryBorrows(ctx, "WHERE wallet = lower($1)", wallet)
}

func (p *Postgres) ActiveBorrowsByToken(ctx context.Context, tokenID string) ([]*types.Borrow, error) {
	return p.queryBorrows(ctx, "WHERE token_id = $1 AND status = 'ACTIVE'", tokenID)
}

func (p *Postgres) UpdateBorrow(ctx context.Context, b *types.Borrow) error {
	var end sql.NullTime
	if b.LoanEndDate != nil {
		end = sql.NullTime{Time: *b.LoanEndDate, Valid: true}
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE borrows SET usd_value = $1, status = $2, loan_end_date = $3 WHERE id = $4`,
		types.USD(b.USDValue), b.Status, end, b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*Postgres)(nil)
