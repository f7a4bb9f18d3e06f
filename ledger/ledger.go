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

// Package ledger is the collateral bookkeeping state machine. It consumes
// decoded vault and relayer events, maintains user balances under the
// floating = total - borrowed - pending-withdrawals invariant, and drives
// on-chain acknowledgement through the relayer client.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/crossvault/go-crossvault/config"
	"github.com/crossvault/go-crossvault/merkle"
	"github.com/crossvault/go-crossvault/metrics"
	"github.com/crossvault/go-crossvault/oracle"
	"github.com/crossvault/go-crossvault/store"
	"github.com/crossvault/go-crossvault/types"
)

// Rejection reasons reported to the on-chain relayer.
const (
	reasonDeadline    = "Request deadline passed"
	reasonUnknownUser = "Unknown user"
	reasonOwnership   = "NFT ownership not verified"
	reasonLTV         = "Exceeds LTV limits"
	reasonUtilization = "Utilization unavailable"
	reasonNoPrice     = "Price unavailable"
)

// OwnershipVerifier is the merkle engine surface the ledger needs.
type OwnershipVerifier interface {
	VerifyOwnership(ctx context.Context, owner, tokenID string, allowDepositFallback bool) (bool, error)
	GetProof(ctx context.Context, owner, tokenID string) (*merkle.Proof, error)
	LatestRoot() (common.Hash, bool)
}

// VaultRelayer drives the on-chain callbacks.
type VaultRelayer interface {
	ProcessRequest(ctx context.Context, chainID uint64, requestID common.Hash, approved bool) error
	CompleteWithdraw(ctx context.Context, chainID uint64, handler common.Address, requestID common.Hash, proof []common.Hash, asset common.Address) error
}

// UtilizationSource reads outstanding debt per (protocol, token).
type UtilizationSource interface {
	Utilization(ctx context.Context, chainID uint64, protocol, tokenID string) (decimal.Decimal, error)
}

// Config tunes the ledger.
type Config struct {
	Chains *config.ChainSet
	// AllowDepositFallback lets ownership checks fall back to deposit
	// history before the first merkle root exists.
	AllowDepositFallback bool
	// Now overrides the clock; nil selects time.Now.
	Now func() time.Time
}

// Ledger applies events in arrival order. It is not safe for concurrent
// use; the consumer feeds it from a single subscriber.
type Ledger struct {
	store     store.LedgerStore
	oracle    oracle.PriceOracle
	relayer   VaultRelayer
	pools     UtilizationSource
	ownership OwnershipVerifier
	chains    *config.ChainSet
	fallback  bool
	now       func() time.Time
	log       log.Logger
}

// New wires the ledger over its collaborators.
func New(st store.LedgerStore, o oracle.PriceOracle, r VaultRelayer, pools UtilizationSource, own OwnershipVerifier, cfg Config) *Ledger {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:     st,
		oracle:    o,
		relayer:   r,
		pools:     pools,
		ownership: own,
		chains:    cfg.Chains,
		fallback:  cfg.AllowDepositFallback,
		now:       now,
		log:       log.New("module", "ledger"),
	}
}

// Apply dispatches every vault and relayer log of one message. Per-event
// failures that are not persistence errors are logged and absorbed;
// persistence errors abort, leaving the remaining logs for redelivery.
func (l *Ledger) Apply(ctx context.Context, msg *types.Message) error {
	for i := range msg.Transaction.Logs {
		lg := &msg.Transaction.Logs[i]
		if len(lg.Topics) == 0 {
			continue
		}
		var err error
		switch common.HexToHash(lg.Topics[0]) {
		case types.TopicVaultDeposit, types.TopicWithdrawRequest, types.TopicWithdraw:
			err = l.applyVaultLog(ctx, msg, lg)
		case types.TopicCollateralRequest, types.TopicCollateralProcess, types.TopicRepay:
			err = l.applyRelayerLog(ctx, msg, lg)
		default:
			// Not a ledger event; the transfer lane handles ERC721 logs.
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) applyVaultLog(ctx context.Context, msg *types.Message, lg *types.Log) error {
	ev, err := DecodeVaultEvent(msg, lg)
	if err != nil {
		l.log.Warn("Skipping undecodable vault log", "txHash", msg.Metadata.TxHash, "index", lg.Index, "err", err)
		metrics.LedgerEvents.WithLabelValues("vault", "error").Inc()
		return nil
	}
	switch ev.Type {
	case types.VaultDeposit:
		return l.handleDeposit(ctx, ev)
	case types.VaultWithdrawRequest:
		return l.handleWithdrawRequest(ctx, ev)
	case types.VaultWithdraw:
		return l.handleWithdraw(ctx, ev)
	}
	return nil
}

func (l *Ledger) applyRelayerLog(ctx context.Context, msg *types.Message, lg *types.Log) error {
	ev, err := DecodeRelayerEvent(msg, lg)
	if err != nil {
		l.log.Warn("Skipping undecodable relayer log", "txHash", msg.Metadata.TxHash, "index", lg.Index, "err", err)
		metrics.LedgerEvents.WithLabelValues("relayer", "error").Inc()
		return nil
	}
	switch ev.Type {
	case types.CollateralRequest:
		return l.handleCollateralRequest(ctx, ev)
	case types.CollateralProcess:
		return l.handleCollateralProcess(ctx, ev)
	case types.Repay:
		return l.handleRepay(ctx, ev)
	}
	return nil
}

// handleDeposit values the deposit, credits total and floating and appends
// the deposit record.
func (l *Ledger) handleDeposit(ctx context.Context, ev *types.VaultEvent) error {
	usd, err := l.oracle.Value(ctx, ev.ChainID, ev.Asset, ev.Amount)
	if err != nil {
		l.log.Error("Deposit valuation failed", "txHash", ev.TxHash, "asset", ev.Asset, "err", err)
		metrics.LedgerEvents.WithLabelValues(string(ev.Type), "error").Inc()
		return nil
	}
	ev.USDValue = usd

	inserted, err := l.store.InsertVaultEvent(ctx, ev)
	if err != nil {
		return err
	}
	if !inserted {
		l.dropDuplicate(string(ev.Type), ev.DedupKey())
		return nil
	}

	user, err := l.store.UpsertUser(ctx, ev.Sender)
	if err != nil {
		return err
	}
	user.TotalUSD = types.USD(user.TotalUSD.Add(usd))
	user.FloatingUSD = types.USD(user.FloatingUSD.Add(usd))
	if err := l.store.UpdateUserBalances(ctx, user); err != nil {
		return err
	}
	if err := l.store.InsertDeposit(ctx, &types.Deposit{
		Wallet:   user.Wallet,
		ChainID:  ev.ChainID,
		TxHash:   ev.TxHash,
		Asset:    ev.Asset,
		Vault:    ev.Vault,
		Amount:   ev.Amount,
		TokenID:  ev.TokenID,
		USDValue: usd,
		At:       time.Unix(int64(ev.Timestamp), 0),
	}); err != nil {
		return err
	}
	l.log.Info("Deposit recorded", "wallet", user.Wallet, "usd", usd, "tokenId", ev.TokenID, "chain", ev.ChainID)
	metrics.LedgerEvents.WithLabelValues(string(ev.Type), "applied").Inc()
	return nil
}

// handleWithdrawRequest checks the available balance, debits floating for
// an accepted request and settles it on-chain with the current ownership
// proof.
func (l *Ledger) handleWithdrawRequest(ctx context.Context, ev *types.VaultEvent) error {
	usd, err := l.oracle.Value(ctx, ev.ChainID, ev.Asset, ev.Amount)
	if err != nil {
		l.log.Error("Withdrawal valuation failed", "requestId", ev.RequestID, "asset", ev.Asset, "err", err)
		metrics.LedgerEvents.WithLabelValues(string(ev.Type), "error").Inc()
		return nil
	}
	ev.USDValue = usd

	inserted, err := l.store.InsertVaultEvent(ctx, ev)
	if err != nil {
		return err
	}
	if !inserted {
		l.dropDuplicate(string(ev.Type), ev.DedupKey())
		return nil
	}

	user, err := l.store.UpsertUser(ctx, ev.Sender)
	if err != nil {
		return err
	}
	available, err := l.availableBalance(ctx, user.Wallet)
	if err != nil {
		return err
	}

	withdrawal := &types.Withdrawal{
		Wallet:    user.Wallet,
		ChainID:   ev.ChainID,
		RequestID: ev.RequestID,
		Asset:     ev.Asset,
		Amount:    ev.Amount,
		TokenID:   ev.TokenID,
		USDValue:  usd,
		At:        time.Unix(int64(ev.Timestamp), 0),
	}
	if available.LessThan(usd) {
		withdrawal.Status = types.WithdrawalRejected
		if err := l.store.InsertWithdrawal(ctx, withdrawal); err != nil {
			return err
		}
		l.log.Warn("Withdrawal rejected, insufficient balance",
			"wallet", user.Wallet, "requestId", ev.RequestID, "available", available, "requested", usd)
		metrics.LedgerEvents.WithLabelValues(string(ev.Type), "rejected").Inc()
		return nil
	}

	withdrawal.Status = types.WithdrawalPending
	if err := l.store.InsertWithdrawal(ctx, withdrawal); err != nil {
		return err
	}
	user.FloatingUSD = types.USD(user.FloatingUSD.Sub(usd))
	if err := l.store.UpdateUserBalances(ctx, user); err != nil {
		return err
	}
	l.log.Info("Withdrawal accepted", "wallet", user.Wallet, "requestId", ev.RequestID, "usd", usd)
	metrics.LedgerEvents.WithLabelValues(string(ev.Type), "applied").Inc()

	l.completeWithdraw(ctx, ev, user.Wallet)
	return nil
}

// completeWithdraw submits the on-chain settlement. Failure is logged; the
// withdrawal stays PENDING until the Withdraw event confirms it.
func (l *Ledger) completeWithdraw(ctx context.Context, ev *types.VaultEvent, wallet string) {
	chainCfg, ok := l.chainConfig(ev.ChainID)
	if !ok {
		l.log.Error("No chain configuration for withdrawal", "chain", ev.ChainID, "requestId", ev.RequestID)
		return
	}
	proof := l.withdrawProof(ctx, wallet, ev.TokenID)
	err := l.relayer.CompleteWithdraw(ctx, ev.ChainID,
		common.HexToAddress(chainCfg.WithdrawHandler),
		common.HexToHash(ev.RequestID),
		proof,
		common.HexToAddress(ev.Asset))
	if err != nil {
		l.log.Error("completeWithdraw submission failed", "chain", ev.ChainID, "requestId", ev.RequestID, "err", err)
	}
}

// withdrawProof is the merkle path for the requesting owner; when the
// proof is empty but a root exists the bare root is passed, otherwise an
// empty path.
func (l *Ledger) withdrawProof(ctx context.Context, wallet, tokenID string) []common.Hash {
	if tokenID != "" {
		proof, err := l.ownership.GetProof(ctx, wallet, tokenID)
		if err != nil {
			l.log.Warn("Proof generation failed", "wallet", wallet, "tokenId", tokenID, "err", err)
		} else if proof != nil && len(proof.Proof) > 0 {
			return proof.Proof
		}
	}
	if root, ok := l.ownership.LatestRoot(); ok {
		return []common.Hash{root}
	}
	return nil
}

// handleWithdraw confirms a pending withdrawal by request id. The match is
// by primary request id only; total is debited, floating stays as debited
// at request time.
func (l *Ledger) handleWithdraw(ctx context.Context, ev *types.VaultEvent) error {
	inserted, err := l.store.InsertVaultEvent(ctx, ev)
	if err != nil {
		return err
	}
	if !inserted {
		l.dropDuplicate(string(ev.Type), ev.DedupKey())
		return nil
	}

	withdrawal, err := l.store.PendingWithdrawalByRequestID(ctx, ev.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		l.log.Warn("Withdraw without a pending request", "requestId", ev.RequestID, "sender", ev.Sender)
		metrics.LedgerEvents.WithLabelValues(string(ev.Type), "dropped").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	if err := l.store.UpdateWithdrawalStatus(ctx, withdrawal.ID, types.WithdrawalCompleted); err != nil {
		return err
	}
	user, err := l.store.GetUser(ctx, withdrawal.Wallet)
	if err != nil {
		return err
	}
	user.TotalUSD = types.USD(user.TotalUSD.Sub(withdrawal.USDValue))
	if err := l.store.UpdateUserBalances(ctx, user); err != nil {
		return err
	}
	l.log.Info("Withdrawal completed", "wallet", user.Wallet, "requestId", ev.RequestID, "usd", withdrawal.USDValue)
	metrics.LedgerEvents.WithLabelValues(string(ev.Type), "applied").Inc()
	return nil
}

// handleCollateralRequest persists the request, evaluates it against
// ownership, LTV and utilization and submits the decision on-chain.
func (l *Ledger) handleCollateralRequest(ctx context.Context, ev *types.RelayerEvent) error {
	if usd, err := l.oracle.Value(ctx, ev.ChainID, ev.Asset, ev.Amount); err == nil {
		ev.USDValue = usd
	} else {
		l.log.Error("Collateral request valuation failed", "requestId", ev.RequestID, "asset", ev.Asset, "err", err)
	}

	inserted, err := l.store.InsertRelayerEvent(ctx, ev)
	if err != nil {
		return err
	}
	if !inserted {
		l.dropDuplicate(string(ev.Type), ev.DedupKey())
		return nil
	}
	return l.decideRequest(ctx, ev)
}

// decideRequest runs the validation chain for one persisted PENDING
// request and submits processRequest with the outcome. A rejected request
// is recorded with its reason; an approved one stays PENDING until the
// chain confirms via CollateralProcess.
func (l *Ledger) decideRequest(ctx context.Context, ev *types.RelayerEvent) error {
	approved, reason, err := l.evaluateRequest(ctx, ev)
	if err != nil {
		return err
	}
	if !approved {
		ev.Status = types.RequestRejected
		ev.ErrorData = []byte(reason)
		if err := l.store.UpdateRelayerEvent(ctx, ev); err != nil {
			return err
		}
		l.log.Warn("Collateral request rejected", "requestId", ev.RequestID, "wallet", ev.Sender, "reason", reason)
		metrics.LedgerEvents.WithLabelValues(string(ev.Type), "rejected").Inc()
	} else {
		l.log.Info("Collateral request approved", "requestId", ev.RequestID, "wallet", ev.Sender, "usd", ev.USDValue)
		metrics.LedgerEvents.WithLabelValues(string(ev.Type), "applied").Inc()
	}

	if err := l.relayer.ProcessRequest(ctx, ev.ChainID, common.HexToHash(ev.RequestID), approved); err != nil {
		l.log.Error("processRequest submission failed", "chain", ev.ChainID, "requestId", ev.RequestID, "err", err)
	}
	return nil
}

// evaluateRequest returns the approval decision and, when rejected, the
// reason. Only persistence failures surface as errors.
func (l *Ledger) evaluateRequest(ctx context.Context, ev *types.RelayerEvent) (bool, string, error) {
	if ev.USDValue.IsZero() && !ev.Amount.IsZero() {
		return false, reasonNoPrice, nil
	}
	if ev.Deadline != 0 && uint64(l.now().Unix()) > ev.Deadline {
		return false, reasonDeadline, nil
	}
	if _, err := l.store.GetUser(ctx, ev.Sender); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, reasonUnknownUser, nil
		}
		return false, "", err
	}
	owns, err := l.ownership.VerifyOwnership(ctx, ev.Sender, ev.TokenID, l.fallback)
	if err != nil {
		l.log.Error("Ownership verification failed", "requestId", ev.RequestID, "err", err)
		return false, reasonOwnership, nil
	}
	if !owns {
		return false, reasonOwnership, nil
	}

	totalLTV, err := l.totalLTV(ctx, ev.TokenID)
	if err != nil {
		return false, "", err
	}
	utilization, ok, err := l.totalUtilization(ctx, ev.TokenID)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, reasonUtilization, nil
	}
	if utilization.Add(ev.USDValue).GreaterThan(totalLTV) {
		return false, reasonLTV, nil
	}
	return true, "", nil
}

// totalLTV sums usdValue * ltvRatio over the token's deposits across
// chains. Assets without an LTV configuration contribute value but no
// borrowing capacity.
func (l *Ledger) totalLTV(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	deposits, err := l.store.DepositsByToken(ctx, tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, d := range deposits {
		asset, ok := l.chainAsset(d.ChainID, d.Asset)
		if !ok || asset.LTVPercent == 0 {
			l.log.Warn("No LTV configured, asset contributes no capacity",
				"chain", d.ChainID, "asset", d.Asset, "tokenId", tokenID)
			continue
		}
		total = total.Add(d.USDValue.Mul(asset.LTVRatio()))
	}
	return types.USD(total), nil
}

// totalUtilization sums pool-reported debt over the distinct protocols of
// the token's active borrows. The boolean is false when any pool read
// fails; the decision is then deferred rather than guessed.
func (l *Ledger) totalUtilization(ctx context.Context, tokenID string) (decimal.Decimal, bool, error) {
	borrows, err := l.store.ActiveBorrowsByToken(ctx, tokenID)
	if err != nil {
		return decimal.Zero, false, err
	}
	type poolKey struct {
		chainID  uint64
		protocol string
	}
	seen := make(map[poolKey]struct{})
	total := decimal.Zero
	for _, b := range borrows {
		key := poolKey{b.ChainID, b.Protocol}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		u, err := l.pools.Utilization(ctx, b.ChainID, b.Protocol, tokenID)
		if err != nil {
			l.log.Error("Utilization read failed", "chain", b.ChainID, "protocol", b.Protocol, "tokenId", tokenID, "err", err)
			return decimal.Zero, false, nil
		}
		total = total.Add(u)
	}
	return types.USD(total), true, nil
}

// handleCollateralProcess settles a prior request with the on-chain
// outcome; approval opens the borrow, raising the debt and consuming the
// matching free collateral.
func (l *Ledger) handleCollateralProcess(ctx context.Context, ev *types.RelayerEvent) error {
	inserted, err := l.store.InsertRelayerEvent(ctx, ev)
	if err != nil {
		return err
	}
	if !inserted {
		l.dropDuplicate(string(ev.Type), ev.DedupKey())
		return nil
	}

	request, err := l.store.GetRelayerEvent(ctx, ev.RequestID, ev.ChainID, types.CollateralRequest)
	if errors.Is(err, store.ErrNotFound) {
		l.log.Warn("Process without a prior request", "requestId", ev.RequestID, "chain", ev.ChainID)
		metrics.LedgerEvents.WithLabelValues(string(ev.Type), "dropped").Inc()
		return nil
	}
	if err != nil {
		return err
	}

	request.Status = ev.Status
	request.ErrorData = ev.ErrorData
	request.ProcessTxHash = ev.ProcessTxHash
	if err := l.store.UpdateRelayerEvent(ctx, request); err != nil {
		return err
	}
	if ev.Status != types.RequestApproved {
		l.log.Info("Collateral request closed rejected", "requestId", ev.RequestID)
		metrics.LedgerEvents.WithLabelValues(string(ev.Type), "applied").Inc()
		return nil
	}

	user, err := l.store.UpsertUser(ctx, request.Sender)
	if err != nil {
		return err
	}
	if err := l.store.InsertBorrow(ctx, &types.Borrow{
		Wallet:    user.Wallet,
		ChainID:   request.ChainID,
		RequestID: request.RequestID,
		TokenID:   request.TokenID,
		Protocol:  request.Protocol,
		Asset:     request.Asset,
		Amount:    request.Amount,
		USDValue:  request.USDValue,
		Status:    types.BorrowActive,
		LoanStart: l.now(),
	}); err != nil {
		return err
	}
	user.BorrowedUSD = types.USD(user.BorrowedUSD.Add(request.USDValue))
	user.FloatingUSD = types.USD(user.FloatingUSD.Sub(request.USDValue))
	if err := l.store.UpdateUserBalances(ctx, user); err != nil {
		return err
	}
	l.log.Info("Borrow opened", "wallet", user.Wallet, "requestId", request.RequestID, "usd", request.USDValue)
	metrics.LedgerEvents.WithLabelValues(string(ev.Type), "applied").Inc()
	return nil
}

// handleRepay converts the repaid amount to USD, caps it at the active
// borrow total and walks the borrows oldest-first.
func (l *Ledger) handleRepay(ctx context.Context, ev *types.RelayerEvent) error {
	if ev.Asset == "" {
		l.log.Warn("Repay without a co-emitted asset transfer", "txHash", ev.RequestID)
		metrics.LedgerEvents.WithLabelValues(string(ev.Type), "error").Inc()
		return nil
	}
	usd, err := l.oracle.Value(ctx, ev.ChainID, ev.Asset, ev.Amount)
	if err != nil {
		l.log.Error("Repay valuation failed", "asset", ev.Asset, "err", err)
		metrics.LedgerEvents.WithLabelValues(string(ev.Type), "error").Inc()
		return nil
	}
	ev.USDValue = usd

	inserted, err := l.store.InsertRelayerEvent(ctx, ev)
	if err != nil {
		return err
	}
	if !inserted {
		l.dropDuplicate(string(ev.Type), ev.DedupKey())
		return nil
	}

	user, err := l.store.GetUser(ctx, ev.Sender)
	if errors.Is(err, store.ErrNotFound) {
		l.log.Warn("Repay from an unknown user", "wallet", ev.Sender)
		metrics.LedgerEvents.WithLabelValues(string(ev.Type), "dropped").Inc()
		return nil
	}
	if err != nil {
		return err
	}

	// Never drive borrowed below zero.
	repaid := usd
	if repaid.GreaterThan(user.BorrowedUSD) {
		repaid = user.BorrowedUSD
	}
	if repaid.IsZero() {
		l.log.Warn("Repay with nothing outstanding", "wallet", user.Wallet, "usd", usd)
		metrics.LedgerEvents.WithLabelValues(string(ev.Type), "dropped").Inc()
		return nil
	}

	if err := l.settleBorrows(ctx, user.Wallet, repaid); err != nil {
		return err
	}
	user.BorrowedUSD = types.USD(user.BorrowedUSD.Sub(repaid))
	user.FloatingUSD = types.USD(user.FloatingUSD.Add(repaid))
	if err := l.store.UpdateUserBalances(ctx, user); err != nil {
		return err
	}
	l.log.Info("Repay applied", "wallet", user.Wallet, "usd", repaid)
	metrics.LedgerEvents.WithLabelValues(string(ev.Type), "applied").Inc()
	return nil
}

// settleBorrows walks the wallet's active borrows oldest-first, fully
// repaying or partially reducing until the amount is spent.
func (l *Ledger) settleBorrows(ctx context.Context, wallet string, amount decimal.Decimal) error {
	borrows, err := l.store.BorrowsByWallet(ctx, wallet)
	if err != nil {
		return err
	}
	remaining := amount
	for _, b := range borrows {
		if b.Status != types.BorrowActive || remaining.IsZero() {
			continue
		}
		if remaining.GreaterThanOrEqual(b.USDValue) {
			remaining = types.USD(remaining.Sub(b.USDValue))
			b.Status = types.BorrowRepaid
			end := l.now()
			b.LoanEndDate = &end
		} else {
			b.USDValue = types.USD(b.USDValue.Sub(remaining))
			remaining = decimal.Zero
		}
		if err := l.store.UpdateBorrow(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// availableBalance is the withdrawal headroom of a wallet: deposits minus
// completed and pending withdrawals minus active borrows.
func (l *Ledger) availableBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	deposits, err := l.store.DepositsByWallet(ctx, wallet)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, d := range deposits {
		total = total.Add(d.USDValue)
	}
	withdrawals, err := l.store.WithdrawalsByWallet(ctx, wallet)
	if err != nil {
		return decimal.Zero, err
	}
	for _, w := range withdrawals {
		if w.Status == types.WithdrawalCompleted || w.Status == types.WithdrawalPending {
			total = total.Sub(w.USDValue)
		}
	}
	borrows, err := l.store.BorrowsByWallet(ctx, wallet)
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range borrows {
		if b.Status == types.BorrowActive {
			total = total.Sub(b.USDValue)
		}
	}
	return types.USD(total), nil
}

// ProcessPendingRequests re-evaluates collateral requests left PENDING,
// for instance across a restart. Invoked at consumer startup.
func (l *Ledger) ProcessPendingRequests(ctx context.Context) error {
	events, err := l.store.PendingRelayerEvents(ctx)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if ev.Type != types.CollateralRequest {
			continue
		}
		l.log.Info("Re-evaluating pending collateral request", "requestId", ev.RequestID, "chain", ev.ChainID)
		if err := l.decideRequest(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) dropDuplicate(eventType, key string) {
	l.log.Debug("Duplicate event dropped", "type", eventType, "key", key)
	metrics.LedgerEvents.WithLabelValues(eventType, "duplicate").Inc()
}

func (l *Ledger) chainConfig(chainID uint64) (*config.Chain, bool) {
	if l.chains == nil {
		return nil, false
	}
	return l.chains.Chain(chainID)
}

func (l *Ledger) chainAsset(chainID uint64, address string) (*config.Asset, bool) {
	if l.chains == nil {
		return nil, false
	}
	return l.chains.Asset(chainID, strings.ToLower(address))
}
