// Package txsubmit builds, signs and submits position transactions.
package txsubmit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"dammdash/internal/cpamm"
	"dammdash/internal/domain"
	"dammdash/internal/observability"
	chain "dammdash/internal/solana"
)

// Invariant violations, returned before any network call.
var (
	ErrPositionLocked     = errors.New("position liquidity is locked")
	ErrPermanentlyLocked  = errors.New("position liquidity is permanently locked")
	ErrNothingToWithdraw  = errors.New("position has no unlocked liquidity")
	ErrNothingToDeposit   = errors.New("deposit amounts yield no liquidity")
	ErrMissingPoolState   = errors.New("position has no pool state")
	ErrSignerOffCurve     = errors.New("signer key is off the ed25519 curve and cannot sign")
	ErrConfirmationExpiry = errors.New("transaction not confirmed before timeout")
)

// ActionError is a failed user action with a message fit for display.
type ActionError struct {
	Action    string
	Position  solana.PublicKey
	Signature string
	Message   string
	Err       error
}

func (e *ActionError) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("%s %s failed (%s): %s", e.Action, e.Position, e.Signature, e.Message)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Action, e.Position, e.Message)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Result is the outcome of one item of a batch.
type Result struct {
	Position  solana.PublicKey
	Signature string
	Err       error
}

// PositionTracker is notified after confirmed changes.
type PositionTracker interface {
	UpdatePosition(ctx context.Context, address solana.PublicKey) (domain.PoolPositionInfo, error)
	RemovePosition(address solana.PublicKey) bool
}

const (
	DefaultSlippageBps    = 100
	DefaultConfirmTimeout = 60 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultCallTimeout    = 15 * time.Second
)

// Options contains configuration for creating a Submitter.
type Options struct {
	RPC            chain.RPCClient
	Signer         Signer
	Tracker        PositionTracker // optional
	Logger         *zap.Logger
	SlippageBps    uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	CallTimeout    time.Duration
}

// Submitter sends position transactions signed by one wallet.
type Submitter struct {
	rpc            chain.RPCClient
	signer         Signer
	tracker        PositionTracker
	logger         *zap.Logger
	slippageBps    uint64
	confirmTimeout time.Duration
	pollInterval   time.Duration
	callTimeout    time.Duration
}

// NewSubmitter creates a new transaction submitter.
func NewSubmitter(opts Options) *Submitter {
	s := &Submitter{
		rpc:            opts.RPC,
		signer:         opts.Signer,
		tracker:        opts.Tracker,
		logger:         opts.Logger,
		slippageBps:    opts.SlippageBps,
		confirmTimeout: opts.ConfirmTimeout,
		pollInterval:   opts.PollInterval,
		callTimeout:    opts.CallTimeout,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("txsubmit")
	if s.slippageBps == 0 || s.slippageBps >= cpamm.BasisPointMax {
		s.slippageBps = DefaultSlippageBps
	}
	if s.confirmTimeout <= 0 {
		s.confirmTimeout = DefaultConfirmTimeout
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.callTimeout <= 0 {
		s.callTimeout = DefaultCallTimeout
	}
	return s
}

// ClaimFee claims a position's fees.
func (s *Submitter) ClaimFee(ctx context.Context, info domain.PoolPositionInfo) (string, error) {
	res := s.ClaimFees(ctx, []domain.PoolPositionInfo{info})
	return res[0].Signature, res[0].Err
}

// ClaimFees claims fees of every position, one transaction each. Results are
// per position; earlier successes stand when later items fail.
func (s *Submitter) ClaimFees(ctx context.Context, infos []domain.PoolPositionInfo) []Result {
	return s.batch(ctx, "claim_fee", infos, s.claimInstructions, func(ctx context.Context, info domain.PoolPositionInfo) {
		s.refresh(ctx, info.PositionAddress)
	})
}

// RemoveAllLiquidity withdraws a position's unlocked liquidity.
func (s *Submitter) RemoveAllLiquidity(ctx context.Context, info domain.PoolPositionInfo) (string, error) {
	res := s.batch(ctx, "remove_liquidity", []domain.PoolPositionInfo{info}, s.removeInstructions, func(ctx context.Context, info domain.PoolPositionInfo) {
		s.refresh(ctx, info.PositionAddress)
	})
	return res[0].Signature, res[0].Err
}

// ClosePosition claims fees, withdraws all liquidity and closes the position.
func (s *Submitter) ClosePosition(ctx context.Context, info domain.PoolPositionInfo) (string, error) {
	res := s.ClosePositions(ctx, []domain.PoolPositionInfo{info})
	return res[0].Signature, res[0].Err
}

// ClosePositions closes every position, one transaction each. Locked positions
// are rejected without a network call.
func (s *Submitter) ClosePositions(ctx context.Context, infos []domain.PoolPositionInfo) []Result {
	return s.batch(ctx, "close_position", infos, s.closeInstructions, func(_ context.Context, info domain.PoolPositionInfo) {
		if s.tracker != nil {
			s.tracker.RemovePosition(info.PositionAddress)
		}
	})
}

// Deposit adds liquidity to an existing position, bounded by maxA and maxB.
func (s *Submitter) Deposit(ctx context.Context, info domain.PoolPositionInfo, maxA, maxB uint64) (string, error) {
	build := func(info domain.PoolPositionInfo) ([]solana.Instruction, error) {
		return s.depositInstructions(info, maxA, maxB)
	}
	res := s.batch(ctx, "deposit", []domain.PoolPositionInfo{info}, build, func(ctx context.Context, info domain.PoolPositionInfo) {
		s.refresh(ctx, info.PositionAddress)
	})
	return res[0].Signature, res[0].Err
}

// CreatePosition opens a new position in pool and deposits up to maxA and maxB.
// It returns the new position address.
func (s *Submitter) CreatePosition(ctx context.Context, poolAddress solana.PublicKey, pool *cpamm.Pool, maxA, maxB uint64) (solana.PublicKey, string, error) {
	const action = "create_position"
	if pool == nil {
		return solana.PublicKey{}, "", ErrMissingPoolState
	}
	owner := s.signer.PublicKey()
	nft := solana.NewWallet().PrivateKey
	nftMint := nft.PublicKey()
	positionAddr := cpamm.DerivePositionAddress(nftMint)

	create, err := cpamm.NewCreatePositionInstruction(owner, owner, poolAddress, nftMint)
	if err != nil {
		return solana.PublicKey{}, "", err
	}
	info := domain.PoolPositionInfo{
		PositionAddress: positionAddr,
		NftMint:         nftMint,
		PoolAddress:     poolAddress,
		Pool:            pool,
	}
	deposit, err := s.depositInstructions(info, maxA, maxB)
	if err != nil {
		observability.RecordTxSubmission(action, "rejected")
		return solana.PublicKey{}, "", err
	}

	tx, err := s.newTransaction(ctx, append([]solana.Instruction{create}, deposit...))
	if err != nil {
		observability.RecordTxSubmission(action, "error")
		return solana.PublicKey{}, "", s.actionError(action, positionAddr, "", err)
	}
	if err := signWith(tx, nft); err != nil {
		return solana.PublicKey{}, "", err
	}
	signed, err := s.signer.SignTransaction(ctx, tx)
	if err != nil {
		observability.RecordTxSubmission(action, "rejected")
		return solana.PublicKey{}, "", s.actionError(action, positionAddr, "", err)
	}
	sig, err := s.sendAndConfirm(ctx, signed)
	if err != nil {
		observability.RecordTxSubmission(action, "error")
		return solana.PublicKey{}, sig, s.actionError(action, positionAddr, sig, err)
	}
	observability.RecordTxSubmission(action, "ok")
	return positionAddr, sig, nil
}

type buildFunc func(domain.PoolPositionInfo) ([]solana.Instruction, error)

// batch builds every transaction, signs them together and sends them in order.
func (s *Submitter) batch(ctx context.Context, action string, infos []domain.PoolPositionInfo, build buildFunc, onSuccess func(context.Context, domain.PoolPositionInfo)) []Result {
	results := make([]Result, len(infos))
	var (
		txs []*solana.Transaction
		idx []int
	)
	for i, info := range infos {
		results[i].Position = info.PositionAddress
		ixs, err := build(info)
		if err != nil {
			observability.RecordTxSubmission(action, "rejected")
			results[i].Err = err
			continue
		}
		tx, err := s.newTransaction(ctx, ixs)
		if err != nil {
			observability.RecordTxSubmission(action, "error")
			results[i].Err = s.actionError(action, info.PositionAddress, "", err)
			continue
		}
		txs = append(txs, tx)
		idx = append(idx, i)
	}
	if len(txs) == 0 {
		return results
	}

	signed, err := s.signer.SignAllTransactions(ctx, txs)
	if err != nil {
		for _, i := range idx {
			observability.RecordTxSubmission(action, "rejected")
			results[i].Err = s.actionError(action, infos[i].PositionAddress, "", err)
		}
		return results
	}

	for n, tx := range signed {
		i := idx[n]
		sig, err := s.sendAndConfirm(ctx, tx)
		results[i].Signature = sig
		if err != nil {
			observability.RecordTxSubmission(action, "error")
			results[i].Err = s.actionError(action, infos[i].PositionAddress, sig, err)
			s.logger.Warn("transaction failed",
				zap.String("action", action),
				zap.String("position", infos[i].PositionAddress.String()),
				zap.Error(err))
			continue
		}
		observability.RecordTxSubmission(action, "ok")
		s.logger.Info("transaction confirmed",
			zap.String("action", action),
			zap.String("position", infos[i].PositionAddress.String()),
			zap.String("signature", sig))
		if onSuccess != nil {
			onSuccess(ctx, infos[i])
		}
	}
	return results
}

func (s *Submitter) accounts(info domain.PoolPositionInfo) (cpamm.PositionAccounts, error) {
	if info.Pool == nil {
		return cpamm.PositionAccounts{}, ErrMissingPoolState
	}
	if !cpamm.IsOnCurve(s.signer.PublicKey()) {
		return cpamm.PositionAccounts{}, ErrSignerOffCurve
	}
	return cpamm.NewPositionAccounts(s.signer.PublicKey(), info.PoolAddress, info.PositionAddress, info.NftMint, info.Pool), nil
}

// ataInstructions creates the owner's token accounts for both sides if missing.
func (s *Submitter) ataInstructions(a cpamm.PositionAccounts) []solana.Instruction {
	return []solana.Instruction{
		cpamm.NewCreateATAIdempotentInstruction(a.Owner, a.Owner, a.TokenAMint, a.TokenAProgram),
		cpamm.NewCreateATAIdempotentInstruction(a.Owner, a.Owner, a.TokenBMint, a.TokenBProgram),
	}
}

func (s *Submitter) claimInstructions(info domain.PoolPositionInfo) ([]solana.Instruction, error) {
	a, err := s.accounts(info)
	if err != nil {
		return nil, err
	}
	claim, err := cpamm.NewClaimPositionFeeInstruction(a)
	if err != nil {
		return nil, err
	}
	return append(s.ataInstructions(a), claim), nil
}

func (s *Submitter) removeInstructions(info domain.PoolPositionInfo) ([]solana.Instruction, error) {
	if err := checkWithdrawable(info.Position); err != nil {
		return nil, err
	}
	a, err := s.accounts(info)
	if err != nil {
		return nil, err
	}
	remove, err := s.removeAll(a, info)
	if err != nil {
		return nil, err
	}
	return append(s.ataInstructions(a), remove), nil
}

func (s *Submitter) closeInstructions(info domain.PoolPositionInfo) ([]solana.Instruction, error) {
	if err := checkClosable(info.Position); err != nil {
		return nil, err
	}
	a, err := s.accounts(info)
	if err != nil {
		return nil, err
	}
	ixs := s.ataInstructions(a)
	claim, err := cpamm.NewClaimPositionFeeInstruction(a)
	if err != nil {
		return nil, err
	}
	ixs = append(ixs, claim)
	if unlocked := info.Position.UnlockedLiquidity; unlocked != nil && unlocked.Sign() > 0 {
		remove, err := s.removeAll(a, info)
		if err != nil {
			return nil, err
		}
		ixs = append(ixs, remove)
	}
	closeIx, err := cpamm.NewClosePositionInstruction(a.Owner, a.Pool, a.Position, info.NftMint)
	if err != nil {
		return nil, err
	}
	return append(ixs, closeIx), nil
}

func (s *Submitter) depositInstructions(info domain.PoolPositionInfo, maxA, maxB uint64) ([]solana.Instruction, error) {
	a, err := s.accounts(info)
	if err != nil {
		return nil, err
	}
	pool := info.Pool
	delta := cpamm.GetLiquidityDelta(
		new(big.Int).SetUint64(maxA), new(big.Int).SetUint64(maxB),
		pool.SqrtPrice, pool.SqrtMinPrice, pool.SqrtMaxPrice)
	if delta.Sign() <= 0 {
		return nil, ErrNothingToDeposit
	}
	add, err := cpamm.NewAddLiquidityInstruction(a, delta, maxA, maxB)
	if err != nil {
		return nil, err
	}
	return append(s.ataInstructions(a), add), nil
}

// removeAll withdraws unlocked liquidity with minimums at the quote less slippage.
func (s *Submitter) removeAll(a cpamm.PositionAccounts, info domain.PoolPositionInfo) (solana.Instruction, error) {
	pool := info.Pool
	q := cpamm.GetWithdrawQuote(info.Position.UnlockedLiquidity, pool.SqrtPrice, pool.SqrtMinPrice, pool.SqrtMaxPrice)
	return cpamm.NewRemoveAllLiquidityInstruction(a, s.minAmount(q.OutAmountA), s.minAmount(q.OutAmountB))
}

func (s *Submitter) minAmount(quoted *big.Int) uint64 {
	if quoted == nil || quoted.Sign() <= 0 {
		return 0
	}
	v := new(big.Int).Mul(quoted, new(big.Int).SetUint64(cpamm.BasisPointMax-s.slippageBps))
	v.Quo(v, big.NewInt(cpamm.BasisPointMax))
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}

// checkWithdrawable rejects positions with nothing unlocked to withdraw.
func checkWithdrawable(p *cpamm.Position) error {
	if p == nil {
		return ErrNothingToWithdraw
	}
	if p.UnlockedLiquidity != nil && p.UnlockedLiquidity.Sign() > 0 {
		return nil
	}
	if cpamm.IsPermanentLockedPosition(p) {
		return ErrPermanentlyLocked
	}
	if cpamm.IsLockedPosition(p) {
		return ErrPositionLocked
	}
	return ErrNothingToWithdraw
}

// checkClosable rejects positions holding any locked liquidity.
func checkClosable(p *cpamm.Position) error {
	if p == nil {
		return ErrMissingPoolState
	}
	if cpamm.IsPermanentLockedPosition(p) {
		return ErrPermanentlyLocked
	}
	if cpamm.IsLockedPosition(p) {
		return ErrPositionLocked
	}
	return nil
}

func (s *Submitter) newTransaction(ctx context.Context, ixs []solana.Instruction) (*solana.Transaction, error) {
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	bh, err := s.rpc.GetLatestBlockhash(cctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("get blockhash: %w", err)
	}
	hash, err := solana.HashFromBase58(bh.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("parse blockhash: %w", err)
	}
	return solana.NewTransaction(ixs, hash, solana.TransactionPayer(s.signer.PublicKey()))
}

// sendAndConfirm submits tx and polls its status until confirmed, failed or timed out.
func (s *Submitter) sendAndConfirm(ctx context.Context, tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode transaction: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	sig, err := s.rpc.SendTransaction(cctx, base64.StdEncoding.EncodeToString(raw))
	cancel()
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	deadline := time.NewTimer(s.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
		statuses, err := s.rpc.GetSignatureStatuses(cctx, []string{sig})
		cancel()
		if err != nil {
			s.logger.Debug("status poll failed", zap.String("signature", sig), zap.Error(err))
		} else if len(statuses) == 1 && statuses[0] != nil {
			st := statuses[0]
			if st.Err != nil {
				return sig, fmt.Errorf("transaction error: %v", st.Err)
			}
			if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
				return sig, nil
			}
		}

		select {
		case <-ctx.Done():
			return sig, ctx.Err()
		case <-deadline.C:
			return sig, ErrConfirmationExpiry
		case <-ticker.C:
		}
	}
}

func (s *Submitter) actionError(action string, position solana.PublicKey, sig string, err error) error {
	return &ActionError{Action: action, Position: position, Signature: sig, Message: err.Error(), Err: err}
}

func (s *Submitter) refresh(ctx context.Context, position solana.PublicKey) {
	if s.tracker == nil {
		return
	}
	if _, err := s.tracker.UpdatePosition(ctx, position); err != nil {
		s.logger.Warn("position refresh after submit failed", zap.String("position", position.String()), zap.Error(err))
	}
}
