// Package pnl reconstructs a position's profit and loss from its transaction
// history. The result is a read-only, best-effort estimate.
package pnl

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dammdash/internal/cpamm"
	"dammdash/internal/domain"
	"dammdash/internal/observability"
	chain "dammdash/internal/solana"
)

const (
	DefaultConcurrency = 8
	DefaultCallTimeout = 15 * time.Second
)

var ErrMissingPool = errors.New("position has no pool state")

// Options contains configuration for creating a Reconstructor.
type Options struct {
	RPC         chain.RPCClient
	Decoder     Decoder // default: InnerTransferDecoder for ProgramID
	ProgramID   solana.PublicKey
	Logger      *zap.Logger
	CallTimeout time.Duration
	Concurrency int // parallel getTransaction calls
}

// Reconstructor computes PnlSummary values from chain history.
type Reconstructor struct {
	rpc         chain.RPCClient
	decoder     Decoder
	logger      *zap.Logger
	callTimeout time.Duration
	concurrency int
}

// NewReconstructor creates a new P&L reconstructor.
func NewReconstructor(opts Options) *Reconstructor {
	r := &Reconstructor{
		rpc:         opts.RPC,
		decoder:     opts.Decoder,
		logger:      opts.Logger,
		callTimeout: opts.CallTimeout,
		concurrency: opts.Concurrency,
	}
	if r.decoder == nil {
		r.decoder = NewInnerTransferDecoder(opts.ProgramID)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("pnl")
	if r.callTimeout <= 0 {
		r.callTimeout = DefaultCallTimeout
	}
	if r.concurrency <= 0 {
		r.concurrency = DefaultConcurrency
	}
	return r
}

// ComputePnl replays the successful transactions touching the position's NFT
// account, oldest first, and values the result against its current balance
// and unclaimed fees.
func (r *Reconstructor) ComputePnl(ctx context.Context, info domain.PoolPositionInfo) (*domain.PnlSummary, error) {
	if info.Pool == nil {
		return nil, ErrMissingPool
	}
	target := Target{
		NftAccount: info.PositionNftAccount,
		MintA:      info.Pool.TokenAMint,
		MintB:      info.Pool.TokenBMint,
	}
	if target.NftAccount.IsZero() {
		target.NftAccount = cpamm.DerivePositionNftAccount(info.NftMint)
	}

	events, txCount, err := r.history(ctx, target)
	if err != nil {
		observability.RecordPnL("error")
		return nil, err
	}

	s := Summarize(events, Holdings{
		BalanceA:      info.PositionAmountA,
		BalanceB:      info.PositionAmountB,
		UnclaimedFeeA: info.UnclaimedFeeA,
		UnclaimedFeeB: info.UnclaimedFeeB,
	})
	s.Position = info.PositionAddress
	s.Transactions = txCount
	observability.RecordPnL("ok")
	r.logger.Debug("pnl computed",
		zap.String("position", info.PositionAddress.String()),
		zap.Int("transactions", txCount),
		zap.Int("events", len(events)))
	return s, nil
}

// history returns the target's events in chain order and the number of
// transactions that contributed at least one.
func (r *Reconstructor) history(ctx context.Context, target Target) ([]Event, int, error) {
	sctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	sigs, err := chain.GetAllSignaturesForAddress(sctx, r.rpc, target.NftAccount.String())
	cancel()
	if err != nil {
		return nil, 0, fmt.Errorf("fetch signatures: %w", err)
	}

	// newest first from the chain; keep successful ones, oldest first
	ordered := make([]string, 0, len(sigs))
	for i := len(sigs) - 1; i >= 0; i-- {
		if sigs[i].Err != nil {
			continue
		}
		ordered = append(ordered, sigs[i].Signature)
	}

	txs := make([]*chain.Transaction, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, sig := range ordered {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, r.callTimeout)
			defer cancel()
			tx, err := r.rpc.GetTransaction(cctx, sig)
			if err != nil {
				return fmt.Errorf("fetch transaction %s: %w", sig, err)
			}
			txs[i] = tx
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var events []Event
	count := 0
	for i, tx := range txs {
		if tx == nil || (tx.Meta != nil && tx.Meta.Err != nil) {
			continue
		}
		ixs, err := tx.Decompile()
		if err != nil {
			r.logger.Debug("skipping undecodable transaction", zap.String("signature", ordered[i]), zap.Error(err))
			continue
		}
		found := false
		for _, ix := range ixs {
			if ev, ok := r.decoder.Decode(ix, target); ok {
				events = append(events, ev)
				found = true
			}
		}
		if found {
			count++
		}
	}
	return events, count, nil
}

// Holdings is the position's current on-chain value.
type Holdings struct {
	BalanceA      *big.Int
	BalanceB      *big.Int
	UnclaimedFeeA *big.Int
	UnclaimedFeeB *big.Int
}

// Summarize folds events into running totals. Claimed fees count as removed.
//
//	pnl = removed + balance + unclaimed - added
//
// Percentages are relative to added and nil when nothing was added.
func Summarize(events []Event, h Holdings) *domain.PnlSummary {
	s := &domain.PnlSummary{
		TokenAAdded:     new(big.Int),
		TokenBAdded:     new(big.Int),
		TokenARemoved:   new(big.Int),
		TokenBRemoved:   new(big.Int),
		ClaimedFeeA:     new(big.Int),
		ClaimedFeeB:     new(big.Int),
		CurrentBalanceA: orZero(h.BalanceA),
		CurrentBalanceB: orZero(h.BalanceB),
		UnclaimedFeeA:   orZero(h.UnclaimedFeeA),
		UnclaimedFeeB:   orZero(h.UnclaimedFeeB),
	}
	for _, ev := range events {
		a, b := orZero(ev.AmountA), orZero(ev.AmountB)
		switch ev.Kind {
		case KindPoolInit, KindAddLiquidity:
			s.TokenAAdded.Add(s.TokenAAdded, a)
			s.TokenBAdded.Add(s.TokenBAdded, b)
		case KindRemoveLiquidity:
			s.TokenARemoved.Add(s.TokenARemoved, a)
			s.TokenBRemoved.Add(s.TokenBRemoved, b)
		case KindClaimFee:
			s.ClaimedFeeA.Add(s.ClaimedFeeA, a)
			s.ClaimedFeeB.Add(s.ClaimedFeeB, b)
			s.TokenARemoved.Add(s.TokenARemoved, a)
			s.TokenBRemoved.Add(s.TokenBRemoved, b)
		}
	}
	s.PnlA = pnl(s.TokenARemoved, s.CurrentBalanceA, s.UnclaimedFeeA, s.TokenAAdded)
	s.PnlB = pnl(s.TokenBRemoved, s.CurrentBalanceB, s.UnclaimedFeeB, s.TokenBAdded)
	s.PnlAPercent = percent(s.PnlA, s.TokenAAdded)
	s.PnlBPercent = percent(s.PnlB, s.TokenBAdded)
	return s
}

func pnl(removed, balance, unclaimed, added *big.Int) *big.Int {
	out := new(big.Int).Add(removed, balance)
	out.Add(out, unclaimed)
	return out.Sub(out, added)
}

func percent(pnl, added *big.Int) *decimal.Decimal {
	if added.Sign() <= 0 {
		return nil
	}
	p := decimal.NewFromBigInt(pnl, 0).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromBigInt(added, 0))
	return &p
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
