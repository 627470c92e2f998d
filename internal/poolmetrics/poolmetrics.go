// Package poolmetrics derives fee, price, TVL and activation metrics of a pool
// from its on-chain state and a time reference. All functions are pure.
package poolmetrics

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"dammdash/internal/cpamm"
	"dammdash/internal/domain"
)

const (
	// DefaultMainFeeThresholdBps separates main (<=) from non-main pools.
	DefaultMainFeeThresholdBps = 1000

	// DefaultSlotSlack and DefaultTimeSlack move the activation check forward
	// to tolerate skew between the local clock and the chain.
	DefaultSlotSlack = 10
	DefaultTimeSlack = 5 * time.Second

	// SlotDuration converts slot distances into wall-clock time.
	SlotDuration = 400 * time.Millisecond
)

// TimeReference is a sampled chain slot and wall-clock time.
type TimeReference struct {
	Slot     uint64
	UnixTime int64
}

// Now samples the wall clock at the given slot.
func Now(slot uint64) TimeReference {
	return TimeReference{Slot: slot, UnixTime: time.Now().Unix()}
}

// CurrentPoint returns the slot or timestamp matching the activation type.
func (t TimeReference) CurrentPoint(at cpamm.ActivationType) uint64 {
	if at == cpamm.ActivationSlot {
		return t.Slot
	}
	if t.UnixTime < 0 {
		return 0
	}
	return uint64(t.UnixTime)
}

// WithSlack returns the reference moved forward by the given slack.
func (t TimeReference) WithSlack(slots uint64, d time.Duration) TimeReference {
	return TimeReference{Slot: t.Slot + slots, UnixTime: t.UnixTime + int64(d/time.Second)}
}

// CurrentFeeNumerator returns the total fee numerator of pool at t.
func CurrentFeeNumerator(pool *cpamm.Pool, t TimeReference) uint64 {
	return cpamm.GetFeeNumerator(t.CurrentPoint(pool.ActivationType), pool.ActivationPoint, pool.Fees)
}

// CurrentFeeBps returns the scheduler-reduced base fee plus the dynamic fee, in bps.
func CurrentFeeBps(pool *cpamm.Pool, t TimeReference) decimal.Decimal {
	return cpamm.FeeNumeratorToBps(CurrentFeeNumerator(pool, t))
}

// BaseFeeBps returns the scheduler-reduced base fee at t, in bps.
func BaseFeeBps(pool *cpamm.Pool, t TimeReference) decimal.Decimal {
	n := cpamm.GetCurrentBaseFeeNumerator(t.CurrentPoint(pool.ActivationType), pool.ActivationPoint, pool.Fees.BaseFee)
	return cpamm.FeeNumeratorToBps(n)
}

// IsActivated reports whether the pool's activation point has been reached at t.
func IsActivated(pool *cpamm.Pool, t TimeReference) bool {
	return t.CurrentPoint(pool.ActivationType) >= pool.ActivationPoint
}

// ActivationAge returns the time since activation; negative when not yet active.
func ActivationAge(pool *cpamm.Pool, t TimeReference) time.Duration {
	cur := int64(t.CurrentPoint(pool.ActivationType))
	act := int64(pool.ActivationPoint)
	if pool.ActivationType == cpamm.ActivationSlot {
		return time.Duration(cur-act) * SlotDuration
	}
	return time.Duration(cur-act) * time.Second
}

// Price returns the UI price of token A in token B.
func Price(pool *cpamm.Pool, decimalsA, decimalsB int) decimal.Decimal {
	return cpamm.SqrtPriceToPrice(pool.SqrtPrice, decimalsA, decimalsB)
}

// ComputeTVL values the pool's withdrawable reserves in USD. Locked TVL covers the
// permanently locked liquidity. Returns nil when either token's metadata is unknown.
func ComputeTVL(pool *cpamm.Pool, tokenA, tokenB *domain.TokenMetadata) *domain.TVL {
	if tokenA == nil || tokenB == nil || pool.Liquidity == nil {
		return nil
	}
	locked := new(big.Int)
	if pool.PermanentLockLiquidity != nil {
		locked.Set(pool.PermanentLockLiquidity)
	}
	if locked.Cmp(pool.Liquidity) > 0 {
		locked.Set(pool.Liquidity)
	}
	unlocked := new(big.Int).Sub(pool.Liquidity, locked)

	value := func(liquidity *big.Int) decimal.Decimal {
		q := cpamm.GetWithdrawQuote(liquidity, pool.SqrtPrice, pool.SqrtMinPrice, pool.SqrtMaxPrice)
		return USDValue(q.OutAmountA, tokenA).Add(USDValue(q.OutAmountB, tokenB))
	}
	tvl := &domain.TVL{Locked: value(locked), Unlocked: value(unlocked)}
	tvl.Total = tvl.Locked.Add(tvl.Unlocked)
	return tvl
}

// USDValue values a raw token amount with the token's decimals and USD price.
func USDValue(raw *big.Int, token *domain.TokenMetadata) decimal.Decimal {
	if token == nil {
		return decimal.Zero
	}
	return cpamm.ToUIAmount(raw, token.Decimals).Mul(token.PriceUSD)
}

// Classifier assigns pools to the main or non-main partition by current fee.
type Classifier struct {
	ThresholdBps decimal.Decimal
}

// NewClassifier creates a classifier with the given threshold in bps.
func NewClassifier(thresholdBps int64) Classifier {
	return Classifier{ThresholdBps: decimal.NewFromInt(thresholdBps)}
}

// Classify returns PartitionMain when the current fee is at most the threshold.
func (c Classifier) Classify(pool *cpamm.Pool, t TimeReference) domain.Partition {
	if CurrentFeeBps(pool, t).LessThanOrEqual(c.ThresholdBps) {
		return domain.PartitionMain
	}
	return domain.PartitionNonMain
}

// Detail builds the derived view of a pool. tokenA and tokenB may be nil.
func (c Classifier) Detail(entry domain.PoolEntry, t TimeReference, tokenA, tokenB *domain.TokenMetadata) domain.DetailedPoolInfo {
	pool := entry.Pool
	info := domain.DetailedPoolInfo{
		Address:              entry.Address,
		Pool:                 pool,
		TokenAMint:           pool.TokenAMint,
		TokenBMint:           pool.TokenBMint,
		Creator:              pool.Creator,
		TokenA:               tokenA.Clone(),
		TokenB:               tokenB.Clone(),
		Partition:            c.Classify(pool, t),
		ActivationAgeSeconds: int64(ActivationAge(pool, t) / time.Second),
		BaseFeeBps:           BaseFeeBps(pool, t),
		CurrentFeeBps:        CurrentFeeBps(pool, t),
		TVL:                  ComputeTVL(pool, tokenA, tokenB),
	}
	if tokenA != nil && tokenB != nil {
		p := Price(pool, tokenA.Decimals, tokenB.Decimals)
		info.Price = &p
	}
	return info
}
