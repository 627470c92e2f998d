package cpamm

import "math/big"

// TotalLiquidity returns unlocked + vested + permanently locked liquidity.
func (p *Position) TotalLiquidity() *big.Int {
	total := new(big.Int)
	for _, v := range []*big.Int{p.UnlockedLiquidity, p.VestedLiquidity, p.PermanentLockedLiquidity} {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// IsLockedPosition reports whether any liquidity is vested or permanently locked.
func IsLockedPosition(p *Position) bool {
	locked := new(big.Int)
	if p.VestedLiquidity != nil {
		locked.Add(locked, p.VestedLiquidity)
	}
	if p.PermanentLockedLiquidity != nil {
		locked.Add(locked, p.PermanentLockedLiquidity)
	}
	return locked.Sign() > 0
}

// IsPermanentLockedPosition reports whether any liquidity is permanently locked.
func IsPermanentLockedPosition(p *Position) bool {
	return p.PermanentLockedLiquidity != nil && p.PermanentLockedLiquidity.Sign() > 0
}

// UnclaimedFee is the fee accrued by a position and not yet claimed.
type UnclaimedFee struct {
	FeeA *big.Int
	FeeB *big.Int
}

// GetUnclaimedFee returns pending fees plus fees accrued since the position's
// last checkpoint:
//
//	fee = pending + totalLiquidity * (poolFeePerLiquidity - checkpoint) >> 128
func GetUnclaimedFee(pool *Pool, position *Position) UnclaimedFee {
	liquidity := position.TotalLiquidity()
	return UnclaimedFee{
		FeeA: accruedFee(liquidity, pool.FeeAPerLiquidity, position.FeeAPerTokenCheckpoint, position.FeeAPending),
		FeeB: accruedFee(liquidity, pool.FeeBPerLiquidity, position.FeeBPerTokenCheckpoint, position.FeeBPending),
	}
}

func accruedFee(liquidity *big.Int, perLiquidity, checkpoint [32]byte, pending uint64) *big.Int {
	delta := new(big.Int).Sub(U256FromLE(perLiquidity), U256FromLE(checkpoint))
	if delta.Sign() < 0 {
		// U256 wrapping subtraction
		delta.Add(delta, two256)
	}
	fee := new(big.Int).Mul(liquidity, delta)
	fee.Rsh(fee, LiquidityScale)
	return fee.Add(fee, new(big.Int).SetUint64(pending))
}

// TotalPositionAmounts returns the withdrawable amounts of the whole position.
func TotalPositionAmounts(pool *Pool, position *Position) WithdrawQuote {
	return GetWithdrawQuote(position.TotalLiquidity(), pool.SqrtPrice, pool.SqrtMinPrice, pool.SqrtMaxPrice)
}
