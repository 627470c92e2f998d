package cpamm

import "math/big"

// GetAmountAFromLiquidityDelta returns Δa = L * (√P_max - √P) / (√P * √P_max).
func GetAmountAFromLiquidityDelta(liquidity, sqrtPrice, maxSqrtPrice *big.Int, rounding Rounding) *big.Int {
	if sqrtPrice.Sign() == 0 || maxSqrtPrice.Sign() == 0 || sqrtPrice.Cmp(maxSqrtPrice) >= 0 {
		return new(big.Int)
	}
	product := new(big.Int).Mul(liquidity, new(big.Int).Sub(maxSqrtPrice, sqrtPrice))
	denominator := new(big.Int).Mul(sqrtPrice, maxSqrtPrice)
	return divRound(product, denominator, rounding)
}

// GetAmountBFromLiquidityDelta returns Δb = L * (√P - √P_min) >> 128.
func GetAmountBFromLiquidityDelta(liquidity, sqrtPrice, minSqrtPrice *big.Int, rounding Rounding) *big.Int {
	if sqrtPrice.Cmp(minSqrtPrice) <= 0 {
		return new(big.Int)
	}
	product := new(big.Int).Mul(liquidity, new(big.Int).Sub(sqrtPrice, minSqrtPrice))
	return divRound(product, one128, rounding)
}

// GetLiquidityDeltaFromAmountA returns L = Δa * √P * √P_max / (√P_max - √P).
func GetLiquidityDeltaFromAmountA(amountA, sqrtPrice, maxSqrtPrice *big.Int) *big.Int {
	denominator := new(big.Int).Sub(maxSqrtPrice, sqrtPrice)
	if denominator.Sign() <= 0 {
		return new(big.Int)
	}
	product := new(big.Int).Mul(new(big.Int).Mul(amountA, sqrtPrice), maxSqrtPrice)
	return product.Quo(product, denominator)
}

// GetLiquidityDeltaFromAmountB returns L = (Δb << 128) / (√P - √P_min).
func GetLiquidityDeltaFromAmountB(amountB, minSqrtPrice, sqrtPrice *big.Int) *big.Int {
	denominator := new(big.Int).Sub(sqrtPrice, minSqrtPrice)
	if denominator.Sign() <= 0 {
		return new(big.Int)
	}
	product := new(big.Int).Lsh(amountB, LiquidityScale)
	return product.Quo(product, denominator)
}

func divRound(x, y *big.Int, rounding Rounding) *big.Int {
	q, m := new(big.Int).QuoRem(x, y, new(big.Int))
	if rounding == RoundingUp && m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// WithdrawQuote is the token output of removing LiquidityDelta.
type WithdrawQuote struct {
	LiquidityDelta *big.Int
	OutAmountA     *big.Int
	OutAmountB     *big.Int
}

// GetWithdrawQuote returns the token amounts released by removing liquidityDelta
// at the given price and bounds, rounded down.
func GetWithdrawQuote(liquidityDelta, sqrtPrice, minSqrtPrice, maxSqrtPrice *big.Int) WithdrawQuote {
	return WithdrawQuote{
		LiquidityDelta: new(big.Int).Set(liquidityDelta),
		OutAmountA:     GetAmountAFromLiquidityDelta(liquidityDelta, sqrtPrice, maxSqrtPrice, RoundingDown),
		OutAmountB:     GetAmountBFromLiquidityDelta(liquidityDelta, sqrtPrice, minSqrtPrice, RoundingDown),
	}
}

// DepositQuote is the paired amount and liquidity for a single-sided input.
type DepositQuote struct {
	InputAmount    *big.Int
	OutputAmount   *big.Int
	LiquidityDelta *big.Int
}

// GetDepositQuote returns the liquidity minted by inAmount of token A (isTokenA) or
// token B and the paired amount of the other token, rounded up.
func GetDepositQuote(inAmount *big.Int, isTokenA bool, sqrtPrice, minSqrtPrice, maxSqrtPrice *big.Int) DepositQuote {
	var delta, out *big.Int
	if isTokenA {
		delta = GetLiquidityDeltaFromAmountA(inAmount, sqrtPrice, maxSqrtPrice)
		out = GetAmountBFromLiquidityDelta(delta, sqrtPrice, minSqrtPrice, RoundingUp)
	} else {
		delta = GetLiquidityDeltaFromAmountB(inAmount, minSqrtPrice, sqrtPrice)
		out = GetAmountAFromLiquidityDelta(delta, sqrtPrice, maxSqrtPrice, RoundingUp)
	}
	return DepositQuote{
		InputAmount:    new(big.Int).Set(inAmount),
		OutputAmount:   out,
		LiquidityDelta: delta,
	}
}

// GetLiquidityDelta returns the liquidity achievable with at most maxA and maxB.
func GetLiquidityDelta(maxA, maxB, sqrtPrice, minSqrtPrice, maxSqrtPrice *big.Int) *big.Int {
	fromA := GetLiquidityDeltaFromAmountA(maxA, sqrtPrice, maxSqrtPrice)
	fromB := GetLiquidityDeltaFromAmountB(maxB, minSqrtPrice, sqrtPrice)
	if fromA.Cmp(fromB) < 0 {
		return fromA
	}
	return fromB
}
