package cpamm

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// pricePrecision is the number of decimal places kept when dividing by 2^128.
const pricePrecision = 24

// SqrtPriceToPrice converts a Q64.64 sqrt price to a UI price of token A in token B.
//
//	price = sqrtPrice^2 / 2^128 * 10^(decimalsA - decimalsB)
func SqrtPriceToPrice(sqrtPrice *big.Int, decimalsA, decimalsB int) decimal.Decimal {
	if sqrtPrice == nil || sqrtPrice.Sign() == 0 {
		return decimal.Zero
	}
	num := new(big.Int).Mul(sqrtPrice, sqrtPrice)
	den := new(big.Int).Set(one128)
	if d := decimalsA - decimalsB; d > 0 {
		num.Mul(num, pow10(d))
	} else if d < 0 {
		den.Mul(den, pow10(-d))
	}
	return decimal.NewFromBigInt(num, 0).DivRound(decimal.NewFromBigInt(den, 0), pricePrecision)
}

// PriceToSqrtPrice converts a UI price back to a Q64.64 sqrt price.
func PriceToSqrtPrice(price decimal.Decimal, decimalsA, decimalsB int) *big.Int {
	if !price.IsPositive() {
		return new(big.Int)
	}
	scaled := price.Mul(decimal.NewFromBigInt(one128, 0))
	if d := decimalsB - decimalsA; d > 0 {
		scaled = scaled.Mul(decimal.NewFromBigInt(pow10(d), 0))
	} else if d < 0 {
		scaled = scaled.Div(decimal.NewFromBigInt(pow10(-d), 0))
	}
	return new(big.Int).Sqrt(scaled.BigInt())
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ToUIAmount scales a raw token amount by its decimals.
func ToUIAmount(raw *big.Int, decimals int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, int32(-decimals))
}
