package cpamm

import (
	"math/big"
	"math/bits"

	"github.com/shopspring/decimal"
)

// GetFeeNumerator returns the total fee numerator at currentPoint, capped at
// MaxFeeNumerator. currentPoint is a slot or unix timestamp matching the pool's
// activation type.
func GetFeeNumerator(currentPoint uint64, activationPoint uint64, fees PoolFees) uint64 {
	base := GetCurrentBaseFeeNumerator(currentPoint, activationPoint, fees.BaseFee)
	total := base + GetDynamicFeeNumerator(fees.DynamicFee)
	if total < base || total > MaxFeeNumerator {
		return MaxFeeNumerator
	}
	return total
}

// GetCurrentBaseFeeNumerator applies the scheduler for the periods elapsed since activation.
// A zero period frequency, zero period count or a future activation yields the cliff fee.
func GetCurrentBaseFeeNumerator(currentPoint uint64, activationPoint uint64, bf BaseFee) uint64 {
	return GetBaseFeeNumerator(bf, ElapsedPeriods(currentPoint, activationPoint, bf))
}

// ElapsedPeriods returns min(numberOfPeriod, (current-activation)/periodFrequency).
func ElapsedPeriods(currentPoint uint64, activationPoint uint64, bf BaseFee) uint64 {
	if bf.PeriodFrequency == 0 || bf.NumberOfPeriod == 0 || currentPoint < activationPoint {
		return 0
	}
	period := (currentPoint - activationPoint) / bf.PeriodFrequency
	if n := uint64(bf.NumberOfPeriod); period > n {
		period = n
	}
	return period
}

// GetBaseFeeNumerator evaluates the scheduler after period periods.
//
// Linear: cliff - period*reductionFactor, saturating at zero.
// Exponential: cliff * (1 - reductionFactor/BASIS_POINT_MAX)^period.
func GetBaseFeeNumerator(bf BaseFee, period uint64) uint64 {
	if period == 0 {
		return bf.CliffFeeNumerator
	}
	switch bf.FeeSchedulerMode {
	case FeeSchedulerExponential:
		if bf.ReductionFactor >= BasisPointMax {
			return 0
		}
		rate := new(big.Int).Quo(
			new(big.Int).Lsh(new(big.Int).SetUint64(bf.ReductionFactor), ScaleOffset),
			big.NewInt(BasisPointMax),
		)
		base := new(big.Int).Sub(one64, rate)
		factor := powQ64(base, period)
		fee := new(big.Int).Rsh(
			new(big.Int).Mul(new(big.Int).SetUint64(bf.CliffFeeNumerator), factor),
			ScaleOffset,
		)
		return fee.Uint64()
	default:
		hi, reduction := bits.Mul64(bf.ReductionFactor, period)
		if hi != 0 || reduction >= bf.CliffFeeNumerator {
			return 0
		}
		return bf.CliffFeeNumerator - reduction
	}
}

// powQ64 raises a Q64.64 base to exp by squaring.
func powQ64(base *big.Int, exp uint64) *big.Int {
	result := new(big.Int).Set(one64)
	b := new(big.Int).Set(base)
	for exp > 0 {
		if exp&1 == 1 {
			result.Mul(result, b).Rsh(result, ScaleOffset)
		}
		exp >>= 1
		if exp > 0 {
			b.Mul(b, b).Rsh(b, ScaleOffset)
		}
	}
	return result
}

// GetDynamicFeeNumerator returns ceil(vfc * (volatilityAccumulator*binStep)^2 / 1e11)
// when the dynamic fee is initialized.
func GetDynamicFeeNumerator(df DynamicFee) uint64 {
	if !df.Initialized || df.VariableFeeControl == 0 || df.VolatilityAccumulator == nil {
		return 0
	}
	sq := new(big.Int).Mul(df.VolatilityAccumulator, big.NewInt(int64(df.BinStep)))
	sq.Mul(sq, sq)
	v := new(big.Int).Mul(sq, big.NewInt(int64(df.VariableFeeControl)))
	v.Add(v, big.NewInt(dynamicFeeScale-1))
	v.Quo(v, big.NewInt(dynamicFeeScale))
	if !v.IsUint64() {
		return MaxFeeNumerator
	}
	return v.Uint64()
}

// FeeNumeratorToBps converts a fee numerator to basis points.
func FeeNumeratorToBps(numerator uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(numerator), 0).
		Div(decimal.NewFromInt(feeNumeratorPerBps))
}

// BpsToFeeNumerator converts basis points to a fee numerator.
func BpsToFeeNumerator(bps uint64) uint64 {
	return bps * feeNumeratorPerBps
}
