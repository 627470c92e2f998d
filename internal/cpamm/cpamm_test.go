package cpamm

import (
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool() *Pool {
	return &Pool{
		Fees: PoolFees{
			BaseFee: BaseFee{
				CliffFeeNumerator: 500_000_000,
				FeeSchedulerMode:  FeeSchedulerExponential,
				NumberOfPeriod:    120,
				PeriodFrequency:   60,
				ReductionFactor:   250,
			},
			ProtocolFeePercent: 20,
			DynamicFee: DynamicFee{
				Initialized:           true,
				VariableFeeControl:    7,
				BinStep:               1,
				VolatilityAccumulator: big.NewInt(1000),
			},
		},
		TokenAMint:             solana.NewWallet().PublicKey(),
		TokenBMint:             solana.SolMint,
		TokenAVault:            solana.NewWallet().PublicKey(),
		TokenBVault:            solana.NewWallet().PublicKey(),
		Liquidity:              new(big.Int).Lsh(big.NewInt(12345), 70),
		SqrtMinPrice:           new(big.Int).Set(MinSqrtPrice),
		SqrtMaxPrice:           new(big.Int).Set(MaxSqrtPrice),
		SqrtPrice:              new(big.Int).Set(one64),
		ActivationPoint:        1_700_000_000,
		ActivationType:         ActivationTimestamp,
		TokenBFlag:             1,
		FeeAPerLiquidity:       U256ToLE(new(big.Int).Lsh(big.NewInt(5), 128)),
		PermanentLockLiquidity: big.NewInt(77),
		Metrics:                PoolMetrics{TotalLpAFee: big.NewInt(9), TotalPosition: 3},
		Creator:                solana.NewWallet().PublicKey(),
	}
}

func TestDiscriminators(t *testing.T) {
	assert.NotEqual(t, PoolDiscriminator, PositionDiscriminator)
	assert.NotEqual(t, IxAddLiquidity, IxRemoveLiquidity)
	assert.Len(t, IxClaimPositionFee, 8)
}

func TestPool_EncodeDecode(t *testing.T) {
	pool := testPool()
	data, err := pool.Encode()
	require.NoError(t, err)
	require.Len(t, data, PoolAccountSize)
	assert.True(t, IsPoolAccount(data))
	assert.False(t, IsPositionAccount(data))

	// memcmp offsets must line up with the layout
	assert.Equal(t, pool.TokenAMint[:], data[PoolTokenAMintOffset:PoolTokenAMintOffset+32])
	assert.Equal(t, pool.TokenBMint[:], data[PoolTokenBMintOffset:PoolTokenBMintOffset+32])
	assert.Equal(t, pool.Creator[:], data[PoolCreatorOffset:PoolCreatorOffset+32])

	got, err := DecodePool(data)
	require.NoError(t, err)
	assert.Equal(t, pool.Fees.BaseFee, got.Fees.BaseFee)
	assert.Equal(t, pool.Fees.ProtocolFeePercent, got.Fees.ProtocolFeePercent)
	assert.True(t, got.Fees.DynamicFee.Initialized)
	assert.Equal(t, 0, got.Fees.DynamicFee.VolatilityAccumulator.Cmp(big.NewInt(1000)))
	assert.Equal(t, pool.TokenAMint, got.TokenAMint)
	assert.Equal(t, 0, pool.Liquidity.Cmp(got.Liquidity))
	assert.Equal(t, 0, pool.SqrtMaxPrice.Cmp(got.SqrtMaxPrice))
	assert.Equal(t, pool.ActivationPoint, got.ActivationPoint)
	assert.Equal(t, ActivationTimestamp, got.ActivationType)
	assert.Equal(t, uint8(1), got.TokenBFlag)
	assert.Equal(t, pool.FeeAPerLiquidity, got.FeeAPerLiquidity)
	assert.Equal(t, 0, got.PermanentLockLiquidity.Cmp(big.NewInt(77)))
	assert.Equal(t, uint64(3), got.Metrics.TotalPosition)
	assert.Equal(t, pool.Creator, got.Creator)
}

func TestDecodePool_Rejects(t *testing.T) {
	_, err := DecodePool(make([]byte, 10))
	assert.ErrorIs(t, err, ErrInvalidAccountData)

	_, err = DecodePool(make([]byte, PoolAccountSize))
	assert.ErrorIs(t, err, ErrDiscriminatorMismatch)
}

func TestPosition_EncodeDecode(t *testing.T) {
	pos := &Position{
		Pool:                     solana.NewWallet().PublicKey(),
		NftMint:                  solana.NewWallet().PublicKey(),
		FeeAPending:              4,
		UnlockedLiquidity:        big.NewInt(100),
		VestedLiquidity:          big.NewInt(20),
		PermanentLockedLiquidity: big.NewInt(3),
		TotalClaimedBFee:         11,
	}
	data, err := pos.Encode()
	require.NoError(t, err)
	require.Len(t, data, PositionAccountSize)
	assert.Equal(t, pos.Pool[:], data[PositionPoolOffset:PositionPoolOffset+32])
	assert.Equal(t, pos.NftMint[:], data[PositionNftMintOffset:PositionNftMintOffset+32])

	got, err := DecodePosition(data)
	require.NoError(t, err)
	assert.Equal(t, pos.Pool, got.Pool)
	assert.Equal(t, uint64(4), got.FeeAPending)
	assert.Equal(t, uint64(11), got.TotalClaimedBFee)
	assert.Equal(t, int64(123), got.TotalLiquidity().Int64())
	assert.True(t, IsLockedPosition(got))
	assert.True(t, IsPermanentLockedPosition(got))
}

func TestGetFeeNumerator_NoSchedulerIsConstant(t *testing.T) {
	for _, mode := range []FeeSchedulerMode{FeeSchedulerLinear, FeeSchedulerExponential} {
		fees := PoolFees{BaseFee: BaseFee{
			CliffFeeNumerator: 25_000_000,
			FeeSchedulerMode:  mode,
			NumberOfPeriod:    0,
			PeriodFrequency:   10,
			ReductionFactor:   500,
		}}
		for _, now := range []uint64{0, 100, 1_000, 1_000_000} {
			assert.Equal(t, uint64(25_000_000), GetFeeNumerator(now, 0, fees), "mode=%s now=%d", mode, now)
		}
	}
}

func TestGetFeeNumerator_ZeroFrequencyAndFutureActivation(t *testing.T) {
	bf := BaseFee{CliffFeeNumerator: 10_000, NumberOfPeriod: 5, PeriodFrequency: 0, ReductionFactor: 1_000}
	assert.Equal(t, uint64(10_000), GetCurrentBaseFeeNumerator(10_000, 0, bf))

	bf.PeriodFrequency = 60
	assert.Equal(t, uint64(10_000), GetCurrentBaseFeeNumerator(50, 1_000, bf))
}

func TestGetFeeNumerator_LinearExample(t *testing.T) {
	bf := BaseFee{
		CliffFeeNumerator: 10_000,
		FeeSchedulerMode:  FeeSchedulerLinear,
		NumberOfPeriod:    5,
		PeriodFrequency:   60,
		ReductionFactor:   1_000,
	}
	assert.Equal(t, uint64(2), ElapsedPeriods(125, 0, bf))
	assert.Equal(t, uint64(8_000), GetCurrentBaseFeeNumerator(125, 0, bf))
}

func TestGetFeeNumerator_LinearNonIncreasingAndClamped(t *testing.T) {
	bf := BaseFee{
		CliffFeeNumerator: 10_000,
		FeeSchedulerMode:  FeeSchedulerLinear,
		NumberOfPeriod:    5,
		PeriodFrequency:   60,
		ReductionFactor:   1_000,
	}
	prev := uint64(^uint64(0))
	for now := uint64(0); now <= 60*20; now += 7 {
		fee := GetCurrentBaseFeeNumerator(now, 0, bf)
		assert.LessOrEqual(t, fee, prev, "now=%d", now)
		prev = fee
	}
	assert.Equal(t, uint64(5_000), GetCurrentBaseFeeNumerator(60*5, 0, bf))
	assert.Equal(t, uint64(5_000), GetCurrentBaseFeeNumerator(60*500, 0, bf))

	// reduction larger than the cliff saturates at zero
	bf.ReductionFactor = 5_000
	assert.Equal(t, uint64(0), GetCurrentBaseFeeNumerator(60*5, 0, bf))
}

func TestGetBaseFeeNumerator_Exponential(t *testing.T) {
	bf := BaseFee{
		CliffFeeNumerator: 500_000_000,
		FeeSchedulerMode:  FeeSchedulerExponential,
		NumberOfPeriod:    100,
		PeriodFrequency:   1,
		ReductionFactor:   1_000, // 10% per period
	}
	assert.Equal(t, uint64(500_000_000), GetBaseFeeNumerator(bf, 0))

	one := GetBaseFeeNumerator(bf, 1)
	assert.InDelta(t, 450_000_000, float64(one), 2)

	two := GetBaseFeeNumerator(bf, 2)
	assert.InDelta(t, 405_000_000, float64(two), 2)

	ten := GetBaseFeeNumerator(bf, 10)
	assert.InDelta(t, 500_000_000*0.3486784401, float64(ten), 10)
}

func TestGetDynamicFeeNumerator(t *testing.T) {
	df := DynamicFee{
		Initialized:           true,
		VariableFeeControl:    100_000,
		BinStep:               10,
		VolatilityAccumulator: big.NewInt(10_000),
	}
	// 100000 * (10000*10)^2 / 1e11 = 10000
	assert.Equal(t, uint64(10_000), GetDynamicFeeNumerator(df))

	df.Initialized = false
	assert.Equal(t, uint64(0), GetDynamicFeeNumerator(df))
}

func TestGetFeeNumerator_Capped(t *testing.T) {
	fees := PoolFees{
		BaseFee: BaseFee{CliffFeeNumerator: MaxFeeNumerator},
		DynamicFee: DynamicFee{
			Initialized:           true,
			VariableFeeControl:    100_000,
			BinStep:               10,
			VolatilityAccumulator: big.NewInt(10_000),
		},
	}
	assert.Equal(t, uint64(MaxFeeNumerator), GetFeeNumerator(0, 0, fees))
}

func TestFeeNumeratorToBps(t *testing.T) {
	assert.True(t, FeeNumeratorToBps(500_000_000).Equal(decimal.NewFromInt(5_000)))
	assert.True(t, FeeNumeratorToBps(2_500_000).Equal(decimal.NewFromInt(25)))
	assert.Equal(t, uint64(100_000_000), BpsToFeeNumerator(1_000))
}

func TestSqrtPriceToPrice(t *testing.T) {
	assert.True(t, SqrtPriceToPrice(one64, 6, 6).Equal(decimal.NewFromInt(1)))
	assert.True(t, SqrtPriceToPrice(one64, 9, 6).Equal(decimal.NewFromInt(1000)))
	assert.True(t, SqrtPriceToPrice(new(big.Int).Lsh(big.NewInt(2), 64), 6, 6).Equal(decimal.NewFromInt(4)))

	back := PriceToSqrtPrice(decimal.NewFromInt(4), 6, 6)
	assert.Equal(t, 0, back.Cmp(new(big.Int).Lsh(big.NewInt(2), 64)))
}

func TestWithdrawAndDepositQuote(t *testing.T) {
	sqrtPrice := new(big.Int).Set(one64)
	minP := new(big.Int).Rsh(one64, 1)
	maxP := new(big.Int).Lsh(one64, 1)

	deposit := GetDepositQuote(big.NewInt(1_000_000), true, sqrtPrice, minP, maxP)
	require.Positive(t, deposit.LiquidityDelta.Sign())

	withdraw := GetWithdrawQuote(deposit.LiquidityDelta, sqrtPrice, minP, maxP)
	// withdrawing the minted liquidity never returns more than was deposited
	assert.LessOrEqual(t, withdraw.OutAmountA.Int64(), int64(1_000_000))
	assert.InDelta(t, 1_000_000, withdraw.OutAmountA.Int64(), 1)
	assert.LessOrEqual(t, withdraw.OutAmountB.Int64(), deposit.OutputAmount.Int64())

	zero := GetWithdrawQuote(big.NewInt(0), sqrtPrice, minP, maxP)
	assert.Equal(t, 0, zero.OutAmountA.Sign())
	assert.Equal(t, 0, zero.OutAmountB.Sign())
}

func TestGetUnclaimedFee(t *testing.T) {
	pool := &Pool{
		FeeAPerLiquidity: U256ToLE(new(big.Int).Lsh(big.NewInt(7), 128)),
		FeeBPerLiquidity: U256ToLE(new(big.Int).Lsh(big.NewInt(1), 128)),
	}
	pos := &Position{
		FeeAPerTokenCheckpoint:   U256ToLE(new(big.Int).Lsh(big.NewInt(2), 128)),
		FeeBPerTokenCheckpoint:   U256ToLE(new(big.Int).Lsh(big.NewInt(1), 128)),
		FeeAPending:              3,
		FeeBPending:              1,
		UnlockedLiquidity:        big.NewInt(2),
		VestedLiquidity:          big.NewInt(0),
		PermanentLockedLiquidity: big.NewInt(0),
	}
	fee := GetUnclaimedFee(pool, pos)
	assert.Equal(t, int64(13), fee.FeeA.Int64())
	assert.Equal(t, int64(1), fee.FeeB.Int64())
}

func TestU256RoundTrip(t *testing.T) {
	v, _ := new(big.Int).SetString("123456789012345678901234567890123456789", 10)
	assert.Equal(t, 0, U256FromLE(U256ToLE(v)).Cmp(v))
}

func TestDerivedAddressesAreOffCurve(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	for _, pda := range []solana.PublicKey{
		DerivePoolAuthority(),
		DeriveEventAuthority(),
		DerivePositionAddress(mint),
		DerivePositionNftAccount(mint),
	} {
		assert.False(t, IsOnCurve(pda))
	}
	assert.True(t, IsOnCurve(mint))
	assert.Equal(t, DerivePositionAddress(mint), DerivePositionAddress(mint))
	assert.NotEqual(t, DerivePositionAddress(mint), DerivePositionNftAccount(mint))
}

func TestInstructionBuilders(t *testing.T) {
	pool := testPool()
	owner := solana.NewWallet().PublicKey()
	nft := solana.NewWallet().PublicKey()
	poolAddr := solana.NewWallet().PublicKey()
	accts := NewPositionAccounts(owner, poolAddr, DerivePositionAddress(nft), nft, pool)
	assert.Equal(t, solana.Token2022ProgramID, accts.TokenBProgram)

	add, err := NewAddLiquidityInstruction(accts, big.NewInt(1000), 5, 6)
	require.NoError(t, err)
	data, err := add.Data()
	require.NoError(t, err)
	require.Len(t, data, 8+16+8+8)
	assert.Equal(t, IxAddLiquidity[:], data[:8])
	assert.Equal(t, byte(0xe8), data[8])
	assert.Len(t, add.Accounts(), 14)
	assert.Equal(t, ProgramID, add.ProgramID())

	claim, err := NewClaimPositionFeeInstruction(accts)
	require.NoError(t, err)
	assert.Len(t, claim.Accounts(), 15)
	assert.True(t, claim.Accounts()[10].IsSigner)

	closeIx, err := NewClosePositionInstruction(owner, poolAddr, accts.Position, nft)
	require.NoError(t, err)
	assert.Len(t, closeIx.Accounts(), 10)

	_, err = NewAddLiquidityInstruction(accts, new(big.Int).Lsh(big.NewInt(1), 130), 0, 0)
	assert.Error(t, err)
}
