// Package cpamm implements the DAMM v2 (cp-amm) account layouts, fee scheduler,
// liquidity curve math and instruction builders used by the dashboard.
package cpamm

import (
	"crypto/sha256"
	"errors"
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// ProgramID is the mainnet DAMM v2 program.
var ProgramID = solana.MustPublicKeyFromBase58("cpamdpZCGKUy5JxQXB4dcpGPiikHawvSWAd6mEn1sGG")

const (
	LiquidityScale  = 128
	ScaleOffset     = 64
	BasisPointMax   = 10_000
	MaxFeeNumerator = 500_000_000
	FeeDenominator  = 1_000_000_000

	// feeNumeratorPerBps converts between fee numerators and basis points.
	feeNumeratorPerBps = FeeDenominator / BasisPointMax

	// dynamicFeeScale is the denominator of the variable fee term.
	dynamicFeeScale = 100_000_000_000
)

var (
	ErrInvalidAccountData    = errors.New("invalid account data")
	ErrDiscriminatorMismatch = errors.New("account discriminator mismatch")
)

var (
	MinSqrtPrice    = new(big.Int).SetUint64(4295048016)
	MaxSqrtPrice, _ = new(big.Int).SetString("79226673521066979257578248091", 10)

	one64  = new(big.Int).Lsh(big.NewInt(1), ScaleOffset)
	one128 = new(big.Int).Lsh(big.NewInt(1), LiquidityScale)
	two256 = new(big.Int).Lsh(big.NewInt(1), 256)
)

// FeeSchedulerMode selects how the base fee decays after activation.
type FeeSchedulerMode uint8

const (
	FeeSchedulerLinear FeeSchedulerMode = iota
	FeeSchedulerExponential
)

func (m FeeSchedulerMode) String() string {
	switch m {
	case FeeSchedulerLinear:
		return "linear"
	case FeeSchedulerExponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// ActivationType selects the clock a pool's activation point is measured in.
type ActivationType uint8

const (
	ActivationSlot ActivationType = iota
	ActivationTimestamp
)

func (a ActivationType) String() string {
	if a == ActivationTimestamp {
		return "timestamp"
	}
	return "slot"
}

// Rounding selects the rounding direction of curve math.
type Rounding int

const (
	RoundingDown Rounding = iota
	RoundingUp
)

// Anchor discriminators.
var (
	PoolDiscriminator     = accountDiscriminator("Pool")
	PositionDiscriminator = accountDiscriminator("Position")

	IxInitializePool                  = instructionDiscriminator("initialize_pool")
	IxInitializePoolWithDynamicConfig = instructionDiscriminator("initialize_pool_with_dynamic_config")
	IxInitializeCustomizablePool      = instructionDiscriminator("initialize_customizable_pool")
	IxCreatePosition                  = instructionDiscriminator("create_position")
	IxAddLiquidity                    = instructionDiscriminator("add_liquidity")
	IxRemoveLiquidity                 = instructionDiscriminator("remove_liquidity")
	IxRemoveAllLiquidity              = instructionDiscriminator("remove_all_liquidity")
	IxClaimPositionFee                = instructionDiscriminator("claim_position_fee")
	IxClosePosition                   = instructionDiscriminator("close_position")
)

func accountDiscriminator(name string) [8]byte {
	return hashPrefix("account:" + name)
}

func instructionDiscriminator(name string) [8]byte {
	return hashPrefix("global:" + name)
}

func hashPrefix(s string) [8]byte {
	sum := sha256.Sum256([]byte(s))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}
