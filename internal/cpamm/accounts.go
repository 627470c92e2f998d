package cpamm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Account sizes including the 8 byte discriminator.
const (
	PoolAccountSize     = 1112
	PositionAccountSize = 408
)

// Field offsets used by memcmp filters. Offsets include the discriminator.
const (
	poolFeesSize   = 160
	poolFeesOffset = 8

	PoolTokenAMintOffset = poolFeesOffset + poolFeesSize
	PoolTokenBMintOffset = PoolTokenAMintOffset + 32
	PoolCreatorOffset    = 648

	PositionPoolOffset    = 8
	PositionNftMintOffset = PositionPoolOffset + 32
)

// BaseFee holds the fee scheduler parameters.
type BaseFee struct {
	CliffFeeNumerator uint64
	FeeSchedulerMode  FeeSchedulerMode
	NumberOfPeriod    uint16
	PeriodFrequency   uint64
	ReductionFactor   uint64
}

// DynamicFee holds the volatility driven fee parameters.
type DynamicFee struct {
	Initialized              bool
	MaxVolatilityAccumulator uint32
	VariableFeeControl       uint32
	BinStep                  uint16
	FilterPeriod             uint16
	DecayPeriod              uint16
	ReductionFactor          uint16
	LastUpdateTimestamp      uint64
	BinStepU128              *big.Int
	SqrtPriceReference       *big.Int
	VolatilityAccumulator    *big.Int
	VolatilityReference      *big.Int
}

// PoolFees is the fee configuration embedded in a pool.
type PoolFees struct {
	BaseFee            BaseFee
	ProtocolFeePercent uint8
	PartnerFeePercent  uint8
	ReferralFeePercent uint8
	DynamicFee         DynamicFee
}

// PoolMetrics are cumulative fee counters.
type PoolMetrics struct {
	TotalLpAFee       *big.Int
	TotalLpBFee       *big.Int
	TotalProtocolAFee uint64
	TotalProtocolBFee uint64
	TotalPartnerAFee  uint64
	TotalPartnerBFee  uint64
	TotalPosition     uint64
}

// Pool mirrors the on-chain pool account.
type Pool struct {
	Fees                   PoolFees
	TokenAMint             solana.PublicKey
	TokenBMint             solana.PublicKey
	TokenAVault            solana.PublicKey
	TokenBVault            solana.PublicKey
	WhitelistedVault       solana.PublicKey
	Partner                solana.PublicKey
	Liquidity              *big.Int
	ProtocolAFee           uint64
	ProtocolBFee           uint64
	PartnerAFee            uint64
	PartnerBFee            uint64
	SqrtMinPrice           *big.Int
	SqrtMaxPrice           *big.Int
	SqrtPrice              *big.Int
	ActivationPoint        uint64
	ActivationType         ActivationType
	PoolStatus             uint8
	TokenAFlag             uint8
	TokenBFlag             uint8
	CollectFeeMode         uint8
	PoolType               uint8
	FeeAPerLiquidity       [32]byte
	FeeBPerLiquidity       [32]byte
	PermanentLockLiquidity *big.Int
	Metrics                PoolMetrics
	Creator                solana.PublicKey
}

// Position mirrors the on-chain position account.
type Position struct {
	Pool                     solana.PublicKey
	NftMint                  solana.PublicKey
	FeeAPerTokenCheckpoint   [32]byte
	FeeBPerTokenCheckpoint   [32]byte
	FeeAPending              uint64
	FeeBPending              uint64
	UnlockedLiquidity        *big.Int
	VestedLiquidity          *big.Int
	PermanentLockedLiquidity *big.Int
	TotalClaimedAFee         uint64
	TotalClaimedBFee         uint64
}

// IsPoolAccount reports whether data carries the pool discriminator.
func IsPoolAccount(data []byte) bool {
	return len(data) >= 8 && bytes.Equal(data[:8], PoolDiscriminator[:])
}

// IsPositionAccount reports whether data carries the position discriminator.
func IsPositionAccount(data []byte) bool {
	return len(data) >= 8 && bytes.Equal(data[:8], PositionDiscriminator[:])
}

// reader wraps a bin.Decoder and keeps the first error.
type reader struct {
	dec *bin.Decoder
	err error
}

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint8()
	r.err = err
	return v
}

func (r *reader) u16() uint16 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint16(binary.LittleEndian)
	r.err = err
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint32(binary.LittleEndian)
	r.err = err
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint64(binary.LittleEndian)
	r.err = err
	return v
}

func (r *reader) u128() *big.Int {
	if r.err != nil {
		return new(big.Int)
	}
	v, err := r.dec.ReadUint128(binary.LittleEndian)
	r.err = err
	if err != nil {
		return new(big.Int)
	}
	return v.BigInt()
}

func (r *reader) bytes32() [32]byte {
	var out [32]byte
	if r.err != nil {
		return out
	}
	b, err := r.dec.ReadNBytes(32)
	r.err = err
	copy(out[:], b)
	return out
}

func (r *reader) pubkey() solana.PublicKey {
	return solana.PublicKey(r.bytes32())
}

func (r *reader) skip(n uint) {
	if r.err != nil {
		return
	}
	r.err = r.dec.SkipBytes(n)
}

func checkDiscriminator(data []byte, want [8]byte, size int) error {
	if len(data) < size {
		return fmt.Errorf("%w: %d bytes, need %d", ErrInvalidAccountData, len(data), size)
	}
	if !bytes.Equal(data[:8], want[:]) {
		return ErrDiscriminatorMismatch
	}
	return nil
}

// DecodePool decodes a pool account including its discriminator.
func DecodePool(data []byte) (*Pool, error) {
	if err := checkDiscriminator(data, PoolDiscriminator, PoolAccountSize); err != nil {
		return nil, err
	}
	r := &reader{dec: bin.NewBinDecoder(data[8:])}
	p := &Pool{}

	bf := &p.Fees.BaseFee
	bf.CliffFeeNumerator = r.u64()
	bf.FeeSchedulerMode = FeeSchedulerMode(r.u8())
	r.skip(5)
	bf.NumberOfPeriod = r.u16()
	bf.PeriodFrequency = r.u64()
	bf.ReductionFactor = r.u64()
	r.skip(8)

	p.Fees.ProtocolFeePercent = r.u8()
	p.Fees.PartnerFeePercent = r.u8()
	p.Fees.ReferralFeePercent = r.u8()
	r.skip(5)

	df := &p.Fees.DynamicFee
	df.Initialized = r.u8() != 0
	r.skip(7)
	df.MaxVolatilityAccumulator = r.u32()
	df.VariableFeeControl = r.u32()
	df.BinStep = r.u16()
	df.FilterPeriod = r.u16()
	df.DecayPeriod = r.u16()
	df.ReductionFactor = r.u16()
	df.LastUpdateTimestamp = r.u64()
	df.BinStepU128 = r.u128()
	df.SqrtPriceReference = r.u128()
	df.VolatilityAccumulator = r.u128()
	df.VolatilityReference = r.u128()
	r.skip(16)

	p.TokenAMint = r.pubkey()
	p.TokenBMint = r.pubkey()
	p.TokenAVault = r.pubkey()
	p.TokenBVault = r.pubkey()
	p.WhitelistedVault = r.pubkey()
	p.Partner = r.pubkey()
	p.Liquidity = r.u128()
	r.skip(16)
	p.ProtocolAFee = r.u64()
	p.ProtocolBFee = r.u64()
	p.PartnerAFee = r.u64()
	p.PartnerBFee = r.u64()
	p.SqrtMinPrice = r.u128()
	p.SqrtMaxPrice = r.u128()
	p.SqrtPrice = r.u128()
	p.ActivationPoint = r.u64()
	p.ActivationType = ActivationType(r.u8())
	p.PoolStatus = r.u8()
	p.TokenAFlag = r.u8()
	p.TokenBFlag = r.u8()
	p.CollectFeeMode = r.u8()
	p.PoolType = r.u8()
	r.skip(2)
	p.FeeAPerLiquidity = r.bytes32()
	p.FeeBPerLiquidity = r.bytes32()
	p.PermanentLockLiquidity = r.u128()

	p.Metrics.TotalLpAFee = r.u128()
	p.Metrics.TotalLpBFee = r.u128()
	p.Metrics.TotalProtocolAFee = r.u64()
	p.Metrics.TotalProtocolBFee = r.u64()
	p.Metrics.TotalPartnerAFee = r.u64()
	p.Metrics.TotalPartnerBFee = r.u64()
	p.Metrics.TotalPosition = r.u64()
	r.skip(8)

	p.Creator = r.pubkey()

	if r.err != nil {
		return nil, fmt.Errorf("decode pool: %w", r.err)
	}
	return p, nil
}

// DecodePosition decodes a position account including its discriminator.
func DecodePosition(data []byte) (*Position, error) {
	if err := checkDiscriminator(data, PositionDiscriminator, PositionAccountSize); err != nil {
		return nil, err
	}
	r := &reader{dec: bin.NewBinDecoder(data[8:])}
	p := &Position{}
	p.Pool = r.pubkey()
	p.NftMint = r.pubkey()
	p.FeeAPerTokenCheckpoint = r.bytes32()
	p.FeeBPerTokenCheckpoint = r.bytes32()
	p.FeeAPending = r.u64()
	p.FeeBPending = r.u64()
	p.UnlockedLiquidity = r.u128()
	p.VestedLiquidity = r.u128()
	p.PermanentLockedLiquidity = r.u128()
	p.TotalClaimedAFee = r.u64()
	p.TotalClaimedBFee = r.u64()

	if r.err != nil {
		return nil, fmt.Errorf("decode position: %w", r.err)
	}
	return p, nil
}

// writer wraps a bin.Encoder and keeps the first error.
type writer struct {
	enc *bin.Encoder
	err error
}

func (w *writer) u8(v uint8) {
	if w.err == nil {
		w.err = w.enc.WriteUint8(v)
	}
}

func (w *writer) u16(v uint16) {
	if w.err == nil {
		w.err = w.enc.WriteUint16(v, binary.LittleEndian)
	}
}

func (w *writer) u32(v uint32) {
	if w.err == nil {
		w.err = w.enc.WriteUint32(v, binary.LittleEndian)
	}
}

func (w *writer) u64(v uint64) {
	if w.err == nil {
		w.err = w.enc.WriteUint64(v, binary.LittleEndian)
	}
}

func (w *writer) u128(v *big.Int) {
	lo, hi := uint64(0), uint64(0)
	if v != nil {
		lo = new(big.Int).And(v, maxU64).Uint64()
		hi = new(big.Int).Rsh(v, 64).Uint64()
	}
	w.u64(lo)
	w.u64(hi)
}

func (w *writer) raw(b []byte) {
	if w.err == nil {
		w.err = w.enc.WriteBytes(b, false)
	}
}

func (w *writer) zero(n int) {
	w.raw(make([]byte, n))
}

var maxU64 = new(big.Int).SetUint64(^uint64(0))

// Encode serializes the pool into a full-size account buffer.
func (p *Pool) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	w := &writer{enc: bin.NewBinEncoder(buf)}
	w.raw(PoolDiscriminator[:])

	bf := p.Fees.BaseFee
	w.u64(bf.CliffFeeNumerator)
	w.u8(uint8(bf.FeeSchedulerMode))
	w.zero(5)
	w.u16(bf.NumberOfPeriod)
	w.u64(bf.PeriodFrequency)
	w.u64(bf.ReductionFactor)
	w.zero(8)

	w.u8(p.Fees.ProtocolFeePercent)
	w.u8(p.Fees.PartnerFeePercent)
	w.u8(p.Fees.ReferralFeePercent)
	w.zero(5)

	df := p.Fees.DynamicFee
	if df.Initialized {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.zero(7)
	w.u32(df.MaxVolatilityAccumulator)
	w.u32(df.VariableFeeControl)
	w.u16(df.BinStep)
	w.u16(df.FilterPeriod)
	w.u16(df.DecayPeriod)
	w.u16(df.ReductionFactor)
	w.u64(df.LastUpdateTimestamp)
	w.u128(df.BinStepU128)
	w.u128(df.SqrtPriceReference)
	w.u128(df.VolatilityAccumulator)
	w.u128(df.VolatilityReference)
	w.zero(16)

	w.raw(p.TokenAMint[:])
	w.raw(p.TokenBMint[:])
	w.raw(p.TokenAVault[:])
	w.raw(p.TokenBVault[:])
	w.raw(p.WhitelistedVault[:])
	w.raw(p.Partner[:])
	w.u128(p.Liquidity)
	w.zero(16)
	w.u64(p.ProtocolAFee)
	w.u64(p.ProtocolBFee)
	w.u64(p.PartnerAFee)
	w.u64(p.PartnerBFee)
	w.u128(p.SqrtMinPrice)
	w.u128(p.SqrtMaxPrice)
	w.u128(p.SqrtPrice)
	w.u64(p.ActivationPoint)
	w.u8(uint8(p.ActivationType))
	w.u8(p.PoolStatus)
	w.u8(p.TokenAFlag)
	w.u8(p.TokenBFlag)
	w.u8(p.CollectFeeMode)
	w.u8(p.PoolType)
	w.zero(2)
	w.raw(p.FeeAPerLiquidity[:])
	w.raw(p.FeeBPerLiquidity[:])
	w.u128(p.PermanentLockLiquidity)

	w.u128(p.Metrics.TotalLpAFee)
	w.u128(p.Metrics.TotalLpBFee)
	w.u64(p.Metrics.TotalProtocolAFee)
	w.u64(p.Metrics.TotalProtocolBFee)
	w.u64(p.Metrics.TotalPartnerAFee)
	w.u64(p.Metrics.TotalPartnerBFee)
	w.u64(p.Metrics.TotalPosition)
	w.zero(8)
	w.raw(p.Creator[:])

	if w.err != nil {
		return nil, w.err
	}
	out := buf.Bytes()
	if len(out) > PoolAccountSize {
		return nil, fmt.Errorf("encoded pool is %d bytes", len(out))
	}
	// reward infos and trailing padding are left zeroed
	return append(out, make([]byte, PoolAccountSize-len(out))...), nil
}

// Encode serializes the position into a full-size account buffer.
func (p *Position) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	w := &writer{enc: bin.NewBinEncoder(buf)}
	w.raw(PositionDiscriminator[:])
	w.raw(p.Pool[:])
	w.raw(p.NftMint[:])
	w.raw(p.FeeAPerTokenCheckpoint[:])
	w.raw(p.FeeBPerTokenCheckpoint[:])
	w.u64(p.FeeAPending)
	w.u64(p.FeeBPending)
	w.u128(p.UnlockedLiquidity)
	w.u128(p.VestedLiquidity)
	w.u128(p.PermanentLockedLiquidity)
	w.u64(p.TotalClaimedAFee)
	w.u64(p.TotalClaimedBFee)
	if w.err != nil {
		return nil, w.err
	}
	out := buf.Bytes()
	return append(out, make([]byte, PositionAccountSize-len(out))...), nil
}

// U256FromLE reads a little-endian 256-bit unsigned integer.
func U256FromLE(b [32]byte) *big.Int {
	be := make([]byte, 32)
	for i := range b {
		be[31-i] = b[i]
	}
	return new(big.Int).SetBytes(be)
}

// U256ToLE writes v as a little-endian 256-bit unsigned integer, truncating overflow.
func U256ToLE(v *big.Int) [32]byte {
	var out [32]byte
	if v == nil {
		return out
	}
	be := new(big.Int).Mod(v, two256).FillBytes(make([]byte, 32))
	for i := range be {
		out[31-i] = be[i]
	}
	return out
}
