package cpamm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// TokenProgramForFlag maps a pool token flag to its token program.
func TokenProgramForFlag(flag uint8) solana.PublicKey {
	if flag == 1 {
		return solana.Token2022ProgramID
	}
	return solana.TokenProgramID
}

// DeriveAssociatedTokenAccount returns the associated token account of owner for mint
// under tokenProgram.
func DeriveAssociatedTokenAccount(owner, mint, tokenProgram solana.PublicKey) solana.PublicKey {
	ata, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], tokenProgram[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		panic(err)
	}
	return ata
}

// PositionAccounts are the addresses shared by every position instruction.
type PositionAccounts struct {
	Owner              solana.PublicKey
	Pool               solana.PublicKey
	Position           solana.PublicKey
	PositionNftAccount solana.PublicKey
	TokenAAccount      solana.PublicKey
	TokenBAccount      solana.PublicKey
	TokenAMint         solana.PublicKey
	TokenBMint         solana.PublicKey
	TokenAVault        solana.PublicKey
	TokenBVault        solana.PublicKey
	TokenAProgram      solana.PublicKey
	TokenBProgram      solana.PublicKey
}

// NewPositionAccounts resolves the accounts of owner's position in pool, using
// owner's associated token accounts for both sides.
func NewPositionAccounts(owner, poolAddress, positionAddress, nftMint solana.PublicKey, pool *Pool) PositionAccounts {
	progA := TokenProgramForFlag(pool.TokenAFlag)
	progB := TokenProgramForFlag(pool.TokenBFlag)
	return PositionAccounts{
		Owner:              owner,
		Pool:               poolAddress,
		Position:           positionAddress,
		PositionNftAccount: DerivePositionNftAccount(nftMint),
		TokenAAccount:      DeriveAssociatedTokenAccount(owner, pool.TokenAMint, progA),
		TokenBAccount:      DeriveAssociatedTokenAccount(owner, pool.TokenBMint, progB),
		TokenAMint:         pool.TokenAMint,
		TokenBMint:         pool.TokenBMint,
		TokenAVault:        pool.TokenAVault,
		TokenBVault:        pool.TokenBVault,
		TokenAProgram:      progA,
		TokenBProgram:      progB,
	}
}

func (a PositionAccounts) liquidityMetas(withAuthority bool) solana.AccountMetaSlice {
	metas := solana.AccountMetaSlice{}
	if withAuthority {
		metas = append(metas, solana.Meta(DerivePoolAuthority()))
	}
	return append(metas,
		solana.Meta(a.Pool).WRITE(),
		solana.Meta(a.Position).WRITE(),
		solana.Meta(a.TokenAAccount).WRITE(),
		solana.Meta(a.TokenBAccount).WRITE(),
		solana.Meta(a.TokenAVault).WRITE(),
		solana.Meta(a.TokenBVault).WRITE(),
		solana.Meta(a.TokenAMint),
		solana.Meta(a.TokenBMint),
		solana.Meta(a.PositionNftAccount),
		solana.Meta(a.Owner).SIGNER(),
		solana.Meta(a.TokenAProgram),
		solana.Meta(a.TokenBProgram),
		solana.Meta(DeriveEventAuthority()),
		solana.Meta(ProgramID),
	)
}

func encodeArgs(disc [8]byte, fn func(*bin.Encoder) error) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteBytes(disc[:], false); err != nil {
		return nil, err
	}
	if fn != nil {
		if err := fn(enc); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeU128(enc *bin.Encoder, v *big.Int) error {
	if v.Sign() < 0 || v.BitLen() > 128 {
		return fmt.Errorf("value %s does not fit in u128", v)
	}
	if err := enc.WriteUint64(new(big.Int).And(v, maxU64).Uint64(), binary.LittleEndian); err != nil {
		return err
	}
	return enc.WriteUint64(new(big.Int).Rsh(v, 64).Uint64(), binary.LittleEndian)
}

// NewCreatePositionInstruction mints a position NFT for owner in pool. nftMint must sign.
func NewCreatePositionInstruction(owner, payer, pool, nftMint solana.PublicKey) (solana.Instruction, error) {
	data, err := encodeArgs(IxCreatePosition, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.Meta(owner),
		solana.Meta(nftMint).WRITE().SIGNER(),
		solana.Meta(DerivePositionNftAccount(nftMint)).WRITE(),
		solana.Meta(pool).WRITE(),
		solana.Meta(DerivePositionAddress(nftMint)).WRITE(),
		solana.Meta(DerivePoolAuthority()),
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(solana.Token2022ProgramID),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(DeriveEventAuthority()),
		solana.Meta(ProgramID),
	}, data), nil
}

// NewAddLiquidityInstruction deposits liquidityDelta bounded by the token thresholds.
func NewAddLiquidityInstruction(a PositionAccounts, liquidityDelta *big.Int, maxA, maxB uint64) (solana.Instruction, error) {
	data, err := encodeArgs(IxAddLiquidity, func(enc *bin.Encoder) error {
		if err := writeU128(enc, liquidityDelta); err != nil {
			return err
		}
		if err := enc.WriteUint64(maxA, binary.LittleEndian); err != nil {
			return err
		}
		return enc.WriteUint64(maxB, binary.LittleEndian)
	})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, a.liquidityMetas(false), data), nil
}

// NewRemoveAllLiquidityInstruction withdraws all unlocked liquidity.
func NewRemoveAllLiquidityInstruction(a PositionAccounts, minA, minB uint64) (solana.Instruction, error) {
	data, err := encodeArgs(IxRemoveAllLiquidity, func(enc *bin.Encoder) error {
		if err := enc.WriteUint64(minA, binary.LittleEndian); err != nil {
			return err
		}
		return enc.WriteUint64(minB, binary.LittleEndian)
	})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, a.liquidityMetas(true), data), nil
}

// NewClaimPositionFeeInstruction claims a position's accrued fees.
func NewClaimPositionFeeInstruction(a PositionAccounts) (solana.Instruction, error) {
	data, err := encodeArgs(IxClaimPositionFee, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, a.liquidityMetas(true), data), nil
}

// NewClosePositionInstruction burns the position NFT and returns rent to owner.
func NewClosePositionInstruction(owner, pool, position, nftMint solana.PublicKey) (solana.Instruction, error) {
	data, err := encodeArgs(IxClosePosition, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.Meta(nftMint).WRITE(),
		solana.Meta(DerivePositionNftAccount(nftMint)).WRITE(),
		solana.Meta(pool).WRITE(),
		solana.Meta(position).WRITE(),
		solana.Meta(DerivePoolAuthority()),
		solana.Meta(owner).WRITE(),
		solana.Meta(owner).SIGNER(),
		solana.Meta(solana.Token2022ProgramID),
		solana.Meta(DeriveEventAuthority()),
		solana.Meta(ProgramID),
	}, data), nil
}

// NewCreateATAIdempotentInstruction creates owner's associated token account for
// mint if it does not exist.
func NewCreateATAIdempotentInstruction(payer, owner, mint, tokenProgram solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, solana.AccountMetaSlice{
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(DeriveAssociatedTokenAccount(owner, mint, tokenProgram)).WRITE(),
		solana.Meta(owner),
		solana.Meta(mint),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(tokenProgram),
	}, []byte{1})
}
