package cpamm

import (
	"filippo.io/edwards25519"
	"github.com/gagliardetto/solana-go"
)

// IsOnCurve reports whether key is a valid ed25519 point. Program derived
// addresses are off the curve and have no private key, so they cannot sign.
func IsOnCurve(key solana.PublicKey) bool {
	_, err := new(edwards25519.Point).SetBytes(key[:])
	return err == nil
}

func mustPDA(seeds ...[]byte) solana.PublicKey {
	pda, _, err := solana.FindProgramAddress(seeds, ProgramID)
	if err != nil {
		panic(err)
	}
	return pda
}

// DerivePoolAuthority returns the pool authority PDA.
func DerivePoolAuthority() solana.PublicKey {
	return mustPDA([]byte("pool_authority"))
}

// DeriveEventAuthority returns the anchor event authority PDA.
func DeriveEventAuthority() solana.PublicKey {
	return mustPDA([]byte("__event_authority"))
}

// DerivePositionAddress returns the position PDA for a position NFT mint.
func DerivePositionAddress(nftMint solana.PublicKey) solana.PublicKey {
	return mustPDA([]byte("position"), nftMint[:])
}

// DerivePositionNftAccount returns the token account holding a position NFT.
func DerivePositionNftAccount(nftMint solana.PublicKey) solana.PublicKey {
	return mustPDA([]byte("position_nft_account"), nftMint[:])
}

// DeriveTokenVault returns a pool's vault PDA for mint.
func DeriveTokenVault(mint, pool solana.PublicKey) solana.PublicKey {
	return mustPDA([]byte("token_vault"), mint[:], pool[:])
}
