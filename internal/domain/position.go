package domain

import (
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"dammdash/internal/cpamm"
)

// PoolPositionInfo joins a wallet's position with its pool and derived values.
// Token amounts are raw integer amounts; USD values are zero when prices are unknown.
type PoolPositionInfo struct {
	PositionAddress    solana.PublicKey `json:"position"`
	PositionNftAccount solana.PublicKey `json:"position_nft_account"`
	NftMint            solana.PublicKey `json:"nft_mint"`
	PoolAddress        solana.PublicKey `json:"pool"`
	Position           *cpamm.Position  `json:"-"`
	Pool               *cpamm.Pool      `json:"-"`
	TokenA             *TokenMetadata   `json:"token_a,omitempty"`
	TokenB             *TokenMetadata   `json:"token_b,omitempty"`

	PoolAmountA     *big.Int `json:"pool_amount_a"`
	PoolAmountB     *big.Int `json:"pool_amount_b"`
	PositionAmountA *big.Int `json:"position_amount_a"`
	PositionAmountB *big.Int `json:"position_amount_b"`
	UnclaimedFeeA   *big.Int `json:"unclaimed_fee_a"`
	UnclaimedFeeB   *big.Int `json:"unclaimed_fee_b"`

	PositionLiquidity *big.Int        `json:"position_liquidity"`
	SharePercent      decimal.Decimal `json:"share_percent"` // two decimal places
	Locked            bool            `json:"locked"`
	PermanentlyLocked bool            `json:"permanently_locked"`

	PoolBaseFeeBps    decimal.Decimal `json:"pool_base_fee_bps"`
	PoolCurrentFeeBps decimal.Decimal `json:"pool_current_fee_bps"`
	PositionValueUSD  decimal.Decimal `json:"position_value_usd"`
	UnclaimedFeeUSD   decimal.Decimal `json:"unclaimed_fee_usd"`
	PoolTVL           *TVL            `json:"pool_tvl,omitempty"`
}

// PnlSummary is the reconstructed profit and loss of one position.
// Percent fields are nil when nothing was added on that side.
type PnlSummary struct {
	Position        solana.PublicKey `json:"position"`
	Transactions    int              `json:"transactions"`
	TokenAAdded     *big.Int         `json:"token_a_added"`
	TokenBAdded     *big.Int         `json:"token_b_added"`
	TokenARemoved   *big.Int         `json:"token_a_removed"`
	TokenBRemoved   *big.Int         `json:"token_b_removed"`
	ClaimedFeeA     *big.Int         `json:"claimed_fee_a"`
	ClaimedFeeB     *big.Int         `json:"claimed_fee_b"`
	CurrentBalanceA *big.Int         `json:"current_balance_a"`
	CurrentBalanceB *big.Int         `json:"current_balance_b"`
	UnclaimedFeeA   *big.Int         `json:"unclaimed_fee_a"`
	UnclaimedFeeB   *big.Int         `json:"unclaimed_fee_b"`
	PnlA            *big.Int         `json:"pnl_a"`
	PnlB            *big.Int         `json:"pnl_b"`
	PnlAPercent     *decimal.Decimal `json:"pnl_a_percent,omitempty"`
	PnlBPercent     *decimal.Decimal `json:"pnl_b_percent,omitempty"`
}
