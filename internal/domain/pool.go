package domain

import (
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"dammdash/internal/cpamm"
)

// Partition separates low-fee "main" pools from high-fee launch pools.
type Partition string

const (
	PartitionMain    Partition = "MAIN"
	PartitionNonMain Partition = "NON_MAIN"
)

// String returns the string representation of Partition.
func (p Partition) String() string {
	return string(p)
}

// PoolEntry is a decoded pool snapshot keyed by its address.
// Pool values are never mutated after decode; a new update replaces the pointer.
type PoolEntry struct {
	Address solana.PublicKey
	Pool    *cpamm.Pool
}

// TVL is the USD value held by a pool, split by lock state.
type TVL struct {
	Locked   decimal.Decimal `json:"locked"`
	Unlocked decimal.Decimal `json:"unlocked"`
	Total    decimal.Decimal `json:"total"`
}

// DetailedPoolInfo pairs a pool snapshot with metadata and derived metrics.
// Always rebuilt from PoolEntry + TokenMetadata + a time reference.
type DetailedPoolInfo struct {
	Address              solana.PublicKey `json:"address"`
	Pool                 *cpamm.Pool      `json:"-"`
	TokenAMint           solana.PublicKey `json:"token_a_mint"`
	TokenBMint           solana.PublicKey `json:"token_b_mint"`
	Creator              solana.PublicKey `json:"creator"`
	TokenA               *TokenMetadata   `json:"token_a,omitempty"` // nil when unknown
	TokenB               *TokenMetadata   `json:"token_b,omitempty"` // nil when unknown
	Partition            Partition        `json:"partition"`
	ActivationAgeSeconds int64            `json:"activation_age_seconds"`
	BaseFeeBps           decimal.Decimal  `json:"base_fee_bps"`
	CurrentFeeBps        decimal.Decimal  `json:"current_fee_bps"`
	Price                *decimal.Decimal `json:"price,omitempty"` // nil when decimals unknown
	TVL                  *TVL             `json:"tvl,omitempty"`   // nil when prices unknown
}
