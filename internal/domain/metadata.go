package domain

import "github.com/shopspring/decimal"

// TokenMetadata represents off-chain token metadata resolved by mint.
// Entries are owned by the metadata cache; callers receive copies.
type TokenMetadata struct {
	Mint        string          `json:"mint"`
	Name        string          `json:"name"`
	Symbol      string          `json:"symbol"`
	Decimals    int             `json:"decimals"`
	Icon        *string         `json:"icon,omitempty"`      // nullable
	Launchpad   *string         `json:"launchpad,omitempty"` // nullable
	PriceUSD    decimal.Decimal `json:"price_usd"`
	IsVerified  bool            `json:"is_verified"`
	LastUpdated int64           `json:"last_updated"` // when fetched (ms)
}

// Clone returns a deep copy of the metadata.
func (m *TokenMetadata) Clone() *TokenMetadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.Icon != nil {
		icon := *m.Icon
		c.Icon = &icon
	}
	if m.Launchpad != nil {
		lp := *m.Launchpad
		c.Launchpad = &lp
	}
	return &c
}

// IsFresh reports whether the entry was updated within maxAgeMs of nowMs.
func (m *TokenMetadata) IsFresh(nowMs, maxAgeMs int64) bool {
	return m != nil && nowMs-m.LastUpdated <= maxAgeMs
}
