package domain

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// MainMode selects which partition forms the working pool set.
type MainMode string

const (
	MainExclude MainMode = "EXCLUDE" // non-main pools only
	MainOnly    MainMode = "ONLY"    // main pools only
	MainInclude MainMode = "INCLUDE" // union of both
)

// IsValid checks if the mode is a valid value.
func (m MainMode) IsValid() bool {
	return m == MainExclude || m == MainOnly || m == MainInclude
}

// SortKey names the numeric field pools are ordered by.
type SortKey string

const (
	SortActivationAge SortKey = "ACTIVATION_AGE"
	SortBaseFee       SortKey = "BASE_FEE"
	SortCurrentFee    SortKey = "CURRENT_FEE"
)

// IsValid checks if the key is a valid value.
func (k SortKey) IsValid() bool {
	return k == SortActivationAge || k == SortBaseFee || k == SortCurrentFee
}

// SortDirection is ascending, descending or unsorted (natural order).
type SortDirection string

const (
	SortNone       SortDirection = "NONE"
	SortAscending  SortDirection = "ASC"
	SortDescending SortDirection = "DESC"
)

// IsValid checks if the direction is a valid value.
func (d SortDirection) IsValid() bool {
	return d == SortNone || d == SortAscending || d == SortDescending
}

// Next cycles NONE -> DESC -> ASC -> NONE.
func (d SortDirection) Next() SortDirection {
	switch d {
	case SortNone:
		return SortDescending
	case SortDescending:
		return SortAscending
	default:
		return SortNone
	}
}

// SortSpec is a sort key plus direction.
type SortSpec struct {
	Key       SortKey       `json:"key"`
	Direction SortDirection `json:"direction"`
}

// PoolFilter is the full filter state of a pool browsing session.
type PoolFilter struct {
	Creator    *solana.PublicKey `json:"creator,omitempty"`
	Mint       *solana.PublicKey `json:"mint,omitempty"`
	Launchpads []string          `json:"launchpads,omitempty"` // allow-set, empty means all
	MainMode   MainMode          `json:"main_mode"`
	Sort       SortSpec          `json:"sort"`
}

// DefaultPoolFilter returns the initial filter: non-main pools, newest first.
func DefaultPoolFilter() PoolFilter {
	return PoolFilter{
		MainMode: MainExclude,
		Sort:     SortSpec{Key: SortActivationAge, Direction: SortAscending},
	}
}

// HasTargetedQuery reports whether the filter needs an ad-hoc on-chain scan.
func (f PoolFilter) HasTargetedQuery() bool {
	return f.Creator != nil || f.Mint != nil
}

// Validate checks enum fields.
func (f PoolFilter) Validate() error {
	if !f.MainMode.IsValid() {
		return fmt.Errorf("invalid main mode %q", f.MainMode)
	}
	if !f.Sort.Key.IsValid() {
		return fmt.Errorf("invalid sort key %q", f.Sort.Key)
	}
	if !f.Sort.Direction.IsValid() {
		return fmt.Errorf("invalid sort direction %q", f.Sort.Direction)
	}
	return nil
}

// AllowsLaunchpad reports whether launchpad passes the allow-set.
func (f PoolFilter) AllowsLaunchpad(launchpad string) bool {
	if len(f.Launchpads) == 0 {
		return true
	}
	for _, lp := range f.Launchpads {
		if strings.EqualFold(lp, launchpad) {
			return true
		}
	}
	return false
}
