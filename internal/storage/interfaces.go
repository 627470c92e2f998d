package storage

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"dammdash/internal/domain"
)

// TokenMetadataStore holds token metadata keyed by mint.
// Writes replace existing entries; the latest write wins.
type TokenMetadataStore interface {
	// Upsert stores copies of the given entries. Returns ErrInvalidInput on a nil entry or empty mint.
	Upsert(ctx context.Context, entries ...*domain.TokenMetadata) error

	// GetByMint retrieves metadata by mint address. Returns ErrNotFound if not exists.
	GetByMint(ctx context.Context, mint string) (*domain.TokenMetadata, error)

	// GetMany returns copies of the entries present for mints. Missing mints are absent.
	GetMany(ctx context.Context, mints []string) (map[string]*domain.TokenMetadata, error)

	// Len returns the number of cached entries.
	Len() int
}

// PoolStore holds decoded pools partitioned into main and non-main sets.
// A pool lives in at most one partition.
type PoolStore interface {
	// Put stores the pool in partition, moving it out of the other partition if present.
	Put(partition domain.Partition, entry domain.PoolEntry) error

	// Get retrieves a pool and its partition. Returns ErrNotFound if not exists.
	Get(address solana.PublicKey) (domain.PoolEntry, domain.Partition, error)

	// Delete removes a pool from whichever partition holds it.
	Delete(address solana.PublicKey)

	// Snapshot returns a copy of the pools in partition in insertion order.
	Snapshot(partition domain.Partition) []domain.PoolEntry

	// Len returns the number of pools in partition.
	Len(partition domain.Partition) int

	// Trim keeps the first limit pools of partition as ordered by less and drops the rest.
	Trim(partition domain.Partition, limit int, less func(a, b domain.PoolEntry) bool)

	// Reset replaces the contents of both partitions.
	Reset(main, nonMain []domain.PoolEntry)
}
