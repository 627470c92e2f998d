package memory

import (
	"context"
	"sync"

	"dammdash/internal/domain"
	"dammdash/internal/storage"
)

// TokenMetadataStore is an in-memory implementation of storage.TokenMetadataStore.
type TokenMetadataStore struct {
	mu     sync.RWMutex
	byMint map[string]*domain.TokenMetadata
}

// NewTokenMetadataStore creates a new in-memory token metadata store.
func NewTokenMetadataStore() *TokenMetadataStore {
	return &TokenMetadataStore{
		byMint: make(map[string]*domain.TokenMetadata),
	}
}

// Upsert stores copies of the entries, replacing existing ones.
func (s *TokenMetadataStore) Upsert(_ context.Context, entries ...*domain.TokenMetadata) error {
	for _, m := range entries {
		if m == nil || m.Mint == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range entries {
		s.byMint[m.Mint] = m.Clone()
	}
	return nil
}

// GetByMint retrieves metadata by mint address. Returns ErrNotFound if not exists.
func (s *TokenMetadataStore) GetByMint(_ context.Context, mint string) (*domain.TokenMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.byMint[mint]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

// GetMany returns copies of the entries present for mints.
func (s *TokenMetadataStore) GetMany(_ context.Context, mints []string) (map[string]*domain.TokenMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*domain.TokenMetadata, len(mints))
	for _, mint := range mints {
		if m, ok := s.byMint[mint]; ok {
			out[mint] = m.Clone()
		}
	}
	return out, nil
}

// Len returns the number of cached entries.
func (s *TokenMetadataStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byMint)
}

var _ storage.TokenMetadataStore = (*TokenMetadataStore)(nil)
