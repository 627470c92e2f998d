package metadata

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dammdash/internal/domain"
	"dammdash/internal/observability"
	"dammdash/internal/storage"
	"dammdash/internal/storage/memory"
)

// Default cache settings.
const (
	DefaultMaxAge     = 2 * time.Second
	DefaultBatchSize  = MaxSearchIDs
	DefaultBatchDelay = 250 * time.Millisecond
)

// Config controls freshness and batching.
type Config struct {
	MaxAge     time.Duration // entries older than this are refetched
	BatchSize  int           // mints per search call, capped at MaxSearchIDs
	BatchDelay time.Duration // pause between consecutive search calls
}

// DefaultConfig returns the default cache settings.
func DefaultConfig() Config {
	return Config{
		MaxAge:     DefaultMaxAge,
		BatchSize:  DefaultBatchSize,
		BatchDelay: DefaultBatchDelay,
	}
}

// Cache is a process-wide mint-keyed metadata cache in front of a Searcher.
// Concurrent lookups may fetch the same mint twice; the latest write wins.
type Cache struct {
	searcher Searcher
	store    storage.TokenMetadataStore
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewCache creates a cache. A nil store gets an in-memory store.
func NewCache(searcher Searcher, store storage.TokenMetadataStore, cfg Config, logger *zap.Logger) *Cache {
	if store == nil {
		store = memory.NewTokenMetadataStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxSearchIDs {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	return &Cache{
		searcher: searcher,
		store:    store,
		cfg:      cfg,
		logger:   logger.Named("metadata"),
		now:      time.Now,
	}
}

// Fetch returns metadata for mints, refetching entries older than maxAge
// (the configured default when maxAge <= 0). Mints that could not be
// resolved are absent from the result.
func (c *Cache) Fetch(ctx context.Context, mints []string, maxAge time.Duration) map[string]*domain.TokenMetadata {
	if maxAge <= 0 {
		maxAge = c.cfg.MaxAge
	}
	unique := dedupe(mints)
	result := make(map[string]*domain.TokenMetadata, len(unique))
	if len(unique) == 0 {
		return result
	}

	cached, err := c.store.GetMany(ctx, unique)
	if err != nil {
		c.logger.Warn("read cache", zap.Error(err))
		cached = nil
	}

	nowMs := c.now().UnixMilli()
	var stale []string
	for _, mint := range unique {
		if m, ok := cached[mint]; ok && m.IsFresh(nowMs, maxAge.Milliseconds()) {
			result[mint] = m
			continue
		}
		stale = append(stale, mint)
	}
	if len(stale) == 0 {
		observability.RecordMetadataFetch("hit", c.store.Len())
		return result
	}

	for i := 0; i < len(stale); i += c.cfg.BatchSize {
		if i > 0 && c.cfg.BatchDelay > 0 {
			select {
			case <-time.After(c.cfg.BatchDelay):
			case <-ctx.Done():
				return result
			}
		}
		end := i + c.cfg.BatchSize
		if end > len(stale) {
			end = len(stale)
		}
		batch := stale[i:end]

		fetched, err := c.searcher.Search(ctx, batch)
		if err != nil {
			// the batch stays absent; callers render these tokens as unknown
			c.logger.Warn("metadata batch failed", zap.Int("mints", len(batch)), zap.Error(err))
			observability.RecordMetadataFetch("error", c.store.Len())
			continue
		}
		fetchedAt := c.now().UnixMilli()
		for _, m := range fetched {
			if m != nil {
				m.LastUpdated = fetchedAt
			}
		}
		if len(fetched) > 0 {
			if err := c.store.Upsert(ctx, fetched...); err != nil {
				c.logger.Warn("write cache", zap.Error(err))
			}
		}
		for _, m := range fetched {
			if m != nil {
				result[m.Mint] = m.Clone()
			}
		}
		observability.RecordMetadataFetch("ok", c.store.Len())
	}
	return result
}

// Get returns a cached entry regardless of age.
func (c *Cache) Get(ctx context.Context, mint string) (*domain.TokenMetadata, bool) {
	m, err := c.store.GetByMint(ctx, mint)
	if err != nil {
		return nil, false
	}
	return m, true
}

// Put seeds the cache, e.g. with well-known mints.
func (c *Cache) Put(ctx context.Context, entries ...*domain.TokenMetadata) error {
	return c.store.Upsert(ctx, entries...)
}

func dedupe(mints []string) []string {
	seen := make(map[string]struct{}, len(mints))
	out := make([]string, 0, len(mints))
	for _, m := range mints {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
