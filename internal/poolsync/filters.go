package poolsync

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"dammdash/internal/domain"
	"dammdash/internal/observability"
)

// SetCreator filters pools by creator; nil clears the filter.
func (e *Engine) SetCreator(ctx context.Context, creator *solana.PublicKey) error {
	return e.SetFilter(ctx, func(f *domain.PoolFilter) { f.Creator = creator })
}

// SetMint filters pools holding mint on either side; nil clears the filter.
func (e *Engine) SetMint(ctx context.Context, mint *solana.PublicKey) error {
	return e.SetFilter(ctx, func(f *domain.PoolFilter) { f.Mint = mint })
}

// SetLaunchpads sets the launchpad allow-set; empty allows all.
func (e *Engine) SetLaunchpads(ctx context.Context, launchpads []string) error {
	return e.SetFilter(ctx, func(f *domain.PoolFilter) { f.Launchpads = append([]string(nil), launchpads...) })
}

// SetMainMode selects which partition forms the working set.
func (e *Engine) SetMainMode(ctx context.Context, mode domain.MainMode) error {
	return e.SetFilter(ctx, func(f *domain.PoolFilter) { f.MainMode = mode })
}

// SetSort sets the sort key and direction. Sorting is a view change only: it
// neither queries the chain nor invalidates in-flight queries.
func (e *Engine) SetSort(ctx context.Context, spec domain.SortSpec) error {
	if !spec.Key.IsValid() || !spec.Direction.IsValid() {
		return fmt.Errorf("invalid sort %s/%s", spec.Key, spec.Direction)
	}
	e.mu.Lock()
	e.filter.Sort = spec
	e.mu.Unlock()
	return e.Tick(ctx, false)
}

// CycleSort advances the direction of key through NONE -> DESC -> ASC -> NONE.
// Selecting a different key starts it at DESC.
func (e *Engine) CycleSort(ctx context.Context, key domain.SortKey) (domain.SortSpec, error) {
	e.mu.Lock()
	cur := e.filter.Sort
	e.mu.Unlock()

	next := domain.SortSpec{Key: key, Direction: domain.SortDescending}
	if cur.Key == key {
		next.Direction = cur.Direction.Next()
	}
	return next, e.SetSort(ctx, next)
}

// SetFilter applies mutate to the filter state, re-queries the chain for it,
// recomputes the view and restarts a running tick loop. Results of queries
// issued for an older filter are discarded with ErrSuperseded.
func (e *Engine) SetFilter(ctx context.Context, mutate func(*domain.PoolFilter)) error {
	e.mu.Lock()
	f := cloneFilter(e.filter)
	mutate(&f)
	if err := f.Validate(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.filter = f
	gen := e.generation.Add(1)
	// until the new query lands, ticks filter the live partitions instead
	e.adhoc = nil
	e.mu.Unlock()

	e.logger.Debug("filter changed", zap.Uint64("generation", gen))

	var err error
	if f.HasTargetedQuery() {
		err = e.loadTargeted(ctx, f, gen)
	} else {
		err = e.BulkLoad(ctx, nil)
	}
	if err != nil {
		return err
	}
	e.restartLoopIfRunning()
	return nil
}

// loadTargeted runs the creator/mint query and installs its result as the
// working set if gen is still current.
func (e *Engine) loadTargeted(ctx context.Context, f domain.PoolFilter, gen uint64) error {
	entries, err := e.scanTargeted(ctx, f)
	if err != nil {
		e.logger.Warn("targeted scan failed", zap.Error(err))
		return fmt.Errorf("targeted scan: %w", err)
	}
	if entries == nil {
		entries = []domain.PoolEntry{}
	}

	e.mu.Lock()
	if e.generation.Load() != gen {
		e.mu.Unlock()
		observability.RecordStaleResult()
		e.logger.Debug("discarding superseded scan", zap.Uint64("generation", gen))
		return ErrSuperseded
	}
	e.adhoc = entries
	e.mu.Unlock()

	return e.Tick(ctx, true)
}
