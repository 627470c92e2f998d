package poolsync

import (
	"context"
	"errors"
	"sort"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"dammdash/internal/domain"
	"dammdash/internal/observability"
	"dammdash/internal/poolmetrics"
)

// errTickAbandoned marks a queued pass its runner gave up on. Waiters retry it.
var errTickAbandoned = errors.New("queued tick abandoned")

// tickPass is one queued recompute shared by every Tick folded into it.
type tickPass struct {
	refresh bool
	done    chan struct{}
	err     error
}

// Tick drains live updates into the partitions and publishes a recomputed view.
// Metadata is refetched only when refreshMetadata is set; otherwise cached
// entries are used. Ticks never run concurrently: a Tick arriving while
// another runs joins the single pass queued behind it and returns once that
// pass has published.
func (e *Engine) Tick(ctx context.Context, refreshMetadata bool) error {
	for {
		e.tickMu.Lock()
		if !e.ticking {
			e.ticking = true
			e.tickMu.Unlock()
			return e.runTicks(ctx, refreshMetadata)
		}
		p := e.tickNext
		if p == nil {
			p = &tickPass{done: make(chan struct{})}
			e.tickNext = p
		}
		p.refresh = p.refresh || refreshMetadata
		e.tickMu.Unlock()
		observability.RecordSyncTick("coalesced")

		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !errors.Is(p.err, errTickAbandoned) {
			return p.err
		}
	}
}

// runTicks runs the caller's pass, then each pass queued behind it. Passes
// are only run for others while ctx is live.
func (e *Engine) runTicks(ctx context.Context, refresh bool) error {
	err := e.runPass(ctx, refresh)
	last := err
	for {
		e.tickMu.Lock()
		if errors.Is(last, ErrSuperseded) && e.tickNext == nil && ctx.Err() == nil {
			// the filter moved on mid-pass; show the new one without waiting for the timer
			e.tickNext = &tickPass{done: make(chan struct{})}
		}
		next := e.tickNext
		e.tickNext = nil
		if next == nil || ctx.Err() != nil {
			e.ticking = false
			e.tickMu.Unlock()
			if next != nil {
				next.err = errTickAbandoned
				close(next.done)
			}
			return err
		}
		e.tickMu.Unlock()

		last = e.runPass(ctx, next.refresh)
		next.err = last
		if ctx.Err() != nil {
			next.err = errTickAbandoned
		}
		close(next.done)
	}
}

func (e *Engine) runPass(ctx context.Context, refresh bool) error {
	err := e.recompute(ctx, refresh)
	if err != nil {
		observability.RecordSyncTick("failed")
	} else {
		observability.RecordSyncTick("ran")
	}
	return err
}

func (e *Engine) recompute(ctx context.Context, refreshMetadata bool) error {
	e.recomputes.Add(1)
	ref := e.currentTimeRef(ctx)

	e.mu.Lock()
	drained := e.incoming
	e.incoming = nil
	e.mu.Unlock()

	changed := e.applyIncoming(drained, ref)
	e.store.Trim(domain.PartitionMain, e.partitionCap, newestFirst(ref))
	e.store.Trim(domain.PartitionNonMain, e.partitionCap, newestFirst(ref))
	observability.UpdatePoolsTracked(string(domain.PartitionMain), e.store.Len(domain.PartitionMain))
	observability.UpdatePoolsTracked(string(domain.PartitionNonMain), e.store.Len(domain.PartitionNonMain))

	e.mu.Lock()
	f := cloneFilter(e.filter)
	adhoc := append([]domain.PoolEntry(nil), e.adhoc...)
	adhocActive := e.adhoc != nil
	gen := e.generation.Load()
	e.mu.Unlock()

	var working []domain.PoolEntry
	if adhocActive {
		working = adhoc
	} else {
		working = e.workingSet(f.MainMode)
		working = applyAddressFilters(working, f)
	}
	working = e.recentlyActivated(working, ref)
	if len(working) > e.partitionCap {
		working = working[:e.partitionCap]
	}

	tokens := e.resolveTokens(ctx, working, refreshMetadata)

	pools := make([]domain.DetailedPoolInfo, 0, len(working))
	for _, entry := range working {
		a := tokens[entry.Pool.TokenAMint.String()]
		b := tokens[entry.Pool.TokenBMint.String()]
		if len(f.Launchpads) > 0 && !launchpadAllowed(f, a, b) {
			continue
		}
		pools = append(pools, e.classifier.Detail(entry, ref, a, b))
	}
	sortPools(pools, f.Sort)

	if err := ctx.Err(); err != nil {
		e.requeue(drained)
		return err
	}
	if e.generation.Load() != gen {
		observability.RecordStaleResult()
		e.requeue(drained)
		return ErrSuperseded
	}

	e.publish(&Snapshot{
		Pools:      pools,
		Filter:     f,
		Generation: gen,
		TimeRef:    ref,
		UpdatedAt:  e.clock.Now(),
	}, changed)
	return nil
}

// applyIncoming reclassifies drained live updates and refreshes any matching
// entry of the targeted set.
func (e *Engine) applyIncoming(drained []domain.PoolEntry, ref poolmetrics.TimeReference) []solana.PublicKey {
	if len(drained) == 0 {
		return nil
	}
	latest := make(map[solana.PublicKey]domain.PoolEntry, len(drained))
	var order []solana.PublicKey
	for _, entry := range drained {
		if _, ok := latest[entry.Address]; !ok {
			order = append(order, entry.Address)
		}
		latest[entry.Address] = entry
	}
	for _, addr := range order {
		entry := latest[addr]
		if err := e.store.Put(e.classifier.Classify(entry.Pool, ref), entry); err != nil {
			observability.RecordPoolUpdate("invalid")
			continue
		}
	}

	e.mu.Lock()
	for i, entry := range e.adhoc {
		if updated, ok := latest[entry.Address]; ok {
			e.adhoc[i] = updated
		}
	}
	e.mu.Unlock()
	return order
}

// requeue puts drained updates back in front of anything that arrived since.
func (e *Engine) requeue(drained []domain.PoolEntry) {
	if len(drained) == 0 {
		return
	}
	e.mu.Lock()
	e.incoming = append(drained, e.incoming...)
	e.mu.Unlock()
}

func (e *Engine) workingSet(mode domain.MainMode) []domain.PoolEntry {
	switch mode {
	case domain.MainOnly:
		return e.store.Snapshot(domain.PartitionMain)
	case domain.MainInclude:
		return append(e.store.Snapshot(domain.PartitionMain), e.store.Snapshot(domain.PartitionNonMain)...)
	default:
		return e.store.Snapshot(domain.PartitionNonMain)
	}
}

func applyAddressFilters(entries []domain.PoolEntry, f domain.PoolFilter) []domain.PoolEntry {
	if f.Creator == nil && f.Mint == nil {
		return entries
	}
	out := entries[:0:0]
	for _, entry := range entries {
		p := entry.Pool
		if f.Creator != nil && !p.Creator.Equals(*f.Creator) {
			continue
		}
		if f.Mint != nil && !p.TokenAMint.Equals(*f.Mint) && !p.TokenBMint.Equals(*f.Mint) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func (e *Engine) resolveTokens(ctx context.Context, entries []domain.PoolEntry, refresh bool) map[string]*domain.TokenMetadata {
	if e.meta == nil || len(entries) == 0 {
		return nil
	}
	mints := make([]string, 0, 2*len(entries))
	for _, entry := range entries {
		mints = append(mints, entry.Pool.TokenAMint.String(), entry.Pool.TokenBMint.String())
	}
	if refresh {
		return e.meta.Fetch(ctx, mints, e.metadataAge)
	}
	out := make(map[string]*domain.TokenMetadata, len(mints))
	for _, m := range mints {
		if md, ok := e.meta.Get(ctx, m); ok {
			out[m] = md
		}
	}
	return out
}

// launchpadAllowed matches either token's launchpad against the allow-set.
// Pools whose metadata is unknown do not pass.
func launchpadAllowed(f domain.PoolFilter, tokens ...*domain.TokenMetadata) bool {
	for _, t := range tokens {
		if t != nil && t.Launchpad != nil && f.AllowsLaunchpad(*t.Launchpad) {
			return true
		}
	}
	return false
}

func newestFirst(ref poolmetrics.TimeReference) func(a, b domain.PoolEntry) bool {
	return func(a, b domain.PoolEntry) bool {
		return poolmetrics.ActivationAge(a.Pool, ref) < poolmetrics.ActivationAge(b.Pool, ref)
	}
}

// sortPools orders pools in place. SortNone keeps the natural (newest first) order.
func sortPools(pools []domain.DetailedPoolInfo, spec domain.SortSpec) {
	if spec.Direction == domain.SortNone || spec.Direction == "" {
		return
	}
	cmp := func(a, b domain.DetailedPoolInfo) int {
		switch spec.Key {
		case domain.SortBaseFee:
			return a.BaseFeeBps.Cmp(b.BaseFeeBps)
		case domain.SortCurrentFee:
			return a.CurrentFeeBps.Cmp(b.CurrentFeeBps)
		default:
			switch {
			case a.ActivationAgeSeconds < b.ActivationAgeSeconds:
				return -1
			case a.ActivationAgeSeconds > b.ActivationAgeSeconds:
				return 1
			}
			return 0
		}
	}
	sort.SliceStable(pools, func(i, j int) bool {
		c := cmp(pools[i], pools[j])
		if spec.Direction == domain.SortDescending {
			return c > 0
		}
		return c < 0
	})
}

// publish stores the snapshot and notifies consumers without blocking.
func (e *Engine) publish(s *Snapshot, changed []solana.PublicKey) {
	e.snapshot.Store(s)
	select {
	case e.updates <- Update{Snapshot: s, Changed: changed}:
	default:
		e.logger.Debug("update consumer behind, dropping update", zap.Uint64("generation", s.Generation))
	}
}
