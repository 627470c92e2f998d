package poolsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"dammdash/internal/cpamm"
	"dammdash/internal/domain"
	"dammdash/internal/observability"
	"dammdash/internal/poolmetrics"
	chain "dammdash/internal/solana"
)

// BulkLoad scans pool accounts (all, or those holding one of mints), keeps the
// most recently activated ones, partitions them by current fee and publishes a
// fresh view. A failed scan keeps the previous view. The scan does not depend on
// the filter, so a filter change mid-scan keeps its result; only a newer scan
// already installed makes it stale, and then ErrSuperseded is returned.
func (e *Engine) BulkLoad(ctx context.Context, mints []solana.PublicKey) error {
	gen := e.generation.Load()
	seq := e.scanSeq.Add(1)
	start := time.Now()

	ref := e.currentTimeRef(ctx)
	var filters []chain.ProgramAccountsFilter
	if len(mints) == 0 {
		filters = []chain.ProgramAccountsFilter{poolScanFilter()}
	} else {
		for _, m := range mints {
			filters = append(filters, mintScanFilters(m, nil)...)
		}
	}

	entries, err := e.scan(ctx, filters)
	if err != nil {
		e.logger.Warn("bulk scan failed", zap.Error(err))
		if !e.loaded.Load() {
			e.publish(&Snapshot{Filter: e.Filter(), Generation: gen, TimeRef: ref, UpdatedAt: e.clock.Now()}, nil)
		}
		return fmt.Errorf("bulk scan: %w", err)
	}

	entries = e.recentlyActivated(entries, ref)
	if len(entries) > e.scanLimit {
		entries = entries[:e.scanLimit]
	}

	var main, nonMain []domain.PoolEntry
	for _, entry := range entries {
		if e.classifier.Classify(entry.Pool, ref) == domain.PartitionMain {
			if len(main) < e.partitionCap {
				main = append(main, entry)
			}
		} else if len(nonMain) < e.partitionCap {
			nonMain = append(nonMain, entry)
		}
	}

	e.mu.Lock()
	if e.installedScan > seq {
		e.mu.Unlock()
		observability.RecordStaleResult()
		return ErrSuperseded
	}
	e.installedScan = seq
	e.store.Reset(main, nonMain)
	e.mu.Unlock()
	e.loaded.Store(true)
	observability.RecordBulkScan(time.Since(start).Seconds(), e.clock.Now().Unix())
	observability.UpdatePoolsTracked(string(domain.PartitionMain), len(main))
	observability.UpdatePoolsTracked(string(domain.PartitionNonMain), len(nonMain))
	e.logger.Info("bulk load complete",
		zap.Int("scanned", len(entries)),
		zap.Int("main", len(main)),
		zap.Int("non_main", len(nonMain)))

	return e.Tick(ctx, true)
}

// scanTargeted runs the on-chain query for a creator and/or mint filter.
func (e *Engine) scanTargeted(ctx context.Context, f domain.PoolFilter) ([]domain.PoolEntry, error) {
	var filters []chain.ProgramAccountsFilter
	switch {
	case f.Mint != nil:
		filters = mintScanFilters(*f.Mint, f.Creator)
	case f.Creator != nil:
		pf := poolScanFilter()
		pf.Memcmp = append(pf.Memcmp, memcmp(cpamm.PoolCreatorOffset, *f.Creator))
		filters = []chain.ProgramAccountsFilter{pf}
	default:
		return nil, nil
	}
	return e.scan(ctx, filters)
}

// scan runs each filter and returns the decoded pools, deduplicated by address.
func (e *Engine) scan(ctx context.Context, filters []chain.ProgramAccountsFilter) ([]domain.PoolEntry, error) {
	seen := make(map[solana.PublicKey]struct{})
	var out []domain.PoolEntry
	for _, f := range filters {
		cctx, cancel := e.withTimeout(ctx)
		accounts, err := e.rpc.GetProgramAccounts(cctx, e.programID.String(), f)
		cancel()
		if err != nil {
			return nil, err
		}
		for _, acct := range accounts {
			entry, ok := e.decodeEntry(acct.Pubkey, acct.Data)
			if !ok {
				continue
			}
			if _, dup := seen[entry.Address]; dup {
				continue
			}
			seen[entry.Address] = struct{}{}
			out = append(out, entry)
		}
	}
	return out, nil
}

func (e *Engine) decodeEntry(address string, data []byte) (domain.PoolEntry, bool) {
	if !cpamm.IsPoolAccount(data) {
		return domain.PoolEntry{}, false
	}
	addr, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		e.logger.Debug("bad pool address", zap.String("address", address), zap.Error(err))
		return domain.PoolEntry{}, false
	}
	pool, err := cpamm.DecodePool(data)
	if err != nil {
		e.logger.Debug("decode pool failed", zap.String("address", address), zap.Error(err))
		return domain.PoolEntry{}, false
	}
	return domain.PoolEntry{Address: addr, Pool: pool}, true
}

// recentlyActivated drops pools not yet active at ref (with slack) and orders
// the rest newest first.
func (e *Engine) recentlyActivated(entries []domain.PoolEntry, ref poolmetrics.TimeReference) []domain.PoolEntry {
	slack := e.activationRef(ref)
	out := make([]domain.PoolEntry, 0, len(entries))
	for _, entry := range entries {
		if poolmetrics.IsActivated(entry.Pool, slack) {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return poolmetrics.ActivationAge(out[i].Pool, ref) < poolmetrics.ActivationAge(out[j].Pool, ref)
	})
	return out
}

func poolScanFilter() chain.ProgramAccountsFilter {
	return chain.ProgramAccountsFilter{DataSize: cpamm.PoolAccountSize}
}

// mintScanFilters matches pools holding mint on either side, optionally by creator.
func mintScanFilters(mint solana.PublicKey, creator *solana.PublicKey) []chain.ProgramAccountsFilter {
	var out []chain.ProgramAccountsFilter
	for _, offset := range []uint64{cpamm.PoolTokenAMintOffset, cpamm.PoolTokenBMintOffset} {
		f := poolScanFilter()
		f.Memcmp = append(f.Memcmp, memcmp(offset, mint))
		if creator != nil {
			f.Memcmp = append(f.Memcmp, memcmp(cpamm.PoolCreatorOffset, *creator))
		}
		out = append(out, f)
	}
	return out
}

func memcmp(offset uint64, key solana.PublicKey) chain.MemcmpFilter {
	return chain.MemcmpFilter{Offset: offset, Bytes: key.String()}
}
