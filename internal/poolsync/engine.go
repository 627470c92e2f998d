// Package poolsync keeps a partitioned in-memory set of DAMM v2 pools in sync
// with the chain and publishes filtered, sorted, detailed views of it.
//
// Raw state capture is immediate: live notifications are decoded and stored
// as they arrive. The visible view is rebuilt only by Tick, which runs on a
// fixed interval, so bursts of pool updates never trigger a recompute each.
package poolsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"dammdash/internal/cpamm"
	"dammdash/internal/domain"
	"dammdash/internal/poolmetrics"
	chain "dammdash/internal/solana"
	"dammdash/internal/storage"
	"dammdash/internal/storage/memory"
)

// Default engine settings.
const (
	DefaultTickInterval  = 4 * time.Second
	DefaultPartitionCap  = 200
	DefaultScanLimit     = 1000
	DefaultCallTimeout   = 15 * time.Second
	DefaultMetadataEvery = 3
)

// ErrSuperseded is returned when a filter change made a query's result obsolete.
var ErrSuperseded = errors.New("result superseded by a newer filter")

// MetadataSource resolves token metadata. Fetch may hit the network; Get must not.
type MetadataSource interface {
	Fetch(ctx context.Context, mints []string, maxAge time.Duration) map[string]*domain.TokenMetadata
	Get(ctx context.Context, mint string) (*domain.TokenMetadata, bool)
}

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Snapshot is an immutable published view. Callers must not modify it.
type Snapshot struct {
	Pools      []domain.DetailedPoolInfo
	Filter     domain.PoolFilter
	Generation uint64
	TimeRef    poolmetrics.TimeReference
	UpdatedAt  time.Time
}

// Update is published after every recompute.
type Update struct {
	Snapshot *Snapshot
	Changed  []solana.PublicKey // pools ingested from the live feed since the last tick
}

// EngineOptions contains configuration for creating an Engine.
type EngineOptions struct {
	RPC      chain.RPCClient
	WS       chain.WSClient // optional; nil disables SubscribeLive
	Metadata MetadataSource
	Store    storage.PoolStore // default: in-memory store
	Clock    Clock             // default: wall clock
	Logger   *zap.Logger

	ProgramID           solana.PublicKey
	TickInterval        time.Duration  // default: 4s
	PartitionCap        int            // default: 200 per partition
	ScanLimit           int            // default: 1000 most recently activated pools
	MainFeeThresholdBps int64          // default: 1000
	SlotSlack           *uint64        // nil uses 10 slots
	TimeSlack           *time.Duration // nil uses 5s
	CallTimeout         time.Duration  // default: 15s per RPC call
	MetadataEvery       int            // refresh metadata every N loop ticks, default: 3
	MetadataMaxAge      time.Duration  // 0 uses the metadata source default
	InitialFilter       *domain.PoolFilter
}

// Engine is the pool synchronization engine. All methods are safe for concurrent use.
type Engine struct {
	rpc        chain.RPCClient
	ws         chain.WSClient
	meta       MetadataSource
	store      storage.PoolStore
	clock      Clock
	logger     *zap.Logger
	classifier poolmetrics.Classifier

	programID     solana.PublicKey
	tickInterval  time.Duration
	partitionCap  int
	scanLimit     int
	slotSlack     uint64
	timeSlack     time.Duration
	callTimeout   time.Duration
	metadataEvery int
	metadataAge   time.Duration

	// mu guards filter, adhoc, incoming and installedScan.
	mu            sync.Mutex
	filter        domain.PoolFilter
	adhoc         []domain.PoolEntry // targeted query result, nil when inactive
	incoming      []domain.PoolEntry
	generation    atomic.Uint64
	scanSeq       atomic.Uint64
	installedScan uint64 // seq of the bulk scan held by the store

	snapshot atomic.Pointer[Snapshot]
	loaded   atomic.Bool
	lastRef  atomic.Pointer[timeSample]

	// tickMu guards ticking and tickNext.
	tickMu         sync.Mutex
	ticking        bool
	tickNext       *tickPass
	recomputes     atomic.Int64
	loopTicks      atomic.Uint64
	updates        chan Update
	loopMu         sync.Mutex
	loopParent     context.Context
	loopCancel     context.CancelFunc
	loopDone       chan struct{}
	liveMu         sync.Mutex
	liveCancel     context.CancelFunc
	liveDone       chan struct{}
	liveSubscribed atomic.Bool
}

type timeSample struct {
	ref poolmetrics.TimeReference
	at  time.Time
}

// NewEngine creates a new pool synchronization engine.
func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		rpc:           opts.RPC,
		ws:            opts.WS,
		meta:          opts.Metadata,
		store:         opts.Store,
		clock:         opts.Clock,
		logger:        opts.Logger,
		programID:     opts.ProgramID,
		tickInterval:  opts.TickInterval,
		partitionCap:  opts.PartitionCap,
		scanLimit:     opts.ScanLimit,
		slotSlack:     poolmetrics.DefaultSlotSlack,
		timeSlack:     poolmetrics.DefaultTimeSlack,
		callTimeout:   opts.CallTimeout,
		metadataEvery: opts.MetadataEvery,
		metadataAge:   opts.MetadataMaxAge,
		updates:       make(chan Update, 16),
	}
	if e.store == nil {
		e.store = memory.NewPoolStore()
	}
	if e.clock == nil {
		e.clock = systemClock{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("poolsync")
	if e.programID.IsZero() {
		e.programID = cpamm.ProgramID
	}
	if e.tickInterval <= 0 {
		e.tickInterval = DefaultTickInterval
	}
	if e.partitionCap <= 0 {
		e.partitionCap = DefaultPartitionCap
	}
	if e.scanLimit <= 0 {
		e.scanLimit = DefaultScanLimit
	}
	if opts.SlotSlack != nil {
		e.slotSlack = *opts.SlotSlack
	}
	if opts.TimeSlack != nil && *opts.TimeSlack >= 0 {
		e.timeSlack = *opts.TimeSlack
	}
	if e.callTimeout <= 0 {
		e.callTimeout = DefaultCallTimeout
	}
	if e.metadataEvery <= 0 {
		e.metadataEvery = DefaultMetadataEvery
	}
	threshold := opts.MainFeeThresholdBps
	if threshold <= 0 {
		threshold = poolmetrics.DefaultMainFeeThresholdBps
	}
	e.classifier = poolmetrics.NewClassifier(threshold)

	e.filter = domain.DefaultPoolFilter()
	if opts.InitialFilter != nil {
		e.filter = *opts.InitialFilter
	}
	return e
}

// Snapshot returns the current published view, or nil before the first load.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// Updates returns the channel receiving one Update per recompute.
// Updates are dropped when the consumer falls behind.
func (e *Engine) Updates() <-chan Update {
	return e.updates
}

// Filter returns the current filter state.
func (e *Engine) Filter() domain.PoolFilter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneFilter(e.filter)
}

// Generation returns the current filter generation.
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

// Recomputes returns the number of recomputes run so far.
func (e *Engine) Recomputes() int64 {
	return e.recomputes.Load()
}

// Partition returns a copy of the pools currently held in partition.
func (e *Engine) Partition(p domain.Partition) []domain.PoolEntry {
	return e.store.Snapshot(p)
}

// Run loads pools, attaches the live feed when enabled and ticks until ctx ends.
func (e *Engine) Run(ctx context.Context, live bool) error {
	if err := e.BulkLoad(ctx, nil); err != nil && !errors.Is(err, ErrSuperseded) {
		e.logger.Warn("initial load failed", zap.Error(err))
	}
	if live && e.ws != nil {
		if err := e.SubscribeLive(ctx); err != nil {
			e.logger.Warn("live subscription failed", zap.Error(err))
		}
	}
	e.StartLoop(ctx)
	<-ctx.Done()
	e.StopLoop()
	e.StopLive()
	return ctx.Err()
}

// withTimeout bounds a single network call.
func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.callTimeout)
}

// currentTimeRef samples the chain slot and wall clock. When the slot cannot be
// read it extrapolates from the last sample.
func (e *Engine) currentTimeRef(ctx context.Context) poolmetrics.TimeReference {
	now := e.clock.Now()
	cctx, cancel := e.withTimeout(ctx)
	slot, err := e.rpc.GetSlot(cctx)
	cancel()
	if err != nil {
		e.logger.Debug("get slot failed, extrapolating", zap.Error(err))
		return e.estimatedTimeRef(now)
	}
	ref := poolmetrics.TimeReference{Slot: uint64(slot), UnixTime: now.Unix()}
	e.lastRef.Store(&timeSample{ref: ref, at: now})
	return ref
}

// estimatedTimeRef advances the last sampled slot by wall-clock time.
func (e *Engine) estimatedTimeRef(now time.Time) poolmetrics.TimeReference {
	ref := poolmetrics.TimeReference{UnixTime: now.Unix()}
	if last := e.lastRef.Load(); last != nil {
		ref.Slot = last.ref.Slot
		if elapsed := now.Sub(last.at); elapsed > 0 {
			ref.Slot += uint64(elapsed / poolmetrics.SlotDuration)
		}
	}
	return ref
}

func (e *Engine) activationRef(ref poolmetrics.TimeReference) poolmetrics.TimeReference {
	return ref.WithSlack(e.slotSlack, e.timeSlack)
}

func cloneFilter(f domain.PoolFilter) domain.PoolFilter {
	c := f
	if f.Creator != nil {
		v := *f.Creator
		c.Creator = &v
	}
	if f.Mint != nil {
		v := *f.Mint
		c.Mint = &v
	}
	c.Launchpads = append([]string(nil), f.Launchpads...)
	return c
}
