// Package positions aggregates a wallet's DAMM v2 positions with their pools
// and derived values.
package positions

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dammdash/internal/cpamm"
	"dammdash/internal/domain"
	"dammdash/internal/observability"
	"dammdash/internal/poolmetrics"
	chain "dammdash/internal/solana"
)

var (
	ErrRefreshInProgress = errors.New("position refresh already in progress")
	ErrPositionNotFound  = errors.New("position not found")
	ErrPoolNotFound      = errors.New("pool not found")
)

const DefaultCallTimeout = 15 * time.Second

// MetadataSource resolves token metadata for a set of mints.
type MetadataSource interface {
	Fetch(ctx context.Context, mints []string, maxAge time.Duration) map[string]*domain.TokenMetadata
}

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options contains configuration for creating an Aggregator.
type Options struct {
	RPC            chain.RPCClient
	Metadata       MetadataSource // optional; USD values are zero without it
	Clock          Clock
	Logger         *zap.Logger
	CallTimeout    time.Duration
	MetadataMaxAge time.Duration
}

// Aggregator holds the positions of one owner. The list is replaced on refresh
// and patched in place by UpdatePosition and RemovePosition.
type Aggregator struct {
	rpc         chain.RPCClient
	meta        MetadataSource
	clock       Clock
	logger      *zap.Logger
	callTimeout time.Duration
	metadataAge time.Duration

	refreshing atomic.Bool

	mu             sync.RWMutex
	owner          solana.PublicKey
	positions      []domain.PoolPositionInfo
	totalLiquidity *big.Int
}

// NewAggregator creates a new position aggregator.
func NewAggregator(opts Options) *Aggregator {
	a := &Aggregator{
		rpc:            opts.RPC,
		meta:           opts.Metadata,
		clock:          opts.Clock,
		logger:         opts.Logger,
		callTimeout:    opts.CallTimeout,
		metadataAge:    opts.MetadataMaxAge,
		totalLiquidity: new(big.Int),
	}
	if a.clock == nil {
		a.clock = systemClock{}
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.Named("positions")
	if a.callTimeout <= 0 {
		a.callTimeout = DefaultCallTimeout
	}
	return a
}

// Owner returns the wallet of the current list.
func (a *Aggregator) Owner() solana.PublicKey {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.owner
}

// Positions returns a copy of the current list.
func (a *Aggregator) Positions() []domain.PoolPositionInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]domain.PoolPositionInfo(nil), a.positions...)
}

// Get returns the position at address.
func (a *Aggregator) Get(address solana.PublicKey) (domain.PoolPositionInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, p := range a.positions {
		if p.PositionAddress.Equals(address) {
			return p, nil
		}
	}
	return domain.PoolPositionInfo{}, ErrPositionNotFound
}

// TotalLiquidity returns the summed liquidity of all listed positions.
func (a *Aggregator) TotalLiquidity() *big.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return new(big.Int).Set(a.totalLiquidity)
}

// RefreshPositions loads every position owned by owner, joins each with its
// pool and replaces the list, sorted by current pool fee descending. Positions
// whose pool no longer exists are dropped. A refresh already running makes a
// second call return ErrRefreshInProgress.
func (a *Aggregator) RefreshPositions(ctx context.Context, owner solana.PublicKey) ([]domain.PoolPositionInfo, error) {
	if !a.refreshing.CompareAndSwap(false, true) {
		observability.RecordPositionRefresh("in_progress", len(a.Positions()))
		return nil, ErrRefreshInProgress
	}
	defer a.refreshing.Store(false)

	infos, err := a.load(ctx, owner)
	if err != nil {
		observability.RecordPositionRefresh("error", len(a.Positions()))
		a.logger.Warn("position refresh failed", zap.String("owner", owner.String()), zap.Error(err))
		return nil, err
	}
	sortByCurrentFee(infos)

	a.mu.Lock()
	a.owner = owner
	a.positions = infos
	a.totalLiquidity = sumLiquidity(infos)
	out := append([]domain.PoolPositionInfo(nil), infos...)
	a.mu.Unlock()

	observability.RecordPositionRefresh("ok", len(infos))
	a.logger.Info("positions refreshed", zap.String("owner", owner.String()), zap.Int("positions", len(infos)))
	return out, nil
}

// UpdatePosition re-fetches one listed position and its pool and recomputes its
// derived fields in place. A position that no longer exists is removed and
// ErrPositionNotFound returned.
func (a *Aggregator) UpdatePosition(ctx context.Context, address solana.PublicKey) (domain.PoolPositionInfo, error) {
	cur, err := a.Get(address)
	if err != nil {
		return domain.PoolPositionInfo{}, err
	}

	accounts, err := a.getMultiple(ctx, []solana.PublicKey{address, cur.PoolAddress})
	if err != nil {
		return domain.PoolPositionInfo{}, fmt.Errorf("fetch position: %w", err)
	}
	position, err := decodePosition(accounts[0])
	if err != nil {
		return domain.PoolPositionInfo{}, err
	}
	if position == nil {
		a.RemovePosition(address)
		return domain.PoolPositionInfo{}, ErrPositionNotFound
	}
	pool, err := decodePool(accounts[1])
	if err != nil {
		return domain.PoolPositionInfo{}, err
	}
	if pool == nil {
		return domain.PoolPositionInfo{}, ErrPoolNotFound
	}

	ref := a.timeRef(ctx)
	tokens := a.fetchTokens(ctx, []*cpamm.Pool{pool})
	info := buildInfo(address, position, cur.PoolAddress, pool, ref, tokens)

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.positions {
		if a.positions[i].PositionAddress.Equals(address) {
			a.positions[i] = info
			a.totalLiquidity = sumLiquidity(a.positions)
			return info, nil
		}
	}
	// removed while we were fetching
	return domain.PoolPositionInfo{}, ErrPositionNotFound
}

// RemovePosition drops a position from the list and recomputes the aggregate
// liquidity. It reports whether the position was listed.
func (a *Aggregator) RemovePosition(address solana.PublicKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.positions {
		if a.positions[i].PositionAddress.Equals(address) {
			a.positions = append(a.positions[:i:i], a.positions[i+1:]...)
			a.totalLiquidity = sumLiquidity(a.positions)
			return true
		}
	}
	return false
}

func (a *Aggregator) load(ctx context.Context, owner solana.PublicKey) ([]domain.PoolPositionInfo, error) {
	nftMints, err := a.positionNftMints(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(nftMints) == 0 {
		return []domain.PoolPositionInfo{}, nil
	}

	addresses := make([]solana.PublicKey, len(nftMints))
	for i, mint := range nftMints {
		addresses[i] = cpamm.DerivePositionAddress(mint)
	}
	accounts, err := a.getMultiple(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	type held struct {
		address  solana.PublicKey
		position *cpamm.Position
	}
	var found []held
	var poolAddrs []solana.PublicKey
	seen := make(map[solana.PublicKey]struct{})
	for i, acct := range accounts {
		position, err := decodePosition(acct)
		if err != nil {
			a.logger.Debug("skipping undecodable position", zap.String("address", addresses[i].String()), zap.Error(err))
			continue
		}
		if position == nil {
			continue
		}
		found = append(found, held{address: addresses[i], position: position})
		if _, ok := seen[position.Pool]; !ok {
			seen[position.Pool] = struct{}{}
			poolAddrs = append(poolAddrs, position.Pool)
		}
	}
	if len(found) == 0 {
		return []domain.PoolPositionInfo{}, nil
	}

	poolAccounts, err := a.getMultiple(ctx, poolAddrs)
	if err != nil {
		return nil, fmt.Errorf("fetch pools: %w", err)
	}
	pools := make(map[solana.PublicKey]*cpamm.Pool, len(poolAddrs))
	for i, acct := range poolAccounts {
		pool, err := decodePool(acct)
		if err != nil {
			a.logger.Debug("skipping undecodable pool", zap.String("address", poolAddrs[i].String()), zap.Error(err))
			continue
		}
		if pool != nil {
			pools[poolAddrs[i]] = pool
		}
	}

	var (
		ref    poolmetrics.TimeReference
		tokens map[string]*domain.TokenMetadata
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ref = a.timeRef(gctx)
		return nil
	})
	g.Go(func() error {
		list := make([]*cpamm.Pool, 0, len(pools))
		for _, p := range pools {
			list = append(list, p)
		}
		tokens = a.fetchTokens(gctx, list)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.PoolPositionInfo, 0, len(found))
	for _, h := range found {
		pool, ok := pools[h.position.Pool]
		if !ok {
			continue
		}
		out = append(out, buildInfo(h.address, h.position, h.position.Pool, pool, ref, tokens))
	}
	return out, nil
}

// positionNftMints lists Token-2022 mints held by owner with an amount of one,
// the shape of a position NFT.
func (a *Aggregator) positionNftMints(ctx context.Context, owner solana.PublicKey) ([]solana.PublicKey, error) {
	cctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()
	accounts, err := a.rpc.GetTokenAccountsByOwner(cctx, owner.String(), solana.Token2022ProgramID.String())
	if err != nil {
		return nil, fmt.Errorf("list token accounts: %w", err)
	}
	var mints []solana.PublicKey
	for _, acct := range accounts {
		if acct.Amount != 1 || acct.Decimals != 0 {
			continue
		}
		mint, err := solana.PublicKeyFromBase58(acct.Mint)
		if err != nil {
			continue
		}
		mints = append(mints, mint)
	}
	return mints, nil
}

func (a *Aggregator) getMultiple(ctx context.Context, addresses []solana.PublicKey) ([]*chain.AccountInfo, error) {
	keys := make([]string, len(addresses))
	for i, addr := range addresses {
		keys[i] = addr.String()
	}
	cctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()
	accounts, err := a.rpc.GetMultipleAccounts(cctx, keys)
	if err != nil {
		return nil, err
	}
	if len(accounts) != len(keys) {
		return nil, fmt.Errorf("requested %d accounts, got %d", len(keys), len(accounts))
	}
	return accounts, nil
}

// timeRef samples the chain slot; on failure only timestamp pools price correctly.
func (a *Aggregator) timeRef(ctx context.Context) poolmetrics.TimeReference {
	ref := poolmetrics.TimeReference{UnixTime: a.clock.Now().Unix()}
	cctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()
	slot, err := a.rpc.GetSlot(cctx)
	if err != nil {
		a.logger.Debug("get slot failed", zap.Error(err))
		return ref
	}
	ref.Slot = uint64(slot)
	return ref
}

func (a *Aggregator) fetchTokens(ctx context.Context, pools []*cpamm.Pool) map[string]*domain.TokenMetadata {
	if a.meta == nil || len(pools) == 0 {
		return nil
	}
	mints := make([]string, 0, 2*len(pools))
	for _, p := range pools {
		mints = append(mints, p.TokenAMint.String(), p.TokenBMint.String())
	}
	return a.meta.Fetch(ctx, mints, a.metadataAge)
}

func buildInfo(address solana.PublicKey, position *cpamm.Position, poolAddr solana.PublicKey, pool *cpamm.Pool, ref poolmetrics.TimeReference, tokens map[string]*domain.TokenMetadata) domain.PoolPositionInfo {
	tokenA := tokens[pool.TokenAMint.String()]
	tokenB := tokens[pool.TokenBMint.String()]

	poolQuote := cpamm.GetWithdrawQuote(pool.Liquidity, pool.SqrtPrice, pool.SqrtMinPrice, pool.SqrtMaxPrice)
	positionQuote := cpamm.TotalPositionAmounts(pool, position)
	fee := cpamm.GetUnclaimedFee(pool, position)
	liquidity := position.TotalLiquidity()

	info := domain.PoolPositionInfo{
		PositionAddress:    address,
		PositionNftAccount: cpamm.DerivePositionNftAccount(position.NftMint),
		NftMint:            position.NftMint,
		PoolAddress:        poolAddr,
		Position:           position,
		Pool:               pool,
		TokenA:             tokenA.Clone(),
		TokenB:             tokenB.Clone(),
		PoolAmountA:        poolQuote.OutAmountA,
		PoolAmountB:        poolQuote.OutAmountB,
		PositionAmountA:    positionQuote.OutAmountA,
		PositionAmountB:    positionQuote.OutAmountB,
		UnclaimedFeeA:      fee.FeeA,
		UnclaimedFeeB:      fee.FeeB,
		PositionLiquidity:  liquidity,
		SharePercent:       SharePercent(liquidity, pool.Liquidity),
		Locked:             cpamm.IsLockedPosition(position),
		PermanentlyLocked:  cpamm.IsPermanentLockedPosition(position),
		PoolBaseFeeBps:     poolmetrics.BaseFeeBps(pool, ref),
		PoolCurrentFeeBps:  poolmetrics.CurrentFeeBps(pool, ref),
		PoolTVL:            poolmetrics.ComputeTVL(pool, tokenA, tokenB),
	}
	info.PositionValueUSD = poolmetrics.USDValue(positionQuote.OutAmountA, tokenA).
		Add(poolmetrics.USDValue(positionQuote.OutAmountB, tokenB))
	info.UnclaimedFeeUSD = poolmetrics.USDValue(fee.FeeA, tokenA).
		Add(poolmetrics.USDValue(fee.FeeB, tokenB))
	return info
}

// SharePercent returns position/pool liquidity as a percentage with two
// decimals. The ratio is scaled to basis points in integer math first.
func SharePercent(positionLiquidity, poolLiquidity *big.Int) decimal.Decimal {
	if positionLiquidity == nil || poolLiquidity == nil || poolLiquidity.Sign() <= 0 || positionLiquidity.Sign() <= 0 {
		return decimal.New(0, -2)
	}
	bps := new(big.Int).Mul(positionLiquidity, big.NewInt(cpamm.BasisPointMax))
	bps.Quo(bps, poolLiquidity)
	return decimal.NewFromBigInt(bps, -2)
}

func sortByCurrentFee(infos []domain.PoolPositionInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].PoolCurrentFeeBps.GreaterThan(infos[j].PoolCurrentFeeBps)
	})
}

func sumLiquidity(infos []domain.PoolPositionInfo) *big.Int {
	total := new(big.Int)
	for _, p := range infos {
		if p.PositionLiquidity != nil {
			total.Add(total, p.PositionLiquidity)
		}
	}
	return total
}

// decodePosition returns nil for a missing account.
func decodePosition(acct *chain.AccountInfo) (*cpamm.Position, error) {
	if acct == nil || len(acct.Data) == 0 {
		return nil, nil
	}
	return cpamm.DecodePosition(acct.Data)
}

// decodePool returns nil for a missing account.
func decodePool(acct *chain.AccountInfo) (*cpamm.Pool, error) {
	if acct == nil || len(acct.Data) == 0 {
		return nil, nil
	}
	return cpamm.DecodePool(acct.Data)
}
