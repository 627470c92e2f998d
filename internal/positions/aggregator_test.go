package positions

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dammdash/internal/cpamm"
	"dammdash/internal/domain"
	chain "dammdash/internal/solana"
	"dammdash/internal/solana/stub"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

type staticMeta map[string]*domain.TokenMetadata

func (m staticMeta) Fetch(_ context.Context, mints []string, _ time.Duration) map[string]*domain.TokenMetadata {
	out := make(map[string]*domain.TokenMetadata)
	for _, mint := range mints {
		if t, ok := m[mint]; ok {
			out[mint] = t.Clone()
		}
	}
	return out
}

// blockingRPC holds GetTokenAccountsByOwner until release is closed.
type blockingRPC struct {
	*stub.RPCClient
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRPC) GetTokenAccountsByOwner(ctx context.Context, owner, program string) ([]chain.TokenAccount, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.RPCClient.GetTokenAccountsByOwner(ctx, owner, program)
}

var q64 = new(big.Int).Lsh(big.NewInt(1), 64)

func newPool(feeBps uint64, liquidity *big.Int, mintA solana.PublicKey) *cpamm.Pool {
	return &cpamm.Pool{
		Fees: cpamm.PoolFees{BaseFee: cpamm.BaseFee{
			CliffFeeNumerator: cpamm.BpsToFeeNumerator(feeBps),
		}},
		TokenAMint:      mintA,
		TokenBMint:      solana.SolMint,
		Liquidity:       liquidity,
		SqrtPrice:       new(big.Int).Set(q64),
		SqrtMinPrice:    new(big.Int).Rsh(q64, 1),
		SqrtMaxPrice:    new(big.Int).Lsh(q64, 1),
		ActivationType:  cpamm.ActivationTimestamp,
		ActivationPoint: 1_000,
	}
}

func putPool(t *testing.T, rpc *stub.RPCClient, pool *cpamm.Pool) solana.PublicKey {
	t.Helper()
	data, err := pool.Encode()
	require.NoError(t, err)
	addr := solana.NewWallet().PublicKey()
	rpc.PutAccount(addr.String(), cpamm.ProgramID.String(), data)
	return addr
}

func putPosition(t *testing.T, rpc *stub.RPCClient, owner, pool solana.PublicKey, position *cpamm.Position) solana.PublicKey {
	t.Helper()
	mint := solana.NewWallet().PublicKey()
	position.Pool = pool
	position.NftMint = mint
	data, err := position.Encode()
	require.NoError(t, err)
	addr := cpamm.DerivePositionAddress(mint)
	rpc.PutAccount(addr.String(), cpamm.ProgramID.String(), data)
	rpc.AddTokenAccount(solana.Token2022ProgramID.String(), chain.TokenAccount{
		Address: cpamm.DerivePositionNftAccount(mint).String(),
		Mint:    mint.String(),
		Owner:   owner.String(),
		Amount:  1,
	})
	return addr
}

func TestSharePercent(t *testing.T) {
	l := new(big.Int).Lsh(big.NewInt(3), 100)
	tests := []struct {
		name     string
		position *big.Int
		pool     *big.Int
		want     string
	}{
		{"whole pool", l, l, "100.00"},
		{"zero position", big.NewInt(0), l, "0.00"},
		{"third", big.NewInt(1), big.NewInt(3), "33.33"},
		{"dust", big.NewInt(1), l, "0.00"},
		{"empty pool", big.NewInt(5), big.NewInt(0), "0.00"},
		{"nil pool", big.NewInt(5), nil, "0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SharePercent(tt.position, tt.pool).StringFixed(2))
		})
	}
}

func TestRefreshPositions(t *testing.T) {
	rpc := stub.NewRPCClient()
	ctx := context.Background()
	owner := solana.NewWallet().PublicKey()
	mintA := solana.NewWallet().PublicKey()

	liquidity := new(big.Int).Lsh(big.NewInt(1_000_000), 64)
	lowFee := putPool(t, rpc, newPool(100, liquidity, mintA))
	highFee := putPool(t, rpc, newPool(500, new(big.Int).Mul(liquidity, big.NewInt(4)), mintA))

	whole := putPosition(t, rpc, owner, lowFee, &cpamm.Position{UnlockedLiquidity: new(big.Int).Set(liquidity), FeeAPending: 7})
	quarter := putPosition(t, rpc, owner, highFee, &cpamm.Position{
		UnlockedLiquidity:        new(big.Int).Rsh(liquidity, 1),
		PermanentLockedLiquidity: new(big.Int).Rsh(liquidity, 1),
	})
	putPosition(t, rpc, owner, solana.NewWallet().PublicKey(), &cpamm.Position{UnlockedLiquidity: big.NewInt(1)}) // closed pool

	// fungible token accounts are not positions
	rpc.AddTokenAccount(solana.Token2022ProgramID.String(), chain.TokenAccount{
		Mint: solana.NewWallet().PublicKey().String(), Owner: owner.String(), Amount: 5_000, Decimals: 6,
	})

	meta := staticMeta{
		mintA.String():          {Mint: mintA.String(), Symbol: "AAA", Decimals: 6, PriceUSD: decimal.NewFromInt(2)},
		solana.SolMint.String(): {Mint: solana.SolMint.String(), Symbol: "SOL", Decimals: 9, PriceUSD: decimal.NewFromInt(100)},
	}
	agg := NewAggregator(Options{RPC: rpc, Metadata: meta, Clock: fixedClock(time.Unix(5_000, 0))})

	got, err := agg.RefreshPositions(ctx, owner)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, quarter, got[0].PositionAddress)
	assert.Equal(t, whole, got[1].PositionAddress)
	assert.True(t, decimal.NewFromInt(500).Equal(got[0].PoolCurrentFeeBps))
	assert.True(t, decimal.NewFromInt(100).Equal(got[1].PoolCurrentFeeBps))

	assert.Equal(t, "25.00", got[0].SharePercent.StringFixed(2))
	assert.True(t, got[0].Locked)
	assert.True(t, got[0].PermanentlyLocked)

	w := got[1]
	assert.Equal(t, "100.00", w.SharePercent.StringFixed(2))
	assert.False(t, w.Locked)
	assert.Equal(t, w.PoolAmountA, w.PositionAmountA)
	assert.Equal(t, w.PoolAmountB, w.PositionAmountB)
	assert.Equal(t, int64(7), w.UnclaimedFeeA.Int64())
	assert.Equal(t, int64(0), w.UnclaimedFeeB.Int64())
	assert.True(t, decimal.RequireFromString("0.000014").Equal(w.UnclaimedFeeUSD), w.UnclaimedFeeUSD.String())
	assert.True(t, w.PositionValueUSD.IsPositive())
	require.NotNil(t, w.PoolTVL)
	assert.True(t, w.PoolTVL.Total.Equal(w.PositionValueUSD))
	assert.Equal(t, "AAA", w.TokenA.Symbol)

	wantTotal := new(big.Int).Add(liquidity, liquidity)
	assert.Equal(t, 0, wantTotal.Cmp(agg.TotalLiquidity()))
	assert.Equal(t, owner, agg.Owner())

	// one multi-get for positions and one for their pools
	assert.Equal(t, int64(2), rpc.Calls("getMultipleAccounts"))
}

func TestRefreshPositions_Empty(t *testing.T) {
	rpc := stub.NewRPCClient()
	agg := NewAggregator(Options{RPC: rpc})

	got, err := agg.RefreshPositions(context.Background(), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int64(0), rpc.Calls("getMultipleAccounts"))
}

func TestRefreshPositions_FailureKeepsList(t *testing.T) {
	rpc := stub.NewRPCClient()
	ctx := context.Background()
	owner := solana.NewWallet().PublicKey()
	liquidity := big.NewInt(1 << 40)
	pool := putPool(t, rpc, newPool(100, liquidity, solana.NewWallet().PublicKey()))
	putPosition(t, rpc, owner, pool, &cpamm.Position{UnlockedLiquidity: liquidity})

	agg := NewAggregator(Options{RPC: rpc})
	_, err := agg.RefreshPositions(ctx, owner)
	require.NoError(t, err)

	rpc.SetError("getMultipleAccounts", errors.New("timeout"))
	_, err = agg.RefreshPositions(ctx, owner)
	require.Error(t, err)
	assert.Len(t, agg.Positions(), 1)
}

func TestRefreshPositions_RejectsConcurrentRefresh(t *testing.T) {
	rpc := &blockingRPC{RPCClient: stub.NewRPCClient(), entered: make(chan struct{}), release: make(chan struct{})}
	agg := NewAggregator(Options{RPC: rpc})
	owner := solana.NewWallet().PublicKey()

	done := make(chan error, 1)
	go func() {
		_, err := agg.RefreshPositions(context.Background(), owner)
		done <- err
	}()
	<-rpc.entered

	_, err := agg.RefreshPositions(context.Background(), owner)
	assert.ErrorIs(t, err, ErrRefreshInProgress)

	close(rpc.release)
	require.NoError(t, <-done)

	_, err = agg.RefreshPositions(context.Background(), owner)
	assert.NoError(t, err)
}

func TestUpdatePosition(t *testing.T) {
	rpc := stub.NewRPCClient()
	ctx := context.Background()
	owner := solana.NewWallet().PublicKey()
	liquidity := big.NewInt(1 << 40)
	poolState := newPool(100, liquidity, solana.NewWallet().PublicKey())
	pool := putPool(t, rpc, poolState)
	first := putPosition(t, rpc, owner, pool, &cpamm.Position{UnlockedLiquidity: big.NewInt(1 << 39)})
	second := putPosition(t, rpc, owner, pool, &cpamm.Position{UnlockedLiquidity: big.NewInt(1 << 39)})

	agg := NewAggregator(Options{RPC: rpc})
	before, err := agg.RefreshPositions(ctx, owner)
	require.NoError(t, err)
	require.Len(t, before, 2)

	// a claim moved fees into the pending counter of the first position
	info, err := agg.Get(first)
	require.NoError(t, err)
	updated := *info.Position
	updated.FeeBPending = 50
	data, err := updated.Encode()
	require.NoError(t, err)
	rpc.PutAccount(first.String(), cpamm.ProgramID.String(), data)

	got, err := agg.UpdatePosition(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.UnclaimedFeeB.Int64())

	other, err := agg.Get(second)
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.UnclaimedFeeB.Int64())

	_, err = agg.UpdatePosition(ctx, solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, ErrPositionNotFound)

	// closed on chain
	rpc.DeleteAccount(second.String())
	_, err = agg.UpdatePosition(ctx, second)
	assert.ErrorIs(t, err, ErrPositionNotFound)
	assert.Len(t, agg.Positions(), 1)
	assert.Equal(t, int64(1<<39), agg.TotalLiquidity().Int64())

	rpc.DeleteAccount(pool.String())
	_, err = agg.UpdatePosition(ctx, first)
	assert.ErrorIs(t, err, ErrPoolNotFound)
}

func TestRemovePosition(t *testing.T) {
	rpc := stub.NewRPCClient()
	owner := solana.NewWallet().PublicKey()
	liquidity := big.NewInt(1 << 40)
	pool := putPool(t, rpc, newPool(100, liquidity, solana.NewWallet().PublicKey()))
	a := putPosition(t, rpc, owner, pool, &cpamm.Position{UnlockedLiquidity: big.NewInt(300)})
	putPosition(t, rpc, owner, pool, &cpamm.Position{UnlockedLiquidity: big.NewInt(200)})

	agg := NewAggregator(Options{RPC: rpc})
	_, err := agg.RefreshPositions(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int64(500), agg.TotalLiquidity().Int64())

	assert.True(t, agg.RemovePosition(a))
	assert.False(t, agg.RemovePosition(a))
	assert.Len(t, agg.Positions(), 1)
	assert.Equal(t, int64(200), agg.TotalLiquidity().Int64())
}
