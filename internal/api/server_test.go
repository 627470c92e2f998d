package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dammdash/internal/domain"
	"dammdash/internal/poolsync"
	"dammdash/internal/positions"
)

type fakePools struct {
	mu        sync.Mutex
	snap      *poolsync.Snapshot
	filter    domain.PoolFilter
	filterErr error
	sorts     []domain.SortSpec
	filters   int
}

func newFakePools() *fakePools {
	f := &fakePools{filter: domain.DefaultPoolFilter()}
	f.snap = &poolsync.Snapshot{
		Generation: 1,
		Filter:     f.filter,
		UpdatedAt:  time.Unix(1_700_000_000, 0).UTC(),
		Pools: []domain.DetailedPoolInfo{{
			Address:       solana.NewWallet().PublicKey(),
			Partition:     domain.PartitionMain,
			CurrentFeeBps: decimal.NewFromInt(25),
		}},
	}
	return f
}

func (f *fakePools) Snapshot() *poolsync.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakePools) SetFilter(_ context.Context, mutate func(*domain.PoolFilter)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters++
	mutate(&f.filter)
	if f.filterErr != nil {
		return f.filterErr
	}
	snap := *f.snap
	snap.Filter = f.filter
	snap.Generation++
	f.snap = &snap
	return nil
}

func (f *fakePools) SetSort(_ context.Context, spec domain.SortSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sorts = append(f.sorts, spec)
	return nil
}

type fakePositions struct {
	owner      solana.PublicKey
	list       []domain.PoolPositionInfo
	refreshErr error
	refreshes  int
}

func (f *fakePositions) Owner() solana.PublicKey { return f.owner }

func (f *fakePositions) Positions() []domain.PoolPositionInfo { return f.list }

func (f *fakePositions) Get(address solana.PublicKey) (domain.PoolPositionInfo, error) {
	for _, p := range f.list {
		if p.PositionAddress.Equals(address) {
			return p, nil
		}
	}
	return domain.PoolPositionInfo{}, positions.ErrPositionNotFound
}

func (f *fakePositions) RefreshPositions(_ context.Context, owner solana.PublicKey) ([]domain.PoolPositionInfo, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.owner = owner
	return f.list, nil
}

type fakePnl struct {
	err error
}

func (f *fakePnl) ComputePnl(_ context.Context, info domain.PoolPositionInfo) (*domain.PnlSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.PnlSummary{Position: info.PositionAddress, Transactions: 3}, nil
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestHealthAndStatus(t *testing.T) {
	pools := newFakePools()
	owner := solana.NewWallet().PublicKey()
	srv := NewServer(":0", pools, &fakePositions{owner: owner, list: make([]domain.PoolPositionInfo, 2)}, nil, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[StatusResponse](t, rec)
	assert.Equal(t, "running", status.Status)
	assert.Equal(t, uint64(1), status.Generation)
	assert.Equal(t, 1, status.PoolsVisible)
	assert.Equal(t, owner.String(), status.PositionsOwner)
	assert.Equal(t, 2, status.Positions)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPools(t *testing.T) {
	h := NewServer(":0", newFakePools(), nil, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/pools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[PoolsResponse](t, rec)
	assert.Equal(t, uint64(1), resp.Generation)
	require.Len(t, resp.Pools, 1)
	assert.Equal(t, domain.PartitionMain, resp.Pools[0].Partition)
	assert.True(t, decimal.NewFromInt(25).Equal(resp.Pools[0].CurrentFeeBps))
}

func TestPools_NotLoaded(t *testing.T) {
	pools := newFakePools()
	pools.snap = nil
	rec := do(t, NewServer(":0", pools, nil, nil, nil).Handler(), http.MethodGet, "/pools", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSetFilter(t *testing.T) {
	pools := newFakePools()
	creator := solana.NewWallet().PublicKey()
	h := NewServer(":0", pools, nil, nil, nil).Handler()

	body := `{"creator":"` + creator.String() + `","main_mode":"ONLY","launchpads":["MET-DBC"],"sort":{"key":"BASE_FEE","direction":"ASC"}}`
	rec := do(t, h, http.MethodPost, "/pools/filters", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[PoolsResponse](t, rec)
	assert.Equal(t, uint64(2), resp.Generation)
	require.NotNil(t, resp.Filter.Creator)
	assert.Equal(t, creator, *resp.Filter.Creator)
	assert.Equal(t, domain.MainOnly, resp.Filter.MainMode)
	assert.Equal(t, []string{"MET-DBC"}, resp.Filter.Launchpads)
	assert.Equal(t, []domain.SortSpec{{Key: domain.SortBaseFee, Direction: domain.SortAscending}}, pools.sorts)

	// empty string clears
	rec = do(t, h, http.MethodPost, "/pools/filters", `{"creator":""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[PoolsResponse](t, rec).Filter.Creator)
}

func TestSetFilter_SortOnlySkipsQuery(t *testing.T) {
	pools := newFakePools()
	h := NewServer(":0", pools, nil, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/pools/filters", `{"sort":{"key":"CURRENT_FEE","direction":"DESC"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, pools.filters)
	assert.Len(t, pools.sorts, 1)
}

func TestSetFilter_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"creator":`},
		{"bad creator", `{"creator":"not-a-key"}`},
		{"bad mint", `{"mint":"0OIl"}`},
		{"bad main mode", `{"main_mode":"SOMETIMES"}`},
		{"bad sort key", `{"sort":{"key":"VOLUME","direction":"ASC"}}`},
		{"bad sort direction", `{"sort":{"key":"BASE_FEE","direction":"UP"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pools := newFakePools()
			rec := do(t, NewServer(":0", pools, nil, nil, nil).Handler(), http.MethodPost, "/pools/filters", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, 0, pools.filters)
			assert.Empty(t, pools.sorts)
		})
	}
}

func TestSetFilter_ChainErrors(t *testing.T) {
	pools := newFakePools()
	pools.filterErr = poolsync.ErrSuperseded
	h := NewServer(":0", pools, nil, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/pools/filters", `{"main_mode":"INCLUDE"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	pools.filterErr = errors.New("targeted scan: rpc unavailable")
	rec = do(t, h, http.MethodPost, "/pools/filters", `{"main_mode":"EXCLUDE"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPositions(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	pos := domain.PoolPositionInfo{PositionAddress: solana.NewWallet().PublicKey()}
	src := &fakePositions{list: []domain.PoolPositionInfo{pos}}
	h := NewServer(":0", newFakePools(), src, nil, nil).Handler()

	// unknown owner triggers a refresh
	rec := do(t, h, http.MethodGet, "/positions?owner="+owner.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[PositionsResponse](t, rec)
	assert.Equal(t, owner.String(), resp.Owner)
	require.Len(t, resp.Positions, 1)
	assert.Equal(t, 1, src.refreshes)

	// same owner is served from the cached list
	rec = do(t, h, http.MethodGet, "/positions?owner="+owner.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, src.refreshes)

	rec = do(t, h, http.MethodPost, "/positions/refresh?owner="+owner.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, src.refreshes)

	rec = do(t, h, http.MethodGet, "/positions", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshPositions_Errors(t *testing.T) {
	owner := solana.NewWallet().PublicKey().String()

	src := &fakePositions{refreshErr: positions.ErrRefreshInProgress}
	rec := do(t, NewServer(":0", newFakePools(), src, nil, nil).Handler(), http.MethodPost, "/positions/refresh?owner="+owner, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	src = &fakePositions{refreshErr: errors.New("token accounts: timeout")}
	rec = do(t, NewServer(":0", newFakePools(), src, nil, nil).Handler(), http.MethodPost, "/positions/refresh?owner="+owner, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, NewServer(":0", newFakePools(), nil, nil, nil).Handler(), http.MethodPost, "/positions/refresh?owner="+owner, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPnl(t *testing.T) {
	pos := domain.PoolPositionInfo{PositionAddress: solana.NewWallet().PublicKey()}
	src := &fakePositions{list: []domain.PoolPositionInfo{pos}}
	calc := &fakePnl{}
	h := NewServer(":0", newFakePools(), src, calc, nil).Handler()

	rec := do(t, h, http.MethodGet, "/positions/"+pos.PositionAddress.String()+"/pnl", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[domain.PnlSummary](t, rec)
	assert.Equal(t, pos.PositionAddress, summary.Position)
	assert.Equal(t, 3, summary.Transactions)

	rec = do(t, h, http.MethodGet, "/positions/"+solana.NewWallet().PublicKey().String()+"/pnl", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/positions/garbage/pnl", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	calc.err = errors.New("signatures: rate limited")
	rec = do(t, h, http.MethodGet, "/positions/"+pos.PositionAddress.String()+"/pnl", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", newFakePools(), nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
