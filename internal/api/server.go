// Package api serves the dashboard state over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"dammdash/internal/domain"
	"dammdash/internal/observability"
	"dammdash/internal/poolsync"
)

// PoolView is the pool synchronization engine as seen by the API.
type PoolView interface {
	Snapshot() *poolsync.Snapshot
	SetFilter(ctx context.Context, mutate func(*domain.PoolFilter)) error
	SetSort(ctx context.Context, spec domain.SortSpec) error
}

// PositionSource is the position aggregator as seen by the API.
type PositionSource interface {
	Owner() solana.PublicKey
	Positions() []domain.PoolPositionInfo
	Get(address solana.PublicKey) (domain.PoolPositionInfo, error)
	RefreshPositions(ctx context.Context, owner solana.PublicKey) ([]domain.PoolPositionInfo, error)
}

// PnlComputer reconstructs position P&L.
type PnlComputer interface {
	ComputePnl(ctx context.Context, info domain.PoolPositionInfo) (*domain.PnlSummary, error)
}

// Server exposes health, metrics, pools and positions.
type Server struct {
	pools     PoolView
	positions PositionSource
	pnl       PnlComputer
	logger    *zap.Logger
	started   time.Time
	srv       *http.Server
}

// NewServer creates an API server. positions and pnl may be nil.
func NewServer(addr string, pools PoolView, positions PositionSource, pnl PnlComputer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		pools:     pools,
		positions: positions,
		pnl:       pnl,
		logger:    logger.Named("api"),
		started:   time.Now(),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", observability.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("GET /pools", s.handlePools)
	mux.HandleFunc("POST /pools/filters", s.handleSetFilter)

	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("POST /positions/refresh", s.handleRefreshPositions)
	mux.HandleFunc("GET /positions/{address}/pnl", s.handlePnl)
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", zap.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status         string    `json:"status"`
	Uptime         string    `json:"uptime"`
	Generation     uint64    `json:"generation"`
	PoolsVisible   int       `json:"pools_visible"`
	SnapshotAt     time.Time `json:"snapshot_at,omitempty"`
	PositionsOwner string    `json:"positions_owner,omitempty"`
	Positions      int       `json:"positions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status: "running",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if snap := s.pools.Snapshot(); snap != nil {
		resp.Generation = snap.Generation
		resp.PoolsVisible = len(snap.Pools)
		resp.SnapshotAt = snap.UpdatedAt
	}
	if s.positions != nil {
		if owner := s.positions.Owner(); !owner.IsZero() {
			resp.PositionsOwner = owner.String()
		}
		resp.Positions = len(s.positions.Positions())
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
