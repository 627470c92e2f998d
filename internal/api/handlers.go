package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"dammdash/internal/domain"
	"dammdash/internal/poolsync"
	"dammdash/internal/positions"
)

// PoolsResponse is the JSON response for GET /pools.
type PoolsResponse struct {
	Generation uint64                    `json:"generation"`
	UpdatedAt  time.Time                 `json:"updated_at"`
	Filter     domain.PoolFilter         `json:"filter"`
	Pools      []domain.DetailedPoolInfo `json:"pools"`
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	snap := s.pools.Snapshot()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "pools not loaded yet"})
		return
	}
	resp := PoolsResponse{
		Generation: snap.Generation,
		UpdatedAt:  snap.UpdatedAt,
		Filter:     snap.Filter,
		Pools:      snap.Pools,
	}
	if resp.Pools == nil {
		resp.Pools = []domain.DetailedPoolInfo{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// FilterRequest changes the pool filter. Absent fields are left unchanged;
// an empty creator or mint clears that filter.
type FilterRequest struct {
	Creator    *string          `json:"creator,omitempty"`
	Mint       *string          `json:"mint,omitempty"`
	Launchpads *[]string        `json:"launchpads,omitempty"`
	MainMode   *domain.MainMode `json:"main_mode,omitempty"`
	Sort       *domain.SortSpec `json:"sort,omitempty"`
}

func (s *Server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	var req FilterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	creator, err := optionalKey(req.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("creator: %w", err))
		return
	}
	mint, err := optionalKey(req.Mint)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("mint: %w", err))
		return
	}

	if req.MainMode != nil && !req.MainMode.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid main mode %q", *req.MainMode))
		return
	}
	if req.Sort != nil && (!req.Sort.Key.IsValid() || !req.Sort.Direction.IsValid()) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid sort %s/%s", req.Sort.Key, req.Sort.Direction))
		return
	}

	ctx := r.Context()
	if req.Creator != nil || req.Mint != nil || req.Launchpads != nil || req.MainMode != nil {
		err := s.pools.SetFilter(ctx, func(f *domain.PoolFilter) {
			if req.Creator != nil {
				f.Creator = creator
			}
			if req.Mint != nil {
				f.Mint = mint
			}
			if req.Launchpads != nil {
				f.Launchpads = append([]string(nil), (*req.Launchpads)...)
			}
			if req.MainMode != nil {
				f.MainMode = *req.MainMode
			}
		})
		if !s.viewStillValid(w, err) {
			return
		}
	}
	if req.Sort != nil {
		if !s.viewStillValid(w, s.pools.SetSort(ctx, *req.Sort)) {
			return
		}
	}
	s.handlePools(w, r)
}

// viewStillValid writes an error response unless err leaves the current
// snapshot servable. A superseded query is not a failure.
func (s *Server) viewStillValid(w http.ResponseWriter, err error) bool {
	if err == nil || errors.Is(err, poolsync.ErrSuperseded) {
		return true
	}
	s.logger.Warn("filter update failed", zap.Error(err))
	writeError(w, http.StatusBadGateway, err)
	return false
}

func optionalKey(s *string) (*solana.PublicKey, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	k, err := solana.PublicKeyFromBase58(*s)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// PositionsResponse is the JSON response for position endpoints.
type PositionsResponse struct {
	Owner     string                    `json:"owner"`
	Positions []domain.PoolPositionInfo `json:"positions"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil {
		writeError(w, http.StatusNotFound, errors.New("positions not enabled"))
		return
	}
	owner, err := ownerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.positions.Owner().Equals(owner) {
		writeJSON(w, http.StatusOK, positionsResponse(owner, s.positions.Positions()))
		return
	}
	s.refreshPositions(w, r, owner)
}

func (s *Server) handleRefreshPositions(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil {
		writeError(w, http.StatusNotFound, errors.New("positions not enabled"))
		return
	}
	owner, err := ownerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.refreshPositions(w, r, owner)
}

func (s *Server) refreshPositions(w http.ResponseWriter, r *http.Request, owner solana.PublicKey) {
	list, err := s.positions.RefreshPositions(r.Context(), owner)
	switch {
	case errors.Is(err, positions.ErrRefreshInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, positionsResponse(owner, list))
	}
}

func (s *Server) handlePnl(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil || s.pnl == nil {
		writeError(w, http.StatusNotFound, errors.New("pnl not enabled"))
		return
	}
	addr, err := solana.PublicKeyFromBase58(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("address: %w", err))
		return
	}
	info, err := s.positions.Get(addr)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	summary, err := s.pnl.ComputePnl(r.Context(), info)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func ownerParam(r *http.Request) (solana.PublicKey, error) {
	raw := r.URL.Query().Get("owner")
	if raw == "" {
		return solana.PublicKey{}, errors.New("owner is required")
	}
	owner, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("owner: %w", err)
	}
	return owner, nil
}

func positionsResponse(owner solana.PublicKey, list []domain.PoolPositionInfo) PositionsResponse {
	if list == nil {
		list = []domain.PoolPositionInfo{}
	}
	return PositionsResponse{Owner: owner.String(), Positions: list}
}
