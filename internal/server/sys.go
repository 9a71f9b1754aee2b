package server

import (
	"net/http"
	"time"

	"github.com/codeops/vault/internal/audit"
	"github.com/codeops/vault/internal/seal"
)

type healthResponse struct {
	Status   string `json:"status"`
	Sealed   bool   `json:"sealed"`
	Database string `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok"}
	resp.Sealed = s.seal.Status() != seal.StatusUnsealed

	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()
	if err := s.store.DB().PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = "unreachable"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSealStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.seal.SealInfo())
}

type unsealRequest struct {
	Share string `json:"share"`
}

func (s *Server) handleUnseal(w http.ResponseWriter, r *http.Request) {
	var req unsealRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	info, err := s.seal.SubmitKeyShare(req.Share)
	entry := audit.Entry{Operation: audit.OpUnseal, ResourceType: "SEAL"}
	if err != nil {
		s.audit.Failure(r.Context(), entry, err)
		s.writeError(w, r, err)
		return
	}
	if info.Status == seal.StatusUnsealed {
		s.audit.Success(r.Context(), entry)
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	entry := audit.Entry{
		TeamID: p.TeamID, UserID: p.UserID,
		Operation: audit.OpSeal, ResourceType: "SEAL",
	}
	if err := s.seal.Seal(); err != nil {
		s.audit.Failure(r.Context(), entry, err)
		s.writeError(w, r, err)
		return
	}
	s.audit.Success(r.Context(), entry)
	s.writeJSON(w, http.StatusOK, s.seal.SealInfo())
}

type generateSharesResponse struct {
	Shares []string `json:"shares"`
}

func (s *Server) handleGenerateShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.seal.GenerateKeyShares()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, generateSharesResponse{Shares: shares})
}
