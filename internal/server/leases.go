package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type createLeaseRequest struct {
	TTLSeconds int `json:"ttlSeconds"`
}

type createLeaseResponse struct {
	Lease       leaseResponse `json:"lease"`
	Username    string        `json:"username"`
	Password    string        `json:"password"`
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	Database    string        `json:"database"`
	BackendType string        `json:"backendType"`
}

func (s *Server) handleCreateLease(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	secretID := chi.URLParam(r, "secretID")

	var req createLeaseRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorizeSecret(r, p, secretID, "READ"); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.leases.Create(r.Context(), p.TeamID, secretID, p.UserID, req.TTLSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createLeaseResponse{
		Lease:       toLeaseResponse(res.Lease),
		Username:    res.Credentials.Username,
		Password:    res.Credentials.Password,
		Host:        res.Credentials.Host,
		Port:        res.Credentials.Port,
		Database:    res.Credentials.Database,
		BackendType: res.Credentials.Backend,
	})
}

func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	leases, err := s.leases.ListForSecret(r.Context(), p.TeamID, chi.URLParam(r, "secretID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toLeaseResponses(leases))
}

func (s *Server) handleRevokeAllLeases(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	revoked, err := s.leases.RevokeAllForSecret(r.Context(), p.TeamID, chi.URLParam(r, "secretID"), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"revoked": revoked})
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	l, err := s.leases.Get(r.Context(), chi.URLParam(r, "leaseID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toLeaseResponse(l))
}

func (s *Server) handleRevokeLease(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	if err := s.leases.Revoke(r.Context(), chi.URLParam(r, "leaseID"), p.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}
