package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/codeops/vault/internal/rotation"
)

type rotationPolicyRequest struct {
	Strategy           string  `json:"strategy"`
	IntervalHours      int     `json:"intervalHours"`
	RandomLength       *int    `json:"randomLength"`
	RandomCharset      *string `json:"randomCharset"`
	ExternalAPIURL     *string `json:"externalApiUrl"`
	ExternalAPIHeaders *string `json:"externalApiHeaders"`
	MaxFailures        int     `json:"maxFailures"`
}

func (s *Server) handleUpsertRotationPolicy(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	secretID := chi.URLParam(r, "secretID")

	var req rotationPolicyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorizeSecret(r, p, secretID, "ROTATE"); err != nil {
		s.writeError(w, r, err)
		return
	}

	pol, err := s.rotation.UpsertPolicy(r.Context(), p.TeamID, secretID, p.UserID, rotation.PolicyInput{
		Strategy:           req.Strategy,
		IntervalHours:      req.IntervalHours,
		RandomLength:       req.RandomLength,
		RandomCharset:      req.RandomCharset,
		ExternalAPIURL:     req.ExternalAPIURL,
		ExternalAPIHeaders: req.ExternalAPIHeaders,
		MaxFailures:        req.MaxFailures,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRotationPolicyResponse(pol))
}

func (s *Server) handleGetRotationPolicy(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	pol, err := s.rotation.Policy(r.Context(), p.TeamID, chi.URLParam(r, "secretID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRotationPolicyResponse(pol))
}

func (s *Server) handleDeleteRotationPolicy(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	secretID := chi.URLParam(r, "secretID")

	if err := s.authorizeSecret(r, p, secretID, "ROTATE"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.rotation.DeletePolicy(r.Context(), p.TeamID, secretID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRotateNow(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	secretID := chi.URLParam(r, "secretID")

	if err := s.authorizeSecret(r, p, secretID, "ROTATE"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.rotation.RotateSecret(r.Context(), p.TeamID, secretID, p.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}

func (s *Server) handleRotationHistory(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	limit, offset := page(r)

	history, err := s.rotation.History(r.Context(), p.TeamID, chi.URLParam(r, "secretID"), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRotationHistoryResponses(history))
}

type rotationStatsResponse struct {
	Total          int        `json:"total"`
	Failures       int        `json:"failures"`
	LastSuccessful *time.Time `json:"lastSuccessful,omitempty"`
}

func (s *Server) handleRotationStats(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	stats, err := s.rotation.Stats(r.Context(), p.TeamID, chi.URLParam(r, "secretID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rotationStatsResponse{
		Total:          stats.Total,
		Failures:       stats.Failures,
		LastSuccessful: stats.LastSuccessful,
	})
}
