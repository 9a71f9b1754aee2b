package server

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/transit"
)

type createTransitKeyRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Deletable   bool   `json:"deletable"`
	Exportable  bool   `json:"exportable"`
}

func (s *Server) handleCreateTransitKey(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	var req createTransitKeyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	k, err := s.transit.CreateKey(r.Context(), p.TeamID, p.UserID,
		req.Name, req.Description, req.Deletable, req.Exportable)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toTransitKeyResponse(k))
}

func (s *Server) handleListTransitKeys(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	keys, err := s.transit.List(r.Context(), p.TeamID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]transitKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, toTransitKeyResponse(k))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type updateTransitKeyRequest struct {
	Description          *string `json:"description"`
	MinDecryptionVersion *int    `json:"minDecryptionVersion"`
	Deletable            *bool   `json:"deletable"`
	Exportable           *bool   `json:"exportable"`
	Active               *bool   `json:"active"`
}

func (s *Server) handleUpdateTransitKey(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	var req updateTransitKeyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	k, err := s.transit.UpdateKey(r.Context(), p.TeamID, chi.URLParam(r, "name"), p.UserID, transit.UpdateInput{
		Description:          req.Description,
		MinDecryptionVersion: req.MinDecryptionVersion,
		Deletable:            req.Deletable,
		Exportable:           req.Exportable,
		Active:               req.Active,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTransitKeyResponse(k))
}

func (s *Server) handleDeleteTransitKey(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	if err := s.transit.DeleteKey(r.Context(), p.TeamID, chi.URLParam(r, "name"), p.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRotateTransitKey(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	k, err := s.transit.RotateKey(r.Context(), p.TeamID, chi.URLParam(r, "name"), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTransitKeyResponse(k))
}

type transitEncryptRequest struct {
	Plaintext string `json:"plaintext"` // base64
}

func (s *Server) handleTransitEncrypt(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	var req transitEncryptRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
	if err != nil {
		s.writeError(w, r, vaulterrors.InvalidInput("plaintext must be base64"))
		return
	}

	res, err := s.transit.Encrypt(r.Context(), p.TeamID, chi.URLParam(r, "name"), plaintext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type transitDecryptRequest struct {
	Ciphertext string `json:"ciphertext"`
}

type transitDecryptResponse struct {
	Plaintext string `json:"plaintext"` // base64
}

func (s *Server) handleTransitDecrypt(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	var req transitDecryptRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	plaintext, err := s.transit.Decrypt(r.Context(), p.TeamID, chi.URLParam(r, "name"), req.Ciphertext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transitDecryptResponse{
		Plaintext: base64.StdEncoding.EncodeToString(plaintext),
	})
}

func (s *Server) handleTransitRewrap(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	var req transitDecryptRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.transit.Rewrap(r.Context(), p.TeamID, chi.URLParam(r, "name"), req.Ciphertext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTransitDataKey(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	res, err := s.transit.GenerateDataKey(r.Context(), p.TeamID, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
