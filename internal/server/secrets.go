package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/secrets"
	"github.com/codeops/vault/internal/store"
)

type createSecretRequest struct {
	Path          string            `json:"path"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	SecretType    string            `json:"secretType"`
	Value         string            `json:"value"`
	Metadata      map[string]string `json:"metadata"`
	MaxVersions   *int              `json:"maxVersions"`
	RetentionDays *int              `json:"retentionDays"`
	ExpiresAt     *time.Time        `json:"expiresAt"`
	ExternalRef   *string           `json:"externalRef"`
}

func (s *Server) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	var req createSecretRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireAccess(r, p, req.Path, "WRITE"); err != nil {
		s.writeError(w, r, err)
		return
	}

	sec, err := s.secrets.Create(r.Context(), p.TeamID, p.UserID, secrets.CreateInput{
		Path:          req.Path,
		Name:          req.Name,
		Description:   req.Description,
		SecretType:    req.SecretType,
		Value:         req.Value,
		Metadata:      req.Metadata,
		MaxVersions:   req.MaxVersions,
		RetentionDays: req.RetentionDays,
		ExpiresAt:     req.ExpiresAt,
		ExternalRef:   req.ExternalRef,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toSecretResponse(sec))
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	q := r.URL.Query()
	filter := store.SecretListFilter{
		Type:       q.Get("type"),
		PathPrefix: q.Get("prefix"),
		ActiveOnly: q.Get("active") == "true",
	}
	limit, offset := page(r)

	list, err := s.secrets.List(r.Context(), p.TeamID, filter, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSecretResponses(list))
}

func (s *Server) handleSearchSecrets(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	limit, offset := page(r)

	list, err := s.secrets.Search(r.Context(), p.TeamID, r.URL.Query().Get("q"), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSecretResponses(list))
}

func (s *Server) handleListPaths(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	paths, err := s.secrets.Paths(r.Context(), p.TeamID, r.URL.Query().Get("prefix"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"paths": paths})
}

func (s *Server) handleExpiringSecrets(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	list, err := s.secrets.Expiring(r.Context(), p.TeamID, queryInt(r, "hours", 24))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSecretResponses(list))
}

func (s *Server) handleGetSecretByPath(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, r, vaulterrors.InvalidInput("path query parameter is required"))
		return
	}
	sec, err := s.secrets.GetByPath(r.Context(), p.TeamID, path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSecretResponse(sec))
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	sec, err := s.secrets.Get(r.Context(), p.TeamID, chi.URLParam(r, "secretID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSecretResponse(sec))
}

type updateSecretRequest struct {
	Name          *string    `json:"name"`
	Description   *string    `json:"description"`
	Value         *string    `json:"value"`
	ChangeNote    *string    `json:"changeNote"`
	MaxVersions   *int       `json:"maxVersions"`
	RetentionDays *int       `json:"retentionDays"`
	ExpiresAt     *time.Time `json:"expiresAt"`
	Active        *bool      `json:"active"`
}

func (s *Server) handleUpdateSecret(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	secretID := chi.URLParam(r, "secretID")

	var req updateSecretRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorizeSecret(r, p, secretID, "WRITE"); err != nil {
		s.writeError(w, r, err)
		return
	}

	sec, err := s.secrets.Update(r.Context(), p.TeamID, secretID, p.UserID, secrets.UpdateInput{
		Name:          req.Name,
		Description:   req.Description,
		Value:         req.Value,
		ChangeNote:    req.ChangeNote,
		MaxVersions:   req.MaxVersions,
		RetentionDays: req.RetentionDays,
		ExpiresAt:     req.ExpiresAt,
		Active:        req.Active,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSecretResponse(sec))
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	secretID := chi.URLParam(r, "secretID")

	if err := s.authorizeSecret(r, p, secretID, "DELETE"); err != nil {
		s.writeError(w, r, err)
		return
	}

	var err error
	if r.URL.Query().Get("hard") == "true" {
		err = s.secrets.HardDelete(r.Context(), p.TeamID, secretID, p.UserID)
	} else {
		err = s.secrets.SoftDelete(r.Context(), p.TeamID, secretID, p.UserID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleReadSecretValue(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	secretID := chi.URLParam(r, "secretID")

	if err := s.authorizeSecret(r, p, secretID, "READ"); err != nil {
		s.writeError(w, r, err)
		return
	}

	var version *int
	if raw := r.URL.Query().Get("version"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, vaulterrors.InvalidInput("version must be an integer"))
			return
		}
		version = &n
	}

	value, err := s.secrets.ReadValue(r.Context(), p.TeamID, secretID, version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, value)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	versions, err := s.secrets.Versions(r.Context(), p.TeamID, chi.URLParam(r, "secretID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toVersionResponses(versions))
}

func (s *Server) handleDestroyVersion(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	secretID := chi.URLParam(r, "secretID")

	n, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, vaulterrors.InvalidInput("version must be an integer"))
		return
	}
	if err := s.authorizeSecret(r, p, secretID, "DELETE"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.secrets.DestroyVersion(r.Context(), p.TeamID, secretID, n, p.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	meta, err := s.secrets.Metadata(r.Context(), p.TeamID, chi.URLParam(r, "secretID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleReplaceMetadata(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	var meta map[string]string
	if err := decode(r, &meta); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.secrets.ReplaceMetadata(r.Context(), p.TeamID, chi.URLParam(r, "secretID"), meta); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

type metadataValueRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetMetadata(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	var req metadataValueRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.secrets.SetMetadata(r.Context(), p.TeamID,
		chi.URLParam(r, "secretID"), chi.URLParam(r, "key"), req.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRemoveMetadata(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	err := s.secrets.RemoveMetadata(r.Context(), p.TeamID,
		chi.URLParam(r, "secretID"), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}
