package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/policy"
)

type createPolicyRequest struct {
	Name        string   `json:"name"`
	PathPattern string   `json:"pathPattern"`
	Permissions []string `json:"permissions"`
	Deny        bool     `json:"deny"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	var req createPolicyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.policies.Create(r.Context(), p.TeamID, p.UserID, policy.CreateInput{
		Name:        req.Name,
		PathPattern: req.PathPattern,
		Permissions: req.Permissions,
		Deny:        req.Deny,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toPolicyResponse(created))
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	list, err := s.policies.List(r.Context(), p.TeamID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]policyResponse, 0, len(list))
	for _, pol := range list {
		out = append(out, toPolicyResponse(pol))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	pol, err := s.policies.Get(r.Context(), p.TeamID, chi.URLParam(r, "policyID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toPolicyResponse(pol))
}

type updatePolicyRequest struct {
	Name        *string  `json:"name"`
	PathPattern *string  `json:"pathPattern"`
	Permissions []string `json:"permissions"`
	Deny        *bool    `json:"deny"`
	Active      *bool    `json:"active"`
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	var req updatePolicyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	pol, err := s.policies.Update(r.Context(), p.TeamID, chi.URLParam(r, "policyID"), p.UserID, policy.UpdateInput{
		Name:        req.Name,
		PathPattern: req.PathPattern,
		Permissions: req.Permissions,
		Deny:        req.Deny,
		Active:      req.Active,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toPolicyResponse(pol))
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	if err := s.policies.Delete(r.Context(), p.TeamID, chi.URLParam(r, "policyID"), p.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

type bindingRequest struct {
	BindingType string `json:"bindingType"`
	TargetID    string `json:"targetId"`
}

func (s *Server) handleBindPolicy(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	var req bindingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.policies.Bind(r.Context(), p.TeamID, chi.URLParam(r, "policyID"),
		req.BindingType, req.TargetID, p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toBindingResponse(b))
}

func (s *Server) handleUnbindPolicy(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	var req bindingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	err := s.policies.Unbind(r.Context(), p.TeamID, chi.URLParam(r, "policyID"),
		req.BindingType, req.TargetID, p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	bindings, err := s.policies.Bindings(r.Context(), p.TeamID, chi.URLParam(r, "policyID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]bindingResponse, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, toBindingResponse(b))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type evaluateRequest struct {
	UserID     string `json:"userId"`
	ServiceID  string `json:"serviceId"`
	Path       string `json:"path"`
	Permission string `json:"permission"`
}

// handleEvaluateAccess answers a dry-run access question. UserID
// defaults to the caller; a non-empty ServiceID evaluates a
// service-bound principal instead.
func (s *Server) handleEvaluateAccess(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	var req evaluateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Path == "" {
		s.writeError(w, r, vaulterrors.InvalidInput("path is required"))
		return
	}

	var decision *policy.Decision
	var err error
	if req.ServiceID != "" {
		decision, err = s.policies.EvaluateServiceAccess(r.Context(), req.ServiceID, p.TeamID, req.Path, req.Permission)
	} else {
		userID := req.UserID
		if userID == "" {
			userID = p.UserID
		}
		decision, err = s.policies.EvaluateAccess(r.Context(), userID, p.TeamID, req.Path, req.Permission)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}
