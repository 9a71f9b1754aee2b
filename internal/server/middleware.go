package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/identity"
	"github.com/codeops/vault/internal/reqctx"
)

type principalKey struct{}

// principal returns the authenticated caller. Handlers behind the
// authenticate middleware can rely on it being present.
func principal(ctx context.Context) *identity.Principal {
	p, _ := ctx.Value(principalKey{}).(*identity.Principal)
	return p
}

// requestContext seeds the context with the client address and the
// caller-supplied correlation id.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		ctx = reqctx.WithClientIP(ctx, ip)

		if id := r.Header.Get("X-Correlation-ID"); id != "" {
			ctx = reqctx.WithCorrelationID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"duration", time.Since(start))
	})
}

// authenticate requires a valid bearer token and stores the principal
// in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.validator == nil {
			s.writeJSON(w, http.StatusForbidden, errorResponse{
				Error: "authentication is not configured", Kind: "forbidden",
			})
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeJSON(w, http.StatusForbidden, errorResponse{
				Error: "missing bearer token", Kind: "forbidden",
			})
			return
		}

		p, err := s.validator.Validate(token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, p)
		ctx = reqctx.WithActor(ctx, p.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminRole bypasses policy evaluation on secret data routes.
const adminRole = "admin"

// requireAccess runs the policy evaluator for the caller against one
// secret path. Admins skip evaluation.
func (s *Server) requireAccess(r *http.Request, p *identity.Principal, path, permission string) error {
	if p.HasRole(adminRole) {
		return nil
	}
	decision, err := s.policies.EvaluateAccess(r.Context(), p.UserID, p.TeamID, path, permission)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return vaulterrors.Forbidden(decision.Reason)
	}
	return nil
}

// authorizeSecret resolves the secret's path, then evaluates the
// caller's access to it.
func (s *Server) authorizeSecret(r *http.Request, p *identity.Principal, secretID, permission string) error {
	sec, err := s.secrets.Get(r.Context(), p.TeamID, secretID)
	if err != nil {
		return err
	}
	return s.requireAccess(r, p, sec.Path, permission)
}
