// Package server is the HTTP surface. Handlers stay thin: decode,
// delegate to a service, encode. All authorization and seal gating
// happens in middleware and in the services themselves.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeops/vault/internal/audit"
	"github.com/codeops/vault/internal/identity"
	"github.com/codeops/vault/internal/lease"
	"github.com/codeops/vault/internal/policy"
	"github.com/codeops/vault/internal/rotation"
	"github.com/codeops/vault/internal/seal"
	"github.com/codeops/vault/internal/secrets"
	"github.com/codeops/vault/internal/store"
	"github.com/codeops/vault/internal/transit"
)

const requestTimeout = 60 * time.Second

// Server wires the services behind the HTTP API.
type Server struct {
	store     *store.Store
	seal      *seal.Service
	secrets   *secrets.Service
	policies  *policy.Service
	rotation  *rotation.Engine
	leases    *lease.Service
	transit   *transit.Service
	audit     *audit.Sink
	validator *identity.Validator
	logger    hclog.Logger
}

// New builds the server. The validator may be nil, in which case every
// protected route responds 403.
func New(
	st *store.Store,
	sl *seal.Service,
	sec *secrets.Service,
	pol *policy.Service,
	rot *rotation.Engine,
	leases *lease.Service,
	tr *transit.Service,
	sink *audit.Sink,
	validator *identity.Validator,
	logger hclog.Logger,
) *Server {
	return &Server{
		store:     st,
		seal:      sl,
		secrets:   sec,
		policies:  pol,
		rotation:  rot,
		leases:    leases,
		transit:   tr,
		audit:     sink,
		validator: validator,
		logger:    logger.Named("http"),
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))
	r.Use(s.requestContext)
	r.Use(s.requestLogger)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1/sys", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/seal-status", s.handleSealStatus)
		r.Post("/unseal", s.handleUnseal)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/seal", s.handleSeal)
			r.Post("/generate-shares", s.handleGenerateShares)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/secrets", func(r chi.Router) {
			r.Post("/", s.handleCreateSecret)
			r.Get("/", s.handleListSecrets)
			r.Get("/search", s.handleSearchSecrets)
			r.Get("/paths", s.handleListPaths)
			r.Get("/expiring", s.handleExpiringSecrets)
			r.Get("/by-path", s.handleGetSecretByPath)

			r.Route("/{secretID}", func(r chi.Router) {
				r.Get("/", s.handleGetSecret)
				r.Patch("/", s.handleUpdateSecret)
				r.Delete("/", s.handleDeleteSecret)

				r.Get("/value", s.handleReadSecretValue)
				r.Get("/versions", s.handleListVersions)
				r.Delete("/versions/{version}", s.handleDestroyVersion)

				r.Get("/metadata", s.handleGetMetadata)
				r.Put("/metadata", s.handleReplaceMetadata)
				r.Put("/metadata/{key}", s.handleSetMetadata)
				r.Delete("/metadata/{key}", s.handleRemoveMetadata)

				r.Put("/rotation", s.handleUpsertRotationPolicy)
				r.Get("/rotation", s.handleGetRotationPolicy)
				r.Delete("/rotation", s.handleDeleteRotationPolicy)
				r.Post("/rotate", s.handleRotateNow)
				r.Get("/rotation/history", s.handleRotationHistory)
				r.Get("/rotation/stats", s.handleRotationStats)

				r.Post("/leases", s.handleCreateLease)
				r.Get("/leases", s.handleListLeases)
				r.Post("/leases/revoke-all", s.handleRevokeAllLeases)
			})
		})

		r.Route("/policies", func(r chi.Router) {
			r.Post("/", s.handleCreatePolicy)
			r.Get("/", s.handleListPolicies)
			r.Post("/evaluate", s.handleEvaluateAccess)

			r.Route("/{policyID}", func(r chi.Router) {
				r.Get("/", s.handleGetPolicy)
				r.Patch("/", s.handleUpdatePolicy)
				r.Delete("/", s.handleDeletePolicy)
				r.Get("/bindings", s.handleListBindings)
				r.Post("/bindings", s.handleBindPolicy)
				r.Delete("/bindings", s.handleUnbindPolicy)
			})
		})

		r.Route("/leases", func(r chi.Router) {
			r.Get("/{leaseID}", s.handleGetLease)
			r.Delete("/{leaseID}", s.handleRevokeLease)
		})

		r.Route("/transit/keys", func(r chi.Router) {
			r.Post("/", s.handleCreateTransitKey)
			r.Get("/", s.handleListTransitKeys)

			r.Route("/{name}", func(r chi.Router) {
				r.Patch("/", s.handleUpdateTransitKey)
				r.Delete("/", s.handleDeleteTransitKey)
				r.Post("/rotate", s.handleRotateTransitKey)
				r.Post("/encrypt", s.handleTransitEncrypt)
				r.Post("/decrypt", s.handleTransitDecrypt)
				r.Post("/rewrap", s.handleTransitRewrap)
				r.Post("/datakey", s.handleTransitDataKey)
			})
		})

		r.Get("/audit", s.handleQueryAudit)
	})

	return r
}
