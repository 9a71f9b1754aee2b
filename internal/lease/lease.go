// Package lease issues short-lived dynamic database credentials. Each
// lease tracks a TTL; a sweeper expires overdue leases and drops the
// backing database user. Backend failures are absorbed so the lease's
// own state transition always completes.
package lease

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/codeops/vault/internal/audit"
	"github.com/codeops/vault/internal/config"
	"github.com/codeops/vault/internal/crypto"
	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/metrics"
	"github.com/codeops/vault/internal/seal"
	"github.com/codeops/vault/internal/secrets"
	"github.com/codeops/vault/internal/store"
)

const (
	minTTLSeconds = 60
	maxTTLSeconds = 86400

	maxUsernameLength = 63

	// backendConfigKey is the secret-metadata key holding the backend
	// connection JSON.
	backendConfigKey = "backendConfig"

	backendTimeout = 15 * time.Second
)

// Credentials is the decrypted credential set. It is surfaced only in
// the create response.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Backend  string `json:"backend"`
}

// CreateResult is the create-lease response.
type CreateResult struct {
	Lease       *store.Lease
	Credentials Credentials
}

// Service manages the dynamic-lease lifecycle.
type Service struct {
	store   *store.Store
	engine  *crypto.Engine
	secrets *secrets.Service
	seal    *seal.Service
	audit   *audit.Sink
	logger  hclog.Logger
	cfg     config.DynamicSecretsConfig

	// openBackend is swapped by tests.
	openBackend func(driver, dsn string) (*sql.DB, error)
}

// New builds the lease service.
func New(st *store.Store, engine *crypto.Engine, sec *secrets.Service, sl *seal.Service, sink *audit.Sink, cfg config.DynamicSecretsConfig, logger hclog.Logger) *Service {
	return &Service{
		store:       st,
		engine:      engine,
		secrets:     sec,
		seal:        sl,
		audit:       sink,
		logger:      logger.Named("lease"),
		cfg:         cfg,
		openBackend: sql.Open,
	}
}

// Create issues a lease for a DYNAMIC secret. This is the only place
// full credentials cross the boundary.
func (s *Service) Create(ctx context.Context, teamID, secretID, actor string, ttlSeconds int) (*CreateResult, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return nil, err
	}

	if ttlSeconds == 0 {
		ttlSeconds = s.cfg.DefaultTTL
	}
	if ttlSeconds < minTTLSeconds || ttlSeconds > maxTTLSeconds {
		return nil, vaulterrors.InvalidInputf("ttl must be in [%d, %d] seconds", minTTLSeconds, maxTTLSeconds)
	}
	if ttlSeconds > s.cfg.MaxTTL {
		return nil, vaulterrors.InvalidInputf("ttl exceeds the configured maximum of %d seconds", s.cfg.MaxTTL)
	}

	sec, err := s.secrets.Get(ctx, teamID, secretID)
	if err != nil {
		return nil, err
	}
	if sec.SecretType != store.SecretTypeDynamic {
		return nil, vaulterrors.InvalidInput("leases can only be issued from DYNAMIC secrets")
	}

	cfg, err := s.backendConfigFor(ctx, teamID, sec)
	if err != nil {
		return nil, err
	}

	username := buildUsername(s.cfg.UsernamePrefix, sec.Name)
	password, err := s.engine.GenerateRandomString(s.cfg.PasswordLength, "alphanumeric")
	if err != nil {
		return nil, err
	}

	creds := Credentials{
		Username: username,
		Password: password,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Database: cfg.Database,
		Backend:  cfg.BackendType,
	}
	blob, err := json.Marshal(creds)
	if err != nil {
		return nil, vaulterrors.Internal("encoding credentials", err)
	}
	ciphertext, err := s.engine.Encrypt(blob)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	l := &store.Lease{
		ID:                    uuid.NewString(),
		LeaseID:               uuid.NewString(),
		SecretID:              sec.ID,
		SecretPath:            sec.Path,
		BackendType:           cfg.BackendType,
		CredentialsCiphertext: ciphertext,
		Status:                store.LeaseStatusActive,
		TTLSeconds:            ttlSeconds,
		ExpiresAt:             now.Add(time.Duration(ttlSeconds) * time.Second),
		RequestedBy:           actor,
		RowVersion:            1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	entry := audit.Entry{
		TeamID: teamID, UserID: actor, Operation: audit.OpLeaseCreate,
		Path: sec.Path, ResourceType: "LEASE", ResourceID: l.LeaseID,
		Details: map[string]interface{}{"backend": cfg.BackendType, "ttlSeconds": ttlSeconds},
	}

	s.provisionUser(ctx, *cfg, username, password)

	if err := store.InsertLease(ctx, s.store.DB(), l); err != nil {
		err = vaulterrors.Internal("persisting lease", err)
		s.audit.Failure(ctx, entry, err)
		return nil, err
	}

	metrics.RecordLeaseCreated(cfg.BackendType)
	s.audit.Success(ctx, entry)
	s.logger.Info("lease created",
		"lease", l.LeaseID, "secret", sec.Path, "backend", cfg.BackendType,
		"username", username)
	return &CreateResult{Lease: l, Credentials: creds}, nil
}

// Get returns lease metadata. Credentials are never re-surfaced.
func (s *Service) Get(ctx context.Context, leaseID string) (*store.Lease, error) {
	l, err := store.GetLeaseByLeaseID(ctx, s.store.DB(), leaseID)
	if err != nil {
		return nil, err
	}
	l.CredentialsCiphertext = ""
	return l, nil
}

// ListForSecret returns all leases issued from a secret, without
// credentials.
func (s *Service) ListForSecret(ctx context.Context, teamID, secretID string) ([]*store.Lease, error) {
	if _, err := s.secrets.Get(ctx, teamID, secretID); err != nil {
		return nil, err
	}
	leases, err := store.ListLeasesBySecret(ctx, s.store.DB(), secretID)
	if err != nil {
		return nil, vaulterrors.Internal("listing leases", err)
	}
	for _, l := range leases {
		l.CredentialsCiphertext = ""
	}
	return leases, nil
}

// Revoke closes an ACTIVE lease and drops its database user.
func (s *Service) Revoke(ctx context.Context, leaseID, actor string) error {
	if err := s.seal.RequireUnsealed(); err != nil {
		return err
	}

	l, err := store.GetLeaseByLeaseID(ctx, s.store.DB(), leaseID)
	if err != nil {
		return err
	}
	entry := audit.Entry{
		UserID: actor, Operation: audit.OpLeaseRevoke,
		Path: l.SecretPath, ResourceType: "LEASE", ResourceID: l.LeaseID,
	}
	if l.Status != store.LeaseStatusActive {
		err := vaulterrors.InvalidInputf("lease is %s, only ACTIVE leases can be revoked", l.Status)
		s.audit.Failure(ctx, entry, err)
		return err
	}

	if err := s.closeLease(ctx, l, store.LeaseStatusRevoked, actor); err != nil {
		s.audit.Failure(ctx, entry, err)
		return err
	}
	s.audit.Success(ctx, entry)
	return nil
}

// RevokeAllForSecret revokes every ACTIVE lease of one secret.
// Returns the number revoked.
func (s *Service) RevokeAllForSecret(ctx context.Context, teamID, secretID, actor string) (int, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return 0, err
	}
	if _, err := s.secrets.Get(ctx, teamID, secretID); err != nil {
		return 0, err
	}

	active, err := store.ListActiveLeasesBySecret(ctx, s.store.DB(), secretID)
	if err != nil {
		return 0, vaulterrors.Internal("listing active leases", err)
	}

	revoked := 0
	for _, l := range active {
		if err := s.closeLease(ctx, l, store.LeaseStatusRevoked, actor); err != nil {
			s.logger.Error("lease revocation failed", "lease", l.LeaseID, "error", err)
			continue
		}
		revoked++
	}
	return revoked, nil
}

// ProcessExpiredLeases expires ACTIVE leases past their TTL. The sweep
// is idempotent; a lost race on one lease just means another worker
// closed it first.
func (s *Service) ProcessExpiredLeases(ctx context.Context) (int, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return 0, err
	}

	expired, err := store.ListExpiredActiveLeases(ctx, s.store.DB(), time.Now().UTC())
	if err != nil {
		return 0, vaulterrors.Internal("listing expired leases", err)
	}

	closed := 0
	for _, l := range expired {
		if err := s.closeLease(ctx, l, store.LeaseStatusExpired, ""); err != nil {
			s.logger.Warn("lease expiry skipped", "lease", l.LeaseID, "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}

func (s *Service) closeLease(ctx context.Context, l *store.Lease, status, actor string) error {
	s.dropUser(ctx, l)

	var revokedAt *time.Time
	var revokedBy *string
	if status == store.LeaseStatusRevoked {
		now := time.Now().UTC()
		revokedAt = &now
		if actor != "" {
			revokedBy = &actor
		}
	}
	if err := store.CloseLease(ctx, s.store.DB(), l, status, revokedAt, revokedBy); err != nil {
		return err
	}
	metrics.RecordLeaseClosed(l.BackendType, strings.ToLower(status))
	s.logger.Info("lease closed", "lease", l.LeaseID, "status", status)
	return nil
}

// provisionUser creates the database user. Failures are logged and
// absorbed.
func (s *Service) provisionUser(ctx context.Context, cfg backendConfig, username, password string) {
	if !s.cfg.ExecuteSQL {
		return
	}
	s.withBackend(ctx, cfg, func(ctx context.Context, b backend, db *sql.DB) error {
		return b.provision(ctx, db, cfg, username, password)
	}, "provisioning database user", username)
}

// dropUser removes the lease's database user. Failures are logged and
// absorbed so the lease transition still completes.
func (s *Service) dropUser(ctx context.Context, l *store.Lease) {
	if !s.cfg.ExecuteSQL {
		return
	}

	plaintext, err := s.engine.Decrypt(l.CredentialsCiphertext)
	if err != nil {
		s.logger.Error("lease credentials unreadable, skipping backend cleanup",
			"lease", l.LeaseID, "error", err)
		return
	}
	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		s.logger.Error("lease credentials unreadable, skipping backend cleanup",
			"lease", l.LeaseID, "error", err)
		return
	}

	cfg := backendConfig{
		BackendType: l.BackendType,
		Host:        creds.Host,
		Port:        creds.Port,
		Database:    creds.Database,
	}
	// Admin credentials come from the source secret's metadata; the
	// credential blob only carries the leased user's own.
	sec, err := store.GetSecretByID(ctx, s.store.DB(), l.SecretID)
	if err != nil {
		s.logger.Warn("source secret gone, skipping backend cleanup", "lease", l.LeaseID)
		return
	}
	full, err := s.backendConfigFor(ctx, sec.TeamID, sec)
	if err != nil {
		s.logger.Warn("backend configuration unreadable, skipping cleanup",
			"lease", l.LeaseID, "error", err)
		return
	}
	cfg.AdminUsername = full.AdminUsername
	cfg.AdminPassword = full.AdminPassword

	s.withBackend(ctx, cfg, func(ctx context.Context, b backend, db *sql.DB) error {
		return b.drop(ctx, db, creds.Username)
	}, "dropping database user", creds.Username)
}

func (s *Service) withBackend(ctx context.Context, cfg backendConfig, fn func(context.Context, backend, *sql.DB) error, action, username string) {
	b, ok := backends[cfg.BackendType]
	if !ok {
		s.logger.Error("unknown lease backend", "backend", cfg.BackendType)
		return
	}
	db, err := s.openBackend(b.driverName(), b.dsn(cfg))
	if err != nil {
		s.logger.Error(action+" failed", "backend", cfg.BackendType, "username", username, "error", err)
		return
	}
	defer db.Close()

	opCtx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()
	if err := fn(opCtx, b, db); err != nil {
		s.logger.Error(action+" failed", "backend", cfg.BackendType, "username", username, "error", err)
	}
}

func (s *Service) backendConfigFor(ctx context.Context, teamID string, sec *store.Secret) (*backendConfig, error) {
	meta, err := s.secrets.Metadata(ctx, teamID, sec.ID)
	if err != nil {
		return nil, err
	}
	raw, ok := meta[backendConfigKey]
	if !ok {
		return nil, vaulterrors.InvalidInputf("secret metadata is missing %q", backendConfigKey)
	}
	if err := validateBackendConfig(raw); err != nil {
		return nil, err
	}
	var cfg backendConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, vaulterrors.Wrap(vaulterrors.KindInvalidInput, "parsing backend configuration", err)
	}
	return &cfg, nil
}

// buildUsername derives the leased username: prefix, slugged secret
// name, and eight hex characters of a fresh UUID, truncated to the
// common identifier limit.
func buildUsername(prefix, secretName string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	username := prefix + slugify(secretName) + "_" + suffix
	if len(username) > maxUsernameLength {
		username = username[:maxUsernameLength]
	}
	return username
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
