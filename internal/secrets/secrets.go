// Package secrets implements the versioned secret store: create,
// read, update with version allocation, retention by count and age,
// soft and hard delete, and destroy-in-place of old versions.
package secrets

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/codeops/vault/internal/audit"
	"github.com/codeops/vault/internal/crypto"
	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/seal"
	"github.com/codeops/vault/internal/store"
)

const maxPathLength = 500

// Service manages secrets, their versions, and their metadata.
type Service struct {
	store  *store.Store
	engine *crypto.Engine
	seal   *seal.Service
	audit  *audit.Sink
	logger hclog.Logger
}

// New builds the secret service.
func New(st *store.Store, engine *crypto.Engine, sl *seal.Service, sink *audit.Sink, logger hclog.Logger) *Service {
	return &Service{
		store:  st,
		engine: engine,
		seal:   sl,
		audit:  sink,
		logger: logger.Named("secrets"),
	}
}

// CreateInput describes a new secret. Value may be empty for DYNAMIC
// and REFERENCE secrets.
type CreateInput struct {
	Path          string
	Name          string
	Description   string
	SecretType    string
	Value         string
	Metadata      map[string]string
	MaxVersions   *int
	RetentionDays *int
	ExpiresAt     *time.Time
	ExternalRef   *string
}

// Create allocates a secret at (team, path) with version 1 when a
// value is supplied. Metadata pairs are written in the same
// transaction.
func (s *Service) Create(ctx context.Context, teamID, actor string, in CreateInput) (*store.Secret, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return nil, err
	}
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sec := &store.Secret{
		ID:             uuid.NewString(),
		TeamID:         teamID,
		Path:           in.Path,
		Name:           in.Name,
		Description:    in.Description,
		SecretType:     strings.ToUpper(in.SecretType),
		CurrentVersion: 1,
		MaxVersions:    in.MaxVersions,
		RetentionDays:  in.RetentionDays,
		ExpiresAt:      in.ExpiresAt,
		ExternalRef:    in.ExternalRef,
		Active:         true,
		RowVersion:     1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if actor != "" {
		sec.OwnerID = &actor
	}

	entry := audit.Entry{
		TeamID: teamID, UserID: actor, Operation: audit.OpWrite,
		Path: in.Path, ResourceType: "SECRET", ResourceID: sec.ID,
		Details: map[string]interface{}{"action": "create", "type": sec.SecretType},
	}

	err := s.store.WithTx(ctx, func(q store.Querier) error {
		if err := store.InsertSecret(ctx, q, sec); err != nil {
			if store.IsUniqueViolation(err) {
				return vaulterrors.InvalidInputf("secret already exists at %s", in.Path)
			}
			return vaulterrors.Internal("creating secret", err)
		}
		if in.Value != "" {
			if err := s.insertVersion(ctx, q, sec, 1, in.Value, actor, nil); err != nil {
				return err
			}
		}
		for k, v := range in.Metadata {
			if err := store.UpsertSecretMetadata(ctx, q, sec.ID, k, v, now); err != nil {
				return vaulterrors.Internal("writing metadata", err)
			}
		}
		return nil
	})
	if err != nil {
		s.audit.Failure(ctx, entry, err)
		return nil, err
	}
	s.audit.Success(ctx, entry)
	return sec, nil
}

// Value is a decrypted secret value.
type Value struct {
	SecretID string `json:"secretId"`
	Path     string `json:"path"`
	Version  int    `json:"version"`
	Value    string `json:"value"`
}

// ReadValue decrypts one version of a secret (the current one when
// version is nil) and records the access.
func (s *Service) ReadValue(ctx context.Context, teamID, secretID string, version *int) (*Value, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return nil, err
	}

	sec, err := s.Get(ctx, teamID, secretID)
	if err != nil {
		return nil, err
	}
	n := sec.CurrentVersion
	if version != nil {
		n = *version
	}

	entry := audit.Entry{
		TeamID: teamID, UserID: "", Operation: audit.OpRead,
		Path: sec.Path, ResourceType: "SECRET", ResourceID: sec.ID,
		Details: map[string]interface{}{"version": n},
	}

	ver, err := store.GetSecretVersion(ctx, s.store.DB(), sec.ID, n)
	if err != nil {
		s.audit.Failure(ctx, entry, err)
		return nil, err
	}
	if ver.Destroyed {
		err := vaulterrors.InvalidInputf("version %d has been destroyed", n)
		s.audit.Failure(ctx, entry, err)
		return nil, err
	}

	plaintext, err := s.engine.Decrypt(ver.Ciphertext)
	if err != nil {
		s.audit.Failure(ctx, entry, err)
		return nil, err
	}

	if err := store.TouchSecretAccess(ctx, s.store.DB(), sec.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("recording secret access failed", "secret", sec.ID, "error", err)
	}
	s.audit.Success(ctx, entry)

	return &Value{SecretID: sec.ID, Path: sec.Path, Version: n, Value: string(plaintext)}, nil
}

// UpdateInput patches a secret. Nil fields mean no change; a non-nil
// Value allocates the next version and triggers retention.
type UpdateInput struct {
	Name          *string
	Description   *string
	Value         *string
	ChangeNote    *string
	MaxVersions   *int
	RetentionDays *int
	ExpiresAt     *time.Time
	Active        *bool
}

// Update patches a secret in place, allocating a new version when a
// value is supplied.
func (s *Service) Update(ctx context.Context, teamID, secretID, actor string, in UpdateInput) (*store.Secret, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return nil, err
	}

	var updated *store.Secret
	err := store.RetryConflict(ctx, func() error {
		sec, err := s.Get(ctx, teamID, secretID)
		if err != nil {
			return err
		}
		return s.store.WithTx(ctx, func(q store.Querier) error {
			if in.Name != nil {
				sec.Name = *in.Name
			}
			if in.Description != nil {
				sec.Description = *in.Description
			}
			if in.MaxVersions != nil {
				sec.MaxVersions = in.MaxVersions
			}
			if in.RetentionDays != nil {
				sec.RetentionDays = in.RetentionDays
			}
			if in.ExpiresAt != nil {
				sec.ExpiresAt = in.ExpiresAt
			}
			if in.Active != nil {
				sec.Active = *in.Active
			}

			if in.Value != nil {
				next := sec.CurrentVersion + 1
				if err := s.insertVersion(ctx, q, sec, next, *in.Value, actor, in.ChangeNote); err != nil {
					return err
				}
				sec.CurrentVersion = next
			}

			sec.UpdatedAt = time.Now().UTC()
			if err := store.UpdateSecret(ctx, q, sec); err != nil {
				return err
			}

			if in.Value != nil {
				if err := s.applyRetention(ctx, q, sec); err != nil {
					return err
				}
			}
			updated = sec
			return nil
		})
	})

	entry := audit.Entry{
		TeamID: teamID, UserID: actor, Operation: audit.OpWrite,
		ResourceType: "SECRET", ResourceID: secretID,
		Details: map[string]interface{}{"action": "update", "newVersion": in.Value != nil},
	}
	if err != nil {
		s.audit.Failure(ctx, entry, err)
		return nil, err
	}
	entry.Path = updated.Path
	s.audit.Success(ctx, entry)
	return updated, nil
}

// RecordRotation writes a rotated value exactly like Update and stamps
// the last-rotated time.
func (s *Service) RecordRotation(ctx context.Context, teamID, secretID, actor, value string) (*store.Secret, error) {
	note := "rotated"
	sec, err := s.Update(ctx, teamID, secretID, actor, UpdateInput{Value: &value, ChangeNote: &note})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sec.LastRotatedAt = &now
	sec.UpdatedAt = now
	if err := store.UpdateSecret(ctx, s.store.DB(), sec); err != nil {
		return nil, vaulterrors.Internal("stamping rotation time", err)
	}
	return sec, nil
}

// SoftDelete clears the active flag.
func (s *Service) SoftDelete(ctx context.Context, teamID, secretID, actor string) error {
	inactive := false
	_, err := s.Update(ctx, teamID, secretID, actor, UpdateInput{Active: &inactive})
	return err
}

// HardDelete removes the secret with its versions, metadata, and any
// rotation policy. Rotation history and leases keep their plain-id
// references.
func (s *Service) HardDelete(ctx context.Context, teamID, secretID, actor string) error {
	if err := s.seal.RequireUnsealed(); err != nil {
		return err
	}

	sec, err := s.Get(ctx, teamID, secretID)
	if err != nil {
		return err
	}
	entry := audit.Entry{
		TeamID: teamID, UserID: actor, Operation: audit.OpDelete,
		Path: sec.Path, ResourceType: "SECRET", ResourceID: secretID,
		Details: map[string]interface{}{"action": "hard-delete"},
	}
	if err := store.DeleteSecret(ctx, s.store.DB(), secretID); err != nil {
		s.audit.Failure(ctx, entry, err)
		return err
	}
	s.audit.Success(ctx, entry)
	return nil
}

// DestroyVersion irreversibly destroys one non-current version.
func (s *Service) DestroyVersion(ctx context.Context, teamID, secretID string, versionNumber int, actor string) error {
	if err := s.seal.RequireUnsealed(); err != nil {
		return err
	}

	sec, err := s.Get(ctx, teamID, secretID)
	if err != nil {
		return err
	}
	entry := audit.Entry{
		TeamID: teamID, UserID: actor, Operation: audit.OpDelete,
		Path: sec.Path, ResourceType: "SECRET_VERSION", ResourceID: secretID,
		Details: map[string]interface{}{"version": versionNumber},
	}

	err = func() error {
		if versionNumber == sec.CurrentVersion {
			return vaulterrors.InvalidInput("current version cannot be destroyed")
		}
		ver, err := store.GetSecretVersion(ctx, s.store.DB(), secretID, versionNumber)
		if err != nil {
			return err
		}
		if ver.Destroyed {
			return vaulterrors.InvalidInputf("version %d is already destroyed", versionNumber)
		}
		return store.DestroySecretVersion(ctx, s.store.DB(), ver.ID)
	}()
	if err != nil {
		s.audit.Failure(ctx, entry, err)
		return err
	}
	s.audit.Success(ctx, entry)
	return nil
}

// ApplyRetention destroys versions past the secret's count and age
// limits. The current version is never destroyed.
func (s *Service) ApplyRetention(ctx context.Context, teamID, secretID string) error {
	if err := s.seal.RequireUnsealed(); err != nil {
		return err
	}
	sec, err := s.Get(ctx, teamID, secretID)
	if err != nil {
		return err
	}
	return s.applyRetention(ctx, s.store.DB(), sec)
}

func (s *Service) applyRetention(ctx context.Context, q store.Querier, sec *store.Secret) error {
	versions, err := store.ListSecretVersions(ctx, q, sec.ID)
	if err != nil {
		return vaulterrors.Internal("listing versions", err)
	}
	eligible := destroyEligible(versions, sec.CurrentVersion, sec.MaxVersions, sec.RetentionDays, time.Now().UTC())
	for _, v := range eligible {
		if err := store.DestroySecretVersion(ctx, q, v.ID); err != nil {
			return err
		}
		s.logger.Info("version destroyed by retention",
			"secret", sec.ID, "version", v.VersionNumber)
	}
	return nil
}

// destroyEligible selects the versions retention may destroy: the
// oldest live versions beyond maxVersions, plus live versions older
// than retentionDays. The current version is always excluded.
func destroyEligible(versions []*store.SecretVersion, currentVersion int, maxVersions, retentionDays *int, now time.Time) []*store.SecretVersion {
	var live []*store.SecretVersion
	for _, v := range versions {
		if !v.Destroyed {
			live = append(live, v)
		}
	}

	picked := make(map[string]bool)
	var out []*store.SecretVersion

	if maxVersions != nil {
		excess := len(live) - *maxVersions
		for _, v := range live { // oldest first
			if excess <= 0 {
				break
			}
			if v.VersionNumber == currentVersion {
				continue
			}
			picked[v.ID] = true
			out = append(out, v)
			excess--
		}
	}
	if retentionDays != nil {
		cutoff := now.AddDate(0, 0, -*retentionDays)
		for _, v := range live {
			if v.VersionNumber == currentVersion || picked[v.ID] {
				continue
			}
			if v.CreatedAt.Before(cutoff) {
				picked[v.ID] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// Get fetches one secret scoped to the team.
func (s *Service) Get(ctx context.Context, teamID, secretID string) (*store.Secret, error) {
	sec, err := store.GetSecretByID(ctx, s.store.DB(), secretID)
	if err != nil {
		return nil, err
	}
	if sec.TeamID != teamID {
		return nil, vaulterrors.NotFound("secret not found")
	}
	return sec, nil
}

// GetByPath fetches the secret at (team, path).
func (s *Service) GetByPath(ctx context.Context, teamID, path string) (*store.Secret, error) {
	return store.GetSecretByPath(ctx, s.store.DB(), teamID, path)
}

// Versions lists all versions of a secret without ciphertext
// decryption.
func (s *Service) Versions(ctx context.Context, teamID, secretID string) ([]*store.SecretVersion, error) {
	if _, err := s.Get(ctx, teamID, secretID); err != nil {
		return nil, err
	}
	return store.ListSecretVersions(ctx, s.store.DB(), secretID)
}

// List pages the team's secrets with at most one filter applied.
func (s *Service) List(ctx context.Context, teamID string, filter store.SecretListFilter, limit, offset int) ([]*store.Secret, error) {
	return store.ListSecrets(ctx, s.store.DB(), teamID, filter, pageLimit(limit), offset)
}

// Search matches the query case-insensitively against secret names.
func (s *Service) Search(ctx context.Context, teamID, query string, limit, offset int) ([]*store.Secret, error) {
	if query == "" {
		return nil, vaulterrors.InvalidInput("search query must not be empty")
	}
	return store.SearchSecrets(ctx, s.store.DB(), teamID, query, pageLimit(limit), offset)
}

// Paths returns the team's distinct secret paths under prefix.
func (s *Service) Paths(ctx context.Context, teamID, prefix string) ([]string, error) {
	return store.ListSecretPaths(ctx, s.store.DB(), teamID, prefix)
}

// Expiring returns active secrets expiring within the given number of
// hours.
func (s *Service) Expiring(ctx context.Context, teamID string, hours int) ([]*store.Secret, error) {
	if hours < 1 {
		return nil, vaulterrors.InvalidInput("hours must be positive")
	}
	cutoff := time.Now().UTC().Add(time.Duration(hours) * time.Hour)
	return store.ListExpiringSecrets(ctx, s.store.DB(), teamID, cutoff)
}

// SetMetadata upserts one metadata pair.
func (s *Service) SetMetadata(ctx context.Context, teamID, secretID, key, value string) error {
	if key == "" {
		return vaulterrors.InvalidInput("metadata key must not be empty")
	}
	if _, err := s.Get(ctx, teamID, secretID); err != nil {
		return err
	}
	return store.UpsertSecretMetadata(ctx, s.store.DB(), secretID, key, value, time.Now().UTC())
}

// RemoveMetadata deletes one metadata key.
func (s *Service) RemoveMetadata(ctx context.Context, teamID, secretID, key string) error {
	if _, err := s.Get(ctx, teamID, secretID); err != nil {
		return err
	}
	return store.DeleteSecretMetadata(ctx, s.store.DB(), secretID, key)
}

// Metadata returns all of a secret's metadata as a map.
func (s *Service) Metadata(ctx context.Context, teamID, secretID string) (map[string]string, error) {
	if _, err := s.Get(ctx, teamID, secretID); err != nil {
		return nil, err
	}
	pairs, err := store.ListSecretMetadata(ctx, s.store.DB(), secretID)
	if err != nil {
		return nil, vaulterrors.Internal("listing metadata", err)
	}
	out := make(map[string]string, len(pairs))
	for _, m := range pairs {
		out[m.Key] = m.Value
	}
	return out, nil
}

// ReplaceMetadata swaps the secret's whole metadata set in one
// transaction.
func (s *Service) ReplaceMetadata(ctx context.Context, teamID, secretID string, metadata map[string]string) error {
	if _, err := s.Get(ctx, teamID, secretID); err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.store.WithTx(ctx, func(q store.Querier) error {
		if err := store.DeleteAllSecretMetadata(ctx, q, secretID); err != nil {
			return vaulterrors.Internal("clearing metadata", err)
		}
		for k, v := range metadata {
			if err := store.UpsertSecretMetadata(ctx, q, secretID, k, v, now); err != nil {
				return vaulterrors.Internal("writing metadata", err)
			}
		}
		return nil
	})
}

func (s *Service) insertVersion(ctx context.Context, q store.Querier, sec *store.Secret, n int, value, actor string, note *string) error {
	ciphertext, err := s.engine.Encrypt([]byte(value))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ver := &store.SecretVersion{
		ID:            uuid.NewString(),
		SecretID:      sec.ID,
		VersionNumber: n,
		Ciphertext:    ciphertext,
		KeyID:         crypto.StorageKeyID,
		ChangeNote:    note,
		Destroyed:     false,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if actor != "" {
		ver.CreatedBy = &actor
	}
	if err := store.InsertSecretVersion(ctx, q, ver); err != nil {
		if store.IsUniqueViolation(err) {
			return store.ErrConflict
		}
		return vaulterrors.Internal("writing secret version", err)
	}
	return nil
}

func validateCreate(in CreateInput) error {
	if !strings.HasPrefix(in.Path, "/") {
		return vaulterrors.InvalidInput("path must start with /")
	}
	if len(in.Path) > maxPathLength {
		return vaulterrors.InvalidInputf("path must not exceed %d characters", maxPathLength)
	}
	if in.Name == "" {
		return vaulterrors.InvalidInput("name must not be empty")
	}
	switch strings.ToUpper(in.SecretType) {
	case store.SecretTypeStatic, store.SecretTypeDynamic, store.SecretTypeReference:
	default:
		return vaulterrors.InvalidInputf("unknown secret type %q", in.SecretType)
	}
	if in.MaxVersions != nil && *in.MaxVersions < 1 {
		return vaulterrors.InvalidInput("maxVersions must be positive")
	}
	if in.RetentionDays != nil && *in.RetentionDays < 1 {
		return vaulterrors.InvalidInput("retentionDays must be positive")
	}
	return nil
}

func pageLimit(limit int) int {
	if limit < 1 || limit > 500 {
		return 50
	}
	return limit
}
