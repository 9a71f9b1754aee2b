// Package transit offers encryption-as-a-service through named,
// versioned keys. Callers never see key bytes; ciphertexts identify
// their key version and stay decryptable until the key's minimum
// decryption version moves past them.
package transit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/codeops/vault/internal/audit"
	"github.com/codeops/vault/internal/crypto"
	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/metrics"
	"github.com/codeops/vault/internal/seal"
	"github.com/codeops/vault/internal/store"
)

const materialCacheSize = 128

var keyNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// keyMaterial is one decrypted key version.
type keyMaterial struct {
	Version int    `json:"version"`
	Key     string `json:"key"` // base64, 32 bytes
}

// EncryptResult is the transit encrypt response.
type EncryptResult struct {
	KeyName    string `json:"keyName"`
	KeyVersion int    `json:"keyVersion"`
	Ciphertext string `json:"ciphertext"`
}

// DataKeyResult carries a fresh data key in both plaintext and
// transit-encrypted form.
type DataKeyResult struct {
	Plaintext  string `json:"plaintext"` // base64
	Ciphertext string `json:"ciphertext"`
}

// Service manages transit keys.
type Service struct {
	store  *store.Store
	engine *crypto.Engine
	seal   *seal.Service
	audit  *audit.Sink
	logger hclog.Logger

	// cache holds decrypted material keyed by row identity and row
	// version, so any mutation naturally misses.
	cache *lru.Cache[string, []keyMaterial]
}

// New builds the transit service.
func New(st *store.Store, engine *crypto.Engine, sl *seal.Service, sink *audit.Sink, logger hclog.Logger) (*Service, error) {
	cache, err := lru.New[string, []keyMaterial](materialCacheSize)
	if err != nil {
		return nil, vaulterrors.Internal("initialising material cache", err)
	}
	return &Service{
		store:  st,
		engine: engine,
		seal:   sl,
		audit:  sink,
		logger: logger.Named("transit"),
		cache:  cache,
	}, nil
}

// CreateKey creates a named key with a fresh version-1 material entry.
func (s *Service) CreateKey(ctx context.Context, teamID, actor, name, description string, deletable, exportable bool) (*store.TransitKey, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return nil, err
	}
	if !keyNamePattern.MatchString(name) {
		return nil, vaulterrors.InvalidInput("key name must be 1-128 characters of letters, digits, dash, or underscore")
	}

	raw, err := s.engine.GenerateDataKey()
	if err != nil {
		return nil, err
	}
	ciphertext, err := s.encryptMaterial([]keyMaterial{{
		Version: 1,
		Key:     base64.StdEncoding.EncodeToString(raw),
	}})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	k := &store.TransitKey{
		ID:                   uuid.NewString(),
		TeamID:               teamID,
		Name:                 name,
		Description:          description,
		CurrentVersion:       1,
		MinDecryptionVersion: 1,
		MaterialCiphertext:   ciphertext,
		Algorithm:            "AES-256-GCM",
		Deletable:            deletable,
		Exportable:           exportable,
		Active:               true,
		RowVersion:           1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	entry := audit.Entry{
		TeamID: teamID, UserID: actor, Operation: audit.OpTransitCreate,
		ResourceType: "TRANSIT_KEY", ResourceID: k.ID,
		Details: map[string]interface{}{"name": name},
	}

	if err := store.InsertTransitKey(ctx, s.store.DB(), k); err != nil {
		if store.IsUniqueViolation(err) {
			err = vaulterrors.InvalidInputf("transit key %q already exists", name)
		} else {
			err = vaulterrors.Internal("creating transit key", err)
		}
		s.audit.Failure(ctx, entry, err)
		return nil, err
	}
	metrics.RecordTransitOp("create")
	s.audit.Success(ctx, entry)
	return k, nil
}

// RotateKey appends a fresh key version and makes it current. Old
// versions stay decryptable down to the minimum decryption version.
func (s *Service) RotateKey(ctx context.Context, teamID, name, actor string) (*store.TransitKey, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return nil, err
	}

	var rotated *store.TransitKey
	err := store.RetryConflict(ctx, func() error {
		k, material, err := s.loadKey(ctx, teamID, name)
		if err != nil {
			return err
		}
		raw, err := s.engine.GenerateDataKey()
		if err != nil {
			return err
		}
		material = append(material, keyMaterial{
			Version: k.CurrentVersion + 1,
			Key:     base64.StdEncoding.EncodeToString(raw),
		})
		ciphertext, err := s.encryptMaterial(material)
		if err != nil {
			return err
		}
		k.CurrentVersion++
		k.MaterialCiphertext = ciphertext
		k.UpdatedAt = time.Now().UTC()
		if err := store.UpdateTransitKey(ctx, s.store.DB(), k); err != nil {
			return err
		}
		rotated = k
		return nil
	})

	entry := audit.Entry{
		TeamID: teamID, UserID: actor, Operation: audit.OpTransitRotate,
		ResourceType: "TRANSIT_KEY", ResourceID: name,
	}
	if err != nil {
		s.audit.Failure(ctx, entry, err)
		return nil, err
	}
	metrics.RecordTransitOp("rotate")
	s.audit.Success(ctx, entry)
	return rotated, nil
}

// Encrypt seals plaintext under the key's current version.
func (s *Service) Encrypt(ctx context.Context, teamID, name string, plaintext []byte) (*EncryptResult, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return nil, err
	}

	k, material, err := s.loadKey(ctx, teamID, name)
	if err != nil {
		return nil, err
	}
	keyBytes, err := materialVersion(material, k.CurrentVersion)
	if err != nil {
		return nil, err
	}

	ciphertext, err := s.engine.EncryptWithKey(plaintext, keyID(name, k.CurrentVersion), keyBytes)
	if err != nil {
		return nil, err
	}
	metrics.RecordTransitOp("encrypt")
	s.audit.Success(ctx, audit.Entry{
		TeamID: teamID, Operation: audit.OpTransitEncrypt,
		ResourceType: "TRANSIT_KEY", ResourceID: name,
		Details: map[string]interface{}{"keyVersion": k.CurrentVersion},
	})
	return &EncryptResult{KeyName: name, KeyVersion: k.CurrentVersion, Ciphertext: ciphertext}, nil
}

// Decrypt opens a ciphertext produced by this key. The embedded
// version must lie within [minDecryptionVersion, currentVersion].
func (s *Service) Decrypt(ctx context.Context, teamID, name, ciphertext string) ([]byte, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return nil, err
	}

	k, material, err := s.loadKey(ctx, teamID, name)
	if err != nil {
		return nil, err
	}
	version, err := s.embeddedVersion(name, k, ciphertext)
	if err != nil {
		return nil, err
	}
	keyBytes, err := materialVersion(material, version)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.engine.DecryptWithKey(ciphertext, keyBytes)
	if err != nil {
		return nil, err
	}
	metrics.RecordTransitOp("decrypt")
	s.audit.Success(ctx, audit.Entry{
		TeamID: teamID, Operation: audit.OpTransitDecrypt,
		ResourceType: "TRANSIT_KEY", ResourceID: name,
		Details: map[string]interface{}{"keyVersion": version},
	})
	return plaintext, nil
}

// Rewrap re-encrypts a ciphertext under the key's current version.
// The plaintext never crosses the call boundary.
func (s *Service) Rewrap(ctx context.Context, teamID, name, ciphertext string) (*EncryptResult, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return nil, err
	}

	k, material, err := s.loadKey(ctx, teamID, name)
	if err != nil {
		return nil, err
	}
	version, err := s.embeddedVersion(name, k, ciphertext)
	if err != nil {
		return nil, err
	}
	oldKey, err := materialVersion(material, version)
	if err != nil {
		return nil, err
	}
	newKey, err := materialVersion(material, k.CurrentVersion)
	if err != nil {
		return nil, err
	}

	rewrapped, err := s.engine.Rewrap(ciphertext, oldKey, newKey, keyID(name, k.CurrentVersion))
	if err != nil {
		return nil, err
	}
	metrics.RecordTransitOp("rewrap")
	return &EncryptResult{KeyName: name, KeyVersion: k.CurrentVersion, Ciphertext: rewrapped}, nil
}

// GenerateDataKey returns a fresh 32-byte key in plaintext (base64)
// and encrypted under the named transit key.
func (s *Service) GenerateDataKey(ctx context.Context, teamID, name string) (*DataKeyResult, error) {
	raw, err := s.engine.GenerateDataKey()
	if err != nil {
		return nil, err
	}
	plaintext := base64.StdEncoding.EncodeToString(raw)
	res, err := s.Encrypt(ctx, teamID, name, []byte(plaintext))
	if err != nil {
		return nil, err
	}
	metrics.RecordTransitOp("datakey")
	return &DataKeyResult{Plaintext: plaintext, Ciphertext: res.Ciphertext}, nil
}

// DeleteKey removes a key that was created deletable.
func (s *Service) DeleteKey(ctx context.Context, teamID, name, actor string) error {
	if err := s.seal.RequireUnsealed(); err != nil {
		return err
	}

	k, err := store.GetTransitKeyByName(ctx, s.store.DB(), teamID, name)
	if err != nil {
		return err
	}
	entry := audit.Entry{
		TeamID: teamID, UserID: actor, Operation: audit.OpTransitDelete,
		ResourceType: "TRANSIT_KEY", ResourceID: name,
	}
	if !k.Deletable {
		err := vaulterrors.InvalidInputf("transit key %q is not deletable", name)
		s.audit.Failure(ctx, entry, err)
		return err
	}
	if err := store.DeleteTransitKey(ctx, s.store.DB(), k.ID); err != nil {
		s.audit.Failure(ctx, entry, err)
		return err
	}
	s.cache.Remove(cacheKey(k))
	s.audit.Success(ctx, entry)
	return nil
}

// UpdateInput patches transit key metadata. Nil fields mean no
// change.
type UpdateInput struct {
	Description          *string
	MinDecryptionVersion *int
	Deletable            *bool
	Exportable           *bool
	Active               *bool
}

// UpdateKey patches key metadata. The minimum decryption version may
// not move past the current version.
func (s *Service) UpdateKey(ctx context.Context, teamID, name, actor string, in UpdateInput) (*store.TransitKey, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return nil, err
	}

	var updated *store.TransitKey
	err := store.RetryConflict(ctx, func() error {
		k, err := store.GetTransitKeyByName(ctx, s.store.DB(), teamID, name)
		if err != nil {
			return err
		}
		if in.Description != nil {
			k.Description = *in.Description
		}
		if in.MinDecryptionVersion != nil {
			min := *in.MinDecryptionVersion
			if min < 1 {
				return vaulterrors.InvalidInput("minimum decryption version must be at least 1")
			}
			if min > k.CurrentVersion {
				return vaulterrors.InvalidInputf(
					"minimum decryption version %d exceeds current version %d", min, k.CurrentVersion)
			}
			k.MinDecryptionVersion = min
		}
		if in.Deletable != nil {
			k.Deletable = *in.Deletable
		}
		if in.Exportable != nil {
			k.Exportable = *in.Exportable
		}
		if in.Active != nil {
			k.Active = *in.Active
		}
		k.UpdatedAt = time.Now().UTC()
		if err := store.UpdateTransitKey(ctx, s.store.DB(), k); err != nil {
			return err
		}
		updated = k
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// List returns the team's transit keys. Material ciphertext is
// stripped.
func (s *Service) List(ctx context.Context, teamID string) ([]*store.TransitKey, error) {
	keys, err := store.ListTransitKeys(ctx, s.store.DB(), teamID)
	if err != nil {
		return nil, vaulterrors.Internal("listing transit keys", err)
	}
	for _, k := range keys {
		k.MaterialCiphertext = ""
	}
	return keys, nil
}

// embeddedVersion parses the ciphertext's key id, verifies it names
// this key, and enforces the decryption window.
func (s *Service) embeddedVersion(name string, k *store.TransitKey, ciphertext string) (int, error) {
	id, err := s.engine.ExtractKeyID(ciphertext)
	if err != nil {
		return 0, err
	}
	embeddedName, version, err := parseKeyID(id)
	if err != nil {
		return 0, err
	}
	if embeddedName != name {
		return 0, vaulterrors.InvalidInputf("ciphertext was produced by key %q, not %q", embeddedName, name)
	}
	if version < k.MinDecryptionVersion {
		return 0, vaulterrors.InvalidInputf(
			"key version %d is below the minimum decryption version %d", version, k.MinDecryptionVersion)
	}
	if version > k.CurrentVersion {
		return 0, vaulterrors.NotFoundf("key version %d does not exist", version)
	}
	return version, nil
}

func (s *Service) loadKey(ctx context.Context, teamID, name string) (*store.TransitKey, []keyMaterial, error) {
	k, err := store.GetTransitKeyByName(ctx, s.store.DB(), teamID, name)
	if err != nil {
		return nil, nil, err
	}
	if !k.Active {
		return nil, nil, vaulterrors.InvalidInputf("transit key %q is inactive", name)
	}

	ck := cacheKey(k)
	if material, ok := s.cache.Get(ck); ok {
		return k, material, nil
	}

	plaintext, err := s.engine.Decrypt(k.MaterialCiphertext)
	if err != nil {
		return nil, nil, err
	}
	var material []keyMaterial
	if err := json.Unmarshal(plaintext, &material); err != nil {
		return nil, nil, vaulterrors.Wrap(vaulterrors.KindIntegrityFailure, "parsing key material", err)
	}
	s.cache.Add(ck, material)
	return k, material, nil
}

func (s *Service) encryptMaterial(material []keyMaterial) (string, error) {
	data, err := json.Marshal(material)
	if err != nil {
		return "", vaulterrors.Internal("encoding key material", err)
	}
	return s.engine.Encrypt(data)
}

func materialVersion(material []keyMaterial, version int) ([]byte, error) {
	for _, m := range material {
		if m.Version != version {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(m.Key)
		if err != nil {
			return nil, vaulterrors.IntegrityFailure("key material is not valid base64")
		}
		return keyBytes, nil
	}
	return nil, vaulterrors.NotFoundf("key version %d does not exist", version)
}

func cacheKey(k *store.TransitKey) string {
	return k.ID + "@" + strconv.FormatInt(k.RowVersion, 10)
}

func keyID(name string, version int) string {
	return fmt.Sprintf("%s:v%d", name, version)
}

func parseKeyID(id string) (name string, version int, err error) {
	idx := strings.LastIndex(id, ":v")
	if idx < 1 {
		return "", 0, vaulterrors.InvalidInputf("malformed transit key id %q", id)
	}
	version, convErr := strconv.Atoi(id[idx+2:])
	if convErr != nil || version < 1 {
		return "", 0, vaulterrors.InvalidInputf("malformed transit key id %q", id)
	}
	return id[:idx], version, nil
}
