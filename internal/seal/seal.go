// Package seal implements the lifecycle gate in front of every
// protected operation. The vault starts sealed (unless auto-unseal is
// configured), collects Shamir key shares until the threshold is
// reached, verifies the reconstructed master key, and only then lets
// operations through.
package seal

import (
	"crypto/subtle"
	"encoding/base64"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/codeops/vault/internal/crypto"
	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/metrics"
	"github.com/codeops/vault/pkg/shamir"
)

// Status is the seal lifecycle state. It lives only in process memory
// and is never persisted.
type Status string

const (
	StatusSealed    Status = "SEALED"
	StatusUnsealing Status = "UNSEALING"
	StatusUnsealed  Status = "UNSEALED"
)

// Info is a point-in-time snapshot of the seal state.
type Info struct {
	Status         Status     `json:"status"`
	TotalShares    int        `json:"totalShares"`
	Threshold      int        `json:"threshold"`
	SharesProvided int        `json:"sharesProvided"`
	LastSealedAt   *time.Time `json:"lastSealedAt,omitempty"`
	LastUnsealedAt *time.Time `json:"lastUnsealedAt,omitempty"`
}

// Service guards the seal state. All mutations run under one mutex.
type Service struct {
	mu sync.Mutex

	engine      *crypto.Engine
	logger      hclog.Logger
	totalShares int
	threshold   int

	status         Status
	shares         map[byte][]byte // share index -> share bytes (index byte included)
	lastSealedAt   *time.Time
	lastUnsealedAt *time.Time
}

// New builds the seal service. With autoUnseal the vault starts
// UNSEALED, otherwise SEALED.
func New(engine *crypto.Engine, totalShares, threshold int, autoUnseal bool, logger hclog.Logger) (*Service, error) {
	if totalShares < 1 || totalShares > 255 {
		return nil, vaulterrors.InvalidInputf("total shares must be in [1, 255], got %d", totalShares)
	}
	if threshold < 1 || threshold > totalShares {
		return nil, vaulterrors.InvalidInputf("threshold must be in [1, %d], got %d", totalShares, threshold)
	}

	s := &Service{
		engine:      engine,
		logger:      logger.Named("seal"),
		totalShares: totalShares,
		threshold:   threshold,
		status:      StatusSealed,
		shares:      make(map[byte][]byte),
	}
	if autoUnseal {
		now := time.Now().UTC()
		s.status = StatusUnsealed
		s.lastUnsealedAt = &now
		s.logger.Info("auto-unseal enabled, starting unsealed")
	}
	metrics.SetSealed(s.status != StatusUnsealed)
	return s, nil
}

// RequireUnsealed fails with a sealed error unless the vault is
// UNSEALED. Every protected component call begins here.
func (s *Service) RequireUnsealed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusUnsealed {
		return vaulterrors.Sealed("vault is sealed")
	}
	return nil
}

// Seal moves the vault back to SEALED and clears collected shares.
func (s *Service) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusSealed {
		return vaulterrors.InvalidInput("vault is already sealed")
	}

	s.resetLocked()
	now := time.Now().UTC()
	s.lastSealedAt = &now
	s.logger.Info("vault sealed")
	return nil
}

// SubmitKeyShare accepts one base64 transport share (1-byte index
// followed by the share bytes). When the threshold is reached the
// master key is reconstructed and compared; a mismatch resets the
// state machine to SEALED.
func (s *Service) SubmitKeyShare(encoded string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusUnsealed {
		return s.infoLocked(), vaulterrors.InvalidInput("vault is already unsealed")
	}

	share, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return s.infoLocked(), vaulterrors.InvalidInput("key share is not valid base64")
	}
	if len(share) < 2 {
		return s.infoLocked(), vaulterrors.InvalidInput("key share is too short")
	}
	index := share[0]
	if index < 1 || int(index) > s.totalShares {
		return s.infoLocked(), vaulterrors.InvalidInputf("share index %d outside [1, %d]", index, s.totalShares)
	}
	if _, dup := s.shares[index]; dup {
		return s.infoLocked(), vaulterrors.InvalidInputf("share index %d already provided", index)
	}

	s.shares[index] = share
	s.status = StatusUnsealing
	s.logger.Info("key share accepted", "provided", len(s.shares), "threshold", s.threshold)

	if len(s.shares) < s.threshold {
		return s.infoLocked(), nil
	}

	collected := make([][]byte, 0, len(s.shares))
	for _, sh := range s.shares {
		collected = append(collected, sh)
	}
	reconstructed, err := shamir.Combine(collected)
	if err != nil {
		s.resetLocked()
		return s.infoLocked(), vaulterrors.Wrap(vaulterrors.KindIntegrityFailure, "share reconstruction failed", err)
	}

	master, err := s.engine.MasterKeyBytes()
	if err != nil {
		s.resetLocked()
		return s.infoLocked(), err
	}
	if len(reconstructed) < crypto.MasterKeySize ||
		subtle.ConstantTimeCompare(reconstructed[:crypto.MasterKeySize], master) != 1 {
		s.resetLocked()
		s.logger.Warn("reconstructed key does not match master key, resealing")
		return s.infoLocked(), vaulterrors.IntegrityFailure("reconstructed key does not match master key")
	}

	now := time.Now().UTC()
	s.status = StatusUnsealed
	s.lastUnsealedAt = &now
	s.shares = make(map[byte][]byte)
	metrics.SetSealed(false)
	s.logger.Info("vault unsealed")
	return s.infoLocked(), nil
}

// GenerateKeyShares splits the master key into the configured number
// of shares and returns them base64-encoded. Advisory output for the
// operator; the vault does not store them. Permitted only while
// unsealed.
func (s *Service) GenerateKeyShares() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusUnsealed {
		return nil, vaulterrors.Sealed("key shares can only be generated while unsealed")
	}

	master, err := s.engine.MasterKeyBytes()
	if err != nil {
		return nil, err
	}
	shares, err := shamir.Split(master, s.totalShares, s.threshold)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(shares))
	for i, sh := range shares {
		out[i] = base64.StdEncoding.EncodeToString(sh)
	}
	return out, nil
}

// Status returns the current lifecycle state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SealInfo returns a consistent snapshot of the seal state.
func (s *Service) SealInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Service) infoLocked() Info {
	return Info{
		Status:         s.status,
		TotalShares:    s.totalShares,
		Threshold:      s.threshold,
		SharesProvided: len(s.shares),
		LastSealedAt:   s.lastSealedAt,
		LastUnsealedAt: s.lastUnsealedAt,
	}
}

func (s *Service) resetLocked() {
	s.status = StatusSealed
	s.shares = make(map[byte][]byte)
	metrics.SetSealed(true)
}
