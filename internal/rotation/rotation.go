// Package rotation schedules and executes secret rotations. Each
// policy names a strategy; the due-queue driver rotates policies whose
// next rotation time has passed, and a consecutive-failure budget
// deactivates policies that keep failing.
package rotation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/codeops/vault/internal/audit"
	"github.com/codeops/vault/internal/crypto"
	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/metrics"
	"github.com/codeops/vault/internal/seal"
	"github.com/codeops/vault/internal/secrets"
	"github.com/codeops/vault/internal/store"
)

// Engine executes rotations and manages rotation policies.
type Engine struct {
	store      *store.Store
	secrets    *secrets.Service
	seal       *seal.Service
	audit      *audit.Sink
	logger     hclog.Logger
	strategies map[string]Strategy
}

// New builds the rotation engine with its strategy executors.
func New(st *store.Store, sec *secrets.Service, engine *crypto.Engine, sl *seal.Service, sink *audit.Sink, logger hclog.Logger) *Engine {
	return &Engine{
		store:   st,
		secrets: sec,
		seal:    sl,
		audit:   sink,
		logger:  logger.Named("rotation"),
		strategies: map[string]Strategy{
			store.StrategyRandomGenerate: &randomStrategy{engine: engine},
			store.StrategyExternalAPI:    newExternalAPIStrategy(),
			store.StrategyCustomScript:   customScriptStrategy{},
		},
	}
}

// PolicyInput describes a rotation policy upsert.
type PolicyInput struct {
	Strategy           string
	IntervalHours      int
	RandomLength       *int
	RandomCharset      *string
	ExternalAPIURL     *string
	ExternalAPIHeaders *string
	MaxFailures        int
}

// UpsertPolicy creates or replaces the secret's rotation policy. The
// next rotation time restarts from now and the failure count resets.
func (e *Engine) UpsertPolicy(ctx context.Context, teamID, secretID, actor string, in PolicyInput) (*store.RotationPolicy, error) {
	if err := e.seal.RequireUnsealed(); err != nil {
		return nil, err
	}
	in.Strategy = strings.ToUpper(in.Strategy)
	if err := validatePolicyInput(in); err != nil {
		return nil, err
	}
	if _, err := e.secrets.Get(ctx, teamID, secretID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out *store.RotationPolicy
	err := store.RetryConflict(ctx, func() error {
		existing, err := store.GetRotationPolicyBySecret(ctx, e.store.DB(), secretID)
		if vaulterrors.IsKind(err, vaulterrors.KindNotFound) {
			p := &store.RotationPolicy{
				ID:                 uuid.NewString(),
				SecretID:           secretID,
				Strategy:           in.Strategy,
				IntervalHours:      in.IntervalHours,
				RandomLength:       in.RandomLength,
				RandomCharset:      in.RandomCharset,
				ExternalAPIURL:     in.ExternalAPIURL,
				ExternalAPIHeaders: in.ExternalAPIHeaders,
				NextRotationAt:     now.Add(time.Duration(in.IntervalHours) * time.Hour),
				Active:             true,
				FailureCount:       0,
				MaxFailures:        in.MaxFailures,
				RowVersion:         1,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if insErr := store.InsertRotationPolicy(ctx, e.store.DB(), p); insErr != nil {
				if store.IsUniqueViolation(insErr) {
					return store.ErrConflict
				}
				return vaulterrors.Internal("creating rotation policy", insErr)
			}
			out = p
			return nil
		}
		if err != nil {
			return err
		}

		existing.Strategy = in.Strategy
		existing.IntervalHours = in.IntervalHours
		existing.RandomLength = in.RandomLength
		existing.RandomCharset = in.RandomCharset
		existing.ExternalAPIURL = in.ExternalAPIURL
		existing.ExternalAPIHeaders = in.ExternalAPIHeaders
		existing.NextRotationAt = now.Add(time.Duration(in.IntervalHours) * time.Hour)
		existing.Active = true
		existing.FailureCount = 0
		existing.MaxFailures = in.MaxFailures
		existing.UpdatedAt = now
		if err := store.UpdateRotationPolicy(ctx, e.store.DB(), existing); err != nil {
			return err
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Policy fetches the secret's rotation policy scoped to the team.
func (e *Engine) Policy(ctx context.Context, teamID, secretID string) (*store.RotationPolicy, error) {
	if _, err := e.secrets.Get(ctx, teamID, secretID); err != nil {
		return nil, err
	}
	return store.GetRotationPolicyBySecret(ctx, e.store.DB(), secretID)
}

// DeletePolicy removes the secret's rotation policy.
func (e *Engine) DeletePolicy(ctx context.Context, teamID, secretID string) error {
	if err := e.seal.RequireUnsealed(); err != nil {
		return err
	}
	if _, err := e.secrets.Get(ctx, teamID, secretID); err != nil {
		return err
	}
	return store.DeleteRotationPolicy(ctx, e.store.DB(), secretID)
}

// RotateSecret runs one rotation for the secret right now. Failures
// advance the schedule and the failure budget, then surface to the
// caller.
func (e *Engine) RotateSecret(ctx context.Context, teamID, secretID, actor string) error {
	if err := e.seal.RequireUnsealed(); err != nil {
		return err
	}
	sec, err := e.secrets.Get(ctx, teamID, secretID)
	if err != nil {
		return err
	}
	policy, err := store.GetRotationPolicyBySecret(ctx, e.store.DB(), secretID)
	if err != nil {
		return err
	}
	return e.rotate(ctx, sec, policy, actor)
}

// ProcessDueRotations rotates every active policy whose next rotation
// time has passed. A failure in one policy does not abort the batch.
// Returns the number of policies processed.
func (e *Engine) ProcessDueRotations(ctx context.Context) (int, error) {
	if err := e.seal.RequireUnsealed(); err != nil {
		return 0, err
	}

	due, err := store.ListDueRotationPolicies(ctx, e.store.DB(), time.Now().UTC())
	if err != nil {
		return 0, vaulterrors.Internal("listing due rotations", err)
	}

	processed := 0
	for _, policy := range due {
		sec, err := store.GetSecretByID(ctx, e.store.DB(), policy.SecretID)
		if err != nil {
			e.logger.Error("due rotation skipped, secret lookup failed",
				"secret", policy.SecretID, "error", err)
			continue
		}
		if err := e.rotate(ctx, sec, policy, "scheduler"); err != nil {
			e.logger.Error("scheduled rotation failed",
				"secret", sec.ID, "path", sec.Path, "error", err)
		}
		processed++
	}
	return processed, nil
}

func (e *Engine) rotate(ctx context.Context, sec *store.Secret, policy *store.RotationPolicy, actor string) error {
	strategy, ok := e.strategies[policy.Strategy]
	if !ok {
		return vaulterrors.InvalidInputf("unknown rotation strategy %q", policy.Strategy)
	}

	start := time.Now()
	metrics.RecordRotationStarted(policy.Strategy)
	entry := audit.Entry{
		TeamID: sec.TeamID, UserID: actor, Operation: audit.OpRotate,
		Path: sec.Path, ResourceType: "SECRET", ResourceID: sec.ID,
		Details: map[string]interface{}{"strategy": policy.Strategy},
	}

	previousVersion := sec.CurrentVersion
	newValue, err := strategy.Generate(ctx, policy)
	var updated *store.Secret
	if err == nil {
		updated, err = e.secrets.RecordRotation(ctx, sec.TeamID, sec.ID, actor, newValue)
	}
	duration := time.Since(start)
	now := time.Now().UTC()

	if err != nil {
		applyFailure(policy, now)
		e.recordHistory(ctx, sec, policy, previousVersion, previousVersion, false, err, duration, actor)
		e.savePolicy(ctx, policy)
		metrics.RecordRotationCompleted(policy.Strategy, "failure", duration.Seconds())
		e.audit.Failure(ctx, entry, err)
		return err
	}

	applySuccess(policy, now)
	e.recordHistory(ctx, sec, policy, previousVersion, updated.CurrentVersion, true, nil, duration, actor)
	e.savePolicy(ctx, policy)
	metrics.RecordRotationCompleted(policy.Strategy, "success", duration.Seconds())
	e.audit.Success(ctx, entry)
	return nil
}

// applySuccess resets the failure budget and advances the schedule.
func applySuccess(p *store.RotationPolicy, now time.Time) {
	p.LastRotatedAt = &now
	p.NextRotationAt = now.Add(time.Duration(p.IntervalHours) * time.Hour)
	p.FailureCount = 0
	p.UpdatedAt = now
}

// applyFailure counts the failure and advances the schedule anyway so
// the next sweep does not re-pick the same row. The budget exhausting
// deactivates the policy.
func applyFailure(p *store.RotationPolicy, now time.Time) {
	p.FailureCount++
	p.NextRotationAt = now.Add(time.Duration(p.IntervalHours) * time.Hour)
	if p.FailureCount >= p.MaxFailures {
		p.Active = false
	}
	p.UpdatedAt = now
}

func (e *Engine) savePolicy(ctx context.Context, p *store.RotationPolicy) {
	if err := store.UpdateRotationPolicy(ctx, e.store.DB(), p); err != nil {
		e.logger.Error("persisting rotation policy state failed",
			"policy", p.ID, "error", err)
	}
}

func (e *Engine) recordHistory(ctx context.Context, sec *store.Secret, policy *store.RotationPolicy, prev, next int, success bool, rotErr error, duration time.Duration, actor string) {
	h := &store.RotationHistory{
		ID:              uuid.NewString(),
		SecretID:        sec.ID,
		SecretPath:      sec.Path,
		Strategy:        policy.Strategy,
		PreviousVersion: prev,
		NewVersion:      next,
		Success:         success,
		DurationMillis:  duration.Milliseconds(),
		RotatedBy:       actor,
		CreatedAt:       time.Now().UTC(),
	}
	if rotErr != nil {
		msg := rotErr.Error()
		h.ErrorMessage = &msg
	}
	if err := store.InsertRotationHistory(ctx, e.store.DB(), h); err != nil {
		e.logger.Error("rotation history record dropped", "secret", sec.ID, "error", err)
	}
}

// History pages a secret's rotation attempts, newest first.
func (e *Engine) History(ctx context.Context, teamID, secretID string, limit, offset int) ([]*store.RotationHistory, error) {
	if _, err := e.secrets.Get(ctx, teamID, secretID); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return store.ListRotationHistory(ctx, e.store.DB(), secretID, limit, offset)
}

// Stats summarises a secret's rotation history.
func (e *Engine) Stats(ctx context.Context, teamID, secretID string) (*store.RotationStats, error) {
	if _, err := e.secrets.Get(ctx, teamID, secretID); err != nil {
		return nil, err
	}
	stats, err := store.GetRotationStats(ctx, e.store.DB(), secretID)
	if err != nil {
		return nil, vaulterrors.Internal("aggregating rotation history", err)
	}
	return stats, nil
}

func validatePolicyInput(in PolicyInput) error {
	if in.IntervalHours < 1 {
		return vaulterrors.InvalidInput("interval must be at least one hour")
	}
	if in.MaxFailures < 1 {
		return vaulterrors.InvalidInput("maxFailures must be positive")
	}
	switch in.Strategy {
	case store.StrategyRandomGenerate:
		if in.RandomLength == nil || *in.RandomLength < 1 {
			return vaulterrors.InvalidInput("random rotation requires a positive length")
		}
		if in.RandomCharset == nil || *in.RandomCharset == "" {
			return vaulterrors.InvalidInput("random rotation requires a charset")
		}
	case store.StrategyExternalAPI:
		if in.ExternalAPIURL == nil || *in.ExternalAPIURL == "" {
			return vaulterrors.InvalidInput("external rotation requires a URL")
		}
		if _, err := parseHeaderMap(in.ExternalAPIHeaders); err != nil {
			return err
		}
	case store.StrategyCustomScript:
		// Stored but never executable.
	default:
		return vaulterrors.InvalidInputf("unknown rotation strategy %q", in.Strategy)
	}
	return nil
}
