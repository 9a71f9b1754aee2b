// Package policy implements path-glob access policies with
// deny-overrides-allow evaluation. The evaluator is a library; the
// HTTP layer decides where to enforce it.
package policy

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/codeops/vault/internal/audit"
	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/seal"
	"github.com/codeops/vault/internal/store"
)

// Permissions a policy may grant or deny.
var validPermissions = map[string]bool{
	"READ":   true,
	"WRITE":  true,
	"DELETE": true,
	"LIST":   true,
	"ROTATE": true,
}

// Decision is the outcome of one access evaluation. PolicyID and
// PolicyName identify the deciding rule; both are empty on a default
// deny.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	PolicyID   string `json:"policyId,omitempty"`
	PolicyName string `json:"policyName,omitempty"`
	Reason     string `json:"reason"`
}

// Service manages access policies and evaluates decisions.
type Service struct {
	store  *store.Store
	seal   *seal.Service
	audit  *audit.Sink
	logger hclog.Logger
}

// New builds the policy service.
func New(st *store.Store, sl *seal.Service, sink *audit.Sink, logger hclog.Logger) *Service {
	return &Service{store: st, seal: sl, audit: sink, logger: logger.Named("policy")}
}

// MatchPath reports whether pattern matches path. Both are split on
// "/"; an interior "*" matches exactly one non-empty segment, a
// trailing "*" matches the whole non-empty remainder. Otherwise the
// segment counts must be equal and literals match literally.
func MatchPath(pattern, path string) bool {
	pSegs := strings.Split(pattern, "/")
	segs := strings.Split(path, "/")

	trailing := len(pSegs) > 0 && pSegs[len(pSegs)-1] == "*"
	if trailing {
		if len(segs) < len(pSegs) {
			return false
		}
	} else if len(pSegs) != len(segs) {
		return false
	}

	for i, ps := range pSegs {
		if ps == "*" {
			if segs[i] == "" {
				return false
			}
			continue
		}
		if ps != segs[i] {
			return false
		}
	}
	return true
}

// EvaluateAccess decides (user, team, path, permission). Bindings of
// type USER for the user and TEAM for the team are considered; a
// single matching deny policy wins over any number of allows.
func (s *Service) EvaluateAccess(ctx context.Context, userID, teamID, path, permission string) (*Decision, error) {
	return s.evaluate(ctx, teamID, path, permission, []store.BindingTarget{
		{Type: store.BindingTypeUser, TargetID: userID},
		{Type: store.BindingTypeTeam, TargetID: teamID},
	})
}

// EvaluateServiceAccess decides access for a SERVICE-bound principal.
func (s *Service) EvaluateServiceAccess(ctx context.Context, serviceID, teamID, path, permission string) (*Decision, error) {
	return s.evaluate(ctx, teamID, path, permission, []store.BindingTarget{
		{Type: store.BindingTypeService, TargetID: serviceID},
	})
}

func (s *Service) evaluate(ctx context.Context, teamID, path, permission string, targets []store.BindingTarget) (*Decision, error) {
	permission = strings.ToUpper(permission)
	if !validPermissions[permission] {
		return nil, vaulterrors.InvalidInputf("unknown permission %q", permission)
	}

	policies, err := store.ListPoliciesForTargets(ctx, s.store.DB(), teamID, targets)
	if err != nil {
		return nil, vaulterrors.Internal("loading bound policies", err)
	}

	var allow *store.AccessPolicy
	for _, p := range policies {
		if !hasPermission(p, permission) || !MatchPath(p.PathPattern, path) {
			continue
		}
		if p.Deny {
			return &Decision{
				Allowed:    false,
				PolicyID:   p.ID,
				PolicyName: p.Name,
				Reason:     "denied by policy",
			}, nil
		}
		if allow == nil {
			allow = p
		}
	}
	if allow != nil {
		return &Decision{
			Allowed:    true,
			PolicyID:   allow.ID,
			PolicyName: allow.Name,
			Reason:     "allowed by policy",
		}, nil
	}
	return &Decision{Allowed: false, Reason: "no matching policy"}, nil
}

// CreateInput describes a new policy.
type CreateInput struct {
	Name        string
	PathPattern string
	Permissions []string
	Deny        bool
}

// Create stores a new policy for the team.
func (s *Service) Create(ctx context.Context, teamID, actor string, in CreateInput) (*store.AccessPolicy, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return nil, err
	}
	if err := validatePolicyInput(in.Name, in.PathPattern, in.Permissions); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &store.AccessPolicy{
		ID:          uuid.NewString(),
		TeamID:      teamID,
		Name:        in.Name,
		PathPattern: in.PathPattern,
		Permissions: normalizePermissions(in.Permissions),
		Deny:        in.Deny,
		Active:      true,
		RowVersion:  1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entry := audit.Entry{
		TeamID: teamID, UserID: actor, Operation: audit.OpPolicyCreate,
		ResourceType: "POLICY", ResourceID: p.ID,
		Details: map[string]interface{}{"name": p.Name, "deny": p.Deny},
	}

	if err := store.InsertAccessPolicy(ctx, s.store.DB(), p); err != nil {
		if store.IsUniqueViolation(err) {
			err = vaulterrors.InvalidInputf("policy %q already exists", in.Name)
		} else {
			err = vaulterrors.Internal("creating policy", err)
		}
		s.audit.Failure(ctx, entry, err)
		return nil, err
	}
	s.audit.Success(ctx, entry)
	return p, nil
}

// UpdateInput patches a policy. Nil fields mean no change.
type UpdateInput struct {
	Name        *string
	PathPattern *string
	Permissions []string
	Deny        *bool
	Active      *bool
}

// Update patches a policy under optimistic concurrency.
func (s *Service) Update(ctx context.Context, teamID, policyID, actor string, in UpdateInput) (*store.AccessPolicy, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return nil, err
	}

	var updated *store.AccessPolicy
	err := store.RetryConflict(ctx, func() error {
		p, err := store.GetAccessPolicyByID(ctx, s.store.DB(), policyID)
		if err != nil {
			return err
		}
		if p.TeamID != teamID {
			return vaulterrors.NotFound("policy not found")
		}
		if in.Name != nil {
			p.Name = *in.Name
		}
		if in.PathPattern != nil {
			p.PathPattern = *in.PathPattern
		}
		if in.Permissions != nil {
			p.Permissions = normalizePermissions(in.Permissions)
		}
		if in.Deny != nil {
			p.Deny = *in.Deny
		}
		if in.Active != nil {
			p.Active = *in.Active
		}
		if err := validatePolicyInput(p.Name, p.PathPattern, p.Permissions); err != nil {
			return err
		}
		p.UpdatedAt = time.Now().UTC()
		if err := store.UpdateAccessPolicy(ctx, s.store.DB(), p); err != nil {
			return err
		}
		updated = p
		return nil
	})

	entry := audit.Entry{
		TeamID: teamID, UserID: actor, Operation: audit.OpPolicyUpdate,
		ResourceType: "POLICY", ResourceID: policyID,
	}
	if err != nil {
		s.audit.Failure(ctx, entry, err)
		return nil, err
	}
	s.audit.Success(ctx, entry)
	return updated, nil
}

// Delete removes a policy and its bindings.
func (s *Service) Delete(ctx context.Context, teamID, policyID, actor string) error {
	if err := s.seal.RequireUnsealed(); err != nil {
		return err
	}

	entry := audit.Entry{
		TeamID: teamID, UserID: actor, Operation: audit.OpPolicyDelete,
		ResourceType: "POLICY", ResourceID: policyID,
	}
	p, err := store.GetAccessPolicyByID(ctx, s.store.DB(), policyID)
	if err == nil && p.TeamID != teamID {
		err = vaulterrors.NotFound("policy not found")
	}
	if err == nil {
		err = store.DeleteAccessPolicy(ctx, s.store.DB(), policyID)
	}
	if err != nil {
		s.audit.Failure(ctx, entry, err)
		return err
	}
	s.audit.Success(ctx, entry)
	return nil
}

// Get fetches one policy scoped to the team.
func (s *Service) Get(ctx context.Context, teamID, policyID string) (*store.AccessPolicy, error) {
	p, err := store.GetAccessPolicyByID(ctx, s.store.DB(), policyID)
	if err != nil {
		return nil, err
	}
	if p.TeamID != teamID {
		return nil, vaulterrors.NotFound("policy not found")
	}
	return p, nil
}

// List returns all of the team's policies.
func (s *Service) List(ctx context.Context, teamID string) ([]*store.AccessPolicy, error) {
	policies, err := store.ListAccessPolicies(ctx, s.store.DB(), teamID)
	if err != nil {
		return nil, vaulterrors.Internal("listing policies", err)
	}
	return policies, nil
}

// Bind attaches a policy to one target.
func (s *Service) Bind(ctx context.Context, teamID, policyID, bindingType, targetID, actor string) (*store.PolicyBinding, error) {
	if err := s.seal.RequireUnsealed(); err != nil {
		return nil, err
	}
	bindingType = strings.ToUpper(bindingType)
	switch bindingType {
	case store.BindingTypeUser, store.BindingTypeTeam, store.BindingTypeService:
	default:
		return nil, vaulterrors.InvalidInputf("unknown binding type %q", bindingType)
	}

	if _, err := s.Get(ctx, teamID, policyID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	b := &store.PolicyBinding{
		ID:          uuid.NewString(),
		PolicyID:    policyID,
		BindingType: bindingType,
		TargetID:    targetID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entry := audit.Entry{
		TeamID: teamID, UserID: actor, Operation: audit.OpBind,
		ResourceType: "POLICY", ResourceID: policyID,
		Details: map[string]interface{}{"bindingType": bindingType, "targetId": targetID},
	}

	if err := store.InsertPolicyBinding(ctx, s.store.DB(), b); err != nil {
		if store.IsUniqueViolation(err) {
			err = vaulterrors.InvalidInput("binding already exists")
		} else {
			err = vaulterrors.Internal("creating binding", err)
		}
		s.audit.Failure(ctx, entry, err)
		return nil, err
	}
	s.audit.Success(ctx, entry)
	return b, nil
}

// Unbind detaches a policy from one target.
func (s *Service) Unbind(ctx context.Context, teamID, policyID, bindingType, targetID, actor string) error {
	if err := s.seal.RequireUnsealed(); err != nil {
		return err
	}
	if _, err := s.Get(ctx, teamID, policyID); err != nil {
		return err
	}

	entry := audit.Entry{
		TeamID: teamID, UserID: actor, Operation: audit.OpUnbind,
		ResourceType: "POLICY", ResourceID: policyID,
		Details: map[string]interface{}{"bindingType": bindingType, "targetId": targetID},
	}
	if err := store.DeletePolicyBinding(ctx, s.store.DB(), policyID, strings.ToUpper(bindingType), targetID); err != nil {
		s.audit.Failure(ctx, entry, err)
		return err
	}
	s.audit.Success(ctx, entry)
	return nil
}

// Bindings lists a policy's bindings scoped to the team.
func (s *Service) Bindings(ctx context.Context, teamID, policyID string) ([]*store.PolicyBinding, error) {
	if _, err := s.Get(ctx, teamID, policyID); err != nil {
		return nil, err
	}
	return store.ListPolicyBindings(ctx, s.store.DB(), policyID)
}

func hasPermission(p *store.AccessPolicy, permission string) bool {
	for _, perm := range p.Permissions {
		if perm == permission {
			return true
		}
	}
	return false
}

func normalizePermissions(perms []string) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, strings.ToUpper(p))
	}
	return out
}

func validatePolicyInput(name, pattern string, permissions []string) error {
	if name == "" {
		return vaulterrors.InvalidInput("policy name must not be empty")
	}
	if !strings.HasPrefix(pattern, "/") {
		return vaulterrors.InvalidInput("path pattern must start with /")
	}
	if len(permissions) == 0 {
		return vaulterrors.InvalidInput("at least one permission is required")
	}
	for _, p := range permissions {
		if !validPermissions[strings.ToUpper(p)] {
			return vaulterrors.InvalidInputf("unknown permission %q", p)
		}
	}
	return nil
}
