package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/lib/pq"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

const policyColumns = `id, team_id, name, path_pattern, permissions, deny, active,
	row_version, created_at, updated_at`

// BindingTarget is one (type, id) pair the evaluator resolves
// policies for.
type BindingTarget struct {
	Type     string
	TargetID string
}

// InsertAccessPolicy persists a new policy row.
func InsertAccessPolicy(ctx context.Context, q Querier, p *AccessPolicy) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO access_policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.TeamID, p.Name, p.PathPattern, pq.Array(p.Permissions), p.Deny, p.Active,
		p.RowVersion, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetAccessPolicyByID fetches one policy.
func GetAccessPolicyByID(ctx context.Context, q Querier, id string) (*AccessPolicy, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM access_policies WHERE id = $1`, id)
	return scanAccessPolicy(row)
}

// GetAccessPolicyByName fetches the policy named (team, name).
func GetAccessPolicyByName(ctx context.Context, q Querier, teamID, name string) (*AccessPolicy, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM access_policies WHERE team_id = $1 AND name = $2`,
		teamID, name)
	return scanAccessPolicy(row)
}

// UpdateAccessPolicy writes back a mutated policy under optimistic
// concurrency.
func UpdateAccessPolicy(ctx context.Context, q Querier, p *AccessPolicy) error {
	res, err := q.ExecContext(ctx, `
		UPDATE access_policies SET
			name = $1, path_pattern = $2, permissions = $3, deny = $4, active = $5,
			row_version = row_version + 1, updated_at = $6
		WHERE id = $7 AND row_version = $8`,
		p.Name, p.PathPattern, pq.Array(p.Permissions), p.Deny, p.Active,
		p.UpdatedAt, p.ID, p.RowVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	p.RowVersion++
	return nil
}

// DeleteAccessPolicy removes a policy; its bindings cascade.
func DeleteAccessPolicy(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM access_policies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vaulterrors.NotFound("policy not found")
	}
	return nil
}

// ListAccessPolicies returns all of a team's policies.
func ListAccessPolicies(ctx context.Context, q Querier, teamID string) ([]*AccessPolicy, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM access_policies WHERE team_id = $1 ORDER BY name`, teamID)
	if err != nil {
		return nil, err
	}
	return collectAccessPolicies(rows)
}

// ListPoliciesForTargets returns the team's active policies bound to
// any of the given targets. This is the evaluator's working set.
func ListPoliciesForTargets(ctx context.Context, q Querier, teamID string, targets []BindingTarget) ([]*AccessPolicy, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	query := `
		SELECT DISTINCT p.id, p.team_id, p.name, p.path_pattern, p.permissions, p.deny,
			p.active, p.row_version, p.created_at, p.updated_at
		FROM access_policies p
		JOIN policy_bindings b ON b.policy_id = p.id
		WHERE p.team_id = $1 AND p.active AND (`
	args := []interface{}{teamID}
	for i, t := range targets {
		if i > 0 {
			query += ` OR `
		}
		query += `(b.binding_type = $` + strconv.Itoa(len(args)+1) +
			` AND b.target_id = $` + strconv.Itoa(len(args)+2) + `)`
		args = append(args, t.Type, t.TargetID)
	}
	query += `) ORDER BY p.name`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectAccessPolicies(rows)
}

// InsertPolicyBinding attaches a policy to one target.
func InsertPolicyBinding(ctx context.Context, q Querier, b *PolicyBinding) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO policy_bindings (id, policy_id, binding_type, target_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.PolicyID, b.BindingType, b.TargetID, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

// DeletePolicyBinding detaches one (policy, type, target) binding.
func DeletePolicyBinding(ctx context.Context, q Querier, policyID, bindingType, targetID string) error {
	res, err := q.ExecContext(ctx, `
		DELETE FROM policy_bindings
		WHERE policy_id = $1 AND binding_type = $2 AND target_id = $3`,
		policyID, bindingType, targetID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vaulterrors.NotFound("policy binding not found")
	}
	return nil
}

// ListPolicyBindings returns all bindings of one policy.
func ListPolicyBindings(ctx context.Context, q Querier, policyID string) ([]*PolicyBinding, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, policy_id, binding_type, target_id, created_at, updated_at
		FROM policy_bindings WHERE policy_id = $1 ORDER BY binding_type, target_id`,
		policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PolicyBinding
	for rows.Next() {
		var b PolicyBinding
		if err := rows.Scan(&b.ID, &b.PolicyID, &b.BindingType, &b.TargetID, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func scanAccessPolicy(r rowScanner) (*AccessPolicy, error) {
	var p AccessPolicy
	err := r.Scan(
		&p.ID, &p.TeamID, &p.Name, &p.PathPattern, pq.Array(&p.Permissions), &p.Deny,
		&p.Active, &p.RowVersion, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vaulterrors.NotFound("policy not found")
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectAccessPolicies(rows *sql.Rows) ([]*AccessPolicy, error) {
	defer rows.Close()
	var out []*AccessPolicy
	for rows.Next() {
		p, err := scanAccessPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
