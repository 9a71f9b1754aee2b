package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

const rotationPolicyColumns = `id, secret_id, strategy, interval_hours, random_length,
	random_charset, external_api_url, external_api_headers, last_rotated_at,
	next_rotation_at, active, failure_count, max_failures, row_version,
	created_at, updated_at`

// RotationStats summarises a secret's rotation history.
type RotationStats struct {
	Total          int
	Failures       int
	LastSuccessful *time.Time
}

// InsertRotationPolicy persists a new rotation policy. The unique
// constraint on secret_id makes the one-per-secret rule atomic.
func InsertRotationPolicy(ctx context.Context, q Querier, p *RotationPolicy) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO rotation_policies (`+rotationPolicyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.SecretID, p.Strategy, p.IntervalHours, p.RandomLength,
		p.RandomCharset, p.ExternalAPIURL, p.ExternalAPIHeaders, p.LastRotatedAt,
		p.NextRotationAt, p.Active, p.FailureCount, p.MaxFailures, p.RowVersion,
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetRotationPolicyBySecret fetches the secret's rotation policy.
func GetRotationPolicyBySecret(ctx context.Context, q Querier, secretID string) (*RotationPolicy, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+rotationPolicyColumns+` FROM rotation_policies WHERE secret_id = $1`, secretID)
	return scanRotationPolicy(row)
}

// UpdateRotationPolicy writes back a mutated policy under optimistic
// concurrency.
func UpdateRotationPolicy(ctx context.Context, q Querier, p *RotationPolicy) error {
	res, err := q.ExecContext(ctx, `
		UPDATE rotation_policies SET
			strategy = $1, interval_hours = $2, random_length = $3, random_charset = $4,
			external_api_url = $5, external_api_headers = $6, last_rotated_at = $7,
			next_rotation_at = $8, active = $9, failure_count = $10, max_failures = $11,
			row_version = row_version + 1, updated_at = $12
		WHERE id = $13 AND row_version = $14`,
		p.Strategy, p.IntervalHours, p.RandomLength, p.RandomCharset,
		p.ExternalAPIURL, p.ExternalAPIHeaders, p.LastRotatedAt,
		p.NextRotationAt, p.Active, p.FailureCount, p.MaxFailures,
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

// DeleteRotationPolicy removes the secret's rotation policy.
func DeleteRotationPolicy(ctx context.Context, q Querier, secretID string) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM rotation_policies WHERE secret_id = $1`, secretID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vaulterrors.NotFound("rotation policy not found")
	}
	return nil
}

// ListDueRotationPolicies returns active policies whose next rotation
// time has passed.
func ListDueRotationPolicies(ctx context.Context, q Querier, now time.Time) ([]*RotationPolicy, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+rotationPolicyColumns+` FROM rotation_policies
		WHERE active AND next_rotation_at < $1
		ORDER BY next_rotation_at`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RotationPolicy
	for rows.Next() {
		p, err := scanRotationPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertRotationHistory appends one rotation attempt record.
func InsertRotationHistory(ctx context.Context, q Querier, h *RotationHistory) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO rotation_history (id, secret_id, secret_path, strategy,
			previous_version, new_version, success, error_message, duration_ms,
			rotated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		h.ID, h.SecretID, h.SecretPath, h.Strategy,
		h.PreviousVersion, h.NewVersion, h.Success, h.ErrorMessage, h.DurationMillis,
		h.RotatedBy, h.CreatedAt,
	)
	return err
}

// ListRotationHistory pages a secret's rotation attempts, newest
// first.
func ListRotationHistory(ctx context.Context, q Querier, secretID string, limit, offset int) ([]*RotationHistory, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, secret_id, secret_path, strategy, previous_version, new_version,
			success, error_message, duration_ms, rotated_by, created_at
		FROM rotation_history
		WHERE secret_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		secretID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RotationHistory
	for rows.Next() {
		var h RotationHistory
		if err := rows.Scan(
			&h.ID, &h.SecretID, &h.SecretPath, &h.Strategy, &h.PreviousVersion, &h.NewVersion,
			&h.Success, &h.ErrorMessage, &h.DurationMillis, &h.RotatedBy, &h.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// GetRotationStats aggregates a secret's rotation history.
func GetRotationStats(ctx context.Context, q Querier, secretID string) (*RotationStats, error) {
	var stats RotationStats
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE NOT success),
			MAX(created_at) FILTER (WHERE success)
		FROM rotation_history WHERE secret_id = $1`,
		secretID).Scan(&stats.Total, &stats.Failures, &stats.LastSuccessful)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func scanRotationPolicy(r rowScanner) (*RotationPolicy, error) {
	var p RotationPolicy
	err := r.Scan(
		&p.ID, &p.SecretID, &p.Strategy, &p.IntervalHours, &p.RandomLength,
		&p.RandomCharset, &p.ExternalAPIURL, &p.ExternalAPIHeaders, &p.LastRotatedAt,
		&p.NextRotationAt, &p.Active, &p.FailureCount, &p.MaxFailures, &p.RowVersion,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vaulterrors.NotFound("rotation policy not found")
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
