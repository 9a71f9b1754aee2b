package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

const secretColumns = `id, team_id, path, name, description, secret_type, current_version,
	max_versions, retention_days, expires_at, last_accessed_at, last_rotated_at,
	owner_id, external_ref, active, row_version, created_at, updated_at`

// SecretListFilter narrows ListSecrets. Exactly one filter is applied,
// in priority order type > pathPrefix > activeOnly.
type SecretListFilter struct {
	Type       string
	PathPrefix string
	ActiveOnly bool
}

// InsertSecret persists a new secret row.
func InsertSecret(ctx context.Context, q Querier, s *Secret) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO secrets (`+secretColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		s.ID, s.TeamID, s.Path, s.Name, s.Description, s.SecretType, s.CurrentVersion,
		s.MaxVersions, s.RetentionDays, s.ExpiresAt, s.LastAccessedAt, s.LastRotatedAt,
		s.OwnerID, s.ExternalRef, s.Active, s.RowVersion, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

// GetSecretByID fetches one secret.
func GetSecretByID(ctx context.Context, q Querier, id string) (*Secret, error) {
	row := q.QueryRowContext(ctx, `SELECT `+secretColumns+` FROM secrets WHERE id = $1`, id)
	return scanSecret(row)
}

// GetSecretByPath fetches the secret at (team, path).
func GetSecretByPath(ctx context.Context, q Querier, teamID, path string) (*Secret, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE team_id = $1 AND path = $2`, teamID, path)
	return scanSecret(row)
}

// UpdateSecret writes back a mutated secret under optimistic
// concurrency. The in-memory row version is bumped on success.
func UpdateSecret(ctx context.Context, q Querier, s *Secret) error {
	res, err := q.ExecContext(ctx, `
		UPDATE secrets SET
			name = $1, description = $2, secret_type = $3, current_version = $4,
			max_versions = $5, retention_days = $6, expires_at = $7,
			last_accessed_at = $8, last_rotated_at = $9, owner_id = $10,
			external_ref = $11, active = $12, row_version = row_version + 1, updated_at = $13
		WHERE id = $14 AND row_version = $15`,
		s.Name, s.Description, s.SecretType, s.CurrentVersion,
		s.MaxVersions, s.RetentionDays, s.ExpiresAt,
		s.LastAccessedAt, s.LastRotatedAt, s.OwnerID,
		s.ExternalRef, s.Active, s.UpdatedAt,
		s.ID, s.RowVersion,
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
	s.RowVersion++
	return nil
}

// TouchSecretAccess records a read on the secret. Not versioned; a
// lost race on a timestamp is harmless.
func TouchSecretAccess(ctx context.Context, q Querier, id string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE secrets SET last_accessed_at = $1, updated_at = $1 WHERE id = $2`, now, id)
	return err
}

// DeleteSecret removes the secret row. Versions, metadata, and any
// rotation policy cascade via foreign keys.
func DeleteSecret(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM secrets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vaulterrors.NotFound("secret not found")
	}
	return nil
}

// ListSecrets pages through a team's secrets applying at most one
// filter.
func ListSecrets(ctx context.Context, q Querier, teamID string, filter SecretListFilter, limit, offset int) ([]*Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM secrets WHERE team_id = $1`
	args := []interface{}{teamID}

	switch {
	case filter.Type != "":
		query += ` AND secret_type = $2`
		args = append(args, filter.Type)
	case filter.PathPrefix != "":
		query += ` AND path LIKE $2 || '%'`
		args = append(args, filter.PathPrefix)
	case filter.ActiveOnly:
		query += ` AND active`
	}
	query += ` ORDER BY path LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSecrets(rows)
}

// SearchSecrets matches the query case-insensitively against names.
func SearchSecrets(ctx context.Context, q Querier, teamID, query string, limit, offset int) ([]*Secret, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+secretColumns+` FROM secrets
		WHERE team_id = $1 AND name ILIKE '%' || $2 || '%'
		ORDER BY path LIMIT $3 OFFSET $4`,
		teamID, query, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectSecrets(rows)
}

// ListSecretPaths returns the team's distinct paths under prefix.
func ListSecretPaths(ctx context.Context, q Querier, teamID, prefix string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT path FROM secrets
		WHERE team_id = $1 AND path LIKE $2 || '%'
		ORDER BY path`,
		teamID, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// ListExpiringSecrets returns active secrets expiring at or before the
// cutoff.
func ListExpiringSecrets(ctx context.Context, q Querier, teamID string, cutoff time.Time) ([]*Secret, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+secretColumns+` FROM secrets
		WHERE team_id = $1 AND active AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at`,
		teamID, cutoff)
	if err != nil {
		return nil, err
	}
	return collectSecrets(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSecret(r rowScanner) (*Secret, error) {
	var s Secret
	err := r.Scan(
		&s.ID, &s.TeamID, &s.Path, &s.Name, &s.Description, &s.SecretType, &s.CurrentVersion,
		&s.MaxVersions, &s.RetentionDays, &s.ExpiresAt, &s.LastAccessedAt, &s.LastRotatedAt,
		&s.OwnerID, &s.ExternalRef, &s.Active, &s.RowVersion, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vaulterrors.NotFound("secret not found")
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSecrets(rows *sql.Rows) ([]*Secret, error) {
	defer rows.Close()
	var out []*Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
