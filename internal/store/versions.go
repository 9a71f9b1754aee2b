package store

import (
	"context"
	"database/sql"
	"errors"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

// DestroyedCiphertext replaces a destroyed version's ciphertext.
const DestroyedCiphertext = "DESTROYED"

const versionColumns = `id, secret_id, version_number, ciphertext, key_id,
	change_note, created_by, destroyed, created_at, updated_at`

// InsertSecretVersion persists one immutable version row. The unique
// constraint on (secret_id, version_number) catches allocation races.
func InsertSecretVersion(ctx context.Context, q Querier, v *SecretVersion) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO secret_versions (`+versionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.SecretID, v.VersionNumber, v.Ciphertext, v.KeyID,
		v.ChangeNote, v.CreatedBy, v.Destroyed, v.CreatedAt, v.UpdatedAt,
	)
	return err
}

// GetSecretVersion fetches one version of a secret.
func GetSecretVersion(ctx context.Context, q Querier, secretID string, versionNumber int) (*SecretVersion, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM secret_versions
		WHERE secret_id = $1 AND version_number = $2`,
		secretID, versionNumber)
	return scanSecretVersion(row)
}

// ListSecretVersions returns all versions of a secret, oldest first.
func ListSecretVersions(ctx context.Context, q Querier, secretID string) ([]*SecretVersion, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM secret_versions
		WHERE secret_id = $1 ORDER BY version_number`,
		secretID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SecretVersion
	for rows.Next() {
		v, err := scanSecretVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DestroySecretVersion overwrites the ciphertext with the destroyed
// marker and flags the row. The destroyed=false guard makes the
// transition terminal.
func DestroySecretVersion(ctx context.Context, q Querier, versionID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE secret_versions
		SET ciphertext = $1, destroyed = TRUE, updated_at = NOW()
		WHERE id = $2 AND destroyed = FALSE`,
		DestroyedCiphertext, versionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vaulterrors.InvalidInput("version is already destroyed")
	}
	return nil
}

func scanSecretVersion(r rowScanner) (*SecretVersion, error) {
	var v SecretVersion
	err := r.Scan(
		&v.ID, &v.SecretID, &v.VersionNumber, &v.Ciphertext, &v.KeyID,
		&v.ChangeNote, &v.CreatedBy, &v.Destroyed, &v.CreatedAt, &v.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vaulterrors.NotFound("secret version not found")
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
