package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

// UpsertSecretMetadata sets one key-value pair on a secret.
func UpsertSecretMetadata(ctx context.Context, q Querier, secretID, key, value string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO secret_metadata (id, secret_id, meta_key, meta_value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (secret_id, meta_key)
		DO UPDATE SET meta_value = EXCLUDED.meta_value, updated_at = EXCLUDED.updated_at`,
		uuid.NewString(), secretID, key, value, now)
	return err
}

// DeleteSecretMetadata removes one key from a secret.
func DeleteSecretMetadata(ctx context.Context, q Querier, secretID, key string) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM secret_metadata WHERE secret_id = $1 AND meta_key = $2`, secretID, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vaulterrors.NotFound("metadata key not found")
	}
	return nil
}

// DeleteAllSecretMetadata clears a secret's metadata. Used by
// replace-all inside one transaction.
func DeleteAllSecretMetadata(ctx context.Context, q Querier, secretID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM secret_metadata WHERE secret_id = $1`, secretID)
	return err
}

// ListSecretMetadata returns a secret's metadata pairs ordered by key.
func ListSecretMetadata(ctx context.Context, q Querier, secretID string) ([]*SecretMetadata, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, secret_id, meta_key, meta_value, created_at, updated_at
		FROM secret_metadata WHERE secret_id = $1 ORDER BY meta_key`,
		secretID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SecretMetadata
	for rows.Next() {
		var m SecretMetadata
		if err := rows.Scan(&m.ID, &m.SecretID, &m.Key, &m.Value, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
