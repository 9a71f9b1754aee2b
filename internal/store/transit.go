package store

import (
	"context"
	"database/sql"
	"errors"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

const transitKeyColumns = `id, team_id, name, description, current_version,
	min_decryption_version, material_ciphertext, algorithm, deletable,
	exportable, active, row_version, created_at, updated_at`

// InsertTransitKey persists a new transit key.
func InsertTransitKey(ctx context.Context, q Querier, k *TransitKey) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transit_keys (`+transitKeyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		k.ID, k.TeamID, k.Name, k.Description, k.CurrentVersion,
		k.MinDecryptionVersion, k.MaterialCiphertext, k.Algorithm, k.Deletable,
		k.Exportable, k.Active, k.RowVersion, k.CreatedAt, k.UpdatedAt,
	)
	return err
}

// GetTransitKeyByName fetches the key named (team, name).
func GetTransitKeyByName(ctx context.Context, q Querier, teamID, name string) (*TransitKey, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+transitKeyColumns+` FROM transit_keys WHERE team_id = $1 AND name = $2`,
		teamID, name)
	return scanTransitKey(row)
}

// UpdateTransitKey writes back a mutated key under optimistic
// concurrency.
func UpdateTransitKey(ctx context.Context, q Querier, k *TransitKey) error {
	res, err := q.ExecContext(ctx, `
		UPDATE transit_keys SET
			description = $1, current_version = $2, min_decryption_version = $3,
			material_ciphertext = $4, deletable = $5, exportable = $6, active = $7,
			row_version = row_version + 1, updated_at = $8
		WHERE id = $9 AND row_version = $10`,
		k.Description, k.CurrentVersion, k.MinDecryptionVersion,
		k.MaterialCiphertext, k.Deletable, k.Exportable, k.Active,
		k.UpdatedAt, k.ID, k.RowVersion,
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
	k.RowVersion++
	return nil
}

// DeleteTransitKey removes a transit key row.
func DeleteTransitKey(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM transit_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vaulterrors.NotFound("transit key not found")
	}
	return nil
}

// ListTransitKeys returns all of a team's transit keys.
func ListTransitKeys(ctx context.Context, q Querier, teamID string) ([]*TransitKey, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+transitKeyColumns+` FROM transit_keys WHERE team_id = $1 ORDER BY name`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TransitKey
	for rows.Next() {
		k, err := scanTransitKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanTransitKey(r rowScanner) (*TransitKey, error) {
	var k TransitKey
	err := r.Scan(
		&k.ID, &k.TeamID, &k.Name, &k.Description, &k.CurrentVersion,
		&k.MinDecryptionVersion, &k.MaterialCiphertext, &k.Algorithm, &k.Deletable,
		&k.Exportable, &k.Active, &k.RowVersion, &k.CreatedAt, &k.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vaulterrors.NotFound("transit key not found")
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}
