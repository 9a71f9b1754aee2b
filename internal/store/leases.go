package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

const leaseColumns = `id, lease_id, secret_id, secret_path, backend_type,
	credentials_ciphertext, status, ttl_seconds, expires_at, revoked_at,
	revoked_by, requested_by, metadata, row_version, created_at, updated_at`

// InsertLease persists a new lease row.
func InsertLease(ctx context.Context, q Querier, l *Lease) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO dynamic_leases (`+leaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		l.ID, l.LeaseID, l.SecretID, l.SecretPath, l.BackendType,
		l.CredentialsCiphertext, l.Status, l.TTLSeconds, l.ExpiresAt, l.RevokedAt,
		l.RevokedBy, l.RequestedBy, l.Metadata, l.RowVersion, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

// GetLeaseByLeaseID fetches a lease by its opaque identifier.
func GetLeaseByLeaseID(ctx context.Context, q Querier, leaseID string) (*Lease, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM dynamic_leases WHERE lease_id = $1`, leaseID)
	return scanLease(row)
}

// CloseLease moves an ACTIVE lease to a terminal status. The status
// guard in the predicate makes ACTIVE the only transition source.
func CloseLease(ctx context.Context, q Querier, l *Lease, status string, revokedAt *time.Time, revokedBy *string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE dynamic_leases SET
			status = $1, revoked_at = $2, revoked_by = $3,
			row_version = row_version + 1, updated_at = $4
		WHERE id = $5 AND row_version = $6 AND status = $7`,
		status, revokedAt, revokedBy,
		time.Now().UTC(), l.ID, l.RowVersion, LeaseStatusActive,
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
	l.Status = status
	l.RevokedAt = revokedAt
	l.RevokedBy = revokedBy
	l.RowVersion++
	return nil
}

// ListLeasesBySecret returns all leases issued from one secret,
// newest first.
func ListLeasesBySecret(ctx context.Context, q Querier, secretID string) ([]*Lease, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+leaseColumns+` FROM dynamic_leases
		WHERE secret_id = $1 ORDER BY created_at DESC`,
		secretID)
	if err != nil {
		return nil, err
	}
	return collectLeases(rows)
}

// ListActiveLeasesBySecret returns a secret's ACTIVE leases.
func ListActiveLeasesBySecret(ctx context.Context, q Querier, secretID string) ([]*Lease, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+leaseColumns+` FROM dynamic_leases
		WHERE secret_id = $1 AND status = $2 ORDER BY created_at`,
		secretID, LeaseStatusActive)
	if err != nil {
		return nil, err
	}
	return collectLeases(rows)
}

// ListExpiredActiveLeases returns ACTIVE leases past their expiry.
func ListExpiredActiveLeases(ctx context.Context, q Querier, now time.Time) ([]*Lease, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+leaseColumns+` FROM dynamic_leases
		WHERE status = $1 AND expires_at < $2 ORDER BY expires_at`,
		LeaseStatusActive, now)
	if err != nil {
		return nil, err
	}
	return collectLeases(rows)
}

func scanLease(r rowScanner) (*Lease, error) {
	var l Lease
	err := r.Scan(
		&l.ID, &l.LeaseID, &l.SecretID, &l.SecretPath, &l.BackendType,
		&l.CredentialsCiphertext, &l.Status, &l.TTLSeconds, &l.ExpiresAt, &l.RevokedAt,
		&l.RevokedBy, &l.RequestedBy, &l.Metadata, &l.RowVersion, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vaulterrors.NotFound("lease not found")
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func collectLeases(rows *sql.Rows) ([]*Lease, error) {
	defer rows.Close()
	var out []*Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
