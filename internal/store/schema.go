package store

import (
	"context"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

// Migrate applies the schema. Every statement is idempotent so the
// daemon can run it unconditionally at startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return vaulterrors.Internal("applying schema", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS secrets (
		id UUID PRIMARY KEY,
		team_id UUID NOT NULL,
		path VARCHAR(500) NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		secret_type TEXT NOT NULL,
		current_version INT NOT NULL DEFAULT 1,
		max_versions INT,
		retention_days INT,
		expires_at TIMESTAMPTZ,
		last_accessed_at TIMESTAMPTZ,
		last_rotated_at TIMESTAMPTZ,
		owner_id UUID,
		external_ref TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		row_version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT secrets_team_path_key UNIQUE (team_id, path)
	)`,
	`CREATE INDEX IF NOT EXISTS secrets_team_type_idx ON secrets (team_id, secret_type)`,
	`CREATE INDEX IF NOT EXISTS secrets_team_active_idx ON secrets (team_id, active)`,
	`CREATE INDEX IF NOT EXISTS secrets_expires_at_idx ON secrets (expires_at) WHERE expires_at IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS secret_versions (
		id UUID PRIMARY KEY,
		secret_id UUID NOT NULL REFERENCES secrets (id) ON DELETE CASCADE,
		version_number INT NOT NULL,
		ciphertext TEXT NOT NULL,
		key_id TEXT NOT NULL,
		change_note TEXT,
		created_by UUID,
		destroyed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT secret_versions_secret_version_key UNIQUE (secret_id, version_number)
	)`,

	`CREATE TABLE IF NOT EXISTS secret_metadata (
		id UUID PRIMARY KEY,
		secret_id UUID NOT NULL REFERENCES secrets (id) ON DELETE CASCADE,
		meta_key TEXT NOT NULL,
		meta_value TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT secret_metadata_secret_key_key UNIQUE (secret_id, meta_key)
	)`,

	`CREATE TABLE IF NOT EXISTS access_policies (
		id UUID PRIMARY KEY,
		team_id UUID NOT NULL,
		name TEXT NOT NULL,
		path_pattern TEXT NOT NULL,
		permissions TEXT[] NOT NULL,
		deny BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		row_version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT access_policies_team_name_key UNIQUE (team_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS policy_bindings (
		id UUID PRIMARY KEY,
		policy_id UUID NOT NULL REFERENCES access_policies (id) ON DELETE CASCADE,
		binding_type TEXT NOT NULL,
		target_id UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT policy_bindings_policy_type_target_key UNIQUE (policy_id, binding_type, target_id)
	)`,
	`CREATE INDEX IF NOT EXISTS policy_bindings_target_idx ON policy_bindings (binding_type, target_id)`,

	`CREATE TABLE IF NOT EXISTS rotation_policies (
		id UUID PRIMARY KEY,
		secret_id UUID NOT NULL UNIQUE REFERENCES secrets (id) ON DELETE CASCADE,
		strategy TEXT NOT NULL,
		interval_hours INT NOT NULL,
		random_length INT,
		random_charset TEXT,
		external_api_url TEXT,
		external_api_headers TEXT,
		last_rotated_at TIMESTAMPTZ,
		next_rotation_at TIMESTAMPTZ NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		failure_count INT NOT NULL DEFAULT 0,
		max_failures INT NOT NULL DEFAULT 3,
		row_version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS rotation_policies_due_idx ON rotation_policies (next_rotation_at) WHERE active`,

	`CREATE TABLE IF NOT EXISTS rotation_history (
		id UUID PRIMARY KEY,
		secret_id UUID NOT NULL,
		secret_path TEXT NOT NULL,
		strategy TEXT NOT NULL,
		previous_version INT NOT NULL,
		new_version INT NOT NULL,
		success BOOLEAN NOT NULL,
		error_message TEXT,
		duration_ms BIGINT NOT NULL,
		rotated_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS rotation_history_secret_idx ON rotation_history (secret_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS dynamic_leases (
		id UUID PRIMARY KEY,
		lease_id TEXT NOT NULL UNIQUE,
		secret_id UUID NOT NULL,
		secret_path TEXT NOT NULL,
		backend_type TEXT NOT NULL,
		credentials_ciphertext TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		ttl_seconds INT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ,
		revoked_by TEXT,
		requested_by TEXT NOT NULL,
		metadata TEXT,
		row_version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS dynamic_leases_sweep_idx ON dynamic_leases (status, expires_at)`,
	`CREATE INDEX IF NOT EXISTS dynamic_leases_secret_idx ON dynamic_leases (secret_id, status)`,

	`CREATE TABLE IF NOT EXISTS transit_keys (
		id UUID PRIMARY KEY,
		team_id UUID NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		current_version INT NOT NULL DEFAULT 1,
		min_decryption_version INT NOT NULL DEFAULT 1,
		material_ciphertext TEXT NOT NULL,
		algorithm TEXT NOT NULL DEFAULT 'AES-256-GCM',
		deletable BOOLEAN NOT NULL DEFAULT FALSE,
		exportable BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		row_version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT transit_keys_team_name_key UNIQUE (team_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_records (
		id BIGSERIAL PRIMARY KEY,
		team_id UUID,
		user_id UUID,
		operation TEXT NOT NULL,
		path TEXT,
		resource_type TEXT,
		resource_id TEXT,
		success BOOLEAN NOT NULL,
		error_message TEXT,
		client_ip TEXT,
		correlation_id TEXT,
		details TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_records_team_time_idx ON audit_records (team_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS audit_records_user_idx ON audit_records (user_id)`,
	`CREATE INDEX IF NOT EXISTS audit_records_operation_idx ON audit_records (operation)`,
	`CREATE INDEX IF NOT EXISTS audit_records_resource_idx ON audit_records (resource_type, resource_id)`,
}
