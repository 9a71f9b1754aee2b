package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func secretRow() *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "team_id", "path", "name", "description", "secret_type", "current_version",
		"max_versions", "retention_days", "expires_at", "last_accessed_at", "last_rotated_at",
		"owner_id", "external_ref", "active", "row_version", "created_at", "updated_at",
	}).AddRow(
		"11111111-1111-1111-1111-111111111111", "22222222-2222-2222-2222-222222222222",
		"/services/app-a/db/password", "db password", "", SecretTypeStatic, 1,
		nil, nil, nil, nil, nil,
		nil, nil, true, int64(1), now, now,
	)
}

func TestGetSecretByIDScansNullableColumns(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT .+ FROM secrets WHERE id = \$1`).
		WithArgs("11111111-1111-1111-1111-111111111111").
		WillReturnRows(secretRow())

	sec, err := GetSecretByID(context.Background(), s.DB(), "11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)
	assert.Equal(t, "/services/app-a/db/password", sec.Path)
	assert.Nil(t, sec.MaxVersions)
	assert.Nil(t, sec.ExpiresAt)
	assert.True(t, sec.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSecretByIDNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT .+ FROM secrets WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := GetSecretByID(context.Background(), s.DB(), "missing")
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindNotFound, vaulterrors.KindOf(err))
}

func TestUpdateSecretRowVersionConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`UPDATE secrets SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	sec := &Secret{ID: "id", RowVersion: 3, UpdatedAt: time.Now().UTC()}
	err := UpdateSecret(context.Background(), s.DB(), sec)
	assert.ErrorIs(t, err, ErrConflict)
	assert.EqualValues(t, 3, sec.RowVersion, "row version must not advance on conflict")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSecretBumpsRowVersion(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`UPDATE secrets SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sec := &Secret{ID: "id", RowVersion: 3, UpdatedAt: time.Now().UTC()}
	require.NoError(t, UpdateSecret(context.Background(), s.DB(), sec))
	assert.EqualValues(t, 4, sec.RowVersion)
}

func TestDestroySecretVersionIsTerminal(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`UPDATE secret_versions`).
		WithArgs(DestroyedCiphertext, "version-id").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := DestroySecretVersion(context.Background(), s.DB(), "version-id")
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))
}

func TestCloseLeaseRequiresActiveStatus(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`UPDATE dynamic_leases SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	l := &Lease{ID: "id", Status: LeaseStatusActive, RowVersion: 1}
	err := CloseLease(context.Background(), s.DB(), l, LeaseStatusRevoked, nil, nil)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, LeaseStatusActive, l.Status, "in-memory status must not change on conflict")
}

func TestQueryAuditRecordsAppliesHighestPriorityFilter(t *testing.T) {
	s, mock := newMock(t)

	// Resource filter wins even when user and operation are set too.
	mock.ExpectQuery(`SELECT .+ FROM audit_records WHERE team_id = \$1 AND resource_type = \$2 AND resource_id = \$3`).
		WithArgs("team", "SECRET", "sec-1", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "team_id", "user_id", "operation", "path", "resource_type",
			"resource_id", "success", "error_message", "client_ip", "correlation_id",
			"details", "created_at",
		}))

	_, err := QueryAuditRecords(context.Background(), s.DB(), "team", AuditFilter{
		ResourceType: "SECRET",
		ResourceID:   "sec-1",
		UserID:       "user",
		Operation:    "READ",
	}, 50, 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryConflictGivesUpAfterRetries(t *testing.T) {
	calls := 0
	err := RetryConflict(context.Background(), func() error {
		calls++
		return ErrConflict
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 4, calls, "initial attempt plus three retries")
}

func TestRetryConflictStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := RetryConflict(context.Background(), func() error {
		calls++
		return vaulterrors.NotFound("secret not found")
	})
	assert.Equal(t, vaulterrors.KindNotFound, vaulterrors.KindOf(err))
	assert.Equal(t, 1, calls)
}
