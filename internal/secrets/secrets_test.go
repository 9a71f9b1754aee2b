package secrets

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeops/vault/internal/audit"
	"github.com/codeops/vault/internal/crypto"
	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/seal"
	"github.com/codeops/vault/internal/store"
)

func intp(n int) *int { return &n }

func version(id string, n int, destroyed bool, age time.Duration) *store.SecretVersion {
	return &store.SecretVersion{
		ID:            id,
		VersionNumber: n,
		Destroyed:     destroyed,
		CreatedAt:     time.Now().UTC().Add(-age),
	}
}

func TestRetentionByCountDestroysOldestFirst(t *testing.T) {
	now := time.Now().UTC()

	// Five writes with maxVersions=3, retention applied after each.
	versions := []*store.SecretVersion{
		version("v1", 1, true, 0), // already destroyed by earlier runs
		version("v2", 2, true, 0),
		version("v3", 3, false, 0),
		version("v4", 4, false, 0),
		version("v5", 5, false, 0),
	}
	assert.Empty(t, destroyEligible(versions, 5, intp(3), nil, now),
		"steady state must destroy nothing further")

	// The write of version 6 makes four live versions.
	versions = append(versions, version("v6", 6, false, 0))
	eligible := destroyEligible(versions, 6, intp(3), nil, now)
	require.Len(t, eligible, 1)
	assert.Equal(t, 3, eligible[0].VersionNumber, "oldest live version goes first")
}

func TestRetentionNeverDestroysCurrentVersion(t *testing.T) {
	now := time.Now().UTC()
	versions := []*store.SecretVersion{
		version("v1", 1, false, 40*24*time.Hour),
		version("v2", 2, false, 40*24*time.Hour),
	}

	// Both versions are past the age cutoff; only the non-current one
	// is eligible.
	eligible := destroyEligible(versions, 2, nil, intp(30), now)
	require.Len(t, eligible, 1)
	assert.Equal(t, 1, eligible[0].VersionNumber)

	// A count limit of zero still spares the current version.
	eligible = destroyEligible(versions, 2, intp(0), nil, now)
	require.Len(t, eligible, 1)
	assert.Equal(t, 1, eligible[0].VersionNumber)
}

func TestRetentionCombinesCountAndAgeWithoutDoubleCounting(t *testing.T) {
	now := time.Now().UTC()
	versions := []*store.SecretVersion{
		version("v1", 1, false, 40*24*time.Hour),
		version("v2", 2, false, time.Hour),
		version("v3", 3, false, time.Hour),
	}
	eligible := destroyEligible(versions, 3, intp(2), intp(30), now)
	require.Len(t, eligible, 1, "v1 satisfies both rules but is selected once")
	assert.Equal(t, "v1", eligible[0].ID)
}

func TestValidateCreate(t *testing.T) {
	base := CreateInput{Path: "/db/password", Name: "db", SecretType: "STATIC"}
	assert.NoError(t, validateCreate(base))

	bad := base
	bad.Path = "db/password"
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(validateCreate(bad)))

	bad = base
	bad.SecretType = "EPHEMERAL"
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(validateCreate(bad)))

	bad = base
	bad.MaxVersions = intp(0)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(validateCreate(bad)))
}

func newService(t *testing.T) (*Service, sqlmock.Sqlmock, *crypto.Engine) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	engine, err := crypto.NewEngine("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	sl, err := seal.New(engine, 5, 3, true, hclog.NewNullLogger())
	require.NoError(t, err)

	st := store.NewWithDB(db)
	svc := New(st, engine, sl, audit.New(db, hclog.NewNullLogger()), hclog.NewNullLogger())
	return svc, mock, engine
}

func secretRow(id, teamID string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "team_id", "path", "name", "description", "secret_type", "current_version",
		"max_versions", "retention_days", "expires_at", "last_accessed_at", "last_rotated_at",
		"owner_id", "external_ref", "active", "row_version", "created_at", "updated_at",
	}).AddRow(id, teamID, "/db/password", "db", "", store.SecretTypeStatic, 2,
		nil, nil, nil, nil, nil, nil, nil, true, int64(1), now, now)
}

func versionRow(secretID string, n int, ciphertext string, destroyed bool) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "secret_id", "version_number", "ciphertext", "key_id",
		"change_note", "created_by", "destroyed", "created_at", "updated_at",
	}).AddRow("ver-1", secretID, n, ciphertext, crypto.StorageKeyID, nil, nil, destroyed, now, now)
}

func TestReadValueDecryptsCurrentVersion(t *testing.T) {
	svc, mock, engine := newService(t)
	ciphertext, err := engine.Encrypt([]byte("s3cret"))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .+ FROM secrets WHERE id = \$1`).
		WillReturnRows(secretRow("sec-1", "team-1"))
	mock.ExpectQuery(`SELECT .+ FROM secret_versions`).
		WithArgs("sec-1", 2).
		WillReturnRows(versionRow("sec-1", 2, ciphertext, false))
	mock.ExpectExec(`UPDATE secrets SET last_accessed_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_records`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	v, err := svc.ReadValue(context.Background(), "team-1", "sec-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v.Value)
	assert.Equal(t, 2, v.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadValueOfDestroyedVersionFails(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectQuery(`SELECT .+ FROM secrets WHERE id = \$1`).
		WillReturnRows(secretRow("sec-1", "team-1"))
	mock.ExpectQuery(`SELECT .+ FROM secret_versions`).
		WithArgs("sec-1", 1).
		WillReturnRows(versionRow("sec-1", 1, store.DestroyedCiphertext, true))
	mock.ExpectExec(`INSERT INTO audit_records`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := svc.ReadValue(context.Background(), "team-1", "sec-1", intp(1))
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))
}

func TestReadValueScopedToTeam(t *testing.T) {
	svc, mock, _ := newService(t)
	mock.ExpectQuery(`SELECT .+ FROM secrets WHERE id = \$1`).
		WillReturnRows(secretRow("sec-1", "other-team"))

	_, err := svc.ReadValue(context.Background(), "team-1", "sec-1", nil)
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindNotFound, vaulterrors.KindOf(err))
}

func TestDestroyVersionRejectsCurrent(t *testing.T) {
	svc, mock, _ := newService(t)
	mock.ExpectQuery(`SELECT .+ FROM secrets WHERE id = \$1`).
		WillReturnRows(secretRow("sec-1", "team-1"))
	mock.ExpectExec(`INSERT INTO audit_records`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := svc.DestroyVersion(context.Background(), "team-1", "sec-1", 2, "user-1")
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))
}

func TestOperationsRequireUnsealedVault(t *testing.T) {
	svc, _, _ := newService(t)
	require.NoError(t, svc.seal.Seal())

	_, err := svc.ReadValue(context.Background(), "team-1", "sec-1", nil)
	assert.Equal(t, vaulterrors.KindSealed, vaulterrors.KindOf(err))

	_, err = svc.Create(context.Background(), "team-1", "user-1", CreateInput{
		Path: "/p", Name: "n", SecretType: "STATIC",
	})
	assert.Equal(t, vaulterrors.KindSealed, vaulterrors.KindOf(err))
}
