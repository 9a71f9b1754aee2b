package policy

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

func TestMatchPath(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/services/*/db/password", "/services/app-a/db/password", true},
		{"/services/*/db/password", "/services/app-a/api/key", false},
		{"/services/*/db/password", "/services/app-a/db", false},
		{"/services/app-a/*", "/services/app-a/key", true},
		{"/services/app-a/*", "/services/app-a/db/password", true}, // trailing * spans the remainder
		{"/services/*", "/services/app-b/key", true},
		{"/services/app-a/*", "/services/app-b/key", false},
		{"/a/*/c", "/a//c", false}, // wildcard requires a non-empty segment
		{"/a/*", "/a/", false},
		{"/exact", "/exact", true},
		{"/exact", "/other", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchPath(tc.pattern, tc.path),
			"pattern %q path %q", tc.pattern, tc.path)
	}
}

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	engine, err := crypto.NewEngine("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	sl, err := seal.New(engine, 5, 3, true, hclog.NewNullLogger())
	require.NoError(t, err)

	st := store.NewWithDB(db)
	return New(st, sl, audit.New(db, hclog.NewNullLogger()), hclog.NewNullLogger()), mock
}

func policyRows(t *testing.T) *sqlmock.Rows {
	t.Helper()
	return sqlmock.NewRows([]string{
		"id", "team_id", "name", "path_pattern", "permissions", "deny",
		"active", "row_version", "created_at", "updated_at",
	})
}

func TestDenyOverridesAllow(t *testing.T) {
	svc, mock := newService(t)
	now := time.Now().UTC()

	rows := policyRows(t).
		AddRow("p-allow", "team-1", "read-services", "/services/*/db/password", "{READ}", false,
			true, int64(1), now, now).
		AddRow("p-deny", "team-1", "deny-app-a", "/services/*/db/*", "{READ}", true,
			true, int64(1), now, now)
	mock.ExpectQuery(`SELECT DISTINCT .+ FROM access_policies`).
		WillReturnRows(rows)

	dec, err := svc.EvaluateAccess(context.Background(), "user-1", "team-1",
		"/services/app-a/db/password", "READ")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "p-deny", dec.PolicyID, "decision must carry the deny policy")
}

func TestAllowWhenNoDenyMatches(t *testing.T) {
	svc, mock := newService(t)
	now := time.Now().UTC()

	rows := policyRows(t).
		AddRow("p-allow", "team-1", "read-services", "/services/*", "{READ}", false,
			true, int64(1), now, now).
		AddRow("p-deny", "team-1", "deny-app-a", "/services/app-a/*", "{READ}", true,
			true, int64(1), now, now)
	mock.ExpectQuery(`SELECT DISTINCT .+ FROM access_policies`).
		WillReturnRows(rows)

	dec, err := svc.EvaluateAccess(context.Background(), "user-1", "team-1",
		"/services/app-b/key", "READ")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, "p-allow", dec.PolicyID)
}

func TestDefaultDenyWithoutMatchingPolicy(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery(`SELECT DISTINCT .+ FROM access_policies`).
		WillReturnRows(policyRows(t))

	dec, err := svc.EvaluateAccess(context.Background(), "user-1", "team-1",
		"/services/app-a/key", "READ")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Empty(t, dec.PolicyID)
}

func TestPermissionMustMatch(t *testing.T) {
	svc, mock := newService(t)
	now := time.Now().UTC()

	rows := policyRows(t).
		AddRow("p-allow", "team-1", "read-only", "/services/*", "{READ}", false,
			true, int64(1), now, now)
	mock.ExpectQuery(`SELECT DISTINCT .+ FROM access_policies`).
		WillReturnRows(rows)

	dec, err := svc.EvaluateAccess(context.Background(), "user-1", "team-1",
		"/services/key", "WRITE")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestEvaluateRejectsUnknownPermission(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.EvaluateAccess(context.Background(), "u", "t", "/p", "ADMIN")
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Create(context.Background(), "team-1", "user-1", CreateInput{
		Name:        "bad",
		PathPattern: "no-leading-slash",
		Permissions: []string{"READ"},
	})
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))

	_, err = svc.Create(context.Background(), "team-1", "user-1", CreateInput{
		Name:        "bad",
		PathPattern: "/ok",
		Permissions: nil,
	})
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))
}
