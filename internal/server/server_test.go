package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeops/vault/internal/audit"
	"github.com/codeops/vault/internal/config"
	"github.com/codeops/vault/internal/crypto"
	"github.com/codeops/vault/internal/identity"
	"github.com/codeops/vault/internal/lease"
	"github.com/codeops/vault/internal/policy"
	"github.com/codeops/vault/internal/rotation"
	"github.com/codeops/vault/internal/seal"
	"github.com/codeops/vault/internal/secrets"
	"github.com/codeops/vault/internal/store"
	"github.com/codeops/vault/internal/transit"
)

const testSigningKey = "token-signing-key-of-32-bytes-min!!"

type fixture struct {
	server  *Server
	handler http.Handler
	mock    sqlmock.Sqlmock
	engine  *crypto.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	engine, err := crypto.NewEngine("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	sl, err := seal.New(engine, 5, 3, true, hclog.NewNullLogger())
	require.NoError(t, err)

	logger := hclog.NewNullLogger()
	st := store.NewWithDB(db)
	sink := audit.New(db, logger)
	sec := secrets.New(st, engine, sl, sink, logger)
	pol := policy.New(st, sl, sink, logger)
	rot := rotation.New(st, sec, engine, sl, sink, logger)
	leases := lease.New(st, engine, sec, sl, sink, config.DynamicSecretsConfig{
		DefaultTTL: 3600, MaxTTL: 86400, UsernamePrefix: "v_", PasswordLength: 32,
	}, logger)
	tr, err := transit.New(st, engine, sl, sink, logger)
	require.NoError(t, err)
	validator, err := identity.NewValidator(testSigningKey, logger)
	require.NoError(t, err)

	srv := New(st, sl, sec, pol, rot, leases, tr, sink, validator, logger)
	return &fixture{server: srv, handler: srv.Router(), mock: mock, engine: engine}
}

func signToken(t *testing.T, roles []string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "user-1",
		"teamId": "team-1",
		"roles":  roles,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func secretRow(id, teamID string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "team_id", "path", "name", "description", "secret_type", "current_version",
		"max_versions", "retention_days", "expires_at", "last_accessed_at", "last_rotated_at",
		"owner_id", "external_ref", "active", "row_version", "created_at", "updated_at",
	}).AddRow(id, teamID, "/db/password", "db", "", store.SecretTypeStatic, 1,
		nil, nil, nil, nil, nil, nil, nil, true, int64(1), now, now)
}

func TestSealStatusIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/sys/seal-status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var info seal.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, seal.StatusUnsealed, info.Status)
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/secrets", "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/secrets", "not-a-token", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetSecretReturnsWireShape(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`SELECT .+ FROM secrets WHERE id = \$1`).
		WillReturnRows(secretRow("sec-1", "team-1"))

	rec := f.do(t, http.MethodGet, "/v1/secrets/sec-1", signToken(t, []string{"admin"}), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sec-1", resp["id"])
	assert.Equal(t, "/db/password", resp["path"])
	assert.NotContains(t, rec.Body.String(), "ciphertext")
}

func TestGetSecretNotFoundMapsTo404(t *testing.T) {
	// Row belongs to another team, surfaced as not-found.
	f := newFixture(t)
	f.mock.ExpectQuery(`SELECT .+ FROM secrets WHERE id = \$1`).
		WillReturnRows(secretRow("sec-1", "other-team"))

	rec := f.do(t, http.MethodGet, "/v1/secrets/sec-1", signToken(t, []string{"admin"}), "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not-found", resp.Kind)
}

func TestSealedVaultMapsTo503(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.server.seal.Seal())

	rec := f.do(t, http.MethodPost, "/v1/transit/keys/orders/rotate",
		signToken(t, []string{"admin"}), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNonAdminReadGoesThroughPolicyEvaluator(t *testing.T) {
	f := newFixture(t)

	// Secret lookup for the authorization step, then the evaluator's
	// binding query returning nothing: default deny.
	f.mock.ExpectQuery(`SELECT .+ FROM secrets WHERE id = \$1`).
		WillReturnRows(secretRow("sec-1", "team-1"))
	f.mock.ExpectQuery(`SELECT DISTINCT p\.id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "team_id", "name", "path_pattern", "permissions",
			"deny", "active", "row_version", "created_at", "updated_at",
		}))

	rec := f.do(t, http.MethodGet, "/v1/secrets/sec-1/value",
		signToken(t, []string{"developer"}), "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "no matching policy", resp.Error)
}

func TestCreatePolicyValidatesInput(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/policies", signToken(t, []string{"admin"}),
		`{"name":"","pathPattern":"/x","permissions":["READ"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnsealRejectsGarbageShare(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.server.seal.Seal())
	f.mock.ExpectExec(`INSERT INTO audit_records`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := f.do(t, http.MethodPost, "/v1/sys/unseal", "", `{"share":"%%%"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthReportsSealState(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectPing()

	rec := f.do(t, http.MethodGet, "/v1/sys/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Sealed)
	assert.Equal(t, "ok", resp.Database)
}
