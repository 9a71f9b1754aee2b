package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

const testSigningKey = "token-signing-key-of-32-bytes-min!!"

func signToken(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":         "4fa6b3e9-0000-0000-0000-000000000001",
		"teamId":      "4fa6b3e9-0000-0000-0000-000000000002",
		"roles":       []string{"developer"},
		"permissions": []string{"secrets:read"},
		"exp":         time.Now().Add(time.Hour).Unix(),
	}
}

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(testSigningKey, hclog.NewNullLogger())
	require.NoError(t, err)
	return v
}

func TestValidateAcceptsWellFormedToken(t *testing.T) {
	v := newValidator(t)
	p, err := v.Validate(signToken(t, testSigningKey, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "4fa6b3e9-0000-0000-0000-000000000001", p.UserID)
	assert.Equal(t, "4fa6b3e9-0000-0000-0000-000000000002", p.TeamID)
	assert.True(t, p.HasRole("developer"))
	assert.False(t, p.HasRole("admin"))
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	v := newValidator(t)
	claims := validClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()

	_, err := v.Validate(signToken(t, testSigningKey, claims))
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindForbidden, vaulterrors.KindOf(err))
}

func TestValidateRejectsTokenWithoutExpiry(t *testing.T) {
	v := newValidator(t)
	claims := validClaims()
	delete(claims, "exp")

	_, err := v.Validate(signToken(t, testSigningKey, claims))
	assert.Equal(t, vaulterrors.KindForbidden, vaulterrors.KindOf(err))
}

func TestValidateRejectsWrongSignature(t *testing.T) {
	v := newValidator(t)
	token := signToken(t, "a-different-signing-key-of-32-bytes!", validClaims())

	_, err := v.Validate(token)
	assert.Equal(t, vaulterrors.KindForbidden, vaulterrors.KindOf(err))
}

func TestValidateRejectsMalformedToken(t *testing.T) {
	v := newValidator(t)
	_, err := v.Validate("not-a-token")
	assert.Equal(t, vaulterrors.KindForbidden, vaulterrors.KindOf(err))
}

func TestValidateRequiresSubjectAndTeam(t *testing.T) {
	v := newValidator(t)
	claims := validClaims()
	delete(claims, "teamId")

	_, err := v.Validate(signToken(t, testSigningKey, claims))
	assert.Equal(t, vaulterrors.KindForbidden, vaulterrors.KindOf(err))
}

func TestNewValidatorRequiresLongKey(t *testing.T) {
	_, err := NewValidator("short", hclog.NewNullLogger())
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))
}
