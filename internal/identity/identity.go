// Package identity validates externally issued bearer tokens. The
// vault never issues tokens and keeps no blacklist; a token is good
// until its embedded expiry.
package identity

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-hclog"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

const minSigningKeyLength = 32

// Principal is the validated caller identity.
type Principal struct {
	UserID      string   `json:"userId"`
	TeamID      string   `json:"teamId"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// HasRole reports whether the principal carries the role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type tokenClaims struct {
	TeamID      string   `json:"teamId"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Validator checks token signatures against the shared HMAC secret.
type Validator struct {
	signingKey []byte
	logger     hclog.Logger
}

// NewValidator builds a validator. The signing key is shared with the
// token issuer and must be at least 32 bytes.
func NewValidator(signingKey string, logger hclog.Logger) (*Validator, error) {
	if len(signingKey) < minSigningKeyLength {
		return nil, vaulterrors.InvalidInputf("token signing key must be at least %d bytes", minSigningKeyLength)
	}
	return &Validator{
		signingKey: []byte(signingKey),
		logger:     logger.Named("identity"),
	}, nil
}

// Validate parses and verifies a bearer token. Expired, malformed, or
// badly signed tokens yield no principal.
func (v *Validator) Validate(tokenString string) (*Principal, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		v.logger.Debug("token rejected", "error", err)
		return nil, vaulterrors.Forbidden("invalid or expired token")
	}
	if claims.Subject == "" || claims.TeamID == "" {
		return nil, vaulterrors.Forbidden("token is missing subject or team")
	}

	return &Principal{
		UserID:      claims.Subject,
		TeamID:      claims.TeamID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}
