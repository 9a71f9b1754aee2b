// Package kdf wraps the RFC 5869 HKDF construction with the parameter
// validation and defaults used throughout the vault: HMAC-SHA-256, a
// zero-filled salt when none is given, and the RFC output cap of
// 255 hash blocks.
package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

// MaxOutputLength is the largest number of bytes a single derivation
// may produce (255 * HashLen per RFC 5869 §2.3).
const MaxOutputLength = 255 * sha256.Size

// Derive runs extract-then-expand in one step. A nil or empty salt is
// replaced with a zero-filled block of the hash size.
func Derive(ikm, salt, info []byte, length int) ([]byte, error) {
	if len(ikm) == 0 {
		return nil, vaulterrors.InvalidInput("kdf: input key material must not be empty")
	}
	if length < 1 || length > MaxOutputLength {
		return nil, vaulterrors.InvalidInputf("kdf: output length must be in [1, %d], got %d", MaxOutputLength, length)
	}
	if len(salt) == 0 {
		salt = make([]byte, sha256.Size)
	}

	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, vaulterrors.Internal("kdf: derivation failed", err)
	}
	return out, nil
}

// Extract computes the HKDF pseudo-random key. A nil or empty salt is
// replaced with a zero-filled block of the hash size.
func Extract(salt, ikm []byte) []byte {
	if len(salt) == 0 {
		salt = make([]byte, sha256.Size)
	}
	return hkdf.Extract(sha256.New, ikm, salt)
}

// Expand stretches a pseudo-random key produced by Extract into
// length bytes of output keying material.
func Expand(prk, info []byte, length int) ([]byte, error) {
	if length < 1 || length > MaxOutputLength {
		return nil, vaulterrors.InvalidInputf("kdf: output length must be in [1, %d], got %d", MaxOutputLength, length)
	}

	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		return nil, vaulterrors.Internal("kdf: expansion failed", err)
	}
	return out, nil
}
