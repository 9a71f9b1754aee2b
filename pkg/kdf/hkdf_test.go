package kdf

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 5869 appendix A, test case 1 (SHA-256).
func TestDeriveRFC5869Vector(t *testing.T) {
	ikm, _ := hex.DecodeString("0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b")
	salt, _ := hex.DecodeString("000102030405060708090a0b0c")
	info, _ := hex.DecodeString("f0f1f2f3f4f5f6f7f8f9")

	okm, err := Derive(ikm, salt, info, 42)
	require.NoError(t, err)

	expected := "3cb25f25faacd57a90434f64d0362f2a" +
		"2d2d0a90cf1a5a4c5db02d56ecc4c5bf" +
		"34007208d5b887185865"
	assert.Equal(t, expected, hex.EncodeToString(okm))
}

func TestExtractThenExpandMatchesDerive(t *testing.T) {
	ikm := []byte("some input key material")
	info := []byte("context")

	prk := Extract(nil, ikm)
	viaSplit, err := Expand(prk, info, 32)
	require.NoError(t, err)

	viaDerive, err := Derive(ikm, nil, info, 32)
	require.NoError(t, err)

	assert.Equal(t, viaDerive, viaSplit)
}

func TestDeriveDeterministic(t *testing.T) {
	a, err := Derive([]byte("master"), nil, []byte("purpose"), 32)
	require.NoError(t, err)
	b, err := Derive([]byte("master"), nil, []byte("purpose"), 32)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Derive([]byte("master"), nil, []byte("other"), 32)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestDeriveValidation(t *testing.T) {
	_, err := Derive(nil, nil, nil, 32)
	assert.Error(t, err, "empty ikm")

	_, err = Derive([]byte("ikm"), nil, nil, 0)
	assert.Error(t, err, "zero length")

	_, err = Derive([]byte("ikm"), nil, nil, MaxOutputLength+1)
	assert.Error(t, err, "over cap")

	_, err = Derive([]byte("ikm"), nil, nil, MaxOutputLength)
	assert.NoError(t, err, "exactly at cap")
}
