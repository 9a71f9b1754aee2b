// Package crypto implements the envelope-encryption engine: a KEK is
// derived from the master key with HKDF, every encryption samples a
// fresh DEK, and the DEK travels wrapped inside the envelope next to
// the ciphertext. Master-key and KEK bytes live in memguard enclaves
// and are only opened for the duration of an operation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"github.com/awnumar/memguard"

	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/pkg/kdf"
)

const (
	// MaxPlaintextSize bounds a single encryption operation.
	MaxPlaintextSize = 1 << 20

	// StorageKeyID names the default KEK in envelope headers.
	StorageKeyID = "master-v1"

	// StoragePurpose is the derivation purpose of the default KEK.
	StoragePurpose = "secret-storage"

	// MasterKeySize is the number of master-key bytes the seal layer
	// compares after Shamir reconstruction.
	MasterKeySize = 32

	purposePrefix = "codeops-vault-"

	maxRandomStringLength = 4096
)

// Named random-string alphabets. Any other charset value is treated as
// the literal alphabet to draw from.
var charsets = map[string]string{
	"alphanumeric": "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789",
	"alpha":        "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ",
	"numeric":      "0123456789",
	"hex":          "0123456789abcdef",
}

// Engine performs all envelope-encryption operations for the vault.
type Engine struct {
	master     *memguard.Enclave
	storageKEK *memguard.Enclave
}

// NewEngine derives the storage KEK from the master key and verifies
// the engine with an encrypt/decrypt probe. It refuses to start on a
// short master key or a failed probe.
func NewEngine(masterKey string) (*Engine, error) {
	masterBytes := []byte(masterKey)
	if len(masterBytes) < MasterKeySize {
		return nil, vaulterrors.InvalidInputf("master key must decode to at least %d bytes, got %d", MasterKeySize, len(masterBytes))
	}

	kek, err := derivePurposeKey(masterBytes, StoragePurpose)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		master:     memguard.NewEnclave(masterBytes),
		storageKEK: memguard.NewEnclave(kek),
	}

	probe := []byte("codeops-vault-startup-probe")
	sealed, err := e.Encrypt(probe)
	if err != nil {
		return nil, vaulterrors.Internal("encryption engine probe failed", err)
	}
	opened, err := e.Decrypt(sealed)
	if err != nil {
		return nil, vaulterrors.Internal("encryption engine probe failed", err)
	}
	if subtle.ConstantTimeCompare(probe, opened) != 1 {
		return nil, vaulterrors.IntegrityFailure("encryption engine probe round-trip mismatch")
	}

	return e, nil
}

func derivePurposeKey(master []byte, purpose string) ([]byte, error) {
	return kdf.Derive(master, nil, []byte(purposePrefix+purpose), 32)
}

// DeriveKey derives a 32-byte key for the named purpose from the
// master key.
func (e *Engine) DeriveKey(purpose string) ([]byte, error) {
	buf, err := e.master.Open()
	if err != nil {
		return nil, vaulterrors.Internal("opening master key enclave", err)
	}
	defer buf.Destroy()
	return derivePurposeKey(buf.Bytes(), purpose)
}

// MasterKeyBytes returns a copy of the first MasterKeySize bytes of
// the master key. The seal service uses this for share verification
// and share generation.
func (e *Engine) MasterKeyBytes() ([]byte, error) {
	buf, err := e.master.Open()
	if err != nil {
		return nil, vaulterrors.Internal("opening master key enclave", err)
	}
	defer buf.Destroy()
	out := make([]byte, MasterKeySize)
	copy(out, buf.Bytes())
	return out, nil
}

// Encrypt seals plaintext under the storage KEK.
func (e *Engine) Encrypt(plaintext []byte) (string, error) {
	buf, err := e.storageKEK.Open()
	if err != nil {
		return "", vaulterrors.Internal("opening storage KEK enclave", err)
	}
	defer buf.Destroy()
	return e.EncryptWithKey(plaintext, StorageKeyID, buf.Bytes())
}

// Decrypt opens an envelope sealed under the storage KEK.
func (e *Engine) Decrypt(encoded string) ([]byte, error) {
	buf, err := e.storageKEK.Open()
	if err != nil {
		return nil, vaulterrors.Internal("opening storage KEK enclave", err)
	}
	defer buf.Destroy()
	return e.DecryptWithKey(encoded, buf.Bytes())
}

// EncryptWithKey seals plaintext under a caller-supplied KEK, stamping
// the envelope header with keyID.
func (e *Engine) EncryptWithKey(plaintext []byte, keyID string, kek []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", vaulterrors.InvalidInput("plaintext must not be empty")
	}
	if len(plaintext) > MaxPlaintextSize {
		return "", vaulterrors.InvalidInputf("plaintext exceeds %d bytes", MaxPlaintextSize)
	}
	if keyID == "" {
		return "", vaulterrors.InvalidInput("key id must not be empty")
	}
	if len(kek) != dekSize {
		return "", vaulterrors.InvalidInputf("key-encryption key must be %d bytes", dekSize)
	}

	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return "", vaulterrors.Internal("sampling data-encryption key", err)
	}

	// The key id is bound to the DEK wrap as associated data so that
	// header tampering surfaces as an integrity failure.
	dekIV, dekCT, err := gcmSeal(kek, dek, []byte(keyID))
	if err != nil {
		return "", err
	}
	dataIV, dataCT, err := gcmSeal(dek, plaintext, nil)
	if err != nil {
		return "", err
	}

	env := &envelope{
		keyID:  keyID,
		dekIV:  dekIV,
		dekCT:  dekCT,
		dataIV: dataIV,
		dataCT: dataCT,
	}
	return env.encode(), nil
}

// DecryptWithKey opens an envelope with a caller-supplied KEK.
func (e *Engine) DecryptWithKey(encoded string, kek []byte) ([]byte, error) {
	if len(kek) != dekSize {
		return nil, vaulterrors.InvalidInputf("key-encryption key must be %d bytes", dekSize)
	}
	env, err := decodeEnvelope(encoded)
	if err != nil {
		return nil, err
	}

	dek, err := gcmOpen(kek, env.dekIV, env.dekCT, []byte(env.keyID))
	if err != nil {
		return nil, err
	}
	if len(dek) != dekSize {
		return nil, vaulterrors.IntegrityFailure("unwrapped data-encryption key has wrong size")
	}
	return gcmOpen(dek, env.dataIV, env.dataCT, nil)
}

// Rewrap re-encrypts an envelope under a new KEK and key id. The
// plaintext never appears in any return value.
func (e *Engine) Rewrap(encoded string, oldKEK, newKEK []byte, newKeyID string) (string, error) {
	plaintext, err := e.DecryptWithKey(encoded, oldKEK)
	if err != nil {
		return "", err
	}
	return e.EncryptWithKey(plaintext, newKeyID, newKEK)
}

// ExtractKeyID parses the envelope header and returns the key id. No
// cryptographic operation is performed.
func (e *Engine) ExtractKeyID(encoded string) (string, error) {
	env, err := decodeEnvelope(encoded)
	if err != nil {
		return "", err
	}
	return env.keyID, nil
}

// GenerateDataKey returns 32 fresh random bytes.
func (e *Engine) GenerateDataKey() ([]byte, error) {
	key := make([]byte, dekSize)
	if _, err := rand.Read(key); err != nil {
		return nil, vaulterrors.Internal("sampling data key", err)
	}
	return key, nil
}

// GenerateAndWrapDataKey returns a fresh data key as base64 plaintext
// together with its storage-envelope-encrypted form.
func (e *Engine) GenerateAndWrapDataKey() (plaintext string, wrapped string, err error) {
	key, err := e.GenerateDataKey()
	if err != nil {
		return "", "", err
	}
	wrapped, err = e.Encrypt(key)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(key), wrapped, nil
}

// GenerateRandomString draws length characters uniformly from the
// named alphabet. Unknown charset names are treated as the literal
// alphabet.
func (e *Engine) GenerateRandomString(length int, charset string) (string, error) {
	if length < 1 || length > maxRandomStringLength {
		return "", vaulterrors.InvalidInputf("random string length must be in [1, %d]", maxRandomStringLength)
	}

	alphabet, ok := charsets[charset]
	if !ok {
		if charset == "ascii-printable" {
			var sb []byte
			for c := byte(0x20); c <= 0x7E; c++ {
				sb = append(sb, c)
			}
			alphabet = string(sb)
		} else {
			alphabet = charset
		}
	}
	if len(alphabet) == 0 || len(alphabet) > 256 {
		return "", vaulterrors.InvalidInput("charset must name an alphabet of 1 to 256 characters")
	}

	// Rejection sampling keeps the draw uniform for alphabets whose
	// size does not divide 256.
	limit := 256 - (256 % len(alphabet))
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", vaulterrors.Internal("sampling random string", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// Hash returns the lowercase hex SHA-256 of data.
func (e *Engine) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func gcmSeal(key, plaintext, aad []byte) (iv, ct []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, vaulterrors.Internal("initialising cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, vaulterrors.Internal("initialising GCM", err)
	}
	iv = make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, vaulterrors.Internal("sampling nonce", err)
	}
	return iv, gcm.Seal(nil, iv, plaintext, aad), nil
}

func gcmOpen(key, iv, ct, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, vaulterrors.Internal("initialising cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, vaulterrors.Internal("initialising GCM", err)
	}
	if len(iv) != gcmNonceSize {
		return nil, vaulterrors.IntegrityFailure("envelope nonce has wrong size")
	}
	plaintext, err := gcm.Open(nil, iv, ct, aad)
	if err != nil {
		return nil, vaulterrors.IntegrityFailure("authenticated decryption failed")
	}
	return plaintext, nil
}
