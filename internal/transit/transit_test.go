package transit

import (
	"context"
	"encoding/base64"
	"encoding/json"
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
	svc, err := New(st, engine, sl, audit.New(db, hclog.NewNullLogger()), hclog.NewNullLogger())
	require.NoError(t, err)
	return svc, mock, engine
}

// buildMaterial encrypts a dense version array the way CreateKey and
// RotateKey store it.
func buildMaterial(t *testing.T, engine *crypto.Engine, versions int) (string, []keyMaterial) {
	t.Helper()
	material := make([]keyMaterial, 0, versions)
	for v := 1; v <= versions; v++ {
		raw, err := engine.GenerateDataKey()
		require.NoError(t, err)
		material = append(material, keyMaterial{Version: v, Key: base64.StdEncoding.EncodeToString(raw)})
	}
	data, err := json.Marshal(material)
	require.NoError(t, err)
	ciphertext, err := engine.Encrypt(data)
	require.NoError(t, err)
	return ciphertext, material
}

func keyRow(name, materialCiphertext string, current, min int) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "team_id", "name", "description", "current_version",
		"min_decryption_version", "material_ciphertext", "algorithm", "deletable",
		"exportable", "active", "row_version", "created_at", "updated_at",
	}).AddRow("key-1", "team-1", name, "", current,
		min, materialCiphertext, "AES-256-GCM", false,
		false, true, int64(1), now, now)
}

func expectKeyLookup(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT .+ FROM transit_keys WHERE team_id = \$1 AND name = \$2`).
		WillReturnRows(rows)
}

func expectAudit(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`INSERT INTO audit_records`).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, mock, engine := newService(t)
	material, _ := buildMaterial(t, engine, 1)

	expectKeyLookup(mock, keyRow("orders", material, 1, 1))
	expectAudit(mock)
	res, err := svc.Encrypt(context.Background(), "team-1", "orders", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.KeyVersion)

	id, err := engine.ExtractKeyID(res.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "orders:v1", id)

	expectKeyLookup(mock, keyRow("orders", material, 1, 1))
	expectAudit(mock)
	plaintext, err := svc.Decrypt(context.Background(), "team-1", "orders", res.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plaintext))
}

func TestDecryptBelowMinimumVersionFails(t *testing.T) {
	svc, mock, engine := newService(t)
	material, _ := buildMaterial(t, engine, 2)

	// Encrypt while v1 is current.
	expectKeyLookup(mock, keyRow("orders", material, 1, 1))
	expectAudit(mock)
	res, err := svc.Encrypt(context.Background(), "team-1", "orders", []byte("payload"))
	require.NoError(t, err)

	// After rotation to v2 with minDecryption=2 the old ciphertext is
	// rejected.
	expectKeyLookup(mock, keyRow("orders", material, 2, 2))
	_, err = svc.Decrypt(context.Background(), "team-1", "orders", res.Ciphertext)
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))

	// Rewrap fails for the same reason.
	expectKeyLookup(mock, keyRow("orders", material, 2, 2))
	_, err = svc.Rewrap(context.Background(), "team-1", "orders", res.Ciphertext)
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))

	// A fresh encrypt emits v2 and decrypts.
	expectKeyLookup(mock, keyRow("orders", material, 2, 2))
	expectAudit(mock)
	res2, err := svc.Encrypt(context.Background(), "team-1", "orders", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 2, res2.KeyVersion)

	expectKeyLookup(mock, keyRow("orders", material, 2, 2))
	expectAudit(mock)
	plaintext, err := svc.Decrypt(context.Background(), "team-1", "orders", res2.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plaintext))
}

func TestDecryptAboveCurrentVersionIsNotFound(t *testing.T) {
	svc, mock, engine := newService(t)
	material2, _ := buildMaterial(t, engine, 2)

	// Ciphertext from a two-version key presented to a key that only
	// knows version 1.
	expectKeyLookup(mock, keyRow("orders", material2, 2, 1))
	expectAudit(mock)
	res, err := svc.Encrypt(context.Background(), "team-1", "orders", []byte("payload"))
	require.NoError(t, err)

	material1, _ := buildMaterial(t, engine, 1)
	expectKeyLookup(mock, keyRow("orders", material1, 1, 1))
	_, err = svc.Decrypt(context.Background(), "team-1", "orders", res.Ciphertext)
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindNotFound, vaulterrors.KindOf(err))
}

func TestDecryptRejectsForeignKeyName(t *testing.T) {
	svc, mock, engine := newService(t)
	material, _ := buildMaterial(t, engine, 1)

	expectKeyLookup(mock, keyRow("orders", material, 1, 1))
	expectAudit(mock)
	res, err := svc.Encrypt(context.Background(), "team-1", "orders", []byte("payload"))
	require.NoError(t, err)

	expectKeyLookup(mock, keyRow("billing", material, 1, 1))
	_, err = svc.Decrypt(context.Background(), "team-1", "billing", res.Ciphertext)
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))
}

func TestRewrapMovesCiphertextToCurrentVersion(t *testing.T) {
	svc, mock, engine := newService(t)
	material, _ := buildMaterial(t, engine, 2)

	expectKeyLookup(mock, keyRow("orders", material, 1, 1))
	expectAudit(mock)
	res, err := svc.Encrypt(context.Background(), "team-1", "orders", []byte("payload"))
	require.NoError(t, err)

	expectKeyLookup(mock, keyRow("orders", material, 2, 1))
	rewrapped, err := svc.Rewrap(context.Background(), "team-1", "orders", res.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, 2, rewrapped.KeyVersion)

	id, err := engine.ExtractKeyID(rewrapped.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "orders:v2", id)

	expectKeyLookup(mock, keyRow("orders", material, 2, 1))
	expectAudit(mock)
	plaintext, err := svc.Decrypt(context.Background(), "team-1", "orders", rewrapped.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plaintext))
}

func TestRotateAppendsDenseVersion(t *testing.T) {
	svc, mock, engine := newService(t)
	material, _ := buildMaterial(t, engine, 1)

	expectKeyLookup(mock, keyRow("orders", material, 1, 1))
	mock.ExpectExec(`UPDATE transit_keys SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAudit(mock)

	k, err := svc.RotateKey(context.Background(), "team-1", "orders", "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, k.CurrentVersion)

	// The stored material must decrypt to dense versions 1..2.
	plaintext, err := engine.Decrypt(k.MaterialCiphertext)
	require.NoError(t, err)
	var stored []keyMaterial
	require.NoError(t, json.Unmarshal(plaintext, &stored))
	require.Len(t, stored, 2)
	for i, m := range stored {
		assert.Equal(t, i+1, m.Version)
	}
}

func TestDeleteRequiresDeletableFlag(t *testing.T) {
	svc, mock, engine := newService(t)
	material, _ := buildMaterial(t, engine, 1)

	expectKeyLookup(mock, keyRow("orders", material, 1, 1))
	expectAudit(mock)
	err := svc.DeleteKey(context.Background(), "team-1", "orders", "user-1")
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))
}

func TestParseKeyID(t *testing.T) {
	name, version, err := parseKeyID("orders:v3")
	require.NoError(t, err)
	assert.Equal(t, "orders", name)
	assert.Equal(t, 3, version)

	for _, bad := range []string{"orders", "orders:v", "orders:vx", ":v1", "orders:v0"} {
		_, _, err := parseKeyID(bad)
		assert.Error(t, err, "id %q", bad)
	}
}

func TestKeyNameValidation(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.CreateKey(context.Background(), "team-1", "user-1", "bad name!", "", false, false)
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))
}
