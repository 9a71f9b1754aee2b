package seal

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeops/vault/internal/crypto"
	vaulterrors "github.com/codeops/vault/internal/errors"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T, autoUnseal bool) *Service {
	t.Helper()
	engine, err := crypto.NewEngine(testMasterKey)
	require.NoError(t, err)
	svc, err := New(engine, 5, 3, autoUnseal, hclog.NewNullLogger())
	require.NoError(t, err)
	return svc
}

func TestAutoUnsealStartsUnsealed(t *testing.T) {
	svc := newTestService(t, true)
	assert.Equal(t, StatusUnsealed, svc.Status())
	assert.NoError(t, svc.RequireUnsealed())
}

func TestStartsSealedWithoutAutoUnseal(t *testing.T) {
	svc := newTestService(t, false)
	assert.Equal(t, StatusSealed, svc.Status())

	err := svc.RequireUnsealed()
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindSealed, vaulterrors.KindOf(err))
}

func TestUnsealWithThresholdShares(t *testing.T) {
	svc := newTestService(t, true)

	shares, err := svc.GenerateKeyShares()
	require.NoError(t, err)
	require.Len(t, shares, 5)

	require.NoError(t, svc.Seal())
	assert.Equal(t, StatusSealed, svc.Status())

	// Two shares leave the vault UNSEALING.
	info, err := svc.SubmitKeyShare(shares[0])
	require.NoError(t, err)
	assert.Equal(t, StatusUnsealing, info.Status)
	assert.Equal(t, 1, info.SharesProvided)

	info, err = svc.SubmitKeyShare(shares[2])
	require.NoError(t, err)
	assert.Equal(t, StatusUnsealing, info.Status)
	assert.Equal(t, 2, info.SharesProvided)

	// The third matching share flips to UNSEALED.
	info, err = svc.SubmitKeyShare(shares[4])
	require.NoError(t, err)
	assert.Equal(t, StatusUnsealed, info.Status)
	assert.NoError(t, svc.RequireUnsealed())
}

func TestAnyThresholdSubsetUnseals(t *testing.T) {
	svc := newTestService(t, true)
	shares, err := svc.GenerateKeyShares()
	require.NoError(t, err)

	for _, idxs := range [][]int{{0, 1, 2}, {1, 3, 4}, {0, 2, 4}} {
		require.NoError(t, svc.Seal())
		for _, i := range idxs[:2] {
			_, err := svc.SubmitKeyShare(shares[i])
			require.NoError(t, err)
		}
		info, err := svc.SubmitKeyShare(shares[idxs[2]])
		require.NoError(t, err)
		assert.Equal(t, StatusUnsealed, info.Status, "subset %v", idxs)
	}
}

func TestForeignShareResetsToSealed(t *testing.T) {
	svc := newTestService(t, true)
	shares, err := svc.GenerateKeyShares()
	require.NoError(t, err)

	// Shares cut from a different master key.
	otherEngine, err := crypto.NewEngine("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	other, err := New(otherEngine, 5, 3, true, hclog.NewNullLogger())
	require.NoError(t, err)
	foreign, err := other.GenerateKeyShares()
	require.NoError(t, err)

	require.NoError(t, svc.Seal())
	_, err = svc.SubmitKeyShare(shares[0])
	require.NoError(t, err)
	_, err = svc.SubmitKeyShare(shares[1])
	require.NoError(t, err)

	// Pick a foreign share whose index doesn't collide with 1 or 2.
	info, err := svc.SubmitKeyShare(foreign[3])
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindIntegrityFailure, vaulterrors.KindOf(err))
	assert.Equal(t, StatusSealed, info.Status)
	assert.Zero(t, info.SharesProvided, "shares must be cleared on mismatch")
}

func TestSubmitShareValidation(t *testing.T) {
	svc := newTestService(t, true)
	shares, err := svc.GenerateKeyShares()
	require.NoError(t, err)
	require.NoError(t, svc.Seal())

	_, err = svc.SubmitKeyShare("%%%not-base64%%%")
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))

	_, err = svc.SubmitKeyShare(shares[0])
	require.NoError(t, err)
	_, err = svc.SubmitKeyShare(shares[0])
	require.Error(t, err, "duplicate index must be rejected")
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))
}

func TestGenerateSharesRequiresUnsealed(t *testing.T) {
	svc := newTestService(t, false)
	_, err := svc.GenerateKeyShares()
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindSealed, vaulterrors.KindOf(err))
}

func TestSealTwiceFails(t *testing.T) {
	svc := newTestService(t, false)
	err := svc.Seal()
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))
}

func TestSubmitShareWhileUnsealedFails(t *testing.T) {
	svc := newTestService(t, true)
	shares, err := svc.GenerateKeyShares()
	require.NoError(t, err)

	_, err = svc.SubmitKeyShare(shares[0])
	require.Error(t, err)
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))
}
