package rotation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeops/vault/internal/crypto"
	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/store"
)

func strp(s string) *string { return &s }
func intp(n int) *int       { return &n }

func TestFailureBudgetDeactivatesPolicy(t *testing.T) {
	now := time.Now().UTC()
	p := &store.RotationPolicy{
		IntervalHours: 1,
		Active:        true,
		MaxFailures:   3,
	}

	applyFailure(p, now)
	assert.True(t, p.Active)
	assert.Equal(t, 1, p.FailureCount)

	applyFailure(p, now)
	assert.True(t, p.Active)
	assert.Equal(t, 2, p.FailureCount)

	applyFailure(p, now)
	assert.False(t, p.Active, "third consecutive failure exhausts the budget")
	assert.Equal(t, 3, p.FailureCount)
}

func TestFailureAdvancesScheduleAndCount(t *testing.T) {
	now := time.Now().UTC()
	p := &store.RotationPolicy{
		IntervalHours:  2,
		NextRotationAt: now.Add(-time.Hour),
		Active:         true,
		MaxFailures:    5,
	}
	before := p.NextRotationAt

	applyFailure(p, now)
	assert.True(t, p.NextRotationAt.After(before), "schedule must advance on failure")
	assert.Equal(t, now.Add(2*time.Hour), p.NextRotationAt)
	assert.Equal(t, 1, p.FailureCount)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	now := time.Now().UTC()
	p := &store.RotationPolicy{
		IntervalHours: 1,
		FailureCount:  2,
		Active:        true,
		MaxFailures:   3,
	}

	applySuccess(p, now)
	assert.Zero(t, p.FailureCount)
	assert.True(t, p.Active)
	require.NotNil(t, p.LastRotatedAt)
	assert.Equal(t, now, *p.LastRotatedAt)
	assert.Equal(t, now.Add(time.Hour), p.NextRotationAt)
}

func TestRandomStrategyHonoursPolicyParameters(t *testing.T) {
	engine, err := crypto.NewEngine("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	s := &randomStrategy{engine: engine}

	value, err := s.Generate(context.Background(), &store.RotationPolicy{
		RandomLength:  intp(24),
		RandomCharset: strp("hex"),
	})
	require.NoError(t, err)
	assert.Len(t, value, 24)
	for _, c := range value {
		assert.Contains(t, "0123456789abcdef", string(c))
	}

	_, err = s.Generate(context.Background(), &store.RotationPolicy{})
	assert.Equal(t, vaulterrors.KindInvalidInput, vaulterrors.KindOf(err))
}

func TestExternalAPIStrategyTrimsResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("  new-value\n"))
	}))
	defer srv.Close()

	s := newExternalAPIStrategy()
	value, err := s.Generate(context.Background(), &store.RotationPolicy{
		ExternalAPIURL:     strp(srv.URL),
		ExternalAPIHeaders: strp(`{"Authorization":"Bearer token-1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "new-value", value)
}

func TestExternalAPIStrategyRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newExternalAPIStrategy()
	_, err := s.Generate(context.Background(), &store.RotationPolicy{
		ExternalAPIURL: strp(srv.URL),
	})
	require.Error(t, err)
}

func TestCustomScriptStrategyIsReserved(t *testing.T) {
	var s customScriptStrategy
	_, err := s.Generate(context.Background(), &store.RotationPolicy{})
	assert.Equal(t, vaulterrors.KindNotImplemented, vaulterrors.KindOf(err))
}

func TestValidatePolicyInput(t *testing.T) {
	cases := []struct {
		name string
		in   PolicyInput
		kind vaulterrors.Kind
	}{
		{
			name: "valid random",
			in: PolicyInput{
				Strategy: store.StrategyRandomGenerate, IntervalHours: 24,
				RandomLength: intp(32), RandomCharset: strp("alphanumeric"), MaxFailures: 3,
			},
		},
		{
			name: "random without length",
			in: PolicyInput{
				Strategy: store.StrategyRandomGenerate, IntervalHours: 24,
				RandomCharset: strp("alphanumeric"), MaxFailures: 3,
			},
			kind: vaulterrors.KindInvalidInput,
		},
		{
			name: "external without url",
			in:   PolicyInput{Strategy: store.StrategyExternalAPI, IntervalHours: 24, MaxFailures: 3},
			kind: vaulterrors.KindInvalidInput,
		},
		{
			name: "external with bad header json",
			in: PolicyInput{
				Strategy: store.StrategyExternalAPI, IntervalHours: 24,
				ExternalAPIURL: strp("https://example.com/rotate"),
				ExternalAPIHeaders: strp("{not json"), MaxFailures: 3,
			},
			kind: vaulterrors.KindInvalidInput,
		},
		{
			name: "custom script is storable",
			in:   PolicyInput{Strategy: store.StrategyCustomScript, IntervalHours: 24, MaxFailures: 3},
		},
		{
			name: "zero interval",
			in:   PolicyInput{Strategy: store.StrategyRandomGenerate, IntervalHours: 0, MaxFailures: 3},
			kind: vaulterrors.KindInvalidInput,
		},
		{
			name: "unknown strategy",
			in:   PolicyInput{Strategy: "GUESS", IntervalHours: 24, MaxFailures: 3},
			kind: vaulterrors.KindInvalidInput,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validatePolicyInput(tc.in)
			if tc.kind == "" {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tc.kind, vaulterrors.KindOf(err))
			}
		})
	}
}
