package scheduler

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeops/vault/internal/audit"
	"github.com/codeops/vault/internal/config"
	"github.com/codeops/vault/internal/crypto"
	"github.com/codeops/vault/internal/lease"
	"github.com/codeops/vault/internal/rotation"
	"github.com/codeops/vault/internal/seal"
	"github.com/codeops/vault/internal/secrets"
	"github.com/codeops/vault/internal/store"
)

func newScheduler(t *testing.T, disabled bool) *Scheduler {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	engine, err := crypto.NewEngine("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	sl, err := seal.New(engine, 5, 3, true, hclog.NewNullLogger())
	require.NoError(t, err)

	st := store.NewWithDB(db)
	sink := audit.New(db, hclog.NewNullLogger())
	sec := secrets.New(st, engine, sl, sink, hclog.NewNullLogger())
	rot := rotation.New(st, sec, engine, sl, sink, hclog.NewNullLogger())
	leases := lease.New(st, engine, sec, sl, sink, config.DynamicSecretsConfig{
		DefaultTTL: 3600, MaxTTL: 86400, UsernamePrefix: "v_", PasswordLength: 32,
	}, hclog.NewNullLogger())

	return New(config.SchedulerConfig{
		Disabled:     disabled,
		RotationTick: config.Duration(60 * time.Second),
		LeaseTick:    config.Duration(30 * time.Second),
	}, rot, leases, hclog.NewNullLogger())
}

func TestDisabledSchedulerRegistersNothing(t *testing.T) {
	s := newScheduler(t, true)
	require.NoError(t, s.Start())
	assert.Empty(t, s.cron.Entries())
	s.Stop()
}

func TestStartRegistersBothDrivers(t *testing.T) {
	s := newScheduler(t, false)
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Len(t, s.cron.Entries(), 2)
}
