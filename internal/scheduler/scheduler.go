// Package scheduler runs the two periodic drivers: the rotation sweep
// and the lease-expiry sweep. Each job skips its tick when the prior
// invocation is still running, so a slow rotation never piles up.
package scheduler

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"

	"github.com/codeops/vault/internal/config"
	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/lease"
	"github.com/codeops/vault/internal/rotation"
)

// Scheduler owns the periodic workers.
type Scheduler struct {
	cron     *cron.Cron
	rotation *rotation.Engine
	leases   *lease.Service
	logger   hclog.Logger
	disabled bool
	cfg      config.SchedulerConfig
}

// New builds the scheduler. With cfg.Disabled the drivers never run.
func New(cfg config.SchedulerConfig, rot *rotation.Engine, leases *lease.Service, logger hclog.Logger) *Scheduler {
	log := logger.Named("scheduler")
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLogger{log}),
			cron.Recover(cronLogger{log}),
		)),
		rotation: rot,
		leases:   leases,
		logger:   log,
		disabled: cfg.Disabled,
		cfg:      cfg,
	}
}

// Start registers the drivers and launches the cron worker.
func (s *Scheduler) Start() error {
	if s.disabled {
		s.logger.Info("scheduler disabled")
		return nil
	}

	if _, err := s.cron.AddFunc("@every "+s.cfg.RotationTick.String(), s.runRotationSweep); err != nil {
		return vaulterrors.Internal("registering rotation driver", err)
	}
	if _, err := s.cron.AddFunc("@every "+s.cfg.LeaseTick.String(), s.runLeaseSweep); err != nil {
		return vaulterrors.Internal("registering lease driver", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		"rotation_tick", s.cfg.RotationTick, "lease_tick", s.cfg.LeaseTick)
	return nil
}

// Stop halts the cron worker and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.disabled {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runRotationSweep() {
	processed, err := s.rotation.ProcessDueRotations(context.Background())
	if err != nil {
		if vaulterrors.IsKind(err, vaulterrors.KindSealed) {
			s.logger.Debug("rotation sweep skipped, vault sealed")
			return
		}
		s.logger.Error("rotation sweep failed", "error", err)
		return
	}
	if processed > 0 {
		s.logger.Info("rotation sweep complete", "processed", processed)
	}
}

func (s *Scheduler) runLeaseSweep() {
	closed, err := s.leases.ProcessExpiredLeases(context.Background())
	if err != nil {
		if vaulterrors.IsKind(err, vaulterrors.KindSealed) {
			s.logger.Debug("lease sweep skipped, vault sealed")
			return
		}
		s.logger.Error("lease sweep failed", "error", err)
		return
	}
	if closed > 0 {
		s.logger.Info("lease sweep complete", "expired", closed)
	}
}

// cronLogger adapts hclog to the cron logging interface.
type cronLogger struct {
	log hclog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, append(keysAndValues, "error", err)...)
}
