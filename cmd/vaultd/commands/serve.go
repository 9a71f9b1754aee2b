package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeops/vault/internal/audit"
	"github.com/codeops/vault/internal/config"
	"github.com/codeops/vault/internal/crypto"
	"github.com/codeops/vault/internal/identity"
	"github.com/codeops/vault/internal/lease"
	"github.com/codeops/vault/internal/logging"
	"github.com/codeops/vault/internal/metrics"
	"github.com/codeops/vault/internal/policy"
	"github.com/codeops/vault/internal/rotation"
	"github.com/codeops/vault/internal/scheduler"
	"github.com/codeops/vault/internal/seal"
	"github.com/codeops/vault/internal/secrets"
	"github.com/codeops/vault/internal/server"
	"github.com/codeops/vault/internal/store"
	"github.com/codeops/vault/internal/transit"
)

const shutdownGrace = 15 * time.Second

// NewServeCommand runs the vault daemon.
func NewServeCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the vault daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Config file path (YAML)")
	return cmd
}

func runServe(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel)
	metrics.Init()

	engine, err := crypto.NewEngine(cfg.MasterKey)
	if err != nil {
		return err
	}
	sl, err := seal.New(engine, cfg.TotalShares, cfg.Threshold, cfg.AutoUnseal, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	sink := audit.New(st.DB(), logger)
	sec := secrets.New(st, engine, sl, sink, logger)
	pol := policy.New(st, sl, sink, logger)
	rot := rotation.New(st, sec, engine, sl, sink, logger)
	leases := lease.New(st, engine, sec, sl, sink, cfg.DynamicSecrets, logger)
	tr, err := transit.New(st, engine, sl, sink, logger)
	if err != nil {
		return err
	}

	var validator *identity.Validator
	if cfg.TokenSigningKey != "" {
		validator, err = identity.NewValidator(cfg.TokenSigningKey, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("token_signing_key is not set, all authenticated routes will refuse requests")
	}

	sched := scheduler.New(cfg.Scheduler, rot, leases, logger)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	srv := server.New(st, sl, sec, pol, rot, leases, tr, sink, validator, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
