// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartpark/authd/internal/auth"
	"github.com/smartpark/authd/internal/auth/googleid"
	authpg "github.com/smartpark/authd/internal/auth/postgres"
	"github.com/smartpark/authd/internal/config"
	"github.com/smartpark/authd/internal/httpapi"
	"github.com/smartpark/authd/internal/logging"
	"github.com/smartpark/authd/internal/notify"
	"github.com/smartpark/authd/internal/observability"
	"github.com/smartpark/authd/internal/store"
)

// expiredResetSweepInterval is how often stale password resets are purged.
const expiredResetSweepInterval = 10 * time.Minute

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the auth HTTP API",
		Long: `Start the authd HTTP API which serves registration, login,
Google-federated login, and password reset endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, autoMigrate)
		},
	}

	// Flags share names with config file keys; a set flag wins over the file.
	cmd.Flags().String("server.addr", "", "HTTP listen address")
	cmd.Flags().String("observability.addr", "", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("log.format", "", "log format (json or text)")
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", true, "apply pending database migrations on startup")

	return cmd
}

func runServe(cmd *cobra.Command, autoMigrate bool) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	logging.SetDefault("authd", version, cfg.Log.Format)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	slog.Info("starting authd",
		"addr", cfg.Server.Addr,
		"log_format", cfg.Log.Format,
	)

	if autoMigrate {
		if err := migrateUp(cfg.Database.URL); err != nil {
			return err
		}
	}

	pool, err := store.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()
	slog.Info("connected to database")

	identities := authpg.NewIdentityRepository(pool)
	resets := authpg.NewPasswordResetRepository(pool)

	hasher := auth.NewPooledHasher(auth.NewBcryptHasher(), 0)

	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{
		Issuer:     cfg.Token.Issuer,
		Audience:   cfg.Token.Audience,
		SigningKey: []byte(cfg.Token.SigningKey),
		TTL:        cfg.Token.TTL,
	})
	if err != nil {
		return err
	}

	var federated auth.FederatedVerifier
	if cfg.Google.ClientID != "" {
		keys, err := googleid.NewCachedKeySet(ctx)
		if err != nil {
			return err
		}
		verifier, err := googleid.NewVerifier(keys, cfg.Google.ClientID)
		if err != nil {
			return err
		}
		federated = verifier
		slog.Info("google federated login enabled")
	} else {
		slog.Info("google federated login disabled: no client ID configured")
	}

	var notifier auth.Notifier
	if cfg.SMTP.Host != "" {
		sender, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err != nil {
			return err
		}
		dispatcher, err := notify.NewDispatcher(sender, slog.Default(), notify.DefaultQueueSize)
		if err != nil {
			return err
		}
		defer dispatcher.Close()
		notifier = dispatcher
		slog.Info("email notifications enabled", "smtp_host", cfg.SMTP.Host)
	} else {
		slog.Info("email notifications disabled: no SMTP host configured")
	}

	resetSvc, err := auth.NewPasswordResetService(identities, resets, hasher,
		cfg.Reset.LinkBase, cfg.Reset.TokenTTL)
	if err != nil {
		return err
	}

	svc, err := auth.NewService(identities, hasher, issuer, federated, resetSvc, notifier)
	if err != nil {
		return err
	}

	// Stale resets can no longer be redeemed; sweeping them just keeps the
	// table from growing without bound.
	go sweepExpiredResets(ctx, resets)

	var metrics *observability.Metrics
	var obsServer *observability.Server
	if cfg.Observability.Addr != "" {
		obsServer = observability.NewServer(cfg.Observability.Addr, func() bool {
			pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
			defer pingCancel()
			return pool.Ping(pingCtx) == nil
		})
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
		metrics = obsServer.Metrics()
		slog.Info("observability server started", "addr", obsServer.Addr())
	}

	handler := httpapi.NewHandler(svc, metrics, slog.Default())
	router := httpapi.NewRouter(handler, cfg.Server.AllowedOrigins)
	apiServer := httpapi.NewServer(httpapi.ServerConfig{
		Addr:           cfg.Server.Addr,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, router)

	apiErrCh, err := apiServer.Start()
	if err != nil {
		return err
	}
	go monitorServerErrors(ctx, cancel, apiErrCh, "http-api")

	cmd.Println("authd started")
	slog.Info("authd ready", "addr", apiServer.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping HTTP API server", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// migrateUp applies all pending migrations.
func migrateUp(databaseURL string) error {
	migrator, err := store.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			slog.Warn("error closing migrator", "error", closeErr)
		}
	}()

	if err := migrator.Up(); err != nil {
		return err
	}
	slog.Info("database migrations applied")
	return nil
}

// sweepExpiredResets periodically removes expired password reset rows.
func sweepExpiredResets(ctx context.Context, resets auth.PasswordResetRepository) {
	ticker := time.NewTicker(expiredResetSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := resets.DeleteExpired(ctx)
			if err != nil {
				slog.Warn("expired reset sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("expired resets removed", "count", n)
			}
		}
	}
}

// monitorServerErrors cancels the run context when a server reports an error,
// so a failed listener brings the whole process down for a clean restart.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
