// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"log/slog"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/holomush/holodir/internal/config"
	"github.com/holomush/holodir/internal/directory"
	"github.com/holomush/holodir/internal/logging"
	"github.com/holomush/holodir/internal/observability"
	"github.com/holomush/holodir/internal/shardrpc"
	"github.com/holomush/holodir/internal/store"
	holotls "github.com/holomush/holodir/internal/tls"
	"github.com/holomush/holodir/internal/xdg"
	"github.com/holomush/holodir/pkg/errutil"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

func newServeCmd(deps *ServeDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the directory service",
		Long: `Run the directory: load state from PostgreSQL, accept shard
connections and serve metrics and health probes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, deps)
		},
	}
}

func runServe(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	deps.applyDefaults()

	cfg, err := loadConfig(cmd, deps.Getenv)
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	log := logging.Setup("holodir", version, cfg.Log.Options(), deps.LogWriter)
	slog.SetDefault(log)

	if cfg.Database.AutoMigrate {
		if err := runAutoMigration(cfg.Database.URL, deps.MigratorFactory, log); err != nil {
			return err
		}
	}

	db, err := deps.StoreOpener(ctx, cfg.Database.URL, store.OpenOptions{
		ConnectTimeout: cfg.Database.ConnectTimeout,
		Logger:         log,
	})
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer db.Close()
	log.Info("connected to database")

	registry := observability.NewRegistry()
	dir, err := directory.New(directory.Options{
		Database: db,
		Config:   &cfg.Directory,
		Logger:   log,
		Metrics:  directory.NewMetrics(registry),
	})
	if err != nil {
		return err
	}
	dir.Spaces().Start()

	tlsConfig, err := deps.TLSLoader(cfg.TLS)
	if err != nil {
		return err
	}
	if tlsConfig == nil {
		log.Warn("shard transport is serving without TLS")
	}

	grpcServer := shardrpc.NewGRPCServer(tlsConfig)
	shardrpc.Register(grpcServer, shardrpc.NewServer(dir,
		shardrpc.WithLogger(log),
		shardrpc.WithMetrics(shardrpc.NewMetrics(registry)),
		shardrpc.WithRegisterTimeout(cfg.ShardRPC.RegisterTimeout),
	))

	listener, err := deps.ListenerFactory("tcp", cfg.Listen.Shard)
	if err != nil {
		shutdownDirectory(dir, log)
		return oops.Code("LISTEN_FAILED").With("addr", cfg.Listen.Shard).Wrap(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	var obsServer ObservabilityServer
	if cfg.Listen.Metrics != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Listen.Metrics, registry, ready.Load, log)
		obsErrCh, err := obsServer.Start()
		if err != nil {
			_ = listener.Close()
			shutdownDirectory(dir, log)
			return oops.Code("OBSERVABILITY_START_FAILED").With("addr", cfg.Listen.Metrics).Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability", log)
	}

	serveErrCh := make(chan error, 1)
	go func() {
		if serveErr := grpcServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			serveErrCh <- serveErr
		}
		close(serveErrCh)
	}()

	ready.Store(true)
	deps.Ready(listener.Addr())
	log.Info("directory ready",
		"shard_addr", listener.Addr().String(),
		"tls", tlsConfig != nil,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err, ok := <-serveErrCh:
		if ok && err != nil {
			serveErr = oops.Code("SERVE_FAILED").With("addr", cfg.Listen.Shard).Wrap(err)
			errutil.LogError(log, "shard transport failed", serveErr)
		}
	}
	ready.Store(false)

	// Shards are told to stop before their streams are closed.
	shutdownDirectory(dir, log)
	stopGRPC(grpcServer, shutdownTimeout)

	if obsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := obsServer.Stop(shutdownCtx); err != nil {
			log.Warn("error stopping observability server", "error", err)
		}
	}

	log.Info("shutdown complete")
	return serveErr
}

func shutdownDirectory(dir *directory.Directory, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	dir.Close(ctx)
	log.Debug("directory closed")
}

// stopGRPC waits up to timeout for streams to drain, then forces them closed.
func stopGRPC(gs *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		gs.Stop()
		<-done
	}
}

// monitorServerErrors cancels ctx when a background server fails.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, log *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			log.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}

// runAutoMigration applies pending migrations.
func runAutoMigration(dsn string, factory func(string) (Migrator, error), log *slog.Logger) error {
	m, err := factory(dsn)
	if err != nil {
		return oops.Code("MIGRATION_INIT_FAILED").Wrap(err)
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			log.Warn("error closing migrator", "error", closeErr)
		}
	}()
	if err := m.Up(); err != nil {
		return oops.Code("AUTO_MIGRATION_FAILED").Wrap(err)
	}
	log.Info("database migrations applied")
	return nil
}

// loadServerTLS resolves the shard listener TLS config: disabled, explicit
// files, or a generated certificate in the certs directory.
func loadServerTLS(cfg config.TLSConfig) (*cryptotls.Config, error) {
	if cfg.Disable {
		return nil, nil
	}
	if cfg.CertFile != "" {
		return holotls.LoadServerTLS(cfg.CertFile, cfg.KeyFile)
	}
	dir := cfg.CertsDir
	if dir == "" {
		state, err := xdg.StateDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(state, "certs")
	}
	if err := xdg.EnsureDir(dir); err != nil {
		return nil, err
	}
	tlsConfig, generated, err := holotls.EnsureServerTLS(dir, cfg.Hosts)
	if err != nil {
		return nil, err
	}
	if generated {
		slog.Info("generated shard transport certificate",
			"certs_dir", dir,
			"ca_file", filepath.Join(dir, holotls.CAFile),
		)
	}
	return tlsConfig, nil
}
