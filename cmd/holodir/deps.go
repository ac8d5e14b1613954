// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	cryptotls "crypto/tls"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/holodir/internal/config"
	"github.com/holomush/holodir/internal/directory"
	"github.com/holomush/holodir/internal/observability"
	"github.com/holomush/holodir/internal/store"
)

// Store wraps the methods the commands use from store.PostgresDatabase.
type Store interface {
	directory.Database
	PutAccount(ctx context.Context, acc directory.AccountRecord) error
	Close()
}

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Status() (*store.MigrationStatus, error)
	Close() error
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// CommonDeps are shared by every command. Nil fields use their defaults.
type CommonDeps struct {
	// StoreOpener connects to the database.
	// Default: store.Open
	StoreOpener func(ctx context.Context, dsn string, opts store.OpenOptions) (Store, error)

	// MigratorFactory creates a migrator for a database URL.
	// Default: store.NewMigrator
	MigratorFactory func(dsn string) (Migrator, error)

	// Getenv reads the environment.
	// Default: os.Getenv
	Getenv func(string) string

	// LogWriter receives log output.
	// Default: os.Stderr
	LogWriter io.Writer
}

// ServeDeps contains injectable dependencies for the serve command.
type ServeDeps struct {
	CommonDeps

	// ListenerFactory creates the shard listener.
	// Default: net.Listen
	ListenerFactory func(network, address string) (net.Listener, error)

	// ObservabilityServerFactory creates the metrics and health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, reg *prometheus.Registry, ready observability.ReadinessChecker, log *slog.Logger) ObservabilityServer

	// TLSLoader builds the shard listener TLS config. A nil config serves
	// without TLS.
	// Default: loadServerTLS
	TLSLoader func(cfg config.TLSConfig) (*cryptotls.Config, error)

	// Ready is called once the shard listener is serving.
	Ready func(addr net.Addr)
}

func (d *CommonDeps) applyDefaults() {
	if d.StoreOpener == nil {
		d.StoreOpener = func(ctx context.Context, dsn string, opts store.OpenOptions) (Store, error) {
			db, err := store.Open(ctx, dsn, opts)
			if err != nil {
				return nil, err
			}
			return db, nil
		}
	}
	if d.MigratorFactory == nil {
		d.MigratorFactory = func(dsn string) (Migrator, error) {
			m, err := store.NewMigrator(dsn)
			if err != nil {
				return nil, err
			}
			return m, nil
		}
	}
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	if d.LogWriter == nil {
		d.LogWriter = os.Stderr
	}
}

func (d *ServeDeps) applyDefaults() {
	d.CommonDeps.applyDefaults()
	if d.ListenerFactory == nil {
		d.ListenerFactory = net.Listen
	}
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, reg *prometheus.Registry, ready observability.ReadinessChecker, log *slog.Logger) ObservabilityServer {
			return observability.NewServer(addr, reg, ready, log)
		}
	}
	if d.TLSLoader == nil {
		d.TLSLoader = loadServerTLS
	}
	if d.Ready == nil {
		d.Ready = func(net.Addr) {}
	}
}
