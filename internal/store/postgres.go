// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package store provides the PostgreSQL implementation of directory.Database
// and its schema migrations.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/holodir/internal/directory"
)

// poolIface is the subset of *pgxpool.Pool the store uses. pgxmock's pool
// satisfies it in unit tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresDatabase implements directory.Database using PostgreSQL.
type PostgresDatabase struct {
	pool poolIface
}

var _ directory.Database = (*PostgresDatabase)(nil)

// NewPostgresDatabase wraps an existing pool.
func NewPostgresDatabase(pool poolIface) *PostgresDatabase {
	return &PostgresDatabase{pool: pool}
}

// OpenOptions configures Open.
type OpenOptions struct {
	// ConnectTimeout bounds the total time spent retrying the first
	// connection (default: 30s).
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Open connects to dsn, retrying with backoff until the database answers a
// ping or opts.ConnectTimeout passes.
func Open(ctx context.Context, dsn string, opts OpenOptions) (*PostgresDatabase, error) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, oops.Code(CodeConnectFailed).With("operation", "parse database url").Wrap(err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, oops.Code(CodeConnectFailed).With("operation", "create pool").Wrap(err)
	}

	backoff := retry.WithMaxDuration(opts.ConnectTimeout,
		retry.WithCappedDuration(5*time.Second, retry.NewExponential(200*time.Millisecond)))
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := pool.Ping(ctx); err != nil {
			opts.Logger.WarnContext(ctx, "database not ready", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code(CodeConnectFailed).
			With("operation", "ping database").
			With("attempts", attempt).
			Wrap(err)
	}
	return &PostgresDatabase{pool: pool}, nil
}

// Close closes the connection pool.
func (d *PostgresDatabase) Close() {
	d.pool.Close()
}

// Ping checks that the database answers.
func (d *PostgresDatabase) Ping(ctx context.Context) error {
	if err := d.pool.Ping(ctx); err != nil {
		return oops.Code(CodeConnectFailed).With("operation", "ping database").Wrap(err)
	}
	return nil
}

// notFound wraps directory.ErrNotFound so the directory can recognise it.
func notFound(kind string, id string) error {
	return oops.Code(CodeNotFound).With(kind+"_id", id).Wrapf(directory.ErrNotFound, "%s %s", kind, id)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func idStrings(ids []ulid.ULID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseIDs(raw []string, field string) ([]ulid.ULID, error) {
	out := make([]ulid.ULID, 0, len(raw))
	for _, s := range raw {
		id, err := ulid.Parse(s)
		if err != nil {
			return nil, oops.Code(CodeCorruptRow).With("field", field).With("value", s).Wrap(err)
		}
		out = append(out, id)
	}
	return out, nil
}

// ulidToStringPtr converts an optional ULID into an SQL parameter.
func ulidToStringPtr(id *ulid.ULID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func parseOptionalULID(s *string, field string) (*ulid.ULID, error) {
	if s == nil {
		return nil, nil
	}
	id, err := ulid.Parse(*s)
	if err != nil {
		return nil, oops.Code(CodeCorruptRow).With("field", field).With("value", *s).Wrap(err)
	}
	return &id, nil
}
