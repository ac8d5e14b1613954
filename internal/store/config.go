// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/holomush/holodir/internal/directory"
)

// GetConfig returns the blob stored under key.
func (d *PostgresDatabase) GetConfig(ctx context.Context, key directory.ConfigKey) (json.RawMessage, error) {
	var data []byte
	err := d.pool.QueryRow(ctx,
		`SELECT data FROM directory_config WHERE key = $1`, string(key)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("config", string(key))
	}
	if err != nil {
		return nil, oops.Code(CodeQueryFailed).With("operation", "get config").With("key", string(key)).Wrap(err)
	}
	return json.RawMessage(data), nil
}

// SetConfig creates or replaces the blob stored under key.
func (d *PostgresDatabase) SetConfig(ctx context.Context, key directory.ConfigKey, data json.RawMessage) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO directory_config (key, data, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET data = $2, updated_at = now()`,
		string(key), []byte(data))
	if err != nil {
		return oops.Code(CodeQueryFailed).With("operation", "set config").With("key", string(key)).Wrap(err)
	}
	return nil
}
