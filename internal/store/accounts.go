// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/holodir/internal/directory"
)

// GetAccount retrieves an account by ID.
func (d *PostgresDatabase) GetAccount(ctx context.Context, id ulid.ULID) (*directory.AccountRecord, error) {
	acc := &directory.AccountRecord{ID: id}
	err := d.pool.QueryRow(ctx,
		`SELECT username, roles FROM accounts WHERE id = $1`,
		id.String()).Scan(&acc.Username, &acc.Roles)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("account", id.String())
	}
	if err != nil {
		return nil, oops.Code(CodeQueryFailed).With("operation", "get account").With("account_id", id.String()).Wrap(err)
	}
	return acc, nil
}

// GetAccounts returns the accounts that exist among ids, in no particular order.
func (d *PostgresDatabase) GetAccounts(ctx context.Context, ids []ulid.ULID) ([]*directory.AccountRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := d.pool.Query(ctx,
		`SELECT id, username, roles FROM accounts WHERE id = ANY($1)`,
		idStrings(ids))
	if err != nil {
		return nil, oops.Code(CodeQueryFailed).With("operation", "get accounts").Wrap(err)
	}
	defer rows.Close()

	var out []*directory.AccountRecord
	for rows.Next() {
		var idStr string
		acc := &directory.AccountRecord{}
		if err := rows.Scan(&idStr, &acc.Username, &acc.Roles); err != nil {
			return nil, oops.Code(CodeQueryFailed).With("operation", "scan account row").Wrap(err)
		}
		if acc.ID, err = ulid.Parse(idStr); err != nil {
			return nil, oops.Code(CodeCorruptRow).With("field", "accounts.id").With("value", idStr).Wrap(err)
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code(CodeQueryFailed).With("operation", "iterate accounts").Wrap(err)
	}
	return out, nil
}

// PutAccount creates or updates an account. Accounts belong to an external
// service; this exists for seeding and tests.
func (d *PostgresDatabase) PutAccount(ctx context.Context, acc directory.AccountRecord) error {
	roles := acc.Roles
	if roles == nil {
		roles = []string{}
	}
	_, err := d.pool.Exec(ctx,
		`INSERT INTO accounts (id, username, roles)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET username = $2, roles = $3`,
		acc.ID.String(), acc.Username, roles)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code(CodeAlreadyExists).With("username", acc.Username).Wrap(err)
		}
		return oops.Code(CodeQueryFailed).With("operation", "put account").With("account_id", acc.ID.String()).Wrap(err)
	}
	return nil
}
