// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/holodir/internal/directory"
)

// GetSpace retrieves a space by ID. Config is returned as stored; the
// directory validates and repairs it.
func (d *PostgresDatabase) GetSpace(ctx context.Context, id ulid.ULID) (*directory.SpaceRecord, error) {
	var (
		owners     []string
		configRaw  []byte
		invitesRaw []byte
	)
	rec := &directory.SpaceRecord{ID: id}
	err := d.pool.QueryRow(ctx,
		`SELECT owners, config, invites, access_id, activity_score, activity_updated_at, created_at
		 FROM spaces WHERE id = $1`,
		id.String()).Scan(&owners, &configRaw, &invitesRaw, &rec.AccessID,
		&rec.Activity.Score, &rec.Activity.UpdatedAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("space", id.String())
	}
	if err != nil {
		return nil, oops.Code(CodeQueryFailed).With("operation", "get space").With("space_id", id.String()).Wrap(err)
	}
	rec.Config = json.RawMessage(configRaw)
	if rec.Owners, err = parseIDs(owners, "spaces.owners"); err != nil {
		return nil, oops.With("space_id", id.String()).Wrap(err)
	}
	if len(invitesRaw) > 0 {
		if err := json.Unmarshal(invitesRaw, &rec.Invites); err != nil {
			return nil, oops.Code(CodeCorruptRow).With("field", "spaces.invites").With("space_id", id.String()).Wrap(err)
		}
	}
	return rec, nil
}

// CreateSpace inserts a new space.
func (d *PostgresDatabase) CreateSpace(ctx context.Context, rec *directory.SpaceRecord) error {
	invites, err := encodeInvites(rec.Invites)
	if err != nil {
		return oops.With("space_id", rec.ID.String()).Wrap(err)
	}
	config := rec.Config
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO spaces (id, owners, config, invites, access_id, activity_score, activity_updated_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID.String(), idStrings(rec.Owners), []byte(config), invites, rec.AccessID,
		rec.Activity.Score, rec.Activity.UpdatedAt, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code(CodeAlreadyExists).With("space_id", rec.ID.String()).Wrap(err)
		}
		return oops.Code(CodeQueryFailed).With("operation", "create space").With("space_id", rec.ID.String()).Wrap(err)
	}
	return nil
}

func encodeInvites(invites []directory.SpaceInvite) ([]byte, error) {
	if invites == nil {
		invites = []directory.SpaceInvite{}
	}
	raw, err := json.Marshal(invites)
	if err != nil {
		return nil, oops.Code(CodeQueryFailed).With("operation", "encode invites").Wrap(err)
	}
	return raw, nil
}

func (d *PostgresDatabase) execSpace(ctx context.Context, op string, id ulid.ULID, sql string, args ...any) error {
	tag, err := d.pool.Exec(ctx, sql, append([]any{id.String()}, args...)...)
	if err != nil {
		return oops.Code(CodeQueryFailed).With("operation", op).With("space_id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("space", id.String())
	}
	return nil
}

// UpdateSpaceConfig replaces the stored configuration.
func (d *PostgresDatabase) UpdateSpaceConfig(ctx context.Context, id ulid.ULID, config json.RawMessage) error {
	return d.execSpace(ctx, "update space config", id,
		`UPDATE spaces SET config = $2 WHERE id = $1`, []byte(config))
}

// UpdateSpaceInvites replaces the invite registry.
func (d *PostgresDatabase) UpdateSpaceInvites(ctx context.Context, id ulid.ULID, invites []directory.SpaceInvite) error {
	raw, err := encodeInvites(invites)
	if err != nil {
		return oops.With("space_id", id.String()).Wrap(err)
	}
	return d.execSpace(ctx, "update space invites", id,
		`UPDATE spaces SET invites = $2 WHERE id = $1`, raw)
}

// UpdateSpaceActivity stores a recomputed activity score.
func (d *PostgresDatabase) UpdateSpaceActivity(ctx context.Context, id ulid.ULID, activity directory.SpaceActivity) error {
	return d.execSpace(ctx, "update space activity", id,
		`UPDATE spaces SET activity_score = $2, activity_updated_at = $3 WHERE id = $1`,
		activity.Score, activity.UpdatedAt)
}

// SetSpaceAccessID stores the space's current access id.
func (d *PostgresDatabase) SetSpaceAccessID(ctx context.Context, id ulid.ULID, accessID string) error {
	return d.execSpace(ctx, "set space access id", id,
		`UPDATE spaces SET access_id = $2 WHERE id = $1`, accessID)
}

// DeleteSpace removes a space. Characters pointing at it lose their current
// space through the foreign key.
func (d *PostgresDatabase) DeleteSpace(ctx context.Context, id ulid.ULID) error {
	return d.execSpace(ctx, "delete space", id, `DELETE FROM spaces WHERE id = $1`)
}

// ListSpaceIDs returns every space id in ascending order.
func (d *PostgresDatabase) ListSpaceIDs(ctx context.Context) ([]ulid.ULID, error) {
	rows, err := d.pool.Query(ctx, `SELECT id FROM spaces ORDER BY id`)
	if err != nil {
		return nil, oops.Code(CodeQueryFailed).With("operation", "list spaces").Wrap(err)
	}
	defer rows.Close()

	var raw []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, oops.Code(CodeQueryFailed).With("operation", "scan space id").Wrap(err)
		}
		raw = append(raw, id)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code(CodeQueryFailed).With("operation", "iterate spaces").Wrap(err)
	}
	return parseIDs(raw, "spaces.id")
}
