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

const characterColumns = `id, account_id, name, preview, in_creation, current_space, access_id, created_at`

func scanCharacter(row pgx.Row) (*directory.CharacterRecord, error) {
	var (
		rec                 directory.CharacterRecord
		idStr, accountIDStr string
		spaceStr            *string
	)
	if err := row.Scan(&idStr, &accountIDStr, &rec.Name, &rec.Preview, &rec.InCreation,
		&spaceStr, &rec.AccessID, &rec.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if rec.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.Code(CodeCorruptRow).With("field", "characters.id").With("value", idStr).Wrap(err)
	}
	if rec.AccountID, err = ulid.Parse(accountIDStr); err != nil {
		return nil, oops.Code(CodeCorruptRow).With("field", "characters.account_id").With("value", accountIDStr).Wrap(err)
	}
	if rec.CurrentSpace, err = parseOptionalULID(spaceStr, "characters.current_space"); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetCharacter retrieves a character by ID.
func (d *PostgresDatabase) GetCharacter(ctx context.Context, id ulid.ULID) (*directory.CharacterRecord, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE id = $1`,
		id.String())
	rec, err := scanCharacter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("character", id.String())
	}
	if err != nil {
		return nil, oops.Code(CodeQueryFailed).With("operation", "get character").With("character_id", id.String()).Wrap(err)
	}
	return rec, nil
}

// CreateCharacter inserts a new character.
func (d *PostgresDatabase) CreateCharacter(ctx context.Context, rec *directory.CharacterRecord) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO characters (`+characterColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID.String(), rec.AccountID.String(), rec.Name, rec.Preview, rec.InCreation,
		ulidToStringPtr(rec.CurrentSpace), rec.AccessID, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code(CodeAlreadyExists).With("character_id", rec.ID.String()).Wrap(err)
		}
		return oops.Code(CodeQueryFailed).With("operation", "create character").With("character_id", rec.ID.String()).Wrap(err)
	}
	return nil
}

// execCharacter runs an UPDATE or DELETE keyed by character id and maps a
// missing row to directory.ErrNotFound.
func (d *PostgresDatabase) execCharacter(ctx context.Context, op string, id ulid.ULID, sql string, args ...any) error {
	tag, err := d.pool.Exec(ctx, sql, append([]any{id.String()}, args...)...)
	if err != nil {
		return oops.Code(CodeQueryFailed).With("operation", op).With("character_id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("character", id.String())
	}
	return nil
}

// FinalizeCharacter names a character and ends its creation phase.
func (d *PostgresDatabase) FinalizeCharacter(ctx context.Context, id ulid.ULID, name string) error {
	return d.execCharacter(ctx, "finalize character", id,
		`UPDATE characters SET name = $2, in_creation = FALSE WHERE id = $1`, name)
}

// SetCharacterSpace records the space the character belongs to, or none.
func (d *PostgresDatabase) SetCharacterSpace(ctx context.Context, id ulid.ULID, spaceID *ulid.ULID) error {
	return d.execCharacter(ctx, "set character space", id,
		`UPDATE characters SET current_space = $2 WHERE id = $1`, ulidToStringPtr(spaceID))
}

// SetCharacterAccessID stores the character's current access id.
func (d *PostgresDatabase) SetCharacterAccessID(ctx context.Context, id ulid.ULID, accessID string) error {
	return d.execCharacter(ctx, "set character access id", id,
		`UPDATE characters SET access_id = $2 WHERE id = $1`, accessID)
}

// DeleteCharacter removes a character.
func (d *PostgresDatabase) DeleteCharacter(ctx context.Context, id ulid.ULID) error {
	return d.execCharacter(ctx, "delete character", id, `DELETE FROM characters WHERE id = $1`)
}

// GetCharactersInSpace returns the characters whose current space is spaceID,
// ordered by id.
func (d *PostgresDatabase) GetCharactersInSpace(ctx context.Context, spaceID ulid.ULID) ([]*directory.CharacterRecord, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE current_space = $1 ORDER BY id`,
		spaceID.String())
	if err != nil {
		return nil, oops.Code(CodeQueryFailed).With("operation", "get characters in space").With("space_id", spaceID.String()).Wrap(err)
	}
	defer rows.Close()

	var out []*directory.CharacterRecord
	for rows.Next() {
		rec, err := scanCharacter(rows)
		if err != nil {
			return nil, oops.With("operation", "scan character row").With("space_id", spaceID.String()).Wrap(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code(CodeQueryFailed).With("operation", "iterate characters").With("space_id", spaceID.String()).Wrap(err)
	}
	return out, nil
}
