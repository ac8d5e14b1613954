// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// Account roles recognised by the directory.
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
)

// AccountRecord is the subset of an account the directory needs.
type AccountRecord struct {
	ID       ulid.ULID
	Username string
	Roles    []string
}

// IsDeveloper reports whether the account may own spaces with development configuration.
func (a *AccountRecord) IsDeveloper() bool {
	return slices.Contains(a.Roles, RoleDeveloper) || slices.Contains(a.Roles, RoleAdmin)
}

// CharacterRecord is the persisted form of a character.
type CharacterRecord struct {
	ID           ulid.ULID
	AccountID    ulid.ULID
	Name         string
	Preview      string
	InCreation   bool
	CurrentSpace *ulid.ULID
	AccessID     string
	CreatedAt    time.Time
}

// SpaceActivity is the persisted activity score of a space.
type SpaceActivity struct {
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SpaceRecord is the persisted form of a space. Config is kept raw so the
// loader can validate and repair it.
type SpaceRecord struct {
	ID        ulid.ULID
	Owners    []ulid.ULID
	Config    json.RawMessage
	Invites   []SpaceInvite
	AccessID  string
	Activity  SpaceActivity
	CreatedAt time.Time
}

// ConfigKey names an opaque configuration blob.
type ConfigKey string

const (
	// ConfigShardTokens holds the shard authentication tokens.
	ConfigShardTokens ConfigKey = "shardTokens"
	// ConfigSpaceActivity holds the bookkeeping of the activity recompute.
	ConfigSpaceActivity ConfigKey = "spaceActivity"
)

// Database is the persistence the directory consumes. Every call is atomic on
// its own; the directory never relies on multi-call transactions. Missing
// records are reported with an error wrapping ErrNotFound.
type Database interface {
	GetAccount(ctx context.Context, id ulid.ULID) (*AccountRecord, error)
	// GetAccounts returns the accounts that exist among ids.
	GetAccounts(ctx context.Context, ids []ulid.ULID) ([]*AccountRecord, error)

	GetCharacter(ctx context.Context, id ulid.ULID) (*CharacterRecord, error)
	CreateCharacter(ctx context.Context, rec *CharacterRecord) error
	FinalizeCharacter(ctx context.Context, id ulid.ULID, name string) error
	SetCharacterSpace(ctx context.Context, id ulid.ULID, spaceID *ulid.ULID) error
	SetCharacterAccessID(ctx context.Context, id ulid.ULID, accessID string) error
	DeleteCharacter(ctx context.Context, id ulid.ULID) error
	GetCharactersInSpace(ctx context.Context, spaceID ulid.ULID) ([]*CharacterRecord, error)

	GetSpace(ctx context.Context, id ulid.ULID) (*SpaceRecord, error)
	CreateSpace(ctx context.Context, rec *SpaceRecord) error
	UpdateSpaceConfig(ctx context.Context, id ulid.ULID, config json.RawMessage) error
	UpdateSpaceInvites(ctx context.Context, id ulid.ULID, invites []SpaceInvite) error
	UpdateSpaceActivity(ctx context.Context, id ulid.ULID, activity SpaceActivity) error
	SetSpaceAccessID(ctx context.Context, id ulid.ULID, accessID string) error
	DeleteSpace(ctx context.Context, id ulid.ULID) error
	ListSpaceIDs(ctx context.Context) ([]ulid.ULID, error)

	GetConfig(ctx context.Context, key ConfigKey) (json.RawMessage, error)
	SetConfig(ctx context.Context, key ConfigKey, data json.RawMessage) error
}
