// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// UpdateReason is a dirty category of shard state.
type UpdateReason string

const (
	UpdateCharacters UpdateReason = "characters"
	UpdateSpaces     UpdateReason = "spaces"
	UpdateMessages   UpdateReason = "messages"
)

// CharacterManifest is the directory's view of one character hosted by a shard.
type CharacterManifest struct {
	ID            ulid.ULID  `json:"id"`
	AccountID     ulid.ULID  `json:"accountId"`
	Name          string     `json:"name"`
	AccessID      string     `json:"accessId"`
	ConnectSecret string     `json:"connectSecret,omitempty"`
	SpaceID       *ulid.ULID `json:"spaceId,omitempty"`
	// Joined distinguishes a member from a character only tracking SpaceID.
	Joined bool `json:"joined"`
}

// SpaceManifest is the directory's view of one space hosted by a shard.
type SpaceManifest struct {
	ID         ulid.ULID   `json:"id"`
	AccessID   string      `json:"accessId"`
	Owners     []ulid.ULID `json:"owners"`
	Config     SpaceConfig `json:"config"`
	Characters []ulid.ULID `json:"characters"`
}

// SpaceMessages carries the unacknowledged action messages of one space.
type SpaceMessages struct {
	SpaceID  ulid.ULID       `json:"spaceId"`
	Messages []ActionMessage `json:"messages"`
}

// UpdateRequest is pushed to a shard. Only the categories listed in Reasons
// are meaningful; each carries the full current state of that category.
type UpdateRequest struct {
	Reasons    []UpdateReason      `json:"reasons"`
	Characters []CharacterManifest `json:"characters,omitempty"`
	Spaces     []SpaceManifest     `json:"spaces,omitempty"`
	Messages   []SpaceMessages     `json:"messages,omitempty"`
}

// SpaceCheckRequest asks a shard whether a character may enter or leave a space.
type SpaceCheckRequest struct {
	CharacterID ulid.ULID `json:"characterId"`
	SpaceID     ulid.ULID `json:"spaceId"`
}

// SpaceCheckResult is a shard's answer to a SpaceCheckRequest.
type SpaceCheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// ShardCharacterReport is a character a registering shard claims to host.
type ShardCharacterReport struct {
	ID            ulid.ULID `json:"id"`
	AccountID     ulid.ULID `json:"accountId"`
	AccessID      string    `json:"accessId"`
	ConnectSecret string    `json:"connectSecret,omitempty"`
}

// ShardSpaceReport is a space a registering shard claims to host.
type ShardSpaceReport struct {
	ID       ulid.ULID `json:"id"`
	AccessID string    `json:"accessId"`
}

// ShardRegisterRequest is sent by a shard on every (re)connection.
type ShardRegisterRequest struct {
	PublicURL            string                 `json:"publicUrl"`
	Features             []string               `json:"features"`
	Version              string                 `json:"version"`
	Characters           []ShardCharacterReport `json:"characters"`
	Spaces               []ShardSpaceReport     `json:"spaces"`
	DisconnectCharacters []ulid.ULID            `json:"disconnectCharacters"`
}

// ShardRegisterResponse is the directory's authoritative state for a shard.
type ShardRegisterResponse struct {
	ShardID    string              `json:"shardId"`
	Characters []CharacterManifest `json:"characters"`
	Spaces     []SpaceManifest     `json:"spaces"`
	Messages   []SpaceMessages     `json:"messages"`
}

// ShardConnection is the directory's handle on a connected shard.
// Responses correlate to requests; calls honour ctx deadlines.
type ShardConnection interface {
	ID() string
	Update(ctx context.Context, req *UpdateRequest) error
	CheckCanEnter(ctx context.Context, req SpaceCheckRequest) (SpaceCheckResult, error)
	CheckCanLeave(ctx context.Context, req SpaceCheckRequest) (SpaceCheckResult, error)
	Stop(ctx context.Context) error
}

// ConnectionStatus is the state reported to a client about its character.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusNoShard      ConnectionStatus = "noShard"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusReplaced     ConnectionStatus = "replaced"
)

// ConnectionState tells a client where its character lives.
type ConnectionState struct {
	CharacterID   ulid.ULID        `json:"characterId"`
	Status        ConnectionStatus `json:"status"`
	ShardURL      string           `json:"shardUrl,omitempty"`
	ConnectSecret string           `json:"connectSecret,omitempty"`
	SpaceID       *ulid.ULID       `json:"spaceId,omitempty"`
}

// SpaceListInfo is one entry of the space list shown to clients.
type SpaceListInfo struct {
	ID          ulid.ULID       `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Public      SpaceVisibility `json:"public"`
	MaxUsers    int             `json:"maxUsers"`
	Online      int             `json:"online"`
	Members     int             `json:"members"`
	IsPublic    bool            `json:"isPublic"`
	Deleted     bool            `json:"deleted,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ClientConnection is the directory's handle on a client attached to a
// character. Sends are fire-and-forget.
type ClientConnection interface {
	ID() string
	SendConnectionState(state ConnectionState)
	SendSpaceListChanged(info SpaceListInfo)
}
