// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package shardrpc

import (
	"encoding/json"

	"github.com/oklog/ulid/v2"
)

// FrameKind distinguishes requests, their responses and one-way notifications.
type FrameKind string

const (
	KindRequest  FrameKind = "request"
	KindResponse FrameKind = "response"
	KindNotify   FrameKind = "notify"
)

// Methods carried on the stream.
const (
	// MethodRegister is the first request a shard sends.
	MethodRegister = "shardRegister"

	// Directory to shard.
	MethodUpdate         = "update"
	MethodCheckCanEnter  = "spaceCheckCanEnter"
	MethodCheckCanLeave  = "spaceCheckCanLeave"
	MethodStop           = "stop"
	MethodCharacterError = "characterError"
	MethodAutomodKick    = "characterAutomodKick"
)

// Frame is one message on the shard stream. Responses echo the request ID;
// notifications carry no ID.
type Frame struct {
	ID      uint64          `json:"id,omitempty"`
	Kind    FrameKind       `json:"kind"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	// Code is the error code of a failed request, when it had one.
	Code string `json:"code,omitempty"`
}

// CharacterErrorNotice reports that a shard lost track of a character.
type CharacterErrorNotice struct {
	CharacterID ulid.ULID `json:"characterId"`
	Reason      string    `json:"reason,omitempty"`
}

// AutomodKickNotice asks the directory to remove a member from its space.
type AutomodKickNotice struct {
	CharacterID ulid.ULID `json:"characterId"`
	SpaceID     ulid.ULID `json:"spaceId"`
}
