// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Character is the directory-side state of one user controlled entity.
//
// Public mutating methods hold the character's operation lock. mu guards the
// fields below it; it may be taken while holding a Space's mu but never the
// other way round.
type Character struct {
	id        ulid.ULID
	accountID ulid.ULID
	dir       *Directory
	ops       serial
	createdAt time.Time

	mu                sync.Mutex
	name              string
	preview           string
	inCreation        bool
	currentSpace      *ulid.ULID
	assignment        Assignment
	accessID          string
	connectSecret     string
	conn              ClientConnection
	pendingDisconnect bool
	valid             bool
	// unloaded is set with valid=false when the registry drops the character.
	unloaded bool
}

func newCharacter(d *Directory, rec *CharacterRecord) *Character {
	var current *ulid.ULID
	if rec.CurrentSpace != nil {
		id := *rec.CurrentSpace
		current = &id
	}
	return &Character{
		id:           rec.ID,
		accountID:    rec.AccountID,
		dir:          d,
		ops:          newSerial(),
		createdAt:    rec.CreatedAt,
		name:         rec.Name,
		preview:      rec.Preview,
		inCreation:   rec.InCreation,
		currentSpace: current,
		accessID:     rec.AccessID,
		valid:        true,
	}
}

// ID returns the character id.
func (c *Character) ID() ulid.ULID { return c.id }

// AccountID returns the owning account.
func (c *Character) AccountID() ulid.ULID { return c.accountID }

// Name returns the display name.
func (c *Character) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// InCreation reports whether the character still awaits its name.
func (c *Character) InCreation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inCreation
}

// Assignment returns the current assignment, nil when unassigned.
func (c *Character) Assignment() Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignment
}

// AccessID returns the capability token of the current assignment.
func (c *Character) AccessID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessID
}

// ConnectSecret returns the secret of the attached client, empty when offline.
func (c *Character) ConnectSecret() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectSecret
}

// CurrentSpaceID returns the persisted space membership.
func (c *Character) CurrentSpaceID() *ulid.ULID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentSpace == nil {
		return nil
	}
	id := *c.currentSpace
	return &id
}

// IsOnline reports whether a client is attached.
func (c *Character) IsOnline() bool { return c.isOnline() }

// IsInUse reports whether the character has an assignment.
func (c *Character) IsInUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignment != nil
}

// IsValid reports whether the character has been neither deleted nor
// unloaded.
func (c *Character) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

func (c *Character) isOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectSecret != ""
}

func (c *Character) clientConnection() ClientConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// setAssignmentLocked moves the assignment state machine. Illegal
// transitions, including joined straight to unassigned, are fatal.
func (c *Character) setAssignmentLocked(next Assignment) {
	assertInvariant(validTransition(c.assignment, next), "legal assignment transition",
		"character_id", c.id.String(),
		"from", assignmentString(c.assignment),
		"to", assignmentString(next))
	c.assignment = next
}

// HostShard returns the shard currently hosting the character, if any.
func (c *Character) HostShard() *Shard {
	a := c.Assignment()
	if a, ok := a.(ShardAssignment); ok {
		return a.Shard
	}
	if sp := assignmentSpace(a); sp != nil {
		return sp.Shard()
	}
	return nil
}

// manifest returns the shard-facing view of the character.
func (c *Character) manifest() CharacterManifest {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := CharacterManifest{
		ID:            c.id,
		AccountID:     c.accountID,
		Name:          c.name,
		AccessID:      c.accessID,
		ConnectSecret: c.connectSecret,
	}
	switch a := c.assignment.(type) {
	case SpaceTrackingAssignment:
		id := a.Space.id
		m.SpaceID = &id
	case SpaceJoinedAssignment:
		id := a.Space.id
		m.SpaceID = &id
		m.Joined = true
	}
	return m
}

func (c *Character) persistAccessID(ctx context.Context, accessID string) {
	if err := c.dir.db.SetCharacterAccessID(ctx, c.id, accessID); err != nil {
		c.dir.logError("persist character access id failed", err, "character_id", c.id.String())
	}
}

// notifyConnectionState tells the attached client where the character lives.
func (c *Character) notifyConnectionState() {
	c.mu.Lock()
	conn := c.conn
	secret := c.connectSecret
	a := c.assignment
	c.mu.Unlock()
	if conn == nil {
		return
	}

	state := ConnectionState{
		CharacterID:   c.id,
		Status:        StatusNoShard,
		ConnectSecret: secret,
	}
	var shard *Shard
	switch a := a.(type) {
	case nil:
	case ShardAssignment:
		shard = a.Shard
	case SpaceTrackingAssignment:
		id := a.Space.id
		state.SpaceID = &id
		shard = a.Space.Shard()
	case SpaceJoinedAssignment:
		id := a.Space.id
		state.SpaceID = &id
		shard = a.Space.Shard()
	}
	if shard != nil {
		state.Status = StatusConnected
		state.ShardURL = shard.PublicURL()
	}
	conn.SendConnectionState(state)
}

// detachClient drops the client connection and secret, telling the client why.
func (c *Character) detachClient(status ConnectionStatus) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connectSecret = ""
	c.pendingDisconnect = false
	c.mu.Unlock()
	if conn != nil {
		conn.SendConnectionState(ConnectionState{CharacterID: c.id, Status: status})
	}
}
