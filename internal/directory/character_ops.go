// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// relocateTimeout bounds a background relocation after an eviction.
const relocateTimeout = 30 * time.Second

// maxStoredSpaceAttempts bounds reloads of a stored space that maintenance
// keeps unloading while a character attaches to it.
const maxStoredSpaceAttempts = 3

// RequestLoad brings the character back into its stored space. Loading is
// idempotent; a stored space that cannot be loaded is forgotten and the
// character stays unassigned until it connects.
func (c *Character) RequestLoad(ctx context.Context) error {
	unlock, err := c.ops.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return c.requestLoadLocked(ctx)
}

// invalidErrLocked reports why the character accepts no more operations.
func (c *Character) invalidErrLocked() error {
	if c.unloaded {
		return oops.Code(CodeCharacterUnloaded).With("character_id", c.id.String()).Wrap(ErrCharacterUnloaded)
	}
	return oops.Code(CodeCharacterInvalid).With("character_id", c.id.String()).Errorf("character was deleted")
}

func (c *Character) requestLoadLocked(ctx context.Context) error {
	c.mu.Lock()
	if !c.valid {
		err := c.invalidErrLocked()
		c.mu.Unlock()
		return err
	}
	if c.assignment != nil || c.currentSpace == nil {
		c.mu.Unlock()
		return nil
	}
	spaceID := *c.currentSpace
	c.mu.Unlock()

	for range maxStoredSpaceAttempts {
		space, err := c.dir.spaces.LoadSpace(ctx, spaceID)
		if err != nil {
			c.dir.logError("load stored space failed", err,
				"character_id", c.id.String(), "space_id", spaceID.String())
			c.clearStoredSpace(ctx, spaceID)
			return nil
		}
		if space.attachStored(c) || c.IsInUse() {
			return nil
		}
		if !space.wasUnloaded() {
			// Deleted while we attached.
			c.clearStoredSpace(ctx, spaceID)
			return nil
		}
	}
	c.dir.log.Warn("stored space unloaded during every attach",
		"character_id", c.id.String(), "space_id", spaceID.String())
	return nil
}

// clearStoredSpace forgets a membership whose space is gone, unless the
// character has moved on in the meantime.
func (c *Character) clearStoredSpace(ctx context.Context, spaceID ulid.ULID) {
	c.mu.Lock()
	stale := c.assignment == nil && c.currentSpace != nil && *c.currentSpace == spaceID
	if stale {
		c.currentSpace = nil
	}
	c.mu.Unlock()
	if stale {
		if err := c.dir.db.SetCharacterSpace(ctx, c.id, nil); err != nil {
			c.dir.logError("clear stale character space failed", err, "character_id", c.id.String())
		}
	}
}

// assignToShard places an unassigned character on preferred, or on a random
// shard when preferred is nil or no longer accepts work. The character gets a
// fresh access id.
func (c *Character) assignToShard(ctx context.Context, preferred *Shard) bool {
	shard := preferred
	if shard == nil || !shard.AllowConnect() {
		shard = c.dir.shards.GetRandomShard()
	}
	if shard == nil {
		return false
	}

	c.mu.Lock()
	if !c.valid || c.assignment != nil || !shard.addCharacter(c) {
		c.mu.Unlock()
		return false
	}
	c.setAssignmentLocked(ShardAssignment{Shard: shard})
	c.accessID = c.dir.tokens.AccessID()
	accessID := c.accessID
	c.mu.Unlock()

	c.persistAccessID(ctx, accessID)
	shard.Update(UpdateCharacters)
	return true
}

// unassign releases a bare shard or tracking assignment. Members must leave
// their space first.
func (c *Character) unassign(ctx context.Context) {
	switch a := c.Assignment().(type) {
	case nil:
	case ShardAssignment:
		c.mu.Lock()
		cur, ok := c.assignment.(ShardAssignment)
		if ok && cur.Shard == a.Shard {
			a.Shard.removeCharacter(c)
			c.setAssignmentLocked(nil)
		}
		c.mu.Unlock()
		if ok {
			a.Shard.Update(UpdateCharacters)
		}
	case SpaceTrackingAssignment:
		a.Space.untrack(c)
		a.Space.CleanupIfEmpty(ctx)
	case SpaceJoinedAssignment:
		assertInvariant(false, "member leaves its space before unassignment",
			"character_id", c.id.String(), "space_id", a.Space.id.String())
	}
}

// Connect attaches a client. The connect secret is kept when reconnectSecret
// matches it, otherwise a new one is minted and any previous client is told
// it was replaced.
func (c *Character) Connect(ctx context.Context, conn ClientConnection, reconnectSecret string) ConnectResult {
	unlock, err := c.ops.lock(ctx)
	if err != nil {
		return ConnectFailed
	}
	defer unlock()

	c.mu.Lock()
	if !c.valid {
		c.mu.Unlock()
		return ConnectFailed
	}
	old := c.conn
	wasOnline := c.connectSecret != ""
	if reconnectSecret == "" || reconnectSecret != c.connectSecret {
		c.connectSecret = c.dir.tokens.Secret()
	}
	c.conn = conn
	c.mu.Unlock()

	if old != nil && old != conn {
		old.SendConnectionState(ConnectionState{CharacterID: c.id, Status: StatusReplaced})
	}

	// Space permissions read the account's roles.
	if _, err := c.dir.accounts.Get(ctx, c.accountID); err != nil {
		c.dir.logError("load character account failed", err, "character_id", c.id.String())
	}
	if err := c.requestLoadLocked(ctx); err != nil {
		return ConnectFailed
	}

	result := ConnectOK
	switch a := c.Assignment().(type) {
	case nil:
		if !c.assignToShard(ctx, nil) {
			result = ConnectNoShard
		}
	case ShardAssignment:
		a.Shard.Update(UpdateCharacters)
	case SpaceTrackingAssignment:
		if !a.Space.Connect(ctx, c) {
			result = ConnectNoShard
		}
	case SpaceJoinedAssignment:
		if !a.Space.Connect(ctx, c) {
			result = ConnectNoShard
		} else if !wasOnline {
			id := c.id
			a.Space.addMessage(ActionMessage{Action: ActionCharacterReconnected, Character: &id})
		}
	}
	c.notifyConnectionState()
	return result
}

// Disconnect detaches conn. A stale connection that was already replaced is
// ignored. Members stay in their space while offline.
func (c *Character) Disconnect(ctx context.Context, conn ClientConnection) {
	unlock, err := c.ops.lock(ctx)
	if err != nil {
		c.dir.logError("character disconnect abandoned", err, "character_id", c.id.String())
		return
	}
	defer unlock()

	c.mu.Lock()
	if conn != nil && c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connectSecret = ""
	a := c.assignment
	c.mu.Unlock()

	switch a := a.(type) {
	case nil:
	case ShardAssignment, SpaceTrackingAssignment:
		c.unassign(ctx)
	case SpaceJoinedAssignment:
		id := c.id
		a.Space.addMessage(ActionMessage{Action: ActionCharacterDisconnected, Character: &id})
		a.Space.CharacterDisconnected(ctx, c)
	}
}

// JoinSpace moves an online character that is not in a space into space.
//
// A cheap admission check runs first, then the character is moved to the
// space's shard as a tracking character, the shard re-validates it, and the
// full admission check runs again before the character becomes a member.
// Any failure leaves the character back on a bare shard, never half joined.
func (c *Character) JoinSpace(ctx context.Context, space *Space, inviteID string) EnterResult {
	unlock, err := c.ops.lock(ctx)
	if err != nil {
		return EnterFailed
	}
	defer unlock()

	res := c.joinSpace(ctx, space, inviteID)
	c.dir.metrics.SpaceJoins.WithLabelValues(string(res)).Inc()
	return res
}

func (c *Character) joinSpace(ctx context.Context, space *Space, inviteID string) EnterResult {
	c.mu.Lock()
	online := c.connectSecret != ""
	valid := c.valid
	previous := c.assignment
	c.mu.Unlock()
	if !online || !valid || assignmentSpace(previous) != nil {
		return EnterFailed
	}

	if res := space.CheckAllowEnter(c, inviteID, EnterOptions{IgnoreCharacterLimit: true}); res != EnterOK {
		return res
	}

	var previousShard *Shard
	if a, ok := previous.(ShardAssignment); ok {
		previousShard = a.Shard
	}
	c.unassign(ctx)

	if !space.Track(ctx, c) {
		return c.abortJoin(ctx, space, previousShard, EnterFailed)
	}

	shard := space.Shard()
	if shard == nil {
		return c.abortJoin(ctx, space, previousShard, EnterFailed)
	}
	conn := shard.connection()
	if conn == nil {
		return c.abortJoin(ctx, space, previousShard, EnterFailed)
	}
	checkCtx, cancel := context.WithTimeout(ctx, c.dir.cfg.CheckTimeout)
	check, err := conn.CheckCanEnter(checkCtx, SpaceCheckRequest{CharacterID: c.id, SpaceID: space.id})
	cancel()
	if err != nil {
		c.dir.logError("shard enter check failed", err,
			"character_id", c.id.String(), "space_id", space.id.String(), "shard_id", shard.ID())
		return c.abortJoin(ctx, space, previousShard, EnterFailed)
	}
	if !check.Allowed {
		c.dir.log.Info("shard refused space entry",
			"character_id", c.id.String(), "space_id", space.id.String(), "reason", check.Reason)
		return c.abortJoin(ctx, space, previousShard, EnterRestricted)
	}

	if t, ok := c.Assignment().(SpaceTrackingAssignment); !ok || t.Space != space {
		return c.abortJoin(ctx, space, previousShard, EnterFailed)
	}

	if res := space.AddCharacter(ctx, c, inviteID); res != EnterOK {
		return c.abortJoin(ctx, space, previousShard, res)
	}
	c.notifyConnectionState()
	return EnterOK
}

// abortJoin undoes a partial join and returns res.
func (c *Character) abortJoin(ctx context.Context, space *Space, previous *Shard, res EnterResult) EnterResult {
	space.untrack(c)
	space.CleanupIfEmpty(ctx)
	if c.isOnline() && !c.IsInUse() {
		c.assignToShard(ctx, previous)
	}
	c.notifyConnectionState()
	return res
}

// LeaveSpace removes a member from its space after the hosting shard agreed.
func (c *Character) LeaveSpace(ctx context.Context) LeaveResult {
	unlock, err := c.ops.lock(ctx)
	if err != nil {
		return LeaveFailed
	}
	defer unlock()

	j, ok := c.Assignment().(SpaceJoinedAssignment)
	if !ok {
		return LeaveNotInSpace
	}
	space := j.Space
	shard := space.Shard()
	if shard == nil {
		return LeaveFailed
	}
	conn := shard.connection()
	if conn == nil {
		return LeaveFailed
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.dir.cfg.CheckTimeout)
	check, err := conn.CheckCanLeave(checkCtx, SpaceCheckRequest{CharacterID: c.id, SpaceID: space.id})
	cancel()
	if err != nil {
		c.dir.logError("shard leave check failed", err,
			"character_id", c.id.String(), "space_id", space.id.String(), "shard_id", shard.ID())
		return LeaveFailed
	}
	if !check.Allowed {
		return LeaveRestricted
	}

	if !space.RemoveCharacter(ctx, c, ReasonLeave, nil) {
		return LeaveFailed
	}
	space.untrack(c)
	space.CleanupIfEmpty(ctx)
	if c.isOnline() {
		c.assignToShard(ctx, shard)
	}
	c.notifyConnectionState()
	return LeaveOK
}

// ForceDisconnectShard drops the character from its shard and space and
// detaches its client, whatever state it is in.
func (c *Character) ForceDisconnectShard(ctx context.Context) {
	unlock, err := c.ops.lock(ctx)
	if err != nil {
		c.dir.logError("force disconnect abandoned", err, "character_id", c.id.String())
		return
	}
	defer unlock()
	c.forceDisconnectLocked(ctx, ReasonError)
}

func (c *Character) forceDisconnectLocked(ctx context.Context, reason RemovalReason) {
	if j, ok := c.Assignment().(SpaceJoinedAssignment); ok {
		j.Space.removeMember(ctx, c, reason, nil)
	}
	c.unassign(ctx)
	c.detachClient(StatusDisconnected)
}

// ShardChange moves the character off shard when it is hosted there as a
// bare shard character, reassigning it if reconnect is set and it is online.
func (c *Character) ShardChange(ctx context.Context, shard *Shard, reconnect bool) {
	unlock, err := c.ops.lock(ctx)
	if err != nil {
		c.dir.logError("character shard change abandoned", err, "character_id", c.id.String())
		return
	}
	defer unlock()

	c.mu.Lock()
	a, ok := c.assignment.(ShardAssignment)
	if !ok || a.Shard != shard {
		c.mu.Unlock()
		return
	}
	shard.removeCharacter(c)
	c.setAssignmentLocked(nil)
	online := c.connectSecret != ""
	c.mu.Unlock()

	if reconnect && online {
		c.assignToShard(ctx, nil)
	}
	c.notifyConnectionState()
}

// ForceUnload removes the character from every assignment and from memory.
func (c *Character) ForceUnload(ctx context.Context) {
	unlock, err := c.ops.lock(ctx)
	if err != nil {
		c.dir.logError("force unload abandoned", err, "character_id", c.id.String())
		return
	}
	defer unlock()
	c.forceDisconnectLocked(ctx, ReasonDisconnect)
	c.dir.characters.remove(c)
}

// Delete invalidates the character, waits for it to be fully unassigned and
// removes its record. Deleting twice is harmless.
func (c *Character) Delete(ctx context.Context) error {
	unlock, err := c.ops.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	c.forceDisconnectLocked(ctx, ReasonDisconnect)
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
	c.dir.characters.remove(c)

	if err := c.dir.db.DeleteCharacter(ctx, c.id); err != nil && !IsNotFound(err) {
		return oops.Code(CodeDatabaseFailed).With("character_id", c.id.String()).Wrap(err)
	}
	return nil
}

// FinalizeCreation names a character that is still being created.
func (c *Character) FinalizeCreation(ctx context.Context, name string) error {
	if err := ValidateCharacterName(name); err != nil {
		return oops.Code(CodeCharacterInvalid).With("character_id", c.id.String()).Wrap(err)
	}
	unlock, err := c.ops.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	c.mu.Lock()
	inCreation := c.inCreation
	var invalid error
	if !c.valid {
		invalid = c.invalidErrLocked()
	}
	c.mu.Unlock()
	if invalid != nil {
		return invalid
	}
	if !inCreation {
		return oops.Code(CodeCharacterFinalized).With("character_id", c.id.String()).Errorf("character already has a name")
	}
	if err := c.dir.db.FinalizeCharacter(ctx, c.id, name); err != nil {
		return oops.Code(CodeDatabaseFailed).With("character_id", c.id.String()).Wrap(err)
	}

	c.mu.Lock()
	c.name = name
	c.inCreation = false
	c.mu.Unlock()
	if shard := c.HostShard(); shard != nil {
		shard.Update(UpdateCharacters)
	}
	return nil
}

// restoreOnShard restores the character's stored space and then adopts a
// registering shard's claim on it, both under one operation.
func (c *Character) restoreOnShard(ctx context.Context, shard *Shard, report ShardCharacterReport) (bool, error) {
	unlock, err := c.ops.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	if err := c.requestLoadLocked(ctx); err != nil {
		return false, err
	}
	return c.reattachShardLocked(shard, report), nil
}

// reattachShardLocked adopts a registering shard's claim on the character.
// State already loaded elsewhere wins, and the claim must carry the stored
// access id.
func (c *Character) reattachShardLocked(shard *Shard, report ShardCharacterReport) bool {
	if sp := assignmentSpace(c.Assignment()); sp != nil && sp.Shard() == shard {
		c.mu.Lock()
		if c.connectSecret == "" && c.accessID == report.AccessID {
			c.connectSecret = report.ConnectSecret
		}
		c.mu.Unlock()
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.pendingDisconnect || c.assignment != nil {
		return false
	}
	if c.accessID != "" && c.accessID != report.AccessID {
		return false
	}
	if !shard.addCharacter(c) {
		return false
	}
	c.setAssignmentLocked(ShardAssignment{Shard: shard})
	c.accessID = report.AccessID
	c.connectSecret = report.ConnectSecret
	return true
}

// markPendingDisconnect flags the character for a forced disconnect
// requested by its shard.
func (c *Character) markPendingDisconnect() {
	c.mu.Lock()
	c.pendingDisconnect = true
	c.mu.Unlock()
}

// scheduleRelocation moves an evicted character back to a bare shard in the
// background once its operation lock is free.
func (c *Character) scheduleRelocation() {
	c.dir.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, relocateTimeout)
		defer cancel()
		c.relocate(ctx)
	})
}

func (c *Character) relocate(ctx context.Context) {
	unlock, err := c.ops.lock(ctx)
	if err != nil {
		c.dir.logError("relocation abandoned", err, "character_id", c.id.String())
		return
	}
	defer unlock()

	a := c.Assignment()
	var previous *Shard
	if t, ok := a.(SpaceTrackingAssignment); ok {
		previous = t.Space.Shard()
		t.Space.untrack(c)
		t.Space.CleanupIfEmpty(ctx)
		a = nil
	}
	if a == nil && c.isOnline() {
		c.assignToShard(ctx, previous)
	}
	c.notifyConnectionState()
}
