// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Space is a persistent multi-character session with access control.
//
// Mutating methods hold the space's operation lock for their whole duration.
// Field access is guarded by mu, which is never held across I/O.
type Space struct {
	id        ulid.ULID
	dir       *Directory
	ops       serial
	createdAt time.Time

	mu            sync.Mutex
	config        SpaceConfig
	owners        []ulid.ULID
	invites       []SpaceInvite
	accessID      string
	valid         bool
	unloaded      bool // dropped from memory; the record lives on
	shard         *Shard
	tracking      map[ulid.ULID]*Character
	members       map[ulid.ULID]*Character
	messages      []ActionMessage
	nextMessageID uint64
	lastActivity  time.Time
	activity      SpaceActivity
}

func newSpace(d *Directory, rec *SpaceRecord, cfg SpaceConfig) *Space {
	return &Space{
		id:           rec.ID,
		dir:          d,
		ops:          newSerial(),
		createdAt:    rec.CreatedAt,
		config:       cfg,
		owners:       slices.Clone(rec.Owners),
		invites:      slices.Clone(rec.Invites),
		accessID:     rec.AccessID,
		valid:        true,
		tracking:     make(map[ulid.ULID]*Character),
		members:      make(map[ulid.ULID]*Character),
		lastActivity: d.now(),
		activity:     rec.Activity,
	}
}

// ID returns the space id.
func (s *Space) ID() ulid.ULID { return s.id }

// Config returns a copy of the current configuration.
func (s *Space) Config() SpaceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.clone()
}

// Owners returns the owner account ids.
func (s *Space) Owners() []ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.owners)
}

// IsValid reports whether the space still accepts members.
func (s *Space) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

func (s *Space) wasUnloaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unloaded
}

// Shard returns the hosting shard, or nil.
func (s *Space) Shard() *Shard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shard
}

// AccessID returns the capability token of the current shard assignment.
func (s *Space) AccessID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessID
}

// Members returns the ids of the member characters.
func (s *Space) Members() []ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedIDs(s.members)
}

// Tracking returns the ids of every character co-located with the space.
func (s *Space) Tracking() []ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedIDs(s.tracking)
}

// IsInUse reports whether the space is hosted or has an online tracking character.
func (s *Space) IsInUse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shard != nil || s.hasOnlineLocked()
}

// IsPublic reports whether the space can currently be entered without an invite.
func (s *Space) IsPublic() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPublicLocked()
}

// ListInfo returns the space-list entry of the space.
func (s *Space) ListInfo() SpaceListInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listInfoLocked()
}

func (s *Space) listInfoLocked() SpaceListInfo {
	online := 0
	for _, c := range s.members {
		if c.isOnline() {
			online++
		}
	}
	return SpaceListInfo{
		ID:          s.id,
		Name:        s.config.Name,
		Description: s.config.Description,
		Public:      s.config.Public,
		MaxUsers:    s.config.MaxUsers,
		Online:      online,
		Members:     len(s.members),
		IsPublic:    s.isPublicLocked(),
		Deleted:     !s.valid,
		UpdatedAt:   s.dir.now(),
	}
}

func (s *Space) hasOnlineLocked() bool {
	for _, c := range s.tracking {
		if c.isOnline() {
			return true
		}
	}
	return false
}

func (s *Space) isOwner(accountID ulid.ULID) bool {
	return slices.Contains(s.owners, accountID)
}

// isAdminLocked reports whether accountID administers the space. Owners are
// always admins; development spaces may grant admin to every developer.
func (s *Space) isAdminLocked(accountID ulid.ULID) bool {
	if s.isOwner(accountID) || slices.Contains(s.config.Admin, accountID) {
		return true
	}
	if dev := s.config.Development; dev != nil && dev.AutoAdmin {
		if s.dir.accounts.IsDeveloper(accountID) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether accountID administers the space.
func (s *Space) IsAdmin(accountID ulid.ULID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAdminLocked(accountID)
}

func (s *Space) touchLocked() {
	s.lastActivity = s.dir.now()
}

// manifest returns the shard-facing view of the space.
func (s *Space) manifest() SpaceManifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SpaceManifest{
		ID:         s.id,
		AccessID:   s.accessID,
		Owners:     slices.Clone(s.owners),
		Config:     s.config.clone(),
		Characters: sortedIDs(s.members),
	}
}

// trackingCharacters returns the characters co-located with the space.
func (s *Space) trackingCharacters() []*Character {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Character, 0, len(s.tracking))
	for _, c := range s.tracking {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Character) int { return a.id.Compare(b.id) })
	return out
}

// attachStored makes a character whose persisted current space is s a member
// again. It is used while loading either side from storage and does nothing
// if the character already has an assignment.
func (s *Space) attachStored(c *Character) bool {
	s.mu.Lock()
	c.mu.Lock()
	ok := s.valid && c.valid && c.assignment == nil &&
		c.currentSpace != nil && *c.currentSpace == s.id
	if ok {
		s.tracking[c.id] = c
		c.setAssignmentLocked(SpaceTrackingAssignment{Space: s})
		s.members[c.id] = c
		c.setAssignmentLocked(SpaceJoinedAssignment{Space: s})
	}
	c.mu.Unlock()
	shard := s.shard
	s.mu.Unlock()

	if ok && shard != nil {
		shard.Update(UpdateCharacters, UpdateSpaces)
	}
	return ok
}

// Track starts tracking c on the space's shard, assigning the space to a
// shard first if needed. c must be unassigned. The character gets a fresh
// access id.
func (s *Space) Track(ctx context.Context, c *Character) bool {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return false
	}
	defer unlock()

	shard := s.ensureShard(ctx)
	if shard == nil {
		return false
	}

	s.mu.Lock()
	c.mu.Lock()
	ok := s.valid && c.valid && c.assignment == nil && s.shard == shard
	var accessID string
	if ok {
		s.tracking[c.id] = c
		c.setAssignmentLocked(SpaceTrackingAssignment{Space: s})
		c.accessID = s.dir.tokens.AccessID()
		accessID = c.accessID
		s.touchLocked()
	}
	c.mu.Unlock()
	s.mu.Unlock()

	if !ok {
		return false
	}
	c.persistAccessID(ctx, accessID)
	shard.Update(UpdateCharacters)
	return true
}

// untrack releases a tracking (non-member) character. The character ends up
// unassigned.
func (s *Space) untrack(c *Character) {
	s.mu.Lock()
	c.mu.Lock()
	t, ok := c.assignment.(SpaceTrackingAssignment)
	ok = ok && t.Space == s
	if ok {
		assertInvariant(s.members[c.id] == nil, "tracking character is not a member",
			"space_id", s.id.String(), "character_id", c.id.String())
		delete(s.tracking, c.id)
		c.setAssignmentLocked(nil)
	}
	c.mu.Unlock()
	shard := s.shard
	s.mu.Unlock()

	if ok && shard != nil {
		shard.Update(UpdateCharacters)
	}
}

// removeMember demotes a member to tracking, clears its persisted current
// space and records why it left. It does not take the operation lock so that
// forced paths always complete.
func (s *Space) removeMember(ctx context.Context, c *Character, reason RemovalReason, actor *ulid.ULID) bool {
	s.mu.Lock()
	c.mu.Lock()
	j, ok := c.assignment.(SpaceJoinedAssignment)
	ok = ok && j.Space == s
	if ok {
		assertInvariant(s.members[c.id] == c && s.tracking[c.id] == c,
			"joined character is a tracked member",
			"space_id", s.id.String(), "character_id", c.id.String())
		delete(s.members, c.id)
		c.setAssignmentLocked(SpaceTrackingAssignment{Space: s})
		c.currentSpace = nil
		s.touchLocked()
	}
	c.mu.Unlock()
	var info SpaceListInfo
	if ok {
		info = s.listInfoLocked()
	}
	shard := s.shard
	s.mu.Unlock()

	if !ok {
		return false
	}
	if err := s.dir.db.SetCharacterSpace(ctx, c.id, nil); err != nil {
		s.dir.logError("clear character space failed", err,
			"space_id", s.id.String(), "character_id", c.id.String())
	}
	id := c.id
	s.addMessage(ActionMessage{Action: ActionCharacterLeft, Character: &id, Actor: actor, Reason: reason})
	if shard != nil {
		shard.Update(UpdateCharacters, UpdateSpaces)
	}
	s.dir.broadcastSpaceListChanged(info)
	return true
}

// RemoveCharacter removes a member under the operation lock.
func (s *Space) RemoveCharacter(ctx context.Context, c *Character, reason RemovalReason, actor *ulid.ULID) bool {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return false
	}
	defer unlock()
	return s.removeMember(ctx, c, reason, actor)
}

// ensureShard returns the hosting shard, assigning one if the space has
// none. Development spaces pinned to a shard only go to that shard.
// The operation lock must be held.
func (s *Space) ensureShard(ctx context.Context) *Shard {
	s.mu.Lock()
	current := s.shard
	valid := s.valid
	var pinned string
	if dev := s.config.Development; dev != nil {
		pinned = dev.ShardID
	}
	s.mu.Unlock()

	if current != nil {
		if current.AllowConnect() {
			return current
		}
		// A stopping shard is detached by its own deletion.
		return nil
	}
	if !valid {
		return nil
	}

	var shard *Shard
	if pinned != "" {
		if sh := s.dir.shards.Get(pinned); sh != nil && sh.AllowConnect() {
			shard = sh
		}
	} else {
		shard = s.dir.shards.GetRandomShard()
	}
	if shard == nil {
		return nil
	}
	if !s.assignShard(ctx, shard, "") {
		return nil
	}
	return shard
}

// assignShard hosts the space on shard. An empty accessID mints fresh access
// ids for the space and every tracking character; a non-empty one re-adopts
// the id a reconnecting shard already holds.
func (s *Space) assignShard(ctx context.Context, shard *Shard, accessID string) bool {
	type rotated struct {
		c        *Character
		accessID string
	}
	var chars []rotated

	s.mu.Lock()
	if !s.valid || s.shard != nil || !shard.addSpace(s) {
		s.mu.Unlock()
		return false
	}
	s.shard = shard
	if accessID == "" {
		s.accessID = s.dir.tokens.AccessID()
		for _, c := range s.tracking {
			c.mu.Lock()
			c.accessID = s.dir.tokens.AccessID()
			chars = append(chars, rotated{c: c, accessID: c.accessID})
			c.mu.Unlock()
		}
	} else {
		s.accessID = accessID
	}
	newAccessID := s.accessID
	s.mu.Unlock()

	if err := s.dir.db.SetSpaceAccessID(ctx, s.id, newAccessID); err != nil {
		s.dir.logError("persist space access id failed", err, "space_id", s.id.String())
	}
	for _, r := range chars {
		r.c.persistAccessID(ctx, r.accessID)
	}
	shard.Update(UpdateSpaces, UpdateCharacters, UpdateMessages)
	s.notifyTracking()
	return true
}

// unassignShard detaches the space from its shard. Tracking characters stay
// with the space. The operation lock must be held.
func (s *Space) unassignShard() {
	s.mu.Lock()
	shard := s.shard
	if shard != nil {
		shard.removeSpace(s)
		s.shard = nil
	}
	s.mu.Unlock()

	if shard == nil {
		return
	}
	shard.Update(UpdateSpaces, UpdateCharacters)
	s.notifyTracking()
}

// notifyTracking sends the connection state to every online tracking character.
func (s *Space) notifyTracking() {
	for _, c := range s.trackingCharacters() {
		c.notifyConnectionState()
	}
}

// Connect makes sure the space is hosted for a character that came online.
func (s *Space) Connect(ctx context.Context, c *Character) bool {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return false
	}
	defer unlock()

	shard := s.ensureShard(ctx)
	if shard == nil {
		return false
	}
	s.mu.Lock()
	s.touchLocked()
	info := s.listInfoLocked()
	s.mu.Unlock()

	shard.Update(UpdateCharacters)
	s.dir.broadcastSpaceListChanged(info)
	return true
}

// CharacterDisconnected tells the shard a member went offline and releases
// the shard if nobody is left.
func (s *Space) CharacterDisconnected(ctx context.Context, c *Character) {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return
	}
	defer unlock()

	s.mu.Lock()
	s.touchLocked()
	shard := s.shard
	info := s.listInfoLocked()
	s.mu.Unlock()

	if shard != nil {
		shard.Update(UpdateCharacters)
	}
	s.dir.broadcastSpaceListChanged(info)
	s.cleanupIfEmptyLocked()
}

// CleanupIfEmpty releases the shard when no tracking character is online.
func (s *Space) CleanupIfEmpty(ctx context.Context) {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return
	}
	defer unlock()
	s.cleanupIfEmptyLocked()
}

func (s *Space) cleanupIfEmptyLocked() {
	s.mu.Lock()
	empty := !s.hasOnlineLocked()
	s.mu.Unlock()
	if empty {
		s.unassignShard()
	}
}

// ShardChange moves the space off shard. With reconnect set and someone
// online, a replacement shard is assigned.
func (s *Space) ShardChange(ctx context.Context, shard *Shard, reconnect bool) {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		s.dir.logError("space shard change abandoned", err, "space_id", s.id.String())
		return
	}
	defer unlock()

	s.mu.Lock()
	current := s.shard
	s.mu.Unlock()
	if current != shard {
		return
	}
	s.unassignShard()

	s.mu.Lock()
	online := s.hasOnlineLocked()
	s.mu.Unlock()
	if reconnect && online {
		s.ensureShard(ctx)
	}
}

// reattachShard adopts a registering shard's claim on the space when the
// space is unhosted and the shard holds the current access id.
func (s *Space) reattachShard(ctx context.Context, shard *Shard, accessID string) bool {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return false
	}
	defer unlock()

	s.mu.Lock()
	ok := s.valid && s.shard == nil && accessID != "" && accessID == s.accessID
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.assignShard(ctx, shard, accessID)
}

// AutomodKick removes a member at the request of its shard.
func (s *Space) AutomodKick(ctx context.Context, characterID ulid.ULID) bool {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return false
	}
	defer unlock()

	s.mu.Lock()
	c := s.members[characterID]
	s.mu.Unlock()
	if c == nil {
		return false
	}
	if !s.removeMember(ctx, c, ReasonAutomodKick, nil) {
		return false
	}
	c.scheduleRelocation()
	return true
}

// Delete soft-deletes the space: it stops accepting members, evicts everyone,
// leaves its shard and removes the stored record. Repeated calls converge on
// the same state.
func (s *Space) Delete(ctx context.Context) error {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()

	for _, c := range s.trackingCharacters() {
		s.removeMember(ctx, c, ReasonDestroy, nil)
		s.untrack(c)
		c.scheduleRelocation()
	}
	s.unassignShard()

	if err := s.dir.db.DeleteSpace(ctx, s.id); err != nil && !IsNotFound(err) {
		return err
	}
	s.dir.spaces.remove(s)

	s.mu.Lock()
	info := s.listInfoLocked()
	s.mu.Unlock()
	s.dir.broadcastSpaceListChanged(info)
	return nil
}

// unloadIfIdle drops the space from memory when it is not in use and has
// been idle since before cutoff. Offline members are detached from the
// in-memory object; their stored membership is untouched.
func (s *Space) unloadIfIdle(ctx context.Context, cutoff time.Time) bool {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return false
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shard != nil || s.hasOnlineLocked() || s.lastActivity.After(cutoff) {
		return false
	}
	for id, c := range s.tracking {
		c.mu.Lock()
		if _, joined := c.assignment.(SpaceJoinedAssignment); joined {
			delete(s.members, id)
			c.setAssignmentLocked(SpaceTrackingAssignment{Space: s})
		}
		delete(s.tracking, id)
		c.setAssignmentLocked(nil)
		c.mu.Unlock()
	}
	s.valid = false
	s.unloaded = true
	return true
}

// record returns the persisted form of the space.
func (s *Space) record() (*SpaceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(s.config)
	if err != nil {
		return nil, err
	}
	return &SpaceRecord{
		ID:        s.id,
		Owners:    slices.Clone(s.owners),
		Config:    raw,
		Invites:   slices.Clone(s.invites),
		AccessID:  s.accessID,
		Activity:  s.activity,
		CreatedAt: s.createdAt,
	}, nil
}

func sortedIDs(m map[ulid.ULID]*Character) []ulid.ULID {
	ids := make([]ulid.ULID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ulid.ULID) int { return a.Compare(b) })
	return ids
}
