// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/oklog/ulid/v2"
)

// AdminAction is a moderation action on a list of accounts.
type AdminAction string

const (
	AdminKick     AdminAction = "kick"
	AdminBan      AdminAction = "ban"
	AdminUnban    AdminAction = "unban"
	AdminAllow    AdminAction = "allow"
	AdminDisallow AdminAction = "disallow"
	AdminPromote  AdminAction = "promote"
	AdminDemote   AdminAction = "demote"
)

// Update applies a partial configuration change made by actor, who must be
// an admin. Development settings additionally need a developer account.
func (s *Space) Update(ctx context.Context, actor *Character, upd SpaceConfigUpdate) AdminResult {
	if upd.Development != nil {
		acc, err := s.dir.accounts.Get(ctx, actor.accountID)
		if err != nil {
			s.dir.logError("load actor account failed", err, "space_id", s.id.String())
			return AdminFailed
		}
		if !acc.IsDeveloper() {
			return AdminNoAccess
		}
	}

	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return AdminFailed
	}
	defer unlock()

	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return AdminFailed
	}
	if !s.isAdminLocked(actor.accountID) {
		s.mu.Unlock()
		return AdminNoAccess
	}
	next := s.config.clone()
	changes := upd.apply(&next)
	next.normalize(s.owners, s.dir.cfg.MaxSpaceUsers)
	s.mu.Unlock()

	return s.commitConfig(ctx, actor, next, changes, ActionSpaceUpdated, ReasonBan)
}

// AdminAction applies action to the target accounts. Promote and demote are
// reserved to owners; everything else needs an admin. Owners are never
// affected.
func (s *Space) AdminAction(ctx context.Context, actor *Character, action AdminAction, targets []ulid.ULID) AdminResult {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return AdminFailed
	}
	defer unlock()

	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return AdminFailed
	}
	allowed := s.isAdminLocked(actor.accountID)
	if action == AdminPromote || action == AdminDemote {
		allowed = s.isOwner(actor.accountID)
	}
	if !allowed {
		s.mu.Unlock()
		return AdminNoAccess
	}

	next := s.config.clone()
	var changes []string
	evictReason := ReasonKick
	for _, target := range uniqueIDs(targets, s.owners) {
		switch action {
		case AdminKick:
			// Membership only; handled after commit.
		case AdminBan:
			if !slices.Contains(next.Banned, target) && !s.isAdminLocked(target) {
				next.Banned = append(next.Banned, target)
				changes = append(changes, "banned "+target.String())
			}
			evictReason = ReasonBan
		case AdminUnban:
			if i := slices.Index(next.Banned, target); i >= 0 {
				next.Banned = slices.Delete(next.Banned, i, i+1)
				changes = append(changes, "unbanned "+target.String())
			}
		case AdminAllow:
			if !slices.Contains(next.Allow, target) && !slices.Contains(next.Banned, target) {
				next.Allow = append(next.Allow, target)
				changes = append(changes, "allowed "+target.String())
			}
		case AdminDisallow:
			if i := slices.Index(next.Allow, target); i >= 0 {
				next.Allow = slices.Delete(next.Allow, i, i+1)
				changes = append(changes, "disallowed "+target.String())
			}
		case AdminPromote:
			if !slices.Contains(next.Admin, target) {
				next.Admin = append(next.Admin, target)
				changes = append(changes, "promoted "+target.String())
			}
		case AdminDemote:
			if i := slices.Index(next.Admin, target); i >= 0 {
				next.Admin = slices.Delete(next.Admin, i, i+1)
				changes = append(changes, "demoted "+target.String())
			}
		default:
			s.mu.Unlock()
			return AdminFailed
		}
	}
	next.normalize(s.owners, s.dir.cfg.MaxSpaceUsers)

	var kicked []*Character
	if action == AdminKick {
		for _, c := range s.members {
			if slices.Contains(targets, c.accountID) && !s.isOwner(c.accountID) && !s.isAdminLocked(c.accountID) {
				kicked = append(kicked, c)
			}
		}
	}
	s.mu.Unlock()

	if res := s.commitConfig(ctx, actor, next, changes, ActionAdminAction, evictReason); res != AdminOK {
		return res
	}
	actorID := actor.id
	for _, c := range kicked {
		if s.removeMember(ctx, c, ReasonKick, &actorID) {
			c.scheduleRelocation()
		}
	}
	return AdminOK
}

// commitConfig persists next, publishes it and evicts members that next bans.
// The operation lock must be held.
func (s *Space) commitConfig(ctx context.Context, actor *Character, next SpaceConfig, changes []string, action MessageAction, evictReason RemovalReason) AdminResult {
	s.mu.Lock()
	changed := !configEqual(s.config, next)
	s.mu.Unlock()
	if !changed {
		return AdminOK
	}

	raw, err := json.Marshal(next)
	if err != nil {
		s.dir.logError("encode space config failed", err, "space_id", s.id.String())
		return AdminFailed
	}
	if err := s.dir.db.UpdateSpaceConfig(ctx, s.id, raw); err != nil {
		s.dir.logError("persist space config failed", err, "space_id", s.id.String())
		return AdminFailed
	}

	s.mu.Lock()
	s.config = next
	var evicted []*Character
	for _, c := range s.members {
		if slices.Contains(next.Banned, c.accountID) {
			evicted = append(evicted, c)
		}
	}
	shard := s.shard
	info := s.listInfoLocked()
	s.mu.Unlock()

	if shard != nil {
		shard.Update(UpdateSpaces)
	}
	s.dir.broadcastSpaceListChanged(info)
	if len(changes) > 0 {
		actorID := actor.id
		s.addMessage(ActionMessage{Action: action, Actor: &actorID, Changes: bundleChanges(changes)})
	}
	actorID := actor.id
	for _, c := range evicted {
		if s.removeMember(ctx, c, evictReason, &actorID) {
			c.scheduleRelocation()
		}
	}
	return AdminOK
}

func configEqual(a, b SpaceConfig) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}
