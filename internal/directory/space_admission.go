// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"slices"
)

// EnterOptions relaxes CheckAllowEnter.
type EnterOptions struct {
	// IgnoreCharacterLimit skips the capacity check. Joins use it for the
	// first of their two checks.
	IgnoreCharacterLimit bool
}

// CheckAllowEnter decides whether c may enter the space. It reads state only.
func (s *Space) CheckAllowEnter(c *Character, inviteID string, opts EnterOptions) EnterResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, _ := s.checkAllowEnterLocked(c, inviteID, opts)
	return res
}

// checkAllowEnterLocked applies the admission rules in order. The returned
// invite is the one that admitted the character, if any.
func (s *Space) checkAllowEnterLocked(c *Character, inviteID string, opts EnterOptions) (EnterResult, *SpaceInvite) {
	if !s.valid {
		return EnterSpaceFull, nil
	}
	if s.members[c.id] == c {
		return EnterOK, nil
	}

	account := c.accountID
	if !opts.IgnoreCharacterLimit {
		limit := s.config.MaxUsers
		if s.isOwner(account) {
			limit += s.dir.cfg.OwnerExtraSlots
		}
		if len(s.members) >= limit {
			return EnterSpaceFull, nil
		}
	}

	if s.isAdminLocked(account) {
		return EnterOK, nil
	}
	if slices.Contains(s.config.Banned, account) {
		return EnterNoAccess, nil
	}
	if slices.Contains(s.config.Allow, account) && s.config.Public != VisibilityLocked {
		return EnterOK, nil
	}
	if s.isPublicLocked() {
		return EnterOK, nil
	}

	if inviteID != "" {
		if inv := s.findValidInviteLocked(inviteID); inv != nil && s.inviteAdmitsLocked(inv, c) {
			return EnterOK, inv
		}
		return EnterInvalidInvite, nil
	}
	return EnterNoAccess, nil
}

// isPublicLocked evaluates the visibility mode against the current members.
// Public modes need a stable shard: registered, running and not a
// development shard.
func (s *Space) isPublicLocked() bool {
	var needAdmin bool
	switch s.config.Public {
	case VisibilityLocked, VisibilityPrivate:
		return false
	case VisibilityPublicWithAdmin:
		needAdmin = true
	case VisibilityPublicWithAnyone:
		needAdmin = false
	default:
		return false
	}
	if !s.valid || s.shard == nil || !s.shard.isStable() {
		return false
	}
	for _, m := range s.members {
		if !m.isOnline() {
			continue
		}
		if !needAdmin || s.isAdminLocked(m.accountID) {
			return true
		}
	}
	return false
}

// inviteAdmitsLocked applies the type specific rules of a valid invite.
func (s *Space) inviteAdmitsLocked(inv *SpaceInvite, c *Character) bool {
	if inv.TargetAccount != nil && *inv.TargetAccount != c.accountID {
		return false
	}
	if inv.TargetCharacter != nil && *inv.TargetCharacter != c.id {
		return false
	}
	switch inv.Type {
	case InviteJoinMe:
		creator := s.members[inv.CreatorCharacter]
		if creator == nil || !creator.isOnline() {
			return false
		}
		return s.isPublicLocked() || s.isAdminLocked(inv.CreatorAccount)
	case InviteSpaceBound:
		return s.config.Public != VisibilityLocked
	default:
		return false
	}
}

// AddCharacter admits a tracking character as a member after re-running the
// full admission check. A used invite is consumed.
func (s *Space) AddCharacter(ctx context.Context, c *Character, inviteID string) EnterResult {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return EnterFailed
	}
	defer unlock()

	s.mu.Lock()
	res, inv := s.checkAllowEnterLocked(c, inviteID, EnterOptions{})
	if res != EnterOK {
		s.mu.Unlock()
		return res
	}
	c.mu.Lock()
	t, tracking := c.assignment.(SpaceTrackingAssignment)
	if !tracking || t.Space != s || s.tracking[c.id] != c {
		c.mu.Unlock()
		s.mu.Unlock()
		return EnterFailed
	}
	s.members[c.id] = c
	c.setAssignmentLocked(SpaceJoinedAssignment{Space: s})
	spaceID := s.id
	c.currentSpace = &spaceID
	c.mu.Unlock()

	var invites []SpaceInvite
	if inv != nil {
		invites = s.useInviteLocked(inv.ID)
	}
	s.touchLocked()
	shard := s.shard
	info := s.listInfoLocked()
	s.mu.Unlock()

	if err := s.dir.db.SetCharacterSpace(ctx, c.id, &spaceID); err != nil {
		s.dir.logError("persist character space failed", err,
			"space_id", s.id.String(), "character_id", c.id.String())
	}
	if invites != nil {
		s.persistInvites(ctx, invites)
	}
	id := c.id
	s.addMessage(ActionMessage{Action: ActionCharacterEntered, Character: &id})
	if shard != nil {
		shard.Update(UpdateCharacters, UpdateSpaces)
	}
	s.dir.broadcastSpaceListChanged(info)
	return EnterOK
}
