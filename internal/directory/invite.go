// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// InviteType distinguishes the two invite variants.
type InviteType string

const (
	// InviteJoinMe is a single-use invite tied to its creator being present.
	InviteJoinMe InviteType = "joinMe"
	// InviteSpaceBound is an admin-created, reusable invite.
	InviteSpaceBound InviteType = "spaceBound"
)

// Invite limits.
const (
	MaxJoinMeInvitesPerCharacter = 5
	MaxSpaceBoundInvites         = 20
	JoinMeMinExpiry              = 10 * time.Minute
	JoinMeMaxExpiry              = 2 * time.Hour
	SpaceBoundMinExpiry          = time.Hour
)

// SpaceInvite is an entry of a space's invite registry.
type SpaceInvite struct {
	ID               string     `json:"id"`
	Type             InviteType `json:"type"`
	CreatorAccount   ulid.ULID  `json:"creatorAccount"`
	CreatorCharacter ulid.ULID  `json:"creatorCharacter"`
	TargetAccount    *ulid.ULID `json:"targetAccount,omitempty"`
	TargetCharacter  *ulid.ULID `json:"targetCharacter,omitempty"`
	Uses             int        `json:"uses"`
	MaxUses          *int       `json:"maxUses,omitempty"`
	Expires          *time.Time `json:"expires,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// validAt reports whether the invite is neither expired nor used up.
func (i *SpaceInvite) validAt(now time.Time) bool {
	if i.Expires != nil && !now.Before(*i.Expires) {
		return false
	}
	if i.MaxUses != nil && i.Uses >= *i.MaxUses {
		return false
	}
	return true
}

// InviteRequest is the caller supplied part of a new invite.
type InviteRequest struct {
	Type            InviteType `json:"type"`
	TargetAccount   *ulid.ULID `json:"targetAccount,omitempty"`
	TargetCharacter *ulid.ULID `json:"targetCharacter,omitempty"`
	MaxUses         *int       `json:"maxUses,omitempty"`
	Expires         *time.Time `json:"expires,omitempty"`
}

func (s *Space) findValidInviteLocked(id string) *SpaceInvite {
	now := s.dir.now()
	for i := range s.invites {
		if s.invites[i].ID == id && s.invites[i].validAt(now) {
			return &s.invites[i]
		}
	}
	return nil
}

// gcInvitesLocked drops expired and used up invites.
func (s *Space) gcInvitesLocked() bool {
	now := s.dir.now()
	before := len(s.invites)
	s.invites = slices.DeleteFunc(s.invites, func(i SpaceInvite) bool { return !i.validAt(now) })
	return len(s.invites) != before
}

// useInviteLocked counts one use of an invite and returns the registry to persist.
func (s *Space) useInviteLocked(id string) []SpaceInvite {
	for i := range s.invites {
		if s.invites[i].ID == id {
			s.invites[i].Uses++
			break
		}
	}
	s.gcInvitesLocked()
	return append([]SpaceInvite{}, s.invites...)
}

func (s *Space) persistInvites(ctx context.Context, invites []SpaceInvite) {
	if err := s.dir.db.UpdateSpaceInvites(ctx, s.id, invites); err != nil {
		s.dir.logError("persist space invites failed", err, "space_id", s.id.String())
	}
}

// CreateInvite adds an invite created by creator.
//
// A joinMe invite needs a target account and a creator who is a member. It
// is single use, its expiry is clamped into [JoinMeMinExpiry,
// JoinMeMaxExpiry] and each character keeps at most
// MaxJoinMeInvitesPerCharacter of them, dropping the oldest. A spaceBound
// invite needs an admin creator, is limited to MaxSpaceBoundInvites per space
// and its expiry is at least SpaceBoundMinExpiry away.
func (s *Space) CreateInvite(ctx context.Context, creator *Character, req InviteRequest) (*SpaceInvite, InviteResult) {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return nil, InviteFailed
	}
	defer unlock()

	now := s.dir.now()
	inv := SpaceInvite{
		ID:               s.dir.tokens.InviteID(),
		Type:             req.Type,
		CreatorAccount:   creator.accountID,
		CreatorCharacter: creator.id,
		TargetAccount:    req.TargetAccount,
		TargetCharacter:  req.TargetCharacter,
		CreatedAt:        now,
	}

	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return nil, InviteFailed
	}
	s.gcInvitesLocked()

	switch req.Type {
	case InviteJoinMe:
		if req.TargetAccount == nil {
			s.mu.Unlock()
			return nil, InviteInvalidData
		}
		if s.members[creator.id] != creator || !creator.isOnline() {
			s.mu.Unlock()
			return nil, InviteNoAccess
		}
		one := 1
		inv.MaxUses = &one
		expires := now.Add(JoinMeMaxExpiry)
		if req.Expires != nil {
			expires = clampTime(*req.Expires, now.Add(JoinMeMinExpiry), now.Add(JoinMeMaxExpiry))
		}
		inv.Expires = &expires

		var own []int
		for i := range s.invites {
			if s.invites[i].Type == InviteJoinMe && s.invites[i].CreatorCharacter == creator.id {
				own = append(own, i)
			}
		}
		if drop := len(own) - MaxJoinMeInvitesPerCharacter + 1; drop > 0 {
			oldest := make(map[string]bool, drop)
			for _, i := range own[:drop] {
				oldest[s.invites[i].ID] = true
			}
			s.invites = slices.DeleteFunc(s.invites, func(i SpaceInvite) bool { return oldest[i.ID] })
		}

	case InviteSpaceBound:
		if !s.isAdminLocked(creator.accountID) {
			s.mu.Unlock()
			return nil, InviteNoAccess
		}
		count := 0
		for i := range s.invites {
			if s.invites[i].Type == InviteSpaceBound {
				count++
			}
		}
		if count >= MaxSpaceBoundInvites {
			s.mu.Unlock()
			return nil, InviteTooMany
		}
		if req.MaxUses != nil {
			if *req.MaxUses < 1 {
				s.mu.Unlock()
				return nil, InviteInvalidData
			}
			uses := *req.MaxUses
			inv.MaxUses = &uses
		}
		if req.Expires != nil {
			expires := *req.Expires
			if floor := now.Add(SpaceBoundMinExpiry); expires.Before(floor) {
				expires = floor
			}
			inv.Expires = &expires
		}

	default:
		s.mu.Unlock()
		return nil, InviteInvalidData
	}

	s.invites = append(s.invites, inv)
	invites := append([]SpaceInvite{}, s.invites...)
	s.mu.Unlock()

	s.persistInvites(ctx, invites)
	return &inv, InviteOK
}

// ListInvites returns the valid invites visible to accountID: every invite
// for admins, the account's own invites otherwise.
func (s *Space) ListInvites(accountID ulid.ULID) []SpaceInvite {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.dir.now()
	admin := s.isAdminLocked(accountID)
	out := []SpaceInvite{}
	for _, inv := range s.invites {
		if !inv.validAt(now) {
			continue
		}
		if admin || inv.CreatorAccount == accountID {
			out = append(out, inv)
		}
	}
	return out
}

// DeleteInvite removes an invite. Non-admins may only delete their own.
func (s *Space) DeleteInvite(ctx context.Context, accountID ulid.ULID, inviteID string) InviteResult {
	unlock, err := s.ops.lock(ctx)
	if err != nil {
		return InviteFailed
	}
	defer unlock()

	s.mu.Lock()
	idx := slices.IndexFunc(s.invites, func(i SpaceInvite) bool { return i.ID == inviteID })
	if idx < 0 {
		s.mu.Unlock()
		return InviteRequestNotFound
	}
	if !s.isAdminLocked(accountID) && s.invites[idx].CreatorAccount != accountID {
		s.mu.Unlock()
		return InviteNoAccess
	}
	s.invites = slices.Delete(s.invites, idx, idx+1)
	s.gcInvitesLocked()
	invites := append([]SpaceInvite{}, s.invites...)
	s.mu.Unlock()

	s.persistInvites(ctx, invites)
	return InviteOK
}

func clampTime(t, lo, hi time.Time) time.Time {
	if t.Before(lo) {
		return lo
	}
	if t.After(hi) {
		return hi
	}
	return t
}
