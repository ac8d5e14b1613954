// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpace_DeleteEvictsEveryone(t *testing.T) {
	env := newTestEnv(t)
	shard, _ := env.shard("alpha")
	owner := env.account()
	guestAcc := env.account()
	s := env.space(owner, func(cfg *SpaceConfig) { cfg.Allow = []ulid.ULID{guestAcc} })
	ownerChar, _ := env.online(owner, "Owner")
	guest, _ := env.online(guestAcc, "Guest")
	env.join(ownerChar, s)
	env.join(guest, s)
	listener, _ := env.online(env.account(), "Listener")
	listenerClient := listener.clientConnection().(*fakeClient)
	before := listenerClient.listCount()

	require.NoError(t, s.Delete(context.Background()))

	assert.False(t, s.IsValid())
	assert.Empty(t, s.Members())
	assert.Empty(t, s.Tracking())
	assert.Nil(t, s.Shard())
	assert.Nil(t, env.dir.Spaces().Get(s.ID()))
	assert.Greater(t, listenerClient.listCount(), before)

	for _, c := range []*Character{ownerChar, guest} {
		assert.Eventually(t, func() bool {
			a, ok := c.Assignment().(ShardAssignment)
			return ok && a.Shard == shard
		}, time.Second, time.Millisecond, "evicted character relocated")
		assert.Nil(t, c.CurrentSpaceID())
	}

	_, err := env.db.GetSpace(context.Background(), s.ID())
	assert.True(t, IsNotFound(err))

	// A second delete converges on the same state.
	require.NoError(t, s.Delete(context.Background()))
	assert.False(t, s.IsValid())
	env.checkInvariants()
}

func TestSpace_DeletedSpaceRejectsEntry(t *testing.T) {
	env := newTestEnv(t)
	env.shard("alpha")
	owner := env.account()
	s := env.space(owner)
	require.NoError(t, s.Delete(context.Background()))

	c, _ := env.online(owner, "Owner")
	assert.Equal(t, EnterSpaceFull, c.JoinSpace(context.Background(), s, ""))
}

func TestSpace_UpdateRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.shard("alpha")
	owner := env.account()
	s := env.space(owner)
	stranger, _ := env.online(env.account(), "Stranger")

	name := "Hijacked"
	assert.Equal(t, AdminNoAccess, s.Update(context.Background(), stranger, SpaceConfigUpdate{Name: &name}))
	assert.Equal(t, "Test Space", s.Config().Name)
}

func TestSpace_UpdatePersistsAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	_, conn := env.shard("alpha")
	owner := env.account()
	s := env.space(owner)
	ownerChar, _ := env.online(owner, "Owner")
	env.join(ownerChar, s)

	name := "Renamed"
	public := VisibilityPublicWithAnyone
	res := s.Update(context.Background(), ownerChar, SpaceConfigUpdate{Name: &name, Public: &public})
	require.Equal(t, AdminOK, res)

	assert.Equal(t, "Renamed", s.Config().Name)
	stored, err := env.db.GetSpace(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Contains(t, string(stored.Config), "Renamed")

	assert.Eventually(t, func() bool {
		for _, m := range conn.sentMessages(s.ID()) {
			if m.Action == ActionSpaceUpdated && len(m.Changes) == 2 {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	// No change, no message.
	count := len(s.pendingMessages())
	require.Equal(t, AdminOK, s.Update(context.Background(), ownerChar, SpaceConfigUpdate{Name: &name}))
	assert.LessOrEqual(t, len(s.pendingMessages()), count)
}

func TestSpace_UpdateDevelopmentNeedsDeveloper(t *testing.T) {
	env := newTestEnv(t)
	env.shard("alpha")
	owner := env.account()
	dev := env.account(RoleDeveloper)
	s := env.space(owner, func(cfg *SpaceConfig) { cfg.Admin = []ulid.ULID{dev} })
	ownerChar, _ := env.online(owner, "Owner")
	devChar, _ := env.online(dev, "Dev")

	upd := SpaceConfigUpdate{Development: &DevelopmentConfig{AutoAdmin: true}}
	assert.Equal(t, AdminNoAccess, s.Update(context.Background(), ownerChar, upd))
	assert.Equal(t, AdminOK, s.Update(context.Background(), devChar, upd))
	require.NotNil(t, s.Config().Development)
	assert.True(t, s.Config().Development.AutoAdmin)
}

func TestSpace_AdminActions(t *testing.T) {
	t.Run("ban evicts and relocates member", func(t *testing.T) {
		env := newTestEnv(t)
		shard, _ := env.shard("alpha")
		owner := env.account()
		guestAcc := env.account()
		s := env.space(owner, func(cfg *SpaceConfig) { cfg.Allow = []ulid.ULID{guestAcc} })
		ownerChar, _ := env.online(owner, "Owner")
		guest, _ := env.online(guestAcc, "Guest")
		env.join(ownerChar, s)
		env.join(guest, s)

		require.Equal(t, AdminOK, s.AdminAction(context.Background(), ownerChar, AdminBan, []ulid.ULID{guestAcc}))

		cfg := s.Config()
		assert.Contains(t, cfg.Banned, guestAcc)
		assert.NotContains(t, cfg.Allow, guestAcc)
		assert.NotContains(t, s.Members(), guest.ID())
		assert.Eventually(t, func() bool {
			a, ok := guest.Assignment().(ShardAssignment)
			return ok && a.Shard == shard
		}, time.Second, time.Millisecond)
		assert.Equal(t, EnterNoAccess, s.CheckAllowEnter(guest, "", EnterOptions{}))
		env.checkInvariants()
	})

	t.Run("kick leaves the lists alone", func(t *testing.T) {
		env := newTestEnv(t)
		env.shard("alpha")
		owner := env.account()
		guestAcc := env.account()
		s := env.space(owner, func(cfg *SpaceConfig) { cfg.Allow = []ulid.ULID{guestAcc} })
		ownerChar, _ := env.online(owner, "Owner")
		guest, _ := env.online(guestAcc, "Guest")
		env.join(ownerChar, s)
		env.join(guest, s)

		require.Equal(t, AdminOK, s.AdminAction(context.Background(), ownerChar, AdminKick, []ulid.ULID{guestAcc}))

		assert.NotContains(t, s.Members(), guest.ID())
		assert.Contains(t, s.Config().Allow, guestAcc)
		assert.Eventually(t, func() bool {
			_, ok := guest.Assignment().(ShardAssignment)
			return ok
		}, time.Second, time.Millisecond)
	})

	t.Run("owners are never targeted", func(t *testing.T) {
		env := newTestEnv(t)
		env.shard("alpha")
		owner := env.account()
		adminAcc := env.account()
		s := env.space(owner, func(cfg *SpaceConfig) { cfg.Admin = []ulid.ULID{adminAcc} })
		ownerChar, _ := env.online(owner, "Owner")
		admin, _ := env.online(adminAcc, "Admin")
		env.join(ownerChar, s)

		require.Equal(t, AdminOK, s.AdminAction(context.Background(), admin, AdminBan, []ulid.ULID{owner}))
		assert.NotContains(t, s.Config().Banned, owner)
		assert.Contains(t, s.Members(), ownerChar.ID())
	})

	t.Run("promote is reserved to owners", func(t *testing.T) {
		env := newTestEnv(t)
		env.shard("alpha")
		owner := env.account()
		adminAcc := env.account()
		other := env.account()
		s := env.space(owner, func(cfg *SpaceConfig) {
			cfg.Admin = []ulid.ULID{adminAcc}
			cfg.Allow = []ulid.ULID{other}
		})
		ownerChar, _ := env.online(owner, "Owner")
		admin, _ := env.online(adminAcc, "Admin")

		assert.Equal(t, AdminNoAccess, s.AdminAction(context.Background(), admin, AdminPromote, []ulid.ULID{other}))
		require.Equal(t, AdminOK, s.AdminAction(context.Background(), ownerChar, AdminPromote, []ulid.ULID{other}))

		cfg := s.Config()
		assert.Contains(t, cfg.Admin, other)
		assert.NotContains(t, cfg.Allow, other, "admins leave the allow list")
		assert.True(t, s.IsAdmin(other))

		require.Equal(t, AdminOK, s.AdminAction(context.Background(), ownerChar, AdminDemote, []ulid.ULID{other}))
		assert.False(t, s.IsAdmin(other))
	})

	t.Run("non admin is refused", func(t *testing.T) {
		env := newTestEnv(t)
		env.shard("alpha")
		owner := env.account()
		s := env.space(owner)
		stranger, _ := env.online(env.account(), "Stranger")

		assert.Equal(t, AdminNoAccess, s.AdminAction(context.Background(), stranger, AdminBan, []ulid.ULID{owner}))
	})
}

func TestSpace_AutoAdminForDevelopers(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.AccountCacheTTL = 10 * time.Millisecond })
	env.shard("alpha")
	owner := env.account(RoleDeveloper)
	s := env.space(owner, func(cfg *SpaceConfig) {
		cfg.Public = VisibilityPrivate
		cfg.Development = &DevelopmentConfig{AutoAdmin: true}
	})
	ctx := context.Background()

	dev, _ := env.online(env.account(RoleDeveloper), "Dev")
	plain, _ := env.online(env.account(), "Plain")

	assert.Equal(t, EnterOK, dev.JoinSpace(ctx, s, ""))
	assert.Equal(t, EnterNoAccess, plain.JoinSpace(ctx, s, ""))
	assert.True(t, s.IsAdmin(dev.AccountID()))

	// The role outlives the cached account record.
	time.Sleep(30 * time.Millisecond)
	assert.True(t, s.IsAdmin(dev.AccountID()))
	assert.False(t, s.IsAdmin(plain.AccountID()))
}

func TestSpace_MembersMessages(t *testing.T) {
	env := newTestEnv(t)
	_, conn := env.shard("alpha")
	owner := env.account()
	s := env.space(owner)
	c, _ := env.online(owner, "Owner")

	env.join(c, s)
	require.Equal(t, LeaveOK, c.LeaveSpace(context.Background()))

	assert.Eventually(t, func() bool {
		return conn.sentAction(s.ID(), ActionCharacterEntered)
	}, time.Second, time.Millisecond)

	// The leaving message is queued while the space has no shard.
	msgs := s.pendingMessages()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, ActionCharacterLeft, last.Action)
	assert.Equal(t, ReasonLeave, last.Reason)
	assert.Equal(t, c.ID(), *last.Character)
}

func TestSpace_MessageQueueIsCapped(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxPendingMessages = 3 })
	s := env.space(env.account())

	for range 5 {
		s.addMessage(ActionMessage{Action: ActionSpaceUpdated})
	}
	msgs := s.pendingMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, uint64(3), msgs[0].ID)
	assert.Equal(t, uint64(5), msgs[2].ID)

	s.ackMessages(4)
	msgs = s.pendingMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(5), msgs[0].ID)
}

func TestSpace_AutomodKick(t *testing.T) {
	env := newTestEnv(t)
	env.shard("alpha")
	owner := env.account()
	s := env.space(owner)
	c, _ := env.online(owner, "Owner")
	env.join(c, s)

	assert.True(t, s.AutomodKick(context.Background(), c.ID()))
	assert.NotContains(t, s.Members(), c.ID())
	assert.False(t, s.AutomodKick(context.Background(), c.ID()))
	assert.Eventually(t, func() bool {
		_, ok := c.Assignment().(ShardAssignment)
		return ok
	}, time.Second, time.Millisecond)
}

func TestSpace_ListInfo(t *testing.T) {
	env := newTestEnv(t)
	env.shard("alpha")
	owner := env.account()
	s := env.space(owner, func(cfg *SpaceConfig) {
		cfg.Public = VisibilityPublicWithAnyone
		cfg.Description = strings.Repeat("x", 20)
	})
	c, _ := env.online(owner, "Owner")
	env.join(c, s)

	info := s.ListInfo()
	assert.Equal(t, s.ID(), info.ID)
	assert.Equal(t, 1, info.Online)
	assert.Equal(t, 1, info.Members)
	assert.True(t, info.IsPublic)
	var listed []ulid.ULID
	for _, l := range env.dir.Spaces().ListPublic() {
		listed = append(listed, l.ID)
	}
	assert.Contains(t, listed, info.ID)
}
