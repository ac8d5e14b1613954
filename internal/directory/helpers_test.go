// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/holodir/internal/token"
)

// fakeShardConn records what the directory sends to a shard.
type fakeShardConn struct {
	id string

	mu        sync.Mutex
	updates   []*UpdateRequest
	updateErr error
	enter     SpaceCheckResult
	enterErr  error
	leave     SpaceCheckResult
	leaveErr  error
	stopped   int
	// onEnter runs during CheckCanEnter, before the answer is returned.
	onEnter func()
}

func newFakeShardConn(id string) *fakeShardConn {
	return &fakeShardConn{
		id:    id,
		enter: SpaceCheckResult{Allowed: true},
		leave: SpaceCheckResult{Allowed: true},
	}
}

func (f *fakeShardConn) ID() string { return f.id }

func (f *fakeShardConn) Update(_ context.Context, req *UpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, req)
	return nil
}

func (f *fakeShardConn) CheckCanEnter(_ context.Context, _ SpaceCheckRequest) (SpaceCheckResult, error) {
	f.mu.Lock()
	hook := f.onEnter
	res, err := f.enter, f.enterErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res, err
}

func (f *fakeShardConn) CheckCanLeave(_ context.Context, _ SpaceCheckRequest) (SpaceCheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leave, f.leaveErr
}

func (f *fakeShardConn) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeShardConn) setUpdateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateErr = err
}

func (f *fakeShardConn) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeShardConn) lastUpdate() *UpdateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return nil
	}
	return f.updates[len(f.updates)-1]
}

func (f *fakeShardConn) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fakeClient records what the directory tells a client.
type fakeClient struct {
	id string

	mu     sync.Mutex
	states []ConnectionState
	lists  []SpaceListInfo
}

func newFakeClient() *fakeClient {
	return &fakeClient{id: ulid.Make().String()}
}

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) SendConnectionState(state ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
}

func (f *fakeClient) SendSpaceListChanged(info SpaceListInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = append(f.lists, info)
}

func (f *fakeClient) lastState() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return ConnectionState{}
	}
	return f.states[len(f.states)-1]
}

func (f *fakeClient) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	t     *testing.T
	db    *MemoryDatabase
	dir   *Directory
	clock *fakeClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.UpdateDebounce = time.Millisecond
	cfg.UpdateRetry = 5 * time.Millisecond
	cfg.UpdateTimeout = time.Second
	cfg.CheckTimeout = time.Second
	cfg.ShardTimeout = 20 * time.Millisecond
	cfg.ShardReconnectResolveDelay = time.Millisecond
	cfg.DevShardWait = 50 * time.Millisecond
	cfg.ShardStopTimeout = 100 * time.Millisecond
	cfg.SpaceTick = 5 * time.Millisecond
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	db := NewMemoryDatabase()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d, err := New(Options{
		Database: db,
		Config:   &cfg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Tokens:   token.Default(),
		Clock:    clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close(context.Background()) })
	return &testEnv{t: t, db: db, dir: d, clock: clock}
}

func (e *testEnv) account(roles ...string) ulid.ULID {
	id := ulid.Make()
	e.db.PutAccount(AccountRecord{ID: id, Username: "user-" + id.String()[20:], Roles: roles})
	return id
}

// character creates a named character for accountID.
func (e *testEnv) character(accountID ulid.ULID, name string) *Character {
	e.t.Helper()
	ctx := context.Background()
	c, err := e.dir.Characters().Create(ctx, accountID)
	require.NoError(e.t, err)
	require.NoError(e.t, c.FinalizeCreation(ctx, name))
	return c
}

// online creates a character and connects a client to it.
func (e *testEnv) online(accountID ulid.ULID, name string) (*Character, *fakeClient) {
	e.t.Helper()
	c := e.character(accountID, name)
	client := newFakeClient()
	require.Equal(e.t, ConnectOK, c.Connect(context.Background(), client, ""))
	return c, client
}

func (e *testEnv) shard(id string, features ...string) (*Shard, *fakeShardConn) {
	e.t.Helper()
	conn := newFakeShardConn(id)
	_, err := e.dir.Shards().Connect(context.Background(), id, &ShardRegisterRequest{
		PublicURL: "wss://" + id + ".example.test",
		Features:  features,
		Version:   "1.4.0",
	}, conn)
	require.NoError(e.t, err)
	return e.dir.Shards().Get(id), conn
}

func (e *testEnv) space(owner ulid.ULID, mutate ...func(*SpaceConfig)) *Space {
	e.t.Helper()
	cfg := DefaultSpaceConfig()
	cfg.Name = "Test Space"
	for _, fn := range mutate {
		fn(&cfg)
	}
	s, err := e.dir.Spaces().CreateSpace(context.Background(), []ulid.ULID{owner}, cfg)
	require.NoError(e.t, err)
	return s
}

// join puts an online character into space and requires success.
func (e *testEnv) join(c *Character, s *Space) {
	e.t.Helper()
	require.Equal(e.t, EnterOK, c.JoinSpace(context.Background(), s, ""))
}

// checkInvariants verifies the assignment bookkeeping of every loaded entity.
func (e *testEnv) checkInvariants() {
	e.t.Helper()
	for _, c := range e.dir.Characters().All() {
		a := c.Assignment()
		switch a := a.(type) {
		case nil:
			for _, s := range e.dir.Spaces().Loaded() {
				assert.NotContains(e.t, s.Tracking(), c.ID(), "unassigned character tracked by a space")
			}
		case ShardAssignment:
			assert.Contains(e.t, a.Shard.Characters(), c.ID())
		case SpaceTrackingAssignment:
			assert.Contains(e.t, a.Space.Tracking(), c.ID())
			assert.NotContains(e.t, a.Space.Members(), c.ID())
		case SpaceJoinedAssignment:
			assert.Contains(e.t, a.Space.Tracking(), c.ID())
			assert.Contains(e.t, a.Space.Members(), c.ID())
		}
	}
	for _, s := range e.dir.Spaces().Loaded() {
		tracking := s.Tracking()
		for _, id := range s.Members() {
			assert.Contains(e.t, tracking, id, "member not tracked")
		}
		cfg := s.Config()
		owners := s.Owners()
		for _, id := range cfg.Banned {
			assert.NotContains(e.t, cfg.Admin, id)
			assert.NotContains(e.t, owners, id)
		}
		for _, id := range cfg.Allow {
			assert.NotContains(e.t, cfg.Banned, id)
			assert.NotContains(e.t, cfg.Admin, id)
			assert.NotContains(e.t, owners, id)
		}
	}
}

// sentMessages returns every action message pushed to the shard for spaceID.
func (f *fakeShardConn) sentMessages(spaceID ulid.ULID) []ActionMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ActionMessage
	for _, u := range f.updates {
		for _, sm := range u.Messages {
			if sm.SpaceID == spaceID {
				out = append(out, sm.Messages...)
			}
		}
	}
	return out
}

// sentAction reports whether the shard received a message with action for spaceID.
func (f *fakeShardConn) sentAction(spaceID ulid.ULID, action MessageAction) bool {
	for _, m := range f.sentMessages(spaceID) {
		if m.Action == action {
			return true
		}
	}
	return false
}
