// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package shardrpc_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/holomush/holodir/internal/directory"
	"github.com/holomush/holodir/internal/shardrpc"
	"github.com/holomush/holodir/pkg/errutil"
)

const alphaToken = "alpha-secret-token"

// fakeWorker is a shard worker that records what the directory asks of it.
type fakeWorker struct {
	mu      sync.Mutex
	updates []*directory.UpdateRequest
	enter   directory.SpaceCheckResult
	leave   directory.SpaceCheckResult
	stops   int
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		enter: directory.SpaceCheckResult{Allowed: true},
		leave: directory.SpaceCheckResult{Allowed: true},
	}
}

func (w *fakeWorker) Update(_ context.Context, req *directory.UpdateRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updates = append(w.updates, req)
	return nil
}

func (w *fakeWorker) CheckCanEnter(context.Context, directory.SpaceCheckRequest) (directory.SpaceCheckResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enter, nil
}

func (w *fakeWorker) CheckCanLeave(context.Context, directory.SpaceCheckRequest) (directory.SpaceCheckResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.leave, nil
}

func (w *fakeWorker) Stop(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stops++
	return nil
}

func (w *fakeWorker) setEnter(res directory.SpaceCheckResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enter = res
}

func (w *fakeWorker) updateReasons() []directory.UpdateReason {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []directory.UpdateReason
	for _, u := range w.updates {
		out = append(out, u.Reasons...)
	}
	return out
}

func (w *fakeWorker) stopCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stops
}

type nopClient struct{ id string }

func (c nopClient) ID() string                                  { return c.id }
func (nopClient) SendConnectionState(directory.ConnectionState) {}
func (nopClient) SendSpaceListChanged(directory.SpaceListInfo)  {}

type testEnv struct {
	t       *testing.T
	db      *directory.MemoryDatabase
	dir     *directory.Directory
	lis     *bufconn.Listener
	metrics *shardrpc.Metrics
}

type envConfig struct {
	wrapDB          func(directory.Database) directory.Database
	registerTimeout time.Duration
}

type envOption func(*envConfig)

// withDatabase wraps the database the directory reads.
func withDatabase(wrap func(directory.Database) directory.Database) envOption {
	return func(c *envConfig) { c.wrapDB = wrap }
}

func withRegisterTimeout(d time.Duration) envOption {
	return func(c *envConfig) { c.registerTimeout = d }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ec := envConfig{
		wrapDB:          func(db directory.Database) directory.Database { return db },
		registerTimeout: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&ec)
	}

	cfg := directory.DefaultConfig()
	cfg.UpdateDebounce = time.Millisecond
	cfg.UpdateRetry = 5 * time.Millisecond
	cfg.ShardTimeout = 20 * time.Millisecond
	cfg.ShardStopTimeout = 500 * time.Millisecond

	db := directory.NewMemoryDatabase()
	dir, err := directory.New(directory.Options{Database: ec.wrapDB(db), Config: &cfg, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, shardrpc.NewTokenStore(db).SetToken(ctx, alphaToken, "alpha"))

	metrics := shardrpc.NewMetrics(prometheus.NewRegistry())
	lis := bufconn.Listen(1 << 20)
	gs := shardrpc.NewGRPCServer(nil)
	shardrpc.Register(gs, shardrpc.NewServer(dir,
		shardrpc.WithLogger(logger),
		shardrpc.WithMetrics(metrics),
		shardrpc.WithRegisterTimeout(ec.registerTimeout),
	))
	go func() { _ = gs.Serve(lis) }()

	t.Cleanup(gs.Stop)
	t.Cleanup(func() { dir.Close(context.Background()) })
	return &testEnv{t: t, db: db, dir: dir, lis: lis, metrics: metrics}
}

func (e *testEnv) client(token string) *shardrpc.Client {
	e.t.Helper()
	c, err := shardrpc.NewClient(context.Background(), shardrpc.ClientConfig{
		Address: "passthrough:///bufnet",
		Token:   token,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return e.lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = c.Close() })
	return c
}

func registerRequest() *directory.ShardRegisterRequest {
	return &directory.ShardRegisterRequest{
		PublicURL: "wss://alpha.example.test",
		Version:   "1.4.0",
	}
}

// connect registers shard alpha and returns its session and worker.
func (e *testEnv) connect() (*shardrpc.Session, *fakeWorker) {
	e.t.Helper()
	worker := newFakeWorker()
	sess, resp, err := e.client(alphaToken).Connect(context.Background(), registerRequest(), worker)
	require.NoError(e.t, err)
	require.Equal(e.t, "alpha", resp.ShardID)
	e.t.Cleanup(sess.Close)
	return sess, worker
}

// online creates a connected character on its own account.
func (e *testEnv) online() *directory.Character {
	e.t.Helper()
	ctx := context.Background()
	accountID := ulid.Make()
	e.db.PutAccount(directory.AccountRecord{ID: accountID, Username: "user-" + accountID.String()})

	c, err := e.dir.Characters().Create(ctx, accountID)
	require.NoError(e.t, err)
	require.NoError(e.t, c.FinalizeCreation(ctx, "Wanderer"))
	require.Equal(e.t, directory.ConnectOK, c.Connect(ctx, nopClient{id: ulid.Make().String()}, ""))
	return c
}

func (e *testEnv) space(owner ulid.ULID, name string) *directory.Space {
	e.t.Helper()
	cfg := directory.DefaultSpaceConfig()
	cfg.Name = name
	sp, err := e.dir.Spaces().CreateSpace(context.Background(), []ulid.ULID{owner}, cfg)
	require.NoError(e.t, err)
	return sp
}

// member puts a new online character into a new space hosted by alpha.
func (e *testEnv) member() (*directory.Character, *directory.Space) {
	e.t.Helper()
	c := e.online()
	sp := e.space(c.AccountID(), "Plaza")
	require.Equal(e.t, directory.EnterOK, c.JoinSpace(context.Background(), sp, ""))
	return c, sp
}

func TestConnect_RegistersShard(t *testing.T) {
	env := newTestEnv(t)
	env.connect()

	shard := env.dir.Shards().Get("alpha")
	require.NotNil(t, shard)
	assert.True(t, shard.IsRegistered())
	assert.Equal(t, "wss://alpha.example.test", shard.PublicURL())
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.Connections), 0)
}

func TestConnect_RejectsUnknownToken(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.client("wrong-token").Connect(context.Background(), registerRequest(), newFakeWorker())

	require.Error(t, err)
	errutil.AssertErrorCode(t, err, shardrpc.CodeUnauthenticated)
	assert.Nil(t, env.dir.Shards().Get("alpha"))
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.AuthFailures), 0)
}

func TestConnect_RejectedRegistrationIsReported(t *testing.T) {
	env := newTestEnv(t)
	env.connect()

	// A second stream for an already registered shard reconnects it; a bad
	// identity change is refused.
	req := registerRequest()
	req.PublicURL = "wss://elsewhere.example.test"
	_, _, err := env.client(alphaToken).Connect(context.Background(), req, newFakeWorker())

	require.Error(t, err)
	errutil.AssertErrorCode(t, err, shardrpc.CodeRemoteError)
	errutil.AssertErrorContext(t, err, "remote_code", directory.CodeShardIdentityChanged)
}

func TestUpdate_ReachesWorker(t *testing.T) {
	env := newTestEnv(t)
	_, worker := env.connect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, env.dir.Shards().Get("alpha").Update(directory.UpdateSpaces).Wait(ctx))

	assert.Contains(t, worker.updateReasons(), directory.UpdateSpaces)
}

func TestCheckCanEnter_UsesWorkerAnswer(t *testing.T) {
	env := newTestEnv(t)
	_, worker := env.connect()
	c := env.online()
	annex := env.space(c.AccountID(), "Annex")

	worker.setEnter(directory.SpaceCheckResult{Allowed: false, Reason: "quest in progress"})

	assert.Equal(t, directory.EnterRestricted, c.JoinSpace(context.Background(), annex, ""))
	assert.Equal(t, env.dir.Shards().Get("alpha"), c.HostShard())
}

func TestNotify_AutomodKickRemovesMember(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.connect()
	c, sp := env.member()
	require.Contains(t, sp.Members(), c.ID())

	require.NoError(t, sess.AutomodKick(c.ID(), sp.ID()))

	assert.Eventually(t, func() bool {
		return !containsID(sp.Members(), c.ID())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNotify_CharacterErrorDisconnectsCharacter(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.connect()
	c, _ := env.member()

	require.NoError(t, sess.ReportCharacterError(c.ID(), "lost websocket"))

	assert.Eventually(t, func() bool {
		return c.HostShard() == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNotify_DroppedAfterDirectoryClose(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.connect()
	c, sp := env.member()

	env.dir.Close(context.Background())
	require.NoError(t, sess.AutomodKick(c.ID(), sp.ID()))

	assert.Never(t, func() bool {
		return !containsID(sp.Members(), c.ID())
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestStreamEnd_StartsShardTimeout(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.connect()

	sess.Close()

	assert.Eventually(t, func() bool {
		return env.dir.Shards().Get("alpha") == nil
	}, 2*time.Second, 5*time.Millisecond)
}

// gatedDB holds GetSpace until release is closed.
type gatedDB struct {
	directory.Database
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedDB(db directory.Database) *gatedDB {
	return &gatedDB{Database: db, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedDB) GetSpace(ctx context.Context, id ulid.ULID) (*directory.SpaceRecord, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Database.GetSpace(ctx, id)
}

// storedSpace writes a space record that is not loaded yet and returns a
// registration reporting it.
func (e *testEnv) storedSpace() *directory.ShardRegisterRequest {
	e.t.Helper()
	id := ulid.Make()
	require.NoError(e.t, e.db.CreateSpace(context.Background(), &directory.SpaceRecord{
		ID:     id,
		Owners: []ulid.ULID{ulid.Make()},
		Config: []byte(`{"name":"Vault"}`),
	}))
	req := registerRequest()
	req.Spaces = []directory.ShardSpaceReport{{ID: id, AccessID: "stale-access"}}
	return req
}

func TestConnect_SlowRegistrationOutlastsRegisterTimeout(t *testing.T) {
	var gate *gatedDB
	env := newTestEnv(t,
		withRegisterTimeout(100*time.Millisecond),
		withDatabase(func(db directory.Database) directory.Database {
			gate = newGatedDB(db)
			return gate
		}),
	)
	req := env.storedSpace()
	go func() {
		<-gate.entered
		time.Sleep(300 * time.Millisecond)
		close(gate.release)
	}()

	sess, resp, err := env.client(alphaToken).Connect(context.Background(), req, newFakeWorker())
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	assert.Equal(t, "alpha", resp.ShardID)

	shard := env.dir.Shards().Get("alpha")
	require.NotNil(t, shard)
	assert.True(t, shard.AllowConnect())

	sess.Close()
	assert.Eventually(t, func() bool {
		return env.dir.Shards().Get("alpha") == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnect_StreamEndDuringRegistrationStartsShardTimeout(t *testing.T) {
	var gate *gatedDB
	env := newTestEnv(t, withDatabase(func(db directory.Database) directory.Database {
		gate = newGatedDB(db)
		return gate
	}))
	req := env.storedSpace()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := env.client(alphaToken).Connect(ctx, req, newFakeWorker())
		done <- err
	}()

	<-gate.entered
	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not give up")
	}
	close(gate.release)

	assert.Eventually(t, func() bool {
		return env.dir.Shards().Get("alpha") == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeleteShard_StopsWorker(t *testing.T) {
	env := newTestEnv(t)
	_, worker := env.connect()

	env.dir.Shards().DeleteShard(context.Background(), "alpha", false)

	assert.Equal(t, 1, worker.stopCount())
}

func containsID(ids []ulid.ULID, id ulid.ULID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
