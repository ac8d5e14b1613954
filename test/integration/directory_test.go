// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/holomush/holodir/internal/directory"
	"github.com/holomush/holodir/internal/shardrpc"
	"github.com/holomush/holodir/internal/store"
)

const shardToken = "integration-shard-token"

// worker is a shard that admits every character.
type worker struct{}

func (worker) Update(context.Context, *directory.UpdateRequest) error { return nil }

func (worker) CheckCanEnter(context.Context, directory.SpaceCheckRequest) (directory.SpaceCheckResult, error) {
	return directory.SpaceCheckResult{Allowed: true}, nil
}

func (worker) CheckCanLeave(context.Context, directory.SpaceCheckRequest) (directory.SpaceCheckResult, error) {
	return directory.SpaceCheckResult{Allowed: true}, nil
}

func (worker) Stop(context.Context) error { return nil }

type client struct{ id string }

func (c client) ID() string                                  { return c.id }
func (client) SendConnectionState(directory.ConnectionState) {}
func (client) SendSpaceListChanged(directory.SpaceListInfo)  {}

// node is one running directory process: store, directory and transport.
type node struct {
	db  *store.PostgresDatabase
	dir *directory.Directory
	gs  *grpc.Server
	lis *bufconn.Listener
}

func startNode(ctx context.Context) *node {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := store.Open(ctx, connStr, store.OpenOptions{ConnectTimeout: 10 * time.Second, Logger: logger})
	Expect(err).NotTo(HaveOccurred())
	Expect(shardrpc.NewTokenStore(db).SetToken(ctx, shardToken, "alpha")).To(Succeed())

	cfg := directory.DefaultConfig()
	cfg.UpdateDebounce = time.Millisecond
	dir, err := directory.New(directory.Options{
		Database: db,
		Config:   &cfg,
		Logger:   logger,
		Metrics:  directory.NewMetrics(prometheus.NewRegistry()),
	})
	Expect(err).NotTo(HaveOccurred())

	n := &node{db: db, dir: dir, gs: shardrpc.NewGRPCServer(nil), lis: bufconn.Listen(1 << 20)}
	shardrpc.Register(n.gs, shardrpc.NewServer(dir, shardrpc.WithLogger(logger)))
	go func() { _ = n.gs.Serve(n.lis) }()
	return n
}

func (n *node) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.dir.Close(ctx)
	n.gs.Stop()
	n.db.Close()
}

// connectShard registers shard alpha and returns its session.
func (n *node) connectShard(ctx context.Context) *shardrpc.Session {
	c, err := shardrpc.NewClient(ctx, shardrpc.ClientConfig{
		Address: "passthrough:///bufnet",
		Token:   shardToken,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return n.lis.DialContext(ctx)
			}),
		},
	})
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = c.Close() })

	sess, resp, err := c.Connect(ctx, &directory.ShardRegisterRequest{
		PublicURL: "wss://alpha.example.test",
		Version:   "1.0.0",
	}, worker{})
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.ShardID).To(Equal("alpha"))
	return sess
}

var _ = Describe("Directory over PostgreSQL", func() {
	var (
		ctx  context.Context
		n    *node
		sess *shardrpc.Session
	)

	BeforeEach(func() {
		ctx = context.Background()
		n = startNode(ctx)
		sess = n.connectShard(ctx)
	})

	AfterEach(func() {
		sess.Close()
		n.stop()
	})

	newOnlineCharacter := func() *directory.Character {
		accountID := ulid.Make()
		Expect(n.db.PutAccount(ctx, directory.AccountRecord{ID: accountID, Username: "user-" + accountID.String()})).To(Succeed())

		c, err := n.dir.Characters().Create(ctx, accountID)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.FinalizeCreation(ctx, "Wanderer")).To(Succeed())
		Expect(c.Connect(ctx, client{id: ulid.Make().String()}, "")).To(Equal(directory.ConnectOK))
		return c
	}

	It("places a connected character on the registered shard", func() {
		c := newOnlineCharacter()

		Expect(c.HostShard()).NotTo(BeNil())
		Expect(c.HostShard().ID()).To(Equal("alpha"))
		Expect(c.AccessID()).NotTo(BeEmpty())

		rec, err := n.db.GetCharacter(ctx, c.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Name).To(Equal("Wanderer"))
		Expect(rec.InCreation).To(BeFalse())
	})

	It("persists space membership across a restart", func() {
		c := newOnlineCharacter()
		cfg := directory.DefaultSpaceConfig()
		cfg.Name = "Plaza"
		sp, err := n.dir.Spaces().CreateSpace(ctx, []ulid.ULID{c.AccountID()}, cfg)
		Expect(err).NotTo(HaveOccurred())

		Expect(c.JoinSpace(ctx, sp, "")).To(Equal(directory.EnterOK))
		Expect(sp.Members()).To(ContainElement(c.ID()))

		rec, err := n.db.GetCharacter(ctx, c.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.CurrentSpace).NotTo(BeNil())
		Expect(*rec.CurrentSpace).To(Equal(sp.ID()))

		characterID, spaceID := c.ID(), sp.ID()
		sess.Close()
		n.stop()

		n = startNode(ctx)
		sess = n.connectShard(ctx)

		reloaded, err := n.dir.Characters().Load(ctx, characterID)
		Expect(err).NotTo(HaveOccurred())
		Expect(reloaded.CurrentSpaceID()).NotTo(BeNil())
		Expect(*reloaded.CurrentSpaceID()).To(Equal(spaceID))

		space, err := n.dir.Spaces().LoadSpace(ctx, spaceID)
		Expect(err).NotTo(HaveOccurred())
		Expect(space.Config().Name).To(Equal("Plaza"))
	})

	It("persists invites created by an owner", func() {
		c := newOnlineCharacter()
		sp, err := n.dir.Spaces().CreateSpace(ctx, []ulid.ULID{c.AccountID()}, directory.DefaultSpaceConfig())
		Expect(err).NotTo(HaveOccurred())

		inv, res := sp.CreateInvite(ctx, c, directory.InviteRequest{Type: directory.InviteSpaceBound})
		Expect(res).To(Equal(directory.InviteOK))

		rec, err := n.db.GetSpace(ctx, sp.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Invites).To(HaveLen(1))
		Expect(rec.Invites[0].ID).To(Equal(inv.ID))
	})
})
