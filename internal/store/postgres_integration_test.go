// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package store_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/holodir/internal/directory"
	"github.com/holomush/holodir/internal/store"
)

var (
	db        *store.PostgresDatabase
	container *postgres.PostgresContainer
)

var _ = BeforeSuite(func() {
	ctx := context.Background()
	var err error
	container, err = postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("holodir_test"),
		postgres.WithUsername("holodir"),
		postgres.WithPassword("holodir"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	Expect(err).NotTo(HaveOccurred())

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	Expect(err).NotTo(HaveOccurred())

	migrator, err := store.NewMigrator(connStr)
	Expect(err).NotTo(HaveOccurred())
	Expect(migrator.Up()).To(Succeed())
	Expect(migrator.Close()).To(Succeed())

	db, err = store.Open(ctx, connStr, store.OpenOptions{ConnectTimeout: 10 * time.Second})
	Expect(err).NotTo(HaveOccurred())
})

var _ = AfterSuite(func() {
	if db != nil {
		db.Close()
	}
	if container != nil {
		_ = container.Terminate(context.Background())
	}
})

func newAccount(ctx context.Context, roles ...string) ulid.ULID {
	id := ulid.Make()
	Expect(db.PutAccount(ctx, directory.AccountRecord{
		ID: id, Username: "user-" + id.String(), Roles: roles,
	})).To(Succeed())
	return id
}

var _ = Describe("PostgresDatabase", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("accounts", func() {
		It("reads back roles", func() {
			id := newAccount(ctx, directory.RoleDeveloper)
			acc, err := db.GetAccount(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(acc.IsDeveloper()).To(BeTrue())
		})

		It("returns only existing accounts", func() {
			id := newAccount(ctx)
			accs, err := db.GetAccounts(ctx, []ulid.ULID{id, ulid.Make()})
			Expect(err).NotTo(HaveOccurred())
			Expect(accs).To(HaveLen(1))
			Expect(accs[0].ID).To(Equal(id))
		})

		It("reports missing accounts as not found", func() {
			_, err := db.GetAccount(ctx, ulid.Make())
			Expect(directory.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("characters", func() {
		var (
			accountID ulid.ULID
			rec       *directory.CharacterRecord
		)

		BeforeEach(func() {
			accountID = newAccount(ctx)
			rec = &directory.CharacterRecord{
				ID:         ulid.Make(),
				AccountID:  accountID,
				InCreation: true,
				CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
			}
			Expect(db.CreateCharacter(ctx, rec)).To(Succeed())
		})

		It("finalizes and tracks the current space", func() {
			spaceID := ulid.Make()
			Expect(db.CreateSpace(ctx, &directory.SpaceRecord{
				ID: spaceID, Owners: []ulid.ULID{accountID}, Config: json.RawMessage(`{}`), CreatedAt: time.Now(),
			})).To(Succeed())

			Expect(db.FinalizeCharacter(ctx, rec.ID, "Wanderer")).To(Succeed())
			Expect(db.SetCharacterSpace(ctx, rec.ID, &spaceID)).To(Succeed())
			Expect(db.SetCharacterAccessID(ctx, rec.ID, "acc-1")).To(Succeed())

			got, err := db.GetCharacter(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Name).To(Equal("Wanderer"))
			Expect(got.InCreation).To(BeFalse())
			Expect(got.CurrentSpace).To(Equal(&spaceID))
			Expect(got.AccessID).To(Equal("acc-1"))

			inSpace, err := db.GetCharactersInSpace(ctx, spaceID)
			Expect(err).NotTo(HaveOccurred())
			Expect(inSpace).To(HaveLen(1))
		})

		It("clears the current space when the space is deleted", func() {
			spaceID := ulid.Make()
			Expect(db.CreateSpace(ctx, &directory.SpaceRecord{
				ID: spaceID, Owners: []ulid.ULID{accountID}, CreatedAt: time.Now(),
			})).To(Succeed())
			Expect(db.SetCharacterSpace(ctx, rec.ID, &spaceID)).To(Succeed())

			Expect(db.DeleteSpace(ctx, spaceID)).To(Succeed())

			got, err := db.GetCharacter(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.CurrentSpace).To(BeNil())
		})

		It("rejects duplicates", func() {
			Expect(db.CreateCharacter(ctx, rec)).NotTo(Succeed())
		})

		It("deletes once", func() {
			Expect(db.DeleteCharacter(ctx, rec.ID)).To(Succeed())
			Expect(directory.IsNotFound(db.DeleteCharacter(ctx, rec.ID))).To(BeTrue())
		})
	})

	Describe("spaces", func() {
		It("round trips invites and activity", func() {
			owner := newAccount(ctx)
			id := ulid.Make()
			Expect(db.CreateSpace(ctx, &directory.SpaceRecord{
				ID: id, Owners: []ulid.ULID{owner}, Config: json.RawMessage(`{"name":"Plaza"}`), CreatedAt: time.Now(),
			})).To(Succeed())

			invite := directory.SpaceInvite{ID: "inv-1", Type: directory.InviteSpaceBound, CreatorAccount: owner, CreatedAt: time.Now().UTC()}
			at := time.Now().UTC().Truncate(time.Microsecond)
			Expect(db.UpdateSpaceInvites(ctx, id, []directory.SpaceInvite{invite})).To(Succeed())
			Expect(db.UpdateSpaceActivity(ctx, id, directory.SpaceActivity{Score: 3, UpdatedAt: at})).To(Succeed())
			Expect(db.UpdateSpaceConfig(ctx, id, json.RawMessage(`{"name":"Annex"}`))).To(Succeed())

			got, err := db.GetSpace(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Owners).To(Equal([]ulid.ULID{owner}))
			Expect(got.Invites).To(HaveLen(1))
			Expect(got.Invites[0].ID).To(Equal("inv-1"))
			Expect(got.Activity.Score).To(BeNumerically("~", 3))
			Expect(got.Activity.UpdatedAt.Equal(at)).To(BeTrue())
			Expect(string(got.Config)).To(MatchJSON(`{"name":"Annex"}`))

			ids, err := db.ListSpaceIDs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(ContainElement(id))
		})
	})

	Describe("config blobs", func() {
		It("upserts", func() {
			Expect(db.SetConfig(ctx, directory.ConfigShardTokens, json.RawMessage(`{"a":"alpha"}`))).To(Succeed())
			Expect(db.SetConfig(ctx, directory.ConfigShardTokens, json.RawMessage(`{"b":"beta"}`))).To(Succeed())
			raw, err := db.GetConfig(ctx, directory.ConfigShardTokens)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).To(MatchJSON(`{"b":"beta"}`))
		})
	})

	Describe("as the directory database", func() {
		It("persists a join across a directory restart", func() {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			owner := newAccount(ctx)

			dir, err := directory.New(directory.Options{Database: db, Logger: logger})
			Expect(err).NotTo(HaveOccurred())
			cfg := directory.DefaultSpaceConfig()
			cfg.Name = "Plaza"
			sp, err := dir.Spaces().CreateSpace(ctx, []ulid.ULID{owner}, cfg)
			Expect(err).NotTo(HaveOccurred())
			c, err := dir.Characters().Create(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.FinalizeCreation(ctx, "Wanderer")).To(Succeed())
			dir.Close(ctx)

			rec, err := db.GetCharacter(ctx, c.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Name).To(Equal("Wanderer"))

			stored, err := db.GetSpace(ctx, sp.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(string(stored.Config)).To(ContainSubstring("Plaza"))
		})
	})
})
