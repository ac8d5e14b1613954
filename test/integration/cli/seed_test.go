// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package cli_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

const (
	seedAccountID = "01HZN3XS000000000000000001"
	seedSpaceID   = "01HZN3XS000000000000000002"
)

const seedDocument = `accounts:
  - id: ` + seedAccountID + `
    username: builder
    roles: [developer]
spaces:
  - id: ` + seedSpaceID + `
    owners: [` + seedAccountID + `]
    config:
      name: The Plaza
      public: public-with-anyone
shards:
  - id: alpha
    token: alpha-token
`

var _ = Describe("Seed Command", func() {
	var (
		ctx      context.Context
		seedPath string
	)

	BeforeEach(func() {
		ctx = context.Background()
		cleanupDatabase(ctx, env.pool)
		seedPath = filepath.Join(GinkgoT().TempDir(), "seed.yaml")
		Expect(os.WriteFile(seedPath, []byte(seedDocument), 0o600)).To(Succeed())
	})

	It("migrates and creates the listed records", func() {
		output, err := holodir(ctx, "seed", seedPath)
		Expect(err).NotTo(HaveOccurred(), "seed command failed: %s", output)
		Expect(output).To(ContainSubstring("space " + seedSpaceID + " created"))

		var username string
		err = env.pool.QueryRow(ctx, "SELECT username FROM accounts WHERE id = $1", seedAccountID).Scan(&username)
		Expect(err).NotTo(HaveOccurred())
		Expect(username).To(Equal("builder"))

		var name string
		err = env.pool.QueryRow(ctx, "SELECT config->>'name' FROM spaces WHERE id = $1", seedSpaceID).Scan(&name)
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal("The Plaza"))

		var shardID string
		err = env.pool.QueryRow(ctx,
			"SELECT data->>'alpha-token' FROM directory_config WHERE key = 'shardTokens'",
		).Scan(&shardID)
		Expect(err).NotTo(HaveOccurred())
		Expect(shardID).To(Equal("alpha"))
	})

	It("is idempotent (running twice succeeds without duplicates)", func() {
		output, err := holodir(ctx, "seed", seedPath)
		Expect(err).NotTo(HaveOccurred(), "first seed failed: %s", output)

		output, err = holodir(ctx, "seed", seedPath)
		Expect(err).NotTo(HaveOccurred(), "second seed failed: %s", output)
		Expect(output).To(ContainSubstring("space " + seedSpaceID + " exists, skipped"))

		var count int
		err = env.pool.QueryRow(ctx, "SELECT COUNT(*) FROM spaces WHERE id = $1", seedSpaceID).Scan(&count)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))
	})

	It("reports migration status after seeding", func() {
		output, err := holodir(ctx, "seed", seedPath)
		Expect(err).NotTo(HaveOccurred(), "seed failed: %s", output)

		output, err = holodir(ctx, "migrate", "status")
		Expect(err).NotTo(HaveOccurred(), "status failed: %s", output)
		Expect(output).To(ContainSubstring("(clean)"))
		Expect(output).To(ContainSubstring("[x] 000002_directory_config"))
	})
})
