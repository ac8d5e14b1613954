// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/holomush/holodir/internal/directory"
	"github.com/holomush/holodir/internal/shardrpc"
	"github.com/holomush/holodir/internal/store"
	"github.com/holomush/holodir/internal/token"
)

// Default timeout for seed command.
const defaultSeedTimeout = 30 * time.Second

// CodeSeedInvalid marks problems in the seed file.
const CodeSeedInvalid = "SEED_INVALID"

// seedFile is the YAML seed document.
type seedFile struct {
	Accounts []seedAccount `yaml:"accounts"`
	Spaces   []seedSpace   `yaml:"spaces"`
	Shards   []seedShard   `yaml:"shards"`
}

type seedAccount struct {
	ID       string   `yaml:"id"`
	Username string   `yaml:"username"`
	Roles    []string `yaml:"roles"`
}

type seedSpace struct {
	ID     string         `yaml:"id"`
	Owners []string       `yaml:"owners"`
	Config map[string]any `yaml:"config"`
}

type seedShard struct {
	ID    string `yaml:"id"`
	Token string `yaml:"token"`
}

// seedPlan is a validated seed file.
type seedPlan struct {
	accounts []directory.AccountRecord
	spaces   []*directory.SpaceRecord
	shards   []seedShard
}

type seedConfig struct {
	timeout time.Duration
	migrate bool
}

func newSeedCmd(deps *CommonDeps) *cobra.Command {
	cfg := &seedConfig{}

	cmd := &cobra.Command{
		Use:   "seed FILE",
		Short: "Load accounts, spaces and shard tokens from a YAML file",
		Long: `Creates the accounts, spaces and shard tokens listed in FILE.
Existing spaces are left untouched and accounts are updated in place, so the
command can be run repeatedly. Shards listed without a token get a generated
one, printed once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, args[0], cfg, deps)
		},
	}

	cmd.Flags().DurationVar(&cfg.timeout, "timeout", defaultSeedTimeout, "timeout for database operations (e.g., 30s, 1m)")
	cmd.Flags().BoolVar(&cfg.migrate, "migrate", true, "apply pending migrations first")

	return cmd
}

func runSeed(cmd *cobra.Command, path string, seedCfg *seedConfig, deps *CommonDeps) error {
	deps.applyDefaults()

	plan, err := loadSeedFile(path)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, deps.Getenv)
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	// cmd.Context() carries SIGINT/SIGTERM cancellation.
	ctx, cancel := context.WithTimeout(cmd.Context(), seedCfg.timeout)
	defer cancel()

	if seedCfg.migrate {
		m, err := deps.MigratorFactory(cfg.Database.URL)
		if err != nil {
			return err //nolint:wrapcheck // store errors carry codes
		}
		upErr := m.Up()
		_ = m.Close()
		if upErr != nil {
			return upErr //nolint:wrapcheck // store errors carry codes
		}
	}

	cmd.Println("Connecting to database...")
	db, err := deps.StoreOpener(ctx, cfg.Database.URL, store.OpenOptions{ConnectTimeout: cfg.Database.ConnectTimeout})
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer db.Close()

	return applySeed(ctx, db, plan, token.Default(), cmd.OutOrStdout())
}

// loadSeedFile reads and validates a seed file.
func loadSeedFile(path string) (*seedPlan, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.Code(CodeSeedInvalid).With("path", path).Wrap(err)
	}
	var doc seedFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, oops.Code(CodeSeedInvalid).With("path", path).Wrap(err)
	}
	return buildSeedPlan(doc)
}

func buildSeedPlan(doc seedFile) (*seedPlan, error) {
	plan := &seedPlan{}
	usernames := map[string]bool{}
	for i, a := range doc.Accounts {
		id, err := token.ParseULID(a.ID)
		if err != nil {
			return nil, oops.Code(CodeSeedInvalid).With("account", i).Wrap(err)
		}
		if a.Username == "" {
			return nil, oops.Code(CodeSeedInvalid).With("account", i).Errorf("account %s has no username", a.ID)
		}
		if usernames[a.Username] {
			return nil, oops.Code(CodeSeedInvalid).With("username", a.Username).Errorf("duplicate username %q", a.Username)
		}
		usernames[a.Username] = true
		plan.accounts = append(plan.accounts, directory.AccountRecord{ID: id, Username: a.Username, Roles: a.Roles})
	}

	for i, s := range doc.Spaces {
		rec, err := seedSpaceRecord(s)
		if err != nil {
			return nil, oops.With("space", i).Wrap(err)
		}
		plan.spaces = append(plan.spaces, rec)
	}

	for i, sh := range doc.Shards {
		if sh.ID == "" {
			return nil, oops.Code(CodeSeedInvalid).With("shard", i).Errorf("shard has no id")
		}
		plan.shards = append(plan.shards, sh)
	}
	return plan, nil
}

// seedSpaceRecord overlays the seed config on the default space config and
// validates the result.
func seedSpaceRecord(s seedSpace) (*directory.SpaceRecord, error) {
	if s.ID == "" {
		return nil, oops.Code(CodeSeedInvalid).Errorf("space id is required so seeding stays repeatable")
	}
	id, err := token.ParseULID(s.ID)
	if err != nil {
		return nil, oops.Code(CodeSeedInvalid).Wrap(err)
	}
	if len(s.Owners) == 0 {
		return nil, oops.Code(CodeSeedInvalid).With("space_id", s.ID).Errorf("space needs at least one owner")
	}
	owners := make([]ulid.ULID, 0, len(s.Owners))
	for _, o := range s.Owners {
		owner, err := token.ParseULID(o)
		if err != nil {
			return nil, oops.Code(CodeSeedInvalid).With("space_id", s.ID).Wrap(err)
		}
		owners = append(owners, owner)
	}

	cfg := directory.DefaultSpaceConfig()
	if len(s.Config) > 0 {
		overlay, err := json.Marshal(s.Config)
		if err != nil {
			return nil, oops.Code(CodeSeedInvalid).With("space_id", s.ID).Wrap(err)
		}
		dec := json.NewDecoder(bytes.NewReader(overlay))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, oops.Code(CodeSeedInvalid).With("space_id", s.ID).Wrap(err)
		}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, oops.Code(CodeSeedInvalid).With("space_id", s.ID).Wrap(err)
	}
	if err := directory.ValidateSpaceConfig(raw); err != nil {
		return nil, oops.With("space_id", s.ID).Wrap(err)
	}

	return &directory.SpaceRecord{
		ID:     id,
		Owners: owners,
		Config: raw,
	}, nil
}

// applySeed writes plan to db and reports each step to out.
func applySeed(ctx context.Context, db Store, plan *seedPlan, issuer *token.Issuer, out io.Writer) error {
	for _, acc := range plan.accounts {
		if err := db.PutAccount(ctx, acc); err != nil {
			return err //nolint:wrapcheck // store errors carry codes
		}
		fprintf(out, "account %s (%s)\n", acc.Username, acc.ID)
	}

	for _, rec := range plan.spaces {
		_, err := db.GetSpace(ctx, rec.ID)
		switch {
		case err == nil:
			fprintf(out, "space %s exists, skipped\n", rec.ID)
			continue
		case !directory.IsNotFound(err):
			return err //nolint:wrapcheck // store errors carry codes
		}
		rec.CreatedAt = time.Now().UTC()
		if err := db.CreateSpace(ctx, rec); err != nil {
			return err //nolint:wrapcheck // store errors carry codes
		}
		fprintf(out, "space %s created\n", rec.ID)
	}

	tokens := shardrpc.NewTokenStore(db)
	for _, sh := range plan.shards {
		tok := sh.Token
		generated := tok == ""
		if generated {
			tok = issuer.Secret()
		}
		if err := tokens.SetToken(ctx, tok, sh.ID); err != nil {
			return err
		}
		if generated {
			fprintf(out, "shard %s token %s\n", sh.ID, tok)
		} else {
			fprintf(out, "shard %s token set\n", sh.ID)
		}
	}
	return nil
}

// fprintf writes progress output; write errors are ignored.
func fprintf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
