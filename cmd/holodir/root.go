// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/holodir/internal/config"
	"github.com/holomush/holodir/internal/xdg"
)

// NewRootCmd creates the root command for the holodir CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&ServeDeps{})
}

func newRootCmd(deps *ServeDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "holodir",
		Short: "holodir - character, space and shard directory",
		Long: `holodir is the source of truth for which shard hosts each character
and space, and decides who may join a space.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "config file path (default $XDG_CONFIG_HOME/holodir/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCmd(deps))
	cmd.AddCommand(newMigrateCmd(&deps.CommonDeps))
	cmd.AddCommand(newSeedCmd(&deps.CommonDeps))
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// loadConfig reads the configuration for cmd. An explicit --config must
// exist; the default path is optional.
func loadConfig(cmd *cobra.Command, getenv func(string) string) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err //nolint:wrapcheck // flag is registered on the root command
	}
	required := path != ""
	if !required {
		// Without a resolvable home there is simply no default file.
		path, _ = xdg.ConfigFile() //nolint:errcheck // optional
	}
	return config.Load(config.LoadOptions{
		Path:     path,
		Required: required,
		Flags:    cmd.Flags(),
		Getenv:   getenv,
	})
}
