// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/holodir/internal/config"
	"github.com/holomush/holodir/pkg/errutil"
)

func TestRootCmd_Help(t *testing.T) {
	out, err := execute(t, &ServeDeps{}, "--help")
	require.NoError(t, err)

	for _, sub := range []string{"serve", "migrate", "seed", "version"} {
		assert.Contains(t, out, sub)
	}
	for _, flag := range []string{"--config", "--database-url", "--listen", "--metrics-addr", "--log-format", "--insecure"} {
		assert.Contains(t, out, flag)
	}
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	_, err := execute(t, &ServeDeps{}, "frobnicate")
	assert.Error(t, err)
}

func TestLoadConfig_ExplicitFileMustExist(t *testing.T) {
	isolateXDG(t)
	m := &mockMigrator{}

	_, err := execute(t, migrateDeps(m), "migrate", "up", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, config.CodeLoadFailed)
	assert.False(t, m.upCalled)
}

func TestLoadConfig_DefaultFileIsUsed(t *testing.T) {
	dir := isolateXDG(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "holodir"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "holodir", "config.yaml"),
		[]byte("database:\n  url: postgres://from-file/holodir\n"), 0o600))

	m := &mockMigrator{}
	deps := migrateDeps(m)
	var got string
	deps.MigratorFactory = func(dsn string) (Migrator, error) {
		got = dsn
		return m, nil
	}

	_, err := execute(t, deps, "migrate", "up")
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-file/holodir", got)
}
