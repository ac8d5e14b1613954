// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/holomush/holodir/internal/directory"
	"github.com/holomush/holodir/internal/store"
)

// memStore adapts the in-memory database to the Store interface.
type memStore struct {
	*directory.MemoryDatabase

	mu     sync.Mutex
	closed bool
}

func newMemStore() *memStore {
	return &memStore{MemoryDatabase: directory.NewMemoryDatabase()}
}

func (s *memStore) PutAccount(_ context.Context, acc directory.AccountRecord) error {
	s.MemoryDatabase.PutAccount(acc)
	return nil
}

func (s *memStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *memStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// mockMigrator records the calls made by the commands.
type mockMigrator struct {
	mu          sync.Mutex
	upCalled    bool
	upError     error
	downCalled  bool
	steps       []int
	forced      []int
	status      *store.MigrationStatus
	statusError error
	closeCalled bool
}

func (m *mockMigrator) Up() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upCalled = true
	return m.upError
}

func (m *mockMigrator) Down() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downCalled = true
	return nil
}

func (m *mockMigrator) Steps(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, n)
	return nil
}

func (m *mockMigrator) Force(version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced = append(m.forced, version)
	return nil
}

func (m *mockMigrator) Status() (*store.MigrationStatus, error) {
	if m.statusError != nil {
		return nil, m.statusError
	}
	return m.status, nil
}

func (m *mockMigrator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

// testCommonDeps returns deps backed by db and m with an empty environment.
func testCommonDeps(db Store, m Migrator) CommonDeps {
	return CommonDeps{
		StoreOpener: func(context.Context, string, store.OpenOptions) (Store, error) {
			return db, nil
		},
		MigratorFactory: func(string) (Migrator, error) {
			return m, nil
		},
		Getenv:    func(string) string { return "" },
		LogWriter: io.Discard,
	}
}

// isolateXDG points the XDG directories at a fresh temp dir so no local
// config file is picked up.
func isolateXDG(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_STATE_HOME", dir)
	return dir
}

// execute runs the root command with args and returns its combined output.
func execute(t *testing.T, deps *ServeDeps, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(deps)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}
