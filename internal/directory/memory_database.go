// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// MemoryDatabase is a Database kept in process memory. It backs tests and
// single-process development runs.
type MemoryDatabase struct {
	mu         sync.RWMutex
	accounts   map[ulid.ULID]AccountRecord
	characters map[ulid.ULID]CharacterRecord
	spaces     map[ulid.ULID]SpaceRecord
	configs    map[ConfigKey]json.RawMessage
}

var _ Database = (*MemoryDatabase)(nil)

// NewMemoryDatabase creates an empty MemoryDatabase.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		accounts:   make(map[ulid.ULID]AccountRecord),
		characters: make(map[ulid.ULID]CharacterRecord),
		spaces:     make(map[ulid.ULID]SpaceRecord),
		configs:    make(map[ConfigKey]json.RawMessage),
	}
}

func notFound(kind string, id string) error {
	return oops.With(kind+"_id", id).Wrapf(ErrNotFound, "%s %s", kind, id)
}

// PutAccount stores an account. Accounts are owned by an external service,
// so the Database interface has no way to create them.
func (m *MemoryDatabase) PutAccount(acc AccountRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc.Roles = slices.Clone(acc.Roles)
	m.accounts[acc.ID] = acc
}

func (m *MemoryDatabase) GetAccount(_ context.Context, id ulid.ULID) (*AccountRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, notFound("account", id.String())
	}
	acc.Roles = slices.Clone(acc.Roles)
	return &acc, nil
}

func (m *MemoryDatabase) GetAccounts(_ context.Context, ids []ulid.ULID) ([]*AccountRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AccountRecord, 0, len(ids))
	for _, id := range ids {
		if acc, ok := m.accounts[id]; ok {
			acc.Roles = slices.Clone(acc.Roles)
			out = append(out, &acc)
		}
	}
	return out, nil
}

func copyCharacter(rec CharacterRecord) *CharacterRecord {
	if rec.CurrentSpace != nil {
		id := *rec.CurrentSpace
		rec.CurrentSpace = &id
	}
	return &rec
}

func (m *MemoryDatabase) GetCharacter(_ context.Context, id ulid.ULID) (*CharacterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.characters[id]
	if !ok {
		return nil, notFound("character", id.String())
	}
	return copyCharacter(rec), nil
}

func (m *MemoryDatabase) CreateCharacter(_ context.Context, rec *CharacterRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.characters[rec.ID]; exists {
		return oops.With("character_id", rec.ID.String()).Errorf("character already exists")
	}
	m.characters[rec.ID] = *copyCharacter(*rec)
	return nil
}

func (m *MemoryDatabase) updateCharacter(id ulid.ULID, fn func(*CharacterRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.characters[id]
	if !ok {
		return notFound("character", id.String())
	}
	fn(&rec)
	m.characters[id] = rec
	return nil
}

func (m *MemoryDatabase) FinalizeCharacter(_ context.Context, id ulid.ULID, name string) error {
	return m.updateCharacter(id, func(rec *CharacterRecord) {
		rec.Name = name
		rec.InCreation = false
	})
}

func (m *MemoryDatabase) SetCharacterSpace(_ context.Context, id ulid.ULID, spaceID *ulid.ULID) error {
	return m.updateCharacter(id, func(rec *CharacterRecord) {
		if spaceID == nil {
			rec.CurrentSpace = nil
			return
		}
		sid := *spaceID
		rec.CurrentSpace = &sid
	})
}

func (m *MemoryDatabase) SetCharacterAccessID(_ context.Context, id ulid.ULID, accessID string) error {
	return m.updateCharacter(id, func(rec *CharacterRecord) { rec.AccessID = accessID })
}

func (m *MemoryDatabase) DeleteCharacter(_ context.Context, id ulid.ULID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.characters[id]; !ok {
		return notFound("character", id.String())
	}
	delete(m.characters, id)
	return nil
}

func (m *MemoryDatabase) GetCharactersInSpace(_ context.Context, spaceID ulid.ULID) ([]*CharacterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CharacterRecord
	for _, rec := range m.characters {
		if rec.CurrentSpace != nil && *rec.CurrentSpace == spaceID {
			out = append(out, copyCharacter(rec))
		}
	}
	slices.SortFunc(out, func(a, b *CharacterRecord) int { return a.ID.Compare(b.ID) })
	return out, nil
}

func copySpace(rec SpaceRecord) *SpaceRecord {
	rec.Owners = slices.Clone(rec.Owners)
	rec.Config = slices.Clone(rec.Config)
	rec.Invites = slices.Clone(rec.Invites)
	return &rec
}

func (m *MemoryDatabase) GetSpace(_ context.Context, id ulid.ULID) (*SpaceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.spaces[id]
	if !ok {
		return nil, notFound("space", id.String())
	}
	return copySpace(rec), nil
}

func (m *MemoryDatabase) CreateSpace(_ context.Context, rec *SpaceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.spaces[rec.ID]; exists {
		return oops.With("space_id", rec.ID.String()).Errorf("space already exists")
	}
	m.spaces[rec.ID] = *copySpace(*rec)
	return nil
}

func (m *MemoryDatabase) updateSpace(id ulid.ULID, fn func(*SpaceRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.spaces[id]
	if !ok {
		return notFound("space", id.String())
	}
	fn(&rec)
	m.spaces[id] = rec
	return nil
}

func (m *MemoryDatabase) UpdateSpaceConfig(_ context.Context, id ulid.ULID, config json.RawMessage) error {
	return m.updateSpace(id, func(rec *SpaceRecord) { rec.Config = slices.Clone(config) })
}

func (m *MemoryDatabase) UpdateSpaceInvites(_ context.Context, id ulid.ULID, invites []SpaceInvite) error {
	return m.updateSpace(id, func(rec *SpaceRecord) { rec.Invites = slices.Clone(invites) })
}

func (m *MemoryDatabase) UpdateSpaceActivity(_ context.Context, id ulid.ULID, activity SpaceActivity) error {
	return m.updateSpace(id, func(rec *SpaceRecord) { rec.Activity = activity })
}

func (m *MemoryDatabase) SetSpaceAccessID(_ context.Context, id ulid.ULID, accessID string) error {
	return m.updateSpace(id, func(rec *SpaceRecord) { rec.AccessID = accessID })
}

func (m *MemoryDatabase) DeleteSpace(_ context.Context, id ulid.ULID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[id]; !ok {
		return notFound("space", id.String())
	}
	delete(m.spaces, id)
	return nil
}

func (m *MemoryDatabase) ListSpaceIDs(_ context.Context) ([]ulid.ULID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ulid.ULID, 0, len(m.spaces))
	for id := range m.spaces {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ulid.ULID) int { return a.Compare(b) })
	return ids, nil
}

func (m *MemoryDatabase) GetConfig(_ context.Context, key ConfigKey) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.configs[key]
	if !ok {
		return nil, notFound("config", string(key))
	}
	return slices.Clone(raw), nil
}

func (m *MemoryDatabase) SetConfig(_ context.Context, key ConfigKey, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[key] = slices.Clone(data)
	return nil
}
