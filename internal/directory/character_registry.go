// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"golang.org/x/sync/singleflight"

	"github.com/holomush/holodir/internal/token"
)

// CharacterRegistry holds the characters loaded into memory. Concurrent
// loads of the same id share one database read.
type CharacterRegistry struct {
	dir   *Directory
	loads singleflight.Group

	mu         sync.Mutex
	characters map[ulid.ULID]*Character
}

func newCharacterRegistry(d *Directory) *CharacterRegistry {
	return &CharacterRegistry{
		dir:        d,
		characters: make(map[ulid.ULID]*Character),
	}
}

// Get returns a loaded character.
func (r *CharacterRegistry) Get(id ulid.ULID) *Character {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.characters[id]
}

// Load returns the character, reading it from the database when not loaded.
func (r *CharacterRegistry) Load(ctx context.Context, id ulid.ULID) (*Character, error) {
	if c := r.Get(id); c != nil {
		return c, nil
	}
	v, err, _ := r.loads.Do(id.String(), func() (any, error) {
		if c := r.Get(id); c != nil {
			return c, nil
		}
		rec, err := r.dir.db.GetCharacter(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				// Store errors carry their own code; report ours.
				return nil, oops.Code(CodeCharacterNotFound).With("character_id", id.String()).Wrap(ErrNotFound)
			}
			return nil, oops.Code(CodeDatabaseFailed).With("character_id", id.String()).Wrap(err)
		}
		return r.adopt(rec), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Character), nil
}

// adopt returns the loaded character for rec, creating it if needed.
func (r *CharacterRegistry) adopt(rec *CharacterRecord) *Character {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.characters[rec.ID]; ok {
		return c
	}
	c := newCharacter(r.dir, rec)
	r.characters[rec.ID] = c
	r.dir.metrics.CharactersLoaded.Set(float64(len(r.characters)))
	return c
}

// Create stores a new character in creation for accountID.
func (r *CharacterRegistry) Create(ctx context.Context, accountID ulid.ULID) (*Character, error) {
	rec := &CharacterRecord{
		ID:         token.NewULID(),
		AccountID:  accountID,
		InCreation: true,
		CreatedAt:  r.dir.now(),
	}
	if err := r.dir.db.CreateCharacter(ctx, rec); err != nil {
		return nil, oops.Code(CodeDatabaseFailed).With("account_id", accountID.String()).Wrap(err)
	}
	return r.adopt(rec), nil
}

// Online returns every character with an attached client.
func (r *CharacterRegistry) Online() []*Character {
	var out []*Character
	for _, c := range r.All() {
		if c.isOnline() {
			out = append(out, c)
		}
	}
	return out
}

// All returns every loaded character ordered by id.
func (r *CharacterRegistry) All() []*Character {
	r.mu.Lock()
	out := make([]*Character, 0, len(r.characters))
	for _, c := range r.characters {
		out = append(out, c)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *Character) int { return a.id.Compare(b.id) })
	return out
}

func (r *CharacterRegistry) remove(c *Character) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.characters[c.id] == c {
		delete(r.characters, c.id)
		r.dir.metrics.CharactersLoaded.Set(float64(len(r.characters)))
	}
}

// pruneIdle drops offline, unassigned characters from memory. Characters
// with an operation in progress are skipped. A dropped character is marked
// unloaded so handles still held elsewhere reject further operations.
func (r *CharacterRegistry) pruneIdle() int {
	n := 0
	for _, c := range r.All() {
		unlock, ok := c.ops.tryLock()
		if !ok {
			continue
		}
		c.mu.Lock()
		idle := c.valid && c.conn == nil && c.connectSecret == "" && c.assignment == nil
		if idle {
			c.valid = false
			c.unloaded = true
		}
		c.mu.Unlock()
		if idle {
			r.remove(c)
			n++
		}
		unlock()
	}
	return n
}
