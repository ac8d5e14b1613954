// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"encoding/json"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"golang.org/x/sync/singleflight"

	"github.com/holomush/holodir/internal/token"
)

// SpaceManager caches loaded spaces and runs their periodic maintenance.
type SpaceManager struct {
	dir   *Directory
	loads singleflight.Group

	mu     sync.Mutex
	spaces map[ulid.ULID]*Space

	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

func newSpaceManager(d *Directory) *SpaceManager {
	return &SpaceManager{dir: d, spaces: make(map[ulid.ULID]*Space)}
}

// Get returns a loaded, valid space.
func (m *SpaceManager) Get(id ulid.ULID) *Space {
	m.mu.Lock()
	s := m.spaces[id]
	m.mu.Unlock()
	if s == nil || !s.IsValid() {
		return nil
	}
	return s
}

// Loaded returns every space in memory ordered by id.
func (m *SpaceManager) Loaded() []*Space {
	m.mu.Lock()
	out := make([]*Space, 0, len(m.spaces))
	for _, s := range m.spaces {
		out = append(out, s)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b *Space) int { return a.id.Compare(b.id) })
	return out
}

// ListPublic returns the space-list entries of the loaded public spaces.
func (m *SpaceManager) ListPublic() []SpaceListInfo {
	var out []SpaceListInfo
	for _, s := range m.Loaded() {
		if info := s.ListInfo(); info.IsPublic && !info.Deleted {
			out = append(out, info)
		}
	}
	return out
}

// LoadSpace returns the space, loading it from the database on a miss.
// Concurrent loads of one id share a single load, and a space is published
// only once fully constructed. A space already unloaded by maintenance but
// not yet removed counts as a miss.
func (m *SpaceManager) LoadSpace(ctx context.Context, id ulid.ULID) (*Space, error) {
	if s := m.Get(id); s != nil && !s.wasUnloaded() {
		return s, nil
	}
	v, err, _ := m.loads.Do(id.String(), func() (any, error) {
		if s := m.Get(id); s != nil && !s.wasUnloaded() {
			return s, nil
		}
		return m.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Space), nil
}

func (m *SpaceManager) load(ctx context.Context, id ulid.ULID) (*Space, error) {
	rec, err := m.dir.db.GetSpace(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, oops.Code(CodeSpaceNotFound).With("space_id", id.String()).Wrap(ErrNotFound)
		}
		return nil, oops.Code(CodeDatabaseFailed).With("space_id", id.String()).Wrap(err)
	}

	cfg, repaired, err := repairSpaceConfig(rec.Config, rec.Owners, m.dir.cfg.MaxSpaceUsers)
	if err != nil {
		return nil, oops.With("space_id", id.String()).Wrap(err)
	}
	if cfg.Development != nil && !m.hasDeveloperOwner(ctx, rec.Owners) {
		cfg.Development = nil
		repaired = true
	}
	if repaired {
		m.dir.metrics.SpaceRepairsTotal.Inc()
		m.dir.log.Warn("repaired stored space config", "space_id", id.String())
		if raw, err := json.Marshal(cfg); err == nil {
			if err := m.dir.db.UpdateSpaceConfig(ctx, id, raw); err != nil {
				m.dir.logError("persist repaired space config failed", err, "space_id", id.String())
			}
		}
	}

	if cfg.Development != nil && cfg.Development.AutoAdmin {
		creators := make([]ulid.ULID, 0, len(rec.Invites))
		for _, inv := range rec.Invites {
			creators = append(creators, inv.CreatorAccount)
		}
		if err := m.dir.accounts.LoadMany(ctx, creators); err != nil {
			m.dir.logError("load invite creators failed", err, "space_id", id.String())
		}
	}

	space := newSpace(m.dir, rec, cfg)

	stored, err := m.dir.db.GetCharactersInSpace(ctx, id)
	if err != nil {
		return nil, oops.Code(CodeDatabaseFailed).With("space_id", id.String()).Wrap(err)
	}
	for _, crec := range stored {
		space.attachStored(m.dir.characters.adopt(crec))
	}

	m.mu.Lock()
	m.spaces[id] = space
	m.dir.metrics.SpacesLoaded.Set(float64(len(m.spaces)))
	m.mu.Unlock()
	return space, nil
}

func (m *SpaceManager) hasDeveloperOwner(ctx context.Context, owners []ulid.ULID) bool {
	if err := m.dir.accounts.LoadMany(ctx, owners); err != nil {
		m.dir.logError("load space owners failed", err)
		return false
	}
	for _, id := range owners {
		if m.dir.accounts.IsDeveloper(id) {
			return true
		}
	}
	return false
}

// CreateSpace stores a new space owned by owners and loads it.
func (m *SpaceManager) CreateSpace(ctx context.Context, owners []ulid.ULID, cfg SpaceConfig) (*Space, error) {
	if len(owners) == 0 {
		return nil, oops.Code(CodeSpaceInvalid).Errorf("a space needs at least one owner")
	}
	owners = uniqueIDs(owners)
	cfg = cfg.clone()
	if cfg.Admin == nil {
		cfg.Admin = []ulid.ULID{}
	}
	cfg.normalize(owners, m.dir.cfg.MaxSpaceUsers)
	if cfg.Development != nil && !m.hasDeveloperOwner(ctx, owners) {
		cfg.Development = nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, oops.Code(CodeSpaceInvalid).Wrap(err)
	}
	if err := ValidateSpaceConfig(raw); err != nil {
		return nil, err
	}

	rec := &SpaceRecord{
		ID:        token.NewULID(),
		Owners:    owners,
		Config:    raw,
		Invites:   []SpaceInvite{},
		CreatedAt: m.dir.now(),
	}
	if err := m.dir.db.CreateSpace(ctx, rec); err != nil {
		return nil, oops.Code(CodeDatabaseFailed).With("space_id", rec.ID.String()).Wrap(err)
	}

	space := newSpace(m.dir, rec, cfg)
	m.mu.Lock()
	m.spaces[rec.ID] = space
	m.dir.metrics.SpacesLoaded.Set(float64(len(m.spaces)))
	m.mu.Unlock()
	return space, nil
}

// DeleteSpace deletes the space with id whether or not it is loaded.
func (m *SpaceManager) DeleteSpace(ctx context.Context, id ulid.ULID) error {
	s, err := m.LoadSpace(ctx, id)
	if err != nil {
		if ErrorCode(err) == CodeSpaceNotFound {
			return nil
		}
		return err
	}
	return s.Delete(ctx)
}

func (m *SpaceManager) remove(s *Space) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spaces[s.id] == s {
		delete(m.spaces, s.id)
		m.dir.metrics.SpacesLoaded.Set(float64(len(m.spaces)))
	}
}

// Start runs the maintenance loop until Stop.
func (m *SpaceManager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)
}

// Stop ends the maintenance loop and waits for it.
func (m *SpaceManager) Stop() {
	m.runMu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.runMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *SpaceManager) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.dir.cfg.SpaceTick)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(m.dir.ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass: releases shards of empty spaces, unloads
// idle spaces, drops idle characters and refreshes activity scores.
func (m *SpaceManager) Tick(ctx context.Context) {
	cutoff := m.dir.now().Add(-m.dir.cfg.SpaceIdleUnload)
	unloaded := 0
	for _, s := range m.Loaded() {
		s.CleanupIfEmpty(ctx)
		if s.unloadIfIdle(ctx, cutoff) {
			m.remove(s)
			unloaded++
		}
	}
	pruned := m.dir.characters.pruneIdle()
	if unloaded > 0 || pruned > 0 {
		m.dir.log.Debug("space maintenance", "unloaded_spaces", unloaded, "pruned_characters", pruned)
	}
	if err := m.refreshActivity(ctx); err != nil {
		m.dir.logError("activity refresh failed", err)
	}
}

type activityState struct {
	LastRun time.Time `json:"lastRun"`
}

// refreshActivity decays every space's activity score and adds the current
// online member count. It runs at most once per ActivityInterval across
// restarts, tracked in the spaceActivity config blob.
func (m *SpaceManager) refreshActivity(ctx context.Context) error {
	now := m.dir.now()
	var state activityState
	raw, err := m.dir.db.GetConfig(ctx, ConfigSpaceActivity)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &state); err != nil {
			m.dir.log.Warn("discarding malformed activity state", "error", err)
		}
	case IsNotFound(err):
	default:
		return err
	}
	if now.Sub(state.LastRun) < m.dir.cfg.ActivityInterval {
		return nil
	}

	ids, err := m.dir.db.ListSpaceIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.refreshSpaceActivity(ctx, id, now); err != nil {
			m.dir.logError("space activity refresh failed", err, "space_id", id.String())
		}
	}

	state.LastRun = now
	raw, err = json.Marshal(state)
	if err != nil {
		return err
	}
	return m.dir.db.SetConfig(ctx, ConfigSpaceActivity, raw)
}

func (m *SpaceManager) refreshSpaceActivity(ctx context.Context, id ulid.ULID, now time.Time) error {
	var (
		prev   SpaceActivity
		online int
	)
	loaded := m.Get(id)
	if loaded != nil {
		loaded.mu.Lock()
		prev = loaded.activity
		for _, c := range loaded.members {
			if c.isOnline() {
				online++
			}
		}
		loaded.mu.Unlock()
	} else {
		rec, err := m.dir.db.GetSpace(ctx, id)
		if err != nil {
			return err
		}
		prev = rec.Activity
	}

	next := SpaceActivity{Score: decayScore(prev, now, m.dir.cfg.ActivityHalfLife) + float64(online), UpdatedAt: now}
	if err := m.dir.db.UpdateSpaceActivity(ctx, id, next); err != nil {
		return err
	}
	if loaded != nil {
		loaded.mu.Lock()
		loaded.activity = next
		loaded.mu.Unlock()
	}
	return nil
}

// decayScore halves the score every halfLife since it was last updated.
func decayScore(a SpaceActivity, now time.Time, halfLife time.Duration) float64 {
	if a.UpdatedAt.IsZero() || halfLife <= 0 {
		return a.Score
	}
	elapsed := now.Sub(a.UpdatedAt)
	if elapsed <= 0 {
		return a.Score
	}
	return a.Score * math.Pow(0.5, float64(elapsed)/float64(halfLife))
}
