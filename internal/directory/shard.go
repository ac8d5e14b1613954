// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// FeatureDevelopment marks a shard run by a developer.
const FeatureDevelopment = "development"

// maxRestoreAttempts bounds how often a reported character is reloaded after
// being unloaded mid-registration.
const maxRestoreAttempts = 3

// Shard is the directory-side proxy of one worker process.
type Shard struct {
	id  string
	dir *Directory

	mu           sync.Mutex
	registered   bool
	stopping     bool
	reconnecting bool
	conn         ShardConnection
	publicURL    string
	features     []string
	version      *semver.Version
	rawVersion   string
	development  bool
	characters   map[ulid.ULID]*Character
	spaces       map[ulid.ULID]*Space
	timeout      *time.Timer

	// update coalescer, see shard_update.go
	dirty   map[UpdateReason]struct{}
	pending *PendingUpdate
	timer   *time.Timer
	held    []*PendingUpdate
	sendMu  sync.Mutex
}

func newShard(d *Directory, id string) *Shard {
	return &Shard{
		id:         id,
		dir:        d,
		characters: make(map[ulid.ULID]*Character),
		spaces:     make(map[ulid.ULID]*Space),
		dirty:      make(map[UpdateReason]struct{}),
	}
}

// ID returns the shard id.
func (s *Shard) ID() string { return s.id }

// PublicURL returns the URL clients use to reach the shard.
func (s *Shard) PublicURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicURL
}

// Features returns the reported feature flags.
func (s *Shard) Features() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.features)
}

// Version returns the reported version, nil before registration.
func (s *Shard) Version() *semver.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// IsRegistered reports whether Register succeeded.
func (s *Shard) IsRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// IsStopping reports whether the shard is being deleted.
func (s *Shard) IsStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// IsDevelopment reports whether the shard advertised the development feature.
func (s *Shard) IsDevelopment() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.development
}

// AllowConnect reports whether new work may be assigned to the shard.
func (s *Shard) AllowConnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered && !s.stopping
}

// isStable reports whether public spaces may be advertised on the shard.
func (s *Shard) isStable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered && !s.stopping && !s.development
}

func (s *Shard) connection() ShardConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Characters returns the ids of the bare shard characters.
func (s *Shard) Characters() []ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedIDs(s.characters)
}

// Spaces returns the ids of the hosted spaces.
func (s *Shard) Spaces() []ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]ulid.ULID, 0, len(s.spaces))
	for id := range s.spaces {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ulid.ULID) int { return a.Compare(b) })
	return ids
}

func (s *Shard) characterList() []*Character {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Character, 0, len(s.characters))
	for _, c := range s.characters {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Character) int { return a.id.Compare(b.id) })
	return out
}

func (s *Shard) spaceList() []*Space {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Space, 0, len(s.spaces))
	for _, sp := range s.spaces {
		out = append(out, sp)
	}
	slices.SortFunc(out, func(a, b *Space) int { return a.id.Compare(b.id) })
	return out
}

// addCharacter records a bare shard character. It refuses when the shard no
// longer accepts work.
func (s *Shard) addCharacter(c *Character) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered || s.stopping {
		return false
	}
	s.characters[c.id] = c
	return true
}

func (s *Shard) removeCharacter(c *Character) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.characters[c.id] == c {
		delete(s.characters, c.id)
	}
}

func (s *Shard) addSpace(sp *Space) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered || s.stopping {
		return false
	}
	s.spaces[sp.id] = sp
	return true
}

func (s *Shard) removeSpace(sp *Space) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spaces[sp.id] == sp {
		delete(s.spaces, sp.id)
	}
}

// Register records the worker's immutable facts and reconciles the state it
// reports with the directory. It succeeds once per shard.
func (s *Shard) Register(ctx context.Context, req *ShardRegisterRequest, conn ShardConnection) (*ShardRegisterResponse, error) {
	version, err := s.dir.policy.checkVersion(req.Version)
	if err != nil {
		return nil, oops.With("shard_id", s.id).Wrap(err)
	}
	if err := s.dir.policy.checkURL(req.PublicURL); err != nil {
		return nil, oops.With("shard_id", s.id).Wrap(err)
	}

	s.mu.Lock()
	if s.registered {
		s.mu.Unlock()
		return nil, oops.Code(CodeShardAlreadyRegistered).With("shard_id", s.id).Errorf("shard already registered")
	}
	if s.stopping {
		s.mu.Unlock()
		return nil, oops.Code(CodeShardStopping).With("shard_id", s.id).Errorf("shard is stopping")
	}
	s.registered = true
	s.conn = conn
	s.publicURL = req.PublicURL
	s.features = slices.Clone(req.Features)
	s.version = version
	s.rawVersion = req.Version
	s.development = slices.Contains(req.Features, FeatureDevelopment)
	s.mu.Unlock()

	log := s.dir.log.With("shard_id", s.id)
	log.Info("shard registering",
		"public_url", req.PublicURL,
		"version", req.Version,
		"characters", len(req.Characters),
		"spaces", len(req.Spaces))

	accountIDs := make([]ulid.ULID, 0, len(req.Characters))
	for _, rc := range req.Characters {
		accountIDs = append(accountIDs, rc.AccountID)
	}
	if err := s.dir.accounts.LoadMany(ctx, accountIDs); err != nil {
		s.dir.logError("preload shard accounts failed", err, "shard_id", s.id)
	}

	disconnect := make(map[ulid.ULID]bool, len(req.DisconnectCharacters))
	for _, id := range req.DisconnectCharacters {
		disconnect[id] = true
		if c := s.dir.characters.Get(id); c != nil {
			c.markPendingDisconnect()
		}
	}

	var attached []*Space
	for _, rs := range req.Spaces {
		space, err := s.dir.spaces.LoadSpace(ctx, rs.ID)
		if err != nil {
			s.dir.logError("load reported space failed", err, "shard_id", s.id, "space_id", rs.ID.String())
			continue
		}
		if space.reattachShard(ctx, s, rs.AccessID) {
			attached = append(attached, space)
		}
	}

	for _, rc := range req.Characters {
		if disconnect[rc.ID] {
			continue
		}
		if err := s.restoreCharacter(ctx, rc); err != nil {
			s.dir.logError("restore reported character failed", err, "shard_id", s.id, "character_id", rc.ID.String())
		}
	}

	s.processDisconnects(ctx, req.DisconnectCharacters)

	for _, space := range attached {
		space.CleanupIfEmpty(ctx)
	}

	s.dir.metrics.ShardsRegistered.Set(float64(s.dir.shards.registeredCount()))
	return s.snapshot(), nil
}

// HandleReconnect accepts a replacement connection for a registered shard.
// restoreCharacter loads a reported character and reattaches it to the
// shard. A handle unloaded before its operation began is loaded again.
func (s *Shard) restoreCharacter(ctx context.Context, rc ShardCharacterReport) error {
	var err error
	for range maxRestoreAttempts {
		var c *Character
		c, err = s.dir.characters.Load(ctx, rc.ID)
		if err != nil {
			return err
		}
		if _, err = c.restoreOnShard(ctx, s, rc); !errors.Is(err, ErrCharacterUnloaded) {
			return err
		}
	}
	return err
}

// The worker's reported state is ignored except for its disconnect list.
func (s *Shard) HandleReconnect(ctx context.Context, req *ShardRegisterRequest, conn ShardConnection) (*ShardRegisterResponse, error) {
	s.mu.Lock()
	if !s.registered {
		s.mu.Unlock()
		return nil, oops.Code(CodeShardIdentityChanged).With("shard_id", s.id).Errorf("shard was never registered")
	}
	if s.stopping {
		s.mu.Unlock()
		return nil, oops.Code(CodeShardStopping).With("shard_id", s.id).Errorf("shard is stopping")
	}
	if req.PublicURL != s.publicURL || req.Version != s.rawVersion || !sameFeatures(req.Features, s.features) {
		s.mu.Unlock()
		return nil, oops.Code(CodeShardIdentityChanged).
			With("shard_id", s.id).
			With("public_url", req.PublicURL).
			With("version", req.Version).
			Errorf("shard changed its identity while registered")
	}
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	s.conn = conn
	s.reconnecting = true
	s.mu.Unlock()

	s.dir.log.Info("shard reconnected", "shard_id", s.id)

	for _, id := range req.DisconnectCharacters {
		if c := s.dir.characters.Get(id); c != nil {
			c.markPendingDisconnect()
		}
	}
	s.processDisconnects(ctx, req.DisconnectCharacters)

	resp := s.snapshot()

	s.mu.Lock()
	s.reconnecting = false
	held := s.held
	s.held = nil
	s.mu.Unlock()
	if len(held) > 0 {
		time.AfterFunc(s.dir.cfg.ShardReconnectResolveDelay, func() {
			for _, p := range held {
				p.resolve(true)
			}
		})
	}
	return resp, nil
}

// processDisconnects force-disconnects listed characters hosted by the shard.
func (s *Shard) processDisconnects(ctx context.Context, ids []ulid.ULID) {
	for _, id := range ids {
		c := s.dir.characters.Get(id)
		if c == nil {
			continue
		}
		if c.HostShard() != s {
			c.mu.Lock()
			c.pendingDisconnect = false
			c.mu.Unlock()
			continue
		}
		c.ForceDisconnectShard(ctx)
	}
}

// ConnectionLost starts the reconnect grace period for conn. Notifications
// about a connection that was already replaced are ignored.
func (s *Shard) ConnectionLost(conn ShardConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn || s.stopping {
		return
	}
	s.conn = nil
	s.dir.log.Warn("shard connection lost", "shard_id", s.id, "timeout", s.dir.cfg.ShardTimeout)
	if s.timeout != nil {
		s.timeout.Stop()
	}
	s.timeout = time.AfterFunc(s.dir.cfg.ShardTimeout, s.onTimeout)
}

func (s *Shard) onTimeout() {
	s.mu.Lock()
	if s.conn != nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.timeout = nil
	s.mu.Unlock()

	s.dir.log.Warn("shard timed out", "shard_id", s.id)
	s.dir.goBackground(func(ctx context.Context) {
		s.dir.shards.deleteShard(ctx, s, true, "timeout")
	})
}

// markStopping stops the shard from accepting work.
func (s *Shard) markStopping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping = true
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
}

// stop resolves outstanding updates and asks the worker to shut down.
func (s *Shard) stop(ctx context.Context) {
	s.mu.Lock()
	s.stopping = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	pending := s.pending
	s.pending = nil
	held := s.held
	s.held = nil
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if pending != nil {
		pending.resolve(true)
	}
	for _, p := range held {
		p.resolve(true)
	}
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.dir.cfg.ShardStopTimeout)
	defer cancel()
	if err := conn.Stop(ctx); err != nil {
		s.dir.logError("stop shard failed", err, "shard_id", s.id)
	}
}

// snapshot builds the full state of the shard, clears every dirty reason and
// treats the included messages as delivered.
func (s *Shard) snapshot() *ShardRegisterResponse {
	s.mu.Lock()
	clear(s.dirty)
	s.mu.Unlock()

	req, acks := s.buildUpdate([]UpdateReason{UpdateCharacters, UpdateSpaces, UpdateMessages})
	for sp, upTo := range acks {
		sp.ackMessages(upTo)
	}
	return &ShardRegisterResponse{
		ShardID:    s.id,
		Characters: req.Characters,
		Spaces:     req.Spaces,
		Messages:   req.Messages,
	}
}

func sameFeatures(a, b []string) bool {
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(slices.Compact(x), slices.Compact(y))
}
