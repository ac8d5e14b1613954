// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// devShardPollInterval is how often a deleted development shard checks for a
// replacement.
const devShardPollInterval = time.Second

var errNoShardAvailable = errors.New("no shard available")

// ShardManager is the pool of known shards.
type ShardManager struct {
	dir *Directory

	mu     sync.Mutex
	shards map[string]*Shard
}

func newShardManager(d *Directory) *ShardManager {
	return &ShardManager{dir: d, shards: make(map[string]*Shard)}
}

// Get returns the shard with id, or nil.
func (m *ShardManager) Get(id string) *Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shards[id]
}

// GetOrCreate returns the shard with id, creating an unregistered one if needed.
func (m *ShardManager) GetOrCreate(id string) *Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.shards[id]; ok {
		return s
	}
	s := newShard(m.dir, id)
	m.shards[id] = s
	return s
}

// List returns every known shard ordered by id.
func (m *ShardManager) List() []*Shard {
	m.mu.Lock()
	out := make([]*Shard, 0, len(m.shards))
	for _, s := range m.shards {
		out = append(out, s)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b *Shard) int { return strings.Compare(a.id, b.id) })
	return out
}

// GetRandomShard picks uniformly among the shards that accept work.
func (m *ShardManager) GetRandomShard() *Shard {
	var candidates []*Shard
	for _, s := range m.List() {
		if s.AllowConnect() {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.IntN(len(candidates))]
}

func (m *ShardManager) registeredCount() int {
	n := 0
	for _, s := range m.List() {
		if s.AllowConnect() {
			n++
		}
	}
	return n
}

// Connect handles a worker (re)connection: the first connection registers
// the shard, later ones reconnect it.
func (m *ShardManager) Connect(ctx context.Context, id string, req *ShardRegisterRequest, conn ShardConnection) (*ShardRegisterResponse, error) {
	shard := m.GetOrCreate(id)
	if shard.IsRegistered() {
		return shard.HandleReconnect(ctx, req, conn)
	}
	resp, err := shard.Register(ctx, req, conn)
	if err != nil {
		m.dir.logError("shard registration rejected", err, "shard_id", id)
		if !shard.IsRegistered() {
			m.forget(shard)
		}
		return nil, err
	}
	return resp, nil
}

func (m *ShardManager) forget(s *Shard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shards[s.id] == s {
		delete(m.shards, s.id)
	}
}

// DeleteShard removes the shard and moves its spaces and characters away,
// onto other shards when reassign is set.
func (m *ShardManager) DeleteShard(ctx context.Context, id string, reassign bool) {
	if s := m.Get(id); s != nil {
		m.deleteShard(ctx, s, reassign, "deleted")
	}
}

func (m *ShardManager) deleteShard(ctx context.Context, s *Shard, reassign bool, cause string) {
	m.forget(s)
	s.markStopping()
	log := m.dir.log.With("shard_id", s.id)
	log.Info("deleting shard", "reassign", reassign, "cause", cause)

	if reassign && s.IsDevelopment() {
		m.waitForShard(ctx, m.dir.cfg.DevShardWait)
	}

	for _, sp := range s.spaceList() {
		sp.ShardChange(ctx, s, reassign)
	}
	for _, c := range s.characterList() {
		c.ShardChange(ctx, s, reassign)
	}
	s.stop(ctx)

	m.dir.metrics.ShardsDeleted.WithLabelValues(cause).Inc()
	m.dir.metrics.ShardsRegistered.Set(float64(m.registeredCount()))
}

// waitForShard polls until another shard accepts work or limit passes.
func (m *ShardManager) waitForShard(ctx context.Context, limit time.Duration) bool {
	backoff := retry.WithMaxDuration(limit, retry.NewConstant(devShardPollInterval))
	err := retry.Do(ctx, backoff, func(context.Context) error {
		if m.GetRandomShard() == nil {
			return retry.RetryableError(errNoShardAvailable)
		}
		return nil
	})
	return err == nil
}

// Stop tells every shard to stop without reassigning its work.
func (m *ShardManager) Stop(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m.List() {
		m.forget(s)
		s.markStopping()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.stop(ctx)
		}()
	}
	wg.Wait()
	m.dir.metrics.ShardsRegistered.Set(0)
}
