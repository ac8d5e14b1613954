// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// PendingUpdate is the shared outcome of one coalesced shard update.
type PendingUpdate struct {
	done chan struct{}
	ok   bool
}

func newPendingUpdate() *PendingUpdate {
	return &PendingUpdate{done: make(chan struct{})}
}

func (p *PendingUpdate) resolve(ok bool) {
	p.ok = ok
	close(p.done)
}

// Done is closed once the update was delivered or given up on.
func (p *PendingUpdate) Done() <-chan struct{} { return p.done }

// Wait blocks until the update resolves and reports whether it was delivered.
func (p *PendingUpdate) Wait(ctx context.Context) bool {
	select {
	case <-p.done:
		return p.ok
	case <-ctx.Done():
		return false
	}
}

// Update marks reasons dirty and returns the update that will carry them.
// Calls within one debounce window share a single send.
func (s *Shard) Update(reasons ...UpdateReason) *PendingUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reasons {
		s.dirty[r] = struct{}{}
	}
	if s.pending == nil {
		s.pending = newPendingUpdate()
		if s.stopping {
			p := s.pending
			s.pending = nil
			p.resolve(true)
			return p
		}
		s.timer = time.AfterFunc(s.dir.cfg.UpdateDebounce, s.flushUpdate)
	}
	return s.pending
}

// flushUpdate sends the pending update. A failed send is retried after
// UpdateRetry; a send interrupted by a lost connection is held until the
// shard reconnects.
func (s *Shard) flushUpdate() {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()
	if p == nil {
		return
	}

	ok, held := s.sendUpdate(s.dir.ctx)
	if held {
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			p.resolve(true)
			return
		}
		s.held = append(s.held, p)
		s.mu.Unlock()
		return
	}
	p.resolve(ok)
	if ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.pending != nil || s.dir.ctx.Err() != nil {
		return
	}
	s.pending = newPendingUpdate()
	s.timer = time.AfterFunc(s.dir.cfg.UpdateRetry, s.flushUpdate)
}

// sendUpdate pushes the dirty categories to the worker. It reports success
// without sending when the shard is stopping or reconnecting or nothing is
// dirty, and held when the connection is gone and a reconnect may follow.
func (s *Shard) sendUpdate(ctx context.Context) (ok, held bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.stopping || s.reconnecting || len(s.dirty) == 0 {
		s.mu.Unlock()
		return true, false
	}
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return false, true
	}
	reasons := make([]UpdateReason, 0, len(s.dirty))
	for r := range s.dirty {
		reasons = append(reasons, r)
	}
	clear(s.dirty)
	s.mu.Unlock()
	slices.Sort(reasons)

	req, acks := s.buildUpdate(reasons)
	sendCtx, cancel := context.WithTimeout(ctx, s.dir.cfg.UpdateTimeout)
	defer cancel()
	if err := conn.Update(sendCtx, req); err != nil {
		s.mu.Lock()
		for _, r := range reasons {
			s.dirty[r] = struct{}{}
		}
		lost := s.conn != conn && !s.stopping
		s.mu.Unlock()
		s.dir.metrics.ShardUpdates.WithLabelValues("failed").Inc()
		s.dir.logError("shard update failed", err, "shard_id", s.id)
		return false, lost
	}

	for sp, upTo := range acks {
		sp.ackMessages(upTo)
	}
	s.dir.metrics.ShardUpdates.WithLabelValues("ok").Inc()
	return true, false
}

// buildUpdate assembles the payload for reasons. The second result maps each
// space to the id of the last message included.
func (s *Shard) buildUpdate(reasons []UpdateReason) (*UpdateRequest, map[*Space]uint64) {
	req := &UpdateRequest{Reasons: reasons}
	spaces := s.spaceList()
	acks := make(map[*Space]uint64)

	if slices.Contains(reasons, UpdateCharacters) {
		req.Characters = []CharacterManifest{}
		seen := make(map[ulid.ULID]bool)
		for _, c := range s.characterList() {
			seen[c.id] = true
			req.Characters = append(req.Characters, c.manifest())
		}
		for _, sp := range spaces {
			for _, c := range sp.trackingCharacters() {
				if !seen[c.id] {
					seen[c.id] = true
					req.Characters = append(req.Characters, c.manifest())
				}
			}
		}
	}
	if slices.Contains(reasons, UpdateSpaces) {
		req.Spaces = make([]SpaceManifest, 0, len(spaces))
		for _, sp := range spaces {
			req.Spaces = append(req.Spaces, sp.manifest())
		}
	}
	if slices.Contains(reasons, UpdateMessages) {
		req.Messages = []SpaceMessages{}
		for _, sp := range spaces {
			msgs := sp.pendingMessages()
			if len(msgs) == 0 {
				continue
			}
			req.Messages = append(req.Messages, SpaceMessages{SpaceID: sp.id, Messages: msgs})
			acks[sp] = msgs[len(msgs)-1].ID
		}
	}
	return req, acks
}
