// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageAction identifies a directory generated space message.
type MessageAction string

const (
	ActionCharacterEntered      MessageAction = "characterEntered"
	ActionCharacterLeft         MessageAction = "characterLeft"
	ActionCharacterReconnected  MessageAction = "characterReconnected"
	ActionCharacterDisconnected MessageAction = "characterDisconnected"
	ActionSpaceUpdated          MessageAction = "spaceUpdated"
	ActionAdminAction           MessageAction = "adminAction"
)

// maxBundledChanges is how many change descriptions one message lists.
const maxBundledChanges = 3

// ActionMessage is a directory event delivered into a space's message log.
// IDs increase monotonically per space and are acknowledged by the shard.
type ActionMessage struct {
	ID        uint64        `json:"id"`
	Action    MessageAction `json:"action"`
	Character *ulid.ULID    `json:"character,omitempty"`
	Actor     *ulid.ULID    `json:"actor,omitempty"`
	Reason    RemovalReason `json:"reason,omitempty"`
	Changes   []string      `json:"changes,omitempty"`
	Time      time.Time     `json:"time"`
}

// bundleChanges keeps at most maxBundledChanges descriptions and summarizes the rest.
func bundleChanges(changes []string) []string {
	if len(changes) <= maxBundledChanges {
		return changes
	}
	out := append([]string{}, changes[:maxBundledChanges]...)
	return append(out, fmt.Sprintf("…and %d more", len(changes)-maxBundledChanges))
}

// String renders a message for logs.
func (m ActionMessage) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s", m.ID, m.Action)
	if m.Reason != "" {
		fmt.Fprintf(&b, " (%s)", m.Reason)
	}
	if len(m.Changes) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(m.Changes, ", "))
	}
	return b.String()
}

// addMessage appends msg to the pending queue, dropping the oldest entries
// beyond the configured cap, and marks the shard dirty.
func (s *Space) addMessage(msg ActionMessage) {
	s.mu.Lock()
	s.nextMessageID++
	msg.ID = s.nextMessageID
	msg.Time = s.dir.now()
	s.messages = append(s.messages, msg)
	if limit := s.dir.cfg.MaxPendingMessages; limit > 0 && len(s.messages) > limit {
		s.messages = append([]ActionMessage(nil), s.messages[len(s.messages)-limit:]...)
	}
	shard := s.shard
	s.mu.Unlock()

	if shard != nil {
		shard.Update(UpdateMessages)
	}
}

// pendingMessages returns a copy of the unacknowledged messages.
func (s *Space) pendingMessages() []ActionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ActionMessage(nil), s.messages...)
}

// ackMessages drops every message with an id up to and including upTo.
func (s *Space) ackMessages(upTo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for i < len(s.messages) && s.messages[i].ID <= upTo {
		i++
	}
	s.messages = s.messages[i:]
}
