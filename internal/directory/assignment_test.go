// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	s1 := &Space{}
	s2 := &Space{}
	sh := &Shard{id: "a"}

	tests := []struct {
		name string
		from Assignment
		to   Assignment
		want bool
	}{
		{"null to shard", nil, ShardAssignment{Shard: sh}, true},
		{"null to tracking", nil, SpaceTrackingAssignment{Space: s1}, true},
		{"null to joined", nil, SpaceJoinedAssignment{Space: s1}, false},
		{"shard to null", ShardAssignment{Shard: sh}, nil, true},
		{"shard to shard", ShardAssignment{Shard: sh}, ShardAssignment{Shard: sh}, false},
		{"shard to tracking", ShardAssignment{Shard: sh}, SpaceTrackingAssignment{Space: s1}, false},
		{"tracking to joined", SpaceTrackingAssignment{Space: s1}, SpaceJoinedAssignment{Space: s1}, true},
		{"tracking to joined other space", SpaceTrackingAssignment{Space: s1}, SpaceJoinedAssignment{Space: s2}, false},
		{"tracking to null", SpaceTrackingAssignment{Space: s1}, nil, true},
		{"joined to tracking", SpaceJoinedAssignment{Space: s1}, SpaceTrackingAssignment{Space: s1}, true},
		{"joined to null", SpaceJoinedAssignment{Space: s1}, nil, false},
		{"joined to other space", SpaceJoinedAssignment{Space: s1}, SpaceTrackingAssignment{Space: s2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validTransition(tt.from, tt.to))
		})
	}
}

func TestSetAssignment_PanicsOnJoinedToNull(t *testing.T) {
	s := &Space{}
	c := &Character{assignment: SpaceJoinedAssignment{Space: s}}
	assert.Panics(t, func() { c.setAssignmentLocked(nil) })
}
