// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

// Assignment is where a character currently lives. A nil Assignment means
// the character is not loaded on any shard. The implementations are
// ShardAssignment, SpaceTrackingAssignment and SpaceJoinedAssignment.
type Assignment interface {
	isAssignment()
	String() string
}

// ShardAssignment places a character on a shard outside of any space.
type ShardAssignment struct {
	Shard *Shard
}

// SpaceTrackingAssignment co-locates a character with a space it is not yet
// (or no longer) a member of.
type SpaceTrackingAssignment struct {
	Space *Space
}

// SpaceJoinedAssignment makes a character a member of a space.
type SpaceJoinedAssignment struct {
	Space *Space
}

func (ShardAssignment) isAssignment()         {}
func (SpaceTrackingAssignment) isAssignment() {}
func (SpaceJoinedAssignment) isAssignment()   {}

func (a ShardAssignment) String() string         { return "shard:" + a.Shard.ID() }
func (a SpaceTrackingAssignment) String() string { return "space-tracking:" + a.Space.ID().String() }
func (a SpaceJoinedAssignment) String() string   { return "space-joined:" + a.Space.ID().String() }

// assignmentSpace returns the space of a tracking or joined assignment.
func assignmentSpace(a Assignment) *Space {
	switch a := a.(type) {
	case SpaceTrackingAssignment:
		return a.Space
	case SpaceJoinedAssignment:
		return a.Space
	default:
		return nil
	}
}

// assignmentString renders an assignment for logs, including nil.
func assignmentString(a Assignment) string {
	if a == nil {
		return "none"
	}
	return a.String()
}

// validTransition reports whether the assignment state machine allows moving
// from cur to next:
//
//	nil -> shard | space-tracking
//	shard -> nil
//	space-tracking(S) -> nil | space-joined(S)
//	space-joined(S) -> space-tracking(S)
func validTransition(cur, next Assignment) bool {
	switch cur := cur.(type) {
	case nil:
		switch next.(type) {
		case ShardAssignment, SpaceTrackingAssignment:
			return true
		}
		return false
	case ShardAssignment:
		return next == nil
	case SpaceTrackingAssignment:
		if next == nil {
			return true
		}
		j, ok := next.(SpaceJoinedAssignment)
		return ok && j.Space == cur.Space
	case SpaceJoinedAssignment:
		t, ok := next.(SpaceTrackingAssignment)
		return ok && t.Space == cur.Space
	default:
		return false
	}
}
