// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

// EnterResult is the outcome of an admission check or a join attempt.
// Policy rejections are values, not errors.
type EnterResult string

const (
	EnterOK            EnterResult = "ok"
	EnterSpaceFull     EnterResult = "spaceFull"
	EnterNoAccess      EnterResult = "noAccess"
	EnterInvalidInvite EnterResult = "invalidInvite"
	// EnterFailed means a transient failure (shard unreachable, timeout,
	// concurrent state change). The caller may retry from scratch.
	EnterFailed EnterResult = "failed"
	// EnterRestricted means the hosting shard refused the character.
	EnterRestricted EnterResult = "restricted"
)

// LeaveResult is the outcome of LeaveSpace.
type LeaveResult string

const (
	LeaveOK         LeaveResult = "ok"
	LeaveFailed     LeaveResult = "failed"
	LeaveRestricted LeaveResult = "restricted"
	LeaveNotInSpace LeaveResult = "notInSpace"
)

// ConnectResult is the outcome of Character.Connect.
type ConnectResult string

const (
	ConnectOK      ConnectResult = "ok"
	ConnectNoShard ConnectResult = "noShardFound"
	ConnectFailed  ConnectResult = "failed"
)

// AdminResult is the outcome of Space.Update and Space.AdminAction.
type AdminResult string

const (
	AdminOK       AdminResult = "ok"
	AdminNoAccess AdminResult = "noAccess"
	AdminFailed   AdminResult = "failed"
)

// InviteResult is the outcome of invite management calls.
type InviteResult string

const (
	InviteOK              InviteResult = "ok"
	InviteNoAccess        InviteResult = "noAccess"
	InviteTooMany         InviteResult = "tooManyInvites"
	InviteInvalidData     InviteResult = "invalidData"
	InviteRequestNotFound InviteResult = "requestNotFound"
	InviteFailed          InviteResult = "failed"
)

// RemovalReason tags why a character stopped being a member of a space.
type RemovalReason string

const (
	ReasonLeave       RemovalReason = "leave"
	ReasonKick        RemovalReason = "kick"
	ReasonBan         RemovalReason = "ban"
	ReasonDisconnect  RemovalReason = "disconnect"
	ReasonAutomodKick RemovalReason = "automodKick"
	ReasonDestroy     RemovalReason = "destroy"
	ReasonError       RemovalReason = "error"
)
