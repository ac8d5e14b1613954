// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"errors"

	"github.com/samber/oops"

	"github.com/holomush/holodir/pkg/errutil"
)

// ErrNotFound is returned by a Database when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrCharacterUnloaded is returned by operations on a character handle that
// was dropped from memory; load the character again to continue.
var ErrCharacterUnloaded = errors.New("character unloaded")

// Error codes attached to oops errors returned by this package.
const (
	CodeSpaceNotFound          = "SPACE_NOT_FOUND"
	CodeSpaceCorrupt           = "SPACE_CORRUPT"
	CodeSpaceInvalid           = "SPACE_INVALID"
	CodeCharacterNotFound      = "CHARACTER_NOT_FOUND"
	CodeCharacterInvalid       = "CHARACTER_INVALID"
	CodeCharacterUnloaded      = "CHARACTER_UNLOADED"
	CodeCharacterFinalized     = "CHARACTER_ALREADY_FINALIZED"
	CodeShardAlreadyRegistered = "SHARD_ALREADY_REGISTERED"
	CodeShardIdentityChanged   = "SHARD_IDENTITY_CHANGED"
	CodeShardStopping          = "SHARD_STOPPING"
	CodeShardVersionRejected   = "SHARD_VERSION_REJECTED"
	CodeShardURLRejected       = "SHARD_URL_REJECTED"
	CodeOperationCancelled     = "OPERATION_CANCELLED"
	CodeInvariantViolated      = "INVARIANT_VIOLATED"
	CodeDatabaseFailed         = "DATABASE_FAILED"
	CodeInvalidConfiguration   = "INVALID_CONFIGURATION"
)

// assertInvariant panics when cond is false. Broken assignment bookkeeping
// cannot be repaired locally without corrupting shard state, so it is fatal.
func assertInvariant(cond bool, invariant string, kv ...any) {
	if cond {
		return
	}
	panic(oops.Code(CodeInvariantViolated).
		With("invariant", invariant).
		With(kv...).
		Errorf("invariant violated: %s", invariant))
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ErrorCode returns the oops code attached to err, or "" if there is none.
func ErrorCode(err error) string {
	return errutil.Code(err)
}
