// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

// Error codes attached to oops errors returned by this package.
const (
	CodeConnectFailed = "STORE_CONNECT_FAILED"
	CodeQueryFailed   = "STORE_QUERY_FAILED"
	CodeCorruptRow    = "STORE_CORRUPT_ROW"
	CodeAlreadyExists = "STORE_ALREADY_EXISTS"
	CodeNotFound      = "STORE_NOT_FOUND"

	CodeMigrationSourceFailed  = "MIGRATION_SOURCE_FAILED"
	CodeMigrationInitFailed    = "MIGRATION_INIT_FAILED"
	CodeMigrationUpFailed      = "MIGRATION_UP_FAILED"
	CodeMigrationDownFailed    = "MIGRATION_DOWN_FAILED"
	CodeMigrationStepsFailed   = "MIGRATION_STEPS_FAILED"
	CodeMigrationVersionFailed = "MIGRATION_VERSION_FAILED"
	CodeMigrationForceFailed   = "MIGRATION_FORCE_FAILED"
	CodeMigrationCloseFailed   = "MIGRATION_CLOSE_FAILED"
	CodeMigrationListFailed    = "MIGRATION_LIST_FAILED"
	CodeInvalidVersion         = "INVALID_VERSION"
)
