// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package shardrpc

// Error codes attached to oops errors returned by this package.
const (
	CodeEncodeFailed     = "SHARDRPC_ENCODE_FAILED"
	CodeDecodeFailed     = "SHARDRPC_DECODE_FAILED"
	CodeSendFailed       = "SHARDRPC_SEND_FAILED"
	CodeConnectionClosed = "SHARDRPC_CONNECTION_CLOSED"
	CodeCallTimeout      = "SHARDRPC_CALL_TIMEOUT"
	CodeRemoteError      = "SHARDRPC_REMOTE_ERROR"
	CodeUnknownMethod    = "SHARDRPC_UNKNOWN_METHOD"
	CodeUnauthenticated  = "SHARDRPC_UNAUTHENTICATED"
	CodeNotRegistered    = "SHARDRPC_NOT_REGISTERED"
	CodeInvalidConfig    = "SHARDRPC_INVALID_CONFIG"
)
