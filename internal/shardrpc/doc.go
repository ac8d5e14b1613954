// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package shardrpc carries the directory/shard protocol over a bidirectional
// gRPC stream. Frames are JSON; each side may issue requests, answer them and
// send one-way notifications on the same stream.
//
// The directory side is Server, which authenticates shards with bearer tokens
// and hands each registered stream to directory.ShardManager as a
// directory.ShardConnection. The worker side is Client.
package shardrpc
