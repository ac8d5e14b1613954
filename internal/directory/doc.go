// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package directory tracks which shard hosts every character and space and
// decides who may enter a space.
//
// Shards are untrusted worker processes that may restart or vanish at any
// time. The directory keeps its assignment bookkeeping consistent with what
// the shards report across registration, reconnection, timeout, and forced
// migration, while serving admission and update requests concurrently.
//
// Locking follows two layers. Every Character and Space owns an operation
// lock (serial) held for the whole of a mutating operation, including the
// network round trips it performs. Character operations may call into a
// Space and acquire its operation lock; Space operations never acquire a
// Character operation lock. Below that, short data mutexes guard fields and
// are never held across I/O. Their order is Space.mu, then Character.mu, then
// Shard.mu.
package directory
