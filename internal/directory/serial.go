// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"

	"github.com/samber/oops"
)

// serial is an operation lock owned by one entity. Waiters are served in
// arrival order, and acquisition can be abandoned through the context.
type serial struct {
	ch chan struct{}
}

func newSerial() serial {
	return serial{ch: make(chan struct{}, 1)}
}

// lock blocks until the lock is held or ctx is done. The returned function
// releases the lock and must be called exactly once.
func (s serial) lock(ctx context.Context) (func(), error) {
	select {
	case s.ch <- struct{}{}:
		return func() { <-s.ch }, nil
	case <-ctx.Done():
		return nil, oops.Code(CodeOperationCancelled).Wrap(ctx.Err())
	}
}

// tryLock takes the lock only if it is free.
func (s serial) tryLock() (func(), bool) {
	select {
	case s.ch <- struct{}{}:
		return func() { <-s.ch }, true
	default:
		return nil, false
	}
}
