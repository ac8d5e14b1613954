// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// AccountCache keeps recently used account records in memory. The developer
// role of every account it has loaded is kept separately and survives
// expiry, so permission checks never depend on what is currently cached.
type AccountCache struct {
	db    Database
	cache cache.Cache[ulid.ULID, *AccountRecord]

	rolesMu    sync.RWMutex
	developers map[ulid.ULID]bool
}

// NewAccountCache creates a cache in front of db.
func NewAccountCache(db Database, ttl time.Duration, size int) *AccountCache {
	return &AccountCache{
		db:         db,
		cache:      cache.NewCache[ulid.ULID, *AccountRecord]().WithTTL(ttl).WithMaxKeys(size).WithLRU(),
		developers: make(map[ulid.ULID]bool),
	}
}

func (a *AccountCache) remember(acc *AccountRecord) {
	a.cache.Set(acc.ID, acc, 0)
	a.rolesMu.Lock()
	defer a.rolesMu.Unlock()
	if acc.IsDeveloper() {
		a.developers[acc.ID] = true
	} else {
		delete(a.developers, acc.ID)
	}
}

// IsDeveloper reports whether the account had the developer role when it
// was last loaded. Accounts never loaded are not developers.
func (a *AccountCache) IsDeveloper(id ulid.ULID) bool {
	a.rolesMu.RLock()
	defer a.rolesMu.RUnlock()
	return a.developers[id]
}

// Get returns the account, loading it on a miss.
func (a *AccountCache) Get(ctx context.Context, id ulid.ULID) (*AccountRecord, error) {
	if acc, ok := a.cache.Get(id); ok {
		return acc, nil
	}
	acc, err := a.db.GetAccount(ctx, id)
	if err != nil {
		return nil, oops.With("account_id", id.String()).Wrap(err)
	}
	a.remember(acc)
	return acc, nil
}

// LoadMany loads every id not already cached with a single query.
func (a *AccountCache) LoadMany(ctx context.Context, ids []ulid.ULID) error {
	missing := make([]ulid.ULID, 0, len(ids))
	seen := make(map[ulid.ULID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := a.cache.Peek(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	accounts, err := a.db.GetAccounts(ctx, missing)
	if err != nil {
		return oops.With("count", len(missing)).Wrap(err)
	}
	for _, acc := range accounts {
		a.remember(acc)
	}
	return nil
}

// Invalidate drops an account from the cache. Its role is refreshed by the
// next load.
func (a *AccountCache) Invalidate(id ulid.ULID) {
	a.cache.Invalidate(id)
}
