// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/holodir/internal/token"
	"github.com/holomush/holodir/pkg/errutil"
)

// Options configures a Directory. Zero fields get defaults.
type Options struct {
	Database Database
	Config   *Config
	Logger   *slog.Logger
	Tokens   *token.Issuer
	Metrics  *Metrics
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Directory wires the managers together. It is the single constructed
// instance collaborators receive; the package keeps no global state.
type Directory struct {
	db      Database
	cfg     Config
	policy  shardPolicy
	log     *slog.Logger
	tokens  *token.Issuer
	metrics *Metrics
	now     func() time.Time

	shards     *ShardManager
	spaces     *SpaceManager
	characters *CharacterRegistry
	accounts   *AccountCache

	// ctx is cancelled on Close and bounds background work.
	ctx    context.Context
	cancel context.CancelFunc
	bgMu   sync.Mutex
	closed bool
	bg     sync.WaitGroup
}

// New creates a Directory.
func New(opts Options) (*Directory, error) {
	if opts.Database == nil {
		return nil, oops.Code(CodeInvalidConfiguration).Errorf("database is required")
	}
	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	policy, err := compileShardPolicy(cfg)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tokens == nil {
		opts.Tokens = token.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Directory{
		db:      opts.Database,
		cfg:     cfg,
		policy:  policy,
		log:     opts.Logger,
		tokens:  opts.Tokens,
		metrics: opts.Metrics,
		now:     opts.Clock,
		ctx:     ctx,
		cancel:  cancel,
	}
	d.accounts = NewAccountCache(d.db, cfg.AccountCacheTTL, cfg.AccountCacheSize)
	d.characters = newCharacterRegistry(d)
	d.shards = newShardManager(d)
	d.spaces = newSpaceManager(d)
	return d, nil
}

// Shards returns the shard manager.
func (d *Directory) Shards() *ShardManager { return d.shards }

// Spaces returns the space manager.
func (d *Directory) Spaces() *SpaceManager { return d.spaces }

// Characters returns the character registry.
func (d *Directory) Characters() *CharacterRegistry { return d.characters }

// Accounts returns the account cache.
func (d *Directory) Accounts() *AccountCache { return d.accounts }

// Database returns the backing database.
func (d *Directory) Database() Database { return d.db }

// Close stops background work and every shard. Shards are told to stop but
// their state is not reassigned.
func (d *Directory) Close(ctx context.Context) {
	d.spaces.Stop()
	d.shards.Stop(ctx)
	d.bgMu.Lock()
	d.closed = true
	d.cancel()
	d.bgMu.Unlock()
	d.bg.Wait()
}

// Go runs fn in the background until it returns; Close waits for it. fn's
// context is cancelled on Close and work scheduled after Close is dropped.
func (d *Directory) Go(fn func(ctx context.Context)) {
	d.goBackground(fn)
}

func (d *Directory) goBackground(fn func(ctx context.Context)) {
	d.bgMu.Lock()
	defer d.bgMu.Unlock()
	if d.closed {
		return
	}
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		fn(d.ctx)
	}()
}

// broadcastSpaceListChanged notifies every online client about a changed space.
func (d *Directory) broadcastSpaceListChanged(info SpaceListInfo) {
	for _, c := range d.characters.Online() {
		if conn := c.clientConnection(); conn != nil {
			conn.SendSpaceListChanged(info)
		}
	}
}

// logError logs err with its oops code and context.
func (d *Directory) logError(msg string, err error, attrs ...any) {
	errutil.LogError(d.log, msg, err, attrs...)
}
