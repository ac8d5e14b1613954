// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Config holds the tunables of the directory.
type Config struct {
	// ShardTimeout is how long a disconnected shard may take to reconnect
	// before it is deleted and its work reassigned.
	ShardTimeout time.Duration `koanf:"shard_timeout"`
	// ShardReconnectResolveDelay is how long after a reconnect an update
	// interrupted by the disconnect is reported as delivered.
	ShardReconnectResolveDelay time.Duration `koanf:"shard_reconnect_resolve_delay"`
	// DevShardWait bounds how long deleting a development shard waits for
	// another shard to appear before reassigning.
	DevShardWait time.Duration `koanf:"dev_shard_wait"`
	// ShardStopTimeout bounds the stop request sent to a deleted shard.
	ShardStopTimeout time.Duration `koanf:"shard_stop_timeout"`

	UpdateDebounce time.Duration `koanf:"update_debounce"`
	UpdateTimeout  time.Duration `koanf:"update_timeout"`
	UpdateRetry    time.Duration `koanf:"update_retry"`
	CheckTimeout   time.Duration `koanf:"check_timeout"`

	// OwnerExtraSlots is the capacity allowance owners get above MaxUsers.
	OwnerExtraSlots int `koanf:"owner_extra_slots"`
	// MaxSpaceUsers is the upper bound for a space's MaxUsers.
	MaxSpaceUsers int `koanf:"max_space_users"`
	// MaxPendingMessages caps the unacknowledged action messages per space.
	MaxPendingMessages int `koanf:"max_pending_messages"`

	SpaceIdleUnload  time.Duration `koanf:"space_idle_unload"`
	SpaceTick        time.Duration `koanf:"space_tick"`
	ActivityInterval time.Duration `koanf:"activity_interval"`
	ActivityHalfLife time.Duration `koanf:"activity_half_life"`

	AccountCacheTTL  time.Duration `koanf:"account_cache_ttl"`
	AccountCacheSize int           `koanf:"account_cache_size"`

	// VersionConstraint is a semver constraint shard versions must satisfy.
	// Empty accepts every version.
	VersionConstraint string `koanf:"version_constraint"`
	// AllowedURLs are glob patterns a shard's public URL must match.
	// Empty accepts every URL.
	AllowedURLs []string `koanf:"allowed_urls"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ShardTimeout:               10 * time.Second,
		ShardReconnectResolveDelay: time.Second,
		DevShardWait:               60 * time.Second,
		ShardStopTimeout:           5 * time.Second,
		UpdateDebounce:             100 * time.Millisecond,
		UpdateTimeout:              10 * time.Second,
		UpdateRetry:                time.Second,
		CheckTimeout:               10 * time.Second,
		OwnerExtraSlots:            1,
		MaxSpaceUsers:              100,
		MaxPendingMessages:         100,
		SpaceIdleUnload:            10 * time.Minute,
		SpaceTick:                  time.Minute,
		ActivityInterval:           15 * time.Minute,
		ActivityHalfLife:           24 * time.Hour,
		AccountCacheTTL:            5 * time.Minute,
		AccountCacheSize:           10000,
	}
}

// Validate checks the shard admission settings and the numeric limits.
func (c Config) Validate() error {
	if c.MaxSpaceUsers < 1 {
		return oops.Code(CodeInvalidConfiguration).
			With("max_space_users", c.MaxSpaceUsers).
			Errorf("max_space_users must be positive")
	}
	if c.OwnerExtraSlots < 0 {
		return oops.Code(CodeInvalidConfiguration).
			With("owner_extra_slots", c.OwnerExtraSlots).
			Errorf("owner_extra_slots must not be negative")
	}
	if c.AccountCacheSize < 1 {
		return oops.Code(CodeInvalidConfiguration).
			With("account_cache_size", c.AccountCacheSize).
			Errorf("account_cache_size must be positive")
	}
	_, err := compileShardPolicy(c)
	return err
}

// shardPolicy is the compiled form of the shard admission settings.
type shardPolicy struct {
	constraint *semver.Constraints
	urls       []glob.Glob
}

func compileShardPolicy(cfg Config) (shardPolicy, error) {
	var p shardPolicy
	if cfg.VersionConstraint != "" {
		c, err := semver.NewConstraint(cfg.VersionConstraint)
		if err != nil {
			return p, oops.Code(CodeInvalidConfiguration).
				With("version_constraint", cfg.VersionConstraint).
				Wrap(err)
		}
		p.constraint = c
	}
	for _, pattern := range cfg.AllowedURLs {
		g, err := glob.Compile(pattern)
		if err != nil {
			return p, oops.Code(CodeInvalidConfiguration).
				With("allowed_url", pattern).
				Wrap(err)
		}
		p.urls = append(p.urls, g)
	}
	return p, nil
}

// checkVersion parses a shard's reported version and checks it against the constraint.
func (p shardPolicy) checkVersion(raw string) (*semver.Version, error) {
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, oops.Code(CodeShardVersionRejected).With("version", raw).Wrap(err)
	}
	if p.constraint != nil && !p.constraint.Check(v) {
		return nil, oops.Code(CodeShardVersionRejected).
			With("version", raw).
			Errorf("shard version %s does not satisfy %s", raw, p.constraint)
	}
	return v, nil
}

func (p shardPolicy) checkURL(url string) error {
	if len(p.urls) == 0 {
		return nil
	}
	for _, g := range p.urls {
		if g.Match(url) {
			return nil
		}
	}
	return oops.Code(CodeShardURLRejected).
		With("public_url", url).
		Errorf("shard public URL %q is not allowed", url)
}
