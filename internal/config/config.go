// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads the holodir configuration. Values are layered:
// built-in defaults, then the YAML file, then command-line flags, then the
// DATABASE_URL environment variable.
package config

import (
	"errors"
	"io/fs"
	"net"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/holodir/internal/directory"
	"github.com/holomush/holodir/internal/logging"
)

// Error codes.
const (
	CodeLoadFailed = "CONFIG_LOAD_FAILED"
	CodeInvalid    = "CONFIG_INVALID"
)

// DatabaseURLEnv overrides database.url when set.
const DatabaseURLEnv = "DATABASE_URL"

// Default values.
const (
	DefaultShardAddr       = ":9400"
	DefaultMetricsAddr     = "127.0.0.1:9401"
	DefaultLogFormat       = "json"
	DefaultLogLevel        = "info"
	DefaultConnectTimeout  = 30 * time.Second
	DefaultRegisterTimeout = 10 * time.Second
)

// Config is the complete process configuration.
type Config struct {
	Database  DatabaseConfig   `koanf:"database"`
	Listen    ListenConfig     `koanf:"listen"`
	TLS       TLSConfig        `koanf:"tls"`
	Log       LogConfig        `koanf:"log"`
	ShardRPC  ShardRPCConfig   `koanf:"shard_rpc"`
	Directory directory.Config `koanf:"directory"`
}

// DatabaseConfig locates the PostgreSQL database.
type DatabaseConfig struct {
	URL            string        `koanf:"url"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	// AutoMigrate applies pending migrations before serving.
	AutoMigrate bool `koanf:"auto_migrate"`
}

// ListenConfig holds listen addresses. An empty Metrics address disables
// the observability server.
type ListenConfig struct {
	Shard   string `koanf:"shard"`
	Metrics string `koanf:"metrics"`
}

// TLSConfig selects the shard listener certificate. With no files set a
// CA and certificate are generated into CertsDir on first start.
type TLSConfig struct {
	Disable  bool     `koanf:"disable"`
	CertFile string   `koanf:"cert_file"`
	KeyFile  string   `koanf:"key_file"`
	CertsDir string   `koanf:"certs_dir"`
	Hosts    []string `koanf:"hosts"`
}

// LogConfig selects the log output.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// Options returns the logging options.
func (c LogConfig) Options() logging.Options {
	return logging.Options{Format: c.Format, Level: c.Level}
}

// ShardRPCConfig tunes the shard transport.
type ShardRPCConfig struct {
	RegisterTimeout time.Duration `koanf:"register_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			ConnectTimeout: DefaultConnectTimeout,
			AutoMigrate:    true,
		},
		Listen: ListenConfig{
			Shard:   DefaultShardAddr,
			Metrics: DefaultMetricsAddr,
		},
		Log: LogConfig{
			Format: DefaultLogFormat,
			Level:  DefaultLogLevel,
		},
		ShardRPC:  ShardRPCConfig{RegisterTimeout: DefaultRegisterTimeout},
		Directory: directory.DefaultConfig(),
	}
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"database-url":  "database.url",
	"auto-migrate":  "database.auto_migrate",
	"listen":        "listen.shard",
	"metrics-addr":  "listen.metrics",
	"log-format":    "log.format",
	"log-level":     "log.level",
	"tls-cert":      "tls.cert_file",
	"tls-key":       "tls.key_file",
	"insecure":      "tls.disable",
	"shard-timeout": "directory.shard_timeout",
}

// RegisterFlags adds the configuration flags to fs with defaults taken
// from Default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("database-url", d.Database.URL, "PostgreSQL connection URL (or "+DatabaseURLEnv+")")
	fs.Bool("auto-migrate", d.Database.AutoMigrate, "apply pending migrations on start")
	fs.String("listen", d.Listen.Shard, "shard transport listen address")
	fs.String("metrics-addr", d.Listen.Metrics, "observability listen address (empty disables)")
	fs.String("log-format", d.Log.Format, "log format (json or text)")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	fs.String("tls-cert", d.TLS.CertFile, "shard listener certificate file")
	fs.String("tls-key", d.TLS.KeyFile, "shard listener key file")
	fs.Bool("insecure", d.TLS.Disable, "serve the shard transport without TLS")
	fs.Duration("shard-timeout", d.Directory.ShardTimeout, "how long a disconnected shard may take to reconnect")
}

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// Path is the YAML file to read. Empty skips the file.
	Path string
	// Required makes a missing file an error. Default paths are optional.
	Required bool
	// Flags are applied over the file. Only flags registered by
	// RegisterFlags are considered.
	Flags *pflag.FlagSet
	// Getenv reads the environment. Nil disables the override.
	Getenv func(string) string
}

// Load builds the configuration and validates it.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	if opts.Path != "" {
		err := k.Load(file.Provider(opts.Path), yaml.Parser())
		if err != nil && (opts.Required || !errors.Is(err, fs.ErrNotExist)) {
			return nil, oops.Code(CodeLoadFailed).With("path", opts.Path).Wrap(err)
		}
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code(CodeLoadFailed).With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code(CodeLoadFailed).With("path", opts.Path).Wrap(err)
	}

	if opts.Getenv != nil {
		if url := opts.Getenv(DatabaseURLEnv); url != "" {
			cfg.Database.URL = url
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration. The database URL is not required
// here since only some commands need it.
func (c *Config) Validate() error {
	if c.Listen.Shard == "" {
		return oops.Code(CodeInvalid).Errorf("listen.shard is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen.Shard); err != nil {
		return oops.Code(CodeInvalid).With("listen.shard", c.Listen.Shard).Wrap(err)
	}
	if c.Listen.Metrics != "" {
		if _, _, err := net.SplitHostPort(c.Listen.Metrics); err != nil {
			return oops.Code(CodeInvalid).With("listen.metrics", c.Listen.Metrics).Wrap(err)
		}
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return oops.Code(CodeInvalid).
			With("tls.cert_file", c.TLS.CertFile).
			With("tls.key_file", c.TLS.KeyFile).
			Errorf("tls.cert_file and tls.key_file must be set together")
	}
	if c.ShardRPC.RegisterTimeout <= 0 {
		return oops.Code(CodeInvalid).
			With("shard_rpc.register_timeout", c.ShardRPC.RegisterTimeout).
			Errorf("shard_rpc.register_timeout must be positive")
	}
	if c.Database.ConnectTimeout <= 0 {
		return oops.Code(CodeInvalid).
			With("database.connect_timeout", c.Database.ConnectTimeout).
			Errorf("database.connect_timeout must be positive")
	}
	if err := c.Log.Options().Validate(); err != nil {
		return err
	}
	return c.Directory.Validate()
}

// RequireDatabase reports a missing database URL.
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return oops.Code(CodeInvalid).
			Errorf("database.url is required (set it in the config file, --database-url or %s)", DatabaseURLEnv)
	}
	return nil
}
