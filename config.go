package memo

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goforj/memo/codec"
	"github.com/goforj/memo/internal/build"
	"github.com/goforj/memo/table"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

// DefaultMinimumElapsed is the build time below which results are not saved.
const DefaultMinimumElapsed = 100 * time.Millisecond

// AlwaysSave as MinimumElapsed saves every build regardless of its duration.
const AlwaysSave time.Duration = -1

// Config controls a Memoizer and, through NewBackend, its storage.
type Config struct {
	// MinimumElapsed is the build time at or above which results are saved.
	// Zero selects DefaultMinimumElapsed; a negative value saves every build.
	MinimumElapsed time.Duration

	// CacheDir mirrors resource paths beneath a cache root. It must exist
	// and be writable; subdirectories are created on demand.
	CacheDir string
	// InPlace stores entries beside their resources. With neither CacheDir
	// nor InPlace set, file caching is disabled.
	InPlace bool

	VersionPolicy codec.VersionPolicy
	// SkipLoad always rebuilds; SkipSave never writes.
	SkipLoad bool
	SkipSave bool

	// FormatVersion overrides codec.FormatVersion. Intended for tests.
	FormatVersion uint64
	Compression   codec.Compression
	EncryptionKey []byte
	Catalog       *codec.Catalog

	// Release and Revision default to the linked build tags.
	Release  string
	Revision string

	// Driver, Table, DSN and Prefix select the backend built by
	// Config.NewBackend.
	Driver   Driver
	Table    table.Driver
	DSN      string
	Prefix   string
	ReadOnly bool

	Logger   *slog.Logger
	Observer Observer
}

func (c Config) withDefaults() Config {
	if c.MinimumElapsed == 0 {
		c.MinimumElapsed = DefaultMinimumElapsed
	}
	if c.Release == "" {
		c.Release = build.Version
	}
	if c.Revision == "" {
		c.Revision = build.RevisionOrVCS()
	}
	if c.Driver == "" {
		c.Driver = DriverFile
	}
	if c.Table == "" {
		c.Table = table.DriverMemory
	}
	if c.Compression == "" {
		c.Compression = codec.CompressionNone
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// threshold is the effective save threshold.
func (c Config) threshold() time.Duration {
	if c.MinimumElapsed < 0 {
		return 0
	}
	return c.MinimumElapsed
}

// settings is the loader view of Config. Pointer fields distinguish an
// explicit zero from an absent value.
type settings struct {
	MinElapsed    *time.Duration      `env:"MEMO_MIN_ELAPSED"    yaml:"min_elapsed"`
	CacheDir      string              `env:"MEMO_CACHE_DIR"      yaml:"cache_dir"`
	InPlace       *bool               `env:"MEMO_IN_PLACE"       yaml:"in_place"`
	VersionPolicy *codec.VersionPolicy `env:"MEMO_VERSION_POLICY" yaml:"version_policy"`
	SkipLoad      *bool               `env:"MEMO_SKIP_LOAD"      yaml:"skip_load"`
	SkipSave      *bool               `env:"MEMO_SKIP_SAVE"      yaml:"skip_save"`
	Compression   string              `env:"MEMO_COMPRESSION"    yaml:"compression"`
	EncryptionKey string              `env:"MEMO_ENCRYPTION_KEY" yaml:"encryption_key"`
	Driver        string              `env:"MEMO_DRIVER"         yaml:"driver"`
	Table         string              `env:"MEMO_TABLE"          yaml:"table"`
	DSN           string              `env:"MEMO_DSN"            yaml:"dsn"`
	Prefix        string              `env:"MEMO_PREFIX"         yaml:"prefix"`
	ReadOnly      *bool               `env:"MEMO_READ_ONLY"      yaml:"read_only"`
}

func (s settings) apply(cfg Config) (Config, error) {
	if s.MinElapsed != nil {
		cfg.MinimumElapsed = *s.MinElapsed
		if cfg.MinimumElapsed <= 0 {
			cfg.MinimumElapsed = AlwaysSave
		}
	}
	if s.CacheDir != "" {
		cfg.CacheDir = s.CacheDir
	}
	if s.InPlace != nil {
		cfg.InPlace = *s.InPlace
	}
	if s.VersionPolicy != nil {
		cfg.VersionPolicy = *s.VersionPolicy
	}
	if s.SkipLoad != nil {
		cfg.SkipLoad = *s.SkipLoad
	}
	if s.SkipSave != nil {
		cfg.SkipSave = *s.SkipSave
	}
	if s.Compression != "" {
		cfg.Compression = codec.Compression(s.Compression)
	}
	if s.EncryptionKey != "" {
		key, err := hex.DecodeString(s.EncryptionKey)
		if err != nil {
			return cfg, zerr.Wrap(err, "memo: encryption key must be hex")
		}
		cfg.EncryptionKey = key
	}
	if s.Driver != "" {
		cfg.Driver = Driver(s.Driver)
	}
	if s.Table != "" {
		cfg.Table = table.Driver(s.Table)
	}
	if s.DSN != "" {
		cfg.DSN = s.DSN
	}
	if s.Prefix != "" {
		cfg.Prefix = s.Prefix
	}
	if s.ReadOnly != nil {
		cfg.ReadOnly = *s.ReadOnly
	}
	return cfg, nil
}

// LoadConfigEnv reads MEMO_* environment variables into a Config.
func LoadConfigEnv() (Config, error) {
	return loadConfig("", Config{})
}

// LoadConfigFile reads a YAML file, then applies MEMO_* environment
// variables on top of it.
func LoadConfigFile(path string) (Config, error) {
	return loadConfig(path, Config{})
}

func loadConfig(path string, base Config) (Config, error) {
	var raw settings
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return base, zerr.With(zerr.Wrap(err, "memo: read config"), "path", path)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return base, zerr.With(zerr.Wrap(err, "memo: parse config"), "path", path)
		}
	}
	if err := env.Parse(&raw); err != nil {
		return base, fmt.Errorf("parse env: %w", err)
	}
	return raw.apply(base)
}
