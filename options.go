package memo

import (
	"log/slog"
	"time"

	"github.com/goforj/memo/codec"
)

// Option mutates Config when constructing a Memoizer.
type Option func(Config) Config

// WithConfig replaces the whole configuration. Later options still apply.
func WithConfig(cfg Config) Option {
	return func(Config) Config { return cfg }
}

// WithMinimumElapsed sets the save threshold. d <= 0 saves every build.
func WithMinimumElapsed(d time.Duration) Option {
	return func(cfg Config) Config {
		if d <= 0 {
			d = AlwaysSave
		}
		cfg.MinimumElapsed = d
		return cfg
	}
}

// WithCacheDir mirrors entries under dir.
func WithCacheDir(dir string) Option {
	return func(cfg Config) Config {
		cfg.CacheDir = dir
		return cfg
	}
}

// WithInPlace stores entries beside their resources.
func WithInPlace(enabled bool) Option {
	return func(cfg Config) Config {
		cfg.InPlace = enabled
		return cfg
	}
}

// WithVersionPolicy selects strict or relaxed release checking.
func WithVersionPolicy(p codec.VersionPolicy) Option {
	return func(cfg Config) Config {
		cfg.VersionPolicy = p
		return cfg
	}
}

// WithSkipLoad forces every Build to rebuild.
func WithSkipLoad(skip bool) Option {
	return func(cfg Config) Config {
		cfg.SkipLoad = skip
		return cfg
	}
}

// WithSkipSave prevents Build from writing entries.
func WithSkipSave(skip bool) Option {
	return func(cfg Config) Config {
		cfg.SkipSave = skip
		return cfg
	}
}

// WithFormatVersion overrides the envelope format version.
func WithFormatVersion(v uint64) Option {
	return func(cfg Config) Config {
		cfg.FormatVersion = v
		return cfg
	}
}

// WithRelease overrides the release and revision tags.
func WithRelease(release, revision string) Option {
	return func(cfg Config) Config {
		cfg.Release = release
		cfg.Revision = revision
		return cfg
	}
}

// WithCompression compresses graph payloads.
func WithCompression(c codec.Compression) Option {
	return func(cfg Config) Config {
		cfg.Compression = c
		return cfg
	}
}

// WithEncryptionKey seals graph payloads with AES-GCM. The key must be 16,
// 24 or 32 bytes.
func WithEncryptionKey(key []byte) Option {
	return func(cfg Config) Config {
		cfg.EncryptionKey = append([]byte(nil), key...)
		return cfg
	}
}

// WithCatalog sets the factories used to rebuild cached graphs.
func WithCatalog(c *codec.Catalog) Option {
	return func(cfg Config) Config {
		cfg.Catalog = c
		return cfg
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg Config) Config {
		cfg.Logger = logger
		return cfg
	}
}

// WithObserver registers an observer for memo operations.
func WithObserver(o Observer) Option {
	return func(cfg Config) Config {
		cfg.Observer = o
		return cfg
	}
}
