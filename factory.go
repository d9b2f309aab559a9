package memo

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/goforj/memo/table"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.trai.ch/zerr"
)

// Prefixes that separate the three shared tables on one host store.
const (
	blobsPrefix = "blobs"
	locksPrefix = "locks"
	typesPrefix = "types"
)

// NewBackend returns a concrete backend for cfg.Driver. Construction
// failures yield a backend whose Open always fails with an error matching
// ErrBackendUnavailable; a Memoizer on it still builds, it just never
// caches. Use BackendErr to surface the failure early.
// @group Constructors
//
// Example: mirror entries under a cache root
//
//	backend := memo.NewBackend(ctx, memo.Config{CacheDir: "/var/cache/memo"})
//	fmt.Println(backend.Driver()) // file
//
// Example: shared entries in redis
//
//	backend = memo.NewBackend(ctx, memo.Config{
//		Driver: memo.DriverShared,
//		Table:  table.DriverRedis,
//		DSN:    "redis://127.0.0.1:6379/0",
//	})
//	fmt.Println(backend.Driver()) // shared
func NewBackend(ctx context.Context, cfg Config) Backend {
	cfg = cfg.withDefaults()
	switch cfg.Driver {
	case DriverFile:
		return NewFileBackend(FileConfig{CacheDir: cfg.CacheDir, InPlace: cfg.InPlace, Logger: cfg.Logger})
	case DriverNull:
		return NewNullBackend()
	case DriverShared:
		shared, err := openShared(ctx, cfg)
		if err != nil {
			cfg.Logger.Warn("shared backend unavailable", "table", string(cfg.Table), "err", err)
			return newErrorBackend(DriverShared, err)
		}
		return NewSharedBackend(shared)
	default:
		return newErrorBackend(cfg.Driver, zerr.With(zerr.New("memo: unknown driver"), "driver", string(cfg.Driver)))
	}
}

func openShared(ctx context.Context, cfg Config) (SharedConfig, error) {
	shared := SharedConfig{ReadOnly: cfg.ReadOnly, Logger: cfg.Logger}
	open := func(prefix string) (table.Table, error) {
		return openTable(ctx, cfg, joinPrefix(cfg.Prefix, prefix), &shared)
	}
	var err error
	if shared.Blobs, err = open(blobsPrefix); err != nil {
		return shared, closeAll(shared, err)
	}
	if shared.Locks, err = open(locksPrefix); err != nil {
		return shared, closeAll(shared, err)
	}
	if shared.Types, err = open(typesPrefix); err != nil {
		return shared, closeAll(shared, err)
	}
	return shared, nil
}

// openTable opens one logical table. Clients the table owns are appended to
// shared.Closers.
func openTable(ctx context.Context, cfg Config, prefix string, shared *SharedConfig) (table.Table, error) {
	switch cfg.Table {
	case table.DriverMemory:
		return table.NewMemory(), nil
	case table.DriverDir:
		if cfg.CacheDir == "" {
			return nil, zerr.New("memo: dir table requires a cache dir")
		}
		return table.NewDir(filepath.Join(cfg.CacheDir, prefix))
	case table.DriverSQL, "sqlite", "postgres", "mysql":
		driverName, dsn := sqlDialect(string(cfg.Table), cfg.DSN)
		tbl, err := table.OpenSQL(ctx, table.SQLConfig{DriverName: driverName, DSN: dsn, Prefix: prefix})
		if err != nil {
			return nil, err
		}
		if c, ok := tbl.(interface{ Close() error }); ok {
			shared.Closers = append(shared.Closers, c.Close)
		}
		return tbl, nil
	case table.DriverRedis:
		opts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "memo: parse redis url"), "dsn", cfg.DSN)
		}
		client := redis.NewClient(opts)
		shared.Closers = append(shared.Closers, client.Close)
		return table.NewRedis(client, prefix), nil
	case table.DriverNATS:
		return openNATS(cfg, prefix, shared)
	case table.DriverDynamo:
		return table.OpenDynamo(ctx, table.DynamoConfig{Endpoint: cfg.DSN, Prefix: prefix})
	case table.DriverMemcached:
		var servers []string
		for _, s := range strings.Split(cfg.DSN, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		if len(servers) == 0 {
			return nil, zerr.New("memo: memcached table requires server addresses")
		}
		return table.NewMemcachedServers(prefix, servers...), nil
	default:
		return nil, zerr.With(zerr.New("memo: unknown table driver"), "table", string(cfg.Table))
	}
}

const natsBucket = "memo"

func openNATS(cfg Config, prefix string, shared *SharedConfig) (table.Table, error) {
	url := cfg.DSN
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "memo: connect nats"), "url", url)
	}
	shared.Closers = append(shared.Closers, func() error { nc.Close(); return nil })
	js, err := nc.JetStream()
	if err != nil {
		return nil, zerr.Wrap(err, "memo: jetstream context")
	}
	kv, err := js.KeyValue(natsBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: natsBucket})
	}
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "memo: open nats bucket"), "bucket", natsBucket)
	}
	return table.NewNATS(kv, prefix), nil
}

// sqlDialect maps a table driver and DSN to a database/sql driver name and
// the DSN that driver expects.
func sqlDialect(tableDriver, dsn string) (string, string) {
	switch {
	case tableDriver == "postgres", strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn
	case tableDriver == "mysql":
		return "mysql", strings.TrimPrefix(dsn, "mysql://")
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql", strings.TrimPrefix(dsn, "mysql://")
	default:
		dsn = strings.TrimPrefix(dsn, "sqlite://")
		return "sqlite", strings.TrimPrefix(dsn, "sqlite:")
	}
}

func joinPrefix(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func closeAll(shared SharedConfig, err error) error {
	for _, c := range shared.Closers {
		_ = c()
	}
	return err
}
