package table

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcacheClient captures the subset of memcache.Client used by the table.
type MemcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Add(item *memcache.Item) error
	Delete(key string) error
}

type memcachedTable struct {
	client MemcacheClient
	prefix string
}

// NewMemcached returns a table on memcached. Keys are hashed because
// memcached refuses keys longer than 250 bytes or containing spaces.
// Memcached may evict entries at any time; a lost lock entry only weakens
// exclusion, a lost blob is a cache miss.
func NewMemcached(client MemcacheClient, prefix string) Table {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &memcachedTable{client: client, prefix: prefix}
}

// NewMemcachedServers dials the given memcached servers.
func NewMemcachedServers(prefix string, servers ...string) Table {
	if len(servers) == 0 {
		return NewMemcached(nil, prefix)
	}
	return NewMemcached(memcache.New(servers...), prefix)
}

func (t *memcachedTable) Driver() Driver { return DriverMemcached }

func (t *memcachedTable) Get(_ context.Context, key string) ([]byte, bool, error) {
	if t.client == nil {
		return nil, false, ErrUnavailable
	}
	item, err := t.client.Get(t.memcacheKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cloneBytes(item.Value), true, nil
}

func (t *memcachedTable) Put(_ context.Context, key string, value []byte) error {
	if t.client == nil {
		return ErrUnavailable
	}
	return t.client.Set(&memcache.Item{Key: t.memcacheKey(key), Value: cloneBytes(value)})
}

func (t *memcachedTable) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	if t.client == nil {
		return nil, false, ErrUnavailable
	}
	return insertOrGet(ctx, key, func() (bool, error) {
		err := t.client.Add(&memcache.Item{Key: t.memcacheKey(key), Value: cloneBytes(value)})
		if errors.Is(err, memcache.ErrNotStored) {
			return false, nil
		}
		return err == nil, err
	}, t.Get)
}

func (t *memcachedTable) Remove(_ context.Context, key string) error {
	if t.client == nil {
		return ErrUnavailable
	}
	err := t.client.Delete(t.memcacheKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (t *memcachedTable) memcacheKey(key string) string {
	sum := sha256.Sum256([]byte(t.prefix + ":" + key))
	return t.prefix + ":" + hex.EncodeToString(sum[:])
}
