package table

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "memo"

// RedisClient captures the subset of redis.Client used by the table.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisTable struct {
	client RedisClient
	prefix string
}

// NewRedis returns a table storing entries as plain redis strings under
// prefix. A nil client is allowed; operations then return ErrUnavailable.
func NewRedis(client RedisClient, prefix string) Table {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisTable{client: client, prefix: prefix}
}

func (t *redisTable) Driver() Driver { return DriverRedis }

func (t *redisTable) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if t.client == nil {
		return nil, false, ErrUnavailable
	}
	value, err := t.client.Get(ctx, t.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return cloneBytes(value), true, nil
}

func (t *redisTable) Put(ctx context.Context, key string, value []byte) error {
	if t.client == nil {
		return ErrUnavailable
	}
	return t.client.Set(ctx, t.redisKey(key), value, 0).Err()
}

func (t *redisTable) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	if t.client == nil {
		return nil, false, ErrUnavailable
	}
	return insertOrGet(ctx, key, func() (bool, error) {
		return t.client.SetNX(ctx, t.redisKey(key), value, 0).Result()
	}, t.Get)
}

func (t *redisTable) Remove(ctx context.Context, key string) error {
	if t.client == nil {
		return ErrUnavailable
	}
	return t.client.Del(ctx, t.redisKey(key)).Err()
}

func (t *redisTable) redisKey(key string) string {
	return t.prefix + ":" + key
}
