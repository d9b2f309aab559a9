package table_test

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// stubRedisClient is an in-memory redis client used for unit tests.
type stubRedisClient struct {
	mu    sync.Mutex
	store map[string]string

	getErr   error
	setErr   error
	setNXErr error
	delErr   error
}

func newStubRedisClient() *stubRedisClient {
	return &stubRedisClient{store: make(map[string]string)}
}

func (c *stubRedisClient) Get(ctx context.Context, key string) *redis.StringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	if c.getErr != nil {
		cmd.SetErr(c.getErr)
		return cmd
	}
	if val, ok := c.store[key]; ok {
		cmd.SetVal(val)
		return cmd
	}
	cmd.SetErr(redis.Nil)
	return cmd
}

func (c *stubRedisClient) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := redis.NewStatusCmd(ctx)
	if c.setErr != nil {
		cmd.SetErr(c.setErr)
		return cmd
	}
	bytes, _ := value.([]byte)
	c.store[key] = string(bytes)
	cmd.SetVal("OK")
	return cmd
}

func (c *stubRedisClient) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	if c.setNXErr != nil {
		cmd.SetErr(c.setNXErr)
		return cmd
	}
	if _, exists := c.store[key]; exists {
		cmd.SetVal(false)
		return cmd
	}
	bytes, _ := value.([]byte)
	c.store[key] = string(bytes)
	cmd.SetVal(true)
	return cmd
}

func (c *stubRedisClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if c.delErr != nil {
		cmd.SetErr(c.delErr)
		return cmd
	}
	var removed int64
	for _, key := range keys {
		if _, ok := c.store[key]; ok {
			delete(c.store, key)
			removed++
		}
	}
	cmd.SetVal(removed)
	return cmd
}

type stubNATSKeyValue struct {
	mu      sync.Mutex
	bucket  string
	rev     uint64
	entries map[string]*stubNATSKeyValueEntry

	getErr    error
	putErr    error
	createErr error
	deleteErr error
}

func newStubNATSKeyValue(bucket string) *stubNATSKeyValue {
	return &stubNATSKeyValue{
		bucket:  bucket,
		entries: make(map[string]*stubNATSKeyValueEntry),
	}
}

func (s *stubNATSKeyValue) Get(key string) (nats.KeyValueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	entry, ok := s.entries[key]
	if !ok {
		return nil, nats.ErrKeyNotFound
	}
	if entry.op == nats.KeyValueDelete || entry.op == nats.KeyValuePurge {
		return nil, nats.ErrKeyDeleted
	}
	cp := *entry
	return &cp, nil
}

func (s *stubNATSKeyValue) Put(key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return 0, s.putErr
	}
	return s.putLocked(key, value, nats.KeyValuePut), nil
}

func (s *stubNATSKeyValue) Create(key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return 0, s.createErr
	}
	if existing, ok := s.entries[key]; ok && existing.op == nats.KeyValuePut {
		return 0, nats.ErrKeyExists
	}
	return s.putLocked(key, value, nats.KeyValuePut), nil
}

func (s *stubNATSKeyValue) Delete(key string, _ ...nats.DeleteOpt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.putLocked(key, nil, nats.KeyValueDelete)
	return nil
}

func (s *stubNATSKeyValue) putLocked(key string, value []byte, op nats.KeyValueOp) uint64 {
	s.rev++
	s.entries[key] = &stubNATSKeyValueEntry{
		bucket:   s.bucket,
		key:      key,
		value:    append([]byte(nil), value...),
		revision: s.rev,
		created:  time.Now(),
		op:       op,
	}
	return s.rev
}

type stubNATSKeyValueEntry struct {
	bucket   string
	key      string
	value    []byte
	revision uint64
	created  time.Time
	op       nats.KeyValueOp
}

func (e *stubNATSKeyValueEntry) Bucket() string             { return e.bucket }
func (e *stubNATSKeyValueEntry) Key() string                { return e.key }
func (e *stubNATSKeyValueEntry) Value() []byte              { return e.value }
func (e *stubNATSKeyValueEntry) Revision() uint64           { return e.revision }
func (e *stubNATSKeyValueEntry) Created() time.Time         { return e.created }
func (e *stubNATSKeyValueEntry) Delta() uint64              { return 0 }
func (e *stubNATSKeyValueEntry) Operation() nats.KeyValueOp { return e.op }

type dynStub struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	created bool
}

func newDynStub() *dynStub { return &dynStub{items: map[string]map[string]types.AttributeValue{}} }

func (d *dynStub) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := in.Key["k"].(*types.AttributeValueMemberS).Value
	item, ok := d.items[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (d *dynStub) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := in.Item["k"].(*types.AttributeValueMemberS).Value
	if in.ConditionExpression != nil {
		if _, exists := d.items[key]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	d.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (d *dynStub) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := in.Key["k"].(*types.AttributeValueMemberS).Value
	delete(d.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (d *dynStub) CreateTable(context.Context, *dynamodb.CreateTableInput, ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	d.mu.Lock()
	d.created = true
	d.mu.Unlock()
	return &dynamodb.CreateTableOutput{}, nil
}

func (d *dynStub) DescribeTable(context.Context, *dynamodb.DescribeTableInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return nil, &types.ResourceNotFoundException{}
}

type stubMemcache struct {
	mu    sync.Mutex
	items map[string][]byte

	getErr error
}

func newStubMemcache() *stubMemcache {
	return &stubMemcache{items: make(map[string][]byte)}
}

func (m *stubMemcache) Get(key string) (*memcache.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.items[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return &memcache.Item{Key: key, Value: append([]byte(nil), v...)}, nil
}

func (m *stubMemcache) Set(item *memcache.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.Key] = append([]byte(nil), item.Value...)
	return nil
}

func (m *stubMemcache) Add(item *memcache.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.Key]; ok {
		return memcache.ErrNotStored
	}
	m.items[item.Key] = append([]byte(nil), item.Value...)
	return nil
}

func (m *stubMemcache) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		return memcache.ErrCacheMiss
	}
	delete(m.items, key)
	return nil
}
