package table

import (
	"context"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// memoryTable keeps entries in process memory. Entries never expire; the
// memo subsystem only removes entries explicitly.
type memoryTable struct {
	cache    *gocache.Cache
	mu       sync.Mutex
	readOnly bool
}

// NewMemory returns an in-process table suitable for long-lived hosts
// sharing memo state across goroutines.
func NewMemory() Table {
	return &memoryTable{
		cache: gocache.New(gocache.NoExpiration, 0),
	}
}

// NewMemoryFrom wraps an existing go-cache instance owned by the host.
// Items placed by the host must be []byte values.
func NewMemoryFrom(c *gocache.Cache) Table {
	if c == nil {
		return NewMemory()
	}
	return &memoryTable{cache: c}
}

// NewReadOnlyMemory returns a memory table backed by c that refuses writes.
func NewReadOnlyMemory(c *gocache.Cache) Table {
	t := NewMemoryFrom(c).(*memoryTable)
	t.readOnly = true
	return t
}

func (t *memoryTable) Driver() Driver { return DriverMemory }

func (t *memoryTable) ReadOnly() bool { return t.readOnly }

func (t *memoryTable) Get(_ context.Context, key string) ([]byte, bool, error) {
	item, ok := t.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	body, ok := item.([]byte)
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(body), true, nil
}

func (t *memoryTable) Put(_ context.Context, key string, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.cache.Set(key, cloneBytes(value), gocache.NoExpiration)
	return nil
}

func (t *memoryTable) PutIfAbsent(_ context.Context, key string, value []byte) ([]byte, bool, error) {
	// go-cache Add is atomic on its own; the mutex makes the follow-up read
	// of the winning value consistent with a concurrent Remove.
	if t.readOnly {
		return nil, false, ErrReadOnly
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.cache.Add(key, cloneBytes(value), gocache.NoExpiration); err == nil {
		return nil, true, nil
	}
	item, ok := t.cache.Get(key)
	if !ok {
		t.cache.Set(key, cloneBytes(value), gocache.NoExpiration)
		return nil, true, nil
	}
	body, _ := item.([]byte)
	return cloneBytes(body), false, nil
}

func (t *memoryTable) Remove(_ context.Context, key string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.mu.Lock()
	t.cache.Delete(key)
	t.mu.Unlock()
	return nil
}
