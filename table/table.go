// Package table provides the key/value tables that back shared memo storage
// and the persisted type registry.
//
// A Table is deliberately small: single-key reads, single-key atomic puts,
// an atomic put-if-absent used for write locks and id claims, and removal.
// Every implementation must make Put and PutIfAbsent atomic per key so a
// concurrent reader observes either the old or the new value, never a mix.
package table

import (
	"context"

	"go.trai.ch/zerr"
)

// Driver identifies a table backend.
type Driver string

const (
	DriverMemory    Driver = "memory"
	DriverDir       Driver = "dir"
	DriverSQL       Driver = "sql"
	DriverRedis     Driver = "redis"
	DriverNATS      Driver = "nats"
	DriverDynamo    Driver = "dynamodb"
	DriverMemcached Driver = "memcached"
)

var (
	// ErrUnavailable is returned when a table has no usable client.
	ErrUnavailable = zerr.New("table: backend client unavailable")
	// ErrInvalidTableName is returned for unsafe SQL identifiers.
	ErrInvalidTableName = zerr.New("table: invalid table name")
	// ErrReadOnly is returned by writes against a read-only table.
	ErrReadOnly = zerr.New("table: read-only")
)

// Table is a key-addressed byte store.
type Table interface {
	Driver() Driver
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Put atomically replaces the value for key.
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent stores value only when key is absent. When the key already
	// exists, inserted is false and existing holds the current value.
	PutIfAbsent(ctx context.Context, key string, value []byte) (existing []byte, inserted bool, err error)
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// ReadOnly is implemented by tables that can refuse writes.
type ReadOnly interface {
	ReadOnly() bool
}

// IsReadOnly reports whether t declares itself read-only.
func IsReadOnly(t Table) bool {
	ro, ok := t.(ReadOnly)
	return ok && ro.ReadOnly()
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	clone := make([]byte, len(value))
	copy(clone, value)
	return clone
}

// insertOrGet runs insert and, on conflict, reads back the current value.
// A conflicting row removed before the read gets one more insert attempt.
func insertOrGet(ctx context.Context, key string, insert func() (bool, error), get func(context.Context, string) ([]byte, bool, error)) ([]byte, bool, error) {
	for attempt := 0; ; attempt++ {
		inserted, err := insert()
		if err != nil || inserted {
			return nil, inserted, err
		}
		existing, ok, err := get(ctx, key)
		if err != nil || ok || attempt > 0 {
			return existing, false, err
		}
	}
}
