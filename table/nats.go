package table

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/nats-io/nats.go"
)

// NATSKeyValue captures the subset of nats.KeyValue used by the table.
type NATSKeyValue interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Create(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
}

type natsTable struct {
	kv     NATSKeyValue
	prefix string
}

// NewNATS returns a table on a JetStream key-value bucket. Keys are encoded
// so arbitrary paths satisfy the bucket's key alphabet.
func NewNATS(kv NATSKeyValue, prefix string) Table {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &natsTable{kv: kv, prefix: prefix}
}

func (t *natsTable) Driver() Driver { return DriverNATS }

func (t *natsTable) Get(_ context.Context, key string) ([]byte, bool, error) {
	if t.kv == nil {
		return nil, false, ErrUnavailable
	}
	entry, err := t.kv.Get(t.natsKey(key))
	if isNATSMiss(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if entry.Operation() == nats.KeyValueDelete || entry.Operation() == nats.KeyValuePurge {
		return nil, false, nil
	}
	return cloneBytes(entry.Value()), true, nil
}

func (t *natsTable) Put(_ context.Context, key string, value []byte) error {
	if t.kv == nil {
		return ErrUnavailable
	}
	_, err := t.kv.Put(t.natsKey(key), cloneBytes(value))
	return err
}

func (t *natsTable) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	if t.kv == nil {
		return nil, false, ErrUnavailable
	}
	return insertOrGet(ctx, key, func() (bool, error) {
		_, err := t.kv.Create(t.natsKey(key), cloneBytes(value))
		if errors.Is(err, nats.ErrKeyExists) {
			return false, nil
		}
		return err == nil, err
	}, t.Get)
}

func (t *natsTable) Remove(_ context.Context, key string) error {
	if t.kv == nil {
		return ErrUnavailable
	}
	err := t.kv.Delete(t.natsKey(key))
	if isNATSMiss(err) {
		return nil
	}
	return err
}

func (t *natsTable) natsKey(key string) string {
	return "p." + encodeNATSKeyPart(t.prefix) + ".k." + encodeNATSKeyPart(key)
}

func isNATSMiss(err error) bool {
	return errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted)
}

func encodeNATSKeyPart(part string) string {
	if part == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(part))
}
