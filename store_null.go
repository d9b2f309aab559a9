package memo

import (
	"context"
	"io"

	"github.com/goforj/memo/registry"
)

type nullBackend struct{}

// NewNullBackend returns a backend that never stores anything. Every Build
// runs its builder.
func NewNullBackend() Backend { return nullBackend{} }

func (nullBackend) Driver() Driver { return DriverNull }

func (nullBackend) Open(_ context.Context, key string) (Storage, error) {
	return &nullStorage{key: key}, nil
}

func (nullBackend) Close() error { return nil }

type nullStorage struct {
	key string
	reg *registry.Registry
}

func (s *nullStorage) Key() string    { return s.key }
func (s *nullStorage) Driver() Driver { return DriverNull }

func (s *nullStorage) Registry() *registry.Registry {
	if s.reg == nil {
		s.reg = registry.New(nil)
	}
	return s.reg
}

func (s *nullStorage) ReadReady(context.Context) bool  { return false }
func (s *nullStorage) WriteReady(context.Context) bool { return false }

func (s *nullStorage) OpenForRead(context.Context) (io.Reader, error)  { return nil, nil }
func (s *nullStorage) OpenForWrite(context.Context) (io.Writer, error) { return nil, ErrDisabled }

func (s *nullStorage) Commit(context.Context) error   { return nil }
func (s *nullStorage) Rollback(context.Context) error { return nil }
func (s *nullStorage) Delete(context.Context) error   { return nil }
func (s *nullStorage) Close() error                   { return nil }
