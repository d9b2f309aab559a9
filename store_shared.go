package memo

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/goforj/memo/registry"
	"github.com/goforj/memo/table"
	"go.trai.ch/zerr"
)

// SharedConfig configures the shared-table backend.
type SharedConfig struct {
	// Blobs holds one committed envelope per key. Required.
	Blobs table.Table
	// Locks holds write-lock rows. Defaults to a process-local memory table.
	Locks table.Table
	// Types persists the type registry. Defaults to a process-local memory
	// table, which only suits single-process use.
	Types table.Table
	// ReadOnly refuses writes and deletes.
	ReadOnly bool
	Logger   *slog.Logger
	// Closers run when the backend is closed, for clients the backend owns.
	Closers []func() error
}

// sharedBackend stores envelopes in a shared table. Each session takes a
// non-blocking write lock before writing so at most one writer per key
// commits at a time.
type sharedBackend struct {
	blobs    table.Table
	locks    table.Table
	reg      *registry.Registry
	readOnly bool
	logger   *slog.Logger

	closeOnce sync.Once
	closers   []func() error
}

// NewSharedBackend returns a shared-table backend. A nil Blobs table yields a
// backend whose sessions are never ready.
func NewSharedBackend(cfg SharedConfig) Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locks := cfg.Locks
	if locks == nil {
		locks = table.NewMemory()
	}
	return &sharedBackend{
		blobs:    cfg.Blobs,
		locks:    locks,
		reg:      registry.New(cfg.Types),
		readOnly: cfg.ReadOnly || (cfg.Blobs != nil && table.IsReadOnly(cfg.Blobs)),
		logger:   logger,
		closers:  cfg.Closers,
	}
}

func (b *sharedBackend) Driver() Driver { return DriverShared }

func (b *sharedBackend) Open(_ context.Context, key string) (Storage, error) {
	return &sharedStorage{
		backend: b,
		key:     key,
		lock:    NewWriteLock(b.locks, key),
		logger:  b.logger.With("key", key, "driver", string(DriverShared)),
	}, nil
}

func (b *sharedBackend) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		for _, c := range b.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

type sharedStorage struct {
	backend *sharedBackend
	key     string
	lock    *WriteLock
	logger  *slog.Logger

	pending *bytes.Buffer
	closed  bool
}

func (s *sharedStorage) Key() string                  { return s.key }
func (s *sharedStorage) Driver() Driver               { return DriverShared }
func (s *sharedStorage) Registry() *registry.Registry { return s.backend.reg }

func (s *sharedStorage) ReadReady(context.Context) bool {
	return !s.closed && s.backend.blobs != nil
}

func (s *sharedStorage) WriteReady(context.Context) bool {
	return !s.closed && s.backend.blobs != nil && !s.backend.readOnly
}

func (s *sharedStorage) OpenForRead(ctx context.Context) (io.Reader, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.backend.blobs == nil {
		return nil, nil
	}
	raw, ok, err := s.backend.blobs.Get(ctx, s.key)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "memo: read shared entry"), "key", s.key)
	}
	if !ok {
		return nil, nil
	}
	return bytes.NewReader(raw), nil
}

// OpenForWrite takes the write lock and buffers the entry until Commit. It
// returns ErrContention when another owner holds the lock.
func (s *sharedStorage) OpenForWrite(ctx context.Context) (io.Writer, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if !s.WriteReady(ctx) {
		return nil, ErrDisabled
	}
	if s.pending != nil {
		return s.pending, nil
	}
	ok, err := s.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		owner, _, _ := s.lock.Owner(ctx)
		s.logger.Debug("write lock held elsewhere", "owner", owner)
		return nil, zerr.With(zerr.Wrap(ErrContention, "memo: open for write"), "key", s.key)
	}
	s.pending = &bytes.Buffer{}
	return s.pending, nil
}

// Commit stores the buffered entry with a single Put, then releases the
// lock. A failed Put leaves the previous entry in place.
func (s *sharedStorage) Commit(ctx context.Context) error {
	if s.pending == nil {
		return nil
	}
	data := s.pending.Bytes()
	s.pending = nil
	putErr := s.backend.blobs.Put(ctx, s.key, data)
	if putErr != nil {
		s.logger.Error("shared entry write failed", "err", putErr)
		putErr = zerr.With(zerr.Wrap(putErr, "memo: write shared entry"), "key", s.key)
	} else {
		s.logger.Debug("saved shared entry", "bytes", len(data))
	}
	return errors.Join(putErr, s.lock.Release(ctx))
}

func (s *sharedStorage) Rollback(ctx context.Context) error {
	s.pending = nil
	return s.lock.Release(ctx)
}

func (s *sharedStorage) Delete(ctx context.Context) error {
	if s.backend.blobs == nil {
		return nil
	}
	if s.backend.readOnly {
		s.logger.Debug("not deleting entry from read-only table")
		return nil
	}
	s.pending = nil
	rmErr := s.backend.blobs.Remove(ctx, s.key)
	if rmErr != nil {
		rmErr = zerr.With(zerr.Wrap(rmErr, "memo: delete shared entry"), "key", s.key)
	}
	return errors.Join(rmErr, s.lock.Release(ctx))
}

func (s *sharedStorage) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	return s.lock.Release(context.Background())
}
