package memo

import (
	"context"
	"io"

	"github.com/goforj/memo/registry"
)

// Backend opens per-key storage sessions. Implementations are safe for
// concurrent use; sessions are not.
type Backend interface {
	Driver() Driver
	// Open returns a session for key, the absolute path of the resource.
	Open(ctx context.Context, key string) (Storage, error)
	Close() error
}

// Storage is one caller's session on the entry for a single key.
//
// A session moves from closed to read-ready or write-ready, then to
// committed or rolled back, then back to closed. A failed commit leaves any
// previously committed entry untouched.
type Storage interface {
	Key() string
	Driver() Driver
	// Registry returns the type registry that accompanies the entry.
	Registry() *registry.Registry

	ReadReady(ctx context.Context) bool
	WriteReady(ctx context.Context) bool

	// OpenForRead returns a reader over the committed entry, or (nil, nil)
	// when there is none.
	OpenForRead(ctx context.Context) (io.Reader, error)
	// OpenForWrite starts a write. Bytes are invisible to readers until
	// Commit.
	OpenForWrite(ctx context.Context) (io.Writer, error)
	// Commit publishes the pending write atomically. It is a no-op when no
	// write is in progress.
	Commit(ctx context.Context) error
	// Rollback discards the pending write. It is a no-op when no write is
	// in progress.
	Rollback(ctx context.Context) error
	// Delete removes the committed entry.
	Delete(ctx context.Context) error
	// Close releases streams and any held lock, even after Commit or
	// Rollback.
	Close() error
}
