package memo

import "go.trai.ch/zerr"

var (
	// ErrContention is returned when another owner holds the write lock for
	// a key. Build still returns the freshly built graph alongside it.
	ErrContention = zerr.New("memo: write lock held by another owner")
	// ErrDisabled is returned by storage that cannot cache the key at all.
	ErrDisabled = zerr.New("memo: caching disabled")
	// ErrNilBuilder is returned by Build when no builder is given.
	ErrNilBuilder = zerr.New("memo: nil builder")
	// ErrBackendUnavailable is returned when a backend could not be constructed.
	ErrBackendUnavailable = zerr.New("memo: backend unavailable")
	// ErrClosed is returned by storage sessions used after Close.
	ErrClosed = zerr.New("memo: storage closed")
)
