package memo

import (
	"context"
	"errors"
)

// errorBackend is returned when a backend fails to initialize; it preserves
// the driver identity while surfacing the construction error on every Open.
type errorBackend struct {
	driver Driver
	err    error
}

func newErrorBackend(driver Driver, err error) Backend {
	if !errors.Is(err, ErrBackendUnavailable) {
		err = errors.Join(ErrBackendUnavailable, err)
	}
	return &errorBackend{driver: driver, err: err}
}

func (e *errorBackend) Driver() Driver                                { return e.driver }
func (e *errorBackend) Open(context.Context, string) (Storage, error) { return nil, e.err }
func (e *errorBackend) Close() error                                  { return nil }

// Err returns the construction error.
func (e *errorBackend) Err() error { return e.err }

// BackendErr returns the construction error of a backend returned by
// NewBackend, or nil when the backend is usable.
func BackendErr(b Backend) error {
	if eb, ok := b.(*errorBackend); ok {
		return eb.err
	}
	return nil
}
