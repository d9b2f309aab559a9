// Package memofake provides an in-memory memo backend with fault injection
// and call recording for tests.
package memofake

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/goforj/memo"
	"github.com/goforj/memo/registry"
)

// DriverFake identifies the fake backend.
const DriverFake memo.Driver = "fake"

// Op identifies a storage operation for assertions.
type Op string

const (
	OpOpen     Op = "open"
	OpRead     Op = "read"
	OpWrite    Op = "write"
	OpCommit   Op = "commit"
	OpRollback Op = "rollback"
	OpDelete   Op = "delete"
	OpClose    Op = "close"
)

// Faults injects failures. A zero Faults injects nothing.
type Faults struct {
	OpenErr   error
	ReadErr   error
	WriteErr  error
	CommitErr error
	DeleteErr error
	// NotReadReady and NotWriteReady flip the readiness probes.
	NotReadReady  bool
	NotWriteReady bool
	// PanicOnRead panics inside OpenForRead.
	PanicOnRead bool
	// FailingWriter makes the writer returned by OpenForWrite fail every
	// Write with WriteErr, or io.ErrShortWrite when WriteErr is nil.
	FailingWriter bool
}

// Fake is a memo.Backend keeping committed entries in a map.
type Fake struct {
	mu      sync.Mutex
	entries map[string][]byte
	faults  Faults
	counts  map[Op]map[string]int
	reg     *registry.Registry
	closed  bool
}

// New returns an empty fake backend with a process-local registry.
func New() *Fake {
	return &Fake{
		entries: make(map[string][]byte),
		counts:  make(map[Op]map[string]int),
		reg:     registry.New(nil),
	}
}

// SetFaults replaces the injected faults.
func (f *Fake) SetFaults(faults Faults) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = faults
}

// Entry returns a copy of the committed entry for key.
func (f *Fake) Entry(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.entries[key]
	return append([]byte(nil), data...), ok
}

// SetEntry stores raw bytes as the committed entry for key.
func (f *Fake) SetEntry(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = append([]byte(nil), data...)
}

// Keys returns the keys with committed entries, sorted.
func (f *Fake) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Closed reports whether Close was called on the backend.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reset clears recorded counts.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = make(map[Op]map[string]int)
}

// AssertCalled verifies key was touched by op the expected number of times.
func (f *Fake) AssertCalled(t *testing.T, op Op, key string, times int) {
	t.Helper()
	if got := f.Count(op, key); got != times {
		t.Fatalf("expected %s %q called %d times, got %d", op, key, times, got)
	}
}

// AssertNotCalled ensures key was never touched by op.
func (f *Fake) AssertNotCalled(t *testing.T, op Op, key string) {
	t.Helper()
	if got := f.Count(op, key); got != 0 {
		t.Fatalf("expected %s %q not called, got %d", op, key, got)
	}
}

// AssertTotal ensures the total call count for an op matches times.
func (f *Fake) AssertTotal(t *testing.T, op Op, times int) {
	t.Helper()
	if got := f.Total(op); got != times {
		t.Fatalf("expected %s total=%d, got %d", op, times, got)
	}
}

// Count returns calls for op+key.
func (f *Fake) Count(op Op, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[op][key]
}

// Total returns total calls for an op across keys.
func (f *Fake) Total(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int
	for _, v := range f.counts[op] {
		sum += v
	}
	return sum
}

func (f *Fake) record(op Op, key string) Faults {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[op] == nil {
		f.counts[op] = make(map[string]int)
	}
	f.counts[op][key]++
	return f.faults
}

func (f *Fake) Driver() memo.Driver { return DriverFake }

func (f *Fake) Open(_ context.Context, key string) (memo.Storage, error) {
	if faults := f.record(OpOpen, key); faults.OpenErr != nil {
		return nil, faults.OpenErr
	}
	return &storage{fake: f, key: key}, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type storage struct {
	fake    *Fake
	key     string
	pending *bytes.Buffer
}

func (s *storage) Key() string                  { return s.key }
func (s *storage) Driver() memo.Driver          { return DriverFake }
func (s *storage) Registry() *registry.Registry { return s.fake.reg }

func (s *storage) ReadReady(context.Context) bool {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	return !s.fake.faults.NotReadReady
}

func (s *storage) WriteReady(context.Context) bool {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	return !s.fake.faults.NotWriteReady
}

func (s *storage) OpenForRead(context.Context) (io.Reader, error) {
	faults := s.fake.record(OpRead, s.key)
	if faults.PanicOnRead {
		panic("memofake: injected read panic")
	}
	if faults.ReadErr != nil {
		return nil, faults.ReadErr
	}
	data, ok := s.fake.Entry(s.key)
	if !ok {
		return nil, nil
	}
	return bytes.NewReader(data), nil
}

func (s *storage) OpenForWrite(context.Context) (io.Writer, error) {
	faults := s.fake.record(OpWrite, s.key)
	if faults.FailingWriter {
		err := faults.WriteErr
		if err == nil {
			err = io.ErrShortWrite
		}
		s.pending = &bytes.Buffer{}
		return failingWriter{err: err}, nil
	}
	if faults.WriteErr != nil {
		return nil, faults.WriteErr
	}
	if s.pending == nil {
		s.pending = &bytes.Buffer{}
	}
	return s.pending, nil
}

func (s *storage) Commit(context.Context) error {
	if s.pending == nil {
		return nil
	}
	faults := s.fake.record(OpCommit, s.key)
	if faults.CommitErr != nil {
		return faults.CommitErr
	}
	s.fake.SetEntry(s.key, s.pending.Bytes())
	s.pending = nil
	return nil
}

func (s *storage) Rollback(context.Context) error {
	if s.pending == nil {
		return nil
	}
	s.fake.record(OpRollback, s.key)
	s.pending = nil
	return nil
}

func (s *storage) Delete(context.Context) error {
	if faults := s.fake.record(OpDelete, s.key); faults.DeleteErr != nil {
		return faults.DeleteErr
	}
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	delete(s.fake.entries, s.key)
	return nil
}

func (s *storage) Close() error {
	s.fake.record(OpClose, s.key)
	s.pending = nil
	return nil
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }
