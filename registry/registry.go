// Package registry assigns small, stable integer ids to graph type names.
//
// Ids below ReservedIDs belong to built-in value kinds and never change.
// Every other id is allocated from a persisted table, so a name receives the
// same id in every process that shares the table.
package registry

import (
	"context"
	"math"
	"strconv"
	"sync"

	"github.com/goforj/memo/table"
	"go.trai.ch/zerr"
)

// ReservedIDs is the size of the built-in block. Changing it invalidates
// every stored envelope and requires a new codec format version.
const ReservedIDs = 16

// Built-in ids. The order is fixed.
const (
	IDNil uint64 = iota
	IDBool
	IDInt64
	IDUint64
	IDFloat64
	IDString
	IDBytes
	IDList
	IDMap
	IDTime
)

var builtinNames = [...]string{
	IDNil:     "nil",
	IDBool:    "bool",
	IDInt64:   "int64",
	IDUint64:  "uint64",
	IDFloat64: "float64",
	IDString:  "string",
	IDBytes:   "bytes",
	IDList:    "list",
	IDMap:     "map",
	IDTime:    "time",
}

const maxID = math.MaxUint32

var (
	// ErrUnknownID is returned when an id has no registration.
	ErrUnknownID = zerr.New("registry: unknown type id")
	// ErrExhausted is returned when no id is left to allocate.
	ErrExhausted = zerr.New("registry: type ids exhausted")
	// ErrCorrupt is returned when a persisted entry cannot be parsed.
	ErrCorrupt = zerr.New("registry: corrupt entry")
	// ErrInvalidName is returned for empty type names.
	ErrInvalidName = zerr.New("registry: invalid type name")
)

// Registry is a bidirectional name/id map backed by a table. It is safe for
// concurrent use, and several registries in different processes may share
// one table.
type Registry struct {
	tbl table.Table

	mu     sync.Mutex
	byName map[string]uint64
	byID   map[uint64]string
	next   uint64
}

// New returns a registry persisted in tbl. A nil table keeps registrations
// in process memory only.
func New(tbl table.Table) *Registry {
	if tbl == nil {
		tbl = table.NewMemory()
	}
	r := &Registry{
		tbl:    tbl,
		byName: make(map[string]uint64, len(builtinNames)),
		byID:   make(map[uint64]string, len(builtinNames)),
		next:   ReservedIDs,
	}
	for id, name := range builtinNames {
		r.byName[name] = uint64(id)
		r.byID[uint64(id)] = name
	}
	return r
}

// Table returns the backing table.
func (r *Registry) Table() table.Table { return r.tbl }

// Known returns the id for name without allocating one.
func (r *Registry) Known(ctx context.Context, name string) (uint64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(ctx, name)
}

// ID returns the id for name, allocating and persisting a new one when the
// name has never been registered. When ID returns, the id is durable in the
// backing table.
func (r *Registry) ID(ctx context.Context, name string) (uint64, error) {
	if name == "" {
		return 0, ErrInvalidName
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok, err := r.lookupLocked(ctx, name)
	if err != nil || ok {
		return id, err
	}
	return r.allocateLocked(ctx, name)
}

// Name resolves id back to a type name.
func (r *Registry) Name(ctx context.Context, id uint64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name, ok := r.byID[id]; ok {
		return name, nil
	}
	if id < ReservedIDs {
		return "", zerr.With(zerr.Wrap(ErrUnknownID, "registry: name"), "id", id)
	}
	raw, ok, err := r.tbl.Get(ctx, idKey(id))
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "registry: read id"), "id", id)
	}
	if !ok || len(raw) == 0 {
		return "", zerr.With(zerr.Wrap(ErrUnknownID, "registry: name"), "id", id)
	}
	name := string(raw)
	r.byID[id] = name
	return name, nil
}

// Builtin reports whether id lies in the reserved block.
func Builtin(id uint64) bool { return id < ReservedIDs }

func (r *Registry) lookupLocked(ctx context.Context, name string) (uint64, bool, error) {
	if id, ok := r.byName[name]; ok {
		return id, true, nil
	}
	raw, ok, err := r.tbl.Get(ctx, nameKey(name))
	if err != nil {
		return 0, false, zerr.With(zerr.Wrap(err, "registry: read name"), "type", name)
	}
	if !ok {
		return 0, false, nil
	}
	id, err := parseID(raw)
	if err != nil {
		return 0, false, zerr.With(zerr.Wrap(err, "registry: lookup"), "type", name)
	}
	r.remember(name, id)
	return id, true, nil
}

// allocateLocked claims the lowest free id slot at or above the hint, then
// binds the name to it. A concurrent registrant of the same name may bind
// first; its id is adopted and the claimed slot released.
func (r *Registry) allocateLocked(ctx context.Context, name string) (uint64, error) {
	candidate := r.next
	if raw, ok, err := r.tbl.Get(ctx, nextKey); err == nil && ok {
		if hint, err := parseID(raw); err == nil && hint > candidate {
			candidate = hint
		}
	}

	for {
		if candidate > maxID {
			return 0, zerr.With(zerr.Wrap(ErrExhausted, "registry: allocate"), "type", name)
		}
		existing, inserted, err := r.tbl.PutIfAbsent(ctx, idKey(candidate), []byte(name))
		if err != nil {
			return 0, zerr.With(zerr.Wrap(err, "registry: claim id"), "id", candidate)
		}
		if inserted || string(existing) == name {
			break
		}
		candidate++
	}

	existing, inserted, err := r.tbl.PutIfAbsent(ctx, nameKey(name), []byte(strconv.FormatUint(candidate, 10)))
	if err != nil {
		return 0, zerr.With(zerr.Wrap(err, "registry: bind name"), "type", name)
	}
	id := candidate
	if !inserted {
		id, err = parseID(existing)
		if err != nil {
			return 0, zerr.With(zerr.Wrap(err, "registry: bind name"), "type", name)
		}
		if id != candidate {
			_ = r.tbl.Remove(ctx, idKey(candidate))
		}
	}

	r.remember(name, id)
	if id+1 > r.next {
		r.next = id + 1
	}
	_ = r.tbl.Put(ctx, nextKey, []byte(strconv.FormatUint(r.next, 10)))
	return id, nil
}

func (r *Registry) remember(name string, id uint64) {
	r.byName[name] = id
	r.byID[id] = name
	if id >= ReservedIDs && id+1 > r.next {
		r.next = id + 1
	}
}

const nextKey = "next"

func nameKey(name string) string { return "n/" + name }

func idKey(id uint64) string { return "i/" + strconv.FormatUint(id, 10) }

func parseID(raw []byte) (uint64, error) {
	id, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil || id < ReservedIDs {
		return 0, zerr.With(zerr.Wrap(ErrCorrupt, "registry: parse id"), "value", string(raw))
	}
	return id, nil
}
