// Package memo caches the result of expensive, deterministic initialization
// steps keyed by resource path.
//
// A Memoizer asks its Backend for a storage session per call, decodes a
// cached graph when one is present and current, and otherwise runs the
// caller's Builder, timing it and saving the result when the build was slow
// enough to be worth caching. Caching failures never fail a Build; the only
// error surfaced besides builder failure is ErrContention.
package memo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/goforj/memo/codec"
	"go.trai.ch/zerr"
)

// BuildContext is handed to a Builder. Memoizer is the orchestrator running
// the build; builders that open nested resources use it, or Nested, instead
// of constructing their own.
type BuildContext struct {
	Key      string
	Memoizer *Memoizer
}

// Builder performs the expensive initialization for one resource.
type Builder interface {
	// Prototype describes the graph the caller expects. A cached graph is
	// accepted only when it is equivalent to the prototype. A nil prototype
	// accepts any decodable graph.
	Prototype() codec.Graph
	Build(ctx context.Context, bc BuildContext) (codec.Graph, error)
}

type builderFunc struct {
	proto codec.Graph
	fn    func(context.Context, BuildContext) (codec.Graph, error)
}

func (b builderFunc) Prototype() codec.Graph { return b.proto }

func (b builderFunc) Build(ctx context.Context, bc BuildContext) (codec.Graph, error) {
	return b.fn(ctx, bc)
}

// NewBuilder adapts a function and prototype to the Builder interface.
func NewBuilder(proto codec.Graph, fn func(context.Context, BuildContext) (codec.Graph, error)) Builder {
	return builderFunc{proto: proto, fn: fn}
}

// Result describes one Build call. At most one of LoadedFromCache and
// SavedToCache is true.
type Result struct {
	Graph           codec.Graph
	LoadedFromCache bool
	SavedToCache    bool
	// Elapsed is the builder's wall-clock time; zero on a cache hit.
	Elapsed time.Duration
}

// Memoizer orchestrates load, build and save for resources. It is safe for
// concurrent use.
type Memoizer struct {
	backend  Backend
	codec    *codec.Codec
	cfg      Config
	logger   *slog.Logger
	observer Observer
	owned    bool
}

// New returns a memoizer on backend. A nil backend never caches.
func New(backend Backend, opts ...Option) (*Memoizer, error) {
	var cfg Config
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return newMemoizer(backend, cfg, false)
}

// Open builds the backend described by the options with NewBackend and
// returns a memoizer that owns it. Close closes the backend.
func Open(ctx context.Context, opts ...Option) (*Memoizer, error) {
	var cfg Config
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	backend := NewBackend(ctx, cfg)
	return newMemoizer(backend, cfg, true)
}

func newMemoizer(backend Backend, cfg Config, owned bool) (*Memoizer, error) {
	cfg = cfg.withDefaults()
	if backend == nil {
		backend = NewNullBackend()
	}
	c, err := codec.New(codec.Options{
		FormatVersion: cfg.FormatVersion,
		Release:       cfg.Release,
		Revision:      cfg.Revision,
		Policy:        cfg.VersionPolicy,
		Catalog:       cfg.Catalog,
		Compression:   cfg.Compression,
		EncryptionKey: cfg.EncryptionKey,
	})
	if err != nil {
		return nil, zerr.Wrap(err, "memo: build codec")
	}
	cfg.Catalog = c.Catalog()
	return &Memoizer{
		backend:  backend,
		codec:    c,
		cfg:      cfg,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		owned:    owned,
	}, nil
}

// Config returns the effective configuration.
func (m *Memoizer) Config() Config { return m.cfg }

// Backend returns the storage backend.
func (m *Memoizer) Backend() Backend { return m.backend }

// Nested returns a memoizer sharing this one's backend and configuration,
// with opts applied on top. Closing it leaves the backend open.
func (m *Memoizer) Nested(opts ...Option) (*Memoizer, error) {
	if len(opts) == 0 {
		child := *m
		child.owned = false
		return &child, nil
	}
	cfg := m.cfg
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return newMemoizer(m.backend, cfg, false)
}

// Close closes the backend when this memoizer owns it.
func (m *Memoizer) Close() error {
	if !m.owned {
		return nil
	}
	return m.backend.Close()
}

// Resolve returns the cached graph for id without building. It reports a
// miss when caching is unavailable or the entry is absent, stale or
// unreadable; an unreadable entry is deleted.
func (m *Memoizer) Resolve(ctx context.Context, id string) (codec.Graph, bool) {
	start := time.Now()
	key := CacheKey(id)
	st := m.open(ctx, key)
	if st == nil {
		m.observe(ctx, OpResolve, key, false, nil, time.Since(start))
		return nil, false
	}
	defer m.closeStorage(st)

	g := m.load(ctx, st, nil)
	m.observe(ctx, OpResolve, key, g != nil, nil, time.Since(start))
	return g, g != nil
}

// Build returns the cached graph for id when one is current and equivalent
// to b's prototype, and otherwise runs b. The built graph is saved when the
// build took at least the configured minimum elapsed time.
//
// Build fails only when b fails, or with ErrContention when another owner
// holds the write lock; in that case Result.Graph still holds the freshly
// built graph.
func (m *Memoizer) Build(ctx context.Context, id string, b Builder) (Result, error) {
	if b == nil {
		return Result{}, ErrNilBuilder
	}
	key := CacheKey(id)
	st := m.open(ctx, key)
	if st != nil {
		defer m.closeStorage(st)
	}

	if st != nil && !m.cfg.SkipLoad {
		if g := m.load(ctx, st, b.Prototype()); g != nil {
			return Result{Graph: g, LoadedFromCache: true}, nil
		}
	}

	start := time.Now()
	g, err := b.Build(ctx, BuildContext{Key: key, Memoizer: m})
	elapsed := time.Since(start)
	if err == nil && g == nil {
		err = codec.ErrNilGraph
	}
	m.observe(ctx, OpBuild, key, false, err, elapsed)
	if err != nil {
		return Result{Elapsed: elapsed}, zerr.With(zerr.Wrap(err, "memo: build"), "key", key)
	}
	m.logger.Debug("built", "key", key, "driver", string(m.backend.Driver()), "elapsed", elapsed)

	res := Result{Graph: g, Elapsed: elapsed}
	switch {
	case st == nil:
		return res, nil
	case m.cfg.SkipSave:
		m.logger.Debug("not saving: save disabled", "key", key, "driver", string(st.Driver()))
		return res, nil
	case elapsed < m.cfg.threshold():
		m.logger.Debug("not saving: build below threshold", "key", key, "driver", string(st.Driver()),
			"elapsed", elapsed, "threshold", m.cfg.threshold())
		return res, nil
	}

	saved, err := m.save(ctx, st, g)
	res.SavedToCache = saved
	return res, err
}

// Invalidate deletes the entry for id, if any.
func (m *Memoizer) Invalidate(ctx context.Context, id string) error {
	start := time.Now()
	key := CacheKey(id)
	st, err := m.backend.Open(ctx, key)
	if err != nil {
		m.observe(ctx, OpInvalidate, key, false, err, time.Since(start))
		return err
	}
	defer m.closeStorage(st)
	err = st.Delete(ctx)
	m.observe(ctx, OpInvalidate, key, err == nil, err, time.Since(start))
	return err
}

// Entry describes a committed entry without decoding its graph.
type Entry struct {
	Key    string
	Header codec.Header
	// TypeName is empty when the type id is not in the registry.
	TypeName     string
	PayloadBytes int
	// Rejected is the version check failure, or nil when this memoizer
	// would accept the entry.
	Rejected error
}

// Inspect reads the header of the committed entry for id. ok is false when
// there is no entry. Inspect never deletes.
func (m *Memoizer) Inspect(ctx context.Context, id string) (entry Entry, ok bool, err error) {
	key := CacheKey(id)
	st, err := m.backend.Open(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	defer m.closeStorage(st)

	if !st.ReadReady(ctx) {
		return Entry{}, false, nil
	}
	r, err := st.OpenForRead(ctx)
	if err != nil || r == nil {
		return Entry{}, false, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Entry{}, false, zerr.With(zerr.Wrap(err, "memo: read entry"), "key", key)
	}
	h, payload, err := codec.ParseHeader(data)
	if err != nil {
		return Entry{}, false, zerr.With(zerr.Wrap(err, "memo: parse entry"), "key", key)
	}
	entry = Entry{Key: key, Header: h, PayloadBytes: len(payload), Rejected: m.codec.Accepts(h)}
	if name, err := st.Registry().Name(ctx, h.TypeID); err == nil {
		entry.TypeName = name
	}
	return entry, true, nil
}

// CacheKey canonicalizes a resource identifier. Paths become absolute and
// clean; identifiers with a URL scheme are kept as they are.
func CacheKey(id string) string {
	if strings.Contains(id, "://") {
		return id
	}
	if abs, err := filepath.Abs(id); err == nil {
		return abs
	}
	return filepath.Clean(id)
}

// open returns a storage session, or nil when caching is unavailable.
func (m *Memoizer) open(ctx context.Context, key string) Storage {
	st, err := m.backend.Open(ctx, key)
	if err != nil {
		m.logger.Debug("storage unavailable", "key", key, "driver", string(m.backend.Driver()), "err", err)
		return nil
	}
	return st
}

func (m *Memoizer) closeStorage(st Storage) {
	if err := st.Close(); err != nil {
		m.logger.Warn("failed to close storage", "key", st.Key(), "driver", string(st.Driver()), "err", err)
	}
}

// load decodes the committed entry. Every failure deletes the entry and
// reports a miss.
func (m *Memoizer) load(ctx context.Context, st Storage, want codec.Graph) (g codec.Graph) {
	start := time.Now()
	log := m.logger.With("key", st.Key(), "driver", string(st.Driver()))
	var loadErr error
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("unexpected failure loading memo", "panic", fmt.Sprint(rec))
			m.discard(ctx, st, log)
			g, loadErr = nil, zerr.With(zerr.New("memo: panic during load"), "panic", fmt.Sprint(rec))
		}
		m.observe(ctx, OpLoad, st.Key(), g != nil, loadErr, time.Since(start))
	}()

	if !st.ReadReady(ctx) {
		log.Debug("storage not ready for reading")
		return nil
	}
	r, err := st.OpenForRead(ctx)
	if err != nil {
		log.Error("failed to open memo for reading", "err", err)
		loadErr = err
		m.discard(ctx, st, log)
		return nil
	}
	if r == nil {
		log.Debug("no memo stream")
		return nil
	}

	g, err = m.codec.DecodeAs(ctx, r, st.Registry(), want)
	if err != nil {
		loadErr = err
		logDecodeFailure(log, err)
		m.discard(ctx, st, log)
		return nil
	}
	log.Debug("loaded from memo", "type", g.TypeName(), "elapsed", time.Since(start))
	return g
}

func logDecodeFailure(log *slog.Logger, err error) {
	switch {
	case errors.Is(err, codec.ErrFormatVersion), errors.Is(err, codec.ErrSoftwareVersion):
		log.Info("memo written by another version, rebuilding", "err", err)
	case errors.Is(err, codec.ErrNotEquivalent):
		log.Info("memo does not match requested graph, rebuilding", "err", err)
	case errors.Is(err, codec.ErrInvalidData):
		log.Warn("invalid memo, rebuilding", "err", err)
	default:
		log.Error("unexpected failure decoding memo", "err", err)
	}
}

func (m *Memoizer) discard(ctx context.Context, st Storage, log *slog.Logger) {
	if err := st.Delete(ctx); err != nil {
		log.Warn("failed to delete memo", "err", err)
	}
}

// save encodes and commits g. Only ErrContention is returned; every other
// failure rolls back and reports saved as false.
func (m *Memoizer) save(ctx context.Context, st Storage, g codec.Graph) (saved bool, err error) {
	start := time.Now()
	log := m.logger.With("key", st.Key(), "driver", string(st.Driver()))
	var saveErr error
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("unexpected failure saving memo", "panic", fmt.Sprint(rec))
			_ = st.Rollback(ctx)
			saved, err = false, nil
			saveErr = zerr.With(zerr.New("memo: panic during save"), "panic", fmt.Sprint(rec))
		}
		m.observe(ctx, OpSave, st.Key(), saved, saveErr, time.Since(start))
	}()

	if !st.WriteReady(ctx) {
		log.Debug("storage not ready for writing")
		return false, nil
	}
	w, err := st.OpenForWrite(ctx)
	if err != nil {
		saveErr = err
		switch {
		case errors.Is(err, ErrContention):
			log.Info("write lock held elsewhere, not saving")
			return false, err
		case errors.Is(err, ErrDisabled):
			log.Debug("storage refused write")
		default:
			log.Warn("failed to open memo for writing", "err", err)
		}
		return false, nil
	}
	if err := m.codec.Encode(ctx, w, st.Registry(), g); err != nil {
		saveErr = err
		log.Warn("failed to save memo", "err", err)
		if rbErr := st.Rollback(ctx); rbErr != nil {
			log.Warn("rollback failed", "err", rbErr)
		}
		return false, nil
	}
	if err := st.Commit(ctx); err != nil {
		saveErr = err
		log.Error("failed to commit memo", "err", err)
		if rbErr := st.Rollback(ctx); rbErr != nil {
			log.Warn("rollback failed", "err", rbErr)
		}
		return false, nil
	}
	log.Debug("saved memo", "type", g.TypeName(), "elapsed", time.Since(start))
	return true, nil
}

func (m *Memoizer) observe(ctx context.Context, op, key string, hit bool, err error, dur time.Duration) {
	if m.observer == nil {
		return
	}
	m.observer.OnMemoOp(ctx, op, key, hit, err, dur, m.backend.Driver())
}
