package memo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goforj/memo/registry"
	"github.com/goforj/memo/table"
	"go.trai.ch/zerr"
)

var (
	createTempFile = os.CreateTemp
	renameFile     = os.Rename
)

const (
	memoSuffix   = ".memo"
	typesDirName = ".memo-types"
)

// FileConfig configures the exclusive-file backend.
type FileConfig struct {
	CacheDir string
	InPlace  bool
	Logger   *slog.Logger
}

// fileBackend keeps one hidden envelope file per resource, either beside the
// resource or mirrored under a cache root. Writes go to a temp file in the
// destination directory and are renamed into place on commit.
type fileBackend struct {
	cacheDir string
	inPlace  bool
	logger   *slog.Logger

	mu         sync.Mutex
	registries map[string]*registry.Registry
}

// NewFileBackend returns the exclusive-file backend. With neither CacheDir
// nor InPlace set every session is disabled.
func NewFileBackend(cfg FileConfig) Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir := cfg.CacheDir
	if dir != "" {
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
	}
	return &fileBackend{
		cacheDir:   dir,
		inPlace:    cfg.InPlace,
		logger:     logger,
		registries: make(map[string]*registry.Registry),
	}
}

func (b *fileBackend) Driver() Driver { return DriverFile }

func (b *fileBackend) Open(_ context.Context, key string) (Storage, error) {
	abs, err := filepath.Abs(key)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "memo: resolve resource path"), "key", key)
	}
	memoPath, writeDir := b.memoPath(abs)
	return &fileStorage{
		backend:  b,
		key:      abs,
		memoPath: memoPath,
		writeDir: writeDir,
		logger:   b.logger.With("key", abs, "driver", string(DriverFile)),
	}, nil
}

func (b *fileBackend) Close() error { return nil }

// memoPath derives the entry path for the absolute resource path abs. It
// returns "" when caching is not configured or the write directory is
// missing or not writable. Directories beneath the write directory are
// created by the first write.
func (b *fileBackend) memoPath(abs string) (path string, writeDir string) {
	if b.cacheDir == "" && !b.inPlace {
		b.logger.Debug("skipping memo: no directory given", "key", abs)
		return "", ""
	}

	var target string
	if b.inPlace || isRootDirectory(b.cacheDir, abs) {
		target = abs
		writeDir = filepath.Dir(abs)
	} else {
		target = filepath.Join(b.cacheDir, stripVolume(abs))
		writeDir = b.cacheDir
	}

	if !dirWritable(writeDir) {
		b.logger.Warn("skipping memo: directory not writable", "key", abs, "dir", writeDir)
		return "", ""
	}
	return filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+memoSuffix), writeDir
}

// registryFor returns the registry persisted in the write directory. A
// directory table that cannot be created degrades to a process-local
// registry; entries written with it stay decodable within this process.
func (b *fileBackend) registryFor(writeDir string) *registry.Registry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reg, ok := b.registries[writeDir]; ok {
		return reg
	}
	tbl, err := table.NewDir(filepath.Join(writeDir, typesDirName))
	if err != nil {
		b.logger.Warn("type registry not persisted", "dir", writeDir, "err", err)
		tbl = nil
	}
	reg := registry.New(tbl)
	b.registries[writeDir] = reg
	return reg
}

// isRootDirectory reports whether dir is the filesystem root of abs. A
// cache root at "/" stores entries beside their resources, since the root
// itself is rarely writable.
func isRootDirectory(dir, abs string) bool {
	if dir == "" {
		return false
	}
	root := filepath.VolumeName(abs) + string(filepath.Separator)
	return filepath.Clean(dir) == root
}

// stripVolume drops the volume name and leading separators so abs can be
// joined beneath a cache root.
func stripVolume(abs string) string {
	rest := abs[len(filepath.VolumeName(abs)):]
	return strings.TrimLeft(rest, `/\`)
}

type fileStorage struct {
	backend  *fileBackend
	key      string
	memoPath string
	writeDir string
	reg      *registry.Registry
	logger   *slog.Logger

	in     *os.File
	tmp    *os.File
	closed bool
}

func (s *fileStorage) Key() string    { return s.key }
func (s *fileStorage) Driver() Driver { return DriverFile }

// Registry returns the registry of the write directory, opened on first use.
func (s *fileStorage) Registry() *registry.Registry {
	if s.reg == nil {
		if s.memoPath == "" {
			s.reg = registry.New(nil)
		} else {
			s.reg = s.backend.registryFor(s.writeDir)
		}
	}
	return s.reg
}

// ReadReady reports whether a readable entry exists that is not older than
// the resource.
func (s *fileStorage) ReadReady(context.Context) bool {
	if s.closed || s.memoPath == "" {
		return false
	}
	memo, err := os.Stat(s.memoPath)
	if err != nil {
		s.logger.Debug("memo file doesn't exist", "path", s.memoPath)
		return false
	}
	if !fileReadable(s.memoPath) {
		s.logger.Debug("can't read memo file", "path", s.memoPath)
		return false
	}
	if real, err := os.Stat(s.key); err == nil && memo.ModTime().Before(real.ModTime()) {
		s.logger.Debug("memo older than resource", "memo_mtime", memo.ModTime(), "resource_mtime", real.ModTime())
		return false
	}
	return true
}

func (s *fileStorage) WriteReady(context.Context) bool {
	return !s.closed && s.memoPath != ""
}

func (s *fileStorage) OpenForRead(context.Context) (io.Reader, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.memoPath == "" {
		return nil, nil
	}
	if s.in != nil {
		return s.in, nil
	}
	f, err := os.Open(s.memoPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, zerr.With(zerr.Wrap(err, "memo: open memo file"), "path", s.memoPath)
	}
	s.in = f
	return f, nil
}

func (s *fileStorage) OpenForWrite(context.Context) (io.Writer, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.memoPath == "" {
		return nil, ErrDisabled
	}
	if s.tmp != nil {
		return s.tmp, nil
	}
	dir := filepath.Dir(s.memoPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "memo: create memo directory"), "dir", dir)
	}
	tmp, err := createTempFile(dir, filepath.Base(s.memoPath)+"-*")
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "memo: create temp file"), "path", s.memoPath)
	}
	s.logger.Debug("saving to temp file", "path", tmp.Name())
	s.tmp = tmp
	return tmp, nil
}

// Commit renames the temp file over the entry. The previous entry, if any,
// is untouched on failure. A temp file that fails to rename is left in place.
func (s *fileStorage) Commit(context.Context) error {
	if s.tmp == nil {
		return nil
	}
	tmp := s.tmp
	s.tmp = nil
	tmpPath := tmp.Name()

	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	if err := errors.Join(syncErr, closeErr); err != nil {
		s.logger.Error("temp file flush failed", "path", tmpPath, "err", err)
		removeQuietly(s.logger, tmpPath)
		return zerr.With(zerr.Wrap(err, "memo: flush temp file"), "path", tmpPath)
	}
	if err := renameFile(tmpPath, s.memoPath); err != nil {
		s.logger.Error("temp file rename failed, leaving it behind", "path", tmpPath, "err", err)
		return zerr.With(zerr.Wrap(err, "memo: rename temp file"), "path", tmpPath)
	}
	if fi, err := os.Stat(s.memoPath); err == nil {
		s.logger.Debug("saved memo file", "path", s.memoPath, "bytes", fi.Size())
	}
	return nil
}

func (s *fileStorage) Rollback(context.Context) error {
	if s.tmp == nil {
		return nil
	}
	tmp := s.tmp
	s.tmp = nil
	_ = tmp.Close()
	removeQuietly(s.logger, tmp.Name())
	return nil
}

func (s *fileStorage) Delete(context.Context) error {
	if s.memoPath == "" {
		return nil
	}
	s.closeReader()
	if err := os.Remove(s.memoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to delete memo file", "path", s.memoPath, "err", err)
		return zerr.With(zerr.Wrap(err, "memo: delete memo file"), "path", s.memoPath)
	}
	return nil
}

func (s *fileStorage) Close() error {
	s.closeReader()
	_ = s.Rollback(context.Background())
	s.closed = true
	return nil
}

func (s *fileStorage) closeReader() {
	if s.in == nil {
		return
	}
	if err := s.in.Close(); err != nil {
		s.logger.Warn("failed to close memo file", "path", s.memoPath, "err", err)
	}
	s.in = nil
}

func removeQuietly(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("file deletion failed", "path", path, "err", err)
	}
}
