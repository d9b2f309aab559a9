package table

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	"go.trai.ch/zerr"
)

var (
	createTempFile = os.CreateTemp
	renameFile     = os.Rename
	linkFile       = os.Link
)

// dirTable stores one file per key inside a directory. File names are the
// sha256 of the key so arbitrary keys map to safe names.
type dirTable struct {
	dir string
}

// NewDir returns a directory-backed table rooted at dir, creating it when
// missing.
func NewDir(dir string) (Table, error) {
	if dir == "" {
		return nil, zerr.New("table: dir table requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "table: create dir table"), "dir", dir)
	}
	return &dirTable{dir: dir}, nil
}

func (t *dirTable) Driver() Driver { return DriverDir }

func (t *dirTable) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(t.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (t *dirTable) Put(_ context.Context, key string, value []byte) error {
	tmpPath, err := t.writeTemp(value)
	if err != nil {
		return err
	}
	if err := renameFile(tmpPath, t.path(key)); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// PutIfAbsent hard-links a fully written temp file into place. The link
// fails when the target exists, so readers never see a partial value and
// concurrent claimers in other processes agree on one winner.
func (t *dirTable) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	tmpPath, err := t.writeTemp(value)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = os.Remove(tmpPath) }()

	err = linkFile(tmpPath, t.path(key))
	if err == nil {
		return nil, true, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, false, err
	}
	existing, ok, err := t.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// Removed between the link attempt and the read; retry once.
		if err := linkFile(tmpPath, t.path(key)); err == nil {
			return nil, true, nil
		}
		existing, _, err = t.Get(ctx, key)
		return existing, false, err
	}
	return existing, false, nil
}

func (t *dirTable) Remove(_ context.Context, key string) error {
	if err := os.Remove(t.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (t *dirTable) writeTemp(value []byte) (string, error) {
	tmp, err := createTempFile(t.dir, "tmp-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

func (t *dirTable) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(t.dir, hex.EncodeToString(sum[:]))
}
