package memo_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goforj/memo"
	"github.com/goforj/memo/codec"
	"github.com/goforj/memo/memofake"
	"github.com/goforj/memo/table"
)

// valueBuilder builds a memofake.Value matching proto. calls, when set,
// counts builder runs.
func valueBuilder(proto *memofake.Value, calls *atomic.Int64) memo.Builder {
	return memo.NewBuilder(proto, func(_ context.Context, bc memo.BuildContext) (codec.Graph, error) {
		var n int64 = 1
		if calls != nil {
			n = calls.Add(1)
		}
		return &memofake.Value{Variant: proto.Variant, Name: bc.Key, Count: n, Tags: []string{"built"}}, nil
	})
}

func newFakeMemoizer(t *testing.T, fake *memofake.Fake, opts ...memo.Option) *memo.Memoizer {
	t.Helper()
	base := []memo.Option{
		memo.WithMinimumElapsed(0),
		memo.WithCatalog(memofake.Catalog()),
		memo.WithRelease("1.4.2", "rev-a"),
	}
	m, err := memo.New(fake, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new memoizer: %v", err)
	}
	return m
}

func TestBuildMissThenHit(t *testing.T) {
	ctx := context.Background()
	fake := memofake.New()
	m := newFakeMemoizer(t, fake)
	var calls atomic.Int64
	b := valueBuilder(&memofake.Value{Variant: "a"}, &calls)

	first, err := m.Build(ctx, "/res/a", b)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	if first.LoadedFromCache || !first.SavedToCache {
		t.Fatalf("expected miss and save, got %+v", first)
	}

	second, err := m.Build(ctx, "/res/a", b)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !second.LoadedFromCache || second.SavedToCache || second.Elapsed != 0 {
		t.Fatalf("expected hit, got %+v", second)
	}
	if calls.Load() != 1 {
		t.Fatalf("builder should run once, ran %d", calls.Load())
	}
	got := second.Graph.(*memofake.Value)
	if got.Variant != "a" || got.Name != memo.CacheKey("/res/a") || got.Count != 1 || len(got.Tags) != 1 {
		t.Fatalf("unexpected cached graph %+v", got)
	}
}

func TestBuildThreshold(t *testing.T) {
	ctx := context.Background()

	t.Run("below threshold is not saved", func(t *testing.T) {
		fake := memofake.New()
		m := newFakeMemoizer(t, fake, memo.WithMinimumElapsed(time.Hour))
		res, err := m.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil))
		if err != nil || res.SavedToCache {
			t.Fatalf("expected unsaved build, res=%+v err=%v", res, err)
		}
		if len(fake.Keys()) != 0 {
			t.Fatalf("expected no entries, got %v", fake.Keys())
		}
		fake.AssertTotal(t, memofake.OpWrite, 0)
	})

	t.Run("at or above threshold is saved", func(t *testing.T) {
		fake := memofake.New()
		m := newFakeMemoizer(t, fake, memo.WithMinimumElapsed(5*time.Millisecond))
		slow := memo.NewBuilder(&memofake.Value{}, func(context.Context, memo.BuildContext) (codec.Graph, error) {
			time.Sleep(10 * time.Millisecond)
			return &memofake.Value{}, nil
		})
		res, err := m.Build(ctx, "/res/a", slow)
		if err != nil || !res.SavedToCache {
			t.Fatalf("expected saved build, res=%+v err=%v", res, err)
		}
		if res.Elapsed < 5*time.Millisecond {
			t.Fatalf("unexpected elapsed %v", res.Elapsed)
		}
	})
}

func TestBuildFileRenameMisses(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	original := filepath.Join(dir, "P")
	if err := os.WriteFile(original, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write resource: %v", err)
	}
	m, err := memo.New(memo.NewFileBackend(memo.FileConfig{InPlace: true}),
		memo.WithMinimumElapsed(0), memo.WithCatalog(memofake.Catalog()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var calls atomic.Int64
	b := valueBuilder(&memofake.Value{}, &calls)

	if res, _ := m.Build(ctx, original, b); !res.SavedToCache {
		t.Fatalf("expected first save, got %+v", res)
	}
	if res, _ := m.Build(ctx, original, b); !res.LoadedFromCache {
		t.Fatalf("expected hit on unchanged resource, got %+v", res)
	}

	renamed := filepath.Join(dir, "P-renamed")
	if err := os.Rename(original, renamed); err != nil {
		t.Fatalf("rename: %v", err)
	}
	res, err := m.Build(ctx, renamed, b)
	if err != nil {
		t.Fatalf("build renamed: %v", err)
	}
	if res.LoadedFromCache || !res.SavedToCache {
		t.Fatalf("renamed resource should miss and save, got %+v", res)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected two builds, got %d", calls.Load())
	}
	if _, err := os.Stat(filepath.Join(dir, ".P-renamed.memo")); err != nil {
		t.Fatalf("expected entry for renamed resource: %v", err)
	}
}

func TestBuildFileStaleEntryRebuilds(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := memo.New(memo.NewFileBackend(memo.FileConfig{CacheDir: t.TempDir()}),
		memo.WithMinimumElapsed(0), memo.WithCatalog(memofake.Catalog()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b := valueBuilder(&memofake.Value{}, nil)
	if res, _ := m.Build(ctx, path, b); !res.SavedToCache {
		t.Fatalf("expected save, got %+v", res)
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	res, err := m.Build(ctx, path, b)
	if err != nil || res.LoadedFromCache || !res.SavedToCache {
		t.Fatalf("modified resource should rebuild and save, res=%+v err=%v", res, err)
	}
}

func TestResolveMissIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := memofake.New()
	m := newFakeMemoizer(t, fake)
	for i := 0; i < 2; i++ {
		if g, ok := m.Resolve(ctx, "/res/absent"); ok || g != nil {
			t.Fatalf("expected miss, got %v", g)
		}
	}
	fake.AssertTotal(t, memofake.OpDelete, 0)
	fake.AssertTotal(t, memofake.OpWrite, 0)
	if len(fake.Keys()) != 0 {
		t.Fatalf("miss must not create entries: %v", fake.Keys())
	}
}

func TestAbandonedWriteKeepsPreviousEntry(t *testing.T) {
	ctx := context.Background()
	fake := memofake.New()
	m := newFakeMemoizer(t, fake)
	if _, err := m.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil)); err != nil {
		t.Fatalf("seed build: %v", err)
	}
	key := memo.CacheKey("/res/a")
	before, _ := fake.Entry(key)

	fake.SetFaults(memofake.Faults{FailingWriter: true})
	rebuild := newFakeMemoizer(t, fake, memo.WithSkipLoad(true))
	res, err := rebuild.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil))
	if err != nil || res.SavedToCache || res.Graph == nil {
		t.Fatalf("failed write must not fail the build, res=%+v err=%v", res, err)
	}
	after, _ := fake.Entry(key)
	if !bytes.Equal(before, after) {
		t.Fatalf("previous entry changed after abandoned write")
	}
	fake.AssertCalled(t, memofake.OpRollback, key, 1)
}

func TestCorruptEntryIsDeletedAndRebuilt(t *testing.T) {
	ctx := context.Background()
	fake := memofake.New()
	key := memo.CacheKey("/res/a")
	fake.SetEntry(key, []byte{0xff, 0xff, 0xff})
	m := newFakeMemoizer(t, fake)

	var calls atomic.Int64
	res, err := m.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, &calls))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.LoadedFromCache || !res.SavedToCache || calls.Load() != 1 {
		t.Fatalf("expected rebuild and save, res=%+v calls=%d", res, calls.Load())
	}
	fake.AssertCalled(t, memofake.OpDelete, key, 1)

	if _, ok := m.Resolve(ctx, "/res/a"); !ok {
		t.Fatalf("rebuilt entry should resolve")
	}
}

func TestVersionGate(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		opts    []memo.Option
		wantHit bool
	}{
		{name: "same build", wantHit: true},
		{name: "newer format", opts: []memo.Option{memo.WithFormatVersion(codec.FormatVersion + 1)}},
		{name: "other revision strict", opts: []memo.Option{memo.WithRelease("1.4.2", "rev-b")}},
		{name: "other patch strict", opts: []memo.Option{memo.WithRelease("1.4.9", "rev-a")}, wantHit: true},
		{name: "other revision relaxed", opts: []memo.Option{
			memo.WithRelease("1.4.7", "rev-b"), memo.WithVersionPolicy(codec.PolicyRelaxed),
		}, wantHit: true},
		{name: "other minor relaxed", opts: []memo.Option{
			memo.WithRelease("1.5.0", "rev-a"), memo.WithVersionPolicy(codec.PolicyRelaxed),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := memofake.New()
			writer := newFakeMemoizer(t, fake)
			if res, _ := writer.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil)); !res.SavedToCache {
				t.Fatalf("seed save failed: %+v", res)
			}

			reader := newFakeMemoizer(t, fake, tc.opts...)
			res, err := reader.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil))
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if res.LoadedFromCache != tc.wantHit {
				t.Fatalf("loaded=%v, want %v", res.LoadedFromCache, tc.wantHit)
			}
			deletes := 0
			if !tc.wantHit {
				deletes = 1
			}
			fake.AssertCalled(t, memofake.OpDelete, memo.CacheKey("/res/a"), deletes)
		})
	}
}

func TestNotEquivalentEntryIsReplaced(t *testing.T) {
	ctx := context.Background()
	fake := memofake.New()
	m := newFakeMemoizer(t, fake)

	if _, err := m.Build(ctx, "/res/a", valueBuilder(&memofake.Value{Variant: "a"}, nil)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res, err := m.Build(ctx, "/res/a", valueBuilder(&memofake.Value{Variant: "b"}, nil))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.LoadedFromCache || !res.SavedToCache {
		t.Fatalf("expected rebuild for other variant, got %+v", res)
	}
	g, ok := m.Resolve(ctx, "/res/a")
	if !ok || g.(*memofake.Value).Variant != "b" {
		t.Fatalf("expected replaced entry, got %v ok=%v", g, ok)
	}
}

func TestWrappedGraphEquivalence(t *testing.T) {
	ctx := context.Background()
	fake := memofake.New()
	m := newFakeMemoizer(t, fake)
	wrapped := func(variant, label string) memo.Builder {
		proto := &memofake.Wrapped{Inner: &memofake.Value{Variant: variant}, Label: label}
		return memo.NewBuilder(proto, func(context.Context, memo.BuildContext) (codec.Graph, error) {
			return &memofake.Wrapped{Inner: &memofake.Value{Variant: variant, Count: 7}, Label: label}, nil
		})
	}

	if res, _ := m.Build(ctx, "/res/w", wrapped("a", "x")); !res.SavedToCache {
		t.Fatalf("seed failed: %+v", res)
	}
	res, err := m.Build(ctx, "/res/w", wrapped("a", "y"))
	if err != nil || !res.LoadedFromCache {
		t.Fatalf("wrapper label is not a parameter, expected hit: res=%+v err=%v", res, err)
	}
	inner := res.Graph.(*memofake.Wrapped).Inner.(*memofake.Value)
	if inner.Count != 7 {
		t.Fatalf("unexpected inner graph %+v", inner)
	}
	if res, _ := m.Build(ctx, "/res/w", wrapped("b", "x")); res.LoadedFromCache {
		t.Fatalf("inner variant differs, expected rebuild")
	}
	if res, _ := m.Build(ctx, "/res/w", valueBuilder(&memofake.Value{Variant: "b"}, nil)); res.LoadedFromCache {
		t.Fatalf("unwrapped request must not match a wrapped entry")
	}
}

func TestCommitFailureReportsUnsaved(t *testing.T) {
	ctx := context.Background()
	fake := memofake.New()
	fake.SetFaults(memofake.Faults{CommitErr: errors.New("disk full")})
	m := newFakeMemoizer(t, fake)

	res, err := m.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil))
	if err != nil {
		t.Fatalf("commit failure must not fail the build: %v", err)
	}
	if res.SavedToCache || res.Graph == nil {
		t.Fatalf("expected built but unsaved graph, got %+v", res)
	}
	fake.AssertCalled(t, memofake.OpRollback, memo.CacheKey("/res/a"), 1)
	if len(fake.Keys()) != 0 {
		t.Fatalf("failed commit must not publish: %v", fake.Keys())
	}
}

func TestContentionReturnsGraphAndError(t *testing.T) {
	ctx := context.Background()
	locks := table.NewMemory()
	backend := memo.NewSharedBackend(memo.SharedConfig{Blobs: table.NewMemory(), Locks: locks})
	m, err := memo.New(backend, memo.WithMinimumElapsed(0), memo.WithCatalog(memofake.Catalog()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	holder := memo.NewWriteLock(locks, memo.CacheKey("/res/a"))
	if ok, err := holder.Acquire(ctx); !ok || err != nil {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	res, err := m.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil))
	if !errors.Is(err, memo.ErrContention) {
		t.Fatalf("expected ErrContention, got %v", err)
	}
	if res.Graph == nil || res.SavedToCache || res.LoadedFromCache {
		t.Fatalf("expected freshly built graph, got %+v", res)
	}

	if err := holder.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	res, err = m.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil))
	if err != nil || !res.SavedToCache {
		t.Fatalf("expected save once the lock is free, res=%+v err=%v", res, err)
	}
}

func TestContentionBetweenSessionsOfOneBackend(t *testing.T) {
	ctx := context.Background()
	backend := memo.NewSharedBackend(memo.SharedConfig{Blobs: table.NewMemory()})
	defer backend.Close()
	newMemoizer := func() *memo.Memoizer {
		m, err := memo.New(backend, memo.WithMinimumElapsed(0), memo.WithCatalog(memofake.Catalog()))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		return m
	}
	first, second := newMemoizer(), newMemoizer()
	key := memo.CacheKey("/res/a")

	writer, err := backend.Open(ctx, key)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if _, err := writer.OpenForWrite(ctx); err != nil {
		t.Fatalf("open for write: %v", err)
	}

	res, err := first.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil))
	if !errors.Is(err, memo.ErrContention) {
		t.Fatalf("expected ErrContention while another session writes, got %v", err)
	}
	if res.Graph == nil || res.SavedToCache {
		t.Fatalf("expected built but unsaved graph, got %+v", res)
	}

	if err := writer.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close session: %v", err)
	}

	res, err = first.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil))
	if err != nil || !res.SavedToCache {
		t.Fatalf("expected save after the lock is released, res=%+v err=%v", res, err)
	}
	res, err = second.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil))
	if err != nil || !res.LoadedFromCache {
		t.Fatalf("second memoizer should hit the shared entry, res=%+v err=%v", res, err)
	}
}

func TestSkipLoadAndSkipSave(t *testing.T) {
	ctx := context.Background()
	fake := memofake.New()
	seed := newFakeMemoizer(t, fake)
	if _, err := seed.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	fake.Reset()

	var calls atomic.Int64
	skipLoad := newFakeMemoizer(t, fake, memo.WithSkipLoad(true))
	res, err := skipLoad.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, &calls))
	if err != nil || res.LoadedFromCache || !res.SavedToCache || calls.Load() != 1 {
		t.Fatalf("skip-load should rebuild and save, res=%+v err=%v", res, err)
	}
	fake.AssertTotal(t, memofake.OpRead, 0)

	fake.Reset()
	skipSave := newFakeMemoizer(t, fake, memo.WithSkipLoad(true), memo.WithSkipSave(true))
	res, err = skipSave.Build(ctx, "/res/b", valueBuilder(&memofake.Value{}, nil))
	if err != nil || res.SavedToCache {
		t.Fatalf("skip-save should not save, res=%+v err=%v", res, err)
	}
	fake.AssertTotal(t, memofake.OpWrite, 0)
}

func TestNestedBuildsShareBackend(t *testing.T) {
	ctx := context.Background()
	fake := memofake.New()
	m := newFakeMemoizer(t, fake)

	outer := memo.NewBuilder(&memofake.Wrapped{Inner: &memofake.Value{}}, func(ctx context.Context, bc memo.BuildContext) (codec.Graph, error) {
		child, err := bc.Memoizer.Nested()
		if err != nil {
			return nil, err
		}
		defer child.Close()
		inner, err := child.Build(ctx, "/res/inner", valueBuilder(&memofake.Value{}, nil))
		if err != nil {
			return nil, err
		}
		return &memofake.Wrapped{Inner: inner.Graph, Label: "outer"}, nil
	})

	res, err := m.Build(ctx, "/res/outer", outer)
	if err != nil || !res.SavedToCache {
		t.Fatalf("outer build: res=%+v err=%v", res, err)
	}
	want := []string{memo.CacheKey("/res/inner"), memo.CacheKey("/res/outer")}
	got := fake.Keys()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected entries %v, got %v", want, got)
	}
	if fake.Closed() {
		t.Fatalf("closing a nested memoizer must not close the backend")
	}

	relaxed, err := m.Nested(memo.WithVersionPolicy(codec.PolicyRelaxed))
	if err != nil {
		t.Fatalf("nested with options: %v", err)
	}
	if relaxed.Config().VersionPolicy != codec.PolicyRelaxed || relaxed.Config().Release != "1.4.2" {
		t.Fatalf("nested config not layered: %+v", relaxed.Config())
	}
	if relaxed.Backend() != m.Backend() {
		t.Fatalf("nested memoizer must share the backend")
	}
}

func TestReadFailuresRebuild(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name        string
		faults      memofake.Faults
		wantDeletes int
	}{
		{name: "panic on read", faults: memofake.Faults{PanicOnRead: true}, wantDeletes: 1},
		{name: "read error", faults: memofake.Faults{ReadErr: errors.New("io")}, wantDeletes: 1},
		{name: "not read ready", faults: memofake.Faults{NotReadReady: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := memofake.New()
			seed := newFakeMemoizer(t, fake)
			if _, err := seed.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil)); err != nil {
				t.Fatalf("seed: %v", err)
			}
			fake.Reset()
			fake.SetFaults(tc.faults)

			m := newFakeMemoizer(t, fake, memo.WithSkipSave(true))
			res, err := m.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil))
			if err != nil || res.LoadedFromCache || res.Graph == nil {
				t.Fatalf("expected rebuild, res=%+v err=%v", res, err)
			}
			fake.AssertTotal(t, memofake.OpDelete, tc.wantDeletes)
		})
	}
}

func TestBackendOpenFailureStillBuilds(t *testing.T) {
	fake := memofake.New()
	fake.SetFaults(memofake.Faults{OpenErr: errors.New("offline")})
	m := newFakeMemoizer(t, fake)
	res, err := m.Build(context.Background(), "/res/a", valueBuilder(&memofake.Value{}, nil))
	if err != nil || res.Graph == nil || res.SavedToCache {
		t.Fatalf("expected uncached build, res=%+v err=%v", res, err)
	}
}

func TestBuilderErrors(t *testing.T) {
	ctx := context.Background()
	fake := memofake.New()
	m := newFakeMemoizer(t, fake)

	if _, err := m.Build(ctx, "/res/a", nil); !errors.Is(err, memo.ErrNilBuilder) {
		t.Fatalf("expected ErrNilBuilder, got %v", err)
	}

	boom := errors.New("boom")
	_, err := m.Build(ctx, "/res/a", memo.NewBuilder(nil, func(context.Context, memo.BuildContext) (codec.Graph, error) {
		return nil, boom
	}))
	if !errors.Is(err, boom) {
		t.Fatalf("expected builder error, got %v", err)
	}

	_, err = m.Build(ctx, "/res/a", memo.NewBuilder(nil, func(context.Context, memo.BuildContext) (codec.Graph, error) {
		return nil, nil
	}))
	if !errors.Is(err, codec.ErrNilGraph) {
		t.Fatalf("expected ErrNilGraph, got %v", err)
	}
	fake.AssertTotal(t, memofake.OpWrite, 0)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	fake := memofake.New()
	m := newFakeMemoizer(t, fake)
	if _, err := m.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := m.Invalidate(ctx, "/res/a"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := m.Resolve(ctx, "/res/a"); ok {
		t.Fatalf("expected miss after invalidate")
	}
	if err := m.Invalidate(ctx, "/res/a"); err != nil {
		t.Fatalf("second invalidate: %v", err)
	}
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	fake := memofake.New()
	m := newFakeMemoizer(t, fake)

	if _, ok, err := m.Inspect(ctx, "/res/a"); ok || err != nil {
		t.Fatalf("expected no entry, ok=%v err=%v", ok, err)
	}
	if _, err := m.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	entry, ok, err := m.Inspect(ctx, "/res/a")
	if err != nil || !ok {
		t.Fatalf("inspect: ok=%v err=%v", ok, err)
	}
	if entry.TypeName != "memofake.Value" || entry.Header.Release != "1.4.2" || entry.Header.Revision != "rev-a" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.Header.FormatVersion != codec.FormatVersion || entry.PayloadBytes == 0 || entry.Rejected != nil {
		t.Fatalf("unexpected entry %+v", entry)
	}

	other := newFakeMemoizer(t, fake, memo.WithRelease("2.0.0", "rev-a"))
	entry, ok, err = other.Inspect(ctx, "/res/a")
	if err != nil || !ok || !errors.Is(entry.Rejected, codec.ErrSoftwareVersion) {
		t.Fatalf("expected rejection, entry=%+v err=%v", entry, err)
	}
	fake.AssertTotal(t, memofake.OpDelete, 0)
}

func TestCompressedAndEncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	key := bytes.Repeat([]byte{7}, 32)
	fake := memofake.New()
	m := newFakeMemoizer(t, fake, memo.WithCompression(codec.CompressionGzip), memo.WithEncryptionKey(key))

	if res, _ := m.Build(ctx, "/res/a", valueBuilder(&memofake.Value{Variant: "z"}, nil)); !res.SavedToCache {
		t.Fatalf("expected save, got %+v", res)
	}
	g, ok := m.Resolve(ctx, "/res/a")
	if !ok || g.(*memofake.Value).Variant != "z" {
		t.Fatalf("expected sealed entry to resolve, got %v ok=%v", g, ok)
	}

	wrongKey := newFakeMemoizer(t, fake, memo.WithEncryptionKey(bytes.Repeat([]byte{9}, 32)))
	if _, ok := wrongKey.Resolve(ctx, "/res/a"); ok {
		t.Fatalf("entry sealed with another key must not resolve")
	}
	fake.AssertCalled(t, memofake.OpDelete, memo.CacheKey("/res/a"), 1)
}

func TestLoadFailureLogLevels(t *testing.T) {
	ctx := context.Background()
	fake := memofake.New()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	writer := newFakeMemoizer(t, fake)
	if _, err := writer.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	reader := newFakeMemoizer(t, fake, memo.WithFormatVersion(codec.FormatVersion+1), memo.WithLogger(logger), memo.WithSkipSave(true))
	if _, err := reader.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil)); err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(logs.String(), "level=INFO") || !strings.Contains(logs.String(), "another version") {
		t.Fatalf("expected info-level version log, got:\n%s", logs.String())
	}

	logs.Reset()
	fake.SetEntry(memo.CacheKey("/res/a"), []byte{0x01})
	if _, err := reader.Build(ctx, "/res/a", valueBuilder(&memofake.Value{}, nil)); err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(logs.String(), "level=WARN") || !strings.Contains(logs.String(), "invalid memo") {
		t.Fatalf("expected warn-level invalid log, got:\n%s", logs.String())
	}
}

func TestCacheKey(t *testing.T) {
	abs, _ := filepath.Abs("rel/file")
	cases := map[string]string{
		"rel/file":           abs,
		"/a/b/../c":          filepath.Clean("/a/b/../c"),
		"s3://bucket/object": "s3://bucket/object",
	}
	for in, want := range cases {
		if got := memo.CacheKey(in); got != want {
			t.Fatalf("CacheKey(%q) = %q, want %q", in, got, want)
		}
	}
}
