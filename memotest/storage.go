package memotest

import (
	"context"
	"io"
	"testing"

	"github.com/goforj/memo"
	"github.com/stretchr/testify/require"
)

// StorageOptions configures RunStorageContract.
type StorageOptions struct {
	// CaseName namespaces keys. Defaults to t.Name().
	CaseName string
	// Key maps a short name to the resource key handed to Backend.Open.
	// File backends use it to create the resource first. Defaults to
	// "/memotest/<case>/<name>".
	Key func(name string) string
}

// RunStorageContract checks the session lifecycle every memo.Backend must
// provide: pending writes are invisible, Commit publishes atomically,
// Rollback keeps the previous entry, Delete removes it and the lifecycle
// calls are idempotent.
func RunStorageContract(t *testing.T, backend memo.Backend, opts StorageOptions) {
	t.Helper()

	caseName := opts.CaseName
	if caseName == "" {
		caseName = t.Name()
	}
	key := opts.Key
	if key == nil {
		key = func(name string) string { return "/memotest/" + sanitize(caseName) + "/" + name }
	}
	ctx := context.Background()

	open := func(name string) memo.Storage {
		t.Helper()
		st, err := backend.Open(ctx, key(name))
		require.NoError(t, err)
		require.NotNil(t, st)
		return st
	}
	read := func(st memo.Storage) (string, bool) {
		t.Helper()
		r, err := st.OpenForRead(ctx)
		require.NoError(t, err)
		if r == nil {
			return "", false
		}
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		return string(data), true
	}
	write := func(st memo.Storage, body string) {
		t.Helper()
		require.True(t, st.WriteReady(ctx), "expected write-ready storage")
		w, err := st.OpenForWrite(ctx)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}

	// Fresh key reads as absent.
	st := open("alpha")
	_, ok := read(st)
	require.False(t, ok, "expected no entry for fresh key")
	require.NoError(t, st.Close())

	// Commit and Rollback without a write are no-ops.
	st = open("alpha")
	require.NoError(t, st.Commit(ctx))
	require.NoError(t, st.Rollback(ctx))

	// Pending bytes are invisible to other sessions until Commit.
	write(st, "first")
	peer := open("alpha")
	_, ok = read(peer)
	require.False(t, ok, "pending write must be invisible")
	require.NoError(t, peer.Close())

	require.NoError(t, st.Commit(ctx))
	require.NoError(t, st.Commit(ctx), "second commit must be a no-op")
	require.NoError(t, st.Close())

	st = open("alpha")
	require.True(t, st.ReadReady(ctx), "expected read-ready after commit")
	body, ok := read(st)
	require.True(t, ok)
	require.Equal(t, "first", body)
	require.NoError(t, st.Close())

	// Rollback keeps the previous entry.
	st = open("alpha")
	write(st, "second")
	require.NoError(t, st.Rollback(ctx))
	require.NoError(t, st.Rollback(ctx), "second rollback must be a no-op")
	require.NoError(t, st.Close())

	st = open("alpha")
	body, ok = read(st)
	require.True(t, ok)
	require.Equal(t, "first", body)
	require.NoError(t, st.Close())

	// Close without Commit discards the pending write.
	st = open("alpha")
	write(st, "abandoned")
	require.NoError(t, st.Close())

	st = open("alpha")
	body, _ = read(st)
	require.Equal(t, "first", body, "abandoned write must not publish")

	// Replacing an entry is visible to later sessions.
	write(st, "third")
	require.NoError(t, st.Commit(ctx))
	require.NoError(t, st.Close())

	st = open("alpha")
	body, _ = read(st)
	require.Equal(t, "third", body)

	// Delete removes the entry and is idempotent.
	require.NoError(t, st.Delete(ctx))
	require.NoError(t, st.Delete(ctx))
	require.NoError(t, st.Close())

	st = open("alpha")
	_, ok = read(st)
	require.False(t, ok, "expected no entry after delete")
	require.NoError(t, st.Close())

	// Keys are independent.
	a, b := open("left"), open("right")
	write(a, "L")
	require.NoError(t, a.Commit(ctx))
	_, ok = read(b)
	require.False(t, ok, "commit on one key must not affect another")
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	// Close is idempotent.
	st = open("left")
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
}
