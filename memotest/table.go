package memotest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/goforj/memo/table"
	"github.com/stretchr/testify/require"
)

// TableOptions configures RunTableContract.
type TableOptions struct {
	// CaseName namespaces keys. Defaults to t.Name().
	CaseName string
	// SkipCloneCheck disables the "get returns a copy" assertion.
	SkipCloneCheck bool
	// SkipConcurrency disables the concurrent PutIfAbsent race check for
	// stub-backed tables that are not goroutine safe.
	SkipConcurrency bool
}

// RunTableContract checks the behavior every table.Table must provide.
func RunTableContract(t *testing.T, tbl table.Table, opts TableOptions) {
	t.Helper()

	caseName := opts.CaseName
	if caseName == "" {
		caseName = t.Name()
	}
	ctx := context.Background()
	key := func(s string) string {
		return sanitize(caseName) + ":" + s
	}

	_, ok, err := tbl.Get(ctx, key("missing"))
	require.NoError(t, err)
	require.False(t, ok, "expected miss on absent key")

	require.NoError(t, tbl.Put(ctx, key("alpha"), []byte("one")))
	body, ok, err := tbl.Get(ctx, key("alpha"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", string(body))

	if !opts.SkipCloneCheck {
		body[0] = 'X'
		again, _, err := tbl.Get(ctx, key("alpha"))
		require.NoError(t, err)
		require.Equal(t, "one", string(again), "stored value must not alias returned slice")
	}

	require.NoError(t, tbl.Put(ctx, key("alpha"), []byte("two")))
	body, _, err = tbl.Get(ctx, key("alpha"))
	require.NoError(t, err)
	require.Equal(t, "two", string(body))

	existing, inserted, err := tbl.PutIfAbsent(ctx, key("alpha"), []byte("three"))
	require.NoError(t, err)
	require.False(t, inserted, "put-if-absent must not replace an existing key")
	require.Equal(t, "two", string(existing))

	_, inserted, err = tbl.PutIfAbsent(ctx, key("fresh"), []byte("first"))
	require.NoError(t, err)
	require.True(t, inserted)
	body, ok, err = tbl.Get(ctx, key("fresh"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", string(body))

	require.NoError(t, tbl.Remove(ctx, key("fresh")))
	_, ok, err = tbl.Get(ctx, key("fresh"))
	require.NoError(t, err)
	require.False(t, ok, "expected removed key to miss")
	require.NoError(t, tbl.Remove(ctx, key("fresh")), "removing a missing key is not an error")

	_, inserted, err = tbl.PutIfAbsent(ctx, key("fresh"), []byte("second"))
	require.NoError(t, err)
	require.True(t, inserted, "put-if-absent must succeed after removal")

	require.NoError(t, tbl.Put(ctx, key("empty"), []byte{}))
	body, ok, err = tbl.Get(ctx, key("empty"))
	require.NoError(t, err)
	require.True(t, ok, "empty values are present")
	require.Len(t, body, 0)

	if opts.SkipConcurrency {
		return
	}
	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("owner-%d", i)
			_, inserted, err := tbl.PutIfAbsent(ctx, key("race"), []byte(token))
			if err != nil {
				t.Errorf("put-if-absent: %v", err)
				return
			}
			if inserted {
				mu.Lock()
				winners = append(winners, token)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, winners, 1, "exactly one claimer must win")
	body, _, err = tbl.Get(ctx, key("race"))
	require.NoError(t, err)
	require.Equal(t, winners[0], string(body))
}

func sanitize(name string) string {
	r := strings.NewReplacer("/", "_", " ", "_", ":", "_")
	return r.Replace(name)
}
