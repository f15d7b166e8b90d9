package hashcache

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openCache(t *testing.T, dbPath string) *Cache {
	t.Helper()
	c, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTree_LookupRequiresMatchingHint(t *testing.T) {
	c := openCache(t, filepath.Join(t.TempDir(), "cache", "hashes.db")).Tree("/trees/ref")
	mod := time.Date(2026, 10, 1, 12, 0, 0, 123, time.UTC)
	d := digest.FromString("content")

	require.NoError(t, c.Store("a/b.txt", 7, mod, d))

	got, ok := c.Lookup("a/b.txt", 7, mod)
	require.True(t, ok)
	assert.Equal(t, d, got)

	_, ok = c.Lookup("a/b.txt", 8, mod)
	assert.False(t, ok, "size change must miss")

	_, ok = c.Lookup("a/b.txt", 7, mod.Add(time.Nanosecond))
	assert.False(t, ok, "mtime change must miss")

	_, ok = c.Lookup("unknown", 7, mod)
	assert.False(t, ok)
}

func TestTree_StoreOverwrites(t *testing.T) {
	c := openCache(t, filepath.Join(t.TempDir(), "hashes.db")).Tree("/trees/ref")
	mod := time.Unix(1700000000, 0)

	require.NoError(t, c.Store("f", 1, mod, digest.FromString("a")))
	require.NoError(t, c.Store("f", 2, mod, digest.FromString("bb")))

	got, ok := c.Lookup("f", 2, mod)
	require.True(t, ok)
	assert.Equal(t, digest.FromString("bb"), got)
}

func TestTree_ScopedByRoot(t *testing.T) {
	c := openCache(t, filepath.Join(t.TempDir(), "hashes.db"))
	mod := time.Unix(1700000000, 0)

	require.NoError(t, c.Tree("/trees/ref").Store("f", 1, mod, digest.FromString("a")))

	_, ok := c.Tree("/trees/other").Lookup("f", 1, mod)
	assert.False(t, ok)
	_, ok = c.Tree("/trees/ref/").Lookup("f", 1, mod)
	assert.True(t, ok, "roots are compared after cleaning")
}

func TestCache_ReopenKeepsEntries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hashes.db")
	mod := time.Unix(1700000000, 0)

	first, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.Tree("/trees/ref").Store("f", 1, mod, digest.FromString("a")))
	require.NoError(t, first.Close())

	_, ok := openCache(t, dbPath).Tree("/trees/ref").Lookup("f", 1, mod)
	assert.True(t, ok)
}

func TestCache_ConcurrentOpenOfFreshDatabase(t *testing.T) {
	mod := time.Unix(1700000000, 0)

	for i := 0; i < 10; i++ {
		dbPath := filepath.Join(t.TempDir(), "hashes.db")

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for w := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, err := Open(dbPath)
				if err != nil {
					errs[w] = err
					return
				}
				defer func() { _ = c.Close() }()
				errs[w] = c.Tree("/trees/ref").Store("f", int64(w), mod, digest.FromString("a"))
			}()
		}
		wg.Wait()

		for w, err := range errs {
			assert.NoErrorf(t, err, "round %d opener %d", i, w)
		}
	}
}

func TestTree_Prune(t *testing.T) {
	c := openCache(t, filepath.Join(t.TempDir(), "hashes.db"))
	ref, other := c.Tree("/trees/ref"), c.Tree("/trees/other")
	mod := time.Unix(1700000000, 0)
	for _, p := range []string{"keep", "drop1", "drop2"} {
		require.NoError(t, ref.Store(p, 1, mod, digest.FromString(p)))
	}
	require.NoError(t, other.Store("drop1", 1, mod, digest.FromString("drop1")))

	n, err := ref.Prune(map[string]struct{}{"keep": {}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := ref.Lookup("keep", 1, mod)
	assert.True(t, ok)
	_, ok = ref.Lookup("drop1", 1, mod)
	assert.False(t, ok)
	_, ok = other.Lookup("drop1", 1, mod)
	assert.True(t, ok, "prune must stay within its root")

	n, err = ref.Prune(map[string]struct{}{"keep": {}})
	require.NoError(t, err)
	assert.Zero(t, n)
}
