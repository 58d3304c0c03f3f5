// Package testsuite is the conformance suite run against every
// kvstore.Store backend, mirroring the teacher's private/kvstore/
// testsuite package: one shared set of behavioural tests, one call
// site per backend.
package testsuite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
)

// RunTests exercises the invariants of section 8 against store using a
// fake clock the caller controls via nowMillis.
func RunTests(t *testing.T, store kvstore.Store, nowMillis *int64) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, []byte("k"), kvstore.Entry{Value: []byte("v")}))
		e, ok, err := store.Get(ctx, []byte("k"), false)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("v"), e.Value)
	})

	t.Run("Expiration", func(t *testing.T) {
		start := *nowMillis
		defer func() { *nowMillis = start }()

		require.NoError(t, store.Put(ctx, []byte("exp"), kvstore.Entry{
			Value:      []byte("v"),
			Expiration: start/1000 + 2,
		}))
		*nowMillis = start + 1000
		_, ok, err := store.Get(ctx, []byte("exp"), false)
		require.NoError(t, err)
		require.True(t, ok)

		*nowMillis = start + 3000
		_, ok, err = store.Get(ctx, []byte("exp"), false)
		require.NoError(t, err)
		require.False(t, ok)

		has, err := store.Has(ctx, []byte("exp"))
		require.NoError(t, err)
		require.False(t, has)
	})

	t.Run("Range", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, []byte("range"), kvstore.Entry{Value: []byte("0123456789")}))
		off := int64(2)
		length := int64(3)
		re, ok, err := store.GetRange(ctx, []byte("range"), kvstore.RangeSpec{Offset: &off, Length: &length})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("234"), re.Value)
	})

	t.Run("ListingOrder", func(t *testing.T) {
		for _, k := range []string{"list/a", "list/b", "list/c"} {
			require.NoError(t, store.Put(ctx, []byte(k), kvstore.Entry{Value: []byte(k)}))
		}
		res, err := store.List(ctx, kvstore.ListOptions{Prefix: "list/"}, false)
		require.NoError(t, err)
		require.Len(t, res.Keys, 3)
		require.Equal(t, "list/a", res.Keys[0].Name)
		require.Equal(t, "list/b", res.Keys[1].Name)
		require.Equal(t, "list/c", res.Keys[2].Name)
	})

	t.Run("CursorPagination", func(t *testing.T) {
		res1, err := store.List(ctx, kvstore.ListOptions{Prefix: "list/", Limit: 2}, false)
		require.NoError(t, err)
		require.Len(t, res1.Keys, 2)
		require.NotEmpty(t, res1.Cursor)

		res2, err := store.List(ctx, kvstore.ListOptions{Prefix: "list/", Limit: 2, Cursor: res1.Cursor}, false)
		require.NoError(t, err)
		require.Len(t, res2.Keys, 1)
		require.Empty(t, res2.Cursor)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, []byte("del"), kvstore.Entry{Value: []byte("v")}))
		ok, err := store.Delete(ctx, []byte("del"))
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = store.Get(ctx, []byte("del"), false)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = store.Delete(ctx, []byte("del"))
		require.NoError(t, err)
		require.False(t, ok)
	})
}

// RunRangeWalk exercises the Range full-scan primitive (teacher's
// testsuite.testRange).
func RunRangeWalk(t *testing.T, store kvstore.Store) {
	ctx := context.Background()
	items := map[string]string{
		"a":     "a",
		"b/1":   "b/1",
		"b/2":   "b/2",
		"c":     "c",
		"c/1":   "c/1",
	}
	for k, v := range items {
		require.NoError(t, store.Put(ctx, []byte(k), kvstore.Entry{Value: []byte(v)}))
	}

	seen := map[string]string{}
	err := store.Range(ctx, func(ctx context.Context, key kvstore.Key, entry kvstore.Entry) error {
		seen[string(key)] = string(entry.Value)
		return nil
	})
	require.NoError(t, err)
	for k, v := range items {
		require.Equal(t, v, seen[k])
	}
}
