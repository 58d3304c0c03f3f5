package durableobject_test

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/durableobject"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore/memstore"
)

func TestOCCRetry(t *testing.T) {
	ctx := context.Background()
	sub, err := memstore.New(func() int64 { return 0 })
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, sub.Put(ctx, []byte("a"), kvstore.Entry{Value: []byte("1")}))
	require.NoError(t, sub.Put(ctx, []byte("b"), kvstore.Entry{Value: []byte("2")}))

	store := durableobject.New(sub, func() int64 { return 0 })

	var wg sync.WaitGroup
	wg.Add(2)

	run := func(keys []string) {
		defer wg.Done()
		err := store.RunTransaction(ctx, "ns", func(ctx context.Context, txn *durableobject.Txn) error {
			for _, k := range keys {
				e, _, err := txn.Get(ctx, k)
				if err != nil {
					return err
				}
				n, _ := strconv.Atoi(string(e.Value))
				if err := txn.Put(ctx, k, kvstore.Entry{Value: []byte(strconv.Itoa(n + 1))}); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
	}

	go run([]string{"a"})
	go run([]string{"a", "b"})
	wg.Wait()

	a, _, err := sub.Get(ctx, []byte("a"), false)
	require.NoError(t, err)
	require.Equal(t, "3", string(a.Value))

	b, _, err := sub.Get(ctx, []byte("b"), false)
	require.NoError(t, err)
	require.Equal(t, "3", string(b.Value))
}

func TestRolledBackSucceedsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	sub, err := memstore.New(func() int64 { return 0 })
	require.NoError(t, err)
	defer sub.Close()

	store := durableobject.New(sub, func() int64 { return 0 })
	err = store.RunTransaction(ctx, "ns", func(ctx context.Context, txn *durableobject.Txn) error {
		require.NoError(t, txn.Put(ctx, "x", kvstore.Entry{Value: []byte("v")}))
		txn.Rollback()
		return nil
	})
	require.NoError(t, err)

	_, ok, err := sub.Get(ctx, []byte("x"), false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOperationAfterRollbackFails(t *testing.T) {
	ctx := context.Background()
	sub, err := memstore.New(func() int64 { return 0 })
	require.NoError(t, err)
	defer sub.Close()

	store := durableobject.New(sub, func() int64 { return 0 })
	err = store.RunTransaction(ctx, "ns", func(ctx context.Context, txn *durableobject.Txn) error {
		txn.Rollback()
		_, _, err := txn.Get(ctx, "x")
		require.ErrorIs(t, err, durableobject.ErrRolledBack)
		return nil
	})
	require.NoError(t, err)
}
