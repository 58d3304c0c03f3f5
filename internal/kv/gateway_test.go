package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/kv"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore/memstore"
)

func TestRoundTripWithTTL(t *testing.T) {
	ctx := context.Background()
	now := int64(0)
	sub, err := memstore.New(func() int64 { return now })
	require.NoError(t, err)
	defer sub.Close()

	gw := kv.New("ns", sub, func() int64 { return now }, 0)
	require.NoError(t, gw.Put(ctx, "k", []byte("v"), 2, nil))

	now = 1000
	e, ok, err := gw.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(e.Value))

	now = 3000
	_, ok, err = gw.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	res, err := gw.List(ctx, "k", "", 10)
	require.NoError(t, err)
	require.Empty(t, res.Keys)
}

func TestReadThroughCacheServesStaleBackendMiss(t *testing.T) {
	ctx := context.Background()
	now := int64(0)
	sub, err := memstore.New(func() int64 { return now })
	require.NoError(t, err)
	defer sub.Close()

	gw := kv.New("ns", sub, func() int64 { return now }, time.Second)
	require.NoError(t, gw.Put(ctx, "k", []byte("v"), 0, nil))

	_, ok, err := gw.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	// bypass the gateway and delete directly from the substrate: the
	// edge-cache model should still serve the cached value until its
	// own TTL elapses.
	_, err = sub.Delete(ctx, []byte("k"))
	require.NoError(t, err)

	e, ok, err := gw.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(e.Value))

	now = 2000
	_, ok, err = gw.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}
