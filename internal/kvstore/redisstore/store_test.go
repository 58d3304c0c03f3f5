package redisstore_test

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/kvstore/redisstore"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore/testsuite"
)

// newMiniredisStore wires redisstore against an in-process miniredis
// server, the teacher's test double for go-redis rather than a real
// Redis instance.
func newMiniredisStore(t *testing.T, now *int64) *redisstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redisstore.New(client, "ns", func() int64 { return *now })
}

func TestSuite(t *testing.T) {
	now := int64(1_700_000_000_000)
	store := newMiniredisStore(t, &now)
	defer func() { require.NoError(t, store.Close()) }()

	testsuite.RunTests(t, store, &now)
}
