package sqlstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/kvstore/sqlstore"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore/testsuite"
)

func TestSuite(t *testing.T) {
	now := int64(1_700_000_000_000)
	store, err := sqlstore.Open("sqlite3", ":memory:", func() int64 { return now })
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	testsuite.RunTests(t, store, &now)
}

func TestRangeWalk(t *testing.T) {
	now := int64(1_700_000_000_000)
	store, err := sqlstore.Open("sqlite3", ":memory:", func() int64 { return now })
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	testsuite.RunRangeWalk(t, store)
}
