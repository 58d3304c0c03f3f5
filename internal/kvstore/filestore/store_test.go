package filestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore/filestore"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore/testsuite"
)

func TestSuite(t *testing.T) {
	now := int64(1_700_000_000_000)
	root := filepath.Join(t.TempDir(), "kv")
	store, err := filestore.New(root, true, func() int64 { return now })
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	testsuite.RunTests(t, store, &now)
}

func TestTraversalRejected(t *testing.T) {
	root := t.TempDir()
	store, err := filestore.New(root, false, func() int64 { return 0 })
	require.NoError(t, err)
	defer store.Close()

	err = store.Put(context.Background(), []byte("../escape"), kvstore.Entry{Value: []byte("v")})
	require.ErrorIs(t, err, filestore.ErrTraversal)
}
