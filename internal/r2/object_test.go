package r2_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/r2"
)

func newGateway(t *testing.T) *r2.Gateway {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, r2.Migrate(db))
	blobs := r2.NewMemoryBlobStore()
	now := int64(1700000000000)
	return r2.New("my-bucket", db, blobs, func() int64 { return now })
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(t)

	entry, failed, err := gw.Put(ctx, "greeting.txt", []byte("hello r2"), r2.PutOptions{
		HTTPMetadata: r2.HTTPMetadata{ContentType: "text/plain"},
	})
	require.NoError(t, err)
	require.Nil(t, failed)
	require.Equal(t, int64(len("hello r2")), entry.Size)

	got, failed, err := gw.Get(ctx, "greeting.txt", r2.Conditions{}, nil)
	require.NoError(t, err)
	require.Nil(t, failed)
	require.Equal(t, "hello r2", string(got.Body))
	require.Equal(t, entry.ETag, got.Entry.ETag)
}

// TestConditionalPutOnlyIfEtagMatches implements the literal scenario
// from section 8's R2 example: a put with onlyIf.etagMatches succeeds
// only when the current etag matches, and head reports the etag the
// successful put set.
func TestConditionalPutOnlyIfEtagMatches(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(t)

	first, failed, err := gw.Put(ctx, "doc", []byte("v1"), r2.PutOptions{})
	require.NoError(t, err)
	require.Nil(t, failed)

	_, failed, err = gw.Put(ctx, "doc", []byte("v2"), r2.PutOptions{
		OnlyIf: r2.Conditions{EtagMatches: "not-the-etag"},
	})
	require.NoError(t, err)
	require.NotNil(t, failed)
	require.Equal(t, first.ETag, failed.Prior.ETag)

	head, err := gw.Head(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, first.ETag, head.ETag)

	second, failed, err := gw.Put(ctx, "doc", []byte("v2"), r2.PutOptions{
		OnlyIf: r2.Conditions{EtagMatches: first.ETag},
	})
	require.NoError(t, err)
	require.Nil(t, failed)

	head, err = gw.Head(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, second.ETag, head.ETag)
}

func TestGetByteRange(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(t)

	_, failed, err := gw.Put(ctx, "range", []byte("0123456789"), r2.PutOptions{})
	require.NoError(t, err)
	require.Nil(t, failed)

	offset, length := int64(2), int64(3)
	got, failed, err := gw.Get(ctx, "range", r2.Conditions{}, &r2.ByteRange{Offset: &offset, Length: &length})
	require.NoError(t, err)
	require.Nil(t, failed)
	require.Equal(t, "234", string(got.Body))
}

func TestBadDigestRejected(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(t)

	_, _, err := gw.Put(ctx, "x", []byte("hello"), r2.PutOptions{
		Hashes: r2.Checksums{MD5: "0000000000000000000000000000000"},
	})
	require.Error(t, err)
}

func TestInvalidObjectNameRejected(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(t)
	_, _, err := gw.Put(ctx, "", []byte("x"), r2.PutOptions{})
	require.Error(t, err)
}

func TestListWithDelimiter(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(t)

	for _, key := range []string{"a/1", "a/2", "b/1", "top"} {
		_, failed, err := gw.Put(ctx, key, []byte(key), r2.PutOptions{})
		require.NoError(t, err)
		require.Nil(t, failed)
	}

	res, err := gw.List(ctx, r2.ListOptions{Delimiter: "/"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a/", "b/"}, res.DelimitedPrefixes)
	require.Len(t, res.Objects, 1)
	require.Equal(t, "top", res.Objects[0].Key)
}

func TestDeleteRemovesObject(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(t)

	_, failed, err := gw.Put(ctx, "gone", []byte("bye"), r2.PutOptions{})
	require.NoError(t, err)
	require.Nil(t, failed)

	require.NoError(t, gw.Delete(ctx, "gone"))

	head, err := gw.Head(ctx, "gone")
	require.NoError(t, err)
	require.Nil(t, head)
}
