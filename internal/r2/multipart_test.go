package r2_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/r2"
)

func TestMultipartUploadLifecycle(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(t)

	uploadID, err := gw.CreateMultipartUpload(ctx, "big", r2.PutOptions{
		HTTPMetadata: r2.HTTPMetadata{ContentType: "application/octet-stream"},
	})
	require.NoError(t, err)

	part1 := bytes.Repeat([]byte("a"), 5*1024*1024)
	part2 := []byte("tail")

	etag1, err := gw.UploadPart(ctx, "big", uploadID, 1, part1)
	require.NoError(t, err)
	etag2, err := gw.UploadPart(ctx, "big", uploadID, 2, part2)
	require.NoError(t, err)

	entry, err := gw.CompleteMultipartUpload(ctx, "big", uploadID, []r2.CompletedPart{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(part1)+len(part2)), entry.Size)
	require.Contains(t, entry.ETag, "-2")

	got, failed, err := gw.Get(ctx, "big", r2.Conditions{}, nil)
	require.NoError(t, err)
	require.Nil(t, failed)
	require.Equal(t, append(append([]byte{}, part1...), part2...), got.Body)
}

func TestMultipartRejectsUndersizedNonFinalPart(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(t)

	uploadID, err := gw.CreateMultipartUpload(ctx, "small-parts", r2.PutOptions{})
	require.NoError(t, err)

	etag1, err := gw.UploadPart(ctx, "small-parts", uploadID, 1, []byte("too small"))
	require.NoError(t, err)
	etag2, err := gw.UploadPart(ctx, "small-parts", uploadID, 2, []byte("also small"))
	require.NoError(t, err)

	_, err = gw.CompleteMultipartUpload(ctx, "small-parts", uploadID, []r2.CompletedPart{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	})
	require.Error(t, err)
}

func TestAbortMultipartDiscardsParts(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(t)

	uploadID, err := gw.CreateMultipartUpload(ctx, "aborted", r2.PutOptions{})
	require.NoError(t, err)
	_, err = gw.UploadPart(ctx, "aborted", uploadID, 1, []byte("data"))
	require.NoError(t, err)

	require.NoError(t, gw.AbortMultipartUpload(ctx, "aborted", uploadID))

	_, err = gw.CompleteMultipartUpload(ctx, "aborted", uploadID, []r2.CompletedPart{{PartNumber: 1, ETag: "x"}})
	require.Error(t, err)

	head, err := gw.Head(ctx, "aborted")
	require.NoError(t, err)
	require.Nil(t, head)
}
