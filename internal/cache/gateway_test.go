package cache_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/cache"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore/memstore"
)

func newGateway(t *testing.T) *cache.Gateway {
	sub, err := memstore.New(func() int64 { return 0 })
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return cache.New("default", sub, func() int64 { return 0 }, false, nil)
}

func TestConditional304(t *testing.T) {
	gw := newGateway(t)

	put := httptest.NewRequest(http.MethodGet, "http://example.com/hi", nil)
	h := http.Header{}
	h.Set("ETag", `"x"`)
	h.Set("Cache-Control", "max-age=3600")
	require.NoError(t, gw.Put(put, 200, h, []byte("hi"), ""))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/hi", nil)
	req.Header.Set("If-None-Match", `"x"`)
	status, _, _, ok, err := gw.Match(req, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, http.StatusNotModified, status)

	req2 := httptest.NewRequest(http.MethodGet, "http://example.com/hi", nil)
	req2.Header.Set("If-None-Match", `"y", "x"`)
	status, _, _, ok, err = gw.Match(req2, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, http.StatusNotModified, status)

	req3 := httptest.NewRequest(http.MethodGet, "http://example.com/hi", nil)
	req3.Header.Set("If-None-Match", `"y"`)
	status, _, body, ok, err := gw.Match(req3, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "hi", string(body))
}

func TestByteRange(t *testing.T) {
	gw := newGateway(t)

	put := httptest.NewRequest(http.MethodGet, "http://example.com/d", nil)
	h := http.Header{}
	h.Set("Cache-Control", "max-age=3600")
	require.NoError(t, gw.Put(put, 200, h, []byte("0123456789"), ""))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/d", nil)
	req.Header.Set("Range", "bytes=2-4")
	status, header, body, ok, err := gw.Match(req, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, http.StatusPartialContent, status)
	require.Equal(t, "3", header.Get("Content-Length"))
	require.Equal(t, "234", string(body))

	req2 := httptest.NewRequest(http.MethodGet, "http://example.com/d", nil)
	req2.Header.Set("Range", "bytes=1-3,5-6")
	status, header, body, ok, err = gw.Match(req2, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, http.StatusPartialContent, status)
	require.Contains(t, header.Get("Content-Type"), "multipart/byteranges")
	require.Contains(t, string(body), "123")
	require.Contains(t, string(body), "56")

	req3 := httptest.NewRequest(http.MethodGet, "http://example.com/d", nil)
	req3.Header.Set("Range", "bytes=15-")
	status, _, _, ok, err = gw.Match(req3, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, status)
}

func TestPrivateResponseNotCached(t *testing.T) {
	gw := newGateway(t)
	put := httptest.NewRequest(http.MethodGet, "http://example.com/p", nil)
	h := http.Header{}
	h.Set("Cache-Control", "private, max-age=3600")
	require.NoError(t, gw.Put(put, 200, h, []byte("secret"), ""))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/p", nil)
	_, _, _, ok, err := gw.Match(req, "")
	require.NoError(t, err)
	require.False(t, ok)
}
