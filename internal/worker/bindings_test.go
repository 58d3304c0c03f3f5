package worker_test

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/cache"
	"github.com/cloudflare/miniflare-sub008/internal/durableobject"
	"github.com/cloudflare/miniflare-sub008/internal/gating"
	"github.com/cloudflare/miniflare-sub008/internal/kv"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore/memstore"
	"github.com/cloudflare/miniflare-sub008/internal/r2"
	"github.com/cloudflare/miniflare-sub008/internal/worker"
)

func newBoundInstance(t *testing.T) worker.BoundInstance {
	t.Helper()
	now := int64(1_700_000_000_000)
	clock := func() int64 { return now }

	kvSub, err := memstore.New(clock)
	require.NoError(t, err)
	cacheSub, err := memstore.New(clock)
	require.NoError(t, err)
	doSub, err := memstore.New(clock)
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, r2.Migrate(db))

	return worker.BoundInstance{
		Bindings: worker.Bindings{
			KV:    map[string]*kv.Gateway{"ns": kv.New("ns", kvSub, clock, time.Minute)},
			Cache: map[string]*cache.Gateway{"default": cache.New("default", cacheSub, clock, false, nil)},
			R2:    map[string]*r2.Gateway{"bucket": r2.New("bucket", db, r2.NewMemoryBlobStore(), clock)},
			DO:    map[string]*durableobject.Store{"rooms": durableobject.New(doSub, clock)},
		},
		Fallback: worker.Echo{},
	}
}

func TestBoundInstanceFallsBackForUnknownPaths(t *testing.T) {
	instance := newBoundInstance(t)
	req := httptest.NewRequest(http.MethodGet, "http://example.test/anything", nil)
	resp, err := instance.Fetch(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBoundInstanceKVRoundTrip(t *testing.T) {
	instance := newBoundInstance(t)

	put := httptest.NewRequest(http.MethodPut, "http://example.test/kv/ns/greeting", strings.NewReader("hi"))
	resp, err := instance.Fetch(put)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	get := httptest.NewRequest(http.MethodGet, "http://example.test/kv/ns/greeting", nil)
	resp, err = instance.Fetch(get)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	require.Equal(t, "hi", string(b))

	miss := httptest.NewRequest(http.MethodGet, "http://example.test/kv/ns/nope", nil)
	resp, err = instance.Fetch(miss)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBoundInstanceCacheMissReturns404WithMissBody(t *testing.T) {
	instance := newBoundInstance(t)

	get := httptest.NewRequest(http.MethodGet, "http://example.test/cache/default/page", nil)
	resp, err := instance.Fetch(get)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	require.Equal(t, "<miss>", string(b))
}

func TestBoundInstanceCachePutThenHit(t *testing.T) {
	instance := newBoundInstance(t)

	put := httptest.NewRequest(http.MethodPut, "http://example.test/cache/default/page", strings.NewReader("<html></html>"))
	resp, err := instance.Fetch(put)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	get := httptest.NewRequest(http.MethodGet, "http://example.test/cache/default/page", nil)
	resp, err = instance.Fetch(get)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "HIT", resp.Header.Get("CF-Cache-Status"))
	b, _ := io.ReadAll(resp.Body)
	require.Equal(t, "<html></html>", string(b))
}

func TestBoundInstanceR2RoundTrip(t *testing.T) {
	instance := newBoundInstance(t)

	put := httptest.NewRequest(http.MethodPut, "http://example.test/r2/bucket/greeting.txt", strings.NewReader("hello r2"))
	resp, err := instance.Fetch(put)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	get := httptest.NewRequest(http.MethodGet, "http://example.test/r2/bucket/greeting.txt", nil)
	resp, err = instance.Fetch(get)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	require.Equal(t, "hello r2", string(b))
}

func TestBoundInstanceDOWriteClosesAndReopensGates(t *testing.T) {
	instance := newBoundInstance(t)

	gctx := gating.New(context.Background(), gating.NewBudget(0, 0, 0))
	put := httptest.NewRequest(http.MethodPut, "http://example.test/do/rooms/counter", strings.NewReader("1"))
	put = put.WithContext(gctx)

	resp, err := instance.Fetch(put)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// the write has already committed by the time Fetch returns, so both
	// gates must be open again.
	require.NoError(t, gctx.InputGate.Wait(context.Background()))
	require.NoError(t, gctx.OutputGate.Wait(context.Background()))

	get := httptest.NewRequest(http.MethodGet, "http://example.test/do/rooms/counter", nil)
	resp, err = instance.Fetch(get)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	require.Equal(t, "1", string(b))
}
