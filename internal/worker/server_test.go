package worker_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"

	"github.com/cloudflare/miniflare-sub008/internal/worker"
)

type fetchFunc func(req *http.Request) (*http.Response, error)

type stubInstance struct {
	fetch fetchFunc
}

func (s stubInstance) Fetch(req *http.Request) (*http.Response, error) { return s.fetch(req) }
func (stubInstance) Scheduled(worker.ScheduledController) error        { return nil }
func (stubInstance) Queue(worker.QueueBatch) error                     { return nil }

func TestServeHTTPStripsReservedHeadersAndReturnsResponse(t *testing.T) {
	var gotUpgradeHeader, gotCustom string
	stub := stubInstance{fetch: func(req *http.Request) (*http.Response, error) {
		gotUpgradeHeader = req.Header.Get("MF-Disable-Pretty-Error")
		gotCustom = req.Header.Get("X-Custom")
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("hi")),
		}, nil
	}}

	srv := worker.NewServer(stub, 0, 0, 0, nil)
	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("MF-Disable-Pretty-Error", "true")
	req.Header.Set("X-Custom", "keep-me")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hi", rec.Body.String())
	require.Empty(t, gotUpgradeHeader, "reserved MF-* header must be stripped before the worker sees it")
	require.Equal(t, "keep-me", gotCustom)
}

func TestServeHTTPWritesErrorBody(t *testing.T) {
	class := errs.Class("gatewaytest")
	stub := stubInstance{fetch: func(req *http.Request) (*http.Response, error) {
		return nil, class.New("EntityTooLarge: body of k exceeds 5 bytes")
	}}

	srv := worker.NewServer(stub, 0, 0, 0, nil)
	req := httptest.NewRequest(http.MethodPut, "http://example.test/k", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Contains(t, rec.Body.String(), `"name":"EntityTooLarge"`)
	require.Contains(t, rec.Body.String(), `"message"`)
}
