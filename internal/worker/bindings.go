package worker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cloudflare/miniflare-sub008/internal/cache"
	"github.com/cloudflare/miniflare-sub008/internal/durableobject"
	"github.com/cloudflare/miniflare-sub008/internal/kv"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
	"github.com/cloudflare/miniflare-sub008/internal/r2"
)

// Bindings holds the gateways a script has bound to a namespace name
// (section 2: "the worker invokes gateways; each gateway goes through
// the storage substrate"), keyed the way a CLI flag or wrangler.toml
// binding names them.
type Bindings struct {
	KV    map[string]*kv.Gateway
	Cache map[string]*cache.Gateway
	R2    map[string]*r2.Gateway
	DO    map[string]*durableobject.Store
}

// BoundInstance routes requests shaped "/<kv|cache|r2|do>/<binding>/<key...>"
// to the matching gateway and falls back to Fallback for everything
// else. It is the host that makes the gateway-enable flags of section
// 6's CLI surface reachable from a served request, rather than
// constructing gateways nothing ever calls.
type BoundInstance struct {
	Bindings
	Fallback Instance
}

func (b BoundInstance) Fetch(req *http.Request) (*http.Response, error) {
	kind, name, rest, ok := splitBindingPath(req.URL.Path)
	if !ok {
		return b.Fallback.Fetch(req)
	}

	switch kind {
	case "kv":
		if gw, ok := b.KV[name]; ok {
			return b.fetchKV(req, gw, rest)
		}
	case "cache":
		if gw, ok := b.Cache[name]; ok {
			return b.fetchCache(req, gw)
		}
	case "r2":
		if gw, ok := b.R2[name]; ok {
			return b.fetchR2(req, gw, rest)
		}
	case "do":
		if store, ok := b.DO[name]; ok {
			return b.fetchDO(req, store, name, rest)
		}
	}
	return b.Fallback.Fetch(req)
}

func (b BoundInstance) Scheduled(controller ScheduledController) error {
	return b.Fallback.Scheduled(controller)
}

func (b BoundInstance) Queue(batch QueueBatch) error {
	return b.Fallback.Queue(batch)
}

// splitBindingPath parses "/<kind>/<name>/<rest>" into its parts; ok is
// false for any path not shaped like a binding reference.
func splitBindingPath(path string) (kind, name, rest string, ok bool) {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) < 2 || parts[1] == "" {
		return "", "", "", false
	}
	switch parts[0] {
	case "kv", "cache", "r2", "do":
	default:
		return "", "", "", false
	}
	if len(parts) == 3 {
		rest = parts[2]
	}
	return parts[0], parts[1], rest, true
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func binaryResponse(status int, body []byte) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/octet-stream"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func (b BoundInstance) fetchKV(req *http.Request, gw *kv.Gateway, key string) (*http.Response, error) {
	ctx := req.Context()
	switch req.Method {
	case http.MethodGet:
		entry, ok, err := gw.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return textResponse(http.StatusNotFound, "not found"), nil
		}
		return binaryResponse(http.StatusOK, entry.Value), nil
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		var ttl int64
		if s := req.URL.Query().Get("ttl"); s != "" {
			ttl, _ = strconv.ParseInt(s, 10, 64)
		}
		if err := gw.Put(ctx, key, body, ttl, nil); err != nil {
			return nil, err
		}
		return textResponse(http.StatusNoContent, ""), nil
	case http.MethodDelete:
		if _, err := gw.Delete(ctx, key); err != nil {
			return nil, err
		}
		return textResponse(http.StatusNoContent, ""), nil
	default:
		return textResponse(http.StatusMethodNotAllowed, "method not allowed"), nil
	}
}

// fetchCache implements section 4.4's match/put over the cache binding,
// translating a gateway miss into the "misses return 404 with body
// <miss>" convention so a script can tell a miss apart from a stored
// response.
func (b BoundInstance) fetchCache(req *http.Request, gw *cache.Gateway) (*http.Response, error) {
	switch req.Method {
	case http.MethodGet:
		status, header, body, ok, err := gw.Match(req, "")
		if err != nil {
			return nil, err
		}
		if !ok {
			return textResponse(http.StatusNotFound, "<miss>"), nil
		}
		return &http.Response{StatusCode: status, Header: header, Body: io.NopCloser(bytes.NewReader(body))}, nil
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		header := req.Header.Clone()
		if header.Get("Cache-Control") == "" && header.Get("Expires") == "" {
			header.Set("Cache-Control", "max-age=60")
		}
		getReq := req.Clone(req.Context())
		getReq.Method = http.MethodGet
		if err := gw.Put(getReq, http.StatusOK, header, body, ""); err != nil {
			return nil, err
		}
		return textResponse(http.StatusNoContent, ""), nil
	default:
		return textResponse(http.StatusMethodNotAllowed, "method not allowed"), nil
	}
}

func (b BoundInstance) fetchR2(req *http.Request, gw *r2.Gateway, key string) (*http.Response, error) {
	ctx := req.Context()
	switch req.Method {
	case http.MethodGet:
		result, precond, err := gw.Get(ctx, key, r2.Conditions{}, nil)
		if err != nil {
			return nil, err
		}
		if precond != nil {
			return nil, precond
		}
		if result == nil {
			return textResponse(http.StatusNotFound, "not found"), nil
		}
		resp := binaryResponse(http.StatusOK, result.Body)
		resp.Header.Set("ETag", result.Entry.ETag)
		return resp, nil
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_, precond, err := gw.Put(ctx, key, body, r2.PutOptions{})
		if err != nil {
			return nil, err
		}
		if precond != nil {
			return nil, precond
		}
		return textResponse(http.StatusNoContent, ""), nil
	case http.MethodDelete:
		if err := gw.Delete(ctx, key); err != nil {
			return nil, err
		}
		return textResponse(http.StatusNoContent, ""), nil
	default:
		return textResponse(http.StatusMethodNotAllowed, "method not allowed"), nil
	}
}

// fetchDO runs one transaction per request against namespace ns. Since
// ServeHTTP stashes a *gating.Context in req.Context(), the write step
// inside Store.commit actually closes the input/output gates for this
// request (section 5), rather than that mechanism sitting unreachable.
func (b BoundInstance) fetchDO(req *http.Request, store *durableobject.Store, ns, key string) (*http.Response, error) {
	ctx := req.Context()
	switch req.Method {
	case http.MethodGet:
		var value []byte
		var found bool
		err := store.RunTransaction(ctx, ns, func(ctx context.Context, txn *durableobject.Txn) error {
			entry, ok, err := txn.Get(ctx, key)
			if err != nil {
				return err
			}
			found = ok
			if ok {
				value = entry.Value
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !found {
			return textResponse(http.StatusNotFound, "not found"), nil
		}
		return binaryResponse(http.StatusOK, value), nil
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		err = store.RunTransaction(ctx, ns, func(ctx context.Context, txn *durableobject.Txn) error {
			return txn.Put(ctx, key, kvstore.Entry{Value: body})
		})
		if err != nil {
			return nil, err
		}
		return textResponse(http.StatusNoContent, ""), nil
	case http.MethodDelete:
		err := store.RunTransaction(ctx, ns, func(ctx context.Context, txn *durableobject.Txn) error {
			return txn.Delete(ctx, key)
		})
		if err != nil {
			return nil, err
		}
		return textResponse(http.StatusNoContent, ""), nil
	default:
		return textResponse(http.StatusMethodNotAllowed, "method not allowed"), nil
	}
}
