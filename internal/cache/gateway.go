// Package cache implements the Cache Gateway of section 4.4: an HTTP
// response cache keyed by request fingerprint, with conditional
// semantics and range responses. A stored response's Vary header is
// not consulted when matching.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/zeebo/errs"

	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
)

// Error is the class for cache gateway failures.
var Error = errs.Class("cache")

// cacheableStatuses is the cacheable status set of section 4.4.
var cacheableStatuses = map[int]bool{
	200: true, 203: true, 204: true, 206: true,
	300: true, 301: true, 404: true, 405: true, 410: true, 414: true, 501: true,
}

// StoredResponse is the storedResponse half of a CacheEntry (section 3).
type StoredResponse struct {
	Status  int
	Header  http.Header
	Body    []byte
	StoredAt  int64 // unix-seconds
	ExpiresAt int64 // unix-seconds
}

// Gateway is a named (or default) cache instance.
type Gateway struct {
	name    string
	clock   kvstore.Clock
	disabled bool

	substrate kvstore.Store
	warnOnce  bool
	onWarn    func(msg string)
}

// New constructs a Cache Gateway named name, persisting entries to
// substrate. disabled models the "global option disables caching
// entirely" knob of section 4.4.
func New(name string, substrate kvstore.Store, clock kvstore.Clock, disabled bool, onWarn func(string)) *Gateway {
	return &Gateway{name: name, substrate: substrate, clock: clock, disabled: disabled, onWarn: onWarn}
}

// Fingerprint computes the requestKey of section 4.4: method + url +
// an optional per-put override cache key.
func Fingerprint(method, url, overrideKey string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(overrideKey))
	return hex.EncodeToString(h.Sum(nil))
}

// Match implements the section 4.4 "Match policy": GET-only lookup,
// conditional evaluation, and range handling. ok is false on a miss.
func (g *Gateway) Match(req *http.Request, cacheKeyOverride string) (status int, header http.Header, body []byte, ok bool, err error) {
	if g.disabled || req.Method != http.MethodGet {
		return 0, nil, nil, false, nil
	}
	fp := Fingerprint(req.Method, req.URL.String(), cacheKeyOverride)
	stored, found, err := g.load(req.Context(), fp)
	if err != nil || !found {
		return 0, nil, nil, false, err
	}
	if g.clock()/1000 >= stored.ExpiresAt {
		return 0, nil, nil, false, nil
	}

	if inm := req.Header.Get("If-None-Match"); inm != "" {
		if etagListMatches(inm, stored.Header.Get("ETag")) {
			h := cloneHeader(stored.Header)
			h.Set("CF-Cache-Status", "HIT")
			return http.StatusNotModified, h, nil, true, nil
		}
	} else if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		if notModifiedSince(ims, stored.Header.Get("Last-Modified")) {
			h := cloneHeader(stored.Header)
			h.Set("CF-Cache-Status", "HIT")
			return http.StatusNotModified, h, nil, true, nil
		}
	}

	if rangeHeader := req.Header.Get("Range"); rangeHeader != "" {
		return g.matchRange(stored, rangeHeader)
	}

	h := cloneHeader(stored.Header)
	h.Set("CF-Cache-Status", "HIT")
	h.Set("Content-Length", strconv.Itoa(len(stored.Body)))
	return stored.Status, h, stored.Body, true, nil
}

func (g *Gateway) matchRange(stored StoredResponse, rangeHeader string) (int, http.Header, []byte, bool, error) {
	ranges, err := parseByteRanges(rangeHeader, int64(len(stored.Body)))
	if err != nil {
		h := cloneHeader(stored.Header)
		h.Set("CF-Cache-Status", "HIT")
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", len(stored.Body)))
		return http.StatusRequestedRangeNotSatisfiable, h, nil, true, nil
	}

	h := cloneHeader(stored.Header)
	h.Set("CF-Cache-Status", "HIT")

	if len(ranges) == 1 {
		r := ranges[0]
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.start, r.end, len(stored.Body)))
		body := stored.Body[r.start : r.end+1]
		h.Set("Content-Length", strconv.Itoa(len(body)))
		return http.StatusPartialContent, h, body, true, nil
	}

	boundary := "MINIFLARE_BYTERANGES"
	var buf bytes.Buffer
	contentType := stored.Header.Get("Content-Type")
	for _, r := range ranges {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		if contentType != "" {
			fmt.Fprintf(&buf, "Content-Type: %s\r\n", contentType)
		}
		fmt.Fprintf(&buf, "Content-Range: bytes %d-%d/%d\r\n\r\n", r.start, r.end, len(stored.Body))
		buf.Write(stored.Body[r.start : r.end+1])
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	h.Set("Content-Type", "multipart/byteranges; boundary="+boundary)
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	return http.StatusPartialContent, h, buf.Bytes(), true, nil
}

// Put implements the section 4.4 "Put policy" and "TTL resolution".
func (g *Gateway) Put(req *http.Request, status int, header http.Header, body []byte, cacheKeyOverride string) error {
	if g.disabled {
		return nil
	}
	if g.onWarn != nil && !g.warnOnce {
		g.warnOnce = true
		g.onWarn("cache used on a non-custom subdomain; responses may not be cached in production the same way")
	}
	if req.Method != http.MethodGet {
		return nil
	}
	if !cacheableStatuses[status] {
		return nil
	}

	cc := parseCacheControl(header.Get("Cache-Control"))
	if v, ok := cc["private"]; ok && v == "" {
		return nil
	}
	if hasDirective(cc, "no-store") || hasDirective(cc, "no-cache") {
		return nil
	}
	if header.Get("Set-Cookie") != "" && cc["private"] != "set-cookie" {
		return nil
	}

	ttl := resolveTTL(cc, header.Get("Expires"), g.clock())
	if ttl <= 0 {
		return nil
	}

	now := g.clock() / 1000
	storedAt := now
	if age := header.Get("Age"); age != "" {
		if a, err := strconv.ParseInt(age, 10, 64); err == nil {
			storedAt -= a
		}
	}

	stored := StoredResponse{
		Status:    status,
		Header:    cloneHeader(header),
		Body:      body,
		StoredAt:  storedAt,
		ExpiresAt: now + ttl,
	}
	fp := Fingerprint(req.Method, req.URL.String(), cacheKeyOverride)
	return g.save(req.Context(), fp, stored)
}

// Delete removes the entry for fingerprint(method, url, cacheKeyOverride).
func (g *Gateway) Delete(ctx context.Context, method, url, cacheKeyOverride string) (bool, error) {
	fp := Fingerprint(method, url, cacheKeyOverride)
	return g.substrate.Delete(ctx, []byte(g.name+":"+fp))
}

func resolveTTL(cc map[string]string, expiresHeader string, nowMillis int64) int64 {
	if v, ok := cc["s-maxage"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if v, ok := cc["max-age"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if expiresHeader != "" {
		if t, err := http.ParseTime(expiresHeader); err == nil {
			ttl := t.Unix() - nowMillis/1000
			if ttl > 0 {
				return ttl
			}
		}
	}
	return 0
}

func parseCacheControl(header string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		name := strings.ToLower(strings.TrimSpace(kv[0]))
		val := ""
		if len(kv) == 2 {
			val = strings.Trim(strings.TrimSpace(kv[1]), `"`)
		}
		out[name] = val
	}
	return out
}

func hasDirective(cc map[string]string, name string) bool {
	_, ok := cc[name]
	return ok
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// etagListMatches implements If-None-Match comparison: comma-separated
// list, weak-or-strong, "*" matches anything cached.
func etagListMatches(header, storedETag string) bool {
	header = strings.TrimSpace(header)
	if header == "*" {
		return storedETag != ""
	}
	for _, tag := range splitETagList(header) {
		if etagsEqual(tag, storedETag) {
			return true
		}
	}
	return false
}

func splitETagList(header string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range header {
		switch r {
		case '"':
			depth = 1 - depth
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(header[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, strings.TrimSpace(header[start:]))
	return out
}

func etagsEqual(a, b string) bool {
	return strings.TrimPrefix(a, "W/") == strings.TrimPrefix(b, "W/")
}

func notModifiedSince(ifModifiedSince, lastModified string) bool {
	if lastModified == "" {
		return false
	}
	ims, err1 := http.ParseTime(ifModifiedSince)
	lm, err2 := http.ParseTime(lastModified)
	if err1 != nil || err2 != nil {
		return false
	}
	return !lm.After(ims)
}

type byteRange struct{ start, end int64 }

// parseByteRanges parses an RFC 7233 Range header against a value of
// the given size, per section 4.4's use of the same byte-range rules
// as ordinary HTTP range responses.
func parseByteRanges(header string, size int64) ([]byteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, Error.New("unsupported range unit")
	}
	var out []byteRange
	for _, spec := range strings.Split(header[len(prefix):], ",") {
		spec = strings.TrimSpace(spec)
		dash := strings.IndexByte(spec, '-')
		if dash < 0 {
			return nil, Error.New("invalid range spec")
		}
		var start, end int64
		if spec[:dash] == "" {
			suffix, err := strconv.ParseInt(spec[dash+1:], 10, 64)
			if err != nil || suffix <= 0 {
				return nil, Error.New("invalid suffix range")
			}
			if suffix > size {
				suffix = size
			}
			start = size - suffix
			end = size - 1
		} else {
			s, err := strconv.ParseInt(spec[:dash], 10, 64)
			if err != nil || s >= size {
				return nil, Error.New("invalid range start")
			}
			start = s
			if spec[dash+1:] == "" {
				end = size - 1
			} else {
				e, err := strconv.ParseInt(spec[dash+1:], 10, 64)
				if err != nil || e < start {
					return nil, Error.New("invalid range end")
				}
				end = e
				if end > size-1 {
					end = size - 1
				}
			}
		}
		out = append(out, byteRange{start, end})
	}
	if len(out) == 0 {
		return nil, Error.New("no satisfiable ranges")
	}
	return out, nil
}

func (g *Gateway) load(ctx context.Context, fingerprint string) (StoredResponse, bool, error) {
	entry, ok, err := g.substrate.Get(ctx, []byte(g.name+":"+fingerprint), false)
	if err != nil || !ok {
		return StoredResponse{}, false, err
	}
	return decodeStoredResponse(entry)
}

func (g *Gateway) save(ctx context.Context, fingerprint string, stored StoredResponse) error {
	entry := encodeStoredResponse(stored)
	return g.substrate.Put(ctx, []byte(g.name+":"+fingerprint), entry)
}
