// Package kvstore defines the storage substrate contract shared by every
// backend (memory, file, embedded SQL, remote). It is the uniform
// get/put/delete/list/head/range abstraction of section 4.1.
package kvstore

import (
	"context"
	"encoding/base64"
	"sort"

	"github.com/zeebo/errs"
)

// Error is the class for all kvstore-level failures.
var Error = errs.Class("kvstore")

// ErrKeyNotFound is returned when a key has no live entry.
var ErrKeyNotFound = Error.New("key not found")

// Key is a UTF-8 string key, at most 1024 bytes, no unpaired surrogates.
type Key = []byte

// Value is an opaque byte value.
type Value = []byte

// Clock returns the current time in unix milliseconds. Tests inject a
// fake clock; production wires time.Now.
type Clock func() int64

// Metadata is an arbitrary JSON-serializable tree.
type Metadata = map[string]interface{}

// Entry is a StoredEntry: value plus optional expiration and metadata.
type Entry struct {
	Value      Value
	Expiration int64 // unix-seconds, 0 = no expiration
	Metadata   Metadata
}

// HasExpired reports whether now (unix-seconds) has passed Expiration.
func (e Entry) HasExpired(nowSeconds int64) bool {
	return e.Expiration != 0 && nowSeconds >= e.Expiration
}

// Head is the metadata-only projection of an Entry.
type Head struct {
	Expiration int64
	Metadata   Metadata
}

// RangeSpec describes a byte range request against a stored value.
type RangeSpec struct {
	Offset *int64
	Length *int64
	Suffix *int64
}

// RangeEntry is a RangeStoredEntry: an Entry restricted to a byte window.
type RangeEntry struct {
	Entry
	RangeOffset int64
	RangeLength int64
}

// ListOptions controls the filter/sort/paginate pipeline of section 4.1(e).
type ListOptions struct {
	Prefix    string
	Start     string
	End       string
	Reverse   bool
	Delimiter string
	Cursor    string
	Limit     int
}

// ListedKey is one row of a listing result.
type ListedKey struct {
	Name       string
	Expiration int64
	Metadata   Metadata
}

// ListResult is the Listing result of section 3.
type ListResult struct {
	Keys              []ListedKey
	Cursor            string
	DelimitedPrefixes []string
}

// EncodeCursor returns the opaque base64 cursor for a key name.
func EncodeCursor(name string) string {
	if name == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(name))
}

// DecodeCursor reverses EncodeCursor; an empty cursor decodes to "".
func DecodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return string(b), nil
}

// Store is the substrate contract every backend implements.
type Store interface {
	Has(ctx context.Context, key Key) (bool, error)
	Head(ctx context.Context, key Key) (Head, bool, error)
	Get(ctx context.Context, key Key, skipMetadata bool) (Entry, bool, error)
	GetRange(ctx context.Context, key Key, r RangeSpec) (RangeEntry, bool, error)
	Put(ctx context.Context, key Key, entry Entry) error
	Delete(ctx context.Context, key Key) (bool, error)
	List(ctx context.Context, opts ListOptions, skipMetadata bool) (ListResult, error)

	GetMany(ctx context.Context, keys []Key) ([]Entry, []bool, error)
	PutMany(ctx context.Context, keys []Key, entries []Entry) error
	DeleteMany(ctx context.Context, keys []Key) ([]bool, error)
	HasMany(ctx context.Context, keys []Key) ([]bool, error)

	// Range walks every live key in lexicographic order. The file, SQL
	// and redis-like backends implement it on top of their own List.
	Range(ctx context.Context, fn func(ctx context.Context, key Key, entry Entry) error) error

	Close() error
}

// Transactioner is implemented by backends that support the OCC
// transaction wrapper of section 4.2 (mandatory for the DO backend,
// optional elsewhere).
type Transactioner interface {
	Transaction(ctx context.Context, fn func(ctx context.Context, op Store) error) error
}

// ApplyListPipeline implements the fixed filter/sort/paginate/cursor
// pipeline of section 4.1(e), shared by every substrate backend
// (memory, file, SQL, remote/redis-like) and by the R2 gateway's list.
func ApplyListPipeline(keys []ListedKey, opts ListOptions) (ListResult, error) {
	filtered := keys[:0:0]
	for _, k := range keys {
		if opts.Prefix != "" && !hasPrefix(k.Name, opts.Prefix) {
			continue
		}
		if opts.Start != "" && k.Name < opts.Start {
			continue
		}
		if opts.End != "" && k.Name >= opts.End {
			continue
		}
		filtered = append(filtered, k)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if opts.Reverse {
			return filtered[i].Name > filtered[j].Name
		}
		return filtered[i].Name < filtered[j].Name
	})

	cursorKey, err := DecodeCursor(opts.Cursor)
	if err != nil {
		return ListResult{}, err
	}
	start := 0
	if cursorKey != "" {
		for i, k := range filtered {
			if k.Name == cursorKey {
				start = i + 1
				break
			}
			// cursor key itself may have expired/been deleted; skip
			// past everything not-yet-greater in the active order.
			if (!opts.Reverse && k.Name > cursorKey) || (opts.Reverse && k.Name < cursorKey) {
				start = i
				break
			}
			start = i + 1
		}
	}
	filtered = filtered[start:]

	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}

	result := ListResult{}
	var lastEmitted string
	i := 0
	for i < len(filtered) {
		k := filtered[i]
		if opts.Delimiter != "" {
			rest := k.Name[len(opts.Prefix):]
			if idx := indexOf(rest, opts.Delimiter); idx >= 0 {
				groupPrefix := opts.Prefix + rest[:idx+len(opts.Delimiter)]
				result.DelimitedPrefixes = append(result.DelimitedPrefixes, groupPrefix)
				lastEmitted = groupPrefix
				// swallow every key sharing this delimited prefix
				for i < len(filtered) && hasPrefix(filtered[i].Name, groupPrefix) {
					i++
				}
				if len(result.Keys)+len(result.DelimitedPrefixes) >= limit {
					break
				}
				continue
			}
		}
		result.Keys = append(result.Keys, k)
		lastEmitted = k.Name
		i++
		if len(result.Keys)+len(result.DelimitedPrefixes) >= limit {
			break
		}
	}

	if i < len(filtered) {
		result.Cursor = EncodeCursor(lastEmitted)
	}
	return result, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// ResolveRange implements the offset/length/suffix resolution of
// section 4.1 "Range parsing" against a value of size S.
func ResolveRange(spec RangeSpec, size int64) (offset, length int64, err error) {
	if spec.Suffix != nil {
		suffix := *spec.Suffix
		if suffix <= 0 {
			return 0, 0, Error.New("Suffix must be > 0")
		}
		if suffix > size {
			suffix = size
		}
		return size - suffix, suffix, nil
	}

	offset = 0
	if spec.Offset != nil {
		offset = *spec.Offset
	}
	if offset < 0 {
		return 0, 0, Error.New("offset must be >= 0")
	}
	if offset > size {
		return 0, 0, Error.New("offset exceeds value size")
	}

	length = size - offset
	if spec.Length != nil {
		length = *spec.Length
	}
	if length <= 0 {
		return 0, 0, Error.New("length must be > 0")
	}
	if offset+length > size {
		length = size - offset
	}
	return offset, length, nil
}
