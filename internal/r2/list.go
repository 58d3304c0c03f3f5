package r2

import (
	"context"

	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
)

// ListOptions mirrors kvstore.ListOptions for the bucket.list() operation
// of section 4.5, with the same prefix/cursor/delimiter/limit semantics
// as KV listing (both go through kvstore.ApplyListPipeline).
type ListOptions struct {
	Prefix    string
	Cursor    string
	Delimiter string
	Limit     int
}

// ListResult is the Listing result of section 4.5's list() call.
type ListResult struct {
	Objects           []ObjectEntry
	Cursor            string
	DelimitedPrefixes []string
}

// List enumerates the bucket's objects, reusing the substrate's listing
// pipeline so cursors and delimited prefixes behave identically to the
// KV namespace.
func (g *Gateway) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT key, uploaded FROM r2_objects WHERE bucket = ? ORDER BY key`, g.bucket)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var keys []kvstore.ListedKey
	for rows.Next() {
		var name string
		var uploaded int64
		if err := rows.Scan(&name, &uploaded); err != nil {
			return nil, Error.Wrap(err)
		}
		keys = append(keys, kvstore.ListedKey{Name: name, Expiration: 0})
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	res, err := kvstore.ApplyListPipeline(keys, kvstore.ListOptions{
		Prefix:    opts.Prefix,
		Cursor:    opts.Cursor,
		Delimiter: opts.Delimiter,
		Limit:     opts.Limit,
	})
	if err != nil {
		return nil, err
	}

	out := &ListResult{Cursor: res.Cursor, DelimitedPrefixes: res.DelimitedPrefixes}
	for _, k := range res.Keys {
		entry, err := g.lookup(ctx, k.Name)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			out.Objects = append(out.Objects, *entry)
		}
	}
	return out, nil
}
