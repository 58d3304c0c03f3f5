// Package sqlstore implements the storage substrate over any
// database/sql driver (sqlite3 embedded, or Postgres via lib/pq),
// giving the substrate contract an "embedded SQL" backend as described
// in section 4.1. The R2 gateway does not use it; it keeps its own
// metadata tables (see r2.Migrate).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
)

// Store is a database/sql-backed substrate. One instance owns one
// table named kv_entries.
type Store struct {
	db       *sql.DB
	clock    kvstore.Clock
	postgres bool
}

// Open opens driverName/dataSourceName and ensures the kv_entries table
// exists. driverName is "sqlite3" for the embedded case or "postgres"
// for the remote/SQL case.
func Open(driverName, dataSourceName string, clock kvstore.Clock) (*Store, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, kvstore.Error.Wrap(err)
	}
	s := &Store{db: db, clock: clock, postgres: driverName == "postgres"}
	if _, err := db.Exec(s.q(`CREATE TABLE IF NOT EXISTS kv_entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expiration INTEGER NOT NULL DEFAULT 0,
		metadata TEXT
	)`)); err != nil {
		return nil, kvstore.Error.Wrap(err)
	}
	return s, nil
}

// q rewrites "?" placeholders to Postgres-style "$N" when the store is
// opened against the lib/pq driver; sqlite3 takes "?" as-is.
func (s *Store) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) nowSeconds() int64 { return s.clock() / 1000 }

func (s *Store) Has(ctx context.Context, key kvstore.Key) (bool, error) {
	h, ok, err := s.Head(ctx, key)
	_ = h
	return ok, err
}

func (s *Store) Head(ctx context.Context, key kvstore.Key) (kvstore.Head, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT expiration, metadata FROM kv_entries WHERE key = ?`), string(key))
	var expiration int64
	var metaJSON sql.NullString
	if err := row.Scan(&expiration, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return kvstore.Head{}, false, nil
		}
		return kvstore.Head{}, false, kvstore.Error.Wrap(err)
	}
	if expiration != 0 && s.nowSeconds() >= expiration {
		_, _ = s.db.ExecContext(ctx, s.q(`DELETE FROM kv_entries WHERE key = ?`), string(key))
		return kvstore.Head{}, false, nil
	}
	return kvstore.Head{Expiration: expiration, Metadata: decodeMeta(metaJSON)}, true, nil
}

func (s *Store) Get(ctx context.Context, key kvstore.Key, skipMetadata bool) (kvstore.Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT value, expiration, metadata FROM kv_entries WHERE key = ?`), string(key))
	var value []byte
	var expiration int64
	var metaJSON sql.NullString
	if err := row.Scan(&value, &expiration, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return kvstore.Entry{}, false, nil
		}
		return kvstore.Entry{}, false, kvstore.Error.Wrap(err)
	}
	if expiration != 0 && s.nowSeconds() >= expiration {
		_, _ = s.db.ExecContext(ctx, s.q(`DELETE FROM kv_entries WHERE key = ?`), string(key))
		return kvstore.Entry{}, false, nil
	}
	e := kvstore.Entry{Value: value, Expiration: expiration}
	if !skipMetadata {
		e.Metadata = decodeMeta(metaJSON)
	}
	return e, true, nil
}

func (s *Store) GetRange(ctx context.Context, key kvstore.Key, r kvstore.RangeSpec) (kvstore.RangeEntry, bool, error) {
	entry, ok, err := s.Get(ctx, key, false)
	if err != nil || !ok {
		return kvstore.RangeEntry{}, ok, err
	}
	offset, length, err := kvstore.ResolveRange(r, int64(len(entry.Value)))
	if err != nil {
		return kvstore.RangeEntry{}, false, err
	}
	return kvstore.RangeEntry{
		Entry:       kvstore.Entry{Value: entry.Value[offset : offset+length], Expiration: entry.Expiration, Metadata: entry.Metadata},
		RangeOffset: offset,
		RangeLength: length,
	}, true, nil
}

func (s *Store) Put(ctx context.Context, key kvstore.Key, entry kvstore.Entry) error {
	if err := kvstore.ValidateKey(string(key)); err != nil {
		return err
	}
	metaJSON, err := encodeMeta(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO kv_entries (key, value, expiration, metadata) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expiration = excluded.expiration, metadata = excluded.metadata`),
		string(key), entry.Value, entry.Expiration, metaJSON)
	if err != nil {
		return kvstore.Error.Wrap(err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key kvstore.Key) (bool, error) {
	_, existed, err := s.Head(ctx, key)
	if err != nil || !existed {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM kv_entries WHERE key = ?`), string(key))
	if err != nil {
		return false, kvstore.Error.Wrap(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) List(ctx context.Context, opts kvstore.ListOptions, skipMetadata bool) (kvstore.ListResult, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT key, expiration, metadata FROM kv_entries`))
	if err != nil {
		return kvstore.ListResult{}, kvstore.Error.Wrap(err)
	}
	defer rows.Close()

	now := s.nowSeconds()
	var keys []kvstore.ListedKey
	for rows.Next() {
		var name string
		var expiration int64
		var metaJSON sql.NullString
		if err := rows.Scan(&name, &expiration, &metaJSON); err != nil {
			return kvstore.ListResult{}, kvstore.Error.Wrap(err)
		}
		if expiration != 0 && now >= expiration {
			continue
		}
		lk := kvstore.ListedKey{Name: name, Expiration: expiration}
		if !skipMetadata {
			lk.Metadata = decodeMeta(metaJSON)
		}
		keys = append(keys, lk)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return kvstore.ApplyListPipeline(keys, opts)
}

func (s *Store) GetMany(ctx context.Context, keys []kvstore.Key) ([]kvstore.Entry, []bool, error) {
	entries := make([]kvstore.Entry, len(keys))
	oks := make([]bool, len(keys))
	for i, k := range keys {
		e, ok, err := s.Get(ctx, k, false)
		if err != nil {
			return nil, nil, err
		}
		entries[i], oks[i] = e, ok
	}
	return entries, oks, nil
}

func (s *Store) PutMany(ctx context.Context, keys []kvstore.Key, entries []kvstore.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kvstore.Error.Wrap(err)
	}
	for i, k := range keys {
		metaJSON, err := encodeMeta(entries[i].Metadata)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO kv_entries (key, value, expiration, metadata) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expiration = excluded.expiration, metadata = excluded.metadata`),
			string(k), entries[i].Value, entries[i].Expiration, metaJSON); err != nil {
			_ = tx.Rollback()
			return kvstore.Error.Wrap(err)
		}
	}
	return kvstore.Error.Wrap(tx.Commit())
}

func (s *Store) DeleteMany(ctx context.Context, keys []kvstore.Key) ([]bool, error) {
	oks := make([]bool, len(keys))
	for i, k := range keys {
		ok, err := s.Delete(ctx, k)
		if err != nil {
			return nil, err
		}
		oks[i] = ok
	}
	return oks, nil
}

func (s *Store) HasMany(ctx context.Context, keys []kvstore.Key) ([]bool, error) {
	oks := make([]bool, len(keys))
	for i, k := range keys {
		ok, err := s.Has(ctx, k)
		if err != nil {
			return nil, err
		}
		oks[i] = ok
	}
	return oks, nil
}

func (s *Store) Range(ctx context.Context, fn func(ctx context.Context, key kvstore.Key, entry kvstore.Entry) error) error {
	res, err := s.List(ctx, kvstore.ListOptions{Limit: 1 << 30}, false)
	if err != nil {
		return err
	}
	for _, lk := range res.Keys {
		e, ok, err := s.Get(ctx, []byte(lk.Name), false)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(ctx, []byte(lk.Name), e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func encodeMeta(m kvstore.Metadata) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, kvstore.Error.Wrap(err)
	}
	return string(b), nil
}

func decodeMeta(ns sql.NullString) kvstore.Metadata {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m kvstore.Metadata
	if json.Unmarshal([]byte(ns.String), &m) != nil {
		return nil
	}
	return m
}
