// Package memstore implements the in-memory storage substrate backend
// of section 4.1: a plain key map plus an embedded SQLite handle at
// ":memory:" for callers (R2, DO) that need SQL.
package memstore

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
)

// Store is the in-memory backend. It is safe for concurrent callers at
// single-operation granularity (section 4.1 "Backends" closing note).
type Store struct {
	mu    sync.RWMutex
	data  map[string]kvstore.Entry
	clock kvstore.Clock
	sqlDB *sql.DB
}

// New creates an in-memory store. clock returns unix-millis; pass
// time-based clock in production, a fake one in tests.
func New(clock kvstore.Clock) (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, kvstore.Error.Wrap(err)
	}
	return &Store{
		data:  make(map[string]kvstore.Entry),
		clock: clock,
		sqlDB: db,
	}, nil
}

// SQL exposes the embedded SQL handle for SQL-needing callers (R2,
// durable object backends layered on this store).
func (s *Store) SQL() *sql.DB { return s.sqlDB }

func (s *Store) nowSeconds() int64 { return s.clock() / 1000 }

func (s *Store) expiredLocked(key string) bool {
	e, ok := s.data[key]
	return ok && e.HasExpired(s.nowSeconds())
}

// lazyDeleteLocked removes an expired entry if present; caller holds s.mu.
func (s *Store) lazyDeleteLocked(key string) {
	if s.expiredLocked(key) {
		delete(s.data, key)
	}
}

func (s *Store) Has(ctx context.Context, key kvstore.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lazyDeleteLocked(string(key))
	_, ok := s.data[string(key)]
	return ok, nil
}

func (s *Store) Head(ctx context.Context, key kvstore.Key) (kvstore.Head, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lazyDeleteLocked(string(key))
	e, ok := s.data[string(key)]
	if !ok {
		return kvstore.Head{}, false, nil
	}
	return kvstore.Head{Expiration: e.Expiration, Metadata: kvstore.CloneMetadata(e.Metadata)}, true, nil
}

func (s *Store) Get(ctx context.Context, key kvstore.Key, skipMetadata bool) (kvstore.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lazyDeleteLocked(string(key))
	e, ok := s.data[string(key)]
	if !ok {
		return kvstore.Entry{}, false, nil
	}
	out := kvstore.Entry{Value: kvstore.CloneBytes(e.Value), Expiration: e.Expiration}
	if !skipMetadata {
		out.Metadata = kvstore.CloneMetadata(e.Metadata)
	}
	return out, true, nil
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
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = kvstore.Entry{
		Value:      kvstore.CloneBytes(entry.Value),
		Expiration: entry.Expiration,
		Metadata:   kvstore.CloneMetadata(entry.Metadata),
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key kvstore.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lazyDeleteLocked(string(key))
	_, ok := s.data[string(key)]
	if ok {
		delete(s.data, string(key))
	}
	return ok, nil
}

func (s *Store) List(ctx context.Context, opts kvstore.ListOptions, skipMetadata bool) (kvstore.ListResult, error) {
	s.mu.Lock()
	now := s.nowSeconds()
	keys := make([]kvstore.ListedKey, 0, len(s.data))
	for k, e := range s.data {
		if e.HasExpired(now) {
			continue
		}
		lk := kvstore.ListedKey{Name: k, Expiration: e.Expiration}
		if !skipMetadata {
			lk.Metadata = kvstore.CloneMetadata(e.Metadata)
		}
		keys = append(keys, lk)
	}
	s.mu.Unlock()

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
	for i, k := range keys {
		if err := s.Put(ctx, k, entries[i]); err != nil {
			return err
		}
	}
	return nil
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
	s.mu.RLock()
	now := s.nowSeconds()
	type kv struct {
		k string
		e kvstore.Entry
	}
	snapshot := make([]kv, 0, len(s.data))
	for k, e := range s.data {
		if e.HasExpired(now) {
			continue
		}
		snapshot = append(snapshot, kv{k, e})
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].k < snapshot[j].k })
	for _, item := range snapshot {
		if err := fn(ctx, []byte(item.k), item.e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.sqlDB.Close()
}
