// Package filestore implements the file-system storage substrate backend
// of section 4.1: each key maps to a file under a root directory, with
// an optional JSON metadata sidecar and a co-located SQLite database for
// SQL-needing callers.
package filestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
)

// ErrTraversal is returned when a resolved path would escape root.
var ErrTraversal = kvstore.Error.New("ERR_TRAVERSAL")

// ErrNamespaceKeyChild is returned when a key's parent path already
// names a key file.
var ErrNamespaceKeyChild = kvstore.Error.New("ERR_NAMESPACE_KEY_CHILD")

type metaFile struct {
	Key        string           `json:"key"`
	Expiration int64            `json:"expiration,omitempty"`
	Metadata   kvstore.Metadata `json:"metadata,omitempty"`
}

// Store is the file-backend. Sanitisation of keys into path-safe names
// is optional: read-only mount points may disable it.
type Store struct {
	mu       sync.Mutex
	root     string
	sanitise bool
	clock    kvstore.Clock
	sqlDB    *sql.DB
}

// New opens (creating if needed) a file-backed store rooted at root.
func New(root string, sanitise bool, clock kvstore.Clock) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, kvstore.Error.Wrap(err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(root+".sqlite"))
	if err != nil {
		return nil, kvstore.Error.Wrap(err)
	}
	return &Store{root: root, sanitise: sanitise, clock: clock, sqlDB: db}, nil
}

func (s *Store) SQL() *sql.DB { return s.sqlDB }

func (s *Store) nowSeconds() int64 { return s.clock() / 1000 }

// sanitiseKey replaces path-unsafe characters; the mapping is
// reversible because the original key is kept in the meta sidecar.
func (s *Store) sanitiseKey(key string) string {
	if !s.sanitise {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Store) resolve(key string) (string, error) {
	rel := s.sanitiseKey(key)
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(s.root)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return "", ErrTraversal
	}
	return full, nil
}

func (s *Store) metaPath(full string) string { return full + ".meta.json" }

func (s *Store) readMeta(full string) (metaFile, bool) {
	b, err := os.ReadFile(s.metaPath(full))
	if err != nil {
		return metaFile{}, false
	}
	var m metaFile
	if json.Unmarshal(b, &m) != nil {
		return metaFile{}, false
	}
	return m, true
}

func (s *Store) Has(ctx context.Context, key kvstore.Key) (bool, error) {
	_, ok, err := s.Head(ctx, key)
	return ok, err
}

func (s *Store) Head(ctx context.Context, key kvstore.Key) (kvstore.Head, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	full, err := s.resolve(string(key))
	if err != nil {
		return kvstore.Head{}, false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return kvstore.Head{}, false, nil
	}
	if info.IsDir() {
		return kvstore.Head{}, false, nil
	}
	m, _ := s.readMeta(full)
	if m.Expiration != 0 && s.nowSeconds() >= m.Expiration {
		s.removeLocked(full)
		return kvstore.Head{}, false, nil
	}
	return kvstore.Head{Expiration: m.Expiration, Metadata: m.Metadata}, true, nil
}

func (s *Store) removeLocked(full string) {
	_ = os.Remove(full)
	_ = os.Remove(s.metaPath(full))
}

func (s *Store) Get(ctx context.Context, key kvstore.Key, skipMetadata bool) (kvstore.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	full, err := s.resolve(string(key))
	if err != nil {
		return kvstore.Entry{}, false, err
	}
	m, hasMeta := s.readMeta(full)
	if hasMeta && m.Expiration != 0 && s.nowSeconds() >= m.Expiration {
		s.removeLocked(full)
		return kvstore.Entry{}, false, nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return kvstore.Entry{}, false, nil
		}
		return kvstore.Entry{}, false, kvstore.Error.Wrap(err)
	}
	out := kvstore.Entry{Value: data, Expiration: m.Expiration}
	if !skipMetadata {
		out.Metadata = m.Metadata
	}
	return out, true, nil
}

func (s *Store) GetRange(ctx context.Context, key kvstore.Key, r kvstore.RangeSpec) (kvstore.RangeEntry, bool, error) {
	s.mu.Lock()
	full, err := s.resolve(string(key))
	s.mu.Unlock()
	if err != nil {
		return kvstore.RangeEntry{}, false, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return kvstore.RangeEntry{}, false, nil
		}
		return kvstore.RangeEntry{}, false, kvstore.Error.Wrap(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return kvstore.RangeEntry{}, false, kvstore.Error.Wrap(err)
	}
	m, _ := s.readMeta(full)
	if m.Expiration != 0 && s.nowSeconds() >= m.Expiration {
		return kvstore.RangeEntry{}, false, nil
	}

	offset, length, err := kvstore.ResolveRange(r, info.Size())
	if err != nil {
		return kvstore.RangeEntry{}, false, err
	}
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return kvstore.RangeEntry{}, false, kvstore.Error.Wrap(err)
	}
	return kvstore.RangeEntry{
		Entry:       kvstore.Entry{Value: buf, Expiration: m.Expiration, Metadata: m.Metadata},
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
	full, err := s.resolve(string(key))
	if err != nil {
		return err
	}
	parent := filepath.Dir(full)
	if info, err := os.Stat(parent); err == nil && !info.IsDir() {
		return ErrNamespaceKeyChild
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return kvstore.Error.Wrap(err)
	}
	if err := os.WriteFile(full, entry.Value, 0o644); err != nil {
		return kvstore.Error.Wrap(err)
	}
	if entry.Expiration != 0 || len(entry.Metadata) > 0 {
		mb, err := json.Marshal(metaFile{Key: string(key), Expiration: entry.Expiration, Metadata: entry.Metadata})
		if err != nil {
			return kvstore.Error.Wrap(err)
		}
		if err := os.WriteFile(s.metaPath(full), mb, 0o644); err != nil {
			return kvstore.Error.Wrap(err)
		}
	} else {
		_ = os.Remove(s.metaPath(full))
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key kvstore.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	full, err := s.resolve(string(key))
	if err != nil {
		return false, err
	}
	m, hasMeta := s.readMeta(full)
	if _, err := os.Stat(full); err != nil {
		return false, nil
	}
	expired := hasMeta && m.Expiration != 0 && s.nowSeconds() >= m.Expiration
	s.removeLocked(full)
	return !expired, nil
}

func (s *Store) List(ctx context.Context, opts kvstore.ListOptions, skipMetadata bool) (kvstore.ListResult, error) {
	s.mu.Lock()
	now := s.nowSeconds()
	var keys []kvstore.ListedKey
	_ = filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasSuffix(path, ".meta.json") {
			return nil
		}
		m, hasMeta := s.readMeta(path)
		if hasMeta && m.Expiration != 0 && now >= m.Expiration {
			return nil
		}
		name := m.Key
		if name == "" {
			rel, _ := filepath.Rel(s.root, path)
			name = filepath.ToSlash(rel)
		}
		lk := kvstore.ListedKey{Name: name, Expiration: m.Expiration}
		if !skipMetadata {
			lk.Metadata = m.Metadata
		}
		keys = append(keys, lk)
		return nil
	})
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

func (s *Store) Close() error { return s.sqlDB.Close() }
