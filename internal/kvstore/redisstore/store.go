// Package redisstore implements the optional "Remote/Redis-like"
// storage substrate backend of section 4.1: separate value and
// metadata keys under a namespace prefix, pipelined head/get, and a
// server-side scan with local reapplication of the filter/sort/
// paginate pipeline since server ordering isn't guaranteed.
package redisstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
)

// Store is a go-redis-backed substrate, namespaced so multiple gateways
// can share one Redis instance.
type Store struct {
	client    *redis.Client
	namespace string
	clock     kvstore.Clock
}

// New wires a redis.Client under the given namespace prefix.
func New(client *redis.Client, namespace string, clock kvstore.Clock) *Store {
	return &Store{client: client, namespace: namespace, clock: clock}
}

func (s *Store) valueKey(key string) string { return s.namespace + ":v:" + key }
func (s *Store) metaKey(key string) string  { return s.namespace + ":m:" + key }

type metaPayload struct {
	Expiration int64            `json:"expiration,omitempty"`
	Metadata   kvstore.Metadata `json:"metadata,omitempty"`
}

func (s *Store) Has(ctx context.Context, key kvstore.Key) (bool, error) {
	_, ok, err := s.Head(ctx, key)
	return ok, err
}

// Head, like Get, re-validates Expiration against the injected clock
// rather than trusting Redis's own TTL expiry alone: the substrate
// contract's expiration-visibility invariant (section 8 "if now >=
// expiration, get/has/head/list do not observe the entry") must hold
// under a fake clock the real Redis server's wall clock knows nothing
// about.
func (s *Store) Head(ctx context.Context, key kvstore.Key) (kvstore.Head, bool, error) {
	pipe := s.client.Pipeline()
	getVal := pipe.Get(ctx, s.valueKey(string(key)))
	getMeta := pipe.Get(ctx, s.metaKey(string(key)))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return kvstore.Head{}, false, kvstore.Error.Wrap(err)
	}
	if getVal.Err() == redis.Nil {
		return kvstore.Head{}, false, nil
	}
	m := decodeMeta(getMeta)
	if m.Expiration != 0 && s.clock()/1000 >= m.Expiration {
		return kvstore.Head{}, false, nil
	}
	return kvstore.Head{Expiration: m.Expiration, Metadata: m.Metadata}, true, nil
}

func (s *Store) Get(ctx context.Context, key kvstore.Key, skipMetadata bool) (kvstore.Entry, bool, error) {
	pipe := s.client.Pipeline()
	getVal := pipe.Get(ctx, s.valueKey(string(key)))
	getMeta := pipe.Get(ctx, s.metaKey(string(key)))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return kvstore.Entry{}, false, kvstore.Error.Wrap(err)
	}
	if getVal.Err() == redis.Nil {
		return kvstore.Entry{}, false, nil
	}
	val, err := getVal.Bytes()
	if err != nil {
		return kvstore.Entry{}, false, kvstore.Error.Wrap(err)
	}
	m := decodeMeta(getMeta)
	if m.Expiration != 0 && s.clock()/1000 >= m.Expiration {
		return kvstore.Entry{}, false, nil
	}
	e := kvstore.Entry{Value: val, Expiration: m.Expiration}
	if !skipMetadata {
		e.Metadata = m.Metadata
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
	var ttl time.Duration
	if entry.Expiration != 0 {
		secs := entry.Expiration - s.clock()/1000
		if secs < 0 {
			secs = 0
		}
		ttl = time.Duration(secs) * time.Second
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.valueKey(string(key)), entry.Value, ttl)
	mb, err := json.Marshal(metaPayload{Expiration: entry.Expiration, Metadata: entry.Metadata})
	if err != nil {
		return kvstore.Error.Wrap(err)
	}
	pipe.Set(ctx, s.metaKey(string(key)), mb, ttl)
	_, err = pipe.Exec(ctx)
	return kvstore.Error.Wrap(err)
}

func (s *Store) Delete(ctx context.Context, key kvstore.Key) (bool, error) {
	pipe := s.client.Pipeline()
	delVal := pipe.Del(ctx, s.valueKey(string(key)))
	pipe.Del(ctx, s.metaKey(string(key)))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, kvstore.Error.Wrap(err)
	}
	return delVal.Val() > 0, nil
}

func (s *Store) List(ctx context.Context, opts kvstore.ListOptions, skipMetadata bool) (kvstore.ListResult, error) {
	prefix := s.namespace + ":v:"
	var cursor uint64
	var keys []kvstore.ListedKey
	for {
		var scanKeys []string
		var err error
		scanKeys, cursor, err = s.client.Scan(ctx, cursor, prefix+"*", 1000).Result()
		if err != nil {
			return kvstore.ListResult{}, kvstore.Error.Wrap(err)
		}
		for _, sk := range scanKeys {
			name := strings.TrimPrefix(sk, prefix)
			m, ok, err := s.Head(ctx, []byte(name))
			if err != nil || !ok {
				continue
			}
			lk := kvstore.ListedKey{Name: name, Expiration: m.Expiration}
			if !skipMetadata {
				lk.Metadata = m.Metadata
			}
			keys = append(keys, lk)
		}
		if cursor == 0 {
			break
		}
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

func (s *Store) Close() error { return s.client.Close() }

func decodeMeta(cmd *redis.StringCmd) metaPayload {
	if cmd.Err() != nil {
		return metaPayload{}
	}
	var m metaPayload
	_ = json.Unmarshal([]byte(cmd.Val()), &m)
	return m
}
