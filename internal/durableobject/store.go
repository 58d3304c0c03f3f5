// Package durableobject implements the multi-key optimistic-concurrency
// transactional store of section 4.2, layered over a kvstore.Store, plus
// the single-pending-alarm-per-namespace mechanism.
package durableobject

import (
	"context"
	"sync"

	"github.com/zeebo/errs"

	"github.com/cloudflare/miniflare-sub008/internal/gating"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
)

// Error is the class for durable-object store failures.
var Error = errs.Class("durableobject")

// ErrRolledBack is the programming-error kind of section 7: any
// operation on a rolled-back transaction fails with this.
var ErrRolledBack = Error.New("transaction has been rolled back")

// ringSize bounds the committed-transaction ring used for OCC
// validation (section 4.2 "a small ring (~16 entries)").
const ringSize = 16

type committedWrite struct {
	txn      uint64
	writeSet map[string]struct{}
}

// Store provides get/put/delete/deleteAll/list with serializable
// multi-key semantics over a substrate kvstore.Store.
type Store struct {
	substrate kvstore.Store
	clock     kvstore.Clock

	mu       sync.Mutex // the per-store commit mutex of section 4.2
	txnCount uint64
	ring     []committedWrite

	alarms alarmIndex
}

// New wraps substrate with OCC transaction semantics, using an
// in-memory alarm index.
func New(substrate kvstore.Store, clock kvstore.Clock) *Store {
	return &Store{
		substrate: substrate,
		clock:     clock,
		alarms:    newMemAlarmIndex(),
	}
}

// NewWithBoltAlarms is New, but persists the pending-alarm index to an
// embedded bolt database at boltPath (section 6's file-backend
// "__alarm__ meta record per DO id").
func NewWithBoltAlarms(substrate kvstore.Store, clock kvstore.Clock, boltPath string) (*Store, error) {
	idx, err := OpenBoltAlarmIndex(boltPath)
	if err != nil {
		return nil, err
	}
	return &Store{substrate: substrate, clock: clock, alarms: idx}, nil
}

// Txn is the DOTransaction of section 3: a single attempt's read/write
// sets plus the copies a closure has observed.
type Txn struct {
	store        *Store
	startVersion uint64
	readSet      map[string]struct{}
	copies       map[string]*kvstore.Entry // nil value = tombstone
	rolledBack   bool
	pendingAlarm *int64
}

func newTxn(store *Store, startVersion uint64) *Txn {
	return &Txn{
		store:        store,
		startVersion: startVersion,
		readSet:      make(map[string]struct{}),
		copies:       make(map[string]*kvstore.Entry),
	}
}

// Get reads k, preferring the transaction's own copies, and records k
// into the read set (section 4.2 "During the closure").
func (t *Txn) Get(ctx context.Context, key string) (kvstore.Entry, bool, error) {
	if t.rolledBack {
		return kvstore.Entry{}, false, ErrRolledBack
	}
	t.readSet[key] = struct{}{}
	if copy, ok := t.copies[key]; ok {
		if copy == nil {
			return kvstore.Entry{}, false, nil
		}
		return *copy, true, nil
	}
	return t.store.substrate.Get(ctx, []byte(key), false)
}

// Put writes k=v into the transaction's local copies; visible to later
// Gets in the same transaction, applied to the substrate on commit.
func (t *Txn) Put(ctx context.Context, key string, entry kvstore.Entry) error {
	if t.rolledBack {
		return ErrRolledBack
	}
	c := entry
	t.copies[key] = &c
	return nil
}

// Delete tombstones k and adds it to the read set (delete counts
// require pre-existence detection, section 4.2).
func (t *Txn) Delete(ctx context.Context, key string) error {
	if t.rolledBack {
		return ErrRolledBack
	}
	t.copies[key] = nil
	t.readSet[key] = struct{}{}
	return nil
}

// DeleteAll tombstones every key currently visible via List.
func (t *Txn) DeleteAll(ctx context.Context, prefix string) error {
	res, err := t.List(ctx, kvstore.ListOptions{Prefix: prefix, Limit: 1 << 30})
	if err != nil {
		return err
	}
	for _, k := range res.Keys {
		if err := t.Delete(ctx, k.Name); err != nil {
			return err
		}
	}
	return nil
}

// List runs opts over the substrate and records every matched key in
// the read set (coarse but correct per section 4.2).
func (t *Txn) List(ctx context.Context, opts kvstore.ListOptions) (kvstore.ListResult, error) {
	if t.rolledBack {
		return kvstore.ListResult{}, ErrRolledBack
	}
	res, err := t.store.substrate.List(ctx, opts, true)
	if err != nil {
		return kvstore.ListResult{}, err
	}
	for _, k := range res.Keys {
		t.readSet[k.Name] = struct{}{}
	}
	return res, nil
}

// SetAlarm schedules a pending alarm for this transaction's namespace;
// it only takes effect on commit (section 4.2 "Alarms").
func (t *Txn) SetAlarm(atUnixMillis int64) {
	v := atUnixMillis
	t.pendingAlarm = &v
}

// Rollback marks the transaction rolled back; idempotent-error: any
// further operation fails with ErrRolledBack.
func (t *Txn) Rollback() {
	t.rolledBack = true
}

// RunTransaction begins a transaction, runs fn, and commits with OCC
// validation. On validation failure the closure is replayed; retries
// are unbounded per section 4.2 ("Failure -> the outer orchestrator
// replays the closure").
func (s *Store) RunTransaction(ctx context.Context, namespace string, fn func(ctx context.Context, t *Txn) error) error {
	for {
		s.mu.Lock()
		startVersion := s.txnCount
		s.mu.Unlock()

		txn := newTxn(s, startVersion)
		if err := fn(ctx, txn); err != nil {
			return err
		}
		if txn.rolledBack {
			return nil
		}

		committed, err := s.commit(ctx, namespace, txn)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
		// validation failed: replay the closure with a fresh snapshot
	}
}

// commit implements the four commit steps of section 4.2, protected by
// the process-wide per-store mutex.
func (s *Store) commit(ctx context.Context, namespace string, txn *Txn) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Step 1: rolled back or store-aborted succeeds without writing.
	if txn.rolledBack {
		return true, nil
	}
	if gctx, ok := ctx.(*gating.Context); ok && gctx.Cancelled() {
		return true, nil
	}

	// Step 2: validate against every committed txn since startVersion.
	for _, cw := range s.ring {
		if cw.txn <= txn.startVersion || cw.txn > s.txnCount {
			continue
		}
		for k := range txn.readSet {
			if _, conflict := cw.writeSet[k]; conflict {
				return false, nil
			}
		}
	}

	// Step 3: write. The input and output gates close for the duration,
	// per section 5: inbound dispatch and outbound effects both suspend
	// until this DO's write is durable.
	if gctx, ok := ctx.(*gating.Context); ok {
		gctx.BeginWrite()
		defer gctx.EndWrite()
	}

	keys := make([]kvstore.Key, 0, len(txn.copies))
	entries := make([]kvstore.Entry, 0, len(txn.copies))
	var deletes []kvstore.Key
	for k, v := range txn.copies {
		if v == nil {
			deletes = append(deletes, []byte(k))
			continue
		}
		keys = append(keys, []byte(k))
		entries = append(entries, *v)
	}
	if len(keys) > 0 {
		if err := s.substrate.PutMany(ctx, keys, entries); err != nil {
			return false, err
		}
	}
	if len(deletes) > 0 {
		if _, err := s.substrate.DeleteMany(ctx, deletes); err != nil {
			return false, err
		}
	}

	// Step 4: advance version, record write set, evict stale entries.
	s.txnCount++
	writeSet := make(map[string]struct{}, len(txn.copies))
	for k := range txn.copies {
		writeSet[k] = struct{}{}
	}
	s.ring = append(s.ring, committedWrite{txn: s.txnCount, writeSet: writeSet})
	if len(s.ring) > ringSize {
		cutoff := s.txnCount - ringSize
		kept := s.ring[:0]
		for _, cw := range s.ring {
			if cw.txn > cutoff {
				kept = append(kept, cw)
			}
		}
		s.ring = kept
	}

	if txn.pendingAlarm != nil {
		s.alarms.set(namespace, *txn.pendingAlarm)
	}

	return true, nil
}

// PendingAlarm returns the currently scheduled alarm time for namespace
// and whether one is set.
func (s *Store) PendingAlarm(namespace string) (int64, bool) {
	return s.alarms.get(namespace)
}

// ClearAlarm removes namespace's pending alarm, called once it fires
// and dispatch has been handed to the worker.
func (s *Store) ClearAlarm(namespace string) {
	s.alarms.clear(namespace)
}

// Close releases any resources backing the alarm index, such as the
// embedded bolt database opened by NewWithBoltAlarms. The in-memory
// index needs no cleanup.
func (s *Store) Close() error {
	if c, ok := s.alarms.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
