package durableobject

import (
	"encoding/binary"
	"sync"

	"github.com/boltdb/bolt"
)

// alarmIndex stores the single pending alarm per DO namespace. The
// default is an in-memory map; NewWithBoltAlarms backs it with an
// embedded bolt database so the persisted-state layout of section 6
// ("DO: ... an __alarm__ meta record per DO id") survives a restart.
type alarmIndex interface {
	set(namespace string, atUnixMillis int64)
	get(namespace string) (int64, bool)
	clear(namespace string)
}

type memAlarmIndex struct {
	mu   sync.Mutex
	time map[string]int64
}

func newMemAlarmIndex() *memAlarmIndex {
	return &memAlarmIndex{time: make(map[string]int64)}
}

func (m *memAlarmIndex) set(namespace string, at int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.time[namespace] = at
}

func (m *memAlarmIndex) get(namespace string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.time[namespace]
	return t, ok
}

func (m *memAlarmIndex) clear(namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.time, namespace)
}

var alarmBucket = []byte("__alarm__")

// BoltAlarmIndex persists the alarm index in an embedded bolt.DB, one
// key per namespace holding its big-endian unix-millis fire time.
type BoltAlarmIndex struct {
	db *bolt.DB
}

// OpenBoltAlarmIndex opens (creating if absent) a bolt database at
// path for the DO alarm index.
func OpenBoltAlarmIndex(path string) (*BoltAlarmIndex, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(alarmBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, Error.Wrap(err)
	}
	return &BoltAlarmIndex{db: db}, nil
}

func (b *BoltAlarmIndex) Close() error {
	return b.db.Close()
}

func (b *BoltAlarmIndex) set(namespace string, at int64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(at))
	_ = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(alarmBucket).Put([]byte(namespace), buf)
	})
}

func (b *BoltAlarmIndex) get(namespace string) (int64, bool) {
	var at int64
	var ok bool
	_ = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(alarmBucket).Get([]byte(namespace))
		if v == nil {
			return nil
		}
		at = int64(binary.BigEndian.Uint64(v))
		ok = true
		return nil
	})
	return at, ok
}

func (b *BoltAlarmIndex) clear(namespace string) {
	_ = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(alarmBucket).Delete([]byte(namespace))
	})
}
