// Package memkv is an in-memory, non-persistent implementation of
// github.com/calvinalkan/zonejournal/pkg/journal/kv.
//
// Journal tests need a fast, deterministic backend that doesn't pay
// mmap/fsync cost per test and can simulate [kv.ErrTxFull] deterministically
// (via [DB.SetTxFullAfter]) without constructing a multi-gigabyte bbolt
// file.
//
// memkv is single-writer/multi-reader like the real contract requires, but
// "MVCC" here is implemented by copying every bucket's key/value map into a
// private snapshot on Begin - adequate for tests, not for production scale.
package memkv

import (
	"sort"
	"sync"

	"github.com/calvinalkan/zonejournal/pkg/journal/kv"
)

// DB is an in-memory [kv.DB].
type DB struct {
	mu          sync.Mutex
	writeLock   sync.Mutex
	buckets     map[string]map[string][]byte
	mappingSize uint64

	// txFullAfter, when > 0, makes the Nth write across all transactions
	// (1-indexed) and every one after it fail with [kv.ErrTxFull]. Used by
	// tests to exercise the mid-insert sub-commit and refresh paths
	// deterministically.
	txFullAfter int
	writeCount  int
}

// New creates an empty store. mappingSize is reported by [DB.MappingSize];
// it has no other effect (memkv never runs out of memory in tests).
func New(mappingSize uint64) *DB {
	return &DB{
		buckets:     make(map[string]map[string][]byte),
		mappingSize: mappingSize,
	}
}

// SetTxFullAfter configures the Nth write (1-indexed, across the DB's
// lifetime) to start returning [kv.ErrTxFull]. n=0 disables the injection.
func (d *DB) SetTxFullAfter(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.txFullAfter = n
}

// Begin implements [kv.DB].
func (d *DB) Begin(writable bool) (kv.Tx, error) {
	if writable {
		d.writeLock.Lock()
	}

	d.mu.Lock()
	snapshot := make(map[string]map[string][]byte, len(d.buckets))

	for name, b := range d.buckets {
		bc := make(map[string][]byte, len(b))
		for k, v := range b {
			bc[k] = v
		}

		snapshot[name] = bc
	}
	d.mu.Unlock()

	return &tx{db: d, writable: writable, view: snapshot, dirty: make(map[string]map[string][]byte)}, nil
}

// OccupiedBytes implements [kv.DB]: sum of all key+value bytes stored.
func (d *DB) OccupiedBytes() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var n uint64

	for _, b := range d.buckets {
		for k, v := range b {
			n += uint64(len(k) + len(v)) //nolint:gosec // lengths never negative
		}
	}

	return n, nil
}

// MappingSize implements [kv.DB].
func (d *DB) MappingSize() (uint64, error) {
	return d.mappingSize, nil
}

// Close implements [kv.DB]. memkv holds no OS resources.
func (d *DB) Close() error { return nil }

type tx struct {
	db       *DB
	writable bool
	done     bool

	// view is the snapshot read from at Begin; never mutated.
	view map[string]map[string][]byte

	// dirty holds per-bucket overlays: nil map = not yet touched (read
	// through view); explicit tombstone value of nil (absent key marker)
	// handled via deleted set below.
	dirty   map[string]map[string][]byte
	deleted map[string]map[string]struct{}
}

func (t *tx) isDeleted(bucket, key string) bool {
	if t.deleted == nil {
		return false
	}

	b, ok := t.deleted[bucket]
	if !ok {
		return false
	}

	_, ok = b[key]

	return ok
}

func (t *tx) Find(bucket, key []byte) ([]byte, bool, error) {
	bs, ks := string(bucket), string(key)

	if t.isDeleted(bs, ks) {
		return nil, false, nil
	}

	if d, ok := t.dirty[bs]; ok {
		if v, ok := d[ks]; ok {
			out := make([]byte, len(v))
			copy(out, v)

			return out, true, nil
		}
	}

	v, ok := t.view[bs][ks]
	if !ok {
		return nil, false, nil
	}

	out := make([]byte, len(v))
	copy(out, v)

	return out, true, nil
}

func (t *tx) checkRoom() error {
	if !t.writable {
		return nil
	}

	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	t.db.writeCount++

	if t.db.txFullAfter <= 0 {
		return nil
	}

	if t.db.writeCount >= t.db.txFullAfter {
		return kv.ErrTxFull
	}

	return nil
}

func (t *tx) Insert(bucket, key, val []byte) error {
	if err := t.checkRoom(); err != nil {
		return err
	}

	bs, ks := string(bucket), string(key)

	if t.dirty[bs] == nil {
		t.dirty[bs] = make(map[string][]byte)
	}

	vc := make([]byte, len(val))
	copy(vc, val)
	t.dirty[bs][ks] = vc

	if t.deleted != nil {
		delete(t.deleted[bs], ks)
	}

	return nil
}

func (t *tx) Delete(bucket, key []byte) error {
	bs, ks := string(bucket), string(key)

	if t.dirty[bs] != nil {
		delete(t.dirty[bs], ks)
	}

	if _, existed := t.view[bs][ks]; existed {
		if t.deleted == nil {
			t.deleted = make(map[string]map[string]struct{})
		}

		if t.deleted[bs] == nil {
			t.deleted[bs] = make(map[string]struct{})
		}

		t.deleted[bs][ks] = struct{}{}
	}

	return nil
}

func (t *tx) Count(bucket []byte) (uint64, error) {
	keys := t.sortedKeys(string(bucket))
	return uint64(len(keys)), nil //nolint:gosec // never negative
}

// sortedKeys merges the view and dirty overlays (minus deletions) for one
// bucket, returning keys in ascending lexicographic order.
func (t *tx) sortedKeys(bucket string) []string {
	seen := make(map[string]struct{})

	for k := range t.view[bucket] {
		if !t.isDeleted(bucket, k) {
			seen[k] = struct{}{}
		}
	}

	for k := range t.dirty[bucket] {
		seen[k] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}

func (t *tx) Cursor(bucket []byte) (kv.Cursor, error) {
	return &cursor{t: t, bucket: string(bucket), keys: t.sortedKeys(string(bucket)), pos: -1}, nil
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}

	t.done = true

	if !t.writable {
		return nil
	}

	defer t.db.writeLock.Unlock()

	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	for bucket, kvs := range t.dirty {
		if t.db.buckets[bucket] == nil {
			t.db.buckets[bucket] = make(map[string][]byte)
		}

		for k, v := range kvs {
			t.db.buckets[bucket][k] = v
		}
	}

	for bucket, ks := range t.deleted {
		for k := range ks {
			delete(t.db.buckets[bucket], k)
		}
	}

	return nil
}

func (t *tx) Abort() error {
	if t.done {
		return nil
	}

	t.done = true

	if t.writable {
		t.db.writeLock.Unlock()
	}

	return nil
}

type cursor struct {
	t      *tx
	bucket string
	keys   []string
	pos    int
}

func (c *cursor) Seek(key []byte) ([]byte, []byte, bool) {
	target := string(key)

	idx := sort.SearchStrings(c.keys, target)
	c.pos = idx

	return c.current()
}

func (c *cursor) Next() ([]byte, []byte, bool) {
	c.pos++
	return c.current()
}

func (c *cursor) current() ([]byte, []byte, bool) {
	if c.pos < 0 || c.pos >= len(c.keys) {
		return nil, nil, false
	}

	k := c.keys[c.pos]

	v, _, _ := c.t.Find([]byte(c.bucket), []byte(k))

	return []byte(k), v, true
}

func (c *cursor) Close() error { return nil }
