// Package boltkv implements the github.com/calvinalkan/zonejournal/pkg/journal/kv
// contract on top of go.etcd.io/bbolt.
//
// bbolt already provides everything the contract needs: ordered buckets,
// single-writer/multi-reader MVCC transactions via mmap'd copy-on-write
// pages, and durable commits via fsync. The one gap is a hard mapping-size
// ceiling (LMDB-style backends refuse writes past a configured mapsize;
// bbolt instead grows the file on demand). [Open] closes that gap itself by
// tracking the configured limit and having [tx.Insert] return
// [kv.ErrTxFull] once the file has grown within a small margin of it
// (Delete is not checked), so
// package journal's space-accounting and chunked-commit logic behaves
// identically on both kinds of backend.
package boltkv

import (
	"errors"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/calvinalkan/zonejournal/pkg/journal/kv"
)

// txFullMargin is the number of bytes of headroom kept below the configured
// mapping size before Insert starts reporting [kv.ErrTxFull]. bbolt
// grows its file in whole pages, so a small margin avoids a write growing
// the file one page past the limit before the check catches it.
const txFullMargin = 64 * 1024

// DB is a boltkv-backed [kv.DB].
type DB struct {
	bolt        *bolt.DB
	mappingSize uint64
}

// Open creates or opens a bbolt file at path and ensures bucket exists for
// each name in buckets (idempotent - existing buckets are left untouched).
// mappingSize is the soft ceiling enforced by returned transactions; it has
// no effect on bbolt's own mmap sizing.
func Open(path string, mappingSize uint64, buckets ...[]byte) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltkv: open %s: %w", path, err)
	}

	err = bdb.Update(func(btx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := btx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %q: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return &DB{bolt: bdb, mappingSize: mappingSize}, nil
}

// Begin implements [kv.DB].
func (d *DB) Begin(writable bool) (kv.Tx, error) {
	btx, err := d.bolt.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("boltkv: begin: %w", err)
	}

	return &tx{btx: btx, db: d}, nil
}

// OccupiedBytes implements [kv.DB]. bbolt reports this as (total pages -
// free pages) * page size.
func (d *DB) OccupiedBytes() (uint64, error) {
	stats := d.bolt.Stats()

	pageSize := d.bolt.Info().PageSize
	if pageSize <= 0 {
		pageSize = 4096
	}

	freelist := uint64(stats.FreePageN + stats.PendingPageN) //nolint:gosec // page counts never negative

	fileSize, err := d.fileSize()
	if err != nil {
		return 0, err
	}

	totalPages := fileSize / uint64(pageSize)
	if freelist >= totalPages {
		return 0, nil
	}

	return (totalPages - freelist) * uint64(pageSize), nil
}

// MappingSize implements [kv.DB].
func (d *DB) MappingSize() (uint64, error) {
	return d.mappingSize, nil
}

func (d *DB) fileSize() (uint64, error) {
	info, err := os.Stat(d.bolt.Path())
	if err != nil {
		return 0, fmt.Errorf("boltkv: stat: %w", err)
	}

	return uint64(info.Size()), nil //nolint:gosec // file sizes never negative
}

// Close implements [kv.DB].
func (d *DB) Close() error {
	return d.bolt.Close()
}

// tx adapts a *bolt.Tx to [kv.Tx], enforcing the soft mapping-size ceiling.
type tx struct {
	btx *bolt.Tx
	db  *DB
}

func (t *tx) Find(bucket, key []byte) ([]byte, bool, error) {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return nil, false, nil
	}

	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}

	// bbolt hands back a slice backed by the mmap; copy it so callers can
	// retain it past the transaction's lifetime.
	out := make([]byte, len(v))
	copy(out, v)

	return out, true, nil
}

func (t *tx) Insert(bucket, key, val []byte) error {
	if err := t.checkRoom(); err != nil {
		return err
	}

	b, err := t.btx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return fmt.Errorf("boltkv: bucket %q: %w", bucket, err)
	}

	if err := b.Put(key, val); err != nil {
		if errors.Is(err, bolt.ErrTxNotWritable) {
			return err
		}
		return fmt.Errorf("boltkv: put: %w", err)
	}

	return nil
}

func (t *tx) Delete(bucket, key []byte) error {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return nil
	}

	if err := b.Delete(key); err != nil {
		return fmt.Errorf("boltkv: delete: %w", err)
	}

	return nil
}

func (t *tx) Count(bucket []byte) (uint64, error) {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return 0, nil
	}

	return uint64(b.Stats().KeyN), nil //nolint:gosec // KeyN is never negative
}

func (t *tx) Cursor(bucket []byte) (kv.Cursor, error) {
	b := t.btx.Bucket(bucket)
	if b == nil {
		var err error
		if b, err = t.btx.CreateBucketIfNotExists(bucket); err != nil {
			return nil, fmt.Errorf("boltkv: bucket %q: %w", bucket, err)
		}
	}

	return &cursor{c: b.Cursor()}, nil
}

func (t *tx) Commit() error {
	if !t.btx.Writable() {
		return t.btx.Rollback()
	}

	if err := t.btx.Commit(); err != nil {
		return fmt.Errorf("boltkv: commit: %w", err)
	}

	return nil
}

func (t *tx) Abort() error {
	err := t.btx.Rollback()
	if err != nil && !errors.Is(err, bolt.ErrTxClosed) {
		return fmt.Errorf("boltkv: abort: %w", err)
	}

	return nil
}

// checkRoom reports [kv.ErrTxFull] once the backing file is within
// txFullMargin bytes of the configured mapping size. Only writers need the
// check; read-only transactions never allocate new pages.
func (t *tx) checkRoom() error {
	if !t.btx.Writable() || t.db.mappingSize == 0 {
		return nil
	}

	size, err := t.db.fileSize()
	if err != nil {
		return err
	}

	if size+txFullMargin >= t.db.mappingSize {
		return kv.ErrTxFull
	}

	return nil
}

// cursor adapts a *bolt.Cursor to [kv.Cursor].
type cursor struct {
	c *bolt.Cursor
}

func (cu *cursor) Seek(key []byte) ([]byte, []byte, bool) {
	k, v := cu.c.Seek(key)
	return copyKV(k, v)
}

func (cu *cursor) Next() ([]byte, []byte, bool) {
	k, v := cu.c.Next()
	return copyKV(k, v)
}

func (cu *cursor) Close() error { return nil }

func copyKV(k, v []byte) ([]byte, []byte, bool) {
	if k == nil {
		return nil, nil, false
	}

	kc := make([]byte, len(k))
	copy(kc, k)

	vc := make([]byte, len(v))
	copy(vc, v)

	return kc, vc, true
}
