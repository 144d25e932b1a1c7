// Package kv defines the ordered key/value store contract that package
// journal consumes as its backing store.
//
// An implementation must provide:
//   - lexicographic byte-wise key ordering within a bucket
//   - single-writer / multi-reader transactions with MVCC semantics: a
//     reader begun before a writer commits never observes that writer's
//     changes, and readers never block writers or vice versa
//   - all writes made inside one transaction become visible atomically on
//     commit, or are fully discarded on abort
//
// Implementations in this module:
//   - [go.etcd.io/bbolt]-backed, in package
//     github.com/calvinalkan/zonejournal/pkg/journal/kv/boltkv — durable,
//     for production use
//   - an in-memory implementation in
//     github.com/calvinalkan/zonejournal/pkg/journal/kv/memkv — fast and
//     deterministic, for unit tests that don't need real file durability
package kv

import "errors"

// ErrTxFull is returned by [Tx.Insert] or [Tx.Delete] when a transaction
// has grown too large for the backend to commit as a single unit (for
// example, bbolt transactions pin all dirty pages in memory until commit).
// Callers must commit the current transaction, begin a new one, and
// re-seek to where they left off; see package journal's iterator and
// writer for the retry protocol this enables.
var ErrTxFull = errors.New("kv: transaction full")

// ErrKeyNotFound is never returned by [Tx.Find], which reports absence
// via its bool return instead. Kept as a sentinel
// for implementations that want to wrap it in a richer error using
// errors.Is.
var ErrKeyNotFound = errors.New("kv: key not found")

// DB is a single physical store, opened once per process per path.
//
// Implementations must be safe for concurrent use by multiple goroutines:
// many readers may call Begin(false) concurrently with one writer calling
// Begin(true).
type DB interface {
	// Begin starts a transaction. writable=true acquires the single
	// process-wide write lock (blocking until any prior writer commits or
	// aborts); writable=false starts a read-only snapshot transaction that
	// never blocks and never blocks writers.
	Begin(writable bool) (Tx, error)

	// OccupiedBytes reports the number of bytes currently used by live
	// data in the store (not the file size, which may include free pages
	// held for reuse).
	OccupiedBytes() (uint64, error)

	// MappingSize reports the configured maximum size of the store's
	// backing mapping/file. Used by package journal to detect a shrunk
	// size limit across restarts.
	MappingSize() (uint64, error)

	// Close releases all resources. Any in-flight transactions become
	// invalid; callers must not call Close while a transaction is active.
	Close() error
}

// Tx is a single read or read-write transaction against one or more named
// buckets (the "three named sub-databases" of the store this package
// abstracts - data, metadata, merged - or any equivalent namespacing).
//
// A Tx is not safe for concurrent use by multiple goroutines.
type Tx interface {
	// Find looks up key in bucket. found=false, err=nil means the key is
	// absent; it is not an error condition.
	Find(bucket, key []byte) (val []byte, found bool, err error)

	// Insert writes or overwrites key in bucket. May return [ErrTxFull].
	Insert(bucket, key, val []byte) error

	// Delete removes key from bucket. Deleting an absent key is a no-op,
	// not an error. May return [ErrTxFull].
	Delete(bucket, key []byte) error

	// Count reports the number of keys currently stored in bucket.
	Count(bucket []byte) (uint64, error)

	// Cursor returns a cursor positioned before the first key of bucket.
	// The cursor is only valid for the lifetime of the transaction.
	Cursor(bucket []byte) (Cursor, error)

	// Commit publishes all writes made on this transaction atomically.
	// A read-only Tx's Commit is equivalent to Abort.
	Commit() error

	// Abort discards all writes made on this transaction. Safe to call
	// after Commit (no-op).
	Abort() error
}

// Cursor walks the keys of one bucket in ascending lexicographic order.
type Cursor interface {
	// Seek positions the cursor at the first key >= key and returns it.
	// ok=false means no such key exists (the cursor is now exhausted).
	Seek(key []byte) (k, v []byte, ok bool)

	// Next advances the cursor and returns the new current key/value.
	// ok=false means the cursor has no more keys.
	Next() (k, v []byte, ok bool)

	// Close releases cursor resources. Safe to call multiple times.
	Close() error
}
