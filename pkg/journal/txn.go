package journal

import (
	"errors"

	"github.com/calvinalkan/zonejournal/pkg/journal/kv"
)

// txn wraps one backing-store transaction together with a shadow copy of
// journal metadata. Every metadata mutation made through a txn writes only
// to the shadow; the live [Journal.meta] is only ever replaced, atomically,
// after the backend transaction has committed successfully. This makes
// data writes and metadata writes within one operation jointly atomic
// without requiring the backend to support nested transactions.
//
// A txn is sticky: once any method sets err, every subsequent method is a
// no-op that returns the same err. This collapses the class of bugs where
// a failed mid-operation step is silently followed by another step that
// further corrupts state.
type txn struct {
	j        *Journal
	tx       kv.Tx
	writable bool
	err      error
	active   bool

	// owns is false for a txn built via inherit: it shares its parent's
	// backend tx and folds its shadow mutations back into the parent's
	// shadow on commit, instead of publishing them itself.
	owns   bool
	parent *txn

	shadow  Metadata
	changed fieldMask
}

// beginTxn starts a new backend transaction against j's store and seeds
// the shadow from j's last-known-good metadata.
func beginTxn(j *Journal, writable bool) (*txn, error) {
	btx, err := j.db.Begin(writable)
	if err != nil {
		return nil, wrapStore(err)
	}

	return &txn{
		j:        j,
		tx:       btx,
		writable: writable,
		active:   true,
		owns:     true,
		shadow:   j.meta,
	}, nil
}

// inherit builds a child txn that reuses parent's backend transaction and
// shadow metadata. The child must not commit the backend transaction;
// calling (*txn).commit on it instead folds the child's metadata changes
// into the parent and leaves the backend transaction open for the parent
// to finish.
func inherit(parent *txn) *txn {
	return &txn{
		j:        parent.j,
		tx:       parent.tx,
		writable: parent.writable,
		active:   true,
		owns:     false,
		parent:   parent,
		shadow:   parent.shadow,
		err:      parent.err,
	}
}

// fail records err as t's sticky error, if not already set, and returns it.
func (t *txn) fail(err error) error {
	if err == nil {
		return nil
	}

	if t.err == nil {
		t.err = err
	}

	return t.err
}

func (t *txn) find(bucket, key []byte) (val []byte, found bool, err error) {
	if t.err != nil {
		return nil, false, t.err
	}

	val, found, err = t.tx.Find(bucket, key)
	if err != nil {
		return nil, false, t.fail(wrapStore(err))
	}

	return val, found, nil
}

// findOrFail is find, but treats a miss as a sticky [KindNotFound] error
// instead of returning found=false.
func (t *txn) findOrFail(bucket, key []byte) ([]byte, error) {
	val, found, err := t.find(bucket, key)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, t.fail(newErr(KindNotFound, nil))
	}

	return val, nil
}

func (t *txn) insert(bucket, key, val []byte) error {
	if t.err != nil {
		return t.err
	}

	if err := t.tx.Insert(bucket, key, val); err != nil {
		if errors.Is(err, kv.ErrTxFull) {
			return err // not sticky: callers (writer/iterator) handle refresh
		}

		return t.fail(wrapStore(err))
	}

	return nil
}

func (t *txn) delete(bucket, key []byte) error {
	if t.err != nil {
		return t.err
	}

	if err := t.tx.Delete(bucket, key); err != nil {
		if errors.Is(err, kv.ErrTxFull) {
			return err
		}

		return t.fail(wrapStore(err))
	}

	return nil
}

func (t *txn) count(bucket []byte) (uint64, error) {
	if t.err != nil {
		return 0, t.err
	}

	n, err := t.tx.Count(bucket)
	if err != nil {
		return 0, t.fail(wrapStore(err))
	}

	return n, nil
}

// markChanged records that fields have been mutated in t.shadow and must
// be persisted on commit.
func (t *txn) markChanged(fields fieldMask) {
	t.changed |= fields
}

// commit finishes the operation. An owning txn writes every changed
// metadata field to the store, commits the backend transaction, and - only
// once the backend commit has succeeded - publishes the shadow as the
// journal's new live metadata. A non-owning (inherited) txn instead folds
// its changes into its parent's shadow and leaves the backend transaction
// untouched for the parent to commit.
func (t *txn) commit() error {
	if !t.active {
		return t.err
	}

	t.active = false

	if t.err != nil {
		return t.err
	}

	if !t.owns {
		t.parent.shadow = t.shadow
		t.parent.changed |= t.changed

		return nil
	}

	if t.changed != 0 {
		if err := writeMetadataFields(t.tx, t.shadow, t.changed); err != nil {
			_ = t.tx.Abort()
			return t.fail(wrapStore(err))
		}
	}

	if err := t.tx.Commit(); err != nil {
		return t.fail(wrapStore(err))
	}

	t.j.meta = t.shadow

	return nil
}

// abort discards the shadow and releases the backend transaction. Safe to
// call after commit (no-op), and safe to call on an inherited txn (it
// leaves the parent's backend transaction alone - the parent aborts it).
func (t *txn) abort() {
	if !t.active {
		return
	}

	t.active = false

	if t.owns {
		_ = t.tx.Abort()
	}
}
