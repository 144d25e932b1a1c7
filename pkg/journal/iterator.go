package journal

import (
	"errors"

	"github.com/calvinalkan/zonejournal/pkg/journal/kv"
)

// iterMode selects how walk groups physical chunks for its callback.
type iterMode int

const (
	// byChunk invokes fn once per physical chunk. Used for deletions and
	// space-accounting sweeps, where the caller doesn't need the whole
	// changeset materialized at once.
	byChunk iterMode = iota
	// byChangeset buffers every chunk of one changeset and invokes fn once
	// with the whole group. Used for loading and merging.
	byChangeset
)

// IterAction tells walk whether to keep going after a callback invocation.
type IterAction int

const (
	// IterContinue advances to the next changeset in the chain.
	IterContinue IterAction = iota
	// IterStop ends the walk immediately, without error.
	IterStop
)

// chunkGroup is either one physical chunk (byChunk mode) or every chunk of
// one changeset (byChangeset mode), along with the header describing the
// changeset they belong to.
type chunkGroup struct {
	serial     uint32
	chunkIndex uint32 // meaningful in byChunk mode only
	header     chunkHeader
	chunks     [][]byte // payload only, header stripped
}

// IterFunc is invoked by walk for each unit (chunk or whole changeset,
// depending on mode). Returning an error that wraps [kv.ErrTxFull] makes
// walk commit the current transaction, begin a new one, re-seek to where
// it left off, and invoke fn again for the same unit.
type IterFunc func(group chunkGroup) (IterAction, error)

// walk iterates the continuity chain of stored changesets starting at
// serial from, in bucket, grouping chunks per mode and invoking fn for
// each group. It stops when fn returns IterStop, when the chain has no
// more changesets, or on error.
//
// Walking follows each group's header.SerialTo to find the next
// changeset's starting key, rather than plain key order, so a recycled
// serial elsewhere in keyspace never derails the chain. After advancing
// one physical step it optimistically calls Next; if that isn't the expected next key (a later
// chunk of a fragmented multi-commit write landed elsewhere), it falls
// back to an explicit Seek on the expected key.
func walk(t *txn, bucket []byte, from uint32, mode iterMode, fn IterFunc) error {
	serial := from
	lastRefreshSerial := from
	refreshedWithoutProgress := false

	for {
		group, ok, err := fetchGroup(t, bucket, serial)
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		action, err := invokeWithRefresh(t, bucket, group, mode, fn, &lastRefreshSerial, &refreshedWithoutProgress)
		if err != nil {
			return err
		}

		if action == IterStop {
			return nil
		}

		if group.header.SerialTo == serial {
			// A changeset whose to-serial equals its from-serial cannot
			// chain further without looping forever.
			return nil
		}

		serial = group.header.SerialTo
		refreshedWithoutProgress = false
	}
}

// invokeWithRefresh calls fn, either once per chunk (byChunk) or once for
// the whole group (byChangeset), handling the transaction-full retry
// protocol and its cycle guard.
func invokeWithRefresh(
	t *txn,
	bucket []byte,
	group chunkGroup,
	mode iterMode,
	fn IterFunc,
	lastRefreshSerial *uint32,
	refreshedWithoutProgress *bool,
) (IterAction, error) {
	call := func(g chunkGroup) (IterAction, error) {
		action, err := fn(g)
		if err == nil {
			return action, nil
		}

		if !isTxFull(err) {
			return action, err
		}

		if *lastRefreshSerial == g.serial && *refreshedWithoutProgress {
			return action, t.fail(newErr(KindStore, errRefreshCycle))
		}

		*lastRefreshSerial = g.serial
		*refreshedWithoutProgress = true

		if err := refreshTxn(t); err != nil {
			return action, err
		}

		return fn(g)
	}

	if mode == byChunk {
		var lastAction IterAction

		for i, c := range group.chunks {
			action, err := call(chunkGroup{
				serial:     group.serial,
				chunkIndex: uint32(i), //nolint:gosec // bounded by chunk_count
				header:     group.header,
				chunks:     [][]byte{c},
			})
			if err != nil {
				return action, err
			}

			lastAction = action

			if action == IterStop {
				return action, nil
			}
		}

		return lastAction, nil
	}

	return call(group)
}

// fetchGroup reads every chunk of the changeset starting at (serial, 0)
// from bucket. ok=false means no changeset starts at serial (the chain
// ends here).
func fetchGroup(t *txn, bucket []byte, serial uint32) (chunkGroup, bool, error) {
	cur, err := t.tx.Cursor(bucket)
	if err != nil {
		return chunkGroup{}, false, t.fail(wrapStore(err))
	}
	defer cur.Close()

	k, v, ok := cur.Seek(encodeKeySlice(serial, 0))
	if !ok || !isExpectedKey(k, serial, 0) {
		return chunkGroup{}, false, nil
	}

	header, payload0 := decodeChunkValue(v)
	chunks := make([][]byte, header.ChunkCount)
	chunks[0] = append([]byte(nil), payload0...)

	for idx := uint32(1); idx < header.ChunkCount; idx++ {
		nk, nv, nok := cur.Next()
		if !nok || !isExpectedKey(nk, serial, idx) {
			nk, nv, nok = cur.Seek(encodeKeySlice(serial, idx))
		}

		if !nok || !isExpectedKey(nk, serial, idx) {
			return chunkGroup{}, false, t.fail(newErr(KindMalformed, errMissingChunk))
		}

		_, payload := decodeChunkValue(nv)
		chunks[idx] = append([]byte(nil), payload...)
	}

	return chunkGroup{serial: serial, header: header, chunks: chunks}, true, nil
}

// refreshTxn commits t's underlying backend transaction (publishing any
// shadow metadata changes so far) and begins a fresh one of the same
// writability. Used when a step reports a transaction-full signal
// mid-operation. Only valid on an owning transaction.
func refreshTxn(t *txn) error {
	if !t.owns {
		return t.fail(newErr(KindStore, errRefreshOnInherited))
	}

	if t.changed != 0 {
		if err := writeMetadataFields(t.tx, t.shadow, t.changed); err != nil {
			return t.fail(wrapStore(err))
		}
	}

	if err := t.tx.Commit(); err != nil {
		return t.fail(wrapStore(err))
	}

	t.j.meta = t.shadow
	t.changed = 0

	newTx, err := t.j.db.Begin(t.writable)
	if err != nil {
		return t.fail(wrapStore(err))
	}

	t.tx = newTx

	return nil
}

func encodeKeySlice(serial, chunkIndex uint32) []byte {
	k := encodeKey(serial, chunkIndex)
	return k[:]
}

func isExpectedKey(k []byte, serial, chunkIndex uint32) bool {
	if len(k) != keySize {
		return false
	}

	gotSerial, gotIdx := decodeKey(k)

	return gotSerial == serial && gotIdx == chunkIndex
}

func isTxFull(err error) bool {
	return errors.Is(err, kv.ErrTxFull)
}

var errMissingChunk = staticError("chunk chain broken: expected chunk not found")
var errRefreshCycle = staticError("transaction-full refresh did not make progress (changeset larger than one transaction)")
var errRefreshOnInherited = staticError("cannot refresh an inherited transaction")

type staticError string

func (e staticError) Error() string { return string(e) }
