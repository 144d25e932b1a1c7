package journal

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/calvinalkan/zonejournal/pkg/journal/kv"
	"github.com/calvinalkan/zonejournal/pkg/journal/rfc1982"
)

// Flush is a pure metadata update declaring that the caller has durably
// externalized history up to LastSerial. It is the caller's contract that
// the external zone reflects that state before calling Flush; the journal
// then treats the flushed prefix as eligible for eviction.
func (j *Journal) Flush(ctx context.Context) error {
	_ = ctx

	t, err := beginTxn(j, true)
	if err != nil {
		return err
	}

	if err := j.flushLocked(t); err != nil {
		t.abort()
		return err
	}

	return t.commit()
}

// flushLocked is Flush against an already-open txn. Two successive calls
// are indistinguishable in observable state (idempotent): if there is
// nothing unflushed, it's a no-op.
func (j *Journal) flushLocked(t *txn) error {
	if !t.shadow.Flags.Has(FlagSerialToValid) {
		return nil
	}

	if t.shadow.Flags.Has(FlagLastFlushedValid) && t.shadow.LastFlushed == t.shadow.LastSerial {
		return nil
	}

	t.shadow.LastFlushed = t.shadow.LastSerial
	t.shadow.Flags = t.shadow.Flags.Set(FlagLastFlushedValid)
	t.markChanged(fieldLastFlushed | fieldFlags)

	return nil
}

// evictLocked walks the flushed prefix of history starting at FirstSerial,
// deleting whole changesets front-to-back, until freed bytes reach
// wantBytes or the chain reaches a changeset that isn't flushed yet.
// Never evicts past LastFlushed.
func (j *Journal) evictLocked(t *txn, wantBytes uint64) (freed uint64, err error) {
	for freed < wantBytes {
		if !t.shadow.Flags.Has(FlagLastFlushedValid) {
			break
		}

		candidate := t.shadow.FirstSerial
		if rfc1982.Less(t.shadow.LastFlushed, candidate) {
			break // candidate is strictly newer than what's flushed
		}

		n, advancedTo, ok, err := j.evictOneChangeset(t, candidate)
		if err != nil {
			return freed, err
		}

		if !ok {
			break
		}

		freed += n

		reachedLastFlushed := candidate == t.shadow.LastFlushed

		t.shadow.FirstSerial = advancedTo
		t.markChanged(fieldFirstSerial)

		if reachedLastFlushed {
			t.shadow.Flags = t.shadow.Flags.Clear(FlagLastFlushedValid)
			t.markChanged(fieldFlags)

			break
		}
	}

	return freed, nil
}

// evictThroughLocked evicts the flushed prefix starting at FirstSerial up
// to and including the changeset whose from-serial is through, used when
// a duplicate-serial collision requires dropping exactly that much
// history (the caller has already flushed everything up to LastSerial, so
// every candidate up to through is, by definition, flushed).
func (j *Journal) evictThroughLocked(t *txn, through uint32) (freed uint64, err error) {
	for {
		candidate := t.shadow.FirstSerial

		n, advancedTo, ok, err := j.evictOneChangeset(t, candidate)
		if err != nil {
			return freed, err
		}

		if !ok {
			break
		}

		freed += n

		reachedLastFlushed := t.shadow.Flags.Has(FlagLastFlushedValid) && candidate == t.shadow.LastFlushed

		t.shadow.FirstSerial = advancedTo
		t.markChanged(fieldFirstSerial)

		if reachedLastFlushed {
			t.shadow.Flags = t.shadow.Flags.Clear(FlagLastFlushedValid)
			t.markChanged(fieldFlags)
		}

		if candidate == through {
			break
		}
	}

	return freed, nil
}

// evictOneChangeset deletes every chunk of the changeset starting at
// candidate from bucketData, returning the bytes freed and the serial to
// advance FirstSerial to (the deleted changeset's to-serial). ok=false
// means no changeset starts at candidate (chain already empty).
func (j *Journal) evictOneChangeset(t *txn, candidate uint32) (freed uint64, advancedTo uint32, ok bool, err error) {
	group, found, err := fetchGroup(t, bucketData, candidate)
	if err != nil {
		return 0, 0, false, err
	}

	if !found {
		return 0, 0, false, nil
	}

	for idx, payload := range group.chunks {
		key := encodeKeySlice(candidate, uint32(idx)) //nolint:gosec

		if err := deleteWithRefresh(t, bucketData, key); err != nil {
			return freed, 0, false, err
		}

		freed += uint64(keySize + chunkHeaderSize + len(payload)) //nolint:gosec
	}

	return freed, group.header.SerialTo, true, nil
}

// deleteWithRefresh deletes key, transparently handling a transaction-full
// signal by committing, reopening, and retrying exactly once.
func deleteWithRefresh(t *txn, bucket, key []byte) error {
	err := t.delete(bucket, key)
	if err == nil {
		return nil
	}

	if !errors.Is(err, kv.ErrTxFull) {
		return err
	}

	if err := refreshTxn(t); err != nil {
		return err
	}

	return t.delete(bucket, key)
}

// dropHistoryLocked deletes all non-merged history [FirstSerial,
// LastSerial] and clears the flags that describe it. Used when a
// discontinuity means the existing chain can never connect to new inserts.
func (j *Journal) dropHistoryLocked(t *txn) error {
	if !t.shadow.Flags.Has(FlagSerialToValid) {
		return nil
	}

	for {
		_, advancedTo, ok, err := j.evictOneChangeset(t, t.shadow.FirstSerial)
		if err != nil {
			return err
		}

		if !ok {
			break
		}

		reachedEnd := t.shadow.FirstSerial == t.shadow.LastSerial
		t.shadow.FirstSerial = advancedTo

		if reachedEnd {
			break
		}
	}

	t.shadow.Flags = t.shadow.Flags.Clear(FlagSerialToValid | FlagLastFlushedValid)
	t.shadow.FirstSerial = 0
	t.shadow.LastSerial = 0
	t.shadow.LastSerialTo = 0
	t.shadow.LastFlushed = 0
	t.markChanged(fieldFlags | fieldFirstSerial | fieldLastSerial | fieldLastSerialTo | fieldLastFlushed)

	return nil
}

// DropJournal deletes the merged changeset (if any) and all non-merged
// history, clearing every flag that describes stored data.
func (j *Journal) DropJournal(ctx context.Context) error {
	_ = ctx

	t, err := beginTxn(j, true)
	if err != nil {
		return err
	}

	if t.shadow.Flags.Has(FlagMergedSerialValid) {
		if _, _, err := j.deleteMergedLocked(t); err != nil {
			t.abort()
			return err
		}

		t.shadow.Flags = t.shadow.Flags.Clear(FlagMergedSerialValid)
		t.shadow.MergedSerial = 0
		t.markChanged(fieldFlags | fieldMergedSerial)
	}

	if err := j.dropHistoryLocked(t); err != nil {
		t.abort()
		return err
	}

	return t.commit()
}

// deleteMergedLocked removes the stored merged changeset and returns its
// reconstructed form plus its to-serial, for callers that need to fold it
// into a new merge result before discarding it.
func (j *Journal) deleteMergedLocked(t *txn) (Changeset, uint32, error) {
	group, found, err := fetchGroup(t, bucketMerged, t.shadow.MergedSerial)
	if err != nil {
		return nil, 0, err
	}

	if !found {
		return nil, 0, t.fail(newErr(KindMalformed, nil))
	}

	for idx := range group.chunks {
		key := encodeKeySlice(t.shadow.MergedSerial, uint32(idx)) //nolint:gosec
		if err := deleteWithRefresh(t, bucketMerged, key); err != nil {
			return nil, 0, err
		}
	}

	if j.codec == nil {
		return nil, group.header.SerialTo, t.fail(newErr(KindInvalidArgument, errNoCodec))
	}

	cs, err := j.codec.DeserializeChunks(t.shadow.MergedSerial, group.header.SerialTo, group.chunks)
	if err != nil {
		return nil, group.header.SerialTo, t.fail(newErr(KindMalformed, err))
	}

	return cs, group.header.SerialTo, nil
}

// mergeJournalLocked implements merge-mode compaction: the unflushed tail
// of history is folded into a single merged changeset (seeded from the
// existing merged changeset, if any), which then replaces that tail; the
// flush marker is advanced to cover it all.
func (j *Journal) mergeJournalLocked(ctx context.Context, t *txn) error {
	if j.codec == nil {
		return t.fail(newErr(KindInvalidArgument, errNoCodec))
	}

	firstUnflushed, ok, err := j.firstUnflushedSerial(t)
	if err != nil {
		return err
	}

	if !ok {
		return nil // everything is already flushed; nothing to merge
	}

	var seed Changeset

	if t.shadow.Flags.Has(FlagMergedSerialValid) {
		loaded, mergedTo, err := j.deleteMergedLocked(t)
		if err != nil {
			return err
		}

		if mergedTo != firstUnflushed {
			return t.fail(newErr(KindMalformed, errMergeBoundaryMismatch))
		}

		seed = loaded
	} else {
		group, found, err := fetchGroup(t, bucketData, firstUnflushed)
		if err != nil {
			return err
		}

		if !found {
			return t.fail(newErr(KindMalformed, nil))
		}

		cs, err := j.codec.DeserializeChunks(firstUnflushed, group.header.SerialTo, group.chunks)
		if err != nil {
			return t.fail(newErr(KindMalformed, err))
		}

		for idx := range group.chunks {
			key := encodeKeySlice(firstUnflushed, uint32(idx)) //nolint:gosec
			if err := deleteWithRefresh(t, bucketData, key); err != nil {
				return err
			}
		}

		seed = cs
	}

	next := seed.ToSerial()

	for next != t.shadow.LastSerial {
		group, found, err := fetchGroup(t, bucketData, next)
		if err != nil {
			return err
		}

		if !found {
			return t.fail(newErr(KindMalformed, errMergeChainBroken))
		}

		cs, err := j.codec.DeserializeChunks(next, group.header.SerialTo, group.chunks)
		if err != nil {
			return t.fail(newErr(KindMalformed, err))
		}

		merged, err := cs.Merge(seed)
		if err != nil {
			return t.fail(newErr(KindInvalidArgument, err))
		}

		for idx := range group.chunks {
			key := encodeKeySlice(next, uint32(idx)) //nolint:gosec
			if err := deleteWithRefresh(t, bucketData, key); err != nil {
				return err
			}
		}

		seed = merged
		next = seed.ToSerial()
	}

	// Fold the final (already-unflushed-but-not-yet-deleted) changeset,
	// i.e. the one ending at LastSerialTo, if it wasn't already the seed.
	if seed.FromSerial() != firstUnflushed || seed.ToSerial() != t.shadow.LastSerialTo {
		group, found, err := fetchGroup(t, bucketData, seed.ToSerial())
		if err == nil && found {
			cs, derr := j.codec.DeserializeChunks(seed.ToSerial(), group.header.SerialTo, group.chunks)
			if derr == nil {
				if merged, merr := cs.Merge(seed); merr == nil {
					for idx := range group.chunks {
						key := encodeKeySlice(seed.ToSerial(), uint32(idx)) //nolint:gosec
						if derr := deleteWithRefresh(t, bucketData, key); derr != nil {
							return derr
						}
					}

					seed = merged
				}
			}
		}
	}

	if err := j.insertLocked(ctx, t, seed, modeMerged); err != nil {
		return err
	}

	t.shadow.LastFlushed = t.shadow.LastSerial
	t.shadow.Flags = t.shadow.Flags.Set(FlagLastFlushedValid)
	t.markChanged(fieldLastFlushed | fieldFlags)

	j.logger.Info("compacted history into merged changeset",
		zap.Uint32("merged_from", seed.FromSerial()), zap.Uint32("merged_to", seed.ToSerial()))

	return nil
}

// firstUnflushedSerial returns the from-serial of the oldest changeset not
// yet covered by LastFlushed. ok=false means everything is flushed.
func (j *Journal) firstUnflushedSerial(t *txn) (uint32, bool, error) {
	if !t.shadow.Flags.Has(FlagSerialToValid) {
		return 0, false, nil
	}

	if !t.shadow.Flags.Has(FlagLastFlushedValid) {
		return t.shadow.FirstSerial, true, nil
	}

	if t.shadow.LastFlushed == t.shadow.LastSerial {
		return 0, false, nil
	}

	group, found, err := fetchGroup(t, bucketData, t.shadow.LastFlushed)
	if err != nil {
		return 0, false, err
	}

	if !found {
		return 0, false, t.fail(newErr(KindMalformed, nil))
	}

	return group.header.SerialTo, true, nil
}

var errNoCodec = staticError("journal: no ChangesetCodec configured, cannot deserialize stored changesets")
var errMergeBoundaryMismatch = staticError("existing merged changeset's to-serial does not match first unflushed from-serial")
var errMergeChainBroken = staticError("merge: continuity chain broken before reaching last_serial")
