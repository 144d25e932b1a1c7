package journal

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/calvinalkan/zonejournal/pkg/journal/kv"
)

// insertMode distinguishes a normal history insert from inserting the
// result of a merge.
type insertMode int

const (
	modeNormal insertMode = iota
	modeMerged
)

// StoreChangeset inserts one changeset into the journal.
func (j *Journal) StoreChangeset(ctx context.Context, ch Changeset) error {
	return j.storeOne(ctx, ch, modeNormal)
}

// StoreChangesets inserts a batch of changesets as a single atomic
// transaction (beyond any internal sub-commits forced by size).
func (j *Journal) StoreChangesets(ctx context.Context, chs []Changeset) error {
	t, err := beginTxn(j, true)
	if err != nil {
		return err
	}

	for _, ch := range chs {
		if ch == nil {
			t.abort()
			return newErr(KindInvalidArgument, nil)
		}

		if err := j.insertLocked(ctx, t, ch, modeNormal); err != nil {
			t.abort()
			return err
		}
	}

	return t.commit()
}

func (j *Journal) storeOne(ctx context.Context, ch Changeset, mode insertMode) error {
	if ch == nil {
		return newErr(KindInvalidArgument, nil)
	}

	t, err := beginTxn(j, true)
	if err != nil {
		return err
	}

	if err := j.insertLocked(ctx, t, ch, mode); err != nil {
		t.abort()
		return err
	}

	return t.commit()
}

// insertLocked runs steps 1-7 of the insert algorithm against an
// already-open txn without committing it; the caller (storeOne,
// StoreChangesets, or the compactor for a merged insert) commits.
func (j *Journal) insertLocked(ctx context.Context, t *txn, ch Changeset, mode insertMode) error {
	from, to := ch.FromSerial(), ch.ToSerial()

	if mode == modeNormal {
		if err := j.continuityCheck(ctx, t, from); err != nil {
			return err
		}

		if err := j.duplicateCheck(ctx, t, to); err != nil {
			return err
		}

		if err := j.ensureSpace(ctx, t, mode); err != nil {
			return err
		}
	}

	if err := j.serializeAndCommit(t, ch, from, to, bucketForMode(mode)); err != nil {
		return err
	}

	if mode == modeNormal {
		firstEver := !t.shadow.Flags.Has(FlagSerialToValid) && !t.shadow.Flags.Has(FlagMergedSerialValid)

		t.shadow.Flags = t.shadow.Flags.Set(FlagSerialToValid)
		t.shadow.LastSerial = from
		t.shadow.LastSerialTo = to
		changed := fieldFlags | fieldLastSerial | fieldLastSerialTo

		if firstEver {
			t.shadow.FirstSerial = from
			changed |= fieldFirstSerial
		}

		t.markChanged(changed)
	} else {
		t.shadow.Flags = t.shadow.Flags.Set(FlagMergedSerialValid)
		t.shadow.MergedSerial = from
		t.markChanged(fieldFlags | fieldMergedSerial)
	}

	return nil
}

// continuityCheck implements step 1: if the new changeset's from-serial
// doesn't match the chain's last recorded to-serial, the caller's history
// is treated as stale (zone re-initialization, or serial wraparound gap):
// log a warning, flush it, and drop the entire chain so the new changeset
// becomes the start of a fresh one.
func (j *Journal) continuityCheck(ctx context.Context, t *txn, from uint32) error {
	if !t.shadow.Flags.Has(FlagSerialToValid) {
		return nil
	}

	if t.shadow.LastSerialTo == from {
		return nil
	}

	j.logger.Warn("changeset discontinuity, dropping history",
		zap.Uint32("expected_from", t.shadow.LastSerialTo), zap.Uint32("got_from", from))

	if err := j.flushLocked(t); err != nil {
		return err
	}

	return j.dropHistoryLocked(t)
}

// duplicateCheck implements step 2: a chunk already stored at (to, 0)
// means the new changeset's to-serial has collided with an older one on
// the cyclic serial space (wraparound reuse). Evict the prefix up to and
// including that serial, after ensuring it is flushed.
func (j *Journal) duplicateCheck(ctx context.Context, t *txn, to uint32) error {
	_, found, err := t.find(bucketData, encodeKeySlice(to, 0))
	if err != nil {
		return err
	}

	if !found {
		return nil
	}

	j.logger.Warn("duplicate serial collision, evicting history through it",
		zap.Uint32("serial", to))

	if err := j.flushLocked(t); err != nil {
		return err
	}

	_, err = j.evictThroughLocked(t, to)

	return err
}

// ensureSpace implements step 3/4: when occupancy exceeds the allowed
// threshold, evict the flushed prefix and, if that alone isn't enough,
// fall back to merge or an external flush request.
func (j *Journal) ensureSpace(ctx context.Context, t *txn, mode insertMode) error {
	allowed := j.allowedOccupancy(t.shadow)

	occupiedBefore, err := j.db.OccupiedBytes()
	if err != nil {
		return t.fail(wrapStore(err))
	}

	limit := j.opts.SizeLimit
	occupancy := float64(occupiedBefore) / float64(limit)

	if occupancy <= allowed {
		return nil
	}

	want := uint64((occupancy - allowed) * float64(limit) * j.opts.Policy.EvictionMultiplier)

	freed, err := j.evictLocked(t, want)
	if err != nil {
		return err
	}

	if freed >= want {
		return nil
	}

	if mode != modeNormal {
		// Merged-insert space pressure can't recurse into flush/merge.
		return newErr(KindNoSpace, nil)
	}

	if j.opts.Policy.MergeEnabled {
		if err := j.mergeJournalLocked(ctx, t); err != nil {
			return err
		}

		return nil
	}

	if j.opts.Policy.FlushFunc == nil {
		return newErr(KindBusy, nil)
	}

	if err := j.opts.Policy.FlushFunc(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			return newErr(KindBusy, nil)
		}

		return newErr(KindStore, err)
	}

	if err := j.flushLocked(t); err != nil {
		return err
	}

	freed, err = j.evictLocked(t, want)
	if err != nil {
		return err
	}

	if freed == 0 && want > 0 {
		return newErr(KindNoSpace, nil)
	}

	return nil
}

// allowedOccupancy picks the occupancy threshold for the current state per
// step 3's rules: one minus the fraction of the size limit the policy
// keeps free.
func (j *Journal) allowedOccupancy(m Metadata) float64 {
	p := j.opts.Policy

	switch {
	case m.Flags.Has(FlagMergedSerialValid):
		return 1 - p.OccupancyMerged
	case p.MergeEnabled:
		return 1 - p.OccupancyMergePending
	default:
		return 1 - p.OccupancyNoMerge
	}
}

// bucketForMode returns the bucket a changeset inserted in mode is stored in.
func bucketForMode(mode insertMode) []byte {
	if mode == modeMerged {
		return bucketMerged
	}

	return bucketData
}

// serializeAndCommit implements steps 5-6: serialize ch into chunks and
// insert them, sub-committing via the dirty-serial protocol whenever
// accumulated inserted bytes cross the configured threshold.
func (j *Journal) serializeAndCommit(t *txn, ch Changeset, from, to uint32, bucket []byte) error {
	maxPayload := j.opts.ChunkMax - chunkHeaderSize
	if maxPayload <= 0 {
		return t.fail(newErr(KindInvalidArgument, nil))
	}

	chunks, err := ch.SerializeChunks(maxPayload)
	if err != nil {
		return t.fail(newErr(KindInvalidArgument, err))
	}

	if len(chunks) == 0 {
		return t.fail(newErr(KindInvalidArgument, nil))
	}

	subCommitBytes := uint64(float64(j.opts.SizeLimit) * j.opts.Policy.SubCommitThreshold)
	var sinceSubCommit uint64

	for idx, payload := range chunks {
		header := chunkHeader{
			SerialTo:   to,
			ChunkCount: uint32(len(chunks)), //nolint:gosec // bounded by serialized size
			ChunkSize:  uint32(len(payload)), //nolint:gosec
		}

		val := encodeChunkValue(header, payload)

		if err := t.insert(bucket, encodeKeySlice(from, uint32(idx)), val); err != nil { //nolint:gosec
			if errors.Is(err, kv.ErrTxFull) {
				return t.fail(newErr(KindNoSpace, err))
			}

			return err
		}

		sinceSubCommit += uint64(len(val))

		isLast := idx == len(chunks)-1

		if sinceSubCommit > subCommitBytes && !isLast {
			t.shadow.DirtySerial = from
			t.shadow.Flags = t.shadow.Flags.Set(FlagDirtySerialValid)
			t.markChanged(fieldDirtySerial | fieldFlags)

			if err := refreshTxn(t); err != nil {
				return err
			}

			t.shadow.Flags = t.shadow.Flags.Clear(FlagDirtySerialValid)
			t.markChanged(fieldFlags)

			sinceSubCommit = 0
		}
	}

	return nil
}
