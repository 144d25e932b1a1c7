package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/calvinalkan/zonejournal/pkg/journal/kv"
	"github.com/calvinalkan/zonejournal/pkg/journal/kv/boltkv"
)

// Journal is an open per-zone changeset log. Not safe for concurrent
// StoreChangeset/StoreChangesets/Flush calls from multiple goroutines;
// callers serialize their own writer the same way the backing store
// serializes its write-transaction lock.
type Journal struct {
	db     kv.DB
	opts   Options
	codec  ChangesetCodec
	logger *zap.Logger
	path   string

	// meta is the last-known-good metadata, published only by a
	// successfully committed owning txn.
	meta Metadata
}

// dbFileName is the backing store's file name within the journal
// directory, rather than loose files at the caller's chosen path.
const dbFileName = "journal.db"

// Exists reports whether a journal directory is present at path, without
// opening it.
func Exists(path string) bool {
	_, err := os.Stat(filepath.Join(path, dbFileName))
	return err == nil
}

// Open opens (creating if absent) the journal directory at path.
//
// codec is used to reconstruct stored changesets: by LoadChangesets, by
// merge-mode compaction, and by DropJournal when a merged changeset is
// present. With a nil codec those calls fail with an invalid-argument error.
func Open(ctx context.Context, path string, codec ChangesetCodec, opts Options) (*Journal, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	opts = opts.clamped()

	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, newErr(KindStore, fmt.Errorf("creating journal directory: %w", err))
	}

	dbPath := filepath.Join(path, dbFileName)

	if existing, statErr := os.Stat(dbPath); statErr == nil {
		if tryAgain, err := detectShrunkMapping(dbPath, existing.Size(), opts); err != nil {
			return nil, err
		} else if tryAgain {
			return nil, newErr(KindTryAgain, nil)
		}
	}

	db, err := boltkv.Open(dbPath, opts.SizeLimit, bucketData, bucketMeta, bucketMerged)
	if err != nil {
		return nil, newErr(KindStore, err)
	}

	j := &Journal{db: db, opts: opts, codec: codec, logger: opts.Logger, path: path}

	if err := j.loadOrInit(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := j.sweepDirtySerial(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return j, nil
}

// detectShrunkMapping reports tryAgain=true when the existing file is
// larger than the newly requested size limit and unflushed history exists
// - the caller must reopen at the old limit, flush, then retry. Otherwise
// it wipes the store so it can be recreated at the smaller limit.
func detectShrunkMapping(dbPath string, existingSize int64, opts Options) (tryAgain bool, err error) {
	if existingSize <= 0 || uint64(existingSize) <= opts.SizeLimit { //nolint:gosec // size from os.Stat
		return false, nil
	}

	db, err := boltkv.Open(dbPath, uint64(existingSize), bucketData, bucketMeta, bucketMerged) //nolint:gosec
	if err != nil {
		return false, newErr(KindStore, err)
	}
	defer db.Close()

	btx, err := db.Begin(false)
	if err != nil {
		return false, newErr(KindStore, err)
	}
	defer btx.Abort()

	m, found, err := loadMetadata(btx)
	if err != nil {
		return false, err
	}

	if !found {
		return false, nil
	}

	hasUnflushedHistory := m.Flags.Has(FlagSerialToValid) &&
		(!m.Flags.Has(FlagLastFlushedValid) || m.LastFlushed != m.LastSerial)

	if hasUnflushedHistory {
		return true, nil
	}

	return false, os.Remove(dbPath)
}

// loadOrInit loads the existing metadata record, or, for a brand-new
// store, writes the initial version and zone_name.
func (j *Journal) loadOrInit(ctx context.Context) error {
	_ = ctx

	t, err := beginTxn(j, true)
	if err != nil {
		return err
	}

	m, found, err := loadMetadata(t.tx)
	if err != nil {
		t.abort()
		return err
	}

	if !found {
		t.shadow = Metadata{Version: CurrentVersion, ZoneName: j.opts.ZoneName}
		t.markChanged(allFields)

		if err := t.commit(); err != nil {
			return err
		}

		return nil
	}

	if majorDigit(m.Version) != majorDigit(CurrentVersion) {
		t.abort()
		return newErr(KindUnsupported, nil)
	}

	if len(j.opts.ZoneName) > 0 && string(m.ZoneName) != string(j.opts.ZoneName) {
		t.abort()
		return newErr(KindSemanticCheck, nil, withZoneName(m.ZoneName))
	}

	j.meta = m
	t.abort()

	return nil
}

// sweepDirtySerial deletes every (dirty_serial, _) chunk left behind by an
// insert that aborted mid multi-commit, and clears the flag.
func (j *Journal) sweepDirtySerial(ctx context.Context) error {
	_ = ctx

	if !j.meta.Flags.Has(FlagDirtySerialValid) {
		return nil
	}

	dirty := j.meta.DirtySerial

	t, err := beginTxn(j, true)
	if err != nil {
		return err
	}

	idx := uint32(0)

	for {
		k := encodeKeySlice(dirty, idx)

		_, found, err := t.find(bucketData, k)
		if err != nil {
			t.abort()
			return err
		}

		if !found {
			break
		}

		if err := t.delete(bucketData, k); err != nil {
			t.abort()
			return err
		}

		idx++
	}

	t.shadow.Flags = t.shadow.Flags.Clear(FlagDirtySerialValid)
	t.shadow.DirtySerial = 0
	t.markChanged(fieldFlags | fieldDirtySerial)

	if err := t.commit(); err != nil {
		return err
	}

	j.logger.Info("swept dirty serial left by interrupted insert",
		zap.Uint32("serial", dirty), zap.Uint32("chunks_removed", idx))

	return nil
}

// Close releases the backing store. No teardown writes are required:
// every state transition is committed as it happens.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return newErr(KindStore, err)
	}

	return nil
}

// LoadZoneName returns the journal's stored zone name.
func (j *Journal) LoadZoneName(ctx context.Context) ([]byte, error) {
	_ = ctx
	return append([]byte(nil), j.meta.ZoneName...), nil
}

// MetadataInfo reports the visible serial range of the journal.
func (j *Journal) MetadataInfo(ctx context.Context) (MetadataInfo, error) {
	_ = ctx

	m := j.meta

	if m.Flags.Has(FlagMergedSerialValid) {
		return MetadataInfo{Empty: false, From: m.MergedSerial, To: m.LastSerialTo}, nil
	}

	if m.Flags.Has(FlagSerialToValid) {
		return MetadataInfo{Empty: false, From: m.FirstSerial, To: m.LastSerialTo}, nil
	}

	return MetadataInfo{Empty: true}, nil
}
