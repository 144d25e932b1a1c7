package journal

import (
	"context"
	"testing"

	"github.com/calvinalkan/zonejournal/pkg/journal/journaltest"
	"github.com/calvinalkan/zonejournal/pkg/journal/kv"
)

func TestFlushIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newDB func(uint64) kv.DB) {
		j := newTestJournal(t, newDB(minSizeLimit), journaltest.Codec{}, testOptions())
		ctx := context.Background()

		if err := j.StoreChangeset(ctx, &journaltest.TXTChangeset{From: 1, To: 2}); err != nil {
			t.Fatalf("StoreChangeset: %v", err)
		}

		if err := j.Flush(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}

		if j.meta.LastFlushed != 1 || !j.meta.Flags.Has(FlagLastFlushedValid) {
			t.Fatalf("meta after flush = %+v, want LastFlushed=1", j.meta)
		}

		if err := j.Flush(ctx); err != nil {
			t.Fatalf("second Flush: %v", err)
		}

		if j.meta.LastFlushed != 1 {
			t.Fatalf("meta after second flush = %+v, want unchanged LastFlushed=1", j.meta)
		}
	})
}

func TestEvictLockedStopsAtLastFlushed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newDB func(uint64) kv.DB) {
		j := newTestJournal(t, newDB(minSizeLimit), journaltest.Codec{}, testOptions())
		ctx := context.Background()

		if err := j.StoreChangeset(ctx, &journaltest.TXTChangeset{From: 1, To: 2}); err != nil {
			t.Fatalf("StoreChangeset: %v", err)
		}

		if err := j.StoreChangeset(ctx, &journaltest.TXTChangeset{From: 2, To: 3}); err != nil {
			t.Fatalf("StoreChangeset: %v", err)
		}

		// Flush only the first changeset.
		tx, err := beginTxn(j, true)
		if err != nil {
			t.Fatalf("beginTxn: %v", err)
		}

		tx.shadow.LastFlushed = 1
		tx.shadow.Flags = tx.shadow.Flags.Set(FlagLastFlushedValid)
		tx.markChanged(fieldLastFlushed | fieldFlags)

		freed, err := j.evictLocked(tx, 1<<30)
		if err != nil {
			t.Fatalf("evictLocked: %v", err)
		}

		if freed == 0 {
			t.Fatalf("evictLocked freed 0 bytes, want >0")
		}

		if err := tx.commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}

		if j.meta.FirstSerial != 2 {
			t.Fatalf("FirstSerial = %d, want 2 (stopped before unflushed changeset)", j.meta.FirstSerial)
		}

		tx2, err := beginTxn(j, false)
		if err != nil {
			t.Fatalf("beginTxn: %v", err)
		}
		defer tx2.abort()

		_, found, err := tx2.find(bucketData, encodeKeySlice(2, 0))
		if err != nil {
			t.Fatalf("find: %v", err)
		}

		if !found {
			t.Fatalf("unflushed changeset at serial 2 was evicted, want kept")
		}
	})
}

func TestDropJournalClearsEverything(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newDB func(uint64) kv.DB) {
		j := newTestJournal(t, newDB(minSizeLimit), journaltest.Codec{}, testOptions())
		ctx := context.Background()

		if err := j.StoreChangeset(ctx, &journaltest.TXTChangeset{From: 1, To: 2}); err != nil {
			t.Fatalf("StoreChangeset: %v", err)
		}

		if err := j.DropJournal(ctx); err != nil {
			t.Fatalf("DropJournal: %v", err)
		}

		if j.meta.Flags.Has(FlagSerialToValid) {
			t.Fatalf("FlagSerialToValid still set after DropJournal")
		}

		info, err := j.MetadataInfo(ctx)
		if err != nil {
			t.Fatalf("MetadataInfo: %v", err)
		}

		if !info.Empty {
			t.Fatalf("MetadataInfo.Empty = false after DropJournal")
		}
	})
}

func TestMergeJournalFoldsUnflushedTailIntoOneChangeset(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newDB func(uint64) kv.DB) {
		opts := testOptions()
		opts.Policy.MergeEnabled = true

		j := newTestJournal(t, newDB(minSizeLimit), journaltest.Codec{}, opts)
		ctx := context.Background()

		add := journaltest.TXTRecord{Name: "a.test", Value: "1"}
		rem := journaltest.TXTRecord{Name: "b.test", Value: "2"}

		cs1 := &journaltest.TXTChangeset{From: 1, To: 2, Additions: []journaltest.TXTRecord{add}}
		cs2 := &journaltest.TXTChangeset{From: 2, To: 3, Removals: []journaltest.TXTRecord{rem}}

		if err := j.StoreChangeset(ctx, cs1); err != nil {
			t.Fatalf("StoreChangeset cs1: %v", err)
		}

		if err := j.StoreChangeset(ctx, cs2); err != nil {
			t.Fatalf("StoreChangeset cs2: %v", err)
		}

		tx, err := beginTxn(j, true)
		if err != nil {
			t.Fatalf("beginTxn: %v", err)
		}

		if err := j.mergeJournalLocked(ctx, tx); err != nil {
			tx.abort()
			t.Fatalf("mergeJournalLocked: %v", err)
		}

		if err := tx.commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}

		if !j.meta.Flags.Has(FlagMergedSerialValid) {
			t.Fatalf("FlagMergedSerialValid not set after merge")
		}

		if j.meta.MergedSerial != 1 {
			t.Fatalf("MergedSerial = %d, want 1", j.meta.MergedSerial)
		}

		chs, err := j.LoadChangesets(ctx, 1)
		if err != nil {
			t.Fatalf("LoadChangesets: %v", err)
		}

		if len(chs) != 1 {
			t.Fatalf("len(chs) = %d, want 1 merged changeset", len(chs))
		}

		merged := chs[0].(*journaltest.TXTChangeset)
		if merged.From != 1 || merged.To != 3 {
			t.Fatalf("merged span = %d->%d, want 1->3", merged.From, merged.To)
		}
	})
}

func TestFirstUnflushedSerialReportsFalseWhenEverythingFlushed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newDB func(uint64) kv.DB) {
		j := newTestJournal(t, newDB(minSizeLimit), journaltest.Codec{}, testOptions())
		ctx := context.Background()

		if err := j.StoreChangeset(ctx, &journaltest.TXTChangeset{From: 1, To: 2}); err != nil {
			t.Fatalf("StoreChangeset: %v", err)
		}

		if err := j.Flush(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}

		tx, err := beginTxn(j, false)
		if err != nil {
			t.Fatalf("beginTxn: %v", err)
		}
		defer tx.abort()

		_, ok, err := j.firstUnflushedSerial(tx)
		if err != nil {
			t.Fatalf("firstUnflushedSerial: %v", err)
		}

		if ok {
			t.Fatalf("firstUnflushedSerial ok = true, want false (everything flushed)")
		}
	})
}
