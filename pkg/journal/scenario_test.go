package journal

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/calvinalkan/zonejournal/pkg/journal/journaltest"
	"github.com/calvinalkan/zonejournal/pkg/journal/kv"
)

// TestScenario1SimpleRoundTrip: open a journal, store one changeset with
// randomized TXT record additions/removals, and load it back bytewise
// equal.
func TestScenario1SimpleRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newDB func(uint64) kv.DB) {
		opts := testOptions()
		opts.SizeLimit = 2 << 20

		j := newTestJournal(t, newDB(opts.SizeLimit), journaltest.Codec{}, opts)
		ctx := context.Background()

		rng := rand.New(rand.NewSource(42))
		c := journaltest.RandomTXTChangeset(rng, 0, 1, "test", 64)

		if err := j.StoreChangeset(ctx, c); err != nil {
			t.Fatalf("StoreChangeset: %v", err)
		}

		loaded, err := j.LoadChangesets(ctx, 0)
		if err != nil {
			t.Fatalf("LoadChangesets: %v", err)
		}

		if len(loaded) != 1 {
			t.Fatalf("len(loaded) = %d, want 1", len(loaded))
		}

		got := loaded[0].(*journaltest.TXTChangeset)
		if diff := cmp.Diff(c, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("round-tripped changeset mismatch (-want +got):\n%s", diff)
		}
	})
}

// TestScenario2FillAndFlush: insert random changesets until the writer
// reports busy, flush, reopen, and insert one more successfully.
func TestScenario2FillAndFlush(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	opts := testOptions()
	opts.SizeLimit = minSizeLimit

	j, err := Open(ctx, dir, journaltest.Codec{}, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rng := rand.New(rand.NewSource(7))

	var serial uint32 = 1
	for {
		cs := journaltest.RandomTXTChangeset(rng, serial, serial+1, "test", 128)

		err := j.StoreChangeset(ctx, cs)
		if err == nil {
			serial++
			continue
		}

		if errors.Is(err, ErrBusy) || errors.Is(err, ErrNoSpace) {
			break
		}

		t.Fatalf("StoreChangeset: unexpected error %v", err)
	}

	if err := j.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := Open(ctx, dir, journaltest.Codec{}, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	if err := j2.StoreChangeset(ctx, &journaltest.TXTChangeset{From: serial, To: serial + 1}); err != nil {
		t.Fatalf("StoreChangeset after flush: %v", err)
	}
}

// TestScenario3DiscontinuityRecovery: a changeset whose from-serial doesn't
// connect to the chain drops the existing history and starts fresh.
func TestScenario3DiscontinuityRecovery(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newDB func(uint64) kv.DB) {
		j := newTestJournal(t, newDB(minSizeLimit), journaltest.Codec{}, testOptions())
		ctx := context.Background()

		if err := j.StoreChangeset(ctx, &journaltest.TXTChangeset{From: 0, To: 1}); err != nil {
			t.Fatalf("StoreChangeset: %v", err)
		}

		if err := j.StoreChangeset(ctx, &journaltest.TXTChangeset{From: 1, To: 2}); err != nil {
			t.Fatalf("StoreChangeset: %v", err)
		}

		if err := j.StoreChangeset(ctx, &journaltest.TXTChangeset{From: 7, To: 8}); err != nil {
			t.Fatalf("StoreChangeset after discontinuity: %v", err)
		}

		chs, err := j.LoadChangesets(ctx, 7)
		if err != nil {
			t.Fatalf("LoadChangesets(7): %v", err)
		}

		if len(chs) != 1 || chs[0].FromSerial() != 7 || chs[0].ToSerial() != 8 {
			t.Fatalf("LoadChangesets(7) = %+v, want [7->8]", chs)
		}

		_, err = j.LoadChangesets(ctx, 0)
		if err == nil {
			t.Fatalf("LoadChangesets(0) = nil error, want not-found")
		}

		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("LoadChangesets(0) err = %v, want ErrNotFound", err)
		}
	})
}

// TestScenario4MergeModeCompaction: three changesets where B is removed
// then re-added fold into one merged changeset with B surviving and no net
// removal of it.
func TestScenario4MergeModeCompaction(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newDB func(uint64) kv.DB) {
		opts := testOptions()
		opts.Policy.MergeEnabled = true

		j := newTestJournal(t, newDB(minSizeLimit), journaltest.Codec{}, opts)
		ctx := context.Background()

		a := journaltest.TXTRecord{Name: "a.test", Value: "1"}
		b := journaltest.TXTRecord{Name: "b.test", Value: "1"}
		c := journaltest.TXTRecord{Name: "c.test", Value: "1"}

		c0 := &journaltest.TXTChangeset{From: 0, To: 1, Additions: []journaltest.TXTRecord{a, b}}
		c1 := &journaltest.TXTChangeset{From: 1, To: 2, Additions: []journaltest.TXTRecord{c}, Removals: []journaltest.TXTRecord{b}}
		c2 := &journaltest.TXTChangeset{From: 2, To: 3, Additions: []journaltest.TXTRecord{b}, Removals: []journaltest.TXTRecord{c}}

		for _, cs := range []*journaltest.TXTChangeset{c0, c1, c2} {
			if err := j.StoreChangeset(ctx, cs); err != nil {
				t.Fatalf("StoreChangeset: %v", err)
			}
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

		chs, err := j.LoadChangesets(ctx, 0)
		if err != nil {
			t.Fatalf("LoadChangesets: %v", err)
		}

		if len(chs) != 1 {
			t.Fatalf("len(chs) = %d, want 1 (fully merged, no unmerged tail)", len(chs))
		}

		merged := chs[0].(*journaltest.TXTChangeset)

		hasB := false
		for _, r := range merged.Additions {
			if r == b {
				hasB = true
			}
		}

		if !hasB {
			t.Fatalf("merged additions = %+v, want to include B", merged.Additions)
		}

		for _, r := range merged.Removals {
			if r == b || r == c {
				t.Fatalf("merged removals = %+v, want B and C canceled out", merged.Removals)
			}
		}
	})
}

// TestScenario5ShrinkMappingRefusal: reopening at a smaller size limit with
// unflushed history pending must return try-again, not silently wipe data.
func TestScenario5ShrinkMappingRefusal(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	big := testOptions()
	big.SizeLimit = 10 << 20

	j, err := Open(ctx, dir, journaltest.Codec{}, big)
	if err != nil {
		t.Fatalf("Open big: %v", err)
	}

	if err := j.StoreChangeset(ctx, &journaltest.TXTChangeset{From: 0, To: 1}); err != nil {
		t.Fatalf("StoreChangeset: %v", err)
	}

	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	small := big
	small.SizeLimit = 2 << 20

	_, err = Open(ctx, dir, journaltest.Codec{}, small)
	if !errors.Is(err, ErrTryAgain) {
		t.Fatalf("Open small with unflushed history err = %v, want ErrTryAgain", err)
	}

	j2, err := Open(ctx, dir, journaltest.Codec{}, big)
	if err != nil {
		t.Fatalf("reopen big: %v", err)
	}

	if err := j2.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := j2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j3, err := Open(ctx, dir, journaltest.Codec{}, small)
	if err != nil {
		t.Fatalf("reopen small after flush: %v", err)
	}
	defer j3.Close()
}

// TestScenario6DirtySerialSweep: an insert that left chunks under a dirty
// serial but never cleared the flag (simulating a crash between
// sub-commits) is swept on the next Open, and the pre-insert metadata state
// is what MetadataInfo reports.
func TestScenario6DirtySerialSweep(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	opts := testOptions()

	j, err := Open(ctx, dir, journaltest.Codec{}, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	preInsertInfo, err := j.MetadataInfo(ctx)
	if err != nil {
		t.Fatalf("MetadataInfo: %v", err)
	}

	tx, err := beginTxn(j, true)
	if err != nil {
		t.Fatalf("beginTxn: %v", err)
	}

	const dirtySerial = 5

	h := chunkHeader{SerialTo: 6, ChunkCount: 2, ChunkSize: 1}
	if err := tx.insert(bucketData, encodeKeySlice(dirtySerial, 0), encodeChunkValue(h, []byte("x"))); err != nil {
		t.Fatalf("insert chunk 0: %v", err)
	}

	tx.shadow.DirtySerial = dirtySerial
	tx.shadow.Flags = tx.shadow.Flags.Set(FlagDirtySerialValid)
	tx.markChanged(fieldDirtySerial | fieldFlags)

	if err := tx.commit(); err != nil {
		t.Fatalf("commit simulated partial insert: %v", err)
	}

	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := Open(ctx, dir, journaltest.Codec{}, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	if j2.meta.Flags.Has(FlagDirtySerialValid) {
		t.Fatalf("FlagDirtySerialValid still set after reopen")
	}

	tx2, err := beginTxn(j2, false)
	if err != nil {
		t.Fatalf("beginTxn: %v", err)
	}
	defer tx2.abort()

	_, found, err := tx2.find(bucketData, encodeKeySlice(dirtySerial, 0))
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if found {
		t.Fatalf("dirty chunk (serial, 0) still present after sweep")
	}

	info, err := j2.MetadataInfo(ctx)
	if err != nil {
		t.Fatalf("MetadataInfo: %v", err)
	}

	if info != preInsertInfo {
		t.Fatalf("MetadataInfo after sweep = %+v, want pre-insert state %+v", info, preInsertInfo)
	}
}
