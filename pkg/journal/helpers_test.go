package journal

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/calvinalkan/zonejournal/pkg/journal/kv"
	"github.com/calvinalkan/zonejournal/pkg/journal/kv/boltkv"
	"github.com/calvinalkan/zonejournal/pkg/journal/kv/memkv"
)

// newTestJournal builds a Journal directly against db, bypassing Open's
// filesystem handling, so tests can run identically against memkv and
// boltkv.
func newTestJournal(t *testing.T, db kv.DB, codec ChangesetCodec, opts Options) *Journal {
	t.Helper()

	opts = opts.clamped()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}

	j := &Journal{db: db, opts: opts, codec: codec}
	j.logger = zaptest.NewLogger(t)

	if err := j.loadOrInit(context.Background()); err != nil {
		t.Fatalf("loadOrInit: %v", err)
	}

	if err := j.sweepDirtySerial(context.Background()); err != nil {
		t.Fatalf("sweepDirtySerial: %v", err)
	}

	return j
}

// forEachBackend runs subtest fn once per backing-store implementation, so
// behavioral tests exercise both the deterministic in-memory store and the
// real durable one.
func forEachBackend(t *testing.T, fn func(t *testing.T, newDB func(sizeLimit uint64) kv.DB)) {
	t.Helper()

	t.Run("memkv", func(t *testing.T) {
		fn(t, func(sizeLimit uint64) kv.DB {
			return memkv.New(sizeLimit)
		})
	})

	t.Run("boltkv", func(t *testing.T) {
		dir := t.TempDir()

		fn(t, func(sizeLimit uint64) kv.DB {
			db, err := boltkv.Open(dir+"/journal.db", sizeLimit, bucketData, bucketMeta, bucketMerged)
			if err != nil {
				t.Fatalf("boltkv.Open: %v", err)
			}

			return db
		})
	})
}

func testOptions() Options {
	return Options{
		SizeLimit: minSizeLimit,
		ZoneName:  []byte("\x04test\x00"),
		Policy:    DefaultPolicy(),
	}
}
