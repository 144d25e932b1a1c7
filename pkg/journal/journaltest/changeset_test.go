package journaltest

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestSerializeChunksThenDeserializeRoundTrips(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	c := RandomTXTChangeset(rng, 10, 11, "example.test", 5)

	chunks, err := c.SerializeChunks(32)
	if err != nil {
		t.Fatalf("SerializeChunks: %v", err)
	}

	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want multiple chunks at this payload size", len(chunks))
	}

	got, err := (Codec{}).DeserializeChunks(c.From, c.To, chunks)
	if err != nil {
		t.Fatalf("DeserializeChunks: %v", err)
	}

	gotCS := got.(*TXTChangeset)
	if diff := cmp.Diff(c, gotCS, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round-tripped changeset mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeCancelsAddThenRemove(t *testing.T) {
	a := TXTRecord{Name: "a.test", Value: "1"}
	b := TXTRecord{Name: "b.test", Value: "1"}

	older := &TXTChangeset{From: 0, To: 1, Additions: []TXTRecord{a, b}}
	newer := &TXTChangeset{From: 1, To: 2, Removals: []TXTRecord{b}}

	merged, err := newer.Merge(older)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	m := merged.(*TXTChangeset)
	if m.FromSerial() != 0 || m.ToSerial() != 2 {
		t.Fatalf("merged span = %d->%d, want 0->2", m.FromSerial(), m.ToSerial())
	}

	if len(m.Additions) != 1 || m.Additions[0] != a {
		t.Fatalf("merged additions = %+v, want just [a]", m.Additions)
	}

	if len(m.Removals) != 0 {
		t.Fatalf("merged removals = %+v, want empty (b added and removed cancel)", m.Removals)
	}
}

func TestMergeRejectsNonAdjacentBoundary(t *testing.T) {
	older := &TXTChangeset{From: 0, To: 1}
	newer := &TXTChangeset{From: 5, To: 6}

	if _, err := newer.Merge(older); err == nil {
		t.Fatalf("Merge across non-adjacent boundary = nil error")
	}
}

func TestSerializedSizeMatchesEncodedChunkTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	c := RandomTXTChangeset(rng, 0, 1, "example.test", 3)

	chunks, err := c.SerializeChunks(1 << 20)
	if err != nil {
		t.Fatalf("SerializeChunks: %v", err)
	}

	total := 0
	for _, ch := range chunks {
		total += len(ch)
	}

	if total != c.SerializedSize() {
		t.Fatalf("total chunk bytes = %d, want SerializedSize() = %d", total, c.SerializedSize())
	}
}
