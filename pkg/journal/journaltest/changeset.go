// Package journaltest provides a reference [journal.Changeset]
// implementation - DNS TXT record additions and removals under one zone -
// plus a matching codec and generators, for use by this module's own
// tests and importable by callers writing their own.
package journaltest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"

	"github.com/calvinalkan/zonejournal/pkg/journal"
)

// TXTRecord is one owner-name/value pair, the unit of change in
// [TXTChangeset].
type TXTRecord struct {
	Name  string
	Value string
}

// TXTChangeset is a [journal.Changeset] whose content is a set of TXT
// record additions and removals between two SOA serials.
type TXTChangeset struct {
	From, To  uint32
	Additions []TXTRecord
	Removals  []TXTRecord
}

var _ journal.Changeset = (*TXTChangeset)(nil)

func (c *TXTChangeset) FromSerial() uint32 { return c.From }
func (c *TXTChangeset) ToSerial() uint32   { return c.To }

func (c *TXTChangeset) SerializedSize() int {
	return len(c.encode())
}

// SerializeChunks splits the encoded form into pieces no larger than
// maxChunkPayload bytes each.
func (c *TXTChangeset) SerializeChunks(maxChunkPayload int) ([][]byte, error) {
	if maxChunkPayload <= 0 {
		return nil, fmt.Errorf("journaltest: maxChunkPayload must be positive, got %d", maxChunkPayload)
	}

	data := c.encode()
	if len(data) == 0 {
		return [][]byte{{}}, nil
	}

	var chunks [][]byte

	for len(data) > 0 {
		n := maxChunkPayload
		if n > len(data) {
			n = len(data)
		}

		chunks = append(chunks, data[:n])
		data = data[n:]
	}

	return chunks, nil
}

// Merge folds older (From==older.To i.e. older is the adjacent earlier
// changeset) into c, canceling any record that older added and c removes
// (or vice versa) and returning a new changeset spanning older.From ->
// c.To.
func (c *TXTChangeset) Merge(older journal.Changeset) (journal.Changeset, error) {
	o, ok := older.(*TXTChangeset)
	if !ok {
		return nil, fmt.Errorf("journaltest: Merge expects *TXTChangeset, got %T", older)
	}

	if o.To != c.From {
		return nil, fmt.Errorf("journaltest: merge boundary mismatch: older.To=%d c.From=%d", o.To, c.From)
	}

	adds := map[TXTRecord]bool{}
	rems := map[TXTRecord]bool{}

	for _, r := range o.Additions {
		adds[r] = true
	}

	for _, r := range o.Removals {
		rems[r] = true
	}

	for _, r := range c.Additions {
		if rems[r] {
			delete(rems, r)
		} else {
			adds[r] = true
		}
	}

	for _, r := range c.Removals {
		if adds[r] {
			delete(adds, r)
		} else {
			rems[r] = true
		}
	}

	return &TXTChangeset{
		From:      o.From,
		To:        c.To,
		Additions: sortedRecords(adds),
		Removals:  sortedRecords(rems),
	}, nil
}

func sortedRecords(set map[TXTRecord]bool) []TXTRecord {
	out := make([]TXTRecord, 0, len(set))
	for r := range set {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}

		return out[i].Value < out[j].Value
	})

	return out
}

// encode is a simple length-prefixed wire format: additions count,
// removals count, then each record as (name-len, name, value-len, value).
func (c *TXTChangeset) encode() []byte {
	var buf bytes.Buffer

	writeU32(&buf, uint32(len(c.Additions))) //nolint:gosec
	writeU32(&buf, uint32(len(c.Removals)))  //nolint:gosec

	for _, r := range c.Additions {
		writeRecord(&buf, r)
	}

	for _, r := range c.Removals {
		writeRecord(&buf, r)
	}

	return buf.Bytes()
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeRecord(buf *bytes.Buffer, r TXTRecord) {
	writeU32(buf, uint32(len(r.Name))) //nolint:gosec
	buf.WriteString(r.Name)
	writeU32(buf, uint32(len(r.Value))) //nolint:gosec
	buf.WriteString(r.Value)
}

// Codec deserializes chunks written by [TXTChangeset.SerializeChunks].
type Codec struct{}

var _ journal.ChangesetCodec = Codec{}

func (Codec) DeserializeChunks(from, to uint32, chunks [][]byte) (journal.Changeset, error) {
	var data []byte
	for _, c := range chunks {
		data = append(data, c...)
	}

	if len(data) == 0 {
		return &TXTChangeset{From: from, To: to}, nil
	}

	r := bytes.NewReader(data)

	nAdd, err := readU32(r)
	if err != nil {
		return nil, err
	}

	nRem, err := readU32(r)
	if err != nil {
		return nil, err
	}

	adds := make([]TXTRecord, nAdd)
	for i := range adds {
		rec, err := readRecord(r)
		if err != nil {
			return nil, err
		}

		adds[i] = rec
	}

	rems := make([]TXTRecord, nRem)
	for i := range rems {
		rec, err := readRecord(r)
		if err != nil {
			return nil, err
		}

		rems[i] = rec
	}

	return &TXTChangeset{From: from, To: to, Additions: adds, Removals: rems}, nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, fmt.Errorf("journaltest: reading u32: %w", err)
	}

	return binary.BigEndian.Uint32(b[:]), nil
}

func readRecord(r *bytes.Reader) (TXTRecord, error) {
	nameLen, err := readU32(r)
	if err != nil {
		return TXTRecord{}, err
	}

	name := make([]byte, nameLen)
	if _, err := r.Read(name); err != nil {
		return TXTRecord{}, fmt.Errorf("journaltest: reading name: %w", err)
	}

	valLen, err := readU32(r)
	if err != nil {
		return TXTRecord{}, err
	}

	val := make([]byte, valLen)
	if _, err := r.Read(val); err != nil {
		return TXTRecord{}, fmt.Errorf("journaltest: reading value: %w", err)
	}

	return TXTRecord{Name: string(name), Value: string(val)}, nil
}

// RandomTXTChangeset builds a changeset from->to with n additions and n
// removals of random TXT records under apex, deterministic for a given
// rng.
func RandomTXTChangeset(rng *rand.Rand, from, to uint32, apex string, n int) *TXTChangeset {
	cs := &TXTChangeset{From: from, To: to}

	for i := 0; i < n; i++ {
		cs.Additions = append(cs.Additions, randomRecord(rng, apex))
	}

	for i := 0; i < n; i++ {
		cs.Removals = append(cs.Removals, randomRecord(rng, apex))
	}

	return cs
}

func randomRecord(rng *rand.Rand, apex string) TXTRecord {
	return TXTRecord{
		Name:  fmt.Sprintf("%d.%s", rng.Uint32(), apex),
		Value: fmt.Sprintf("v=%d", rng.Uint64()),
	}
}
