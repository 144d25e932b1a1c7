package journal

// Changeset is the opaque unit of history the journal stores. The journal
// never inspects a changeset's interior; it only needs the three operations
// below (serialized-size, serialize-into-chunks, merge) plus a caller-
// supplied [ChangesetCodec] to deserialize chunks back into one.
type Changeset interface {
	// FromSerial is the SOA serial this changeset transitions from.
	FromSerial() uint32
	// ToSerial is the SOA serial this changeset transitions to.
	ToSerial() uint32

	// SerializedSize reports the byte length SerializeChunks will produce
	// in total, across all chunks, excluding per-chunk headers.
	SerializedSize() int

	// SerializeChunks splits the changeset's serialized form into pieces
	// no larger than maxChunkPayload bytes each. The concatenation of all
	// returned chunks, in order, is the full serialized changeset.
	SerializeChunks(maxChunkPayload int) ([][]byte, error)

	// Merge folds older (an earlier, adjacent changeset: older.ToSerial()
	// == c.FromSerial()) into c, returning a new changeset spanning
	// older.FromSerial() -> c.ToSerial(). Used only in merge mode.
	Merge(older Changeset) (Changeset, error)
}

// ChangesetCodec reconstructs a [Changeset] from its stored chunks.
// Deserialization has no natural receiver (there is no changeset yet to
// call a method on), so it is a factory supplied by the caller instead of
// a method on [Changeset].
type ChangesetCodec interface {
	// DeserializeChunks reassembles chunks (in (serial, chunk_index) order,
	// payload only - headers already stripped) into a Changeset spanning
	// from -> to.
	DeserializeChunks(from, to uint32, chunks [][]byte) (Changeset, error)
}

// Flags is a bitset of independent validity bits tracked in journal
// metadata.
type Flags uint32

const (
	// FlagSerialToValid means at least one non-merged changeset is
	// present, so LastSerialTo is meaningful.
	FlagSerialToValid Flags = 1 << iota
	// FlagLastFlushedValid means LastFlushed names a real changeset the
	// caller has durably externalized.
	FlagLastFlushedValid
	// FlagMergedSerialValid means a merged changeset exists under the
	// reserved merged namespace and MergedSerial/the merged record are
	// meaningful.
	FlagMergedSerialValid
	// FlagDirtySerialValid means an insert was interrupted between
	// sub-commits; DirtySerial names the changeset to sweep on open.
	FlagDirtySerialValid
)

// Has reports whether all bits in want are set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Set returns f with bits added.
func (f Flags) Set(bits Flags) Flags { return f | bits }

// Clear returns f with bits removed.
func (f Flags) Clear(bits Flags) Flags { return f &^ bits }

// Metadata is the single journal metadata record, mirroring the well-known
// keys persisted in the meta bucket.
type Metadata struct {
	FirstSerial  uint32
	LastSerial   uint32
	LastSerialTo uint32
	LastFlushed  uint32
	MergedSerial uint32
	Flags        Flags
	DirtySerial  uint32
	ZoneName     []byte
	Version      uint32
}

// CurrentVersion is the format version written by new journals. Its
// leading decimal digit is the major version Open compares against an
// existing store's version.
const CurrentVersion uint32 = 1

// majorDigit returns the leading decimal digit of v (e.g. 10 -> 1, 23 -> 2).
func majorDigit(v uint32) uint32 {
	for v >= 10 {
		v /= 10
	}

	return v
}

// MetadataInfo reports the visible serial range of a journal, as returned
// by [Journal.MetadataInfo].
type MetadataInfo struct {
	// Empty is true when the journal holds no history at all (neither
	// merged nor non-merged).
	Empty bool
	// From is the oldest visible from-serial: MergedSerial when a merged
	// changeset is present, else FirstSerial.
	From uint32
	// To is LastSerialTo, the newest visible to-serial.
	To uint32
}

// CheckLevel selects how thorough [Journal.Check] should be.
type CheckLevel int

const (
	// CheckQuick verifies metadata self-consistency only (flag/serial
	// relationships), without walking the chunk chain.
	CheckQuick CheckLevel = iota
	// CheckFull additionally walks the entire continuity chain from the
	// oldest visible changeset to LastSerialTo.
	CheckFull
)

// CheckReport is the result of [Journal.Check].
type CheckReport struct {
	// OK is true when no continuity or consistency problems were found.
	OK bool
	// Problems lists every inconsistency found, human-readable.
	Problems []string
	// Warnings lists non-fatal observations (e.g. an unusually long
	// unmerged tail) that don't affect OK.
	Warnings []string
	// TotalBytes is the backing store's reported occupied bytes at the
	// time of the check.
	TotalBytes uint64
	// ChangesetCount is the number of changesets walked (merged counts as
	// one, when present).
	ChangesetCount int
}
