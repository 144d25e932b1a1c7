package journal

import "encoding/binary"

// chunkHeaderSize is the fixed 12-byte header every stored chunk value
// carries ahead of its payload: serial_to, chunk_count, chunk_size, each a
// big-endian uint32.
const chunkHeaderSize = 12

// keySize is the fixed 8-byte physical key: serial, chunk_index, each a
// big-endian uint32. Byte-wise lexicographic order of this encoding equals
// (serial, chunk_index) numeric order, which is what lets the backing
// store's native ordering double as changeset/chunk ordering.
const keySize = 8

// encodeKey packs (serial, chunkIndex) into the fixed-width, big-endian key
// layout used for every physical chunk entry.
func encodeKey(serial, chunkIndex uint32) [keySize]byte {
	var k [keySize]byte
	binary.BigEndian.PutUint32(k[0:4], serial)
	binary.BigEndian.PutUint32(k[4:8], chunkIndex)

	return k
}

// decodeKey is the inverse of encodeKey.
func decodeKey(k []byte) (serial, chunkIndex uint32) {
	serial = binary.BigEndian.Uint32(k[0:4])
	chunkIndex = binary.BigEndian.Uint32(k[4:8])

	return serial, chunkIndex
}

// chunkHeader is the fixed 12-byte prefix of every stored chunk value.
type chunkHeader struct {
	SerialTo   uint32
	ChunkCount uint32
	ChunkSize  uint32
}

// encodeChunkHeader packs h into its fixed, big-endian wire layout.
func encodeChunkHeader(h chunkHeader) [chunkHeaderSize]byte {
	var b [chunkHeaderSize]byte
	binary.BigEndian.PutUint32(b[0:4], h.SerialTo)
	binary.BigEndian.PutUint32(b[4:8], h.ChunkCount)
	binary.BigEndian.PutUint32(b[8:12], h.ChunkSize)

	return b
}

// decodeChunkHeader is the inverse of encodeChunkHeader. b must be at least
// chunkHeaderSize bytes.
func decodeChunkHeader(b []byte) chunkHeader {
	return chunkHeader{
		SerialTo:   binary.BigEndian.Uint32(b[0:4]),
		ChunkCount: binary.BigEndian.Uint32(b[4:8]),
		ChunkSize:  binary.BigEndian.Uint32(b[8:12]),
	}
}

// encodeChunkValue stamps header ahead of payload, producing the full
// value stored at one physical key.
func encodeChunkValue(h chunkHeader, payload []byte) []byte {
	out := make([]byte, chunkHeaderSize+len(payload))
	hb := encodeChunkHeader(h)
	copy(out, hb[:])
	copy(out[chunkHeaderSize:], payload)

	return out
}

// decodeChunkValue splits a stored value back into its header and payload.
// v must be at least chunkHeaderSize bytes.
func decodeChunkValue(v []byte) (chunkHeader, []byte) {
	h := decodeChunkHeader(v[:chunkHeaderSize])
	return h, v[chunkHeaderSize:]
}

// Well-known metadata keys, ASCII, stored in the meta bucket.
var (
	keyFirstSerial  = []byte("first_serial")
	keyLastSerial   = []byte("last_serial")
	keyLastSerialTo = []byte("last_serial_to")
	keyLastFlushed  = []byte("last_flushed")
	keyMergedSerial = []byte("merged_serial")
	keyFlags        = []byte("flags")
	keyDirtySerial  = []byte("dirty_serial")
	keyZoneName     = []byte("zone_name")
	keyVersion      = []byte("version")
)

// Bucket names within the backing store. Data, metadata, and the merged
// changeset each get a disjoint bucket, matching the "three named
// sub-databases" option the backing-store contract allows.
var (
	bucketData   = []byte("data")
	bucketMeta   = []byte("meta")
	bucketMerged = []byte("merged")
)
