package journal

import (
	"encoding/binary"

	"github.com/calvinalkan/zonejournal/pkg/journal/kv"
)

// loadMetadata reads the full metadata record from tx's meta bucket.
// Returns (Metadata{}, false, nil) when the store is empty (a brand-new
// journal).
func loadMetadata(tx kv.Tx) (Metadata, bool, error) {
	versionRaw, found, err := tx.Find(bucketMeta, keyVersion)
	if err != nil {
		return Metadata{}, false, wrapStore(err)
	}

	if !found {
		return Metadata{}, false, nil
	}

	version, err := decodeU32(versionRaw)
	if err != nil {
		return Metadata{}, false, newErr(KindMalformed, err)
	}

	m := Metadata{Version: version}

	if m.FirstSerial, err = loadU32Field(tx, keyFirstSerial); err != nil {
		return Metadata{}, false, err
	}

	if m.LastSerial, err = loadU32Field(tx, keyLastSerial); err != nil {
		return Metadata{}, false, err
	}

	if m.LastSerialTo, err = loadU32Field(tx, keyLastSerialTo); err != nil {
		return Metadata{}, false, err
	}

	if m.LastFlushed, err = loadU32Field(tx, keyLastFlushed); err != nil {
		return Metadata{}, false, err
	}

	if m.MergedSerial, err = loadU32Field(tx, keyMergedSerial); err != nil {
		return Metadata{}, false, err
	}

	if m.DirtySerial, err = loadU32Field(tx, keyDirtySerial); err != nil {
		return Metadata{}, false, err
	}

	flagsRaw, err := loadU32Field(tx, keyFlags)
	if err != nil {
		return Metadata{}, false, err
	}
	m.Flags = Flags(flagsRaw)

	zoneName, found, err := tx.Find(bucketMeta, keyZoneName)
	if err != nil {
		return Metadata{}, false, wrapStore(err)
	}

	if found {
		m.ZoneName = append([]byte(nil), zoneName...)
	}

	return m, true, nil
}

func loadU32Field(tx kv.Tx, key []byte) (uint32, error) {
	raw, found, err := tx.Find(bucketMeta, key)
	if err != nil {
		return 0, wrapStore(err)
	}

	if !found {
		return 0, nil
	}

	v, err := decodeU32(raw)
	if err != nil {
		return 0, newErr(KindMalformed, err)
	}

	return v, nil
}

func decodeU32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, errMalformedFieldSize
	}

	return binary.BigEndian.Uint32(b), nil
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)

	return b
}

var errMalformedFieldSize = malformedSizeError{}

type malformedSizeError struct{}

func (malformedSizeError) Error() string { return "metadata field has unexpected size" }

// fieldMask names which Metadata fields putMetadataFields should persist.
type fieldMask uint32

const (
	fieldFirstSerial fieldMask = 1 << iota
	fieldLastSerial
	fieldLastSerialTo
	fieldLastFlushed
	fieldMergedSerial
	fieldFlags
	fieldDirtySerial
	fieldZoneName
	fieldVersion
)

func (fm fieldMask) has(bit fieldMask) bool { return fm&bit == bit }

// writeMetadataFields persists the fields named by changed from m into
// tx's meta bucket.
func writeMetadataFields(tx kv.Tx, m Metadata, changed fieldMask) error {
	type kvPair struct {
		key []byte
		val []byte
	}

	var pairs []kvPair

	if changed.has(fieldFirstSerial) {
		pairs = append(pairs, kvPair{keyFirstSerial, encodeU32(m.FirstSerial)})
	}

	if changed.has(fieldLastSerial) {
		pairs = append(pairs, kvPair{keyLastSerial, encodeU32(m.LastSerial)})
	}

	if changed.has(fieldLastSerialTo) {
		pairs = append(pairs, kvPair{keyLastSerialTo, encodeU32(m.LastSerialTo)})
	}

	if changed.has(fieldLastFlushed) {
		pairs = append(pairs, kvPair{keyLastFlushed, encodeU32(m.LastFlushed)})
	}

	if changed.has(fieldMergedSerial) {
		pairs = append(pairs, kvPair{keyMergedSerial, encodeU32(m.MergedSerial)})
	}

	if changed.has(fieldFlags) {
		pairs = append(pairs, kvPair{keyFlags, encodeU32(uint32(m.Flags))})
	}

	if changed.has(fieldDirtySerial) {
		pairs = append(pairs, kvPair{keyDirtySerial, encodeU32(m.DirtySerial)})
	}

	if changed.has(fieldZoneName) {
		pairs = append(pairs, kvPair{keyZoneName, m.ZoneName})
	}

	if changed.has(fieldVersion) {
		pairs = append(pairs, kvPair{keyVersion, encodeU32(m.Version)})
	}

	for _, p := range pairs {
		if err := tx.Insert(bucketMeta, p.key, p.val); err != nil {
			return err // may be kv.ErrTxFull; caller decides how to handle
		}
	}

	return nil
}

// allFields is the mask used when writing a brand-new journal's initial
// metadata record.
const allFields fieldMask = fieldFirstSerial | fieldLastSerial | fieldLastSerialTo |
	fieldLastFlushed | fieldMergedSerial | fieldFlags | fieldDirtySerial |
	fieldZoneName | fieldVersion
