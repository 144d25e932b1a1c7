package journal

import "context"

// LoadChangesets reassembles stored changesets starting at from-serial
// into a list, up to LastSerial. If a merged changeset is present and
// from equals its from-serial, it is emitted first and the walk continues
// from its to-serial.
//
// Returns [ErrNotFound] if no changeset starts at the effective starting
// point. A chain that stops short of LastSerialTo still returns the
// partial list with a nil error - the caller can detect the gap (last
// element's ToSerial() != LastSerialTo) and fall back to a full transfer.
func (j *Journal) LoadChangesets(ctx context.Context, from uint32) ([]Changeset, error) {
	_ = ctx

	if j.codec == nil {
		return nil, newErr(KindInvalidArgument, errNoCodec)
	}

	t, err := beginTxn(j, false)
	if err != nil {
		return nil, err
	}
	defer t.abort()

	var out []Changeset

	if t.shadow.Flags.Has(FlagMergedSerialValid) && t.shadow.MergedSerial == from {
		group, found, err := fetchGroup(t, bucketMerged, from)
		if err != nil {
			return nil, err
		}

		if !found {
			return nil, newErr(KindMalformed, nil)
		}

		cs, err := j.codec.DeserializeChunks(from, group.header.SerialTo, group.chunks)
		if err != nil {
			return nil, newErr(KindMalformed, err)
		}

		out = append(out, cs)
		from = group.header.SerialTo
	}

	if !t.shadow.Flags.Has(FlagSerialToValid) || from == t.shadow.LastSerialTo {
		if len(out) == 0 {
			return nil, newErr(KindNotFound, nil)
		}

		return out, nil
	}

	firstHop := true

	err = walk(t, bucketData, from, byChangeset, func(g chunkGroup) (IterAction, error) {
		cs, derr := j.codec.DeserializeChunks(g.serial, g.header.SerialTo, g.chunks)
		if derr != nil {
			return IterStop, newErr(KindMalformed, derr)
		}

		out = append(out, cs)
		firstHop = false

		return IterContinue, nil
	})
	if err != nil {
		return nil, err
	}

	if firstHop && len(out) == 0 {
		return nil, newErr(KindNotFound, nil)
	}

	return out, nil
}
