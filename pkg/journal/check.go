package journal

import (
	"context"
	"fmt"

	"github.com/calvinalkan/zonejournal/pkg/journal/rfc1982"
)

// Check verifies the journal's self-consistency using only read
// transactions: that LastFlushed (when valid) lies within [FirstSerial,
// LastSerial], and that a merged changeset's to-serial matches the first
// non-merged from-serial. CheckFull additionally walks the chain from
// FirstSerial to LastSerialTo for continuity and verifies that LastFlushed
// (when valid) names a changeset on it.
func (j *Journal) Check(ctx context.Context, level CheckLevel) (CheckReport, error) {
	_ = ctx

	t, err := beginTxn(j, false)
	if err != nil {
		return CheckReport{}, err
	}
	defer t.abort()

	report := CheckReport{OK: true}

	totalBytes, err := j.db.OccupiedBytes()
	if err != nil {
		return CheckReport{}, wrapStore(err)
	}
	report.TotalBytes = totalBytes

	m := t.shadow

	if m.Flags.Has(FlagMergedSerialValid) {
		group, found, err := fetchGroup(t, bucketMerged, m.MergedSerial)
		if err != nil {
			return CheckReport{}, err
		}

		if !found {
			report.OK = false
			report.Problems = append(report.Problems, "merged_serial set but no merged changeset found")
		} else {
			report.ChangesetCount++

			expectedTo := m.FirstSerial
			if !m.Flags.Has(FlagSerialToValid) {
				expectedTo = m.LastSerialTo
			}

			if m.Flags.Has(FlagSerialToValid) && group.header.SerialTo != expectedTo {
				report.OK = false
				report.Problems = append(report.Problems, fmt.Sprintf(
					"merged changeset to-serial %d does not match first unmerged from-serial %d",
					group.header.SerialTo, expectedTo))
			}
		}
	}

	if m.Flags.Has(FlagLastFlushedValid) {
		if !m.Flags.Has(FlagSerialToValid) {
			report.OK = false
			report.Problems = append(report.Problems, "last_flushed valid but no history present")
		} else if m.LastFlushed != m.FirstSerial && !rfc1982.InRange(m.LastFlushed, m.FirstSerial, m.LastSerial) {
			report.OK = false
			report.Problems = append(report.Problems, fmt.Sprintf(
				"last_flushed %d is outside [first_serial=%d, last_serial=%d]",
				m.LastFlushed, m.FirstSerial, m.LastSerial))
		}
	}

	if !m.Flags.Has(FlagSerialToValid) {
		return report, nil
	}

	if level == CheckQuick {
		return report, nil
	}

	serial := m.FirstSerial
	reachedEnd := false
	flushedSeen := false

	for {
		group, found, err := fetchGroup(t, bucketData, serial)
		if err != nil {
			return CheckReport{}, err
		}

		if !found {
			report.OK = false
			report.Problems = append(report.Problems, fmt.Sprintf("chain broken: no changeset starting at %d", serial))

			break
		}

		report.ChangesetCount++

		if serial == m.LastFlushed {
			flushedSeen = true
		}

		if serial == m.LastSerial {
			if group.header.SerialTo != m.LastSerialTo {
				report.OK = false
				report.Problems = append(report.Problems, fmt.Sprintf(
					"last changeset's to-serial %d does not match last_serial_to %d",
					group.header.SerialTo, m.LastSerialTo))
			}

			reachedEnd = true

			break
		}

		serial = group.header.SerialTo
	}

	if !reachedEnd {
		report.OK = false
		report.Problems = append(report.Problems, "chain did not reach last_serial without holes")
	}

	if m.Flags.Has(FlagLastFlushedValid) && !flushedSeen {
		report.OK = false
		report.Problems = append(report.Problems, fmt.Sprintf(
			"last_flushed %d does not name a stored changeset", m.LastFlushed))
	}

	return report, nil
}
