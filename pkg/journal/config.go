package journal

import (
	"context"

	"go.uber.org/zap"
)

// minSizeLimit is the 1 MiB floor Open clamps SizeLimit up to.
const minSizeLimit = 1 << 20

// defaultChunkMax is the maximum size of one stored chunk value, header
// included (its payload is at most this minus the chunk header), chosen to
// stay well under typical backing-store page/record limits.
const defaultChunkMax = 60 * 1024

// Policy controls the space-accounting and compaction behavior of the
// writer and compactor. The zero value is not valid; use
// [DefaultPolicy] and override individual fields.
type Policy struct {
	// OccupancyNoMerge is the fraction of the size limit the writer keeps
	// free when no merged changeset exists and merge is not enabled.
	OccupancyNoMerge float64
	// OccupancyMergePending is the fraction kept free when merge is
	// enabled but no merged changeset exists yet.
	OccupancyMergePending float64
	// OccupancyMerged is the fraction kept free once a merged changeset is
	// present.
	OccupancyMerged float64
	// EvictionMultiplier scales the computed "want to free" amount to
	// amortize the cost of repeated small evictions.
	EvictionMultiplier float64
	// SubCommitThreshold is the fraction of the size limit after which an
	// in-progress multi-chunk insert sub-commits and opens a fresh
	// transaction (see the writer's dirty-serial protocol).
	SubCommitThreshold float64
	// MergeEnabled selects merge-mode compaction instead of external
	// flush-driven eviction.
	MergeEnabled bool
	// FlushFunc, when set, is invoked by the writer when eviction alone
	// cannot make room and merge is not enabled; it is the caller's hook
	// to externalize the zone. When it returns nil, the writer itself marks
	// the history flushed and evicts again, inside its own transaction.
	// A nil FlushFunc makes the writer return [ErrBusy] instead of calling
	// anything.
	FlushFunc func(ctx context.Context) error
}

// DefaultPolicy returns the default space-accounting ratios with merge
// disabled and no flush hook.
func DefaultPolicy() Policy {
	return Policy{
		OccupancyNoMerge:      0.50,
		OccupancyMergePending: 0.72,
		OccupancyMerged:       0.44,
		EvictionMultiplier:    3.0,
		SubCommitThreshold:    0.05,
		MergeEnabled:          false,
		FlushFunc:             nil,
	}
}

// Options configures [Open].
type Options struct {
	// SizeLimit is the maximum number of bytes the backing store may
	// occupy. Clamped up to the 1 MiB floor.
	SizeLimit uint64
	// ZoneName is the canonical wire-format dname of the owning zone,
	// checked against (or written as) the stored zone_name.
	ZoneName []byte
	// Policy controls space accounting and compaction.
	Policy Policy
	// Logger receives structured diagnostics (dirty-serial sweeps,
	// discontinuity/duplicate recovery, merge activity). A nil Logger
	// falls back to [zap.NewNop].
	Logger *zap.Logger
	// ChunkMax caps the size of one stored chunk value, header included.
	// Zero uses [defaultChunkMax].
	ChunkMax int
}

func (o Options) clamped() Options {
	if o.SizeLimit < minSizeLimit {
		o.SizeLimit = minSizeLimit
	}

	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	if o.ChunkMax <= 0 {
		o.ChunkMax = defaultChunkMax
	}

	return o
}

func (o Options) validate() error {
	if len(o.ZoneName) == 0 {
		return newErr(KindInvalidArgument, nil)
	}

	return nil
}
