package journal

import (
	"errors"
	"fmt"
)

// ErrKind classifies the failure modes a journal operation can report.
type ErrKind int

const (
	// KindInvalidArgument covers nil/zero-length names and malformed flags
	// supplied by the caller.
	KindInvalidArgument ErrKind = iota
	// KindBusy means the caller must flush (or let merge run) and retry.
	KindBusy
	// KindTryAgain means Open found a shrunk size limit with unflushed
	// history; the caller must open at the old limit, flush, then retry.
	KindTryAgain
	// KindNoSpace means a changeset does not fit even after eviction.
	KindNoSpace
	// KindNotFound means LoadChangesets' starting point is absent.
	KindNotFound
	// KindMalformed means a metadata record had an unexpected shape.
	KindMalformed
	// KindUnsupported means the on-disk format version is incompatible.
	KindUnsupported
	// KindSemanticCheck means the stored zone name doesn't match the
	// caller's claimed zone. Non-fatal; the caller decides what to do.
	KindSemanticCheck
	// KindStore wraps an error surfaced verbatim by the backing store.
	KindStore
)

func (k ErrKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid-argument"
	case KindBusy:
		return "busy"
	case KindTryAgain:
		return "try-again"
	case KindNoSpace:
		return "no-space"
	case KindNotFound:
		return "not-found"
	case KindMalformed:
		return "malformed"
	case KindUnsupported:
		return "unsupported"
	case KindSemanticCheck:
		return "semantic-check"
	case KindStore:
		return "store-error"
	default:
		return "unknown"
	}
}

// Error is the uniform error type returned by all public journal APIs.
//
// Use [errors.As] to recover the [ErrKind] and any attached serial context:
//
//	var jErr *journal.Error
//	if errors.As(err, &jErr) {
//	    log.Printf("kind=%s serial=%d", jErr.Kind, jErr.Serial)
//	}
//
// Use [errors.Is] against the sentinel values ([ErrBusy], [ErrTryAgain], ...)
// to branch on kind without importing [ErrKind] directly.
type Error struct {
	Kind ErrKind

	// Serial is the changeset from-serial relevant to the failure, when
	// known (0 otherwise - a valid serial value, so callers should gate on
	// Kind, not on Serial being non-zero).
	Serial    uint32
	HasSerial bool

	// ZoneName is the stored zone name, set on [KindSemanticCheck] so the
	// caller can recover it without a journal handle (Open returns nil on
	// this path) and decide whether to proceed under the stored name.
	ZoneName []byte

	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Kind.String()
	if e.HasSerial {
		msg = fmt.Sprintf("%s (serial=%d)", msg, e.Serial)
	}

	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// Is reports whether target is the sentinel for e's Kind, so that
// errors.Is(err, journal.ErrBusy) works without exposing ErrKind equality
// directly.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*sentinelError)
	if !ok {
		return false
	}

	return e.Kind == sentinel.kind
}

type errOpt func(*Error)

func withSerial(s uint32) errOpt {
	return func(e *Error) {
		e.Serial = s
		e.HasSerial = true
	}
}

func withZoneName(name []byte) errOpt {
	return func(e *Error) {
		e.ZoneName = name
	}
}

// newErr builds a *[Error] of the given kind wrapping cause (which may be
// nil for a bare-kind error).
func newErr(kind ErrKind, cause error, opts ...errOpt) error {
	e := &Error{Kind: kind, Err: cause}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// wrapStore wraps err (from the backing kv store) as a [KindStore] error,
// unless err is nil, in which case it returns nil. Does not double-wrap an
// already-classified *Error.
func wrapStore(err error) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	return newErr(KindStore, err)
}

// sentinelError lets errors.Is(err, journal.ErrBusy) work against any
// *Error of the matching Kind, not just a literal pointer match.
type sentinelError struct {
	kind ErrKind
}

func (s *sentinelError) Error() string { return s.kind.String() }

var (
	// ErrInvalidArgument matches any error of [KindInvalidArgument].
	ErrInvalidArgument error = &sentinelError{kind: KindInvalidArgument}
	// ErrBusy matches any error of [KindBusy].
	ErrBusy error = &sentinelError{kind: KindBusy}
	// ErrTryAgain matches any error of [KindTryAgain].
	ErrTryAgain error = &sentinelError{kind: KindTryAgain}
	// ErrNoSpace matches any error of [KindNoSpace].
	ErrNoSpace error = &sentinelError{kind: KindNoSpace}
	// ErrNotFound matches any error of [KindNotFound].
	ErrNotFound error = &sentinelError{kind: KindNotFound}
	// ErrMalformed matches any error of [KindMalformed].
	ErrMalformed error = &sentinelError{kind: KindMalformed}
	// ErrUnsupported matches any error of [KindUnsupported].
	ErrUnsupported error = &sentinelError{kind: KindUnsupported}
	// ErrSemanticCheck matches any error of [KindSemanticCheck].
	ErrSemanticCheck error = &sentinelError{kind: KindSemanticCheck}
	// ErrStore matches any error of [KindStore].
	ErrStore error = &sentinelError{kind: KindStore}
)
