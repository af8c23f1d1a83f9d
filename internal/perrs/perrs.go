// Package perrs implements the profiler's tagged {severity, kind} error model.
//
// Severity never panics the process: "error" is fatal only to the enclosing
// operation, "warn" is recovered from locally with a logged note, "notice" is
// logged at debug level, and "ok" is the absence of error (nil). Every
// component entry point returns (T, error) instead of throwing; recoverable
// unwind/symbol failures are folded into a result value by the caller, not
// signalled by panic/recover.
package perrs

import "fmt"

// Severity classifies how an Error should propagate.
type Severity int

const (
	// Notice is logged at debug level and never changes control flow.
	Notice Severity = iota
	// Warn is recovered from locally; the operation continues with a
	// degraded result.
	Warn
	// Fatal is fatal to the enclosing operation (not the process) and is
	// logged at error level.
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Notice:
		return "notice"
	case Warn:
		return "warn"
	case Fatal:
		return "error"
	default:
		return "unknown"
	}
}

// Kind names the specific reason behind an Error, independent of severity.
// Unwinder synthetic-frame reasons and a handful of library-wide kinds are
// defined here; packages may define additional kinds as untyped strings via
// New.
type Kind string

const (
	KindUnknownDSO       Kind = "unknown_dso"
	KindDwflFrame        Kind = "dwfl_frame"
	KindTruncatedStack   Kind = "truncated_stack"
	KindIncompleteStack  Kind = "incomplete_stack"
	KindFileOpen         Kind = "file_open"
	KindInconsistent     Kind = "inconsistent_module"
	KindRingBufferFull   Kind = "ring_buffer_full"
	KindStaleLock        Kind = "stale_lock"
	KindBadAlloc         Kind = "badalloc"
	KindUnrecognized     Kind = "stdexcept"
)

// Error is the concrete {severity, kind} error value threaded through the
// pipeline.
type Error struct {
	Severity Severity
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Severity, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Severity, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with the given severity, kind, and wrapped cause
// (which may be nil).
func New(sev Severity, kind Kind, cause error) *Error {
	return &Error{Severity: sev, Kind: kind, Err: cause}
}

// Noticef builds a Notice-severity Error.
func Noticef(kind Kind, format string, args ...any) *Error {
	return New(Notice, kind, fmt.Errorf(format, args...))
}

// Warnf builds a Warn-severity Error.
func Warnf(kind Kind, format string, args ...any) *Error {
	return New(Warn, kind, fmt.Errorf(format, args...))
}

// Fatalf builds an Error-severity Error.
func Fatalf(kind Kind, format string, args ...any) *Error {
	return New(Fatal, kind, fmt.Errorf(format, args...))
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

// asError is a tiny errors.As shim kept local to avoid importing "errors"
// just for this one call site used by both production code and tests.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
