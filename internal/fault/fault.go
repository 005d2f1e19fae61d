package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a replication fault.
type Kind string

const (
	// Unreadable means a source file is corrupt, truncated, or cannot be opened.
	Unreadable Kind = "unreadable"
	// NotFound means the destination holds no copy yet. It is an expected state.
	NotFound Kind = "not_found"
	// RemoteFault is any unexpected error reported by a replica target.
	RemoteFault Kind = "remote_fault"
	// HostUnreachable means the replica target cannot be reached at all.
	HostUnreachable Kind = "host_unreachable"
	// ChecksumMismatch means the destination digest differs from the source digest.
	ChecksumMismatch Kind = "checksum_mismatch"
	// InsufficientCapacity means the target is below its free-space threshold.
	InsufficientCapacity Kind = "insufficient_capacity"
	// SourceUnavailable means the primary capture volume itself is gone.
	SourceUnavailable Kind = "source_unavailable"
)

// Sentinels usable with errors.Is.
var (
	ErrUnreadable           = &Error{Kind: Unreadable}
	ErrNotFound             = &Error{Kind: NotFound}
	ErrRemoteFault          = &Error{Kind: RemoteFault}
	ErrHostUnreachable      = &Error{Kind: HostUnreachable}
	ErrChecksumMismatch     = &Error{Kind: ChecksumMismatch}
	ErrInsufficientCapacity = &Error{Kind: InsufficientCapacity}
	ErrSourceUnavailable    = &Error{Kind: SourceUnavailable}
)

// Error is a classified replication fault.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "digest", "put"
	Path string
	Err  error
}

// New creates a classified fault.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels work with errors.Is.
// An unreachable host is also a remote fault.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind || (t.Kind == RemoteFault && e.Kind == HostUnreachable)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Errorf builds a fault whose wrapped error is formatted from args.
func Errorf(kind Kind, op, path, format string, args ...any) *Error {
	return New(kind, op, path, fmt.Errorf(format, args...))
}
