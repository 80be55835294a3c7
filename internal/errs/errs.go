// Package errs defines the error kinds from the client's error-handling
// design, each carrying a fixed recovery policy understood by its
// caller: Metainfo and Integrity errors are reported upward, Tracker
// errors trigger URL rotation, Peer errors terminate only the one
// connection.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error by its recovery policy.
type Kind int

const (
	KindMetainfo Kind = iota
	KindTracker
	KindPeer
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindMetainfo:
		return "metainfo"
	case KindTracker:
		return "tracker"
	case KindPeer:
		return "peer"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Error is a typed client error. Wrap an underlying cause with New to
// keep the original error visible to errors.Is/errors.As via Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err (via github.com/pkg/errors, so a stack trace is
// attached at the call site) with the recovery-policy kind and the
// operation that failed.
func New(kind Kind, op string, err error) *Error {
	if err != nil {
		err = errors.WithStack(err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Err.Error())
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is a client Error of the given kind.
func Is(err error, kind Kind) bool {
	ce, ok := err.(*Error)
	return ok && ce.Kind == kind
}
