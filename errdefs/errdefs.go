// Package errdefs defines the error kinds shared by every layer of fleetnet.
//
// Callers branch on the kind of a failure instead of on its message:
//
//	if errors.Is(err, errdefs.ErrTimeout) { ... }
//	switch errdefs.KindOf(err) { ... }
package errdefs

import (
	"errors"
	"fmt"
)

// Kind discriminates failures.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTimeout
	KindRemoteFailure
	KindSerialization
	KindAmbiguous
	KindTransport
	KindChannelClosed
	KindNotFound
	KindShutdown
	KindEvicted
	KindCancelled
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRemoteFailure:
		return "remote failure"
	case KindSerialization:
		return "serialization"
	case KindAmbiguous:
		return "ambiguous"
	case KindTransport:
		return "transport"
	case KindChannelClosed:
		return "channel closed"
	case KindNotFound:
		return "not found"
	case KindShutdown:
		return "shutdown"
	case KindEvicted:
		return "evicted"
	case KindCancelled:
		return "cancelled"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Sentinels, one per kind. A kinded *Error matches its sentinel with errors.Is.
var (
	ErrTimeout       = &sentinel{KindTimeout}
	ErrRemoteFailure = &sentinel{KindRemoteFailure}
	ErrSerialization = &sentinel{KindSerialization}
	ErrAmbiguous     = &sentinel{KindAmbiguous}
	ErrTransport     = &sentinel{KindTransport}
	ErrChannelClosed = &sentinel{KindChannelClosed}
	ErrNotFound      = &sentinel{KindNotFound}
	ErrShutdown      = &sentinel{KindShutdown}
	ErrEvicted       = &sentinel{KindEvicted}
	ErrCancelled     = &sentinel{KindCancelled}
	ErrRejected      = &sentinel{KindRejected}
)

type sentinel struct {
	kind Kind
}

func (s *sentinel) Error() string {
	return s.kind.String()
}

func sentinelFor(k Kind) error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindRemoteFailure:
		return ErrRemoteFailure
	case KindSerialization:
		return ErrSerialization
	case KindAmbiguous:
		return ErrAmbiguous
	case KindTransport:
		return ErrTransport
	case KindChannelClosed:
		return ErrChannelClosed
	case KindNotFound:
		return ErrNotFound
	case KindShutdown:
		return ErrShutdown
	case KindEvicted:
		return ErrEvicted
	case KindCancelled:
		return ErrCancelled
	case KindRejected:
		return ErrRejected
	}
	return nil
}

// Error is a failure of a known kind raised by operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err as a failure of the given kind. err may be nil.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	s, ok := target.(*sentinel)
	return ok && s.kind == e.Kind
}

// KindOf returns the kind of the outermost kinded error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	var s *sentinel
	if errors.As(err, &s) {
		return s.kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	s := sentinelFor(kind)
	return s != nil && errors.Is(err, s)
}
