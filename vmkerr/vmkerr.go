// Package vmkerr gives the core's error kinds (spec.md §7) a concrete Go
// shape: a small Kind enum wrapped in the standard error interface so
// callers can both log a normal error and, where it matters, branch on the
// kind with errors.Is-style matching.
package vmkerr

import "fmt"

// Kind is one of the semantic error kinds spec.md §7 names.
type Kind int

const (
	OK Kind = iota
	NoMemory
	NoAddressSpace
	NoResources
	BadParam
	NotFound
	Busy
	LimitExceeded
	Failure
	DeathPending
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case NoMemory:
		return "no_memory"
	case NoAddressSpace:
		return "no_address_space"
	case NoResources:
		return "no_resources"
	case BadParam:
		return "bad_param"
	case NotFound:
		return "not_found"
	case Busy:
		return "busy"
	case LimitExceeded:
		return "limit_exceeded"
	case Failure:
		return "failure"
	case DeathPending:
		return "death_pending"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with a free-form message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// New builds an *Error for kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a vmkerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// KindOf extracts the Kind from err, or Failure if err is not a
// vmkerr.Error.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	if err == nil {
		return OK
	}
	return Failure
}
