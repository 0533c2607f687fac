// Package errs classifies failures coming out of the dispatch core so that
// callers (the HTTP layer, the consumer, tests) can react by kind instead of
// matching strings.
package errs

import (
	"errors"
	"strings"
)

type Kind uint8

const (
	Other Kind = iota
	NotFound
	Forbidden
	InvalidTransition
	AlreadyAssigned
	Validation
	StoreUnavailable
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case InvalidTransition:
		return "invalid_transition"
	case AlreadyAssigned:
		return "already_assigned"
	case Validation:
		return "validation"
	case StoreUnavailable:
		return "store_unavailable"
	default:
		return "internal"
	}
}

// Error carries a Kind plus the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(e.Kind.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error without an underlying cause.
func E(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the outermost classified kind in err's chain, or Other.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return Other
		}
		if e.Kind != Other {
			return e.Kind
		}
		err = e.Err
	}
	return Other
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }
