package lifecycle

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindForbidden
	KindInvalidInput
	KindNotFound
	KindUpstream
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream_failure"
	case KindPersistence:
		return "persistence_failure"
	default:
		return "internal"
	}
}

// Error is the only error type the Coordinator returns. Message is safe to
// show to callers; Err is the underlying cause and is only logged.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a Coordinator error, or KindInternal for any
// other error.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindInternal
}

func unauthorized(op string) *Error {
	return &Error{Kind: KindUnauthorized, Op: op, Message: "authentication required"}
}

func forbidden(op string) *Error {
	return &Error{Kind: KindForbidden, Op: op, Message: "operator privileges required"}
}

func invalidInput(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Message: fmt.Sprintf(format, args...)}
}

func notFound(op, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

func upstream(op, message string, err error) *Error {
	return &Error{Kind: KindUpstream, Op: op, Message: message, Err: err}
}

func persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, Message: "order storage unavailable", Err: err}
}
