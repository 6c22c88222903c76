// Package invoke holds the transport independent shape of a tool invocation:
// the request a session sends, the response it gets back and the error
// taxonomy reported to callers.
package invoke

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	UnknownOperation ErrorKind = iota + 1
	InvalidArguments
	ExternalQueryError
	ServerShuttingDown
)

func (k ErrorKind) String() string {
	switch k {
	case UnknownOperation:
		return "UnknownOperation"
	case InvalidArguments:
		return "InvalidArguments"
	case ExternalQueryError:
		return "ExternalQueryError"
	case ServerShuttingDown:
		return "ServerShuttingDown"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the error payload of a Response.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind. An err that already carries an *Error is
// returned unchanged.
func Wrap(kind ErrorKind, err error) *Error {
	if err == nil {
		return nil
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie
	}
	return &Error{Kind: kind, Message: err.Error(), cause: err}
}

// KindOf reports the kind carried by err, or zero when err is not an *Error.
func KindOf(err error) ErrorKind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return 0
}

type Request struct {
	Operation string
	Arguments map[string]any
	SessionID string
}

// String returns the named argument, reporting false when it is absent.
// A present argument of another type is an InvalidArguments error.
func (r Request) String(name string) (string, bool, error) {
	v, ok := r.Arguments[name]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, Errorf(InvalidArguments, "argument %q must be a string, got %T", name, v)
	}
	return s, true, nil
}

type Response struct {
	Result string
	Err    *Error
}

func Result(text string) Response {
	return Response{Result: text}
}

func Failure(err *Error) Response {
	return Response{Err: err}
}

func (r Response) Failed() bool {
	return r.Err != nil
}
