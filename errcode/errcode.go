package errcode

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK Code = "ok"

	// Board selection and registration
	NoMatchingBoard            Code = "no_matching_board"
	AmbiguousBoardRegistration Code = "ambiguous_board_registration"
	InvalidDescriptor          Code = "invalid_descriptor"

	// Initialization
	CapabilityQueryFailed        Code = "capability_query_failed"
	PeripheralConstructionFailed Code = "peripheral_construction_failed"
	AlreadyInitialized           Code = "already_initialized"
	BaseNotInitialized           Code = "base_not_initialized"
	NotReady                     Code = "not_ready"

	// Transport pass-through
	TransportError Code = "transport_error"
	NoDevice       Code = "no_device"
	Unsupported    Code = "unsupported"
	InvalidPayload Code = "invalid_payload"
	Closed         Code = "closed"

	Error Code = "error" // generic fallback
)

// E keeps context and a cause alongside a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil && e.Err != error(e.C) {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// New builds an *E without a cause.
func New(c Code, op, msg string) error {
	return &E{C: c, Op: op, Msg: msg}
}

// Newf is New with a formatted message.
func Newf(c Code, op, format string, args ...any) error {
	return &E{C: c, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and operation to err. A nil err stays nil.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Err: errors.WithStack(err)}
}

type coder interface{ Code() Code }

// Of extracts the outermost Code from an error chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if c, ok := e.(Code); ok {
			return c
		}
		if x, ok := e.(coder); ok {
			return x.Code()
		}
	}
	return Error
}

// Is reports whether any error in err's chain carries code c.
func Is(err error, c Code) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if cc, ok := e.(Code); ok && cc == c {
			return true
		}
		if x, ok := e.(coder); ok && x.Code() == c {
			return true
		}
	}
	return false
}
