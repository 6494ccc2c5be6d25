// Package xerrors implements the error taxonomy shared by memtap's core
// packages: callers distinguish failure classes with errors.As instead of
// string-matching messages.
package xerrors

import "fmt"

// InvalidArgument signals caller-side misuse: a wrong-size operand, an
// unknown predicate for a type, a duplicate label, and similar.
type InvalidArgument struct {
	Msg string
}

func (e *InvalidArgument) Error() string { return e.Msg }

// NewInvalidArgument builds an InvalidArgument with a formatted message.
func NewInvalidArgument(format string, args ...any) error {
	return &InvalidArgument{Msg: fmt.Sprintf(format, args...)}
}

// OutOfRange signals an address outside any region, or a result index past
// the end of a result list.
type OutOfRange struct {
	Msg string
}

func (e *OutOfRange) Error() string { return e.Msg }

// NewOutOfRange builds an OutOfRange with a formatted message.
func NewOutOfRange(format string, args ...any) error {
	return &OutOfRange{Msg: fmt.Sprintf(format, args...)}
}

// AdapterIO wraps a failure from the process memory adapter: read, write,
// protect, pause, resume, or thread-register access.
type AdapterIO struct {
	Msg string
	Err error
}

func (e *AdapterIO) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *AdapterIO) Unwrap() error { return e.Err }

// NewAdapterIO wraps an underlying adapter error with a description of what
// was being attempted.
func NewAdapterIO(msg string, err error) error {
	return &AdapterIO{Msg: msg, Err: err}
}

// Encode signals an opcode that cannot be expressed by the assembler, such
// as a 64-bit absolute call with no thunk fallback.
type Encode struct {
	Msg string
}

func (e *Encode) Error() string { return e.Msg }

// NewEncode builds an Encode error with a formatted message.
func NewEncode(format string, args ...any) error {
	return &Encode{Msg: fmt.Sprintf(format, args...)}
}

// LogicError signals an invariant violation: always a bug in memtap itself,
// never a caller or adapter mistake.
type LogicError struct {
	Msg string
}

func (e *LogicError) Error() string { return e.Msg }

// NewLogicError builds a LogicError with a formatted message.
func NewLogicError(format string, args ...any) error {
	return &LogicError{Msg: fmt.Sprintf(format, args...)}
}
