// Package errcode carries the numeric error codes reported by the decoders.
//
// Each decoder package declares its own Code constants. The numbering is
// stable: the CLI prints it and exits with status 2 when a decode fails.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a decoder specific error number. Zero means success.
type Code int

type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Msg, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (code %d)", e.Msg, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error with a formatted message.
func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Of returns the code of the first *Error found in err's chain.
func Of(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// Is reports whether err carries the given code anywhere in its chain,
// including every branch of a joined or multi error.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok && e.Code == code {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if Is(inner, code) {
				return true
			}
		}
		return false
	case interface{ WrappedErrors() []error }:
		for _, inner := range u.WrappedErrors() {
			if Is(inner, code) {
				return true
			}
		}
		return false
	}
	return Is(errors.Unwrap(err), code)
}
