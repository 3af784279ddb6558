// Package errors defines the error taxonomy shared by every wichfs
// component. It mirrors the sentinel-error pattern used throughout the
// package: a small set of typed constants, each of which can be given a
// more specific message or wrap an underlying cause without losing its
// identity for errors.Is/errors.As.
package errors

import "fmt"

// DriverError is an error returned by the storage core. One built with
// WithMessage unwraps to its sentinel DiskoError value, so callers can match
// on error kind with errors.Is however many messages are layered on top. One
// built with WrapError unwraps to the wrapped cause instead: errors.Is
// matches that cause, not the sentinel named in its message.
type DriverError interface {
	error
	WithMessage(message string) DriverError
	WrapError(err error) DriverError
	Unwrap() error
}

type customDriverError struct {
	message       string
	originalError error
}

func (e customDriverError) Error() string {
	return e.message
}

func (e customDriverError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customDriverError) WrapError(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: err,
	}
}

func (e customDriverError) Unwrap() error {
	return e.originalError
}
