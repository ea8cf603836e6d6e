package durable

import "github.com/joeycumines/go-durable/errorsx"

// Error kinds (spec.md §7), re-exported from errorsx so callers only need
// to import the root package.
type (
	ErrorObject                    = errorsx.ErrorObject
	StepFailedError                = errorsx.StepFailedError
	StepInterruptedError           = errorsx.StepInterruptedError
	InvokeFailedError              = errorsx.InvokeFailedError
	InvokeTimedOutError            = errorsx.InvokeTimedOutError
	InvokeStoppedError             = errorsx.InvokeStoppedError
	InvokeException                = errorsx.InvokeException
	CallbackFailedError            = errorsx.CallbackFailedError
	CallbackTimeoutError           = errorsx.CallbackTimeoutError
	ChildContextFailedError        = errorsx.ChildContextFailedError
	NonDeterministicExecutionError = errorsx.NonDeterministicExecutionError
	IllegalOperationError          = errorsx.IllegalOperationError
	ArgumentError                  = errorsx.ArgumentError
	SerializationError             = errorsx.SerializationError
	UnrecoverableError             = errorsx.UnrecoverableError
)

// IsSuspend reports whether err is (or wraps) the internal suspend
// sentinel signaling that the process should return PENDING.
func IsSuspend(err error) bool { return errorsx.IsSuspend(err) }

// AsUnrecoverable reports whether err is (or wraps) an UnrecoverableError.
func AsUnrecoverable(err error) (*UnrecoverableError, bool) { return errorsx.AsUnrecoverable(err) }
