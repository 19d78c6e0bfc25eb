package model

import (
	gerrors "errors"
	"fmt"
)

// Kind classifies errors returned by the session manager. Callers branch on Kind, never on
// the underlying cause.
type Kind uint8

const (
	KindInternal         Kind = 1
	KindInvalidArgument  Kind = 2
	KindStoreUnavailable Kind = 3
	KindStoreRejected    Kind = 4
	KindSessionNotFound  Kind = 5
	KindAlreadyCompleted Kind = 6
)

var kindNames = map[Kind]string{
	KindInternal:         "Internal",
	KindInvalidArgument:  "InvalidArgument",
	KindStoreUnavailable: "StoreUnavailable",
	KindStoreRejected:    "StoreRejected",
	KindSessionNotFound:  "SessionNotFound",
	KindAlreadyCompleted: "AlreadyCompleted",
}

func (k Kind) String() string {
	name, found := kindNames[k]
	if !found {
		return fmt.Sprintf("Kind(%d)", k)
	}
	return name
}

// Retryable indicates whether the caller may retry the same operation with the same arguments.
func (k Kind) Retryable() bool {
	return k == KindStoreUnavailable
}

// KindFromString is the inverse of Kind.String. Unknown names map to KindInternal.
func KindFromString(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindInternal
}

var (
	ErrInvalidArgument = &Error{
		Kind:        KindInvalidArgument,
		Description: "invalid argument",
	}

	ErrStoreUnavailable = &Error{
		Kind:        KindStoreUnavailable,
		Description: "object store unavailable",
	}

	ErrStoreRejected = &Error{
		Kind:        KindStoreRejected,
		Description: "object store rejected the request",
	}

	ErrSessionNotFound = &Error{
		Kind:        KindSessionNotFound,
		Description: "upload session not found",
	}

	ErrAlreadyCompleted = &Error{
		Kind:        KindAlreadyCompleted,
		Description: "upload already completed",
	}

	ErrInternal = &Error{
		Kind:        KindInternal,
		Description: "internal error",
	}
)

// Error is an error from the session manager. Cause holds whatever lower layer error led to
// it and is only there for diagnostics.
//
// Any two *Error values with the same Kind match each other under errors.Is, so callers can
// write errors.Is(err, model.ErrSessionNotFound) regardless of the description.
type Error struct {
	Kind        Kind
	Description string
	Cause       error
}

func (err *Error) Error() string {
	if err.Cause == nil {
		return fmt.Sprintf("%v|%s", err.Kind, err.Description)
	}
	return fmt.Sprintf("%v|%s: %v", err.Kind, err.Description, err.Cause)
}

func (err *Error) Unwrap() error {
	return err.Cause
}

func (err *Error) Is(target error) bool {
	typed, ok := target.(*Error)
	return ok && typed.Kind == err.Kind
}

// Describe returns a copy of err with the given description.
func (err *Error) Describe(format string, args ...interface{}) *Error {
	return &Error{Kind: err.Kind, Description: fmt.Sprintf(format, args...), Cause: err.Cause}
}

// WithCause returns a copy of err that carries the given cause.
func (err *Error) WithCause(cause error) *Error {
	return &Error{Kind: err.Kind, Description: err.Description, Cause: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal if there is none.
func KindOf(err error) Kind {
	var typed *Error
	if gerrors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// TypedError returns err as an *Error, wrapping anything else as an internal error.
func TypedError(err error) *Error {
	var typed *Error
	if gerrors.As(err, &typed) {
		return typed
	}
	return ErrInternal.WithCause(err)
}
