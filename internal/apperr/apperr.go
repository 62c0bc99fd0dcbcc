// Package apperr defines the error taxonomy shared by every domain package.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidWorkflow = errors.New("invalid workflow")
	ErrInvalidLevel    = errors.New("invalid level")
	ErrValidation      = errors.New("validation failed")
)

// Error carries a kind from the taxonomy plus a caller-facing message.
// errors.Is(err, apperr.ErrConflict) matches on Kind.
type Error struct {
	Kind    error
	Message string
	Details any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func New(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WithDetails(kind error, message string, details any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// Kind returns the taxonomy sentinel err belongs to, or nil.
func Kind(err error) error {
	for _, kind := range []error{
		ErrUnauthorized,
		ErrForbidden,
		ErrNotFound,
		ErrConflict,
		ErrInvalidWorkflow,
		ErrInvalidLevel,
		ErrValidation,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// DetailsOf returns the Details of the outermost *Error in the chain.
func DetailsOf(err error) any {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Details
	}
	return nil
}
