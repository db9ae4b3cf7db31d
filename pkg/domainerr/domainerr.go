// Package domainerr is the typed error surface of the subscription core.
// Every operation returns either a plain result or an *Error carrying one of
// the codes below; adapters map codes to transport status.
package domainerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation    Code = "validation"
	CodeNotFound      Code = "not_found"
	CodeExpired       Code = "expired"
	CodeNotAuthorized Code = "not_authorized"
	CodeMailerFailure Code = "mailer_failure"
	CodeInternal      Code = "internal"
)

type Error struct {
	Code    Code
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the same request unchanged.
func (e *Error) Retryable() bool {
	return e.Code == CodeMailerFailure
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Validation builds a field-level validation error.
func Validation(field, message string) *Error {
	return &Error{Code: CodeValidation, Field: field, Message: message}
}

func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

func Expired(message string) *Error {
	return New(CodeExpired, message)
}

// NotAuthorized never says which check failed.
func NotAuthorized() *Error {
	return New(CodeNotAuthorized, "Not authorized")
}

func MailerFailure(err error) *Error {
	return Wrap(err, CodeMailerFailure, "The email could not be sent, please try again")
}

func Internal(err error) *Error {
	return Wrap(err, CodeInternal, "internal error")
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var de *Error
	return errors.As(err, &de) && de.Code == code
}
