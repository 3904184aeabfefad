package core

import (
	"errors"
	"fmt"
)

// ErrorCode classifies store failures.
type ErrorCode string

const (
	CodeNotFound    ErrorCode = "not_found"
	CodeValidation  ErrorCode = "validation_error"
	CodeConflict    ErrorCode = "conflict"
	CodeNetwork     ErrorCode = "network_error"
	CodeIO          ErrorCode = "io_error"
	CodeCachedOnly  ErrorCode = "cached_only_mode"
	CodeUnsupported ErrorCode = "unsupported"
	CodeInternal    ErrorCode = "internal_error"
)

// Error is a classified store failure.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("artifact store %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("artifact store %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code.
func Wrap(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the classification of err, defaulting to CodeInternal.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// IsCode reports whether err is a store error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == code
}

// ErrUnsupported is returned by backends lacking an optional capability.
var ErrUnsupported = &Error{Code: CodeUnsupported, Message: "operation not supported by this backend"}
