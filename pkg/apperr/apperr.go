// Package apperr provides structured error handling shared across this
// module's packages.
//
// It defines a standard AppError type carrying a short machine-readable code,
// a human-readable message, and an optional wrapped cause, plus constructors
// for the handful of error categories used throughout internal/amqphub and
// eventhubs.
package apperr

import "fmt"

// AppError is a structured, chainable error.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *AppError with the same Code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds an AppError with the given code, message, and optional cause.
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap attaches a message to an existing error without assigning a code.
func Wrap(err error, message string) *AppError {
	return &AppError{Code: CodeUnknown, Message: message, Err: err}
}

// Well-known codes, shared across internal/amqphub's error taxonomy.
const (
	CodeUnknown         = "UNKNOWN"
	CodeTransport       = "TRANSPORT"
	CodeAuth            = "AUTH"
	CodeLink            = "LINK"
	CodeProtocol        = "PROTOCOL"
	CodeTimeout         = "TIMEOUT"
	CodeValidation      = "VALIDATION"
	CodeClosed          = "CLOSED"
	CodeCodec           = "CODEC"
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidArgument = "INVALID_ARGUMENT"
)

func NotFound(msg string, err error) *AppError        { return New(CodeNotFound, msg, err) }
func InvalidArgument(msg string, err error) *AppError { return New(CodeInvalidArgument, msg, err) }
func Transport(msg string, err error) *AppError       { return New(CodeTransport, msg, err) }
func Auth(msg string, err error) *AppError            { return New(CodeAuth, msg, err) }
func Link(msg string, err error) *AppError            { return New(CodeLink, msg, err) }
func Protocol(msg string, err error) *AppError        { return New(CodeProtocol, msg, err) }
func Timeout(msg string, err error) *AppError         { return New(CodeTimeout, msg, err) }
func Validation(msg string, err error) *AppError      { return New(CodeValidation, msg, err) }
func Closed(msg string, err error) *AppError          { return New(CodeClosed, msg, err) }
func Codec(msg string, err error) *AppError           { return New(CodeCodec, msg, err) }

// CodeOf returns the code of err if it is (or wraps) an *AppError, else "".
func CodeOf(err error) string {
	var ae *AppError
	for err != nil {
		if a, ok := err.(*AppError); ok {
			ae = a
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if ae == nil {
		return ""
	}
	return ae.Code
}
