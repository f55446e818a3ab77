package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies connector failures for logging and retry decisions.
type ErrorCode string

const (
	ErrCodeConfig         ErrorCode = "CONFIG_ERROR"
	ErrCodeConnection     ErrorCode = "CONNECTION_ERROR"
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"
	ErrCodeRateLimit      ErrorCode = "RATE_LIMIT_ERROR"
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// Error is a connector error with a code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return e.Code == ErrCodeConnection || e.Code == ErrCodeRateLimit
}

func ErrConfig(message string, err error) *Error {
	return &Error{Code: ErrCodeConfig, Message: message, Err: err}
}

func ErrConnection(message string, err error) *Error {
	return &Error{Code: ErrCodeConnection, Message: message, Err: err}
}

func ErrAuthentication(message string, err error) *Error {
	return &Error{Code: ErrCodeAuthentication, Message: message, Err: err}
}

func ErrRateLimit(message string, err error) *Error {
	return &Error{Code: ErrCodeRateLimit, Message: message, Err: err}
}

func ErrInvalidInput(message string, err error) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Err: err}
}

func ErrInternal(message string, err error) *Error {
	return &Error{Code: ErrCodeInternal, Message: message, Err: err}
}

// GetErrorCode returns the code of a channel Error in err's chain, or
// ErrCodeInternal.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err is a transient channel Error.
func IsRetryable(err error) bool {
	var chErr *Error
	return errors.As(err, &chErr) && chErr.Retryable()
}
